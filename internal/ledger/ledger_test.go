package ledger

import (
	"testing"

	"github.com/quillon-labs/quillon-bridge/internal/bridgeerr"
	"github.com/quillon-labs/quillon-bridge/internal/storage"
	"github.com/quillon-labs/quillon-bridge/pkg/types"
)

const gov = "gov1xyz"
const sysCaller = "system1abc"

func vec(auet, csp, erp uint64) EnergyVector {
	return EnergyVector{
		AUET: types.AmountFromUint64(auet),
		CSP:  types.AmountFromUint64(csp),
		ERP:  types.AmountFromUint64(erp),
	}
}

func TestCredit_Unconditional(t *testing.T) {
	l, err := New(storage.NewMemory(), gov)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Credit("alice", vec(10, 5, 0)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	bal := l.BalanceOf("alice")
	if bal.AUET.Cmp(types.AmountFromUint64(10)) != 0 || bal.CSP.Cmp(types.AmountFromUint64(5)) != 0 {
		t.Fatalf("unexpected balance: %+v", bal)
	}
}

func TestDebit_RequiresSystemPrincipal(t *testing.T) {
	l, err := New(storage.NewMemory(), gov)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.Credit("alice", vec(10, 0, 0)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	err = l.Debit("alice", vec(5, 0, 0), "not-whitelisted")
	if !bridgeerr.Is(err, bridgeerr.AuthorizationFailed) {
		t.Fatalf("expected AuthorizationFailed, got %v", err)
	}
}

func TestDebit_Succeeds(t *testing.T) {
	l, err := New(storage.NewMemory(), gov)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.AddSystemWhitelist(gov, sysCaller); err != nil {
		t.Fatalf("AddSystemWhitelist: %v", err)
	}
	if err := l.Credit("alice", vec(10, 0, 0)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if err := l.Debit("alice", vec(4, 0, 0), sysCaller); err != nil {
		t.Fatalf("Debit: %v", err)
	}
	bal := l.BalanceOf("alice")
	if bal.AUET.Cmp(types.AmountFromUint64(6)) != 0 {
		t.Fatalf("unexpected balance after debit: %+v", bal)
	}
}

func TestDebit_RejectsUnderflow(t *testing.T) {
	l, err := New(storage.NewMemory(), gov)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.AddSystemWhitelist(gov, sysCaller); err != nil {
		t.Fatalf("AddSystemWhitelist: %v", err)
	}
	if err := l.Credit("alice", vec(3, 0, 0)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	err = l.Debit("alice", vec(5, 0, 0), sysCaller)
	if !bridgeerr.Is(err, bridgeerr.LedgerUnderflow) {
		t.Fatalf("expected LedgerUnderflow, got %v", err)
	}
	bal := l.BalanceOf("alice")
	if bal.AUET.Cmp(types.AmountFromUint64(3)) != 0 {
		t.Fatalf("balance must be unchanged on rejected debit, got %+v", bal)
	}
}

func TestAddSystemWhitelist_RequiresGovernance(t *testing.T) {
	l, err := New(storage.NewMemory(), gov)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	err = l.AddSystemWhitelist("not-gov", sysCaller)
	if !bridgeerr.Is(err, bridgeerr.AuthorizationFailed) {
		t.Fatalf("expected AuthorizationFailed, got %v", err)
	}
}

func TestRemoveSystemWhitelist(t *testing.T) {
	l, err := New(storage.NewMemory(), gov)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l.AddSystemWhitelist(gov, sysCaller); err != nil {
		t.Fatalf("AddSystemWhitelist: %v", err)
	}
	if err := l.RemoveSystemWhitelist(gov, sysCaller); err != nil {
		t.Fatalf("RemoveSystemWhitelist: %v", err)
	}
	if err := l.Credit("alice", vec(10, 0, 0)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	err = l.Debit("alice", vec(1, 0, 0), sysCaller)
	if !bridgeerr.Is(err, bridgeerr.AuthorizationFailed) {
		t.Fatalf("expected AuthorizationFailed after removal, got %v", err)
	}
}

func TestLedger_PersistsAcrossReload(t *testing.T) {
	db := storage.NewMemory()
	l1, err := New(db, gov)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := l1.Credit("alice", vec(10, 2, 0)); err != nil {
		t.Fatalf("Credit: %v", err)
	}
	if err := l1.AddSystemWhitelist(gov, sysCaller); err != nil {
		t.Fatalf("AddSystemWhitelist: %v", err)
	}

	l2, err := New(db, gov)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	bal := l2.BalanceOf("alice")
	if bal.AUET.Cmp(types.AmountFromUint64(10)) != 0 {
		t.Fatalf("unexpected balance after reload: %+v", bal)
	}
	if err := l2.Debit("alice", vec(1, 0, 0), sysCaller); err != nil {
		t.Fatalf("expected system whitelist to persist across reload: %v", err)
	}
}
