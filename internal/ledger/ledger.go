// Package ledger implements the per-owner energy vector accounting store
// (SPEC_FULL.md §4.D): unconditional credit, ACL-gated debit, no negative
// balances.
package ledger

import (
	"encoding/json"
	"sync"

	"github.com/quillon-labs/quillon-bridge/internal/bridgeerr"
	"github.com/quillon-labs/quillon-bridge/internal/log"
	"github.com/quillon-labs/quillon-bridge/internal/storage"
	"github.com/quillon-labs/quillon-bridge/pkg/types"
)

var balancePrefix = []byte("balance/")
var systemPrefix = []byte("system/")

// EnergyVector is the three-component non-transferable balance credited by
// successful claims.
type EnergyVector struct {
	AUET types.Amount `json:"auet"`
	CSP  types.Amount `json:"csp"`
	ERP  types.Amount `json:"erp"`
}

// Ledger stores EnergyVector balances keyed by owner address, plus the
// governance-maintained set of system principals allowed to debit.
type Ledger struct {
	mu             sync.Mutex
	db             storage.DB
	governanceAddr string
	balances       map[string]EnergyVector
	systemPrincipals map[string]bool
}

// New constructs a Ledger over db, loading any previously persisted
// balances and system-principal whitelist into memory.
func New(db storage.DB, governanceAddr string) (*Ledger, error) {
	l := &Ledger{
		db:               db,
		governanceAddr:   governanceAddr,
		balances:         make(map[string]EnergyVector),
		systemPrincipals: make(map[string]bool),
	}

	err := db.ForEach(balancePrefix, func(key, value []byte) error {
		owner := string(key[len(balancePrefix):])
		var v EnergyVector
		if err := json.Unmarshal(value, &v); err != nil {
			return bridgeerr.Wrap(bridgeerr.StorageError, "decoding ledger balance", err)
		}
		l.balances[owner] = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = db.ForEach(systemPrefix, func(key, value []byte) error {
		addr := string(key[len(systemPrefix):])
		l.systemPrincipals[addr] = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	return l, nil
}

// AddSystemWhitelist adds addr to the set of callers allowed to debit.
// caller must equal the configured governance address.
func (l *Ledger) AddSystemWhitelist(caller, addr string) error {
	if caller != l.governanceAddr {
		return bridgeerr.New(bridgeerr.AuthorizationFailed, "caller is not governance")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := append(append([]byte{}, systemPrefix...), []byte(addr)...)
	if err := l.db.Put(key, []byte{1}); err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "persisting system whitelist", err)
	}
	l.systemPrincipals[addr] = true
	return nil
}

// RemoveSystemWhitelist removes addr from the debit-authorized set.
func (l *Ledger) RemoveSystemWhitelist(caller, addr string) error {
	if caller != l.governanceAddr {
		return bridgeerr.New(bridgeerr.AuthorizationFailed, "caller is not governance")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := append(append([]byte{}, systemPrefix...), []byte(addr)...)
	if err := l.db.Delete(key); err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "removing system whitelist entry", err)
	}
	delete(l.systemPrincipals, addr)
	return nil
}

// Credit unconditionally adds delta to owner's balance, component-wise.
func (l *Ledger) Credit(owner string, delta EnergyVector) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.balances[owner]
	next, err := addVector(cur, delta)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "credit overflow", err)
	}
	return l.store(owner, next)
}

// Debit subtracts delta from owner's balance, component-wise. caller must
// be a whitelisted system principal; any component underflow rejects with
// no state change.
func (l *Ledger) Debit(owner string, delta EnergyVector, caller string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.systemPrincipals[caller] {
		return bridgeerr.New(bridgeerr.AuthorizationFailed, "caller is not a system principal")
	}
	cur := l.balances[owner]

	auet, err := cur.AUET.Sub(delta.AUET)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.LedgerUnderflow, "auet underflow", err)
	}
	csp, err := cur.CSP.Sub(delta.CSP)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.LedgerUnderflow, "csp underflow", err)
	}
	erp, err := cur.ERP.Sub(delta.ERP)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.LedgerUnderflow, "erp underflow", err)
	}

	next := EnergyVector{AUET: auet, CSP: csp, ERP: erp}
	if err := l.store(owner, next); err != nil {
		return err
	}
	log.Ledger.Info().Str("owner", owner).Str("caller", caller).Msg("ledger debited")
	return nil
}

// StageCredit is Credit's batched counterpart: it computes owner's next
// balance and buffers its write into batch without making it visible or
// touching in-memory state. Call the returned apply function only once the
// batch this write was staged into has committed successfully.
func (l *Ledger) StageCredit(batch storage.Batch, owner string, delta EnergyVector) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cur := l.balances[owner]
	next, err := addVector(cur, delta)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.StorageError, "credit overflow", err)
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.StorageError, "encoding ledger balance", err)
	}
	key := append(append([]byte{}, balancePrefix...), []byte(owner)...)
	if err := batch.Put(key, raw); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.StorageError, "staging ledger balance", err)
	}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.balances[owner] = next
	}, nil
}

// BalanceOf reads owner's current balance (zero vector if never credited).
func (l *Ledger) BalanceOf(owner string) EnergyVector {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[owner]
}

func (l *Ledger) store(owner string, v EnergyVector) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "encoding ledger balance", err)
	}
	key := append(append([]byte{}, balancePrefix...), []byte(owner)...)
	if err := l.db.Put(key, raw); err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "persisting ledger balance", err)
	}
	l.balances[owner] = v
	return nil
}

func addVector(a, b EnergyVector) (EnergyVector, error) {
	auet, err := a.AUET.Add(b.AUET)
	if err != nil {
		return EnergyVector{}, err
	}
	csp, err := a.CSP.Add(b.CSP)
	if err != nil {
		return EnergyVector{}, err
	}
	erp, err := a.ERP.Add(b.ERP)
	if err != nil {
		return EnergyVector{}, err
	}
	return EnergyVector{AUET: auet, CSP: csp, ERP: erp}, nil
}
