package registry

import (
	"strings"
	"testing"

	"github.com/quillon-labs/quillon-bridge/internal/bridgeerr"
	"github.com/quillon-labs/quillon-bridge/internal/storage"
	"github.com/quillon-labs/quillon-bridge/pkg/types"
)

const gov = "gov1xyz"

func newTestRegistry(t *testing.T, allowMissing bool) *Registry {
	t.Helper()
	db := storage.NewMemory()
	r, err := New(db, gov, allowMissing)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return r
}

func sampleAsset(id string) RegisteredAsset {
	root, err := types.HexToHash("0x" + strings.Repeat("11", 32))
	if err != nil {
		panic(err)
	}
	return RegisteredAsset{
		ID:               id,
		SourceChain:      "k1",
		SourceDenom:      "ibc/x",
		SnapshotHeight:   100,
		MerkleRoot:       root,
		UBSReportHash:    "report-hash-1",
		ScalingProfileID: "clean",
		ActivationHeight: 0,
	}
}

func TestRegisterAsset_RequiresGovernance(t *testing.T) {
	r := newTestRegistry(t, false)
	err := r.RegisterAsset("not-gov", sampleAsset("b1"))
	if !bridgeerr.Is(err, bridgeerr.AuthorizationFailed) {
		t.Fatalf("expected AuthorizationFailed, got %v", err)
	}
}

func TestRegisterAsset_RequiresUBSHashUnlessAllowed(t *testing.T) {
	r := newTestRegistry(t, false)
	a := sampleAsset("b1")
	a.UBSReportHash = ""
	if err := r.RegisterAsset(gov, a); !bridgeerr.Is(err, bridgeerr.AuthorizationFailed) {
		t.Fatalf("expected rejection for missing ubs hash, got %v", err)
	}

	r2 := newTestRegistry(t, true)
	if err := r2.RegisterAsset(gov, a); err != nil {
		t.Fatalf("expected success when allow_missing_ubs set, got %v", err)
	}
}

func TestRegisterAsset_ThenGet(t *testing.T) {
	r := newTestRegistry(t, false)
	a := sampleAsset("b1")
	if err := r.RegisterAsset(gov, a); err != nil {
		t.Fatalf("RegisterAsset: %v", err)
	}
	got, err := r.GetAsset("b1")
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if got.SourceChain != "k1" || got.SanitizedApproved {
		t.Fatalf("unexpected asset: %+v", got)
	}
}

func TestGetAsset_NotFound(t *testing.T) {
	r := newTestRegistry(t, false)
	_, err := r.GetAsset("missing")
	if !bridgeerr.Is(err, bridgeerr.AssetNotFound) {
		t.Fatalf("expected AssetNotFound, got %v", err)
	}
}

func TestApproveSanitized(t *testing.T) {
	r := newTestRegistry(t, false)
	a := sampleAsset("b1")
	if err := r.RegisterAsset(gov, a); err != nil {
		t.Fatalf("RegisterAsset: %v", err)
	}
	if err := r.ApproveSanitized(gov, "b1", "report-hash-1"); err != nil {
		t.Fatalf("ApproveSanitized: %v", err)
	}
	got, _ := r.GetAsset("b1")
	if !got.SanitizedApproved || got.UBSReportHash != "report-hash-1" {
		t.Fatalf("expected approved asset, got %+v", got)
	}

	if err := r.ApproveSanitized(gov, "b1", "report-hash-1"); err != nil {
		t.Fatalf("idempotent re-approve should succeed: %v", err)
	}
}

func TestApproveSanitized_RequiresGovernance(t *testing.T) {
	r := newTestRegistry(t, false)
	a := sampleAsset("b1")
	if err := r.RegisterAsset(gov, a); err != nil {
		t.Fatalf("RegisterAsset: %v", err)
	}
	err := r.ApproveSanitized("not-gov", "b1", "report-hash-1")
	if !bridgeerr.Is(err, bridgeerr.AuthorizationFailed) {
		t.Fatalf("expected AuthorizationFailed, got %v", err)
	}
}

func TestIsToxic(t *testing.T) {
	cases := []struct {
		profile string
		want    bool
	}{
		{"clean", false},
		{"malicious_cleanup", true},
		{"pre_malicious_flag", true},
		{"", false},
	}
	for _, c := range cases {
		a := RegisteredAsset{ScalingProfileID: c.profile}
		if got := a.IsToxic(); got != c.want {
			t.Errorf("IsToxic(%q) = %v, want %v", c.profile, got, c.want)
		}
	}
}

func TestRegistry_PersistsAcrossReload(t *testing.T) {
	db := storage.NewMemory()
	r1, err := New(db, gov, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r1.RegisterAsset(gov, sampleAsset("b1")); err != nil {
		t.Fatalf("RegisterAsset: %v", err)
	}

	r2, err := New(db, gov, false)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	got, err := r2.GetAsset("b1")
	if err != nil {
		t.Fatalf("GetAsset after reload: %v", err)
	}
	if got.SourceChain != "k1" {
		t.Fatalf("unexpected asset after reload: %+v", got)
	}
}
