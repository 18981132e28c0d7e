// Package registry implements the governance-curated snapshot registry
// (SPEC_FULL.md §4.B): a map from asset id to RegisteredAsset, mutable only
// through register_asset and approve_sanitized.
package registry

import (
	"encoding/json"
	"sync"

	"github.com/quillon-labs/quillon-bridge/internal/bridgeerr"
	"github.com/quillon-labs/quillon-bridge/internal/log"
	"github.com/quillon-labs/quillon-bridge/internal/storage"
	"github.com/quillon-labs/quillon-bridge/pkg/types"
)

var assetPrefix = []byte("asset/")

// RegisteredAsset is the persisted, governance-curated description of a
// claimable origin-chain snapshot.
type RegisteredAsset struct {
	ID                string      `json:"id"`
	SourceChain       string      `json:"source_chain"`
	SourceDenom       string      `json:"source_denom"`
	SnapshotHeight    uint64      `json:"snapshot_height"`
	MerkleRoot        types.Hash  `json:"merkle_root"`
	UBSReportHash     string      `json:"ubs_report_hash,omitempty"`
	ScalingProfileID  string      `json:"scaling_profile_id"`
	ActivationHeight  uint64      `json:"activation_height"`
	SanitizedApproved bool        `json:"sanitized_approved"`
}

// IsToxic reports whether the asset's scaling profile marks it toxic for
// budget-accounting purposes (substring match, per spec).
func (a RegisteredAsset) IsToxic() bool {
	return containsMalicious(a.ScalingProfileID)
}

func containsMalicious(s string) bool {
	const needle = "malicious"
	if len(s) < len(needle) {
		return false
	}
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}

// Registry stores RegisteredAsset values keyed by id, backed by a DB and
// mirrored in an in-memory map for read fast-paths. Single-threaded,
// sequentially-consistent per SPEC_FULL.md §5: callers serialize access.
type Registry struct {
	mu             sync.RWMutex
	db             storage.DB
	governanceAddr string
	allowMissing   bool
	assets         map[string]RegisteredAsset
}

// New constructs a Registry over db, loading any previously persisted
// assets into memory.
func New(db storage.DB, governanceAddr string, allowMissingUBS bool) (*Registry, error) {
	r := &Registry{
		db:             db,
		governanceAddr: governanceAddr,
		allowMissing:   allowMissingUBS,
		assets:         make(map[string]RegisteredAsset),
	}
	err := db.ForEach(assetPrefix, func(key, value []byte) error {
		var a RegisteredAsset
		if err := json.Unmarshal(value, &a); err != nil {
			return bridgeerr.Wrap(bridgeerr.StorageError, "decoding registered asset", err)
		}
		id := string(key[len(assetPrefix):])
		r.assets[id] = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) key(id string) []byte {
	return append(append([]byte{}, assetPrefix...), []byte(id)...)
}

// RegisterAsset persists a new RegisteredAsset. caller must equal the
// configured governance address.
func (r *Registry) RegisterAsset(caller string, a RegisteredAsset) error {
	if caller != r.governanceAddr {
		return bridgeerr.New(bridgeerr.AuthorizationFailed, "caller is not governance")
	}
	if a.UBSReportHash == "" && !r.allowMissing {
		return bridgeerr.New(bridgeerr.AuthorizationFailed, "ubs_report_hash required unless allow_missing_ubs is set")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	raw, err := json.Marshal(a)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "encoding registered asset", err)
	}
	if err := r.db.Put(r.key(a.ID), raw); err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "persisting registered asset", err)
	}
	r.assets[a.ID] = a
	log.Registry.Info().Str("asset_id", a.ID).Str("source_chain", a.SourceChain).Msg("asset registered")
	return nil
}

// ApproveSanitized sets sanitized_approved=true and fixes the expected
// ubs_report_hash. Idempotent in value: re-approving with the same hash is
// a no-op success.
func (r *Registry) ApproveSanitized(caller, id, ubsReportHash string) error {
	if caller != r.governanceAddr {
		return bridgeerr.New(bridgeerr.AuthorizationFailed, "caller is not governance")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.assets[id]
	if !ok {
		return bridgeerr.New(bridgeerr.AssetNotFound, id)
	}
	a.SanitizedApproved = true
	a.UBSReportHash = ubsReportHash

	raw, err := json.Marshal(a)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "encoding registered asset", err)
	}
	if err := r.db.Put(r.key(id), raw); err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "persisting registered asset", err)
	}
	r.assets[id] = a
	log.Registry.Info().Str("asset_id", id).Msg("asset sanitization approved")
	return nil
}

// GetAsset reads the registered asset by id.
func (r *Registry) GetAsset(id string) (RegisteredAsset, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.assets[id]
	if !ok {
		return RegisteredAsset{}, bridgeerr.New(bridgeerr.AssetNotFound, id)
	}
	return a, nil
}
