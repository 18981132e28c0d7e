// Package claim implements the 15-step claim state machine (SPEC_FULL.md
// §4.F) composing the registry, oracle, ledger, and refactor/audit logs.
package claim

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/quillon-labs/quillon-bridge/internal/auditlog"
	"github.com/quillon-labs/quillon-bridge/internal/bridgeerr"
	"github.com/quillon-labs/quillon-bridge/internal/ledger"
	"github.com/quillon-labs/quillon-bridge/internal/log"
	"github.com/quillon-labs/quillon-bridge/internal/oracle"
	"github.com/quillon-labs/quillon-bridge/internal/refactorlog"
	"github.com/quillon-labs/quillon-bridge/internal/registry"
	"github.com/quillon-labs/quillon-bridge/internal/storage"
	"github.com/quillon-labs/quillon-bridge/pkg/merkle"
	"github.com/quillon-labs/quillon-bridge/pkg/types"
)

var (
	claimMarkerPrefix = []byte("claimmark/")
	totalsKey         = []byte("totals")
)

// OutcomeKind distinguishes the three terminal shapes a claim call can take.
type OutcomeKind string

const (
	OutcomeCredited OutcomeKind = "claim_refactored"
	OutcomeRejected OutcomeKind = "claim_rejected"
	OutcomeAnomaly  OutcomeKind = "anomaly_routed"
)

// Input carries everything one Claim call needs. OriginTx/OriginNonce are
// nil when the claim carries no origin metadata (legacy SnapshotEntry path).
type Input struct {
	AssetID         string
	SnapshotEntry   merkle.Entry
	ClaimedLeafHash types.Hash
	MerkleProof     []merkle.ProofStep
	AmountAUET      types.Amount
	AmountCSP       *types.Amount
	OriginTx        string
	OriginNonce     *uint64
	UBSReportHash   string
	DestHeight      uint64
	NowSeconds      int64
}

// Outcome is the result of a successful Claim call (no error).
type Outcome struct {
	Kind       OutcomeKind
	Energy     ledger.EnergyVector
	ReportHash string
}

type totalsRecord struct {
	Total types.Amount `json:"total"`
	Toxic types.Amount `json:"toxic"`
}

// Engine is the claim state machine. SPEC_FULL.md §5 models every top-level
// call as a single atomic unit: a mutex serializes calls (no two claims
// interleave their writes), and every read-only validation step (1-7) runs
// before the first staged write, so a rejected claim never touches storage.
// Steps 8-15's writes (claim marker, totals, ledger credit, refactor/audit
// entries) are staged into one storage.Batch and take effect on a single
// terminal Commit, so a StorageError anywhere in that phase rolls back
// every write staged before it rather than leaving a partial claim behind.
type Engine struct {
	mu sync.Mutex

	db       storage.DB
	registry *registry.Registry
	oracle   *oracle.Oracle
	ledger   *ledger.Ledger
	refactor *refactorlog.Log
	audit    *auditlog.Log

	toxicCapPercent      *uint8
	anomalyThresholdAUET *types.Amount
	toxicSinkAddr        string

	totals totalsRecord
}

// New constructs a claim Engine wired to its sibling stores.
func New(
	db storage.DB,
	reg *registry.Registry,
	orc *oracle.Oracle,
	ldg *ledger.Ledger,
	refactor *refactorlog.Log,
	audit *auditlog.Log,
	toxicCapPercent *uint8,
	anomalyThresholdAUET *types.Amount,
	toxicSinkAddr string,
) (*Engine, error) {
	e := &Engine{
		db:                   db,
		registry:             reg,
		oracle:               orc,
		ledger:               ldg,
		refactor:             refactor,
		audit:                audit,
		toxicCapPercent:      toxicCapPercent,
		anomalyThresholdAUET: anomalyThresholdAUET,
		toxicSinkAddr:        toxicSinkAddr,
	}
	raw, err := db.Get(totalsKey)
	if err == nil {
		var t totalsRecord
		if jerr := json.Unmarshal(raw, &t); jerr != nil {
			return nil, bridgeerr.Wrap(bridgeerr.StorageError, "decoding claim totals", jerr)
		}
		e.totals = t
	}
	return e, nil
}

func claimMarkerKey(recipient, assetID string, leafHash types.Hash) []byte {
	k := recipient + "/" + assetID + "/" + leafHash.String()
	return append(append([]byte{}, claimMarkerPrefix...), []byte(k)...)
}

// Claim runs the full state machine for recipient against in.
func (e *Engine) Claim(recipient string, in Input) (*Outcome, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	// Step 1: duplicate-claim gate.
	markerKey := claimMarkerKey(recipient, in.AssetID, in.ClaimedLeafHash)
	if has, err := e.db.Has(markerKey); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.StorageError, "checking claim marker", err)
	} else if has {
		return nil, bridgeerr.New(bridgeerr.DuplicateClaim, recipient+"/"+in.AssetID)
	}

	carriesOrigin := in.OriginTx != "" || in.OriginNonce != nil
	originNonce := uint64(0)
	if in.OriginNonce != nil {
		originNonce = *in.OriginNonce
	}

	// Step 2: replay gate.
	if carriesOrigin && e.refactor.IsProcessed(in.SnapshotEntry.ChainID, in.SnapshotEntry.Denom, in.OriginTx, originNonce) {
		return nil, bridgeerr.New(bridgeerr.ReplayedOrigin, in.OriginTx)
	}

	// Step 3: leaf hash check.
	recomputed := merkle.LeafHash(in.SnapshotEntry)
	if recomputed != in.ClaimedLeafHash {
		return nil, bridgeerr.New(bridgeerr.HashMismatch, "recomputed leaf hash disagrees with claimed hash")
	}

	// Step 4: asset lookup.
	asset, err := e.registry.GetAsset(in.AssetID)
	if err != nil {
		return nil, err
	}

	// Step 5: sanitization gate.
	if !asset.SanitizedApproved {
		return nil, bridgeerr.New(bridgeerr.AssetNotSanitized, in.AssetID)
	}
	if asset.UBSReportHash == "" {
		return nil, bridgeerr.New(bridgeerr.AssetNotSanitized, "registry has no ubs_report_hash")
	}
	if in.UBSReportHash != "" && in.UBSReportHash != asset.UBSReportHash {
		return nil, bridgeerr.New(bridgeerr.AssetNotSanitized, "caller-supplied ubs_report_hash disagrees with registry")
	}

	// Step 6: activation gate.
	if in.DestHeight < asset.ActivationHeight {
		return nil, bridgeerr.New(bridgeerr.AssetBeforeActivation, in.AssetID)
	}

	// Step 7: merkle verify.
	if !merkle.VerifyProof(in.ClaimedLeafHash, in.MerkleProof, asset.MerkleRoot) {
		return nil, bridgeerr.New(bridgeerr.InvalidProof, "merkle verification failed")
	}

	// --- validation complete; writes begin here ---
	//
	// Steps 8-15 must either all commit or none do (§5, §4.F step 15). Every
	// write below is staged into a single batch and only takes effect on one
	// terminal Commit call; a StorageError anywhere in this phase discards
	// the batch via the deferred Discard and leaves no trace — no claim
	// marker, no bumped totals, no refactor/audit entry, no ledger credit.
	batch := e.db.NewBatch()
	defer batch.Discard()
	var applies []func()

	// Step 8: stage claim marker.
	if err := batch.Put(markerKey, []byte{1}); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.StorageError, "staging claim marker", err)
	}

	// Step 9: stage refactor record if applicable.
	if carriesOrigin {
		apply, err := e.refactor.StageRecord(batch, in.SnapshotEntry.ChainID, in.SnapshotEntry.Denom, in.OriginTx, originNonce, in.NowSeconds)
		if err != nil {
			return nil, err
		}
		applies = append(applies, apply)
	}

	csp := types.ZeroAmount()
	if in.AmountCSP != nil {
		csp = *in.AmountCSP
	}
	add, err := in.AmountAUET.Add(csp)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.StorageError, "summing claim amount", err)
	}

	isToxic := asset.IsToxic()

	// Step 10: toxic budget preflight.
	newTotal, err := e.totals.Total.Add(add)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.StorageError, "accumulating total energy", err)
	}
	newToxic := e.totals.Toxic
	if isToxic {
		newToxic, err = e.totals.Toxic.Add(add)
		if err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.StorageError, "accumulating toxic energy", err)
		}
	}
	if e.toxicCapPercent != nil && !newTotal.IsZero() {
		// Reject when newToxic*100 > cap*newTotal.
		if newToxic.CompareScaled(100, newTotal, uint64(*e.toxicCapPercent)) > 0 {
			return nil, bridgeerr.New(bridgeerr.ToxicBudgetExceeded, "toxic energy would exceed configured cap")
		}
	}
	totalsApply, err := e.stageTotals(batch, newTotal, newToxic)
	if err != nil {
		return nil, err
	}
	applies = append(applies, totalsApply)

	// Step 11: anomaly route. Strictly precedes oracle fetch/credit; on this
	// path the recipient's own ledger is never touched.
	if e.anomalyThresholdAUET != nil && in.AmountAUET.GreaterThan(*e.anomalyThresholdAUET) {
		if e.toxicSinkAddr == "" {
			return nil, bridgeerr.New(bridgeerr.AnomalyRejected, "amount exceeds anomaly threshold and no sink is configured")
		}
		sinkVec := ledger.EnergyVector{AUET: in.AmountAUET, CSP: csp, ERP: types.ZeroAmount()}
		creditApply, err := e.ledger.StageCredit(batch, e.toxicSinkAddr, sinkVec)
		if err != nil {
			return nil, err
		}
		applies = append(applies, creditApply)

		if err := batch.Commit(); err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.StorageError, "committing anomaly-routed claim", err)
		}
		for _, apply := range applies {
			apply()
		}
		log.Claim.Warn().Str("recipient", recipient).Str("asset_id", in.AssetID).Msg("claim anomaly-routed to sink")
		return &Outcome{Kind: OutcomeAnomaly, Energy: sinkVec}, nil
	}

	// Step 12: oracle fetch (read-only; a miss aborts with nothing staged
	// above ever committed).
	replayKey := oracle.BuildReplayKey(in.SnapshotEntry.ChainID, in.OriginTx, in.OriginNonce)
	aggregate, ok := e.oracle.GetReport(replayKey)
	if !ok {
		return nil, bridgeerr.New(bridgeerr.OracleNotReady, replayKey)
	}

	energy, err := mapToEnergy(add, aggregate.ThreatBps)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.StorageError, "mapping oracle verdict to energy", err)
	}

	reportHash := payloadDigest(aggregate)

	// Step 13: rejected verdict is a successful outcome, ledger untouched.
	if aggregate.UBSClass == oracle.Rejected {
		if carriesOrigin {
			auditApply, err := e.audit.StageRecord(batch, in.SnapshotEntry.ChainID, in.OriginTx, originNonce, reportHash)
			if err != nil {
				return nil, err
			}
			applies = append(applies, auditApply)
		}
		if err := batch.Commit(); err != nil {
			return nil, bridgeerr.Wrap(bridgeerr.StorageError, "committing rejected claim", err)
		}
		for _, apply := range applies {
			apply()
		}
		log.Claim.Info().Str("recipient", recipient).Str("asset_id", in.AssetID).Msg("claim rejected by oracle verdict")
		return &Outcome{Kind: OutcomeRejected, ReportHash: reportHash}, nil
	}

	// Step 14: stage credit.
	creditApply, err := e.ledger.StageCredit(batch, recipient, energy)
	if err != nil {
		return nil, err
	}
	applies = append(applies, creditApply)
	if carriesOrigin {
		auditApply, err := e.audit.StageRecord(batch, in.SnapshotEntry.ChainID, in.OriginTx, originNonce, reportHash)
		if err != nil {
			return nil, err
		}
		applies = append(applies, auditApply)
	}

	if err := batch.Commit(); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.StorageError, "committing credited claim", err)
	}
	for _, apply := range applies {
		apply()
	}

	// Step 15: outcome.
	log.Claim.Info().Str("recipient", recipient).Str("asset_id", in.AssetID).Msg("claim credited")
	return &Outcome{Kind: OutcomeCredited, Energy: energy, ReportHash: reportHash}, nil
}

// stageTotals buffers the claim engine's running (total, toxic) accumulator
// into batch without committing or mutating e.totals; call the returned
// apply function only once the batch has committed.
func (e *Engine) stageTotals(batch storage.Batch, total, toxic types.Amount) (func(), error) {
	t := totalsRecord{Total: total, Toxic: toxic}
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.StorageError, "encoding claim totals", err)
	}
	if err := batch.Put(totalsKey, raw); err != nil {
		return nil, bridgeerr.Wrap(bridgeerr.StorageError, "staging claim totals", err)
	}
	return func() { e.totals = t }, nil
}

// Totals returns the current (total_energy, toxic_energy) pair.
func (e *Engine) Totals() (total, toxic types.Amount) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.totals.Total, e.totals.Toxic
}

// IsClaimed reports whether (recipient, assetID, leafHash) has already been
// claimed.
func (e *Engine) IsClaimed(recipient, assetID string, leafHash types.Hash) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	has, err := e.db.Has(claimMarkerKey(recipient, assetID, leafHash))
	if err != nil {
		return false, bridgeerr.Wrap(bridgeerr.StorageError, "checking claim marker", err)
	}
	return has, nil
}

// mapToEnergy implements the canonical sanitization-to-energy mapping from
// SPEC_FULL.md §4.F step 12: auet = floor(add*(10000-threat_bps)/10000),
// csp = floor(auet/2), erp = 0.
func mapToEnergy(add types.Amount, threatBps uint64) (ledger.EnergyVector, error) {
	if threatBps > 10000 {
		threatBps = 10000
	}
	keepBps := uint64(10000) - threatBps
	auet, err := add.MulFractionBps(keepBps)
	if err != nil {
		return ledger.EnergyVector{}, err
	}
	return ledger.EnergyVector{
		AUET: auet,
		CSP:  auet.Half(),
		ERP:  types.ZeroAmount(),
	}, nil
}

func payloadDigest(a *oracle.AggregatedReport) string {
	raw, _ := json.Marshal(a)
	sum := sha256.Sum256(raw)
	return "0x" + hex.EncodeToString(sum[:])
}
