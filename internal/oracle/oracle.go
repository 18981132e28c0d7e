// Package oracle implements the sanitization committee aggregator
// (SPEC_FULL.md §4.C): per-signer reports de-duplicated by replay key,
// materializing a write-once AggregatedReport once the threshold is met.
package oracle

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"sort"
	"strconv"
	"sync"

	"github.com/quillon-labs/quillon-bridge/internal/bridgeerr"
	"github.com/quillon-labs/quillon-bridge/internal/log"
	"github.com/quillon-labs/quillon-bridge/internal/storage"
	"github.com/quillon-labs/quillon-bridge/pkg/crypto"
)

// UBSClass is the committee's classification of an origin asset.
type UBSClass int

const (
	Approved UBSClass = iota
	Downgraded
	Rejected
)

// Report is one committee member's signed submission for a replay key.
type Report struct {
	Signer      string   `json:"signer"`
	UBSClass    UBSClass `json:"ubs_class"`
	ThreatBps   uint64   `json:"threat_bps"`
	PayloadHash string   `json:"payload_hash"`
}

// AggregatedReport is the deterministic verdict materialized once a replay
// key first reaches the configured threshold of distinct signers.
type AggregatedReport struct {
	UBSClass  UBSClass `json:"ubs_class"`
	ThreatBps uint64   `json:"threat_bps"`
	Reporters []string `json:"reporters"`
}

type replayState struct {
	Reports    []Report          `json:"reports"`
	Aggregate  *AggregatedReport `json:"aggregate,omitempty"`
}

var statePrefix = []byte("oracle/")

// Verifier checks Schnorr signatures over committee reports.
type Verifier interface {
	Verify(hash, signature, publicKey []byte) bool
}

// Oracle holds committee configuration and per-replay-key report state.
type Oracle struct {
	mu        sync.Mutex
	db        storage.DB
	verifier  Verifier
	committee map[string][]byte // address -> compressed pubkey
	threshold int
	state     map[string]*replayState
}

// New constructs an Oracle over db with the given committee and threshold.
// committee maps signer address to its compressed secp256k1 public key.
func New(db storage.DB, committee map[string][]byte, threshold int) (*Oracle, error) {
	o := &Oracle{
		db:        db,
		verifier:  crypto.SchnorrVerifier{},
		committee: committee,
		threshold: threshold,
		state:     make(map[string]*replayState),
	}
	err := db.ForEach(statePrefix, func(key, value []byte) error {
		replayKey := string(key[len(statePrefix):])
		var st replayState
		if err := json.Unmarshal(value, &st); err != nil {
			return bridgeerr.Wrap(bridgeerr.StorageError, "decoding oracle state", err)
		}
		o.state[replayKey] = &st
		return nil
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

// SetCommittee replaces the committee address-to-pubkey set.
func (o *Oracle) SetCommittee(committee map[string][]byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.committee = committee
}

// SetThreshold replaces the aggregation threshold.
func (o *Oracle) SetThreshold(threshold int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.threshold = threshold
}

// ReportDigest computes the signed payload for a submission, per SPEC_FULL.md
// §4.C: SHA-256(replay_key || ubs_class || threat_bps_be || payload_hash).
func ReportDigest(replayKey string, class UBSClass, threatBps uint64, payloadHash string) [32]byte {
	h := sha256.New()
	h.Write([]byte(replayKey))
	h.Write([]byte{byte(class)})
	var bpsBE [8]byte
	binary.BigEndian.PutUint64(bpsBE[:], threatBps)
	h.Write(bpsBE[:])
	h.Write([]byte(payloadHash))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// SubmitReport validates the signature, rejects non-committee signers and
// duplicate submissions, appends the report, and materializes the
// aggregate the first time the threshold is reached for replayKey.
func (o *Oracle) SubmitReport(signer, replayKey string, class UBSClass, threatBps uint64, payloadHash string, signature []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	pubkey, isMember := o.committee[signer]
	if !isMember {
		return bridgeerr.New(bridgeerr.AuthorizationFailed, "signer not in committee")
	}
	digest := ReportDigest(replayKey, class, threatBps, payloadHash)
	if !o.verifier.Verify(digest[:], signature, pubkey) {
		return bridgeerr.New(bridgeerr.AuthorizationFailed, "invalid report signature")
	}

	st, ok := o.state[replayKey]
	if !ok {
		st = &replayState{}
		o.state[replayKey] = st
	}
	for _, r := range st.Reports {
		if r.Signer == signer {
			return bridgeerr.New(bridgeerr.AuthorizationFailed, "signer already reported for this replay key")
		}
	}

	st.Reports = append(st.Reports, Report{
		Signer:      signer,
		UBSClass:    class,
		ThreatBps:   threatBps,
		PayloadHash: payloadHash,
	})

	if st.Aggregate == nil && len(st.Reports) >= o.threshold {
		st.Aggregate = aggregate(st.Reports)
		log.Oracle.Info().
			Str("replay_key", replayKey).
			Int("ubs_class", int(st.Aggregate.UBSClass)).
			Uint64("threat_bps", st.Aggregate.ThreatBps).
			Msg("aggregate materialized")
	}

	return o.persist(replayKey, st)
}

func (o *Oracle) persist(replayKey string, st *replayState) error {
	raw, err := json.Marshal(st)
	if err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "encoding oracle state", err)
	}
	key := append(append([]byte{}, statePrefix...), []byte(replayKey)...)
	if err := o.db.Put(key, raw); err != nil {
		return bridgeerr.Wrap(bridgeerr.StorageError, "persisting oracle state", err)
	}
	return nil
}

// aggregate computes the plurality class (tie-break lowest class id) and
// the median threat_bps at floor(n/2) of the ascending-sorted values.
func aggregate(reports []Report) *AggregatedReport {
	counts := map[UBSClass]int{}
	for _, r := range reports {
		counts[r.UBSClass]++
	}
	best := Rejected + 1 // sentinel higher than any real class
	bestCount := -1
	for class := Approved; class <= Rejected; class++ {
		c := counts[class]
		if c > bestCount {
			bestCount = c
			best = class
		}
	}

	bps := make([]uint64, len(reports))
	for i, r := range reports {
		bps[i] = r.ThreatBps
	}
	sort.Slice(bps, func(i, j int) bool { return bps[i] < bps[j] })
	median := bps[len(bps)/2]

	reporters := make([]string, len(reports))
	for i, r := range reports {
		reporters[i] = r.Signer
	}

	return &AggregatedReport{
		UBSClass:  best,
		ThreatBps: median,
		Reporters: reporters,
	}
}

// GetReport returns the aggregated report for replayKey, if materialized.
func (o *Oracle) GetReport(replayKey string) (*AggregatedReport, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	st, ok := o.state[replayKey]
	if !ok || st.Aggregate == nil {
		return nil, false
	}
	return st.Aggregate, true
}

// BuildReplayKey derives the replay key from origin identity, per
// SPEC_FULL.md §4.F step 12: empty strings stand in for a missing tx, and a
// missing nonce defaults to 0 (matching the CosmWasm original's
// origin_nonce.unwrap_or(0)), not an empty segment.
func BuildReplayKey(originChain, originTx string, originNonce *uint64) string {
	nonce := uint64(0)
	if originNonce != nil {
		nonce = *originNonce
	}
	return originChain + ":" + originTx + ":" + strconv.FormatUint(nonce, 10)
}
