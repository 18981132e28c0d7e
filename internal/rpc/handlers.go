package rpc

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/quillon-labs/quillon-bridge/internal/bridgeerr"
	"github.com/quillon-labs/quillon-bridge/internal/claim"
	"github.com/quillon-labs/quillon-bridge/internal/ledger"
	"github.com/quillon-labs/quillon-bridge/internal/oracle"
	"github.com/quillon-labs/quillon-bridge/internal/registry"
	"github.com/quillon-labs/quillon-bridge/pkg/merkle"
	"github.com/quillon-labs/quillon-bridge/pkg/types"
)

func nowSeconds() int64 { return time.Now().Unix() }

// validationKinds are bridgeerr kinds with which a gate refuses this
// particular request (bad hash or proof, an already-used claim or origin
// event, an asset gate, the toxic budget, the anomaly route, a ledger
// underflow) — reported as the JSON-RPC equivalent of a bad argument.
var validationKinds = []bridgeerr.Kind{
	bridgeerr.HashMismatch,
	bridgeerr.InvalidProof,
	bridgeerr.DuplicateClaim,
	bridgeerr.ReplayedOrigin,
	bridgeerr.AssetNotSanitized,
	bridgeerr.AssetBeforeActivation,
	bridgeerr.ToxicBudgetExceeded,
	bridgeerr.AnomalyRejected,
	bridgeerr.LedgerUnderflow,
}

// errToRPC maps a bridgeerr.Error (or any other error) onto a JSON-RPC
// error object, using CodeTransient for oracle-not-ready so clients know
// to retry.
func errToRPC(err error) *Error {
	if bridgeerr.IsTransient(err) {
		return &Error{Code: CodeTransient, Message: err.Error()}
	}
	if bridgeerr.Is(err, bridgeerr.AuthorizationFailed) {
		return &Error{Code: CodeInvalidRequest, Message: err.Error()}
	}
	if bridgeerr.Is(err, bridgeerr.AssetNotFound) {
		return &Error{Code: CodeNotFound, Message: err.Error()}
	}
	for _, k := range validationKinds {
		if bridgeerr.Is(err, k) {
			return &Error{Code: CodeInvalidParams, Message: err.Error()}
		}
	}
	return &Error{Code: CodeInternalError, Message: err.Error()}
}

func (s *Server) handleRegisterAsset(req *Request) (interface{}, *Error) {
	var p RegisterAssetParam
	if e := parseParams(req, &p); e != nil {
		return nil, e
	}
	root, err := types.HexToHash(p.MerkleRoot)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid merkle_root: %v", err)}
	}
	asset := registry.RegisteredAsset{
		ID:                p.ID,
		SourceChain:       p.SourceChain,
		SourceDenom:       p.SourceDenom,
		SnapshotHeight:    p.SnapshotHeight,
		MerkleRoot:        root,
		UBSReportHash:     p.UBSReportHash,
		ScalingProfileID:  p.ScalingProfileID,
		ActivationHeight:  p.ActivationHeight,
		SanitizedApproved: p.SanitizedApproved,
	}
	if err := s.registry.RegisterAsset(p.Caller, asset); err != nil {
		return nil, errToRPC(err)
	}
	return AckResult{OK: true}, nil
}

func (s *Server) handleApproveSanitized(req *Request) (interface{}, *Error) {
	var p ApproveSanitizedParam
	if e := parseParams(req, &p); e != nil {
		return nil, e
	}
	if err := s.registry.ApproveSanitized(p.Caller, p.AssetID, p.UBSReportHash); err != nil {
		return nil, errToRPC(err)
	}
	return AckResult{OK: true}, nil
}

func (s *Server) handleAddSystemWhitelist(req *Request) (interface{}, *Error) {
	var p WhitelistParam
	if e := parseParams(req, &p); e != nil {
		return nil, e
	}
	if err := s.ledger.AddSystemWhitelist(p.Caller, p.Address); err != nil {
		return nil, errToRPC(err)
	}
	return AckResult{OK: true}, nil
}

func (s *Server) handleRemoveSystemWhitelist(req *Request) (interface{}, *Error) {
	var p WhitelistParam
	if e := parseParams(req, &p); e != nil {
		return nil, e
	}
	if err := s.ledger.RemoveSystemWhitelist(p.Caller, p.Address); err != nil {
		return nil, errToRPC(err)
	}
	return AckResult{OK: true}, nil
}

func decodeProof(steps []ProofStepParam) ([]merkle.ProofStep, *Error) {
	out := make([]merkle.ProofStep, len(steps))
	for i, st := range steps {
		h, err := types.HexToHash(st.Sibling)
		if err != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid proof step %d: %v", i, err)}
		}
		out[i] = merkle.ProofStep{Sibling: h, IsLeft: st.IsLeft}
	}
	return out, nil
}

func parseAmount(s string) (types.Amount, *Error) {
	if s == "" {
		return types.ZeroAmount(), nil
	}
	a, err := types.AmountFromDecimal(s)
	if err != nil {
		return types.Amount{}, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid amount %q: %v", s, err)}
	}
	return a, nil
}

func outcomeResult(o *claim.Outcome) ClaimResult {
	r := ClaimResult{Outcome: string(o.Kind), ReportHash: o.ReportHash}
	r.AUET = o.Energy.AUET.String()
	r.CSP = o.Energy.CSP.String()
	r.ERP = o.Energy.ERP.String()
	return r
}

func (s *Server) handleClaim(req *Request) (interface{}, *Error) {
	var p ClaimParam
	if e := parseParams(req, &p); e != nil {
		return nil, e
	}
	balance, errp := parseAmount(p.Snapshot.Balance)
	if errp != nil {
		return nil, errp
	}
	leafHash, err := types.HexToHash(p.SnapshotHash)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid snapshot_hash: %v", err)}
	}
	proof, errp := decodeProof(p.MerkleProof)
	if errp != nil {
		return nil, errp
	}
	auet, errp := parseAmount(p.AmountAUET)
	if errp != nil {
		return nil, errp
	}
	var cspPtr *types.Amount
	if p.AmountCSP != "" {
		csp, errp := parseAmount(p.AmountCSP)
		if errp != nil {
			return nil, errp
		}
		cspPtr = &csp
	}

	in := claim.Input{
		AssetID: p.AssetID,
		SnapshotEntry: merkle.Entry{
			ChainID: p.Snapshot.ChainID,
			Height:  p.Snapshot.Height,
			Denom:   p.Snapshot.Denom,
			Address: p.Snapshot.Address,
			Balance: balance,
		},
		ClaimedLeafHash: leafHash,
		MerkleProof:     proof,
		AmountAUET:      auet,
		AmountCSP:       cspPtr,
		OriginTx:        p.OriginTx,
		OriginNonce:     p.OriginNonce,
		UBSReportHash:   p.UBSReportHash,
		DestHeight:      p.DestHeight,
		NowSeconds:      nowSeconds(),
	}

	out, err := s.claim.Claim(p.Recipient, in)
	if err != nil {
		return nil, errToRPC(err)
	}
	result := outcomeResult(out)
	return result, nil
}

func (s *Server) handleClaimWithOrigin(req *Request) (interface{}, *Error) {
	var p ClaimWithOriginParam
	if e := parseParams(req, &p); e != nil {
		return nil, e
	}
	amount, errp := parseAmount(p.OriginEvent.AmountDecimal)
	if errp != nil {
		return nil, errp
	}
	height := uint64(0)
	if p.OriginEvent.Height != nil {
		height = *p.OriginEvent.Height
	}
	entry := merkle.Entry{
		ChainID: p.OriginEvent.OriginChainID,
		Height:  height,
		Denom:   p.OriginEvent.Denom,
		Address: p.OriginEvent.OriginAddress,
		Balance: amount,
	}
	leafHash := merkle.LeafHash(entry)

	proof, errp := decodeProof(p.MerkleProof)
	if errp != nil {
		return nil, errp
	}
	auet, errp := parseAmount(p.AmountAUET)
	if errp != nil {
		return nil, errp
	}
	var cspPtr *types.Amount
	if p.AmountCSP != "" {
		csp, errp := parseAmount(p.AmountCSP)
		if errp != nil {
			return nil, errp
		}
		cspPtr = &csp
	}
	nonce := p.OriginEvent.Nonce

	in := claim.Input{
		AssetID:         p.AssetID,
		SnapshotEntry:   entry,
		ClaimedLeafHash: leafHash,
		MerkleProof:     proof,
		AmountAUET:      auet,
		AmountCSP:       cspPtr,
		OriginTx:        p.OriginEvent.TxHash,
		OriginNonce:     &nonce,
		UBSReportHash:   p.UBSReportHash,
		DestHeight:      p.DestHeight,
		NowSeconds:      nowSeconds(),
	}

	out, err := s.claim.Claim(p.Recipient, in)
	if err != nil {
		return nil, errToRPC(err)
	}
	return outcomeResult(out), nil
}

func (s *Server) handleSystemConsume(req *Request) (interface{}, *Error) {
	var p SystemConsumeParam
	if e := parseParams(req, &p); e != nil {
		return nil, e
	}
	auet, errp := parseAmount(p.DeltaAUET)
	if errp != nil {
		return nil, errp
	}
	csp, errp := parseAmount(p.DeltaCSP)
	if errp != nil {
		return nil, errp
	}
	erp, errp := parseAmount(p.DeltaERP)
	if errp != nil {
		return nil, errp
	}
	delta := ledger.EnergyVector{AUET: auet, CSP: csp, ERP: erp}
	if err := s.ledger.Debit(p.Owner, delta, p.Caller); err != nil {
		return nil, errToRPC(err)
	}
	return AckResult{OK: true}, nil
}

func (s *Server) handleIsClaimed(req *Request) (interface{}, *Error) {
	var p IsClaimedParam
	if e := parseParams(req, &p); e != nil {
		return nil, e
	}
	hash, err := types.HexToHash(p.SnapshotHash)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid snapshot_hash: %v", err)}
	}
	claimed, err := s.claim.IsClaimed(p.Address, p.AssetID, hash)
	if err != nil {
		return nil, errToRPC(err)
	}
	return IsClaimedResult{Claimed: claimed}, nil
}

func (s *Server) handleEnergyBalance(req *Request) (interface{}, *Error) {
	var p EnergyBalanceParam
	if e := parseParams(req, &p); e != nil {
		return nil, e
	}
	bal := s.ledger.BalanceOf(p.Address)
	return EnergyBalanceResult{AUET: bal.AUET.String(), CSP: bal.CSP.String(), ERP: bal.ERP.String()}, nil
}

func (s *Server) handleRefactorAudit(req *Request) (interface{}, *Error) {
	var p RefactorAuditParam
	if e := parseParams(req, &p); e != nil {
		return nil, e
	}
	hash, found := s.audit.Get(p.OriginChain, p.TxHash, p.Nonce)
	return RefactorAuditResult{Found: found, ReportHash: hash}, nil
}

func (s *Server) handleGetAsset(req *Request) (interface{}, *Error) {
	var p GetAssetParam
	if e := parseParams(req, &p); e != nil {
		return nil, e
	}
	asset, err := s.registry.GetAsset(p.ID)
	if err != nil {
		return nil, errToRPC(err)
	}
	return AssetResult{
		ID:                asset.ID,
		SourceChain:       asset.SourceChain,
		SourceDenom:       asset.SourceDenom,
		SnapshotHeight:    asset.SnapshotHeight,
		MerkleRoot:        asset.MerkleRoot.String(),
		UBSReportHash:     asset.UBSReportHash,
		ScalingProfileID:  asset.ScalingProfileID,
		ActivationHeight:  asset.ActivationHeight,
		SanitizedApproved: asset.SanitizedApproved,
		IsToxic:           asset.IsToxic(),
	}, nil
}

func (s *Server) handleGetReport(req *Request) (interface{}, *Error) {
	var p GetReportParam
	if e := parseParams(req, &p); e != nil {
		return nil, e
	}
	agg, ok := s.oracle.GetReport(p.ReplayKey)
	if !ok {
		return ReportResult{Found: false}, nil
	}
	return ReportResult{Found: true, UBSClass: int(agg.UBSClass), ThreatBps: agg.ThreatBps, Reporters: agg.Reporters}, nil
}

func (s *Server) handleSubmitReport(req *Request) (interface{}, *Error) {
	var p SubmitReportParam
	if e := parseParams(req, &p); e != nil {
		return nil, e
	}
	sig, err := hex.DecodeString(trimHexPrefix(p.Signature))
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid signature hex: %v", err)}
	}
	if err := s.oracle.SubmitReport(p.Signer, p.ReplayKey, oracle.UBSClass(p.UBSClass), p.ThreatBps, p.PayloadHash, sig); err != nil {
		return nil, errToRPC(err)
	}
	return AckResult{OK: true}, nil
}

func (s *Server) handleSetCommittee(req *Request) (interface{}, *Error) {
	var p SetCommitteeParam
	if e := parseParams(req, &p); e != nil {
		return nil, e
	}
	committee := make(map[string][]byte, len(p.Committee))
	for addr, keyHex := range p.Committee {
		key, err := hex.DecodeString(trimHexPrefix(keyHex))
		if err != nil {
			return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid committee key for %s: %v", addr, err)}
		}
		committee[addr] = key
	}
	s.oracle.SetCommittee(committee)
	return AckResult{OK: true}, nil
}

func (s *Server) handleSetThreshold(req *Request) (interface{}, *Error) {
	var p SetThresholdParam
	if e := parseParams(req, &p); e != nil {
		return nil, e
	}
	s.oracle.SetThreshold(p.Threshold)
	return AckResult{OK: true}, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
