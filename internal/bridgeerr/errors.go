// Package bridgeerr defines the caller-visible error taxonomy shared by the
// registry, oracle, ledger, refactor log, and claim engine.
package bridgeerr

import (
	"errors"
	"fmt"
)

// Kind identifies one of the caller-visible error categories.
type Kind string

const (
	AuthorizationFailed   Kind = "authorization_failed"
	AssetNotFound         Kind = "asset_not_found"
	AssetNotSanitized     Kind = "asset_not_sanitized"
	AssetBeforeActivation Kind = "asset_before_activation"
	HashMismatch          Kind = "hash_mismatch"
	InvalidProof          Kind = "invalid_proof"
	DuplicateClaim        Kind = "duplicate_claim"
	ReplayedOrigin        Kind = "replayed_origin"
	OracleNotReady        Kind = "oracle_not_ready"
	ToxicBudgetExceeded   Kind = "toxic_budget_exceeded"
	AnomalyRejected       Kind = "anomaly_rejected"
	LedgerUnderflow       Kind = "ledger_underflow"
	StorageError          Kind = "storage_error"
)

// Error is a typed, wrapped error carrying one of the Kind values above.
type Error struct {
	Kind  Kind
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg}
}

// Wrap builds an Error of the given kind wrapping a lower-level cause.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, msg: msg, cause: cause}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind == kind
	}
	return false
}

// IsTransient reports whether a caller should retry the same call later.
func IsTransient(err error) bool {
	return Is(err, OracleNotReady)
}
