package types

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// ErrOverflow128 is returned when an operation would exceed the 128-bit range.
var ErrOverflow128 = errors.New("amount exceeds 128-bit range")

// ErrUnderflow is returned when a debit would take a balance negative.
var ErrUnderflow = errors.New("amount underflow")

// Amount is an unsigned 128-bit integer, the canonical representation for
// every quantity in the energy ledger and snapshot balances. It is backed by
// a 256-bit word so arithmetic can be checked for 128-bit overflow rather
// than wrapping silently; every constructor and operation enforces that the
// upper 128 bits stay zero.
type Amount struct {
	v uint256.Int
}

var max128 = func() *uint256.Int {
	one := uint256.NewInt(1)
	shifted := new(uint256.Int).Lsh(one, 128)
	return shifted
}()

// ZeroAmount is the additive identity.
func ZeroAmount() Amount { return Amount{} }

// AmountFromUint64 builds an Amount from a uint64.
func AmountFromUint64(v uint64) Amount {
	return Amount{v: *uint256.NewInt(v)}
}

// AmountFromDecimal parses a base-10 string (no sign, no fraction) into an
// Amount, rejecting values outside the 128-bit range.
func AmountFromDecimal(s string) (Amount, error) {
	i, err := uint256.FromDecimal(s)
	if err != nil {
		return Amount{}, fmt.Errorf("invalid decimal amount %q: %w", s, err)
	}
	if i.Cmp(max128) >= 0 {
		return Amount{}, ErrOverflow128
	}
	return Amount{v: *i}, nil
}

// AmountFromBigEndian decodes a 16-byte big-endian unsigned integer.
func AmountFromBigEndian(b []byte) (Amount, error) {
	if len(b) != 16 {
		return Amount{}, fmt.Errorf("amount bytes must be 16, got %d", len(b))
	}
	var padded [32]byte
	copy(padded[16:], b)
	i := new(uint256.Int).SetBytes(padded[:])
	return Amount{v: *i}, nil
}

// BigEndian16 encodes the amount as a 16-byte big-endian unsigned integer,
// as required by the merkle leaf pre-image in §3.
func (a Amount) BigEndian16() [16]byte {
	full := a.v.Bytes32()
	var out [16]byte
	copy(out[:], full[16:])
	return out
}

// String renders the amount in decimal.
func (a Amount) String() string {
	return a.v.Dec()
}

// IsZero reports whether the amount is zero.
func (a Amount) IsZero() bool {
	return a.v.IsZero()
}

// Cmp compares two amounts (-1, 0, 1).
func (a Amount) Cmp(b Amount) int {
	return a.v.Cmp(&b.v)
}

// GreaterThan reports whether a > b.
func (a Amount) GreaterThan(b Amount) bool {
	return a.Cmp(b) > 0
}

// Add returns a+b, erroring if the 128-bit range is exceeded.
func (a Amount) Add(b Amount) (Amount, error) {
	var out uint256.Int
	out.Add(&a.v, &b.v)
	if out.Cmp(max128) >= 0 {
		return Amount{}, ErrOverflow128
	}
	return Amount{v: out}, nil
}

// Sub returns a-b, erroring if b > a.
func (a Amount) Sub(b Amount) (Amount, error) {
	if a.Cmp(b) < 0 {
		return Amount{}, ErrUnderflow
	}
	var out uint256.Int
	out.Sub(&a.v, &b.v)
	return Amount{v: out}, nil
}

// Half returns floor(a/2).
func (a Amount) Half() Amount {
	var out uint256.Int
	out.Rsh(&a.v, 1)
	return Amount{v: out}
}

// MulFractionBps returns floor(a * numeratorBps / 10000), used for the
// risk-weighted energy mapping in §4.F step 12.
func (a Amount) MulFractionBps(numeratorBps uint64) (Amount, error) {
	n := uint256.NewInt(numeratorBps)
	var prod uint256.Int
	overflowed := prod.MulOverflow(&a.v, n)
	if overflowed {
		return Amount{}, ErrOverflow128
	}
	den := uint256.NewInt(10000)
	var out uint256.Int
	out.Div(&prod, den)
	if out.Cmp(max128) >= 0 {
		return Amount{}, ErrOverflow128
	}
	return Amount{v: out}, nil
}

// CompareScaled compares a*aCoef against b*bCoef without intermediate
// 128-bit overflow checks — both products fit comfortably in the
// underlying 256-bit word since aCoef/bCoef are small protocol constants
// (percentages, counts). Used for budget-cap comparisons of the form
// "toxic*100 > cap*total" that would otherwise overflow the checked
// 128-bit Add/Mul path.
func (a Amount) CompareScaled(aCoef uint64, b Amount, bCoef uint64) int {
	var lhs, rhs uint256.Int
	lhs.Mul(&a.v, uint256.NewInt(aCoef))
	rhs.Mul(&b.v, uint256.NewInt(bCoef))
	return lhs.Cmp(&rhs)
}

// MarshalJSON encodes the amount as a decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.v.Dec())
}

// UnmarshalJSON decodes a decimal string into the amount.
func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == "" {
		s = "0"
	}
	parsed, err := AmountFromDecimal(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
