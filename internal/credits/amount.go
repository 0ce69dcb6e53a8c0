// Package credits implements the credit ledger arithmetic: balances are
// integer counts of minor units, 10^12 minor units per user-facing credit.
// Nothing in this package touches floating point.
package credits

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// Scale is the number of decimal places between a credit and a minor unit.
const Scale = 12

var (
	minorPerCredit = new(big.Int).Exp(big.NewInt(10), big.NewInt(Scale), nil)
	bigOne         = big.NewInt(1)
)

// ErrPrecisionViolation reports a value that does not map onto a whole number
// of minor units. It is never recovered from by truncating.
var ErrPrecisionViolation = errors.New("credits: precision violation")

// PrecisionError carries the offending input of a precision violation.
type PrecisionError struct {
	Op    string
	Value string
}

func (e *PrecisionError) Error() string {
	return fmt.Sprintf("credits: %s: %q is not a whole number of minor units", e.Op, e.Value)
}

// Is makes errors.Is(err, ErrPrecisionViolation) match.
func (e *PrecisionError) Is(target error) bool {
	return target == ErrPrecisionViolation
}

// Amount is an immutable signed count of minor units. The zero value is 0.
type Amount struct {
	v *big.Int
}

// Zero returns an amount of 0 minor units.
func Zero() Amount { return Amount{} }

// FromInt64 wraps a minor-unit count.
func FromInt64(n int64) Amount {
	return Amount{v: big.NewInt(n)}
}

// FromBig copies b into a new Amount.
func FromBig(b *big.Int) Amount {
	if b == nil {
		return Amount{}
	}
	return Amount{v: new(big.Int).Set(b)}
}

// FromCredits converts whole credits to minor units.
func FromCredits(n int64) Amount {
	return Amount{v: new(big.Int).Mul(big.NewInt(n), minorPerCredit)}
}

// ParseAmount parses an integer count of minor units, as persisted.
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("credits: empty amount")
	}
	if strings.ContainsAny(s, ".eE/") {
		r, ok := new(big.Rat).SetString(s)
		if ok && !r.IsInt() {
			return Amount{}, &PrecisionError{Op: "parse amount", Value: s}
		}
		if ok {
			return Amount{v: new(big.Int).Set(r.Num())}, nil
		}
		return Amount{}, fmt.Errorf("credits: invalid amount %q", s)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Amount{}, fmt.Errorf("credits: invalid amount %q", s)
	}
	return Amount{v: v}, nil
}

// MustParseAmount is ParseAmount for constants; it panics on bad input.
func MustParseAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) int() *big.Int {
	if a.v == nil {
		return new(big.Int)
	}
	return a.v
}

// Big returns a copy of the underlying integer.
func (a Amount) Big() *big.Int { return new(big.Int).Set(a.int()) }

func (a Amount) Add(b Amount) Amount { return Amount{v: new(big.Int).Add(a.int(), b.int())} }

func (a Amount) Sub(b Amount) Amount { return Amount{v: new(big.Int).Sub(a.int(), b.int())} }

func (a Amount) Neg() Amount { return Amount{v: new(big.Int).Neg(a.int())} }

// Cmp compares a and b like big.Int.Cmp.
func (a Amount) Cmp(b Amount) int { return a.int().Cmp(b.int()) }

func (a Amount) Sign() int { return a.int().Sign() }

func (a Amount) IsZero() bool { return a.Sign() == 0 }

// Max returns the larger of a and b.
func Max(a, b Amount) Amount {
	if a.Cmp(b) >= 0 {
		return a
	}
	return b
}

// String renders the minor-unit count in base 10.
func (a Amount) String() string { return a.int().String() }

// MarshalJSON encodes the amount as a JSON string so no consumer parses it as a float.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		// Accept bare integers; json.Number keeps them exact.
		var n json.Number
		if err2 := json.Unmarshal(data, &n); err2 != nil {
			return fmt.Errorf("credits: decode amount: %w", err)
		}
		s = n.String()
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
