package credits

import (
	"fmt"
	"math/big"
	"strings"
)

// CentsToCreditsRat returns the exact number of credits represented by a.
func CentsToCreditsRat(a Amount) *big.Rat {
	return new(big.Rat).SetFrac(a.int(), minorPerCredit)
}

// CentsToCredits renders a as an exact decimal credit string ("5", "0.25",
// "-1.000000000001"). The denominator is a power of ten, so the text is
// always exact.
func CentsToCredits(a Amount) string {
	s := CentsToCreditsRat(a).FloatString(Scale)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	if s == "-0" {
		return "0"
	}
	return s
}

// CreditsToCents converts a decimal credit string to minor units, rounding
// half away from zero to the nearest whole minor unit.
func CreditsToCents(credits string) (Amount, error) {
	r, err := parseDecimal(credits)
	if err != nil {
		return Amount{}, err
	}
	r.Mul(r, new(big.Rat).SetInt(minorPerCredit))
	return Amount{v: roundHalfAway(r)}, nil
}

// CreditsToCentsExact is CreditsToCents without rounding: any sub-minor-unit
// digits fail with ErrPrecisionViolation.
func CreditsToCentsExact(credits string) (Amount, error) {
	r, err := parseDecimal(credits)
	if err != nil {
		return Amount{}, err
	}
	r.Mul(r, new(big.Rat).SetInt(minorPerCredit))
	if !r.IsInt() {
		return Amount{}, &PrecisionError{Op: "credits to minor units", Value: credits}
	}
	return Amount{v: new(big.Int).Set(r.Num())}, nil
}

// MulRat scales a by r and rounds half away from zero.
func MulRat(a Amount, r *big.Rat) Amount {
	out := new(big.Rat).SetInt(a.int())
	out.Mul(out, r)
	return Amount{v: roundHalfAway(out)}
}

// parseDecimal accepts plain decimal notation only: optional sign, digits,
// optional fraction. Exponents and fractions like "1/3" are rejected.
func parseDecimal(s string) (*big.Rat, error) {
	s = strings.TrimSpace(s)
	body := strings.TrimLeft(s, "+-")
	if len(s)-len(body) > 1 || body == "" || body == "." {
		return nil, fmt.Errorf("credits: invalid decimal %q", s)
	}
	dot := false
	for _, c := range body {
		switch {
		case c == '.' && !dot:
			dot = true
		case c >= '0' && c <= '9':
		default:
			return nil, fmt.Errorf("credits: invalid decimal %q", s)
		}
	}
	r, ok := new(big.Rat).SetString(s)
	if !ok {
		return nil, fmt.Errorf("credits: invalid decimal %q", s)
	}
	return r, nil
}

func roundHalfAway(r *big.Rat) *big.Int {
	if r.IsInt() {
		return new(big.Int).Set(r.Num())
	}
	num, den := r.Num(), r.Denom()
	q, m := new(big.Int).QuoRem(num, den, new(big.Int))
	twice := new(big.Int).Abs(m)
	twice.Lsh(twice, 1)
	if twice.Cmp(den) >= 0 {
		if num.Sign() < 0 {
			q.Sub(q, bigOne)
		} else {
			q.Add(q, bigOne)
		}
	}
	return q
}
