package credits

import (
	"errors"
	"fmt"
	"math/big"
)

// FeePolicy is a percentage fee with a floor.
type FeePolicy struct {
	// Percent is a percentage, 5 means 5%.
	Percent *big.Rat
	Minimum Amount
}

// NewFeePolicy builds a policy from decimal text, e.g. ("5", "1") for 5% with
// a one credit minimum.
func NewFeePolicy(percent, minimumCredits string) (FeePolicy, error) {
	p, err := parseDecimal(percent)
	if err != nil {
		return FeePolicy{}, fmt.Errorf("fee percent: %w", err)
	}
	if p.Sign() < 0 {
		return FeePolicy{}, fmt.Errorf("fee percent %s is negative", percent)
	}
	minimum, err := CreditsToCentsExact(minimumCredits)
	if err != nil {
		return FeePolicy{}, fmt.Errorf("fee minimum: %w", err)
	}
	if minimum.Sign() < 0 {
		return FeePolicy{}, fmt.Errorf("fee minimum %s is negative", minimumCredits)
	}
	return FeePolicy{Percent: p, Minimum: minimum}, nil
}

// Fee returns the fee charged on gross. The percentage part is rounded to the
// nearest minor unit and then raised to the minimum.
func (p FeePolicy) Fee(gross Amount) (Amount, error) {
	if gross.Sign() < 0 {
		return Amount{}, errors.New("credits: fee on negative gross amount")
	}
	pct := p.Percent
	if pct == nil {
		pct = new(big.Rat)
	}
	rate := new(big.Rat).Quo(pct, big.NewRat(100, 1))
	fee := MulRat(gross, rate)
	fee = Max(fee, p.Minimum)
	if fee.Sign() < 0 {
		return Zero(), nil
	}
	return fee, nil
}
