package credits

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCentsToCredits(t *testing.T) {
	cases := map[string]Amount{
		"0":               Zero(),
		"5":               FromInt64(5_000_000_000_000),
		"0.25":            FromInt64(250_000_000_000),
		"0.000000000001":  FromInt64(1),
		"-1.000000000001": FromInt64(-1_000_000_000_001),
	}
	for want, in := range cases {
		assert.Equal(t, want, CentsToCredits(in))
	}
}

func TestCreditsToCents_Rounding(t *testing.T) {
	got, err := CreditsToCents("0.0000000000005")
	require.NoError(t, err)
	assert.Equal(t, "1", got.String())

	got, err = CreditsToCents("-0.0000000000005")
	require.NoError(t, err)
	assert.Equal(t, "-1", got.String())

	got, err = CreditsToCents("0.0000000000004")
	require.NoError(t, err)
	assert.True(t, got.IsZero())

	got, err = CreditsToCents("12.5")
	require.NoError(t, err)
	assert.Equal(t, "12500000000000", got.String())
}

func TestCreditsToCents_RejectsNonDecimal(t *testing.T) {
	for _, in := range []string{"", "abc", "1e3", "1/3", "--1", ".", "1.2.3"} {
		_, err := CreditsToCents(in)
		assert.Error(t, err, in)
	}
}

func TestCreditsToCentsExact_PrecisionViolation(t *testing.T) {
	_, err := CreditsToCentsExact("0.0000000000001")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrPrecisionViolation))

	var pe *PrecisionError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, "0.0000000000001", pe.Value)

	got, err := CreditsToCentsExact("3.000000000007")
	require.NoError(t, err)
	assert.Equal(t, "3000000000007", got.String())
}

func TestRoundTrip_WideMagnitudes(t *testing.T) {
	values := []*big.Int{big.NewInt(0), big.NewInt(1), big.NewInt(-1), big.NewInt(999_999_999_999)}
	base := big.NewInt(7)
	for exp := 0; exp <= 60; exp += 3 {
		v := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(exp)), nil)
		v.Mul(v, base)
		v.Add(v, big.NewInt(int64(exp)))
		values = append(values, v, new(big.Int).Neg(v))
	}
	for _, v := range values {
		m := FromBig(v)
		back, err := CreditsToCents(CentsToCredits(m))
		require.NoError(t, err)
		assert.Equal(t, 0, back.Cmp(m), "round trip of %s gave %s", m, back)
	}
}

func TestParseAmount(t *testing.T) {
	a, err := ParseAmount("5000000000000")
	require.NoError(t, err)
	assert.Equal(t, 0, a.Cmp(FromCredits(5)))

	_, err = ParseAmount("12.5")
	assert.True(t, errors.Is(err, ErrPrecisionViolation))

	_, err = ParseAmount("twelve")
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ErrPrecisionViolation))
}

func TestAmountJSON(t *testing.T) {
	huge := MustParseAmount("123456789012345678901234567890")
	raw, err := json.Marshal(huge)
	require.NoError(t, err)
	assert.Equal(t, `"123456789012345678901234567890"`, string(raw))

	var back Amount
	require.NoError(t, json.Unmarshal([]byte(`42`), &back))
	assert.Equal(t, "42", back.String())
}

func TestFee_FloorAppliesBelowMinimum(t *testing.T) {
	policy, err := NewFeePolicy("5", "1")
	require.NoError(t, err)

	for _, credits := range []int64{0, 1, 5, 10, 19} {
		fee, err := policy.Fee(FromCredits(credits))
		require.NoError(t, err)
		assert.Equal(t, 0, fee.Cmp(FromCredits(1)), "gross %d credits", credits)
	}

	fee, err := policy.Fee(FromCredits(100))
	require.NoError(t, err)
	assert.Equal(t, 0, fee.Cmp(FromCredits(5)))
}

func TestFee_PercentRoundsToMinorUnit(t *testing.T) {
	policy, err := NewFeePolicy("5", "0")
	require.NoError(t, err)

	fee, err := policy.Fee(FromInt64(11))
	require.NoError(t, err)
	// 5% of 11 is 0.55 minor units.
	assert.Equal(t, "1", fee.String())

	_, err = policy.Fee(FromInt64(-1))
	assert.Error(t, err)
}

func TestNewFeePolicy_Invalid(t *testing.T) {
	_, err := NewFeePolicy("-1", "1")
	assert.Error(t, err)
	_, err = NewFeePolicy("5", "0.0000000000001")
	assert.True(t, errors.Is(err, ErrPrecisionViolation))
}

func TestDebitIncludesFee(t *testing.T) {
	policy, err := NewFeePolicy("5", "0.01")
	require.NoError(t, err)
	now := time.Date(2025, 1, 10, 10, 0, 0, 0, time.UTC)

	tx, err := Debit(Owner{UserID: "u1"}, "job-1", FromInt64(4_750_000_000_000), policy, now)
	require.NoError(t, err)
	assert.Equal(t, KindDebit, tx.Kind)
	assert.Equal(t, "237500000000", tx.IncludedFee.String())
	assert.Equal(t, "4987500000000", tx.Amount.String())
	require.NotNil(t, tx.JobID)
	assert.Equal(t, "job-1", *tx.JobID)

	_, err = Debit(Owner{UserID: "u1", OrganizationID: "o1"}, "job-1", FromInt64(1), policy, now)
	assert.Error(t, err)
}

func TestRefundNegatesDebit(t *testing.T) {
	jobID := "job-9"
	debit := Transaction{
		ID:          "tx-1",
		Owner:       Owner{OrganizationID: "org-1"},
		JobID:       &jobID,
		Kind:        KindDebit,
		Amount:      FromInt64(5_000_000_000_000),
		IncludedFee: FromInt64(250_000_000_000),
	}
	refund, err := Refund(debit, time.Now())
	require.NoError(t, err)

	assert.Equal(t, KindRefund, refund.Kind)
	assert.Equal(t, "-5000000000000", refund.Amount.String())
	assert.Equal(t, "-250000000000", refund.IncludedFee.String())
	require.NotNil(t, refund.RefundOf)
	assert.Equal(t, "tx-1", *refund.RefundOf)
	assert.Equal(t, debit.Owner, refund.Owner)
	assert.NotEqual(t, debit.ID, refund.ID)
	assert.Equal(t, "5000000000000", debit.Amount.String(), "original must not change")
	assert.True(t, Net(debit, refund).IsZero())

	_, err = Refund(refund, time.Now())
	assert.Error(t, err)
}

func TestBalance(t *testing.T) {
	owner := Owner{UserID: "u1"}
	top, err := TopUp(owner, FromCredits(10), time.Now())
	require.NoError(t, err)
	jobID := "j"
	debit := Transaction{Owner: owner, JobID: &jobID, Kind: KindDebit, Amount: FromCredits(3)}

	assert.Equal(t, CentsToCredits(FromCredits(7)), CentsToCredits(Balance([]Transaction{top, debit})))
	_, err = TopUp(owner, Zero(), time.Now())
	assert.Error(t, err)
}

func ExampleCentsToCredits() {
	fmt.Println(CentsToCredits(FromInt64(250_000_000_000)))
	// Output: 0.25
}
