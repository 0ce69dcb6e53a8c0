package credits

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind classifies ledger entries.
type Kind string

const (
	KindDebit  Kind = "debit"
	KindRefund Kind = "refund"
	KindTopUp  Kind = "topup"
)

// Owner identifies whose balance an entry touches. Exactly one field is set.
type Owner struct {
	UserID         string `json:"user_id,omitempty"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// Validate enforces the user xor organization rule.
func (o Owner) Validate() error {
	if (o.UserID == "") == (o.OrganizationID == "") {
		return errors.New("credits: owner must be exactly one of user or organization")
	}
	return nil
}

func (o Owner) String() string {
	if o.OrganizationID != "" {
		return "org:" + o.OrganizationID
	}
	return "user:" + o.UserID
}

// Transaction is an append-only ledger entry. Amount is what the owner is
// charged: negative values return credit to the owner.
type Transaction struct {
	ID          string    `json:"id"`
	Owner       Owner     `json:"owner"`
	JobID       *string   `json:"job_id,omitempty"`
	Kind        Kind      `json:"kind"`
	Amount      Amount    `json:"amount"`
	IncludedFee Amount    `json:"included_fee"`
	RefundOf    *string   `json:"refund_of,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Debit builds the charge for a job: the price plus the policy fee, with the
// fee recorded as IncludedFee rather than as its own entry.
func Debit(owner Owner, jobID string, price Amount, policy FeePolicy, now time.Time) (Transaction, error) {
	if err := owner.Validate(); err != nil {
		return Transaction{}, err
	}
	if price.Sign() < 0 {
		return Transaction{}, fmt.Errorf("credits: negative price %s", price)
	}
	fee, err := policy.Fee(price)
	if err != nil {
		return Transaction{}, err
	}
	id := jobID
	return Transaction{
		ID:          uuid.New().String(),
		Owner:       owner,
		JobID:       &id,
		Kind:        KindDebit,
		Amount:      price.Add(fee),
		IncludedFee: fee,
		CreatedAt:   now.UTC(),
	}, nil
}

// Refund builds the compensating entry for a debit. The original entry is
// left untouched.
func Refund(original Transaction, now time.Time) (Transaction, error) {
	if original.Kind != KindDebit {
		return Transaction{}, fmt.Errorf("credits: cannot refund %s entry %s", original.Kind, original.ID)
	}
	origID := original.ID
	return Transaction{
		ID:          uuid.New().String(),
		Owner:       original.Owner,
		JobID:       original.JobID,
		Kind:        KindRefund,
		Amount:      original.Amount.Neg(),
		IncludedFee: original.IncludedFee.Neg(),
		RefundOf:    &origID,
		CreatedAt:   now.UTC(),
	}, nil
}

// TopUp builds a purchase entry crediting credits to owner.
func TopUp(owner Owner, credits Amount, now time.Time) (Transaction, error) {
	if err := owner.Validate(); err != nil {
		return Transaction{}, err
	}
	if credits.Sign() <= 0 {
		return Transaction{}, fmt.Errorf("credits: top-up must be positive, got %s", credits)
	}
	return Transaction{
		ID:        uuid.New().String(),
		Owner:     owner,
		Kind:      KindTopUp,
		Amount:    credits.Neg(),
		CreatedAt: now.UTC(),
	}, nil
}

// Balance is the spendable balance implied by a set of entries.
func Balance(entries []Transaction) Amount {
	total := Zero()
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total.Neg()
}

// Net is the signed financial effect of entries on their owner.
func Net(entries ...Transaction) Amount {
	total := Zero()
	for _, e := range entries {
		total = total.Add(e.Amount)
	}
	return total
}
