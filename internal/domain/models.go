package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlanName identifies a deposit tier.
type PlanName string

const (
	PlanBasic   PlanName = "Basic"
	PlanGold    PlanName = "Gold"
	PlanMaster  PlanName = "Master"
	PlanPremium PlanName = "Premium"
	PlanVIP     PlanName = "VIP"
)

// Plan is immutable reference data. Amounts are in minor units.
type Plan struct {
	Name          PlanName        `json:"name"`
	Minimum       int64           `json:"minimum"`
	Maximum       int64           `json:"maximum"`
	Payout        decimal.Decimal `json:"payout"`
	ReferralBonus decimal.Decimal `json:"referral_bonus"`
	Duration      time.Duration   `json:"duration"`
}

// Accepts reports whether amount falls within the plan's deposit bounds.
func (p Plan) Accepts(amount int64) bool {
	return p.Minimum <= amount && amount <= p.Maximum
}

type Gender string

const (
	GenderMale   Gender = "Male"
	GenderFemale Gender = "Female"
)

type User struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	Gender       Gender    `json:"gender"`
	ReferralCode string    `json:"referral_code"`
	CreatedAt    time.Time `json:"created_at"`
}

// Account holds a user's balance. Balance never goes below zero.
type Account struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Balance   int64     `json:"balance"`
	CreatedAt time.Time `json:"created_at"`
}

// Deposit moves Pending -> Confirmed -> Settled. Settled implies Confirmed.
type Deposit struct {
	ID          int64      `json:"id"`
	AccountID   int64      `json:"account_id"`
	Plan        PlanName   `json:"plan"`
	Amount      int64      `json:"amount"`
	Confirmed   bool       `json:"confirmed"`
	Settled     bool       `json:"settled"`
	AmountDue   *int64     `json:"amount_due,omitempty"`
	PaymentDate *time.Time `json:"payment_date,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type DepositState string

const (
	DepositPending   DepositState = "pending"
	DepositConfirmed DepositState = "confirmed"
	DepositSettled   DepositState = "settled"
)

func (d Deposit) State() DepositState {
	switch {
	case d.Settled:
		return DepositSettled
	case d.Confirmed:
		return DepositConfirmed
	default:
		return DepositPending
	}
}

// Referral links a referrer to the user they brought in. Paid is set once,
// together with a positive Amount, when the referred user's first deposit
// is confirmed.
type Referral struct {
	ID         int64 `json:"id"`
	ReferrerID int64 `json:"referrer_id"`
	ReferredID int64 `json:"referred_id"`
	Amount     int64 `json:"amount"`
	Paid       bool  `json:"paid"`
}

type Withdrawal struct {
	ID             int64     `json:"id"`
	AccountID      int64     `json:"account_id"`
	Amount         int64     `json:"amount"`
	WalletID       string    `json:"wallet_id"`
	Paid           bool      `json:"paid"`
	WithdrawalDate time.Time `json:"withdrawal_date"`
}

// AccountView is the owner-facing summary of an account.
type AccountView struct {
	Account     Account      `json:"account"`
	Deposits    []Deposit    `json:"deposits"`
	Withdrawals []Withdrawal `json:"withdrawals"`
	Referrals   []Referral   `json:"referrals"`
}

// SweepReport summarises one settleDue run.
type SweepReport struct {
	Candidates int `json:"candidates"`
	Settled    int `json:"settled"`
	Failed     int `json:"failed"`
}
