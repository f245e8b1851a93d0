package store

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/depositops/internal/domain"
)

var (
	ErrNotFound          = errors.New("record not found")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrConflict          = errors.New("unique constraint violated")
	ErrReferralCodeTaken = errors.New("referral code already in use")
	ErrAlreadySettled    = errors.New("deposit already settled")
)

// Ledger is the persistent store. Every mutation goes through WithTx so that
// partial writes are never visible outside the transaction.
type Ledger interface {
	// WithTx runs fn inside a transaction: commit when fn returns nil,
	// rollback otherwise.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// ListDueUnsettledDeposits returns confirmed, unsettled deposits whose
	// due date is at or before now.
	ListDueUnsettledDeposits(ctx context.Context, now time.Time) ([]domain.Deposit, error)

	Migrate(ctx context.Context) error
	Close()
}

// Tx is the set of operations available inside one transaction.
type Tx interface {
	CreateUser(ctx context.Context, u *domain.User) error
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	FindUserByReferralCode(ctx context.Context, code string) (*domain.User, error)

	CreateAccount(ctx context.Context, userID int64) (*domain.Account, error)
	GetAccount(ctx context.Context, id int64) (*domain.Account, error)
	GetAccountByUserID(ctx context.Context, userID int64) (*domain.Account, error)
	GetAccountOwner(ctx context.Context, accountID int64) (*domain.User, error)
	// IncrementBalance adds delta to the balance in a single statement.
	IncrementBalance(ctx context.Context, accountID, delta int64) error
	// DebitBalance subtracts amount, failing with ErrInsufficientFunds when
	// the balance would go negative.
	DebitBalance(ctx context.Context, accountID, amount int64) error

	CreateDeposit(ctx context.Context, d *domain.Deposit) error
	GetDeposit(ctx context.Context, id int64) (*domain.Deposit, error)
	ListDepositsByAccount(ctx context.Context, accountID int64) ([]domain.Deposit, error)
	// LockPendingDeposit returns the deposit only while it is unconfirmed and
	// holds it against concurrent confirmation until the transaction ends.
	LockPendingDeposit(ctx context.Context, id int64) (*domain.Deposit, error)
	MarkDepositConfirmed(ctx context.Context, id, amountDue int64, paymentDate, dueDate time.Time) error
	// MarkDepositSettled flips settled for a confirmed, unsettled deposit and
	// returns it. ErrAlreadySettled when another writer got there first.
	MarkDepositSettled(ctx context.Context, id int64) (*domain.Deposit, error)

	CreateReferral(ctx context.Context, referrerID, referredID int64) (*domain.Referral, error)
	// LockUnpaidReferral returns the unpaid inbound referral of a user and
	// holds it until the transaction ends. ErrNotFound when none is unpaid.
	LockUnpaidReferral(ctx context.Context, referredID int64) (*domain.Referral, error)
	MarkReferralPaid(ctx context.Context, id, amount int64) error
	ListReferralsByReferrer(ctx context.Context, referrerID int64) ([]domain.Referral, error)

	CreateWithdrawal(ctx context.Context, w *domain.Withdrawal) error
	GetWithdrawal(ctx context.Context, id int64) (*domain.Withdrawal, error)
	ListWithdrawalsByAccount(ctx context.Context, accountID int64) ([]domain.Withdrawal, error)
	// MarkWithdrawalPaid reports whether the row changed state.
	MarkWithdrawalPaid(ctx context.Context, id int64) (bool, error)
}
