package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/punchamoorthee/depositops/internal/domain"
)

//go:embed schema/postgres.sql
var postgresSchema string

const depositColumns = "id, account_id, plan, amount, confirmed, settled, amount_due, payment_date, due_date, created_at"

type Postgres struct {
	Db *pgxpool.Pool
}

func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{Db: pool}, nil
}

func (s *Postgres) Close() {
	s.Db.Close()
}

func (s *Postgres) Migrate(ctx context.Context) error {
	if _, err := s.Db.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

// WithTx runs at READ COMMITTED; contended rows are serialised with
// SELECT ... FOR UPDATE and conditional updates rather than retries.
func (s *Postgres) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (s *Postgres) ListDueUnsettledDeposits(ctx context.Context, now time.Time) ([]domain.Deposit, error) {
	rows, err := s.Db.Query(ctx,
		"SELECT "+depositColumns+" FROM deposits WHERE confirmed AND NOT settled AND due_date <= $1",
		now)
	if err != nil {
		return nil, fmt.Errorf("due deposit query failed: %w", err)
	}
	return collectDeposits(rows)
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) CreateUser(ctx context.Context, u *domain.User) error {
	err := t.tx.QueryRow(ctx,
		"INSERT INTO users (name, email, gender, referral_code) VALUES ($1, $2, $3, $4) RETURNING id, created_at",
		u.Name, u.Email, string(u.Gender), u.ReferralCode,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "users_referral_code_key" {
				return ErrReferralCodeTaken
			}
			return ErrConflict
		}
		return fmt.Errorf("user insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	return scanUser(t.tx.QueryRow(ctx,
		"SELECT id, name, email, gender, referral_code, created_at FROM users WHERE id = $1", id))
}

func (t *pgTx) FindUserByReferralCode(ctx context.Context, code string) (*domain.User, error) {
	return scanUser(t.tx.QueryRow(ctx,
		"SELECT id, name, email, gender, referral_code, created_at FROM users WHERE referral_code = $1", code))
}

func (t *pgTx) GetAccountOwner(ctx context.Context, accountID int64) (*domain.User, error) {
	return scanUser(t.tx.QueryRow(ctx,
		`SELECT u.id, u.name, u.email, u.gender, u.referral_code, u.created_at
		 FROM users u JOIN accounts a ON a.user_id = u.id WHERE a.id = $1`, accountID))
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	var gender string
	err := row.Scan(&u.ID, &u.Name, &u.Email, &gender, &u.ReferralCode, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Gender = domain.Gender(gender)
	return &u, nil
}

func (t *pgTx) CreateAccount(ctx context.Context, userID int64) (*domain.Account, error) {
	a := domain.Account{UserID: userID}
	err := t.tx.QueryRow(ctx,
		"INSERT INTO accounts (user_id, balance) VALUES ($1, 0) RETURNING id, balance, created_at", userID,
	).Scan(&a.ID, &a.Balance, &a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("account insert failed: %w", err)
	}
	return &a, nil
}

func (t *pgTx) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, "SELECT id, user_id, balance, created_at FROM accounts WHERE id = $1", id))
}

func (t *pgTx) GetAccountByUserID(ctx context.Context, userID int64) (*domain.Account, error) {
	return scanAccount(t.tx.QueryRow(ctx, "SELECT id, user_id, balance, created_at FROM accounts WHERE user_id = $1", userID))
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	if err := row.Scan(&a.ID, &a.UserID, &a.Balance, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func (t *pgTx) IncrementBalance(ctx context.Context, accountID, delta int64) error {
	tag, err := t.tx.Exec(ctx, "UPDATE accounts SET balance = balance + $1 WHERE id = $2", delta, accountID)
	if err != nil {
		return fmt.Errorf("balance increment failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) DebitBalance(ctx context.Context, accountID, amount int64) error {
	var balance int64
	err := t.tx.QueryRow(ctx, "SELECT balance FROM accounts WHERE id = $1 FOR UPDATE", accountID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("lock acquisition failed: %w", err)
	}

	if balance < amount {
		return ErrInsufficientFunds
	}

	_, err = t.tx.Exec(ctx, "UPDATE accounts SET balance = balance - $1 WHERE id = $2", amount, accountID)
	if err != nil {
		return fmt.Errorf("balance debit failed: %w", err)
	}
	return nil
}

func (t *pgTx) CreateDeposit(ctx context.Context, d *domain.Deposit) error {
	err := t.tx.QueryRow(ctx,
		"INSERT INTO deposits (account_id, plan, amount) VALUES ($1, $2, $3) RETURNING id, created_at",
		d.AccountID, string(d.Plan), d.Amount,
	).Scan(&d.ID, &d.CreatedAt)
	if err != nil {
		return fmt.Errorf("deposit insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) GetDeposit(ctx context.Context, id int64) (*domain.Deposit, error) {
	return scanDeposit(t.tx.QueryRow(ctx, "SELECT "+depositColumns+" FROM deposits WHERE id = $1", id))
}

func (t *pgTx) LockPendingDeposit(ctx context.Context, id int64) (*domain.Deposit, error) {
	return scanDeposit(t.tx.QueryRow(ctx,
		"SELECT "+depositColumns+" FROM deposits WHERE id = $1 AND NOT confirmed FOR UPDATE", id))
}

func (t *pgTx) ListDepositsByAccount(ctx context.Context, accountID int64) ([]domain.Deposit, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT "+depositColumns+" FROM deposits WHERE account_id = $1 ORDER BY created_at DESC, id DESC", accountID)
	if err != nil {
		return nil, err
	}
	return collectDeposits(rows)
}

func (t *pgTx) MarkDepositConfirmed(ctx context.Context, id, amountDue int64, paymentDate, dueDate time.Time) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE deposits SET confirmed = TRUE, amount_due = $1, payment_date = $2, due_date = $3 WHERE id = $4 AND NOT confirmed",
		amountDue, paymentDate, dueDate, id)
	if err != nil {
		return fmt.Errorf("deposit confirm failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) MarkDepositSettled(ctx context.Context, id int64) (*domain.Deposit, error) {
	d, err := scanDeposit(t.tx.QueryRow(ctx,
		"UPDATE deposits SET settled = TRUE WHERE id = $1 AND confirmed AND NOT settled RETURNING "+depositColumns, id))
	if errors.Is(err, ErrNotFound) {
		// Distinguish a missing row from one another writer already settled.
		var settled bool
		if qErr := t.tx.QueryRow(ctx, "SELECT settled FROM deposits WHERE id = $1", id).Scan(&settled); qErr == nil && settled {
			return nil, ErrAlreadySettled
		}
	}
	return d, err
}

func scanDeposit(row pgx.Row) (*domain.Deposit, error) {
	var d domain.Deposit
	var plan string
	err := row.Scan(&d.ID, &d.AccountID, &plan, &d.Amount, &d.Confirmed, &d.Settled,
		&d.AmountDue, &d.PaymentDate, &d.DueDate, &d.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d.Plan = domain.PlanName(plan)
	return &d, nil
}

func collectDeposits(rows pgx.Rows) ([]domain.Deposit, error) {
	defer rows.Close()

	var deposits []domain.Deposit
	for rows.Next() {
		d, err := scanDeposit(rows)
		if err != nil {
			return nil, err
		}
		deposits = append(deposits, *d)
	}
	return deposits, rows.Err()
}

func (t *pgTx) CreateReferral(ctx context.Context, referrerID, referredID int64) (*domain.Referral, error) {
	r := domain.Referral{ReferrerID: referrerID, ReferredID: referredID}
	err := t.tx.QueryRow(ctx,
		"INSERT INTO referrals (referrer_id, referred_id, amount, paid) VALUES ($1, $2, 0, FALSE) RETURNING id",
		referrerID, referredID,
	).Scan(&r.ID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("referral insert failed: %w", err)
	}
	return &r, nil
}

func (t *pgTx) LockUnpaidReferral(ctx context.Context, referredID int64) (*domain.Referral, error) {
	var r domain.Referral
	err := t.tx.QueryRow(ctx,
		"SELECT id, referrer_id, referred_id, amount, paid FROM referrals WHERE referred_id = $1 AND NOT paid FOR UPDATE",
		referredID,
	).Scan(&r.ID, &r.ReferrerID, &r.ReferredID, &r.Amount, &r.Paid)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("referral lock failed: %w", err)
	}
	return &r, nil
}

func (t *pgTx) MarkReferralPaid(ctx context.Context, id, amount int64) error {
	tag, err := t.tx.Exec(ctx, "UPDATE referrals SET paid = TRUE, amount = $1 WHERE id = $2 AND NOT paid", amount, id)
	if err != nil {
		return fmt.Errorf("referral update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) ListReferralsByReferrer(ctx context.Context, referrerID int64) ([]domain.Referral, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT id, referrer_id, referred_id, amount, paid FROM referrals WHERE referrer_id = $1 ORDER BY id", referrerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []domain.Referral
	for rows.Next() {
		var r domain.Referral
		if err := rows.Scan(&r.ID, &r.ReferrerID, &r.ReferredID, &r.Amount, &r.Paid); err != nil {
			return nil, err
		}
		refs = append(refs, r)
	}
	return refs, rows.Err()
}

func (t *pgTx) CreateWithdrawal(ctx context.Context, w *domain.Withdrawal) error {
	err := t.tx.QueryRow(ctx,
		"INSERT INTO withdrawals (account_id, amount, wallet_id, paid) VALUES ($1, $2, $3, FALSE) RETURNING id, withdrawal_date",
		w.AccountID, w.Amount, w.WalletID,
	).Scan(&w.ID, &w.WithdrawalDate)
	if err != nil {
		return fmt.Errorf("withdrawal insert failed: %w", err)
	}
	return nil
}

func (t *pgTx) GetWithdrawal(ctx context.Context, id int64) (*domain.Withdrawal, error) {
	var w domain.Withdrawal
	err := t.tx.QueryRow(ctx,
		"SELECT id, account_id, amount, wallet_id, paid, withdrawal_date FROM withdrawals WHERE id = $1", id,
	).Scan(&w.ID, &w.AccountID, &w.Amount, &w.WalletID, &w.Paid, &w.WithdrawalDate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &w, nil
}

func (t *pgTx) ListWithdrawalsByAccount(ctx context.Context, accountID int64) ([]domain.Withdrawal, error) {
	rows, err := t.tx.Query(ctx,
		"SELECT id, account_id, amount, wallet_id, paid, withdrawal_date FROM withdrawals WHERE account_id = $1 ORDER BY withdrawal_date DESC, id DESC",
		accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Withdrawal
	for rows.Next() {
		var w domain.Withdrawal
		if err := rows.Scan(&w.ID, &w.AccountID, &w.Amount, &w.WalletID, &w.Paid, &w.WithdrawalDate); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (t *pgTx) MarkWithdrawalPaid(ctx context.Context, id int64) (bool, error) {
	tag, err := t.tx.Exec(ctx, "UPDATE withdrawals SET paid = TRUE WHERE id = $1 AND NOT paid", id)
	if err != nil {
		return false, fmt.Errorf("withdrawal update failed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
