package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/punchamoorthee/depositops/internal/domain"

	_ "modernc.org/sqlite"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// SQLite is the single-file backend used for local runs and tests. The pool
// is capped at one connection, so transactions are fully serialised and the
// row locks taken on Postgres are implied.
type SQLite struct {
	Db  *sql.DB
	now func() time.Time
}

func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	dsn := path
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	dsn += sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to ping sqlite database: %w", err)
	}
	return &SQLite{Db: db, now: time.Now}, nil
}

func (s *SQLite) Close() {
	s.Db.Close()
}

func (s *SQLite) Migrate(ctx context.Context) error {
	if _, err := s.Db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}
	return nil
}

func (s *SQLite) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.Db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("tx begin failed: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&sqliteTx{tx: tx, now: s.now}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("tx commit failed: %w", err)
	}
	return nil
}

func (s *SQLite) ListDueUnsettledDeposits(ctx context.Context, now time.Time) ([]domain.Deposit, error) {
	rows, err := s.Db.QueryContext(ctx,
		"SELECT "+depositColumns+" FROM deposits WHERE confirmed = 1 AND settled = 0 AND due_date <= ?",
		now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("due deposit query failed: %w", err)
	}
	return collectSQLiteDeposits(rows)
}

// Timestamps are stored as unix nanoseconds so range filters compare numerically.
func toUnix(t time.Time) int64 { return t.UnixNano() }

func fromUnix(n int64) time.Time { return time.Unix(0, n).UTC() }

func fromNullUnix(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromUnix(n.Int64)
	return &t
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// uniqueViolationOn reports whether err names column, as "table.column".
func uniqueViolationOn(err error, column string) bool {
	return isUniqueViolation(err) && strings.Contains(err.Error(), column)
}

type sqliteTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *sqliteTx) CreateUser(ctx context.Context, u *domain.User) error {
	created := t.now()
	res, err := t.tx.ExecContext(ctx,
		"INSERT INTO users (name, email, gender, referral_code, created_at) VALUES (?, ?, ?, ?, ?)",
		u.Name, u.Email, string(u.Gender), u.ReferralCode, toUnix(created))
	if err != nil {
		if uniqueViolationOn(err, "users.referral_code") {
			return ErrReferralCodeTaken
		}
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("user insert failed: %w", err)
	}
	if u.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	u.CreatedAt = fromUnix(toUnix(created))
	return nil
}

const sqliteUserColumns = "u.id, u.name, u.email, u.gender, u.referral_code, u.created_at"

func (t *sqliteTx) GetUser(ctx context.Context, id int64) (*domain.User, error) {
	return scanSQLiteUser(t.tx.QueryRowContext(ctx, "SELECT "+sqliteUserColumns+" FROM users u WHERE u.id = ?", id))
}

func (t *sqliteTx) FindUserByReferralCode(ctx context.Context, code string) (*domain.User, error) {
	return scanSQLiteUser(t.tx.QueryRowContext(ctx, "SELECT "+sqliteUserColumns+" FROM users u WHERE u.referral_code = ?", code))
}

func (t *sqliteTx) GetAccountOwner(ctx context.Context, accountID int64) (*domain.User, error) {
	return scanSQLiteUser(t.tx.QueryRowContext(ctx,
		"SELECT "+sqliteUserColumns+" FROM users u JOIN accounts a ON a.user_id = u.id WHERE a.id = ?", accountID))
}

func scanSQLiteUser(row *sql.Row) (*domain.User, error) {
	var u domain.User
	var gender string
	var created int64
	err := row.Scan(&u.ID, &u.Name, &u.Email, &gender, &u.ReferralCode, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	u.Gender = domain.Gender(gender)
	u.CreatedAt = fromUnix(created)
	return &u, nil
}

func (t *sqliteTx) CreateAccount(ctx context.Context, userID int64) (*domain.Account, error) {
	created := t.now()
	res, err := t.tx.ExecContext(ctx,
		"INSERT INTO accounts (user_id, balance, created_at) VALUES (?, 0, ?)", userID, toUnix(created))
	if err != nil {
		return nil, fmt.Errorf("account insert failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &domain.Account{ID: id, UserID: userID, CreatedAt: fromUnix(toUnix(created))}, nil
}

func (t *sqliteTx) GetAccount(ctx context.Context, id int64) (*domain.Account, error) {
	return scanSQLiteAccount(t.tx.QueryRowContext(ctx, "SELECT id, user_id, balance, created_at FROM accounts WHERE id = ?", id))
}

func (t *sqliteTx) GetAccountByUserID(ctx context.Context, userID int64) (*domain.Account, error) {
	return scanSQLiteAccount(t.tx.QueryRowContext(ctx, "SELECT id, user_id, balance, created_at FROM accounts WHERE user_id = ?", userID))
}

func scanSQLiteAccount(row *sql.Row) (*domain.Account, error) {
	var a domain.Account
	var created int64
	if err := row.Scan(&a.ID, &a.UserID, &a.Balance, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	a.CreatedAt = fromUnix(created)
	return &a, nil
}

func (t *sqliteTx) IncrementBalance(ctx context.Context, accountID, delta int64) error {
	res, err := t.tx.ExecContext(ctx, "UPDATE accounts SET balance = balance + ? WHERE id = ?", delta, accountID)
	if err != nil {
		return fmt.Errorf("balance increment failed: %w", err)
	}
	return requireOneRow(res)
}

func (t *sqliteTx) DebitBalance(ctx context.Context, accountID, amount int64) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE accounts SET balance = balance - ? WHERE id = ? AND balance >= ?", amount, accountID, amount)
	if err != nil {
		return fmt.Errorf("balance debit failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	if _, err := t.GetAccount(ctx, accountID); err != nil {
		return err
	}
	return ErrInsufficientFunds
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *sqliteTx) CreateDeposit(ctx context.Context, d *domain.Deposit) error {
	created := t.now()
	res, err := t.tx.ExecContext(ctx,
		"INSERT INTO deposits (account_id, plan, amount, created_at) VALUES (?, ?, ?, ?)",
		d.AccountID, string(d.Plan), d.Amount, toUnix(created))
	if err != nil {
		return fmt.Errorf("deposit insert failed: %w", err)
	}
	if d.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	d.CreatedAt = fromUnix(toUnix(created))
	return nil
}

func (t *sqliteTx) GetDeposit(ctx context.Context, id int64) (*domain.Deposit, error) {
	return scanSQLiteDeposit(t.tx.QueryRowContext(ctx, "SELECT "+depositColumns+" FROM deposits WHERE id = ?", id))
}

func (t *sqliteTx) LockPendingDeposit(ctx context.Context, id int64) (*domain.Deposit, error) {
	return scanSQLiteDeposit(t.tx.QueryRowContext(ctx,
		"SELECT "+depositColumns+" FROM deposits WHERE id = ? AND confirmed = 0", id))
}

func (t *sqliteTx) ListDepositsByAccount(ctx context.Context, accountID int64) ([]domain.Deposit, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+depositColumns+" FROM deposits WHERE account_id = ? ORDER BY created_at DESC, id DESC", accountID)
	if err != nil {
		return nil, err
	}
	return collectSQLiteDeposits(rows)
}

func (t *sqliteTx) MarkDepositConfirmed(ctx context.Context, id, amountDue int64, paymentDate, dueDate time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE deposits SET confirmed = 1, amount_due = ?, payment_date = ?, due_date = ? WHERE id = ? AND confirmed = 0",
		amountDue, toUnix(paymentDate), toUnix(dueDate), id)
	if err != nil {
		return fmt.Errorf("deposit confirm failed: %w", err)
	}
	return requireOneRow(res)
}

func (t *sqliteTx) MarkDepositSettled(ctx context.Context, id int64) (*domain.Deposit, error) {
	res, err := t.tx.ExecContext(ctx,
		"UPDATE deposits SET settled = 1 WHERE id = ? AND confirmed = 1 AND settled = 0", id)
	if err != nil {
		return nil, fmt.Errorf("deposit settle failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}

	d, err := t.GetDeposit(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		if d.Settled {
			return nil, ErrAlreadySettled
		}
		return nil, ErrNotFound
	}
	return d, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteDeposit(row rowScanner) (*domain.Deposit, error) {
	var d domain.Deposit
	var plan string
	var amountDue, paymentDate, dueDate sql.NullInt64
	var created int64
	err := row.Scan(&d.ID, &d.AccountID, &plan, &d.Amount, &d.Confirmed, &d.Settled,
		&amountDue, &paymentDate, &dueDate, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	d.Plan = domain.PlanName(plan)
	if amountDue.Valid {
		v := amountDue.Int64
		d.AmountDue = &v
	}
	d.PaymentDate = fromNullUnix(paymentDate)
	d.DueDate = fromNullUnix(dueDate)
	d.CreatedAt = fromUnix(created)
	return &d, nil
}

func collectSQLiteDeposits(rows *sql.Rows) ([]domain.Deposit, error) {
	defer rows.Close()

	var deposits []domain.Deposit
	for rows.Next() {
		d, err := scanSQLiteDeposit(rows)
		if err != nil {
			return nil, err
		}
		deposits = append(deposits, *d)
	}
	return deposits, rows.Err()
}

func (t *sqliteTx) CreateReferral(ctx context.Context, referrerID, referredID int64) (*domain.Referral, error) {
	res, err := t.tx.ExecContext(ctx,
		"INSERT INTO referrals (referrer_id, referred_id, amount, paid) VALUES (?, ?, 0, 0)", referrerID, referredID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("referral insert failed: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	return &domain.Referral{ID: id, ReferrerID: referrerID, ReferredID: referredID}, nil
}

func (t *sqliteTx) LockUnpaidReferral(ctx context.Context, referredID int64) (*domain.Referral, error) {
	var r domain.Referral
	err := t.tx.QueryRowContext(ctx,
		"SELECT id, referrer_id, referred_id, amount, paid FROM referrals WHERE referred_id = ? AND paid = 0", referredID,
	).Scan(&r.ID, &r.ReferrerID, &r.ReferredID, &r.Amount, &r.Paid)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("referral lookup failed: %w", err)
	}
	return &r, nil
}

func (t *sqliteTx) MarkReferralPaid(ctx context.Context, id, amount int64) error {
	res, err := t.tx.ExecContext(ctx, "UPDATE referrals SET paid = 1, amount = ? WHERE id = ? AND paid = 0", amount, id)
	if err != nil {
		return fmt.Errorf("referral update failed: %w", err)
	}
	return requireOneRow(res)
}

func (t *sqliteTx) ListReferralsByReferrer(ctx context.Context, referrerID int64) ([]domain.Referral, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT id, referrer_id, referred_id, amount, paid FROM referrals WHERE referrer_id = ? ORDER BY id", referrerID)
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

func (t *sqliteTx) CreateWithdrawal(ctx context.Context, w *domain.Withdrawal) error {
	created := t.now()
	res, err := t.tx.ExecContext(ctx,
		"INSERT INTO withdrawals (account_id, amount, wallet_id, paid, withdrawal_date) VALUES (?, ?, ?, 0, ?)",
		w.AccountID, w.Amount, w.WalletID, toUnix(created))
	if err != nil {
		return fmt.Errorf("withdrawal insert failed: %w", err)
	}
	if w.ID, err = res.LastInsertId(); err != nil {
		return err
	}
	w.WithdrawalDate = fromUnix(toUnix(created))
	return nil
}

const sqliteWithdrawalColumns = "id, account_id, amount, wallet_id, paid, withdrawal_date"

func scanSQLiteWithdrawal(row rowScanner) (*domain.Withdrawal, error) {
	var w domain.Withdrawal
	var date int64
	if err := row.Scan(&w.ID, &w.AccountID, &w.Amount, &w.WalletID, &w.Paid, &date); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	w.WithdrawalDate = fromUnix(date)
	return &w, nil
}

func (t *sqliteTx) GetWithdrawal(ctx context.Context, id int64) (*domain.Withdrawal, error) {
	return scanSQLiteWithdrawal(t.tx.QueryRowContext(ctx,
		"SELECT "+sqliteWithdrawalColumns+" FROM withdrawals WHERE id = ?", id))
}

func (t *sqliteTx) ListWithdrawalsByAccount(ctx context.Context, accountID int64) ([]domain.Withdrawal, error) {
	rows, err := t.tx.QueryContext(ctx,
		"SELECT "+sqliteWithdrawalColumns+" FROM withdrawals WHERE account_id = ? ORDER BY withdrawal_date DESC, id DESC", accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Withdrawal
	for rows.Next() {
		w, err := scanSQLiteWithdrawal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

func (t *sqliteTx) MarkWithdrawalPaid(ctx context.Context, id int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx, "UPDATE withdrawals SET paid = 1 WHERE id = ? AND paid = 0", id)
	if err != nil {
		return false, fmt.Errorf("withdrawal update failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
