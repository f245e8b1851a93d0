package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/punchamoorthee/depositops/internal/catalog"
	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/notify"
	"github.com/punchamoorthee/depositops/internal/store"
	"github.com/punchamoorthee/depositops/internal/testutil"
)

type sent struct {
	tmpl       notify.Template
	recipients []string
	data       map[string]any
}

// recordingNotifier keeps every message and answers with ok.
type recordingNotifier struct {
	mu   sync.Mutex
	ok   bool
	sent []sent
}

func (n *recordingNotifier) Send(_ context.Context, tmpl notify.Template, recipients []string, data map[string]any) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{tmpl: tmpl, recipients: recipients, data: data})
	return n.ok
}

func (n *recordingNotifier) count(tmpl notify.Template) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.tmpl == tmpl {
			c++
		}
	}
	return c
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

var errInjected = errors.New("injected write failure")

// faultyLedger wraps every transaction so that a chosen write fails.
type faultyLedger struct {
	store.Ledger
	failConfirm       bool
	failCreditAccount int64

	mu             sync.Mutex
	codeCollisions int
}

func (f *faultyLedger) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	return f.Ledger.WithTx(ctx, func(tx store.Tx) error {
		return fn(&faultyTx{Tx: tx, ledger: f})
	})
}

// takeCollision reports whether the next CreateUser should collide.
func (f *faultyLedger) takeCollision() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.codeCollisions == 0 {
		return false
	}
	f.codeCollisions--
	return true
}

type faultyTx struct {
	store.Tx
	ledger *faultyLedger
}

func (t *faultyTx) MarkDepositConfirmed(ctx context.Context, id, amountDue int64, paymentDate, dueDate time.Time) error {
	if t.ledger.failConfirm {
		return errInjected
	}
	return t.Tx.MarkDepositConfirmed(ctx, id, amountDue, paymentDate, dueDate)
}

func (t *faultyTx) IncrementBalance(ctx context.Context, accountID, delta int64) error {
	if t.ledger.failCreditAccount == accountID {
		return errInjected
	}
	return t.Tx.IncrementBalance(ctx, accountID, delta)
}

func (t *faultyTx) CreateUser(ctx context.Context, u *domain.User) error {
	if t.ledger.takeCollision() {
		return store.ErrReferralCodeTaken
	}
	return t.Tx.CreateUser(ctx, u)
}

type fixture struct {
	svc      *Service
	ledger   store.Ledger
	notifier *recordingNotifier
	clock    *clock
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWith(t, testutil.NewLedger(t))
}

func newFixtureWith(t *testing.T, ledger store.Ledger) *fixture {
	t.Helper()

	cat, err := catalog.Default(catalog.RoundHalfUp)
	require.NoError(t, err)

	n := &recordingNotifier{ok: true}
	c := &clock{now: t0}
	svc := New(ledger, cat, n, zap.NewNop(), WithClock(c.Now))
	return &fixture{svc: svc, ledger: ledger, notifier: n, clock: c}
}

func (f *fixture) register(t *testing.T, email, referrerCode string) *Registration {
	t.Helper()
	r, err := f.svc.Register(context.Background(), RegisterRequest{
		Name:         "User " + email,
		Email:        email,
		Gender:       domain.GenderFemale,
		ReferrerCode: referrerCode,
	})
	require.NoError(t, err)
	return r.Data.(*Registration)
}

func (f *fixture) deposit(t *testing.T, accountID int64, plan domain.PlanName, amount int64) *domain.Deposit {
	t.Helper()
	r, err := f.svc.CreateDeposit(context.Background(), accountID, plan, amount)
	require.NoError(t, err)
	return r.Data.(*domain.Deposit)
}

func (f *fixture) balance(t *testing.T, accountID int64) int64 {
	t.Helper()
	view, err := f.svc.AccountView(context.Background(), accountID)
	require.NoError(t, err)
	return view.Account.Balance
}

func (f *fixture) getDeposit(t *testing.T, id int64) *domain.Deposit {
	t.Helper()
	var d *domain.Deposit
	require.NoError(t, f.ledger.WithTx(context.Background(), func(tx store.Tx) error {
		var err error
		d, err = tx.GetDeposit(context.Background(), id)
		return err
	}))
	return d
}

func (f *fixture) credit(t *testing.T, accountID, amount int64) {
	t.Helper()
	require.NoError(t, f.ledger.WithTx(context.Background(), func(tx store.Tx) error {
		return tx.IncrementBalance(context.Background(), accountID, amount)
	}))
}

func TestConfirmThenSettle_CreditsAmountDue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.register(t, "ada@example.com", "").Account

	// 300.00 on Basic at 20% matures to 360.00
	dep := f.deposit(t, acct.ID, domain.PlanBasic, 30000)

	r, err := f.svc.ConfirmDeposit(ctx, dep.ID)
	require.NoError(t, err)
	assert.True(t, r.Applied)
	confirmed := r.Data.(*domain.Deposit)
	require.NotNil(t, confirmed.AmountDue)
	assert.Equal(t, int64(36000), *confirmed.AmountDue)
	assert.True(t, t0.Equal(*confirmed.PaymentDate))
	assert.True(t, t0.Add(20*time.Hour).Equal(*confirmed.DueDate))

	r, err = f.svc.SettleDeposit(ctx, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, "Deposit Settled", r.Message)
	assert.Equal(t, int64(36000), f.balance(t, acct.ID))

	assert.Equal(t, 1, f.notifier.count(notify.DepositReceived))
	assert.Equal(t, 1, f.notifier.count(notify.DepositConfirmed))
	assert.Equal(t, 1, f.notifier.count(notify.AccountCredited))
}

func TestSettle_ConcurrentCallsCreditOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.register(t, "ada@example.com", "").Account
	dep := f.deposit(t, acct.ID, domain.PlanGold, 100000)
	_, err := f.svc.ConfirmDeposit(ctx, dep.ID)
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.SettleDeposit(ctx, dep.ID)
		}(i)
	}
	wg.Wait()

	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case domain.KindOf(err) == domain.KindConflict:
			conflicts++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, workers-1, conflicts)
	assert.Equal(t, int64(130000), f.balance(t, acct.ID))
	assert.Equal(t, 1, f.notifier.count(notify.AccountCredited))
}

func TestSettle_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.register(t, "ada@example.com", "").Account
	dep := f.deposit(t, acct.ID, domain.PlanBasic, 5000)

	_, err := f.svc.SettleDeposit(ctx, dep.ID)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = f.svc.SettleDeposit(ctx, 424242)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
	assert.Equal(t, "Deposit not found", domain.MessageOf(err))
}

func TestConfirm_SecondCallIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.register(t, "ada@example.com", "").Account
	dep := f.deposit(t, acct.ID, domain.PlanGold, 60000)

	_, err := f.svc.ConfirmDeposit(ctx, dep.ID)
	require.NoError(t, err)
	first := f.getDeposit(t, dep.ID)

	f.clock.Set(t0.Add(5 * time.Hour))
	r, err := f.svc.ConfirmDeposit(ctx, dep.ID)
	require.NoError(t, err)
	assert.False(t, r.Applied)
	assert.Equal(t, "Deposit not found", r.Message)

	second := f.getDeposit(t, dep.ID)
	assert.Equal(t, *first.AmountDue, *second.AmountDue)
	assert.True(t, first.DueDate.Equal(*second.DueDate))
	assert.Equal(t, 1, f.notifier.count(notify.DepositConfirmed))

	r, err = f.svc.ConfirmDeposit(ctx, 424242)
	require.NoError(t, err)
	assert.False(t, r.Applied)
}

func TestReferral_PaysOnFirstConfirmationOnly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referrer := f.register(t, "ada@example.com", "")
	referred := f.register(t, "bob@example.com", referrer.User.ReferralCode)

	first := f.deposit(t, referred.Account.ID, domain.PlanBasic, 30000)
	second := f.deposit(t, referred.Account.ID, domain.PlanMaster, 300000)

	_, err := f.svc.ConfirmDeposit(ctx, first.ID)
	require.NoError(t, err)
	_, err = f.svc.ConfirmDeposit(ctx, second.ID)
	require.NoError(t, err)

	// 5% of 300.00
	assert.Equal(t, int64(1500), f.balance(t, referrer.Account.ID))
	assert.Equal(t, 1, f.notifier.count(notify.ReferralPaid))

	view, err := f.svc.AccountView(ctx, referrer.Account.ID)
	require.NoError(t, err)
	require.Len(t, view.Referrals, 1)
	assert.True(t, view.Referrals[0].Paid)
	assert.Equal(t, int64(1500), view.Referrals[0].Amount)
	assert.Equal(t, referred.User.ID, view.Referrals[0].ReferredID)
}

func TestSettleDue_RespectsDueDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.register(t, "ada@example.com", "").Account
	dep := f.deposit(t, acct.ID, domain.PlanGold, 50000)

	_, err := f.svc.ConfirmDeposit(ctx, dep.ID)
	require.NoError(t, err)

	f.clock.Set(t0.Add(47*time.Hour + 59*time.Minute))
	report, err := f.svc.SettleDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SweepReport{}, report)
	assert.Equal(t, int64(0), f.balance(t, acct.ID))

	f.clock.Set(t0.Add(48 * time.Hour))
	report, err = f.svc.SettleDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SweepReport{Candidates: 1, Settled: 1}, report)
	assert.Equal(t, int64(65000), f.balance(t, acct.ID))

	report, err = f.svc.SettleDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Candidates)
}

func TestSettleDue_FailedDepositDoesNotStopSweep(t *testing.T) {
	base := testutil.NewLedger(t)
	setup := newFixtureWith(t, base)
	ctx := context.Background()
	a := setup.register(t, "ada@example.com", "").Account
	b := setup.register(t, "bob@example.com", "").Account
	depA := setup.deposit(t, a.ID, domain.PlanBasic, 30000)
	depB := setup.deposit(t, b.ID, domain.PlanBasic, 30000)
	for _, id := range []int64{depA.ID, depB.ID} {
		_, err := setup.svc.ConfirmDeposit(ctx, id)
		require.NoError(t, err)
	}

	f := newFixtureWith(t, &faultyLedger{Ledger: base, failCreditAccount: a.ID})
	f.clock.Set(t0.Add(20 * time.Hour))
	report, err := f.svc.SettleDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SweepReport{Candidates: 2, Settled: 1, Failed: 1}, report)

	assert.False(t, setup.getDeposit(t, depA.ID).Settled)
	assert.True(t, setup.getDeposit(t, depB.ID).Settled)
	assert.Equal(t, int64(0), setup.balance(t, a.ID))
	assert.Equal(t, int64(36000), setup.balance(t, b.ID))
	assert.Equal(t, 1, f.notifier.count(notify.AccountCredited))

	// the failed deposit is picked up by the next sweep
	setup.clock.Set(t0.Add(20 * time.Hour))
	report, err = setup.svc.SettleDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.SweepReport{Candidates: 1, Settled: 1}, report)
	assert.Equal(t, int64(36000), setup.balance(t, a.ID))
}

func TestConfirm_ConcurrentCallsPayReferralOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referrer := f.register(t, "ada@example.com", "")
	referred := f.register(t, "bob@example.com", referrer.User.ReferralCode)

	const deposits, callsEach = 6, 3
	ids := make([]int64, deposits)
	for i := range ids {
		ids[i] = f.deposit(t, referred.Account.ID, domain.PlanBasic, 30000).ID
	}

	var wg sync.WaitGroup
	receipts := make([]*domain.Receipt, deposits*callsEach)
	errs := make([]error, deposits*callsEach)
	for i := range receipts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			receipts[i], errs[i] = f.svc.ConfirmDeposit(ctx, ids[i%deposits])
		}(i)
	}
	wg.Wait()

	applied := 0
	for i := range receipts {
		require.NoError(t, errs[i])
		if receipts[i].Applied {
			applied++
		}
	}
	assert.Equal(t, deposits, applied)
	for _, id := range ids {
		assert.True(t, f.getDeposit(t, id).Confirmed)
	}

	// 5% of 300.00, credited once
	assert.Equal(t, int64(1500), f.balance(t, referrer.Account.ID))
	assert.Equal(t, 1, f.notifier.count(notify.ReferralPaid))
	assert.Equal(t, deposits, f.notifier.count(notify.DepositConfirmed))
}

func TestConfirm_StoreFailureRollsBackEverything(t *testing.T) {
	base := testutil.NewLedger(t)
	setup := newFixtureWith(t, base)
	referrer := setup.register(t, "ada@example.com", "")
	referred := setup.register(t, "bob@example.com", referrer.User.ReferralCode)
	dep := setup.deposit(t, referred.Account.ID, domain.PlanBasic, 30000)

	f := newFixtureWith(t, &faultyLedger{Ledger: base, failConfirm: true})
	_, err := f.svc.ConfirmDeposit(context.Background(), dep.ID)
	require.Error(t, err)
	assert.Equal(t, domain.KindInternal, domain.KindOf(err))
	assert.Equal(t, "Unable to confirm deposit", domain.MessageOf(err))
	assert.True(t, errors.Is(err, errInjected))

	got := setup.getDeposit(t, dep.ID)
	assert.False(t, got.Confirmed)
	assert.Nil(t, got.AmountDue)
	assert.Equal(t, int64(0), setup.balance(t, referrer.Account.ID))
	assert.Zero(t, f.notifier.count(notify.ReferralPaid))

	view, err := setup.svc.AccountView(context.Background(), referrer.Account.ID)
	require.NoError(t, err)
	require.Len(t, view.Referrals, 1)
	assert.False(t, view.Referrals[0].Paid)
}

func TestConfirm_NotificationFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	referrer := f.register(t, "ada@example.com", "")
	referred := f.register(t, "bob@example.com", referrer.User.ReferralCode)
	dep := f.deposit(t, referred.Account.ID, domain.PlanBasic, 30000)

	f.notifier.ok = false
	r, err := f.svc.ConfirmDeposit(ctx, dep.ID)
	require.NoError(t, err)
	assert.True(t, r.Applied)
	assert.False(t, r.Notified)

	assert.True(t, f.getDeposit(t, dep.ID).Confirmed)
	assert.Equal(t, int64(1500), f.balance(t, referrer.Account.ID))
}

func TestCreateDeposit_EnforcesPlanBounds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.register(t, "ada@example.com", "").Account

	tests := []struct {
		name   string
		plan   domain.PlanName
		amount int64
		kind   domain.Kind
	}{
		{"below minimum", domain.PlanBasic, 1999, domain.KindValidation},
		{"above maximum", domain.PlanBasic, 49901, domain.KindValidation},
		{"unknown plan", "Platinum", 5000, domain.KindValidation},
		{"missing account", domain.PlanBasic, 5000, domain.KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := acct.ID
			if tt.kind == domain.KindNotFound {
				id = 424242
			}
			_, err := f.svc.CreateDeposit(ctx, id, tt.plan, tt.amount)
			require.Error(t, err)
			assert.Equal(t, tt.kind, domain.KindOf(err))
		})
	}

	_, err := f.svc.CreateDeposit(ctx, acct.ID, domain.PlanBasic, 2000)
	assert.NoError(t, err)
	_, err = f.svc.CreateDeposit(ctx, acct.ID, domain.PlanBasic, 49900)
	assert.NoError(t, err)
}

func TestWithdrawal_DebitsAtRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.register(t, "ada@example.com", "").Account
	f.credit(t, acct.ID, 10000)

	_, err := f.svc.RequestWithdrawal(ctx, acct.ID, 10001, "wallet-1")
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	assert.Equal(t, "Insufficient funds", domain.MessageOf(err))

	_, err = f.svc.RequestWithdrawal(ctx, acct.ID, 0, "wallet-1")
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	_, err = f.svc.RequestWithdrawal(ctx, acct.ID, 100, " ")
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	_, err = f.svc.RequestWithdrawal(ctx, 424242, 100, "wallet-1")
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	r, err := f.svc.RequestWithdrawal(ctx, acct.ID, 4000, "wallet-1")
	require.NoError(t, err)
	w := r.Data.(*domain.Withdrawal)
	assert.Equal(t, int64(6000), f.balance(t, acct.ID))

	r, err = f.svc.CompleteWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.True(t, r.Applied)

	r, err = f.svc.CompleteWithdrawal(ctx, w.ID)
	require.NoError(t, err)
	assert.False(t, r.Applied)
	assert.Equal(t, "Withdrawal already completed", r.Message)
	assert.Equal(t, 1, f.notifier.count(notify.WithdrawalCompleted))
	assert.Equal(t, int64(6000), f.balance(t, acct.ID))

	_, err = f.svc.CompleteWithdrawal(ctx, 424242)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	reg := f.register(t, " Ada@Example.com ", "")
	assert.Equal(t, "ada@example.com", reg.User.Email)
	assert.Len(t, reg.User.ReferralCode, 8)
	assert.Regexp(t, "^[a-z]{8}$", reg.User.ReferralCode)
	assert.Equal(t, int64(0), reg.Account.Balance)
	assert.Equal(t, 1, f.notifier.count(notify.Welcome))

	_, err := f.svc.Register(ctx, RegisterRequest{Name: "Ada", Email: "ada@example.com", Gender: domain.GenderFemale})
	assert.Equal(t, domain.KindConflict, domain.KindOf(err))

	_, err = f.svc.Register(ctx, RegisterRequest{Name: "Bob", Email: "bob@example.com", Gender: domain.GenderMale, ReferrerCode: "nosuchcd"})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))

	_, err = f.svc.Register(ctx, RegisterRequest{Name: "", Email: "bob@example.com", Gender: domain.GenderMale})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	_, err = f.svc.Register(ctx, RegisterRequest{Name: "Bob", Email: "not-an-email", Gender: domain.GenderMale})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
	_, err = f.svc.Register(ctx, RegisterRequest{Name: "Bob", Email: "bob@example.com", Gender: "Other"})
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestRegister_RetriesReferralCodeCollision(t *testing.T) {
	base := testutil.NewLedger(t)
	ctx := context.Background()

	f := newFixtureWith(t, &faultyLedger{Ledger: base, codeCollisions: registerAttempts - 1})
	r, err := f.svc.Register(ctx, RegisterRequest{Name: "Ada", Email: "ada@example.com", Gender: domain.GenderFemale})
	require.NoError(t, err)
	assert.True(t, r.Applied)
	assert.Equal(t, 1, f.notifier.count(notify.Welcome))

	f = newFixtureWith(t, &faultyLedger{Ledger: base, codeCollisions: registerAttempts})
	_, err = f.svc.Register(ctx, RegisterRequest{Name: "Bob", Email: "bob@example.com", Gender: domain.GenderMale})
	assert.Equal(t, domain.KindInternal, domain.KindOf(err))
	assert.Equal(t, "Unable to create account", domain.MessageOf(err))
	assert.Zero(t, f.notifier.count(notify.Welcome))
}

func TestAccountView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.register(t, "ada@example.com", "").Account
	f.deposit(t, acct.ID, domain.PlanBasic, 5000)

	view, err := f.svc.AccountView(ctx, acct.ID)
	require.NoError(t, err)
	assert.Len(t, view.Deposits, 1)
	assert.Empty(t, view.Withdrawals)
	assert.NotNil(t, view.Referrals)

	_, err = f.svc.AccountView(ctx, 424242)
	assert.Equal(t, domain.KindNotFound, domain.KindOf(err))

	assert.Len(t, f.svc.Plans(), 5)
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "360.00", formatAmount(36000))
	assert.Equal(t, "0.05", formatAmount(5))
}
