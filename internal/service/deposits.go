package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/notify"
	"github.com/punchamoorthee/depositops/internal/store"
)

// Settlement triggers, used as metric labels.
const (
	TriggerAdmin = "admin"
	TriggerSweep = "sweep"
)

// CreateDeposit logs a pending deposit against a plan. The amount must fall
// within the plan's bounds.
func (s *Service) CreateDeposit(ctx context.Context, accountID int64, planName domain.PlanName, amount int64) (*domain.Receipt, error) {
	const op = "service.CreateDeposit"

	plan, err := s.catalog.Get(planName)
	if err != nil {
		return nil, domain.Validation(op, fmt.Sprintf("Unknown plan %q", planName))
	}
	if !plan.Accepts(amount) {
		return nil, domain.Validation(op, fmt.Sprintf("Amount must be between %s and %s for the %s plan",
			formatAmount(plan.Minimum), formatAmount(plan.Maximum), plan.Name))
	}

	dep := &domain.Deposit{AccountID: accountID, Plan: plan.Name, Amount: amount}
	var owner *domain.User
	err = s.ledger.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if owner, err = tx.GetAccountOwner(ctx, accountID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.NotFound(op, "Account not found")
			}
			return err
		}
		return tx.CreateDeposit(ctx, dep)
	})
	if err != nil {
		return nil, s.fail(op, "Unable to create deposit", err)
	}
	depositsTotal.WithLabelValues("created").Inc()

	notified := s.notify(ctx, notify.DepositReceived, owner.Email, map[string]any{
		"name":   owner.Name,
		"plan":   string(plan.Name),
		"amount": formatAmount(amount),
	})

	return &domain.Receipt{
		Message:  fmt.Sprintf("Deposit of %s Successfully Logged", formatAmount(amount)),
		Applied:  true,
		Notified: notified,
		Data:     dep,
	}, nil
}

// ConfirmDeposit fixes the payout terms of a pending deposit and, on the
// owner's first confirmation, pays the unpaid inbound referral in the same
// transaction. A deposit that is missing or already confirmed is a soft
// no-op.
func (s *Service) ConfirmDeposit(ctx context.Context, depositID int64) (*domain.Receipt, error) {
	const op = "service.ConfirmDeposit"

	var (
		dep    *domain.Deposit
		owner  *domain.User
		payout *referralPayout
		found  = true
	)
	err := s.ledger.WithTx(ctx, func(tx store.Tx) error {
		// 1. Lock the pending deposit
		pending, err := tx.LockPendingDeposit(ctx, depositID)
		if errors.Is(err, store.ErrNotFound) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}

		plan, err := s.catalog.Get(pending.Plan)
		if err != nil {
			return err
		}
		if owner, err = tx.GetAccountOwner(ctx, pending.AccountID); err != nil {
			return err
		}

		// 2. Referral payout precedes the deposit's own confirmation
		if payout, err = s.payReferral(ctx, tx, owner, plan, pending.Amount); err != nil {
			return err
		}

		// 3. Fix terms
		paymentDate, dueDate := s.catalog.Maturity(plan, s.now())
		amountDue := s.catalog.AmountDue(plan, pending.Amount)
		if err := tx.MarkDepositConfirmed(ctx, depositID, amountDue, paymentDate, dueDate); err != nil {
			return err
		}

		dep, err = tx.GetDeposit(ctx, depositID)
		return err
	})
	if err != nil {
		return nil, s.fail(op, "Unable to confirm deposit", err)
	}
	if !found {
		return &domain.Receipt{Message: "Deposit not found"}, nil
	}
	depositsTotal.WithLabelValues("confirmed").Inc()

	if payout != nil {
		referralPayoutsTotal.Inc()
		s.notifyReferral(ctx, payout, owner)
	}

	notified := s.notify(ctx, notify.DepositConfirmed, owner.Email, map[string]any{
		"name":         owner.Name,
		"deposit_id":   dep.ID,
		"plan":         string(dep.Plan),
		"amount":       formatAmount(dep.Amount),
		"payment_date": s.formatDate(*dep.PaymentDate),
		"due_date":     s.formatDate(*dep.DueDate),
	})

	return &domain.Receipt{
		Message:  "Successfully Confirmed Deposit",
		Applied:  true,
		Notified: notified,
		Data:     dep,
	}, nil
}

// SettleDeposit credits a confirmed deposit's amount due to its account.
// The settled flag flips through a conditional update, so of two concurrent
// settlements exactly one credits the balance.
func (s *Service) SettleDeposit(ctx context.Context, depositID int64) (*domain.Receipt, error) {
	return s.settle(ctx, depositID, TriggerAdmin)
}

func (s *Service) settle(ctx context.Context, depositID int64, trigger string) (*domain.Receipt, error) {
	const op = "service.SettleDeposit"

	var dep *domain.Deposit
	var owner *domain.User
	err := s.ledger.WithTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetDeposit(ctx, depositID)
		if errors.Is(err, store.ErrNotFound) {
			return domain.NotFound(op, "Deposit not found")
		}
		if err != nil {
			return err
		}
		if !current.Confirmed {
			return domain.Validation(op, "Deposit has not been confirmed")
		}

		dep, err = tx.MarkDepositSettled(ctx, depositID)
		if errors.Is(err, store.ErrAlreadySettled) {
			return domain.Conflict(op, "Deposit already settled", err)
		}
		if err != nil {
			return err
		}
		if dep.AmountDue == nil {
			return fmt.Errorf("deposit %d confirmed without amount due", depositID)
		}

		if err := tx.IncrementBalance(ctx, dep.AccountID, *dep.AmountDue); err != nil {
			return err
		}
		owner, err = tx.GetAccountOwner(ctx, dep.AccountID)
		return err
	})
	if err != nil {
		result := "failed"
		if domain.KindOf(err) == domain.KindConflict {
			result = "conflict"
		}
		settlementsTotal.WithLabelValues(trigger, result).Inc()
		return nil, s.fail(op, "Unable to settle deposit", err)
	}
	settlementsTotal.WithLabelValues(trigger, "settled").Inc()
	depositsTotal.WithLabelValues("settled").Inc()

	credited := formatAmount(*dep.AmountDue)
	notified := s.notify(ctx, notify.AccountCredited, owner.Email, map[string]any{
		"name":    owner.Name,
		"message": fmt.Sprintf("Your deposit has matured and your account has been credited with %s", credited),
	})

	return &domain.Receipt{
		Message:  "Deposit Settled",
		Applied:  true,
		Notified: notified,
		Data:     dep,
	}, nil
}

// SettleDue settles every confirmed deposit that has reached its due date.
// Each deposit settles in its own transaction; a failure is logged and the
// sweep moves on. Deposits that fail are picked up by the next run.
func (s *Service) SettleDue(ctx context.Context) (domain.SweepReport, error) {
	const op = "service.SettleDue"
	start := time.Now()

	due, err := s.ledger.ListDueUnsettledDeposits(ctx, s.now())
	if err != nil {
		return domain.SweepReport{}, s.fail(op, "Unable to list due deposits", err)
	}

	report := domain.SweepReport{Candidates: len(due)}
	for _, d := range due {
		_, err := s.settle(ctx, d.ID, TriggerSweep)
		switch {
		case err == nil:
			report.Settled++
		case domain.KindOf(err) == domain.KindConflict:
			s.logger.Info("deposit settled concurrently, skipping", zap.Int64("deposit_id", d.ID))
		default:
			report.Failed++
			s.logger.Error("settlement failed",
				zap.Int64("deposit_id", d.ID),
				zap.Int64("account_id", d.AccountID),
				zap.Error(err))
		}
	}

	sweepDuration.Observe(time.Since(start).Seconds())
	lastSweepTimestamp.SetToCurrentTime()
	s.logger.Info("settlement sweep finished",
		zap.Int("candidates", report.Candidates),
		zap.Int("settled", report.Settled),
		zap.Int("failed", report.Failed))
	return report, nil
}
