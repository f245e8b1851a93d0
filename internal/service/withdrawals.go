package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/notify"
	"github.com/punchamoorthee/depositops/internal/store"
)

// RequestWithdrawal records a withdrawal and debits the account at once, so
// the requested amount can no longer be spent twice.
func (s *Service) RequestWithdrawal(ctx context.Context, accountID, amount int64, walletID string) (*domain.Receipt, error) {
	const op = "service.RequestWithdrawal"

	walletID = strings.TrimSpace(walletID)
	if amount <= 0 {
		return nil, domain.Validation(op, "Amount must be positive")
	}
	if walletID == "" {
		return nil, domain.Validation(op, "Wallet ID is required")
	}

	w := &domain.Withdrawal{AccountID: accountID, Amount: amount, WalletID: walletID}
	var owner *domain.User
	err := s.ledger.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if owner, err = tx.GetAccountOwner(ctx, accountID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.NotFound(op, "Account not found")
			}
			return err
		}

		if err := tx.DebitBalance(ctx, accountID, amount); err != nil {
			if errors.Is(err, store.ErrInsufficientFunds) {
				return domain.Validation(op, "Insufficient funds")
			}
			return err
		}
		return tx.CreateWithdrawal(ctx, w)
	})
	if err != nil {
		return nil, s.fail(op, "Unable to create request", err)
	}
	withdrawalsTotal.WithLabelValues("requested").Inc()

	notified := s.notify(ctx, notify.WithdrawalRequested, owner.Email, map[string]any{
		"name": owner.Name,
		"message": fmt.Sprintf("You have requested for a withdrawal of %s. "+
			"You will be notified once we process your withdrawal, usually between 12 and 24 hours.", formatAmount(amount)),
	})

	return &domain.Receipt{
		Message:  fmt.Sprintf("Withdrawal request for %s received", formatAmount(amount)),
		Applied:  true,
		Notified: notified,
		Data:     w,
	}, nil
}

// CompleteWithdrawal marks a withdrawal paid. Completing a paid withdrawal
// changes nothing and sends nothing.
func (s *Service) CompleteWithdrawal(ctx context.Context, withdrawalID int64) (*domain.Receipt, error) {
	const op = "service.CompleteWithdrawal"

	var (
		w       *domain.Withdrawal
		owner   *domain.User
		changed bool
	)
	err := s.ledger.WithTx(ctx, func(tx store.Tx) error {
		var err error
		if changed, err = tx.MarkWithdrawalPaid(ctx, withdrawalID); err != nil {
			return err
		}

		w, err = tx.GetWithdrawal(ctx, withdrawalID)
		if errors.Is(err, store.ErrNotFound) {
			return domain.NotFound(op, "Withdrawal not found")
		}
		if err != nil {
			return err
		}
		owner, err = tx.GetAccountOwner(ctx, w.AccountID)
		return err
	})
	if err != nil {
		return nil, s.fail(op, "Unable to complete withdrawal", err)
	}
	if !changed {
		return &domain.Receipt{Message: "Withdrawal already completed", Data: w}, nil
	}
	withdrawalsTotal.WithLabelValues("completed").Inc()

	notified := s.notify(ctx, notify.WithdrawalCompleted, owner.Email, map[string]any{
		"name":    owner.Name,
		"message": fmt.Sprintf("We are pleased to inform you that your withdrawal of %s has been successfully processed.", formatAmount(w.Amount)),
	})

	return &domain.Receipt{
		Message:  "Withdrawal completed",
		Applied:  true,
		Notified: notified,
		Data:     w,
	}, nil
}
