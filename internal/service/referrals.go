package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/notify"
	"github.com/punchamoorthee/depositops/internal/store"
)

type referralPayout struct {
	referral domain.Referral
	referrer *domain.User
	amount   int64
}

// payReferral pays the referred user's unpaid inbound referral, if any,
// inside the caller's transaction. The referral row stays locked until the
// transaction ends and the paid flag only flips from false, so a referral
// pays at most once.
func (s *Service) payReferral(ctx context.Context, tx store.Tx, referred *domain.User, plan domain.Plan, depositAmount int64) (*referralPayout, error) {
	ref, err := tx.LockUnpaidReferral(ctx, referred.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	amount := s.catalog.ReferralBonus(plan, depositAmount)

	referrerAccount, err := tx.GetAccountByUserID(ctx, ref.ReferrerID)
	if err != nil {
		return nil, fmt.Errorf("referrer account lookup failed: %w", err)
	}
	if err := tx.IncrementBalance(ctx, referrerAccount.ID, amount); err != nil {
		return nil, err
	}
	if err := tx.MarkReferralPaid(ctx, ref.ID, amount); err != nil {
		return nil, err
	}

	referrer, err := tx.GetUser(ctx, ref.ReferrerID)
	if err != nil {
		return nil, err
	}

	ref.Paid = true
	ref.Amount = amount
	return &referralPayout{referral: *ref, referrer: referrer, amount: amount}, nil
}

func (s *Service) notifyReferral(ctx context.Context, p *referralPayout, referred *domain.User) {
	ok := s.notify(ctx, notify.ReferralPaid, p.referrer.Email, map[string]any{
		"name":    p.referrer.Name,
		"message": fmt.Sprintf("You have received a sum %s for referring %s", formatAmount(p.amount), referred.Name),
	})
	if !ok {
		s.logger.Warn("referral paid without notification",
			zap.Int64("referral_id", p.referral.ID),
			zap.Int64("referrer_id", p.referrer.ID))
	}
}
