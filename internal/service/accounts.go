package service

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/punchamoorthee/depositops/internal/domain"
	"github.com/punchamoorthee/depositops/internal/notify"
	"github.com/punchamoorthee/depositops/internal/store"
)

const (
	referralCodeLen  = 8
	registerAttempts = 3
)

type RegisterRequest struct {
	Name         string        `json:"name"`
	Email        string        `json:"email"`
	Gender       domain.Gender `json:"gender"`
	ReferrerCode string        `json:"referrer_code,omitempty"`
}

// Registration is the payload of a successful Register.
type Registration struct {
	User    *domain.User    `json:"user"`
	Account *domain.Account `json:"account"`
}

// normalize trims the request and returns a caller-facing problem, if any.
func (r *RegisterRequest) normalize() string {
	r.Name = strings.TrimSpace(r.Name)
	r.Email = strings.ToLower(strings.TrimSpace(r.Email))
	r.ReferrerCode = strings.ToLower(strings.TrimSpace(r.ReferrerCode))

	if r.Name == "" {
		return "Name is required"
	}
	if _, err := mail.ParseAddress(r.Email); err != nil {
		return "A valid email is required"
	}
	if r.Gender != domain.GenderMale && r.Gender != domain.GenderFemale {
		return "Gender must be Male or Female"
	}
	return ""
}

// newReferralCode returns eight lowercase letters drawn from a random UUID.
func newReferralCode() string {
	id := uuid.New()
	code := make([]byte, referralCodeLen)
	for i := range code {
		code[i] = 'a' + id[i]%26
	}
	return string(code)
}

// Register creates the user, its empty account and, when a referrer code is
// given, the unpaid referral, all in one transaction.
func (s *Service) Register(ctx context.Context, req RegisterRequest) (*domain.Receipt, error) {
	const op = "service.Register"

	if problem := req.normalize(); problem != "" {
		return nil, domain.Validation(op, problem)
	}

	var user *domain.User
	var account *domain.Account
	var err error
	for attempt := 0; attempt < registerAttempts; attempt++ {
		user, account, err = s.register(ctx, req)
		if !errors.Is(err, store.ErrReferralCodeTaken) {
			break
		}
		// A concurrent registration claimed the generated code first.
		s.logger.Warn("Referral code collision, retrying", zap.String("op", op))
	}
	if err != nil {
		return nil, s.fail(op, "Unable to create account", err)
	}

	notified := s.notify(ctx, notify.Welcome, user.Email, map[string]any{
		"name":          user.Name,
		"referral_code": user.ReferralCode,
	})

	return &domain.Receipt{
		Message:  "Account created",
		Applied:  true,
		Notified: notified,
		Data:     &Registration{User: user, Account: account},
	}, nil
}

func (s *Service) register(ctx context.Context, req RegisterRequest) (*domain.User, *domain.Account, error) {
	const op = "service.Register"

	var user *domain.User
	var account *domain.Account
	err := s.ledger.WithTx(ctx, func(tx store.Tx) error {
		var referrer *domain.User
		if req.ReferrerCode != "" {
			r, err := tx.FindUserByReferralCode(ctx, req.ReferrerCode)
			if errors.Is(err, store.ErrNotFound) {
				return domain.Validation(op, "Invalid referral code")
			}
			if err != nil {
				return err
			}
			referrer = r
		}

		code, err := uniqueReferralCode(ctx, tx)
		if err != nil {
			return err
		}

		user = &domain.User{Name: req.Name, Email: req.Email, Gender: req.Gender, ReferralCode: code}
		if err := tx.CreateUser(ctx, user); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return domain.Conflict(op, "An account with this email already exists", err)
			}
			return err
		}

		if account, err = tx.CreateAccount(ctx, user.ID); err != nil {
			return err
		}

		if referrer != nil {
			if _, err := tx.CreateReferral(ctx, referrer.ID, user.ID); err != nil {
				return err
			}
		}
		return nil
	})
	return user, account, err
}

func uniqueReferralCode(ctx context.Context, tx store.Tx) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		code := newReferralCode()
		_, err := tx.FindUserByReferralCode(ctx, code)
		if errors.Is(err, store.ErrNotFound) {
			return code, nil
		}
		if err != nil {
			return "", err
		}
	}
	return "", errors.New("no free referral code after 5 attempts")
}

// AccountView returns the balance, deposit and withdrawal history, and the
// owner's outbound referrals.
func (s *Service) AccountView(ctx context.Context, accountID int64) (*domain.AccountView, error) {
	const op = "service.AccountView"

	var view domain.AccountView
	err := s.ledger.WithTx(ctx, func(tx store.Tx) error {
		account, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		view.Account = *account

		if view.Deposits, err = tx.ListDepositsByAccount(ctx, accountID); err != nil {
			return err
		}
		if view.Withdrawals, err = tx.ListWithdrawalsByAccount(ctx, accountID); err != nil {
			return err
		}
		view.Referrals, err = tx.ListReferralsByReferrer(ctx, account.UserID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, domain.NotFound(op, "Account not found")
	}
	if err != nil {
		return nil, s.fail(op, "Unable to load account", err)
	}

	if view.Deposits == nil {
		view.Deposits = []domain.Deposit{}
	}
	if view.Withdrawals == nil {
		view.Withdrawals = []domain.Withdrawal{}
	}
	if view.Referrals == nil {
		view.Referrals = []domain.Referral{}
	}
	return &view, nil
}

// Plans lists the catalog in tier order.
func (s *Service) Plans() []domain.Plan {
	return s.catalog.Plans()
}

// fail passes domain errors through and wraps everything else as an
// internal failure with a caller-safe message.
func (s *Service) fail(op, msg string, err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}
	s.logger.Error(msg, zap.String("op", op), zap.Error(err))
	return domain.Internal(op, msg, err)
}
