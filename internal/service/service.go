package service

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/punchamoorthee/depositops/internal/catalog"
	"github.com/punchamoorthee/depositops/internal/notify"
	"github.com/punchamoorthee/depositops/internal/store"
)

// Service runs the deposit lifecycle, referral payouts, withdrawals and
// registration on top of the ledger. Every state change happens in one
// store transaction; notifications go out after commit.
type Service struct {
	ledger   store.Ledger
	catalog  *catalog.Catalog
	notifier notify.Notifier
	logger   *zap.Logger
	loc      *time.Location
	now      func() time.Time
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocation sets the zone dates are rendered in for notifications.
func WithLocation(loc *time.Location) Option {
	return func(s *Service) { s.loc = loc }
}

func New(ledger store.Ledger, cat *catalog.Catalog, notifier notify.Notifier, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		ledger:   ledger,
		catalog:  cat,
		notifier: notifier,
		logger:   logger,
		loc:      time.UTC,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// notify is best-effort; the outcome is only counted and reported.
func (s *Service) notify(ctx context.Context, tmpl notify.Template, email string, data map[string]any) bool {
	ok := s.notifier.Send(ctx, tmpl, []string{email}, data)
	result := "delivered"
	if !ok {
		result = "failed"
		s.logger.Warn("notification not delivered", zap.String("template", string(tmpl)), zap.String("recipient", email))
	}
	notificationsTotal.WithLabelValues(string(tmpl), result).Inc()
	return ok
}

func (s *Service) formatDate(t time.Time) string {
	return t.In(s.loc).Format("Jan 02, 2006 15:04 MST")
}

// formatAmount renders minor units as a major-unit decimal string.
func formatAmount(minor int64) string {
	return decimal.New(minor, -2).StringFixed(2)
}
