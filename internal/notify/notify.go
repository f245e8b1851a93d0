package notify

import (
	"context"
	"fmt"
	"time"
)

// Template identifies a transactional email.
type Template string

const (
	Welcome             Template = "welcome"
	DepositReceived     Template = "deposit_received"
	DepositConfirmed    Template = "deposit_confirmed"
	AccountCredited     Template = "account_credited"
	ReferralPaid        Template = "referral_paid"
	WithdrawalRequested Template = "withdrawal_requested"
	WithdrawalCompleted Template = "withdrawal_completed"
)

var subjects = map[Template]string{
	Welcome:             "Welcome to %s",
	DepositReceived:     "We have received your deposit",
	DepositConfirmed:    "Your deposit has been confirmed",
	AccountCredited:     "Your account has been credited",
	ReferralPaid:        "You earned a referral bonus",
	WithdrawalRequested: "Withdrawal request received",
	WithdrawalCompleted: "Your withdrawal has been paid",
}

// Notifier delivers transactional emails. Send never returns an error: the
// result is true when the message was handed off and false otherwise.
type Notifier interface {
	Send(ctx context.Context, tmpl Template, recipients []string, data map[string]any) bool
}

// Message is the job body consumed by the mail worker.
type Message struct {
	Template   Template       `json:"template"`
	Subject    string         `json:"subject"`
	Brand      string         `json:"brand"`
	Recipients []string       `json:"recipients"`
	Data       map[string]any `json:"data,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// NewMessage builds the job for tmpl. ok is false for an unknown template.
func NewMessage(brand string, tmpl Template, recipients []string, data map[string]any) (Message, bool) {
	subject, ok := subjects[tmpl]
	if !ok {
		return Message{}, false
	}
	if tmpl == Welcome {
		subject = fmt.Sprintf(subject, brand)
	}
	return Message{
		Template:   tmpl,
		Subject:    subject,
		Brand:      brand,
		Recipients: recipients,
		Data:       data,
		CreatedAt:  time.Now().UTC(),
	}, true
}

// RoutingKey is the topic key the message is published under.
func (t Template) RoutingKey() string {
	return "email." + string(t)
}
