package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// channel is the subset of *amqp091.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp091.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Close() error
}

// AMQP publishes email jobs to a durable topic exchange. A mail worker
// consumes them and does the actual delivery.
type AMQP struct {
	mu       sync.Mutex
	conn     *amqp091.Connection
	ch       channel
	reopen   func() (channel, error)
	exchange string
	brand    string
	logger   *zap.Logger
}

func sanitizeAMQPURL(raw string) (string, error) {
	clean := strings.Trim(strings.TrimSpace(raw), "\"'")
	u, err := url.Parse(clean)
	if err != nil {
		return "", err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return "", errors.New("AMQP scheme must be either 'amqp://' or 'amqps://'")
	}
	return clean, nil
}

// NewAMQP dials the broker and declares the exchange.
func NewAMQP(amqpURL, exchange, brand string, logger *zap.Logger) (*AMQP, error) {
	cleanURL, err := sanitizeAMQPURL(amqpURL)
	if err != nil {
		return nil, err
	}

	conn, err := amqp091.DialConfig(cleanURL, amqp091.Config{Dial: amqp091.DefaultDial(10 * time.Second)})
	if err != nil {
		return nil, err
	}

	reopen := func() (channel, error) { return conn.Channel() }
	ch, err := reopen()
	if err != nil {
		conn.Close()
		return nil, err
	}

	p := newAMQP(ch, reopen, exchange, brand, logger)
	p.conn = conn
	if err := p.declare(); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func newAMQP(ch channel, reopen func() (channel, error), exchange, brand string, logger *zap.Logger) *AMQP {
	return &AMQP{ch: ch, reopen: reopen, exchange: exchange, brand: brand, logger: logger}
}

func (p *AMQP) declare() error {
	return p.ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil)
}

func (p *AMQP) Send(ctx context.Context, tmpl Template, recipients []string, data map[string]any) bool {
	msg, ok := NewMessage(p.brand, tmpl, recipients, data)
	if !ok {
		p.logger.Error("unknown notification template", zap.String("template", string(tmpl)))
		return false
	}

	body, err := json.Marshal(msg)
	if err != nil {
		p.logger.Error("notification marshal failed", zap.String("template", string(tmpl)), zap.Error(err))
		return false
	}

	if err := p.publish(ctx, tmpl.RoutingKey(), body); err != nil {
		p.logger.Warn("notification publish failed",
			zap.String("template", string(tmpl)),
			zap.Strings("recipients", recipients),
			zap.Error(err))
		return false
	}
	return true
}

// publish retries once on a fresh channel; a channel is closed by the broker
// after any channel-level error.
func (p *AMQP) publish(ctx context.Context, key string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
		Body:         body,
	}

	err := p.ch.PublishWithContext(ctx, p.exchange, key, false, false, out)
	if err == nil || p.reopen == nil {
		return err
	}

	ch, chErr := p.reopen()
	if chErr != nil {
		return errors.Join(err, chErr)
	}
	p.ch.Close()
	p.ch = ch
	if err := p.declare(); err != nil {
		return err
	}
	return p.ch.PublishWithContext(ctx, p.exchange, key, false, false, out)
}

func (p *AMQP) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ch != nil {
		p.ch.Close()
	}
	if p.conn != nil {
		p.conn.Close()
	}
}
