package notify

import (
	"context"

	"go.uber.org/zap"
)

// Log is used when no broker is configured. It records the message and
// reports it as undelivered.
type Log struct {
	brand  string
	logger *zap.Logger
}

func NewLog(brand string, logger *zap.Logger) *Log {
	return &Log{brand: brand, logger: logger}
}

func (l *Log) Send(_ context.Context, tmpl Template, recipients []string, data map[string]any) bool {
	msg, ok := NewMessage(l.brand, tmpl, recipients, data)
	if !ok {
		l.logger.Error("unknown notification template", zap.String("template", string(tmpl)))
		return false
	}
	l.logger.Warn("notification skipped: no broker configured",
		zap.String("template", string(msg.Template)),
		zap.String("subject", msg.Subject),
		zap.Strings("recipients", recipients))
	return false
}
