package auth

import (
	"context"

	"github.com/keyward/server/internal/obs"
	"github.com/sirupsen/logrus"
)

// MailKind selects the template a Mailer renders.
type MailKind string

const MailPasswordReset MailKind = "password_reset"

// Mailer delivers templated emails.
type Mailer interface {
	Send(ctx context.Context, to string, kind MailKind, params map[string]string) error
}

// LogMailer implements Mailer by logging the delivery without its parameters,
// which may carry tokens.
type LogMailer struct {
	logger logrus.FieldLogger
}

// NewLogMailer creates a new logging mailer
func NewLogMailer(logger logrus.FieldLogger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(_ context.Context, to string, kind MailKind, _ map[string]string) error {
	m.logger.WithFields(logrus.Fields{
		"to":   obs.MaskEmail(to),
		"kind": string(kind),
	}).Info("mail dispatched")
	return nil
}
