package mail

import (
	"context"

	"github.com/sirupsen/logrus"
)

type Message struct {
	To      string
	Subject string
	Body    string
}

// Mailer delivers account emails. Delivery transport lives outside this service.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

// LogMailer writes messages to the log instead of delivering them.
type LogMailer struct {
	from   string
	logger *logrus.Logger
}

func NewLogMailer(from string, logger *logrus.Logger) *LogMailer {
	return &LogMailer{from: from, logger: logger}
}

func (m *LogMailer) Send(_ context.Context, msg Message) error {
	m.logger.WithFields(logrus.Fields{
		"from":    m.from,
		"to":      msg.To,
		"subject": msg.Subject,
		"body":    msg.Body,
	}).Info("Email queued (logged for development)")
	return nil
}
