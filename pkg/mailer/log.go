package mailer

import (
	"context"

	"github.com/sirupsen/logrus"
)

// LogTransport 开发环境使用，只记录日志不真正发送
type LogTransport struct {
	logger *logrus.Logger
}

func NewLogTransport(logger *logrus.Logger) *LogTransport {
	if logger == nil {
		logger = logrus.New()
	}
	return &LogTransport{logger: logger}
}

func (t *LogTransport) SendMessage(ctx context.Context, to, subject, body string) (string, error) {
	if err := validateAddress("log", to); err != nil {
		return "", err
	}
	id := newMessageID("log.local")
	t.logger.WithFields(logrus.Fields{
		"message_id": id,
		"to":         to,
		"subject":    subject,
		"body_bytes": len(body),
	}).Info("mailer: message logged")
	return id, nil
}
