package mailer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/smtp"
	"net/textproto"
	"time"

	"github.com/jordan-wright/email"
)

type SMTPOptions struct {
	Host               string
	Port               int
	Username           string
	Password           string
	From               string
	ReplyTo            []string
	Connections        int
	SendTimeout        time.Duration
	InsecureSkipVerify bool
}

func (o SMTPOptions) Address() string {
	return fmt.Sprintf("%s:%d", o.Host, o.Port)
}

// SMTPTransport 基于连接池的 SMTP 发送
type SMTPTransport struct {
	opts SMTPOptions
	pool *email.Pool
}

func NewSMTPTransport(opts SMTPOptions) (*SMTPTransport, error) {
	if opts.Host == "" {
		return nil, errors.New("smtp host required")
	}
	if opts.From == "" {
		return nil, errors.New("smtp from address required")
	}
	if opts.Connections <= 0 {
		opts.Connections = 1
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}

	var auth smtp.Auth
	if opts.Username != "" || opts.Password != "" {
		auth = smtp.PlainAuth("", opts.Username, opts.Password, opts.Host)
	}
	tlsOpts := &tls.Config{
		InsecureSkipVerify: opts.InsecureSkipVerify,
		ServerName:         opts.Host,
	}

	pool, err := email.NewPool(opts.Address(), opts.Connections, auth, tlsOpts)
	if err != nil {
		return nil, fmt.Errorf("smtp pool %s: %w", opts.Address(), err)
	}
	return &SMTPTransport{opts: opts, pool: pool}, nil
}

func (t *SMTPTransport) SendMessage(ctx context.Context, to, subject, body string) (string, error) {
	if err := validateAddress("smtp", to); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", &TransportError{Transport: "smtp", Temporary: true, Err: err}
	}

	msgID := newMessageID(domainOf(t.opts.From))
	e := buildMessage(t.opts, msgID, to, subject, body)
	if err := t.pool.Send(e, t.sendTimeout(ctx)); err != nil {
		return "", &TransportError{Transport: "smtp", Temporary: isTemporarySMTP(err), Err: err}
	}
	return msgID, nil
}

// buildMessage 模板渲染结果是纯文本，payload 值未转义，只能作为 text/plain 发送
func buildMessage(opts SMTPOptions, msgID, to, subject, body string) *email.Email {
	e := &email.Email{
		To:      []string{to},
		From:    opts.From,
		ReplyTo: opts.ReplyTo,
		Subject: subject,
		Text:    []byte(body),
		Headers: textproto.MIMEHeader{},
	}
	e.Headers.Set("Message-Id", msgID)
	return e
}

// sendTimeout 取配置超时与 ctx 截止时间中较短者
func (t *SMTPTransport) sendTimeout(ctx context.Context) time.Duration {
	timeout := t.opts.SendTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
			timeout = remaining
		}
	}
	return timeout
}

func (t *SMTPTransport) Close() {
	t.pool.Close()
}

func isTemporarySMTP(err error) bool {
	if errors.Is(err, email.ErrTimeout) {
		return true
	}
	var tpErr *textproto.Error
	if errors.As(err, &tpErr) {
		return tpErr.Code >= 400 && tpErr.Code < 500
	}
	return false
}
