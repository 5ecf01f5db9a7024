// Package mailer holds the message transports the dispatch executor sends through.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Transport sends one rendered message and returns the provider message id.
type Transport interface {
	SendMessage(ctx context.Context, to, subject, body string) (string, error)
}

// TransportError 投递失败，Temporary 表示对端可能稍后恢复
type TransportError struct {
	Transport string
	Temporary bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return e.Transport + ": send failed"
	}
	return fmt.Sprintf("%s: %v", e.Transport, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTemporary reports whether err carries a temporary TransportError.
func IsTemporary(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Temporary
	}
	return false
}

var ErrEmptyRecipient = errors.New("recipient address required")

func validateAddress(name, to string) error {
	if strings.TrimSpace(to) == "" {
		return &TransportError{Transport: name, Err: ErrEmptyRecipient}
	}
	return nil
}

func newMessageID(domain string) string {
	if domain == "" {
		domain = "localhost"
	}
	return fmt.Sprintf("<%s@%s>", strings.ToLower(ulid.Make().String()), domain)
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i < len(addr)-1 {
		return strings.TrimSuffix(addr[i+1:], ">")
	}
	return ""
}
