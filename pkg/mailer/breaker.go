package mailer

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState 熔断器状态
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // 正常
	BreakerOpen                         // 熔断
	BreakerHalfOpen                     // 试探
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

type BreakerOptions struct {
	MaxFailures     int
	ResetTimeout    time.Duration
	HalfOpenMaxReqs int
}

var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerTransport stops calling the wrapped transport after repeated failures
// and probes it again once ResetTimeout has passed.
type BreakerTransport struct {
	next Transport
	opts BreakerOptions
	now  func() time.Time

	mu           sync.Mutex
	state        BreakerState
	failures     int
	lastFailure  time.Time
	halfOpenReqs int
}

func NewBreakerTransport(next Transport, opts BreakerOptions) *BreakerTransport {
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 60 * time.Second
	}
	if opts.HalfOpenMaxReqs <= 0 {
		opts.HalfOpenMaxReqs = 1
	}
	return &BreakerTransport{next: next, opts: opts, now: time.Now}
}

func (b *BreakerTransport) SendMessage(ctx context.Context, to, subject, body string) (string, error) {
	if !b.allow() {
		return "", &TransportError{Transport: "breaker", Temporary: true, Err: ErrCircuitOpen}
	}
	id, err := b.next.SendMessage(ctx, to, subject, body)
	// 收件人地址错误不计入熔断
	if err != nil && !errors.Is(err, ErrEmptyRecipient) {
		b.onFailure()
		return "", err
	}
	if err != nil {
		return "", err
	}
	b.onSuccess()
	return id, nil
}

func (b *BreakerTransport) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.lastFailure) > b.opts.ResetTimeout {
			b.state = BreakerHalfOpen
			b.halfOpenReqs = 1
			return true
		}
		return false
	case BreakerHalfOpen:
		if b.halfOpenReqs < b.opts.HalfOpenMaxReqs {
			b.halfOpenReqs++
			return true
		}
		return false
	default:
		return false
	}
}

func (b *BreakerTransport) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = BreakerClosed
	b.failures = 0
	b.halfOpenReqs = 0
}

func (b *BreakerTransport) onFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()
	switch b.state {
	case BreakerClosed:
		if b.failures >= b.opts.MaxFailures {
			b.state = BreakerOpen
		}
	case BreakerHalfOpen:
		b.state = BreakerOpen
		b.halfOpenReqs = 0
	}
}

func (b *BreakerTransport) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats 熔断器状态快照
func (b *BreakerTransport) Stats() map[string]interface{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]interface{}{
		"state":         b.state.String(),
		"failure_count": b.failures,
		"max_failures":  b.opts.MaxFailures,
		"reset_timeout": b.opts.ResetTimeout.String(),
	}
}
