package mailer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

type BridgeOptions struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

type bridgeSendRequest struct {
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Content string   `json:"content"`
}

type bridgeSendResponse struct {
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// BridgeTransport posts messages to an smtp-bridge HTTP service.
type BridgeTransport struct {
	opts   BridgeOptions
	client *http.Client
}

func NewBridgeTransport(opts BridgeOptions) (*BridgeTransport, error) {
	if opts.URL == "" {
		return nil, errors.New("bridge url required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	client := &http.Client{
		Timeout:   opts.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	return &BridgeTransport{opts: opts, client: client}, nil
}

func (t *BridgeTransport) SendMessage(ctx context.Context, to, subject, body string) (string, error) {
	if err := validateAddress("bridge", to); err != nil {
		return "", err
	}

	payload, err := json.Marshal(bridgeSendRequest{To: []string{to}, Subject: subject, Content: body})
	if err != nil {
		return "", &TransportError{Transport: "bridge", Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.opts.URL, bytes.NewReader(payload))
	if err != nil {
		return "", &TransportError{Transport: "bridge", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if t.opts.APIKey != "" {
		req.Header.Set("Api-Key", t.opts.APIKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", &TransportError{Transport: "bridge", Temporary: true, Err: err}
	}
	defer resp.Body.Close()

	var res bridgeSendResponse
	// 部分 bridge 成功时不返回 body
	_ = json.NewDecoder(resp.Body).Decode(&res)

	if resp.StatusCode >= 300 || res.Error != "" {
		msg := res.Error
		if msg == "" {
			msg = resp.Status
		}
		return "", &TransportError{
			Transport: "bridge",
			Temporary: resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
			Err:       fmt.Errorf("status %d: %s", resp.StatusCode, msg),
		}
	}

	if res.ID != "" {
		return res.ID, nil
	}
	return newMessageID("bridge"), nil
}
