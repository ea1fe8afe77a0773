// Package gatewayapi is the typed REST client for the messaging gateway.
//
// The websocket push path (cmd/internal/realtime) stays the authoritative
// message source; this client backs the poll task, optimistic sends, and the
// readiness probe. Every call is bounded by a per-request timeout and
// retried once on retryable failures.
package gatewayapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/cmd/internal/msgsync"
	v1 "github.com/tzsexpertacademy/genesis-fresh-start-system-sub000/contracts/gateway/v1"
)

const (
	defaultTimeout   = 10 * time.Second
	defaultRetries   = 1
	defaultRetryWait = 250 * time.Millisecond

	// maxBodyBytes caps how much of a response is read. The gateway's
	// message lists are well under this; anything larger is misbehavior.
	maxBodyBytes = 4 << 20

	// errBodyPreview caps how much response body a RequestError keeps.
	errBodyPreview = 512
)

// RequestError is a non-2xx response from the gateway.
type RequestError struct {
	Op     string
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gateway %s: status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("gateway %s: status %d: %s", e.Op, e.Status, e.Body)
}

// Retryable reports whether the request may be retried safely: server-side
// failures, timeouts, and throttling. Client errors (4xx) would fail the
// same way again.
func (e *RequestError) Retryable() bool {
	if e.Status == http.StatusTooManyRequests || e.Status == http.StatusRequestTimeout {
		return true
	}
	return e.Status >= 500
}

// SendResult is the gateway's acknowledgment of an outbound text. ID is the
// server-assigned message id used to promote the local provisional copy.
type SendResult struct {
	ID        string `json:"id"`
	Confirmed bool   `json:"confirmed"`
}

// Config carries the client's connection settings.
type Config struct {
	// BaseURL is the gateway's HTTP root, e.g. "http://localhost:3000".
	BaseURL string
	// Timeout bounds each individual request. Defaults to 10s.
	Timeout time.Duration
	// Retries is how many extra attempts retryable failures get.
	// Defaults to 1.
	Retries int
	// RetryWait is the pause before a retry. Defaults to 250ms.
	RetryWait time.Duration
	// HTTPClient overrides the transport. Defaults to a plain
	// http.Client; the per-request timeout comes from Timeout, not from
	// the client.
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.Retries < 0 {
		c.Retries = defaultRetries
	}
	if c.RetryWait <= 0 {
		c.RetryWait = defaultRetryWait
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{}
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	return c
}

// Client talks to the gateway's REST surface.
type Client struct {
	log *slog.Logger
	cfg Config
}

// New builds a Client. A nil log falls back to a JSON logger on stdout.
func New(log *slog.Logger, cfg Config) *Client {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Client{log: log, cfg: cfg.withDefaults()}
}

// FetchConversationMessages returns the gateway's message history for one
// chat, already converted into the domain model. The gateway omits chatId
// on per-chat rows, so the requested address fills it in.
func (c *Client) FetchConversationMessages(ctx context.Context, address string) ([]msgsync.Message, error) {
	var payload []v1.MessagePayload
	path := "/api/chats/" + url.PathEscape(address) + "/messages"
	if err := c.do(ctx, "fetch_messages", http.MethodGet, path, nil, &payload); err != nil {
		return nil, err
	}
	return msgsync.FromWireBatch(payload, address), nil
}

// SendText posts an outbound text to address and returns the gateway's
// acknowledgment.
func (c *Client) SendText(ctx context.Context, address, body string) (SendResult, error) {
	req := struct {
		ChatID string `json:"chatId"`
		Body   string `json:"body"`
	}{ChatID: address, Body: body}

	var res SendResult
	if err := c.do(ctx, "send_text", http.MethodPost, "/api/send", req, &res); err != nil {
		return SendResult{}, err
	}
	if res.ID == "" {
		return SendResult{}, fmt.Errorf("gateway send_text: response carries no message id")
	}
	return res, nil
}

// Ping probes the gateway's health endpoint. Used by the readiness handler.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, "ping", http.MethodGet, "/api/health", nil, nil)
}

// do runs one logical request with the retry policy applied: retryable
// RequestErrors and transport failures get up to cfg.Retries extra attempts
// with a short pause, everything else returns immediately.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var last error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			c.log.Debug("gateway.retry", "op", op, "attempt", attempt, "err", last)
			if err := sleepWithContext(ctx, c.cfg.RetryWait); err != nil {
				return err
			}
		}

		err := c.once(ctx, op, method, path, in, out)
		if err == nil {
			return nil
		}
		last = err

		if ctx.Err() != nil {
			return err
		}
		var reqErr *RequestError
		if errors.As(err, &reqErr) && !reqErr.Retryable() {
			return err
		}
	}
	return last
}

func (c *Client) once(ctx context.Context, op, method, path string, in, out any) error {
	// Respect a tighter caller deadline; otherwise bound the request.
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.cfg.Timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("gateway %s: encode body: %w", op, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("gateway %s: build request: %w", op, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway %s: %w", op, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("gateway %s: read response: %w", op, err)
	}

	if resp.StatusCode >= 400 {
		return &RequestError{Op: op, Status: resp.StatusCode, Body: preview(payload)}
	}
	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("gateway %s: decode response: %w", op, err)
	}
	return nil
}

func preview(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > errBodyPreview {
		s = s[:errBodyPreview] + "..."
	}
	return s
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
