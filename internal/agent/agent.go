package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/esnunes/forkline/internal/apperr"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Messages []Message `json:"messages"`
	AgentID  string    `json:"agentId"`
}

type Config struct {
	URL    string
	APIKey string
	// HTTPClient defaults to a client without a global timeout; the caller's
	// context bounds each stream instead.
	HTTPClient *http.Client
}

// Client opens chat completion streams against the agent endpoint.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

func New(cfg Config, logger *zap.Logger) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{
		url:        cfg.URL,
		apiKey:     cfg.APIKey,
		httpClient: hc,
		logger:     logger.Named("agent"),
	}
}

// Stream posts req and returns the response body once a 2xx status arrives.
// The caller must close the body. Failures are classified with the apperr
// sentinels; context errors are returned unwrapped so the caller can tell a
// timeout from a cancellation.
func (c *Client) Stream(ctx context.Context, req Request) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling chat request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: %v", apperr.ErrTransport, err)
	}
	c.logger.Debug("chat stream opened",
		zap.Int("status", resp.StatusCode),
		zap.Int("messages", len(req.Messages)),
		zap.Duration("latency", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return resp.Body, nil
}

func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	msg := strings.TrimSpace(string(raw))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		msg = payload.Error
	}

	var kind error
	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		kind = apperr.ErrRateLimited
	case http.StatusPaymentRequired:
		kind = apperr.ErrQuotaExceeded
	default:
		kind = apperr.ErrServer
	}
	return &StatusError{Code: resp.StatusCode, Message: msg, kind: kind}
}

// StatusError is a non-2xx response from the agent endpoint.
type StatusError struct {
	Code    int
	Message string
	kind    error
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent returned status %d", e.Code)
	}
	return fmt.Sprintf("agent returned status %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	return e.kind
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}
