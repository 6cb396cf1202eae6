package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const (
	brevoEndpoint = "https://api.brevo.com/v3/smtp/email"
	brevoTag      = "sakamichi-relay"
)

// BrevoProvider sends transactional email through the Brevo API.
type BrevoProvider struct {
	client   *http.Client
	logger   *slog.Logger
	sender   brevoContact
	apiKey   string
	endpoint string
}

// NewBrevoProvider creates a Brevo provider sending as fromName <fromAddr>.
func NewBrevoProvider(apiKey, fromAddr, fromName string, logger *slog.Logger) *BrevoProvider {
	return &BrevoProvider{
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
		sender:   brevoContact{Email: fromAddr, Name: fromName},
		apiKey:   apiKey,
		endpoint: brevoEndpoint,
	}
}

type brevoSendRequest struct {
	Sender  brevoContact   `json:"sender"`
	Subject string         `json:"subject"`
	HTML    string         `json:"htmlContent"`
	To      []brevoContact `json:"to"`
	Tags    []string       `json:"tags,omitempty"`
}

type brevoContact struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type brevoReply struct {
	MessageID string `json:"messageId"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// brevoError is a non-2xx reply.
type brevoError struct {
	Code       string
	Message    string
	StatusCode int
}

func (e *brevoError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("brevo: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("brevo: HTTP %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// permanent reports whether resending the same request cannot succeed.
func (e *brevoError) permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

// Send posts one message. Transient failures get one quick inline retry;
// anything longer is left to the relay's retry queue.
func (b *BrevoProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	payload, err := json.Marshal(brevoSendRequest{
		Sender:  b.sender,
		To:      []brevoContact{{Email: to}},
		Subject: subject,
		HTML:    htmlBody,
		Tags:    []string{brevoTag},
	})
	if err != nil {
		return fmt.Errorf("marshal brevo request: %w", err)
	}

	return retry.Do(
		func() error {
			err := b.post(ctx, to, payload)
			var be *brevoError
			if errors.As(err, &be) && be.permanent() {
				return retry.Unrecoverable(err)
			}
			return err
		},
		retry.Attempts(2),
		retry.Delay(2*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			b.logger.Info("Retrying Brevo send after error", "attempt", n, "to", to, "error", err)
		}),
	)
}

func (b *BrevoProvider) post(ctx context.Context, to string, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(payload))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("api-key", b.apiKey)

	b.logger.Info("HTTP request starting", "method", "POST", "url", b.endpoint, "to", to)
	start := time.Now()
	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Warn("HTTP request failed", "url", b.endpoint, "duration_ms", time.Since(start).Milliseconds(), "error", err)
		return fmt.Errorf("brevo request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			b.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	var reply brevoReply
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10)) //nolint:errcheck // best-effort error detail
	_ = json.Unmarshal(body, &reply)                          //nolint:errcheck // body may be empty

	b.logger.Info("HTTP request completed",
		"url", b.endpoint,
		"status_code", resp.StatusCode,
		"message_id", reply.MessageID,
		"duration_ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &brevoError{StatusCode: resp.StatusCode, Code: reply.Code, Message: reply.Message}
	}
	return nil
}
