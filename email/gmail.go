package email

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
)

// GmailProvider sends emails via Gmail API.
type GmailProvider struct {
	service *gmail.Service
	logger  *slog.Logger
}

// NewGmailProvider creates a new Gmail email provider.
func NewGmailProvider(service *gmail.Service, logger *slog.Logger) *GmailProvider {
	return &GmailProvider{
		service: service,
		logger:  logger,
	}
}

// sanitizeEmailHeader drops CR, LF and other control characters so a header
// value cannot start a new header.
func sanitizeEmailHeader(s string) string {
	var result strings.Builder
	for _, r := range s {
		if r >= 32 && r != 127 {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// buildMIME assembles a single-part HTML message. From is filled in by Gmail
// from the authenticated account. The subject carries Japanese names and is
// RFC 2047 encoded; the body is base64 in 76-column lines.
func buildMIME(to, subject, htmlBody string) string {
	var msg strings.Builder
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString(fmt.Sprintf("To: %s\r\n", sanitizeEmailHeader(to)))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", mime.BEncoding.Encode("utf-8", sanitizeEmailHeader(subject))))
	msg.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	msg.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
	body := base64.StdEncoding.EncodeToString([]byte(htmlBody))
	for len(body) > 76 {
		msg.WriteString(body[:76])
		msg.WriteString("\r\n")
		body = body[76:]
	}
	msg.WriteString(body)
	return msg.String()
}

// Send submits the message as the authenticated account. Only throttling and
// server errors are retried inline.
func (g *GmailProvider) Send(ctx context.Context, to, subject, htmlBody string) error {
	to = sanitizeEmailHeader(to)
	msg := &gmail.Message{Raw: base64.URLEncoding.EncodeToString([]byte(buildMIME(to, subject, htmlBody)))}

	return retry.Do(
		func() error {
			g.logger.Info("HTTP request starting", "method", "POST", "endpoint", "users.messages.send", "to", to)
			start := time.Now()
			sent, err := g.service.Users.Messages.Send("me", msg).Context(ctx).Do()
			if err != nil {
				g.logger.Warn("HTTP request failed",
					"endpoint", "users.messages.send",
					"duration_ms", time.Since(start).Milliseconds(),
					"error", err)
				return fmt.Errorf("gmail send: %w", err)
			}
			g.logger.Info("HTTP request completed",
				"endpoint", "users.messages.send",
				"message_id", sent.Id,
				"duration_ms", time.Since(start).Milliseconds())
			return nil
		},
		retry.Attempts(2),
		retry.Delay(2*time.Second),
		retry.MaxJitter(time.Second),
		retry.Context(ctx),
		retry.RetryIf(gmailTransient),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying Gmail send after error", "attempt", n, "to", to, "error", err)
		}),
	)
}

// gmailTransient reports whether a send error is worth an immediate retry.
func gmailTransient(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}
	return true
}
