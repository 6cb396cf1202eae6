// Package email delivers relayed messages as HTML email through a pluggable provider.
package email

import (
	"context"
	"log/slog"
	"strings"

	"sakamichi-relay/channels"
	"sakamichi-relay/pkg/relay"
)

// Provider defines the interface for email sending implementations.
type Provider interface {
	// Send sends an email with the given parameters.
	Send(ctx context.Context, to, subject, htmlBody string) error
}

// Sender renders messages as email and hands them to a provider.
type Sender struct {
	provider Provider
	logger   *slog.Logger
}

// New creates a new email sender with the given provider.
func New(provider Provider, logger *slog.Logger) *Sender {
	return &Sender{
		provider: provider,
		logger:   logger,
	}
}

// Mock reports whether messages only go to the mock provider's log.
func (s *Sender) Mock() bool {
	_, ok := s.provider.(*MockProvider)
	return ok
}

// Send implements channels.Sender. target is the recipient address.
func (s *Sender) Send(ctx context.Context, target string, r *relay.Rendered) error {
	to := strings.TrimSpace(target)
	subject := subjectFor(r)
	body := formatMessageBody(r)

	s.logger.Info("Sending relay email",
		"to", to,
		"subject", subject,
		"kind", r.Kind)

	return s.provider.Send(ctx, to, subject, body)
}

func subjectFor(r *relay.Rendered) string {
	if r.Site == "" {
		return channels.Header(r)
	}
	return "[" + r.Site + "] " + channels.Header(r)
}
