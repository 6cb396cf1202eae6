package email

import (
	"context"
	"log/slog"
	"sync"
)

// SentEmail is one message captured by MockProvider.
type SentEmail struct {
	To      string
	Subject string
	Body    string
}

// MockProvider is a mock email provider for local development.
type MockProvider struct {
	logger *slog.Logger
	sent   []SentEmail
	mu     sync.Mutex
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the email instead of sending it.
func (m *MockProvider) Send(_ context.Context, to, subject, htmlBody string) error {
	m.logger.Info("MOCK EMAIL",
		"to", to,
		"subject", subject,
		"body_length", len(htmlBody))
	m.mu.Lock()
	m.sent = append(m.sent, SentEmail{To: to, Subject: subject, Body: htmlBody})
	m.mu.Unlock()
	return nil
}

// Sent returns the emails captured so far.
func (m *MockProvider) Sent() []SentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentEmail(nil), m.sent...)
}
