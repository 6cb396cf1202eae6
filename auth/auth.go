// Package auth obtains and holds upstream bearer tokens, one per account.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrNotConfigured means an authenticator has no credential for the account.
var ErrNotConfigured = errors.New("no credential configured")

// Authenticator exchanges a long-lived credential for an access token.
type Authenticator interface {
	Name() string
	Authenticate(ctx context.Context, account string) (string, error)
}

// Chain tries each authenticator in order; the first success wins.
type Chain []Authenticator

// Name implements Authenticator.
func (c Chain) Name() string { return "chain" }

// Authenticate implements Authenticator.
func (c Chain) Authenticate(ctx context.Context, account string) (string, error) {
	var errs []error
	for _, a := range c {
		token, err := a.Authenticate(ctx, account)
		if err == nil {
			return token, nil
		}
		if errors.Is(err, ErrNotConfigured) {
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("account %s: %w", account, ErrNotConfigured)
	}
	return "", errors.Join(errs...)
}

// Store holds the current access token of every account. Tokens are only
// replaced by Refresh and dropped by Invalidate.
type Store struct {
	auth      Authenticator
	logger    *slog.Logger
	tokens    map[string]string
	refreshed map[string]time.Time
	mu        sync.RWMutex
}

// NewStore creates a token store backed by the given authenticator.
func NewStore(auth Authenticator, logger *slog.Logger) *Store {
	return &Store{
		auth:      auth,
		logger:    logger,
		tokens:    make(map[string]string),
		refreshed: make(map[string]time.Time),
	}
}

// Token returns the current access token for the account.
func (s *Store) Token(account string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[account]
	return token, ok && token != ""
}

// Refresh authenticates the account and stores the new token. On failure the
// previous token, if any, is left untouched.
func (s *Store) Refresh(ctx context.Context, account string) error {
	start := time.Now()
	token, err := s.auth.Authenticate(ctx, account)
	if err != nil {
		s.logger.Warn("Authentication failed",
			"account", account,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", err)
		return fmt.Errorf("authenticate %s: %w", account, err)
	}
	if token == "" {
		return fmt.Errorf("authenticate %s: empty access token", account)
	}

	s.mu.Lock()
	s.tokens[account] = token
	s.refreshed[account] = time.Now()
	s.mu.Unlock()

	s.logger.Info("Authenticated", "account", account, "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Invalidate drops the account's token so the next cycle re-authenticates.
func (s *Store) Invalidate(account string) {
	s.mu.Lock()
	delete(s.tokens, account)
	s.mu.Unlock()
	s.logger.Info("Access token invalidated", "account", account)
}

// RefreshedAt returns when the account last authenticated successfully.
func (s *Store) RefreshedAt(account string) (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.refreshed[account]
	return t, ok
}
