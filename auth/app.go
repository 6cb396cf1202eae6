package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"sakamichi-relay/pkg/relay"
)

const (
	appUserAgent    = "Dalvik/2.1.0 (Linux; U; Android 6.0; Samsung Galaxy S7 for keyaki messages Build/MRA58K)"
	signinUserAgent = "Dalvik/2.1.0 (Linux; U; Android 11)"
	requestTimeout  = 30 * time.Second
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// AppToken refreshes access tokens with the app's own refresh token through
// /v2/update_token. This does not sign the phone app out.
type AppToken struct {
	client        *http.Client
	logger        *slog.Logger
	sites         relay.Sites
	refreshTokens map[string]string
}

// NewAppToken creates the app refresh-token authenticator.
func NewAppToken(client *http.Client, sites relay.Sites, refreshTokens map[string]string, logger *slog.Logger) *AppToken {
	return &AppToken{
		client:        client,
		logger:        logger,
		sites:         sites,
		refreshTokens: refreshTokens,
	}
}

// Name implements Authenticator.
func (*AppToken) Name() string { return "app_token" }

// Authenticate implements Authenticator.
func (a *AppToken) Authenticate(ctx context.Context, account string) (string, error) {
	refreshToken := a.refreshTokens[account]
	if refreshToken == "" {
		return "", ErrNotConfigured
	}
	site, ok := a.sites[account]
	if !ok {
		return "", fmt.Errorf("unknown account %q", account)
	}

	resp, err := postJSON(ctx, a.client, a.logger, site, site.BaseURL+"/v2/update_token", appUserAgent,
		map[string]string{"refresh_token": refreshToken})
	if err != nil {
		return "", err
	}

	if resp.RefreshToken != "" && resp.RefreshToken != refreshToken {
		// The server rotated the credential; it has to be copied into the config by hand.
		a.logger.Warn("Server returned a new refresh token, update APP_TOKENS",
			"account", account,
			"refresh_token_sha256", fingerprint(resp.RefreshToken))
	}
	return resp.AccessToken, nil
}

// fingerprint identifies a credential in logs without revealing it.
func fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:4])
}

func postJSON(ctx context.Context, client *http.Client, logger *slog.Logger, site relay.Site, url, userAgent string, body any) (*tokenResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept-Language", "ja-JP")
	req.Header.Set("X-Talk-App-ID", site.AppID)
	req.Header.Set("User-Agent", userAgent)

	logger.Info("HTTP request starting", "method", http.MethodPost, "url", url, "purpose", "authenticate")
	start := time.Now()
	resp, err := client.Do(req)
	duration := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", url, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	logger.Info("HTTP request completed",
		"url", url,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("response carried no access_token")
	}
	return &tr, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
