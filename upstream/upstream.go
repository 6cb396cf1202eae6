// Package upstream talks to the fan-club messaging API: it lists the groups an
// account subscribes to and fetches their recent timelines.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"sakamichi-relay/pkg/relay"
)

// DefaultTimelineCount is how many recent messages a poll fetches.
const DefaultTimelineCount = 5

// DefaultSpacing is the minimum gap between two upstream requests.
const DefaultSpacing = 200 * time.Millisecond

// AuthExpiredError indicates the access token was rejected (HTTP 401).
type AuthExpiredError struct {
	Account string
	URL     string
}

func (e *AuthExpiredError) Error() string {
	return fmt.Sprintf("HTTP 401 Unauthorized for %s: %s", e.Account, e.URL)
}

// IsAuthExpired checks if an error is an expired-token error.
func IsAuthExpired(err error) bool {
	var expired *AuthExpiredError
	return errors.As(err, &expired)
}

// HTTPStatusError is any other non-2xx response.
type HTTPStatusError struct {
	URL        string
	StatusCode int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
}

// TokenSource provides the current access token of an account.
type TokenSource interface {
	Token(account string) (string, bool)
}

// Client fetches subscribers and timelines. It never retries inline; the next
// poll cycle is the retry.
type Client struct {
	client  *http.Client
	logger  *slog.Logger
	limiter *rate.Limiter
	tokens  TokenSource
	sites   relay.Sites
}

// New creates an upstream client. spacing is the minimum delay between
// requests; zero disables the limiter.
func New(client *http.Client, sites relay.Sites, tokens TokenSource, spacing time.Duration, logger *slog.Logger) *Client {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if spacing > 0 {
		limiter = rate.NewLimiter(rate.Every(spacing), 1)
	}
	return &Client{
		client:  client,
		logger:  logger,
		limiter: limiter,
		tokens:  tokens,
		sites:   sites,
	}
}

// ListSubscribers returns every group visible to the account, active or not.
func (c *Client) ListSubscribers(ctx context.Context, account string) ([]relay.Subscriber, error) {
	var raw json.RawMessage
	if err := c.get(ctx, account, "/v2/groups", nil, "list_groups", &raw); err != nil {
		return nil, err
	}

	groups, err := decodeGroups(raw)
	if err != nil {
		return nil, fmt.Errorf("decode groups: %w", err)
	}

	subs := make([]relay.Subscriber, 0, len(groups))
	for _, g := range groups {
		id := g.ID.String()
		if id == "" {
			continue
		}
		subs = append(subs, relay.Subscriber{
			ID:                relay.SubscriberID(account, id),
			Account:           account,
			GroupID:           id,
			Name:              g.Name,
			SubscriptionState: g.Subscription.State,
			AvatarURL:         g.Thumbnail,
		})
	}
	c.logger.Info("Groups listed", "account", account, "groups", len(subs))
	return subs, nil
}

// Timeline returns up to count recent messages of a group, newest first.
func (c *Client) Timeline(ctx context.Context, account, groupID string, count int) ([]relay.Message, error) {
	if count <= 0 {
		count = DefaultTimelineCount
	}
	q := url.Values{}
	q.Set("count", strconv.Itoa(count))
	q.Set("order", "desc")

	var body timelineResponse
	path := "/v2/groups/" + url.PathEscape(groupID) + "/timeline"
	if err := c.get(ctx, account, path, q, "fetch_timeline", &body); err != nil {
		return nil, err
	}

	subscriberID := relay.SubscriberID(account, groupID)
	msgs := make([]relay.Message, 0, len(body.Messages))
	for i := range body.Messages {
		m, err := body.Messages[i].toMessage(account, subscriberID)
		if err != nil {
			c.logger.Warn("Skipping unparseable message",
				"subscriber_id", subscriberID,
				"message_id", body.Messages[i].ID.String(),
				"error", err)
			continue
		}
		msgs = append(msgs, m)
	}
	sortNewestFirst(msgs)
	return msgs, nil
}

func (c *Client) get(ctx context.Context, account, path string, query url.Values, purpose string, out any) error {
	site, ok := c.sites[account]
	if !ok {
		return fmt.Errorf("unknown account %q", account)
	}
	token, ok := c.tokens.Token(account)
	if !ok {
		return &AuthExpiredError{Account: account, URL: path}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	reqURL := site.BaseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	c.logger.Info("HTTP request starting",
		"method", http.MethodGet,
		"url", reqURL,
		"purpose", purpose)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Talk-App-ID", site.AppID)

	startTime := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("HTTP request failed",
			"url", reqURL,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return fmt.Errorf("get %s: %w", path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Info("HTTP request completed",
		"url", reqURL,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"content_length", resp.ContentLength)

	if resp.StatusCode == http.StatusUnauthorized {
		c.logger.Warn("HTTP 401 Unauthorized - access token expired", "account", account, "url", reqURL)
		return &AuthExpiredError{Account: account, URL: reqURL}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn("HTTP request returned non-OK status", "url", reqURL, "status_code", resp.StatusCode)
		return &HTTPStatusError{URL: reqURL, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
