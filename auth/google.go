package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"sakamichi-relay/pkg/relay"
)

// Google signs in with a Google OAuth refresh token: the refresh token is
// exchanged for an id_token, which /v2/signin trades for an access token.
type Google struct {
	client        *http.Client
	logger        *slog.Logger
	sites         relay.Sites
	refreshTokens map[string]string
	endpoint      oauth2.Endpoint
}

// NewGoogle creates the Google OAuth authenticator.
func NewGoogle(client *http.Client, sites relay.Sites, refreshTokens map[string]string, logger *slog.Logger) *Google {
	return &Google{
		client:        client,
		logger:        logger,
		sites:         sites,
		refreshTokens: refreshTokens,
		endpoint:      google.Endpoint,
	}
}

// Name implements Authenticator.
func (*Google) Name() string { return "google_oauth" }

// Authenticate implements Authenticator.
func (g *Google) Authenticate(ctx context.Context, account string) (string, error) {
	refreshToken := g.refreshTokens[account]
	if refreshToken == "" {
		return "", ErrNotConfigured
	}
	site, ok := g.sites[account]
	if !ok {
		return "", fmt.Errorf("unknown account %q", account)
	}

	idToken, err := g.idToken(ctx, site, refreshToken)
	if err != nil {
		return "", err
	}

	resp, err := postJSON(ctx, g.client, g.logger, site, site.BaseURL+"/v2/signin", signinUserAgent,
		map[string]string{"token": idToken, "auth_type": "google"})
	if err != nil {
		return "", fmt.Errorf("signin: %w", err)
	}
	return resp.AccessToken, nil
}

func (g *Google) idToken(ctx context.Context, site relay.Site, refreshToken string) (string, error) {
	conf := &oauth2.Config{
		ClientID: site.GoogleClientID,
		Endpoint: g.endpoint,
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.client)

	tok, err := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", fmt.Errorf("google token refresh: %w", err)
	}
	idToken, ok := tok.Extra("id_token").(string)
	if !ok || idToken == "" {
		return "", errors.New("google token response carried no id_token")
	}
	return idToken, nil
}
