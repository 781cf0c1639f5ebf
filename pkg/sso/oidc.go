// Package sso provides single-sign-on backed implementations of the hub's
// Authenticator seam.
package sso

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// OIDCConfig configures the OIDC authenticator
type OIDCConfig struct {
	IssuerURL    string
	ClientID     string
	ClientSecret string
	RedirectURL  string
	Scopes       []string

	// UsernameClaim is the ID token claim holding the hub username,
	// "preferred_username" if empty
	UsernameClaim string
}

// OIDCAuthenticator validates logins against an OpenID Connect provider.
// The login form posts an "id_token" field obtained from the provider; the
// token's username claim must match the submitted username.
type OIDCAuthenticator struct {
	config       OIDCConfig
	provider     *oidc.Provider
	verifier     *oidc.IDTokenVerifier
	oauth2Config *oauth2.Config
}

// NewOIDCAuthenticator discovers the provider and builds the authenticator
func NewOIDCAuthenticator(ctx context.Context, config OIDCConfig) (*OIDCAuthenticator, error) {
	if config.IssuerURL == "" {
		return nil, fmt.Errorf("OIDC issuer URL is required")
	}
	if config.UsernameClaim == "" {
		config.UsernameClaim = "preferred_username"
	}

	provider, err := oidc.NewProvider(ctx, config.IssuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{ClientID: config.ClientID})

	scopes := config.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile"}
	}

	return &OIDCAuthenticator{
		config:   config,
		provider: provider,
		verifier: verifier,
		oauth2Config: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  config.RedirectURL,
			Scopes:       scopes,
		},
	}, nil
}

// AuthCodeURL returns the provider's login URL for the given state
func (a *OIDCAuthenticator) AuthCodeURL(state string) string {
	return a.oauth2Config.AuthCodeURL(state)
}

// Exchange trades an authorization code for a raw ID token
func (a *OIDCAuthenticator) Exchange(ctx context.Context, code string) (string, error) {
	token, err := a.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("failed to exchange authorization code: %w", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return "", fmt.Errorf("token response contained no id_token")
	}
	return rawIDToken, nil
}

// Authenticate verifies the posted ID token and checks its username claim
// against the submitted username
func (a *OIDCAuthenticator) Authenticate(ctx context.Context, data map[string]string) (bool, error) {
	rawIDToken := data["id_token"]
	if rawIDToken == "" {
		return false, nil
	}

	idToken, err := a.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		// An unverifiable token is bad credentials, not a system fault
		return false, nil
	}

	var claims map[string]any
	if err := idToken.Claims(&claims); err != nil {
		return false, fmt.Errorf("failed to decode ID token claims: %w", err)
	}

	claimed, _ := claims[a.config.UsernameClaim].(string)
	return claimed != "" && claimed == data["username"], nil
}
