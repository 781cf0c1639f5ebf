// Package proxy talks to the external reverse proxy's administrative API to
// keep its routing table in sync with running single-user servers.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client registers and removes routes with the reverse proxy
type Client interface {
	// Register maps a public path to a backend target URL
	Register(ctx context.Context, publicPath, targetURL, username string) error

	// Deregister removes a public path's route
	Deregister(ctx context.Context, publicPath string) error
}

// registerRequest is the proxy API's wire format for route registration
type registerRequest struct {
	Target string `json:"target"`
	User   string `json:"user"`
}

// HTTPClient talks to the proxy's HTTP API, authenticated with the shared
// proxy token
type HTTPClient struct {
	apiURL    string
	authToken string
	client    *http.Client
}

// NewHTTPClient creates a proxy API client
func NewHTTPClient(apiURL, authToken string) *HTTPClient {
	return &HTTPClient{
		apiURL:    strings.TrimRight(apiURL, "/"),
		authToken: authToken,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Register POSTs {apiURL}/{publicPath} with the target and user
func (c *HTTPClient) Register(ctx context.Context, publicPath, targetURL, username string) error {
	body, err := json.Marshal(registerRequest{Target: targetURL, User: username})
	if err != nil {
		return fmt.Errorf("failed to encode registration request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.routeURL(publicPath), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build registration request: %w", err)
	}
	req.Header.Set("Authorization", "token "+c.authToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: proxy returned %d: %s", ErrRegistration, resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}

// Deregister DELETEs the route for a public path
func (c *HTTPClient) Deregister(ctx context.Context, publicPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.routeURL(publicPath), nil)
	if err != nil {
		return fmt.Errorf("failed to build deregistration request: %w", err)
	}
	req.Header.Set("Authorization", "token "+c.authToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRegistration, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: proxy returned %d", ErrRegistration, resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) routeURL(publicPath string) string {
	return c.apiURL + "/" + strings.TrimLeft(publicPath, "/")
}
