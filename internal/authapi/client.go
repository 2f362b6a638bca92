// Package authapi calls the admin API's login and refresh endpoints.
package authapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"dispatch-admin/console/internal/session/domain"
)

// Options configures a Client.
type Options struct {
	BaseURL     string
	LoginPath   string
	RefreshPath string
	// HTTPClient defaults to a client with Timeout. cmd/console passes one whose
	// transport is the gateway, so refresh failures are classified there too.
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *zap.Logger
}

// Client is an admin API auth client.
type Client struct {
	baseURL     string
	loginPath   string
	refreshPath string
	http        *http.Client
	logger      *zap.Logger
}

// New returns a Client. Empty paths default to /auth/login and /auth/refresh.
func New(opts Options) *Client {
	if opts.LoginPath == "" {
		opts.LoginPath = "/auth/login"
	}
	if opts.RefreshPath == "" {
		opts.RefreshPath = "/auth/refresh"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		loginPath:   opts.LoginPath,
		refreshPath: opts.RefreshPath,
		http:        opts.HTTPClient,
		logger:      opts.Logger.With(zap.String("component", "authapi")),
	}
}

// LoginURL and RefreshURL are the absolute endpoint URLs.
func (c *Client) LoginURL() string   { return c.baseURL + c.loginPath }
func (c *Client) RefreshURL() string { return c.baseURL + c.refreshPath }

// Login exchanges email and password for credentials.
func (c *Client) Login(ctx context.Context, email, password string) (domain.Credentials, error) {
	return c.post(ctx, "login", c.LoginURL(), map[string]string{"email": email, "password": password})
}

// Refresh exchanges the current token for new credentials: POST {refreshToken} -> {token, user}.
func (c *Client) Refresh(ctx context.Context, token string) (domain.Credentials, error) {
	return c.post(ctx, "refresh", c.RefreshURL(), map[string]string{"refreshToken": token})
}

func (c *Client) post(ctx context.Context, op, url string, body any) (domain.Credentials, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return domain.Credentials{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return domain.Credentials{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("auth api: request failed", zap.String("op", op), zap.Error(err))
		return domain.Credentials{}, &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return domain.Credentials{}, decodeAPIError(resp)
	}
	var creds domain.Credentials
	if err := json.NewDecoder(resp.Body).Decode(&creds); err != nil {
		return domain.Credentials{}, fmt.Errorf("%w: %s: %v", ErrInvalidResponse, op, err)
	}
	if creds.Token == "" {
		return domain.Credentials{}, fmt.Errorf("%w: %s: empty token", ErrInvalidResponse, op)
	}
	return creds, nil
}
