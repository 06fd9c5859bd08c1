// Package client provides the HTTP client for the fluxgate API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fluxbase-eu/fluxgate/cli/config"
)

// ErrTokenExpired is returned when the only token available has expired
var ErrTokenExpired = errors.New("stored token has expired")

// Client is the fluxgate API client
type Client struct {
	// BaseURL is the server URL including the API prefix
	BaseURL string

	// HTTPClient is the underlying HTTP client
	HTTPClient *http.Client

	// Token is sent as a bearer token when set
	Token string

	// Debug prints each request to stderr
	Debug bool

	// UserAgent to use for requests
	UserAgent string
}

// ClientOption configures the client
type ClientOption func(*Client)

// NewClient creates a new API client for baseURL
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		UserAgent: "fluxgatectl/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewProfileClient creates a client for a profile, resolving its token from
// the keychain or config file
func NewProfileClient(cfg *config.Config, profile *config.Profile, opts ...ClientOption) (*Client, error) {
	creds, err := config.NewCredentialManager(cfg).GetCredentials(profile.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to get credentials: %w", err)
	}

	c := NewClient(profile.BaseURL())
	expired := creds.IsTokenExpired()
	if creds != nil && !expired {
		c.Token = creds.Token
	}
	// Options run last so an explicit token beats the stored one
	for _, opt := range opts {
		opt(c)
	}
	if c.Token == "" && expired {
		return nil, fmt.Errorf("%w for profile %s - run 'fluxgatectl auth login' again", ErrTokenExpired, profile.Name)
	}
	return c, nil
}

// WithDebug enables debug mode
func WithDebug(debug bool) ClientOption {
	return func(c *Client) {
		c.Debug = debug
	}
}

// WithTimeout sets the HTTP timeout
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.HTTPClient.Timeout = timeout
	}
}

// WithToken overrides the bearer token
func WithToken(token string) ClientOption {
	return func(c *Client) {
		if token != "" {
			c.Token = token
		}
	}
}

// Request makes an API request. path is relative to BaseURL.
func (c *Client) Request(ctx context.Context, method, path string, body interface{}) (*http.Response, error) {
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	u = u.JoinPath(path)

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	if c.Debug {
		fmt.Printf("DEBUG: %s %s\n", method, u.String())
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// DoGet performs a GET request and decodes the response into target
func (c *Client) DoGet(ctx context.Context, path string, target interface{}) error {
	resp, err := c.Request(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return decodeBody(resp, target)
}

// DoPut performs a PUT request and decodes the response into target
func (c *Client) DoPut(ctx context.Context, path string, body interface{}, target interface{}) error {
	resp, err := c.Request(ctx, http.MethodPut, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return decodeBody(resp, target)
}

// DoDelete performs a DELETE request
func (c *Client) DoDelete(ctx context.Context, path string) error {
	resp, err := c.Request(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return decodeBody(resp, nil)
}

// decodeBody decodes the response body into target
func decodeBody(resp *http.Response, target interface{}) error {
	if resp.StatusCode >= 400 {
		return parseErrorBody(resp)
	}
	if target == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

// parseErrorBody parses an error response body
func parseErrorBody(resp *http.Response) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("failed to read error response: %v", err),
		}
	}

	var apiErr APIError
	if err := json.Unmarshal(body, &apiErr); err != nil {
		return &APIError{
			StatusCode: resp.StatusCode,
			Message:    strings.TrimSpace(string(body)),
		}
	}

	apiErr.StatusCode = resp.StatusCode
	if retry := resp.Header.Get("Retry-After"); retry != "" {
		apiErr.RetryAfter = retry
	}
	return &apiErr
}

// APIError represents an API error response
type APIError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
	Error_     string `json:"error"`
	Code       string `json:"code"`
	RequestID  string `json:"request_id"`
	RetryAfter string `json:"-"`
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Error_
	}
	if msg == "" {
		msg = fmt.Sprintf("API error with status %d", e.StatusCode)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.RetryAfter != "" {
		msg += ", retry after " + e.RetryAfter + "s"
	}
	return msg
}
