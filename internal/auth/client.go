package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/torosent/relaycheck/internal/extractor"
	"github.com/torosent/relaycheck/internal/tracing"
	"github.com/torosent/relaycheck/internal/transport"
)

// DefaultTokenPath locates the access token in a login response.
const DefaultTokenPath = "data.access_token"

// RegisterOutcome is the caller-visible result of a registration.
type RegisterOutcome int

const (
	Registered RegisterOutcome = iota
	AlreadyExists
)

func (o RegisterOutcome) String() string {
	if o == AlreadyExists {
		return "already_exists"
	}
	return "registered"
}

// Client talks to the credential service.
type Client struct {
	baseURL   string
	http      *http.Client
	tokenPath string
	propagate bool
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithTokenPath overrides where Login finds the token.
func WithTokenPath(path string) ClientOption {
	return func(c *Client) {
		if strings.TrimSpace(path) != "" {
			c.tokenPath = path
		}
	}
}

// WithTracePropagation injects W3C trace headers into every call.
func WithTracePropagation(enabled bool) ClientOption {
	return func(c *Client) { c.propagate = enabled }
}

// NewClient creates a credential-service client rooted at baseURL.
func NewClient(baseURL string, httpClient *http.Client, opts ...ClientOption) *Client {
	if httpClient == nil {
		httpClient = transport.NewHTTPClient(0)
	}
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		http:      httpClient,
		tokenPath: DefaultTokenPath,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Register creates the identity. A conflict is reported as AlreadyExists,
// so calling Register twice for one identity never fails.
func (c *Client) Register(ctx context.Context, id Identity) (RegisterOutcome, error) {
	req, err := c.newRequest(ctx, "/register", id)
	if err != nil {
		return Registered, err
	}
	_, err = transport.Do(c.http, "register", req)
	if err == nil {
		return Registered, nil
	}
	if transport.StatusCode(err) == http.StatusConflict {
		return AlreadyExists, nil
	}
	return Registered, fmt.Errorf("register %s: %w", id.Name, err)
}

// Login exchanges credentials for an access token and returns the identity
// carrying it.
func (c *Client) Login(ctx context.Context, id Identity) (Identity, error) {
	req, err := c.newRequest(ctx, "/login", id)
	if err != nil {
		return id, err
	}
	body, err := transport.Do(c.http, "login", req)
	if err != nil {
		var httpErr *transport.HTTPError
		if errors.As(err, &httpErr) && (httpErr.StatusCode == http.StatusUnauthorized || httpErr.StatusCode == http.StatusForbidden) {
			return id, &AuthError{Name: id.Name, StatusCode: httpErr.StatusCode, Message: httpErr.Body}
		}
		return id, fmt.Errorf("login %s: %w", id.Name, err)
	}
	token, err := extractor.Required(body, c.tokenPath)
	if err != nil || token == "" {
		return id, &AuthError{Name: id.Name, Message: fmt.Sprintf("login response has no token at %q", c.tokenPath)}
	}
	return id.WithToken(token), nil
}

func (c *Client) newRequest(ctx context.Context, path string, id Identity) (*http.Request, error) {
	req, err := transport.NewJSONRequest(ctx, http.MethodPost, c.baseURL+path, credentials{Username: id.Name, Password: id.Password})
	if err != nil {
		return nil, err
	}
	if c.propagate {
		tracing.InjectHTTPHeaders(ctx, req.Header)
	}
	return req, nil
}
