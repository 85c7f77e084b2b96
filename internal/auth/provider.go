package auth

import (
	"context"
	"net/http"
)

// Provider obtains a bearer token and injects it into outgoing requests.
type Provider interface {
	// Token returns the access token for the identity the provider serves.
	Token(ctx context.Context) (string, error)

	// InjectHeader sets the Authorization header on req.
	InjectHeader(ctx context.Context, req *http.Request) error
}
