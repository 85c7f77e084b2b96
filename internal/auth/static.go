package auth

import (
	"context"
	"fmt"
	"net/http"
)

// StaticTokenProvider returns a token issued earlier by Login.
type StaticTokenProvider struct {
	name  string
	token string
}

// NewStaticTokenProvider creates a provider for an already-issued token.
func NewStaticTokenProvider(name, token string) *StaticTokenProvider {
	return &StaticTokenProvider{name: name, token: token}
}

// Token returns the token; an identity that never logged in yields an AuthError.
func (p *StaticTokenProvider) Token(ctx context.Context) (string, error) {
	if p.token == "" {
		return "", &AuthError{Name: p.name, Message: "no access token issued"}
	}
	return p.token, nil
}

// InjectHeader injects the token into the Authorization header.
func (p *StaticTokenProvider) InjectHeader(ctx context.Context, req *http.Request) error {
	token, err := p.Token(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	return nil
}

// String returns the name of the identity the token was issued to.
func (p *StaticTokenProvider) String() string {
	return p.name
}
