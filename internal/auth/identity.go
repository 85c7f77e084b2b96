package auth

import (
	"fmt"
	"net/http"
)

// Identity is one simulated end user.
type Identity struct {
	Name        string `json:"username"`
	Password    string `json:"password"`
	AccessToken string `json:"-"`
}

// WithToken returns a copy of the identity carrying an issued token.
func (i Identity) WithToken(token string) Identity {
	i.AccessToken = token
	return i
}

// Authenticated reports whether a token has been issued.
func (i Identity) Authenticated() bool {
	return i.AccessToken != ""
}

// Provider returns a token provider for the identity.
func (i Identity) Provider() *StaticTokenProvider {
	return NewStaticTokenProvider(i.Name, i.AccessToken)
}

// BearerHeader returns handshake headers for the identity's stream connection.
func (i Identity) BearerHeader() http.Header {
	h := http.Header{}
	if i.AccessToken != "" {
		h.Set("Authorization", fmt.Sprintf("Bearer %s", i.AccessToken))
	}
	return h
}

func (i Identity) String() string {
	return i.Name
}
