package auth

import "fmt"

// AuthError reports rejected credentials or a missing/expired token.
type AuthError struct {
	Name       string
	StatusCode int
	Message    string
}

func (e *AuthError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message != "":
		return fmt.Sprintf("auth %s: HTTP %d: %s", e.Name, e.StatusCode, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("auth %s: HTTP %d", e.Name, e.StatusCode)
	default:
		return fmt.Sprintf("auth %s: %s", e.Name, e.Message)
	}
}
