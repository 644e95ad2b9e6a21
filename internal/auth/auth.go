// Package auth verifies the credential a signaling client presents, either in
// the WebSocket URL query or in its first {"id":"auth"} message.
package auth

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/wilsonzlin/aero/proxy/webrtc-media-signaling/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Verifier interface {
	Verify(credential string) error
}

// NewVerifier returns the verifier for cfg.AuthMode. AuthModeNone has no
// verifier; callers skip authentication entirely.
func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// CredentialFromQuery reads the credential from ?apiKey= or ?token=. The
// parameter matching the mode wins; the other is accepted as a fallback.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	return pickCredential(mode, q.Get("apiKey"), q.Get("token"))
}

// CredentialFromAuthMessage is CredentialFromQuery for the apiKey and token
// fields of an auth message.
func CredentialFromAuthMessage(mode config.AuthMode, apiKey, token string) (string, error) {
	return pickCredential(mode, apiKey, token)
}

func pickCredential(mode config.AuthMode, apiKey, token string) (string, error) {
	var first, second string
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		first, second = apiKey, token
	case config.AuthModeJWT:
		first, second = token, apiKey
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	if first != "" {
		return first, nil
	}
	if second != "" {
		return second, nil
	}
	return "", ErrMissingCredentials
}
