// Package auth verifies the connect credential a participant presents to the
// relay and extracts the principal it names.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Principal is what a verified credential says about the participant.
// Subject is empty when the credential does not name a stable identity
// (API keys), in which case the relay assigns a random one.
type Principal struct {
	Subject string
	Name    string
}

type Verifier interface {
	Verify(credential string) (Principal, error)
}

func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return NoneVerifier{}, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	case config.AuthModeJWT:
		return NewJWTVerifier(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// NoneVerifier accepts every connection.
type NoneVerifier struct{}

func (NoneVerifier) Verify(string) (Principal, error) { return Principal{}, nil }

// CredentialFromQuery extracts the credential from ?apiKey= or ?token=. Both
// names are accepted in either mode; the mode's own name wins.
func CredentialFromQuery(mode config.AuthMode, q url.Values) (string, error) {
	return pick(mode, q.Get("apiKey"), q.Get("token"))
}

// WireAuthMessage is the first frame a client sends when it did not put its
// credential in the URL.
type WireAuthMessage struct {
	Type   string `json:"type"`
	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`
}

func CredentialFromAuthMessage(mode config.AuthMode, msg WireAuthMessage) (string, error) {
	return pick(mode, msg.APIKey, msg.Token)
}

// CredentialFromRequest reads X-API-Key or an Authorization header
// (Bearer or ApiKey scheme), falling back to the query string.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	if mode == config.AuthModeNone {
		return "", nil
	}
	apiKey := strings.TrimSpace(r.Header.Get("X-API-Key"))
	var token string
	if scheme, value, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " "); ok {
		value = strings.TrimSpace(value)
		switch strings.ToLower(scheme) {
		case "bearer":
			token = value
		case "apikey":
			if apiKey == "" {
				apiKey = value
			}
		}
	}
	if cred, err := pick(mode, apiKey, token); err == nil {
		return cred, nil
	}
	return CredentialFromQuery(mode, r.URL.Query())
}

func pick(mode config.AuthMode, apiKey, token string) (string, error) {
	var preferred, fallback string
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
		preferred, fallback = apiKey, token
	case config.AuthModeJWT:
		preferred, fallback = token, apiKey
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	if preferred != "" {
		return preferred, nil
	}
	if fallback != "" {
		return fallback, nil
	}
	return "", ErrMissingCredentials
}
