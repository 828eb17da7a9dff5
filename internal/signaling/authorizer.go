package signaling

import (
	"errors"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-call-relay/internal/config"
)

// Authorizer decides whether a signaling connection may register.
//
// Authorize is called once at upgrade time with a nil hello. When that
// returns an error matching auth.ErrMissingCredentials the session waits for
// an `auth` frame and calls Authorize again with its credential.
type Authorizer interface {
	Authorize(r *http.Request, hello *ClientHello) (auth.Principal, error)
}

type ClientHello struct {
	// Credential is the apiKey/token from the `auth` frame.
	Credential string
}

type AllowAllAuthorizer struct{}

func (AllowAllAuthorizer) Authorize(*http.Request, *ClientHello) (auth.Principal, error) {
	return auth.Principal{}, nil
}

// AuthAuthorizer enforces AUTH_MODE=none|api_key|jwt.
//
// Credential sources, in order: the `auth` frame, request headers, the query
// string.
type AuthAuthorizer struct {
	mode     config.AuthMode
	verifier auth.Verifier
}

func NewAuthAuthorizer(cfg config.Config) (AuthAuthorizer, error) {
	v, err := auth.NewVerifier(cfg)
	if err != nil {
		return AuthAuthorizer{}, err
	}
	return AuthAuthorizer{mode: cfg.AuthMode, verifier: v}, nil
}

func (a AuthAuthorizer) Authorize(r *http.Request, hello *ClientHello) (auth.Principal, error) {
	if a.mode == config.AuthModeNone {
		return auth.Principal{}, nil
	}
	if a.verifier == nil {
		return auth.Principal{}, errors.New("auth verifier not configured")
	}

	cred := ""
	if hello != nil {
		cred = strings.TrimSpace(hello.Credential)
	}
	if cred == "" {
		var err error
		cred, err = auth.CredentialFromRequest(a.mode, r)
		if err != nil {
			return auth.Principal{}, err
		}
	}
	return a.verifier.Verify(cred)
}

// IsAuthMissing reports whether err represents missing credentials (as opposed to
// invalid credentials).
func IsAuthMissing(err error) bool {
	return errors.Is(err, auth.ErrMissingCredentials)
}

func IsUnauthorized(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, auth.ErrMissingCredentials) || errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrUnsupportedJWT)
}

// unauthorizedMessage avoids leaking server configuration details.
func unauthorizedMessage(err error) string {
	if err == nil || IsUnauthorized(err) {
		return "unauthorized"
	}
	return "authorization failed"
}
