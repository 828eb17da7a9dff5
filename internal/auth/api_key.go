package auth

import "crypto/subtle"

type APIKeyVerifier struct {
	Expected string
}

// Verify compares in constant time. API keys are shared, so the principal
// carries no subject.
func (v APIKeyVerifier) Verify(apiKey string) (Principal, error) {
	if apiKey == "" || v.Expected == "" {
		return Principal{}, ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return Principal{}, ErrInvalidCredentials
	}
	return Principal{}, nil
}
