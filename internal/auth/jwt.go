package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

const (
	hmacSHA256SigLen = 32
	// 32 bytes in base64url without padding.
	hmacSHA256SigB64Len = 43
	maxJWTHeaderB64Len  = 4 * 1024
	maxJWTPayloadB64Len = 16 * 1024
	maxJWTLen           = maxJWTHeaderB64Len + 1 + maxJWTPayloadB64Len + 1 + hmacSHA256SigB64Len
	maxSubjectLen       = 256
)

// JWTVerifier checks HS256 tokens issued by the application backend.
//
// Required claims: exp. Optional: nbf, sub (becomes the participant
// identity), name (display name).
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

func (v *JWTVerifier) Verify(token string) (Principal, error) {
	claims, err := v.verifyAndDecodeClaims(token)
	if err != nil {
		return Principal{}, err
	}

	now := v.now().Unix()

	exp, ok := claims["exp"]
	if !ok {
		return Principal{}, ErrInvalidCredentials
	}
	expUnix, err := parseUnixTimestamp(exp)
	if err != nil || now >= expUnix {
		return Principal{}, ErrInvalidCredentials
	}

	if nbf, ok := claims["nbf"]; ok {
		nbfUnix, err := parseUnixTimestamp(nbf)
		if err != nil || now < nbfUnix {
			return Principal{}, ErrInvalidCredentials
		}
	}

	sub, err := optString(claims, "sub")
	if err != nil {
		return Principal{}, err
	}
	if len(sub) > maxSubjectLen {
		return Principal{}, ErrInvalidCredentials
	}
	name, err := optString(claims, "name")
	if err != nil {
		return Principal{}, err
	}

	return Principal{Subject: sub, Name: name}, nil
}

func (v *JWTVerifier) verifyAndDecodeClaims(token string) (map[string]any, error) {
	headerB64, payloadB64, sigB64, ok := splitJWTParts(token)
	if !ok {
		return nil, ErrInvalidCredentials
	}

	headerJSON, err := base64.RawURLEncoding.DecodeString(headerB64)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	var header struct {
		Alg *string `json:"alg"`
	}
	if err := json.Unmarshal(headerJSON, &header); err != nil || header.Alg == nil {
		return nil, ErrInvalidCredentials
	}
	if *header.Alg != "HS256" {
		return nil, ErrUnsupportedJWT
	}

	gotSig, err := base64.RawURLEncoding.DecodeString(sigB64)
	if err != nil || len(gotSig) != hmacSHA256SigLen {
		return nil, ErrInvalidCredentials
	}

	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(headerB64))
	_, _ = mac.Write([]byte{'.'})
	_, _ = mac.Write([]byte(payloadB64))
	if !hmac.Equal(gotSig, mac.Sum(nil)) {
		return nil, ErrInvalidCredentials
	}

	payloadJSON, err := base64.RawURLEncoding.DecodeString(payloadB64)
	if err != nil {
		return nil, ErrInvalidCredentials
	}

	dec := json.NewDecoder(bytes.NewReader(payloadJSON))
	dec.UseNumber()
	var claims map[string]any
	if err := dec.Decode(&claims); err != nil || claims == nil {
		return nil, ErrInvalidCredentials
	}
	// Exactly one JSON object.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, ErrInvalidCredentials
	}
	return claims, nil
}

func optString(claims map[string]any, key string) (string, error) {
	raw, ok := claims[key]
	if !ok {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", ErrInvalidCredentials
	}
	return strings.TrimSpace(s), nil
}

func splitJWTParts(token string) (headerB64, payloadB64, sigB64 string, ok bool) {
	if token == "" || len(token) > maxJWTLen {
		return "", "", "", false
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", "", "", false
	}
	headerB64, payloadB64, sigB64 = parts[0], parts[1], parts[2]
	if len(sigB64) != hmacSHA256SigB64Len {
		return "", "", "", false
	}
	if !isBase64urlNoPad(headerB64, maxJWTHeaderB64Len) ||
		!isBase64urlNoPad(payloadB64, maxJWTPayloadB64Len) ||
		!isBase64urlNoPad(sigB64, hmacSHA256SigB64Len) {
		return "", "", "", false
	}
	return headerB64, payloadB64, sigB64, true
}

// isBase64urlNoPad accepts canonical base64url without padding only: the
// unused low bits of the final quantum must be zero.
func isBase64urlNoPad(raw string, maxLen int) bool {
	if raw == "" || len(raw) > maxLen || len(raw)%4 == 1 {
		return false
	}
	var last byte
	for i := 0; i < len(raw); i++ {
		v, ok := b64urlValue(raw[i])
		if !ok {
			return false
		}
		last = v
	}
	switch len(raw) % 4 {
	case 2:
		return last&0x0f == 0
	case 3:
		return last&0x03 == 0
	default:
		return true
	}
}

func b64urlValue(b byte) (byte, bool) {
	switch {
	case b >= 'A' && b <= 'Z':
		return b - 'A', true
	case b >= 'a' && b <= 'z':
		return b - 'a' + 26, true
	case b >= '0' && b <= '9':
		return b - '0' + 52, true
	case b == '-':
		return 62, true
	case b == '_':
		return 63, true
	default:
		return 0, false
	}
}

func parseUnixTimestamp(v any) (int64, error) {
	switch x := v.(type) {
	case json.Number:
		return x.Int64()
	default:
		return 0, fmt.Errorf("invalid timestamp %T", v)
	}
}
