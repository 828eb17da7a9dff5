package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func mustJWT(t *testing.T, secret string, header, claims map[string]any) string {
	t.Helper()

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}
	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(payloadJSON)

	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return signingInput + "." + enc.EncodeToString(mac.Sum(nil))
}

func fixedVerifier(now time.Time) *JWTVerifier {
	v := NewJWTVerifier("secret")
	v.now = func() time.Time { return now }
	return v
}

func TestJWTVerifier_ExtractsSubjectAndName(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := fixedVerifier(now)

	token := mustJWT(t, "secret", map[string]any{"alg": "HS256", "typ": "JWT"}, map[string]any{
		"exp":  now.Add(5 * time.Minute).Unix(),
		"sub":  "user-42",
		"name": "Alice",
	})

	p, err := v.Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.Subject != "user-42" || p.Name != "Alice" {
		t.Fatalf("principal=%+v, want subject=user-42 name=Alice", p)
	}
}

func TestJWTVerifier_SubjectIsOptional(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	token := mustJWT(t, "secret", map[string]any{"alg": "HS256"}, map[string]any{
		"exp": now.Add(time.Minute).Unix(),
	})
	p, err := fixedVerifier(now).Verify(token)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if p.Subject != "" {
		t.Fatalf("Subject=%q, want empty", p.Subject)
	}
}

func TestJWTVerifier_Rejects(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	valid := map[string]any{"exp": now.Add(time.Minute).Unix()}

	cases := []struct {
		name  string
		token string
		want  error
	}{
		{
			name:  "expired",
			token: mustJWT(t, "secret", map[string]any{"alg": "HS256"}, map[string]any{"exp": now.Add(-time.Second).Unix()}),
			want:  ErrInvalidCredentials,
		},
		{
			name: "not yet valid",
			token: mustJWT(t, "secret", map[string]any{"alg": "HS256"}, map[string]any{
				"exp": now.Add(time.Minute).Unix(),
				"nbf": now.Add(10 * time.Second).Unix(),
			}),
			want: ErrInvalidCredentials,
		},
		{
			name:  "missing exp",
			token: mustJWT(t, "secret", map[string]any{"alg": "HS256"}, map[string]any{"sub": "x"}),
			want:  ErrInvalidCredentials,
		},
		{
			name:  "unsupported alg",
			token: mustJWT(t, "secret", map[string]any{"alg": "none"}, valid),
			want:  ErrUnsupportedJWT,
		},
		{
			name:  "bad signature",
			token: mustJWT(t, "wrong", map[string]any{"alg": "HS256"}, valid),
			want:  ErrInvalidCredentials,
		},
		{
			name: "non-string sub",
			token: mustJWT(t, "secret", map[string]any{"alg": "HS256"}, map[string]any{
				"exp": now.Add(time.Minute).Unix(),
				"sub": 42,
			}),
			want: ErrInvalidCredentials,
		},
		{
			name:  "malformed",
			token: "not-a-jwt",
			want:  ErrInvalidCredentials,
		},
	}

	v := fixedVerifier(now)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := v.Verify(tc.token)
			if !errors.Is(err, tc.want) {
				t.Fatalf("err=%v, want %v", err, tc.want)
			}
		})
	}
}
