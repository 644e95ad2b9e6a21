package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
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

func fixedVerifier(now time.Time) JWTVerifier {
	v := NewJWTVerifier("secret")
	v.now = func() time.Time { return now }
	return v
}

func TestJWTVerifier_AcceptsValidHS256(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := fixedVerifier(now)

	token := mustJWT(t, "secret", map[string]any{"alg": "HS256", "typ": "JWT"}, map[string]any{
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
		"sid": "viewer-42",
	})

	sid, err := v.Subject(token)
	if err != nil {
		t.Fatalf("Subject: %v", err)
	}
	if sid != "viewer-42" {
		t.Fatalf("sid=%q, want %q", sid, "viewer-42")
	}
	if err := v.Verify(token); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestJWTVerifier_RejectsInvalidClaims(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := fixedVerifier(now)

	valid := func() map[string]any {
		return map[string]any{
			"iat": now.Unix(),
			"exp": now.Add(5 * time.Minute).Unix(),
			"sid": "s",
		}
	}

	cases := map[string]func(c map[string]any){
		"expired":        func(c map[string]any) { c["exp"] = now.Add(-time.Second).Unix() },
		"exp equals now": func(c map[string]any) { c["exp"] = now.Unix() },
		"missing exp":    func(c map[string]any) { delete(c, "exp") },
		"missing iat":    func(c map[string]any) { delete(c, "iat") },
		"string exp":     func(c map[string]any) { c["exp"] = "soon" },
		"not yet valid":  func(c map[string]any) { c["nbf"] = now.Add(10 * time.Second).Unix() },
		"missing sid":    func(c map[string]any) { delete(c, "sid") },
		"empty sid":      func(c map[string]any) { c["sid"] = "" },
		"numeric sid":    func(c map[string]any) { c["sid"] = 7 },
	}
	for name, mutate := range cases {
		claims := valid()
		mutate(claims)
		token := mustJWT(t, "secret", map[string]any{"alg": "HS256"}, claims)
		if err := v.Verify(token); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("%s: err=%v, want ErrInvalidCredentials", name, err)
		}
	}
}

func TestJWTVerifier_RejectsUnsupportedAlg(t *testing.T) {
	v := fixedVerifier(time.Unix(1_000_000, 0))

	token := mustJWT(t, "secret", map[string]any{"alg": "none"}, map[string]any{})
	if err := v.Verify(token); !errors.Is(err, ErrUnsupportedJWT) {
		t.Fatalf("err=%v, want ErrUnsupportedJWT", err)
	}
}

func TestJWTVerifier_RejectsBadSignature(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := fixedVerifier(now)

	token := mustJWT(t, "wrong", map[string]any{"alg": "HS256"}, map[string]any{
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
		"sid": "s",
	})
	if err := v.Verify(token); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err=%v, want ErrInvalidCredentials", err)
	}
}

func TestJWTVerifier_RejectsMalformedToken(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	v := fixedVerifier(now)
	valid := mustJWT(t, "secret", map[string]any{"alg": "HS256"}, map[string]any{
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
		"sid": "s",
	})

	cases := []string{
		"",
		"not-a-jwt",
		"a.b",
		valid + ".extra",
		valid + "=",
		"." + strings.SplitN(valid, ".", 2)[1],
	}
	for _, token := range cases {
		if err := v.Verify(token); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("Verify(%q) err=%v, want ErrInvalidCredentials", token, err)
		}
	}
}
