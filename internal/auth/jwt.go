package auth

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"
)

var ErrUnsupportedJWT = errors.New("unsupported jwt")

const (
	maxJWTHeaderLen  = 4 * 1024
	maxJWTPayloadLen = 16 * 1024
	// base64url without padding of a 32-byte HMAC-SHA256.
	jwtSignatureLen = 43
)

// b64 rejects padding and non-zero trailing bits, so each token has exactly
// one accepted encoding.
var b64 = base64.RawURLEncoding.Strict()

type jwtHeader struct {
	Alg string  `json:"alg"`
	Typ *string `json:"typ"`
}

type jwtClaims struct {
	Exp *json.Number `json:"exp"`
	Iat *json.Number `json:"iat"`
	Nbf *json.Number `json:"nbf"`
	Sid string       `json:"sid"`
}

// JWTVerifier checks HS256 tokens carrying exp, iat and a non-empty sid.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) JWTVerifier {
	return JWTVerifier{secret: []byte(secret), now: time.Now}
}

func (v JWTVerifier) Verify(token string) error {
	_, err := v.Subject(token)
	return err
}

// Subject verifies token and returns its sid claim, which the signaling layer
// logs next to the connection's session id.
func (v JWTVerifier) Subject(token string) (string, error) {
	headerB64, payloadB64, sigB64, ok := splitJWT(token)
	if !ok {
		return "", ErrInvalidCredentials
	}

	var header jwtHeader
	if err := decodeSegment(headerB64, &header); err != nil {
		return "", ErrInvalidCredentials
	}
	if header.Alg != "HS256" {
		if header.Alg == "" {
			return "", ErrInvalidCredentials
		}
		return "", ErrUnsupportedJWT
	}

	sig, err := b64.DecodeString(sigB64)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	mac := hmac.New(sha256.New, v.secret)
	_, _ = mac.Write([]byte(headerB64 + "." + payloadB64))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return "", ErrInvalidCredentials
	}

	var claims jwtClaims
	if err := decodeSegment(payloadB64, &claims); err != nil {
		return "", ErrInvalidCredentials
	}

	now := v.now().Unix()
	exp, ok := unixClaim(claims.Exp)
	if !ok || now >= exp {
		return "", ErrInvalidCredentials
	}
	if _, ok := unixClaim(claims.Iat); !ok {
		return "", ErrInvalidCredentials
	}
	if claims.Nbf != nil {
		nbf, ok := unixClaim(claims.Nbf)
		if !ok || now < nbf {
			return "", ErrInvalidCredentials
		}
	}
	if claims.Sid == "" {
		return "", ErrInvalidCredentials
	}
	return claims.Sid, nil
}

func splitJWT(token string) (header, payload, sig string, ok bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "", "", "", false
	}
	header, payload, sig = parts[0], parts[1], parts[2]
	if header == "" || payload == "" || len(header) > maxJWTHeaderLen || len(payload) > maxJWTPayloadLen {
		return "", "", "", false
	}
	if len(sig) != jwtSignatureLen {
		return "", "", "", false
	}
	return header, payload, sig, true
}

// decodeSegment decodes one base64url JSON object. Trailing data after the
// object is rejected.
func decodeSegment(segment string, v any) error {
	raw, err := b64.DecodeString(segment)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("trailing data")
	}
	return nil
}

func unixClaim(n *json.Number) (int64, bool) {
	if n == nil {
		return 0, false
	}
	v, err := n.Int64()
	return v, err == nil
}
