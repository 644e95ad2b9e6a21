// Package turnrest issues short-lived TURN credentials in the coturn REST
// format, so browsers never see a long-lived TURN secret:
//
//	username   = <unix_expiry>:<prefix>:<id>
//	credential = base64(hmac_sha1(shared_secret, username))
//
// The TURN server validates the pair with the same shared secret
// (coturn --use-auth-secret).
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
)

var (
	ErrMissingSecret = errors.New("turnrest: shared secret is required")
	ErrInvalidTTL    = errors.New("turnrest: ttl must be at least 1s")
	ErrInvalidPrefix = errors.New("turnrest: username prefix must be non-empty and must not contain ':'")
	ErrInvalidID     = errors.New("turnrest: id must be non-empty and must not contain ':'")
)

type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string

	// Now defaults to time.Now.
	Now func() time.Time
}

type Generator struct {
	secret []byte
	ttl    int64 // seconds
	prefix string
	now    func() time.Time
}

type Credentials struct {
	Username   string
	Credential string
	Expires    time.Time
}

func NewGenerator(cfg Config) (*Generator, error) {
	if cfg.SharedSecret == "" {
		return nil, ErrMissingSecret
	}
	if cfg.TTL < time.Second {
		return nil, ErrInvalidTTL
	}
	if cfg.UsernamePrefix == "" || strings.Contains(cfg.UsernamePrefix, ":") {
		return nil, ErrInvalidPrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    int64(cfg.TTL / time.Second),
		prefix: cfg.UsernamePrefix,
		now:    cfg.Now,
	}, nil
}

// Generate issues credentials bound to id, typically a session id.
func (g *Generator) Generate(id string) (Credentials, error) {
	if id == "" || strings.Contains(id, ":") {
		return Credentials{}, ErrInvalidID
	}
	expiry := g.now().UTC().Unix() + g.ttl
	username := fmt.Sprintf("%d:%s:%s", expiry, g.prefix, id)
	return Credentials{
		Username:   username,
		Credential: sign(g.secret, username),
		Expires:    time.Unix(expiry, 0).UTC(),
	}, nil
}

// GenerateRandom issues credentials bound to a fresh random id.
func (g *Generator) GenerateRandom() (Credentials, error) {
	return g.Generate(uuid.NewString())
}

// Apply returns a copy of servers with creds filled into every TURN entry
// that carries no static credential. Other entries are returned unchanged.
func Apply(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if !IsTURN(server) || HasStaticCredential(server) {
			continue
		}
		out[i].Username = creds.Username
		out[i].Credential = creds.Credential
		out[i].CredentialType = webrtc.ICECredentialTypePassword
	}
	return out
}

// IsTURN reports whether server lists any turn: or turns: URL.
func IsTURN(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		url := strings.ToLower(strings.TrimSpace(raw))
		if strings.HasPrefix(url, "turn:") || strings.HasPrefix(url, "turns:") {
			return true
		}
	}
	return false
}

func HasStaticCredential(server webrtc.ICEServer) bool {
	cred, _ := server.Credential.(string)
	return strings.TrimSpace(server.Username) != "" && strings.TrimSpace(cred) != ""
}

func sign(secret []byte, username string) string {
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
