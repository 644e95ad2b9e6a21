package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "AERO_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_STUN_URLS"
	envTurnURLs       = "AERO_TURN_URLS"
	envTurnUsername   = "AERO_TURN_USERNAME"
	envTurnCredential = "AERO_TURN_CREDENTIAL"
)

var (
	errMissingURLs       = errors.New("missing urls")
	errEmptyURL          = errors.New("urls must not contain empty entries")
	errTURNNeedsUsername = errors.New("turn urls require username")
	errTURNNeedsPassword = errors.New("turn urls require credential")
)

// parseICEServersFromValues prefers the JSON list; the STUN/TURN convenience
// values are only consulted when it is empty. With turnREST, TURN entries may
// omit credentials because they are issued per request.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string, turnREST bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := parseICEServersJSON(raw, turnREST)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return parseConvenienceICEServers(stunURLs, turnURLs, turnUsername, turnCredential, turnREST)
}

// iceServerEntry is the browser RTCIceServer shape: urls may be a string or a
// list of strings.
type iceServerEntry struct {
	URLs       json.RawMessage `json:"urls"`
	Username   string          `json:"username,omitempty"`
	Credential string          `json:"credential,omitempty"`
}

func (e iceServerEntry) urlList() ([]string, error) {
	if len(e.URLs) == 0 {
		return nil, nil
	}
	var one string
	if err := json.Unmarshal(e.URLs, &one); err == nil {
		return []string{strings.TrimSpace(one)}, nil
	}
	var many []string
	if err := json.Unmarshal(e.URLs, &many); err != nil {
		return nil, fmt.Errorf("urls: expected string or list of strings")
	}
	return splitTrimmed(many), nil
}

// ParseICEServersJSON parses and validates AERO_ICE_SERVERS_JSON.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	return parseICEServersJSON(raw, false)
}

func parseICEServersJSON(raw string, turnREST bool) ([]webrtc.ICEServer, error) {
	var entries []iceServerEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		urls, err := entry.urlList()
		if err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		server := newICEServer(urls, entry.Username, entry.Credential)
		if err := validateICEServer(server, turnREST); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// ParseICEServersFromConvenienceEnv builds one STUN entry and one TURN entry
// from comma-separated URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	return parseConvenienceICEServers(stunURLs, turnURLs, turnUsername, turnCredential, false)
}

func parseConvenienceICEServers(stunURLs, turnURLs, turnUsername, turnCredential string, turnREST bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := splitTrimmed(strings.Split(stunURLs, ",")); len(urls) > 0 {
		server := newICEServer(urls, "", "")
		if err := validateICEServer(server, false); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if urls := splitTrimmed(strings.Split(turnURLs, ",")); len(urls) > 0 {
		if !turnREST && (strings.TrimSpace(turnUsername) == "" || strings.TrimSpace(turnCredential) == "") {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server := newICEServer(urls, turnUsername, turnCredential)
		if err := validateICEServer(server, turnREST); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func newICEServer(urls []string, username, credential string) webrtc.ICEServer {
	server := webrtc.ICEServer{
		URLs:     urls,
		Username: strings.TrimSpace(username),
	}
	if c := strings.TrimSpace(credential); c != "" {
		server.Credential = c
	}
	return server
}

func splitTrimmed(parts []string) []string {
	var out []string
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateICEServer(server webrtc.ICEServer, turnREST bool) error {
	if len(server.URLs) == 0 {
		return errMissingURLs
	}

	turn := false
	for _, url := range server.URLs {
		scheme, ok := iceURLScheme(url)
		switch {
		case url == "":
			return errEmptyURL
		case !ok:
			return fmt.Errorf("unsupported url scheme: %q", url)
		case scheme == "turn" || scheme == "turns":
			turn = true
		}
	}
	if !turn || turnREST {
		return nil
	}

	if server.Username == "" {
		return errTURNNeedsUsername
	}
	if cred, _ := server.Credential.(string); cred == "" {
		return errTURNNeedsPassword
	}
	return nil
}

func iceURLScheme(url string) (string, bool) {
	scheme, _, found := strings.Cut(url, ":")
	if !found {
		return "", false
	}
	switch scheme {
	case "stun", "stuns", "turn", "turns":
		return scheme, true
	default:
		return "", false
	}
}

// EngineICEServers is the ICE list for server-side peer connections. TURN
// entries without static credentials are dropped; with TURN REST those are
// only usable by browsers that fetched fresh credentials.
func (c Config) EngineICEServers() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, server := range c.ICEServers {
		if isTURNServer(server) {
			cred, _ := server.Credential.(string)
			if strings.TrimSpace(server.Username) == "" || strings.TrimSpace(cred) == "" {
				continue
			}
		}
		out = append(out, server)
	}
	return out
}

func isTURNServer(server webrtc.ICEServer) bool {
	for _, url := range server.URLs {
		if scheme, ok := iceURLScheme(strings.TrimSpace(url)); ok && (scheme == "turn" || scheme == "turns") {
			return true
		}
	}
	return false
}
