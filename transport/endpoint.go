package transport

import (
	"fmt"
	"net/url"
	"strings"
)

// EndpointURL derives the session-scoped websocket URL from a configured base address.
// http and https are rewritten to ws and wss; ws and wss are kept.
func EndpointURL(base, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", fmt.Errorf("invalid base URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already websocket scheme.
	default:
		return "", fmt.Errorf("base URL must use http(s) or ws(s), got %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base URL %q has no host", base)
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return "", fmt.Errorf("session id must not be empty")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/" + sessionID
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
