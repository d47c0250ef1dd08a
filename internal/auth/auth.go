// Package auth supplies credentials for the push endpoint handshake.
package auth

import (
	"fmt"
	"net/http"
	"os"
	"strings"
)

// Credentials are sent as headers on every WebSocket handshake.
type Credentials struct {
	Token     string // sent as "Authorization: Bearer <token>"
	TokenFile string // re-read on every handshake; takes precedence over Token
	Cookie    string // sent verbatim as the Cookie header
}

// Empty reports whether no credential is configured.
func (c *Credentials) Empty() bool {
	return c == nil || (c.Token == "" && c.TokenFile == "" && c.Cookie == "")
}

// Headers returns the handshake headers. A token file is read each time so
// a rotated token is picked up on the next reconnect.
func (c *Credentials) Headers() (http.Header, error) {
	h := http.Header{}
	if c == nil {
		return h, nil
	}

	token := c.Token
	if c.TokenFile != "" {
		t, err := LoadToken(c.TokenFile)
		if err != nil {
			return nil, err
		}
		token = t
	}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	if c.Cookie != "" {
		h.Set("Cookie", c.Cookie)
	}
	return h, nil
}

// LoadToken reads a bearer token from a file, trimming surrounding whitespace.
func LoadToken(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("token file %s is empty", path)
	}
	if strings.ContainsAny(token, "\r\n") {
		return "", fmt.Errorf("token file %s has more than one line", path)
	}
	return token, nil
}
