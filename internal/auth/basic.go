// Package auth validates the HTTP Basic credentials presented to the proxy.
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"net/http"
	"strings"

	"linkproxy/internal/config"
)

// Challenge is the WWW-Authenticate value sent with every 401.
const Challenge = `Basic realm="Proxy Server"`

// Gate checks inbound credentials against the configured pair.
type Gate struct {
	username []byte
	password []byte
}

// NewGate creates a Gate from the auth section of the config.
func NewGate(cfg *config.Config) *Gate {
	return &Gate{
		username: []byte(cfg.Auth.Username),
		password: []byte(cfg.Auth.Password),
	}
}

// Authenticate reports whether header carries a valid Basic Authorization.
// Malformed headers are rejected, never reported as errors.
func (g *Gate) Authenticate(header http.Header) bool {
	if len(g.username) == 0 || len(g.password) == 0 {
		return false
	}
	user, pass, ok := parseBasic(header.Get("Authorization"))
	if !ok {
		return false
	}

	// Evaluate both comparisons so the timing does not reveal which one failed.
	userOK := subtle.ConstantTimeCompare([]byte(user), g.username)
	passOK := subtle.ConstantTimeCompare([]byte(pass), g.password)
	return userOK&passOK == 1
}

func parseBasic(value string) (user, pass string, ok bool) {
	scheme, payload, found := strings.Cut(strings.TrimSpace(value), " ")
	if !found || !strings.EqualFold(scheme, "Basic") {
		return "", "", false
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return "", "", false
	}

	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		raw, err = base64.RawStdEncoding.DecodeString(payload)
		if err != nil {
			return "", "", false
		}
	}

	return strings.Cut(string(raw), ":")
}
