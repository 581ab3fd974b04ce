// Package auth decides whether a connecting client may complete the
// handshake. Four modes: a shared token, a password (optionally stored as
// a bcrypt hash), deferral to the local system (loopback peers only), and
// none (loopback binds only; enforced at config load).
package auth

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/knothq/gated/internal/config"
)

// Credentials are the connect-frame auth params plus connection metadata.
type Credentials struct {
	Token      string
	Password   string
	RemoteAddr string
	Forwarded  string // X-Forwarded-For, believed only for trusted proxies
}

// Authenticator validates connect-time credentials.
type Authenticator struct {
	cfg config.AuthConfig
}

// New builds an Authenticator from the gateway auth config.
func New(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// Mode returns the configured auth mode.
func (a *Authenticator) Mode() string {
	return a.cfg.Mode
}

// Authenticate reports whether the credentials satisfy the configured mode.
func (a *Authenticator) Authenticate(creds Credentials) bool {
	switch a.cfg.Mode {
	case "none":
		return true
	case "token":
		expected := a.cfg.Token
		if expected == "" {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(creds.Token), []byte(expected)) == 1
	case "password":
		if a.cfg.PasswordHash != "" {
			return bcrypt.CompareHashAndPassword([]byte(a.cfg.PasswordHash), []byte(creds.Password)) == nil
		}
		if a.cfg.Password == "" {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(creds.Password), []byte(a.cfg.Password)) == 1
	case "system":
		// System mode trusts processes on the same machine.
		return isLoopbackAddr(a.ClientIP(creds))
	default:
		return false
	}
}

// ClientIP resolves the effective client IP, honoring X-Forwarded-For only
// when the direct peer is a trusted proxy.
func (a *Authenticator) ClientIP(creds Credentials) string {
	host := hostOf(creds.RemoteAddr)
	if creds.Forwarded == "" {
		return host
	}
	for _, proxy := range a.cfg.TrustedProxies {
		if host == proxy {
			// Leftmost entry is the originating client.
			parts := strings.Split(creds.Forwarded, ",")
			return strings.TrimSpace(parts[0])
		}
	}
	return host
}

// FromRequest extracts connection metadata from the upgrade request.
func FromRequest(r *http.Request) Credentials {
	return Credentials{
		RemoteAddr: r.RemoteAddr,
		Forwarded:  r.Header.Get("X-Forwarded-For"),
	}
}

// HashPassword produces a bcrypt hash for storing in config.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func hostOf(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func isLoopbackAddr(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
