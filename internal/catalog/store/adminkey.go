package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/crypto/bcrypt"
)

// ErrAdminKeyInvalid is returned when a presented admin key doesn't match
// the configured hash.
var ErrAdminKeyInvalid = errors.New("catalog: invalid admin key")

// AdminKeyHash bcrypt-hashes a plaintext admin key for storage in config.
func AdminKeyHash(plain string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash admin key: %w", err)
	}
	return string(hash), nil
}

// GenerateAdminKey returns a fresh random plaintext admin key, for
// first-run provisioning.
func GenerateAdminKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate admin key: %w", err)
	}
	return "adm_" + hex.EncodeToString(buf), nil
}

// AdminGate checks presented admin keys against a bcrypt hash, for gating
// the loopback reload/write endpoints a catalog admin surface would expose.
type AdminGate struct {
	hash string
}

func NewAdminGate(bcryptHash string) *AdminGate {
	return &AdminGate{hash: bcryptHash}
}

func (g *AdminGate) Check(plain string) error {
	if g.hash == "" {
		return ErrAdminKeyInvalid
	}
	if err := bcrypt.CompareHashAndPassword([]byte(g.hash), []byte(plain)); err != nil {
		return ErrAdminKeyInvalid
	}
	return nil
}

// Middleware wraps an http.Handler so only requests carrying a matching
// X-Admin-Key header reach it. Intended for a loopback-only listener
// (the reload trigger and catalog write endpoints), never for the public
// control-plane port.
func (g *AdminGate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.Check(r.Header.Get("X-Admin-Key")); err != nil {
			http.Error(w, "invalid admin key", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ReloadHandler returns an http.Handler that, when hit, invokes onReload
// for the agent_id query parameter. An empty agent_id is passed through
// as-is; server.Server.ReloadAgent finds no connected agent under an empty
// id, so such a request reloads nothing.
func ReloadHandler(onReload func(ctx context.Context, agentID string)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		onReload(r.Context(), r.URL.Query().Get("agent_id"))
		w.WriteHeader(http.StatusNoContent)
	})
}
