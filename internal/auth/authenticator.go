// Package auth implements C4: mapping a bearer API key to an agent
// identity, auto-registering or refreshing that agent's record in the
// store on every successful authentication.
package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"

	"github.com/agorai/bridge/internal/store"
	"github.com/agorai/bridge/internal/visibility"
)

// AgentRecord is one entry of the bridge's configured API-key roster.
// Config supplies a list of these; they are never client-writable.
type AgentRecord struct {
	Key            string
	Agent          string
	Type           string
	Capabilities   []string
	ClearanceLevel visibility.Level
}

// Result is the outcome of an authentication attempt.
type Result struct {
	Authenticated bool
	Error         string
	AgentID       string
	AgentName     string
	ClearanceLevel visibility.Level
}

// Authenticator authenticates bearer tokens against a fixed roster and
// upserts the corresponding agent in the store.
type Authenticator struct {
	store   *store.Store
	salt    string // empty => plain SHA-256; non-empty => HMAC-SHA256
	byToken map[string]AgentRecord
	log     *slog.Logger
}

// New builds an Authenticator from the configured roster. salt may be
// empty, in which case the key hash is a plain SHA-256 digest.
func New(st *store.Store, roster []AgentRecord, salt string, log *slog.Logger) *Authenticator {
	byToken := make(map[string]AgentRecord, len(roster))
	for _, r := range roster {
		byToken[r.Key] = r
	}
	if log == nil {
		log = slog.Default()
	}
	return &Authenticator{store: st, salt: salt, byToken: byToken, log: log}
}

// Authenticate maps token to an agent identity, upserting the agent record
// in the store. The hash is purely an opaque lookup key; config's declared
// Agent name is authoritative for identity mapping.
func (a *Authenticator) Authenticate(ctx context.Context, token string) Result {
	if token == "" {
		return Result{Authenticated: false, Error: "Missing API key"}
	}

	rec, ok := a.lookup(token)
	if !ok {
		return Result{Authenticated: false, Error: "Invalid API key"}
	}

	hash := a.hashKey(token)

	agent, err := a.store.RegisterAgent(ctx, store.AgentRegistration{
		Name:           rec.Agent,
		Type:           rec.Type,
		Capabilities:   rec.Capabilities,
		ClearanceLevel: rec.ClearanceLevel,
		APIKeyHash:     hash,
	})
	if err != nil {
		a.log.Error("authenticate: register agent failed", "agent", rec.Agent, "error", err)
		return Result{Authenticated: false, Error: "Internal error"}
	}

	return Result{
		Authenticated:  true,
		AgentID:        agent.ID,
		AgentName:      agent.Name,
		ClearanceLevel: agent.ClearanceLevel,
	}
}

// lookup finds the roster entry whose key equals token, comparing each
// key in constant time; the scan stops at the first match.
func (a *Authenticator) lookup(token string) (AgentRecord, bool) {
	for k, rec := range a.byToken {
		if subtle.ConstantTimeCompare([]byte(k), []byte(token)) == 1 {
			return rec, true
		}
	}
	return AgentRecord{}, false
}

// hashKey computes the opaque 64-hex lookup hash for token: plain SHA-256
// when no salt is configured, HMAC-SHA256 with the salt otherwise.
func (a *Authenticator) hashKey(token string) string {
	if a.salt == "" {
		sum := sha256.Sum256([]byte(token))
		return hex.EncodeToString(sum[:])
	}
	mac := hmac.New(sha256.New, []byte(a.salt))
	_, _ = mac.Write([]byte(token))
	return hex.EncodeToString(mac.Sum(nil))
}

// RosterSize returns the number of configured API keys, for diagnostics.
func (a *Authenticator) RosterSize() int { return len(a.byToken) }
