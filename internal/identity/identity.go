// Package identity generates the opaque identifiers used throughout the
// bridge. Persisted entities (agents, projects, conversations, messages,
// memory entries) get ULIDs — lexically sortable, 128-bit, rendered as
// text — the same scheme thrum's identity package uses. Transport-layer
// sessions, which are never persisted, get UUIDs instead, keeping the two
// ID families visually distinct in the code the way bridgeMetadata and
// agentMetadata are kept as distinct types.
package identity

import (
	cryptorand "crypto/rand"
	"fmt"
	mathrand "math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewPCG(newSeed(), newSeed())), 0)
)

func newSeed() uint64 {
	var b [8]byte
	_, _ = cryptorand.Read(b[:])
	var v uint64
	for i, x := range b {
		v |= uint64(x) << (8 * i)
	}
	return v
}

// newULID returns a fresh, monotonic-within-process ULID string.
func newULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// NewAgentID returns a new opaque agent identifier.
func NewAgentID() string { return "agt_" + newULID() }

// NewProjectID returns a new opaque project identifier.
func NewProjectID() string { return "prj_" + newULID() }

// NewConversationID returns a new opaque conversation identifier.
func NewConversationID() string { return "cnv_" + newULID() }

// NewMessageID returns a new opaque message identifier.
func NewMessageID() string { return "msg_" + newULID() }

// NewMemoryID returns a new opaque memory-entry identifier.
func NewMemoryID() string { return "mem_" + newULID() }

// NewSessionID returns a new transport session identifier.
func NewSessionID() string { return "ses_" + uuid.NewString() }

// NewDaemonID returns a unique identifier for this bridge process instance,
// used only for log correlation (not persisted in the data model).
func NewDaemonID() string { return fmt.Sprintf("brg_%x", uuid.New()) }
