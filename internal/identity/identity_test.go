package identity_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agorai/bridge/internal/identity"
)

func TestIDsCarryExpectedPrefixes(t *testing.T) {
	assert.True(t, strings.HasPrefix(identity.NewAgentID(), "agt_"))
	assert.True(t, strings.HasPrefix(identity.NewProjectID(), "prj_"))
	assert.True(t, strings.HasPrefix(identity.NewConversationID(), "cnv_"))
	assert.True(t, strings.HasPrefix(identity.NewMessageID(), "msg_"))
	assert.True(t, strings.HasPrefix(identity.NewMemoryID(), "mem_"))
	assert.True(t, strings.HasPrefix(identity.NewSessionID(), "ses_"))
	assert.True(t, strings.HasPrefix(identity.NewDaemonID(), "brg_"))
}

func TestIDsAreUnique(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		id := identity.NewMessageID()
		_, dup := seen[id]
		assert.False(t, dup, "generated a duplicate id: %s", id)
		seen[id] = struct{}{}
	}
}

func TestMessageIDsAreMonotonicWithinProcess(t *testing.T) {
	a := identity.NewMessageID()
	b := identity.NewMessageID()
	assert.Less(t, a, b, "monotonic ULID entropy keeps successive ids lexically ordered")
}
