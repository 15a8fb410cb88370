package tools_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agorai/bridge/internal/store"
	"github.com/agorai/bridge/internal/storetest"
	"github.com/agorai/bridge/internal/tools"
	"github.com/agorai/bridge/internal/visibility"
)

func registerAgent(t *testing.T, st *store.Store, name string, clearance visibility.Level) *store.Agent {
	t.Helper()
	a, err := st.RegisterAgent(t.Context(), store.AgentRegistration{Name: name, Type: "assistant", ClearanceLevel: clearance, APIKeyHash: "h:" + name})
	require.NoError(t, err)
	return a
}

func call(t *testing.T, set *tools.Set, name string, args any) (any, error) {
	t.Helper()
	raw, err := json.Marshal(args)
	require.NoError(t, err)
	return set.Call(t.Context(), name, raw)
}

func TestSendMessageRequiresSubscription(t *testing.T) {
	st, _ := storetest.New(t)
	ctx := t.Context()
	alice := registerAgent(t, st, "alice", visibility.Team)
	proj, err := st.CreateProject(ctx, store.ProjectCreation{Name: "p", Visibility: visibility.Public, CreatedBy: alice.ID})
	require.NoError(t, err)
	conv, err := st.CreateConversation(ctx, store.ConversationCreation{ProjectID: proj.ID, Title: "c", DefaultVisibility: visibility.Public, CreatedBy: alice.ID})
	require.NoError(t, err)

	set := tools.NewSet(st, alice.ID)
	_, err = call(t, set, "send_message", map[string]any{"conversation_id": conv.ID, "content": "hi"})
	assert.EqualError(t, err, "Not found or access denied")

	_, err = call(t, set, "subscribe", map[string]any{"conversation_id": conv.ID})
	require.NoError(t, err)

	_, err = call(t, set, "send_message", map[string]any{"conversation_id": conv.ID, "content": "hi"})
	assert.NoError(t, err)
}

func TestGetMemoryDeniedWithoutProjectAccess(t *testing.T) {
	st, _ := storetest.New(t)
	ctx := t.Context()
	owner := registerAgent(t, st, "owner", visibility.Restricted)
	outsider := registerAgent(t, st, "outsider", visibility.Public)
	proj, err := st.CreateProject(ctx, store.ProjectCreation{Name: "p", Visibility: visibility.Confidential, CreatedBy: owner.ID})
	require.NoError(t, err)

	set := tools.NewSet(st, outsider.ID)
	_, err = call(t, set, "get_memory", map[string]any{"project_id": proj.ID})
	assert.EqualError(t, err, "Not found or access denied")
}

func TestDeleteMemoryOnlyByCreator(t *testing.T) {
	st, _ := storetest.New(t)
	ctx := t.Context()
	alice := registerAgent(t, st, "alice", visibility.Team)
	bob := registerAgent(t, st, "bob", visibility.Team)
	proj, err := st.CreateProject(ctx, store.ProjectCreation{Name: "p", Visibility: visibility.Public, CreatedBy: alice.ID})
	require.NoError(t, err)

	aliceSet := tools.NewSet(st, alice.ID)
	res, err := call(t, aliceSet, "set_memory", map[string]any{"project_id": proj.ID, "type": "note", "title": "t", "content": "c"})
	require.NoError(t, err)
	entry := res.(*store.MemoryEntry)

	bobSet := tools.NewSet(st, bob.ID)
	_, err = call(t, bobSet, "delete_memory", map[string]any{"id": entry.ID})
	assert.EqualError(t, err, "Not found or access denied")

	out, err := call(t, aliceSet, "delete_memory", map[string]any{"id": entry.ID})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"deleted": true}, out)
}

func TestGetMessagesStripsAgentMetadataForOthers(t *testing.T) {
	st, _ := storetest.New(t)
	ctx := t.Context()
	alice := registerAgent(t, st, "alice", visibility.Team)
	bob := registerAgent(t, st, "bob", visibility.Team)
	proj, err := st.CreateProject(ctx, store.ProjectCreation{Name: "p", Visibility: visibility.Public, CreatedBy: alice.ID})
	require.NoError(t, err)
	conv, err := st.CreateConversation(ctx, store.ConversationCreation{ProjectID: proj.ID, Title: "c", DefaultVisibility: visibility.Public, CreatedBy: alice.ID})
	require.NoError(t, err)
	require.NoError(t, st.Subscribe(ctx, conv.ID, alice.ID, store.HistoryFull))
	require.NoError(t, st.Subscribe(ctx, conv.ID, bob.ID, store.HistoryFull))

	aliceSet := tools.NewSet(st, alice.ID)
	_, err = call(t, aliceSet, "send_message", map[string]any{
		"conversation_id": conv.ID, "content": "x", "metadata": map[string]any{"private": "note"},
	})
	require.NoError(t, err)

	bobSet := tools.NewSet(st, bob.ID)
	out, err := call(t, bobSet, "get_messages", map[string]any{"conversation_id": conv.ID})
	require.NoError(t, err)
	list := out.([]map[string]any)
	require.Len(t, list, 1)
	_, hasMeta := list[0]["agentMetadata"]
	assert.False(t, hasMeta, "agentMetadata must not leak to a non-sender")

	self, err := call(t, aliceSet, "get_messages", map[string]any{"conversation_id": conv.ID})
	require.NoError(t, err)
	selfList := self.([]map[string]any)
	require.Len(t, selfList, 1)
	assert.Equal(t, map[string]any{"private": "note"}, selfList[0]["agentMetadata"])
}

func TestMarkReadUpToMessageID(t *testing.T) {
	st, _ := storetest.New(t)
	ctx := t.Context()
	alice := registerAgent(t, st, "alice", visibility.Team)
	proj, err := st.CreateProject(ctx, store.ProjectCreation{Name: "p", Visibility: visibility.Public, CreatedBy: alice.ID})
	require.NoError(t, err)
	conv, err := st.CreateConversation(ctx, store.ConversationCreation{ProjectID: proj.ID, Title: "c", DefaultVisibility: visibility.Public, CreatedBy: alice.ID})
	require.NoError(t, err)
	require.NoError(t, st.Subscribe(ctx, conv.ID, alice.ID, store.HistoryFull))

	set := tools.NewSet(st, alice.ID)
	var ids []string
	for i := 0; i < 3; i++ {
		msg, err := st.SendMessage(ctx, store.MessageSend{ConversationID: conv.ID, FromAgent: alice.ID, Content: "m"})
		require.NoError(t, err)
		ids = append(ids, msg.ID)
	}

	out, err := call(t, set, "mark_read", map[string]any{"conversation_id": conv.ID, "up_to_message_id": ids[1]})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"marked": 2}, out)

	unread, err := st.GetMessages(ctx, conv.ID, alice.ID, store.ListMessagesOptions{UnreadOnly: true})
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.Equal(t, ids[2], unread[0].ID)
}

func TestMarkReadUnknownTargetMarksNothing(t *testing.T) {
	st, _ := storetest.New(t)
	ctx := t.Context()
	alice := registerAgent(t, st, "alice", visibility.Team)
	proj, err := st.CreateProject(ctx, store.ProjectCreation{Name: "p", Visibility: visibility.Public, CreatedBy: alice.ID})
	require.NoError(t, err)
	conv, err := st.CreateConversation(ctx, store.ConversationCreation{ProjectID: proj.ID, Title: "c", DefaultVisibility: visibility.Public, CreatedBy: alice.ID})
	require.NoError(t, err)
	require.NoError(t, st.Subscribe(ctx, conv.ID, alice.ID, store.HistoryFull))
	_, err = st.SendMessage(ctx, store.MessageSend{ConversationID: conv.ID, FromAgent: alice.ID, Content: "m"})
	require.NoError(t, err)

	set := tools.NewSet(st, alice.ID)
	out, err := call(t, set, "mark_read", map[string]any{"conversation_id": conv.ID, "up_to_message_id": "msg_does_not_exist"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"marked": 0}, out)
}

func TestMentionsAgent(t *testing.T) {
	assert.True(t, tools.MentionsAgent("hey @scout can you check this?", "scout"))
	assert.True(t, tools.MentionsAgent("@Scout!", "scout"), "matching is case-insensitive")
	assert.False(t, tools.MentionsAgent("@scoutmaster handled it", "scout"), "must be word-bounded, not a prefix match")
	assert.False(t, tools.MentionsAgent("no mentions here", "scout"))
	assert.False(t, tools.MentionsAgent("@scout", ""))
}

func TestListAgentsScopedToProjectRestrictsToSubscribers(t *testing.T) {
	st, _ := storetest.New(t)
	ctx := t.Context()
	alice := registerAgent(t, st, "alice", visibility.Team)
	bob := registerAgent(t, st, "bob", visibility.Team)
	_ = registerAgent(t, st, "carol", visibility.Team)
	proj, err := st.CreateProject(ctx, store.ProjectCreation{Name: "p", Visibility: visibility.Public, CreatedBy: alice.ID})
	require.NoError(t, err)
	conv, err := st.CreateConversation(ctx, store.ConversationCreation{ProjectID: proj.ID, Title: "c", DefaultVisibility: visibility.Public, CreatedBy: alice.ID})
	require.NoError(t, err)
	require.NoError(t, st.Subscribe(ctx, conv.ID, alice.ID, store.HistoryFull))
	require.NoError(t, st.Subscribe(ctx, conv.ID, bob.ID, store.HistoryFull))

	set := tools.NewSet(st, alice.ID)
	out, err := call(t, set, "list_agents", map[string]any{"project_id": proj.ID})
	require.NoError(t, err)
	list := out.([]map[string]any)
	assert.Len(t, list, 2, "carol never subscribed to any conversation in the project")
}
