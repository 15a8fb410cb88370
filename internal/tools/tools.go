// Package tools implements C7: the fixed JSON-RPC tool surface, scoped to
// one authenticated agent per spec §9's "single dispatch, multiple
// scopes" note — a factory produces a handler set that closes over
// agentID (the transport builds one per tools/list and tools/call
// request), rather than threading agentID through every call. Grounded on thrum's internal/mcp/tools.go handler
// registry shape (name → schema → handler), adapted to the store/
// visibility domain instead of thrum's node/session tools.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/agorai/bridge/internal/store"
	"github.com/agorai/bridge/internal/visibility"
)

// errAccessDenied is the uniform message spec §4.7 requires for every
// gate failure — it never distinguishes "absent" from "forbidden".
const errAccessDenied = "Not found or access denied"

// Tool describes one JSON-RPC tool: its schema for tools/list and its
// handler for tools/call.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
	Handle      func(ctx context.Context, args json.RawMessage) (any, error)
}

// Set is the handler set bound to one agent. The transport constructs a
// fresh Set from the authenticated caller's agent id for each tools/list
// and tools/call request.
type Set struct {
	store   *store.Store
	agentID string
	tools   map[string]*Tool
	order   []string
}

// NewSet builds the tool surface scoped to agentID.
func NewSet(st *store.Store, agentID string) *Set {
	s := &Set{store: st, agentID: agentID, tools: make(map[string]*Tool)}
	s.register(s.registerAgentTool())
	s.register(s.listAgentsTool())
	s.register(s.createProjectTool())
	s.register(s.listProjectsTool())
	s.register(s.getMemoryTool())
	s.register(s.setMemoryTool())
	s.register(s.deleteMemoryTool())
	s.register(s.createConversationTool())
	s.register(s.listConversationsTool())
	s.register(s.subscribeTool())
	s.register(s.unsubscribeTool())
	s.register(s.listSubscribersTool())
	s.register(s.sendMessageTool())
	s.register(s.getMessagesTool())
	s.register(s.markReadTool())
	s.register(s.getStatusTool())
	return s
}

func (s *Set) register(t *Tool) {
	s.tools[t.Name] = t
	s.order = append(s.order, t.Name)
}

// List returns every tool's schema, in registration order, for a
// tools/list response.
func (s *Set) List() []*Tool {
	out := make([]*Tool, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.tools[name])
	}
	return out
}

// Call dispatches a tools/call invocation by name. An unknown tool name
// returns an error, which the transport reports as a JSON-RPC error
// (code -32000).
func (s *Set) Call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	t, ok := s.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	return t.Handle(ctx, args)
}

// denied wraps store.ErrNotFound/ErrAccessDenied into the uniform string
// the wire format requires.
func denied() error { return fmt.Errorf("%s", errAccessDenied) }

// ---------------------------------------------------------- register_agent

type registerAgentArgs struct {
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
}

func (s *Set) registerAgentTool() *Tool {
	return &Tool{
		Name:        "register_agent",
		Description: "Update the caller's own agent profile (type, capabilities). Clearance and key hash are never client-writable.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"type":         map[string]any{"type": "string"},
				"capabilities": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
		},
		Handle: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a registerAgentArgs
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			me, err := s.store.GetAgent(ctx, s.agentID)
			if err != nil {
				return nil, err
			}
			if a.Type == "" {
				a.Type = me.Type
			}
			if err := s.store.UpdateAgentProfile(ctx, s.agentID, a.Type, a.Capabilities); err != nil {
				return nil, err
			}
			return map[string]any{"id": me.ID, "name": me.Name, "type": a.Type, "capabilities": a.Capabilities}, nil
		},
	}
}

// -------------------------------------------------------------- list_agents

type listAgentsArgs struct {
	ProjectID string `json:"project_id"`
}

func (s *Set) listAgentsTool() *Tool {
	return &Tool{
		Name:        "list_agents",
		Description: "List known agents. With project_id, restrict to agents subscribed to a conversation in a project the caller can access.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"project_id": map[string]any{"type": "string"}},
		},
		Handle: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a listAgentsArgs
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &a); err != nil {
					return nil, fmt.Errorf("invalid arguments: %w", err)
				}
			}
			if a.ProjectID == "" {
				agents, err := s.store.ListAgents(ctx)
				if err != nil {
					return nil, err
				}
				return agentSummaries(agents), nil
			}

			if _, err := s.store.GetProject(ctx, a.ProjectID, s.agentID); err != nil {
				return nil, denied()
			}
			convs, err := s.store.ListConversations(ctx, a.ProjectID, s.agentID)
			if err != nil {
				return nil, err
			}
			seen := make(map[string]struct{})
			for _, c := range convs {
				subs, err := s.store.ListSubscribers(ctx, c.ID)
				if err != nil {
					return nil, err
				}
				for _, sub := range subs {
					seen[sub.AgentID] = struct{}{}
				}
			}
			all, err := s.store.ListAgents(ctx)
			if err != nil {
				return nil, err
			}
			var out []*store.Agent
			for _, ag := range all {
				if _, ok := seen[ag.ID]; ok {
					out = append(out, ag)
				}
			}
			return agentSummaries(out), nil
		},
	}
}

func agentSummaries(agents []*store.Agent) []map[string]any {
	out := make([]map[string]any, 0, len(agents))
	for _, a := range agents {
		out = append(out, map[string]any{
			"id": a.ID, "name": a.Name, "type": a.Type, "capabilities": a.Capabilities,
			"clearanceLevel": a.ClearanceLevel.String(), "lastSeenAt": a.LastSeenAt,
		})
	}
	return out
}

// ----------------------------------------------------------- create_project

type createProjectArgs struct {
	Name                string `json:"name"`
	Description         string `json:"description"`
	Visibility          string `json:"visibility"`
	ConfidentialityMode string `json:"confidentiality_mode"`
}

func (s *Set) createProjectTool() *Tool {
	return &Tool{
		Name:        "create_project",
		Description: "Create a project.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"name":                 map[string]any{"type": "string"},
				"description":          map[string]any{"type": "string"},
				"visibility":           map[string]any{"type": "string", "enum": []string{"public", "team", "confidential", "restricted"}, "default": "team"},
				"confidentiality_mode": map[string]any{"type": "string", "enum": []string{"normal", "strict", "flexible"}, "default": "normal"},
			},
			"required": []string{"name"},
		},
		Handle: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a createProjectArgs
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if a.Name == "" {
				return nil, fmt.Errorf("name is required")
			}
			vis, err := visibility.ParseOrDefault(a.Visibility)
			if err != nil {
				return nil, err
			}
			mode := store.ConfidentialityMode(a.ConfidentialityMode)
			if mode == "" {
				mode = store.ModeNormal
			}
			p, err := s.store.CreateProject(ctx, store.ProjectCreation{
				Name: a.Name, Description: a.Description, Visibility: vis, ConfidentialityMode: mode, CreatedBy: s.agentID,
			})
			if err != nil {
				return nil, err
			}
			return p, nil
		},
	}
}

func (s *Set) listProjectsTool() *Tool {
	return &Tool{
		Name:        "list_projects",
		Description: "List projects visible to the caller, most recently updated first.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Handle: func(ctx context.Context, raw json.RawMessage) (any, error) {
			return s.store.ListProjects(ctx, s.agentID)
		},
	}
}

// ----------------------------------------------------------------- memory

type getMemoryArgs struct {
	ProjectID string   `json:"project_id"`
	Type      string   `json:"type"`
	Tags      []string `json:"tags"`
	Limit     int      `json:"limit"`
}

func (s *Set) getMemoryTool() *Tool {
	return &Tool{
		Name:        "get_memory",
		Description: "Fetch project memory entries visible to the caller.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"project_id": map[string]any{"type": "string"},
				"type":       map[string]any{"type": "string"},
				"tags":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"limit":      map[string]any{"type": "integer", "default": 50},
			},
			"required": []string{"project_id"},
		},
		Handle: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a getMemoryArgs
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if _, err := s.store.GetProject(ctx, a.ProjectID, s.agentID); err != nil {
				return nil, denied()
			}
			limit := a.Limit
			if limit <= 0 {
				limit = 50
			}
			return s.store.GetMemory(ctx, a.ProjectID, s.agentID, store.MemoryFilter{Type: a.Type, Tags: a.Tags, Limit: limit})
		},
	}
}

type setMemoryArgs struct {
	ProjectID  string   `json:"project_id"`
	Type       string   `json:"type"`
	Title      string   `json:"title"`
	Tags       []string `json:"tags"`
	Priority   int      `json:"priority"`
	Visibility string   `json:"visibility"`
	Content    string   `json:"content"`
}

func (s *Set) setMemoryTool() *Tool {
	return &Tool{
		Name:        "set_memory",
		Description: "Create a memory entry in a project the caller can access.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"project_id": map[string]any{"type": "string"},
				"type":       map[string]any{"type": "string"},
				"title":      map[string]any{"type": "string"},
				"tags":       map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"priority":   map[string]any{"type": "integer", "default": 0},
				"visibility": map[string]any{"type": "string", "default": "team"},
				"content":    map[string]any{"type": "string"},
			},
			"required": []string{"project_id", "type", "title", "content"},
		},
		Handle: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a setMemoryArgs
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if _, err := s.store.GetProject(ctx, a.ProjectID, s.agentID); err != nil {
				return nil, denied()
			}
			vis, err := visibility.ParseOrDefault(a.Visibility)
			if err != nil {
				return nil, err
			}
			return s.store.SetMemory(ctx, store.MemoryCreation{
				ProjectID: a.ProjectID, Type: a.Type, Title: a.Title, Tags: a.Tags, Priority: a.Priority,
				Visibility: vis, Content: a.Content, CreatedBy: s.agentID,
			})
		},
	}
}

type deleteMemoryArgs struct {
	ID string `json:"id"`
}

func (s *Set) deleteMemoryTool() *Tool {
	return &Tool{
		Name:        "delete_memory",
		Description: "Delete a memory entry the caller created.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"id": map[string]any{"type": "string"}},
			"required":   []string{"id"},
		},
		Handle: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a deleteMemoryArgs
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			entry, err := s.store.GetMemoryEntry(ctx, a.ID)
			if err != nil {
				return nil, denied()
			}
			if entry.CreatedBy != s.agentID {
				return nil, denied()
			}
			if _, err := s.store.GetProject(ctx, entry.ProjectID, s.agentID); err != nil {
				return nil, denied()
			}
			ok, err := s.store.DeleteMemory(ctx, a.ID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"deleted": ok}, nil
		},
	}
}

// ------------------------------------------------------------ conversations

type createConversationArgs struct {
	ProjectID         string `json:"project_id"`
	Title             string `json:"title"`
	DefaultVisibility string `json:"default_visibility"`
}

func (s *Set) createConversationTool() *Tool {
	return &Tool{
		Name:        "create_conversation",
		Description: "Create a conversation inside a project the caller can access, and subscribe the caller to it.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"project_id":         map[string]any{"type": "string"},
				"title":              map[string]any{"type": "string"},
				"default_visibility": map[string]any{"type": "string", "default": "team"},
			},
			"required": []string{"project_id", "title"},
		},
		Handle: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a createConversationArgs
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if _, err := s.store.GetProject(ctx, a.ProjectID, s.agentID); err != nil {
				return nil, denied()
			}
			vis, err := visibility.ParseOrDefault(a.DefaultVisibility)
			if err != nil {
				return nil, err
			}
			conv, err := s.store.CreateConversation(ctx, store.ConversationCreation{
				ProjectID: a.ProjectID, Title: a.Title, DefaultVisibility: vis, CreatedBy: s.agentID,
			})
			if err != nil {
				return nil, err
			}
			if err := s.store.Subscribe(ctx, conv.ID, s.agentID, store.HistoryFull); err != nil {
				return nil, err
			}
			return conv, nil
		},
	}
}

type listConversationsArgs struct {
	ProjectID string `json:"project_id"`
}

func (s *Set) listConversationsTool() *Tool {
	return &Tool{
		Name:        "list_conversations",
		Description: "List conversations in a project visible to the caller.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"project_id": map[string]any{"type": "string"}},
			"required":   []string{"project_id"},
		},
		Handle: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a listConversationsArgs
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			convs, err := s.store.ListConversations(ctx, a.ProjectID, s.agentID)
			if err != nil {
				return nil, denied()
			}
			return convs, nil
		},
	}
}

// --------------------------------------------------------- subscriptions

type conversationIDArgs struct {
	ConversationID string `json:"conversation_id"`
	HistoryAccess  string `json:"history_access"`
}

func (s *Set) subscribeTool() *Tool {
	return &Tool{
		Name:        "subscribe",
		Description: "Subscribe the caller to a conversation.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"conversation_id": map[string]any{"type": "string"},
				"history_access":  map[string]any{"type": "string", "enum": []string{"full", "from_join"}, "default": "full"},
			},
			"required": []string{"conversation_id"},
		},
		Handle: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a conversationIDArgs
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			conv, err := s.store.GetConversation(ctx, a.ConversationID)
			if err != nil {
				return nil, denied()
			}
			if _, err := s.store.GetProject(ctx, conv.ProjectID, s.agentID); err != nil {
				return nil, denied()
			}
			access := store.HistoryAccess(a.HistoryAccess)
			if access == "" {
				access = store.HistoryFull
			}
			if err := s.store.Subscribe(ctx, a.ConversationID, s.agentID, access); err != nil {
				return nil, err
			}
			return map[string]any{"subscribed": true}, nil
		},
	}
}

func (s *Set) unsubscribeTool() *Tool {
	return &Tool{
		Name:        "unsubscribe",
		Description: "Unsubscribe the caller from a conversation.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"conversation_id": map[string]any{"type": "string"}},
			"required":   []string{"conversation_id"},
		},
		Handle: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a conversationIDArgs
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if err := s.store.Unsubscribe(ctx, a.ConversationID, s.agentID); err != nil {
				return nil, err
			}
			return map[string]any{"unsubscribed": true}, nil
		},
	}
}

func (s *Set) listSubscribersTool() *Tool {
	return &Tool{
		Name:        "list_subscribers",
		Description: "List subscribers of a conversation the caller is subscribed to.",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"conversation_id": map[string]any{"type": "string"}},
			"required":   []string{"conversation_id"},
		},
		Handle: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a conversationIDArgs
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if err := s.requireSubscribed(ctx, a.ConversationID); err != nil {
				return nil, err
			}
			return s.store.ListSubscribers(ctx, a.ConversationID)
		},
	}
}

func (s *Set) requireSubscribed(ctx context.Context, conversationID string) error {
	ok, err := s.store.IsSubscribed(ctx, conversationID, s.agentID)
	if err != nil {
		return err
	}
	if !ok {
		return denied()
	}
	return nil
}

// -------------------------------------------------------------- messages

type sendMessageArgs struct {
	ConversationID string         `json:"conversation_id"`
	Type           string         `json:"type"`
	Visibility     *string        `json:"visibility"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata"`
}

func (s *Set) sendMessageTool() *Tool {
	return &Tool{
		Name:        "send_message",
		Description: "Send a message to a conversation the caller is subscribed to.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"conversation_id": map[string]any{"type": "string"},
				"type":            map[string]any{"type": "string", "enum": []string{"message", "spec", "result", "review", "status", "question"}, "default": "message"},
				"visibility":      map[string]any{"type": "string"},
				"content":         map[string]any{"type": "string"},
				"metadata":        map[string]any{"type": "object"},
			},
			"required": []string{"conversation_id", "content"},
		},
		Handle: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a sendMessageArgs
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if err := s.requireSubscribed(ctx, a.ConversationID); err != nil {
				return nil, err
			}
			msgType := store.MessageType(a.Type)
			if msgType == "" {
				msgType = store.MessageKindMessage
			}
			var vis *visibility.Level
			if a.Visibility != nil {
				v, err := visibility.Parse(*a.Visibility)
				if err != nil {
					return nil, err
				}
				vis = &v
			}
			msg, err := s.store.SendMessage(ctx, store.MessageSend{
				ConversationID: a.ConversationID, FromAgent: s.agentID, Type: msgType,
				Visibility: vis, Content: a.Content, Metadata: a.Metadata,
			})
			if err != nil {
				return nil, err
			}
			// The response omits the deprecated flat metadata field and
			// always includes bridgeMetadata plus the sender's own
			// agentMetadata (spec §4.7) — both are visible here because
			// the caller is the sender.
			return messageView(msg, true), nil
		},
	}
}

type getMessagesArgs struct {
	ConversationID string `json:"conversation_id"`
	Since          string `json:"since"`
	UnreadOnly     bool   `json:"unread_only"`
	Limit          int    `json:"limit"`
}

func (s *Set) getMessagesTool() *Tool {
	return &Tool{
		Name:        "get_messages",
		Description: "Fetch messages in a conversation the caller is subscribed to.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"conversation_id": map[string]any{"type": "string"},
				"since":           map[string]any{"type": "string"},
				"unread_only":     map[string]any{"type": "boolean", "default": false},
				"limit":           map[string]any{"type": "integer", "default": 50},
			},
			"required": []string{"conversation_id"},
		},
		Handle: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a getMessagesArgs
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if err := s.requireSubscribed(ctx, a.ConversationID); err != nil {
				return nil, err
			}
			opts := store.ListMessagesOptions{UnreadOnly: a.UnreadOnly, Limit: a.Limit}
			if opts.Limit <= 0 {
				opts.Limit = 50
			}
			if a.Since != "" {
				t, err := time.Parse(time.RFC3339Nano, a.Since)
				if err != nil {
					return nil, fmt.Errorf("invalid since: %w", err)
				}
				opts.Since = &t
			}
			msgs, err := s.store.GetMessages(ctx, a.ConversationID, s.agentID, opts)
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(msgs))
			for _, m := range msgs {
				// get_messages strips agentMetadata for any message not
				// authored by the caller (spec §4.7) — it is private to
				// the sender.
				out = append(out, messageView(m, m.FromAgent == s.agentID))
			}
			return out, nil
		},
	}
}

func messageView(m *store.Message, includeAgentMetadata bool) map[string]any {
	view := map[string]any{
		"id":             m.ID,
		"conversationId": m.ConversationID,
		"fromAgent":      m.FromAgent,
		"type":           m.Type,
		"visibility":     m.Visibility.String(),
		"content":        m.Content,
		"bridgeMetadata": m.BridgeMetadata,
		"createdAt":      m.CreatedAt,
	}
	if includeAgentMetadata {
		view["agentMetadata"] = m.AgentMetadata
	}
	return view
}

type markReadArgs struct {
	ConversationID string `json:"conversation_id"`
	UpToMessageID  string `json:"up_to_message_id"`
}

func (s *Set) markReadTool() *Tool {
	return &Tool{
		Name:        "mark_read",
		Description: "Mark visible messages in a conversation as read, optionally up to and including a given message id.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"conversation_id":  map[string]any{"type": "string"},
				"up_to_message_id": map[string]any{"type": "string"},
			},
			"required": []string{"conversation_id"},
		},
		Handle: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a markReadArgs
			if err := json.Unmarshal(raw, &a); err != nil {
				return nil, fmt.Errorf("invalid arguments: %w", err)
			}
			if err := s.requireSubscribed(ctx, a.ConversationID); err != nil {
				return nil, err
			}
			visible, err := s.store.GetMessages(ctx, a.ConversationID, s.agentID, store.ListMessagesOptions{Limit: 0})
			if err != nil {
				return nil, err
			}

			var ids []string
			if a.UpToMessageID == "" {
				for _, m := range visible {
					ids = append(ids, m.ID)
				}
			} else {
				found := false
				for _, m := range visible {
					ids = append(ids, m.ID)
					if m.ID == a.UpToMessageID {
						found = true
						break
					}
				}
				if !found {
					return map[string]any{"marked": 0}, nil
				}
			}

			if err := s.store.MarkRead(ctx, ids, s.agentID); err != nil {
				return nil, err
			}
			return map[string]any{"marked": len(ids)}, nil
		},
	}
}

// ----------------------------------------------------------- get_status
//
// get_status is a supplemented tool (not in the distilled spec's explicit
// inventory text, but named in its §2 inventory table): it reports the
// caller's own agent record plus its per-project high-water marks and
// its total unread count, giving an agent a cheap way to orient itself without
// walking every project and conversation by hand.

func (s *Set) getStatusTool() *Tool {
	return &Tool{
		Name:        "get_status",
		Description: "Report the caller's agent record, per-project high-water marks, and total unread count.",
		InputSchema: map[string]any{"type": "object", "properties": map[string]any{}},
		Handle: func(ctx context.Context, raw json.RawMessage) (any, error) {
			me, err := s.store.GetAgent(ctx, s.agentID)
			if err != nil {
				return nil, err
			}
			projects, err := s.store.ListProjects(ctx, s.agentID)
			if err != nil {
				return nil, err
			}
			hwms := make([]map[string]any, 0, len(projects))
			for _, p := range projects {
				hwm, err := s.store.GetHighWaterMark(ctx, s.agentID, p.ID)
				if err != nil {
					return nil, err
				}
				maxVis := visibility.Public
				var updatedAt any
				if hwm != nil {
					maxVis = hwm.MaxVisibility
					updatedAt = hwm.UpdatedAt
				}
				hwms = append(hwms, map[string]any{
					"projectId": p.ID, "projectName": p.Name, "maxVisibility": maxVis.String(), "updatedAt": updatedAt,
				})
			}
			unread, err := s.store.GetUnreadCount(ctx, s.agentID)
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"agent": map[string]any{
					"id": me.ID, "name": me.Name, "type": me.Type,
					"clearanceLevel": me.ClearanceLevel.String(), "lastSeenAt": me.LastSeenAt,
				},
				"highWaterMarks": hwms,
				"unreadCount":    unread,
			}, nil
		},
	}
}

// mentionPattern builds a case-insensitive, word-bounded regexp matching
// "@name" for the internal runner's passive-mode gate (spec §4.10 step 3).
// It lives here because it operates on the same message content shape the
// tool surface exchanges.
func mentionPattern(name string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(name) + `\b`)
}

// MentionsAgent reports whether content contains an @-mention of name.
func MentionsAgent(content, name string) bool {
	if name == "" {
		return false
	}
	return mentionPattern(name).MatchString(content)
}
