// Package store implements C2: the persistent, multi-tenant data model
// with mandatory, server-side clearance filtering on every read and
// visibility capping on every write. Grounded on thrum's state.go/
// schema.go (modernc.org/sqlite, goose-managed schema, serialized single
// writer) but without the JSONL event log / git-sync machinery, which
// backs thrum's cross-node replication — a Non-goal here.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/agorai/bridge/internal/eventbus"
	"github.com/agorai/bridge/internal/identity"
	"github.com/agorai/bridge/internal/visibility"
)

// forgeFilter matches any top-level metadata key an agent must never be
// able to set: a case-insensitive prefix of "bridge", optionally preceded
// by a single underscore (spec §3: "_bridgeXxx", "bridgeMetadata",
// "bridge_metadata").
var forgeFilter = regexp.MustCompile(`(?i)^_?bridge`)

// timeLayout is RFC 3339 with a fixed nine-digit fraction. Unlike
// time.RFC3339Nano it never trims trailing zeros, so the stored TEXT
// timestamps compare and sort in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store is the bridge's sole durable state. It is safe for concurrent use;
// SQLite's single-connection pool (set in OpenDB) serializes statements.
// Multi-statement sequences rely on transactions or single upsert
// statements; the Store holds no mutex of its own.
type Store struct {
	db  *sql.DB
	bus *eventbus.Bus
	log *slog.Logger
}

// New wraps an already-migrated *sql.DB.
func New(db *sql.DB, bus *eventbus.Bus, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{db: db, bus: bus, log: log}
}

// DB exposes the underlying connection for components (metrics, health
// checks) that need direct read-only access.
func (s *Store) DB() *sql.DB { return s.db }

// ---------------------------------------------------------------- agents --

// RegisterAgent upserts by name: an existing agent keeps its id and
// createdAt; type, capabilities, clearance, hash, and lastSeenAt are
// replaced. A new name inserts a fresh row.
func (s *Store) RegisterAgent(ctx context.Context, reg AgentRegistration) (*Agent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	capsJSON, err := json.Marshal(reg.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("marshal capabilities: %w", err)
	}

	var existingID string
	var createdAt time.Time
	err = tx.QueryRowContext(ctx, `SELECT id, created_at FROM agents WHERE name = ?`, reg.Name).Scan(&existingID, &rfc3339Scanner{&createdAt})
	switch {
	case err == sql.ErrNoRows:
		id := identity.NewAgentID()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO agents (id, name, type, capabilities, clearance_level, api_key_hash, last_seen_at, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			id, reg.Name, reg.Type, string(capsJSON), int(reg.ClearanceLevel), reg.APIKeyHash, now.Format(timeLayout), now.Format(timeLayout))
		if err != nil {
			return nil, fmt.Errorf("insert agent: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit: %w", err)
		}
		return &Agent{
			ID: id, Name: reg.Name, Type: reg.Type, Capabilities: reg.Capabilities,
			ClearanceLevel: reg.ClearanceLevel, APIKeyHash: reg.APIKeyHash,
			LastSeenAt: now, CreatedAt: now,
		}, nil
	case err != nil:
		return nil, fmt.Errorf("lookup agent by name: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE agents SET type = ?, capabilities = ?, clearance_level = ?, api_key_hash = ?, last_seen_at = ?
		WHERE id = ?`,
		reg.Type, string(capsJSON), int(reg.ClearanceLevel), reg.APIKeyHash, now.Format(timeLayout), existingID)
	if err != nil {
		return nil, fmt.Errorf("update agent: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &Agent{
		ID: existingID, Name: reg.Name, Type: reg.Type, Capabilities: reg.Capabilities,
		ClearanceLevel: reg.ClearanceLevel, APIKeyHash: reg.APIKeyHash,
		LastSeenAt: now, CreatedAt: createdAt,
	}, nil
}

// GetAgent fetches an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, capabilities, clearance_level, api_key_hash, last_seen_at, created_at
		FROM agents WHERE id = ?`, id)
	return scanAgent(row)
}

// GetAgentByName fetches an agent by its unique name.
func (s *Store) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, type, capabilities, clearance_level, api_key_hash, last_seen_at, created_at
		FROM agents WHERE name = ?`, name)
	return scanAgent(row)
}

// ListAgents returns every registered agent, ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, type, capabilities, clearance_level, api_key_hash, last_seen_at, created_at
		FROM agents ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Agent
	for rows.Next() {
		a, err := scanAgentRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAgentProfile updates only name-preserving fields (type,
// capabilities) for one agent — used by the register_agent tool, which
// may only touch the caller's own agent and never its clearance or hash.
func (s *Store) UpdateAgentProfile(ctx context.Context, id, agentType string, capabilities []string) error {
	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET type = ?, capabilities = ?, last_seen_at = ? WHERE id = ?`,
		agentType, string(capsJSON), time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("update agent profile: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateAgentLastSeen refreshes an agent's heartbeat timestamp.
func (s *Store) UpdateAgentLastSeen(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE agents SET last_seen_at = ? WHERE id = ?`,
		time.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("update last seen: %w", err)
	}
	return nil
}

func scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	var capsJSON string
	var clearance int
	var lastSeen, createdAt string
	err := row.Scan(&a.ID, &a.Name, &a.Type, &capsJSON, &clearance, &a.APIKeyHash, &lastSeen, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	return finishAgent(&a, capsJSON, clearance, lastSeen, createdAt)
}

func scanAgentRows(rows *sql.Rows) (*Agent, error) {
	var a Agent
	var capsJSON string
	var clearance int
	var lastSeen, createdAt string
	if err := rows.Scan(&a.ID, &a.Name, &a.Type, &capsJSON, &clearance, &a.APIKeyHash, &lastSeen, &createdAt); err != nil {
		return nil, fmt.Errorf("scan agent: %w", err)
	}
	return finishAgent(&a, capsJSON, clearance, lastSeen, createdAt)
}

func finishAgent(a *Agent, capsJSON string, clearance int, lastSeen, createdAt string) (*Agent, error) {
	if err := json.Unmarshal([]byte(capsJSON), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	a.ClearanceLevel = visibility.Level(clearance)
	t1, err := time.Parse(timeLayout, lastSeen)
	if err != nil {
		return nil, fmt.Errorf("parse last_seen_at: %w", err)
	}
	a.LastSeenAt = t1
	t2, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	a.CreatedAt = t2
	return a, nil
}

// -------------------------------------------------------------- projects --

// CreateProject inserts a new project with defaults applied.
func (s *Store) CreateProject(ctx context.Context, in ProjectCreation) (*Project, error) {
	if in.ConfidentialityMode == "" {
		in.ConfidentialityMode = ModeNormal
	}
	now := time.Now().UTC()
	id := identity.NewProjectID()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, description, visibility, confidentiality_mode, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, in.Name, in.Description, int(in.Visibility), string(in.ConfidentialityMode), in.CreatedBy,
		now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	return &Project{
		ID: id, Name: in.Name, Description: in.Description, Visibility: in.Visibility,
		ConfidentialityMode: in.ConfidentialityMode, CreatedBy: in.CreatedBy,
		CreatedAt: now, UpdatedAt: now,
	}, nil
}

// GetProject returns the project if it exists AND the caller's clearance
// permits seeing it; otherwise ErrNotFound, regardless of which reason
// applies (spec §4.7: never distinguish "absent" from "forbidden").
func (s *Store) GetProject(ctx context.Context, id, agentID string) (*Project, error) {
	p, err := s.getProjectRaw(ctx, id)
	if err != nil {
		return nil, err
	}
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("lookup caller agent: %w", err)
	}
	if !visibility.CanSee(agent.ClearanceLevel, p.Visibility) {
		return nil, ErrNotFound
	}
	return p, nil
}

func (s *Store) getProjectRaw(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, visibility, confidentiality_mode, created_by, created_at, updated_at
		FROM projects WHERE id = ?`, id)
	var p Project
	var desc sql.NullString
	var vis int
	var createdAt, updatedAt string
	err := row.Scan(&p.ID, &p.Name, &desc, &vis, &p.ConfidentialityMode, &p.CreatedBy, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	p.Description = desc.String
	p.Visibility = visibility.Level(vis)
	p.CreatedAt, err = time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	p.UpdatedAt, err = time.Parse(timeLayout, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &p, nil
}

// ListProjects returns every project ordered by updatedAt desc, then
// filters by the caller's clearance. Filtering happens strictly after the
// query — never pushed into a LIMIT before visibility is applied.
func (s *Store) ListProjects(ctx context.Context, agentID string) ([]*Project, error) {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("lookup caller agent: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, visibility, confidentiality_mode, created_by, created_at, updated_at
		FROM projects ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Project
	for rows.Next() {
		var p Project
		var desc sql.NullString
		var vis int
		var createdAt, updatedAt string
		if err := rows.Scan(&p.ID, &p.Name, &desc, &vis, &p.ConfidentialityMode, &p.CreatedBy, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		p.Description = desc.String
		p.Visibility = visibility.Level(vis)
		if p.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if p.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		if !visibility.CanSee(agent.ClearanceLevel, p.Visibility) {
			continue
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

func (s *Store) touchProject(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE projects SET updated_at = ? WHERE id = ?`, time.Now().UTC().Format(timeLayout), id)
	return err
}

// ---------------------------------------------------------------- memory --

// SetMemory inserts a new memory entry.
func (s *Store) SetMemory(ctx context.Context, in MemoryCreation) (*MemoryEntry, error) {
	now := time.Now().UTC()
	id := identity.NewMemoryID()
	tagsJSON, err := json.Marshal(in.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO project_memory (id, project_id, type, title, tags, priority, visibility, content, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, in.ProjectID, in.Type, in.Title, string(tagsJSON), in.Priority, int(in.Visibility), in.Content, in.CreatedBy,
		now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}
	return &MemoryEntry{
		ID: id, ProjectID: in.ProjectID, Type: in.Type, Title: in.Title, Tags: in.Tags, Priority: in.Priority,
		Visibility: in.Visibility, Content: in.Content, CreatedBy: in.CreatedBy, CreatedAt: now, UpdatedAt: now,
	}, nil
}

// GetMemoryEntry fetches one memory entry by id, regardless of visibility
// (used by the delete_memory pre-gate, which checks creator ownership
// itself).
func (s *Store) GetMemoryEntry(ctx context.Context, id string) (*MemoryEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, type, title, tags, priority, visibility, content, created_by, created_at, updated_at
		FROM project_memory WHERE id = ?`, id)
	var m MemoryEntry
	var tagsJSON string
	var vis int
	var createdAt, updatedAt string
	err := row.Scan(&m.ID, &m.ProjectID, &m.Type, &m.Title, &tagsJSON, &m.Priority, &vis, &m.Content, &m.CreatedBy, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan memory: %w", err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags: %w", err)
	}
	m.Visibility = visibility.Level(vis)
	if m.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if m.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &m, nil
}

// GetMemory fetches memory for a project, ordered by createdAt desc, then
// in application code: drops entries above clearance, drops entries whose
// tag set is disjoint with filter.Tags (when given), and only then applies
// Limit.
func (s *Store) GetMemory(ctx context.Context, projectID, agentID string, filter MemoryFilter) ([]*MemoryEntry, error) {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("lookup caller agent: %w", err)
	}

	query := `SELECT id, project_id, type, title, tags, priority, visibility, content, created_by, created_at, updated_at
		FROM project_memory WHERE project_id = ?`
	args := []any{projectID}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memory: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var all []*MemoryEntry
	for rows.Next() {
		var m MemoryEntry
		var tagsJSON string
		var vis int
		var createdAt, updatedAt string
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.Type, &m.Title, &tagsJSON, &m.Priority, &vis, &m.Content, &m.CreatedBy, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
		m.Visibility = visibility.Level(vis)
		if m.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if m.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}

		if !visibility.CanSee(agent.ClearanceLevel, m.Visibility) {
			continue
		}
		if len(filter.Tags) > 0 && !tagsIntersect(m.Tags, filter.Tags) {
			continue
		}
		all = append(all, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if filter.Limit > 0 && len(all) > filter.Limit {
		all = all[:filter.Limit]
	}
	return all, nil
}

func tagsIntersect(a, b []string) bool {
	set := make(map[string]struct{}, len(b))
	for _, t := range b {
		set[t] = struct{}{}
	}
	for _, t := range a {
		if _, ok := set[t]; ok {
			return true
		}
	}
	return false
}

// DeleteMemory hard-deletes a memory entry by id. Creator/access checks
// are the tool layer's responsibility (spec §4.7's pre-gate table); the
// store performs the unconditional delete and reports whether a row
// existed.
func (s *Store) DeleteMemory(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM project_memory WHERE id = ?`, id)
	if err != nil {
		return false, fmt.Errorf("delete memory: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// ----------------------------------------------------------- conversations --

// CreateConversation inserts a new conversation. It does not auto-subscribe
// the creator — the tool layer does that as a separate Subscribe call.
func (s *Store) CreateConversation(ctx context.Context, in ConversationCreation) (*Conversation, error) {
	now := time.Now().UTC()
	id := identity.NewConversationID()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, project_id, title, status, default_visibility, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, in.ProjectID, in.Title, string(ConversationActive), int(in.DefaultVisibility), in.CreatedBy,
		now.Format(timeLayout), now.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return &Conversation{
		ID: id, ProjectID: in.ProjectID, Title: in.Title, Status: ConversationActive,
		DefaultVisibility: in.DefaultVisibility, CreatedBy: in.CreatedBy, CreatedAt: now, UpdatedAt: now,
	}, nil
}

// GetConversation fetches a conversation by id with no visibility
// filtering — callers apply project/defaultVisibility gating themselves.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, title, status, default_visibility, created_by, created_at, updated_at
		FROM conversations WHERE id = ?`, id)
	var c Conversation
	var vis int
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.ProjectID, &c.Title, &c.Status, &vis, &c.CreatedBy, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	c.DefaultVisibility = visibility.Level(vis)
	if c.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if c.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &c, nil
}

// ListConversations returns all conversations in a project ordered by
// updatedAt desc, then filters by both project-access and
// defaultVisibility, in application code after the query.
func (s *Store) ListConversations(ctx context.Context, projectID, agentID string) ([]*Conversation, error) {
	if _, err := s.GetProject(ctx, projectID, agentID); err != nil {
		return nil, err
	}
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("lookup caller agent: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, status, default_visibility, created_by, created_at, updated_at
		FROM conversations WHERE project_id = ? ORDER BY updated_at DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Conversation
	for rows.Next() {
		var c Conversation
		var vis int
		var createdAt, updatedAt string
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Title, &c.Status, &vis, &c.CreatedBy, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		c.DefaultVisibility = visibility.Level(vis)
		if c.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
			return nil, fmt.Errorf("parse created_at: %w", err)
		}
		if c.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
			return nil, fmt.Errorf("parse updated_at: %w", err)
		}
		if !visibility.CanSee(agent.ClearanceLevel, c.DefaultVisibility) {
			continue
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------- subscriptions --

// Subscribe replaces-or-inserts the (conversation, agent) subscription.
func (s *Store) Subscribe(ctx context.Context, conversationID, agentID string, access HistoryAccess) error {
	if access == "" {
		access = HistoryFull
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversation_agents (conversation_id, agent_id, history_access, joined_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(conversation_id, agent_id) DO UPDATE SET history_access = excluded.history_access`,
		conversationID, agentID, string(access), time.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	return nil
}

// Unsubscribe deletes one (conversation, agent) pair.
func (s *Store) Unsubscribe(ctx context.Context, conversationID, agentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversation_agents WHERE conversation_id = ? AND agent_id = ?`, conversationID, agentID)
	if err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

// IsSubscribed reports whether agentID is subscribed to conversationID.
func (s *Store) IsSubscribed(ctx context.Context, conversationID, agentID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM conversation_agents WHERE conversation_id = ? AND agent_id = ?`, conversationID, agentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check subscription: %w", err)
	}
	return n > 0, nil
}

// ListSubscribers returns every subscription for a conversation.
func (s *Store) ListSubscribers(ctx context.Context, conversationID string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, agent_id, history_access, joined_at FROM conversation_agents WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query subscribers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Subscription
	for rows.Next() {
		var sub Subscription
		var joinedAt string
		if err := rows.Scan(&sub.ConversationID, &sub.AgentID, &sub.HistoryAccess, &joinedAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if sub.JoinedAt, err = time.Parse(timeLayout, joinedAt); err != nil {
			return nil, fmt.Errorf("parse joined_at: %w", err)
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

// -------------------------------------------------------------- messages --

// SendMessage caps visibility at the sender's clearance, strips forged
// metadata keys, builds server-authored bridgeMetadata, inserts the
// message and bumps the conversation's updatedAt atomically, then (after
// commit) emits message:created on the event bus exactly once.
func (s *Store) SendMessage(ctx context.Context, in MessageSend) (*Message, error) {
	sender, err := s.GetAgent(ctx, in.FromAgent)
	if err != nil {
		return nil, fmt.Errorf("lookup sender: %w", err)
	}
	conv, err := s.GetConversation(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	project, err := s.getProjectRaw(ctx, conv.ProjectID)
	if err != nil {
		return nil, err
	}

	requested := visibility.Default
	if in.Visibility != nil {
		requested = *in.Visibility
	}
	capped := visibility.Cap(requested, sender.ClearanceLevel)

	cleanMeta := stripForgedKeys(in.Metadata)
	var metaJSON sql.NullString
	if len(cleanMeta) > 0 {
		b, err := json.Marshal(cleanMeta)
		if err != nil {
			return nil, fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = sql.NullString{String: string(b), Valid: true}
	}

	now := time.Now().UTC()
	bridgeMeta := BridgeMetadata{
		Visibility:       capped,
		SenderClearance:  sender.ClearanceLevel,
		VisibilityCapped: capped != requested,
		Timestamp:        now,
		Instructions:     instructionsFor(project.ConfidentialityMode),
	}
	if bridgeMeta.VisibilityCapped {
		orig := requested
		bridgeMeta.OriginalVisibility = &orig
	}
	bridgeJSON, err := json.Marshal(bridgeMeta)
	if err != nil {
		return nil, fmt.Errorf("marshal bridge metadata: %w", err)
	}

	msgType := in.Type
	if msgType == "" {
		msgType = MessageKindMessage
	}
	id := identity.NewMessageID()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, from_agent, type, visibility, content, agent_metadata, bridge_metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, in.ConversationID, in.FromAgent, string(msgType), int(capped), in.Content, nullableString(metaJSON), string(bridgeJSON), now.Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at = ? WHERE id = ?`, now.Format(timeLayout), in.ConversationID); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	if err := s.touchProject(ctx, tx, conv.ProjectID); err != nil {
		return nil, fmt.Errorf("touch project: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	msg := &Message{
		ID: id, ConversationID: in.ConversationID, FromAgent: in.FromAgent, Type: msgType,
		Visibility: capped, Content: in.Content, AgentMetadata: cleanMeta, BridgeMetadata: bridgeMeta, CreatedAt: now,
	}

	if s.bus != nil {
		s.bus.Emit(eventbus.MessageCreated{
			MessageID: id, ConversationID: in.ConversationID, ProjectID: conv.ProjectID,
			FromAgent: in.FromAgent, Type: string(msgType), Visibility: int(capped),
			Content: in.Content, CreatedAt: now.Format(timeLayout),
		})
	}

	return msg, nil
}

func nullableString(n sql.NullString) any {
	if !n.Valid {
		return nil
	}
	return n.String
}

// stripForgedKeys removes any top-level key matching the forge filter and
// returns nil (not an empty map) when nothing remains, so the caller
// persists SQL NULL rather than "{}" .
func stripForgedKeys(meta map[string]any) map[string]any {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]any, len(meta))
	for k, v := range meta {
		if forgeFilter.MatchString(k) {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func instructionsFor(mode ConfidentialityMode) Instructions {
	switch mode {
	case ModeStrict:
		return Instructions{Mode: ModeStrict, Confidentiality: "strict mode: bridge enforces the sender's clearance ceiling on every message; no exceptions are granted at send time"}
	case ModeFlexible:
		return Instructions{Mode: ModeFlexible, Confidentiality: "flexible mode: any visibility level up to the sender's clearance may be requested; the bridge still caps at clearance"}
	default:
		return Instructions{Mode: ModeNormal, Confidentiality: "bridge enforces visibility automatically; requested visibility is capped to the sender's clearance"}
	}
}

// GetMessages fetches messages for a conversation, optionally since a
// timestamp (strictly greater) and/or unread-only, ordered createdAt asc,
// filtered by clearance, with Limit applied last. After filtering, it
// raises the caller's (agent, project) high-water mark to the max
// visibility of the returned set.
func (s *Store) GetMessages(ctx context.Context, conversationID, agentID string, opts ListMessagesOptions) ([]*Message, error) {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("lookup caller agent: %w", err)
	}
	conv, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	query := `SELECT m.id, m.conversation_id, m.from_agent, m.type, m.visibility, m.content, m.agent_metadata, m.bridge_metadata, m.created_at
		FROM messages m WHERE m.conversation_id = ?`
	args := []any{conversationID}
	if opts.Since != nil {
		query += ` AND m.created_at > ?`
		args = append(args, opts.Since.UTC().Format(timeLayout))
	}
	if opts.UnreadOnly {
		query += ` AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.agent_id = ?)`
		args = append(args, agentID)
	}
	query += ` ORDER BY m.created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var filtered []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		if !visibility.CanSee(agent.ClearanceLevel, m.Visibility) {
			continue
		}
		filtered = append(filtered, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if opts.Limit > 0 && len(filtered) > opts.Limit {
		filtered = filtered[:opts.Limit]
	}

	maxVis := visibility.Public
	for _, m := range filtered {
		maxVis = visibility.Raise(maxVis, m.Visibility)
	}
	if len(filtered) > 0 {
		if err := s.raiseHighWaterMark(ctx, agentID, conv.ProjectID, maxVis); err != nil {
			return nil, fmt.Errorf("raise hwm: %w", err)
		}
	}
	return filtered, nil
}

func scanMessage(rows *sql.Rows) (*Message, error) {
	var m Message
	var vis int
	var content string
	var agentMeta sql.NullString
	var bridgeJSON, createdAt string
	var msgType string
	if err := rows.Scan(&m.ID, &m.ConversationID, &m.FromAgent, &msgType, &vis, &content, &agentMeta, &bridgeJSON, &createdAt); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	m.Type = MessageType(msgType)
	m.Visibility = visibility.Level(vis)
	m.Content = content
	if agentMeta.Valid {
		if err := json.Unmarshal([]byte(agentMeta.String), &m.AgentMetadata); err != nil {
			return nil, fmt.Errorf("unmarshal agent metadata: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(bridgeJSON), &m.BridgeMetadata); err != nil {
		return nil, fmt.Errorf("unmarshal bridge metadata: %w", err)
	}
	t, err := time.Parse(timeLayout, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	m.CreatedAt = t
	return &m, nil
}

// MarkRead idempotently marks every message id as read by agentID, in one
// transaction.
func (s *Store) MarkRead(ctx context.Context, ids []string, agentID string) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Format(timeLayout)
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO message_reads (message_id, agent_id, read_at) VALUES (?, ?, ?)
		ON CONFLICT(message_id, agent_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id, agentID, now); err != nil {
			return fmt.Errorf("mark read %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// GetUnreadCount counts messages in conversations agentID is subscribed
// to, not yet read by agentID, whose visibility is within clearance.
func (s *Store) GetUnreadCount(ctx context.Context, agentID string) (int, error) {
	agent, err := s.GetAgent(ctx, agentID)
	if err != nil {
		return 0, fmt.Errorf("lookup caller agent: %w", err)
	}
	var count int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM messages m
		JOIN conversation_agents ca ON ca.conversation_id = m.conversation_id AND ca.agent_id = ?
		WHERE m.visibility <= ?
		  AND NOT EXISTS (SELECT 1 FROM message_reads r WHERE r.message_id = m.id AND r.agent_id = ?)`,
		agentID, int(agent.ClearanceLevel), agentID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// -------------------------------------------------------- high-water mark --

// GetHighWaterMark returns the row, or nil if none exists yet.
func (s *Store) GetHighWaterMark(ctx context.Context, agentID, projectID string) (*HighWaterMark, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, project_id, max_visibility, updated_at FROM agent_project_hwm
		WHERE agent_id = ? AND project_id = ?`, agentID, projectID)
	var h HighWaterMark
	var vis int
	var updatedAt string
	err := row.Scan(&h.AgentID, &h.ProjectID, &vis, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan hwm: %w", err)
	}
	h.MaxVisibility = visibility.Level(vis)
	if h.UpdatedAt, err = time.Parse(timeLayout, updatedAt); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	return &h, nil
}

// raiseHighWaterMark applies Raise(current, candidate) and persists the
// result only if it moved — the mark is never lowered.
func (s *Store) raiseHighWaterMark(ctx context.Context, agentID, projectID string, candidate visibility.Level) error {
	current, err := s.GetHighWaterMark(ctx, agentID, projectID)
	if err != nil {
		return err
	}
	if current != nil && candidate <= current.MaxVisibility {
		return nil
	}
	now := time.Now().UTC().Format(timeLayout)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_project_hwm (agent_id, project_id, max_visibility, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id, project_id) DO UPDATE SET max_visibility = excluded.max_visibility, updated_at = excluded.updated_at
		WHERE excluded.max_visibility > agent_project_hwm.max_visibility`,
		agentID, projectID, int(candidate), now)
	if err != nil {
		return fmt.Errorf("upsert hwm: %w", err)
	}
	return nil
}

// rfc3339Scanner adapts a *time.Time to database/sql.Scan for TEXT
// columns stored in timeLayout.
type rfc3339Scanner struct{ t *time.Time }

func (r *rfc3339Scanner) Scan(src any) error {
	s, ok := src.(string)
	if !ok {
		return fmt.Errorf("rfc3339Scanner: expected string, got %T", src)
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return fmt.Errorf("parse time: %w", err)
	}
	*r.t = t
	return nil
}

