package store

import (
	"time"

	"github.com/agorai/bridge/internal/visibility"
)

// Agent mirrors spec §3's Agent entity.
type Agent struct {
	ID             string
	Name           string
	Type           string
	Capabilities   []string
	ClearanceLevel visibility.Level
	APIKeyHash     string
	LastSeenAt     time.Time
	CreatedAt      time.Time
}

// AgentRegistration is the upsert-by-name input to RegisterAgent.
type AgentRegistration struct {
	Name           string
	Type           string
	Capabilities   []string
	ClearanceLevel visibility.Level
	APIKeyHash     string
}

// ConfidentialityMode is a per-project policy string shaping
// bridgeMetadata.instructions.
type ConfidentialityMode string

const (
	ModeNormal   ConfidentialityMode = "normal"
	ModeStrict   ConfidentialityMode = "strict"
	ModeFlexible ConfidentialityMode = "flexible"
)

// Project mirrors spec §3's Project entity.
type Project struct {
	ID                  string
	Name                string
	Description         string
	Visibility          visibility.Level
	ConfidentialityMode ConfidentialityMode
	CreatedBy           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// ProjectCreation is the input to CreateProject.
type ProjectCreation struct {
	Name                string
	Description         string
	Visibility          visibility.Level
	ConfidentialityMode ConfidentialityMode
	CreatedBy           string
}

// MemoryEntry mirrors spec §3's Memory entry entity.
type MemoryEntry struct {
	ID         string
	ProjectID  string
	Type       string
	Title      string
	Tags       []string
	Priority   int
	Visibility visibility.Level
	Content    string
	CreatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// MemoryCreation is the input to SetMemory.
type MemoryCreation struct {
	ProjectID  string
	Type       string
	Title      string
	Tags       []string
	Priority   int
	Visibility visibility.Level
	Content    string
	CreatedBy  string
}

// MemoryFilter narrows GetMemory results.
type MemoryFilter struct {
	Type  string
	Tags  []string
	Limit int
}

// ConversationStatus enumerates lifecycle states.
type ConversationStatus string

const (
	ConversationActive   ConversationStatus = "active"
	ConversationArchived ConversationStatus = "archived"
)

// Conversation mirrors spec §3's Conversation entity.
type Conversation struct {
	ID                string
	ProjectID         string
	Title             string
	Status            ConversationStatus
	DefaultVisibility visibility.Level
	CreatedBy         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ConversationCreation is the input to CreateConversation.
type ConversationCreation struct {
	ProjectID         string
	Title             string
	DefaultVisibility visibility.Level
	CreatedBy         string
}

// HistoryAccess controls how much backlog a new subscriber can see.
type HistoryAccess string

const (
	HistoryFull     HistoryAccess = "full"
	HistoryFromJoin HistoryAccess = "from_join"
)

// Subscription mirrors spec §3's Subscription entity.
type Subscription struct {
	ConversationID string
	AgentID        string
	HistoryAccess  HistoryAccess
	JoinedAt       time.Time
}

// MessageType enumerates the message kinds spec §3 names.
type MessageType string

const (
	MessageKindMessage  MessageType = "message"
	MessageKindSpec     MessageType = "spec"
	MessageKindResult   MessageType = "result"
	MessageKindReview   MessageType = "review"
	MessageKindStatus   MessageType = "status"
	MessageKindQuestion MessageType = "question"
)

// BridgeMetadata is server-authored, trusted message metadata (spec §3).
type BridgeMetadata struct {
	Visibility         visibility.Level  `json:"visibility"`
	SenderClearance    visibility.Level  `json:"senderClearance"`
	VisibilityCapped   bool              `json:"visibilityCapped"`
	OriginalVisibility *visibility.Level `json:"originalVisibility,omitempty"`
	Timestamp          time.Time         `json:"timestamp"`
	Instructions       Instructions      `json:"instructions"`
}

// Instructions carries the project-mode-derived guidance shown to agents.
type Instructions struct {
	Mode            ConfidentialityMode `json:"mode"`
	Confidentiality string              `json:"confidentiality"`
}

// Message mirrors spec §3's Message entity.
type Message struct {
	ID             string
	ConversationID string
	FromAgent      string
	Type           MessageType
	Visibility     visibility.Level
	Content        string
	AgentMetadata  map[string]any
	BridgeMetadata BridgeMetadata
	CreatedAt      time.Time
}

// MessageSend is the input to SendMessage. Visibility is a pointer so the
// caller can distinguish "not specified" (defaults to team) from an
// explicit public request.
type MessageSend struct {
	ConversationID string
	FromAgent      string
	Type           MessageType
	Visibility     *visibility.Level
	Content        string
	Metadata       map[string]any
}

// ListMessagesOptions narrows GetMessages results.
type ListMessagesOptions struct {
	Since      *time.Time
	UnreadOnly bool
	Limit      int
}

// HighWaterMark mirrors spec §3's High-water mark entity.
type HighWaterMark struct {
	AgentID       string
	ProjectID     string
	MaxVisibility visibility.Level
	UpdatedAt     time.Time
}
