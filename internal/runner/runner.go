// Package runner implements C10: the internal cooperative agent loop. It
// registers itself as an agent, discovers and subscribes to conversations,
// reacts to the event bus plus a polling fallback, builds a bounded
// context window, invokes an adapter, and commits its reply with an
// at-least-once "mark-read only after successful send" discipline.
// Grounded on spec §4.10 directly; the heartbeat/sleep/cancellation shape
// follows thrum's daemon worker-loop idiom (ticker + select on a done
// channel) rather than any one specific thrum file.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agorai/bridge/internal/adapter"
	"github.com/agorai/bridge/internal/eventbus"
	"github.com/agorai/bridge/internal/identity"
	"github.com/agorai/bridge/internal/metrics"
	"github.com/agorai/bridge/internal/store"
	"github.com/agorai/bridge/internal/tools"
	"github.com/agorai/bridge/internal/visibility"
)

// Mode selects whether the runner replies to everything it's subscribed
// to (active) or only when @-mentioned (passive).
type Mode string

const (
	Active  Mode = "active"
	Passive Mode = "passive"
)

const (
	heartbeatInterval = 30 * time.Second
	contextWindow     = 20
	unreadFetchLimit  = 20
)

// Config bundles the runner's inputs (spec §4.10).
type Config struct {
	Store        *store.Store
	Bus          *eventbus.Bus
	Adapter      adapter.Adapter
	AgentName    string
	Mode         Mode
	PollInterval time.Duration
	SystemPrompt string
	Log          *slog.Logger
}

// Runner is one internal agent's cooperative loop.
type Runner struct {
	cfg     Config
	agentID string
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]struct{}
	tracked map[string]struct{}
}

// New constructs a Runner. Call Run to start its loop.
func New(cfg Config) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.Mode == "" {
		cfg.Mode = Active
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Runner{
		cfg:     cfg,
		log:     log,
		pending: make(map[string]struct{}),
		tracked: make(map[string]struct{}),
	}
}

// Run registers the agent, installs the event-bus listener, and loops
// until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	agent, err := r.cfg.Store.RegisterAgent(ctx, store.AgentRegistration{
		Name:           r.cfg.AgentName,
		Type:           "internal",
		Capabilities:   nil,
		ClearanceLevel: visibility.Team,
		APIKeyHash:     "internal:" + r.cfg.AgentName,
	})
	if err != nil {
		return fmt.Errorf("register internal agent: %w", err)
	}
	r.agentID = agent.ID

	if r.cfg.Bus != nil {
		r.cfg.Bus.Subscribe(r.onMessageCreated)
	}

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		metrics.RunnerPollCycles.WithLabelValues(r.cfg.AgentName).Inc()

		if err := r.cfg.Store.UpdateAgentLastSeen(ctx, r.agentID); err != nil {
			r.log.Warn("runner: update last seen failed", "error", err)
		}

		if err := r.discover(ctx); err != nil {
			r.log.Warn("runner: discovery failed", "error", err)
		}

		for _, convID := range r.drainPending() {
			r.processConversation(ctx, convID)
		}
		for _, convID := range r.trackedSnapshot() {
			r.processConversation(ctx, convID)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat.C:
		case <-r.sleep(ctx):
		}
	}
}

func (r *Runner) onMessageCreated(evt eventbus.MessageCreated) {
	if evt.FromAgent == r.agentID {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[evt.ConversationID] = struct{}{}
}

func (r *Runner) drainPending() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.pending))
	for id := range r.pending {
		if _, tracked := r.tracked[id]; tracked {
			out = append(out, id)
		}
	}
	r.pending = make(map[string]struct{})
	return out
}

func (r *Runner) trackedSnapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.tracked))
	for id := range r.tracked {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Runner) sleep(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	t := time.NewTimer(r.cfg.PollInterval)
	go func() {
		defer close(done)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
		}
	}()
	return done
}

// discover lists every project and conversation visible to this agent and
// subscribes to (and starts tracking) any not seen before.
func (r *Runner) discover(ctx context.Context) error {
	projects, err := r.cfg.Store.ListProjects(ctx, r.agentID)
	if err != nil {
		return fmt.Errorf("list projects: %w", err)
	}
	for _, p := range projects {
		convs, err := r.cfg.Store.ListConversations(ctx, p.ID, r.agentID)
		if err != nil {
			r.log.Warn("runner: list conversations failed", "project_id", p.ID, "error", err)
			continue
		}
		for _, c := range convs {
			r.mu.Lock()
			_, known := r.tracked[c.ID]
			r.mu.Unlock()
			if known {
				continue
			}
			if err := r.cfg.Store.Subscribe(ctx, c.ID, r.agentID, store.HistoryFull); err != nil {
				r.log.Warn("runner: subscribe failed", "conversation_id", c.ID, "error", err)
				continue
			}
			r.mu.Lock()
			r.tracked[c.ID] = struct{}{}
			r.mu.Unlock()
		}
	}
	return nil
}

// processConversation implements spec §4.10's per-conversation reply
// algorithm.
func (r *Runner) processConversation(ctx context.Context, conversationID string) {
	unread, err := r.cfg.Store.GetMessages(ctx, conversationID, r.agentID, store.ListMessagesOptions{
		UnreadOnly: true, Limit: unreadFetchLimit,
	})
	if err != nil {
		r.log.Warn("runner: get unread messages failed", "conversation_id", conversationID, "error", err)
		return
	}
	if len(unread) == 0 {
		return
	}

	var others []*store.Message
	for _, m := range unread {
		if m.FromAgent != r.agentID {
			others = append(others, m)
		}
	}
	if len(others) == 0 {
		r.markRead(ctx, unread)
		return
	}

	if r.cfg.Mode == Passive {
		mentioned := false
		for _, m := range others {
			if tools.MentionsAgent(m.Content, r.cfg.AgentName) {
				mentioned = true
				break
			}
		}
		if !mentioned {
			r.markRead(ctx, unread)
			return
		}
	}

	prompt, err := r.buildContext(ctx, conversationID)
	if err != nil {
		r.log.Warn("runner: build context failed", "conversation_id", conversationID, "error", err)
		return
	}

	resp, err := r.cfg.Adapter.Invoke(ctx, adapter.Request{Prompt: prompt, SystemPrompt: r.cfg.SystemPrompt})
	if err != nil {
		r.log.Warn("runner: adapter invocation failed, will retry next round", "conversation_id", conversationID, "error", err)
		return
	}

	if _, err := r.cfg.Store.SendMessage(ctx, store.MessageSend{
		ConversationID: conversationID, FromAgent: r.agentID, Type: store.MessageKindMessage, Content: resp.Content,
	}); err != nil {
		r.log.Warn("runner: send reply failed, will retry next round", "conversation_id", conversationID, "error", err)
		return
	}

	// Only after a successful send do we mark the triggering messages
	// read — an at-least-once discipline: if markRead itself fails here,
	// the next round resends for the same unread set (tolerated per
	// spec §4.10).
	r.markRead(ctx, unread)
}

func (r *Runner) markRead(ctx context.Context, msgs []*store.Message) {
	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	if err := r.cfg.Store.MarkRead(ctx, ids, r.agentID); err != nil {
		r.log.Warn("runner: mark read failed", "error", err)
	}
}

// buildContext renders the full context-window messages (not just the
// unread ones) as "[sender]: content" blocks, caching the sender-name
// lookup per distinct fromAgent for the duration of this call.
func (r *Runner) buildContext(ctx context.Context, conversationID string) (string, error) {
	msgs, err := r.cfg.Store.GetMessages(ctx, conversationID, r.agentID, store.ListMessagesOptions{Limit: contextWindow})
	if err != nil {
		return "", err
	}

	names := make(map[string]string)
	var b strings.Builder
	for i, m := range msgs {
		if i > 0 {
			b.WriteString("\n\n")
		}
		sender := "you"
		if m.FromAgent != r.agentID {
			name, ok := names[m.FromAgent]
			if !ok {
				agent, err := r.cfg.Store.GetAgent(ctx, m.FromAgent)
				if err != nil {
					name = m.FromAgent
				} else {
					name = agent.Name
				}
				names[m.FromAgent] = name
			}
			sender = name
		}
		fmt.Fprintf(&b, "[%s]: %s", sender, m.Content)
	}
	return b.String(), nil
}

// NewInternalAgentID is exposed for tests that need a plausible agent id
// without going through the store.
func NewInternalAgentID() string { return identity.NewAgentID() }
