// Package dispatch implements C9: the SSE fan-out engine. It subscribes
// to the event bus at startup and, for each committed message, computes
// the eligible recipient set and pushes a preview notification over
// every active session of each eligible agent. Grounded on thrum's
// internal/subscriptions/dispatcher.go batch-fetch-then-fan-out shape,
// adapted from thrum's node-presence notifications to message-visibility
// eligibility.
package dispatch

import (
	"context"
	"log/slog"

	"github.com/agorai/bridge/internal/eventbus"
	"github.com/agorai/bridge/internal/metrics"
	"github.com/agorai/bridge/internal/session"
	"github.com/agorai/bridge/internal/store"
	"github.com/agorai/bridge/internal/visibility"
)

const previewLimit = 200

// Dispatcher owns the store/session lookups needed to turn a committed
// message into a fan-out of preview notifications.
type Dispatcher struct {
	store    *store.Store
	sessions *session.Manager
	log      *slog.Logger
}

// New builds a Dispatcher. Call Subscribe(bus) once at startup to attach
// it to the event bus — the bus has no replay buffer, so a Dispatcher
// built after messages were already sent will never see them (spec §9).
func New(st *store.Store, sessions *session.Manager, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{store: st, sessions: sessions, log: log}
}

// Subscribe registers the dispatcher's handler on bus.
func (d *Dispatcher) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(d.onMessageCreated)
}

// onMessageCreated is the event-bus listener. It runs synchronously inside
// the writer's Emit call, so each push's write completes before the writer
// goes on. Any per-session error is logged and swallowed — the polling
// fallback (get_messages) is the durable channel.
func (d *Dispatcher) onMessageCreated(evt eventbus.MessageCreated) {
	ctx := context.Background()

	subs, err := d.store.ListSubscribers(ctx, evt.ConversationID)
	if err != nil {
		d.log.Error("dispatch: list subscribers failed", "conversation_id", evt.ConversationID, "error", err)
		return
	}
	agents, err := d.store.ListAgents(ctx)
	if err != nil {
		d.log.Error("dispatch: list agents failed", "error", err)
		return
	}
	clearanceByID := make(map[string]visibility.Level, len(agents))
	for _, a := range agents {
		clearanceByID[a.ID] = a.ClearanceLevel
	}

	msgVis := visibility.Level(evt.Visibility)
	notification := map[string]any{
		"jsonrpc": "2.0",
		"method":  "notifications/message",
		"params": map[string]any{
			"conversationId": evt.ConversationID,
			"messageId":      evt.MessageID,
			"fromAgent":      evt.FromAgent,
			"type":           evt.Type,
			"visibility":     msgVis.String(),
			"contentPreview": preview(evt.Content),
			"createdAt":      evt.CreatedAt,
		},
	}

	for _, sub := range subs {
		if sub.AgentID == evt.FromAgent {
			continue
		}
		clearance, ok := clearanceByID[sub.AgentID]
		if !ok || !visibility.CanSee(clearance, msgVis) {
			continue
		}
		for _, t := range d.sessions.SessionsForAgent(sub.AgentID) {
			if err := t.Push(ctx, notification); err != nil {
				metrics.DispatchAttempts.WithLabelValues("error").Inc()
				d.log.Debug("dispatch: push failed, agent will recover via polling", "agent_id", sub.AgentID, "error", err)
				continue
			}
			metrics.DispatchAttempts.WithLabelValues("ok").Inc()
		}
	}
}

func preview(content string) string {
	if len(content) <= previewLimit {
		return content
	}
	runes := []rune(content)
	if len(runes) <= previewLimit {
		return content
	}
	return string(runes[:previewLimit]) + "…"
}
