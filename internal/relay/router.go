// ABOUTME: Unicast relay router resolving client identities to live connections.
// ABOUTME: Every message is addressed by identity lookup; there is no broadcast.

package relay

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/opsdeck/ops-gateway/internal/session"
)

// ErrAgentNotFound indicates the target identity has no live connection.
// Callers on operator paths absorb this: delivery is best-effort, at-most-once,
// and an agent going offline between observation and dispatch is not an error.
var ErrAgentNotFound = errors.New("agent not found")

// Router forwards operator-originated messages to agents and agent-originated
// terminal output to bound observers. It only ever reads the registry;
// registration and removal belong to the lifecycle controller.
type Router struct {
	registry  *session.Registry
	observers *ObserverTable
	logger    *slog.Logger
}

// NewRouter creates a Router over the given registry and observer table.
func NewRouter(registry *session.Registry, observers *ObserverTable, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		registry:  registry,
		observers: observers,
		logger:    logger.With("component", "router"),
	}
}

// send resolves the identity and queues the envelope on its connection.
func (r *Router) send(clientID string, env *Envelope) error {
	conn, ok := r.registry.Lookup(clientID)
	if !ok {
		r.logger.Info("dropping message for offline agent",
			"client_id", clientID,
			"type", env.Type,
		)
		return ErrAgentNotFound
	}

	if err := conn.Send(env); err != nil {
		return fmt.Errorf("sending %s to %s: %w", env.Type, clientID, err)
	}
	return nil
}

// DispatchCommand forwards a task's command text to the target agent.
func (r *Router) DispatchCommand(clientID, taskID, command string) error {
	return r.send(clientID, &Envelope{
		Type:    TypeCommand,
		TaskID:  taskID,
		Command: command,
	})
}

// SendTerminalInput forwards interactive terminal input to the target agent.
func (r *Router) SendTerminalInput(clientID, input string) error {
	return r.send(clientID, &Envelope{
		Type:  TypeTerminalInput,
		Input: input,
	})
}

// SendLifecycle forwards an enumerated lifecycle action to the target agent.
func (r *Router) SendLifecycle(clientID string, action LifecycleAction, params map[string]string) error {
	if !action.Valid() {
		return fmt.Errorf("unknown lifecycle action %q", action)
	}
	return r.send(clientID, &Envelope{
		Type:   TypeLifecycle,
		Action: action,
		Params: params,
	})
}

// RouteTerminalOutput delivers agent terminal output to every observer bound
// to that agent. Output with no bound observer is discarded. Returns the
// number of observers reached.
func (r *Router) RouteTerminalOutput(clientID, output string) int {
	delivered := r.observers.Deliver(clientID, output)
	if delivered == 0 {
		r.logger.Debug("discarding terminal output with no observers", "client_id", clientID)
	}
	return delivered
}
