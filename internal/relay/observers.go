// ABOUTME: Binding table between open terminal views and the agents they target.
// ABOUTME: Observers have their own identity; output is never addressed by agent key.

package relay

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// observerBufferSize is the channel buffer for each terminal observer.
const observerBufferSize = 64

// TerminalOutput is one chunk of interactive terminal output from an agent.
type TerminalOutput struct {
	ClientID string
	Output   string
}

// ObserverTable tracks open terminal views. Each view gets its own ObserverID
// bound to exactly one agent; an agent's output fans out to every observer
// bound to it and to nothing else. Keeping the two identity namespaces
// separate is what makes cross-talk between unrelated sessions impossible.
type ObserverTable struct {
	mu        sync.RWMutex
	observers map[string]*observer // observerID -> observer
	byAgent   map[string]map[string]*observer
	logger    *slog.Logger
}

type observer struct {
	id      string
	agentID string
	ch      chan TerminalOutput
}

// NewObserverTable creates an empty ObserverTable.
func NewObserverTable(logger *slog.Logger) *ObserverTable {
	if logger == nil {
		logger = slog.Default()
	}
	return &ObserverTable{
		observers: make(map[string]*observer),
		byAgent:   make(map[string]map[string]*observer),
		logger:    logger.With("component", "observers"),
	}
}

// Bind registers a new terminal view for the given agent. Returns the view's
// ObserverID and the channel its output arrives on.
func (t *ObserverTable) Bind(agentID string) (string, <-chan TerminalOutput) {
	obs := &observer{
		id:      uuid.New().String(),
		agentID: agentID,
		ch:      make(chan TerminalOutput, observerBufferSize),
	}

	t.mu.Lock()
	t.observers[obs.id] = obs
	if _, ok := t.byAgent[agentID]; !ok {
		t.byAgent[agentID] = make(map[string]*observer)
	}
	t.byAgent[agentID][obs.id] = obs
	t.mu.Unlock()

	t.logger.Debug("observer bound", "observer_id", obs.id, "client_id", agentID)
	return obs.id, obs.ch
}

// Unbind removes a terminal view and closes its channel.
func (t *ObserverTable) Unbind(observerID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	obs, ok := t.observers[observerID]
	if !ok {
		return
	}

	delete(t.observers, observerID)
	if agentObs, ok := t.byAgent[obs.agentID]; ok {
		delete(agentObs, observerID)
		if len(agentObs) == 0 {
			delete(t.byAgent, obs.agentID)
		}
	}
	close(obs.ch)

	t.logger.Debug("observer unbound", "observer_id", observerID, "client_id", obs.agentID)
}

// Deliver fans output out to every observer bound to the agent. Returns the
// number of observers that received it; zero means the output was discarded.
// Non-blocking: a full observer channel drops the chunk for that observer.
// The sends happen under the read lock — Unbind closes channels under the
// write lock, so no channel can be closed while a send is in flight.
func (t *ObserverTable) Deliver(agentID string, output string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	delivered := 0
	for _, obs := range t.byAgent[agentID] {
		select {
		case obs.ch <- TerminalOutput{ClientID: agentID, Output: output}:
			delivered++
		default:
			t.logger.Debug("dropped output for slow observer", "observer_id", obs.id)
		}
	}
	return delivered
}

// Count returns the number of bound observers across all agents.
func (t *ObserverTable) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.observers)
}
