// ABOUTME: Session lifecycle controller orchestrating admission, relay, and teardown.
// ABOUTME: Keeps the persisted ledger consistent with transient connection events.

package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/opsdeck/ops-gateway/internal/events"
	"github.com/opsdeck/ops-gateway/internal/geo"
	"github.com/opsdeck/ops-gateway/internal/relay"
	"github.com/opsdeck/ops-gateway/internal/session"
	"github.com/opsdeck/ops-gateway/internal/store"
)

// geoTimeout bounds a single enrichment attempt. Enrichment runs outside all
// locks and its result is applied fire-and-forget.
const geoTimeout = 10 * time.Second

// Hub coordinates the session registry, relay router, task ledger, and event
// fan-out. All registry mutations happen here; the router only reads it.
type Hub struct {
	registry  *session.Registry
	router    *relay.Router
	observers *relay.ObserverTable
	store     store.Store
	events    *events.Broadcaster
	geo       geo.Lookuper // nil disables enrichment
	logger    *slog.Logger

	writeWait time.Duration
	pongWait  time.Duration
}

// Params bundles the dependencies for New.
type Params struct {
	Registry  *session.Registry
	Router    *relay.Router
	Observers *relay.ObserverTable
	Store     store.Store
	Events    *events.Broadcaster
	Geo       geo.Lookuper
	Logger    *slog.Logger

	// Optional connection timing overrides; zero values use the
	// session package defaults.
	WriteWait time.Duration
	PongWait  time.Duration
}

// New creates a Hub.
func New(p Params) *Hub {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	return &Hub{
		registry:  p.Registry,
		router:    p.Router,
		observers: p.Observers,
		store:     p.Store,
		events:    p.Events,
		geo:       p.Geo,
		logger:    p.Logger.With("component", "hub"),
		writeWait: p.WriteWait,
		pongWait:  p.PongWait,
	}
}

// Registry exposes the session registry for read-only consumers.
func (h *Hub) Registry() *session.Registry {
	return h.registry
}

// Observers exposes the terminal observer table.
func (h *Hub) Observers() *relay.ObserverTable {
	return h.observers
}

// AdmitConnection classifies and admits a freshly established connection.
// Non-agent connections are rejected: the returned Conn is nil and the error
// is nil, since declining registration is not a failure. For agents, the
// connection is assigned its identity, registered, and the client record is
// upserted ONLINE before geo enrichment is spawned. A persistence failure
// aborts admission and tears the connection back down.
func (h *Hub) AdmitConnection(ctx context.Context, sock session.Socket, hostname string, isAgent bool, remoteAddr string) (*session.Conn, error) {
	if !isAgent {
		h.logger.Info("non-agent connection ignored",
			"remote_addr", remoteAddr,
			"hostname", hostname,
		)
		return nil, nil
	}

	if hostname == "" {
		hostname = "unknown"
	}

	conn := session.NewConn(session.ConnParams{
		ID:         uuid.New().String(),
		Hostname:   hostname,
		RemoteAddr: remoteAddr,
		Socket:     sock,
		Logger:     h.logger,
		WriteWait:  h.writeWait,
		PongWait:   h.pongWait,
	})

	h.registry.Register(conn.ID, conn)

	client := &store.Client{
		ID:       conn.ID,
		IP:       remoteAddr,
		Hostname: hostname,
		Status:   store.ClientStatusOnline,
		LastSeen: time.Now().UTC(),
	}
	if err := h.store.UpsertClient(ctx, client); err != nil {
		h.registry.Remove(conn.ID, conn)
		conn.Close()
		return nil, fmt.Errorf("admitting %s: %w", conn.ID, err)
	}

	if err := conn.Send(&relay.Envelope{Type: relay.TypeWelcome, ClientID: conn.ID}); err != nil {
		h.logger.Warn("welcome frame not delivered", "client_id", conn.ID, "error", err)
	}

	if h.geo != nil {
		go h.enrich(conn.ID, remoteAddr)
	}

	h.events.Publish(events.ClientConnected, client)
	h.events.Publish(events.ClientListChanged, nil)

	h.logger.Info("agent admitted",
		"client_id", conn.ID,
		"hostname", hostname,
		"remote_addr", remoteAddr,
	)
	return conn, nil
}

// enrich resolves the connection's address and applies geo fields to the
// client record. Failures are absorbed: the record simply stays without geo.
// A record that went OFFLINE while the lookup was in flight is left alone
// rather than overwritten with stale data.
func (h *Hub) enrich(clientID, remoteAddr string) {
	ctx, cancel := context.WithTimeout(context.Background(), geoTimeout)
	defer cancel()

	loc, err := h.geo.Lookup(ctx, remoteAddr)
	if err != nil {
		h.logger.Info("geo enrichment failed", "client_id", clientID, "error", err)
		return
	}

	client, err := h.store.GetClient(ctx, clientID)
	if err != nil {
		h.logger.Warn("geo enrichment: client record missing", "client_id", clientID, "error", err)
		return
	}
	if client.Status != store.ClientStatusOnline {
		h.logger.Debug("geo enrichment: client no longer online, skipping", "client_id", clientID)
		return
	}

	if err := h.store.UpdateClientGeo(ctx, clientID, loc.Country, loc.City, loc.Lat, loc.Lon); err != nil {
		h.logger.Warn("geo enrichment: update failed", "client_id", clientID, "error", err)
		return
	}

	h.events.Publish(events.ClientListChanged, nil)
	h.logger.Debug("geo enrichment applied", "client_id", clientID, "country", loc.Country)
}

// Serve runs the connection's read loop, dispatching inbound frames until the
// connection drops, then performs teardown. Blocks; run one goroutine per
// admitted connection.
func (h *Hub) Serve(conn *session.Conn) {
	conn.ReadLoop(
		func(data []byte) { h.handleFrame(conn, data) },
		func() { h.CloseConnection(conn) },
	)
}

// handleFrame dispatches one inbound agent frame by envelope type.
func (h *Hub) handleFrame(conn *session.Conn, data []byte) {
	env, err := relay.Decode(data)
	if err != nil {
		h.logger.Warn("dropping malformed frame", "client_id", conn.ID, "error", err)
		return
	}

	ctx := context.Background()
	switch env.Type {
	case relay.TypeResult:
		h.IngestAgentOutput(ctx, conn.ID, env.TaskID, env.Output, false)

	case relay.TypeTerminalOutput:
		// The identity on the wire is advisory only; the connection's own
		// identity is authoritative for routing.
		if env.ClientID != "" && env.ClientID != conn.ID {
			h.logger.Warn("terminal output tagged with foreign identity",
				"client_id", conn.ID,
				"tagged_id", env.ClientID,
			)
		}
		h.IngestAgentOutput(ctx, conn.ID, "", env.Output, true)

	default:
		h.logger.Warn("unexpected frame type from agent",
			"client_id", conn.ID,
			"type", env.Type,
		)
	}
}

// CloseConnection tears down a connection. The registry entry is removed only
// if this connection is still the current one for its identity; a stale
// teardown racing a newer registration leaves the newer connection and the
// ONLINE record untouched.
func (h *Hub) CloseConnection(conn *session.Conn) {
	conn.Close()

	if !h.registry.Remove(conn.ID, conn) {
		h.logger.Debug("stale disconnect ignored", "client_id", conn.ID)
		return
	}

	ctx := context.Background()
	if err := h.store.SetClientStatus(ctx, conn.ID, store.ClientStatusOffline); err != nil {
		h.logger.Error("marking client offline failed", "client_id", conn.ID, "error", err)
	}

	h.events.Publish(events.ClientDisconnected, map[string]string{"id": conn.ID})
	h.events.Publish(events.ClientListChanged, nil)

	h.logger.Info("agent disconnected", "client_id", conn.ID)
}

// SubmitCommand creates a task in the ledger and then independently attempts
// relay delivery. The two effects are deliberately not one transaction: the
// task row exists even when the agent is offline, and the dispatch is
// best-effort, at-most-once.
func (h *Hub) SubmitCommand(ctx context.Context, clientID, command string) (*store.Task, error) {
	task := &store.Task{
		ID:        uuid.New().String(),
		ClientID:  clientID,
		Command:   command,
		CreatedAt: time.Now().UTC(),
	}

	if err := h.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}
	h.events.Publish(events.TaskCreated, task)

	if err := h.router.DispatchCommand(clientID, task.ID, command); err != nil {
		if !errors.Is(err, relay.ErrAgentNotFound) {
			h.logger.Warn("command dispatch failed", "task_id", task.ID, "error", err)
		}
		// Offline target: the task stays pending, nothing to surface.
	}

	return task, nil
}

// UpdateTaskCommand replaces a task's command text, emitting one task-updated
// event after the write succeeds.
func (h *Hub) UpdateTaskCommand(ctx context.Context, taskID, command string) (*store.Task, error) {
	task, err := h.store.UpdateTask(ctx, taskID, command)
	if err != nil {
		return nil, err
	}
	h.events.Publish(events.TaskUpdated, task)
	return task, nil
}

// DeleteTask removes a task, emitting one task-deleted event carrying the
// deleted record after the write succeeds.
func (h *Hub) DeleteTask(ctx context.Context, taskID string) (*store.Task, error) {
	task, err := h.store.DeleteTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	h.events.Publish(events.TaskDeleted, task)
	return task, nil
}

// UpdateClient applies an operator edit to a client record, emitting one
// client-list-changed event after the write succeeds.
func (h *Hub) UpdateClient(ctx context.Context, clientID string, update store.ClientUpdate) (*store.Client, error) {
	client, err := h.store.UpdateClient(ctx, clientID, update)
	if err != nil {
		return nil, err
	}
	h.events.Publish(events.ClientListChanged, nil)
	return client, nil
}

// RelayTerminalInput forwards terminal input to an agent. Addressing failures
// are absorbed; absence of output is the operator's only signal.
func (h *Hub) RelayTerminalInput(clientID, input string) {
	if err := h.router.SendTerminalInput(clientID, input); err != nil && !errors.Is(err, relay.ErrAgentNotFound) {
		h.logger.Warn("terminal input relay failed", "client_id", clientID, "error", err)
	}
}

// RelayLifecycleCommand forwards an enumerated lifecycle action to an agent.
// force_disconnect additionally tears the connection down server-side, so it
// takes effect even when the agent ignores the frame. Unknown actions are the
// only error surfaced; addressing failures are absorbed.
func (h *Hub) RelayLifecycleCommand(clientID string, action relay.LifecycleAction, params map[string]string) error {
	if !action.Valid() {
		return fmt.Errorf("unknown lifecycle action %q", action)
	}

	if err := h.router.SendLifecycle(clientID, action, params); err != nil && !errors.Is(err, relay.ErrAgentNotFound) {
		h.logger.Warn("lifecycle relay failed", "client_id", clientID, "action", action, "error", err)
	}

	if action == relay.ActionForceDisconnect {
		if conn, ok := h.registry.Lookup(clientID); ok {
			h.CloseConnection(conn)
		}
	}
	return nil
}

// IngestAgentOutput handles output reported by an agent. Terminal output is
// routed to bound observers and never persisted; result output is always
// persisted as a TaskResult regardless of whether anyone is watching — this
// is the one relay path with a durability guarantee.
func (h *Hub) IngestAgentOutput(ctx context.Context, clientID, taskID, output string, isTerminal bool) {
	if isTerminal {
		h.router.RouteTerminalOutput(clientID, output)
		h.events.Publish(events.TerminalOutputReceived, relay.TerminalOutput{ClientID: clientID, Output: output})
		return
	}

	if taskID == "" {
		h.logger.Warn("result without task id dropped", "client_id", clientID)
		return
	}

	result := &store.TaskResult{
		ID:         uuid.New().String(),
		TaskID:     taskID,
		Output:     output,
		ReceivedAt: time.Now().UTC(),
	}
	if err := h.store.CreateTaskResult(ctx, result); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			h.logger.Warn("duplicate result dropped", "task_id", taskID, "client_id", clientID)
			return
		}
		h.logger.Error("persisting result failed", "task_id", taskID, "error", err)
		return
	}

	h.events.Publish(events.TaskResultReceived, result)
	h.logger.Info("result received", "task_id", taskID, "client_id", clientID)
}

// RecordLogin appends a login attempt to the audit trail and publishes a
// notification once the append has durably succeeded.
func (h *Hub) RecordLogin(ctx context.Context, email string, success bool, ip string) error {
	event := &store.LoginEvent{
		ID:        uuid.New().String(),
		Email:     email,
		Success:   success,
		IP:        ip,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.AppendLoginEvent(ctx, event); err != nil {
		return fmt.Errorf("recording login: %w", err)
	}
	h.events.Publish(events.LoginRecorded, event)
	return nil
}
