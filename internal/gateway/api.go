// ABOUTME: REST handlers for the operator API plus the SSE event stream.
// ABOUTME: Handlers stay thin; all persist-then-emit logic lives in the hub.

package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/opsdeck/ops-gateway/internal/auth"
	"github.com/opsdeck/ops-gateway/internal/relay"
	"github.com/opsdeck/ops-gateway/internal/store"
)

const defaultListLimit = 200

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string `json:"token"`
	Role  string `json:"role"`
}

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}

	ctx := r.Context()
	ip := remoteIP(r)

	user, err := g.store.GetUserByEmail(ctx, req.Email)
	if err != nil || !auth.CheckPassword(user.PasswordHash, req.Password) {
		if err := g.hub.RecordLogin(ctx, req.Email, false, ip); err != nil {
			g.logger.Error("recording failed login", "error", err)
		}
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := g.verifier.Generate(user.Email, user.Role, g.cfg.Auth.TokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token generation failed")
		return
	}

	if err := g.hub.RecordLogin(ctx, req.Email, true, ip); err != nil {
		g.logger.Error("recording login", "error", err)
	}

	writeJSON(w, http.StatusOK, loginResponse{Token: token, Role: user.Role})
}

func (g *Gateway) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients, err := g.store.ListClients(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing clients failed")
		return
	}
	writeJSON(w, http.StatusOK, clients)
}

type clientUpdateRequest struct {
	Hostname *string  `json:"hostname"`
	IP       *string  `json:"ip"`
	Status   *string  `json:"status"`
	Tags     []string `json:"tags"`
}

func (g *Gateway) handleUpdateClient(w http.ResponseWriter, r *http.Request) {
	var req clientUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Status != nil && *req.Status != store.ClientStatusOnline && *req.Status != store.ClientStatusOffline {
		writeError(w, http.StatusBadRequest, "status must be ONLINE or OFFLINE")
		return
	}

	client, err := g.hub.UpdateClient(r.Context(), r.PathValue("id"), store.ClientUpdate{
		Hostname: req.Hostname,
		IP:       req.IP,
		Status:   req.Status,
		Tags:     req.Tags,
	})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "client not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "updating client failed")
		return
	}
	writeJSON(w, http.StatusOK, client)
}

// listLimit parses ?limit=, falling back to the default.
func listLimit(r *http.Request) int {
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			return n
		}
	}
	return defaultListLimit
}

func (g *Gateway) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := g.store.ListTasks(r.Context(), listLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing tasks failed")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (g *Gateway) handleListClientTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := g.store.ListTasksForClient(r.Context(), r.PathValue("id"), listLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing tasks failed")
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

type createTaskRequest struct {
	ClientID string `json:"client_id"`
	Command  string `json:"command"`
}

func (g *Gateway) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ClientID == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, "client_id and command are required")
		return
	}

	task, err := g.hub.SubmitCommand(r.Context(), req.ClientID, req.Command)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "creating task failed")
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

type updateTaskRequest struct {
	Command string `json:"command"`
}

func (g *Gateway) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Command == "" {
		writeError(w, http.StatusBadRequest, "command is required")
		return
	}

	task, err := g.hub.UpdateTaskCommand(r.Context(), r.PathValue("id"), req.Command)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "updating task failed")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (g *Gateway) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	task, err := g.hub.DeleteTask(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "deleting task failed")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type lifecycleRequest struct {
	Action string            `json:"action"`
	Params map[string]string `json:"params"`
}

func (g *Gateway) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := g.hub.RelayLifecycleCommand(r.PathValue("id"), relay.LifecycleAction(req.Action), req.Params); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// Delivery is best-effort; accepted means relayed or dropped, never queued.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (g *Gateway) handleListLogins(w http.ResponseWriter, r *http.Request) {
	logins, err := g.store.ListLoginEvents(r.Context(), listLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "listing logins failed")
		return
	}
	writeJSON(w, http.StatusOK, logins)
}

// handleEvents streams the fan-out as server-sent events. The subscription is
// tied to the request context, so a dropped operator cleans itself up.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, subID := g.events.Subscribe(r.Context())
	g.logger.Debug("sse subscriber attached", "sub_id", subID)

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev.Payload)
			if err != nil {
				g.logger.Warn("sse payload marshal failed", "type", ev.Type, "error", err)
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}
