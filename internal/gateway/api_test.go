// ABOUTME: Tests for the operator REST API and the agent websocket endpoint.
// ABOUTME: Uses the in-memory store and real HTTP round trips via httptest.

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsdeck/ops-gateway/internal/auth"
	"github.com/opsdeck/ops-gateway/internal/config"
	"github.com/opsdeck/ops-gateway/internal/events"
	"github.com/opsdeck/ops-gateway/internal/hub"
	"github.com/opsdeck/ops-gateway/internal/relay"
	"github.com/opsdeck/ops-gateway/internal/session"
	"github.com/opsdeck/ops-gateway/internal/store"
)

const testSecret = "test-secret-key"

type apiFixture struct {
	gateway *Gateway
	handler http.Handler
	store   *store.MockStore
	hub     *hub.Hub
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(testLogWriter{t}, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	cfg.Geo.Enabled = false

	mock := store.NewMockStore()
	registry := session.NewRegistry(logger)
	observers := relay.NewObserverTable(logger)
	router := relay.NewRouter(registry, observers, logger)
	broadcaster := events.NewBroadcaster(logger)
	t.Cleanup(broadcaster.Close)

	h := hub.New(hub.Params{
		Registry:  registry,
		Router:    router,
		Observers: observers,
		Store:     mock,
		Events:    broadcaster,
		Logger:    logger,
	})

	g := New(Params{
		Config: cfg,
		Store:  mock,
		Hub:    h,
		Events: broadcaster,
		Logger: logger,
	})
	return &apiFixture{gateway: g, handler: g.Handler(), store: mock, hub: h}
}

type testLogWriter struct{ t *testing.T }

func (w testLogWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func (f *apiFixture) token(t *testing.T, role string) string {
	t.Helper()
	token, err := auth.NewJWTVerifier([]byte(testSecret)).Generate("ops@example.com", role, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *apiFixture) request(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) seedUser(t *testing.T, email, password, role string) {
	t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateUser(context.Background(), &store.User{
		ID:           "u1",
		Email:        email,
		PasswordHash: hash,
		Role:         role,
		CreatedAt:    time.Now().UTC(),
	}))
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.request(t, "GET", "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok"`)
}

func TestLoginIssuesTokenAndAudits(t *testing.T) {
	f := newAPIFixture(t)
	f.seedUser(t, "ops@example.com", "hunter22", auth.RoleAdmin)

	rec := f.request(t, "POST", "/api/login", "", `{"email":"ops@example.com","password":"hunter22"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
	assert.Equal(t, auth.RoleAdmin, resp.Role)

	// The issued token must pass the API middleware.
	rec = f.request(t, "GET", "/api/clients", resp.Token, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	logins, err := f.store.ListLoginEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, logins, 1)
	assert.True(t, logins[0].Success)
}

func TestLoginRejectsBadPassword(t *testing.T) {
	f := newAPIFixture(t)
	f.seedUser(t, "ops@example.com", "hunter22", auth.RoleAdmin)

	rec := f.request(t, "POST", "/api/login", "", `{"email":"ops@example.com","password":"wrong"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The failed attempt is audited too.
	logins, err := f.store.ListLoginEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, logins, 1)
	assert.False(t, logins[0].Success)
}

func TestAPIRequiresToken(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.request(t, "GET", "/api/clients", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestViewerCannotMutate(t *testing.T) {
	f := newAPIFixture(t)
	viewer := f.token(t, auth.RoleViewer)

	rec := f.request(t, "GET", "/api/tasks", viewer, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.request(t, "POST", "/api/tasks", viewer, `{"client_id":"c1","command":"ls"}`)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestCreateTaskForOfflineClient(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.token(t, auth.RoleAdmin)

	rec := f.request(t, "POST", "/api/tasks", admin, `{"client_id":"c-offline","command":"whoami"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var task store.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))
	assert.Equal(t, "whoami", task.Command)

	stored, err := f.store.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Nil(t, stored.Result)
}

func TestUpdateAndDeleteTask(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.token(t, auth.RoleAdmin)

	rec := f.request(t, "POST", "/api/tasks", admin, `{"client_id":"c1","command":"ls"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var task store.Task
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &task))

	rec = f.request(t, "PATCH", "/api/tasks/"+task.ID, admin, `{"command":"ls -la"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ls -la")

	rec = f.request(t, "DELETE", "/api/tasks/"+task.ID, admin, "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.request(t, "PATCH", "/api/tasks/"+task.ID, admin, `{"command":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUpdateClient(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.token(t, auth.RoleAdmin)

	require.NoError(t, f.store.UpsertClient(context.Background(), &store.Client{
		ID:       "c1",
		IP:       "203.0.113.5",
		Hostname: "box1",
		Status:   store.ClientStatusOnline,
		LastSeen: time.Now().UTC(),
	}))

	rec := f.request(t, "PATCH", "/api/clients/c1", admin, `{"hostname":"renamed","tags":["prod"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var client store.Client
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &client))
	assert.Equal(t, "renamed", client.Hostname)
	assert.Equal(t, []string{"prod"}, client.Tags)

	rec = f.request(t, "PATCH", "/api/clients/missing", admin, `{"hostname":"x"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.request(t, "PATCH", "/api/clients/c1", admin, `{"status":"SLEEPING"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLifecycleEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.token(t, auth.RoleAdmin)

	// Offline target: accepted, best-effort semantics.
	rec := f.request(t, "POST", "/api/clients/c1/lifecycle", admin, `{"action":"reboot"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.request(t, "POST", "/api/clients/c1/lifecycle", admin, `{"action":"format_disk"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestAgentWebsocketAdmission runs a real websocket round trip: an agent
// dials in, shows up in the client list, receives a dispatched command, and
// goes OFFLINE on disconnect.
func TestAgentWebsocketAdmission(t *testing.T) {
	f := newAPIFixture(t)
	admin := f.token(t, auth.RoleAdmin)

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?agent=true&hostname=box1"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	// First frame is the welcome carrying the assigned identity.
	var welcome relay.Envelope
	require.NoError(t, ws.ReadJSON(&welcome))
	require.Equal(t, relay.TypeWelcome, welcome.Type)
	require.NotEmpty(t, welcome.ClientID)

	rec := f.request(t, "GET", "/api/clients", admin, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), welcome.ClientID)
	assert.Contains(t, rec.Body.String(), "box1")

	rec = f.request(t, "POST", "/api/tasks", admin, `{"client_id":"`+welcome.ClientID+`","command":"whoami"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var cmd relay.Envelope
	require.NoError(t, ws.ReadJSON(&cmd))
	assert.Equal(t, relay.TypeCommand, cmd.Type)
	assert.Equal(t, "whoami", cmd.Command)

	// The agent answers; the result must land in the ledger.
	require.NoError(t, ws.WriteJSON(relay.Envelope{
		Type:   relay.TypeResult,
		TaskID: cmd.TaskID,
		Output: "root\n",
	}))

	deadline := time.Now().Add(2 * time.Second)
	for {
		if result, err := f.store.GetTaskResult(context.Background(), cmd.TaskID); err == nil {
			assert.Equal(t, "root\n", result.Output)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for result")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ws.Close()
	deadline = time.Now().Add(2 * time.Second)
	for {
		client, err := f.store.GetClient(context.Background(), welcome.ClientID)
		require.NoError(t, err)
		if client.Status == store.ClientStatusOffline {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for offline status")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// TestNonAgentWebsocketRejected verifies the classification gate: a socket
// without agent=true is dropped without registering anything.
func TestNonAgentWebsocketRejected(t *testing.T) {
	f := newAPIFixture(t)

	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	// The server closes immediately; the first read fails.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = ws.ReadMessage()
	require.Error(t, err)

	assert.Equal(t, 0, f.hub.Registry().Count())
}
