// ABOUTME: Websocket endpoints: agent ingress and the operator terminal bridge.
// ABOUTME: Upgrades are handled here; session semantics live in the hub.

package gateway

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/opsdeck/ops-gateway/internal/auth"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents are not browsers and operators are same-origin; the JWT on the
	// terminal socket is the real gate.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleAgentWS admits agent connections. The handshake declares itself via
// query parameters; anything not declaring agent=true is upgraded and then
// immediately dropped without an error status, since declining registration
// is policy, not failure.
func (g *Gateway) handleAgentWS(w http.ResponseWriter, r *http.Request) {
	isAgent := r.URL.Query().Get("agent") == "true"
	hostname := r.URL.Query().Get("hostname")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	conn, err := g.hub.AdmitConnection(r.Context(), ws, hostname, isAgent, remoteIP(r))
	if err != nil {
		g.logger.Error("agent admission failed", "remote_addr", r.RemoteAddr, "error", err)
		ws.Close()
		return
	}
	if conn == nil {
		ws.Close()
		return
	}

	// Blocks until the agent disconnects; teardown runs inside the hub.
	g.hub.Serve(conn)
}

type terminalInput struct {
	Input string `json:"input"`
}

type terminalOutput struct {
	Output string `json:"output"`
}

// terminalWriteWait bounds a single write to the operator's browser.
const terminalWriteWait = 10 * time.Second

// terminalToken pulls the operator's JWT from the Authorization header or,
// for browser websockets, the token query parameter.
func terminalToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); len(h) > 7 && h[:7] == "Bearer " {
		return h[7:]
	}
	return r.URL.Query().Get("token")
}

// handleTerminal bridges one operator terminal view to one agent. Each view
// gets its own observer binding, so two views on different agents never see
// each other's output even for the same operator.
func (g *Gateway) handleTerminal(w http.ResponseWriter, r *http.Request) {
	claims, err := g.verifier.Verify(terminalToken(r))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	if claims.Role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	agentID := r.PathValue("id")

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("terminal upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()

	observerID, outputCh := g.hub.Observers().Bind(agentID)

	g.logger.Info("terminal session opened",
		"agent_id", agentID,
		"observer_id", observerID,
		"operator", claims.Subject,
	)

	// Writer: observer channel out to the browser.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for out := range outputCh {
			ws.SetWriteDeadline(time.Now().Add(terminalWriteWait))
			if err := ws.WriteJSON(terminalOutput{Output: out.Output}); err != nil {
				return
			}
		}
	}()

	// Reader: operator keystrokes in to the agent.
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var in terminalInput
		if err := json.Unmarshal(data, &in); err != nil {
			g.logger.Warn("malformed terminal input dropped", "agent_id", agentID)
			continue
		}
		g.hub.RelayTerminalInput(agentID, in.Input)
	}

	g.hub.Observers().Unbind(observerID)
	<-done
	g.logger.Info("terminal session closed", "agent_id", agentID, "observer_id", observerID)
}
