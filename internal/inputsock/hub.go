// Package inputsock runs the per-session input and event socket: a
// websocket carrying JSON text frames for pointer, keyboard, and heartbeat
// traffic, plus server-initiated pushes.
package inputsock

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Overl1te/CyberDeck-sub000/internal/auth"
	"github.com/Overl1te/CyberDeck-sub000/internal/config"
	"github.com/Overl1te/CyberDeck-sub000/internal/eventbus"
	"github.com/Overl1te/CyberDeck-sub000/internal/input"
	"github.com/Overl1te/CyberDeck-sub000/internal/inputguard"
	"github.com/Overl1te/CyberDeck-sub000/internal/logging"
	"github.com/Overl1te/CyberDeck-sub000/internal/session"
)

var log = logging.L("inputsock")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Clients are native apps, not browsers; origin checks do not apply.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// TransportStats is the client-reported telemetry from stats frames.
type TransportStats struct {
	RTTMs   float64 `json:"rtt_ms"`
	FPS     float64 `json:"fps"`
	Dropped int     `json:"dropped"`
	TS      float64 `json:"ts"`
}

// Hub owns all live sockets, keyed by session token. The session store
// never sees a socket handle; the hub subscribes to session deletions and
// closes the matching connection itself.
type Hub struct {
	store   *session.Store
	guard   *inputguard.Guard
	backend input.Backend
	bus     *eventbus.Bus
	cfg     func() *config.Config

	mu    sync.Mutex
	conns map[string]*conn
	stats map[string]TransportStats
}

// NewHub wires the hub into the session store's delete hook.
func NewHub(store *session.Store, guard *inputguard.Guard, backend input.Backend, bus *eventbus.Bus, cfg func() *config.Config) *Hub {
	h := &Hub{
		store:   store,
		guard:   guard,
		backend: backend,
		bus:     bus,
		cfg:     cfg,
		conns:   make(map[string]*conn),
		stats:   make(map[string]TransportStats),
	}
	store.OnDelete(h.onSessionDeleted)
	return h
}

// Handle upgrades the request and runs the connection until it closes.
func (h *Hub) Handle(w http.ResponseWriter, r *http.Request) {
	cfg := h.cfg()
	token := auth.TokenFromRequest(r, cfg.AllowQueryToken)

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", logging.KeyError, err)
		return
	}

	sess, ok := h.store.Get(token, false)
	if !ok {
		closeWith(ws, websocket.ClosePolicyViolation, "Unauthorized")
		ws.Close()
		return
	}

	c := newConn(h, ws, token)
	h.register(token, c)
	log.Info("input socket connected",
		logging.KeySession, sess.DeviceID,
		logging.KeyRemoteIP, r.RemoteAddr,
	)

	c.sendHello(cfg)
	c.readLoop(cfg)

	h.unregister(token, c)
	log.Info("input socket closed", logging.KeySession, sess.DeviceID)
}

// register installs the new connection, closing any previous socket bound
// to the same token.
func (h *Hub) register(token string, c *conn) {
	h.mu.Lock()
	prev := h.conns[token]
	h.conns[token] = c
	h.mu.Unlock()

	if prev != nil {
		prev.close(websocket.CloseNormalClosure, "replaced by new connection")
	}
}

// unregister drops the mapping only if it still points at this connection.
func (h *Hub) unregister(token string, c *conn) {
	h.mu.Lock()
	if h.conns[token] == c {
		delete(h.conns, token)
		delete(h.stats, token)
	}
	h.mu.Unlock()
}

// onSessionDeleted pushes session_revoked best-effort, then closes the
// socket gracefully. Runs outside the store lock.
func (h *Hub) onSessionDeleted(token string) {
	h.mu.Lock()
	c := h.conns[token]
	delete(h.conns, token)
	delete(h.stats, token)
	h.mu.Unlock()

	if c == nil {
		return
	}
	c.send(map[string]any{"type": "session_revoked"})
	c.close(websocket.CloseNormalClosure, "session revoked")
}

// BroadcastInputLock notifies every live socket of a lock transition.
func (h *Hub) BroadcastInputLock(snap inputguard.Snapshot) {
	msg := map[string]any{
		"type":   "input_lock_changed",
		"locked": snap.Locked,
		"reason": snap.Reason,
		"actor":  snap.Actor,
	}
	for _, c := range h.snapshotConns() {
		c.send(msg)
	}
}

// PushJSON delivers a server-initiated message to one session's socket.
// Returns false when the session has no live socket.
func (h *Hub) PushJSON(token string, msg any) bool {
	h.mu.Lock()
	c := h.conns[token]
	h.mu.Unlock()
	if c == nil {
		return false
	}
	return c.send(msg) == nil
}

// CloseToken disconnects a session's socket without touching the session
// itself. Used by the management disconnect endpoint.
func (h *Hub) CloseToken(token, reason string) bool {
	h.mu.Lock()
	c := h.conns[token]
	delete(h.conns, token)
	delete(h.stats, token)
	h.mu.Unlock()

	if c == nil {
		return false
	}
	c.close(websocket.CloseNormalClosure, reason)
	return true
}

// Connected reports whether a token has a live socket.
func (h *Hub) Connected(token string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[token] != nil
}

// ConnectionCount returns the number of live sockets for diagnostics.
func (h *Hub) ConnectionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

// Stats returns the latest client telemetry per token.
func (h *Hub) Stats() map[string]TransportStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]TransportStats, len(h.stats))
	for k, v := range h.stats {
		out[k] = v
	}
	return out
}

func (h *Hub) recordStats(token string, s TransportStats) {
	s.TS = float64(time.Now().UnixMilli()) / 1000
	h.mu.Lock()
	h.stats[token] = s
	h.mu.Unlock()
}

func (h *Hub) snapshotConns() []*conn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*conn, 0, len(h.conns))
	for _, c := range h.conns {
		out = append(out, c)
	}
	return out
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason), deadline)
}
