package inputsock

import (
	"encoding/json"
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Overl1te/CyberDeck-sub000/internal/config"
	"github.com/Overl1te/CyberDeck-sub000/internal/input"
	"github.com/Overl1te/CyberDeck-sub000/internal/logging"
	"github.com/Overl1te/CyberDeck-sub000/internal/session"
)

// clientMsg is the superset of every client frame. Text payload aliases are
// kept as raw JSON so non-string values can be ignored instead of failing
// the whole frame.
type clientMsg struct {
	Type   string   `json:"type"`
	DX     int      `json:"dx"`
	DY     int      `json:"dy"`
	Button string   `json:"button"`
	Double bool     `json:"double"`
	Key    string   `json:"key"`
	Keys   []string `json:"keys"`

	Text    json.RawMessage `json:"text"`
	Value   json.RawMessage `json:"value"`
	Message json.RawMessage `json:"message"`
	Payload json.RawMessage `json:"payload"`
	Data    json.RawMessage `json:"data"`

	RTTMs   float64 `json:"rtt_ms"`
	FPS     float64 `json:"fps"`
	Dropped int     `json:"dropped"`
}

// conn is one live socket. Reads happen on a single goroutine so events
// dispatch in arrival order; writes from any goroutine serialize on writeMu.
type conn struct {
	hub   *Hub
	ws    *websocket.Conn
	token string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newConn(h *Hub, ws *websocket.Conn, token string) *conn {
	return &conn{hub: h, ws: ws, token: token}
}

func (c *conn) sendHello(cfg *config.Config) {
	proto := config.Protocol()
	c.send(map[string]any{
		"type":                           "hello",
		"protocol_version":               proto.ProtocolVersion,
		"min_supported_protocol_version": proto.MinSupportedProtocolVersion,
		"server_version":                 proto.ServerVersion,
		"features":                       proto.Features,
		"heartbeat_interval_ms":          cfg.HeartbeatIntervalMs,
		"heartbeat_timeout_ms":           cfg.HeartbeatTimeoutMs,
	})
}

func (c *conn) send(msg any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(msg)
}

func (c *conn) sendError(code, detail string) {
	c.send(map[string]any{"type": "error", "code": code, "detail": detail})
}

// close sends a close frame once and tears down the underlying socket,
// which unblocks the read loop.
func (c *conn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), deadline)
		c.writeMu.Unlock()
		c.ws.Close()
	})
}

// readLoop consumes frames until the peer goes away or the heartbeat
// deadline lapses. Any valid frame counts as liveness.
func (c *conn) readLoop(cfg *config.Config) {
	timeout := time.Duration(cfg.HeartbeatTimeoutMs) * time.Millisecond

	for {
		c.ws.SetReadDeadline(time.Now().Add(timeout))
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				log.Info("input socket heartbeat timeout")
				c.close(websocket.CloseInternalServerErr, "heartbeat timeout")
			} else if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("input socket read error", logging.KeyError, err)
			}
			c.ws.Close()
			return
		}

		var msg clientMsg
		if err := json.Unmarshal(data, &msg); err != nil {
			c.sendError("invalid_input", "malformed frame")
			continue
		}

		// A frame that parses proves the client is alive.
		sess, ok := c.hub.store.Get(c.token, false)
		if !ok {
			c.close(websocket.CloseNormalClosure, "session revoked")
			return
		}
		c.hub.store.Touch(c.token)

		c.dispatch(sess, &msg)
	}
}

func (c *conn) dispatch(sess *session.Session, msg *clientMsg) {
	switch msg.Type {
	case "ping":
		c.send(map[string]any{
			"type": "pong",
			"ts":   float64(time.Now().UnixMilli()) / 1000,
		})

	case "stats":
		c.hub.recordStats(c.token, TransportStats{
			RTTMs:   msg.RTTMs,
			FPS:     msg.FPS,
			Dropped: msg.Dropped,
		})

	case "mouse_move", "mouse_click", "mouse_down", "mouse_up", "scroll":
		if !c.allowInput(sess, session.PermMouse) {
			return
		}
		c.pointerEvent(msg)

	case "key_press", "hotkey":
		if !c.allowInput(sess, session.PermKeyboard) {
			return
		}
		c.keyEvent(msg)

	case "text", "input_text", "insert_text", "keyboard_text":
		if !c.allowInput(sess, session.PermKeyboard) {
			return
		}
		if text := textPayload(msg); text != "" {
			c.report(c.hub.backend.TypeText(text))
		}

	default:
		// Unknown types are ignored so older servers stay forward
		// compatible with newer clients.
	}
}

// allowInput checks the lock first, then the permission key, and reports
// the rejection back to the client.
func (c *conn) allowInput(sess *session.Session, perm string) bool {
	if c.hub.guard.IsLocked() {
		c.sendError("input_locked", "remote input is locked")
		return false
	}
	if !sess.Perm(perm) {
		c.sendError("permission_denied:"+perm, "")
		return false
	}
	return true
}

func (c *conn) pointerEvent(msg *clientMsg) {
	b := c.hub.backend
	switch msg.Type {
	case "mouse_move":
		c.report(b.MoveRelative(msg.DX, msg.DY))
	case "mouse_click":
		c.report(b.Click(buttonOrLeft(msg.Button), msg.Double))
	case "mouse_down":
		c.report(b.ButtonDown(buttonOrLeft(msg.Button)))
	case "mouse_up":
		c.report(b.ButtonUp(buttonOrLeft(msg.Button)))
	case "scroll":
		c.report(b.Scroll(msg.DY))
	}
}

func (c *conn) keyEvent(msg *clientMsg) {
	b := c.hub.backend
	switch msg.Type {
	case "key_press":
		if msg.Key == "" {
			return
		}
		c.report(b.KeyPress(msg.Key))
	case "hotkey":
		if len(msg.Keys) == 0 {
			return
		}
		c.report(b.Hotkey(msg.Keys))
	}
}

// report surfaces injection failures as error events without dropping the
// connection.
func (c *conn) report(err error) {
	if err == nil {
		return
	}
	if errors.Is(err, input.ErrUnavailable) {
		c.sendError("backend_unavailable", "no input backend on this host")
		return
	}
	log.Debug("input injection failed", logging.KeyError, err)
	c.sendError("upstream_failed", "input injection failed")
}

func buttonOrLeft(name string) string {
	switch name {
	case input.ButtonRight, input.ButtonMiddle:
		return name
	}
	return input.ButtonLeft
}

// textPayload picks the first usable string among the payload aliases.
func textPayload(msg *clientMsg) string {
	for _, raw := range []json.RawMessage{msg.Text, msg.Value, msg.Message, msg.Payload, msg.Data} {
		if len(raw) == 0 {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
