package inputsock

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Overl1te/CyberDeck-sub000/internal/config"
	"github.com/Overl1te/CyberDeck-sub000/internal/eventbus"
	"github.com/Overl1te/CyberDeck-sub000/internal/inputguard"
	"github.com/Overl1te/CyberDeck-sub000/internal/session"
)

type recordingBackend struct {
	mu    sync.Mutex
	calls []string
}

func (b *recordingBackend) record(format string, args ...any) error {
	b.mu.Lock()
	b.calls = append(b.calls, fmt.Sprintf(format, args...))
	b.mu.Unlock()
	return nil
}

func (b *recordingBackend) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

func (b *recordingBackend) MoveRelative(dx, dy int) error { return b.record("move %d %d", dx, dy) }
func (b *recordingBackend) Click(button string, double bool) error {
	return b.record("click %s %v", button, double)
}
func (b *recordingBackend) ButtonDown(button string) error { return b.record("down %s", button) }
func (b *recordingBackend) ButtonUp(button string) error   { return b.record("up %s", button) }
func (b *recordingBackend) Scroll(dy int) error            { return b.record("scroll %d", dy) }
func (b *recordingBackend) KeyPress(key string) error      { return b.record("key %s", key) }
func (b *recordingBackend) Hotkey(keys []string) error {
	return b.record("hotkey %s", strings.Join(keys, "+"))
}
func (b *recordingBackend) TypeText(text string) error { return b.record("type %s", text) }
func (b *recordingBackend) MediaKey(name string) error { return b.record("media %s", name) }

type hubFixture struct {
	hub     *Hub
	store   *session.Store
	guard   *inputguard.Guard
	backend *recordingBackend
	url     string
}

func newHubFixture(t *testing.T) *hubFixture {
	t.Helper()

	cfg := config.Default()
	cfg.AllowQueryToken = true
	cfg.HeartbeatTimeoutMs = 5000

	store := session.NewStore(filepath.Join(t.TempDir(), "s.json"), session.Limits{})
	guard := inputguard.New()
	backend := &recordingBackend{}
	hub := NewHub(store, guard, backend, eventbus.New(), func() *config.Config { return cfg })

	srv := httptest.NewServer(http.HandlerFunc(hub.Handle))
	t.Cleanup(srv.Close)

	return &hubFixture{
		hub:     hub,
		store:   store,
		guard:   guard,
		backend: backend,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/input",
	}
}

func (f *hubFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(f.url+"?token="+token, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readJSON(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	var msg map[string]any
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestHelloOnConnect(t *testing.T) {
	f := newHubFixture(t)
	token := f.store.Authorize("d-1", "Phone", "", true)

	ws := f.dial(t, token)
	hello := readJSON(t, ws)
	if hello["type"] != "hello" {
		t.Fatalf("first frame = %v", hello)
	}
	if hello["protocol_version"] != float64(config.ProtocolVersion) {
		t.Errorf("protocol_version = %v", hello["protocol_version"])
	}
	if hello["heartbeat_interval_ms"] == nil || hello["heartbeat_timeout_ms"] == nil {
		t.Errorf("hello missing heartbeat fields: %v", hello)
	}
	if !f.hub.Connected(token) {
		t.Error("hub should track the connection")
	}
}

func TestUnauthorizedTokenClosed(t *testing.T) {
	f := newHubFixture(t)
	ws := f.dial(t, "nope")

	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Errorf("err = %v, want close 1008", err)
	}
}

func TestPointerDispatchInOrder(t *testing.T) {
	f := newHubFixture(t)
	token := f.store.Authorize("d-1", "Phone", "", true)
	ws := f.dial(t, token)
	readJSON(t, ws) // hello

	frames := []string{
		`{"type":"mouse_move","dx":3,"dy":-4}`,
		`{"type":"mouse_click","button":"right","double":true}`,
		`{"type":"scroll","dy":-2}`,
		`{"type":"ping"}`,
	}
	for _, frame := range frames {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	// The pong proves every earlier frame was dispatched.
	if pong := readJSON(t, ws); pong["type"] != "pong" {
		t.Fatalf("frame = %v, want pong", pong)
	}

	got := f.backend.snapshot()
	want := []string{"move 3 -4", "click right true", "scroll -2"}
	if len(got) != len(want) {
		t.Fatalf("calls = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestTextAliases(t *testing.T) {
	f := newHubFixture(t)
	token := f.store.Authorize("d-1", "Phone", "", true)
	ws := f.dial(t, token)
	readJSON(t, ws)

	frames := []string{
		`{"type":"input_text","value":"hello"}`,
		`{"type":"text","text":"world"}`,
		`{"type":"insert_text","payload":42}`,
		`{"type":"keyboard_text","data":""}`,
		`{"type":"ping"}`,
	}
	for _, frame := range frames {
		if err := ws.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	readJSON(t, ws) // pong

	got := f.backend.snapshot()
	want := []string{"type hello", "type world"}
	if len(got) != len(want) {
		t.Fatalf("calls = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestInputLockBlocksPointer(t *testing.T) {
	f := newHubFixture(t)
	token := f.store.Authorize("d-1", "Phone", "", true)
	ws := f.dial(t, token)
	readJSON(t, ws)

	f.guard.SetLocked(true, "test", "admin")
	if err := ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"mouse_move","dx":1,"dy":1}`)); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readJSON(t, ws)
	if msg["type"] != "error" || msg["code"] != "input_locked" {
		t.Fatalf("frame = %v", msg)
	}
	if calls := f.backend.snapshot(); len(calls) != 0 {
		t.Errorf("backend called while locked: %v", calls)
	}

	f.guard.SetLocked(false, "", "")
	ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"mouse_move","dx":1,"dy":1}`))
	ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
	readJSON(t, ws)
	if calls := f.backend.snapshot(); len(calls) != 1 {
		t.Errorf("calls after unlock = %v", calls)
	}
}

func TestPermissionDeniedKeyboard(t *testing.T) {
	f := newHubFixture(t)
	token := f.store.Authorize("d-1", "Phone", "", true)
	f.store.UpdateSettings(token, map[string]any{session.PermKeyboard: false})

	ws := f.dial(t, token)
	readJSON(t, ws)

	ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"key_press","key":"a"}`))
	msg := readJSON(t, ws)
	if msg["code"] != "permission_denied:perm_keyboard" {
		t.Errorf("frame = %v", msg)
	}
	if calls := f.backend.snapshot(); len(calls) != 0 {
		t.Errorf("backend called without permission: %v", calls)
	}
}

func TestSecondConnectionReplacesFirst(t *testing.T) {
	f := newHubFixture(t)
	token := f.store.Authorize("d-1", "Phone", "", true)

	first := f.dial(t, token)
	readJSON(t, first)
	second := f.dial(t, token)
	readJSON(t, second)

	first.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := first.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("first socket err = %v, want close 1000", err)
	}

	// The replacement socket keeps working.
	second.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
	if pong := readJSON(t, second); pong["type"] != "pong" {
		t.Errorf("frame = %v", pong)
	}
}

func TestSessionRevokedPushedBeforeClose(t *testing.T) {
	f := newHubFixture(t)
	token := f.store.Authorize("d-1", "Phone", "", true)
	ws := f.dial(t, token)
	readJSON(t, ws)

	f.store.Delete(token)

	msg := readJSON(t, ws)
	if msg["type"] != "session_revoked" {
		t.Fatalf("frame = %v, want session_revoked", msg)
	}
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := ws.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("err = %v, want close 1000", err)
	}
}

func TestBroadcastInputLock(t *testing.T) {
	f := newHubFixture(t)
	tokenA := f.store.Authorize("d-1", "Phone", "", true)
	tokenB := f.store.Authorize("d-2", "Tablet", "", true)

	a := f.dial(t, tokenA)
	readJSON(t, a)
	b := f.dial(t, tokenB)
	readJSON(t, b)

	f.hub.BroadcastInputLock(f.guard.SetLocked(true, "meeting", "admin"))

	for _, ws := range []*websocket.Conn{a, b} {
		msg := readJSON(t, ws)
		if msg["type"] != "input_lock_changed" || msg["locked"] != true {
			t.Errorf("frame = %v", msg)
		}
		if msg["reason"] != "meeting" {
			t.Errorf("reason = %v", msg["reason"])
		}
	}
}

func TestPushJSON(t *testing.T) {
	f := newHubFixture(t)
	token := f.store.Authorize("d-1", "Phone", "", true)
	ws := f.dial(t, token)
	readJSON(t, ws)

	ok := f.hub.PushJSON(token, map[string]any{
		"type":     "file_transfer",
		"filename": "a.txt",
		"url":      "http://127.0.0.1:9999/a.txt?t=x",
	})
	if !ok {
		t.Fatal("PushJSON to live socket failed")
	}
	if msg := readJSON(t, ws); msg["type"] != "file_transfer" {
		t.Errorf("frame = %v", msg)
	}

	if f.hub.PushJSON("unknown", map[string]any{"type": "file_transfer"}) {
		t.Error("PushJSON to unknown token should fail")
	}
}

func TestStatsTelemetryRecorded(t *testing.T) {
	f := newHubFixture(t)
	token := f.store.Authorize("d-1", "Phone", "", true)
	ws := f.dial(t, token)
	readJSON(t, ws)

	ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"stats","rtt_ms":42.5,"fps":24,"dropped":3}`))
	ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`))
	readJSON(t, ws)

	stats := f.hub.Stats()
	s, ok := stats[token]
	if !ok {
		t.Fatalf("stats = %v", stats)
	}
	if s.RTTMs != 42.5 || s.FPS != 24 || s.Dropped != 3 {
		t.Errorf("stats = %+v", s)
	}
}
