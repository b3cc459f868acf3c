package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Overl1te/CyberDeck-sub000/internal/auth"
	"github.com/Overl1te/CyberDeck-sub000/internal/capture"
	"github.com/Overl1te/CyberDeck-sub000/internal/config"
	"github.com/Overl1te/CyberDeck-sub000/internal/eventbus"
	"github.com/Overl1te/CyberDeck-sub000/internal/inputguard"
	"github.com/Overl1te/CyberDeck-sub000/internal/inputsock"
	"github.com/Overl1te/CyberDeck-sub000/internal/pairing"
	"github.com/Overl1te/CyberDeck-sub000/internal/pinlimit"
	"github.com/Overl1te/CyberDeck-sub000/internal/session"
	"github.com/Overl1te/CyberDeck-sub000/internal/stream"
)

const loopbackAddr = "127.0.0.1:40000"

type fakeAvail struct {
	avail capture.Availability
	enc   capture.EncoderSupport
}

func (f *fakeAvail) Status(bool) capture.Availability { return f.avail }
func (f *fakeAvail) Encoders() capture.EncoderSupport { return f.enc }

type fakeActions struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeActions) Run(ctx context.Context, action string) error {
	f.mu.Lock()
	f.calls = append(f.calls, action)
	f.mu.Unlock()
	return f.err
}

type recBackend struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (b *recBackend) record(s string) error {
	b.mu.Lock()
	b.calls = append(b.calls, s)
	b.mu.Unlock()
	return b.err
}

func (b *recBackend) MoveRelative(dx, dy int) error       { return b.record("move") }
func (b *recBackend) Click(button string, dbl bool) error { return b.record("click") }
func (b *recBackend) ButtonDown(button string) error      { return b.record("down") }
func (b *recBackend) ButtonUp(button string) error        { return b.record("up") }
func (b *recBackend) Scroll(dy int) error                 { return b.record("scroll") }
func (b *recBackend) KeyPress(key string) error           { return b.record("key " + key) }
func (b *recBackend) Hotkey(keys []string) error          { return b.record("hotkey") }
func (b *recBackend) TypeText(text string) error          { return b.record("type " + text) }
func (b *recBackend) MediaKey(name string) error          { return b.record("media " + name) }

type testApp struct {
	app     *App
	router  http.Handler
	cfg     *config.Config
	avail   *fakeAvail
	backend *recBackend
	actions *fakeActions
}

func newTestApp(t *testing.T, mutate func(*config.Config)) *testApp {
	t.Helper()

	cfg := config.Default()
	cfg.PairingCode = "1234"
	cfg.SessionFile = filepath.Join(t.TempDir(), "sessions.json")
	cfg.UploadDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	holder := config.NewHolder(cfg, "")

	store := session.NewStore(cfg.SessionFile, session.Limits{
		TTL:         time.Duration(cfg.SessionTTLS) * time.Second,
		IdleTTL:     time.Duration(cfg.SessionIdleTTLS) * time.Second,
		MaxSessions: cfg.MaxSessions,
	})
	guard := inputguard.New()
	bus := eventbus.New()
	backend := &recBackend{}
	hub := inputsock.NewHub(store, guard, backend, bus, holder.Get)
	avail := &fakeAvail{avail: capture.Availability{}}
	stab := stream.NewStabilizer(0)
	actions := &fakeActions{}

	app := &App{
		Cfg:     holder,
		Store:   store,
		Pairing: pairing.NewState(cfg.PairingCode, time.Duration(cfg.PairingTTLS)*time.Second, cfg.PairingSingleUse),
		QR:      pairing.NewQRStore(time.Duration(cfg.QRTokenTTLS) * time.Second),
		Limiter: pinlimit.New(pinlimit.Params{
			Window:   time.Duration(cfg.PinWindowS) * time.Second,
			MaxFails: cfg.PinMaxFails,
			Block:    time.Duration(cfg.PinBlockS) * time.Second,
			Stale:    time.Duration(cfg.PinStateStaleS) * time.Second,
			MaxIPs:   cfg.PinStateMaxIPs,
		}),
		Guard:      guard,
		Bus:        bus,
		Hub:        hub,
		Auth:       auth.New(store, func() bool { return holder.Get().AllowQueryToken }),
		Negotiator: stream.NewNegotiator(avail, stab),
		Stabilizer: stab,
		Tickets:    stream.NewTicketStore(0),
		Supervisor: stream.NewSupervisor(),
		Prober:     avail,
		Input:      backend,
		Actions:    actions,
		StartedAt:  time.Now(),
	}
	return &testApp{
		app:     app,
		router:  app.Router(),
		cfg:     cfg,
		avail:   avail,
		backend: backend,
		actions: actions,
	}
}

func (ta *testApp) do(t *testing.T, method, path, remoteAddr string, body any, headers map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = remoteAddr
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	ta.router.ServeHTTP(rec, req)

	var parsed map[string]any
	if rec.Body.Len() > 0 {
		json.Unmarshal(rec.Body.Bytes(), &parsed)
	}
	return rec, parsed
}

func (ta *testApp) handshake(t *testing.T, code, deviceID, addr string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	return ta.do(t, "POST", "/api/handshake", addr, map[string]any{
		"code":        code,
		"device_id":   deviceID,
		"device_name": "Phone",
	}, nil)
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestHandshakeAndStats(t *testing.T) {
	ta := newTestApp(t, nil)

	rec, body := ta.handshake(t, "1234", "d-1", "192.168.1.20:1111")
	if rec.Code != http.StatusOK {
		t.Fatalf("handshake = %d: %s", rec.Code, rec.Body.String())
	}
	if body["approved"] != true || body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
	token, _ := body["token"].(string)
	if token == "" {
		t.Fatal("no token issued")
	}
	if body["protocol_version"] != float64(config.ProtocolVersion) {
		t.Errorf("protocol_version = %v", body["protocol_version"])
	}

	rec, stats := ta.do(t, "GET", "/api/stats", "192.168.1.20:1112", nil, bearer(token))
	if rec.Code != http.StatusOK {
		t.Fatalf("stats = %d", rec.Code)
	}
	if _, ok := stats["cpu"]; !ok {
		t.Errorf("stats missing cpu: %v", stats)
	}
	if _, ok := stats["ram"]; !ok {
		t.Errorf("stats missing ram: %v", stats)
	}
}

func TestHandshakeWrongCodeThenRateLimited(t *testing.T) {
	ta := newTestApp(t, func(c *config.Config) {
		c.PinMaxFails = 2
		c.PinWindowS = 60
		c.PinBlockS = 300
	})

	for i := 0; i < 2; i++ {
		rec, body := ta.handshake(t, "9999", "d-1", "192.168.1.30:1000")
		if rec.Code != http.StatusForbidden {
			t.Fatalf("attempt %d = %d", i, rec.Code)
		}
		if body["error"] != "invalid_code" {
			t.Errorf("attempt %d body = %v", i, body)
		}
	}

	rec, body := ta.handshake(t, "9999", "d-1", "192.168.1.30:1001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third attempt = %d", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "300" {
		t.Errorf("Retry-After = %q", got)
	}
	if body["error"] != "rate_limited" {
		t.Errorf("body = %v", body)
	}

	// A different IP is unaffected.
	rec, _ = ta.handshake(t, "1234", "d-2", "192.168.1.31:1000")
	if rec.Code != http.StatusOK {
		t.Errorf("other IP = %d", rec.Code)
	}
}

func TestHandshakePairingExpired(t *testing.T) {
	ta := newTestApp(t, nil)
	ta.app.Pairing = pairing.NewState("1234", time.Nanosecond, false)
	time.Sleep(5 * time.Millisecond)

	rec, body := ta.handshake(t, "1234", "d-1", "192.168.1.20:1111")
	if rec.Code != http.StatusForbidden || body["error"] != "pairing_expired" {
		t.Errorf("code = %d body = %v", rec.Code, body)
	}
}

func TestHandshakeSingleUseRotates(t *testing.T) {
	ta := newTestApp(t, nil)
	ta.app.Pairing = pairing.NewState("1234", 0, true)

	rec, body := ta.handshake(t, "1234", "d-1", "192.168.1.20:1111")
	if rec.Code != http.StatusOK || body["pairing_rotated"] != true {
		t.Fatalf("code = %d body = %v", rec.Code, body)
	}

	// The consumed code no longer works.
	rec, _ = ta.handshake(t, "1234", "d-2", "192.168.1.21:1111")
	if rec.Code != http.StatusForbidden {
		t.Errorf("reused code = %d", rec.Code)
	}
}

func TestApprovalFlow(t *testing.T) {
	ta := newTestApp(t, func(c *config.Config) { c.DeviceApprovalRequired = true })

	_, body := ta.handshake(t, "1234", "d-1", "192.168.1.20:1111")
	if body["approval_pending"] != true {
		t.Fatalf("body = %v", body)
	}
	token := body["token"].(string)

	rec, status := ta.do(t, "GET", "/api/pairing_status?token="+token, "192.168.1.20:1112", nil, nil)
	if rec.Code != http.StatusOK || status["approved"] != false {
		t.Fatalf("pairing_status = %d %v", rec.Code, status)
	}

	// Pending tokens cannot use authenticated endpoints yet.
	rec, _ = ta.do(t, "GET", "/api/stats", "192.168.1.20:1113", nil, bearer(token))
	if rec.Code != http.StatusForbidden {
		t.Errorf("pending stats = %d", rec.Code)
	}

	rec, _ = ta.do(t, "POST", "/api/local/device_approve", loopbackAddr,
		map[string]any{"token": token, "allow": true}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("approve = %d", rec.Code)
	}

	_, status = ta.do(t, "GET", "/api/pairing_status?token="+token, "192.168.1.20:1114", nil, nil)
	if status["approved"] != true {
		t.Errorf("after approve = %v", status)
	}
	rec, _ = ta.do(t, "GET", "/api/stats", "192.168.1.20:1115", nil, bearer(token))
	if rec.Code != http.StatusOK {
		t.Errorf("approved stats = %d", rec.Code)
	}
}

func TestDeviceDenyRemovesSession(t *testing.T) {
	ta := newTestApp(t, func(c *config.Config) { c.DeviceApprovalRequired = true })
	_, body := ta.handshake(t, "1234", "d-1", "192.168.1.20:1111")
	token := body["token"].(string)

	rec, _ := ta.do(t, "POST", "/api/local/device_approve", loopbackAddr,
		map[string]any{"token": token, "allow": false}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deny = %d", rec.Code)
	}
	if _, ok := ta.app.Store.Get(token, true); ok {
		t.Error("denied session still present")
	}
}

func uploadRequest(t *testing.T, path, filename, content, sha string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("form file: %v", err)
	}
	fw.Write([]byte(content))
	mw.Close()

	req := httptest.NewRequest("POST", path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if sha != "" {
		req.Header.Set("X-File-Sha256", sha)
	}
	return req
}

const helloSHA = "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824"

func TestUploadIntegrity(t *testing.T) {
	ta := newTestApp(t, func(c *config.Config) {
		c.UploadAllowedExt = []string{".txt"}
	})
	_, body := ta.handshake(t, "1234", "d-1", "192.168.1.20:1111")
	token := body["token"].(string)

	send := func(filename, content, sha string) (*httptest.ResponseRecorder, map[string]any) {
		req := uploadRequest(t, "/api/file/upload", filename, content, sha)
		req.RemoteAddr = "192.168.1.20:2222"
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		ta.router.ServeHTTP(rec, req)
		var parsed map[string]any
		json.Unmarshal(rec.Body.Bytes(), &parsed)
		return rec, parsed
	}

	rec, resp := send("a.TXT", "hello", helloSHA)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload = %d: %s", rec.Code, rec.Body.String())
	}
	if resp["filename"] != "a.TXT" || resp["sha256"] != helloSHA {
		t.Errorf("resp = %v", resp)
	}

	rec, resp = send("a.TXT", "hello", "")
	if rec.Code != http.StatusOK || resp["filename"] != "a_1.TXT" {
		t.Errorf("collision resp = %d %v", rec.Code, resp)
	}

	rec, resp = send("b.txt", "hello", "deadbeef")
	if rec.Code != http.StatusBadRequest || resp["error"] != "upload_checksum_mismatch" {
		t.Errorf("checksum resp = %d %v", rec.Code, resp)
	}

	rec, resp = send("evil.exe", "hello", "")
	if rec.Code != http.StatusUnsupportedMediaType || resp["error"] != "upload_ext_not_allowed" {
		t.Errorf("ext resp = %d %v", rec.Code, resp)
	}
}

func TestUploadRequiresPermission(t *testing.T) {
	ta := newTestApp(t, nil)
	_, body := ta.handshake(t, "1234", "d-1", "192.168.1.20:1111")
	token := body["token"].(string)
	ta.app.Store.UpdateSettings(token, map[string]any{session.PermUpload: false})

	req := uploadRequest(t, "/api/file/upload", "a.txt", "x", "")
	req.RemoteAddr = "192.168.1.20:2222"
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	ta.router.ServeHTTP(rec, req)

	var resp map[string]any
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if rec.Code != http.StatusForbidden || resp["error"] != "permission_denied:perm_upload" {
		t.Errorf("resp = %d %v", rec.Code, resp)
	}
}

func TestStreamOfferScreenshotOnly(t *testing.T) {
	ta := newTestApp(t, nil)
	ta.avail.avail = capture.Availability{capture.BackendScreenshot: true}
	_, body := ta.handshake(t, "1234", "d-1", "192.168.1.20:1111")
	token := body["token"].(string)

	rec, offer := ta.do(t, "GET",
		"/api/stream_offer?monitor=1&fps=30&max_w=1280&quality=50",
		"192.168.1.20:2222", nil, bearer(token))
	if rec.Code != http.StatusOK {
		t.Fatalf("offer = %d", rec.Code)
	}

	candidates := offer["candidates"].([]any)
	if len(candidates) == 0 {
		t.Fatal("no candidates")
	}
	first := candidates[0].(map[string]any)
	if first["codec"] != "mjpeg" || first["backend"] != "screenshot" {
		t.Errorf("first candidate = %v", first)
	}
	for _, c := range candidates {
		if codec := c.(map[string]any)["codec"]; codec == "h264_ts" || codec == "h265_ts" {
			t.Errorf("unexpected TS candidate %v", codec)
		}
	}
	support := offer["support"].(map[string]any)
	if support["h264_encoder"] != false {
		t.Errorf("support = %v", support)
	}
}

func TestStreamOfferRequiresPermission(t *testing.T) {
	ta := newTestApp(t, nil)
	_, body := ta.handshake(t, "1234", "d-1", "192.168.1.20:1111")
	token := body["token"].(string)
	ta.app.Store.UpdateSettings(token, map[string]any{session.PermStream: false})

	rec, resp := ta.do(t, "GET", "/api/stream_offer", "192.168.1.20:2222", nil, bearer(token))
	if rec.Code != http.StatusForbidden || resp["error"] != "permission_denied:perm_stream" {
		t.Errorf("resp = %d %v", rec.Code, resp)
	}
}

func TestStreamCandidateURLPlayableWithoutHeaders(t *testing.T) {
	ta := newTestApp(t, nil)
	ta.avail.avail = capture.Availability{capture.BackendScreenshot: true}
	_, body := ta.handshake(t, "1234", "d-1", "192.168.1.20:1111")
	token := body["token"].(string)

	rec, offer := ta.do(t, "GET", "/api/stream_offer?max_w=1280",
		"192.168.1.20:2222", nil, bearer(token))
	if rec.Code != http.StatusOK {
		t.Fatalf("offer = %d", rec.Code)
	}
	candidates := offer["candidates"].([]any)
	if len(candidates) == 0 {
		t.Fatal("no candidates")
	}
	rawURL := candidates[0].(map[string]any)["url"].(string)

	parsed, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse candidate url %q: %v", rawURL, err)
	}
	if parsed.Query().Get("ticket") == "" {
		t.Fatalf("candidate url %q carries no ticket", rawURL)
	}
	if strings.Contains(rawURL, token) {
		t.Fatalf("candidate url %q leaks the session token", rawURL)
	}

	// Players fetch the URL as-is, with no Authorization header. The test app
	// has no screenshot loop, so a request that clears auth reports the
	// backend as unavailable rather than 403.
	rec, resp := ta.do(t, "GET", parsed.RequestURI(), "192.168.1.20:2223", nil, nil)
	if rec.Code == http.StatusForbidden {
		t.Fatalf("candidate url rejected as unauthorized: %v", resp)
	}
	if rec.Code != http.StatusNotImplemented || resp["error"] != "backend_unavailable" {
		t.Errorf("resp = %d %v", rec.Code, resp)
	}
}

func TestStreamTicketDiesWithSession(t *testing.T) {
	ta := newTestApp(t, nil)
	_, body := ta.handshake(t, "1234", "d-1", "192.168.1.20:1111")
	token := body["token"].(string)

	ticket := ta.app.Tickets.Issue(token)
	ta.app.Store.Delete(token)

	rec, resp := ta.do(t, "GET", "/video_feed?ticket="+ticket, "192.168.1.20:2222", nil, nil)
	if rec.Code != http.StatusForbidden || resp["error"] != "Unauthorized" {
		t.Errorf("resp = %d %v", rec.Code, resp)
	}
}

func TestVideoFeedNoBackend(t *testing.T) {
	ta := newTestApp(t, nil)
	_, body := ta.handshake(t, "1234", "d-1", "192.168.1.20:1111")
	token := body["token"].(string)

	rec, resp := ta.do(t, "GET", "/video_feed", "192.168.1.20:2222", nil, bearer(token))
	if rec.Code != http.StatusNotImplemented || resp["error"] != "backend_unavailable" {
		t.Errorf("resp = %d %v", rec.Code, resp)
	}
}

func TestSystemActionPermAndDispatch(t *testing.T) {
	ta := newTestApp(t, nil)
	_, body := ta.handshake(t, "1234", "d-1", "192.168.1.20:1111")
	token := body["token"].(string)

	// perm_power defaults off.
	rec, resp := ta.do(t, "POST", "/system/shutdown", "192.168.1.20:2222", nil, bearer(token))
	if rec.Code != http.StatusForbidden || resp["error"] != "permission_denied:perm_power" {
		t.Fatalf("resp = %d %v", rec.Code, resp)
	}

	ta.app.Store.UpdateSettings(token, map[string]any{session.PermPower: true})
	rec, _ = ta.do(t, "POST", "/system/shutdown", "192.168.1.20:2223", nil, bearer(token))
	if rec.Code != http.StatusOK {
		t.Fatalf("resp = %d", rec.Code)
	}
	if len(ta.actions.calls) != 1 || ta.actions.calls[0] != "shutdown" {
		t.Errorf("calls = %v", ta.actions.calls)
	}

	rec, _ = ta.do(t, "POST", "/system/explode", "192.168.1.20:2224", nil, bearer(token))
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown action = %d", rec.Code)
	}
}

func TestVolumeMediaKey(t *testing.T) {
	ta := newTestApp(t, nil)
	_, body := ta.handshake(t, "1234", "d-1", "192.168.1.20:1111")
	token := body["token"].(string)

	rec, _ := ta.do(t, "POST", "/volume/up", "192.168.1.20:2222", nil, bearer(token))
	if rec.Code != http.StatusOK {
		t.Fatalf("volume = %d", rec.Code)
	}
	if len(ta.backend.calls) != 1 || ta.backend.calls[0] != "media volume_up" {
		t.Errorf("calls = %v", ta.backend.calls)
	}

	ta.app.Store.UpdateSettings(token, map[string]any{session.PermKeyboard: false})
	rec, resp := ta.do(t, "POST", "/volume/mute", "192.168.1.20:2223", nil, bearer(token))
	if rec.Code != http.StatusForbidden || resp["error"] != "permission_denied:perm_keyboard" {
		t.Errorf("resp = %d %v", rec.Code, resp)
	}
}

func TestQueryTokenPolicy(t *testing.T) {
	ta := newTestApp(t, nil)
	_, body := ta.handshake(t, "1234", "d-1", "192.168.1.20:1111")
	token := body["token"].(string)

	// ALLOW_QUERY_TOKEN defaults off.
	rec, _ := ta.do(t, "GET", "/api/stats?token="+token, "192.168.1.20:2222", nil, nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("query token accepted while disabled: %d", rec.Code)
	}

	ta2 := newTestApp(t, func(c *config.Config) { c.AllowQueryToken = true })
	_, body = ta2.handshake(t, "1234", "d-1", "192.168.1.20:1111")
	token = body["token"].(string)
	rec, _ = ta2.do(t, "GET", "/api/stats?token="+token, "192.168.1.20:2222", nil, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("query token refused while enabled: %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	ta := newTestApp(t, nil)
	rec, body := ta.do(t, "GET", "/healthz", "192.168.1.20:1111", nil, nil)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Errorf("healthz = %d %v", rec.Code, body)
	}
}

func TestDiagIncludesStreamState(t *testing.T) {
	ta := newTestApp(t, nil)
	ta.avail.avail = capture.Availability{capture.BackendFFmpeg: true}
	_, body := ta.handshake(t, "1234", "d-1", "192.168.1.20:1111")
	token := body["token"].(string)

	rec, diag := ta.do(t, "GET", "/api/diag", "192.168.1.20:2222", nil, bearer(token))
	if rec.Code != http.StatusOK {
		t.Fatalf("diag = %d", rec.Code)
	}
	avail := diag["availability"].(map[string]any)
	if avail["ffmpeg"] != true {
		t.Errorf("availability = %v", avail)
	}
	if _, ok := diag["sessions"]; !ok {
		t.Errorf("diag missing sessions: %v", diag)
	}
}

func TestProtocolEndpoint(t *testing.T) {
	ta := newTestApp(t, nil)
	rec, body := ta.do(t, "GET", "/api/protocol", "192.168.1.20:1111", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("protocol = %d", rec.Code)
	}
	if body["protocol_version"] != float64(config.ProtocolVersion) {
		t.Errorf("body = %v", body)
	}
	features := body["features"].(map[string]any)
	if features["qrPairing"] != true {
		t.Errorf("features = %v", features)
	}
}

func TestHandshakeInvalidBody(t *testing.T) {
	ta := newTestApp(t, nil)

	req := httptest.NewRequest("POST", "/api/handshake", bytes.NewReader([]byte("{broken")))
	req.RemoteAddr = "192.168.1.20:1111"
	rec := httptest.NewRecorder()
	ta.router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body = %d", rec.Code)
	}

	rec2, resp := ta.do(t, "POST", "/api/handshake", "192.168.1.20:1112",
		map[string]any{"code": "1234"}, nil)
	if rec2.Code != http.StatusBadRequest || resp["error"] != "invalid_input" {
		t.Errorf("missing device_id = %d %v", rec2.Code, resp)
	}
}

func TestReissueInvalidatesOldToken(t *testing.T) {
	ta := newTestApp(t, nil)
	_, first := ta.handshake(t, "1234", "d-1", "192.168.1.20:1111")
	oldToken := first["token"].(string)
	_, second := ta.handshake(t, "1234", "d-1", "192.168.1.20:1112")
	newToken := second["token"].(string)
	if oldToken == newToken {
		t.Fatal("re-pairing should issue a fresh token")
	}

	rec, _ := ta.do(t, "GET", "/api/stats", "192.168.1.20:2222", nil, bearer(oldToken))
	if rec.Code != http.StatusForbidden {
		t.Errorf("old token = %d", rec.Code)
	}
	rec, _ = ta.do(t, "GET", "/api/stats", "192.168.1.20:2223", nil, bearer(newToken))
	if rec.Code != http.StatusOK {
		t.Errorf("new token = %d", rec.Code)
	}
}

func TestStatsPerIPIsolation(t *testing.T) {
	ta := newTestApp(t, func(c *config.Config) { c.PinMaxFails = 1 })

	rec, _ := ta.handshake(t, "0000", "d-1", "192.168.1.40:1000")
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong code = %d", rec.Code)
	}
	rec, _ = ta.handshake(t, "0000", "d-1", "192.168.1.40:1001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("should be blocked = %d", rec.Code)
	}

	// Success from another IP resets nothing for the blocked one.
	rec, _ = ta.handshake(t, "1234", "d-2", "192.168.1.41:1000")
	if rec.Code != http.StatusOK {
		t.Fatalf("clean IP = %d", rec.Code)
	}
	rec, _ = ta.handshake(t, "1234", "d-1", "192.168.1.40:1002")
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("blocked IP after other success = %d", rec.Code)
	}
}

func TestUploadMaxBytesBoundary(t *testing.T) {
	ta := newTestApp(t, func(c *config.Config) { c.UploadMaxBytes = 5 })
	_, body := ta.handshake(t, "1234", "d-1", "192.168.1.20:1111")
	token := body["token"].(string)

	send := func(content string) *httptest.ResponseRecorder {
		req := uploadRequest(t, "/api/file/upload", fmt.Sprintf("f%d.bin", len(content)), content, "")
		req.RemoteAddr = "192.168.1.20:2222"
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		ta.router.ServeHTTP(rec, req)
		return rec
	}

	if rec := send("12345"); rec.Code != http.StatusOK {
		t.Errorf("exact limit = %d", rec.Code)
	}
	if rec := send("123456"); rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("limit+1 = %d", rec.Code)
	}
}
