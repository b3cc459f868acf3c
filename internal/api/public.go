package api

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/Overl1te/CyberDeck-sub000/internal/auth"
	"github.com/Overl1te/CyberDeck-sub000/internal/capture"
	"github.com/Overl1te/CyberDeck-sub000/internal/config"
	"github.com/Overl1te/CyberDeck-sub000/internal/input"
	"github.com/Overl1te/CyberDeck-sub000/internal/logging"
	"github.com/Overl1te/CyberDeck-sub000/internal/session"
	"github.com/Overl1te/CyberDeck-sub000/internal/stream"
	"github.com/Overl1te/CyberDeck-sub000/internal/sysactions"
	"github.com/Overl1te/CyberDeck-sub000/internal/transfer"
)

type handshakeRequest struct {
	Code            string `json:"code"`
	DeviceID        string `json:"device_id"`
	DeviceName      string `json:"device_name"`
	ProtocolVersion int    `json:"protocol_version"`
}

// handleHandshake pairs a new device. Order matters: the pairing TTL is
// checked before the limiter so an expired code never burns an attempt, and
// the limiter is checked before the code so blocked IPs learn nothing.
func (a *App) handleHandshake(w http.ResponseWriter, r *http.Request) {
	var req handshakeRequest
	if err := decodeJSON(r, &req); err != nil {
		auth.WriteError(w, err)
		return
	}
	if req.DeviceID == "" {
		auth.WriteError(w, auth.InvalidInput("device_id is required"))
		return
	}

	cfg := a.Cfg.Get()
	ip := clientIP(r)
	now := time.Now()

	codeOK, expired := a.Pairing.Verify(req.Code, now)
	if expired {
		auth.WriteError(w, auth.PairingExpired())
		return
	}
	if allowed, retryAfter := a.Limiter.Check(ip, now); !allowed {
		auth.WriteError(w, auth.RateLimited(retryAfter))
		return
	}
	if !codeOK {
		a.Limiter.RecordFailure(ip, now)
		log.Warn("handshake rejected", logging.KeyDevice, req.DeviceID, logging.KeyRemoteIP, ip)
		auth.WriteError(w, &auth.APIError{Status: http.StatusForbidden, Code: "invalid_code"})
		return
	}
	a.Limiter.RecordSuccess(ip)

	approved := !cfg.DeviceApprovalRequired
	token := a.Store.Authorize(req.DeviceID, req.DeviceName, ip, approved)
	a.Bus.Emit("handshake", "Device paired", req.DeviceName, map[string]any{
		"device_id": req.DeviceID,
		"ip":        ip,
		"approved":  approved,
	})

	rotated := false
	if a.Pairing.SingleUse() {
		a.Pairing.Rotate(now)
		a.Limiter.Reset()
		rotated = true
		a.Bus.Emit("pairing_rotated", "Pairing code rotated", "single-use code consumed", nil)
	}

	resp := map[string]any{
		"status":           "ok",
		"approved":         approved,
		"approval_pending": !approved,
		"token":            token,
		"server_name":      cfg.ServerName,
		"pairing_rotated":  rotated,
	}
	flatten(resp, a.Pairing.Meta(now))
	flatten(resp, config.Protocol())
	writeJSON(w, http.StatusOK, resp)
}

// handlePairingStatus reports approval progress. Pending tokens are valid
// here, and the token may always arrive by query so polling works before the
// client persists credentials.
func (a *App) handlePairingStatus(w http.ResponseWriter, r *http.Request) {
	token := auth.TokenFromRequest(r, true)
	sess, ok := a.Store.Get(token, true)
	if !ok {
		auth.WriteError(w, auth.ErrUnauthorized)
		return
	}

	resp := map[string]any{
		"approved":         sess.Approved,
		"approval_pending": !sess.Approved,
		"device_id":        sess.DeviceID,
		"device_name":      sess.DeviceName,
		"server_name":      a.Cfg.Get().ServerName,
	}
	flatten(resp, config.Protocol())
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleProtocol(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, config.Protocol())
}

type qrLoginRequest struct {
	QRToken    string `json:"qr_token"`
	Nonce      string `json:"nonce"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
}

// handleQRLogin trades a one-shot QR token for a session. The token is
// consumed before any other validation so a second attempt always fails.
func (a *App) handleQRLogin(w http.ResponseWriter, r *http.Request) {
	var req qrLoginRequest
	if err := decodeJSON(r, &req); err != nil {
		auth.WriteError(w, err)
		return
	}
	qrToken := req.QRToken
	if qrToken == "" {
		qrToken = req.Nonce
	}
	if qrToken == "" {
		auth.WriteError(w, auth.InvalidInput("qr_token is required"))
		return
	}

	if !a.QR.Consume(qrToken) {
		auth.WriteError(w, &auth.APIError{
			Status: http.StatusForbidden,
			Code:   "invalid_or_expired_qr_token",
		})
		return
	}

	deviceID := req.DeviceID
	if deviceID == "" {
		deviceID = "qr-" + uuid.NewString()[:8]
	}
	deviceName := req.DeviceName
	if deviceName == "" {
		deviceName = "QR device"
	}

	cfg := a.Cfg.Get()
	ip := clientIP(r)
	// Scanning the QR is itself operator approval.
	token := a.Store.Authorize(deviceID, deviceName, ip, true)
	a.Bus.Emit("qr_login", "Device paired via QR", deviceName, map[string]any{
		"device_id": deviceID,
		"ip":        ip,
	})

	resp := map[string]any{
		"status":           "ok",
		"approved":         true,
		"approval_pending": false,
		"token":            token,
		"server_name":      cfg.ServerName,
	}
	flatten(resp, config.Protocol())
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleStats(w http.ResponseWriter, r *http.Request) {
	if _, err := a.Auth.Require(r, false); err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.systemStats())
}

func (a *App) systemStats() map[string]any {
	resp := map[string]any{"cpu": 0.0, "ram": map[string]any{}}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		resp["cpu"] = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		resp["ram"] = map[string]any{
			"total":   vm.Total,
			"used":    vm.Used,
			"percent": vm.UsedPercent,
		}
	}
	flatten(resp, config.Protocol())
	return resp
}

func (a *App) handleDiag(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Auth.Require(r, false)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	if err := auth.RequirePerm(sess, session.PermStream); err != nil {
		auth.WriteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.diagnostics())
}

func (a *App) diagnostics() map[string]any {
	active, pending := a.Store.Counts()
	diag := map[string]any{
		"availability": a.Prober.Status(true),
		"encoders":     a.Prober.Encoders(),
		"stream":       a.Supervisor.Diagnostics(),
		"input_lock":   a.Guard.Snapshot(),
		"sockets":      a.Hub.ConnectionCount(),
		"transport":    a.Hub.Stats(),
		"sessions":     map[string]int{"active": active, "pending": pending},
	}
	if a.Grabber != nil {
		diag["native"] = a.Grabber.Stats()
	}
	if a.Screenshot != nil {
		diag["screenshot_last_error"] = a.Screenshot.LastError()
	}
	return diag
}

// handleUpload streams a multipart file into the upload directory. Size and
// checksum failures never leave a partial file behind.
func (a *App) handleUpload(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Auth.Require(r, false)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	if err := auth.RequirePerm(sess, session.PermUpload); err != nil {
		auth.WriteError(w, err)
		return
	}

	mr, err := r.MultipartReader()
	if err != nil {
		auth.WriteError(w, auth.InvalidInput("multipart body required"))
		return
	}

	cfg := a.Cfg.Get()
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			auth.WriteError(w, auth.InvalidInput("truncated multipart body"))
			return
		}
		if part.FormName() != "file" {
			continue
		}

		result, err := transfer.Store(cfg.UploadDir, part.FileName(), part,
			r.Header.Get("X-File-Sha256"), transfer.UploadLimits{
				MaxBytes:   cfg.UploadMaxBytes,
				ExtAllowed: cfg.ExtAllowed,
			})
		if err != nil {
			auth.WriteError(w, uploadError(err))
			return
		}

		a.Bus.Emit("file_received", "File received", result.Filename, map[string]any{
			"device_id": sess.DeviceID,
			"filename":  result.Filename,
			"size":      result.Size,
			"sha256":    result.SHA256,
		})

		resp := map[string]any{"status": "ok"}
		flatten(resp, result)
		writeJSON(w, http.StatusOK, resp)
		return
	}
	auth.WriteError(w, auth.InvalidInput("missing file part"))
}

func uploadError(err error) error {
	switch {
	case errors.Is(err, transfer.ErrTooLarge):
		return &auth.APIError{Status: http.StatusRequestEntityTooLarge, Code: "upload_too_large"}
	case errors.Is(err, transfer.ErrChecksumMismatch):
		return &auth.APIError{Status: http.StatusBadRequest, Code: "upload_checksum_mismatch"}
	case errors.Is(err, transfer.ErrExtNotAllowed):
		return &auth.APIError{Status: http.StatusUnsupportedMediaType, Code: "upload_ext_not_allowed"}
	default:
		return err
	}
}

func (a *App) handleStreamOffer(w http.ResponseWriter, r *http.Request) {
	sess, err := a.Auth.Require(r, false)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	if err := auth.RequirePerm(sess, session.PermStream); err != nil {
		auth.WriteError(w, err)
		return
	}

	cfg := a.Cfg.Get()
	q := r.URL.Query()
	offer := a.Negotiator.Offer(stream.OfferRequest{
		Token:      sess.Token,
		Ticket:     a.Tickets.Issue(sess.Token),
		Backend:    q.Get("backend"),
		Monitor:    intParam(q, "monitor", 0),
		FPS:        intParam(q, "fps", 0),
		MeasuredW:  intParam(q, "max_w", 0),
		BelowFloor: boolParam(q, "below_floor"),
		Quality:    intParam(q, "quality", 0),
		LowLatency: boolParam(q, "low_latency"),
		BaseURL:    cfg.Scheme + "://" + r.Host,
	}, cfg)
	writeJSON(w, http.StatusOK, offer)
}

// streamSession authenticates a video request. Candidate URLs from the offer
// carry a short-lived ticket instead of the session token, so players can
// fetch them without headers while the query-token policy stays closed; a
// Bearer header still works for direct calls.
func (a *App) streamSession(r *http.Request) (*session.Session, error) {
	if tk := r.URL.Query().Get("ticket"); tk != "" {
		if sessToken, ok := a.Tickets.Redeem(tk); ok {
			if sess, ok := a.Store.Get(sessToken, false); ok {
				a.Store.Touch(sessToken)
				return sess, nil
			}
		}
		return nil, auth.ErrUnauthorized
	}
	return a.Auth.Require(r, false)
}

// handleVideoFeed serves MJPEG from whichever backend the offer selected.
// Native and screenshot sources stream in-process; ffmpeg and gstreamer go
// through the subprocess supervisor.
func (a *App) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	sess, err := a.streamSession(r)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	if err := auth.RequirePerm(sess, session.PermStream); err != nil {
		auth.WriteError(w, err)
		return
	}

	cfg := a.Cfg.Get()
	q := r.URL.Query()
	backend := q.Get("backend")
	if backend == "" || backend == "auto" {
		backend = a.defaultMJPEGBackend()
	}

	opts := capture.StreamOptions{
		Monitor:    intParam(q, "monitor", 0),
		FPS:        intParam(q, "fps", 0),
		Width:      intParam(q, "max_w", 0),
		Quality:    intParam(q, "quality", 0),
		LowLatency: boolParam(q, "low_latency"),
	}

	switch backend {
	case "native":
		if a.Grabber == nil || !a.Grabber.Enabled() {
			auth.WriteError(w, auth.BackendUnavailable("native capture disabled"))
			return
		}
		a.Grabber.SetMonitor(opts.Monitor)
		a.serveMJPEG(w, r, a.Grabber, opts, cfg)

	case "screenshot":
		if a.Screenshot == nil {
			auth.WriteError(w, auth.BackendUnavailable("no screenshot tool"))
			return
		}
		a.serveMJPEG(w, r, a.Screenshot, opts, cfg)

	case "ffmpeg", "gstreamer":
		// Both subprocess muxers are told to write the "frame" boundary,
		// so the advertised content type matches regardless of producer.
		var cmds [][]string
		if backend == "ffmpeg" {
			cmds = capture.FFmpegMJPEGCommands(opts)
		} else {
			cmds = capture.GStreamerCommands(opts)
		}
		if len(cmds) == 0 {
			auth.WriteError(w, auth.BackendUnavailable(backend+" cannot run here"))
			return
		}
		st, err := a.Supervisor.Open(r.Context(), stream.StreamShape{
			Codec:      "mjpeg",
			Monitor:    opts.Monitor,
			FPS:        opts.FPS,
			Width:      opts.Width,
			LowLatency: opts.LowLatency,
		}, cmds)
		if err != nil {
			auth.WriteError(w, auth.UpstreamFailed("no capture subprocess produced output"))
			return
		}
		stream.ServeCopy(w, r, st, stream.MJPEGContentType)

	default:
		auth.WriteError(w, auth.BackendUnavailable("no capture backend available"))
	}
}

func (a *App) serveMJPEG(w http.ResponseWriter, r *http.Request, src capture.JPEGSource, opts capture.StreamOptions, cfg *config.Config) {
	stream.ServeMJPEG(w, r, src, stream.MJPEGOptions{
		Width:          opts.Width,
		Quality:        opts.Quality,
		FPS:            opts.FPS,
		Cursor:         boolParam(r.URL.Query(), "cursor"),
		Monitor:        opts.Monitor,
		StaleKeepalive: time.Duration(cfg.StaleKeepaliveS * float64(time.Second)),
	})
}

func (a *App) defaultMJPEGBackend() string {
	if a.Grabber != nil && a.Grabber.Enabled() {
		return "native"
	}
	avail := a.Prober.Status(true)
	for _, b := range []string{"ffmpeg", "gstreamer", "screenshot"} {
		if avail[capture.Backend(b)] {
			return b
		}
	}
	return ""
}

// handleVideoTS builds the MPEG-TS handler for one codec.
func (a *App) handleVideoTS(codec string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, err := a.streamSession(r)
		if err != nil {
			auth.WriteError(w, err)
			return
		}
		if err := auth.RequirePerm(sess, session.PermStream); err != nil {
			auth.WriteError(w, err)
			return
		}

		enc := a.Prober.Encoders()
		if (codec == "h264" && !enc.H264) || (codec == "h265" && !enc.H265) {
			auth.WriteError(w, auth.BackendUnavailable(codec+" encoder not present"))
			return
		}

		q := r.URL.Query()
		opts := capture.StreamOptions{
			Monitor:    intParam(q, "monitor", 0),
			FPS:        intParam(q, "fps", 0),
			Width:      intParam(q, "max_w", 0),
			Quality:    intParam(q, "quality", 0),
			LowLatency: boolParam(q, "low_latency"),
			Audio:      boolParam(q, "audio"),
		}
		st, err := a.Supervisor.Open(r.Context(), stream.StreamShape{
			Codec:      codec + "_ts",
			Monitor:    opts.Monitor,
			FPS:        opts.FPS,
			Width:      opts.Width,
			LowLatency: opts.LowLatency,
			Audio:      opts.Audio,
		}, capture.FFmpegTSCommands(codec, opts))
		if err != nil {
			auth.WriteError(w, auth.UpstreamFailed("encoder subprocess produced no output"))
			return
		}
		stream.ServeCopy(w, r, st, "video/mp2t")
	}
}

func (a *App) handleSystemAction(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	if !sysactions.Known(action) {
		auth.WriteError(w, auth.NotFound("unknown action"))
		return
	}
	sess, err := a.Auth.Require(r, false)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	if err := auth.RequirePerm(sess, session.PermPower); err != nil {
		auth.WriteError(w, err)
		return
	}

	if err := a.Actions.Run(r.Context(), action); err != nil {
		log.Error("system action failed", "action", action, logging.KeyError, err)
		auth.WriteError(w, auth.UpstreamFailed("action failed"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "action": action})
}

func (a *App) handleVolume(w http.ResponseWriter, r *http.Request) {
	var key string
	switch chi.URLParam(r, "direction") {
	case "up":
		key = input.MediaVolumeUp
	case "down":
		key = input.MediaVolumeDown
	case "mute":
		key = input.MediaVolumeMute
	default:
		auth.WriteError(w, auth.NotFound("unknown volume action"))
		return
	}

	sess, err := a.Auth.Require(r, false)
	if err != nil {
		auth.WriteError(w, err)
		return
	}
	if err := auth.RequirePerm(sess, session.PermKeyboard); err != nil {
		auth.WriteError(w, err)
		return
	}

	if err := a.Input.MediaKey(key); err != nil {
		if errors.Is(err, input.ErrUnavailable) {
			auth.WriteError(w, auth.BackendUnavailable("no input backend on this host"))
		} else {
			auth.WriteError(w, auth.UpstreamFailed("media key injection failed"))
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func intParam(q url.Values, name string, def int) int {
	raw := q.Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func boolParam(q url.Values, name string) bool {
	switch q.Get(name) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}
