package api

import (
	"context"
	"net"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/host"

	"github.com/Overl1te/CyberDeck-sub000/internal/auth"
	"github.com/Overl1te/CyberDeck-sub000/internal/config"
	"github.com/Overl1te/CyberDeck-sub000/internal/pinlimit"
	"github.com/Overl1te/CyberDeck-sub000/internal/session"
	"github.com/Overl1te/CyberDeck-sub000/internal/transfer"
)

func (a *App) handleLocalInfo(w http.ResponseWriter, r *http.Request) {
	cfg := a.Cfg.Get()
	active, pending := a.Store.Counts()
	resp := map[string]any{
		"server_name": cfg.ServerName,
		"scheme":      cfg.Scheme,
		"port":        cfg.Port,
		"uptime_s":    int(time.Since(a.StartedAt).Seconds()),
		"sessions":    map[string]int{"active": active, "pending": pending},
		"input_lock":  a.Guard.Snapshot(),
	}
	flatten(resp, a.Pairing.Meta(time.Now()))
	flatten(resp, config.Protocol())
	writeJSON(w, http.StatusOK, resp)
}

func (a *App) handleLocalEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	after := uint64(intParam(q, "after", 0))
	limit := intParam(q, "limit", 0)
	events, latest := a.Bus.ListAfter(after, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"events":    events,
		"latest_id": latest,
	})
}

// deviceJSON is the launcher's view of a session. The token is included:
// the management plane is loopback-only and needs it to address devices.
func (a *App) deviceJSON(sess *session.Session) map[string]any {
	return map[string]any{
		"token":        sess.Token,
		"device_id":    sess.DeviceID,
		"device_name":  sess.DeviceName,
		"display_name": sess.DisplayName(),
		"ip":           sess.IP,
		"created_ts":   sess.CreatedTS,
		"last_seen_ts": sess.LastSeenTS,
		"approved":     sess.Approved,
		"settings":     sess.Settings,
		"connected":    a.Hub.Connected(sess.Token),
	}
}

func (a *App) handlePendingDevices(w http.ResponseWriter, r *http.Request) {
	devices := make([]map[string]any, 0)
	for _, sess := range a.Store.PendingDevices() {
		devices = append(devices, a.deviceJSON(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (a *App) handleTrustedDevices(w http.ResponseWriter, r *http.Request) {
	devices := make([]map[string]any, 0)
	for _, sess := range a.Store.AllDevices() {
		devices = append(devices, a.deviceJSON(sess))
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (a *App) handleSecurityState(w http.ResponseWriter, r *http.Request) {
	active, pending := a.Store.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"input_lock":      a.Guard.Snapshot(),
		"sessions":        map[string]int{"active": active, "pending": pending},
		"sockets":         a.Hub.ConnectionCount(),
		"pin_tracked_ips": a.Limiter.TrackedIPs(),
		"qr_pending":      a.QR.Pending(),
	})
}

func (a *App) handleDeviceApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
		Allow bool   `json:"allow"`
	}
	if err := decodeJSON(r, &req); err != nil {
		auth.WriteError(w, err)
		return
	}

	sess, ok := a.Store.Get(req.Token, true)
	if !ok {
		auth.WriteError(w, auth.NotFound("unknown token"))
		return
	}

	if req.Allow {
		a.Store.SetApproved(req.Token, true)
		a.Bus.Emit("device_approved", "Device approved", sess.DisplayName(), map[string]any{
			"device_id": sess.DeviceID,
		})
	} else {
		a.Store.Delete(req.Token)
		a.Bus.Emit("device_denied", "Device denied", sess.DisplayName(), map[string]any{
			"device_id": sess.DeviceID,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "approved": req.Allow})
}

// handleQRPayload issues a one-shot token and the connection details the
// launcher renders into a QR image.
func (a *App) handleQRPayload(w http.ResponseWriter, r *http.Request) {
	cfg := a.Cfg.Get()
	writeJSON(w, http.StatusOK, map[string]any{
		"qr_token":     a.QR.Issue(),
		"server_name":  cfg.ServerName,
		"scheme":       cfg.Scheme,
		"port":         cfg.Port,
		"expires_in_s": cfg.QRTokenTTLS,
	})
}

func (a *App) handleLocalStats(w http.ResponseWriter, r *http.Request) {
	resp := a.systemStats()
	active, pending := a.Store.Counts()
	resp["sessions"] = map[string]int{"active": active, "pending": pending}
	resp["sockets"] = a.Hub.ConnectionCount()
	if uptime, err := host.Uptime(); err == nil {
		resp["host_uptime_s"] = uptime
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleDeviceRename patches display metadata. Empty strings clear the key.
func (a *App) handleDeviceRename(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string  `json:"token"`
		Alias *string `json:"alias"`
		Note  *string `json:"note"`
	}
	if err := decodeJSON(r, &req); err != nil {
		auth.WriteError(w, err)
		return
	}

	patch := map[string]any{}
	if req.Alias != nil {
		patch[session.SettingAlias] = emptyToNil(*req.Alias)
	}
	if req.Note != nil {
		patch[session.SettingNote] = emptyToNil(*req.Note)
	}
	if _, ok := a.Store.UpdateSettings(req.Token, patch); !ok {
		auth.WriteError(w, auth.NotFound("unknown token"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func emptyToNil(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (a *App) handleGetDeviceSettings(w http.ResponseWriter, r *http.Request) {
	sess, ok := a.Store.Get(r.URL.Query().Get("token"), true)
	if !ok {
		auth.WriteError(w, auth.NotFound("unknown token"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"settings": sess.Settings})
}

func (a *App) handleSetDeviceSettings(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token    string         `json:"token"`
		Settings map[string]any `json:"settings"`
	}
	if err := decodeJSON(r, &req); err != nil {
		auth.WriteError(w, err)
		return
	}
	if len(req.Settings) == 0 {
		auth.WriteError(w, auth.InvalidInput("settings is required"))
		return
	}
	sess, ok := a.Store.UpdateSettings(req.Token, req.Settings)
	if !ok {
		auth.WriteError(w, auth.NotFound("unknown token"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "settings": sess.Settings})
}

// handleDeviceDisconnect drops the socket but keeps the session; the device
// can reconnect with its existing token.
func (a *App) handleDeviceDisconnect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		auth.WriteError(w, err)
		return
	}
	closed := a.Hub.CloseToken(req.Token, "disconnected by operator")
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "closed": closed})
}

func (a *App) handleDeviceDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		auth.WriteError(w, err)
		return
	}
	sess, ok := a.Store.Get(req.Token, true)
	if !ok || !a.Store.Delete(req.Token) {
		auth.WriteError(w, auth.NotFound("unknown token"))
		return
	}
	a.Stabilizer.Forget(req.Token)
	a.Bus.Emit("device_deleted", "Device removed", sess.DisplayName(), map[string]any{
		"device_id": sess.DeviceID,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *App) handleDeviceDeleteByID(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"device_id"`
	}
	if err := decodeJSON(r, &req); err != nil {
		auth.WriteError(w, err)
		return
	}
	if !a.Store.DeleteByDeviceID(req.DeviceID) {
		auth.WriteError(w, auth.NotFound("unknown device id"))
		return
	}
	a.Bus.Emit("device_deleted", "Device removed", req.DeviceID, nil)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (a *App) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeepToken string `json:"keep_token"`
	}
	// An empty body means revoke everything.
	decodeJSON(r, &req)

	revoked := a.Store.RevokeAll(req.KeepToken)
	a.Bus.Emit("revoke_all", "Sessions revoked", "", map[string]any{"revoked": revoked})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "revoked": revoked})
}

func (a *App) handleInputLock(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Locked bool   `json:"locked"`
		Reason string `json:"reason"`
		Actor  string `json:"actor"`
	}
	if err := decodeJSON(r, &req); err != nil {
		auth.WriteError(w, err)
		return
	}
	if req.Actor == "" {
		req.Actor = "launcher"
	}

	snap := a.Guard.SetLocked(req.Locked, req.Reason, req.Actor)
	a.Hub.BroadcastInputLock(snap)
	a.Bus.Emit("input_lock_changed", "Input lock changed", req.Reason, map[string]any{
		"locked": snap.Locked,
		"actor":  snap.Actor,
	})
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "input_lock": snap})
}

// handlePanicMode revokes every session except an optional keeper and
// optionally locks remote input in the same stroke.
func (a *App) handlePanicMode(w http.ResponseWriter, r *http.Request) {
	var req struct {
		KeepToken string `json:"keep_token"`
		LockInput bool   `json:"lock_input"`
		Reason    string `json:"reason"`
	}
	decodeJSON(r, &req)
	if req.Reason == "" {
		req.Reason = "panic mode"
	}

	revoked := a.Store.RevokeAll(req.KeepToken)
	if req.LockInput {
		snap := a.Guard.SetLocked(true, req.Reason, "panic")
		a.Hub.BroadcastInputLock(snap)
	}
	a.Bus.Emit("panic_mode", "Panic mode", req.Reason, map[string]any{
		"revoked":    revoked,
		"kept":       req.KeepToken,
		"lock_input": req.LockInput,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"revoked":  revoked,
		"kept":     req.KeepToken,
		"security": a.Guard.Snapshot(),
	})
}

// handleTriggerFile starts a one-shot download origin for the device and
// pushes the claim URL over its input socket.
func (a *App) handleTriggerFile(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
		Path  string `json:"path"`
	}
	if err := decodeJSON(r, &req); err != nil {
		auth.WriteError(w, err)
		return
	}
	if req.Path == "" {
		auth.WriteError(w, auth.InvalidInput("path is required"))
		return
	}

	sess, ok := a.Store.Get(req.Token, false)
	if !ok {
		auth.WriteError(w, auth.NotFound("unknown token"))
		return
	}
	if err := auth.RequirePerm(sess, session.PermFileSend); err != nil {
		auth.WriteError(w, err)
		return
	}

	cfg := a.Cfg.Get()
	// The origin must outlive this request; its own watchdog bounds it.
	info, err := transfer.StartOrigin(context.Background(), transfer.OriginRequest{
		Path:      req.Path,
		SessionIP: sess.IP,
		Profile:   sess.Transfer(),
		Scheme:    cfg.Scheme,
		Host:      originHost(sess.IP),
	})
	if err != nil {
		auth.WriteError(w, auth.NotFound("source file unavailable"))
		return
	}

	pushed := a.Hub.PushJSON(req.Token, map[string]any{
		"type":     "file_transfer",
		"filename": info.Filename,
		"url":      info.URL,
		"size":     info.Size,
		"sha256":   info.SHA256,
	})

	resp := map[string]any{"status": "ok", "pushed": pushed}
	flatten(resp, info)
	writeJSON(w, http.StatusOK, resp)
}

// originHost picks the local address the device can reach: the interface we
// would use to route back to the session's IP.
func originHost(sessionIP string) string {
	target := sessionIP
	if target == "" {
		target = "8.8.8.8"
	}
	conn, err := net.Dial("udp", net.JoinHostPort(target, "9"))
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP.String()
}

func (a *App) handleDiagBundle(w http.ResponseWriter, r *http.Request) {
	cfg := a.Cfg.Get()
	bundle := a.diagnostics()
	bundle["server_name"] = cfg.ServerName
	bundle["scheme"] = cfg.Scheme
	bundle["port"] = cfg.Port
	bundle["uptime_s"] = int(time.Since(a.StartedAt).Seconds())
	bundle["go_version"] = runtime.Version()
	bundle["goos"] = runtime.GOOS
	bundle["goroutines"] = runtime.NumGoroutine()
	bundle["events_latest_id"] = a.Bus.LatestID()
	bundle["pin_tracked_ips"] = a.Limiter.TrackedIPs()
	flatten(bundle, config.Protocol())
	writeJSON(w, http.StatusOK, bundle)
}

// handleReloadConfig rebuilds the configuration from the environment.
// Handlers read knobs through the holder, so they pick up the new snapshot on
// their next request; the limiter gets its parameters pushed.
func (a *App) handleReloadConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := a.Cfg.Reload()
	if err != nil {
		auth.WriteError(w, &auth.APIError{
			Status: http.StatusInternalServerError,
			Code:   "reload_failed",
			Detail: err.Error(),
		})
		return
	}
	a.Limiter.SetParams(pinlimit.Params{
		Window:   time.Duration(cfg.PinWindowS) * time.Second,
		MaxFails: cfg.PinMaxFails,
		Block:    time.Duration(cfg.PinBlockS) * time.Second,
		Stale:    time.Duration(cfg.PinStateStaleS) * time.Second,
		MaxIPs:   cfg.PinStateMaxIPs,
	})
	a.Bus.Emit("config_reloaded", "Configuration reloaded", "", nil)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "ok",
		"server_name":       cfg.ServerName,
		"allow_query_token": cfg.AllowQueryToken,
	})
}

func (a *App) handleRegenerateCode(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	a.Pairing.Rotate(now)
	a.Limiter.Reset()
	a.Bus.Emit("pairing_rotated", "Pairing code rotated", "operator request", nil)

	resp := map[string]any{"status": "ok"}
	flatten(resp, a.Pairing.Meta(now))
	writeJSON(w, http.StatusOK, resp)
}
