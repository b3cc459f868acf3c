// Package api terminates the HTTP surface: the public client endpoints and
// the loopback-only management plane used by the launcher.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/Overl1te/CyberDeck-sub000/internal/auth"
	"github.com/Overl1te/CyberDeck-sub000/internal/capture"
	"github.com/Overl1te/CyberDeck-sub000/internal/config"
	"github.com/Overl1te/CyberDeck-sub000/internal/eventbus"
	"github.com/Overl1te/CyberDeck-sub000/internal/input"
	"github.com/Overl1te/CyberDeck-sub000/internal/inputguard"
	"github.com/Overl1te/CyberDeck-sub000/internal/inputsock"
	"github.com/Overl1te/CyberDeck-sub000/internal/logging"
	"github.com/Overl1te/CyberDeck-sub000/internal/pairing"
	"github.com/Overl1te/CyberDeck-sub000/internal/pinlimit"
	"github.com/Overl1te/CyberDeck-sub000/internal/session"
	"github.com/Overl1te/CyberDeck-sub000/internal/stream"
)

var log = logging.L("api")

// ActionRunner executes host power and session actions.
// *sysactions.Runner is the production implementation.
type ActionRunner interface {
	Run(ctx context.Context, action string) error
}

// App bundles every component the handlers touch. Tests construct a fresh
// App per case; there is no package-level state.
type App struct {
	Cfg     *config.Holder
	Store   *session.Store
	Pairing *pairing.State
	QR      *pairing.QRStore
	Limiter *pinlimit.Limiter
	Guard   *inputguard.Guard
	Bus     *eventbus.Bus
	Hub     *inputsock.Hub

	Auth       *auth.Authenticator
	Negotiator *stream.Negotiator
	Stabilizer *stream.Stabilizer
	Tickets    *stream.TicketStore
	Supervisor *stream.Supervisor
	Prober     stream.AvailabilitySource
	Grabber    *capture.Grabber        // nil when native capture is unavailable
	Screenshot *capture.ScreenshotLoop // nil when no screenshot tool exists
	Input      input.Backend
	Actions    ActionRunner

	StartedAt time.Time
}

// Router builds the full route table.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Get("/healthz", a.handleHealthz)

	r.Post("/api/handshake", a.handleHandshake)
	r.Get("/api/pairing_status", a.handlePairingStatus)
	r.Get("/api/protocol", a.handleProtocol)
	r.Post("/api/qr/login", a.handleQRLogin)
	r.Get("/api/stats", a.handleStats)
	r.Get("/api/diag", a.handleDiag)
	r.Post("/api/file/upload", a.handleUpload)
	r.Get("/api/stream_offer", a.handleStreamOffer)

	r.Get("/video_feed", a.handleVideoFeed)
	r.Get("/video_h264", a.handleVideoTS("h264"))
	r.Get("/video_h265", a.handleVideoTS("h265"))
	r.Get("/ws/input", a.Hub.Handle)

	r.Post("/system/{action}", a.handleSystemAction)
	r.Post("/volume/{direction}", a.handleVolume)

	r.Route("/api/local", func(r chi.Router) {
		r.Use(requireLoopback)
		r.Get("/info", a.handleLocalInfo)
		r.Get("/events", a.handleLocalEvents)
		r.Get("/pending_devices", a.handlePendingDevices)
		r.Get("/trusted_devices", a.handleTrustedDevices)
		r.Get("/security_state", a.handleSecurityState)
		r.Post("/device_approve", a.handleDeviceApprove)
		r.Get("/qr_payload", a.handleQRPayload)
		r.Get("/stats", a.handleLocalStats)
		r.Post("/device_rename", a.handleDeviceRename)
		r.Get("/device_settings", a.handleGetDeviceSettings)
		r.Post("/device_settings", a.handleSetDeviceSettings)
		r.Post("/device_disconnect", a.handleDeviceDisconnect)
		r.Post("/device_delete", a.handleDeviceDelete)
		r.Post("/device_delete_by_id", a.handleDeviceDeleteByID)
		r.Post("/revoke_all", a.handleRevokeAll)
		r.Post("/input_lock", a.handleInputLock)
		r.Post("/panic_mode", a.handlePanicMode)
		r.Post("/trigger_file", a.handleTriggerFile)
		r.Get("/diag_bundle", a.handleDiagBundle)
		r.Post("/regenerate_code", a.handleRegenerateCode)
		r.Post("/reload_config", a.handleReloadConfig)
	})

	return r
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"uptime_s": int(time.Since(a.StartedAt).Seconds()),
	})
}

// requireLoopback rejects management requests from anywhere but the local
// host. IPv4-mapped IPv6 loopback counts.
func requireLoopback(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip := net.ParseIP(host)
		if ip == nil || !ip.IsLoopback() {
			auth.WriteError(w, &auth.APIError{
				Status: http.StatusForbidden,
				Code:   "loopback_only",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug("response encode failed", logging.KeyError, err)
	}
}

// decodeJSON reads a bounded JSON body. Unknown fields are tolerated for
// forward compatibility with newer clients.
func decodeJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return auth.InvalidInput("body read failed")
	}
	if len(body) == 0 {
		return auth.InvalidInput("empty body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return auth.InvalidInput("malformed JSON")
	}
	return nil
}

// flatten spreads a struct's JSON fields into dst, matching the inline
// composition of the wire payloads.
func flatten(dst map[string]any, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return
	}
	for k, val := range fields {
		dst[k] = val
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
