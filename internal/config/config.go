package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the typed runtime configuration. It is loaded from the process
// environment at startup and rebuilt on Reload; handlers read it through an
// immutable snapshot so a reload never tears a request.
type Config struct {
	// Pairing
	PairingCode      string `mapstructure:"pairing_code"`
	PairingTTLS      int    `mapstructure:"pairing_ttl_s"`
	PairingSingleUse bool   `mapstructure:"pairing_single_use"`
	QRTokenTTLS      int    `mapstructure:"qr_token_ttl_s"`

	// Sessions
	SessionTTLS            int    `mapstructure:"session_ttl_s"`
	SessionIdleTTLS        int    `mapstructure:"session_idle_ttl_s"`
	MaxSessions            int    `mapstructure:"max_sessions"`
	SessionFile            string `mapstructure:"session_file"`
	DeviceApprovalRequired bool   `mapstructure:"device_approval_required"`

	// PIN limiter
	PinWindowS     int `mapstructure:"pin_window_s"`
	PinMaxFails    int `mapstructure:"pin_max_fails"`
	PinBlockS      int `mapstructure:"pin_block_s"`
	PinStateStaleS int `mapstructure:"pin_state_stale_s"`
	PinStateMaxIPs int `mapstructure:"pin_state_max_ips"`

	// Transport
	Port       int    `mapstructure:"port"`
	PortAuto   bool   `mapstructure:"port_auto"`
	Scheme     string `mapstructure:"scheme"`
	TLSEnabled bool   `mapstructure:"tls_enabled"`
	TLSCert    string `mapstructure:"tls_cert"`
	TLSKey     string `mapstructure:"tls_key"`

	// Auth
	AllowQueryToken bool `mapstructure:"allow_query_token"`

	// Upload
	UploadMaxBytes   int64    `mapstructure:"upload_max_bytes"`
	UploadAllowedExt []string `mapstructure:"upload_allowed_ext"`
	UploadDir        string   `mapstructure:"upload_dir"`

	// Identity
	ServerName string `mapstructure:"server_name"`

	// Input socket
	HeartbeatIntervalMs int `mapstructure:"heartbeat_interval_ms"`
	HeartbeatTimeoutMs  int `mapstructure:"heartbeat_timeout_ms"`

	// Streaming
	BackendOrder     string  `mapstructure:"mjpeg_backend_order"`
	WidthLadder      []int   `mapstructure:"stream_width_ladder"`
	MinSwitchS       float64 `mapstructure:"stream_min_switch_s"`
	HysteresisRatio  float64 `mapstructure:"stream_hysteresis_ratio"`
	MinWidthFloor    int     `mapstructure:"stream_min_width_floor"`
	RTTGoodMs        int     `mapstructure:"stream_rtt_good_ms"`
	RTTBadMs         int     `mapstructure:"stream_rtt_bad_ms"`
	StepDown         int     `mapstructure:"stream_step_down"`
	StepUp           int     `mapstructure:"stream_step_up"`
	FPSDropThreshold float64 `mapstructure:"stream_fps_drop_threshold"`
	StaleKeepaliveS  float64 `mapstructure:"stream_stale_keepalive_s"`
	ReconnectHintMs  int     `mapstructure:"stream_reconnect_hint_ms"`

	// System actions
	SystemCmdTimeoutS float64 `mapstructure:"system_cmd_timeout_s"`

	// Logging
	LogFormat string `mapstructure:"log_format"`
	LogLevel  string `mapstructure:"log_level"`
}

// envKeys maps each config key to the environment variables that may set it,
// in priority order. The bare names mirror the knobs the launcher exports;
// CYBERDECK_-prefixed aliases keep the namespace clean for manual setups.
var envKeys = map[string][]string{
	"pairing_code":              {"PAIRING_CODE"},
	"pairing_ttl_s":             {"PAIRING_TTL_S"},
	"pairing_single_use":        {"PAIRING_SINGLE_USE"},
	"qr_token_ttl_s":            {"QR_TOKEN_TTL_S"},
	"session_ttl_s":             {"SESSION_TTL_S"},
	"session_idle_ttl_s":        {"SESSION_IDLE_TTL_S"},
	"max_sessions":              {"MAX_SESSIONS"},
	"session_file":              {"SESSION_FILE"},
	"device_approval_required":  {"DEVICE_APPROVAL_REQUIRED"},
	"pin_window_s":              {"PIN_WINDOW_S"},
	"pin_max_fails":             {"PIN_MAX_FAILS"},
	"pin_block_s":               {"PIN_BLOCK_S"},
	"pin_state_stale_s":         {"PIN_STATE_STALE_S"},
	"pin_state_max_ips":         {"PIN_STATE_MAX_IPS"},
	"port":                      {"PORT"},
	"port_auto":                 {"PORT_AUTO"},
	"scheme":                    {"SCHEME"},
	"tls_enabled":               {"TLS_ENABLED"},
	"tls_cert":                  {"TLS_CERT"},
	"tls_key":                   {"TLS_KEY"},
	"allow_query_token":         {"ALLOW_QUERY_TOKEN"},
	"upload_max_bytes":          {"UPLOAD_MAX_BYTES"},
	"upload_allowed_ext":        {"UPLOAD_ALLOWED_EXT"},
	"upload_dir":                {"UPLOAD_DIR"},
	"server_name":               {"SERVER_NAME"},
	"heartbeat_interval_ms":     {"HEARTBEAT_INTERVAL_MS"},
	"heartbeat_timeout_ms":      {"HEARTBEAT_TIMEOUT_MS"},
	"mjpeg_backend_order":       {"CYBERDECK_MJPEG_BACKEND_ORDER"},
	"stream_width_ladder":       {"CYBERDECK_STREAM_WIDTH_LADDER"},
	"stream_min_switch_s":       {"CYBERDECK_STREAM_MIN_SWITCH_S"},
	"stream_hysteresis_ratio":   {"CYBERDECK_STREAM_HYSTERESIS_RATIO"},
	"stream_min_width_floor":    {"CYBERDECK_STREAM_MIN_WIDTH_FLOOR"},
	"stream_rtt_good_ms":        {"CYBERDECK_STREAM_RTT_GOOD_MS"},
	"stream_rtt_bad_ms":         {"CYBERDECK_STREAM_RTT_BAD_MS"},
	"stream_step_down":          {"CYBERDECK_STREAM_STEP_DOWN"},
	"stream_step_up":            {"CYBERDECK_STREAM_STEP_UP"},
	"stream_fps_drop_threshold": {"CYBERDECK_STREAM_FPS_DROP_THRESHOLD"},
	"stream_stale_keepalive_s":  {"CYBERDECK_STREAM_STALE_KEEPALIVE_S"},
	"stream_reconnect_hint_ms":  {"CYBERDECK_STREAM_RECONNECT_HINT_MS"},
	"system_cmd_timeout_s":      {"CYBERDECK_SYSTEM_CMD_TIMEOUT_S"},
	"log_format":                {"CYBERDECK_LOG_FORMAT"},
	"log_level":                 {"CYBERDECK_LOG_LEVEL"},
}

// Default returns the built-in configuration values.
func Default() *Config {
	return &Config{
		PairingCode:         "",
		PairingTTLS:         0,
		PairingSingleUse:    false,
		QRTokenTTLS:         120,
		SessionTTLS:         0,
		SessionIdleTTLS:     0,
		MaxSessions:         0,
		SessionFile:         filepath.Join(stateDir(), "sessions.json"),
		PinWindowS:          60,
		PinMaxFails:         5,
		PinBlockS:           300,
		PinStateStaleS:      3600,
		PinStateMaxIPs:      1024,
		Port:                8722,
		PortAuto:            false,
		Scheme:              "http",
		UploadDir:           filepath.Join(stateDir(), "uploads"),
		ServerName:          defaultServerName(),
		HeartbeatIntervalMs: 5000,
		HeartbeatTimeoutMs:  20000,
		WidthLadder:         []int{640, 854, 1024, 1280, 1600, 1920, 2560},
		MinSwitchS:          4,
		HysteresisRatio:     0.2,
		MinWidthFloor:       640,
		RTTGoodMs:           60,
		RTTBadMs:            180,
		StepDown:            2,
		StepUp:              1,
		FPSDropThreshold:    0.5,
		StaleKeepaliveS:     2,
		ReconnectHintMs:     1500,
		SystemCmdTimeoutS:   3,
		LogFormat:           "text",
		LogLevel:            "info",
	}
}

// Load reads the environment (plus an optional config file) into a Config.
// A .env file beside the working directory is honored for development runs.
func Load(cfgFile string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	for key, envs := range envKeys {
		args := append([]string{key}, envs...)
		if err := v.BindEnv(args...); err != nil {
			return nil, err
		}
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	c.Scheme = strings.ToLower(strings.TrimSpace(c.Scheme))
	if c.Scheme != "https" {
		c.Scheme = "http"
	}
	if c.TLSEnabled {
		c.Scheme = "https"
	}

	// Allowed extensions are stored lowercased with a leading dot.
	normalized := c.UploadAllowedExt[:0]
	for _, ext := range c.UploadAllowedExt {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		normalized = append(normalized, ext)
	}
	c.UploadAllowedExt = normalized

	if len(c.WidthLadder) == 0 {
		c.WidthLadder = Default().WidthLadder
	}
	if c.MinWidthFloor <= 0 {
		c.MinWidthFloor = Default().MinWidthFloor
	}
	if c.HysteresisRatio <= 0 || c.HysteresisRatio >= 1 {
		c.HysteresisRatio = Default().HysteresisRatio
	}
	if c.MinSwitchS <= 0 {
		c.MinSwitchS = Default().MinSwitchS
	}
	if c.StaleKeepaliveS <= 0 {
		c.StaleKeepaliveS = Default().StaleKeepaliveS
	}
	if c.HeartbeatIntervalMs <= 0 {
		c.HeartbeatIntervalMs = Default().HeartbeatIntervalMs
	}
	if c.HeartbeatTimeoutMs <= c.HeartbeatIntervalMs {
		c.HeartbeatTimeoutMs = c.HeartbeatIntervalMs * 4
	}

	// System action timeout clamped to a sane range.
	if c.SystemCmdTimeoutS < 0.2 {
		c.SystemCmdTimeoutS = 0.2
	}
	if c.SystemCmdTimeoutS > 30 {
		c.SystemCmdTimeoutS = 30
	}
}

// ExtAllowed reports whether a lowercased dot-prefixed extension passes the
// UPLOAD_ALLOWED_EXT filter. An empty filter allows everything.
func (c *Config) ExtAllowed(ext string) bool {
	if len(c.UploadAllowedExt) == 0 {
		return true
	}
	ext = strings.ToLower(ext)
	for _, allowed := range c.UploadAllowedExt {
		if ext == allowed {
			return true
		}
	}
	return false
}

// Holder hands out the current Config snapshot and swaps it on reload.
type Holder struct {
	mu      sync.RWMutex
	current *Config
	cfgFile string
}

func NewHolder(cfg *Config, cfgFile string) *Holder {
	return &Holder{current: cfg, cfgFile: cfgFile}
}

// Get returns the current snapshot. Callers must not mutate it.
func (h *Holder) Get() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Reload rebuilds the configuration from the environment and swaps it in.
func (h *Holder) Reload() (*Config, error) {
	cfg, err := Load(h.cfgFile)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.current = cfg
	h.mu.Unlock()
	return cfg, nil
}

func stateDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "CyberDeck")
	case "darwin":
		return "/Library/Application Support/CyberDeck"
	default:
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, ".cyberdeck")
		}
		return "/var/lib/cyberdeck"
	}
}

func defaultServerName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "CyberDeck"
}
