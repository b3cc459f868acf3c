package session

import "strings"

// TransferProfile is the pacing applied by the one-shot file origin.
type TransferProfile struct {
	Preset string
	Chunk  int
	Sleep  float64
}

var transferPresets = map[string]TransferProfile{
	"fast":       {Preset: "fast", Chunk: 1 << 20, Sleep: 0},
	"balanced":   {Preset: "balanced", Chunk: 256 << 10, Sleep: 0.005},
	"safe":       {Preset: "safe", Chunk: 64 << 10, Sleep: 0.02},
	"ultra_safe": {Preset: "ultra_safe", Chunk: 16 << 10, Sleep: 0.05},
}

// Transfer resolves the effective transfer profile: explicit chunk/sleep
// settings override the preset's values.
func (s *Session) Transfer() TransferProfile {
	profile := transferPresets["balanced"]
	if preset, ok := s.Settings[SettingTransferPreset].(string); ok {
		if p, known := transferPresets[strings.ToLower(preset)]; known {
			profile = p
		}
	}
	if chunk := coerceInt(s.Settings[SettingTransferChunk]); chunk > 0 {
		profile.Chunk = chunk
	}
	if sleep, ok := coerceFloat(s.Settings[SettingTransferSleep]); ok && sleep >= 0 {
		profile.Sleep = sleep
	}
	return profile
}

// CoerceBool interprets free-form settings values the way the mobile client
// sends them. Recognized truthy strings: 1,true,yes,on,y,t; falsy:
// 0,false,no,off,n,f. Other non-empty strings are truthy; nil and empty
// strings yield the default.
func CoerceBool(v any, def bool) bool {
	switch val := v.(type) {
	case nil:
		return def
	case bool:
		return val
	case int:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	case string:
		s := strings.ToLower(strings.TrimSpace(val))
		switch s {
		case "":
			return def
		case "1", "true", "yes", "on", "y", "t":
			return true
		case "0", "false", "no", "off", "n", "f":
			return false
		default:
			return true
		}
	default:
		return def
	}
}

func coerceInt(v any) int {
	switch val := v.(type) {
	case int:
		return val
	case int64:
		return int(val)
	case float64:
		return int(val)
	default:
		return 0
	}
}

func coerceFloat(v any) (float64, bool) {
	switch val := v.(type) {
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case float64:
		return val, true
	default:
		return 0, false
	}
}
