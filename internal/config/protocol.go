package config

// Protocol constants advertised to clients. Bump ProtocolVersion when the
// wire grammar changes; MinSupportedProtocolVersion trails it by however many
// releases the mobile client is allowed to lag.
const (
	ProtocolVersion             = 3
	MinSupportedProtocolVersion = 2
	ServerVersion               = "1.4.0"
)

// Features reports the capability flags embedded in protocol payloads.
func Features() map[string]bool {
	return map[string]bool{
		"fileTransferSha256": true,
		"inputLock":          true,
		"qrPairing":          true,
		"adaptiveStream":     true,
		"systemPower":        true,
	}
}

// ProtocolPayload is the block embedded in most API responses.
type ProtocolPayload struct {
	ProtocolVersion             int             `json:"protocol_version"`
	MinSupportedProtocolVersion int             `json:"min_supported_protocol_version"`
	ServerVersion               string          `json:"server_version"`
	Features                    map[string]bool `json:"features"`
}

// Protocol builds the payload returned on GET /api/protocol and embedded in
// handshake, pairing and stats responses.
func Protocol() ProtocolPayload {
	return ProtocolPayload{
		ProtocolVersion:             ProtocolVersion,
		MinSupportedProtocolVersion: MinSupportedProtocolVersion,
		ServerVersion:               ServerVersion,
		Features:                    Features(),
	}
}
