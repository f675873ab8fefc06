package interfaces

import "time"

// ConnectionStatus represents the sync state of a remote
// peer node.
type ConnectionStatus int // A

const ( // A
	ConnectionStatusDisconnected ConnectionStatus = iota
	ConnectionStatusConnecting
	ConnectionStatusConnected
	ConnectionStatusFailed
)

// String returns the human-readable name of the
// connection status.
func (s ConnectionStatus) String() string { // A
	switch s {
	case ConnectionStatusDisconnected:
		return "disconnected"
	case ConnectionStatusConnecting:
		return "connecting"
	case ConnectionStatusConnected:
		return "connected"
	case ConnectionStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the status by name in JSON.
func (s ConnectionStatus) MarshalText() ([]byte, error) { // A
	return []byte(s.String()), nil
}

// PeerInfo is a snapshot of the sync state for one peer.
type PeerInfo struct { // A
	NodeID    string           `json:"nodeId"`
	BaseURL   string           `json:"baseUrl"`
	Status    ConnectionStatus `json:"status"`
	LastSync  time.Time        `json:"lastSync,omitzero"`
	Failures  int              `json:"failures"`
	LastError string           `json:"lastError,omitempty"`
}
