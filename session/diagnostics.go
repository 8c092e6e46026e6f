package session

import "time"

// Status is the collaborator-facing summary.
type Status struct {
	State      ConnectionState `json:"state"`
	HasQR      bool            `json:"has_qr"`
	QR         string          `json:"-"`
	ReadySince time.Time       `json:"ready_since,omitempty"`
}

// Diagnostics is a structured snapshot for support and debugging.
type Diagnostics struct {
	SessionID          string            `json:"session_id"`
	State              ConnectionState   `json:"state"`
	HasQR              bool              `json:"has_qr"`
	QR                 string            `json:"-"`
	ReadySince         time.Time         `json:"ready_since,omitempty"`
	Generation         uint64            `json:"generation"`
	ReconnectAttempts  int               `json:"reconnect_attempts"`
	ProtocolRejections int               `json:"protocol_rejections"`
	LastDisconnect     *DisconnectReason `json:"last_disconnect,omitempty"`
	NextReconnectAt    time.Time         `json:"next_reconnect_at,omitempty"`
	LastError          string            `json:"last_error,omitempty"`
	LastActivity       time.Time         `json:"last_activity,omitempty"`
	ProbablyFunctional bool              `json:"probably_functional"`
	CredentialsPresent bool              `json:"credentials_present"`
	EventsProcessed    uint64            `json:"events_processed"`
	Transitions        uint64            `json:"transitions"`
}

// Status projects the collaborator-facing fields.
func (d *Diagnostics) Status() Status {
	return Status{
		State:      d.State,
		HasQR:      d.HasQR,
		QR:         d.QR,
		ReadySince: d.ReadySince,
	}
}
