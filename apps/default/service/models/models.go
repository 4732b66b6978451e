package models

import (
	"time"

	"github.com/pitabwire/frame/data"
)

// Session state names persisted with the status snapshot. These mirror the
// in-memory lifecycle states one to one so a restart can rehydrate exactly.
const (
	SessionStateDisconnected = "DISCONNECTED"
	SessionStateConnecting   = "CONNECTING"
	SessionStateConnected    = "CONNECTED"
	SessionStateConflicted   = "CONFLICTED"
	SessionStateLoggedOut    = "LOGGED_OUT"
)

// Session is the durable status snapshot for one tenant's connection. It is
// written on every lifecycle transition and read back by status queries and by
// the restart rehydration scan. The live channel handle is never persisted.
type Session struct {
	data.BaseModel
	TenantID       string `gorm:"type:varchar(50);uniqueIndex:idx_session_tenant_id"`
	State          string `gorm:"type:varchar(20);index:idx_session_state"`
	Identity       string `gorm:"type:varchar(100)"`
	ConnectedAt    *time.Time
	LastActivityAt *time.Time
	Conflicted     bool
	AutoReconnect  bool
	Properties     data.JSONMap
}

// HasRecentActivity reports whether the persisted activity timestamp falls
// within the supplied window. Used only as the secondary liveness signal for
// status queries, never by the state machine.
func (s *Session) HasRecentActivity(window time.Duration) bool {
	if s == nil || s.LastActivityAt == nil {
		return false
	}
	return time.Since(*s.LastActivityAt) <= window
}

// SessionAudit is the lifecycle transition event payload. It carries the full
// snapshot so the persistence handler never has to consult in-memory state.
type SessionAudit struct {
	TenantID       string     `json:"tenant_id"`
	State          string     `json:"state"`
	Identity       string     `json:"identity,omitempty"`
	ConnectedAt    *time.Time `json:"connected_at,omitempty"`
	LastActivityAt *time.Time `json:"last_activity_at,omitempty"`
	Conflicted     bool       `json:"conflicted"`
	AutoReconnect  bool       `json:"auto_reconnect"`
}

// Credential is the durable mirror of a tenant's opaque authentication
// bundle. The local filesystem copy is authoritative; this row is a
// best-effort replica that survives host loss.
type Credential struct {
	data.BaseModel
	TenantID   string `gorm:"type:varchar(50);uniqueIndex:idx_credential_tenant_id"`
	Bundle     []byte `gorm:"type:bytea"`
	Registered bool
	RotatedAt  time.Time
}
