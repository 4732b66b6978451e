package business

import (
	"context"
	"time"

	"github.com/orvannflatin-lang/wbot-core/apps/default/service/models"
	"github.com/orvannflatin-lang/wbot-core/apps/default/service/protocol"
)

// PairingResult is returned to the control surface when a pairing flow is
// started. Exactly one of QRImage/PairingCode is populated depending on the
// flow that produced it.
type PairingResult struct {
	SessionID   string `json:"session_id"`
	QRChallenge string `json:"qr_challenge,omitempty"`
	QRImage     string `json:"qr_image,omitempty"`
	PairingCode string `json:"pairing_code,omitempty"`
}

// Status is a point-in-time snapshot of a tenant's session. Status queries
// never block on I/O beyond a credential existence check.
type Status struct {
	TenantID            string     `json:"tenant_id"`
	State               string     `json:"state"`
	Identity            string     `json:"identity,omitempty"`
	QRChallenge         string     `json:"qr_challenge,omitempty"`
	PairingCode         string     `json:"pairing_code,omitempty"`
	ConnectedAt         *time.Time `json:"connected_at,omitempty"`
	LastActivityAt      *time.Time `json:"last_activity_at,omitempty"`
	Conflicted          bool       `json:"conflicted"`
	HasSavedCredentials bool       `json:"has_saved_credentials"`
}

// ReconnectResult reports whether a manual reconnect was started.
type ReconnectResult struct {
	Started bool   `json:"started"`
	Reason  string `json:"reason,omitempty"`
}

// Supervisor is the session core's public surface, consumed by the control
// plane that sits outside this service.
type Supervisor interface {
	StartWithQR(ctx context.Context, tenantID string) (*PairingResult, error)
	StartWithPairingCode(ctx context.Context, tenantID, phoneNumber string) (*PairingResult, error)
	GetStatus(ctx context.Context, tenantID string) (*Status, error)
	Disconnect(ctx context.Context, tenantID string) error
	ManualReconnect(ctx context.Context, tenantID string) (*ReconnectResult, error)
	Logout(ctx context.Context, tenantID string) error

	// Send and MarkRead delegate to the tenant's live channel handle so
	// downstream pipelines can reply and acknowledge through it.
	Send(ctx context.Context, tenantID, target string, payload map[string]any) error
	MarkRead(ctx context.Context, tenantID, chatID string, eventIDs []string) error

	// Rehydrate scans persisted sessions after a restart and schedules
	// silent reconnects for every eligible tenant.
	Rehydrate(ctx context.Context) error

	Shutdown(ctx context.Context) error
}

// Locker is the advisory per-tenant mutual exclusion capability. A failure to
// reach the backing store is reported through the error return; callers treat
// that as degraded single-process mode, never as a hard failure.
type Locker interface {
	Acquire(ctx context.Context, tenantID string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, tenantID string)
	Extend(ctx context.Context, tenantID string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, tenantID string) (bool, error)
}

// CredentialStore keeps the opaque authentication bundle for each tenant,
// mirrored between a fast local store and a durable remote one.
type CredentialStore interface {
	// Load returns the bundle and whether one exists.
	Load(ctx context.Context, tenantID string) ([]byte, bool, error)

	// IsRegistered reports whether the stored bundle belongs to a fully
	// paired device.
	IsRegistered(ctx context.Context, tenantID string) (bool, error)

	// Save persists the bundle. The local write must succeed for Save to
	// succeed; the remote mirror write is best-effort.
	Save(ctx context.Context, tenantID string, bundle []byte, registered bool) error

	// Delete purges the bundle from both stores.
	Delete(ctx context.Context, tenantID string) error
}

// SessionStore is the slice of the session repository the session core needs.
type SessionStore interface {
	GetByTenantID(ctx context.Context, tenantID string) (*models.Session, error)
	GetReconnectable(ctx context.Context) ([]*models.Session, error)
	UpdateLastActivity(ctx context.Context, tenantID string, at time.Time) error
	DeleteByTenantID(ctx context.Context, tenantID string) error
}

// CredentialMirror is the durable side of the credential store.
type CredentialMirror interface {
	GetByTenantID(ctx context.Context, tenantID string) (*models.Credential, error)
	Upsert(ctx context.Context, credential *models.Credential) error
	DeleteByTenantID(ctx context.Context, tenantID string) error
}

// CaptureSink is a downstream capture pipeline collaborator. Dispatch is
// fire-and-forget from the router's perspective; errors are logged and never
// interrupt the batch.
type CaptureSink interface {
	Handle(ctx context.Context, tenantID string, event protocol.Event) error
}

// CaptureSinks groups the three pipelines the router fans out to.
type CaptureSinks struct {
	Messages  CaptureSink
	Deletions CaptureSink
	Status    CaptureSink
}
