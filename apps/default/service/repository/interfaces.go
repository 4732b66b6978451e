package repository

import (
	"context"
	"time"

	"github.com/orvannflatin-lang/wbot-core/apps/default/service/models"
	"github.com/pitabwire/frame/datastore"
)

// SessionRepository persists and queries tenant session status snapshots.
type SessionRepository interface {
	datastore.BaseRepository[*models.Session]
	GetByTenantID(ctx context.Context, tenantID string) (*models.Session, error)
	GetReconnectable(ctx context.Context) ([]*models.Session, error)
	Save(ctx context.Context, session *models.Session) error
	UpdateLastActivity(ctx context.Context, tenantID string, at time.Time) error
	DeleteByTenantID(ctx context.Context, tenantID string) error
}

// CredentialRepository is the durable remote mirror for credential bundles.
type CredentialRepository interface {
	datastore.BaseRepository[*models.Credential]
	GetByTenantID(ctx context.Context, tenantID string) (*models.Credential, error)
	Upsert(ctx context.Context, credential *models.Credential) error
	DeleteByTenantID(ctx context.Context, tenantID string) error
}
