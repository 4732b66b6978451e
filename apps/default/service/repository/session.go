package repository

import (
	"context"
	"time"

	"github.com/orvannflatin-lang/wbot-core/apps/default/service/models"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/frame/workerpool"
)

type sessionRepository struct {
	datastore.BaseRepository[*models.Session]
}

// GetByTenantID retrieves the status snapshot for a tenant.
func (sr *sessionRepository) GetByTenantID(ctx context.Context, tenantID string) (*models.Session, error) {
	var session models.Session
	err := sr.Pool().DB(ctx, true).
		Where("tenant_id = ?", tenantID).
		First(&session).Error
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// Save writes the status snapshot, inserting or updating as needed.
func (sr *sessionRepository) Save(ctx context.Context, session *models.Session) error {
	return sr.Pool().DB(ctx, false).Save(session).Error
}

// GetReconnectable lists sessions eligible for a silent reconnect after a
// process restart: auto-reconnect enabled and not in a near-terminal state.
func (sr *sessionRepository) GetReconnectable(ctx context.Context) ([]*models.Session, error) {
	var sessions []*models.Session
	err := sr.Pool().DB(ctx, true).
		Where("auto_reconnect = ? AND state NOT IN ?", true,
			[]string{models.SessionStateConflicted, models.SessionStateLoggedOut}).
		Find(&sessions).Error
	return sessions, err
}

// UpdateLastActivity refreshes only the activity timestamp. Kept as a single
// column update because it runs on every inbound event batch.
func (sr *sessionRepository) UpdateLastActivity(ctx context.Context, tenantID string, at time.Time) error {
	return sr.Pool().DB(ctx, false).
		Model(&models.Session{}).
		Where("tenant_id = ?", tenantID).
		Update("last_activity_at", at).Error
}

// DeleteByTenantID removes the snapshot entirely. Used by logout.
func (sr *sessionRepository) DeleteByTenantID(ctx context.Context, tenantID string) error {
	return sr.Pool().DB(ctx, false).
		Where("tenant_id = ?", tenantID).
		Delete(&models.Session{}).Error
}

// NewSessionRepository creates a new session repository instance.
func NewSessionRepository(ctx context.Context, dbPool pool.Pool, workMan workerpool.Manager) SessionRepository {
	return &sessionRepository{
		BaseRepository: datastore.NewBaseRepository[*models.Session](
			ctx, dbPool, workMan, func() *models.Session { return &models.Session{} },
		),
	}
}
