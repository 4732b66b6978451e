package repository

import (
	"context"

	"github.com/orvannflatin-lang/wbot-core/apps/default/service/models"
	"github.com/pitabwire/frame/datastore"
	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/frame/workerpool"
	"gorm.io/gorm/clause"
)

type credentialRepository struct {
	datastore.BaseRepository[*models.Credential]
}

// GetByTenantID retrieves the mirrored bundle for a tenant.
func (cr *credentialRepository) GetByTenantID(ctx context.Context, tenantID string) (*models.Credential, error) {
	var credential models.Credential
	err := cr.Pool().DB(ctx, true).
		Where("tenant_id = ?", tenantID).
		First(&credential).Error
	if err != nil {
		return nil, err
	}
	return &credential, nil
}

// Upsert writes the bundle, replacing any existing row for the tenant. The
// mirror is lag-tolerant so last-writer-wins is acceptable.
func (cr *credentialRepository) Upsert(ctx context.Context, credential *models.Credential) error {
	return cr.Pool().DB(ctx, false).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"bundle", "registered", "rotated_at"}),
		}).
		Create(credential).Error
}

// DeleteByTenantID purges the mirrored bundle. Used by logout and by
// definitive authentication rejections.
func (cr *credentialRepository) DeleteByTenantID(ctx context.Context, tenantID string) error {
	return cr.Pool().DB(ctx, false).
		Where("tenant_id = ?", tenantID).
		Delete(&models.Credential{}).Error
}

// NewCredentialRepository creates a new credential repository instance.
func NewCredentialRepository(ctx context.Context, dbPool pool.Pool, workMan workerpool.Manager) CredentialRepository {
	return &credentialRepository{
		BaseRepository: datastore.NewBaseRepository[*models.Credential](
			ctx, dbPool, workMan, func() *models.Credential { return &models.Credential{} },
		),
	}
}
