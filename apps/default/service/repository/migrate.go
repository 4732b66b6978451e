package repository

import (
	"context"

	"github.com/orvannflatin-lang/wbot-core/apps/default/service/models"
	"github.com/pitabwire/frame"
	"github.com/pitabwire/frame/datastore"
)

func Migrate(ctx context.Context, svc *frame.Service, migrationPath string) error {
	return svc.DatastoreManager().GetPool(ctx, datastore.DefaultPoolName).
		Migrate(ctx, migrationPath,
			&models.Session{}, &models.Credential{})
}
