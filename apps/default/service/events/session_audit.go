package events

import (
	"context"
	"errors"

	"github.com/pitabwire/frame/data"
	"github.com/pitabwire/frame/datastore/pool"
	"github.com/pitabwire/frame/workerpool"
	"github.com/pitabwire/util"

	"github.com/orvannflatin-lang/wbot-core/apps/default/service/models"
	"github.com/orvannflatin-lang/wbot-core/apps/default/service/repository"
	"github.com/orvannflatin-lang/wbot-core/internal"
)

// SessionAuditQueue persists the status snapshot emitted on every session
// lifecycle transition. Persistence rides the event stream so the connection
// path never blocks on the database.
type SessionAuditQueue struct {
	sessionRepo repository.SessionRepository
}

func NewSessionAuditQueue(
	ctx context.Context,
	dbPool pool.Pool,
	workMan workerpool.Manager,
) *SessionAuditQueue {
	return &SessionAuditQueue{
		sessionRepo: repository.NewSessionRepository(ctx, dbPool, workMan),
	}
}

func (saq *SessionAuditQueue) Name() string {
	return internal.EventSessionAudit
}

func (saq *SessionAuditQueue) PayloadType() any {
	return &models.SessionAudit{}
}

func (saq *SessionAuditQueue) Validate(_ context.Context, payload any) error {
	audit, ok := payload.(*models.SessionAudit)
	if !ok {
		return errors.New("invalid payload type, expected *models.SessionAudit")
	}
	if audit.TenantID == "" {
		return errors.New("session audit requires a tenant id")
	}
	return nil
}

func (saq *SessionAuditQueue) Execute(ctx context.Context, payload any) error {
	audit, ok := payload.(*models.SessionAudit)
	if !ok {
		return errors.New("invalid payload type, expected *models.SessionAudit")
	}

	logger := util.Log(ctx).WithFields(map[string]any{
		"tenant_id": audit.TenantID,
		"state":     audit.State,
		"type":      saq.Name(),
	})
	logger.Debug("persisting session snapshot")

	session, err := saq.sessionRepo.GetByTenantID(ctx, audit.TenantID)
	if err != nil {
		if !data.ErrorIsNoRows(err) {
			logger.WithError(err).Error("failed to load session snapshot")
			return err
		}
		session = &models.Session{TenantID: audit.TenantID}
		session.GenID(ctx)
	}

	session.State = audit.State
	session.Identity = audit.Identity
	session.Conflicted = audit.Conflicted
	session.AutoReconnect = audit.AutoReconnect
	if audit.ConnectedAt != nil {
		session.ConnectedAt = audit.ConnectedAt
	}
	if audit.LastActivityAt != nil {
		session.LastActivityAt = audit.LastActivityAt
	}

	if err = saq.sessionRepo.Save(ctx, session); err != nil {
		logger.WithError(err).Error("failed to persist session snapshot")
		return err
	}
	return nil
}
