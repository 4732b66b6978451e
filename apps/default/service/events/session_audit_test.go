package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orvannflatin-lang/wbot-core/apps/default/service/models"
)

func TestSessionAuditQueue_Name(t *testing.T) {
	saq := &SessionAuditQueue{}
	assert.Equal(t, "session.state.audit", saq.Name())
}

func TestSessionAuditQueue_PayloadType(t *testing.T) {
	saq := &SessionAuditQueue{}
	_, ok := saq.PayloadType().(*models.SessionAudit)
	assert.True(t, ok)
}

func TestSessionAuditQueue_Validate(t *testing.T) {
	saq := &SessionAuditQueue{}
	ctx := context.Background()

	require.NoError(t, saq.Validate(ctx, &models.SessionAudit{
		TenantID: "tenant-1",
		State:    models.SessionStateConnected,
	}))

	err := saq.Validate(ctx, &models.SessionAudit{State: models.SessionStateConnected})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tenant id")

	err = saq.Validate(ctx, "not an audit")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid payload type")
}
