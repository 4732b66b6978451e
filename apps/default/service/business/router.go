package business

import (
	"context"
	"time"

	"github.com/pitabwire/util"

	"github.com/orvannflatin-lang/wbot-core/apps/default/service/protocol"
)

// EventRouter fans inbound event batches out to the capture pipelines. Every
// batch refreshes the session's activity signal; every event is deduplicated
// against the tenant's processed-id window before dispatch, so upstream
// replays after a reconnect never reach a pipeline twice. Dispatch is
// sequential and in batch order, and a failing sink is logged without
// interrupting the rest of the batch.
type EventRouter struct {
	sinks       CaptureSinks
	sessionRepo SessionStore
}

func NewEventRouter(sinks CaptureSinks, sessionRepo SessionStore) *EventRouter {
	return &EventRouter{
		sinks:       sinks,
		sessionRepo: sessionRepo,
	}
}

// Route processes one inbound batch for sess. seen is the tenant's
// deduplication window; it is owned by the supervisor so it survives channel
// reopens within the process. Returns the number of events dispatched.
func (er *EventRouter) Route(ctx context.Context, sess *Session, seen *processedIDSet, events []protocol.Event) int {
	if len(events) == 0 {
		return 0
	}

	tenantID := sess.TenantID()
	now := time.Now()
	sess.TouchActivity(now)
	if er.sessionRepo != nil {
		if err := er.sessionRepo.UpdateLastActivity(ctx, tenantID, now); err != nil {
			util.Log(ctx).WithError(err).WithField("tenant_id", tenantID).
				Debug("could not persist activity timestamp")
		}
	}

	dispatched := 0
	for _, event := range events {
		if event.ID == "" {
			continue
		}
		if !seen.Observe(event.ID) {
			util.Log(ctx).WithFields(map[string]any{
				"tenant_id": tenantID,
				"event_id":  event.ID,
			}).Debug("skipping replayed event")
			continue
		}

		sink := er.sinkFor(event.Kind)
		if sink == nil {
			continue
		}
		if err := sink.Handle(ctx, tenantID, event); err != nil {
			util.Log(ctx).WithError(err).WithFields(map[string]any{
				"tenant_id": tenantID,
				"event_id":  event.ID,
				"kind":      event.Kind.String(),
			}).Error("capture sink rejected event")
			continue
		}
		dispatched++
	}
	return dispatched
}

func (er *EventRouter) sinkFor(kind protocol.EventKind) CaptureSink {
	switch kind {
	case protocol.EventKindMessage:
		return er.sinks.Messages
	case protocol.EventKindDeletion:
		return er.sinks.Deletions
	case protocol.EventKindStatusBroadcast:
		return er.sinks.Status
	default:
		return nil
	}
}
