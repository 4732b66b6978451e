package queues

import (
	"context"
	"fmt"

	"github.com/pitabwire/frame/queue"

	"github.com/orvannflatin-lang/wbot-core/apps/default/service/business"
	"github.com/orvannflatin-lang/wbot-core/apps/default/service/protocol"
	"github.com/orvannflatin-lang/wbot-core/internal"
)

// CapturePublisher forwards deduplicated inbound events onto a named capture
// queue. Each of the three pipelines gets its own instance so downstream
// consumers subscribe to exactly the traffic they process.
type CapturePublisher struct {
	qMan      queue.Manager
	queueName string
	pipeline  string
}

func NewCapturePublisher(qMan queue.Manager, queueName, pipeline string) *CapturePublisher {
	return &CapturePublisher{
		qMan:      qMan,
		queueName: queueName,
		pipeline:  pipeline,
	}
}

// Handle publishes one event with routing headers so consumers can filter
// without unpacking the payload.
func (cp *CapturePublisher) Handle(ctx context.Context, tenantID string, event protocol.Event) error {
	topic, err := cp.qMan.GetPublisher(cp.queueName)
	if err != nil {
		return fmt.Errorf("failed to get capture publisher %s: %w", cp.queueName, err)
	}

	headers := map[string]string{
		internal.HeaderTenantID:  tenantID,
		internal.HeaderEventID:   event.ID,
		internal.HeaderEventKind: event.Kind.String(),
		internal.HeaderPipeline:  cp.pipeline,
	}
	return topic.Publish(ctx, &event, headers)
}

// NewCaptureSinks builds the standard three-pipeline fan-out from queue names.
func NewCaptureSinks(qMan queue.Manager, messagesQueue, deletionsQueue, statusQueue string) business.CaptureSinks {
	return business.CaptureSinks{
		Messages:  NewCapturePublisher(qMan, messagesQueue, internal.PipelineMessages),
		Deletions: NewCapturePublisher(qMan, deletionsQueue, internal.PipelineDeletions),
		Status:    NewCapturePublisher(qMan, statusQueue, internal.PipelineStatus),
	}
}
