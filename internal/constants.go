package internal

const (
	HeaderTenantID  = "tenant_id"
	HeaderEventID   = "event_id"
	HeaderEventKind = "event_kind"
	HeaderPipeline  = "pipeline"

	// Capture pipeline identifiers stamped on queue messages so downstream
	// consumers can route without unpacking the payload.
	PipelineMessages  = "messages"
	PipelineDeletions = "deletions"
	PipelineStatus    = "status"

	// EventSessionAudit is the in-process event emitted on every session
	// lifecycle transition; its handler persists the status snapshot.
	EventSessionAudit = "session.state.audit"
)
