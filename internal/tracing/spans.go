package tracing

// Span attribute keys. These are the semantic conventions for spans emitted
// around scheduler phases, merge steps, and sync batches.
const (
	AttrFeatureSlug = "feature.slug"
	AttrWPID        = "wp.id"
	AttrLaneFrom    = "lane.from"
	AttrLaneTo      = "lane.to"

	AttrAgentName  = "agent.name"
	AttrAgentRole  = "agent.role"
	AttrPhase      = "scheduler.phase"
	AttrRetryCount = "scheduler.retry_count"

	AttrMergeBranch = "merge.branch"
	AttrMergeTarget = "merge.target"

	AttrBatchSize = "sync.batch_size"
	AttrScopeUser = "sync.scope.username"

	AttrErrorMessage = "error.message"
)

// Span name prefixes for consistent naming.
const (
	SpanPrefixScheduler = "scheduler."
	SpanPrefixMerge     = "merge."
	SpanPrefixSync      = "sync."
	SpanPrefixStore     = "store."
)

// Event names for span events.
const (
	EventWPDispatched   = "wp.dispatched"
	EventWPCompleted    = "wp.completed"
	EventWPFailed       = "wp.failed"
	EventMergeConflict  = "merge.conflict"
	EventBatchDelivered = "batch.delivered"
)
