package cnst

// Tracer names used across the service
const (
	TraceRouter = "beacon/router"
	TraceGate   = "beacon/gate"
)

// Common span names
const (
	SpanRouterPublish = "beacon.router.publish"
	SpanRouterReplay  = "beacon.router.replay"
	SpanGateAuthorize = "beacon.gate.authorize"
)

// Common attribute keys
const (
	AttrMessageID     = "beacon.message_id"
	AttrScope         = "beacon.scope"
	AttrPriority      = "beacon.priority"
	AttrNamespace     = "beacon.namespace"
	AttrRecipients    = "beacon.recipients"
	AttrDelivered     = "beacon.delivered"
	AttrPersisted     = "beacon.persisted"
	AttrClientAddr    = "client.remote_addr"
	AttrErrorReason   = "error.reason"
	AttrConnectionID  = "beacon.connection_id"
	AttrReplayedCount = "beacon.replayed"
)
