package protocol

// Event types pushed from server to client as "evt:<type>".
// The same names are used as bus event types; every payload carries "seq".
const (
	EventChannelStatus    = "channel.status"
	EventMessageInbound   = "message.inbound"
	EventRunProgress      = "run.progress"
	EventRunToolCall      = "run.tool_call"
	EventRunOutput        = "run.output"
	EventRunCompleted     = "run.completed"
	EventSecurityBlocked  = "security.blocked"
	EventApprovalRequired = "approval.required"
)

// Run progress phases (payload.phase of run.progress).
const (
	PhaseStart              = "start"
	PhasePlanEnd            = "plan_end"
	PhaseToolResult         = "tool_result"
	PhaseWaitingApproval    = "waiting_approval"
	PhaseMultiToolDiscarded = "multi_tool_discarded"
)
