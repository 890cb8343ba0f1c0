package protocol

// Control-plane method names. The wire type is "req:<method>" and the
// matching response is "res:<method>".
const (
	MethodHello = "hello"

	MethodChannelsList = "channels.list"
	MethodChatList     = "chat.list"
	MethodChatMessages = "chat.messages"
	MethodChatSend     = "chat.send"

	MethodAgentRun  = "agent.run"
	MethodRunsTail  = "runs.tail"
	MethodRunCancel = "run.cancel"

	MethodConfigGet = "config.get"
	MethodConfigSet = "config.set"

	MethodApprovalGrant = "approval.grant"
	MethodDoctorAudit   = "doctor.audit"
)

// Error kinds carried in ResponseFrame.Error.Kind.
const (
	ErrUnauthenticated = "unauthenticated"
	ErrRateLimited     = "rate_limited"
	ErrInvalidRequest  = "invalid_request"
	ErrNotFound        = "not_found"
	ErrPolicyDenied    = "policy_denied"
	ErrToolMissing     = "tool_missing"
	ErrLLMUnavailable  = "llm_unavailable"
	ErrInternal        = "internal"
)
