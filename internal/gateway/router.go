package gateway

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/nextlevelbuilder/agentgate/internal/channels"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/security"
	"github.com/nextlevelbuilder/agentgate/internal/store"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// handlerFunc handles one decoded request for an authenticated client.
type handlerFunc func(ctx context.Context, c *Client, req *protocol.RequestFrame) *protocol.ResponseFrame

// MethodRouter dispatches request frames to method handlers. Everything
// except hello requires a completed handshake.
type MethodRouter struct {
	server   *Server
	handlers map[string]handlerFunc
}

// NewMethodRouter registers all control-plane methods.
func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{server: s, handlers: make(map[string]handlerFunc)}
	r.handlers[protocol.MethodChannelsList] = r.handleChannelsList
	r.handlers[protocol.MethodChatList] = r.handleChatList
	r.handlers[protocol.MethodChatMessages] = r.handleChatMessages
	r.handlers[protocol.MethodChatSend] = r.handleChatSend
	r.handlers[protocol.MethodAgentRun] = r.handleAgentRun
	r.handlers[protocol.MethodRunsTail] = r.handleRunsTail
	r.handlers[protocol.MethodRunCancel] = r.handleRunCancel
	r.handlers[protocol.MethodConfigGet] = r.handleConfigGet
	r.handlers[protocol.MethodConfigSet] = r.handleConfigSet
	r.handlers[protocol.MethodApprovalGrant] = r.handleApprovalGrant
	r.handlers[protocol.MethodDoctorAudit] = r.handleDoctorAudit
	return r
}

// Dispatch routes one request and always returns a response frame.
func (r *MethodRouter) Dispatch(ctx context.Context, c *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	method := req.Method()
	if method == protocol.MethodHello {
		return r.handleHello(ctx, c, req)
	}
	if !c.isAuthed() {
		return protocol.NewErrorResponse(method, req.ID, protocol.ErrUnauthenticated, "hello required first")
	}
	h, ok := r.handlers[method]
	if !ok {
		return protocol.NewErrorResponse(method, req.ID, protocol.ErrInvalidRequest, "unknown method "+method)
	}
	return h(ctx, c, req)
}

type helloParams struct {
	APIKey   string `json:"api_key"`
	Client   string `json:"client,omitempty"`
	AfterSeq uint64 `json:"after_seq,omitempty"`
}

func (r *MethodRouter) handleHello(_ context.Context, c *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var p helloParams
	if err := req.Decode(&p); err != nil {
		return protocol.NewErrorResponse(protocol.MethodHello, req.ID, protocol.ErrInvalidRequest, err.Error())
	}
	// The handshake itself is rate limited, keyed by the claimed
	// principal or the remote host, so key guessing cannot run hot.
	key := p.Client
	if key == "" {
		key = c.remote
		if host, _, err := net.SplitHostPort(c.remote); err == nil {
			key = host
		}
	}
	if ok, retry := r.server.core.limiter.Allow("hello:" + key); !ok {
		r.server.metrics.RateLimitDenied.Inc()
		return protocol.NewErrorResponse(protocol.MethodHello, req.ID, protocol.ErrRateLimited,
			(&RateLimitedError{RetryAfter: retry}).Error())
	}
	if !r.server.auth.Verify(p.APIKey) {
		r.server.log.Warn("security.auth_failed", "client_id", c.id, "remote", c.remote)
		return protocol.NewErrorResponse(protocol.MethodHello, req.ID, protocol.ErrUnauthenticated, "invalid api key")
	}

	principal := p.Client
	if principal == "" {
		principal = c.id
	}
	c.setAuthed(principal)
	replayed, lastSeq := c.startEventPump(p.AfterSeq)

	return protocol.NewOKResponse(protocol.MethodHello, req.ID, map[string]any{
		"instance_id":      r.server.cfg.Gateway.InstanceID,
		"protocol_version": protocol.ProtocolVersion,
		"features": []string{
			"runs", "approvals", "events", "channels", "config", "doctor",
		},
		"last_seq": lastSeq,
		"replayed": replayed,
	})
}

func (r *MethodRouter) handleChannelsList(ctx context.Context, _ *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	list, err := r.server.core.ListChannels(ctx)
	if err != nil {
		return protocol.NewErrorResponse(protocol.MethodChannelsList, req.ID, protocol.ErrInternal, err.Error())
	}
	return protocol.NewOKResponse(protocol.MethodChannelsList, req.ID, map[string]any{"channels": list})
}

type chatListParams struct {
	ChannelID string `json:"channel_id,omitempty"`
}

func (r *MethodRouter) handleChatList(ctx context.Context, _ *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var p chatListParams
	if err := req.Decode(&p); err != nil {
		return protocol.NewErrorResponse(protocol.MethodChatList, req.ID, protocol.ErrInvalidRequest, err.Error())
	}
	chats, err := r.server.core.ListChats(ctx, p.ChannelID)
	if err != nil {
		return protocol.NewErrorResponse(protocol.MethodChatList, req.ID, protocol.ErrInternal, err.Error())
	}
	return protocol.NewOKResponse(protocol.MethodChatList, req.ID, map[string]any{"chats": chats})
}

type chatMessagesParams struct {
	ChatID string `json:"chat_id"`
	Limit  int    `json:"limit,omitempty"`
}

func (r *MethodRouter) handleChatMessages(ctx context.Context, _ *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var p chatMessagesParams
	if err := req.Decode(&p); err != nil || p.ChatID == "" {
		return protocol.NewErrorResponse(protocol.MethodChatMessages, req.ID, protocol.ErrInvalidRequest, "chat_id required")
	}
	msgs, err := r.server.core.ListMessages(ctx, p.ChatID, p.Limit)
	if err != nil {
		return protocol.NewErrorResponse(protocol.MethodChatMessages, req.ID, protocol.ErrInternal, err.Error())
	}
	return protocol.NewOKResponse(protocol.MethodChatMessages, req.ID, map[string]any{"messages": msgs})
}

type chatSendParams struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
}

// handleChatSend feeds a webchat message into the inbound pipeline as
// the authenticated principal.
func (r *MethodRouter) handleChatSend(ctx context.Context, c *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var p chatSendParams
	if err := req.Decode(&p); err != nil || p.ChatID == "" || strings.TrimSpace(p.Text) == "" {
		return protocol.NewErrorResponse(protocol.MethodChatSend, req.ID, protocol.ErrInvalidRequest, "chat_id and text required")
	}
	webchatID := r.server.cfg.Channels.Webchat.ChannelID
	adapter, ok := r.server.core.channelMgr.Get(webchatID)
	if !ok {
		return protocol.NewErrorResponse(protocol.MethodChatSend, req.ID, protocol.ErrNotFound, "webchat channel not enabled")
	}
	wc, ok := adapter.(*channels.Webchat)
	if !ok {
		return protocol.NewErrorResponse(protocol.MethodChatSend, req.ID, protocol.ErrInternal, "webchat adapter type mismatch")
	}
	if err := wc.Inject(ctx, p.ChatID, c.principal, p.Text); err != nil {
		return errorResponseFor(protocol.MethodChatSend, req.ID, err)
	}
	return protocol.NewOKResponse(protocol.MethodChatSend, req.ID, map[string]any{"accepted": true})
}

type agentRunParams struct {
	ChannelID string `json:"channel_id"`
	ChatID    string `json:"chat_id"`
	Prompt    string `json:"prompt"`
}

func (r *MethodRouter) handleAgentRun(ctx context.Context, c *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var p agentRunParams
	if err := req.Decode(&p); err != nil || p.ChatID == "" || strings.TrimSpace(p.Prompt) == "" {
		return protocol.NewErrorResponse(protocol.MethodAgentRun, req.ID, protocol.ErrInvalidRequest, "chat_id and prompt required")
	}
	if p.ChannelID == "" {
		p.ChannelID = r.server.cfg.Channels.Webchat.ChannelID
	}
	run, err := r.server.core.StartRun(ctx, p.ChannelID, p.ChatID, p.Prompt, c.principal)
	if err != nil {
		return errorResponseFor(protocol.MethodAgentRun, req.ID, err)
	}
	return protocol.NewOKResponse(protocol.MethodAgentRun, req.ID, map[string]any{
		"run_id":   run.RunID,
		"status":   run.Status,
		"deadline": run.Deadline,
	})
}

type runsTailParams struct {
	RunID    string `json:"run_id,omitempty"`
	AfterSeq uint64 `json:"after_seq,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// handleRunsTail returns the persisted event snapshot after after_seq
// plus a watermark. Live continuation rides the connection's existing
// event subscription: the client drops pushed events at or below the
// watermark and the two streams join without gaps or duplicates.
func (r *MethodRouter) handleRunsTail(ctx context.Context, _ *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var p runsTailParams
	if err := req.Decode(&p); err != nil {
		return protocol.NewErrorResponse(protocol.MethodRunsTail, req.ID, protocol.ErrInvalidRequest, err.Error())
	}
	if p.RunID != "" {
		if _, err := r.server.core.GetRun(ctx, p.RunID); err != nil {
			return errorResponseFor(protocol.MethodRunsTail, req.ID, err)
		}
	}
	events, watermark, err := r.server.core.TailEvents(ctx, p.RunID, p.AfterSeq, p.Limit)
	if err != nil {
		return protocol.NewErrorResponse(protocol.MethodRunsTail, req.ID, protocol.ErrInternal, err.Error())
	}
	return protocol.NewOKResponse(protocol.MethodRunsTail, req.ID, map[string]any{
		"events":    events,
		"watermark": watermark,
	})
}

type runCancelParams struct {
	RunID string `json:"run_id"`
}

func (r *MethodRouter) handleRunCancel(ctx context.Context, _ *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var p runCancelParams
	if err := req.Decode(&p); err != nil || p.RunID == "" {
		return protocol.NewErrorResponse(protocol.MethodRunCancel, req.ID, protocol.ErrInvalidRequest, "run_id required")
	}
	if err := r.server.core.CancelRun(p.RunID); err != nil {
		// Distinguish unknown run from already-terminal run for the caller.
		if _, getErr := r.server.core.GetRun(ctx, p.RunID); getErr == nil {
			return protocol.NewErrorResponse(protocol.MethodRunCancel, req.ID, protocol.ErrInvalidRequest, "run already terminal")
		}
		return errorResponseFor(protocol.MethodRunCancel, req.ID, err)
	}
	return protocol.NewOKResponse(protocol.MethodRunCancel, req.ID, map[string]any{"canceled": true})
}

func (r *MethodRouter) handleConfigGet(_ context.Context, _ *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	return protocol.NewOKResponse(protocol.MethodConfigGet, req.ID, map[string]any{
		"policy": r.server.core.GetPolicy(),
	})
}

type configSetParams struct {
	Policy config.PolicyConfig `json:"policy"`
}

func (r *MethodRouter) handleConfigSet(ctx context.Context, _ *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var p configSetParams
	if err := req.Decode(&p); err != nil {
		return protocol.NewErrorResponse(protocol.MethodConfigSet, req.ID, protocol.ErrInvalidRequest, err.Error())
	}
	if err := r.server.core.SetPolicy(ctx, p.Policy); err != nil {
		return protocol.NewErrorResponse(protocol.MethodConfigSet, req.ID, protocol.ErrInvalidRequest, err.Error())
	}
	return protocol.NewOKResponse(protocol.MethodConfigSet, req.ID, map[string]any{
		"policy": r.server.core.GetPolicy(),
	})
}

type approvalGrantParams struct {
	RunID    string `json:"run_id"`
	Approved bool   `json:"approved"`
}

func (r *MethodRouter) handleApprovalGrant(_ context.Context, c *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	var p approvalGrantParams
	if err := req.Decode(&p); err != nil || p.RunID == "" {
		return protocol.NewErrorResponse(protocol.MethodApprovalGrant, req.ID, protocol.ErrInvalidRequest, "run_id required")
	}
	if err := r.server.core.GrantApproval(p.RunID, p.Approved); err != nil {
		return errorResponseFor(protocol.MethodApprovalGrant, req.ID, err)
	}
	r.server.log.Info("approval.resolved", "run_id", p.RunID, "approved", p.Approved, "by", c.principal)
	return protocol.NewOKResponse(protocol.MethodApprovalGrant, req.ID, map[string]any{"resolved": true})
}

func (r *MethodRouter) handleDoctorAudit(ctx context.Context, _ *Client, req *protocol.RequestFrame) *protocol.ResponseFrame {
	findings := r.server.core.Audit(ctx)
	return protocol.NewOKResponse(protocol.MethodDoctorAudit, req.ID, map[string]any{"findings": findings})
}

// errorResponseFor maps internal errors onto wire error kinds.
func errorResponseFor(method, id string, err error) *protocol.ResponseFrame {
	var rl *RateLimitedError
	switch {
	case errors.As(err, &rl):
		return protocol.NewErrorResponse(method, id, protocol.ErrRateLimited, rl.Error())
	case errors.Is(err, store.ErrNotFound):
		return protocol.NewErrorResponse(method, id, protocol.ErrNotFound, "not found")
	case errors.Is(err, security.ErrNoPendingApproval):
		return protocol.NewErrorResponse(method, id, protocol.ErrNotFound, err.Error())
	default:
		return protocol.NewErrorResponse(method, id, protocol.ErrInternal, err.Error())
	}
}
