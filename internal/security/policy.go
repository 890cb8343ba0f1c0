// Package security gates everything that enters or acts through the
// gateway: sender allowlists, tool allowlists, approvals, rate limits
// and inbound text sanitizing. The engine denies by default; nothing is
// reachable until config explicitly allows it.
package security

import (
	"sync"

	"github.com/nextlevelbuilder/agentgate/internal/config"
)

// Deny reasons reported on security.blocked events and policy_denied errors.
const (
	ReasonChannelUnknown       = "channel_unknown"
	ReasonSenderNotAllowlisted = "sender_not_allowlisted"
	ReasonDMBlocked            = "dm_blocked"
	ReasonGroupBlocked         = "group_blocked"
	ReasonRateLimited          = "rate_limited"
	ReasonToolNotAllowlisted   = "tool_not_allowlisted"
	ReasonToolMissing          = "tool_missing"
)

// Decision is the outcome of a policy check.
type Decision struct {
	Allowed bool
	Reason  string
	// RequireApproval is set on allowed write-tool calls when the policy
	// demands a human in the loop.
	RequireApproval bool
}

func allow() Decision             { return Decision{Allowed: true} }
func deny(reason string) Decision { return Decision{Reason: reason} }
func needsApproval() Decision     { return Decision{Allowed: true, RequireApproval: true} }

// Inbound describes an inbound message for policy evaluation.
type Inbound struct {
	ChannelID string
	SenderID  string
	ChatKind  string // "dm" or "group"; empty treated as dm
}

// Policy evaluates allowlists. It holds a snapshot of the policy config
// and supports atomic replacement when config.set commits a new policy.
type Policy struct {
	mu  sync.RWMutex
	cfg config.PolicyConfig
}

// NewPolicy creates an engine from the initial policy config.
func NewPolicy(cfg config.PolicyConfig) *Policy {
	return &Policy{cfg: cfg}
}

// Snapshot returns the current policy config.
func (p *Policy) Snapshot() config.PolicyConfig {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Replace swaps in a new policy config. Takes effect for the next check;
// in-flight runs keep the decision they already received.
func (p *Policy) Replace(cfg config.PolicyConfig) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

// CheckInbound decides whether an inbound message may enter the system.
// Checks run in a fixed order so the reported reason is deterministic:
// channel known, sender allowlisted, then chat-kind policy.
func (p *Policy) CheckInbound(in Inbound, channelKnown bool) Decision {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !channelKnown {
		return deny(ReasonChannelUnknown)
	}
	// An absent or empty allowlist admits no sender on that channel.
	allowed := p.cfg.ChannelAllowlist[in.ChannelID]
	if !containsStr(allowed, in.SenderID) {
		return deny(ReasonSenderNotAllowlisted)
	}
	switch in.ChatKind {
	case "group":
		if p.cfg.GroupPolicy != "allow" {
			return deny(ReasonGroupBlocked)
		}
	default:
		if p.cfg.DMPolicy != "allow" {
			return deny(ReasonDMBlocked)
		}
	}
	return allow()
}

// CheckTool decides whether a planned tool call may proceed. The allowlist
// is consulted before existence so a denied name reveals nothing about the
// registry. Allowed write tools come back flagged for approval when the
// policy requires it.
func (p *Policy) CheckTool(name string, exists, write bool) Decision {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.cfg.ToolAllowlist[name] {
		return deny(ReasonToolNotAllowlisted)
	}
	if !exists {
		return deny(ReasonToolMissing)
	}
	if write && p.cfg.RequireApprovalForWrite {
		return needsApproval()
	}
	return allow()
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
