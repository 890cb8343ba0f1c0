package gateway

import (
	"context"
)

// Finding is one doctor.audit observation. Severity is "ok", "warn" or
// "critical".
type Finding struct {
	Check    string `json:"check"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
}

// Audit inspects the running configuration for unsafe or broken setups.
// It mirrors what an operator would check by hand after an install.
func (c *Core) Audit(ctx context.Context) []Finding {
	var findings []Finding
	add := func(check, severity, detail string) {
		findings = append(findings, Finding{Check: check, Severity: severity, Detail: detail})
	}

	if !c.cfg.Gateway.RequireClientAuth {
		add("auth", "critical", "client auth disabled; any local process can control the gateway")
	} else if len(c.cfg.Gateway.APIKeys) == 0 {
		add("auth", "critical", "client auth required but no api keys configured; no client can connect")
	} else {
		add("auth", "ok", "client auth enabled")
	}

	if host := c.cfg.Gateway.Host; host != "" && host != "127.0.0.1" && host != "localhost" {
		add("listener", "warn", "gateway listens on "+host+" without TLS; front it with a TLS proxy")
	}

	pol := c.policy.Snapshot()
	allowlisted := 0
	for _, senders := range pol.ChannelAllowlist {
		allowlisted += len(senders)
	}
	if allowlisted == 0 {
		add("allowlist", "warn", "no senders allowlisted; all inbound messages will be denied")
	} else {
		add("allowlist", "ok", "sender allowlist configured")
	}

	if !pol.RequireApprovalForWrite {
		add("approvals", "warn", "write tools run without human approval")
	} else {
		add("approvals", "ok", "write tools require approval")
	}

	if pol.DMPolicy == "allow" && pol.GroupPolicy == "allow" {
		add("chat_policy", "warn", "both dm and group chats open")
	}

	enabledTools := 0
	for name, ok := range pol.ToolAllowlist {
		if !ok {
			continue
		}
		if _, exists := c.registry.Get(name); !exists {
			add("tools", "warn", "allowlisted tool "+name+" is not registered")
			continue
		}
		enabledTools++
	}
	if enabledTools == 0 {
		add("tools", "warn", "no registered tool is allowlisted; runs cannot act")
	}

	if c.cfg.Storage.PostgresDSN == "" {
		add("storage", "ok", "sqlite standalone mode at "+c.cfg.Storage.SQLitePath)
	} else {
		add("storage", "ok", "postgres managed mode")
	}

	if _, err := c.repo.LastSeq(ctx); err != nil {
		add("storage", "critical", "event store unreadable: "+err.Error())
	}

	if c.cfg.RateLimit.RPS > 10 {
		add("rate_limit", "warn", "rate limit is very permissive")
	}
	return findings
}
