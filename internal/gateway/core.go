// Package gateway is the control plane: the core that owns all state
// transitions, the websocket server that exposes them, and the method
// router in between. Nothing else writes to the repository or publishes
// events; adapters, runners and clients all call into the Core.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/agentgate/internal/agent"
	"github.com/nextlevelbuilder/agentgate/internal/bus"
	"github.com/nextlevelbuilder/agentgate/internal/channels"
	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/observability"
	"github.com/nextlevelbuilder/agentgate/internal/security"
	"github.com/nextlevelbuilder/agentgate/internal/store"
	"github.com/nextlevelbuilder/agentgate/internal/tools"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// policyConfigKey is the repository key for the persisted policy.
const policyConfigKey = "policy"

// ErrRateLimited is surfaced to callers as a rate_limited error with a
// retry hint.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Core is the single authority over runs, messages, events and policy.
type Core struct {
	log       *slog.Logger
	cfg       *config.Config
	repo      store.Repository
	bus       *bus.Bus
	policy    *security.Policy
	approvals *security.Approvals
	limiter   *security.RateLimiter
	registry  *tools.Registry
	runner    *agent.Runner
	metrics   *observability.Metrics

	channelMgr *channels.Manager

	mu       sync.Mutex
	liveRuns map[string]context.CancelFunc
	runWG    sync.WaitGroup

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewCore wires the core. Call SetChannelManager before StartChannels.
func NewCore(log *slog.Logger, cfg *config.Config, repo store.Repository, b *bus.Bus,
	policy *security.Policy, approvals *security.Approvals, limiter *security.RateLimiter,
	registry *tools.Registry, runner *agent.Runner, metrics *observability.Metrics) *Core {
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Core{
		log:        log,
		cfg:        cfg,
		repo:       repo,
		bus:        b,
		policy:     policy,
		approvals:  approvals,
		limiter:    limiter,
		registry:   registry,
		runner:     runner,
		metrics:    metrics,
		liveRuns:   make(map[string]context.CancelFunc),
		baseCtx:    baseCtx,
		cancelBase: cancel,
	}
}

// SetChannelManager binds the adapter manager; separate from NewCore
// because the manager needs the core as its sink.
func (c *Core) SetChannelManager(m *channels.Manager) { c.channelMgr = m }

// Bus exposes the event bus for live subscriptions.
func (c *Core) Bus() *bus.Bus { return c.bus }

// Registry exposes the tool registry for audits.
func (c *Core) Registry() *tools.Registry { return c.registry }

// LoadPolicy restores the persisted policy over the file config, so
// config.set survives restarts.
func (c *Core) LoadPolicy(ctx context.Context) error {
	raw, err := c.repo.LoadConfig(ctx, policyConfigKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load policy: %w", err)
	}
	var pc config.PolicyConfig
	if err := json.Unmarshal(raw, &pc); err != nil {
		return fmt.Errorf("decode persisted policy: %w", err)
	}
	c.policy.Replace(pc)
	c.log.Info("config.policy_restored")
	return nil
}

// Emit publishes one sequenced event and persists it. Implements
// agent.Sink.
func (c *Core) Emit(eventType, runID, channelID string, payload any) {
	e := c.bus.Publish(eventType, runID, channelID, payload)
	if e.Seq == 0 {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		c.log.Error("bus.event_marshal_failed", "type", eventType, "error", err)
		raw = []byte("{}")
	}
	rec := store.EventRecord{
		Seq:       e.Seq,
		Type:      e.Type,
		TS:        e.TS,
		RunID:     runID,
		ChannelID: channelID,
		Payload:   raw,
	}
	if err := c.repo.AppendEvent(context.Background(), rec); err != nil {
		c.log.Error("store.event_append_failed", "seq", e.Seq, "type", eventType, "error", err)
	}
	c.metrics.EventsPublished.WithLabelValues(eventType).Inc()
}

// SaveRun persists run state. Implements agent.Sink.
func (c *Core) SaveRun(ctx context.Context, run store.AgentRun) error {
	return c.repo.UpsertRun(ctx, run)
}

// Deliver persists the agent's final output as an outbound message and
// hands it to the owning channel adapter. Implements agent.Sink.
func (c *Core) Deliver(ctx context.Context, run store.AgentRun, text string) error {
	msg := store.Message{
		MessageID: genID("msg"),
		ChatID:    run.ChatID,
		Direction: store.DirectionOutbound,
		SenderID:  "agent",
		Text:      text,
		TS:        time.Now().UTC(),
	}
	if err := c.repo.AddMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist outbound: %w", err)
	}
	if c.channelMgr != nil {
		if err := c.channelMgr.Send(ctx, channels.Outbound{
			ChannelID: run.ChannelID, ChatID: run.ChatID, Text: text,
		}); err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}
	return nil
}

// SetChannelStatus records the adapter state and broadcasts it.
// Implements channels.Sink.
func (c *Core) SetChannelStatus(ctx context.Context, channelID string, status store.ChannelStatus) {
	now := time.Now().UTC()
	if err := c.repo.SetChannelStatus(ctx, channelID, status, now); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.log.Warn("store.channel_status_failed", "channel_id", channelID, "error", err)
	}
	c.Emit(protocol.EventChannelStatus, "", channelID, map[string]any{
		"channel_id": channelID,
		"status":     string(status),
	})
}

// IngestInbound is the single entry point for messages from adapters:
// sanitize, policy, rate limit, persist, publish, then start a run.
// Implements channels.Sink.
func (c *Core) IngestInbound(ctx context.Context, in channels.Inbound) error {
	_, channelKnown := c.channelMgr.Get(in.ChannelID)
	decision := c.policy.CheckInbound(security.Inbound{
		ChannelID: in.ChannelID,
		SenderID:  in.SenderID,
		ChatKind:  in.ChatKind,
	}, channelKnown)
	if !decision.Allowed {
		c.blockInbound(in, decision.Reason)
		return nil
	}

	if ok, retry := c.limiter.Allow("inbound:" + in.ChannelID + ":" + in.SenderID); !ok {
		c.metrics.RateLimitDenied.Inc()
		c.blockInbound(in, security.ReasonRateLimited)
		return &RateLimitedError{RetryAfter: retry}
	}

	clean := security.Sanitize(in.Text)
	meta := map[string]string{}
	if len(clean.Issues) > 0 {
		meta["sanitize_issues"] = strings.Join(clean.Issues, ",")
	}

	if err := c.repo.UpsertChat(ctx, store.Chat{
		ChatID:    in.ChatID,
		ChannelID: in.ChannelID,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("persist chat: %w", err)
	}
	msg := store.Message{
		MessageID: in.MessageID,
		ChatID:    in.ChatID,
		Direction: store.DirectionInbound,
		SenderID:  in.SenderID,
		Text:      clean.Text,
		TS:        in.TS,
		Metadata:  meta,
	}
	if err := c.repo.AddMessage(ctx, msg); err != nil {
		return fmt.Errorf("persist inbound: %w", err)
	}

	c.Emit(protocol.EventMessageInbound, "", in.ChannelID, map[string]any{
		"chat_id":    in.ChatID,
		"message_id": msg.MessageID,
		"sender_id":  in.SenderID,
		"text":       clean.Text,
	})
	c.metrics.MessagesInbound.WithLabelValues(in.ChannelID).Inc()

	_, err := c.StartRun(ctx, in.ChannelID, in.ChatID, clean.Text, in.SenderID)
	if err != nil {
		var rl *RateLimitedError
		if errors.As(err, &rl) {
			return nil
		}
		return err
	}
	return nil
}

func (c *Core) blockInbound(in channels.Inbound, reason string) {
	c.Emit(protocol.EventSecurityBlocked, "", in.ChannelID, map[string]any{
		"reason":    reason,
		"chat_id":   in.ChatID,
		"sender_id": in.SenderID,
	})
	c.metrics.SecurityBlocked.WithLabelValues(reason).Inc()
	c.log.Warn("security.inbound_blocked",
		"channel_id", in.ChannelID, "sender_id", in.SenderID, "reason", reason)
}

// StartRun creates and launches a run. The per-principal rate limit
// applies to explicit agent.run requests and inbound-triggered runs alike.
func (c *Core) StartRun(ctx context.Context, channelID, chatID, prompt, requestedBy string) (store.AgentRun, error) {
	if ok, retry := c.limiter.Allow("run:" + requestedBy); !ok {
		c.metrics.RateLimitDenied.Inc()
		return store.AgentRun{}, &RateLimitedError{RetryAfter: retry}
	}

	now := time.Now().UTC()
	run := store.AgentRun{
		RunID:       genID("run"),
		ChatID:      chatID,
		ChannelID:   channelID,
		RequestedBy: requestedBy,
		Status:      store.RunPending,
		MaxSteps:    c.cfg.Run.MaxSteps,
		Deadline:    now.Add(c.cfg.Run.Timeout()),
		CreatedAt:   now,
	}
	if err := c.repo.UpsertRun(ctx, run); err != nil {
		return store.AgentRun{}, fmt.Errorf("persist run: %w", err)
	}

	runCtx, cancel := context.WithDeadline(c.baseCtx, run.Deadline)
	c.mu.Lock()
	c.liveRuns[run.RunID] = cancel
	c.mu.Unlock()

	c.metrics.RunsStarted.Inc()
	c.log.Info("run.started", "run_id", run.RunID, "chat_id", chatID, "requested_by", requestedBy)

	c.runWG.Add(1)
	go func() {
		defer c.runWG.Done()
		defer cancel()
		final := c.runner.Execute(runCtx, c, run, prompt)
		c.mu.Lock()
		delete(c.liveRuns, run.RunID)
		c.mu.Unlock()
		c.metrics.RunsCompleted.WithLabelValues(string(final.Status)).Inc()
	}()
	return run, nil
}

// CancelRun cancels a live run. Terminal runs return ErrNotFound.
func (c *Core) CancelRun(runID string) error {
	c.mu.Lock()
	cancel, ok := c.liveRuns[runID]
	c.mu.Unlock()
	if !ok {
		return store.ErrNotFound
	}
	cancel()
	return nil
}

// GrantApproval resolves a pending approval.
func (c *Core) GrantApproval(runID string, approved bool) error {
	return c.approvals.Resolve(runID, approved)
}

// GetRun fetches a run by id.
func (c *Core) GetRun(ctx context.Context, runID string) (store.AgentRun, error) {
	return c.repo.GetRun(ctx, runID)
}

// ListChannels returns all configured channels.
func (c *Core) ListChannels(ctx context.Context) ([]store.Channel, error) {
	return c.repo.ListChannels(ctx)
}

// ListChats returns chats, optionally filtered by channel.
func (c *Core) ListChats(ctx context.Context, channelID string) ([]store.Chat, error) {
	return c.repo.ListChats(ctx, channelID)
}

// ListMessages returns the last messages of a chat, newest-last.
func (c *Core) ListMessages(ctx context.Context, chatID string, limit int) ([]store.Message, error) {
	return c.repo.ListMessages(ctx, chatID, limit)
}

// TailEvents returns persisted events after afterSeq, optionally run
// scoped. Live continuation is the subscriber's job; the returned
// watermark is the seq to subscribe after.
func (c *Core) TailEvents(ctx context.Context, runID string, afterSeq uint64, limit int) ([]store.EventRecord, uint64, error) {
	events, err := c.repo.TailEvents(ctx, runID, afterSeq, limit)
	if err != nil {
		return nil, 0, err
	}
	watermark := afterSeq
	if n := len(events); n > 0 {
		watermark = events[n-1].Seq
	}
	return events, watermark, nil
}

// GetPolicy returns the effective policy config.
func (c *Core) GetPolicy() config.PolicyConfig { return c.policy.Snapshot() }

// SetPolicy validates, persists and applies a new policy config.
func (c *Core) SetPolicy(ctx context.Context, pc config.PolicyConfig) error {
	switch pc.DMPolicy {
	case "", "allow", "deny":
	default:
		return fmt.Errorf("invalid dm_policy %q", pc.DMPolicy)
	}
	switch pc.GroupPolicy {
	case "", "allow", "deny":
	default:
		return fmt.Errorf("invalid group_policy %q", pc.GroupPolicy)
	}
	raw, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	if err := c.repo.SaveConfig(ctx, policyConfigKey, raw); err != nil {
		return fmt.Errorf("persist policy: %w", err)
	}
	c.policy.Replace(pc)
	c.log.Info("config.policy_updated")
	return nil
}

// Shutdown cancels live runs and waits up to grace for them to record
// terminal states.
func (c *Core) Shutdown(grace time.Duration) {
	c.cancelBase()
	done := make(chan struct{})
	go func() {
		c.runWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		c.log.Warn("gateway.shutdown_grace_exceeded", "grace", grace)
	}
	c.bus.Close()
}

// genID returns prefix_<12 hex chars>, the id shape used across the
// gateway (run_, msg_, chat_).
func genID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
