package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/providers"
	"github.com/nextlevelbuilder/agentgate/internal/security"
	"github.com/nextlevelbuilder/agentgate/internal/store"
	"github.com/nextlevelbuilder/agentgate/internal/tools"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

// memSink records every emit, save and delivery.
type memSink struct {
	mu        sync.Mutex
	events    []sinkEvent
	saved     []store.AgentRun
	delivered []string
}

type sinkEvent struct {
	Type    string
	Payload any
}

func (s *memSink) SaveRun(_ context.Context, run store.AgentRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved = append(s.saved, run)
	return nil
}

func (s *memSink) Emit(eventType, _, _ string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, sinkEvent{Type: eventType, Payload: payload})
}

func (s *memSink) Deliver(_ context.Context, _ store.AgentRun, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivered = append(s.delivered, text)
	return nil
}

func (s *memSink) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.events))
	for i, e := range s.events {
		out[i] = e.Type
	}
	return out
}

func (s *memSink) hasEvent(eventType string) bool {
	for _, t := range s.eventTypes() {
		if t == eventType {
			return true
		}
	}
	return false
}

// memRepo is a message-only Repository; everything else is unused by the
// runner and returns zero values.
type memRepo struct {
	store.Repository
	msgs []store.Message
}

func (r *memRepo) ListMessages(_ context.Context, chatID string, limit int) ([]store.Message, error) {
	var out []store.Message
	for _, m := range r.msgs {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type fakeTool struct {
	name  string
	write bool
	fn    func(ctx context.Context, args map[string]any) (any, error)
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return t.name }
func (t *fakeTool) Write() bool         { return t.write }
func (t *fakeTool) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return t.fn(ctx, args)
}

type scriptStep struct {
	res providers.PlanResult
	err error
}

type scriptedPlanner struct {
	mu    sync.Mutex
	steps []scriptStep
	i     int
}

func (*scriptedPlanner) Name() string { return "scripted" }

func (p *scriptedPlanner) Plan(context.Context, providers.PlanRequest) (providers.PlanResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.i >= len(p.steps) {
		return providers.PlanResult{Text: "done"}, nil
	}
	s := p.steps[p.i]
	p.i++
	return s.res, s.err
}

type fixture struct {
	runner    *Runner
	sink      *memSink
	approvals *security.Approvals
}

func newFixture(t *testing.T, planner providers.Provider, policy config.PolicyConfig, extraTools ...tools.Tool) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg, err := tools.NewRegistry(extraTools...)
	if err != nil {
		t.Fatal(err)
	}
	approvals := security.NewApprovals()
	cfg := config.RunConfig{
		MaxSteps: 20, TimeoutS: 300, ToolTimeoutS: 5, ApprovalTimeoutS: 300, MaxContextMessages: 50,
	}
	return &fixture{
		runner:    NewRunner(log, &memRepo{}, planner, reg, security.NewPolicy(policy), approvals, cfg),
		sink:      &memSink{},
		approvals: approvals,
	}
}

func newRun() store.AgentRun {
	return store.AgentRun{
		RunID:     "run_1",
		ChatID:    "chat_1",
		ChannelID: "webchat-1",
		Status:    store.RunPending,
		MaxSteps:  20,
		Deadline:  time.Now().Add(5 * time.Minute),
		CreatedAt: time.Now().UTC(),
	}
}

func allowTools(names ...string) config.PolicyConfig {
	allow := map[string]bool{}
	for _, n := range names {
		allow[n] = true
	}
	return config.PolicyConfig{ToolAllowlist: allow, RequireApprovalForWrite: true}
}

func TestExecuteTextFinalizes(t *testing.T) {
	planner := &scriptedPlanner{steps: []scriptStep{
		{res: providers.PlanResult{Text: "hello there"}},
	}}
	f := newFixture(t, planner, config.PolicyConfig{})

	run := f.runner.Execute(context.Background(), f.sink, newRun(), "hi")
	if run.Status != store.RunCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	if run.OutputText != "hello there" || run.Step != 1 {
		t.Errorf("output=%q step=%d", run.OutputText, run.Step)
	}
	for _, want := range []string{protocol.EventRunProgress, protocol.EventRunOutput, protocol.EventRunCompleted} {
		if !f.sink.hasEvent(want) {
			t.Errorf("missing event %s in %v", want, f.sink.eventTypes())
		}
	}
	if len(f.sink.delivered) != 1 || f.sink.delivered[0] != "hello there" {
		t.Errorf("delivered = %v", f.sink.delivered)
	}
}

func TestExecuteToolThenFinalize(t *testing.T) {
	echo := &fakeTool{name: "core.echo", fn: func(_ context.Context, args map[string]any) (any, error) {
		return map[string]any{"text": args["text"]}, nil
	}}
	planner := &scriptedPlanner{steps: []scriptStep{
		{res: providers.PlanResult{ToolCalls: []providers.ToolCall{{Name: "core.echo", Args: map[string]any{"text": "x"}}}}},
		{res: providers.PlanResult{Text: "echoed x"}},
	}}
	f := newFixture(t, planner, allowTools("core.echo"), echo)

	run := f.runner.Execute(context.Background(), f.sink, newRun(), "echo x")
	if run.Status != store.RunCompleted || run.Step != 2 {
		t.Fatalf("status=%s step=%d, want completed/2", run.Status, run.Step)
	}
	if !f.sink.hasEvent(protocol.EventRunToolCall) {
		t.Errorf("missing tool_call event: %v", f.sink.eventTypes())
	}
}

func TestExecuteAbstainClarifies(t *testing.T) {
	planner := &scriptedPlanner{steps: []scriptStep{{res: providers.PlanResult{}}}}
	f := newFixture(t, planner, config.PolicyConfig{})

	run := f.runner.Execute(context.Background(), f.sink, newRun(), "")
	if run.Status != store.RunCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	if run.OutputText == "" {
		t.Error("expected clarification text")
	}
}

func TestExecutePolicyDenialBlocksAndClarifies(t *testing.T) {
	planner := &scriptedPlanner{steps: []scriptStep{
		{res: providers.PlanResult{ToolCalls: []providers.ToolCall{{Name: "fs.delete"}}}},
	}}
	f := newFixture(t, planner, config.PolicyConfig{})

	run := f.runner.Execute(context.Background(), f.sink, newRun(), "delete it")
	if run.Status != store.RunCompleted {
		t.Fatalf("status = %s, want completed", run.Status)
	}
	if !f.sink.hasEvent(protocol.EventSecurityBlocked) {
		t.Errorf("missing security.blocked: %v", f.sink.eventTypes())
	}
}

func TestExecuteMultiToolKeepsFirst(t *testing.T) {
	var invoked []string
	mk := func(name string) *fakeTool {
		return &fakeTool{name: name, fn: func(context.Context, map[string]any) (any, error) {
			invoked = append(invoked, name)
			return "ok", nil
		}}
	}
	planner := &scriptedPlanner{steps: []scriptStep{
		{res: providers.PlanResult{ToolCalls: []providers.ToolCall{{Name: "a.one"}, {Name: "a.two"}}}},
		{res: providers.PlanResult{Text: "done"}},
	}}
	f := newFixture(t, planner, allowTools("a.one", "a.two"), mk("a.one"), mk("a.two"))

	f.runner.Execute(context.Background(), f.sink, newRun(), "go")
	if len(invoked) != 1 || invoked[0] != "a.one" {
		t.Errorf("invoked = %v, want only a.one", invoked)
	}
	found := false
	for _, e := range f.sink.events {
		if e.Type == protocol.EventRunProgress {
			if p, ok := e.Payload.(map[string]any); ok && p["phase"] == protocol.PhaseMultiToolDiscarded {
				found = true
			}
		}
	}
	if !found {
		t.Error("missing multi_tool_discarded progress event")
	}
}

func TestExecuteWriteToolApprovalGranted(t *testing.T) {
	send := &fakeTool{name: "email.send", write: true, fn: func(context.Context, map[string]any) (any, error) {
		return map[string]any{"delivered": true}, nil
	}}
	planner := &scriptedPlanner{steps: []scriptStep{
		{res: providers.PlanResult{ToolCalls: []providers.ToolCall{{Name: "email.send"}}}},
		{res: providers.PlanResult{Text: "sent"}},
	}}
	f := newFixture(t, planner, allowTools("email.send"), send)

	go func() {
		for !f.approvals.Pending("run_1") {
			time.Sleep(time.Millisecond)
		}
		f.approvals.Resolve("run_1", true)
	}()

	run := f.runner.Execute(context.Background(), f.sink, newRun(), "send it")
	if run.Status != store.RunCompleted || run.OutputText != "sent" {
		t.Fatalf("status=%s output=%q", run.Status, run.OutputText)
	}
	if !f.sink.hasEvent(protocol.EventApprovalRequired) {
		t.Errorf("missing approval.required: %v", f.sink.eventTypes())
	}
	// The run must have passed through awaiting_approval.
	sawAwaiting := false
	for _, saved := range f.sink.saved {
		if saved.Status == store.RunAwaitingApproval {
			sawAwaiting = true
		}
	}
	if !sawAwaiting {
		t.Error("run never persisted awaiting_approval status")
	}
}

func TestExecuteToolCallEventsCarryApprovalFlag(t *testing.T) {
	send := &fakeTool{name: "email.send", write: true, fn: func(context.Context, map[string]any) (any, error) {
		return "sent", nil
	}}
	planner := &scriptedPlanner{steps: []scriptStep{
		{res: providers.PlanResult{ToolCalls: []providers.ToolCall{{Name: "email.send"}}}},
		{res: providers.PlanResult{Text: "done"}},
	}}
	f := newFixture(t, planner, allowTools("email.send"), send)

	go func() {
		for !f.approvals.Pending("run_1") {
			time.Sleep(time.Millisecond)
		}
		f.approvals.Resolve("run_1", true)
	}()

	run := f.runner.Execute(context.Background(), f.sink, newRun(), "send it")
	if run.Status != store.RunCompleted {
		t.Fatalf("status = %s", run.Status)
	}

	var flags []bool
	for _, e := range f.sink.events {
		if e.Type != protocol.EventRunToolCall {
			continue
		}
		p, ok := e.Payload.(map[string]any)
		if !ok {
			t.Fatalf("tool_call payload = %T", e.Payload)
		}
		flag, ok := p["approval_required"].(bool)
		if !ok {
			t.Fatalf("tool_call payload has no approval_required: %v", p)
		}
		if p["tool"] != "email.send" || p["run_id"] != "run_1" {
			t.Errorf("tool_call payload = %v", p)
		}
		flags = append(flags, flag)
	}
	// The gated announcement precedes the executing one.
	if len(flags) != 2 || !flags[0] || flags[1] {
		t.Errorf("approval_required sequence = %v, want [true false]", flags)
	}
}

func TestExecuteReadToolFailureReplans(t *testing.T) {
	broken := &fakeTool{name: "core.echo", fn: func(context.Context, map[string]any) (any, error) {
		return nil, errors.New("backend down")
	}}
	planner := &scriptedPlanner{steps: []scriptStep{
		{res: providers.PlanResult{ToolCalls: []providers.ToolCall{{Name: "core.echo"}}}},
		{res: providers.PlanResult{Text: "answered without the tool"}},
	}}
	f := newFixture(t, planner, allowTools("core.echo"), broken)

	run := f.runner.Execute(context.Background(), f.sink, newRun(), "try it")
	if run.Status != store.RunCompleted || run.OutputText != "answered without the tool" {
		t.Fatalf("status=%s output=%q, want re-plan to completion", run.Status, run.OutputText)
	}

	var sawFailure bool
	for _, e := range f.sink.events {
		if e.Type != protocol.EventRunProgress {
			continue
		}
		p, ok := e.Payload.(map[string]any)
		if !ok || p["phase"] != protocol.PhaseToolResult {
			continue
		}
		if okFlag, has := p["ok"].(bool); !has {
			t.Fatalf("tool_result progress has no ok flag: %v", p)
		} else if !okFlag {
			if p["error"] == nil {
				t.Errorf("failed tool_result carries no error: %v", p)
			}
			sawFailure = true
		}
	}
	if !sawFailure {
		t.Error("missing tool_result with ok=false")
	}
}

func TestExecuteWriteToolApprovalDenied(t *testing.T) {
	var invoked bool
	send := &fakeTool{name: "email.send", write: true, fn: func(context.Context, map[string]any) (any, error) {
		invoked = true
		return nil, nil
	}}
	planner := &scriptedPlanner{steps: []scriptStep{
		{res: providers.PlanResult{ToolCalls: []providers.ToolCall{{Name: "email.send"}}}},
	}}
	f := newFixture(t, planner, allowTools("email.send"), send)

	go func() {
		for !f.approvals.Pending("run_1") {
			time.Sleep(time.Millisecond)
		}
		f.approvals.Resolve("run_1", false)
	}()

	run := f.runner.Execute(context.Background(), f.sink, newRun(), "send it")
	if run.Status != store.RunCompleted {
		t.Fatalf("status = %s, want completed (clarified)", run.Status)
	}
	if invoked {
		t.Error("denied tool must not run")
	}
	if !f.sink.hasEvent(protocol.EventSecurityBlocked) {
		t.Errorf("missing security.blocked: %v", f.sink.eventTypes())
	}
}

func TestExecuteApprovalTimeout(t *testing.T) {
	send := &fakeTool{name: "email.send", write: true, fn: func(context.Context, map[string]any) (any, error) {
		return nil, nil
	}}
	planner := &scriptedPlanner{steps: []scriptStep{
		{res: providers.PlanResult{ToolCalls: []providers.ToolCall{{Name: "email.send"}}}},
	}}
	f := newFixture(t, planner, allowTools("email.send"), send)
	// Shrink the approval window so the test stays fast.
	f.runner.cfg.ApprovalTimeoutS = 1

	run := newRun()
	run.Deadline = time.Now().Add(50 * time.Millisecond)
	got := f.runner.Execute(context.Background(), f.sink, run, "send it")
	if got.Status != store.RunFailed || got.Error == nil || got.Error.Kind != store.ErrKindApprovalTimeout {
		t.Fatalf("got status=%s error=%+v, want failed/approval_timeout", got.Status, got.Error)
	}
}

func TestExecuteStepLimit(t *testing.T) {
	echo := &fakeTool{name: "core.echo", fn: func(context.Context, map[string]any) (any, error) {
		return "ok", nil
	}}
	// Planner always asks for another tool call, never finalizes.
	planner := providerFunc(func(context.Context, providers.PlanRequest) (providers.PlanResult, error) {
		return providers.PlanResult{ToolCalls: []providers.ToolCall{{Name: "core.echo"}}}, nil
	})
	f := newFixture(t, planner, allowTools("core.echo"), echo)

	run := newRun()
	run.MaxSteps = 3
	got := f.runner.Execute(context.Background(), f.sink, run, "loop")
	if got.Status != store.RunFailed || got.Error == nil || got.Error.Kind != store.ErrKindStepLimit {
		t.Fatalf("got status=%s error=%+v, want failed/step_limit", got.Status, got.Error)
	}
	if got.Step != 3 {
		t.Errorf("step = %d, want 3", got.Step)
	}
}

func TestExecuteRunTimeout(t *testing.T) {
	planner := &scriptedPlanner{}
	f := newFixture(t, planner, config.PolicyConfig{})

	run := newRun()
	run.Deadline = time.Now().Add(-time.Second)
	got := f.runner.Execute(context.Background(), f.sink, run, "late")
	if got.Status != store.RunTimedOut || got.Error == nil || got.Error.Kind != store.ErrKindRunTimeout {
		t.Fatalf("got status=%s error=%+v, want timed_out/run_timeout", got.Status, got.Error)
	}
}

func TestExecuteLLMUnavailable(t *testing.T) {
	planner := &scriptedPlanner{steps: []scriptStep{
		{err: fmt.Errorf("%w: status 503", providers.ErrUnavailable)},
	}}
	f := newFixture(t, planner, config.PolicyConfig{})

	got := f.runner.Execute(context.Background(), f.sink, newRun(), "hi")
	if got.Status != store.RunFailed || got.Error == nil || got.Error.Kind != store.ErrKindLLMUnavailable {
		t.Fatalf("got status=%s error=%+v, want failed/llm_unavailable", got.Status, got.Error)
	}
}

func TestExecuteCancelDuringPlan(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	planner := providerFunc(func(ctx context.Context, _ providers.PlanRequest) (providers.PlanResult, error) {
		cancel()
		<-ctx.Done()
		return providers.PlanResult{}, ctx.Err()
	})
	f := newFixture(t, planner, config.PolicyConfig{})

	got := f.runner.Execute(ctx, f.sink, newRun(), "hi")
	if got.Status != store.RunCanceled || got.Error == nil || got.Error.Kind != store.ErrKindCanceled {
		t.Fatalf("got status=%s error=%+v, want canceled", got.Status, got.Error)
	}
}

func TestExecuteReadToolRetriesOnce(t *testing.T) {
	var calls int
	flaky := &fakeTool{name: "core.echo", fn: func(context.Context, map[string]any) (any, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}}
	planner := &scriptedPlanner{steps: []scriptStep{
		{res: providers.PlanResult{ToolCalls: []providers.ToolCall{{Name: "core.echo"}}}},
		{res: providers.PlanResult{Text: "done"}},
	}}
	f := newFixture(t, planner, allowTools("core.echo"), flaky)

	got := f.runner.Execute(context.Background(), f.sink, newRun(), "go")
	if got.Status != store.RunCompleted || calls != 2 {
		t.Fatalf("status=%s calls=%d, want completed after retry", got.Status, calls)
	}
}

func TestExecuteWriteToolFailureNotRetried(t *testing.T) {
	var calls int
	failing := &fakeTool{name: "email.send", write: true, fn: func(context.Context, map[string]any) (any, error) {
		calls++
		return nil, errors.New("smtp down")
	}}
	planner := &scriptedPlanner{steps: []scriptStep{
		{res: providers.PlanResult{ToolCalls: []providers.ToolCall{{Name: "email.send"}}}},
	}}
	cfg := allowTools("email.send")
	cfg.RequireApprovalForWrite = false
	f := newFixture(t, planner, cfg, failing)

	got := f.runner.Execute(context.Background(), f.sink, newRun(), "send")
	if got.Status != store.RunFailed || got.Error == nil || got.Error.Kind != store.ErrKindToolFailed {
		t.Fatalf("got status=%s error=%+v, want failed/tool_failed", got.Status, got.Error)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry for write tools)", calls)
	}
}

func TestExecuteRecordsSummaryJSONRoundTrip(t *testing.T) {
	planner := &scriptedPlanner{steps: []scriptStep{{res: providers.PlanResult{Text: "ok"}}}}
	f := newFixture(t, planner, config.PolicyConfig{})

	got := f.runner.Execute(context.Background(), f.sink, newRun(), "hi")
	if got.Summary == "" || got.EndedAt == nil {
		t.Fatalf("summary=%q ended=%v", got.Summary, got.EndedAt)
	}
	if _, err := json.Marshal(got); err != nil {
		t.Fatalf("run not serializable: %v", err)
	}
}

// providerFunc adapts a function to providers.Provider.
type providerFunc func(context.Context, providers.PlanRequest) (providers.PlanResult, error)

func (providerFunc) Name() string { return "func" }

func (f providerFunc) Plan(ctx context.Context, req providers.PlanRequest) (providers.PlanResult, error) {
	return f(ctx, req)
}
