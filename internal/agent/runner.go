// Package agent drives one run through its lifecycle: build context,
// plan, policy check, approval, tool execution, decide, finalize. The
// runner owns no persistence; every state change goes through the Sink
// so the gateway core stays the single writer.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/providers"
	"github.com/nextlevelbuilder/agentgate/internal/security"
	"github.com/nextlevelbuilder/agentgate/internal/store"
	"github.com/nextlevelbuilder/agentgate/internal/tools"
	"github.com/nextlevelbuilder/agentgate/pkg/protocol"
)

const systemPrompt = "You are a gateway agent. Use the available tools when they help; otherwise answer directly and concisely."

// Sink receives every state change the runner produces. Implemented by
// the gateway core.
type Sink interface {
	// SaveRun persists the run's current state.
	SaveRun(ctx context.Context, run store.AgentRun) error
	// Emit publishes a sequenced event.
	Emit(eventType, runID, channelID string, payload any)
	// Deliver sends final output back to the run's chat.
	Deliver(ctx context.Context, run store.AgentRun, text string) error
}

// Runner executes agent runs. Safe for concurrent use; each Execute call
// owns its run exclusively.
type Runner struct {
	log       *slog.Logger
	repo      store.Repository
	provider  providers.Provider
	tools     *tools.Registry
	policy    *security.Policy
	approvals *security.Approvals
	cfg       config.RunConfig
}

// NewRunner wires the runner's collaborators.
func NewRunner(log *slog.Logger, repo store.Repository, provider providers.Provider,
	reg *tools.Registry, policy *security.Policy, approvals *security.Approvals,
	cfg config.RunConfig) *Runner {
	return &Runner{
		log:       log,
		repo:      repo,
		provider:  provider,
		tools:     reg,
		policy:    policy,
		approvals: approvals,
		cfg:       cfg,
	}
}

// Execute drives the run to a terminal state. The context carries the
// run deadline and is canceled by run.cancel; Execute always returns the
// terminal run, never an error for run-level failures.
func (r *Runner) Execute(ctx context.Context, sink Sink, run store.AgentRun, prompt string) store.AgentRun {
	ctx, span := startRunSpan(ctx, run)
	e := &execution{Runner: r, sink: sink, log: r.log.With("run_id", run.RunID, "chat_id", run.ChatID)}
	run = e.run(ctx, run, prompt)
	endRunSpan(span, run)
	return run
}

// execution binds one run to its sink.
type execution struct {
	*Runner
	sink Sink
	log  *slog.Logger
}

func (e *execution) run(ctx context.Context, run store.AgentRun, prompt string) store.AgentRun {
	history := e.buildContext(ctx, run, prompt)
	e.emitProgress(run, protocol.PhaseStart, nil)

	for {
		// decide: deadline and step limit before anything else.
		if time.Now().After(run.Deadline) {
			return e.finish(ctx, run, store.RunTimedOut, "", &store.RunError{
				Kind: store.ErrKindRunTimeout, Message: "run deadline exceeded"})
		}
		if run.Step >= run.MaxSteps {
			return e.finish(ctx, run, store.RunFailed, "", &store.RunError{
				Kind: store.ErrKindStepLimit, Message: fmt.Sprintf("step limit %d reached", run.MaxSteps)})
		}

		run.Step++
		run.Status = store.RunPlanning
		e.save(ctx, run)

		plan, err := e.provider.Plan(ctx, providers.PlanRequest{
			System:  systemPrompt,
			History: history,
			Tools:   e.tools.List(),
			Step:    run.Step,
		})
		if err != nil {
			return e.finish(ctx, run, terminalForPlanErr(ctx, err), "", runErrForPlanErr(ctx, err))
		}
		e.emitProgress(run, protocol.PhasePlanEnd, nil)

		// decide: text output wins, abstain clarifies.
		if len(plan.ToolCalls) == 0 {
			text := strings.TrimSpace(plan.Text)
			if text == "" {
				text = "I need more detail to continue. Could you clarify what you want me to do?"
			}
			return e.finalizeWithOutput(ctx, run, text)
		}

		call := plan.ToolCalls[0]
		if len(plan.ToolCalls) > 1 {
			e.emitProgress(run, protocol.PhaseMultiToolDiscarded, map[string]any{
				"kept":      call.Name,
				"discarded": len(plan.ToolCalls) - 1,
			})
			e.log.Warn("run.multi_tool_discarded", "kept", call.Name, "discarded", len(plan.ToolCalls)-1)
		}

		tool, exists := e.tools.Get(call.Name)
		isWrite := exists && tool.Write()
		decision := e.policy.CheckTool(call.Name, exists, isWrite)
		if !decision.Allowed {
			e.sink.Emit(protocol.EventSecurityBlocked, run.RunID, run.ChannelID, map[string]any{
				"reason": decision.Reason,
				"tool":   call.Name,
			})
			e.log.Warn("security.tool_blocked", "tool", call.Name, "reason", decision.Reason)
			return e.finalizeWithOutput(ctx, run,
				fmt.Sprintf("I cannot use tool %s (%s).", call.Name, decision.Reason))
		}

		if decision.RequireApproval {
			switch e.awaitApproval(ctx, &run, call) {
			case approvalGranted:
				// proceed to execution
			case approvalDenied:
				e.sink.Emit(protocol.EventSecurityBlocked, run.RunID, run.ChannelID, map[string]any{
					"reason": "approval_denied",
					"tool":   call.Name,
				})
				return e.finalizeWithOutput(ctx, run,
					fmt.Sprintf("The call to %s was not approved.", call.Name))
			case approvalTimedOut:
				return e.finish(ctx, run, store.RunFailed, "", &store.RunError{
					Kind: store.ErrKindApprovalTimeout, Message: "no approval before deadline"})
			case approvalCanceled:
				return e.finish(ctx, run, store.RunCanceled, "", &store.RunError{
					Kind: store.ErrKindCanceled, Message: "run canceled"})
			}
		}

		run.Status = store.RunToolExec
		e.save(ctx, run)
		e.emitToolCall(run, call, false)

		toolCtx, toolSpan := startToolSpan(ctx, call.Name, run.Step)
		result, err := e.invokeTool(toolCtx, tool, call)
		if err != nil {
			toolSpan.SetStatus(codes.Error, err.Error())
		}
		toolSpan.End()
		if err != nil {
			if ctx.Err() != nil {
				return e.finish(ctx, run, store.RunCanceled, "", &store.RunError{
					Kind: store.ErrKindCanceled, Message: "run canceled"})
			}
			e.emitProgress(run, protocol.PhaseToolResult, map[string]any{
				"tool":  call.Name,
				"ok":    false,
				"error": err.Error(),
			})
			// Write tools finalize on failure; read failures go back to
			// the planner with the error in context.
			if isWrite {
				return e.finish(ctx, run, store.RunFailed, "", &store.RunError{
					Kind: store.ErrKindToolFailed, Message: fmt.Sprintf("%s: %v", call.Name, err)})
			}
			e.log.Warn("run.tool_failed", "tool", call.Name, "error", err)
			history = append(history, providers.Message{
				Role: "assistant",
				Text: fmt.Sprintf("tool_error:%s: %v", call.Name, err),
			})
			continue
		}

		resultJSON, _ := json.Marshal(result)
		e.emitProgress(run, protocol.PhaseToolResult, map[string]any{
			"tool":   call.Name,
			"ok":     true,
			"result": result,
		})
		history = append(history, providers.Message{
			Role: "assistant",
			Text: "tool_result:" + string(resultJSON),
		})
	}
}

// buildContext loads the last messages of the chat as planner history,
// ending with the triggering prompt.
func (e *execution) buildContext(ctx context.Context, run store.AgentRun, prompt string) []providers.Message {
	var history []providers.Message
	msgs, err := e.repo.ListMessages(ctx, run.ChatID, e.cfg.MaxContextMessages)
	if err != nil {
		e.log.Warn("run.context_load_failed", "error", err)
	}
	for _, m := range msgs {
		role := "user"
		if m.Direction == store.DirectionOutbound {
			role = "assistant"
		}
		history = append(history, providers.Message{Role: role, Text: m.Text})
	}
	if prompt != "" {
		if n := len(history); n == 0 || history[n-1].Text != prompt {
			history = append(history, providers.Message{Role: "user", Text: prompt})
		}
	}
	return history
}

type approvalOutcome int

const (
	approvalGranted approvalOutcome = iota
	approvalDenied
	approvalTimedOut
	approvalCanceled
)

// awaitApproval parks the run until an operator decides or the deadline
// passes. The effective deadline never extends past the run's own.
func (e *execution) awaitApproval(ctx context.Context, run *store.AgentRun, call providers.ToolCall) approvalOutcome {
	run.Status = store.RunAwaitingApproval
	e.save(ctx, *run)
	e.emitToolCall(*run, call, true)

	deadline := time.Now().Add(e.cfg.ApprovalTimeout())
	if run.Deadline.Before(deadline) {
		deadline = run.Deadline
	}
	e.sink.Emit(protocol.EventApprovalRequired, run.RunID, run.ChannelID, map[string]any{
		"tool":     call.Name,
		"args":     call.Args,
		"deadline": deadline.UTC(),
	})
	e.emitProgress(*run, protocol.PhaseWaitingApproval, map[string]any{"tool": call.Name})

	err := e.approvals.Await(ctx, run.RunID, deadline)
	switch {
	case err == nil:
		return approvalGranted
	case errors.Is(err, security.ErrApprovalDenied):
		return approvalDenied
	case errors.Is(err, context.Canceled):
		return approvalCanceled
	default:
		// The run deadline expiring while parked counts as an approval
		// timeout, whichever timer fires first.
		return approvalTimedOut
	}
}

// invokeTool runs the tool under its own timeout. Read tools get one
// retry on failure; write tools never do.
func (e *execution) invokeTool(ctx context.Context, tool tools.Tool, call providers.ToolCall) (any, error) {
	attempts := 1
	if !tool.Write() {
		attempts = 2
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		toolCtx, cancel := context.WithTimeout(ctx, e.cfg.ToolTimeout())
		result, err := tool.Invoke(toolCtx, call.Args)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// finalizeWithOutput emits the final output, delivers it to the chat and
// completes the run.
func (e *execution) finalizeWithOutput(ctx context.Context, run store.AgentRun, text string) store.AgentRun {
	e.sink.Emit(protocol.EventRunOutput, run.RunID, run.ChannelID, map[string]any{"text": text})
	if err := e.sink.Deliver(ctx, run, text); err != nil {
		e.log.Warn("run.deliver_failed", "error", err)
	}
	return e.finish(ctx, run, store.RunCompleted, text, nil)
}

// finish records the terminal state and emits run.completed exactly once.
func (e *execution) finish(ctx context.Context, run store.AgentRun, status store.RunStatus, output string, runErr *store.RunError) store.AgentRun {
	now := time.Now().UTC()
	run.Status = status
	run.OutputText = output
	run.Error = runErr
	run.EndedAt = &now
	run.Summary = summarize(run)
	e.save(ctx, run)

	payload := map[string]any{
		"status":  string(status),
		"steps":   run.Step,
		"summary": run.Summary,
	}
	if runErr != nil {
		payload["error"] = runErr
	}
	e.sink.Emit(protocol.EventRunCompleted, run.RunID, run.ChannelID, payload)

	if runErr != nil {
		e.log.Warn("run.finished", "status", status, "error_kind", runErr.Kind, "steps", run.Step)
	} else {
		e.log.Info("run.finished", "status", status, "steps", run.Step)
	}
	return run
}

// emitToolCall announces a planned tool call. The gated announcement
// (approvalRequired true) always precedes the executing one for the
// same call.
func (e *execution) emitToolCall(run store.AgentRun, call providers.ToolCall, approvalRequired bool) {
	e.sink.Emit(protocol.EventRunToolCall, run.RunID, run.ChannelID, map[string]any{
		"run_id":            run.RunID,
		"step":              run.Step,
		"tool":              call.Name,
		"args":              call.Args,
		"approval_required": approvalRequired,
	})
}

func (e *execution) emitProgress(run store.AgentRun, phase string, extra map[string]any) {
	p := map[string]any{
		"phase": phase,
		"step":  run.Step,
	}
	for k, v := range extra {
		p[k] = v
	}
	e.sink.Emit(protocol.EventRunProgress, run.RunID, run.ChannelID, p)
}

func (e *execution) save(ctx context.Context, run store.AgentRun) {
	if err := e.sink.SaveRun(ctx, run); err != nil {
		e.log.Error("run.save_failed", "error", err)
	}
}

func summarize(run store.AgentRun) string {
	if run.Error != nil {
		return fmt.Sprintf("%s after %d steps: %s", run.Error.Kind, run.Step, run.Error.Message)
	}
	out := run.OutputText
	if len(out) > 120 {
		out = out[:120] + "..."
	}
	return fmt.Sprintf("completed in %d steps: %s", run.Step, out)
}

func terminalForPlanErr(ctx context.Context, err error) store.RunStatus {
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return store.RunCanceled
	}
	return store.RunFailed
}

func runErrForPlanErr(ctx context.Context, err error) *store.RunError {
	switch {
	case ctx.Err() != nil && errors.Is(err, context.Canceled):
		return &store.RunError{Kind: store.ErrKindCanceled, Message: "run canceled"}
	case errors.Is(err, providers.ErrUnavailable):
		return &store.RunError{Kind: store.ErrKindLLMUnavailable, Message: err.Error()}
	default:
		return &store.RunError{Kind: store.ErrKindInternal, Message: err.Error()}
	}
}
