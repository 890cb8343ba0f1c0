// Package providers adapts LLM backends to the planner interface the
// agent loop consumes. All adapters speak plain HTTP; failures that are
// worth retrying surface as ErrUnavailable.
package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nextlevelbuilder/agentgate/internal/config"
	"github.com/nextlevelbuilder/agentgate/internal/tools"
)

// ErrUnavailable marks transient backend failures: timeouts, 5xx, 429,
// connection errors. The agent loop retries these; anything else fails
// the run outright.
var ErrUnavailable = errors.New("llm unavailable")

// Message is one turn of conversation context.
type Message struct {
	Role string // "user", "assistant", "system"
	Text string
}

// ToolCall is a planner request to execute a tool.
type ToolCall struct {
	Name string
	Args map[string]any
}

// PlanRequest is everything the planner sees for one step.
type PlanRequest struct {
	System  string
	History []Message
	Tools   []tools.Info
	Step    int
}

// PlanResult is the planner's decision for one step. Exactly one of
// Text or ToolCalls is meaningful; both empty means the model abstained.
type PlanResult struct {
	Text      string
	ToolCalls []ToolCall
}

// Abstained reports whether the planner produced neither text nor a call.
func (r PlanResult) Abstained() bool {
	return strings.TrimSpace(r.Text) == "" && len(r.ToolCalls) == 0
}

// Provider plans one agent step.
type Provider interface {
	Name() string
	Plan(ctx context.Context, req PlanRequest) (PlanResult, error)
}

// New builds the configured provider chain: the backend adapter wrapped
// in retry and circuit-breaker layers.
func New(cfg config.LLMConfig) (Provider, error) {
	var base Provider
	switch cfg.Provider {
	case "", "mock":
		base = NewMock()
	case "openai":
		base = newOpenAI(cfg)
	case "anthropic":
		base = newAnthropic(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	return NewBreaker(NewRetrying(base), cfg.BreakerThreshold, cfg.BreakerCooldown()), nil
}
