package providers

import (
	"context"
	"encoding/json"
	"strings"
)

// Mock is the zero-dependency planner used in development and tests.
// It answers deterministically from the last user message:
//
//	"tool:<name> <json-args>"  plans a call to that tool
//	anything else              echoes back as final text
//
// After a tool result appears in history it summarizes and stops.
type Mock struct{}

// NewMock creates the mock planner.
func NewMock() *Mock { return &Mock{} }

func (*Mock) Name() string { return "mock" }

func (*Mock) Plan(_ context.Context, req PlanRequest) (PlanResult, error) {
	var lastUser, lastToolResult string
	for _, m := range req.History {
		switch m.Role {
		case "user":
			lastUser = m.Text
		case "assistant":
			if strings.HasPrefix(m.Text, "tool_result:") {
				lastToolResult = strings.TrimPrefix(m.Text, "tool_result:")
			}
		}
	}

	if lastToolResult != "" {
		return PlanResult{Text: "Done: " + strings.TrimSpace(lastToolResult)}, nil
	}

	if rest, ok := strings.CutPrefix(lastUser, "tool:"); ok {
		name, rawArgs, _ := strings.Cut(rest, " ")
		args := map[string]any{}
		if strings.TrimSpace(rawArgs) != "" {
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
				return PlanResult{Text: "could not parse tool arguments"}, nil
			}
		}
		return PlanResult{ToolCalls: []ToolCall{{Name: name, Args: args}}}, nil
	}

	if strings.TrimSpace(lastUser) == "" {
		return PlanResult{}, nil
	}
	return PlanResult{Text: "You said: " + lastUser}, nil
}
