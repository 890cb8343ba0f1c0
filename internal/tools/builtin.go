package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Builtins returns the compiled-in tool set.
func Builtins(log *slog.Logger) []Tool {
	return []Tool{
		echoTool{},
		sumTool{},
		nowTool{},
		newFetchTool(),
		&emailTool{log: log},
	}
}

// echoTool returns its "text" argument unchanged. Useful for smoke tests
// and policy checks without side effects.
type echoTool struct{}

func (echoTool) Name() string        { return "core.echo" }
func (echoTool) Description() string { return "Echo the text argument back" }
func (echoTool) Write() bool         { return false }

func (echoTool) Invoke(_ context.Context, args map[string]any) (any, error) {
	text, _ := args["text"].(string)
	return map[string]any{"text": text}, nil
}

// sumTool adds a list of numbers.
type sumTool struct{}

func (sumTool) Name() string        { return "math.sum" }
func (sumTool) Description() string { return "Sum the numbers argument" }
func (sumTool) Write() bool         { return false }

func (sumTool) Invoke(_ context.Context, args map[string]any) (any, error) {
	raw, ok := args["numbers"].([]any)
	if !ok {
		return nil, fmt.Errorf("numbers argument must be an array")
	}
	var sum float64
	for i, v := range raw {
		n, ok := v.(float64)
		if !ok {
			return nil, fmt.Errorf("numbers[%d] is not a number", i)
		}
		sum += n
	}
	return map[string]any{"sum": sum}, nil
}

// nowTool reports the current UTC time.
type nowTool struct{}

func (nowTool) Name() string        { return "time.now" }
func (nowTool) Description() string { return "Current UTC time in RFC 3339" }
func (nowTool) Write() bool         { return false }

func (nowTool) Invoke(_ context.Context, _ map[string]any) (any, error) {
	return map[string]any{"now": time.Now().UTC().Format(time.RFC3339)}, nil
}

// emailTool is the reference write tool: it only logs the send, but it
// carries the write flag so the approval path is exercised end to end.
type emailTool struct {
	log *slog.Logger
}

func (*emailTool) Name() string        { return "email.send" }
func (*emailTool) Description() string { return "Send an email (to, subject, body)" }
func (*emailTool) Write() bool         { return true }

func (t *emailTool) Invoke(_ context.Context, args map[string]any) (any, error) {
	to, _ := args["to"].(string)
	subject, _ := args["subject"].(string)
	if to == "" {
		return nil, fmt.Errorf("missing to argument")
	}
	t.log.Info("tool.email_send", "to", to, "subject", subject)
	return map[string]any{"delivered": true, "to": to}, nil
}
