package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/nextlevelbuilder/agentgate/internal/config"
)

const anthropicVersion = "2023-06-01"

// anthropic speaks the messages API.
type anthropic struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

func newAnthropic(cfg config.LLMConfig) *anthropic {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.anthropic.com"
	}
	return &anthropic{
		baseURL: base,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout()},
	}
}

func (*anthropic) Name() string { return "anthropic" }

type antMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type antTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema"`
}

type antContentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

func (p *anthropic) Plan(ctx context.Context, req PlanRequest) (PlanResult, error) {
	// The messages API rejects system turns inside messages; the system
	// prompt travels in its own field and roles must alternate.
	var msgs []antMessage
	for _, m := range req.History {
		role := m.Role
		if role != "assistant" {
			role = "user"
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content += "\n" + m.Text
			continue
		}
		msgs = append(msgs, antMessage{Role: role, Content: m.Text})
	}

	var toolDefs []antTool
	for _, t := range req.Tools {
		toolDefs = append(toolDefs, antTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: map[string]any{"type": "object"},
		})
	}

	body, err := json.Marshal(map[string]any{
		"model":      p.model,
		"max_tokens": 4096,
		"system":     req.System,
		"messages":   msgs,
		"tools":      toolDefs,
	})
	if err != nil {
		return PlanResult{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return PlanResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return PlanResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return PlanResult{}, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return PlanResult{}, fmt.Errorf("anthropic status %d: %s", resp.StatusCode, snippet)
	}

	var out struct {
		Content []antContentBlock `json:"content"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PlanResult{}, fmt.Errorf("decode response: %w", err)
	}

	var res PlanResult
	for _, block := range out.Content {
		switch block.Type {
		case "text":
			if res.Text != "" {
				res.Text += "\n"
			}
			res.Text += block.Text
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return PlanResult{}, fmt.Errorf("decode tool input: %w", err)
				}
			}
			res.ToolCalls = append(res.ToolCalls, ToolCall{Name: block.Name, Args: args})
		}
	}
	return res, nil
}
