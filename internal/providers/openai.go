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

// openAI speaks the chat-completions wire format, which most hosted and
// self-hosted backends expose.
type openAI struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
}

func newOpenAI(cfg config.LLMConfig) *openAI {
	base := cfg.BaseURL
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return &openAI{
		baseURL: base,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout()},
	}
}

func (*openAI) Name() string { return "openai" }

type oaMessage struct {
	Role      string       `json:"role"`
	Content   string       `json:"content,omitempty"`
	ToolCalls []oaToolCall `json:"tool_calls,omitempty"`
}

type oaToolCall struct {
	ID       string `json:"id,omitempty"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description,omitempty"`
		Parameters  map[string]any `json:"parameters,omitempty"`
	} `json:"function"`
}

func (p *openAI) Plan(ctx context.Context, req PlanRequest) (PlanResult, error) {
	msgs := make([]oaMessage, 0, len(req.History)+1)
	if req.System != "" {
		msgs = append(msgs, oaMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.History {
		msgs = append(msgs, oaMessage{Role: m.Role, Content: m.Text})
	}

	var toolDefs []oaTool
	for _, t := range req.Tools {
		var d oaTool
		d.Type = "function"
		d.Function.Name = t.Name
		d.Function.Description = t.Description
		d.Function.Parameters = map[string]any{"type": "object"}
		toolDefs = append(toolDefs, d)
	}

	body, err := json.Marshal(map[string]any{
		"model":    p.model,
		"messages": msgs,
		"tools":    toolDefs,
	})
	if err != nil {
		return PlanResult{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return PlanResult{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

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
		return PlanResult{}, fmt.Errorf("openai status %d: %s", resp.StatusCode, snippet)
	}

	var out struct {
		Choices []struct {
			Message oaMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PlanResult{}, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return PlanResult{}, nil
	}

	msg := out.Choices[0].Message
	res := PlanResult{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		args := map[string]any{}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return PlanResult{}, fmt.Errorf("decode tool arguments: %w", err)
			}
		}
		res.ToolCalls = append(res.ToolCalls, ToolCall{Name: tc.Function.Name, Args: args})
	}
	return res, nil
}
