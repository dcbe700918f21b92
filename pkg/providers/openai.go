// Package providers adapts LLM chat APIs into agent functions the
// runtime can drive. Only the OpenAI-compatible surface is implemented;
// any endpoint speaking that protocol works through BaseURL.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/mail-swarm/mail/pkg/logger"
	"github.com/mail-swarm/mail/pkg/mail"
)

const (
	logComponent          = "providers"
	defaultModel          = "gpt-4o-mini"
	defaultRequestTimeout = 120 * time.Second
)

// Config describes one agent's LLM binding.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string

	// SystemPrompt is prepended to every request as the system message.
	SystemPrompt string

	Temperature    *float64
	MaxTokens      *int64
	RequestTimeout time.Duration
}

// Provider holds a configured OpenAI-compatible client.
type Provider struct {
	cfg    Config
	client *openai.Client
}

func NewProvider(cfg Config) *Provider {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	reqOpts := []option.RequestOption{
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimRight(cfg.BaseURL, "/")))
	}
	if cfg.APIKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.APIKey))
	}
	client := openai.NewClient(reqOpts...)
	return &Provider{cfg: cfg, client: &client}
}

// AgentFunction binds the provider to one agent's tool catalog and
// returns the chat closure the runtime invokes per delivery.
func (p *Provider) AgentFunction(tools []mail.ToolSpec) mail.AgentFunction {
	return func(ctx context.Context, history []mail.HistoryEntry, toolChoice string) (string, []mail.ToolCall, error) {
		return p.chat(ctx, history, tools, toolChoice)
	}
}

func (p *Provider) chat(ctx context.Context, history []mail.HistoryEntry, tools []mail.ToolSpec, toolChoice string) (string, []mail.ToolCall, error) {
	params := openai.ChatCompletionNewParams{
		Model:    p.cfg.Model,
		Messages: p.buildMessages(history),
	}
	if len(tools) > 0 {
		params.Tools = buildTools(tools)
		if toolChoice == "" {
			toolChoice = string(openai.ChatCompletionToolChoiceOptionAutoAuto)
		}
		params.ToolChoice.OfAuto = openai.String(toolChoice)
	}
	if p.cfg.Temperature != nil {
		params.Temperature = openai.Opt(*p.cfg.Temperature)
	}
	if p.cfg.MaxTokens != nil {
		params.MaxCompletionTokens = openai.Opt(*p.cfg.MaxTokens)
	}

	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", nil, fmt.Errorf(
				"chat request failed (status=%d): %s",
				apiErr.StatusCode,
				strings.TrimSpace(apiErr.Message),
			)
		}
		return "", nil, fmt.Errorf("chat request failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", nil, fmt.Errorf("chat response carried no choices")
	}

	choice := resp.Choices[0]
	return choice.Message.Content, parseToolCalls(choice.Message.ToolCalls), nil
}

func (p *Provider) buildMessages(history []mail.HistoryEntry) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	if p.cfg.SystemPrompt != "" {
		out = append(out, openai.SystemMessage(p.cfg.SystemPrompt))
	}
	for _, entry := range history {
		switch entry.Role {
		case "system":
			out = append(out, openai.SystemMessage(entry.Content))
		case "assistant":
			out = append(out, buildAssistantMessage(entry))
		case "tool":
			out = append(out, openai.ToolMessage(entry.Content, entry.ToolCallID))
		default:
			out = append(out, openai.UserMessage(entry.Content))
		}
	}
	return out
}

func buildAssistantMessage(entry mail.HistoryEntry) openai.ChatCompletionMessageParamUnion {
	assistant := openai.ChatCompletionAssistantMessageParam{}
	if entry.Content != "" {
		assistant.Content.OfString = openai.String(entry.Content)
	}
	if len(entry.ToolCalls) > 0 {
		assistant.ToolCalls = make([]openai.ChatCompletionMessageToolCallUnionParam, 0, len(entry.ToolCalls))
		for _, tc := range entry.ToolCalls {
			if tc.Name == "" {
				continue
			}
			args := "{}"
			if len(tc.Args) > 0 {
				if b, err := json.Marshal(tc.Args); err == nil {
					args = string(b)
				}
			}
			assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
				OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: args,
					},
				},
			})
		}
	}
	return openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant}
}

func buildTools(tools []mail.ToolSpec) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		if tool.Name == "" {
			continue
		}
		fn := shared.FunctionDefinitionParam{
			Name:        tool.Name,
			Description: openai.String(tool.Description),
			Parameters:  shared.FunctionParameters(tool.Parameters),
		}
		out = append(out, openai.ChatCompletionFunctionTool(fn))
	}
	return out
}

func parseToolCalls(calls []openai.ChatCompletionMessageToolCallUnion) []mail.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	result := make([]mail.ToolCall, 0, len(calls))
	for _, call := range calls {
		switch v := call.AsAny().(type) {
		case openai.ChatCompletionMessageFunctionToolCall:
			args := map[string]any{}
			if strings.TrimSpace(v.Function.Arguments) != "" {
				if err := json.Unmarshal([]byte(v.Function.Arguments), &args); err != nil {
					logger.WarnCF(logComponent, "tool call arguments did not decode", map[string]any{
						"tool":  v.Function.Name,
						"error": err.Error(),
					})
				}
			}
			result = append(result, mail.ToolCall{
				ID:   v.ID,
				Name: v.Function.Name,
				Args: args,
			})
		}
	}
	return result
}
