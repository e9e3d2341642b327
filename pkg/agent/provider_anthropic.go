package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/harun/tollgate/internal/config"
	"github.com/harun/tollgate/pkg/thread"
)

// AnthropicProvider implements Model for Anthropic Claude
type AnthropicProvider struct {
	client   anthropic.Client
	settings config.ModelConfig
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(cfg config.ModelConfig, opts ...option.RequestOption) *AnthropicProvider {
	base := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		base = append(base, option.WithBaseURL(cfg.Endpoint))
	}
	if cfg.Timeout > 0 {
		base = append(base, option.WithRequestTimeout(cfg.Timeout))
	}
	return &AnthropicProvider{
		client:   anthropic.NewClient(append(base, opts...)...),
		settings: cfg,
	}
}

// Provider returns the provider name
func (p *AnthropicProvider) Provider() string {
	return config.ProviderAnthropic
}

// Complete makes one messages API call.
func (p *AnthropicProvider) Complete(ctx context.Context, request CompletionRequest) (*Completion, error) {
	maxTokens := p.settings.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	reqParams := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.settings.Model),
		Messages:  anthropicMessages(request.History),
		MaxTokens: int64(maxTokens),
	}
	if request.SystemPrompt != "" {
		reqParams.System = []anthropic.TextBlockParam{{Text: request.SystemPrompt}}
	}
	if p.settings.Temperature > 0 {
		reqParams.Temperature = anthropic.Float(p.settings.Temperature)
	}

	if len(request.Tools) > 0 {
		tools := make([]anthropic.ToolUnionParam, 0, len(request.Tools))
		for _, def := range request.Tools {
			schema := def.Schema()
			toolParam := anthropic.ToolParam{
				Name:        def.Name,
				Description: anthropic.String(def.Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
				},
			}
			if required, ok := schema["required"].([]string); ok {
				toolParam.InputSchema.Required = required
			}
			tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
		reqParams.Tools = tools
	}

	response, err := p.client.Messages.New(ctx, reqParams)
	if err != nil {
		return nil, wrapProviderError(p.Provider(), err)
	}

	completion := &Completion{
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.InputTokens),
			OutputTokens: int(response.Usage.OutputTokens),
		},
	}

	for _, block := range response.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			completion.Content += b.Text
		case anthropic.ToolUseBlock:
			args := map[string]interface{}{}
			if raw := b.JSON.Input.Raw(); raw != "" && raw != "null" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					return nil, &ProviderError{Provider: p.Provider(), Err: fmt.Errorf("failed to parse tool input: %w", err)}
				}
			}
			completion.ToolCalls = append(completion.ToolCalls, ToolCall{
				ID:        b.ID,
				Name:      b.Name,
				Arguments: args,
			})
		}
	}

	return completion, nil
}

// anthropicMessages converts a thread history. Consecutive tool turns are
// folded into one user message, as the API expects every tool_result answering
// an assistant turn in a single message.
func anthropicMessages(history []thread.Turn) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(history))
	var results []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(results) > 0 {
			messages = append(messages, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, turn := range history {
		switch turn.Role {
		case thread.RoleTool:
			if turn.Result == nil {
				continue
			}
			isError := turn.Result.Status == thread.StatusError
			results = append(results, anthropic.NewToolResultBlock(turn.Result.CallID, turn.Content, isError))
		case thread.RoleUser:
			flush()
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		case thread.RoleAssistant:
			flush()
			blocks := []anthropic.ContentBlockParamUnion{}
			if turn.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(turn.Content))
			}
			for _, tc := range turn.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, argumentsOrEmpty(tc.Arguments), tc.Name))
			}
			if len(blocks) == 0 {
				continue
			}
			messages = append(messages, anthropic.MessageParam{
				Role:    anthropic.MessageParamRoleAssistant,
				Content: blocks,
			})
		}
	}
	flush()

	return messages
}
