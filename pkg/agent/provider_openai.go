package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/harun/tollgate/internal/config"
	"github.com/harun/tollgate/pkg/thread"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIProvider implements Model with the chat completions API. It serves
// both OpenAI and Azure OpenAI deployments.
type OpenAIProvider struct {
	client   openai.Client
	name     string
	model    string
	settings config.ModelConfig
}

// NewOpenAIProvider creates a provider for api.openai.com, or for
// cfg.Endpoint when set.
func NewOpenAIProvider(cfg config.ModelConfig, opts ...option.RequestOption) *OpenAIProvider {
	base := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		base = append(base, option.WithBaseURL(cfg.Endpoint))
	}
	if cfg.Timeout > 0 {
		base = append(base, option.WithRequestTimeout(cfg.Timeout))
	}
	return &OpenAIProvider{
		client:   openai.NewClient(append(base, opts...)...),
		name:     config.ProviderOpenAI,
		model:    cfg.Model,
		settings: cfg,
	}
}

// NewAzureOpenAIProvider creates a provider for an Azure OpenAI deployment.
// Requests go to {endpoint}/openai/deployments/{deployment}/ with the
// api-version query parameter and api-key header.
func NewAzureOpenAIProvider(cfg config.ModelConfig, opts ...option.RequestOption) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.Endpoint, "/") + "/openai/deployments/" + url.PathEscape(cfg.Deployment) + "/"
	base := []option.RequestOption{
		option.WithBaseURL(baseURL),
		option.WithHeaderDel("authorization"),
		option.WithHeader("api-key", cfg.APIKey),
		option.WithQuery("api-version", cfg.APIVersion),
	}
	if cfg.Timeout > 0 {
		base = append(base, option.WithRequestTimeout(cfg.Timeout))
	}
	return &OpenAIProvider{
		client:   openai.NewClient(append(base, opts...)...),
		name:     config.ProviderAzureOpenAI,
		model:    cfg.Deployment,
		settings: cfg,
	}
}

// Provider returns the provider name
func (p *OpenAIProvider) Provider() string {
	return p.name
}

// Complete makes one chat completion call.
func (p *OpenAIProvider) Complete(ctx context.Context, request CompletionRequest) (*Completion, error) {
	messages, err := openAIMessages(request)
	if err != nil {
		return nil, err
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: messages,
	}
	if p.settings.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(p.settings.MaxTokens))
	}
	if p.settings.Temperature > 0 {
		params.Temperature = openai.Float(p.settings.Temperature)
	}

	if len(request.Tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, 0, len(request.Tools))
		for _, def := range request.Tools {
			tools = append(tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        def.Name,
					Description: openai.String(def.Description),
					Parameters:  openai.FunctionParameters(def.Schema()),
				},
			})
		}
		params.Tools = tools
		params.ParallelToolCalls = openai.Bool(p.settings.ParallelToolCalls)
	}

	response, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapProviderError(p.name, err)
	}
	if len(response.Choices) == 0 {
		return nil, &ProviderError{Provider: p.name, Err: fmt.Errorf("no response choices returned")}
	}

	choice := response.Choices[0]
	completion := &Completion{
		Content: choice.Message.Content,
		Usage: &TokenUsage{
			InputTokens:  int(response.Usage.PromptTokens),
			OutputTokens: int(response.Usage.CompletionTokens),
		},
	}

	for _, tc := range choice.Message.ToolCalls {
		args := map[string]interface{}{}
		if strings.TrimSpace(tc.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return nil, &ProviderError{Provider: p.name, Err: fmt.Errorf("failed to parse tool arguments: %w", err)}
			}
		}
		completion.ToolCalls = append(completion.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}

	return completion, nil
}

// openAIMessages converts a thread history to chat messages.
func openAIMessages(request CompletionRequest) ([]openai.ChatCompletionMessageParamUnion, error) {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(request.History)+1)
	if request.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(request.SystemPrompt))
	}

	for _, turn := range request.History {
		switch turn.Role {
		case thread.RoleUser:
			messages = append(messages, openai.UserMessage(turn.Content))
		case thread.RoleAssistant:
			if len(turn.ToolCalls) == 0 {
				messages = append(messages, openai.AssistantMessage(turn.Content))
				continue
			}
			toolCalls := make([]openai.ChatCompletionMessageToolCall, 0, len(turn.ToolCalls))
			for _, tc := range turn.ToolCalls {
				argsJSON, err := json.Marshal(argumentsOrEmpty(tc.Arguments))
				if err != nil {
					return nil, fmt.Errorf("failed to marshal tool arguments: %w", err)
				}
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   turn.Content,
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistantMsg.ToParam())
		case thread.RoleTool:
			if turn.Result == nil {
				continue
			}
			messages = append(messages, openai.ToolMessage(turn.Content, turn.Result.CallID))
		}
	}

	return messages, nil
}

func argumentsOrEmpty(args map[string]interface{}) map[string]interface{} {
	if args == nil {
		return map[string]interface{}{}
	}
	return args
}
