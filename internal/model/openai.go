package model

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oshared "github.com/openai/openai-go/shared"

	"github.com/crescentlab/crescent-agent/internal/extract"
	"github.com/crescentlab/crescent-agent/internal/history"
)

const openAIDefaultMaxOutputTokens = 4096

// OpenAIClient speaks the structured protocol over the OpenAI Chat
// Completions API. Tool calls come back as (name, argsJSON, callID) triples.
type OpenAIClient struct {
	client openai.Client
	model  string
}

// OpenAIOptions configures the adapter. BaseURL covers openai-compatible
// endpoints.
type OpenAIOptions struct {
	APIKey  string
	BaseURL string
	Model   string
}

func NewOpenAIClient(opts OpenAIOptions) (*OpenAIClient, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("missing api key")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("missing model")
	}
	reqOpts := []ooption.RequestOption{ooption.WithAPIKey(strings.TrimSpace(opts.APIKey))}
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		reqOpts = append(reqOpts, ooption.WithBaseURL(base))
	}
	return &OpenAIClient{
		client: openai.NewClient(reqOpts...),
		model:  strings.TrimSpace(opts.Model),
	}, nil
}

func (c *OpenAIClient) Chat(ctx context.Context, turns []history.Turn, tools []ToolSchema) (Response, error) {
	if c == nil {
		return Response{}, errors.New("nil client")
	}

	params := openai.ChatCompletionNewParams{
		Model:               oshared.ChatModel(c.model),
		Messages:            buildOpenAIMessages(turns),
		MaxCompletionTokens: openai.Int(openAIDefaultMaxOutputTokens),
	}
	encoded, aliasToReal := buildOpenAITools(tools)
	if len(encoded) > 0 {
		params.Tools = encoded
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("openai chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return Response{}, errors.New("openai chat completion: empty choices")
	}

	msg := completion.Choices[0].Message
	out := Response{Text: msg.Content}
	for _, call := range msg.ToolCalls {
		name := strings.TrimSpace(call.Function.Name)
		if real, ok := aliasToReal[name]; ok {
			name = real
		}
		out.Calls = append(out.Calls, extract.FunctionCall{
			Name:          name,
			ArgumentsJSON: call.Function.Arguments,
			CallID:        strings.TrimSpace(call.ID),
		})
	}
	return out, nil
}

func buildOpenAIMessages(turns []history.Turn) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case history.RoleSystem:
			out = append(out, openai.SystemMessage(turn.Content))
		case history.RoleUser:
			out = append(out, openai.UserMessage(turn.Content))
		case history.RoleAssistant:
			if len(turn.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(turn.Content))
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{}
			if strings.TrimSpace(turn.Content) != "" {
				assistant.Content.OfString = openai.String(turn.Content)
			}
			for _, ref := range turn.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, openai.ChatCompletionMessageToolCallParam{
					ID: ref.CallID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      providerToolName(ref.Name),
						Arguments: ref.ArgumentsJSON,
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
		case history.RoleTool:
			if strings.TrimSpace(turn.CallID) != "" {
				out = append(out, openai.ToolMessage(turn.Content, turn.CallID))
				continue
			}
			// A result with no pairing id can only travel as user text.
			out = append(out, openai.UserMessage(turn.Content))
		}
	}
	return out
}

func buildOpenAITools(tools []ToolSchema) ([]openai.ChatCompletionToolParam, map[string]string) {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	aliasToReal := make(map[string]string, len(tools))
	for _, tool := range tools {
		name := strings.TrimSpace(tool.Name)
		if name == "" {
			continue
		}
		alias := providerToolName(name)
		if alias != name {
			aliasToReal[alias] = name
		}
		fn := oshared.FunctionDefinitionParam{Name: alias}
		if desc := strings.TrimSpace(tool.Description); desc != "" {
			fn.Description = openai.String(desc)
		}
		if len(tool.Parameters) > 0 {
			fn.Parameters = oshared.FunctionParameters(tool.Parameters)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out, aliasToReal
}
