package model

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"

	"github.com/crescentlab/crescent-agent/internal/extract"
	"github.com/crescentlab/crescent-agent/internal/history"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicClient speaks the structured protocol over the Anthropic
// Messages API. Tool_use blocks come back as (name, argsJSON, callID)
// triples.
type AnthropicClient struct {
	client anthropic.Client
	model  string
}

type AnthropicOptions struct {
	APIKey  string
	BaseURL string
	Model   string
}

func NewAnthropicClient(opts AnthropicOptions) (*AnthropicClient, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, errors.New("missing api key")
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, errors.New("missing model")
	}
	reqOpts := []aoption.RequestOption{aoption.WithAPIKey(strings.TrimSpace(opts.APIKey))}
	if base := strings.TrimSpace(opts.BaseURL); base != "" {
		reqOpts = append(reqOpts, aoption.WithBaseURL(base))
	}
	return &AnthropicClient{
		client: anthropic.NewClient(reqOpts...),
		model:  strings.TrimSpace(opts.Model),
	}, nil
}

func (c *AnthropicClient) Chat(ctx context.Context, turns []history.Turn, tools []ToolSchema) (Response, error) {
	if c == nil {
		return Response{}, errors.New("nil client")
	}

	encodedTools, aliasToReal := buildAnthropicTools(tools)
	messages, system := buildAnthropicMessages(turns)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: anthropicDefaultMaxTokens,
		Messages:  messages,
	}
	if len(encodedTools) > 0 {
		params.Tools = encodedTools
	}
	if strings.TrimSpace(system) != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return Response{}, fmt.Errorf("anthropic messages.new: %w", err)
	}
	if msg == nil {
		return Response{}, errors.New("anthropic messages.new: nil response")
	}

	var out Response
	var textBuf strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			textBuf.WriteString(block.Text)
		case "tool_use":
			name := strings.TrimSpace(block.Name)
			if real, ok := aliasToReal[name]; ok {
				name = real
			}
			out.Calls = append(out.Calls, extract.FunctionCall{
				Name:          name,
				ArgumentsJSON: string(block.Input),
				CallID:        strings.TrimSpace(block.ID),
			})
		}
	}
	out.Text = textBuf.String()
	return out, nil
}

// buildAnthropicMessages folds history turns into the Messages API shape:
// system content is lifted out, and runs of consecutive tool turns collapse
// into one user message of tool_result blocks.
func buildAnthropicMessages(turns []history.Turn) ([]anthropic.MessageParam, string) {
	out := make([]anthropic.MessageParam, 0, len(turns))
	var system strings.Builder
	var pendingResults []anthropic.ContentBlockParamUnion

	flushResults := func() {
		if len(pendingResults) == 0 {
			return
		}
		out = append(out, anthropic.NewUserMessage(pendingResults...))
		pendingResults = nil
	}

	for _, turn := range turns {
		switch turn.Role {
		case history.RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(turn.Content)
		case history.RoleUser:
			flushResults()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		case history.RoleAssistant:
			flushResults()
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(turn.ToolCalls)+1)
			if strings.TrimSpace(turn.Content) != "" {
				blocks = append(blocks, anthropic.NewTextBlock(turn.Content))
			}
			for _, ref := range turn.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(ref.CallID, json.RawMessage(ref.ArgumentsJSON), providerToolName(ref.Name)))
			}
			if len(blocks) == 0 {
				continue
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		case history.RoleTool:
			if strings.TrimSpace(turn.CallID) == "" {
				flushResults()
				out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
				continue
			}
			pendingResults = append(pendingResults, anthropic.NewToolResultBlock(turn.CallID, turn.Content, false))
		}
	}
	flushResults()
	return out, system.String()
}

func buildAnthropicTools(tools []ToolSchema) ([]anthropic.ToolUnionParam, map[string]string) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
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
		schema := anthropic.ToolInputSchemaParam{Type: "object"}
		if props, ok := tool.Parameters["properties"]; ok {
			schema.Properties = props
		}
		switch req := tool.Parameters["required"].(type) {
		case []string:
			schema.Required = req
		case []any:
			for _, item := range req {
				if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		param := anthropic.ToolParam{
			Name:        alias,
			InputSchema: schema,
		}
		if desc := strings.TrimSpace(tool.Description); desc != "" {
			param.Description = anthropic.String(desc)
		}
		out = append(out, anthropic.ToolUnionParam{OfTool: &param})
	}
	return out, aliasToReal
}
