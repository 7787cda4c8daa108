package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	openaiSDK "github.com/openai/openai-go/v3"
)

// ParseOpenAIResponse decodes an upstream Chat Completions body.
func ParseOpenAIResponse(body []byte) (*openaiSDK.ChatCompletion, error) {
	var resp openaiSDK.ChatCompletion
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("translate: invalid chat completion body: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("translate: chat completion has no choices")
	}
	return &resp, nil
}

// FromOpenAIResponse converts a Chat Completions response to an Anthropic
// Messages response. clientModel is echoed back so the client sees the model
// name it requested, not the upstream alias.
func FromOpenAIResponse(resp *openaiSDK.ChatCompletion, clientModel string) *MessagesResponse {
	out := &MessagesResponse{
		ID:    "msg_" + resp.ID,
		Type:  "message",
		Role:  "assistant",
		Model: clientModel,
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}

	choice := resp.Choices[0]

	if choice.Message.Content != "" {
		out.Content = append(out.Content, ContentBlock{
			Type: "text",
			Text: choice.Message.Content,
		})
	}

	for _, call := range choice.Message.ToolCalls {
		out.Content = append(out.Content, ContentBlock{
			Type:  "tool_use",
			ID:    NewToolID(),
			Name:  call.Function.Name,
			Input: toolArguments(call.Function.Arguments),
		})
	}

	if len(out.Content) == 0 {
		out.Content = []ContentBlock{{Type: "text", Text: ""}}
	}

	out.StopReason = mapStopReason(string(choice.FinishReason), len(choice.Message.ToolCalls) > 0)

	return out
}

// NewToolID generates a fresh tool_use id in the toolu_<random> form.
func NewToolID() string {
	return "toolu_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// toolArguments parses a tool call's argument string. Upstreams occasionally
// emit truncated or otherwise invalid JSON; the raw text is preserved under
// an error key rather than failing the whole response.
func toolArguments(args string) json.RawMessage {
	if args == "" {
		return json.RawMessage("{}")
	}
	if json.Valid([]byte(args)) {
		return json.RawMessage(args)
	}
	wrapped, _ := json.Marshal(map[string]string{"error_parsing_arguments": args})
	return wrapped
}

// mapStopReason maps a Chat Completions finish_reason to an Anthropic
// stop_reason.
func mapStopReason(finishReason string, hasToolCalls bool) string {
	if hasToolCalls {
		return "tool_use"
	}
	switch finishReason {
	case "stop", "":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls", "function_call":
		return "tool_use"
	case "content_filter":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}
