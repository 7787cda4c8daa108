package translate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FromOpenAIRequest converts a Chat Completions request to an Anthropic
// Messages request targeting model. It inverts ToOpenAIRequest up to message
// grouping: system messages collapse into the top-level system field, and a
// run of tool-role messages becomes one user message of tool_result blocks.
func FromOpenAIRequest(req *ChatRequest, model string) (*MessagesRequest, error) {
	out := &MessagesRequest{
		Model:         model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        req.Stream,
	}
	if req.User != "" {
		out.Metadata = &Metadata{UserID: req.User}
	}

	var system []string
	for i := 0; i < len(req.Messages); {
		m := req.Messages[i]
		switch m.Role {
		case "system", "developer":
			if s := contentString(m); s != "" {
				system = append(system, s)
			}
			i++
		case "tool":
			var blocks []ContentBlock
			for i < len(req.Messages) && req.Messages[i].Role == "tool" {
				tm := req.Messages[i]
				quoted, _ := json.Marshal(contentString(tm))
				blocks = append(blocks, ContentBlock{
					Type:      "tool_result",
					ToolUseID: tm.ToolCallID,
					Content:   quoted,
				})
				i++
			}
			out.Messages = append(out.Messages, Message{Role: "user", Content: BlockContent(blocks...)})
		case "user":
			out.Messages = append(out.Messages, Message{Role: "user", Content: TextContent(contentString(m))})
			i++
		case "assistant":
			out.Messages = append(out.Messages, fromAssistantMessage(m))
			i++
		default:
			return nil, fmt.Errorf("translate: messages[%d]: unsupported role %q", i, m.Role)
		}
	}

	if len(system) > 0 {
		raw, _ := json.Marshal(strings.Join(system, "\n\n"))
		out.System = raw
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	out.ToolChoice = fromToolChoice(req.ToolChoice)

	return out, nil
}

func fromAssistantMessage(m ChatMessage) Message {
	if len(m.ToolCalls) == 0 {
		return Message{Role: "assistant", Content: TextContent(contentString(m))}
	}

	var blocks []ContentBlock
	if s := contentString(m); s != "" {
		blocks = append(blocks, ContentBlock{Type: "text", Text: s})
	}
	for _, call := range m.ToolCalls {
		blocks = append(blocks, ContentBlock{
			Type:  "tool_use",
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: toolArguments(call.Function.Arguments),
		})
	}
	return Message{Role: "assistant", Content: BlockContent(blocks...)}
}

// fromToolChoice inverts convertToolChoice. The choice arrives either as a
// plain string or, after a JSON round trip, as a generic map.
func fromToolChoice(tc any) *ToolChoice {
	switch v := tc.(type) {
	case string:
		switch v {
		case "none":
			return &ToolChoice{Type: "none"}
		case "required":
			return &ToolChoice{Type: "any"}
		case "auto":
			return &ToolChoice{Type: "auto"}
		}
		return &ToolChoice{Type: "auto"}
	case map[string]any:
		if fn, ok := v["function"].(map[string]any); ok {
			if name, ok := fn["name"].(string); ok {
				return &ToolChoice{Type: "tool", Name: name}
			}
		}
		return &ToolChoice{Type: "auto"}
	default:
		return nil
	}
}

func contentString(m ChatMessage) string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// ToOpenAIResponse converts an Anthropic Messages response to the Chat
// Completions shape. model names the model reported in the response.
func ToOpenAIResponse(resp *MessagesResponse, model string) *ChatResponse {
	msg := ChatMessage{Role: "assistant"}
	var text strings.Builder
	for _, b := range resp.Content {
		switch b.Type {
		case "text":
			appendFragment(&text, b.Text)
		case "tool_use":
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			msg.ToolCalls = append(msg.ToolCalls, ChatToolCall{
				ID:   b.ID,
				Type: "function",
				Function: ChatFunctionCall{
					Name:      b.Name,
					Arguments: args,
				},
			})
		}
	}
	if text.Len() > 0 || len(msg.ToolCalls) == 0 {
		msg.Content = strPtr(text.String())
	}

	return &ChatResponse{
		ID:      "chatcmpl-" + strings.TrimPrefix(resp.ID, "msg_"),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []ChatChoice{{
			Index:        0,
			Message:      msg,
			FinishReason: mapFinishReason(resp.StopReason),
		}},
		Usage: ChatUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

// mapFinishReason inverts mapStopReason.
func mapFinishReason(stopReason string) string {
	switch stopReason {
	case "tool_use":
		return "tool_calls"
	case "max_tokens":
		return "length"
	default:
		return "stop"
	}
}

// ChunkTranslator converts an Anthropic SSE event stream into Chat
// Completions chunks, the mirror of StreamTranslator. Next returns the chunk
// bodies one event yields; the caller frames them as data: lines and appends
// [DONE] once Done reports true.
//
// Not safe for concurrent use.
type ChunkTranslator struct {
	id      string
	model   string
	created int64

	toolIdx  map[int]int // content block index -> tool_calls index
	nextTool int
	usage    ChatUsage
	done     bool
}

// NewChunkTranslator returns a translator that reports model in every chunk.
func NewChunkTranslator(model string) *ChunkTranslator {
	return &ChunkTranslator{
		id:      "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
		model:   model,
		created: time.Now().Unix(),
		toolIdx: make(map[int]int),
	}
}

// Done reports whether message_stop was consumed.
func (t *ChunkTranslator) Done() bool { return t.done }

// Next consumes one Anthropic event and returns the chunk bodies it
// produces, possibly none. Unknown event names are ignored so vendor
// extensions pass through harmlessly.
func (t *ChunkTranslator) Next(name string, data []byte) ([]json.RawMessage, error) {
	switch name {
	case "message_start":
		var ev messageStartEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("translate: %s event: %w", name, err)
		}
		t.usage.PromptTokens = ev.Message.Usage.InputTokens
		return t.chunk([]chatChunkChoice{{Delta: chunkDelta{Role: "assistant"}}}, nil), nil

	case "content_block_start":
		var ev blockStartEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("translate: %s event: %w", name, err)
		}
		if ev.ContentBlock.Type != "tool_use" {
			return nil, nil
		}
		idx := t.nextTool
		t.nextTool++
		t.toolIdx[ev.Index] = idx
		return t.chunk([]chatChunkChoice{{Delta: chunkDelta{
			ToolCalls: []chunkToolCall{{
				Index:    idx,
				ID:       ev.ContentBlock.ID,
				Type:     "function",
				Function: &ChatFunctionCall{Name: ev.ContentBlock.Name},
			}},
		}}}, nil), nil

	case "content_block_delta":
		var ev deltaEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("translate: %s event: %w", name, err)
		}
		switch ev.Delta.Type {
		case "text_delta":
			return t.chunk([]chatChunkChoice{{Delta: chunkDelta{Content: ev.Delta.Text}}}, nil), nil
		case "input_json_delta":
			idx, ok := t.toolIdx[ev.Index]
			if !ok {
				return nil, nil
			}
			return t.chunk([]chatChunkChoice{{Delta: chunkDelta{
				ToolCalls: []chunkToolCall{{
					Index:    idx,
					Function: &ChatFunctionCall{Arguments: ev.Delta.PartialJSON},
				}},
			}}}, nil), nil
		}
		return nil, nil

	case "message_delta":
		var ev messageDeltaEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("translate: %s event: %w", name, err)
		}
		t.usage.CompletionTokens = ev.Usage.OutputTokens
		fin := mapFinishReason(ev.Delta.StopReason)
		return t.chunk([]chatChunkChoice{{FinishReason: &fin}}, nil), nil

	case "message_stop":
		t.done = true
		t.usage.TotalTokens = t.usage.PromptTokens + t.usage.CompletionTokens
		usage := t.usage
		return t.chunk([]chatChunkChoice{}, &usage), nil

	case "error":
		return nil, fmt.Errorf("translate: upstream error event: %s", data)
	}
	return nil, nil
}

func (t *ChunkTranslator) chunk(choices []chatChunkChoice, usage *ChatUsage) []json.RawMessage {
	body, _ := json.Marshal(chatChunk{
		ID:      t.id,
		Object:  "chat.completion.chunk",
		Created: t.created,
		Model:   t.model,
		Choices: choices,
		Usage:   usage,
	})
	return []json.RawMessage{body}
}

// Chat Completions chunk wire shapes.
type (
	chatChunk struct {
		ID      string            `json:"id"`
		Object  string            `json:"object"`
		Created int64             `json:"created"`
		Model   string            `json:"model"`
		Choices []chatChunkChoice `json:"choices"`
		Usage   *ChatUsage        `json:"usage,omitempty"`
	}
	chatChunkChoice struct {
		Index        int        `json:"index"`
		Delta        chunkDelta `json:"delta"`
		FinishReason *string    `json:"finish_reason"`
	}
	chunkDelta struct {
		Role      string          `json:"role,omitempty"`
		Content   string          `json:"content,omitempty"`
		ToolCalls []chunkToolCall `json:"tool_calls,omitempty"`
	}
	chunkToolCall struct {
		Index    int               `json:"index"`
		ID       string            `json:"id,omitempty"`
		Type     string            `json:"type,omitempty"`
		Function *ChatFunctionCall `json:"function,omitempty"`
	}
)
