package translate

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ToOpenAIRequest converts an Anthropic Messages request to a Chat
// Completions request targeting upstreamModel.
//
// Conversion rules:
//   - the top-level system string becomes the first message with role system
//   - tool_result blocks in user messages become one tool-role message each,
//     keyed by tool_call_id; remaining text becomes a trailing user message
//   - tool_use blocks in assistant messages become tool_calls with null
//     content when no text accompanies them
//   - image blocks have no Chat Completions equivalent here and are replaced
//     inline with a textual note, never dropped silently
//   - top_k has no equivalent and is dropped
func ToOpenAIRequest(req *MessagesRequest, upstreamModel string) (*ChatRequest, error) {
	out := &ChatRequest{
		Model:       upstreamModel,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		Stop:        req.StopSequences,
		Stream:      req.Stream,
	}
	if req.Stream {
		out.StreamOptions = &StreamOptions{IncludeUsage: true}
	}
	if req.Metadata != nil {
		out.User = req.Metadata.UserID
	}

	if sys := req.SystemText(); sys != "" {
		out.Messages = append(out.Messages, ChatMessage{
			Role:    "system",
			Content: strPtr(sys),
		})
	}

	for i, m := range req.Messages {
		msgs, err := convertMessage(m)
		if err != nil {
			return nil, fmt.Errorf("translate: messages[%d]: %w", i, err)
		}
		out.Messages = append(out.Messages, msgs...)
	}

	for _, t := range req.Tools {
		out.Tools = append(out.Tools, ChatTool{
			Type: "function",
			Function: ChatFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	if req.ToolChoice != nil {
		out.ToolChoice = convertToolChoice(req.ToolChoice)
	}

	return out, nil
}

func convertMessage(m Message) ([]ChatMessage, error) {
	switch m.Role {
	case "user":
		return convertUserMessage(m)
	case "assistant":
		return convertAssistantMessage(m)
	default:
		return nil, fmt.Errorf("unsupported role %q", m.Role)
	}
}

func convertUserMessage(m Message) ([]ChatMessage, error) {
	if m.Content.IsText() {
		return []ChatMessage{{Role: "user", Content: strPtr(m.Content.Text)}}, nil
	}

	var out []ChatMessage
	var text strings.Builder

	for _, b := range m.Content.Blocks {
		switch b.Type {
		case "tool_result":
			out = append(out, ChatMessage{
				Role:       "tool",
				Content:    strPtr(flattenToolResult(b)),
				ToolCallID: b.ToolUseID,
			})
		case "text":
			appendFragment(&text, b.Text)
		case "image":
			appendFragment(&text, imageNote(b.Source))
		default:
			// Unknown user block types degrade to their text, if any.
			if b.Text != "" {
				appendFragment(&text, b.Text)
			}
		}
	}

	if text.Len() > 0 {
		out = append(out, ChatMessage{Role: "user", Content: strPtr(text.String())})
	}
	if len(out) == 0 {
		out = append(out, ChatMessage{Role: "user", Content: strPtr("")})
	}
	return out, nil
}

func convertAssistantMessage(m Message) ([]ChatMessage, error) {
	if m.Content.IsText() {
		return []ChatMessage{{Role: "assistant", Content: strPtr(m.Content.Text)}}, nil
	}

	msg := ChatMessage{Role: "assistant"}
	var text strings.Builder

	for _, b := range m.Content.Blocks {
		switch b.Type {
		case "text":
			appendFragment(&text, b.Text)
		case "tool_use":
			args := "{}"
			if len(b.Input) > 0 {
				args = string(b.Input)
			}
			// tool_use ids from the client's history are forwarded verbatim
			// so they stay consistent with the matching tool_result messages.
			msg.ToolCalls = append(msg.ToolCalls, ChatToolCall{
				ID:   b.ID,
				Type: "function",
				Function: ChatFunctionCall{
					Name:      b.Name,
					Arguments: args,
				},
			})
		case "thinking":
			// Thinking blocks are internal to the Anthropic dialect.
		}
	}

	if text.Len() > 0 {
		msg.Content = strPtr(text.String())
	}
	return []ChatMessage{msg}, nil
}

func convertToolChoice(tc *ToolChoice) any {
	switch tc.Type {
	case "auto", "any":
		// "any" has no Chat Completions equivalent; "auto" is the closest.
		return "auto"
	case "none":
		return "none"
	case "tool":
		return map[string]any{
			"type":     "function",
			"function": map[string]any{"name": tc.Name},
		}
	default:
		return "auto"
	}
}

// flattenToolResult renders a tool_result payload, which may be a bare
// string or a list of content blocks, as one string.
func flattenToolResult(b ContentBlock) string {
	if len(b.Content) == 0 {
		return ""
	}
	trimmed := bytes.TrimSpace(b.Content)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(b.Content, &s); err == nil {
			return s
		}
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(b.Content, &blocks); err == nil {
		var sb strings.Builder
		for _, blk := range blocks {
			switch blk.Type {
			case "text":
				appendFragment(&sb, blk.Text)
			case "image":
				appendFragment(&sb, imageNote(blk.Source))
			}
		}
		return sb.String()
	}
	return string(b.Content)
}

func imageNote(src *ImageSource) string {
	mediaType := "image"
	if src != nil && src.MediaType != "" {
		mediaType = src.MediaType
	}
	return fmt.Sprintf("[%s content omitted: this provider does not accept image input]", mediaType)
}

func appendFragment(sb *strings.Builder, s string) {
	if s == "" {
		return
	}
	if sb.Len() > 0 {
		sb.WriteString("\n")
	}
	sb.WriteString(s)
}
