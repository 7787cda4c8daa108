// Package translate converts between the Anthropic Messages wire format and
// the OpenAI Chat Completions wire format, in both directions and for both
// unary and streaming responses.
//
// Inbound requests and outbound responses use hand-rolled wire structs so
// unknown fields round-trip untouched where possible; upstream OpenAI
// responses are parsed with the official SDK types.
package translate

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// MessagesRequest is an inbound Anthropic Messages API request.
type MessagesRequest struct {
	Model         string          `json:"model"`
	Messages      []Message       `json:"messages"`
	System        json.RawMessage `json:"system,omitempty"`
	MaxTokens     int             `json:"max_tokens,omitempty"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	TopK          *int            `json:"top_k,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	Metadata      *Metadata       `json:"metadata,omitempty"`
}

// Metadata carries client-supplied request metadata.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent is either a bare string or a list of content blocks on the
// wire. A bare string is kept as-is so passthrough bodies stay byte-stable.
type MessageContent struct {
	Text   string
	Blocks []ContentBlock

	isText bool
}

// TextContent wraps a bare string as message content.
func TextContent(s string) MessageContent {
	return MessageContent{Text: s, isText: true}
}

// BlockContent wraps content blocks as message content.
func BlockContent(blocks ...ContentBlock) MessageContent {
	return MessageContent{Blocks: blocks}
}

// IsText reports whether the wire form was a bare string.
func (c MessageContent) IsText() bool { return c.isText }

func (c *MessageContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		c.isText = true
		return json.Unmarshal(data, &c.Text)
	}
	c.isText = false
	return json.Unmarshal(data, &c.Blocks)
}

func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.isText {
		return json.Marshal(c.Text)
	}
	if c.Blocks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.Blocks)
}

// ContentBlock is one Anthropic content block. The set of populated fields
// depends on Type: text, tool_use, tool_result, image, thinking.
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`

	// image
	Source *ImageSource `json:"source,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`
}

// MarshalJSON emits only the fields that belong to the block type, so a text
// block keeps its "text" key even when empty and a tool_use block never
// carries one.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	switch b.Type {
	case "text":
		return json.Marshal(struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}{b.Type, b.Text})
	case "tool_use":
		input := b.Input
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		return json.Marshal(struct {
			Type  string          `json:"type"`
			ID    string          `json:"id"`
			Name  string          `json:"name"`
			Input json.RawMessage `json:"input"`
		}{b.Type, b.ID, b.Name, input})
	case "tool_result":
		return json.Marshal(struct {
			Type      string          `json:"type"`
			ToolUseID string          `json:"tool_use_id"`
			Content   json.RawMessage `json:"content,omitempty"`
			IsError   bool            `json:"is_error,omitempty"`
		}{b.Type, b.ToolUseID, b.Content, b.IsError})
	default:
		type alias ContentBlock
		return json.Marshal(alias(b))
	}
}

// ImageSource is the payload of an image content block.
type ImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Tool is one Anthropic tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolChoice controls tool invocation.
type ToolChoice struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// Usage is the Anthropic token usage envelope.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// MessagesResponse is an outbound Anthropic Messages API response.
type MessagesResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Role         string         `json:"role"`
	Model        string         `json:"model"`
	Content      []ContentBlock `json:"content"`
	StopReason   string         `json:"stop_reason,omitempty"`
	StopSequence *string        `json:"stop_sequence"`
	Usage        Usage          `json:"usage"`
}

// ParseRequest decodes and minimally validates an inbound Messages request.
func ParseRequest(body []byte) (*MessagesRequest, error) {
	var req MessagesRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("translate: invalid JSON body: %w", err)
	}
	if req.Model == "" {
		return nil, fmt.Errorf("translate: model is required")
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("translate: messages must not be empty")
	}
	return &req, nil
}

// SystemText flattens the request's system field, which may be a bare string
// or a list of text blocks, into one string.
func (r *MessagesRequest) SystemText() string {
	if len(r.System) == 0 {
		return ""
	}
	trimmed := bytes.TrimSpace(r.System)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(r.System, &s); err == nil {
			return s
		}
		return ""
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(r.System, &blocks); err != nil {
		return ""
	}
	var buf bytes.Buffer
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			if buf.Len() > 0 {
				buf.WriteString("\n\n")
			}
			buf.WriteString(b.Text)
		}
	}
	return buf.String()
}
