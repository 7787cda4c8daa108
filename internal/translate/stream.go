package translate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	openaiSDK "github.com/openai/openai-go/v3"
)

// Event is one outbound Anthropic SSE event.
type Event struct {
	Name string
	Data []byte
}

// Encode renders the event in SSE wire form.
func (e Event) Encode() []byte {
	var sb strings.Builder
	sb.Grow(len(e.Name) + len(e.Data) + 16)
	sb.WriteString("event: ")
	sb.WriteString(e.Name)
	sb.WriteString("\ndata: ")
	sb.Write(e.Data)
	sb.WriteString("\n\n")
	return []byte(sb.String())
}

// ParseChunk decodes one upstream Chat Completions stream chunk.
func ParseChunk(data []byte) (*openaiSDK.ChatCompletionChunk, error) {
	var chunk openaiSDK.ChatCompletionChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("translate: invalid stream chunk: %w", err)
	}
	return &chunk, nil
}

// StreamTranslator converts a Chat Completions chunk stream into the
// Anthropic SSE event sequence:
//
//	message_start, ping,
//	(content_block_start, content_block_delta*, content_block_stop)*,
//	message_delta, message_stop
//
// Tool call argument fragments are forwarded verbatim as partial_json; the
// stream contract is that concatenating all partial_json fragments for one
// block yields valid JSON, not that each fragment parses on its own.
//
// Not safe for concurrent use; the stream loop is the single caller.
type StreamTranslator struct {
	msgID string
	model string

	started  bool
	finished bool

	nextIndex int
	textIndex int   // index of the open text block, -1 when closed
	toolIndex int   // index of the open tool_use block, -1 when closed
	openTool  int64 // upstream tool call index of the open tool block

	sawTool      bool
	finishReason string

	usagePrompt     int64
	usageCompletion int64
	outputChars     int
}

// NewStreamTranslator returns a translator that reports clientModel in the
// message_start event.
func NewStreamTranslator(clientModel string) *StreamTranslator {
	return &StreamTranslator{
		msgID:     "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
		model:     clientModel,
		textIndex: -1,
		toolIndex: -1,
	}
}

// Next consumes one upstream chunk and returns the Anthropic events it
// produces, possibly none.
func (t *StreamTranslator) Next(chunk *openaiSDK.ChatCompletionChunk) []Event {
	var evs []Event
	evs = t.ensureStarted(evs)

	if chunk.Usage.PromptTokens > 0 || chunk.Usage.CompletionTokens > 0 {
		t.usagePrompt = chunk.Usage.PromptTokens
		t.usageCompletion = chunk.Usage.CompletionTokens
	}
	if len(chunk.Choices) == 0 {
		return evs
	}

	choice := chunk.Choices[0]

	for _, tc := range choice.Delta.ToolCalls {
		if tc.ID != "" || tc.Function.Name != "" {
			evs = t.openToolBlock(evs, tc.Index, tc.Function.Name)
		}
		if tc.Function.Arguments != "" {
			if t.toolIndex < 0 {
				// Fragment before any announced call; open an unnamed block
				// rather than dropping argument bytes.
				evs = t.openToolBlock(evs, tc.Index, "")
			}
			t.outputChars += len(tc.Function.Arguments)
			evs = append(evs, event("content_block_delta", deltaEvent{
				Type:  "content_block_delta",
				Index: t.toolIndex,
				Delta: blockDelta{Type: "input_json_delta", PartialJSON: tc.Function.Arguments},
			}))
		}
	}

	if choice.Delta.Content != "" {
		evs = t.ensureTextBlock(evs)
		t.outputChars += len(choice.Delta.Content)
		evs = append(evs, event("content_block_delta", deltaEvent{
			Type:  "content_block_delta",
			Index: t.textIndex,
			Delta: blockDelta{Type: "text_delta", Text: choice.Delta.Content},
		}))
	}

	if choice.FinishReason != "" {
		t.finishReason = choice.FinishReason
	}

	return evs
}

// Finish closes any open block and emits the terminal message_delta and
// message_stop events. Safe to call once, after the upstream signals end.
func (t *StreamTranslator) Finish() []Event {
	if t.finished {
		return nil
	}
	t.finished = true

	var evs []Event
	evs = t.ensureStarted(evs)
	evs = t.closeOpenBlocks(evs)

	outputTokens := int(t.usageCompletion)
	if outputTokens == 0 {
		outputTokens = estimateTokens(t.outputChars)
	}

	evs = append(evs, event("message_delta", messageDeltaEvent{
		Type: "message_delta",
		Delta: messageDelta{
			StopReason:   mapStopReason(t.finishReason, t.sawTool),
			StopSequence: nil,
		},
		Usage: deltaUsage{OutputTokens: outputTokens},
	}))
	evs = append(evs, event("message_stop", map[string]string{"type": "message_stop"}))
	return evs
}

// Finished reports whether the terminal events were already emitted.
func (t *StreamTranslator) Finished() bool { return t.finished }

func (t *StreamTranslator) ensureStarted(evs []Event) []Event {
	if t.started {
		return evs
	}
	t.started = true

	evs = append(evs, event("message_start", messageStartEvent{
		Type: "message_start",
		Message: messageStart{
			ID:           t.msgID,
			Type:         "message",
			Role:         "assistant",
			Model:        t.model,
			Content:      []ContentBlock{},
			StopReason:   nil,
			StopSequence: nil,
			Usage:        Usage{},
		},
	}))
	evs = append(evs, event("ping", map[string]string{"type": "ping"}))
	return evs
}

func (t *StreamTranslator) ensureTextBlock(evs []Event) []Event {
	if t.textIndex >= 0 {
		return evs
	}
	evs = t.closeOpenBlocks(evs)
	t.textIndex = t.nextIndex
	t.nextIndex++
	return append(evs, event("content_block_start", blockStartEvent{
		Type:         "content_block_start",
		Index:        t.textIndex,
		ContentBlock: ContentBlock{Type: "text"},
	}))
}

func (t *StreamTranslator) openToolBlock(evs []Event, upstreamIndex int64, name string) []Event {
	if t.toolIndex >= 0 && t.openTool == upstreamIndex {
		return evs
	}
	evs = t.closeOpenBlocks(evs)

	t.sawTool = true
	t.toolIndex = t.nextIndex
	t.nextIndex++
	t.openTool = upstreamIndex

	return append(evs, event("content_block_start", blockStartEvent{
		Type:  "content_block_start",
		Index: t.toolIndex,
		ContentBlock: ContentBlock{
			Type:  "tool_use",
			ID:    NewToolID(),
			Name:  name,
			Input: json.RawMessage("{}"),
		},
	}))
}

func (t *StreamTranslator) closeOpenBlocks(evs []Event) []Event {
	if t.textIndex >= 0 {
		evs = append(evs, event("content_block_stop", blockStopEvent{
			Type:  "content_block_stop",
			Index: t.textIndex,
		}))
		t.textIndex = -1
	}
	if t.toolIndex >= 0 {
		evs = append(evs, event("content_block_stop", blockStopEvent{
			Type:  "content_block_stop",
			Index: t.toolIndex,
		}))
		t.toolIndex = -1
	}
	return evs
}

func event(name string, payload any) Event {
	data, _ := json.Marshal(payload)
	return Event{Name: name, Data: data}
}

// SSE payload shapes.
type (
	messageStartEvent struct {
		Type    string       `json:"type"`
		Message messageStart `json:"message"`
	}
	messageStart struct {
		ID           string         `json:"id"`
		Type         string         `json:"type"`
		Role         string         `json:"role"`
		Model        string         `json:"model"`
		Content      []ContentBlock `json:"content"`
		StopReason   *string        `json:"stop_reason"`
		StopSequence *string        `json:"stop_sequence"`
		Usage        Usage          `json:"usage"`
	}
	blockStartEvent struct {
		Type         string       `json:"type"`
		Index        int          `json:"index"`
		ContentBlock ContentBlock `json:"content_block"`
	}
	deltaEvent struct {
		Type  string     `json:"type"`
		Index int        `json:"index"`
		Delta blockDelta `json:"delta"`
	}
	blockDelta struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
	}
	blockStopEvent struct {
		Type  string `json:"type"`
		Index int    `json:"index"`
	}
	messageDeltaEvent struct {
		Type  string       `json:"type"`
		Delta messageDelta `json:"delta"`
		Usage deltaUsage   `json:"usage"`
	}
	messageDelta struct {
		StopReason   string  `json:"stop_reason"`
		StopSequence *string `json:"stop_sequence"`
	}
	deltaUsage struct {
		OutputTokens int `json:"output_tokens"`
	}
)
