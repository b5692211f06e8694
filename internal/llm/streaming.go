package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// Stream event types.
const (
	EventText          = "text"            // incremental text content
	EventToolUseStart  = "tool_use_start"  // a tool_use block opened
	EventToolInputJSON = "tool_input_json" // partial JSON of a tool_use block's input
	EventBlockStop     = "block_stop"      // a content block closed
	EventDone          = "done"
	EventError         = "error"
)

// StreamEvent represents a single event in a streaming LLM response.
// Tool calls arrive incrementally: a tool_use_start carrying id and name,
// then tool_input_json fragments, then block_stop. Fragments belonging to
// the same block share an Index and must be reassembled before parsing.
type StreamEvent struct {
	Type    string
	Index   int           // content block index within the response
	Content string        // text for EventText, JSON fragment for EventToolInputJSON
	ToolUse *ContentBlock // id and name for EventToolUseStart
	Error   error         // set for EventError
}

// StreamingProvider extends Provider with streaming support.
type StreamingProvider interface {
	Provider
	// StreamMessage sends a request and streams events to the channel.
	// The channel is closed when the response is complete or an error occurs.
	StreamMessage(ctx context.Context, req *Request, events chan<- StreamEvent) error
}

// ToolCallAccumulator reassembles incrementally streamed tool calls by
// content block index into complete tool_use blocks.
type ToolCallAccumulator struct {
	order  []int
	blocks map[int]*partialToolCall
}

type partialToolCall struct {
	id, name string
	input    []byte
}

// NewToolCallAccumulator creates an empty accumulator for one response.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{blocks: make(map[int]*partialToolCall)}
}

// Feed consumes one stream event. Events other than tool_use_start and
// tool_input_json are ignored.
func (a *ToolCallAccumulator) Feed(ev StreamEvent) {
	switch ev.Type {
	case EventToolUseStart:
		if ev.ToolUse == nil {
			return
		}
		if _, seen := a.blocks[ev.Index]; !seen {
			a.order = append(a.order, ev.Index)
		}
		a.blocks[ev.Index] = &partialToolCall{id: ev.ToolUse.ID, name: ev.ToolUse.Name}
	case EventToolInputJSON:
		if pc, ok := a.blocks[ev.Index]; ok {
			pc.input = append(pc.input, ev.Content...)
		}
	}
}

// ToolCalls parses the accumulated fragments into complete tool_use blocks,
// in the order their blocks were opened. A block whose input fails to parse
// is returned with a nil Input alongside the parse error so the caller can
// report malformed arguments instead of silently dropping the call.
func (a *ToolCallAccumulator) ToolCalls() ([]ContentBlock, error) {
	var calls []ContentBlock
	var firstErr error
	for _, idx := range a.order {
		pc := a.blocks[idx]
		block := ToolUseBlock(pc.id, pc.name, nil)
		if len(pc.input) > 0 {
			var input map[string]any
			if err := json.Unmarshal(pc.input, &input); err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("parsing input for tool %s: %w", pc.name, err)
				}
			} else {
				block.Input = input
			}
		} else {
			block.Input = map[string]any{}
		}
		calls = append(calls, block)
	}
	return calls, firstErr
}

// NonStreamingAdapter wraps a regular Provider to implement StreamingProvider
// by buffering the full response and replaying it as events.
type NonStreamingAdapter struct {
	Provider
}

// StreamMessage calls SendMessage and sends the result as buffered events.
func (a *NonStreamingAdapter) StreamMessage(ctx context.Context, req *Request, events chan<- StreamEvent) error {
	defer close(events)

	resp, err := a.SendMessage(ctx, req)
	if err != nil {
		events <- StreamEvent{Type: EventError, Error: err}
		return err
	}

	for i, block := range resp.Blocks {
		switch block.Type {
		case BlockText:
			events <- StreamEvent{Type: EventText, Index: i, Content: block.Text}
		case BlockToolUse:
			b := block
			events <- StreamEvent{Type: EventToolUseStart, Index: i, ToolUse: &ContentBlock{Type: BlockToolUse, ID: b.ID, Name: b.Name}}
			if b.Input != nil {
				input, err := json.Marshal(b.Input)
				if err == nil {
					events <- StreamEvent{Type: EventToolInputJSON, Index: i, Content: string(input)}
				}
			}
			events <- StreamEvent{Type: EventBlockStop, Index: i}
		}
	}

	events <- StreamEvent{Type: EventDone}
	return nil
}
