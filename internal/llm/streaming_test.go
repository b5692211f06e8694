package llm

import (
	"context"
	"fmt"
	"testing"
)

func TestToolCallAccumulatorReassembly(t *testing.T) {
	acc := NewToolCallAccumulator()
	acc.Feed(StreamEvent{Type: EventToolUseStart, Index: 1, ToolUse: &ContentBlock{ID: "tu-1", Name: "update_issue"}})
	acc.Feed(StreamEvent{Type: EventToolInputJSON, Index: 1, Content: `{"id":"PRO`})
	acc.Feed(StreamEvent{Type: EventToolInputJSON, Index: 1, Content: `J-42","status"`})
	acc.Feed(StreamEvent{Type: EventToolInputJSON, Index: 1, Content: `:"closed"}`})

	calls, err := acc.ToolCalls()
	if err != nil {
		t.Fatalf("ToolCalls: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	call := calls[0]
	if call.ID != "tu-1" || call.Name != "update_issue" {
		t.Fatalf("call = %+v", call)
	}
	if call.Input["id"] != "PROJ-42" || call.Input["status"] != "closed" {
		t.Fatalf("input = %v", call.Input)
	}
}

func TestToolCallAccumulatorMultipleBlocks(t *testing.T) {
	acc := NewToolCallAccumulator()
	// Interleaved fragments from two concurrent blocks.
	acc.Feed(StreamEvent{Type: EventToolUseStart, Index: 0, ToolUse: &ContentBlock{ID: "tu-a", Name: "search_issues"}})
	acc.Feed(StreamEvent{Type: EventToolUseStart, Index: 2, ToolUse: &ContentBlock{ID: "tu-b", Name: "get_issue"}})
	acc.Feed(StreamEvent{Type: EventToolInputJSON, Index: 2, Content: `{"id":"PROJ-1"}`})
	acc.Feed(StreamEvent{Type: EventToolInputJSON, Index: 0, Content: `{"query":"bug"}`})

	calls, err := acc.ToolCalls()
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	// Block-open order, not fragment order.
	if calls[0].Name != "search_issues" || calls[1].Name != "get_issue" {
		t.Fatalf("order: %s, %s", calls[0].Name, calls[1].Name)
	}
	if calls[0].Input["query"] != "bug" || calls[1].Input["id"] != "PROJ-1" {
		t.Fatalf("inputs crossed: %v / %v", calls[0].Input, calls[1].Input)
	}
}

func TestToolCallAccumulatorEmptyInput(t *testing.T) {
	acc := NewToolCallAccumulator()
	acc.Feed(StreamEvent{Type: EventToolUseStart, Index: 0, ToolUse: &ContentBlock{ID: "tu-1", Name: "list_all"}})

	calls, err := acc.ToolCalls()
	if err != nil {
		t.Fatal(err)
	}
	// No fragments means an empty object, not nil.
	if calls[0].Input == nil || len(calls[0].Input) != 0 {
		t.Fatalf("input = %v, want empty map", calls[0].Input)
	}
}

func TestToolCallAccumulatorMalformedInput(t *testing.T) {
	acc := NewToolCallAccumulator()
	acc.Feed(StreamEvent{Type: EventToolUseStart, Index: 0, ToolUse: &ContentBlock{ID: "tu-1", Name: "update_issue"}})
	acc.Feed(StreamEvent{Type: EventToolInputJSON, Index: 0, Content: `{"id": truncated`})
	acc.Feed(StreamEvent{Type: EventToolUseStart, Index: 1, ToolUse: &ContentBlock{ID: "tu-2", Name: "get_issue"}})
	acc.Feed(StreamEvent{Type: EventToolInputJSON, Index: 1, Content: `{"id":"PROJ-1"}`})

	calls, err := acc.ToolCalls()
	if err == nil {
		t.Fatal("expected parse error for malformed fragment")
	}
	// The malformed call is kept with nil Input; the good one is intact.
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if calls[0].Input != nil {
		t.Fatalf("malformed call input = %v, want nil", calls[0].Input)
	}
	if calls[1].Input["id"] != "PROJ-1" {
		t.Fatalf("well-formed call lost: %v", calls[1].Input)
	}
}

func TestMessageText(t *testing.T) {
	m := Message{Role: RoleAssistant, Blocks: []ContentBlock{
		TextBlock("Hello, "),
		ToolUseBlock("tu-1", "search_issues", nil),
		TextBlock("world"),
	}}
	if got := m.Text(); got != "Hello, world" {
		t.Fatalf("Text() = %q", got)
	}
}

// fixedProvider returns a canned response for adapter tests.
type fixedProvider struct {
	resp *Response
	err  error
}

func (p *fixedProvider) Name() string { return "fixed" }
func (p *fixedProvider) SendMessage(context.Context, *Request) (*Response, error) {
	return p.resp, p.err
}

func TestNonStreamingAdapterReplay(t *testing.T) {
	adapter := &NonStreamingAdapter{Provider: &fixedProvider{resp: &Response{
		Blocks: []ContentBlock{
			TextBlock("Let me check."),
			ToolUseBlock("tu-1", "search_issues", map[string]any{"query": "open"}),
		},
	}}}

	events := make(chan StreamEvent, 16)
	if err := adapter.StreamMessage(context.Background(), &Request{}, events); err != nil {
		t.Fatalf("StreamMessage: %v", err)
	}

	var text string
	acc := NewToolCallAccumulator()
	var done bool
	for ev := range events {
		switch ev.Type {
		case EventText:
			text += ev.Content
		case EventToolUseStart, EventToolInputJSON:
			acc.Feed(ev)
		case EventDone:
			done = true
		}
	}
	if !done {
		t.Fatal("done event missing")
	}
	if text != "Let me check." {
		t.Fatalf("text = %q", text)
	}

	calls, err := acc.ToolCalls()
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 1 || calls[0].Input["query"] != "open" {
		t.Fatalf("replayed tool call = %+v", calls)
	}
}

func TestNonStreamingAdapterError(t *testing.T) {
	wantErr := fmt.Errorf("upstream down")
	adapter := &NonStreamingAdapter{Provider: &fixedProvider{err: wantErr}}

	events := make(chan StreamEvent, 4)
	err := adapter.StreamMessage(context.Background(), &Request{}, events)
	if err == nil {
		t.Fatal("expected error")
	}

	var sawError bool
	for ev := range events {
		if ev.Type == EventError && ev.Error != nil {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("error event missing from stream")
	}
}
