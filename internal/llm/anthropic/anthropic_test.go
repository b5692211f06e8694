package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jkaninda/idhini/internal/llm"
)

func testClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewClient("test-key", "claude-test-1", logger, WithBaseURL(srv.URL))
}

func TestSendMessage(t *testing.T) {
	var gotBody apiRequest
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != messagesPath {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-API-Key") != "test-key" {
			t.Errorf("api key header = %q", r.Header.Get("X-API-Key"))
		}
		if r.Header.Get("Anthropic-Version") != apiVersion {
			t.Errorf("version header = %q", r.Header.Get("Anthropic-Version"))
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &gotBody)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "Hello!"},
			},
			"stop_reason": "end_turn",
			"usage":       map[string]int{"input_tokens": 10, "output_tokens": 5},
		})
	})

	resp, err := client.SendMessage(context.Background(), &llm.Request{
		SystemPrompt: "Be helpful.",
		Messages: []llm.Message{
			{Role: llm.RoleUser, Blocks: []llm.ContentBlock{llm.TextBlock("hi")}},
		},
		Tools: []llm.ToolDefinition{{Name: "search_issues", InputSchema: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if resp.Text() != "Hello!" {
		t.Fatalf("text = %q", resp.Text())
	}
	if resp.StopReason != "end_turn" || resp.Usage.OutputTokens != 5 {
		t.Fatalf("resp = %+v", resp)
	}

	if gotBody.Model != "claude-test-1" || gotBody.System != "Be helpful." {
		t.Fatalf("request body = %+v", gotBody)
	}
	if len(gotBody.Tools) != 1 || gotBody.Tools[0].Name != "search_issues" {
		t.Fatalf("tools = %+v", gotBody.Tools)
	}
	if gotBody.MaxTokens != defaultMaxToken {
		t.Fatalf("max_tokens = %d, want default", gotBody.MaxTokens)
	}
}

func TestSendMessageToolUseResponse(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": "Checking."},
				{"type": "tool_use", "id": "tu-1", "name": "get_issue", "input": map[string]any{"id": "PROJ-1"}},
			},
			"stop_reason": "tool_use",
		})
	})

	resp, err := client.SendMessage(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatal(err)
	}
	calls := resp.ToolUseBlocks()
	if len(calls) != 1 || calls[0].Name != "get_issue" || calls[0].Input["id"] != "PROJ-1" {
		t.Fatalf("tool calls = %+v", calls)
	}
}

func TestSendMessageAPIError(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_error"}}`)
	})

	_, err := client.SendMessage(context.Background(), &llm.Request{})
	if err == nil {
		t.Fatal("expected API error")
	}
}

func TestStreamMessage(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &req)
		if !req.Stream {
			t.Error("stream flag not set")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		lines := []string{
			`data: {"type":"message_start"}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me "}}`,
			`data: {"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"check."}}`,
			`data: {"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"tu-1","name":"search_issues"}}`,
			`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"query\":"}}`,
			`data: {"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"open\"}"}}`,
			`data: {"type":"content_block_stop","index":1}`,
			`data: {"type":"message_stop"}`,
		}
		for _, line := range lines {
			fmt.Fprintf(w, "%s\n\n", line)
		}
	})

	events := make(chan llm.StreamEvent, 32)
	err := client.StreamMessage(context.Background(), &llm.Request{MaxTokens: 1024}, events)
	if err != nil {
		t.Fatalf("StreamMessage: %v", err)
	}

	var text string
	acc := llm.NewToolCallAccumulator()
	var done bool
	for ev := range events {
		switch ev.Type {
		case llm.EventText:
			text += ev.Content
		case llm.EventToolUseStart, llm.EventToolInputJSON:
			acc.Feed(ev)
		case llm.EventDone:
			done = true
		case llm.EventError:
			t.Fatalf("unexpected error event: %v", ev.Error)
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
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].ID != "tu-1" || calls[0].Input["query"] != "open" {
		t.Fatalf("reassembled call = %+v", calls[0])
	}
}

func TestStreamMessageHTTPError(t *testing.T) {
	client := testClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		fmt.Fprint(w, "overloaded")
	})

	events := make(chan llm.StreamEvent, 4)
	err := client.StreamMessage(context.Background(), &llm.Request{}, events)
	if err == nil {
		t.Fatal("expected error")
	}

	var sawError bool
	for ev := range events {
		if ev.Type == llm.EventError {
			sawError = true
		}
	}
	if !sawError {
		t.Fatal("error event missing")
	}
}

func TestToolResultRoundTrip(t *testing.T) {
	block := toAPIContentBlock(llm.ToolResultBlock("tu-1", "3 open issues", false))
	if block.Type != "tool_result" || block.ToolUseID != "tu-1" || block.Content != "3 open issues" {
		t.Fatalf("block = %+v", block)
	}

	errBlock := toAPIContentBlock(llm.ToolResultBlock("tu-2", "Error: boom", true))
	if !errBlock.IsError {
		t.Fatal("is_error lost")
	}
}
