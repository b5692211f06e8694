package sqlite

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/idhini/internal/action"
	"github.com/jkaninda/idhini/internal/llm"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logger)
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrating: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testProposal(conversationID string) *action.Proposal {
	now := time.Now().UTC().Truncate(time.Millisecond)
	args := map[string]any{"issue_id": "PROJ-42", "status": "closed"}
	return &action.Proposal{
		ID:             uuid.New().String(),
		IdempotencyKey: action.IdempotencyKey(conversationID, "update_issue", args, now),
		ConversationID: conversationID,
		MessageID:      uuid.New().String(),
		ToolName:       "update_issue",
		Arguments:      args,
		Category:       "issues",
		Description:    "Update issue PROJ-42",
		Preview: []action.PreviewField{
			{Field: "status", OldValue: "open", NewValue: "closed"},
		},
		State:     action.StateProposed,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestProposalRepository_CreateGet(t *testing.T) {
	s := testStore(t)
	repo := s.Proposals()
	ctx := context.Background()

	want := testProposal("conv-1")
	if err := repo.Create(ctx, want); err != nil {
		t.Fatalf("creating proposal: %v", err)
	}

	got, err := repo.Get(ctx, want.ID)
	if err != nil {
		t.Fatalf("getting proposal: %v", err)
	}
	if got.State != action.StateProposed {
		t.Errorf("state = %q, want %q", got.State, action.StateProposed)
	}
	if got.ToolName != want.ToolName {
		t.Errorf("tool name = %q, want %q", got.ToolName, want.ToolName)
	}
	if got.Arguments["issue_id"] != "PROJ-42" {
		t.Errorf("arguments round-trip lost issue_id: %v", got.Arguments)
	}
	if len(got.Preview) != 1 || got.Preview[0].NewValue != "closed" {
		t.Errorf("preview round-trip mismatch: %+v", got.Preview)
	}
}

func TestProposalRepository_GetNotFound(t *testing.T) {
	s := testStore(t)

	_, err := s.Proposals().Get(context.Background(), "missing")
	if !errors.Is(err, action.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestProposalRepository_DuplicateIdempotencyKey(t *testing.T) {
	s := testStore(t)
	repo := s.Proposals()
	ctx := context.Background()

	first := testProposal("conv-1")
	if err := repo.Create(ctx, first); err != nil {
		t.Fatalf("creating first proposal: %v", err)
	}

	dup := testProposal("conv-2")
	dup.IdempotencyKey = first.IdempotencyKey
	if err := repo.Create(ctx, dup); !errors.Is(err, action.ErrDuplicateKey) {
		t.Fatalf("err = %v, want ErrDuplicateKey", err)
	}
}

func TestProposalRepository_ListByConversation(t *testing.T) {
	s := testStore(t)
	repo := s.Proposals()
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Millisecond)
	for i := 0; i < 3; i++ {
		p := testProposal("conv-1")
		p.CreatedAt = base.Add(time.Duration(i) * time.Second)
		p.ToolName = []string{"create_issue", "update_issue", "close_issue"}[i]
		p.IdempotencyKey = action.IdempotencyKey("conv-1", p.ToolName, p.Arguments, p.CreatedAt)
		if err := repo.Create(ctx, p); err != nil {
			t.Fatalf("creating proposal %d: %v", i, err)
		}
	}
	other := testProposal("conv-2")
	if err := repo.Create(ctx, other); err != nil {
		t.Fatalf("creating other-conversation proposal: %v", err)
	}

	got, err := repo.ListByConversation(ctx, "conv-1")
	if err != nil {
		t.Fatalf("listing proposals: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	wantOrder := []string{"create_issue", "update_issue", "close_issue"}
	for i, p := range got {
		if p.ToolName != wantOrder[i] {
			t.Errorf("proposal %d tool = %q, want %q", i, p.ToolName, wantOrder[i])
		}
	}
}

func TestProposalRepository_Transition(t *testing.T) {
	s := testStore(t)
	repo := s.Proposals()
	ctx := context.Background()

	p := testProposal("conv-1")
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("creating proposal: %v", err)
	}

	got, err := repo.Transition(ctx, p.ID, action.StateProposed, action.StateApproved, nil)
	if err != nil {
		t.Fatalf("transitioning: %v", err)
	}
	if got.State != action.StateApproved {
		t.Errorf("state = %q, want approved", got.State)
	}

	// Wrong source state loses the compare-and-set.
	if _, err := repo.Transition(ctx, p.ID, action.StateProposed, action.StateDeclined, nil); !errors.Is(err, action.ErrNotFound) {
		t.Fatalf("stale transition err = %v, want ErrNotFound", err)
	}

	// Mutate payload is persisted alongside the state change.
	got, err = repo.Transition(ctx, p.ID, action.StateApproved, action.StateExecuting, nil)
	if err != nil {
		t.Fatalf("marking executing: %v", err)
	}
	got, err = repo.Transition(ctx, p.ID, action.StateExecuting, action.StateSucceeded, func(row *action.Proposal) {
		row.Result = "Updated issue PROJ-42"
		row.ResultURL = "https://issues.example.com/PROJ-42"
	})
	if err != nil {
		t.Fatalf("marking succeeded: %v", err)
	}
	if got.Result != "Updated issue PROJ-42" {
		t.Errorf("result = %q", got.Result)
	}

	reread, err := repo.Get(ctx, p.ID)
	if err != nil {
		t.Fatalf("re-reading: %v", err)
	}
	if reread.ResultURL != "https://issues.example.com/PROJ-42" {
		t.Errorf("result url not persisted: %q", reread.ResultURL)
	}
}

func TestProposalRepository_TransitionSingleWinner(t *testing.T) {
	s := testStore(t)
	repo := s.Proposals()
	ctx := context.Background()

	p := testProposal("conv-1")
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("creating proposal: %v", err)
	}

	const numWorkers = 8
	var wins atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func() {
			defer wg.Done()
			if _, err := repo.Transition(ctx, p.ID, action.StateProposed, action.StateApproved, nil); err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Fatalf("winners = %d, want exactly 1", wins.Load())
	}
}

func TestProposalRepository_ListStale(t *testing.T) {
	s := testStore(t)
	repo := s.Proposals()
	ctx := context.Background()

	now := time.Now().UTC()
	old := testProposal("conv-1")
	old.CreatedAt = now.Add(-2 * time.Hour)
	fresh := testProposal("conv-1")
	fresh.IdempotencyKey = action.IdempotencyKey("conv-1", "update_issue", fresh.Arguments, fresh.CreatedAt.Add(time.Nanosecond))
	for _, p := range []*action.Proposal{old, fresh} {
		if err := repo.Create(ctx, p); err != nil {
			t.Fatalf("creating proposal: %v", err)
		}
	}

	ids, err := repo.ListStale(ctx, action.StateProposed, now.Add(-time.Hour))
	if err != nil {
		t.Fatalf("listing stale: %v", err)
	}
	if len(ids) != 1 || ids[0] != old.ID {
		t.Fatalf("stale ids = %v, want [%s]", ids, old.ID)
	}
}

func TestConversationRepository_AppendAndLoad(t *testing.T) {
	s := testStore(t)
	repo := s.Conversations()
	ctx := context.Background()

	if err := repo.GetOrCreate(ctx, "conv-1"); err != nil {
		t.Fatalf("creating conversation: %v", err)
	}
	// Idempotent.
	if err := repo.GetOrCreate(ctx, "conv-1"); err != nil {
		t.Fatalf("re-creating conversation: %v", err)
	}

	msgs := []llm.Message{
		{Role: llm.RoleUser, Blocks: []llm.ContentBlock{llm.TextBlock("close PROJ-42")}},
		{Role: llm.RoleAssistant, Blocks: []llm.ContentBlock{
			llm.TextBlock("Closing it now."),
			llm.ToolUseBlock("tu_1", "update_issue", map[string]any{"issue_id": "PROJ-42"}),
		}},
	}
	if err := repo.AppendMessages(ctx, "conv-1", msgs); err != nil {
		t.Fatalf("appending messages: %v", err)
	}
	if err := repo.AppendMessages(ctx, "conv-1", []llm.Message{
		{Role: llm.RoleUser, Blocks: []llm.ContentBlock{llm.ToolResultBlock("tu_1", "done", false)}},
	}); err != nil {
		t.Fatalf("appending second batch: %v", err)
	}

	history, err := repo.LoadHistory(ctx, "conv-1", 0)
	if err != nil {
		t.Fatalf("loading history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("len(history) = %d, want 3", len(history))
	}
	if history[0].Role != llm.RoleUser || history[0].Text() != "close PROJ-42" {
		t.Errorf("first message mismatch: %+v", history[0])
	}
	var calls []llm.ContentBlock
	for _, b := range history[1].Blocks {
		if b.Type == llm.BlockToolUse {
			calls = append(calls, b)
		}
	}
	if len(calls) != 1 || calls[0].Name != "update_issue" {
		t.Errorf("tool_use block lost in round trip: %+v", history[1].Blocks)
	}
	if calls[0].Input["issue_id"] != "PROJ-42" {
		t.Errorf("tool input lost: %v", calls[0].Input)
	}
}

func TestConversationRepository_LoadHistoryWindow(t *testing.T) {
	s := testStore(t)
	repo := s.Conversations()
	ctx := context.Background()

	if err := repo.GetOrCreate(ctx, "conv-1"); err != nil {
		t.Fatalf("creating conversation: %v", err)
	}
	for i := 0; i < 5; i++ {
		msg := llm.Message{Role: llm.RoleUser, Blocks: []llm.ContentBlock{llm.TextBlock(string(rune('a' + i)))}}
		if err := repo.AppendMessages(ctx, "conv-1", []llm.Message{msg}); err != nil {
			t.Fatalf("appending message %d: %v", i, err)
		}
	}

	history, err := repo.LoadHistory(ctx, "conv-1", 2)
	if err != nil {
		t.Fatalf("loading history: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("len(history) = %d, want 2", len(history))
	}
	// Most recent two, oldest first.
	if history[0].Text() != "d" || history[1].Text() != "e" {
		t.Errorf("window = [%q, %q], want [d, e]", history[0].Text(), history[1].Text())
	}
}
