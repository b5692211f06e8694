package conversation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/jkaninda/idhini/internal/approval"
	"github.com/jkaninda/idhini/internal/llm"
	"github.com/jkaninda/idhini/internal/observability"
	"github.com/jkaninda/idhini/internal/tools"
)

// DefaultMaxIterations is the safety guard against unbounded tool-use
// loops within a single user turn.
const DefaultMaxIterations = 10

// Loop drives one user turn at a time: stream the model's output,
// execute read tools inline, intercept write tools into proposals, and
// feed results back until the model stops requesting tools.
type Loop struct {
	provider      llm.StreamingProvider
	registry      *tools.Registry
	approvals     *approval.Manager
	store         Store
	broker        *Broker
	logger        *slog.Logger
	systemPrompt  string
	maxIterations int
	maxTokens     int
	maxHistory    int
	metrics       *observability.Metrics // nil = metrics disabled
}

// NewLoop creates a conversation loop. The system prompt is extended
// with the registry's capability summary so the model's self-description
// never drifts from the tools actually registered.
func NewLoop(provider llm.StreamingProvider, registry *tools.Registry, approvals *approval.Manager, store Store, broker *Broker, logger *slog.Logger, systemPrompt string) *Loop {
	return &Loop{
		provider:     provider,
		registry:     registry,
		approvals:    approvals,
		store:        store,
		broker:       broker,
		logger:       logger,
		systemPrompt: systemPrompt + "\n\n" + tools.CapabilityPrompt(registry),
	}
}

// WithLimits overrides the iteration, token, and history caps. Zero
// values keep the defaults.
func (l *Loop) WithLimits(maxIterations, maxTokens, maxHistory int) *Loop {
	l.maxIterations = maxIterations
	l.maxTokens = maxTokens
	l.maxHistory = maxHistory
	return l
}

// WithMetrics attaches Prometheus metrics.
func (l *Loop) WithMetrics(met *observability.Metrics) *Loop {
	l.metrics = met
	return l
}

// TurnResult summarizes a completed user turn.
type TurnResult struct {
	MessageID  string
	Text       string
	Iterations int
}

// ProcessMessage runs one user turn, publishing events to the broker as
// they occur. The message id is generated before streaming starts so
// proposals created mid-stream already carry it.
func (l *Loop) ProcessMessage(ctx context.Context, conversationID, userMessage string) (*TurnResult, error) {
	messageID := uuid.New().String()

	l.logger.InfoContext(ctx, "processing message",
		slog.String("conversation_id", conversationID),
		slog.String("message_id", messageID),
	)

	if err := l.store.GetOrCreate(ctx, conversationID); err != nil {
		return nil, l.fail(conversationID, fmt.Errorf("loading conversation: %w", err))
	}
	history, err := l.store.LoadHistory(ctx, conversationID, l.historyCap())
	if err != nil {
		return nil, l.fail(conversationID, fmt.Errorf("loading history: %w", err))
	}

	history = append(history, llm.Message{
		Role:   llm.RoleUser,
		Blocks: []llm.ContentBlock{llm.TextBlock(userMessage)},
	})
	historyStart := len(history) - 1

	toolDefs := l.registry.LLMDefinitions()
	maxIter := l.iterationCap()

	var finalText string
	rounds := 0
	exhausted := true
	for iter := 0; iter < maxIter; iter++ {
		rounds++
		assistantBlocks, text, err := l.streamOnce(ctx, conversationID, history, toolDefs)
		if err != nil {
			l.persist(ctx, conversationID, history[historyStart:])
			return nil, l.fail(conversationID, err)
		}
		finalText += text

		history = append(history, llm.Message{Role: llm.RoleAssistant, Blocks: assistantBlocks})

		toolCalls := toolUseBlocks(assistantBlocks)
		if len(toolCalls) == 0 {
			exhausted = false
			break
		}

		l.logger.InfoContext(ctx, "handling tool calls",
			slog.Int("iteration", iter+1),
			slog.Int("tool_calls", len(toolCalls)),
			slog.String("conversation_id", conversationID),
		)

		resultBlocks := l.handleToolCalls(ctx, conversationID, messageID, toolCalls)
		history = append(history, llm.Message{Role: llm.RoleUser, Blocks: resultBlocks})
	}

	if exhausted {
		l.logger.WarnContext(ctx, "max tool-use iterations reached",
			slog.Int("max_iterations", maxIter),
			slog.String("conversation_id", conversationID),
		)
	}

	l.persist(ctx, conversationID, history[historyStart:])
	if l.metrics != nil {
		l.metrics.TurnIterations.Observe(float64(rounds))
	}

	l.broker.Publish(conversationID, Event{Type: EventDone, MessageID: messageID})
	return &TurnResult{MessageID: messageID, Text: finalText, Iterations: rounds}, nil
}

// streamOnce performs a single model round-trip, forwarding text deltas
// the moment they arrive and reassembling tool calls by block index.
func (l *Loop) streamOnce(ctx context.Context, conversationID string, history []llm.Message, toolDefs []llm.ToolDefinition) ([]llm.ContentBlock, string, error) {
	events := make(chan llm.StreamEvent)
	errc := make(chan error, 1)

	go func() {
		errc <- l.provider.StreamMessage(ctx, &llm.Request{
			SystemPrompt: l.systemPrompt,
			Messages:     history,
			MaxTokens:    l.tokenCap(),
			Tools:        toolDefs,
		}, events)
	}()

	var text string
	acc := llm.NewToolCallAccumulator()

	for ev := range events {
		switch ev.Type {
		case llm.EventText:
			text += ev.Content
			l.broker.Publish(conversationID, Event{Type: EventDelta, Content: ev.Content})
		case llm.EventToolUseStart, llm.EventToolInputJSON:
			acc.Feed(ev)
		case llm.EventError:
			// Terminal; the provider closes the channel after this.
		}
	}
	if err := <-errc; err != nil {
		return nil, "", fmt.Errorf("llm stream failed: %w", err)
	}

	var blocks []llm.ContentBlock
	if text != "" {
		blocks = append(blocks, llm.TextBlock(text))
	}
	calls, parseErr := acc.ToolCalls()
	if parseErr != nil {
		// Malformed tool input is a conversation-level problem, not a
		// transport failure. The per-call nil Input surfaces it below.
		l.logger.WarnContext(ctx, "malformed tool input in stream",
			slog.String("conversation_id", conversationID),
			slog.String("error", parseErr.Error()),
		)
	}
	blocks = append(blocks, calls...)
	return blocks, text, nil
}

// handleToolCalls routes each tool call: write tools become proposals,
// read tools execute inline. Registry and argument errors are fed back
// to the model as error tool results and never crash the turn.
func (l *Loop) handleToolCalls(ctx context.Context, conversationID, messageID string, calls []llm.ContentBlock) []llm.ContentBlock {
	results := make([]llm.ContentBlock, 0, len(calls))

	for _, call := range calls {
		if call.Input == nil {
			results = append(results, llm.ToolResultBlock(call.ID,
				fmt.Sprintf("Error: malformed arguments for tool %s", call.Name), true))
			continue
		}

		tool := l.registry.Get(call.Name)
		if tool == nil {
			results = append(results, llm.ToolResultBlock(call.ID,
				fmt.Sprintf("Error: unknown tool: %s", call.Name), true))
			continue
		}

		if l.registry.IsWriteTool(call.Name) {
			results = append(results, l.proposeAction(ctx, conversationID, messageID, call))
			continue
		}

		results = append(results, l.executeReadTool(ctx, conversationID, tool, call))
	}

	return results
}

// proposeAction intercepts a write-tool call into a proposal and returns
// the synthetic awaiting-approval tool result fed back to the model.
func (l *Loop) proposeAction(ctx context.Context, conversationID, messageID string, call llm.ContentBlock) llm.ContentBlock {
	p, err := l.approvals.CreateProposal(ctx, &approval.CreateRequest{
		ConversationID: conversationID,
		MessageID:      messageID,
		ToolName:       call.Name,
		Arguments:      call.Input,
	})
	if err != nil {
		return llm.ToolResultBlock(call.ID, fmt.Sprintf("Error: %s", err.Error()), true)
	}

	l.broker.Publish(conversationID, Event{Type: EventActionProposed, Proposal: p})

	return llm.ToolResultBlock(call.ID,
		fmt.Sprintf("Action proposed for approval (proposal id: %s). It will not run until a human approves it. Do not assume the outcome; tell the user the action is awaiting their approval.", p.ID),
		false)
}

// executeReadTool runs a read tool inline, emitting the start/result
// event bracket around the call.
func (l *Loop) executeReadTool(ctx context.Context, conversationID string, tool tools.Tool, call llm.ContentBlock) llm.ContentBlock {
	l.broker.Publish(conversationID, Event{
		Type:     EventToolCallStart,
		ToolCall: &ToolCall{ID: call.ID, Name: call.Name},
	})

	if err := tool.Validate(call.Input); err != nil {
		out := fmt.Sprintf("Error: %s", err.Error())
		l.broker.Publish(conversationID, Event{
			Type:     EventToolCallResult,
			ToolCall: &ToolCall{ID: call.ID, Name: call.Name, Result: out},
		})
		return llm.ToolResultBlock(call.ID, out, true)
	}

	outcome, err := tool.Execute(ctx, call.Input)
	if err != nil {
		out := fmt.Sprintf("Error: %s", err.Error())
		l.broker.Publish(conversationID, Event{
			Type:     EventToolCallResult,
			ToolCall: &ToolCall{ID: call.ID, Name: call.Name, Result: out},
		})
		return llm.ToolResultBlock(call.ID, out, true)
	}

	output := tools.TruncateOutput(outcome.Output, tools.MaxOutputBytes)
	l.broker.Publish(conversationID, Event{
		Type:     EventToolCallResult,
		ToolCall: &ToolCall{ID: call.ID, Name: call.Name, Result: output},
	})
	return llm.ToolResultBlock(call.ID, output, false)
}

// persist saves new messages (non-fatal on error).
func (l *Loop) persist(ctx context.Context, conversationID string, msgs []llm.Message) {
	if len(msgs) == 0 {
		return
	}
	if err := l.store.AppendMessages(ctx, conversationID, msgs); err != nil {
		l.logger.ErrorContext(ctx, "failed to persist conversation messages",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
	}
}

// fail publishes a terminal error event and returns the error.
func (l *Loop) fail(conversationID string, err error) error {
	l.broker.Publish(conversationID, Event{Type: EventError, Error: err.Error()})
	return err
}

func (l *Loop) iterationCap() int {
	if l.maxIterations > 0 {
		return l.maxIterations
	}
	return DefaultMaxIterations
}

func (l *Loop) tokenCap() int {
	if l.maxTokens > 0 {
		return l.maxTokens
	}
	return 4096
}

func (l *Loop) historyCap() int {
	if l.maxHistory > 0 {
		return l.maxHistory
	}
	return DefaultMaxHistoryMessages
}

func toolUseBlocks(blocks []llm.ContentBlock) []llm.ContentBlock {
	var calls []llm.ContentBlock
	for _, b := range blocks {
		if b.Type == llm.BlockToolUse {
			calls = append(calls, b)
		}
	}
	return calls
}
