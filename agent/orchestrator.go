package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"

	"querychat/ratelimit"
	"querychat/realtime"
	"querychat/worker"
	"querychat/workerpool"
)

// maxToolRounds bounds the tool-calling loop so a model that keeps asking
// for tools cannot spin forever.
const maxToolRounds = 8

const systemPrompt = `You are a data analyst assistant. You answer questions about the user's datasets by writing read-only SQL with the execute_sql tool and visualizing results with the create_chart tool. Query before you answer; never invent numbers. When a query fails, fix it and retry or explain the problem. Keep answers concise and, when useful, end with follow-up suggestions the user could explore next.`

// RateLimitExceededError denies a turn before any LLM cost is incurred.
type RateLimitExceededError struct {
	Status *ratelimit.Status
}

func (e *RateLimitExceededError) Error() string {
	return fmt.Sprintf("token limit reached, resets in %ds", e.Status.ResetsInSeconds)
}

// TurnRequest starts one assistant turn.
type TurnRequest struct {
	UserID         string
	ConversationID string
	Content        string
	Datasets       []worker.DatasetRef
	History        []*schema.Message
}

// TurnResult is the finalized outcome of a turn. On error paths it still
// carries whatever content had accumulated; partial answers are never
// discarded.
type TurnResult struct {
	MessageID    string
	Content      string
	Reasoning    string
	Executions   []SQLExecution
	Followups    []string
	InputTokens  int64
	OutputTokens int64
	RateLimit    *ratelimit.Status
}

// Orchestrator runs chat turns. One instance serves all conversations;
// per-conversation streaming state lives in the states map and turns in
// different conversations proceed concurrently.
type Orchestrator struct {
	model        model.ChatModel
	pool         *workerpool.Pool
	limiter      *ratelimit.Service
	hub          *realtime.Hub
	pageSize     int
	queryTimeout time.Duration
	log          func(string)

	mu     sync.Mutex
	states map[string]*StreamState
}

// NewOrchestrator wires the orchestrator's collaborators.
func NewOrchestrator(chatModel model.ChatModel, pool *workerpool.Pool, limiter *ratelimit.Service, hub *realtime.Hub, pageSize int, queryTimeout time.Duration, log func(string)) *Orchestrator {
	if log == nil {
		log = func(string) {}
	}
	if pageSize <= 0 {
		pageSize = 100
	}
	return &Orchestrator{
		model:        chatModel,
		pool:         pool,
		limiter:      limiter,
		hub:          hub,
		pageSize:     pageSize,
		queryTimeout: queryTimeout,
		log:          log,
		states:       make(map[string]*StreamState),
	}
}

func (o *Orchestrator) publish(userID, cid string, typ realtime.EventType, payload any) {
	if o.hub == nil {
		return
	}
	o.hub.Publish(userID, &realtime.Event{Type: typ, ConversationID: cid, Payload: payload})
}

// beginTurn creates the conversation's StreamState. A newer turn on the same
// conversation displaces the older one's map entry; the older turn still
// finalizes against its own state pointer.
func (o *Orchestrator) beginTurn(cid, messageID string) *StreamState {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := newStreamState(messageID)
	o.states[cid] = st
	return st
}

// clearTurn removes a turn's state, but only if it still owns the map entry.
// A displaced turn clearing after its successor began must not delete the
// successor's state.
func (o *Orchestrator) clearTurn(cid string, st *StreamState) {
	o.mu.Lock()
	if o.states[cid] == st {
		delete(o.states, cid)
	}
	o.mu.Unlock()
}

// StreamStateFor exposes a conversation's live state, if any.
func (o *Orchestrator) StreamStateFor(cid string) *StreamState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.states[cid]
}

// RunTurn executes one full assistant turn: admission check, the LLM
// tool-calling loop, finalization, and usage accounting.
func (o *Orchestrator) RunTurn(ctx context.Context, req *TurnRequest) (*TurnResult, error) {
	// Admission: denied turns never reach the model.
	status, err := o.limiter.CheckLimit(req.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to check rate limit: %v", err)
	}
	if !status.Allowed {
		o.publish(req.UserID, req.ConversationID, realtime.EventRateLimitExceeded, map[string]any{
			"resets_in_seconds": status.ResetsInSeconds,
			"usage_percent":     100.0,
		})
		return nil, &RateLimitExceededError{Status: status}
	}

	messageID := uuid.New().String()
	state := o.beginTurn(req.ConversationID, messageID)

	sqlTool := NewExecuteSQLTool(o.pool, req.Datasets, o.pageSize, o.queryTimeout)
	chartTool := NewCreateChartTool()
	sqlInfo, _ := sqlTool.Info(ctx)
	chartInfo, _ := chartTool.Info(ctx)
	if err := o.model.BindTools([]*schema.ToolInfo{sqlInfo, chartInfo}); err != nil {
		o.clearTurn(req.ConversationID, state)
		return nil, fmt.Errorf("failed to bind tools: %v", err)
	}

	messages := make([]*schema.Message, 0, len(req.History)+2)
	messages = append(messages, &schema.Message{Role: schema.System, Content: systemPrompt})
	messages = append(messages, req.History...)
	messages = append(messages, &schema.Message{Role: schema.User, Content: req.Content})

	var executions []SQLExecution
	var inputTokens, outputTokens int64

	for round := 0; round < maxToolRounds; round++ {
		reader, err := o.model.Stream(ctx, messages)
		if err != nil {
			return o.finalizeError(req, state, executions, inputTokens, outputTokens,
				fmt.Errorf("model call failed: %v", err))
		}

		roundContent, toolCalls, usage, err := o.consumeStream(reader, req, state)
		if err != nil {
			return o.finalizeError(req, state, executions, inputTokens, outputTokens,
				fmt.Errorf("stream interrupted: %v", err))
		}

		if usage != nil {
			inputTokens += int64(usage.PromptTokens)
			outputTokens += int64(usage.CompletionTokens)
		} else {
			inputTokens += estimateTokens(messages)
			outputTokens += int64(len(roundContent) / 4)
		}

		messages = append(messages, &schema.Message{
			Role:      schema.Assistant,
			Content:   roundContent,
			ToolCalls: toolCalls,
		})

		if len(toolCalls) == 0 {
			return o.finalizeComplete(req, state, executions, inputTokens, outputTokens)
		}

		for _, tc := range toolCalls {
			result := o.runToolCall(ctx, req, state, sqlTool, &executions, tc)
			messages = append(messages, &schema.Message{
				Role:       schema.Tool,
				ToolCallID: tc.ID,
				Content:    result,
			})
		}
	}

	return o.finalizeError(req, state, executions, inputTokens, outputTokens,
		fmt.Errorf("turn exceeded %d tool rounds", maxToolRounds))
}

// consumeStream drains one model response, emitting token events as phases
// occur: reasoning tokens first when the model thinks out loud, then answer
// tokens, with an explicit reasoning-complete boundary between them.
func (o *Orchestrator) consumeStream(reader *schema.StreamReader[*schema.Message], req *TurnRequest, state *StreamState) (string, []schema.ToolCall, *schema.TokenUsage, error) {
	defer reader.Close()

	var roundContent string
	var acc toolCallAccumulator
	var usage *schema.TokenUsage

	for {
		msg, err := reader.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return roundContent, nil, usage, err
		}

		if msg.ReasoningContent != "" {
			if !state.IsReasoning {
				state.IsReasoning = true
			}
			state.appendReasoning(msg.ReasoningContent)
			o.publish(req.UserID, req.ConversationID, realtime.EventReasoningToken,
				map[string]string{"token": msg.ReasoningContent})
		}

		if msg.Content != "" {
			o.endReasoning(req, state)
			state.appendAnswer(msg.Content)
			roundContent += msg.Content
			o.publish(req.UserID, req.ConversationID, realtime.EventAnswerToken,
				map[string]string{"token": msg.Content})
		}

		if len(msg.ToolCalls) > 0 {
			acc.add(msg.ToolCalls)
		}
		if msg.ResponseMeta != nil && msg.ResponseMeta.Usage != nil {
			usage = msg.ResponseMeta.Usage
		}
	}

	// A round can end while still reasoning (straight into a tool call).
	o.endReasoning(req, state)

	return roundContent, acc.calls, usage, nil
}

func (o *Orchestrator) endReasoning(req *TurnRequest, state *StreamState) {
	if state.IsReasoning {
		state.IsReasoning = false
		o.publish(req.UserID, req.ConversationID, realtime.EventReasoningComplete, nil)
	}
}

// runToolCall dispatches one tool call and returns the content for the tool
// role message. Tool failures are inline results, never turn failures.
func (o *Orchestrator) runToolCall(ctx context.Context, req *TurnRequest, state *StreamState, sqlTool *ExecuteSQLTool, executions *[]SQLExecution, tc schema.ToolCall) string {
	state.PendingToolCall = tc.Function.Name
	defer func() { state.PendingToolCall = "" }()

	o.publish(req.UserID, req.ConversationID, realtime.EventToolCallStart, map[string]string{
		"id":   tc.ID,
		"name": tc.Function.Name,
	})

	switch tc.Function.Name {
	case "execute_sql":
		var in sqlToolInput
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &in); err != nil {
			return fmt.Sprintf(`{"error":"invalid execute_sql arguments: %v"}`, err)
		}

		o.publish(req.UserID, req.ConversationID, realtime.EventQueryProgress, map[string]any{
			"status": "running",
			"query":  in.Query,
		})

		exec, err := sqlTool.Execute(ctx, in.Query, in.Page)
		if err != nil {
			o.log(fmt.Sprintf("[orchestrator] query submission failed: %v", err))
			return fmt.Sprintf(`{"error":"query could not be scheduled: %v"}`, err)
		}

		exec.Index = len(*executions)
		*executions = append(*executions, *exec)

		progress := map[string]any{"status": "done", "index": exec.Index, "total_rows": exec.TotalRows}
		if exec.Error != nil {
			progress["status"] = "error"
			progress["error"] = exec.Error.Message
		}
		o.publish(req.UserID, req.ConversationID, realtime.EventQueryProgress, progress)

		return marshalExecutionForModel(exec)

	case "create_chart":
		spec, idx, err := parseChartSpec(tc.Function.Arguments, len(*executions)-1)
		if err != nil {
			return fmt.Sprintf(`{"error":"%v"}`, err)
		}
		if idx < 0 {
			return `{"error":"no query execution to chart yet; run execute_sql first"}`
		}
		state.PendingChartSpecs[idx] = spec
		o.publish(req.UserID, req.ConversationID, realtime.EventChartSpec, map[string]any{
			"executionIndex": idx,
			"spec":           spec,
		})
		return `{"status":"chart specification accepted"}`

	default:
		return fmt.Sprintf(`{"error":"unknown tool %q"}`, tc.Function.Name)
	}
}

// finalizeComplete runs the happy-path finalize: merge pending chart specs,
// record usage, re-check the limiter, and emit turn-complete before the
// state is cleared.
func (o *Orchestrator) finalizeComplete(req *TurnRequest, state *StreamState, executions []SQLExecution, inputTokens, outputTokens int64) (*TurnResult, error) {
	merged := MergeChartSpecs(executions, state.PendingChartSpecs)
	content := state.Answer()
	reasoning := state.Reasoning()

	if err := o.limiter.RecordUsage(req.UserID, inputTokens, outputTokens); err != nil {
		o.log(fmt.Sprintf("[orchestrator] failed to record usage: %v", err))
	}
	status, err := o.limiter.CheckLimit(req.UserID)
	if err != nil {
		o.log(fmt.Sprintf("[orchestrator] failed to re-check rate limit: %v", err))
		status = nil
	}

	followups := ExtractFollowups(content)
	if len(followups) > 0 {
		o.publish(req.UserID, req.ConversationID, realtime.EventFollowupSuggestions, map[string]any{
			"suggestions": followups,
		})
	}

	complete := map[string]any{
		"message_id":    state.StreamingMessageID,
		"executions":    merged,
		"input_tokens":  inputTokens,
		"output_tokens": outputTokens,
	}
	if status != nil {
		complete["usage_percent"] = status.UsagePercent
		if status.Warning {
			complete["rate_limit_warning"] = true
			o.publish(req.UserID, req.ConversationID, realtime.EventRateLimitWarning, map[string]any{
				"usage_percent":    status.UsagePercent,
				"remaining_tokens": status.RemainingTokens,
			})
		}
		o.publish(req.UserID, "", realtime.EventUsageUpdate, status)
	}
	o.publish(req.UserID, req.ConversationID, realtime.EventTurnComplete, complete)

	o.clearTurn(req.ConversationID, state)

	return &TurnResult{
		MessageID:    state.StreamingMessageID,
		Content:      content,
		Reasoning:    reasoning,
		Executions:   merged,
		Followups:    followups,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		RateLimit:    status,
	}, nil
}

// finalizeError runs the same finalize-then-clear path for failed turns:
// partial content is kept, pending chart specs are still merged, and the
// error is surfaced only after the state is flushed.
func (o *Orchestrator) finalizeError(req *TurnRequest, state *StreamState, executions []SQLExecution, inputTokens, outputTokens int64, turnErr error) (*TurnResult, error) {
	merged := MergeChartSpecs(executions, state.PendingChartSpecs)
	content := state.Answer()

	if inputTokens > 0 || outputTokens > 0 {
		if err := o.limiter.RecordUsage(req.UserID, inputTokens, outputTokens); err != nil {
			o.log(fmt.Sprintf("[orchestrator] failed to record usage: %v", err))
		}
	}

	o.publish(req.UserID, req.ConversationID, realtime.EventTurnError, map[string]any{
		"message_id":      state.StreamingMessageID,
		"error":           turnErr.Error(),
		"partial_content": content,
		"executions":      merged,
	})

	o.clearTurn(req.ConversationID, state)
	o.log(fmt.Sprintf("[orchestrator] turn failed for conversation %s: %v", req.ConversationID, turnErr))

	return &TurnResult{
		MessageID:    state.StreamingMessageID,
		Content:      content,
		Reasoning:    state.Reasoning(),
		Executions:   merged,
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
	}, turnErr
}

// toolCallAccumulator reassembles streamed tool-call deltas into complete
// calls, keyed by the provider-assigned index.
type toolCallAccumulator struct {
	calls []schema.ToolCall
}

func (a *toolCallAccumulator) add(deltas []schema.ToolCall) {
	for _, d := range deltas {
		idx := len(a.calls)
		if d.Index != nil {
			idx = *d.Index
		}
		for idx >= len(a.calls) {
			a.calls = append(a.calls, schema.ToolCall{})
		}
		c := &a.calls[idx]
		if d.ID != "" {
			c.ID = d.ID
		}
		if d.Type != "" {
			c.Type = d.Type
		}
		if d.Function.Name != "" {
			c.Function.Name = d.Function.Name
		}
		c.Function.Arguments += d.Function.Arguments
	}
}

// estimateTokens is the fallback when a provider reports no usage. Four
// characters per token is the usual rough cut for English text.
func estimateTokens(messages []*schema.Message) int64 {
	var chars int
	for _, m := range messages {
		chars += len(m.Content)
	}
	return int64(chars / 4)
}
