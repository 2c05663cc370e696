package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nevinhive/clawgate/internal/bus"
	"github.com/nevinhive/clawgate/internal/providers"
	"github.com/nevinhive/clawgate/internal/store"
	"github.com/nevinhive/clawgate/internal/tracing"
)

// runTask executes the subagent in a goroutine, then announces its result
// to the parent agent's session over the bus (consumed by the "subagent:"
// prefix handler in the inbound message consumer).
func (sm *SubagentManager) runTask(ctx context.Context, task *SubagentTask, callback AsyncCallback) {
	iterations := sm.executeTask(ctx, task)

	if sm.msgBus != nil && task.OriginChannel != "" {
		elapsed := time.Since(time.UnixMilli(task.CreatedAt))

		if sm.announceQueue != nil {
			sessionKey := fmt.Sprintf("announce:%s:%s", task.ParentID, task.OriginChatID)
			sm.announceQueue.Enqueue(sessionKey, AnnounceQueueItem{
				SubagentID: task.ID,
				Label:      task.Label,
				Status:     task.Status,
				Result:     task.Result,
				Runtime:    elapsed,
				Iterations: iterations,
			}, AnnounceMetadata{
				OriginChannel:    task.OriginChannel,
				OriginChatID:     task.OriginChatID,
				OriginPeerKind:   task.OriginPeerKind,
				OriginUserID:     task.OriginUserID,
				ParentAgent:      task.ParentID,
				OriginTraceID:    task.OriginTraceID.String(),
				OriginRootSpanID: task.OriginRootSpanID.String(),
			})
		} else {
			announceContent := formatSubagentAnnounce(task, iterations, elapsed, sm.CountRunningForParent(task.ParentID))

			sm.msgBus.PublishInbound(bus.InboundMessage{
				Channel:  "system",
				SenderID: fmt.Sprintf("subagent:%s", task.ID),
				ChatID:   task.OriginChatID,
				Content:  announceContent,
				UserID:   task.OriginUserID,
				Metadata: map[string]string{
					"origin_channel":      task.OriginChannel,
					"origin_peer_kind":    task.OriginPeerKind,
					"parent_agent":        task.ParentID,
					"subagent_id":         task.ID,
					"subagent_label":      task.Label,
					"origin_trace_id":     task.OriginTraceID.String(),
					"origin_root_span_id": task.OriginRootSpanID.String(),
				},
			})
		}
	}

	if callback != nil {
		result := NewResult(fmt.Sprintf("Subagent '%s' completed in %d iterations.\n\nResult:\n%s",
			task.Label, iterations, task.Result))
		callback(ctx, result)
	}
}

// formatSubagentAnnounce renders a completed subagent's result for the
// parent agent's session: the label, status, and result, plus how many
// sibling tasks are still running.
func formatSubagentAnnounce(task *SubagentTask, iterations int, elapsed time.Duration, remainingActive int) string {
	status := task.Status
	suffix := ""
	if remainingActive > 0 {
		suffix = fmt.Sprintf("\n\n(%d other subagent task(s) still running)", remainingActive)
	}
	return fmt.Sprintf("Subagent '%s' %s in %d iteration(s), %s.\n\nResult:\n%s%s",
		task.Label, status, iterations, elapsed.Round(time.Second), task.Result, suffix)
}

// executeTask runs the LLM tool loop for a subagent. Returns iteration count.
func (sm *SubagentManager) executeTask(ctx context.Context, task *SubagentTask) int {
	rootSpanID := store.GenNewID()
	taskStart := time.Now().UTC()

	// Detach from the parent's cancellation chain for tracing purposes only —
	// the run itself still honors ctx cancellation in the loop below — so a
	// span is always emitted even if the caller's context is cancelled mid-run.
	traceCtx := context.Background()
	if collector := tracing.CollectorFromContext(ctx); collector != nil {
		traceCtx = tracing.WithCollector(traceCtx, collector)
		traceCtx = tracing.WithTraceID(traceCtx, tracing.TraceIDFromContext(ctx))
		traceCtx = tracing.WithParentSpanID(traceCtx, tracing.ParentSpanIDFromContext(ctx))
	}
	subTraceCtx := tracing.WithParentSpanID(traceCtx, rootSpanID)

	var model string
	var finalContent string
	iteration := 0

	defer func() {
		sm.mu.Lock()
		task.CompletedAt = time.Now().UnixMilli()
		sm.mu.Unlock()

		sm.emitSubagentSpan(traceCtx, rootSpanID, taskStart, task, model, finalContent)

		if sm.config.ArchiveAfterMinutes > 0 {
			go sm.scheduleArchive(task.ID, time.Duration(sm.config.ArchiveAfterMinutes)*time.Minute)
		}
	}()

	if ctx.Err() != nil {
		sm.mu.Lock()
		task.Status = TaskStatusCancelled
		task.Result = "cancelled before execution"
		sm.mu.Unlock()
		return 0
	}

	// Build a tool set for the subagent without the tools that would let it
	// spawn a sibling tree unboundedly (spawn/cron/messaging), per depth.
	toolsReg := sm.createTools()
	sm.applyDenyList(toolsReg, task.Depth)

	model = sm.model
	if sm.config.Model != "" {
		model = sm.config.Model
	}
	if task.Model != "" {
		model = task.Model
	}

	ctx = WithSpawnDepth(ctx, task.Depth)

	systemPrompt := sm.buildSubagentSystemPrompt(task)
	messages := []providers.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: task.Task},
	}

	const maxIterations = 20
	for iteration < maxIterations {
		iteration++

		if ctx.Err() != nil {
			sm.mu.Lock()
			task.Status = TaskStatusCancelled
			task.Result = "cancelled during execution"
			sm.mu.Unlock()
			return iteration
		}

		chatReq := providers.ChatRequest{
			Messages: messages,
			Tools:    toolsReg.ProviderDefs(),
			Model:    model,
			Options: map[string]interface{}{
				"max_tokens":  4096,
				"temperature": 0.5,
			},
		}

		llmStart := time.Now().UTC()
		resp, err := sm.provider.Chat(ctx, chatReq)
		sm.emitLLMSpan(subTraceCtx, llmStart, iteration, model, resp, err)

		if err != nil {
			sm.mu.Lock()
			task.Status = TaskStatusFailed
			task.Result = fmt.Sprintf("LLM error at iteration %d: %v", iteration, err)
			sm.mu.Unlock()
			slog.Warn("subagent LLM error", "id", task.ID, "iteration", iteration, "error", err)
			return iteration
		}

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			break
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			toolStart := time.Now().UTC()
			result := toolsReg.Execute(ctx, tc.Name, tc.Arguments)

			argsJSON, _ := json.Marshal(tc.Arguments)
			sm.emitToolSpan(subTraceCtx, toolStart, tc.Name, tc.ID, string(argsJSON), result.ForLLM, result.IsError)

			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    result.ForLLM,
				ToolCallID: tc.ID,
			})
		}
	}

	sm.mu.Lock()
	if finalContent == "" {
		finalContent = "Task completed but no final response was generated."
	}
	task.Status = TaskStatusCompleted
	task.Result = finalContent
	sm.mu.Unlock()

	slog.Info("subagent completed", "id", task.ID, "iterations", iteration)
	return iteration
}

// emitSubagentSpan records the subagent's own run as a span under the
// parent agent's trace, mirroring how the main loop emits its agent span.
func (sm *SubagentManager) emitSubagentSpan(ctx context.Context, spanID uuid.UUID, start time.Time, task *SubagentTask, model, finalContent string) {
	collector := tracing.CollectorFromContext(ctx)
	if collector == nil {
		return
	}
	end := time.Now()
	status := store.SpanStatusCompleted
	if task.Status == TaskStatusFailed {
		status = store.SpanStatusError
	}
	parent := tracing.ParentSpanIDFromContext(ctx)
	var parentPtr *uuid.UUID
	if parent != uuid.Nil {
		parentPtr = &parent
	}
	collector.EmitSpan(store.SpanData{
		ID:            spanID,
		TraceID:       tracing.TraceIDFromContext(ctx),
		ParentSpanID:  parentPtr,
		SpanType:      store.SpanTypeAgent,
		Name:          fmt.Sprintf("Subagent: %s", task.Label),
		StartTime:     start,
		EndTime:       &end,
		DurationMS:    int(end.Sub(start).Milliseconds()),
		Model:         model,
		InputPreview:  truncate(task.Task, 500),
		OutputPreview: truncate(finalContent, 500),
		Status:        status,
		Level:         store.SpanLevelDefault,
		Error:         errOrEmpty(task.Status == TaskStatusFailed, task.Result),
		CreatedAt:     end,
	})
}

func (sm *SubagentManager) emitLLMSpan(ctx context.Context, start time.Time, iteration int, model string, resp *providers.ChatResponse, err error) {
	collector := tracing.CollectorFromContext(ctx)
	if collector == nil {
		return
	}
	end := time.Now()
	status := store.SpanStatusCompleted
	errMsg := ""
	var output string
	var usage *providers.Usage
	if err != nil {
		status = store.SpanStatusError
		errMsg = err.Error()
	} else if resp != nil {
		output = resp.Content
		usage = resp.Usage
	}
	parent := tracing.ParentSpanIDFromContext(ctx)
	var parentPtr *uuid.UUID
	if parent != uuid.Nil {
		parentPtr = &parent
	}
	span := store.SpanData{
		ID:            store.GenNewID(),
		TraceID:       tracing.TraceIDFromContext(ctx),
		ParentSpanID:  parentPtr,
		SpanType:      store.SpanTypeLLMCall,
		Name:          fmt.Sprintf("LLM call #%d", iteration),
		StartTime:     start,
		EndTime:       &end,
		DurationMS:    int(end.Sub(start).Milliseconds()),
		Model:         model,
		OutputPreview: truncate(output, 500),
		Status:        status,
		Level:         store.SpanLevelDefault,
		Error:         errMsg,
		CreatedAt:     end,
	}
	if usage != nil {
		span.InputTokens = usage.PromptTokens
		span.OutputTokens = usage.CompletionTokens
	}
	collector.EmitSpan(span)
}

func (sm *SubagentManager) emitToolSpan(ctx context.Context, start time.Time, toolName, toolCallID, argsJSON, output string, isError bool) {
	collector := tracing.CollectorFromContext(ctx)
	if collector == nil {
		return
	}
	end := time.Now()
	status := store.SpanStatusCompleted
	if isError {
		status = store.SpanStatusError
	}
	parent := tracing.ParentSpanIDFromContext(ctx)
	var parentPtr *uuid.UUID
	if parent != uuid.Nil {
		parentPtr = &parent
	}
	collector.EmitSpan(store.SpanData{
		ID:            store.GenNewID(),
		TraceID:       tracing.TraceIDFromContext(ctx),
		ParentSpanID:  parentPtr,
		SpanType:      store.SpanTypeToolCall,
		Name:          toolName,
		ToolName:      toolName,
		ToolCallID:    toolCallID,
		StartTime:     start,
		EndTime:       &end,
		DurationMS:    int(end.Sub(start).Milliseconds()),
		InputPreview:  truncate(argsJSON, 500),
		OutputPreview: truncate(output, 500),
		Status:        status,
		Level:         store.SpanLevelDefault,
		CreatedAt:     end,
	})
}

func errOrEmpty(isErr bool, msg string) string {
	if !isErr {
		return ""
	}
	return msg
}

// scheduleArchive removes a completed task from memory after delay, bounding
// how long a finished task stays in sm.tasks, where it still counts toward
// its parent's MaxChildrenPerAgent limit.
func (sm *SubagentManager) scheduleArchive(taskID string, delay time.Duration) {
	time.Sleep(delay)
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if t, ok := sm.tasks[taskID]; ok && t.Status != TaskStatusRunning {
		delete(sm.tasks, taskID)
	}
}
