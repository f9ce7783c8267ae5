package executor

import (
	"context"
	"strconv"

	"github.com/kastellan/taskexec/pkg/models"
)

// TaskEventEmitter extends EventEmitter with the task-lifecycle, plan/step,
// Gatekeeper, and recovery event types spec §6 requires (the "non-exhaustive"
// EventSink.Emit list). It shares the embedded EventEmitter's RunID/sequence
// numbering and sink so task events interleave correctly with the run/iter/
// tool/model events EventEmitter already emits.
//
// Grounded on event_emitter.go's EventEmitter (one method per event type,
// each building a models.AgentEvent with the common base fields and a single
// typed payload); generalized by adding models.TaskEventPayload for the
// task-domain fields (task/step IDs, free-form named fields) the existing
// Tool/Stream/Context/Steering payloads don't carry.
type TaskEventEmitter struct {
	*EventEmitter
	taskID string
}

// NewTaskEventEmitter wraps an EventEmitter with task-scoped event helpers.
func NewTaskEventEmitter(taskID string, inner *EventEmitter) *TaskEventEmitter {
	return &TaskEventEmitter{EventEmitter: inner, taskID: taskID}
}

func (e *TaskEventEmitter) taskEvent(eventType models.AgentEventType, stepID string, fields map[string]string) models.AgentEvent {
	event := e.base(eventType)
	event.Task = &models.TaskEventPayload{TaskID: e.taskID, StepID: stepID, Fields: fields}
	return event
}

func (e *TaskEventEmitter) emitTask(ctx context.Context, eventType models.AgentEventType, stepID string, fields map[string]string) models.AgentEvent {
	event := e.taskEvent(eventType, stepID, fields)
	e.emit(ctx, event)
	return event
}

// Executing emits the "executing" event marking the start of a plan/execute
// lifecycle invocation (spec §6, §4.1 Execute()).
func (e *TaskEventEmitter) Executing(ctx context.Context) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventExecuting, "", nil)
}

// PlanCreated emits "plan_created" with the initial step count.
func (e *TaskEventEmitter) PlanCreated(ctx context.Context, stepCount int) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventPlanCreated, "", map[string]string{"step_count": itoa(stepCount)})
}

// PlanRevised emits "plan_revised" with the new revision number.
func (e *TaskEventEmitter) PlanRevised(ctx context.Context, revision int) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventPlanRevised, "", map[string]string{"revision": itoa(revision)})
}

// PlanRevisionBlocked emits "plan_revision_blocked" with the reason the
// revision-count or step-count guard rejected the request (spec §4.2).
func (e *TaskEventEmitter) PlanRevisionBlocked(ctx context.Context, reason string) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventPlanRevisionBlck, "", map[string]string{"reason": reason})
}

// StepStarted emits "step_started".
func (e *TaskEventEmitter) StepStarted(ctx context.Context, stepID, description string) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventStepStarted, stepID, map[string]string{"description": description})
}

// StepCompleted emits "step_completed".
func (e *TaskEventEmitter) StepCompleted(ctx context.Context, stepID string) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventStepCompleted, stepID, nil)
}

// StepFailed emits "step_failed" with the failure class (spec §4.6
// ClassifyStepFailure, §7).
func (e *TaskEventEmitter) StepFailed(ctx context.Context, stepID string, class FailureClassForRecovery) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventStepFailed, stepID, map[string]string{"class": string(class)})
}

// StepSkipped emits "step_skipped" with the skip reason.
func (e *TaskEventEmitter) StepSkipped(ctx context.Context, stepID, reason string) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventStepSkipped, stepID, map[string]string{"reason": reason})
}

// StepFeedback emits "step_feedback" when SetStepFeedback injects a
// host-supplied note into a running step (spec §4.1).
func (e *TaskEventEmitter) StepFeedback(ctx context.Context, stepID, feedback string) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventStepFeedback, stepID, map[string]string{"feedback": feedback})
}

// StepRecoveryPlanned emits "step_recovery_planned" when PlanMachine.InjectRecovery
// inserts a recovery step ahead of the current one (spec §4.2, §4.6).
func (e *TaskEventEmitter) StepRecoveryPlanned(ctx context.Context, stepID string, class FailureClassForRecovery) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventStepRecoveryPlan, stepID, map[string]string{"class": string(class)})
}

// AwaitingUserInput emits "awaiting_user_input" when the loop pauses for a
// required decision (spec §4.1, §7).
func (e *TaskEventEmitter) AwaitingUserInput(ctx context.Context, prompt string) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventAwaitingInput, "", map[string]string{"prompt": prompt})
}

// TaskPaused emits "task_paused" when Pause() cooperatively suspends the loop.
func (e *TaskEventEmitter) TaskPaused(ctx context.Context) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventTaskPaused, "", nil)
}

// TaskCompleted emits "task_completed" with the terminal status (spec §7:
// "every task ends in exactly one of completed/paused/failed/cancelled").
func (e *TaskEventEmitter) TaskCompleted(ctx context.Context, terminalStatus, resultSummary string) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventTaskCompleted, "", map[string]string{
		"terminal_status": terminalStatus,
		"result_summary":  resultSummary,
	})
}

// TaskFailed emits "task_failed" with the failure class and summary (spec
// §7: "every task ends in exactly one of completed/paused/failed/cancelled").
func (e *TaskEventEmitter) TaskFailed(ctx context.Context, class FailureClass, resultSummary string) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventTaskFailed, "", map[string]string{
		"failure_class":  string(class),
		"result_summary": resultSummary,
	})
}

// TaskCancelled emits "task_cancelled" when Cancel(reason) stops the loop.
func (e *TaskEventEmitter) TaskCancelled(ctx context.Context, reason string) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventTaskCancelled, "", map[string]string{"reason": reason})
}

// AssistantMessage emits "assistant_message" carrying the model's final text
// for a turn, distinct from the streaming model.delta events.
func (e *TaskEventEmitter) AssistantMessage(ctx context.Context, text string) models.AgentEvent {
	event := e.base(models.AgentEventAssistantMessage)
	event.Text = &models.TextEventPayload{Text: text}
	e.emit(ctx, event)
	return event
}

// WorkspaceSwitched emits "workspace_switched" when a tool side-handler
// changes the active workspace (spec §6).
func (e *TaskEventEmitter) WorkspaceSwitched(ctx context.Context, workspaceID string) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventWorkspaceSwitch, "", map[string]string{"workspace_id": workspaceID})
}

// WorkspacePermissionsUpdated emits "workspace_permissions_updated".
func (e *TaskEventEmitter) WorkspacePermissionsUpdated(ctx context.Context, workspaceID string) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventWorkspacePerms, "", map[string]string{"workspace_id": workspaceID})
}

// CitationsCollected emits "citations_collected" with the count gathered by
// the best-effort CitationTracker.
func (e *TaskEventEmitter) CitationsCollected(ctx context.Context, count int) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventCitations, "", map[string]string{"count": itoa(count)})
}

// ArtifactCreated emits "artifact_created" naming the artifact path or ID.
func (e *TaskEventEmitter) ArtifactCreated(ctx context.Context, artifactID string) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventArtifactCreated, "", map[string]string{"artifact_id": artifactID})
}

// GenericError emits the catch-all "error" event for failures that don't
// fit a more specific type.
func (e *TaskEventEmitter) GenericError(ctx context.Context, err error) models.AgentEvent {
	event := e.base(models.AgentEventGenericError)
	event.Error = &models.ErrorEventPayload{Message: err.Error(), Err: err}
	e.emit(ctx, event)
	return event
}

// -- Gatekeeper pipeline events (C5) --

// ToolCallEvent emits "tool_call" when the Gatekeeper admits a call for
// execution (distinct from EventEmitter.ToolStarted, which marks actual
// dispatch; spec invariant 4 counts tool_call events as the admitted count).
func (e *TaskEventEmitter) ToolCallEvent(ctx context.Context, callID, name string) models.AgentEvent {
	event := e.base(models.AgentEventToolCall)
	event.Tool = &models.ToolEventPayload{CallID: callID, Name: name}
	e.emit(ctx, event)
	return event
}

// ToolResultEvent emits "tool_result" once a gatekept call finishes.
func (e *TaskEventEmitter) ToolResultEvent(ctx context.Context, callID, name string, isError bool, resultJSON []byte) models.AgentEvent {
	event := e.base(models.AgentEventToolResult)
	event.Tool = &models.ToolEventPayload{CallID: callID, Name: name, Success: !isError, ResultJSON: resultJSON}
	e.emit(ctx, event)
	return event
}

// ToolErrorEvent emits "tool_error" for a hard tool failure.
func (e *TaskEventEmitter) ToolErrorEvent(ctx context.Context, callID, name, message string) models.AgentEvent {
	event := e.base(models.AgentEventToolErrorEvt)
	event.Tool = &models.ToolEventPayload{CallID: callID, Name: name, Success: false}
	event.Error = &models.ErrorEventPayload{Message: message}
	e.emit(ctx, event)
	return event
}

// ToolBlocked emits "tool_blocked" when the Gatekeeper rejects a call
// (budget exhaustion, policy gate, circuit breaker, availability, dedup;
// spec §4.5).
func (e *TaskEventEmitter) ToolBlocked(ctx context.Context, callID, name, reason string) models.AgentEvent {
	event := e.base(models.AgentEventToolBlocked)
	event.Tool = &models.ToolEventPayload{CallID: callID, Name: name, Success: false}
	event.Error = &models.ErrorEventPayload{Message: reason}
	e.emit(ctx, event)
	return event
}

// ToolWarning emits "tool_warning" for a non-fatal Gatekeeper concern (e.g.
// the file-operation redundancy cache serving a memoized read).
func (e *TaskEventEmitter) ToolWarning(ctx context.Context, callID, name, warning string) models.AgentEvent {
	event := e.base(models.AgentEventToolWarning)
	event.Tool = &models.ToolEventPayload{CallID: callID, Name: name}
	event.Error = &models.ErrorEventPayload{Message: warning, Retriable: true}
	e.emit(ctx, event)
	return event
}

// ParameterInference emits "parameter_inference" when the Gatekeeper's
// alias-normalization step rewrites a field name (spec §4.5 step 7).
func (e *TaskEventEmitter) ParameterInference(ctx context.Context, callID, name, from, to string) models.AgentEvent {
	event := e.base(models.AgentEventParameterInference)
	event.Tool = &models.ToolEventPayload{CallID: callID, Name: name}
	event.Task = &models.TaskEventPayload{TaskID: e.taskID, Fields: map[string]string{"from": from, "to": to}}
	e.emit(ctx, event)
	return event
}

// ModeGateBlocked emits "mode_gate_blocked" when execution-mode/domain
// policy rejects a mutating or technical tool call (spec §4.5 step 3).
func (e *TaskEventEmitter) ModeGateBlocked(ctx context.Context, callID, name, reason string) models.AgentEvent {
	event := e.base(models.AgentEventModeGateBlocked)
	event.Tool = &models.ToolEventPayload{CallID: callID, Name: name}
	event.Error = &models.ErrorEventPayload{Message: reason}
	e.emit(ctx, event)
	return event
}

// -- Progress / LLM call events --

// ProgressUpdate emits "progress_update" from the heartbeat timer tracking a
// long-running tool call (spec §4.1, 12s heartbeat).
func (e *TaskEventEmitter) ProgressUpdate(ctx context.Context, callID, name string) models.AgentEvent {
	event := e.base(models.AgentEventProgressUpdate)
	event.Tool = &models.ToolEventPayload{CallID: callID, Name: name}
	e.emit(ctx, event)
	return event
}

// ProgressJournal emits "progress_journal" when progressJournalEnabled is
// set and the loop records a milestone note.
func (e *TaskEventEmitter) ProgressJournal(ctx context.Context, note string) models.AgentEvent {
	event := e.base(models.AgentEventProgressJournal)
	event.Text = &models.TextEventPayload{Text: note}
	e.emit(ctx, event)
	return event
}

// LLMRetry emits "llm_retry" when the provider boundary retries a transient
// failure (spec §7 ProviderTransient).
func (e *TaskEventEmitter) LLMRetry(ctx context.Context, attempt int, err error) models.AgentEvent {
	event := e.base(models.AgentEventLLMRetry)
	event.Error = &models.ErrorEventPayload{Message: err.Error(), Retriable: true, Err: err}
	event.Task = &models.TaskEventPayload{TaskID: e.taskID, Fields: map[string]string{"attempt": itoa(attempt)}}
	e.emit(ctx, event)
	return event
}

// LLMStreaming emits "llm_streaming" acknowledging an onStreamProgress tick
// from LLMProvider.CreateMessage (spec §6), independent of model.delta's
// fine-grained token deltas.
func (e *TaskEventEmitter) LLMStreaming(ctx context.Context) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventLLMStreaming, "", nil)
}

// LLMUsage emits "llm_usage" with the sized call's actual usage, feeding the
// Budget Governor's EWMA estimators (spec §4.4).
func (e *TaskEventEmitter) LLMUsage(ctx context.Context, inputTokens, outputTokens int, elapsedMS int64) models.AgentEvent {
	event := e.base(models.AgentEventLLMUsage)
	event.Stream = &models.StreamEventPayload{InputTokens: inputTokens, OutputTokens: outputTokens}
	event.Task = &models.TaskEventPayload{TaskID: e.taskID, Fields: map[string]string{"elapsed_ms": itoa64(elapsedMS)}}
	e.emit(ctx, event)
	return event
}

// -- Budget / loop-recovery events (C4/C6) --

// MaxTokensRecovery emits "max_tokens_recovery" when MaxTokensRecoveryState
// allows a continuation (spec §4.6).
func (e *TaskEventEmitter) MaxTokensRecovery(ctx context.Context, stepID string, attempt int) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventMaxTokensRecovery, stepID, map[string]string{"attempt": itoa(attempt)})
}

// BudgetSoftLanding emits "budget_soft_landing" when the Budget Governor
// nudges the model to wrap up before a hard limit (spec §4.4).
func (e *TaskEventEmitter) BudgetSoftLanding(ctx context.Context, kind string) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventBudgetSoftLanding, "", map[string]string{"kind": kind})
}

// LowProgressLoopDetected emits "low_progress_loop_detected" (spec §4.6
// LowProgressNudge).
func (e *TaskEventEmitter) LowProgressLoopDetected(ctx context.Context, stepID string) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventLowProgressLoop, stepID, nil)
}

// VariedFailureLoopDetected emits "varied_failure_loop_detected" (spec §4.6
// VariedFailureNudge).
func (e *TaskEventEmitter) VariedFailureLoopDetected(ctx context.Context, toolName string) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventVariedFailure, "", map[string]string{"tool": toolName})
}

// StopReasonNudgeEvent emits "stop_reason_nudge" (spec §4.6 StopReasonNudge).
func (e *TaskEventEmitter) StopReasonNudgeEvent(ctx context.Context, stopReason string, streak int) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventStopReasonNudge, "", map[string]string{"stop_reason": stopReason, "streak": itoa(streak)})
}

// ToolRecoveryPrompted emits "tool_recovery_prompted" (spec §4.6
// ToolRecoveryHint).
func (e *TaskEventEmitter) ToolRecoveryPrompted(ctx context.Context, toolName string) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventToolRecoveryHint, "", map[string]string{"tool": toolName})
}

// -- Conversation / compaction events (C3/C9) --

// ContextSummarized emits "context_summarized" after the Compaction
// Coordinator inserts a handoff summary (spec §4.3, §4.9).
func (e *TaskEventEmitter) ContextSummarized(ctx context.Context, droppedCount int, reactive bool) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventContextSummarized, "", map[string]string{
		"dropped_count": itoa(droppedCount),
		"reactive":      boolStr(reactive),
	})
}

// ConversationSnapshotEvent emits "conversation_snapshot" whenever
// Snapshot.Write persists a resumption envelope (spec §4.1, §6).
func (e *TaskEventEmitter) ConversationSnapshotEvent(ctx context.Context, messageCount int) models.AgentEvent {
	return e.emitTask(ctx, models.AgentEventConversationSnap, "", map[string]string{"message_count": itoa(messageCount)})
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func itoa64(n int64) string {
	return strconv.FormatInt(n, 10)
}

func boolStr(b bool) string {
	return strconv.FormatBool(b)
}
