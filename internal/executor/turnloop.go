package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/kastellan/taskexec/internal/observability"
	"github.com/kastellan/taskexec/pkg/models"
)

// defaultStepTimeout and deepWorkStepTimeout are the hard step deadlines
// (spec §4.8 step 3: "STEP_TIMEOUT_MS or DEEP_WORK_STEP_TIMEOUT_MS"); the
// soft deadline fires at softStepDeadlineFraction of whichever applies.
const (
	defaultStepTimeout       = 10 * time.Minute
	deepWorkStepTimeout      = 30 * time.Minute
	softStepDeadlineFraction = 0.9
)

func effectiveStepTimeout(deepWork bool) time.Duration {
	if deepWork {
		return deepWorkStepTimeout
	}
	return defaultStepTimeout
}

// outcomeWrapUpRequested is an internal-only Outcome.Kind: runStep returns it
// to tell Run that WrapUp fired mid-step, so Run should finalize with the
// best-effort answer rather than treat it as any other interruption.
const outcomeWrapUpRequested OutcomeKind = "wrap_up_requested"

// requestUserInputTool is the sentinel tool name a step uses to hand control
// back to the host for a required decision (spec §4.1 "awaiting_user_input",
// §4.8 step m). It is never registered in the ToolRegistry; the Turn Loop
// intercepts it before the Gatekeeper sees it.
const requestUserInputTool = "request_user_input"

// TurnLoopConfig bundles the collaborators the Turn Loop drives every turn.
// One TurnLoop (and one set of collaborators) is constructed per task by the
// Lifecycle Supervisor (spec §4.1, §4.8).
type TurnLoopConfig struct {
	Provider     LLMProvider
	Gatekeeper   *Gatekeeper
	Plan         *PlanMachine
	Conversation *ConversationStore
	Compaction   *CompactionCoordinator
	Budget       *BudgetGovernor
	Oracle       *CompletionOracle
	LoopDetector *LoopDetector
	Events       *TaskEventEmitter

	ContextWindow int64
	SystemPrompt  string
	MaxTokens     int
	ToolBearing   bool // whether any tools are registered for this task

	// Tracer and Metrics are optional process-wide observability
	// collaborators; nil disables instrumentation (spec is silent on
	// observability, so tests need not construct either).
	Tracer  *observability.Tracer
	Metrics *observability.Metrics
}

// systemTokenEstimate derates the system prompt through the same chars/4
// heuristic ExtractTokens uses, for compaction's utilization check.
func (cfg TurnLoopConfig) systemTokenEstimate() int64 {
	return int64(len(cfg.SystemPrompt) / charsPerToken)
}

// OutcomeKind is the terminal disposition of one TurnLoop.Run call (spec
// §4.1, §7: "every task ends in exactly one of completed/paused/failed/
// cancelled", plus the budget_exhausted interrupt the Supervisor may resume
// from).
type OutcomeKind string

const (
	OutcomeCompleted       OutcomeKind = "completed"
	OutcomeFailed          OutcomeKind = "failed"
	OutcomeAwaitingInput   OutcomeKind = "awaiting_input"
	OutcomePaused          OutcomeKind = "paused"
	OutcomeBudgetExhausted OutcomeKind = "budget_exhausted"
	OutcomeCancelled       OutcomeKind = "cancelled"
)

// Outcome is what Run reports back to the Lifecycle Supervisor.
type Outcome struct {
	Kind           OutcomeKind
	TerminalStatus TerminalStatus
	FailureClass   FailureClass
	ResultSummary  string
	AwaitingInput  *AwaitingUserInputError
	Err            error
}

// TurnLoop drives one Task's plan to completion, one step and one model turn
// at a time (C1, spec §4.1, §4.8).
//
// Grounded on the teacher's AgenticLoop.Run (deleted loop.go): the
// stream-then-tool-round shape per iteration is kept, generalized from a
// flat iteration counter into the spec's plan-driven step loop, with the
// Gatekeeper, Loop Detector, Budget Governor, and Compaction Coordinator now
// mediating every tool call and every model call instead of being inlined.
type TurnLoop struct {
	cfg TurnLoopConfig

	maxTokensStates map[string]*MaxTokensRecoveryState // keyed by step ID
	evidence        FinalizeEvidence

	mu                sync.Mutex
	currentCallCancel context.CancelFunc
	softDeadlineFired bool
	wrapUpRequested   bool
}

// NewTurnLoop constructs a Turn Loop bound to one task's collaborators.
func NewTurnLoop(cfg TurnLoopConfig) *TurnLoop {
	return &TurnLoop{
		cfg:             cfg,
		maxTokensStates: make(map[string]*MaxTokensRecoveryState),
	}
}

// registerCallCancel records the cancel function for the LLM call currently
// in flight, so AbortInFlightCall (the soft step deadline, or a host-
// requested WrapUp) can abort it without the caller threading a cancel
// func through every layer.
func (tl *TurnLoop) registerCallCancel(cancel context.CancelFunc) {
	tl.mu.Lock()
	tl.currentCallCancel = cancel
	tl.mu.Unlock()
}

func (tl *TurnLoop) clearCallCancel() {
	tl.mu.Lock()
	tl.currentCallCancel = nil
	tl.mu.Unlock()
}

// AbortInFlightCall cancels the currently in-flight LLM call, if any. It is
// a no-op between calls.
func (tl *TurnLoop) AbortInFlightCall() {
	tl.mu.Lock()
	cancel := tl.currentCallCancel
	tl.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// triggerSoftDeadline is called by the step soft-deadline timer: it sets the
// one-shot "soft deadline reached" flag and aborts whatever call is running
// (spec §4.8 step 3).
func (tl *TurnLoop) triggerSoftDeadline() {
	tl.mu.Lock()
	tl.softDeadlineFired = true
	tl.mu.Unlock()
	tl.AbortInFlightCall()
}

// consumeSoftDeadlineFired reports whether the soft deadline fired since the
// last call, clearing the flag so the resulting nudge is appended exactly
// once per firing.
func (tl *TurnLoop) consumeSoftDeadlineFired() bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	fired := tl.softDeadlineFired
	tl.softDeadlineFired = false
	return fired
}

// WrapUp is the Lifecycle Supervisor's hook for the host-requested WrapUp
// operation (spec §4.1, §4.8 step 3, testable property #10): the first call
// sets the idempotent "wrap up requested" flag and aborts the in-flight
// call; later calls are no-ops. Run finalizes with the Completion Oracle's
// best-effort answer the next time it observes the flag.
func (tl *TurnLoop) WrapUp() {
	tl.mu.Lock()
	already := tl.wrapUpRequested
	tl.wrapUpRequested = true
	tl.mu.Unlock()
	if already {
		return
	}
	tl.AbortInFlightCall()
}

func (tl *TurnLoop) wrapUpPending() bool {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.wrapUpRequested
}

// stepInterruption classifies why a callModel attempt failed mid-step, so
// runStep can tell a genuine provider error apart from the three sources
// that share the same abort mechanism (spec §4.8 step 3).
type stepInterruption int

const (
	interruptionNone stepInterruption = iota
	interruptionHardDeadline
	interruptionWrapUp
	interruptionSoftDeadline
)

// classifyInterruption checks, in priority order, whether stepCtx's own hard
// deadline expired, a WrapUp was requested, or the soft deadline timer fired.
// Exactly one of these (or none) can be responsible for an aborted call.
func (tl *TurnLoop) classifyInterruption(stepCtx context.Context) stepInterruption {
	if stepCtx.Err() != nil {
		return interruptionHardDeadline
	}
	if tl.wrapUpPending() {
		return interruptionWrapUp
	}
	if tl.consumeSoftDeadlineFired() {
		return interruptionSoftDeadline
	}
	return interruptionNone
}

// finalizeWrapUp finalizes the task as completed using a best-effort answer,
// as WrapUp's contract requires: terminalStatus is partial_success only if
// the Completion Oracle's guards still fail against the evidence gathered so
// far, ok otherwise (spec §4.8 scenario 5).
func (tl *TurnLoop) finalizeWrapUp(ctx context.Context, task *Task) Outcome {
	contract := tl.cfg.Oracle.BuildContract(task)
	tl.evidence.TaskDomain = task.Config.TaskDomain

	text := tl.evidence.CandidateText
	status := TerminalOK
	if err := tl.cfg.Oracle.Finalize(contract, tl.evidence); err != nil {
		text = tl.cfg.Oracle.FinalizeBestEffort(tl.evidence)
		status = TerminalPartialSuccess
	}
	tl.cfg.Events.TaskCompleted(ctx, string(status), text)
	return Outcome{Kind: OutcomeCompleted, TerminalStatus: status, ResultSummary: text}
}

// Hooks lets the Supervisor interrupt Run cooperatively between turns
// without the Turn Loop importing the Supervisor (spec §4.1 Pause/Cancel).
type Hooks struct {
	ShouldPause func() bool
	Cancelled   func() bool

	// Steering, when set, is polled once per loop iteration so a caller's
	// SendMessage/QueueFollowUp lands in the running conversation instead of
	// waiting for the next Execute (spec §4.1 steering/follow-up).
	Steering *SteeringQueue
}

// Run drives task through its plan, step by step, until the plan is
// exhausted, a step escalates to the user, the budget is exhausted, or the
// host asks to pause/cancel (spec §4.8).
func (tl *TurnLoop) Run(ctx context.Context, task *Task, hooks Hooks) Outcome {
	plan := tl.cfg.Plan.Plan()
	if plan == nil {
		plan = tl.cfg.Plan.CreatePlan(task.Prompt, tl.requestPlanFromModel(ctx, task))
		tl.cfg.Events.PlanCreated(ctx, len(plan.Steps))
	}

	for {
		if hooks.Cancelled != nil && hooks.Cancelled() {
			return Outcome{Kind: OutcomeCancelled}
		}
		if hooks.ShouldPause != nil && hooks.ShouldPause() {
			tl.cfg.Events.TaskPaused(ctx)
			return Outcome{Kind: OutcomePaused}
		}
		if tl.wrapUpPending() {
			return tl.finalizeWrapUp(ctx, task)
		}

		if hooks.Steering != nil {
			for _, msg := range hooks.Steering.GetSteeringMessages() {
				tl.cfg.Conversation.Append(NewTextMessage(RoleUser, msg.Content))
			}
		}

		step := tl.cfg.Plan.CurrentStep()
		if step == nil {
			step = tl.cfg.Plan.NextPending()
			if step == nil {
				if hooks.Steering != nil && hooks.Steering.HasFollowUp() {
					descs := make([]string, 0, 1)
					for _, msg := range hooks.Steering.GetFollowUpMessages() {
						descs = append(descs, msg.Content)
					}
					tl.cfg.Plan.Revise(descs, "follow-up message queued", false, false)
					continue
				}
				return tl.finalize(ctx, task)
			}
			tl.cfg.Plan.MarkInProgress(step.ID)
			tl.cfg.LoopDetector.ResetForStep()
			tl.maxTokensStates[step.ID] = NewMaxTokensRecoveryState()
			tl.cfg.Events.StepStarted(ctx, step.ID, step.Description)
			tl.cfg.Conversation.Append(NewTextMessage(RoleUser, "Next step: "+step.Description))
		}

		outcome := tl.runStep(ctx, task, step, hooks)
		if outcome != nil {
			if outcome.Kind == outcomeWrapUpRequested {
				return tl.finalizeWrapUp(ctx, task)
			}
			return *outcome
		}
		// step resolved (completed/skipped/failed-with-recovery); loop
		// around to pick up the next pending step.
	}
}

// runStep runs model turns for the current step until it resolves
// (completed/skipped/failed) or the loop must stop and hand control back to
// the Supervisor, in which case it returns a non-nil Outcome.
func (tl *TurnLoop) runStep(ctx context.Context, task *Task, step *PlanStep, hooks Hooks) *Outcome {
	stepTimeout := effectiveStepTimeout(task.Config.DeepWorkMode)
	stepCtx, cancelStep := context.WithTimeout(ctx, stepTimeout)
	defer cancelStep()

	softTimer := time.AfterFunc(time.Duration(float64(stepTimeout)*softStepDeadlineFraction), tl.triggerSoftDeadline)
	defer softTimer.Stop()

	for {
		if hooks.Cancelled != nil && hooks.Cancelled() {
			return &Outcome{Kind: OutcomeCancelled}
		}
		if tl.wrapUpPending() {
			return &Outcome{Kind: outcomeWrapUpRequested}
		}

		if err := tl.cfg.Budget.CheckBeforeLLMCall(true); err != nil {
			return &Outcome{Kind: OutcomeBudgetExhausted, Err: err}
		}
		if tl.cfg.Budget.NeedsSoftLanding() {
			tl.cfg.Budget.MarkSoftLandingInjected()
			tl.cfg.Events.BudgetSoftLanding(ctx, "turns")
			tl.cfg.Conversation.Append(NewTextMessage(RoleUser,
				"You are nearly out of turn budget; wrap up and produce your best final answer now."))
		}

		tl.cfg.Compaction.Run(ctx, task.ID, tl.cfg.Conversation, tl.cfg.systemTokenEstimate(), false)
		tl.cfg.Conversation.ConsolidateConsecutiveUser()
		tl.cfg.Conversation.PruneStaleToolErrors()

		state := tl.maxTokensStates[step.ID]
		attempt := 0
		sizing := tl.cfg.Budget.SizeCall(tl.cfg.MaxTokens, attempt, tl.cfg.ToolBearing)

		text, toolCalls, inputTokens, outputTokens, err := tl.callModel(stepCtx, sizing)
		if err != nil {
			switch tl.classifyInterruption(stepCtx) {
			case interruptionHardDeadline:
				return tl.handleStepFailure(ctx, task, step, &StepDeadlineExceededError{StepID: step.ID, Budget: stepTimeout})
			case interruptionWrapUp:
				return &Outcome{Kind: outcomeWrapUpRequested}
			case interruptionSoftDeadline:
				tl.cfg.Conversation.Append(NewTextMessage(RoleUser,
					"You are approaching this step's time limit; wrap up and produce your best answer for this step now."))
				continue
			}

			if reactiveErr := tl.compactAndRetryOnOverflow(ctx, task, err); reactiveErr != nil {
				return tl.handleStepFailure(ctx, task, step, reactiveErr)
			}
			text, toolCalls, inputTokens, outputTokens, err = tl.callModel(stepCtx, sizing)
			if err != nil {
				switch tl.classifyInterruption(stepCtx) {
				case interruptionHardDeadline:
					return tl.handleStepFailure(ctx, task, step, &StepDeadlineExceededError{StepID: step.ID, Budget: stepTimeout})
				case interruptionWrapUp:
					return &Outcome{Kind: outcomeWrapUpRequested}
				case interruptionSoftDeadline:
					tl.cfg.Conversation.Append(NewTextMessage(RoleUser,
						"You are approaching this step's time limit; wrap up and produce your best answer for this step now."))
					continue
				}
				return tl.handleStepFailure(ctx, task, step, err)
			}
		}
		tl.cfg.Budget.RecordTurn(int64(inputTokens), int64(outputTokens))
		tl.cfg.Events.LLMUsage(ctx, inputTokens, outputTokens, 0)

		stopReason := classifyStopReason(toolCalls, outputTokens, sizing.MaxTokens)
		tl.cfg.LoopDetector.ObserveStopReason(stopReason)
		if stopReason == "max_tokens" && state.ShouldContinue() {
			tl.cfg.Events.MaxTokensRecovery(ctx, step.ID, attempt+1)
			tl.appendAssistantTurn(text, toolCalls)
			tl.cfg.Conversation.Append(NewTextMessage(RoleUser, "Continue your previous response; you were cut off."))
			continue
		}
		state.Reset()

		if nudge, fired := tl.cfg.LoopDetector.StopReasonNudge(); fired {
			tl.cfg.Events.StopReasonNudgeEvent(ctx, stopReason, 0)
			tl.cfg.Conversation.Append(NewTextMessage(RoleUser, nudge))
		}

		tl.appendAssistantTurn(text, toolCalls)
		tl.cfg.Events.AssistantMessage(ctx, text)

		if len(toolCalls) == 0 {
			tl.evidence.CandidateText = text
			tl.evidence.DirectlyAddressesPrompt = strings.TrimSpace(text) != ""
			tl.cfg.Plan.MarkCompleted(step.ID)
			tl.cfg.Events.StepCompleted(ctx, step.ID)
			return nil
		}

		if out := tl.runToolRound(stepCtx, task, step, toolCalls, hooks); out != nil {
			return out
		}

		if nudge, fired := tl.cfg.LoopDetector.ToolLoopNudge(); fired {
			tl.cfg.Events.LowProgressLoopDetected(ctx, step.ID)
			tl.cfg.Conversation.Append(NewTextMessage(RoleUser, nudge))
		}
		if nudge, fired := tl.cfg.LoopDetector.LowProgressNudge(); fired {
			tl.cfg.Events.LowProgressLoopDetected(ctx, step.ID)
			tl.cfg.Conversation.Append(NewTextMessage(RoleUser, nudge))
		}
		if nudge, fired := tl.cfg.LoopDetector.VariedFailureNudge(); fired {
			tl.cfg.Events.VariedFailureLoopDetected(ctx, "")
			tl.cfg.Conversation.Append(NewTextMessage(RoleUser, nudge))
		}
	}
}

// runToolRound admits every tool_use block from the latest assistant turn
// through the Gatekeeper, appends the paired tool results, and updates the
// Loop Detector and Finalize evidence. Returns a non-nil Outcome only if a
// call requests user input or a hard failure must fail the step.
func (tl *TurnLoop) runToolRound(ctx context.Context, task *Task, step *PlanStep, toolCalls []ToolUseBlock, hooks Hooks) *Outcome {
	var results []ToolResultBlock
	var images []ImageBlock
	var blockedTools []string

	for _, call := range toolCalls {
		if call.Name == requestUserInputTool {
			var req struct {
				Question string `json:"question"`
			}
			_ = json.Unmarshal(call.Input, &req)
			awaiting := &AwaitingUserInputError{ReasonCode: "model_requested", Question: req.Question}
			tl.cfg.Events.AwaitingUserInput(ctx, req.Question)
			return &Outcome{Kind: OutcomeAwaitingInput, AwaitingInput: awaiting}
		}

		cancelled := func() bool { return hooks.Cancelled != nil && hooks.Cancelled() }
		res := tl.cfg.Gatekeeper.Admit(ctx, call, 30_000_000_000, cancelled) // 30s default step timeout floor

		results = append(results, res.Result)
		images = append(images, res.Images...)
		tl.cfg.LoopDetector.ObserveToolCall(call.Name, string(call.Input), toolSignature(string(call.Input)))
		if res.Result.IsError {
			tl.cfg.LoopDetector.ObserveToolFailure(call.Name)
			blockedTools = append(blockedTools, call.Name)
		} else {
			tl.observeSuccessForEvidence(call.Name)
		}
		if res.HardFailure {
			class := ClassifyStepFailure(fmt.Errorf("%s", res.Result.Content))
			out := tl.handleStepFailure(ctx, task, step, &toolHardFailureError{tool: call.Name, class: class, message: res.Result.Content})
			if out != nil {
				return out
			}
			return nil
		}
	}

	if hint, fired := tl.cfg.LoopDetector.ToolRecoveryHint(blockedTools); fired {
		tl.cfg.Events.ToolRecoveryPrompted(ctx, strings.Join(blockedTools, ","))
		tl.cfg.Conversation.Append(NewTextMessage(RoleUser, hint))
	}

	msg := NewToolResultMessage(results...)
	for _, img := range images {
		msg.Blocks = append(msg.Blocks, img)
	}
	tl.cfg.Conversation.Append(msg)
	return nil
}

// observeSuccessForEvidence records a successful tool call's contribution to
// the Completion Oracle's evidence (spec §4.7).
func (tl *TurnLoop) observeSuccessForEvidence(toolName string) {
	switch toolName {
	case "write_file", "edit_file", "delete_file":
		tl.evidence.HadArtifactMutation = true
	case "run_command", "apply_patch", "deploy":
		tl.evidence.HadSuccessfulExecution = true
	}
}

// toolHardFailureError is a lightweight error carrier so handleStepFailure
// can reuse ClassifyStepFailure's class without re-deriving it from a raw
// string a second time.
type toolHardFailureError struct {
	tool    string
	class   FailureClassForRecovery
	message string
}

func (e *toolHardFailureError) Error() string { return e.tool + ": " + e.message }

// handleStepFailure classifies err, marks the step failed, and attempts
// InjectRecovery. If recovery is injected, returns nil so the caller
// continues the loop (the next pending step is the recovery step). If
// recovery is blocked for a user_blocker class, returns OutcomeAwaitingInput.
// Otherwise the task fails outright (spec §4.2, §4.6).
func (tl *TurnLoop) handleStepFailure(ctx context.Context, task *Task, step *PlanStep, err error) *Outcome {
	var class FailureClassForRecovery
	if hf, ok := err.(*toolHardFailureError); ok {
		class = hf.class
	} else {
		class = ClassifyStepFailure(err)
	}

	tl.cfg.Plan.MarkFailed(step.ID, err.Error())
	tl.cfg.Events.StepFailed(ctx, step.ID, class)

	if class == FailureUserBlocker {
		tl.cfg.Events.AwaitingUserInput(ctx, "a step failed in a way that requires your decision: "+err.Error())
		return &Outcome{Kind: OutcomeAwaitingInput, AwaitingInput: &AwaitingUserInputError{ReasonCode: "step_blocked", Question: err.Error()}}
	}

	result := tl.cfg.Plan.InjectRecovery(step, class, task.Config.DeepWorkMode, task.Budget.MaxAutoRecoverySteps)
	tl.cfg.Events.StepRecoveryPlanned(ctx, step.ID, class)
	if result.Applied {
		task.Usage.AutoRecoverySteps++
		return nil
	}

	tl.cfg.Events.PlanRevisionBlocked(ctx, result.Reason)
	return &Outcome{
		Kind:          OutcomeFailed,
		FailureClass:  ClassifyFailure(err),
		ResultSummary: "step failed and no recovery was available: " + err.Error(),
		Err:           err,
	}
}

// finalize runs once the plan has no more pending or in-progress steps,
// gating the final response against the Completion Oracle's contract (spec
// §4.7).
func (tl *TurnLoop) finalize(ctx context.Context, task *Task) Outcome {
	contract := tl.cfg.Oracle.BuildContract(task)
	tl.evidence.TaskDomain = task.Config.TaskDomain

	if err := tl.cfg.Oracle.Finalize(contract, tl.evidence); err != nil {
		return Outcome{
			Kind:          OutcomeFailed,
			FailureClass:  ClassifyFailure(err),
			ResultSummary: tl.cfg.Oracle.FinalizeBestEffort(tl.evidence),
			Err:           err,
		}
	}

	tl.cfg.Events.TaskCompleted(ctx, string(TerminalOK), tl.evidence.CandidateText)
	return Outcome{Kind: OutcomeCompleted, TerminalStatus: TerminalOK, ResultSummary: tl.evidence.CandidateText}
}

// requestPlanFromModel asks the model for an initial plan and best-effort
// parses its response as RawPlan JSON; a parse failure returns nil so
// PlanMachine.CreatePlan falls back to a one-step plan (spec §4.2). The
// planning instruction embeds RawPlan's reflected JSON Schema so the model
// is shown the exact shape CreatePlan expects.
func (tl *TurnLoop) requestPlanFromModel(ctx context.Context, task *Task) *RawPlan {
	if planJSONSchema != "" {
		tl.cfg.Conversation.Append(NewTextMessage(RoleUser,
			"Break the task above into a short ordered list of steps. "+
				"Respond with exactly one JSON object matching this schema and nothing else:\n"+planJSONSchema))
	}
	sizing := tl.cfg.Budget.SizeCall(tl.cfg.MaxTokens, 0, false)
	text, _, inputTokens, outputTokens, err := tl.callModel(ctx, sizing)
	if err != nil {
		return nil
	}
	tl.cfg.Budget.RecordTurn(int64(inputTokens), int64(outputTokens))
	return parsePlanJSON(text)
}

func parsePlanJSON(text string) *RawPlan {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil
	}
	var raw RawPlan
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil || len(raw.Steps) == 0 {
		return nil
	}
	return &raw
}

// appendAssistantTurn appends the assistant's text and any tool_use blocks
// as a single Message (spec §3: tool_use blocks travel with the assistant
// message that requested them).
func (tl *TurnLoop) appendAssistantTurn(text string, toolCalls []ToolUseBlock) {
	blocks := make([]ContentBlock, 0, len(toolCalls)+1)
	if strings.TrimSpace(text) != "" {
		blocks = append(blocks, TextBlock{Text: text})
	}
	for _, tc := range toolCalls {
		blocks = append(blocks, tc)
	}
	tl.cfg.Conversation.Append(&Message{Role: RoleAssistant, Blocks: blocks})
}

// callModel issues one Complete call against the current conversation and
// drains the streaming response into a flat (text, tool calls, usage) tuple.
func (tl *TurnLoop) callModel(ctx context.Context, sizing CallSizing) (text string, toolCalls []ToolUseBlock, inputTokens, outputTokens int, err error) {
	callCtx, cancel := context.WithTimeout(ctx, sizing.Timeout)
	tl.registerCallCancel(cancel)
	defer func() {
		tl.clearCallCancel()
		cancel()
	}()

	req := &CompletionRequest{
		System:    tl.cfg.SystemPrompt,
		Messages:  toCompletionMessages(tl.cfg.Conversation.Messages()),
		MaxTokens: sizing.MaxTokens,
	}

	var span trace.Span
	start := time.Now()
	if tl.cfg.Tracer != nil {
		callCtx, span = tl.cfg.Tracer.TraceLLMRequest(callCtx, tl.cfg.Provider.Name(), req.Model)
	}
	defer func() {
		if span != nil {
			if err != nil {
				tl.cfg.Tracer.RecordError(span, err)
			}
			span.End()
		}
		if tl.cfg.Metrics != nil {
			status := "success"
			if err != nil {
				status = "error"
			}
			tl.cfg.Metrics.RecordLLMRequest(tl.cfg.Provider.Name(), req.Model, status, time.Since(start).Seconds(), inputTokens, outputTokens)
		}
	}()

	ch, err := tl.cfg.Provider.Complete(callCtx, req)
	if err != nil {
		return "", nil, 0, 0, err
	}

	var sb strings.Builder
	pending := make(map[string]*ToolUseBlock)
	var order []string
	for chunk := range ch {
		if chunk.Error != nil {
			return "", nil, 0, 0, chunk.Error
		}
		if chunk.Text != "" {
			sb.WriteString(chunk.Text)
		}
		if chunk.ToolCall != nil {
			tc := chunk.ToolCall
			if _, seen := pending[tc.ID]; !seen {
				order = append(order, tc.ID)
			}
			pending[tc.ID] = &ToolUseBlock{ID: tc.ID, Name: tc.Name, Input: tc.Input}
		}
		if chunk.Done {
			inputTokens = chunk.InputTokens
			outputTokens = chunk.OutputTokens
		}
	}
	for _, id := range order {
		toolCalls = append(toolCalls, *pending[id])
	}
	return sb.String(), toolCalls, inputTokens, outputTokens, nil
}

// compactAndRetryOnOverflow forces reactive compaction when the provider
// reports a context-overflow style failure, returning a non-nil error only
// if compaction could not free any room (spec §4.3 "reactive compaction").
func (tl *TurnLoop) compactAndRetryOnOverflow(ctx context.Context, task *Task, callErr error) error {
	lower := strings.ToLower(callErr.Error())
	if !strings.Contains(lower, "context") && !strings.Contains(lower, "too long") && !strings.Contains(lower, "maximum context") {
		return callErr
	}
	ran := tl.cfg.Compaction.Run(ctx, task.ID, tl.cfg.Conversation, tl.cfg.systemTokenEstimate(), true)
	tl.cfg.Events.ContextSummarized(ctx, 0, true)
	if !ran {
		return callErr
	}
	return nil
}

func classifyStopReason(toolCalls []ToolUseBlock, outputTokens, requestedMax int) string {
	if len(toolCalls) > 0 {
		return "tool_use"
	}
	if requestedMax > 0 && outputTokens >= requestedMax {
		return "max_tokens"
	}
	return "end_turn"
}

func toCompletionMessages(messages []*Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(messages))
	for _, m := range messages {
		cm := CompletionMessage{Role: string(m.Role)}
		var text strings.Builder
		for _, b := range m.Blocks {
			switch v := b.(type) {
			case TextBlock:
				text.WriteString(v.Text)
			case ImagePlaceholderBlock:
				text.WriteString(v.Text())
			case ImageBlock:
				cm.Attachments = append(cm.Attachments, models.Attachment{Type: "image", MimeType: v.MimeType, URL: v.URL})
			case ToolUseBlock:
				cm.ToolCalls = append(cm.ToolCalls, models.ToolCall{ID: v.ID, Name: v.Name, Input: v.Input})
			case ToolResultBlock:
				cm.ToolResults = append(cm.ToolResults, models.ToolResult{ToolCallID: v.ToolUseID, Content: v.Content, IsError: v.IsError})
			}
		}
		cm.Content = text.String()
		out = append(out, cm)
	}
	return out
}
