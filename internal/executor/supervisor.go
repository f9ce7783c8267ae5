package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/kastellan/taskexec/internal/observability"
	"github.com/kastellan/taskexec/internal/tools/policy"
)

// SupervisorConfig bundles the task-independent collaborators the
// Supervisor hands to every TurnLoop it constructs (spec §4.1, §6).
type SupervisorConfig struct {
	Provider LLMProvider
	Registry *ToolRegistry
	Resolver *policy.Resolver
	Guard    ToolResultGuard

	Plugins    *PluginRegistry
	Approvals  *ApprovalChecker
	Snapshots  SnapshotStore
	Summarizer *CompactionSummarizer

	CompactionConfig CompactionConfig
	LowProgressWindow    int
	LowProgressThreshold int

	ContextWindow int64
	SystemPrompt  string

	// Tracer and Metrics are optional process-wide observability
	// collaborators threaded into every TurnLoop and Gatekeeper this
	// Supervisor constructs. Both are nil-safe: leaving them unset disables
	// instrumentation entirely.
	Tracer  *observability.Tracer
	Metrics *observability.Metrics
}

// run is everything the Supervisor tracks for one in-flight task: its
// collaborators, its cooperative pause/cancel flags, and the goroutine
// driving its TurnLoop.
type run struct {
	mu sync.Mutex

	task   *Task
	loop   *TurnLoop
	events *TaskEventEmitter

	paused    bool
	cancelled bool
	cancelReason string

	steering *SteeringQueue

	done   chan struct{}
	outcome Outcome
}

func (r *run) shouldPause() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

// Supervisor is the Lifecycle Supervisor (C8, spec §4.1): it owns the
// Lifecycle Mutex serializing every state-mutating operation per task,
// constructs one TurnLoop per task, and exposes the host-facing
// Execute/Resume/Cancel/Pause/SendMessage surface.
//
// Grounded on the teacher's deleted Runtime (session-keyed map + per-session
// mutex guarding Run/Resume/Cancel), generalized from chat-session identity
// to Task identity and from a single Run method to the full resumable
// lifecycle spec §4.1 requires (ContinueAfterBudgetExhausted,
// ResumeAfterInterruption, WrapUp).
type Supervisor struct {
	cfg SupervisorConfig

	mu   sync.Mutex // Lifecycle Mutex: guards runs and every per-task transition below
	runs map[string]*run
}

// NewSupervisor constructs a Supervisor bound to the collaborators shared
// across every task it drives.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	return &Supervisor{
		cfg:  cfg,
		runs: make(map[string]*run),
	}
}

// newTurnLoopFor constructs a fresh TurnLoop and its collaborators for task,
// wiring the Gatekeeper's event callback into the canonical TaskEventEmitter
// and the shared PluginRegistry into the event-emission chain (spec §4.5,
// §6).
func (s *Supervisor) newTurnLoopFor(task *Task) (*TurnLoop, *TaskEventEmitter) {
	emitter := NewEventEmitter(task.ID, NewPluginSink(s.cfg.Plugins))
	taskEvents := NewTaskEventEmitter(task.ID, emitter)

	budget := NewBudgetGovernor(task.Budget, &task.Usage)

	execConfig := DefaultToolExecConfig()
	toolExec := NewToolExecutor(s.cfg.Registry, execConfig)

	gatekeeperPolicy := GatekeeperPolicy{
		ExecutionMode: task.Config.ExecutionMode,
		TaskDomain:    task.Config.TaskDomain,
		AllowedTools:  task.Config.AllowedTools,
		DeniedTools:   task.Config.ToolRestrictions,
	}
	gk := NewGatekeeper(s.cfg.Registry, toolExec, s.cfg.Resolver, s.cfg.Guard, gatekeeperPolicy, budget)
	gk.SetEventCallback(func(eventType string, payload map[string]any) {
		dispatchGatekeeperEvent(taskEvents, eventType, payload)
	})
	gk.SetObservability(s.cfg.Tracer, s.cfg.Metrics)
	budget.SetMetrics(s.cfg.Metrics)
	if s.cfg.Approvals != nil {
		gk.SetApprovalChecker(s.cfg.Approvals, task.ID)
	}

	conversation := NewConversationStore()
	conversation.Append(NewTextMessage(RoleUser, task.Prompt))

	compaction := NewCompactionCoordinator(s.cfg.CompactionConfig, s.cfg.Summarizer)

	detector := NewLoopDetector(s.cfg.LowProgressWindow, s.cfg.LowProgressThreshold)

	loop := NewTurnLoop(TurnLoopConfig{
		Provider:      s.cfg.Provider,
		Gatekeeper:    gk,
		Plan:          NewPlanMachine(),
		Conversation:  conversation,
		Compaction:    compaction,
		Budget:        budget,
		Oracle:        NewCompletionOracle(),
		LoopDetector:  detector,
		Events:        taskEvents,
		ContextWindow: s.cfg.ContextWindow,
		SystemPrompt:  s.cfg.SystemPrompt,
		MaxTokens:     task.Config.MaxTokens,
		ToolBearing:   s.cfg.Registry != nil,
		Tracer:        s.cfg.Tracer,
		Metrics:       s.cfg.Metrics,
	})
	return loop, taskEvents
}

// dispatchGatekeeperEvent maps gatekeeper.go's own string-keyed callback
// onto the canonical TaskEventEmitter methods, so the Gatekeeper's 12-step
// pipeline and the rest of the task lifecycle emit through one event
// pipeline rather than two parallel ones.
func dispatchGatekeeperEvent(events *TaskEventEmitter, eventType string, payload map[string]any) {
	ctx := context.Background()
	tool, _ := payload["tool"].(string)
	callID, _ := payload["call_id"].(string)

	switch eventType {
	case "tool_call":
		events.ToolCallEvent(ctx, callID, tool)
	case "tool_result":
		isError, _ := payload["is_error"].(bool)
		events.ToolResultEvent(ctx, callID, tool, isError, nil)
	case "tool_blocked", "budget_soft_landing":
		events.ToolBlocked(ctx, callID, tool, eventType)
	case "mode_gate_blocked":
		events.ModeGateBlocked(ctx, callID, tool, eventType)
	case "parameter_inference":
		events.ParameterInference(ctx, callID, tool, "", "")
	case "progress_update":
		events.ProgressUpdate(ctx, callID, tool)
	}
}

// Execute starts a new task from its initial prompt and drives it to a
// terminal or interrupting Outcome, blocking the caller until one of those
// occurs (spec §4.1 "Execute").
func (s *Supervisor) Execute(ctx context.Context, task *Task) Outcome {
	s.mu.Lock()
	if task.Budget == (BudgetContract{}) {
		task.Budget = ResolveBudgetContract(task.Config)
	}
	loop, events := s.newTurnLoopFor(task)
	r := &run{task: task, loop: loop, events: events, steering: NewSteeringQueue(), done: make(chan struct{})}
	s.runs[task.ID] = r
	task.Status = TaskExecuting
	s.mu.Unlock()

	events.Executing(ctx)
	outcome := loop.Run(ctx, task, Hooks{ShouldPause: r.shouldPause, Cancelled: r.isCancelled, Steering: r.steering})
	s.finish(ctx, task, r, outcome)
	return outcome
}

// finish applies an Outcome to task.Status/TerminalStatus/FailureClass and
// emits the matching terminal event (spec §7: "every task ends in exactly
// one of completed/paused/failed/cancelled").
func (s *Supervisor) finish(ctx context.Context, task *Task, r *run, outcome Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.mu.Lock()
	r.outcome = outcome
	r.mu.Unlock()
	close(r.done)

	switch outcome.Kind {
	case OutcomeCompleted:
		task.Status = TaskCompleted
		task.TerminalStatus = outcome.TerminalStatus
		task.ResultSummary = outcome.ResultSummary
	case OutcomeFailed:
		task.Status = TaskFailed
		task.FailureClass = outcome.FailureClass
		task.ResultSummary = outcome.ResultSummary
		r.events.TaskFailed(ctx, outcome.FailureClass, outcome.ResultSummary)
	case OutcomeCancelled:
		task.Status = TaskCancelled
		r.events.TaskCancelled(ctx, r.cancelReason)
	case OutcomePaused, OutcomeAwaitingInput, OutcomeBudgetExhausted:
		task.Status = TaskPaused
	}
}

// Resume continues a previously-paused task from where its TurnLoop left
// off. The plan, conversation, and budget usage are whatever the prior
// Execute/Resume call left them at (spec §4.1 "Resume").
func (s *Supervisor) Resume(ctx context.Context, task *Task) Outcome {
	return s.Execute(ctx, task)
}

// ResumeAfterInterruption rebuilds a task's conversation/plan state from a
// Snapshot taken before an unplanned process exit, then resumes it (spec
// §4.1 "ResumeAfterInterruption", §3 Conversation Snapshot).
func (s *Supervisor) ResumeAfterInterruption(ctx context.Context, task *Task) (Outcome, error) {
	if s.cfg.Snapshots == nil {
		return Outcome{}, fmt.Errorf("executor: no snapshot store configured")
	}
	snap, ok, err := s.cfg.Snapshots.Load(ctx, task.ID)
	if err != nil {
		return Outcome{}, err
	}
	if !ok {
		return s.Execute(ctx, task)
	}

	s.mu.Lock()
	loop, events := s.newTurnLoopFor(task)
	for _, m := range FromSnapshotMessages(snap.Messages) {
		loop.cfg.Conversation.Append(m)
	}
	if snap.Plan != nil {
		loop.cfg.Plan.SetPlan(snap.Plan)
	}
	r := &run{task: task, loop: loop, events: events, steering: NewSteeringQueue(), done: make(chan struct{})}
	s.runs[task.ID] = r
	task.Status = TaskExecuting
	s.mu.Unlock()

	events.Executing(ctx)
	outcome := loop.Run(ctx, task, Hooks{ShouldPause: r.shouldPause, Cancelled: r.isCancelled, Steering: r.steering})
	s.finish(ctx, task, r, outcome)
	return outcome, nil
}

// ContinueAfterBudgetExhausted resets the Budget Governor's "current"
// counters (preserving cumulative totals) and resumes the task (spec §4.4
// scenario 2, §4.1 "ContinueAfterBudgetExhausted").
func (s *Supervisor) ContinueAfterBudgetExhausted(ctx context.Context, task *Task) Outcome {
	s.mu.Lock()
	r, ok := s.runs[task.ID]
	s.mu.Unlock()
	if ok {
		r.loop.cfg.Budget.ResetForContinuation()
	}
	return s.Resume(ctx, task)
}

// SendMessage injects content into a task's conversation. If the task is
// actively running, the message is queued as a steering message and
// delivered at the next tool-round boundary; otherwise it is appended
// directly so the next Resume picks it up (spec §4.1 "SendMessage").
func (s *Supervisor) SendMessage(taskID, content string) {
	s.mu.Lock()
	r, ok := s.runs[taskID]
	s.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	running := !r.paused && !r.cancelled
	r.mu.Unlock()

	if running {
		r.steering.SteerText(content)
		return
	}
	r.loop.cfg.Conversation.Append(NewTextMessage(RoleUser, content))
}

// QueueFollowUp queues a message to be processed once the current run
// completes rather than interrupting it mid-step (spec §4.1 "QueueFollowUp").
func (s *Supervisor) QueueFollowUp(taskID, content string) {
	s.mu.Lock()
	r, ok := s.runs[taskID]
	s.mu.Unlock()
	if !ok {
		return
	}
	r.steering.FollowUpText(content)
}

// SetStepFeedback attaches human feedback to the currently in-progress
// step's conversation without altering the plan (spec §4.1
// "SetStepFeedback").
func (s *Supervisor) SetStepFeedback(ctx context.Context, taskID, stepID, feedback string) {
	s.mu.Lock()
	r, ok := s.runs[taskID]
	s.mu.Unlock()
	if !ok {
		return
	}
	r.loop.cfg.Conversation.Append(NewTextMessage(RoleUser, "Feedback on current step: "+feedback))
	r.events.StepFeedback(ctx, stepID, feedback)
}

// Pause cooperatively suspends a running task at the next turn boundary;
// the TurnLoop observes this through Hooks.ShouldPause (spec §4.1 "Pause").
func (s *Supervisor) Pause(taskID string) {
	s.mu.Lock()
	r, ok := s.runs[taskID]
	s.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
}

// Cancel cooperatively stops a running task at the next turn boundary,
// recording reason for the terminal task_cancelled event (spec §4.1
// "Cancel(reason)", §7).
func (s *Supervisor) Cancel(taskID string, reason CancelReason) {
	s.mu.Lock()
	r, ok := s.runs[taskID]
	s.mu.Unlock()
	if !ok {
		return
	}
	r.mu.Lock()
	r.cancelled = true
	r.cancelReason = string(reason)
	r.mu.Unlock()
}

// WrapUp asks a running task to stop pursuing its plan and finalize with
// whatever answer it can produce now. It is idempotent: the first call
// aborts the in-flight LLM call and marks the loop's soft-deadline-reached
// flag; later calls are no-ops (spec §4.1, §4.8 step 3, testable property
// #10).
func (s *Supervisor) WrapUp(taskID string) {
	s.mu.Lock()
	r, ok := s.runs[taskID]
	s.mu.Unlock()
	if !ok {
		return
	}
	r.loop.WrapUp()
}

// Snapshot captures task's current conversation/plan state for crash
// recovery (spec §3 Conversation Snapshot, §4.1 "ResumeAfterInterruption").
func (s *Supervisor) Snapshot(ctx context.Context, task *Task) error {
	if s.cfg.Snapshots == nil {
		return nil
	}
	s.mu.Lock()
	r, ok := s.runs[task.ID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	snap := BuildSnapshot(task, r.loop.cfg.Conversation.Messages(), nil, r.loop.cfg.Plan.Plan())
	return s.cfg.Snapshots.Save(ctx, snap)
}

// Wait blocks until task's run has produced a terminal or interrupting
// Outcome and returns it, or returns the zero Outcome immediately if task
// isn't currently tracked.
func (s *Supervisor) Wait(taskID string) Outcome {
	s.mu.Lock()
	r, ok := s.runs[taskID]
	s.mu.Unlock()
	if !ok {
		return Outcome{}
	}
	<-r.done
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcome
}
