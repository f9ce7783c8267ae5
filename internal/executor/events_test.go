package executor

import (
	"context"
	"testing"

	"github.com/kastellan/taskexec/pkg/models"
)

func newCapturingTaskEmitter(taskID string) (*TaskEventEmitter, *[]models.AgentEvent) {
	var captured []models.AgentEvent
	sink := NewCallbackSink(func(ctx context.Context, e models.AgentEvent) {
		captured = append(captured, e)
	})
	inner := NewEventEmitter("run-1", sink)
	return NewTaskEventEmitter(taskID, inner), &captured
}

func TestTaskEventEmitter_ExecutingCarriesTaskID(t *testing.T) {
	e, captured := newCapturingTaskEmitter("task-1")

	e.Executing(context.Background())

	if len(*captured) != 1 {
		t.Fatalf("got %d events, want 1", len(*captured))
	}
	ev := (*captured)[0]
	if ev.Type != models.AgentEventExecuting {
		t.Errorf("Type = %q, want %q", ev.Type, models.AgentEventExecuting)
	}
	if ev.Task == nil || ev.Task.TaskID != "task-1" {
		t.Fatalf("Task payload missing or wrong TaskID: %+v", ev.Task)
	}
}

func TestTaskEventEmitter_PlanCreatedCarriesStepCount(t *testing.T) {
	e, captured := newCapturingTaskEmitter("task-1")

	e.PlanCreated(context.Background(), 5)

	ev := (*captured)[0]
	if ev.Task.Fields["step_count"] != "5" {
		t.Errorf("step_count = %q, want %q", ev.Task.Fields["step_count"], "5")
	}
}

func TestTaskEventEmitter_StepFailedCarriesFailureClass(t *testing.T) {
	e, captured := newCapturingTaskEmitter("task-1")

	e.StepFailed(context.Background(), "step-1", FailureProviderQuota)

	ev := (*captured)[0]
	if ev.Type != models.AgentEventStepFailed {
		t.Errorf("Type = %q, want %q", ev.Type, models.AgentEventStepFailed)
	}
	if ev.Task.StepID != "step-1" {
		t.Errorf("StepID = %q, want %q", ev.Task.StepID, "step-1")
	}
	if ev.Task.Fields["class"] != string(FailureProviderQuota) {
		t.Errorf("class = %q, want %q", ev.Task.Fields["class"], FailureProviderQuota)
	}
}

func TestTaskEventEmitter_ToolBlockedCarriesReason(t *testing.T) {
	e, captured := newCapturingTaskEmitter("task-1")

	e.ToolBlocked(context.Background(), "call-1", "write_file", "denied by policy")

	ev := (*captured)[0]
	if ev.Type != models.AgentEventToolBlocked {
		t.Errorf("Type = %q, want %q", ev.Type, models.AgentEventToolBlocked)
	}
	if ev.Tool == nil || ev.Tool.CallID != "call-1" || ev.Tool.Name != "write_file" {
		t.Fatalf("Tool payload mismatch: %+v", ev.Tool)
	}
	if ev.Error == nil || ev.Error.Message != "denied by policy" {
		t.Fatalf("Error payload mismatch: %+v", ev.Error)
	}
}

func TestTaskEventEmitter_ModeGateBlockedCarriesReason(t *testing.T) {
	e, captured := newCapturingTaskEmitter("task-1")

	e.ModeGateBlocked(context.Background(), "call-1", "deploy", "analyze mode forbids mutation")

	ev := (*captured)[0]
	if ev.Type != models.AgentEventModeGateBlocked {
		t.Errorf("Type = %q, want %q", ev.Type, models.AgentEventModeGateBlocked)
	}
	if ev.Error.Message != "analyze mode forbids mutation" {
		t.Errorf("Error.Message = %q, want %q", ev.Error.Message, "analyze mode forbids mutation")
	}
}

func TestTaskEventEmitter_TaskCompletedCarriesStatusAndSummary(t *testing.T) {
	e, captured := newCapturingTaskEmitter("task-1")

	e.TaskCompleted(context.Background(), "completed", "all steps succeeded")

	ev := (*captured)[0]
	if ev.Task.Fields["terminal_status"] != "completed" {
		t.Errorf("terminal_status = %q, want %q", ev.Task.Fields["terminal_status"], "completed")
	}
	if ev.Task.Fields["result_summary"] != "all steps succeeded" {
		t.Errorf("result_summary = %q, want %q", ev.Task.Fields["result_summary"], "all steps succeeded")
	}
}

func TestTaskEventEmitter_SequenceIsMonotonicAcrossTaskEvents(t *testing.T) {
	e, captured := newCapturingTaskEmitter("task-1")

	e.Executing(context.Background())
	e.PlanCreated(context.Background(), 1)
	e.StepStarted(context.Background(), "step-1", "do the thing")

	evs := *captured
	if len(evs) != 3 {
		t.Fatalf("got %d events, want 3", len(evs))
	}
	if evs[0].Sequence >= evs[1].Sequence || evs[1].Sequence >= evs[2].Sequence {
		t.Errorf("expected strictly increasing sequence numbers, got %d, %d, %d", evs[0].Sequence, evs[1].Sequence, evs[2].Sequence)
	}
}

func TestTaskEventEmitter_GenericErrorCarriesUnderlyingError(t *testing.T) {
	e, captured := newCapturingTaskEmitter("task-1")

	underlying := &BudgetExhaustedError{Kind: BudgetTokenLimit, Limit: 100, Observed: 150}
	e.GenericError(context.Background(), underlying)

	ev := (*captured)[0]
	if ev.Error == nil {
		t.Fatal("expected an Error payload")
	}
	if ev.Error.Err != underlying {
		t.Error("expected the underlying error to be preserved on the event")
	}
}
