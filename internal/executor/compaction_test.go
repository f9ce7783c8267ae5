package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubSummaryLLM struct {
	out string
	err error
}

func (s *stubSummaryLLM) Summarize(ctx context.Context, prompt string) (string, error) {
	return s.out, s.err
}

func fillWithMessages(store *ConversationStore, n int) {
	for i := 0; i < n; i++ {
		store.Append(NewTextMessage(RoleUser, strings.Repeat("x", 2000)))
		store.Append(NewTextMessage(RoleAssistant, strings.Repeat("y", 2000)))
	}
}

func TestCompactionCoordinatorRunsWhenOverThreshold(t *testing.T) {
	store := NewConversationStore()
	fillWithMessages(store, 50)

	summarizer := NewCompactionSummarizer(&stubSummaryLLM{out: "## Primary Request\ndone"})
	coord := NewCompactionCoordinator(CompactionConfig{ContextWindow: 10_000, SummaryTokenBudget: 500}, summarizer)

	ran := coord.Run(context.Background(), "task-1", store, 0, false)
	if !ran {
		t.Fatal("expected compaction to run when utilization exceeds threshold")
	}
	if coord.CompactionCount("task-1") != 1 {
		t.Fatalf("expected compaction count 1, got %d", coord.CompactionCount("task-1"))
	}

	found := false
	for _, m := range store.Messages() {
		if m.Pin == PinCompactionSummary {
			found = true
			if !strings.Contains(m.Text(), "handoff summary") {
				t.Error("expected summary to be framed as a handoff")
			}
		}
	}
	if !found {
		t.Fatal("expected a pinned compaction_summary block after compaction")
	}
}

func TestCompactionCoordinatorNoopBelowThreshold(t *testing.T) {
	store := NewConversationStore()
	store.Append(NewTextMessage(RoleUser, "hello"))

	summarizer := NewCompactionSummarizer(&stubSummaryLLM{out: "summary"})
	coord := NewCompactionCoordinator(CompactionConfig{ContextWindow: 1_000_000, SummaryTokenBudget: 500}, summarizer)

	ran := coord.Run(context.Background(), "task-1", store, 0, false)
	if ran {
		t.Fatal("expected no compaction below the utilization threshold")
	}
}

func TestCompactionCoordinatorForceReactive(t *testing.T) {
	store := NewConversationStore()
	store.Append(NewTextMessage(RoleUser, strings.Repeat("x", 500)))
	store.Append(NewTextMessage(RoleAssistant, strings.Repeat("y", 500)))

	summarizer := NewCompactionSummarizer(&stubSummaryLLM{out: "summary"})
	coord := NewCompactionCoordinator(CompactionConfig{ContextWindow: 100_000, SummaryTokenBudget: 500}, summarizer)

	ran := coord.Run(context.Background(), "task-2", store, 0, true)
	if !ran {
		t.Fatal("expected forced reactive compaction to run even under the proactive threshold")
	}
}

func TestSummarizerFallsBackOnLLMError(t *testing.T) {
	summarizer := NewCompactionSummarizer(&stubSummaryLLM{err: errors.New("provider down")})
	dropped := []*Message{NewTextMessage(RoleUser, "what happened yesterday")}

	out := summarizer.Summarize(context.Background(), dropped, 1000)
	if !strings.Contains(out, "Current State") {
		t.Fatal("expected deterministic fallback to include the fixed section headers")
	}
	if !strings.Contains(out, "what happened yesterday") {
		t.Fatal("expected deterministic fallback to embed the raw transcript")
	}
}

func TestSummarizerEnforcesSizeLimit(t *testing.T) {
	summarizer := NewCompactionSummarizer(&stubSummaryLLM{out: strings.Repeat("a", 10_000)})
	out := summarizer.Summarize(context.Background(), []*Message{NewTextMessage(RoleUser, "x")}, 10)
	if len(out) > 10*charsPerToken+len("...[truncated]") {
		t.Fatalf("expected summary clamped to token budget, got %d chars", len(out))
	}
}

func TestFormatRoleAwareTranscriptClampsToolContent(t *testing.T) {
	msg := NewToolResultMessage(ToolResultBlock{ToolUseID: "1", Content: strings.Repeat("z", 1000)})
	transcript := formatRoleAwareTranscript([]*Message{msg})
	if !strings.Contains(transcript, "[truncated]") {
		t.Fatal("expected tool result content to be clamped in the transcript")
	}
}
