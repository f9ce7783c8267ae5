package executor

import (
	"context"
	"sync"
)

// CompactionConfig configures when a task's conversation is compacted
// (spec §4.3, §4.9).
type CompactionConfig struct {
	// ContextWindow is the provider's effective token window for this task.
	ContextWindow int64

	// SummaryTokenBudget bounds the size of the inserted summary block.
	SummaryTokenBudget int
}

// DefaultCompactionConfig returns sensible defaults for a mid-sized context
// window.
func DefaultCompactionConfig() CompactionConfig {
	return CompactionConfig{
		ContextWindow:      180_000,
		SummaryTokenBudget: 1500,
	}
}

// CompactionCoordinator wires the Conversation Store's trigger/selection
// logic to the Compaction Summarizer and the pinned compaction_summary
// block, tracking per-task compaction state (C9 orchestration, spec §4.3
// "Run compaction", §4.9).
//
// Grounded on the teacher's CompactionManager (per-session state map,
// threshold check, idempotent trigger), generalized from a
// memory-flush-prompt workflow into the spec's percentage-based
// proactive/reactive compaction-with-summary pipeline; selection itself now
// lives in ConversationStore.CompactWithMeta and summarization in
// CompactionSummarizer, so this type is a thin per-task coordinator rather
// than owning the algorithm.
type CompactionCoordinator struct {
	mu         sync.Mutex
	config     CompactionConfig
	summarizer *CompactionSummarizer
	lastRun    map[string]int // taskID -> number of times compacted, for diagnostics
}

// NewCompactionCoordinator constructs a coordinator bound to a summarizer
// and config.
func NewCompactionCoordinator(config CompactionConfig, summarizer *CompactionSummarizer) *CompactionCoordinator {
	return &CompactionCoordinator{
		config:     config,
		summarizer: summarizer,
		lastRun:    make(map[string]int),
	}
}

// Run checks utilization and, if triggered (proactively at the threshold or
// forcibly if forceReactive is set because an LLM call would otherwise
// exceed the window), compacts store in place and upserts the resulting
// handoff summary as the pinned compaction_summary block (spec §4.3 step e,
// §4.9). Returns true if compaction ran.
func (c *CompactionCoordinator) Run(ctx context.Context, taskID string, store *ConversationStore, systemTokens int64, forceReactive bool) bool {
	result := store.CompactWithMeta(systemTokens, c.config.ContextWindow, forceReactive)
	if len(result.Removed) == 0 {
		return false
	}

	summary := c.summarizer.Summarize(ctx, result.Removed, c.config.SummaryTokenBudget)
	store.UpsertPinnedBlock(PinCompactionSummary, framedAsHandoff(summary), PinSharedContext)

	c.mu.Lock()
	c.lastRun[taskID]++
	c.mu.Unlock()
	return true
}

// framedAsHandoff wraps the raw summary so the model treats it as
// authoritative prior context rather than a user instruction (spec §4.3:
// "framed as a handoff from a previous agent").
func framedAsHandoff(summary string) string {
	return "The following is a handoff summary from a previous agent that worked on this task. Treat it as established context.\n\n" + summary
}

// CompactionCount reports how many times a task's conversation has been
// compacted, for diagnostics/telemetry.
func (c *CompactionCoordinator) CompactionCount(taskID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRun[taskID]
}
