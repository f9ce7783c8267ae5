package executor

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// toolLoopWindow is the number of recent tool calls the tool-loop detector
// inspects (spec §4.6: "maintains a window of the last N tool calls").
const toolLoopWindow = 3

// variedFailureThreshold is the per-tool failure count (never reset on
// success) at which the varied-failure detector fires (spec §4.6).
const variedFailureThreshold = 5

// maxMaxTokensRecoveries bounds max_tokens continuation attempts per step
// (spec §4.6: "up to maxMaxTokensRecoveries (=3)").
const maxMaxTokensRecoveries = 3

// toolUseStopStreakThreshold / maxTokensStopStreakThreshold are the
// consecutive-stop-reason counts the stop-reason nudge fires on (spec §4.6:
// "K consecutive turns" / "M consecutive turns"). Neither K nor M is named
// numerically in the spec; both are set to 4, matching the loop's default
// per-step iteration budget divided by 4 (a quarter of the step's turns
// stuck on the same stop reason is treated as stuck).
const toolUseStopStreakThreshold = 4
const maxTokensStopStreakThreshold = 4

var searchLikeTools = map[string]bool{
	"grep": true, "ripgrep": true, "rg": true, "search_files": true, "code_search": true,
}

// toolCategory coarsens a tool name into the category the loop detector
// groups on (spec §4.6: "grep/ripgrep/run_command-wrapping-grep all become
// search").
func toolCategory(toolName string, input string) string {
	lower := strings.ToLower(toolName)
	if searchLikeTools[lower] {
		return "search"
	}
	if lower == "run_command" || lower == "exec" {
		if looksLikeGrepInvocation(input) {
			return "search"
		}
		return "exec:" + lower
	}
	return lower
}

var grepInvocationPattern = regexp.MustCompile(`\b(grep|rg|ripgrep)\b`)

func looksLikeGrepInvocation(input string) bool {
	return grepInvocationPattern.MatchString(input)
}

var fileLineRangePattern = regexp.MustCompile(`([./\w-]+\.\w+)(?::(\d+)(?:-(\d+))?)?`)

// toolSignature extracts the (file path ± line range) the detector keys on
// (spec §4.6 "extracts a signature").
func toolSignature(input string) string {
	m := fileLineRangePattern.FindString(input)
	if m == "" {
		return input
	}
	return m
}

type toolCallObservation struct {
	category  string
	signature string
	toolName  string
	target    string
}

// LoopDetector implements the tool-loop, low-progress, varied-failure, and
// stop-reason detectors of the Loop & Recovery Controller (C6, spec §4.6).
// Each nudge fires at most once per step/follow-up, enforced by the
// `fired` set which the Turn Loop resets at the start of every step.
type LoopDetector struct {
	mu sync.Mutex

	recent []toolCallObservation

	lowProgressWindow   int
	lowProgressThreshold int
	targetCounts        map[string]int

	varyingFailures map[string]int

	toolUseStreak  int
	maxTokenStreak int

	fired map[string]bool
}

// NewLoopDetector creates a detector with the domain's configured
// low-progress window/threshold (spec §4.6 "sliding window
// (domain-configurable)").
func NewLoopDetector(lowProgressWindow, lowProgressThreshold int) *LoopDetector {
	if lowProgressWindow <= 0 {
		lowProgressWindow = 6
	}
	if lowProgressThreshold <= 0 {
		lowProgressThreshold = 4
	}
	return &LoopDetector{
		lowProgressWindow:    lowProgressWindow,
		lowProgressThreshold: lowProgressThreshold,
		targetCounts:         make(map[string]int),
		varyingFailures:      make(map[string]int),
		fired:                make(map[string]bool),
	}
}

// ResetForStep clears the one-shot-per-step nudge flags and streak counters
// at the start of a new step or follow-up (spec §4.6 "one-shot per
// step/follow-up").
func (d *LoopDetector) ResetForStep() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fired = make(map[string]bool)
	d.toolUseStreak = 0
	d.maxTokenStreak = 0
}

// ObserveToolCall records one tool call for the tool-loop and low-progress
// detectors. target is a coarser key than signature (e.g. the bare file
// path, ignoring line range) used for the low-progress window.
func (d *LoopDetector) ObserveToolCall(toolName, input, target string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	obs := toolCallObservation{
		category:  toolCategory(toolName, input),
		signature: toolSignature(input),
		toolName:  toolName,
		target:    target,
	}
	d.recent = append(d.recent, obs)
	if len(d.recent) > toolLoopWindow {
		d.recent = d.recent[len(d.recent)-toolLoopWindow:]
	}

	d.targetCounts[target]++
}

// ObserveToolFailure increments the varied-failure counter. It never resets
// on success (spec §4.6).
func (d *LoopDetector) ObserveToolFailure(toolName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.varyingFailures[toolName]++
}

// ObserveStopReason feeds the stop-reason nudge's streak counters.
func (d *LoopDetector) ObserveStopReason(stopReason string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch stopReason {
	case "tool_use":
		d.toolUseStreak++
		d.maxTokenStreak = 0
	case "max_tokens":
		d.maxTokenStreak++
		d.toolUseStreak = 0
	default:
		d.toolUseStreak = 0
		d.maxTokenStreak = 0
	}
}

// ToolLoopNudge reports whether three consecutive calls share the same
// category and signature, firing once per step (spec §4.6).
func (d *LoopDetector) ToolLoopNudge() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fired["tool_loop"] {
		return "", false
	}
	if len(d.recent) < toolLoopWindow {
		return "", false
	}
	first := d.recent[len(d.recent)-toolLoopWindow]
	for _, obs := range d.recent[len(d.recent)-toolLoopWindow:] {
		if obs.category != first.category || obs.signature != first.signature {
			return "", false
		}
	}
	d.fired["tool_loop"] = true
	return fmt.Sprintf("you have called %q the same way %d times in a row without new information; change your approach", first.category, toolLoopWindow), true
}

// LowProgressNudge reports whether any single target has been hit at least
// lowProgressThreshold times (spec §4.6).
func (d *LoopDetector) LowProgressNudge() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fired["low_progress"] {
		return "", false
	}
	for target, count := range d.targetCounts {
		if count >= d.lowProgressThreshold {
			d.fired["low_progress"] = true
			return fmt.Sprintf("repeated attempts against %q have not made progress; try a different target or approach", target), true
		}
	}
	return "", false
}

// VariedFailureNudge reports whether any tool has accumulated
// variedFailureThreshold failures across the run (spec §4.6).
func (d *LoopDetector) VariedFailureNudge() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for tool, count := range d.varyingFailures {
		key := "varied_failure:" + tool
		if count >= variedFailureThreshold && !d.fired[key] {
			d.fired[key] = true
			return fmt.Sprintf("tool %q has now failed %d times this run; fall back to producing the deliverable as text", tool, count), true
		}
	}
	return "", false
}

// StopReasonNudge reports whether the model has terminated with the same
// stop reason for too many consecutive turns (spec §4.6).
func (d *LoopDetector) StopReasonNudge() (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.fired["stop_reason"] && d.toolUseStreak >= toolUseStopStreakThreshold {
		d.fired["stop_reason"] = true
		return "give a direct answer now instead of invoking another tool; you have turn budget freed for this", true
	}
	if !d.fired["stop_reason"] && d.maxTokenStreak >= maxTokensStopStreakThreshold {
		d.fired["stop_reason"] = true
		return "your responses keep truncating at the token limit; produce a shorter, direct answer", true
	}
	return "", false
}

// ToolRecoveryHint builds the one-shot instruction block fired when a turn's
// tool calls all produced disabled/duplicate/unavailable/hard-failure
// results (spec §4.6 "Tool-recovery hint").
func (d *LoopDetector) ToolRecoveryHint(blockedTools []string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fired["tool_recovery"] || len(blockedTools) == 0 {
		return "", false
	}
	d.fired["tool_recovery"] = true
	return fmt.Sprintf("the following tools are currently blocked: %s; switch strategy and do not retry them", strings.Join(blockedTools, ", ")), true
}

// MaxTokensRecoveryState tracks the per-step max_tokens continuation budget
// (spec §4.6 "Max-tokens recovery").
type MaxTokensRecoveryState struct {
	mu       sync.Mutex
	attempts int
}

// NewMaxTokensRecoveryState creates a fresh per-step counter.
func NewMaxTokensRecoveryState() *MaxTokensRecoveryState {
	return &MaxTokensRecoveryState{}
}

// ShouldContinue reports whether another max_tokens continuation is allowed,
// incrementing the attempt counter if so. The Turn Loop must not advance its
// iteration counter when this returns true (spec §4.6).
func (s *MaxTokensRecoveryState) ShouldContinue() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempts >= maxMaxTokensRecoveries {
		return false
	}
	s.attempts++
	return true
}

// Reset clears the continuation counter at the start of a new turn.
func (s *MaxTokensRecoveryState) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = 0
}

// ClassifyStepFailure maps a step's terminal tool/provider error to the
// FailureClassForRecovery the Plan State Machine's InjectRecovery dispatches
// on (spec §4.2, §4.6 "Step recovery planning").
func ClassifyStepFailure(err error) FailureClassForRecovery {
	if err == nil {
		return FailureExternalUnknown
	}
	var awaiting *AwaitingUserInputError
	if errors.As(err, &awaiting) {
		return FailureUserBlocker
	}
	var transient *ProviderTransientError
	if errors.As(err, &transient) {
		return FailureProviderQuota
	}
	var budget *BudgetExhaustedError
	if errors.As(err, &budget) {
		return FailureLocalRuntime
	}
	var deadline *StepDeadlineExceededError
	if errors.As(err, &deadline) {
		return FailureLocalRuntime
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "permission"), strings.Contains(lower, "confirm"), strings.Contains(lower, "requires user"):
		return FailureUserBlocker
	case strings.Contains(lower, "rate limit"), strings.Contains(lower, "quota"), strings.Contains(lower, "429"):
		return FailureProviderQuota
	case strings.Contains(lower, "disk"), strings.Contains(lower, "permission denied"), strings.Contains(lower, "no such file"), strings.Contains(lower, "sandbox"):
		return FailureLocalRuntime
	default:
		return FailureExternalUnknown
	}
}
