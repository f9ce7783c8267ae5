package executor

import (
	"sync"
	"time"

	"github.com/kastellan/taskexec/internal/observability"
)

// turnSoftLandingReserve is the number of remaining turns at which the
// Budget Governor injects its one-shot soft-landing nudge (spec §4.4).
const turnSoftLandingReserve = 2

// retryTokenFloor is the minimum maxTokens a tool-bearing call is ever
// decayed below (spec §4.4).
const retryTokenFloor = 8192

// retryTimeoutCap bounds the computed per-attempt deadline (spec §4.4).
const retryTimeoutCap = 10 * time.Minute

// tpsEWMAAlpha is the smoothing factor for the observed tokens/second
// estimate (spec §4.4: "EWMA, α=0.2").
const tpsEWMAAlpha = 0.2

// tpsSafetyFactor derates the observed tps before sizing a call (spec §4.4:
// "safety factor (~0.7)").
const tpsSafetyFactor = 0.7

// tokenDecayFactor and timeoutDecayFactor shrink the per-attempt budget on
// each retry (spec §4.4: "per-attempt decay (~0.65 tokens, ~0.75 timeout)").
const tokenDecayFactor = 0.65
const timeoutDecayFactor = 0.75

// BudgetGovernor enforces turn/tool/search/cost/token budgets and emits
// soft-landing/wrap-up signals (C4, spec §4.4).
//
// Grounded on the teacher's LoopConfig (MaxIterations/MaxToolCalls/
// MaxWallTime in loop.go), generalized from a single per-run cap set into
// the spec's full per-profile Budget Contract plus the retry-token/timeout
// EWMA sizing spec §4.4 requires (the EWMA/decay math itself has no teacher
// analogue and is implemented directly from the spec).
type BudgetGovernor struct {
	mu sync.Mutex

	contract BudgetContract
	usage    *UsageTotals // shared with Task.Usage; governor only increments

	// offsets let ContinueAfterBudgetExhausted reset "current" counters
	// while keeping cumulative totals (spec §4.4 scenario 2).
	turnOffset     int64
	toolCallOffset int64
	searchOffset   int64

	consecutiveSearchSteps int64

	softLandingInjected bool

	observedTPS float64 // tokens/sec EWMA, 0 until first observation

	metrics *observability.Metrics // optional; nil disables instrumentation
}

// NewBudgetGovernor constructs a governor bound to a task's resolved
// contract and its shared usage totals.
func NewBudgetGovernor(contract BudgetContract, usage *UsageTotals) *BudgetGovernor {
	return &BudgetGovernor{contract: contract, usage: usage}
}

// SetMetrics wires a process-wide Metrics collector into the governor.
// Instrumentation is a no-op until this is called (spec is silent on
// observability; kept optional so unit tests need not register Prometheus
// collectors).
func (g *BudgetGovernor) SetMetrics(metrics *observability.Metrics) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.metrics = metrics
}

// remainingTurns returns turns left before MaxTurns, accounting for the
// current continuation offset.
func (g *BudgetGovernor) remainingTurns() int64 {
	used := g.usage.GlobalTurns - g.turnOffset
	remaining := g.contract.MaxTurns - used
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CheckBeforeLLMCall throws a BudgetExhaustedError if any global limit is
// already crossed (spec §4.4 "Before every LLM call").
func (g *BudgetGovernor) CheckBeforeLLMCall(enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !enabled {
		return nil
	}
	used := g.usage.GlobalTurns - g.turnOffset
	if used >= g.contract.MaxTurns {
		if g.metrics != nil {
			g.metrics.RecordBudgetEvent("turns", "exhausted")
		}
		return &BudgetExhaustedError{
			Kind: BudgetTurnLimit, Limit: g.contract.MaxTurns, Observed: used,
			ActionHint: "continue_task",
		}
	}
	return nil
}

// CheckBeforeToolCall throws if the tool-call budget is exceeded, or if
// toolName is "web_search" and the search budget is exceeded (spec §4.4
// "Before every tool call").
func (g *BudgetGovernor) CheckBeforeToolCall(enabled bool, toolName string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !enabled {
		return nil
	}
	used := g.usage.ToolCalls - g.toolCallOffset
	if used >= g.contract.MaxToolCalls {
		if g.metrics != nil {
			g.metrics.RecordBudgetEvent("tool_calls", "exhausted")
		}
		return &BudgetExhaustedError{Kind: BudgetToolLimit, Limit: g.contract.MaxToolCalls, Observed: used}
	}
	if toolName == "web_search" {
		searchUsed := g.usage.WebSearchCalls - g.searchOffset
		if searchUsed >= g.contract.MaxWebSearchCalls {
			if g.metrics != nil {
				g.metrics.RecordBudgetEvent("web_search", "exhausted")
			}
			return &BudgetExhaustedError{Kind: BudgetSearchLimit, Limit: g.contract.MaxWebSearchCalls, Observed: searchUsed}
		}
	}
	return nil
}

// RecordTurn increments the global admitted-turn counter. Must be called
// exactly once per admitted LLM response (spec §8 invariant 5).
func (g *BudgetGovernor) RecordTurn(inputTokens, outputTokens int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.usage.GlobalTurns++
	g.usage.InputTokens += inputTokens
	g.usage.OutputTokens += outputTokens
	if g.metrics != nil {
		g.metrics.RecordBudgetEvent("turns", "consumed")
	}
}

// RecordToolCall increments the admitted tool-call counter, and the search
// counter if the tool was web_search.
func (g *BudgetGovernor) RecordToolCall(toolName string, wasSearch bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.usage.ToolCalls++
	if wasSearch {
		g.usage.WebSearchCalls++
		g.consecutiveSearchSteps++
	} else {
		g.consecutiveSearchSteps = 0
	}
	if g.metrics != nil {
		if wasSearch {
			g.metrics.RecordBudgetEvent("web_search", "consumed")
		} else {
			g.metrics.RecordBudgetEvent("tool_calls", "consumed")
		}
	}
}

// RecordDuplicateBlocked increments the duplicate-block counter (spec §8
// invariant 4 distinguishes admitted tool calls from blocked ones).
func (g *BudgetGovernor) RecordDuplicateBlocked() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.usage.DuplicatesBlocked++
}

// ConsecutiveSearchStepsExceeded reports whether the domain's consecutive
// web-search step cap has been hit.
func (g *BudgetGovernor) ConsecutiveSearchStepsExceeded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.consecutiveSearchSteps >= g.contract.MaxConsecutiveSearchSteps
}

// NeedsSoftLanding reports whether remaining turns are at or below the
// soft-landing reserve and the one-shot nudge has not yet fired (spec
// §4.4, §8 invariant 7).
func (g *BudgetGovernor) NeedsSoftLanding() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.softLandingInjected {
		return false
	}
	used := g.usage.GlobalTurns - g.turnOffset
	remaining := g.contract.MaxTurns - used
	return remaining <= turnSoftLandingReserve
}

// MarkSoftLandingInjected records that the one-shot nudge fired.
func (g *BudgetGovernor) MarkSoftLandingInjected() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.softLandingInjected = true
	if g.metrics != nil {
		g.metrics.RecordBudgetEvent("turns", "soft_landing")
	}
}

// ResetForContinuation resets "current" counters to zero (via offsets) while
// preserving cumulative totals, as ContinueAfterBudgetExhausted requires
// (spec §4.4 scenario 2, §6).
func (g *BudgetGovernor) ResetForContinuation() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.turnOffset = g.usage.GlobalTurns
	g.toolCallOffset = g.usage.ToolCalls
	g.searchOffset = g.usage.WebSearchCalls
	g.softLandingInjected = false
}

// PartialSuccessEligible reports whether a budget-exhausted task originating
// from a cron source with adequate category coverage should finalize as
// partial_success rather than failed (spec §4.4 "Partial-success policy").
// adequateCoverage is supplied by the caller (e.g. the Completion Oracle)
// after inspecting the candidate final response.
func PartialSuccessEligible(taskSource string, adequateCoverage bool) bool {
	return taskSource == "cron" && adequateCoverage
}

// ObserveCompletion feeds back an actually-observed output tokens/second
// sample (outputTokens / wallTime) into the EWMA estimate used to size
// future calls (spec §4.4).
func (g *BudgetGovernor) ObserveCompletion(outputTokens int64, wallTime time.Duration) {
	if wallTime <= 0 || outputTokens <= 0 {
		return
	}
	sample := float64(outputTokens) / wallTime.Seconds()

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.observedTPS == 0 {
		g.observedTPS = sample
		return
	}
	g.observedTPS = tpsEWMAAlpha*sample + (1-tpsEWMAAlpha)*g.observedTPS
}

// CallSizing is the per-attempt maxTokens/timeout pair computed for one LLM
// call attempt (spec §4.4).
type CallSizing struct {
	MaxTokens int
	Timeout   time.Duration
}

// SizeCall computes the maxTokens cap and per-attempt deadline for attempt
// number `attempt` (0-indexed) of a call that requests baseMaxTokens and may
// invoke tools (spec §4.4: per-call maxTokens and deadline derived from
// observed tps, a safety factor, and per-attempt decay; tool-bearing calls
// never decay below an 8192-token floor and a minimum-needed deadline of
// maxTokens/tps×1.3, capped at 10 minutes).
func (g *BudgetGovernor) SizeCall(baseMaxTokens int, attempt int, toolBearing bool) CallSizing {
	g.mu.Lock()
	tps := g.observedTPS
	g.mu.Unlock()

	maxTokens := float64(baseMaxTokens)
	for i := 0; i < attempt; i++ {
		maxTokens *= tokenDecayFactor
	}
	if toolBearing && maxTokens < retryTokenFloor {
		maxTokens = retryTokenFloor
	}

	var timeout time.Duration
	if tps > 0 {
		effectiveTPS := tps * tpsSafetyFactor
		neededSeconds := (maxTokens / effectiveTPS) * 1.3
		timeout = time.Duration(neededSeconds * float64(time.Second))
	} else {
		timeout = 60 * time.Second
	}
	for i := 0; i < attempt; i++ {
		timeout = time.Duration(float64(timeout) * timeoutDecayFactor)
	}
	if toolBearing {
		minNeeded := time.Duration((maxTokens / maxFloat(tps*tpsSafetyFactor, 1)) * 1.3 * float64(time.Second))
		if timeout < minNeeded {
			timeout = minNeeded
		}
	}
	if timeout > retryTimeoutCap {
		timeout = retryTimeoutCap
	}

	return CallSizing{MaxTokens: int(maxTokens), Timeout: timeout}
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
