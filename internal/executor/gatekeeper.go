package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.opentelemetry.io/otel/trace"

	"github.com/kastellan/taskexec/internal/observability"
	"github.com/kastellan/taskexec/internal/tools/policy"
	"github.com/kastellan/taskexec/pkg/models"
)

// crossStepFailureThreshold is the cross-step failure count (net of
// successes) at which a tool is blocked and the model is told to produce
// the deliverable as text instead (spec §4.5 step 4).
const crossStepFailureThreshold = 6

// dedupWindow is the time window within which identical tool inputs are
// rejected as duplicates (spec §4.5 step 10).
const dedupWindow = 60 * time.Second

// maxIdenticalInWindow / maxSimilarInWindow cap the duplicate/near-duplicate
// allowance inside dedupWindow (spec §4.5 step 10).
const maxIdenticalInWindow = 2
const maxSimilarInWindow = 2

// heartbeatInterval is the cadence at which progress_update events fire for
// long-running tools (spec §4.5 "Execution").
const heartbeatInterval = 12 * time.Second

// browserToolTimeoutFloor is the minimum timeout granted to browser tools
// regardless of the computed step-based timeout (spec §4.5 "Execution").
const browserToolTimeoutFloor = 90 * time.Second

// GatekeeperPolicy configures the per-task checks the Gatekeeper applies
// (spec §4.5 steps 3, 6).
type GatekeeperPolicy struct {
	ExecutionMode   ExecutionMode
	TaskDomain      TaskDomain
	AllowedTools    []string // empty = all tools in the registry
	DeniedTools     []string // task.Config.ToolRestrictions; checked before AllowedTools
	MutatingTools   []string // tool names considered mutating (for mode gate)
	TechnicalTools  []string // tool names considered "technical" (for domain gate)
	IdempotentTools []string // exempt from deduplication
}

// toolCallSignature is the normalized (name, input) pair the deduplicator and
// loop detector key on (spec §3 "Tool Call Record").
type toolCallSignature struct {
	name      string
	signature string
}

type dedupEntry struct {
	at time.Time
}

// GatekeeperResult is what the Turn Loop appends to the conversation for one
// tool_use block: either a real execution result or a synthetic rejection.
type GatekeeperResult struct {
	Result     ToolResultBlock
	Executed   bool // true only if the registry's Execute was actually invoked
	HardFailure bool
	Event      string // event type emitted alongside the result, if any
	Images     []ImageBlock // image artifacts the tool produced, if any
}

// Gatekeeper mediates every tool call (C5, spec §4.5). It owns the
// cross-step failure counters, the per-tool circuit breaker, the
// deduplicator, and the file-operation redundancy cache; it delegates
// concurrency-limited execution to ToolExecutor and sanitization to
// ToolResultGuard, both kept from the teacher.
type Gatekeeper struct {
	registry *ToolRegistry
	exec     *ToolExecutor
	resolver *policy.Resolver
	guard    ToolResultGuard
	policy   GatekeeperPolicy
	governor *BudgetGovernor

	mu             sync.Mutex
	crossStepFails map[string]int64
	circuitOpen    map[string]string // tool -> last error message
	dedup          map[toolCallSignature][]dedupEntry
	fileOpCache    map[string]fileOpCacheEntry
	lastWebFetchFail time.Time
	schemaCache    map[string]*jsonschema.Schema

	tracer  *observability.Tracer
	metrics *observability.Metrics

	onEvent func(eventType string, payload map[string]any)

	approvals *ApprovalChecker
	agentID   string
}

// SetApprovalChecker wires approval.go's ApprovalChecker into step 3,
// layering the allow/deny/pending tri-state on top of the mode/domain
// policy gate already there (spec §4.5 step 3). agentID scopes which
// per-agent ApprovalPolicy applies; nil checker disables the check (the
// zero-value Gatekeeper behavior before this was wired).
func (g *Gatekeeper) SetApprovalChecker(checker *ApprovalChecker, agentID string) {
	g.approvals = checker
	g.agentID = agentID
}

type fileOpCacheEntry struct {
	result models.ToolResult
	at     time.Time
}

// NewGatekeeper constructs a Gatekeeper wired to the given execution
// substrate and budget governor.
func NewGatekeeper(registry *ToolRegistry, exec *ToolExecutor, resolver *policy.Resolver, guard ToolResultGuard, pol GatekeeperPolicy, governor *BudgetGovernor) *Gatekeeper {
	return &Gatekeeper{
		registry:       registry,
		exec:           exec,
		resolver:       resolver,
		guard:          guard,
		policy:         pol,
		governor:       governor,
		crossStepFails: make(map[string]int64),
		circuitOpen:    make(map[string]string),
		dedup:          make(map[toolCallSignature][]dedupEntry),
		fileOpCache:    make(map[string]fileOpCacheEntry),
		schemaCache:    make(map[string]*jsonschema.Schema),
	}
}

// SetObservability wires a process-wide Tracer/Metrics pair into tool
// execution (spec §4.5 step 12 execution span). Both are optional and
// no-ops when nil, so unit tests need not construct either collaborator.
func (g *Gatekeeper) SetObservability(tracer *observability.Tracer, metrics *observability.Metrics) {
	g.tracer = tracer
	g.metrics = metrics
}

// SetEventCallback installs a sink for gatekeeper-originated events
// (tool_call, tool_result, tool_blocked, parameter_inference, progress_update, ...).
func (g *Gatekeeper) SetEventCallback(fn func(eventType string, payload map[string]any)) {
	g.onEvent = fn
}

func (g *Gatekeeper) emit(eventType string, payload map[string]any) {
	if g.onEvent != nil {
		g.onEvent(eventType, payload)
	}
}

// Admit runs the full ordered validation/execution pipeline for one
// assistant tool_use block (spec §4.5). ctx carries cancellation; cancelled
// reports whether the task has been cancelled/completed (step 11).
func (g *Gatekeeper) Admit(ctx context.Context, call ToolUseBlock, stepTimeout time.Duration, cancelled func() bool) GatekeeperResult {
	reject := func(eventType, content string) GatekeeperResult {
		g.emit(eventType, map[string]any{"tool": call.Name, "call_id": call.ID})
		if g.metrics != nil {
			g.metrics.RecordGatekeeperBlock(call.Name, eventType)
		}
		return GatekeeperResult{
			Result: ToolResultBlock{ToolUseID: call.ID, Content: content, IsError: true},
			Event:  eventType,
		}
	}

	// Step 1: budget exhaustion.
	if g.governor != nil {
		if err := g.governor.CheckBeforeToolCall(true, call.Name); err != nil {
			return reject("budget_soft_landing", "turn budget soft-landing: "+err.Error())
		}
	}

	// Step 2: tool-name normalization.
	name := normalizeToolName(call.Name, g.resolver)

	// Step 3: execution-mode / domain policy.
	if g.policy.ExecutionMode != ModeExecute && containsName(g.policy.MutatingTools, name) {
		return reject("mode_gate_blocked", fmt.Sprintf("tool %q is mutating and blocked in %s mode", name, g.policy.ExecutionMode))
	}
	if g.policy.TaskDomain != "" && containsName(g.policy.TechnicalTools, name) && domainForbidsTechnical(g.policy.TaskDomain) {
		return reject("mode_gate_blocked", fmt.Sprintf("tool %q is forbidden in domain %s", name, g.policy.TaskDomain))
	}
	if g.approvals != nil {
		decision, reason := g.approvals.Check(ctx, g.agentID, models.ToolCall{ID: call.ID, Name: name, Input: call.Input})
		if decision == ApprovalDenied {
			return reject("mode_gate_blocked", fmt.Sprintf("tool %q denied by approval policy: %s", name, reason))
		}
		if decision == ApprovalPending {
			if _, err := g.approvals.CreateApprovalRequest(ctx, g.agentID, "", models.ToolCall{ID: call.ID, Name: name, Input: call.Input}, reason); err != nil {
				return reject("tool_blocked", fmt.Sprintf("tool %q requires approval and the request could not be recorded: %v", name, err))
			}
			return reject("tool_blocked", fmt.Sprintf("tool %q is awaiting approval", name))
		}
	}

	// Step 4: cross-step failure threshold.
	g.mu.Lock()
	fails := g.crossStepFails[name]
	g.mu.Unlock()
	if fails >= crossStepFailureThreshold {
		return reject("tool_blocked", fmt.Sprintf("tool %q has failed repeatedly; output the deliverable as text instead", name))
	}

	// Step 5: per-process circuit breaker.
	g.mu.Lock()
	lastErr, broken := g.circuitOpen[name]
	g.mu.Unlock()
	if broken {
		return reject("tool_blocked", lastErr)
	}

	// Step 6: availability.
	if len(g.policy.DeniedTools) > 0 && matchesToolPatterns(g.policy.DeniedTools, name, g.resolver) {
		return reject("tool_blocked", fmt.Sprintf("tool %q is denied for this task", name))
	}
	if len(g.policy.AllowedTools) > 0 && !matchesToolPatterns(g.policy.AllowedTools, name, g.resolver) {
		return reject("tool_blocked", fmt.Sprintf("tool %q is not in the current allow-list", name))
	}
	if _, ok := g.registry.Get(name); !ok {
		return reject("tool_blocked", fmt.Sprintf("tool %q is not available", name))
	}

	// Step 7: parameter inference.
	input, inferred := inferParameters(call.Input)
	if inferred {
		g.emit("parameter_inference", map[string]any{"tool": name, "call_id": call.ID})
	}

	// Step 9: schema validation.
	if tool, ok := g.registry.Get(name); ok {
		if err := g.validateToolSchema(name, tool.Schema(), input); err != nil {
			return reject("tool_result", fmt.Sprintf("invalid input for %q: %v", name, err))
		}
	}

	// Step 10: deduplication.
	sig := toolCallSignature{name: name, signature: normalizeInputSignature(input)}
	if !containsName(g.policy.IdempotentTools, name) {
		if g.isDuplicate(sig) {
			if g.governor != nil {
				g.governor.RecordDuplicateBlocked()
			}
			return GatekeeperResult{
				Result: ToolResultBlock{ToolUseID: call.ID, Content: "duplicate tool call rejected", IsError: true},
				Event:  "tool_blocked",
			}
		}
	}

	// Step 11: cancellation.
	if cancelled != nil && cancelled() {
		return reject("tool_blocked", "task cancelled")
	}

	// Step 12: file-operation redundancy.
	if res, ok := g.checkFileOpRedundancy(name, input); ok {
		return GatekeeperResult{
			Result:   ToolResultBlock{ToolUseID: call.ID, Content: res.Content, IsError: res.IsError},
			Executed: false,
		}
	}

	// Execution.
	timeout := g.toolTimeout(name, stepTimeout)
	g.emit("tool_call", map[string]any{"tool": name, "call_id": call.ID})

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-heartbeat.C:
				g.emit("progress_update", map[string]any{"tool": name, "call_id": call.ID})
			case <-done:
				return
			}
		}
	}()

	var span trace.Span
	spanCtx := ctx
	if g.tracer != nil {
		spanCtx, span = g.tracer.TraceToolExecution(ctx, name)
	}
	start := time.Now()

	execCtx, cancel := context.WithTimeout(spanCtx, timeout)
	res, execErr := g.exec.ExecuteSingle(execCtx, name, input)
	cancel()
	close(done)

	if span != nil {
		if execErr != nil {
			g.tracer.RecordError(span, execErr)
		}
		span.End()
	}
	if g.metrics != nil {
		status := "success"
		if execErr != nil || (res != nil && res.IsError) {
			status = "error"
		}
		g.metrics.RecordToolExecution(name, status, time.Since(start).Seconds())
	}

	result := g.toResultBlock(call, name, input, res, execErr, sig)
	return result
}

func (g *Gatekeeper) toResultBlock(call ToolUseBlock, name string, input json.RawMessage, res *ToolResult, execErr error, sig toolCallSignature) GatekeeperResult {
	var modelResult models.ToolResult
	hardFailure := false

	if execErr != nil {
		modelResult = models.ToolResult{ToolCallID: call.ID, Content: execErr.Error(), IsError: true}
		hardFailure = isHardFailure(execErr)
	} else if res != nil {
		modelResult = models.ToolResult{ToolCallID: call.ID, Content: res.Content, IsError: res.IsError}
		hardFailure = res.IsError && isHardFailureContent(res.Content)
	}

	modelResult = g.guard.Apply(name, modelResult, g.resolver)

	g.recordOutcome(name, !modelResult.IsError)
	g.recordDedup(sig)
	if name == "read_file" || name == "list_directory" {
		g.cacheFileOp(name, input, modelResult)
	}
	if name == "web_fetch" && modelResult.IsError {
		g.mu.Lock()
		g.lastWebFetchFail = time.Now()
		g.mu.Unlock()
	}

	g.emit("tool_result", map[string]any{"tool": name, "call_id": call.ID, "is_error": modelResult.IsError})

	var images []ImageBlock
	if res != nil && !modelResult.IsError {
		images = artifactImages(res.Artifacts)
	}

	return GatekeeperResult{
		Result:      ToolResultBlock{ToolUseID: call.ID, Content: modelResult.Content, IsError: modelResult.IsError},
		Executed:    true,
		HardFailure: hardFailure,
		Images:      images,
	}
}

// recordOutcome updates the cross-step counter: +1 on failure, -1 on
// success, floored at 0 (spec §4.5 "Execution", §8 invariant 6). Hard
// failures flip the circuit breaker once the threshold is crossed.
func (g *Gatekeeper) recordOutcome(name string, success bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if success {
		if g.crossStepFails[name] > 0 {
			g.crossStepFails[name]--
		}
		// A mutating tool succeeding invalidates related file-op caches.
		if name != "read_file" && name != "list_directory" {
			for k := range g.fileOpCache {
				if strings.HasPrefix(k, name+":") {
					delete(g.fileOpCache, k)
				}
			}
		}
	} else {
		g.crossStepFails[name]++
		if g.crossStepFails[name] >= crossStepFailureThreshold {
			g.circuitOpen[name] = fmt.Sprintf("tool %q disabled after repeated failures", name)
		}
	}
}

func (g *Gatekeeper) isDuplicate(sig toolCallSignature) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := time.Now()
	entries := g.dedup[sig]
	var fresh []dedupEntry
	for _, e := range entries {
		if now.Sub(e.at) <= dedupWindow {
			fresh = append(fresh, e)
		}
	}
	g.dedup[sig] = fresh
	return len(fresh) >= maxIdenticalInWindow
}

func (g *Gatekeeper) recordDedup(sig toolCallSignature) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.dedup[sig] = append(g.dedup[sig], dedupEntry{at: time.Now()})
}

func (g *Gatekeeper) checkFileOpRedundancy(name string, input json.RawMessage) (models.ToolResult, bool) {
	if name != "read_file" && name != "list_directory" {
		if name == "write_file" && g.isTinyHTMLWrite(input) {
			g.mu.Lock()
			recent := time.Since(g.lastWebFetchFail) < 2*time.Minute
			g.mu.Unlock()
			if recent {
				return models.ToolResult{Content: "refusing to write a placeholder HTML file shortly after a failed web fetch", IsError: true}, true
			}
		}
		return models.ToolResult{}, false
	}
	key := name + ":" + string(input)
	g.mu.Lock()
	defer g.mu.Unlock()
	entry, ok := g.fileOpCache[key]
	if !ok {
		return models.ToolResult{}, false
	}
	return entry.result, true
}

func (g *Gatekeeper) cacheFileOp(name string, input json.RawMessage, result models.ToolResult) {
	if result.IsError {
		return
	}
	key := name + ":" + string(input)
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fileOpCache[key] = fileOpCacheEntry{result: result, at: time.Now()}
}

func (g *Gatekeeper) isTinyHTMLWrite(input json.RawMessage) bool {
	var decoded struct {
		Content string `json:"content"`
	}
	_ = json.Unmarshal(input, &decoded)
	return len(decoded.Content) < 256 && strings.Contains(strings.ToLower(decoded.Content), "<html")
}

// toolTimeout computes the per-tool timeout bounded above by
// stepTimeout-5s, applying the category floors from spec §4.5 "Execution".
func (g *Gatekeeper) toolTimeout(name string, stepTimeout time.Duration) time.Duration {
	ceiling := stepTimeout - 5*time.Second
	if ceiling <= 0 {
		ceiling = 30 * time.Second
	}
	floor := time.Duration(0)
	switch {
	case strings.Contains(name, "browser"):
		floor = browserToolTimeoutFloor
	case strings.Contains(name, "image") || strings.Contains(name, "vision"):
		floor = 120 * time.Second
	}
	if floor > ceiling {
		return floor
	}
	if floor > 0 {
		return floor
	}
	return ceiling
}

func containsName(list []string, name string) bool {
	for _, n := range list {
		if n == name {
			return true
		}
	}
	return false
}

func domainForbidsTechnical(domain TaskDomain) bool {
	return domain == DomainGeneral
}

// inferParameters normalizes well-known field-name variants (path/filename
// aliases, content-field aliases, region codes) (spec §4.5 step 7).
func inferParameters(input json.RawMessage) (json.RawMessage, bool) {
	var m map[string]any
	if err := json.Unmarshal(input, &m); err != nil {
		return input, false
	}
	changed := false
	aliasPairs := [][2]string{{"filename", "path"}, {"file_path", "path"}, {"body", "content"}, {"text", "content"}}
	for _, pair := range aliasPairs {
		alias, canonical := pair[0], pair[1]
		if _, hasCanonical := m[canonical]; !hasCanonical {
			if v, ok := m[alias]; ok {
				m[canonical] = v
				changed = true
			}
		}
	}
	if !changed {
		return input, false
	}
	out, err := json.Marshal(m)
	if err != nil {
		return input, false
	}
	return out, true
}

func normalizeInputSignature(input json.RawMessage) string {
	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return string(input)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(input)
	}
	return string(out)
}

// validateToolSchema validates input against the tool's declared JSON
// Schema using santhosh-tekuri/jsonschema/v5 (spec §4.5 step 9). Compiled
// schemas are cached per tool name since a tool's Schema() is constant for
// the process lifetime. A tool with no schema, or a schema that fails to
// compile, is treated as unconstrained rather than rejected outright — the
// gate only enforces constraints the tool actually declared.
func (g *Gatekeeper) validateToolSchema(name string, rawSchema json.RawMessage, input json.RawMessage) error {
	if len(rawSchema) == 0 || string(rawSchema) == "{}" {
		return nil
	}

	g.mu.Lock()
	schema, cached := g.schemaCache[name]
	g.mu.Unlock()

	if !cached {
		compiler := jsonschema.NewCompiler()
		resourceURL := name + ".schema.json"
		if err := compiler.AddResource(resourceURL, strings.NewReader(string(rawSchema))); err != nil {
			g.mu.Lock()
			g.schemaCache[name] = nil
			g.mu.Unlock()
			return nil
		}
		compiled, err := compiler.Compile(resourceURL)
		if err != nil {
			compiled = nil
		}
		g.mu.Lock()
		g.schemaCache[name] = compiled
		g.mu.Unlock()
		schema = compiled
	}
	if schema == nil {
		return nil
	}

	var v any
	if err := json.Unmarshal(input, &v); err != nil {
		return fmt.Errorf("input is not valid JSON: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return err
	}
	return nil
}

func isHardFailure(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	return strings.Contains(lower, "unavailable") || strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout")
}

func isHardFailureContent(content string) bool {
	lower := strings.ToLower(content)
	return strings.Contains(lower, "unavailable") || strings.Contains(lower, "timed out")
}
