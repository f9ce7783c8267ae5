package executor

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/invopop/jsonschema"
)

// MaxTotalSteps bounds the total number of steps a plan may ever accumulate
// across its lifetime, including revisions and injected recovery steps
// (spec §3).
const MaxTotalSteps = 64

// MaxRevisions bounds the number of times Revise may be called on a plan
// (spec §3).
const MaxRevisions = 5

// StepKind classifies a PlanStep (spec §3).
type StepKind string

const (
	StepPrimary      StepKind = "primary"
	StepVerification StepKind = "verification"
	StepRecovery     StepKind = "recovery"
)

// StepStatus is the lifecycle state of a PlanStep (spec §3).
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// PlanStep is one entry in the current plan (spec §3, glossary).
type PlanStep struct {
	ID          string
	Description string
	Kind        StepKind
	Status      StepStatus
	Error       string
}

// Plan is the ordered sequence of steps the Turn Loop drives to completion
// (spec §3).
type Plan struct {
	Description string
	Steps       []*PlanStep
}

// inferStepKind classifies a step description the way spec §4.2 does:
// verification cues win unless the description also contains a mutation
// verb (e.g. "verify the build, then fix any errors" stays primary because
// it mutates).
func inferStepKind(description string) StepKind {
	lower := strings.ToLower(description)
	verificationCues := []string{"verify", "verification", "confirm that", "check that", "validate that"}
	mutationVerbs := []string{"fix", "write", "create", "update", "delete", "install", "run", "build", "deploy", "modify", "change", "add", "remove"}

	hasCue := false
	for _, cue := range verificationCues {
		if strings.Contains(lower, cue) {
			hasCue = true
			break
		}
	}
	if !hasCue {
		return StepPrimary
	}
	for _, verb := range mutationVerbs {
		if strings.Contains(lower, verb) {
			return StepPrimary
		}
	}
	return StepVerification
}

// FailureClassForRecovery is the classification InjectRecovery dispatches on
// (spec §4.2, §4.6).
type FailureClassForRecovery string

const (
	FailureUserBlocker     FailureClassForRecovery = "user_blocker"
	FailureProviderQuota   FailureClassForRecovery = "provider_quota"
	FailureLocalRuntime    FailureClassForRecovery = "local_runtime"
	FailureExternalUnknown FailureClassForRecovery = "external_unknown"
)

// PlanMachine owns the current plan, enforces revision/step-count invariants,
// and produces recovery steps (C2, spec §4.2).
//
// Grounded on the teacher's update_plan tool shape from the pack
// (None9527-NGOClaw's plan_tool.go: create/update actions, 1-indexed steps,
// a render-for-display helper) generalized from a user-facing tool with JSON
// file persistence into an in-process state machine the Turn Loop drives
// directly, with the spec's revision/recovery guards layered on top.
type PlanMachine struct {
	mu             sync.Mutex
	plan           *Plan
	revisionCount  int
	recoveryCount  int
	failedStepDescs []string
}

// NewPlanMachine creates an empty plan machine.
func NewPlanMachine() *PlanMachine {
	return &PlanMachine{}
}

// RawPlan is the JSON shape the LLM is asked to emit for CreatePlan
// (spec §4.2). Its JSON Schema is reflected via invopop/jsonschema and
// embedded in the planning prompt by requestPlanFromModel.
type RawPlan struct {
	Description string   `json:"description" jsonschema_description:"one-sentence restatement of the task's goal"`
	Steps       []string `json:"steps" jsonschema_description:"ordered, short imperative descriptions of the steps needed to complete the task" jsonschema:"minItems=1"`
}

// planJSONSchema is RawPlan's JSON Schema, reflected once at package init
// and rendered into the planning prompt so the model's free-form JSON
// response is shaped by a real schema document rather than an ad hoc
// description (spec §4.2 "CreatePlan").
var planJSONSchema = reflectPlanSchema()

func reflectPlanSchema() string {
	reflector := &jsonschema.Reflector{ExpandedStruct: true, DoNotReference: true}
	schema := reflector.Reflect(&RawPlan{})
	data, err := json.Marshal(schema)
	if err != nil {
		return ""
	}
	return string(data)
}

// CreatePlan builds a Plan from a parsed LLM response. If raw is nil or
// empty, it falls back to a one-step plan around the task prompt
// (spec §4.2: "If parsing fails, falls back to a one-step plan").
func (pm *PlanMachine) CreatePlan(taskPrompt string, raw *RawPlan) *Plan {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if raw == nil || len(raw.Steps) == 0 {
		pm.plan = &Plan{
			Description: taskPrompt,
			Steps: []*PlanStep{
				{ID: uuid.NewString(), Description: taskPrompt, Kind: StepPrimary, Status: StepPending},
			},
		}
		return pm.plan
	}

	steps := make([]*PlanStep, 0, len(raw.Steps))
	for _, desc := range raw.Steps {
		steps = append(steps, &PlanStep{
			ID:          uuid.NewString(),
			Description: desc,
			Kind:        inferStepKind(desc),
			Status:      StepPending,
		})
	}
	pm.plan = &Plan{Description: raw.Description, Steps: steps}
	return pm.plan
}

// SetPlan installs a plan restored from persisted events (spec §4.2 "used
// for resumption").
func (pm *PlanMachine) SetPlan(p *Plan) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.plan = p
}

// Plan returns the current plan (nil before CreatePlan/SetPlan).
func (pm *PlanMachine) Plan() *Plan {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return pm.plan
}

// CurrentStep returns the in-progress step, or nil.
func (pm *PlanMachine) CurrentStep() *PlanStep {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.plan == nil {
		return nil
	}
	for _, s := range pm.plan.Steps {
		if s.Status == StepInProgress {
			return s
		}
	}
	return nil
}

// NextPending returns the first pending step, or nil if none remain.
func (pm *PlanMachine) NextPending() *PlanStep {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.plan == nil {
		return nil
	}
	for _, s := range pm.plan.Steps {
		if s.Status == StepPending {
			return s
		}
	}
	return nil
}

// ReviseResult reports what happened to a Revise call, for event emission.
type ReviseResult struct {
	Applied bool
	Blocked bool
	Reason  string
}

// Revise inserts newSteps immediately after the currently in-progress step
// (or at the end if none), subject to the guards in spec §4.2:
//   - revision count <= MaxRevisions
//   - total steps <= MaxTotalSteps
//   - refuses revisions lexically similar to already-failed steps, unless
//     isRecoveryRevision is set.
func (pm *PlanMachine) Revise(newSteps []string, reason string, clearRemaining bool, isRecoveryRevision bool) ReviseResult {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	if pm.plan == nil {
		return ReviseResult{Blocked: true, Reason: "no active plan"}
	}
	if pm.revisionCount >= MaxRevisions {
		return ReviseResult{Blocked: true, Reason: "revision count exceeded"}
	}

	if !isRecoveryRevision {
		for _, newDesc := range newSteps {
			if pm.similarToFailed(newDesc) {
				return ReviseResult{Blocked: true, Reason: "similar to a previously failed step"}
			}
		}
	}

	insertIdx := len(pm.plan.Steps)
	for i, s := range pm.plan.Steps {
		if s.Status == StepInProgress {
			insertIdx = i + 1
			break
		}
	}

	inserted := make([]*PlanStep, 0, len(newSteps))
	for _, desc := range newSteps {
		inserted = append(inserted, &PlanStep{
			ID:          uuid.NewString(),
			Description: desc,
			Kind:        inferStepKind(desc),
			Status:      StepPending,
		})
	}

	var tail []*PlanStep
	if clearRemaining {
		tail = nil
	} else {
		tail = pm.plan.Steps[insertIdx:]
	}

	if len(pm.plan.Steps[:insertIdx])+len(inserted)+len(tail) > MaxTotalSteps {
		return ReviseResult{Blocked: true, Reason: "would exceed max total steps"}
	}

	merged := make([]*PlanStep, 0, insertIdx+len(inserted)+len(tail))
	merged = append(merged, pm.plan.Steps[:insertIdx]...)
	merged = append(merged, inserted...)
	merged = append(merged, tail...)
	pm.plan.Steps = merged
	pm.revisionCount++

	return ReviseResult{Applied: true}
}

func (pm *PlanMachine) similarToFailed(desc string) bool {
	norm := normalizeForSimilarity(desc)
	for _, failed := range pm.failedStepDescs {
		if norm == failed {
			return true
		}
	}
	return false
}

func normalizeForSimilarity(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// MarkInProgress transitions a step to in_progress, enforcing "at most one
// step is in_progress" (spec §3).
func (pm *PlanMachine) MarkInProgress(stepID string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.plan == nil {
		return
	}
	for _, s := range pm.plan.Steps {
		if s.Status == StepInProgress {
			s.Status = StepPending
		}
	}
	for _, s := range pm.plan.Steps {
		if s.ID == stepID {
			s.Status = StepInProgress
		}
	}
}

// MarkCompleted transitions a step to completed.
func (pm *PlanMachine) MarkCompleted(stepID string) {
	pm.setStatus(stepID, StepCompleted, "")
}

// MarkSkipped transitions a step to skipped.
func (pm *PlanMachine) MarkSkipped(stepID string) {
	pm.setStatus(stepID, StepSkipped, "")
}

// MarkFailed transitions a step to failed and records its description for
// future similarity checks against recovery-free revisions.
func (pm *PlanMachine) MarkFailed(stepID, errMsg string) {
	pm.mu.Lock()
	if pm.plan != nil {
		for _, s := range pm.plan.Steps {
			if s.ID == stepID {
				s.Status = StepFailed
				s.Error = errMsg
				pm.failedStepDescs = append(pm.failedStepDescs, normalizeForSimilarity(s.Description))
			}
		}
	}
	pm.mu.Unlock()
}

func (pm *PlanMachine) setStatus(stepID string, status StepStatus, errMsg string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.plan == nil {
		return
	}
	for _, s := range pm.plan.Steps {
		if s.ID == stepID {
			s.Status = status
			if errMsg != "" {
				s.Error = errMsg
			}
		}
	}
}

// RecoveryStepTemplate names the recovery steps InjectRecovery produces for
// a given failure class (spec §4.2).
func RecoveryStepTemplate(class FailureClassForRecovery, deepWork bool, failedDescription string) []string {
	switch class {
	case FailureUserBlocker:
		// No recovery — escalate to user. Caller is expected to pause the
		// task rather than call Revise with an empty slice.
		return nil
	case FailureProviderQuota:
		return []string{
			"Switch to an alternate LLM provider and retry: " + failedDescription,
		}
	case FailureLocalRuntime:
		return []string{
			"Diagnose the local runtime failure and retry with corrected inputs: " + failedDescription,
		}
	case FailureExternalUnknown:
		if deepWork {
			return []string{
				"Search the web and record findings in the scratchpad toward: " + failedDescription,
				"Attempt an alternate toolchain for: " + failedDescription,
			}
		}
		return []string{
			"Attempt a minimal alternate toolchain or in-repo change for: " + failedDescription,
		}
	default:
		return []string{"Retry with an alternate approach: " + failedDescription}
	}
}

// InjectRecovery classifies the failure and, subject to maxAutoRecoverySteps
// and signature-deduplication, inserts recovery steps via Revise. Returns
// the ReviseResult (Blocked with no Applied if the class is user_blocker or
// the per-task recovery budget is exhausted) (spec §4.2, §4.6).
func (pm *PlanMachine) InjectRecovery(failedStep *PlanStep, class FailureClassForRecovery, deepWork bool, maxAutoRecoverySteps int64) ReviseResult {
	if class == FailureUserBlocker {
		return ReviseResult{Blocked: true, Reason: "user_blocker: escalate to user"}
	}

	pm.mu.Lock()
	if int64(pm.recoveryCount) >= maxAutoRecoverySteps {
		pm.mu.Unlock()
		return ReviseResult{Blocked: true, Reason: "auto-recovery budget exhausted"}
	}
	pm.mu.Unlock()

	steps := RecoveryStepTemplate(class, deepWork, failedStep.Description)
	if len(steps) == 0 {
		return ReviseResult{Blocked: true, Reason: "no recovery steps produced"}
	}

	result := pm.Revise(steps, "recovery:"+string(class), false, true)
	if result.Applied {
		pm.mu.Lock()
		pm.recoveryCount++
		// Recovery-injected steps are always kind=recovery regardless of
		// inferStepKind's verb heuristics (spec §4.2).
		if pm.plan != nil {
			for _, s := range pm.plan.Steps {
				for _, desc := range steps {
					if s.Description == desc {
						s.Kind = StepRecovery
					}
				}
			}
		}
		pm.mu.Unlock()
	}
	return result
}

// AllTerminal reports whether every step in the plan has reached a terminal
// status (completed/failed/skipped).
func (pm *PlanMachine) AllTerminal() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.plan == nil {
		return true
	}
	for _, s := range pm.plan.Steps {
		if s.Status == StepPending || s.Status == StepInProgress {
			return false
		}
	}
	return true
}

// CompletedWithWarnings reports the "completed with warnings" condition from
// spec §4.8 step 6: the plan ends with unrecovered failures whose only
// residue is verification steps, or whose final step still completed.
func (pm *PlanMachine) CompletedWithWarnings() bool {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.plan == nil || len(pm.plan.Steps) == 0 {
		return false
	}
	anyFailed := false
	for _, s := range pm.plan.Steps {
		if s.Status == StepFailed {
			anyFailed = true
			if s.Kind != StepVerification {
				return false
			}
		}
	}
	if anyFailed {
		return true
	}
	last := pm.plan.Steps[len(pm.plan.Steps)-1]
	return last.Status == StepCompleted
}
