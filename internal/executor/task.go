package executor

import (
	"time"

	"gopkg.in/yaml.v3"
)

// TaskStatus is the mutable lifecycle state of a Task (spec §3).
type TaskStatus string

const (
	TaskPlanning  TaskStatus = "planning"
	TaskExecuting TaskStatus = "executing"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// TerminalStatus is the fine-grained outcome recorded on TaskCompleted
// (spec §7).
type TerminalStatus string

const (
	TerminalOK             TerminalStatus = "ok"
	TerminalPartialSuccess TerminalStatus = "partial_success"
)

// ExecutionMode gates which tool classes the Gatekeeper admits (spec §4.5
// step 3, §6).
type ExecutionMode string

const (
	ModeExecute ExecutionMode = "execute"
	ModePropose ExecutionMode = "propose"
	ModeAnalyze ExecutionMode = "analyze"
)

// TaskDomain informs completion-contract heuristics and recovery shape
// (spec §4.2, §4.7).
type TaskDomain string

const (
	DomainCode       TaskDomain = "code"
	DomainResearch   TaskDomain = "research"
	DomainGeneral    TaskDomain = "general"
	DomainOperations TaskDomain = "operations"
	DomainAuto       TaskDomain = "auto"
)

// ConversationMode is the companion-surface mode this task was opened under.
// Only "task" mode is driven by TaskExecutor; chat/think/hybrid are noted
// for config-compatibility but the trivial chat-only wrapper is out of scope
// (spec §1).
type ConversationMode string

const (
	ConversationTask   ConversationMode = "task"
	ConversationChat   ConversationMode = "chat"
	ConversationThink  ConversationMode = "think"
	ConversationHybrid ConversationMode = "hybrid"
)

// BudgetProfileName selects one of the three named Budget Contract profiles
// (spec §3, §4.4), or "auto" to derive one from MaxTurns.
type BudgetProfileName string

const (
	ProfileStrict     BudgetProfileName = "strict"
	ProfileBalanced   BudgetProfileName = "balanced"
	ProfileAggressive BudgetProfileName = "aggressive"
	ProfileAuto       BudgetProfileName = "auto"
)

// AgentConfig is the recognized configuration surface on Task.agentConfig
// (spec §6). It replaces the teacher's dynamic RuntimeOptions bag with a
// single explicit struct whose every knob is named here.
type AgentConfig struct {
	MaxTurns     int
	MaxTokens    int // 0 = no additional cap beyond the provider's own window
	BudgetProfile BudgetProfileName

	ConversationMode ConversationMode
	ExecutionMode    ExecutionMode
	TaskDomain       TaskDomain
	TaskIntent       string

	DeepWorkMode           bool
	ProgressJournalEnabled bool
	AutoReportEnabled      bool
	VerificationAgent      bool
	AllowUserInput         bool
	PauseForRequiredDecision bool
	AutonomousMode         bool
	RetainMemory           bool
	AllowSharedContextMemory bool

	ToolRestrictions []string // deny patterns, "*" wildcard supported
	AllowedTools     []string // allow patterns, "*" wildcard supported

	QualityPasses int // 1, 2, or 3

	LLMProfile       string
	LLMProfileForced bool
	PersonalityID    string
}

// DefaultAgentConfig returns the baseline configuration (spec §6 defaults).
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		MaxTurns:         100,
		BudgetProfile:    ProfileAuto,
		ConversationMode: ConversationTask,
		ExecutionMode:    ModeExecute,
		TaskDomain:       DomainAuto,
		AllowUserInput:   true,
		QualityPasses:    1,
	}
}

// SuccessCriteria is an optional, task-author-supplied description of what
// "done" means; consumed by the Completion Oracle alongside the derived
// Completion Contract.
type SuccessCriteria struct {
	Description string
}

// Task is the immutable-identity, mutable-status record the executor drives
// to completion. The Task record is shared (read by UI; written only
// through the daemon capability); the executor mutates Status/usage totals
// only through the Lifecycle Supervisor (spec §3 ownership).
type Task struct {
	ID        string
	Title     string
	Prompt    string
	Workspace string // opaque workspace reference, not interpreted by the core
	ParentID  string
	Depth     int
	Source    string // e.g. "user", "cron" — informs partial-success policy

	Status TaskStatus

	AttemptCount int
	Config       AgentConfig

	SuccessCriteria *SuccessCriteria
	Budget          BudgetContract

	TerminalStatus TerminalStatus
	FailureClass   FailureClass
	ResultSummary  string

	Usage UsageTotals

	CreatedAt time.Time
	UpdatedAt time.Time
}

// UsageTotals accumulates cumulative input/output tokens and cost across the
// whole task, including across ContinueAfterBudgetExhausted resets (spec
// §4.4: "cumulative totals preserved via offsets").
type UsageTotals struct {
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64

	GlobalTurns        int64
	ToolCalls          int64
	WebSearchCalls     int64
	DuplicatesBlocked  int64
	AutoRecoverySteps  int64
}

// BudgetContract is the per-profile tuple enforced by the Budget Governor
// (spec §3, §4.4).
type BudgetContract struct {
	Profile                   BudgetProfileName
	MaxTurns                  int64
	MaxToolCalls              int64
	MaxWebSearchCalls         int64
	MaxConsecutiveSearchSteps int64
	MaxAutoRecoverySteps      int64
}

// budgetProfiles is the named-profile table (spec §3: "three named
// profiles"), expressed as Go literals rather than loaded from the
// embedded YAML so the zero-dependency default path needs no I/O; LoadBudgetProfilesYAML
// below parses the same shape from an external yaml.v3 document when the
// host wants to override defaults without a rebuild.
var budgetProfiles = map[BudgetProfileName]BudgetContract{
	ProfileStrict: {
		Profile: ProfileStrict, MaxTurns: 40, MaxToolCalls: 60,
		MaxWebSearchCalls: 10, MaxConsecutiveSearchSteps: 2, MaxAutoRecoverySteps: 1,
	},
	ProfileBalanced: {
		Profile: ProfileBalanced, MaxTurns: 100, MaxToolCalls: 200,
		MaxWebSearchCalls: 30, MaxConsecutiveSearchSteps: 4, MaxAutoRecoverySteps: 3,
	},
	ProfileAggressive: {
		Profile: ProfileAggressive, MaxTurns: 250, MaxToolCalls: 600,
		MaxWebSearchCalls: 80, MaxConsecutiveSearchSteps: 8, MaxAutoRecoverySteps: 5,
	},
}

// ResolveBudgetContract derives a BudgetContract from the task's requested
// profile and max-turns (spec §3: "Selection is derived from the task's
// requested profile and max-turns").
func ResolveBudgetContract(cfg AgentConfig) BudgetContract {
	profile := cfg.BudgetProfile
	if profile == "" || profile == ProfileAuto {
		switch {
		case cfg.MaxTurns <= 40:
			profile = ProfileStrict
		case cfg.MaxTurns <= 100:
			profile = ProfileBalanced
		default:
			profile = ProfileAggressive
		}
	}
	contract := budgetProfiles[profile]
	if contract.Profile == "" {
		contract = budgetProfiles[ProfileBalanced]
	}
	if cfg.MaxTurns > 0 && int64(cfg.MaxTurns) < contract.MaxTurns {
		contract.MaxTurns = int64(cfg.MaxTurns)
	}
	return contract
}

// budgetProfileDoc mirrors budgetProfiles' shape for YAML overrides.
type budgetProfileDoc struct {
	Profiles map[BudgetProfileName]BudgetContract `yaml:"profiles"`
}

// LoadBudgetProfilesYAML parses a yaml.v3 document overriding some or all of
// the three named Budget Contract profiles and merges it into the in-memory
// table, letting a host retune limits without a rebuild. Unknown profile
// names are rejected; zero-value fields in a partial override keep the
// built-in default for that field.
func LoadBudgetProfilesYAML(doc []byte) error {
	var parsed budgetProfileDoc
	if err := yaml.Unmarshal(doc, &parsed); err != nil {
		return err
	}
	for name, override := range parsed.Profiles {
		base, known := budgetProfiles[name]
		if !known {
			return &unknownBudgetProfileError{Name: name}
		}
		merged := mergeBudgetContract(base, override)
		merged.Profile = name
		budgetProfiles[name] = merged
	}
	return nil
}

func mergeBudgetContract(base, override BudgetContract) BudgetContract {
	if override.MaxTurns != 0 {
		base.MaxTurns = override.MaxTurns
	}
	if override.MaxToolCalls != 0 {
		base.MaxToolCalls = override.MaxToolCalls
	}
	if override.MaxWebSearchCalls != 0 {
		base.MaxWebSearchCalls = override.MaxWebSearchCalls
	}
	if override.MaxConsecutiveSearchSteps != 0 {
		base.MaxConsecutiveSearchSteps = override.MaxConsecutiveSearchSteps
	}
	if override.MaxAutoRecoverySteps != 0 {
		base.MaxAutoRecoverySteps = override.MaxAutoRecoverySteps
	}
	return base
}

type unknownBudgetProfileError struct {
	Name BudgetProfileName
}

func (e *unknownBudgetProfileError) Error() string {
	return "executor: unknown budget profile in override document: " + string(e.Name)
}

// CompletionContract holds the per-task evidence requirements derived by the
// Completion Oracle from task title/prompt heuristics (spec §3, §4.7).
type CompletionContract struct {
	RequiresDirectAnswer         bool
	RequiresDecisionSignal       bool
	RequiresVerificationEvidence bool
	RequiresArtifactEvidence     bool
	RequiresExecutionEvidence    bool
}
