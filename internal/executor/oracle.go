package executor

import (
	"regexp"
	"strings"
	"time"
)

// CompletionOracle derives a Completion Contract from task heuristics and
// gates Finalize against it (C7, spec §4.7).
//
// Grounded on the teacher's pattern of small, focused heuristic classifiers
// (routing/heuristic.go's keyword-scored domain router) generalized from
// routing a request to gating a finish.
type CompletionOracle struct{}

// NewCompletionOracle constructs a stateless oracle; all state lives in the
// CompletionContract and the candidate text passed to Finalize.
func NewCompletionOracle() *CompletionOracle {
	return &CompletionOracle{}
}

var decisionVerbs = regexp.MustCompile(`(?i)\b(decide|choose|recommend|should we|pick|select)\b`)
var directAnswerCues = regexp.MustCompile(`(?i)\b(what is|what's|how many|which|recommend|should i|yes or no)\b`)
var artifactCues = regexp.MustCompile(`(?i)\b(write a (document|report|file)|\.md\b|\.pdf\b|\.docx\b|\.csv\b|produce a file)\b`)
var executionVerbs = regexp.MustCompile(`(?i)\b(run|execute|deploy|build|install|apply|migrate)\b`)
var verificationCue = regexp.MustCompile(`(?i)\b(verify|confirm|validate)\b`)
var highRiskClaimCue = regexp.MustCompile(`(?i)\b(release[sd]?|funding|raised|acquisition|ipo|valuation)\b`)

// BuildContract derives the CompletionContract from a task's title, prompt,
// mode, and domain (spec §4.7).
func (o *CompletionOracle) BuildContract(task *Task) CompletionContract {
	text := strings.ToLower(task.Title + " " + task.Prompt)
	c := CompletionContract{
		RequiresDirectAnswer:   directAnswerCues.MatchString(text) && !executionVerbs.MatchString(text),
		RequiresDecisionSignal: decisionVerbs.MatchString(text) && strings.Contains(text, "between"),
		RequiresArtifactEvidence: artifactCues.MatchString(text),
		RequiresVerificationEvidence: verificationCue.MatchString(text),
	}
	if task.Config.ExecutionMode == ModeExecute && (task.Config.TaskDomain == DomainCode || task.Config.TaskDomain == DomainOperations) {
		c.RequiresExecutionEvidence = executionVerbs.MatchString(text)
	}
	return c
}

// FinalizeEvidence is the evidence the Turn Loop gathers over the course of
// a task/step for the oracle to check against the contract (spec §4.7).
type FinalizeEvidence struct {
	CandidateText        string
	DirectlyAddressesPrompt bool
	HadSuccessfulExecution  bool
	HadArtifactMutation     bool
	VerificationOK          bool
	VerificationProblems    []string
	WebFetchSources         []WebFetchSource
	TaskDomain              TaskDomain
}

// WebFetchSource records one web_fetch result the oracle inspects for a
// parseable publish date when high-risk claims are present (spec §4.7 point 4).
type WebFetchSource struct {
	URL         string
	PublishDate *time.Time
}

// Finalize checks ev against contract and returns a CompletionGuardError if
// any check fails (spec §4.7).
func (o *CompletionOracle) Finalize(contract CompletionContract, ev FinalizeEvidence) error {
	if strings.TrimSpace(ev.CandidateText) == "" {
		return &CompletionGuardError{Guard: "candidate_text", Message: "no substantive final text was produced"}
	}
	if !ev.DirectlyAddressesPrompt {
		return &CompletionGuardError{Guard: "addresses_prompt", Message: "final text does not directly address the prompt"}
	}
	if contract.RequiresExecutionEvidence && !ev.HadSuccessfulExecution {
		return &CompletionGuardError{Guard: "execution_evidence", Message: "no successful execution tool call was observed"}
	}
	if contract.RequiresArtifactEvidence && !ev.HadArtifactMutation {
		return &CompletionGuardError{Guard: "artifact_evidence", Message: "no file mutation or referenced artifact was observed"}
	}
	if contract.RequiresVerificationEvidence && !ev.VerificationOK && len(ev.VerificationProblems) == 0 {
		return &CompletionGuardError{Guard: "verification_evidence", Message: "verification step produced neither an OK signal nor a problem list"}
	}
	if o.makesHighRiskClaim(ev.CandidateText) {
		if !o.hasParseableDatedSource(ev.WebFetchSources) {
			return &CompletionGuardError{Guard: "dated_source", Message: "high-risk claim lacks a web_fetch source with a parseable publish date"}
		}
	}
	return nil
}

func (o *CompletionOracle) makesHighRiskClaim(text string) bool {
	return highRiskClaimCue.MatchString(text)
}

func (o *CompletionOracle) hasParseableDatedSource(sources []WebFetchSource) bool {
	for _, s := range sources {
		if s.PublishDate != nil {
			return true
		}
	}
	return false
}

// FinalizeBestEffort bypasses the contract checks; used by wrap-up,
// timeout-recovery, and partial-success paths (spec §4.7).
func (o *CompletionOracle) FinalizeBestEffort(ev FinalizeEvidence) string {
	if strings.TrimSpace(ev.CandidateText) != "" {
		return ev.CandidateText
	}
	return "The task did not complete normally; no final response was produced."
}
