package executor

import (
	"context"
	"fmt"
	"strings"
)

// summaryUserClamp / summaryAssistantClamp / summaryToolClamp bound the
// per-message character budget the role-aware transcript formatter applies
// before handing the prompt to the LLM (spec §4.9: "user messages are
// clamped less aggressively than assistant text; tool-use/tool-result are
// clamped to their own shorter budgets").
const summaryUserClamp = 2000
const summaryAssistantClamp = 1200
const summaryToolClamp = 600

// summarySections is the fixed structure every compaction summary must
// follow (spec §4.9).
var summarySections = []string{
	"Primary Request",
	"User Messages",
	"Work Completed",
	"Errors and Fixes",
	"Key Technical Details",
	"Decisions",
	"Pending Work",
	"Current State",
	"Recommended Next Step",
}

// SummaryLLM is the narrow LLM capability the summarizer needs: a single
// non-streaming completion over a prompt. The Turn Loop's provider
// abstraction (LLMProvider) satisfies a richer interface; callers adapt.
type SummaryLLM interface {
	Summarize(ctx context.Context, prompt string) (string, error)
}

// CompactionSummarizer formats a role-aware transcript of dropped messages
// and asks an LLM to produce the fixed-section structured summary (C9,
// spec §4.9).
//
// Grounded on the teacher's context/summarize.go rolling-summary formatter,
// generalized from a free-form running summary into the spec's fixed
// nine-section handoff document, with a deterministic truncated-transcript
// fallback on LLM failure.
type CompactionSummarizer struct {
	llm SummaryLLM
}

// NewCompactionSummarizer constructs a summarizer bound to an LLM capability.
// A nil llm is valid: Summarize then always falls back to the deterministic
// transcript.
func NewCompactionSummarizer(llm SummaryLLM) *CompactionSummarizer {
	return &CompactionSummarizer{llm: llm}
}

// Summarize formats dropped into a role-aware transcript and asks the LLM
// for the fixed-section summary; on LLM failure or a nil LLM it falls back
// to a deterministic truncated transcript (spec §4.9). tokenBudget bounds
// the summary's own size so re-insertion cannot push the window back over
// the limit.
func (s *CompactionSummarizer) Summarize(ctx context.Context, dropped []*Message, tokenBudget int) string {
	transcript := formatRoleAwareTranscript(dropped)

	if s.llm != nil {
		prompt := buildSummaryPrompt(transcript)
		if out, err := s.llm.Summarize(ctx, prompt); err == nil && strings.TrimSpace(out) != "" {
			return enforceSizeLimit(out, tokenBudget)
		}
	}

	return enforceSizeLimit(deterministicFallback(transcript), tokenBudget)
}

func buildSummaryPrompt(transcript string) string {
	var b strings.Builder
	b.WriteString("Summarize the following conversation transcript as a handoff to a continuing agent. ")
	b.WriteString("Use exactly these section headers, in order, each with a concise body (omit a section only if genuinely empty):\n")
	for _, section := range summarySections {
		b.WriteString("- " + section + "\n")
	}
	b.WriteString("\nTranscript:\n")
	b.WriteString(transcript)
	return b.String()
}

func formatRoleAwareTranscript(messages []*Message) string {
	var b strings.Builder
	for _, msg := range messages {
		switch msg.Role {
		case RoleUser:
			b.WriteString("USER: ")
			b.WriteString(clamp(msg.Text(), summaryUserClamp))
			b.WriteString("\n")
			for _, tr := range msg.ToolResults() {
				b.WriteString(fmt.Sprintf("TOOL_RESULT[%s]: %s\n", tr.ToolUseID, clamp(tr.Content, summaryToolClamp)))
			}
		case RoleAssistant:
			b.WriteString("ASSISTANT: ")
			b.WriteString(clamp(msg.Text(), summaryAssistantClamp))
			b.WriteString("\n")
			for _, tu := range msg.ToolUses() {
				b.WriteString(fmt.Sprintf("TOOL_USE[%s]: %s(%s)\n", tu.ID, tu.Name, clamp(string(tu.Input), summaryToolClamp)))
			}
		}
	}
	return b.String()
}

func clamp(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...[truncated]"
}

// deterministicFallback produces a minimal, non-LLM summary: the fixed
// section headers with the raw (clamped) transcript under "Current State"
// (spec §4.9: "falls back to a deterministic truncated transcript").
func deterministicFallback(transcript string) string {
	var b strings.Builder
	for _, section := range summarySections {
		b.WriteString("## " + section + "\n")
		if section == "Current State" {
			b.WriteString(clamp(transcript, 4000))
			b.WriteString("\n")
		} else {
			b.WriteString("(unavailable: summarization fell back to a raw transcript)\n")
		}
	}
	return b.String()
}

// enforceSizeLimit caps the summary to tokenBudget*charsPerToken characters
// so insertion cannot push the window back over the limit (spec §4.9:
// "Final size is enforced after insertion so it cannot push the window back
// over the limit").
func enforceSizeLimit(summary string, tokenBudget int) string {
	if tokenBudget <= 0 {
		return summary
	}
	maxChars := tokenBudget * charsPerToken
	return clamp(summary, maxChars)
}
