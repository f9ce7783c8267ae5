package executor

import (
	"encoding/json"
	"testing"
)

func TestClassifyStopReason_ToolUseTakesPriority(t *testing.T) {
	got := classifyStopReason([]ToolUseBlock{{ID: "t1", Name: "read_file"}}, 10, 100)
	if got != "tool_use" {
		t.Errorf("got %q, want tool_use", got)
	}
}

func TestClassifyStopReason_MaxTokensWhenOutputHitsRequestedCap(t *testing.T) {
	got := classifyStopReason(nil, 100, 100)
	if got != "max_tokens" {
		t.Errorf("got %q, want max_tokens", got)
	}
}

func TestClassifyStopReason_EndTurnOtherwise(t *testing.T) {
	got := classifyStopReason(nil, 10, 100)
	if got != "end_turn" {
		t.Errorf("got %q, want end_turn", got)
	}
}

func TestClassifyStopReason_NoRequestedMaxNeverReportsMaxTokens(t *testing.T) {
	got := classifyStopReason(nil, 1_000_000, 0)
	if got != "end_turn" {
		t.Errorf("got %q, want end_turn when requestedMax is 0 (unbounded)", got)
	}
}

func TestParsePlanJSON_ParsesEmbeddedJSONObject(t *testing.T) {
	text := `Here is my plan:
	{"steps": ["investigate the bug", "write a fix"]}
	Let me know if that looks right.`

	raw := parsePlanJSON(text)
	if raw == nil {
		t.Fatal("expected a parsed plan")
	}
	if len(raw.Steps) != 2 {
		t.Fatalf("got %d steps, want 2", len(raw.Steps))
	}
}

func TestParsePlanJSON_ReturnsNilForNoJSONObject(t *testing.T) {
	if raw := parsePlanJSON("no braces here at all"); raw != nil {
		t.Errorf("expected nil, got %+v", raw)
	}
}

func TestParsePlanJSON_ReturnsNilForEmptyStepsList(t *testing.T) {
	if raw := parsePlanJSON(`{"steps": []}`); raw != nil {
		t.Errorf("expected nil for an empty steps list, got %+v", raw)
	}
}

func TestParsePlanJSON_ReturnsNilForMalformedJSON(t *testing.T) {
	if raw := parsePlanJSON(`{"steps": [oops]}`); raw != nil {
		t.Errorf("expected nil for malformed JSON, got %+v", raw)
	}
}

func TestToCompletionMessages_FlattensTextBlocks(t *testing.T) {
	msgs := []*Message{NewTextMessage(RoleUser, "hello there")}

	out := toCompletionMessages(msgs)

	if len(out) != 1 {
		t.Fatalf("got %d messages, want 1", len(out))
	}
	if out[0].Content != "hello there" {
		t.Errorf("Content = %q, want %q", out[0].Content, "hello there")
	}
	if out[0].Role != "user" {
		t.Errorf("Role = %q, want user", out[0].Role)
	}
}

func TestToCompletionMessages_SplitsToolUseAndToolResultBlocks(t *testing.T) {
	msgs := []*Message{
		{Role: RoleAssistant, Blocks: []ContentBlock{ToolUseBlock{ID: "t1", Name: "read_file", Input: json.RawMessage(`{"path":"a"}`)}}},
		NewToolResultMessage(ToolResultBlock{ToolUseID: "t1", Content: "contents", IsError: false}),
	}

	out := toCompletionMessages(msgs)

	if len(out[0].ToolCalls) != 1 || out[0].ToolCalls[0].Name != "read_file" {
		t.Errorf("ToolCalls mismatch: %+v", out[0].ToolCalls)
	}
	if len(out[1].ToolResults) != 1 || out[1].ToolResults[0].Content != "contents" {
		t.Errorf("ToolResults mismatch: %+v", out[1].ToolResults)
	}
}

func TestToCompletionMessages_ImagePlaceholderBecomesText(t *testing.T) {
	msgs := []*Message{
		{Role: RoleUser, Blocks: []ContentBlock{ImagePlaceholderBlock{MimeType: "image/png", ApproxSize: 10}}},
	}

	out := toCompletionMessages(msgs)

	if out[0].Content == "" {
		t.Error("expected the placeholder's textual description to be folded into Content")
	}
	if len(out[0].Attachments) != 0 {
		t.Error("a placeholder must not also surface as an attachment")
	}
}

func TestToCompletionMessages_ImageBlockBecomesAttachment(t *testing.T) {
	msgs := []*Message{
		{Role: RoleUser, Blocks: []ContentBlock{ImageBlock{MimeType: "image/png", URL: "https://example.com/x.png"}}},
	}

	out := toCompletionMessages(msgs)

	if len(out[0].Attachments) != 1 {
		t.Fatalf("got %d attachments, want 1", len(out[0].Attachments))
	}
	if out[0].Attachments[0].MimeType != "image/png" {
		t.Errorf("MimeType = %q, want image/png", out[0].Attachments[0].MimeType)
	}
}

func TestToolHardFailureError_ErrorIncludesToolAndMessage(t *testing.T) {
	err := &toolHardFailureError{tool: "deploy", class: FailureLocalRuntime, message: "disk full"}
	if got := err.Error(); got != "deploy: disk full" {
		t.Errorf("Error() = %q, want %q", got, "deploy: disk full")
	}
}
