package executor

import (
	"encoding/json"
	"fmt"
)

// Role is the speaker of a Message. Providers enforce strict alternation
// between these two roles (spec §3).
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// BlockKind tags the concrete type of a ContentBlock.
type BlockKind string

const (
	BlockText       BlockKind = "text"
	BlockImage      BlockKind = "image"
	BlockToolUse    BlockKind = "tool_use"
	BlockToolResult BlockKind = "tool_result"
)

// ContentBlock is one ordered unit of message content. Messages carry an
// ordered slice of these rather than a single string, so that tool-use/
// tool-result pairing and image placement can be reasoned about positionally
// (spec §3, design note on "dynamic tool schemas and message content blocks").
type ContentBlock interface {
	Kind() BlockKind
}

// TextBlock is plain text content.
type TextBlock struct {
	Text string
}

func (TextBlock) Kind() BlockKind { return BlockText }

// ImageBlock is an inline image attachment. Images older than the last N
// image-bearing messages are replaced with ImagePlaceholderBlock by the
// Conversation Store (spec §3 invariant 4).
type ImageBlock struct {
	MimeType string
	Data     []byte
	URL      string
}

func (ImageBlock) Kind() BlockKind { return BlockImage }

// ApproxSize estimates the on-wire size of the image for placeholder text.
func (b ImageBlock) ApproxSize() int {
	if len(b.Data) > 0 {
		return len(b.Data)
	}
	return len(b.URL)
}

// ImagePlaceholderBlock replaces an ImageBlock once it has aged out of the
// most recent N image-bearing messages. It renders as text but keeps enough
// metadata to explain what was dropped.
type ImagePlaceholderBlock struct {
	MimeType   string
	ApproxSize int
}

func (ImagePlaceholderBlock) Kind() BlockKind { return BlockText }

func (b ImagePlaceholderBlock) Text() string {
	return fmt.Sprintf("[image omitted: %s, ~%d bytes]", b.MimeType, b.ApproxSize)
}

// ToolUseBlock is an assistant-issued tool invocation request.
type ToolUseBlock struct {
	ID    string
	Name  string
	Input json.RawMessage
}

func (ToolUseBlock) Kind() BlockKind { return BlockToolUse }

// ToolResultBlock is the observation fed back for a matching ToolUseBlock.
// Every ToolUseBlock in an assistant message must be paired with exactly one
// ToolResultBlock, sharing ToolUseID, in the following user message
// (spec §3 invariant 1).
type ToolResultBlock struct {
	ToolUseID string
	Content   string
	IsError   bool
}

func (ToolResultBlock) Kind() BlockKind { return BlockToolResult }

// PinTag identifies a pinned block anchor. Pinned blocks are inserted in a
// fixed order and updated in place by tag rather than appended (spec §4.3).
type PinTag string

const (
	PinUserProfile       PinTag = "user_profile"
	PinSharedContext     PinTag = "shared_context"
	PinCompactionSummary PinTag = "compaction_summary"
	PinMemoryRecall      PinTag = "memory_recall"
)

// pinOrder is the canonical insertion order for pinned blocks (spec §4.3).
var pinOrder = []PinTag{PinUserProfile, PinSharedContext, PinCompactionSummary, PinMemoryRecall}

// Message is one turn of conversation: a role and an ordered list of
// content blocks (spec §3).
type Message struct {
	Role   Role
	Blocks []ContentBlock
	// Pin is non-empty when this message is a pinned block, identifying its
	// anchor tag for idempotent upsert (spec §4.3, §8 invariant 3).
	Pin PinTag
}

// IsTextOnly reports whether every block in the message is a TextBlock (used
// by ConsolidateConsecutiveUser to decide which messages may be merged).
func (m *Message) IsTextOnly() bool {
	if m == nil {
		return false
	}
	for _, b := range m.Blocks {
		if b.Kind() != BlockText {
			return false
		}
	}
	return true
}

// Text concatenates all TextBlock content, ignoring non-text blocks. Used
// for heuristics (completion oracle, nudge detection) that only care about
// the prose, not the structured tool traffic.
func (m *Message) Text() string {
	if m == nil {
		return ""
	}
	out := ""
	for _, b := range m.Blocks {
		switch v := b.(type) {
		case TextBlock:
			out += v.Text
		case ImagePlaceholderBlock:
			out += v.Text()
		}
	}
	return out
}

// ToolUses returns every ToolUseBlock in the message, in order.
func (m *Message) ToolUses() []ToolUseBlock {
	var out []ToolUseBlock
	for _, b := range m.Blocks {
		if tu, ok := b.(ToolUseBlock); ok {
			out = append(out, tu)
		}
	}
	return out
}

// ToolResults returns every ToolResultBlock in the message, in order.
func (m *Message) ToolResults() []ToolResultBlock {
	var out []ToolResultBlock
	for _, b := range m.Blocks {
		if tr, ok := b.(ToolResultBlock); ok {
			out = append(out, tr)
		}
	}
	return out
}

// NewTextMessage constructs a single-block plain-text message.
func NewTextMessage(role Role, text string) *Message {
	return &Message{Role: role, Blocks: []ContentBlock{TextBlock{Text: text}}}
}

// NewToolResultMessage constructs a user-role message carrying one or more
// tool results, matching the shape required by invariant 1.
func NewToolResultMessage(results ...ToolResultBlock) *Message {
	blocks := make([]ContentBlock, len(results))
	for i, r := range results {
		blocks[i] = r
	}
	return &Message{Role: RoleUser, Blocks: blocks}
}
