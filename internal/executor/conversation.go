package executor

import (
	"strings"
	"sync"
)

// maxImageBearingMessages is N from spec §3 invariant 4: images older than
// the N most recent image-bearing messages are replaced with placeholders.
const maxImageBearingMessages = 8

// proactiveCompactionThreshold / proactiveCompactionTarget are the
// utilization trigger and post-compaction target for proactive compaction
// (spec §4.3: "proactive when utilization >= 80%... target 60%").
const proactiveCompactionThreshold = 0.80
const proactiveCompactionTarget = 0.60

// charsPerToken is the model-agnostic heuristic ExtractTokens uses, matching
// the teacher's context.Packer budget proxy (internal/executor/context/packer.go).
const charsPerToken = 4

// staleToolErrorMarkers are the tool_result contents PruneStaleToolErrors
// rewrites once they are no longer the most recent turn (spec §4.3).
var staleToolErrorMarkers = []string{"duplicate tool call rejected", "is not available", "disabled after repeated failures"}

// ConversationStore maintains a valid, compact, provider-ready message
// history (C3, spec §4.3).
//
// Grounded on the teacher's context.Packer (internal/executor/context/packer.go)
// for the budget-based selection strategy and on transcript_repair.go for the
// tool-use/tool-result pairing discipline, generalized from a flat
// pkg/models.Message history to the ordered ContentBlock model in message.go
// and extended with the pinned-block and image-aging invariants spec §3 adds.
type ConversationStore struct {
	mu       sync.Mutex
	messages []*Message
}

// NewConversationStore creates an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{}
}

// Messages returns a snapshot slice of the current history (shallow copy of
// the slice header; messages themselves are not deep-copied).
func (cs *ConversationStore) Messages() []*Message {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]*Message, len(cs.messages))
	copy(out, cs.messages)
	return out
}

// Append adds msg to the history after image-aging sanitization
// (spec §4.3 "Append(message) after runtime-sanitization").
func (cs *ConversationStore) Append(msg *Message) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.messages = append(cs.messages, msg)
	cs.ageImagesLocked()
}

// ageImagesLocked replaces ImageBlocks in messages older than the most
// recent maxImageBearingMessages image-bearing messages with
// ImagePlaceholderBlock (spec §3 invariant 4). Must be called with mu held.
func (cs *ConversationStore) ageImagesLocked() {
	imageBearingSeen := 0
	for i := len(cs.messages) - 1; i >= 0; i-- {
		msg := cs.messages[i]
		hasImage := false
		for _, b := range msg.Blocks {
			if _, ok := b.(ImageBlock); ok {
				hasImage = true
				break
			}
		}
		if !hasImage {
			continue
		}
		imageBearingSeen++
		if imageBearingSeen <= maxImageBearingMessages {
			continue
		}
		for j, b := range msg.Blocks {
			if img, ok := b.(ImageBlock); ok {
				msg.Blocks[j] = ImagePlaceholderBlock{MimeType: img.MimeType, ApproxSize: img.ApproxSize()}
			}
		}
	}
}

// isToolPairSplitAt reports whether inserting a message at index idx would
// separate a tool_use block from its matching tool_result (spec §3
// invariant 3, §4.3 "picks the first insertion index that does not split a
// tool-use/tool-result pair"). idx is the index a new message would occupy,
// i.e. insertion happens between messages[idx-1] and messages[idx].
func (cs *ConversationStore) isToolPairSplitAt(idx int) bool {
	if idx <= 0 || idx >= len(cs.messages) {
		return false
	}
	prev := cs.messages[idx-1]
	if prev.Role != RoleAssistant {
		return false
	}
	return len(prev.ToolUses()) > 0
}

// UpsertPinnedBlock inserts or updates the pinned message for tag, in the
// canonical pinOrder position (or immediately after insertAfterTag's current
// message, if non-empty and present) (spec §4.3).
func (cs *ConversationStore) UpsertPinnedBlock(tag PinTag, content string, insertAfterTag PinTag) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	for _, msg := range cs.messages {
		if msg.Pin == tag {
			msg.Blocks = []ContentBlock{TextBlock{Text: content}}
			return
		}
	}

	insertIdx := cs.pinnedInsertionIndexLocked(tag, insertAfterTag)
	pinned := &Message{Role: RoleUser, Pin: tag, Blocks: []ContentBlock{TextBlock{Text: content}}}

	out := make([]*Message, 0, len(cs.messages)+1)
	out = append(out, cs.messages[:insertIdx]...)
	out = append(out, pinned)
	out = append(out, cs.messages[insertIdx:]...)
	cs.messages = out
}

func (cs *ConversationStore) pinnedInsertionIndexLocked(tag PinTag, insertAfterTag PinTag) int {
	if insertAfterTag != "" {
		for i, msg := range cs.messages {
			if msg.Pin == insertAfterTag {
				idx := i + 1
				for cs.isToolPairSplitAt(idx) {
					idx++
				}
				return idx
			}
		}
	}

	rank := func(t PinTag) int {
		for i, p := range pinOrder {
			if p == t {
				return i
			}
		}
		return len(pinOrder)
	}
	myRank := rank(tag)

	idx := 0
	for i, msg := range cs.messages {
		if msg.Pin != "" && rank(msg.Pin) < myRank {
			idx = i + 1
		}
	}
	for cs.isToolPairSplitAt(idx) {
		idx++
	}
	return idx
}

// ConsolidateConsecutiveUser merges adjacent text-only user messages
// required by providers enforcing strict role alternation; tool-result
// messages are never merged (spec §4.3).
func (cs *ConversationStore) ConsolidateConsecutiveUser() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	merged := make([]*Message, 0, len(cs.messages))
	for _, msg := range cs.messages {
		if len(merged) > 0 {
			last := merged[len(merged)-1]
			if last.Role == RoleUser && msg.Role == RoleUser && last.IsTextOnly() && msg.IsTextOnly() && last.Pin == "" && msg.Pin == "" {
				last.Blocks = append(last.Blocks, TextBlock{Text: "\n\n"}, msg.Blocks[0])
				last.Blocks = append(last.Blocks, msg.Blocks[1:]...)
				continue
			}
		}
		merged = append(merged, msg)
	}
	cs.messages = merged
}

// PruneStaleToolErrors rewrites older tool_result payloads matching a stale
// marker (duplicate/blocked) into a minimal placeholder, preserving pairing
// and never touching the most recent user message (spec §4.3).
func (cs *ConversationStore) PruneStaleToolErrors() {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	lastUserIdx := -1
	for i := len(cs.messages) - 1; i >= 0; i-- {
		if cs.messages[i].Role == RoleUser {
			lastUserIdx = i
			break
		}
	}

	for i, msg := range cs.messages {
		if i == lastUserIdx || msg.Role != RoleUser {
			continue
		}
		for j, b := range msg.Blocks {
			tr, ok := b.(ToolResultBlock)
			if !ok || !tr.IsError {
				continue
			}
			if isStaleToolError(tr.Content) {
				msg.Blocks[j] = ToolResultBlock{ToolUseID: tr.ToolUseID, Content: "[stale error, retry blocked]", IsError: true}
			}
		}
	}
}

func isStaleToolError(content string) bool {
	for _, marker := range staleToolErrorMarkers {
		if strings.Contains(content, marker) {
			return true
		}
	}
	return false
}

// ExtractTokens estimates the token count of messages plus a system prompt
// via a model-agnostic chars/4 heuristic (spec §4.3), matching the teacher's
// context.Packer budget proxy.
func (cs *ConversationStore) ExtractTokens(messages []*Message, system string) int64 {
	total := len(system)
	for _, msg := range messages {
		total += messageChars(msg)
	}
	return int64(total / charsPerToken)
}

func messageChars(msg *Message) int {
	total := 0
	for _, b := range msg.Blocks {
		switch v := b.(type) {
		case TextBlock:
			total += len(v.Text)
		case ImagePlaceholderBlock:
			total += len(v.Text())
		case ImageBlock:
			total += 256 // flat estimate; real token cost is provider-specific
		case ToolUseBlock:
			total += len(v.Name) + len(v.Input)
		case ToolResultBlock:
			total += len(v.Content)
		}
	}
	return total
}

// CompactionResult is returned by CompactWithMeta (spec §4.3).
type CompactionResult struct {
	Messages []*Message
	Removed  []*Message
	Reactive bool
}

// CompactWithMeta drops a pairing-safe prefix of the history when
// utilization crosses the proactive threshold (or, if reactive is forced,
// unconditionally), returning the kept messages and the dropped slice for
// the Compaction Summarizer to turn into a handoff summary (spec §4.3).
func (cs *ConversationStore) CompactWithMeta(systemTokens int64, contextWindow int64, forceReactive bool) CompactionResult {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	used := cs.ExtractTokens(cs.messages, "") + systemTokens
	utilization := float64(used) / float64(contextWindow)
	if !forceReactive && utilization < proactiveCompactionThreshold {
		return CompactionResult{Messages: cs.messages}
	}

	targetTokens := int64(float64(contextWindow) * proactiveCompactionTarget)
	if forceReactive {
		targetTokens = int64(float64(contextWindow) * proactiveCompactionThreshold)
	}

	dropEnd := 0
	runningTokens := used
	for dropEnd < len(cs.messages) && runningTokens > targetTokens {
		for dropEnd < len(cs.messages) && cs.splitsAPairIfDroppedThrough(dropEnd) {
			dropEnd++
		}
		if dropEnd >= len(cs.messages) {
			break
		}
		runningTokens -= int64(messageChars(cs.messages[dropEnd]) / charsPerToken)
		dropEnd++
	}
	// Reactive compaction is called because the next LLM call would
	// otherwise overflow the window regardless of this heuristic's token
	// estimate; always drop at least the oldest droppable message.
	if forceReactive && dropEnd == 0 {
		for dropEnd < len(cs.messages) && cs.splitsAPairIfDroppedThrough(dropEnd) {
			dropEnd++
		}
		if dropEnd < len(cs.messages) {
			dropEnd++
		}
	}

	removed := cs.messages[:dropEnd]
	kept := cs.messages[dropEnd:]
	cs.messages = kept

	return CompactionResult{Messages: kept, Removed: removed, Reactive: forceReactive}
}

// splitsAPairIfDroppedThrough reports whether dropping messages[0:idx+1] (but
// keeping the rest) would orphan a tool_use whose result lives at idx+1 or
// later — i.e. idx itself is an assistant message with pending tool_uses.
func (cs *ConversationStore) splitsAPairIfDroppedThrough(idx int) bool {
	msg := cs.messages[idx]
	return msg.Role == RoleAssistant && len(msg.ToolUses()) > 0
}
