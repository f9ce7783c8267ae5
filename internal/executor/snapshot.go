package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Snapshot is the serializable envelope the Lifecycle Supervisor writes
// after every assistant turn and at terminal transitions: sanitized message
// history, file-operation tracker state, plan summary, and cumulative usage
// totals (C8, spec §4.1 "Conversation Snapshot event").
//
// Grounded on the teacher's tape.Tape envelope shape (internal/executor/tape/tape.go:
// version/created-at/turns/metadata) generalized from a record/replay fixture
// for testing into the resumption payload spec §4.1 requires; only the most
// recent snapshot per task is retained (older ones pruned by the store).
type Snapshot struct {
	Version   string          `json:"version"`
	TaskID    string          `json:"task_id"`
	CreatedAt time.Time       `json:"created_at"`
	Messages  []SnapshotMessage `json:"messages"`
	FileOps   map[string]SnapshotFileOp `json:"file_ops,omitempty"`
	Plan      *Plan           `json:"plan,omitempty"`
	Usage     UsageTotals     `json:"usage"`
}

// SnapshotMessage is a JSON-serializable projection of Message; ContentBlock
// is an interface so snapshot encoding flattens it into a tagged-union form.
type SnapshotMessage struct {
	Role   Role               `json:"role"`
	Pin    PinTag             `json:"pin,omitempty"`
	Blocks []SnapshotBlock    `json:"blocks"`
}

// SnapshotBlock is the tagged-union wire form of a ContentBlock.
type SnapshotBlock struct {
	Kind      BlockKind       `json:"kind"`
	Text      string          `json:"text,omitempty"`
	MimeType  string          `json:"mime_type,omitempty"`
	ApproxSize int            `json:"approx_size,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	ToolName  string          `json:"tool_name,omitempty"`
	ToolInput json.RawMessage `json:"tool_input,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

// SnapshotFileOp is the cached outcome of one file_ops redundancy-cache entry
// (bridges gatekeeper.go's in-memory fileOpCache across a restart).
type SnapshotFileOp struct {
	Content string    `json:"content"`
	IsError bool      `json:"is_error"`
	At      time.Time `json:"at"`
}

// ToSnapshotMessages converts the Conversation Store's live Message slice
// into the snapshot's serializable form.
func ToSnapshotMessages(messages []*Message) []SnapshotMessage {
	out := make([]SnapshotMessage, 0, len(messages))
	for _, m := range messages {
		sm := SnapshotMessage{Role: m.Role, Pin: m.Pin}
		for _, b := range m.Blocks {
			switch v := b.(type) {
			case TextBlock:
				sm.Blocks = append(sm.Blocks, SnapshotBlock{Kind: BlockText, Text: v.Text})
			case ImageBlock:
				sm.Blocks = append(sm.Blocks, SnapshotBlock{Kind: BlockImage, MimeType: v.MimeType, ApproxSize: v.ApproxSize()})
			case ImagePlaceholderBlock:
				sm.Blocks = append(sm.Blocks, SnapshotBlock{Kind: BlockText, Text: v.Text(), MimeType: v.MimeType, ApproxSize: v.ApproxSize})
			case ToolUseBlock:
				sm.Blocks = append(sm.Blocks, SnapshotBlock{Kind: BlockToolUse, ToolUseID: v.ID, ToolName: v.Name, ToolInput: v.Input})
			case ToolResultBlock:
				sm.Blocks = append(sm.Blocks, SnapshotBlock{Kind: BlockToolResult, ToolUseID: v.ToolUseID, Text: v.Content, IsError: v.IsError})
			}
		}
		out = append(out, sm)
	}
	return out
}

// FromSnapshotMessages reconstructs live Messages from a snapshot, restoring
// ImagePlaceholderBlock for any block recorded as an aged-out image (an
// ImageBlock is never round-tripped through a snapshot: by the time a
// snapshot is written the image-aging invariant has already applied).
func FromSnapshotMessages(messages []SnapshotMessage) []*Message {
	out := make([]*Message, 0, len(messages))
	for _, sm := range messages {
		m := &Message{Role: sm.Role, Pin: sm.Pin}
		for _, b := range sm.Blocks {
			switch b.Kind {
			case BlockText:
				if b.MimeType != "" {
					m.Blocks = append(m.Blocks, ImagePlaceholderBlock{MimeType: b.MimeType, ApproxSize: b.ApproxSize})
				} else {
					m.Blocks = append(m.Blocks, TextBlock{Text: b.Text})
				}
			case BlockToolUse:
				m.Blocks = append(m.Blocks, ToolUseBlock{ID: b.ToolUseID, Name: b.ToolName, Input: b.ToolInput})
			case BlockToolResult:
				m.Blocks = append(m.Blocks, ToolResultBlock{ToolUseID: b.ToolUseID, Content: b.Text, IsError: b.IsError})
			}
		}
		out = append(out, m)
	}
	return out
}

// SnapshotStore persists the single most recent Snapshot per task
// (spec §4.1: "Only the most recent snapshot is retained").
type SnapshotStore interface {
	Save(ctx context.Context, snap *Snapshot) error
	Load(ctx context.Context, taskID string) (*Snapshot, bool, error)
	Delete(ctx context.Context, taskID string) error
}

// InMemorySnapshotStore is the default SnapshotStore, sufficient for a
// single daemon process; SQLiteSnapshotStore below persists the same
// contract across restarts without the Turn Loop or Supervisor changing.
//
// Grounded on the deleted internal/sessions package's Store interface shape
// (Save/Load keyed by id, in-memory map implementation) — folded directly in
// here rather than kept as a separate package, since the executor is its
// only consumer (see DESIGN.md).
type InMemorySnapshotStore struct {
	mu   sync.Mutex
	byID map[string]*Snapshot
}

// NewInMemorySnapshotStore creates an empty store.
func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{byID: make(map[string]*Snapshot)}
}

func (s *InMemorySnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[snap.TaskID] = snap
	return nil
}

func (s *InMemorySnapshotStore) Load(ctx context.Context, taskID string) (*Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.byID[taskID]
	return snap, ok, nil
}

func (s *InMemorySnapshotStore) Delete(ctx context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byID, taskID)
	return nil
}

// SQLiteSnapshotStore persists the single most recent Snapshot per task in a
// local SQLite database, giving the daemon crash-resumption across process
// restarts (spec §4.1 "Only the most recent snapshot is retained" — durable
// rather than in-memory).
//
// Grounded on the teacher's session-persistence idiom (deleted
// internal/sessions package's Store interface); the on-disk driver is
// modernc.org/sqlite, the pure-Go sqlite the pack carries for exactly this
// kind of single-file embedded store.
type SQLiteSnapshotStore struct {
	db *sql.DB
}

// NewSQLiteSnapshotStore opens (creating if absent) a SQLite database at
// path and ensures its one table exists.
func NewSQLiteSnapshotStore(ctx context.Context, path string) (*SQLiteSnapshotStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite snapshot store: %w", err)
	}
	const schema = `CREATE TABLE IF NOT EXISTS snapshots (
		task_id TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		created_at TIMESTAMP NOT NULL
	)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create snapshots table: %w", err)
	}
	return &SQLiteSnapshotStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteSnapshotStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteSnapshotStore) Save(ctx context.Context, snap *Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO snapshots (task_id, payload, created_at) VALUES (?, ?, ?)
		 ON CONFLICT(task_id) DO UPDATE SET payload = excluded.payload, created_at = excluded.created_at`,
		snap.TaskID, payload, snap.CreatedAt)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *SQLiteSnapshotStore) Load(ctx context.Context, taskID string) (*Snapshot, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM snapshots WHERE task_id = ?`, taskID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return nil, false, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, true, nil
}

func (s *SQLiteSnapshotStore) Delete(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM snapshots WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// BuildSnapshot assembles a Snapshot from the executor's live state
// (spec §4.1).
func BuildSnapshot(task *Task, messages []*Message, fileOps map[string]SnapshotFileOp, plan *Plan) *Snapshot {
	return &Snapshot{
		Version:   "1",
		TaskID:    task.ID,
		CreatedAt: time.Now(),
		Messages:  ToSnapshotMessages(messages),
		FileOps:   fileOps,
		Plan:      plan,
		Usage:     task.Usage,
	}
}
