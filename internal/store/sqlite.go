// Package store owns the durable conversation history. It is the only
// component that reads or writes Conversation, Turn, and NativeSessionMapping
// records. The store is scoped to one project root via its database path.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	_ "github.com/mattn/go-sqlite3"

	"agentdeck/internal/model"
)

const DefaultDBPath = ".agentdeck/history.db"

// Fixed-width so lexicographic ORDER BY matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type SQLiteStore struct {
	DBPath string

	db *sql.DB

	mu        sync.Mutex
	convLocks map[string]*sync.Mutex

	// beforeCommit runs after both records are staged inside the append
	// transaction and before commit. Tests use it to simulate a crash
	// between the two writes.
	beforeCommit func() error
}

func NewSQLiteStore(dbPath string) *SQLiteStore {
	if strings.TrimSpace(dbPath) == "" {
		dbPath = DefaultDBPath
	}
	return &SQLiteStore{
		DBPath:    dbPath,
		convLocks: map[string]*sync.Mutex{},
	}
}

func (s *SQLiteStore) Init() error {
	if err := os.MkdirAll(filepath.Dir(s.DBPath), 0o755); err != nil {
		return fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite3", s.DBPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return fmt.Errorf("open db %s: %w", s.DBPath, err)
	}
	s.db = db

	schema := `
CREATE TABLE IF NOT EXISTS conversations (
  conversation_id TEXT PRIMARY KEY,
  tool TEXT NOT NULL,
  turn_count INTEGER NOT NULL DEFAULT 0,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS turns (
  conversation_id TEXT NOT NULL,
  turn_index INTEGER NOT NULL,
  prompt TEXT NOT NULL,
  output TEXT NOT NULL,
  transaction_id TEXT NOT NULL DEFAULT '',
  execution_id TEXT NOT NULL DEFAULT '',
  created_at TEXT NOT NULL,
  PRIMARY KEY (conversation_id, turn_index)
);
CREATE TABLE IF NOT EXISTS native_sessions (
  conversation_id TEXT PRIMARY KEY,
  tool TEXT NOT NULL,
  native_ref TEXT NOT NULL,
  transaction_id TEXT NOT NULL DEFAULT '',
  resume_capable INTEGER NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_native_sessions_ref ON native_sessions (native_ref);`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// MappingUpdate is the native-session half of an append. Nil means the tool
// exposed no native reference for this turn.
type MappingUpdate struct {
	Tool          model.Tool
	NativeRef     string
	TransactionID string
	ResumeCapable bool
}

func (s *SQLiteStore) GetConversation(id string) (*model.Conversation, error) {
	row := s.db.QueryRow(
		`SELECT conversation_id, tool, turn_count, created_at, updated_at
		 FROM conversations WHERE conversation_id = ?`, id)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	return conv, nil
}

func (s *SQLiteStore) ListConversations() ([]model.Conversation, error) {
	rows, err := s.db.Query(
		`SELECT conversation_id, tool, turn_count, created_at, updated_at
		 FROM conversations ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []model.Conversation{}
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *conv)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetTurns(conversationID string) ([]model.Turn, error) {
	rows, err := s.db.Query(
		`SELECT conversation_id, turn_index, prompt, output, transaction_id, execution_id, created_at
		 FROM turns WHERE conversation_id = ? ORDER BY turn_index ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("get turns %s: %w", conversationID, err)
	}
	defer func() { _ = rows.Close() }()

	out := []model.Turn{}
	for rows.Next() {
		var turn model.Turn
		var createdAt string
		if err := rows.Scan(&turn.ConversationID, &turn.Index, &turn.Prompt, &turn.Output,
			&turn.TransactionID, &turn.ExecutionID, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.CreatedAt = parseTime(createdAt)
		out = append(out, turn)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetNativeSessionMapping(conversationID string) (*model.NativeSessionMapping, error) {
	row := s.db.QueryRow(
		`SELECT conversation_id, tool, native_ref, transaction_id, resume_capable, updated_at
		 FROM native_sessions WHERE conversation_id = ?`, conversationID)
	mapping, err := scanMapping(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get mapping %s: %w", conversationID, err)
	}
	return mapping, nil
}

// LookupResumeRef resolves a caller-supplied resume reference, which may be a
// conversation id or a tool's native session handle. Ambiguous native refs
// prefer the most recently updated conversation.
func (s *SQLiteStore) LookupResumeRef(ref string) (*model.NativeSessionMapping, error) {
	mapping, err := s.GetNativeSessionMapping(ref)
	if err != nil {
		return nil, err
	}
	if mapping != nil {
		return mapping, nil
	}
	row := s.db.QueryRow(
		`SELECT n.conversation_id, n.tool, n.native_ref, n.transaction_id, n.resume_capable, n.updated_at
		 FROM native_sessions n
		 JOIN conversations c ON c.conversation_id = n.conversation_id
		 WHERE n.native_ref = ?
		 ORDER BY c.updated_at DESC
		 LIMIT 1`, ref)
	mapping, err = scanMapping(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup resume ref %s: %w", ref, err)
	}
	return mapping, nil
}

// AppendTurn persists one turn and, when supplied, the native-session mapping
// in a single transaction. A new conversation id creates the conversation row
// in the same unit, so the conversation is never visible without the first
// turn's mapping outcome. Calls for the same conversation id are serialized.
func (s *SQLiteStore) AppendTurn(conversationID string, tool model.Tool, turn model.Turn, mapping *MappingUpdate) (*model.Conversation, error) {
	if strings.TrimSpace(conversationID) == "" {
		return nil, fmt.Errorf("conversation id cannot be empty")
	}
	lock := s.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	var conv *model.Conversation
	err := retry.Retry(func(attempt uint) error {
		var txErr error
		conv, txErr = s.appendTurnTx(conversationID, tool, turn, mapping)
		if txErr != nil && isBusy(txErr) {
			return txErr
		}
		if txErr != nil {
			return retryHalt{txErr}
		}
		return nil
	}, strategy.Limit(3), strategy.Backoff(backoff.Linear(50*time.Millisecond)))
	if err != nil {
		if halt, ok := err.(retryHalt); ok {
			return nil, halt.err
		}
		return nil, err
	}
	return conv, nil
}

func (s *SQLiteStore) appendTurnTx(conversationID string, tool model.Tool, turn model.Turn, mapping *MappingUpdate) (*model.Conversation, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin append tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	nowText := now.Format(timeLayout)

	row := tx.QueryRow(
		`SELECT conversation_id, tool, turn_count, created_at, updated_at
		 FROM conversations WHERE conversation_id = ?`, conversationID)
	conv, err := scanConversation(row)
	if err == sql.ErrNoRows {
		conv = &model.Conversation{
			ID:        conversationID,
			Tool:      tool,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := tx.Exec(
			`INSERT INTO conversations (conversation_id, tool, turn_count, created_at, updated_at)
			 VALUES (?, ?, 0, ?, ?)`, conversationID, string(tool), nowText, nowText); err != nil {
			return nil, fmt.Errorf("create conversation %s: %w", conversationID, err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("read conversation %s: %w", conversationID, err)
	}

	index := conv.TurnCount
	if _, err := tx.Exec(
		`INSERT INTO turns (conversation_id, turn_index, prompt, output, transaction_id, execution_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conversationID, index, turn.Prompt, turn.Output, turn.TransactionID, turn.ExecutionID, nowText); err != nil {
		return nil, fmt.Errorf("insert turn %s/%d: %w", conversationID, index, err)
	}
	if _, err := tx.Exec(
		`UPDATE conversations SET turn_count = ?, updated_at = ? WHERE conversation_id = ?`,
		index+1, nowText, conversationID); err != nil {
		return nil, fmt.Errorf("update conversation %s: %w", conversationID, err)
	}

	if mapping != nil {
		if _, err := tx.Exec(
			`INSERT INTO native_sessions (conversation_id, tool, native_ref, transaction_id, resume_capable, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT(conversation_id) DO UPDATE SET
			   tool = excluded.tool,
			   native_ref = excluded.native_ref,
			   transaction_id = excluded.transaction_id,
			   updated_at = excluded.updated_at`,
			conversationID, string(mapping.Tool), mapping.NativeRef, mapping.TransactionID,
			boolToInt(mapping.ResumeCapable), nowText); err != nil {
			return nil, fmt.Errorf("upsert mapping %s: %w", conversationID, err)
		}
	}

	if s.beforeCommit != nil {
		if err := s.beforeCommit(); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append %s: %w", conversationID, err)
	}

	conv.TurnCount = index + 1
	conv.UpdatedAt = now
	return conv, nil
}

func (s *SQLiteStore) lockFor(conversationID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.convLocks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		s.convLocks[conversationID] = lock
	}
	return lock
}

type retryHalt struct {
	err error
}

func (r retryHalt) Error() string {
	return r.err.Error()
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	text := err.Error()
	return strings.Contains(text, "database is locked") || strings.Contains(text, "database table is locked")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*model.Conversation, error) {
	var conv model.Conversation
	var createdAt, updatedAt string
	if err := row.Scan(&conv.ID, &conv.Tool, &conv.TurnCount, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	conv.CreatedAt = parseTime(createdAt)
	conv.UpdatedAt = parseTime(updatedAt)
	return &conv, nil
}

func scanMapping(row rowScanner) (*model.NativeSessionMapping, error) {
	var mapping model.NativeSessionMapping
	var capable int
	var updatedAt string
	if err := row.Scan(&mapping.ConversationID, &mapping.Tool, &mapping.NativeRef,
		&mapping.TransactionID, &capable, &updatedAt); err != nil {
		return nil, err
	}
	mapping.ResumeCapable = capable != 0
	mapping.UpdatedAt = parseTime(updatedAt)
	return &mapping, nil
}

func parseTime(text string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, text)
	if err != nil {
		return time.Time{}
	}
	return parsed
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
