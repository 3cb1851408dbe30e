package model

import "time"

type Tool string

const (
	ToolClaude Tool = "claude"
	ToolGemini Tool = "gemini"
	ToolQwen   Tool = "qwen"
	ToolCodex  Tool = "codex"
)

type ResumeStrategy string

const (
	StrategyFresh          ResumeStrategy = "fresh"
	StrategyNativeResume   ResumeStrategy = "native_resume"
	StrategyFallbackConcat ResumeStrategy = "fallback_concat"
)

type ExecutionStatus string

const (
	ExecutionStatusPending     ExecutionStatus = "pending"
	ExecutionStatusRunning     ExecutionStatus = "running"
	ExecutionStatusSucceeded   ExecutionStatus = "succeeded"
	ExecutionStatusSpawnFailed ExecutionStatus = "spawn_failed"
	ExecutionStatusTimedOut    ExecutionStatus = "timed_out"
	ExecutionStatusCancelled   ExecutionStatus = "cancelled"
)

type Conversation struct {
	ID        string    `json:"id"`
	Tool      Tool      `json:"tool"`
	TurnCount int       `json:"turn_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Turn struct {
	ConversationID string    `json:"conversation_id"`
	Index          int       `json:"index"`
	Prompt         string    `json:"prompt"`
	Output         string    `json:"output"`
	TransactionID  string    `json:"transaction_id"`
	ExecutionID    string    `json:"execution_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// NativeSessionMapping records the external tool's own session handle for a
// conversation. ResumeCapable is a snapshot taken at mapping-creation time and
// is not re-derived when the capability table changes.
type NativeSessionMapping struct {
	ConversationID string    `json:"conversation_id"`
	Tool           Tool      `json:"tool"`
	NativeRef      string    `json:"native_session_ref"`
	TransactionID  string    `json:"transaction_id"`
	ResumeCapable  bool      `json:"resume_capable"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type DegradationKind string

const (
	DegradationUnknownResumeRef DegradationKind = "unknown_resume_ref"
	DegradationCrossToolResume  DegradationKind = "cross_tool_resume"
	DegradationResumeIncapable  DegradationKind = "resume_incapable"
	DegradationSpawnDowngrade   DegradationKind = "native_resume_rejected"
	DegradationCorrelationLost  DegradationKind = "correlation_lost"
)

// Degradation is emitted on every fallback path so that a resume quietly
// becoming a fresh conversation stays diagnosable.
type Degradation struct {
	Kind           DegradationKind `json:"kind"`
	Tool           Tool            `json:"tool"`
	RequestedRef   string          `json:"requested_ref,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Detail         string          `json:"detail,omitempty"`
	At             time.Time       `json:"at"`
}

type ChunkType string

const (
	ChunkStdout ChunkType = "stdout"
	ChunkStderr ChunkType = "stderr"
	ChunkSystem ChunkType = "system"
	ChunkRaw    ChunkType = "raw"
)

type OutputChunk struct {
	ExecutionID string    `json:"execution_id"`
	Type        ChunkType `json:"type"`
	Data        string    `json:"data"`
	Seq         int       `json:"seq"`
	At          time.Time `json:"at"`
}

type ExecutionRecord struct {
	ExecutionID    string          `json:"execution_id"`
	ConversationID string          `json:"conversation_id"`
	Tool           Tool            `json:"tool"`
	Strategy       ResumeStrategy  `json:"strategy"`
	Status         ExecutionStatus `json:"status"`
	ErrorText      string          `json:"error_text,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	FinishedAt     *time.Time      `json:"finished_at,omitempty"`
}
