package model

import "time"

type QuestionStatus string

const (
	QuestionStatusPending   QuestionStatus = "pending"
	QuestionStatusAnswered  QuestionStatus = "answered"
	QuestionStatusCancelled QuestionStatus = "cancelled"
	QuestionStatusTimedOut  QuestionStatus = "timed_out"
)

func (s QuestionStatus) Terminal() bool {
	switch s {
	case QuestionStatusAnswered, QuestionStatusCancelled, QuestionStatusTimedOut:
		return true
	default:
		return false
	}
}

type QuestionKind string

const (
	QuestionKindText    QuestionKind = "text"
	QuestionKindChoice  QuestionKind = "choice"
	QuestionKindConfirm QuestionKind = "confirm"
	QuestionKindRaw     QuestionKind = "raw"
)

// QuestionPayload is a closed set of shapes. Raw carries anything a tool
// sends that does not parse into one of the known kinds.
type QuestionPayload struct {
	Kind    QuestionKind `json:"kind"`
	Title   string       `json:"title,omitempty"`
	Message string       `json:"message"`
	Choices []string     `json:"choices,omitempty"`
	Raw     string       `json:"raw,omitempty"`
}

type Question struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	ExecutionID    string          `json:"execution_id,omitempty"`
	Payload        QuestionPayload `json:"payload"`
	Status         QuestionStatus  `json:"status"`
	Answer         string          `json:"answer,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}

type QuestionEventType string

const (
	QuestionEventSurfaced QuestionEventType = "surfaced"
	QuestionEventResolved QuestionEventType = "resolved"
)

type QuestionEvent struct {
	Type     QuestionEventType `json:"type"`
	Question Question          `json:"question"`
}

// AnswerEvent arrives from an operator surface (HTTP, WebSocket, or the
// answers bus topic). Cancel true means the operator dismissed the question.
type AnswerEvent struct {
	QuestionID string `json:"question_id"`
	Answer     string `json:"answer,omitempty"`
	Cancel     bool   `json:"cancel,omitempty"`
}
