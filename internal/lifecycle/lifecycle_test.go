package lifecycle

import (
	"testing"

	"agentdeck/internal/model"
)

func TestQuestionTransitions(t *testing.T) {
	if !CanTransitionQuestion(model.QuestionStatusPending, model.QuestionStatusAnswered) {
		t.Fatalf("expected pending -> answered transition to be allowed")
	}
	if !CanTransitionQuestion(model.QuestionStatusPending, model.QuestionStatusTimedOut) {
		t.Fatalf("expected pending -> timed_out transition to be allowed")
	}
	if CanTransitionQuestion(model.QuestionStatusAnswered, model.QuestionStatusCancelled) {
		t.Fatalf("expected answered -> cancelled transition to be disallowed")
	}
	if CanTransitionQuestion(model.QuestionStatusTimedOut, model.QuestionStatusAnswered) {
		t.Fatalf("expected timed_out -> answered transition to be disallowed")
	}
	if !CanTransitionQuestion(model.QuestionStatusAnswered, model.QuestionStatusAnswered) {
		t.Fatalf("expected same-state transition to be allowed")
	}
}

func TestExecutionTransitions(t *testing.T) {
	if !CanTransitionExecution(model.ExecutionStatusPending, model.ExecutionStatusRunning) {
		t.Fatalf("expected pending -> running transition to be allowed")
	}
	if !CanTransitionExecution(model.ExecutionStatusRunning, model.ExecutionStatusTimedOut) {
		t.Fatalf("expected running -> timed_out transition to be allowed")
	}
	if CanTransitionExecution(model.ExecutionStatusSucceeded, model.ExecutionStatusRunning) {
		t.Fatalf("expected succeeded -> running transition to be disallowed")
	}
	if CanTransitionExecution(model.ExecutionStatusPending, model.ExecutionStatusSucceeded) {
		t.Fatalf("expected pending -> succeeded transition to be disallowed")
	}
}
