package lifecycle

import "agentdeck/internal/model"

var questionTransitions = map[model.QuestionStatus]map[model.QuestionStatus]bool{
	model.QuestionStatusPending: {
		model.QuestionStatusAnswered:  true,
		model.QuestionStatusCancelled: true,
		model.QuestionStatusTimedOut:  true,
	},
}

var executionTransitions = map[model.ExecutionStatus]map[model.ExecutionStatus]bool{
	model.ExecutionStatusPending: {
		model.ExecutionStatusRunning:     true,
		model.ExecutionStatusSpawnFailed: true,
		model.ExecutionStatusCancelled:   true,
	},
	model.ExecutionStatusRunning: {
		model.ExecutionStatusSucceeded:   true,
		model.ExecutionStatusTimedOut:    true,
		model.ExecutionStatusCancelled:   true,
		model.ExecutionStatusSpawnFailed: true,
	},
}

func CanTransitionQuestion(from model.QuestionStatus, to model.QuestionStatus) bool {
	if from == to {
		return true
	}
	return questionTransitions[from][to]
}

func CanTransitionExecution(from model.ExecutionStatus, to model.ExecutionStatus) bool {
	if from == to {
		return true
	}
	return executionTransitions[from][to]
}
