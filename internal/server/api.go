package server

import (
	"net/http"
	"strings"
	"time"

	"agentdeck/internal/executor"
	"agentdeck/internal/model"
	"agentdeck/internal/serviceapi"
)

func (r *Runtime) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/health", r.handleHealth)
	mux.HandleFunc("/api/v1/executions", r.handleExecutions)
	mux.HandleFunc("/api/v1/conversations", r.handleConversations)
	mux.HandleFunc("/api/v1/conversations/", r.handleConversationByID)
	mux.HandleFunc("/api/v1/questions", r.handleQuestions)
	mux.HandleFunc("/api/v1/questions/", r.handleQuestionAction)
	mux.HandleFunc("/api/v1/stream", r.handleStream)
	mux.HandleFunc("/", r.handleNotFound)
}

type executeRequest struct {
	Tool           string `json:"tool"`
	Prompt         string `json:"prompt"`
	ConversationID string `json:"conversation_id"`
	ResumeRef      string `json:"resume_ref"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

func (r *Runtime) handleExecutions(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		executions, err := r.core.ListExecutions(req.Context())
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, "list_executions_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"executions": executions})
	case http.MethodPost:
		var payload executeRequest
		if err := decodeJSON(req, &payload); err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		result, err := r.core.Execute(req.Context(), serviceapi.ExecuteRequest{
			Tool:           model.Tool(strings.TrimSpace(payload.Tool)),
			Prompt:         payload.Prompt,
			ConversationID: strings.TrimSpace(payload.ConversationID),
			ResumeRef:      strings.TrimSpace(payload.ResumeRef),
			Timeout:        time.Duration(payload.TimeoutSeconds) * time.Second,
		})
		if err != nil {
			status, code := executeErrorStatus(err)
			writeAPIError(w, status, code, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"result": result})
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET and POST are supported")
	}
}

func executeErrorStatus(err error) (int, string) {
	switch err.(type) {
	case *executor.SpawnError:
		return http.StatusUnprocessableEntity, "spawn_failed"
	case *executor.TimeoutError:
		return http.StatusGatewayTimeout, "execution_timeout"
	case *executor.CancelledError:
		return http.StatusConflict, "execution_cancelled"
	default:
		return http.StatusInternalServerError, "execution_failed"
	}
}

func (r *Runtime) handleConversations(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	conversations, err := r.core.ListConversations(req.Context())
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "list_conversations_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

func (r *Runtime) handleConversationByID(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
		return
	}
	id := strings.TrimSpace(strings.TrimPrefix(req.URL.Path, "/api/v1/conversations/"))
	if id == "" || strings.Contains(id, "/") {
		writeAPIError(w, http.StatusBadRequest, "invalid_conversation_id", "conversation id is required")
		return
	}
	conversation, turns, err := r.core.GetConversation(req.Context(), id)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "get_conversation_failed", err.Error())
		return
	}
	if conversation == nil {
		writeAPIError(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": conversation,
		"turns":        turns,
	})
}

type surfaceRequest struct {
	Question       model.Question `json:"question"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

func (r *Runtime) handleQuestions(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		questions, err := r.core.ListQuestions(req.Context())
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, "list_questions_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"questions": questions})
	case http.MethodPost:
		var payload surfaceRequest
		if err := decodeJSON(req, &payload); err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		question, err := r.core.SurfaceQuestion(req.Context(), payload.Question,
			time.Duration(payload.TimeoutSeconds)*time.Second)
		if err != nil {
			writeAPIError(w, http.StatusBadRequest, "surface_failed", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"question": question})
	default:
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET and POST are supported")
	}
}

type answerRequest struct {
	Answer string `json:"answer"`
}

func (r *Runtime) handleQuestionAction(w http.ResponseWriter, req *http.Request) {
	path := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/v1/questions/"), "/")
	if path == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_question_path", "question path is required")
		return
	}
	segments := strings.Split(path, "/")
	questionID := strings.TrimSpace(segments[0])
	if questionID == "" {
		writeAPIError(w, http.StatusBadRequest, "invalid_question_id", "question id is required")
		return
	}

	if len(segments) == 1 {
		if req.Method != http.MethodGet {
			writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only GET is supported")
			return
		}
		question, err := r.core.PollQuestion(req.Context(), questionID)
		if err != nil {
			writeAPIError(w, http.StatusInternalServerError, "poll_failed", err.Error())
			return
		}
		if question == nil {
			writeAPIError(w, http.StatusNotFound, "not_found", "question not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"question": question})
		return
	}

	if req.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "only POST is supported")
		return
	}
	action := strings.TrimSpace(strings.ToLower(segments[1]))
	switch action {
	case "answer":
		var payload answerRequest
		if err := decodeJSON(req, &payload); err != nil {
			writeAPIError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
		question, applied, err := r.core.AnswerQuestion(req.Context(), questionID, payload.Answer)
		if err != nil {
			writeAPIError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"question": question, "applied": applied})
	case "cancel":
		question, applied, err := r.core.CancelQuestion(req.Context(), questionID)
		if err != nil {
			writeAPIError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"question": question, "applied": applied})
	default:
		writeAPIError(w, http.StatusBadRequest, "unknown_action", "supported actions: answer, cancel")
	}
}
