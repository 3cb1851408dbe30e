package serviceapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentdeck/internal/broker"
	"agentdeck/internal/model"
)

// RemoteCore reaches a serve process over HTTP. It backs the ask/answer CLI
// commands running as separate OS processes with no push channel.
type RemoteCore struct {
	baseURL string
	client  *http.Client

	// longClient has no client-side timeout; executions and awaited
	// questions are bounded by server-side timers and the caller's context.
	longClient   *http.Client
	pollInterval time.Duration
}

func NewRemoteCore(baseURL string, timeout time.Duration) *RemoteCore {
	baseURL = strings.TrimSpace(baseURL)
	baseURL = strings.TrimRight(baseURL, "/")
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &RemoteCore{
		baseURL:      baseURL,
		client:       &http.Client{Timeout: timeout},
		longClient:   &http.Client{},
		pollInterval: 500 * time.Millisecond,
	}
}

// SetPollInterval tunes how often Ask polls; tests shrink it.
func (r *RemoteCore) SetPollInterval(interval time.Duration) {
	if interval > 0 {
		r.pollInterval = interval
	}
}

func (r *RemoteCore) Shutdown() {}

func (r *RemoteCore) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	payload := map[string]any{
		"tool":            string(req.Tool),
		"prompt":          req.Prompt,
		"conversation_id": strings.TrimSpace(req.ConversationID),
		"resume_ref":      strings.TrimSpace(req.ResumeRef),
		"timeout_seconds": int(req.Timeout / time.Second),
	}
	var response struct {
		Result ExecuteResult `json:"result"`
	}
	if err := r.doJSON(ctx, r.longClient, http.MethodPost, "/api/v1/executions", nil, payload, &response); err != nil {
		return ExecuteResult{}, err
	}
	return response.Result, nil
}

func (r *RemoteCore) ListConversations(ctx context.Context) ([]model.Conversation, error) {
	var response struct {
		Conversations []model.Conversation `json:"conversations"`
	}
	if err := r.doJSON(ctx, r.client, http.MethodGet, "/api/v1/conversations", nil, nil, &response); err != nil {
		return nil, err
	}
	return response.Conversations, nil
}

func (r *RemoteCore) GetConversation(ctx context.Context, id string) (*model.Conversation, []model.Turn, error) {
	var response struct {
		Conversation *model.Conversation `json:"conversation"`
		Turns        []model.Turn        `json:"turns"`
	}
	path := "/api/v1/conversations/" + url.PathEscape(strings.TrimSpace(id))
	if err := r.doJSON(ctx, r.client, http.MethodGet, path, nil, nil, &response); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not_found") {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	return response.Conversation, response.Turns, nil
}

func (r *RemoteCore) ListExecutions(ctx context.Context) ([]model.ExecutionRecord, error) {
	var response struct {
		Executions []model.ExecutionRecord `json:"executions"`
	}
	if err := r.doJSON(ctx, r.client, http.MethodGet, "/api/v1/executions", nil, nil, &response); err != nil {
		return nil, err
	}
	return response.Executions, nil
}

func (r *RemoteCore) SurfaceQuestion(ctx context.Context, question model.Question, timeout time.Duration) (model.Question, error) {
	payload := map[string]any{
		"question":        question,
		"timeout_seconds": int(timeout / time.Second),
	}
	var response struct {
		Question model.Question `json:"question"`
	}
	if err := r.doJSON(ctx, r.client, http.MethodPost, "/api/v1/questions", nil, payload, &response); err != nil {
		return model.Question{}, err
	}
	return response.Question, nil
}

// Ask surfaces the question and polls until it reaches a terminal state.
// Cancelling the context cancels the question server-side as well.
func (r *RemoteCore) Ask(ctx context.Context, question model.Question, timeout time.Duration) (model.Question, error) {
	surfaced, err := r.SurfaceQuestion(ctx, question, timeout)
	if err != nil {
		return model.Question{}, err
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, _, _ = r.CancelQuestion(cancelCtx, surfaced.ID)
			cancel()
			return surfaced, &broker.CancelledError{QuestionID: surfaced.ID}
		case <-ticker.C:
		}

		polled, err := r.PollQuestion(ctx, surfaced.ID)
		if err != nil {
			return surfaced, err
		}
		if polled == nil {
			// Evicted between polls; the broker only evicts terminal
			// questions, so treat this as a timeout observed too late.
			return surfaced, &broker.TimeoutError{QuestionID: surfaced.ID}
		}
		switch polled.Status {
		case model.QuestionStatusAnswered:
			return *polled, nil
		case model.QuestionStatusCancelled:
			return *polled, &broker.CancelledError{QuestionID: surfaced.ID}
		case model.QuestionStatusTimedOut:
			return *polled, &broker.TimeoutError{QuestionID: surfaced.ID}
		}
	}
}

func (r *RemoteCore) AnswerQuestion(ctx context.Context, questionID string, answer string) (model.Question, bool, error) {
	payload := map[string]any{"answer": answer}
	var response struct {
		Question model.Question `json:"question"`
		Applied  bool           `json:"applied"`
	}
	path := "/api/v1/questions/" + url.PathEscape(strings.TrimSpace(questionID)) + "/answer"
	if err := r.doJSON(ctx, r.client, http.MethodPost, path, nil, payload, &response); err != nil {
		return model.Question{}, false, err
	}
	return response.Question, response.Applied, nil
}

func (r *RemoteCore) CancelQuestion(ctx context.Context, questionID string) (model.Question, bool, error) {
	var response struct {
		Question model.Question `json:"question"`
		Applied  bool           `json:"applied"`
	}
	path := "/api/v1/questions/" + url.PathEscape(strings.TrimSpace(questionID)) + "/cancel"
	if err := r.doJSON(ctx, r.client, http.MethodPost, path, nil, nil, &response); err != nil {
		return model.Question{}, false, err
	}
	return response.Question, response.Applied, nil
}

func (r *RemoteCore) PollQuestion(ctx context.Context, questionID string) (*model.Question, error) {
	var response struct {
		Question *model.Question `json:"question"`
	}
	path := "/api/v1/questions/" + url.PathEscape(strings.TrimSpace(questionID))
	if err := r.doJSON(ctx, r.client, http.MethodGet, path, nil, nil, &response); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "not_found") {
			return nil, nil
		}
		return nil, err
	}
	return response.Question, nil
}

func (r *RemoteCore) ListQuestions(ctx context.Context) ([]model.Question, error) {
	var response struct {
		Questions []model.Question `json:"questions"`
	}
	if err := r.doJSON(ctx, r.client, http.MethodGet, "/api/v1/questions", nil, nil, &response); err != nil {
		return nil, err
	}
	return response.Questions, nil
}

func (r *RemoteCore) Health(ctx context.Context) (HealthResponse, error) {
	// The server nests the core health under "core" next to process uptime.
	var response struct {
		Status string         `json:"status"`
		Core   HealthResponse `json:"core"`
	}
	if err := r.doJSON(ctx, r.client, http.MethodGet, "/api/v1/health", nil, nil, &response); err != nil {
		return HealthResponse{}, err
	}
	if response.Core.Status == "" {
		response.Core.Status = response.Status
	}
	return response.Core, nil
}

func (r *RemoteCore) doJSON(ctx context.Context, client *http.Client, method string, path string, query map[string]string, body any, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	fullURL := r.baseURL + path
	parsed, err := url.Parse(fullURL)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		values := parsed.Query()
		for key, value := range query {
			values.Set(key, value)
		}
		parsed.RawQuery = values.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, parsed.String(), reader)
	if err != nil {
		return err
	}
	request.Header.Set("Accept", "application/json")
	if method == http.MethodPost || method == http.MethodPut || method == http.MethodPatch {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer func() { _ = response.Body.Close() }()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(response.Body, 4096))
		return decodeRemoteError(response.StatusCode, payload)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(response.Body).Decode(out)
}

func decodeRemoteError(status int, payload []byte) error {
	var wrapper struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(payload, &wrapper); err == nil && strings.TrimSpace(wrapper.Error.Code) != "" {
		return fmt.Errorf("%s (http %d): %s", wrapper.Error.Code, status, strings.TrimSpace(wrapper.Error.Message))
	}
	return fmt.Errorf("http %d: %s", status, strings.TrimSpace(string(payload)))
}

var _ Core = &RemoteCore{}
