package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"agentdeck/internal/broker"
	"agentdeck/internal/model"
	"agentdeck/internal/policy"
	"agentdeck/internal/serviceapi"
)

func newTestRuntime(t *testing.T) (*Runtime, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()

	cfg := policy.Default()
	cfg.Broker.DefaultTimeoutSeconds = 30
	cfg.Broker.RetentionSeconds = 60
	cfg.Tools = []policy.ToolSpec{
		{
			Name:              "gemini",
			Command:           "sh",
			Args:              []string{"-c", `cat; echo "session-id: sess-gemini"`},
			ResumeArgs:        []string{"-c", `cat; echo "session-id: {ref}-next"`},
			SessionRefPattern: `session-id:\s*([A-Za-z0-9_-]+)`,
		},
	}
	payload, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatalf("marshal policy: %v", err)
	}
	policyPath := filepath.Join(dir, "policy.json")
	if err := os.WriteFile(policyPath, payload, 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	runtime, err := NewRuntime(Options{
		DBPath:     filepath.Join(dir, "history.db"),
		PolicyPath: policyPath,
	})
	if err != nil {
		t.Fatalf("NewRuntime: %v", err)
	}
	server := httptest.NewServer(runtime.Handler())
	t.Cleanup(func() {
		server.Close()
		runtime.teardown()
	})
	return runtime, server
}

func postJSON(t *testing.T, url string, body any, out any) (int, map[string]any) {
	t.Helper()
	encoded, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	return decodeResponse(t, resp, out)
}

func getJSON(t *testing.T, url string, out any) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	return decodeResponse(t, resp, out)
}

func decodeResponse(t *testing.T, resp *http.Response, out any) (int, map[string]any) {
	t.Helper()
	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if out != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		encoded, err := json.Marshal(raw)
		if err != nil {
			t.Fatalf("re-marshal response: %v", err)
		}
		if err := json.Unmarshal(encoded, out); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
	}
	return resp.StatusCode, raw
}

func errorCode(raw map[string]any) string {
	wrapper, ok := raw["error"].(map[string]any)
	if !ok {
		return ""
	}
	code, _ := wrapper["code"].(string)
	return code
}

func TestHealthEndpoint(t *testing.T) {
	_, server := newTestRuntime(t)

	var health HealthResponse
	status, _ := getJSON(t, server.URL+"/api/v1/health", &health)
	if status != http.StatusOK {
		t.Fatalf("health status = %d, want 200", status)
	}
	if health.Status != "ok" {
		t.Fatalf("health.Status = %q, want ok", health.Status)
	}
	if health.Core.Status != "ok" {
		t.Fatalf("core status = %q, want ok", health.Core.Status)
	}
}

func TestUnknownRouteReturnsNotFound(t *testing.T) {
	_, server := newTestRuntime(t)

	status, raw := getJSON(t, server.URL+"/api/v1/nope", nil)
	if status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", status)
	}
	if errorCode(raw) != "not_found" {
		t.Fatalf("error code = %q, want not_found", errorCode(raw))
	}
}

func TestQuestionLifecycleOverHTTP(t *testing.T) {
	_, server := newTestRuntime(t)
	base := server.URL + "/api/v1/questions"

	var surfaced struct {
		Question model.Question `json:"question"`
	}
	status, _ := postJSON(t, base, map[string]any{
		"question": model.Question{
			Payload: model.QuestionPayload{Kind: model.QuestionKindConfirm, Message: "deploy to staging?"},
		},
		"timeout_seconds": 30,
	}, &surfaced)
	if status != http.StatusOK {
		t.Fatalf("surface status = %d, want 200", status)
	}
	if surfaced.Question.ID == "" {
		t.Fatalf("surfaced question has no id")
	}
	if surfaced.Question.Status != model.QuestionStatusPending {
		t.Fatalf("surfaced status = %q, want pending", surfaced.Question.Status)
	}

	var listed struct {
		Questions []model.Question `json:"questions"`
	}
	status, _ = getJSON(t, base, &listed)
	if status != http.StatusOK || len(listed.Questions) != 1 {
		t.Fatalf("list status=%d questions=%d, want 200 and 1", status, len(listed.Questions))
	}

	var polled struct {
		Question model.Question `json:"question"`
	}
	status, _ = getJSON(t, base+"/"+surfaced.Question.ID, &polled)
	if status != http.StatusOK {
		t.Fatalf("poll status = %d, want 200", status)
	}
	if polled.Question.Status != model.QuestionStatusPending {
		t.Fatalf("polled status = %q, want pending", polled.Question.Status)
	}

	status, raw := getJSON(t, base+"/does-not-exist", nil)
	if status != http.StatusNotFound || errorCode(raw) != "not_found" {
		t.Fatalf("unknown poll = %d/%q, want 404/not_found", status, errorCode(raw))
	}

	var answered struct {
		Question model.Question `json:"question"`
		Applied  bool           `json:"applied"`
	}
	status, _ = postJSON(t, base+"/"+surfaced.Question.ID+"/answer", map[string]any{"answer": "yes"}, &answered)
	if status != http.StatusOK {
		t.Fatalf("answer status = %d, want 200", status)
	}
	if !answered.Applied {
		t.Fatalf("first answer was not applied")
	}
	if answered.Question.Answer != "yes" {
		t.Fatalf("answer = %q, want yes", answered.Question.Answer)
	}

	var repeated struct {
		Question model.Question `json:"question"`
		Applied  bool           `json:"applied"`
	}
	status, _ = postJSON(t, base+"/"+surfaced.Question.ID+"/answer", map[string]any{"answer": "no"}, &repeated)
	if status != http.StatusOK {
		t.Fatalf("repeat answer status = %d, want 200", status)
	}
	if repeated.Applied {
		t.Fatalf("repeat answer should not apply")
	}
	if repeated.Question.Answer != "yes" {
		t.Fatalf("repeat answer overwrote the original: %q", repeated.Question.Answer)
	}

	status, raw = postJSON(t, base+"/does-not-exist/cancel", nil, nil)
	if status != http.StatusNotFound || errorCode(raw) != "not_found" {
		t.Fatalf("unknown cancel = %d/%q, want 404/not_found", status, errorCode(raw))
	}
}

func TestExecutionOverHTTP(t *testing.T) {
	_, server := newTestRuntime(t)

	var executed struct {
		Result serviceapi.ExecuteResult `json:"result"`
	}
	status, _ := postJSON(t, server.URL+"/api/v1/executions", map[string]any{
		"tool":            "gemini",
		"prompt":          "summarize the release notes",
		"timeout_seconds": 30,
	}, &executed)
	if status != http.StatusOK {
		t.Fatalf("execute status = %d, want 200", status)
	}
	if executed.Result.ConversationID == "" {
		t.Fatalf("result has no conversation id")
	}
	if executed.Result.Strategy != model.StrategyFresh {
		t.Fatalf("strategy = %q, want fresh", executed.Result.Strategy)
	}
	if executed.Result.NativeRef != "sess-gemini" {
		t.Fatalf("native ref = %q, want sess-gemini", executed.Result.NativeRef)
	}

	var conversation struct {
		Conversation *model.Conversation `json:"conversation"`
		Turns        []model.Turn        `json:"turns"`
	}
	status, _ = getJSON(t, server.URL+"/api/v1/conversations/"+executed.Result.ConversationID, &conversation)
	if status != http.StatusOK {
		t.Fatalf("get conversation status = %d, want 200", status)
	}
	if conversation.Conversation == nil || conversation.Conversation.TurnCount != 1 {
		t.Fatalf("conversation not persisted with one turn: %+v", conversation.Conversation)
	}
	if len(conversation.Turns) != 1 || conversation.Turns[0].Prompt != "summarize the release notes" {
		t.Fatalf("unexpected turns: %+v", conversation.Turns)
	}

	status, raw := getJSON(t, server.URL+"/api/v1/conversations/missing", nil)
	if status != http.StatusNotFound || errorCode(raw) != "not_found" {
		t.Fatalf("missing conversation = %d/%q, want 404/not_found", status, errorCode(raw))
	}

	var executions struct {
		Executions []model.ExecutionRecord `json:"executions"`
	}
	status, _ = getJSON(t, server.URL+"/api/v1/executions", &executions)
	if status != http.StatusOK || len(executions.Executions) != 1 {
		t.Fatalf("list executions = %d/%d, want 200 and 1", status, len(executions.Executions))
	}
	if executions.Executions[0].Status != model.ExecutionStatusSucceeded {
		t.Fatalf("execution status = %q, want succeeded", executions.Executions[0].Status)
	}
}

func TestExecuteUnknownToolReturnsSpawnFailed(t *testing.T) {
	_, server := newTestRuntime(t)

	status, raw := postJSON(t, server.URL+"/api/v1/executions", map[string]any{
		"tool":   "nonesuch",
		"prompt": "hello",
	}, nil)
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", status)
	}
	if errorCode(raw) != "spawn_failed" {
		t.Fatalf("error code = %q, want spawn_failed", errorCode(raw))
	}
}

func TestRemoteCoreAskEndToEnd(t *testing.T) {
	_, server := newTestRuntime(t)
	remote := serviceapi.NewRemoteCore(server.URL, 5*time.Second)
	remote.SetPollInterval(50 * time.Millisecond)

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			questions, err := remote.ListQuestions(context.Background())
			if err == nil && len(questions) == 1 {
				_, _, _ = remote.AnswerQuestion(context.Background(), questions[0].ID, "ship it")
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	answered, err := remote.Ask(context.Background(), model.Question{
		Payload: model.QuestionPayload{Kind: model.QuestionKindText, Message: "release name?"},
	}, 10*time.Second)
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if answered.Status != model.QuestionStatusAnswered || answered.Answer != "ship it" {
		t.Fatalf("Ask result = %+v, want answered/ship it", answered)
	}
}

func TestRemoteCoreAskTimesOut(t *testing.T) {
	_, server := newTestRuntime(t)
	remote := serviceapi.NewRemoteCore(server.URL, 5*time.Second)
	remote.SetPollInterval(50 * time.Millisecond)

	question, err := remote.Ask(context.Background(), model.Question{
		Payload: model.QuestionPayload{Kind: model.QuestionKindText, Message: "anyone there?"},
	}, 1*time.Second)
	if err == nil {
		t.Fatalf("Ask should fail when nobody answers, got %+v", question)
	}
	var timeoutErr *broker.TimeoutError
	if !errors.As(err, &timeoutErr) {
		t.Fatalf("err = %v (%T), want *broker.TimeoutError", err, err)
	}
}
