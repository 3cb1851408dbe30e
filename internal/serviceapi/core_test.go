package serviceapi

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"agentdeck/internal/model"
	"agentdeck/internal/policy"
)

func newLocalCore(t *testing.T) *LocalCore {
	t.Helper()
	dir := t.TempDir()

	cfg := policy.Default()
	cfg.Broker.DefaultTimeoutSeconds = 30
	cfg.Tools = []policy.ToolSpec{
		{
			Name:              "gemini",
			Command:           "sh",
			Args:              []string{"-c", `cat; echo "session-id: sess-local"`},
			ResumeArgs:        []string{"-c", `cat; echo "session-id: {ref}-next"`},
			SessionRefPattern: `session-id:\s*([A-Za-z0-9_-]+)`,
		},
	}
	payload, err := json.Marshal(cfg)
	require.NoError(t, err)
	policyPath := filepath.Join(dir, "policy.json")
	require.NoError(t, os.WriteFile(policyPath, payload, 0o644))

	core, err := NewLocalCore(LocalOptions{
		DBPath:     filepath.Join(dir, "history.db"),
		PolicyPath: policyPath,
	})
	require.NoError(t, err)
	t.Cleanup(core.Shutdown)
	return core
}

func TestLocalCoreExecuteAndListConversations(t *testing.T) {
	core := newLocalCore(t)
	ctx := context.Background()

	result, err := core.Execute(ctx, ExecuteRequest{
		Tool:    model.ToolGemini,
		Prompt:  "hello there",
		Timeout: 30 * time.Second,
	})
	require.NoError(t, err)
	require.Equal(t, model.StrategyFresh, result.Strategy)
	require.Equal(t, "sess-local", result.NativeRef)
	require.True(t, result.Correlated)

	conversations, err := core.ListConversations(ctx)
	require.NoError(t, err)
	require.Len(t, conversations, 1)

	conversation, turns, err := core.GetConversation(ctx, result.ConversationID)
	require.NoError(t, err)
	require.NotNil(t, conversation)
	require.Len(t, turns, 1)
	require.Equal(t, "hello there", turns[0].Prompt)

	missing, missingTurns, err := core.GetConversation(ctx, "no-such-conversation")
	require.NoError(t, err)
	require.Nil(t, missing)
	require.Nil(t, missingTurns)
}

func TestLocalCoreAskResolvesViaBroker(t *testing.T) {
	core := newLocalCore(t)
	ctx := context.Background()

	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			questions, err := core.ListQuestions(ctx)
			if err == nil && len(questions) == 1 {
				_, _, _ = core.AnswerQuestion(ctx, questions[0].ID, "approved")
				return
			}
			time.Sleep(10 * time.Millisecond)
		}
	}()

	answered, err := core.Ask(ctx, model.Question{
		Payload: model.QuestionPayload{Kind: model.QuestionKindConfirm, Message: "proceed?"},
	}, 10*time.Second)
	require.NoError(t, err)
	require.Equal(t, model.QuestionStatusAnswered, answered.Status)
	require.Equal(t, "approved", answered.Answer)
}

func TestLocalCoreHealthCounts(t *testing.T) {
	core := newLocalCore(t)
	ctx := context.Background()

	_, err := core.SurfaceQuestion(ctx, model.Question{
		Payload: model.QuestionPayload{Kind: model.QuestionKindText, Message: "name?"},
	}, time.Minute)
	require.NoError(t, err)

	_, err = core.Execute(ctx, ExecuteRequest{
		Tool:    model.ToolGemini,
		Prompt:  "ping",
		Timeout: 30 * time.Second,
	})
	require.NoError(t, err)

	health, err := core.Health(ctx)
	require.NoError(t, err)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, 1, health.Questions.Pending)
	require.Equal(t, 1, health.Executions)
	require.Equal(t, 1, health.Conversations)
}
