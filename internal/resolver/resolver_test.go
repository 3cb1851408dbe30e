package resolver

import (
	"path/filepath"
	"strings"
	"testing"

	"agentdeck/internal/model"
	"agentdeck/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s := store.NewSQLiteStore(filepath.Join(t.TempDir(), ".agentdeck", "history.db"))
	if err := s.Init(); err != nil {
		t.Fatalf("init store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func collectSink(events *[]model.Degradation) SinkFunc {
	return func(event model.Degradation) {
		*events = append(*events, event)
	}
}

func seedConversation(t *testing.T, s *store.SQLiteStore, convID string, tool model.Tool, capable bool) {
	t.Helper()
	mapping := &store.MappingUpdate{
		Tool:          tool,
		NativeRef:     "native-" + convID,
		TransactionID: convID + ".t0",
		ResumeCapable: capable,
	}
	if _, err := s.AppendTurn(convID, tool, model.Turn{
		Prompt:        "first prompt",
		Output:        "first output",
		TransactionID: convID + ".t0",
	}, mapping); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
}

func TestResolveNoRefIsFresh(t *testing.T) {
	var events []model.Degradation
	r := New(newTestStore(t), collectSink(&events), 10)

	res, err := r.Resolve(model.ToolGemini, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Strategy != model.StrategyFresh {
		t.Fatalf("expected fresh, got %s", res.Strategy)
	}
	if len(events) != 0 {
		t.Fatalf("fresh start must not emit degradations, got %+v", events)
	}
}

func TestResolveUnknownRefDegradesToFresh(t *testing.T) {
	var events []model.Degradation
	r := New(newTestStore(t), collectSink(&events), 10)

	res, err := r.Resolve(model.ToolGemini, "does-not-exist")
	if err != nil {
		t.Fatalf("resolve must not fail for unknown ref: %v", err)
	}
	if res.Strategy != model.StrategyFresh {
		t.Fatalf("expected fresh, got %s", res.Strategy)
	}
	if len(events) != 1 {
		t.Fatalf("expected exactly one degradation, got %d", len(events))
	}
	if events[0].Kind != model.DegradationUnknownResumeRef || events[0].RequestedRef != "does-not-exist" {
		t.Fatalf("unexpected degradation: %+v", events[0])
	}
}

func TestResolveSameToolNativeResume(t *testing.T) {
	s := newTestStore(t)
	seedConversation(t, s, "conv-native", model.ToolGemini, true)
	var events []model.Degradation
	r := New(s, collectSink(&events), 10)

	res, err := r.Resolve(model.ToolGemini, "conv-native")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Strategy != model.StrategyNativeResume {
		t.Fatalf("expected native resume, got %s", res.Strategy)
	}
	if res.ConversationID != "conv-native" || res.NativeRef != "native-conv-native" {
		t.Fatalf("unexpected resolution: %+v", res)
	}
	if len(events) != 0 {
		t.Fatalf("native resume must not degrade, got %+v", events)
	}
}

func TestResolveCrossToolFallsBack(t *testing.T) {
	s := newTestStore(t)
	seedConversation(t, s, "conv-cross", model.ToolGemini, true)
	var events []model.Degradation
	r := New(s, collectSink(&events), 10)

	res, err := r.Resolve(model.ToolQwen, "conv-cross")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Strategy != model.StrategyFallbackConcat {
		t.Fatalf("expected fallback, got %s", res.Strategy)
	}
	if res.SourceConversationID != "conv-cross" {
		t.Fatalf("expected seed source conv-cross, got %q", res.SourceConversationID)
	}
	if !strings.Contains(res.SeedContext, "first prompt") || !strings.Contains(res.SeedContext, "first output") {
		t.Fatalf("seed context missing prior turns: %q", res.SeedContext)
	}
	if len(events) != 1 || events[0].Kind != model.DegradationCrossToolResume {
		t.Fatalf("expected cross-tool degradation, got %+v", events)
	}
}

func TestResolveResumeIncapableToolFallsBack(t *testing.T) {
	s := newTestStore(t)
	seedConversation(t, s, "conv-codex", model.ToolCodex, false)
	var events []model.Degradation
	r := New(s, collectSink(&events), 10)

	res, err := r.Resolve(model.ToolCodex, "conv-codex")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Strategy != model.StrategyFallbackConcat {
		t.Fatalf("expected fallback regardless of mapping state, got %s", res.Strategy)
	}
	if len(events) != 1 || events[0].Kind != model.DegradationResumeIncapable {
		t.Fatalf("expected resume-incapable degradation, got %+v", events)
	}
}

func TestResolveByNativeRef(t *testing.T) {
	s := newTestStore(t)
	seedConversation(t, s, "conv-ref", model.ToolClaude, true)
	r := New(s, nil, 10)

	res, err := r.Resolve(model.ToolClaude, "native-conv-ref")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Strategy != model.StrategyNativeResume || res.ConversationID != "conv-ref" {
		t.Fatalf("expected native resume of conv-ref, got %+v", res)
	}
}

func TestSeedContextBounded(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 8; i++ {
		mapping := &store.MappingUpdate{Tool: model.ToolGemini, NativeRef: "native-long", ResumeCapable: true}
		if _, err := s.AppendTurn("conv-long", model.ToolGemini, model.Turn{
			Prompt: "prompt",
			Output: "output",
		}, mapping); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	r := New(s, nil, 3)

	seed, err := r.BuildSeed("conv-long")
	if err != nil {
		t.Fatalf("build seed: %v", err)
	}
	if got := strings.Count(seed, "[user]"); got != 3 {
		t.Fatalf("expected 3 seeded turns, got %d", got)
	}
}
