package capability

import (
	"testing"

	"agentdeck/internal/model"
)

func TestNativeResumeTable(t *testing.T) {
	cases := []struct {
		tool model.Tool
		want bool
	}{
		{model.ToolClaude, true},
		{model.ToolGemini, true},
		{model.ToolQwen, true},
		{model.ToolCodex, false},
	}
	for _, tc := range cases {
		if got := SupportsNativeResume(tc.tool); got != tc.want {
			t.Fatalf("SupportsNativeResume(%s) = %t, want %t", tc.tool, got, tc.want)
		}
	}
}

func TestUnknownToolDefaultsFalse(t *testing.T) {
	if SupportsNativeResume(model.Tool("mystery-agent")) {
		t.Fatalf("unknown tool must not claim native resume")
	}
	if Known(model.Tool("mystery-agent")) {
		t.Fatalf("unknown tool must not be known")
	}
	if !Known(model.ToolCodex) {
		t.Fatalf("codex is a known tool")
	}
}
