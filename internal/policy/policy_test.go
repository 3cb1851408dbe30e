package policy

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	if err := Validate(Default()); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, path, err := Load(filepath.Join(t.TempDir(), "nope", "policy.json"))
	if err != nil {
		t.Fatalf("missing policy should not error: %v", err)
	}
	if path == "" {
		t.Fatalf("expected resolved path")
	}
	if len(cfg.Tools) != 4 {
		t.Fatalf("expected 4 default tools, got %d", len(cfg.Tools))
	}
}

func TestLoadRejectsBadPattern(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.json")
	body := `{
  "version": 1,
  "execution": {"timeout_seconds": 60, "output_buffer_chunks": 16},
  "fallback": {"max_seed_turns": 5},
  "broker": {"default_timeout_seconds": 30, "retention_seconds": 60},
  "tools": [{"name": "claude", "command": "claude", "session_ref_pattern": "("}]
}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	if _, _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for unparseable pattern")
	}
}

func TestValidateRequiresRefPlaceholder(t *testing.T) {
	cfg := Default()
	cfg.Tools[0].ResumeArgs = []string{"--resume"}
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for resume_args without {ref}")
	}
}

func TestSaveDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".agentdeck", "policy.json")
	if err := SaveDefault(path); err != nil {
		t.Fatalf("save default: %v", err)
	}
	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("load saved default: %v", err)
	}
	if cfg.Broker.RetentionSeconds != 600 {
		t.Fatalf("expected retention 600, got %d", cfg.Broker.RetentionSeconds)
	}
}

func TestResolveToolAndResumeArgs(t *testing.T) {
	cfg := Default()
	spec, err := ResolveTool(cfg, "claude")
	if err != nil {
		t.Fatalf("resolve claude: %v", err)
	}
	args := RenderResumeArgs(spec, "sess-123")
	want := []string{"--resume", "sess-123", "-p"}
	if len(args) != len(want) {
		t.Fatalf("expected %v, got %v", want, args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, args)
		}
	}
	if _, err := ResolveTool(cfg, "mystery"); err == nil {
		t.Fatalf("expected error for unknown tool")
	}
}
