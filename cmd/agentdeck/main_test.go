package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"agentdeck/internal/policy"
)

func TestExecuteCLIUnknownCommand(t *testing.T) {
	err := executeCLI([]string{"frobnicate"})
	if err == nil {
		t.Fatalf("expected error for unknown command")
	}
}

func TestExecuteCLIPolicyInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := executeCLI([]string{"policy-init", "--path", path}); err != nil {
		t.Fatalf("policy-init: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("policy file not written: %v", err)
	}
	cfg, _, err := policy.Load(path)
	if err != nil {
		t.Fatalf("load written policy: %v", err)
	}
	if len(cfg.Tools) == 0 {
		t.Fatalf("written policy has no tools")
	}
}

func TestStreamURLFor(t *testing.T) {
	url, err := streamURLFor("http://localhost:3020/")
	if err != nil {
		t.Fatalf("streamURLFor: %v", err)
	}
	if url != "ws://localhost:3020/api/v1/stream" {
		t.Fatalf("url = %q", url)
	}

	url, err = streamURLFor("https://deck.example.com")
	if err != nil {
		t.Fatalf("streamURLFor https: %v", err)
	}
	if url != "wss://deck.example.com/api/v1/stream" {
		t.Fatalf("https url = %q", url)
	}

	if _, err := streamURLFor("ftp://nope"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestExecCommandRequiresTool(t *testing.T) {
	err := execCommand([]string{"--prompt", "hello"})
	if err == nil || !strings.Contains(err.Error(), "--tool is required") {
		t.Fatalf("err = %v, want --tool is required", err)
	}
}

func TestAnswerCommandRequiresID(t *testing.T) {
	err := answerCommand([]string{"--answer", "yes"})
	if err == nil || !strings.Contains(err.Error(), "--id is required") {
		t.Fatalf("err = %v, want --id is required", err)
	}
}
