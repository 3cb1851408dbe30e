package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const DefaultPolicyPath = ".agentdeck/policy.json"

type Config struct {
	Version   int `json:"version"`
	Execution struct {
		TimeoutSeconds     int `json:"timeout_seconds"`
		OutputBufferChunks int `json:"output_buffer_chunks"`
	} `json:"execution"`
	Fallback struct {
		MaxSeedTurns int `json:"max_seed_turns"`
	} `json:"fallback"`
	Broker struct {
		DefaultTimeoutSeconds int `json:"default_timeout_seconds"`
		RetentionSeconds      int `json:"retention_seconds"`
	} `json:"broker"`
	Redis struct {
		Enabled       bool   `json:"enabled"`
		Addr          string `json:"addr"`
		ConsumerGroup string `json:"consumer_group"`
	} `json:"redis"`
	Tools []ToolSpec `json:"tools"`
}

// ToolSpec describes how to invoke one external agent CLI. ResumeArgs may
// contain the placeholder {ref}, replaced with the native session reference.
// SessionRefPattern is a regexp whose first capture group recovers the
// tool's session handle from its output.
type ToolSpec struct {
	Name              string   `json:"name"`
	Command           string   `json:"command"`
	Args              []string `json:"args,omitempty"`
	ResumeArgs        []string `json:"resume_args,omitempty"`
	SessionRefPattern string   `json:"session_ref_pattern,omitempty"`
}

func Default() Config {
	cfg := Config{
		Version: 1,
	}
	cfg.Execution.TimeoutSeconds = 600
	cfg.Execution.OutputBufferChunks = 256
	cfg.Fallback.MaxSeedTurns = 20
	cfg.Broker.DefaultTimeoutSeconds = 300
	cfg.Broker.RetentionSeconds = 600
	cfg.Redis.Enabled = false
	cfg.Redis.Addr = "localhost:6379"
	cfg.Redis.ConsumerGroup = "agentdeck"
	cfg.Tools = []ToolSpec{
		{
			Name:              "claude",
			Command:           "claude",
			Args:              []string{"-p"},
			ResumeArgs:        []string{"--resume", "{ref}", "-p"},
			SessionRefPattern: `session[-_ ]?id:?\s*([A-Za-z0-9_-]+)`,
		},
		{
			Name:              "gemini",
			Command:           "gemini",
			ResumeArgs:        []string{"--resume", "{ref}"},
			SessionRefPattern: `session[-_ ]?id:?\s*([A-Za-z0-9_-]+)`,
		},
		{
			Name:              "qwen",
			Command:           "qwen",
			ResumeArgs:        []string{"--resume", "{ref}"},
			SessionRefPattern: `session[-_ ]?id:?\s*([A-Za-z0-9_-]+)`,
		},
		{
			Name:    "codex",
			Command: "codex",
			Args:    []string{"exec"},
		},
	}
	return cfg
}

func Load(path string) (Config, string, error) {
	cfg := Default()
	finalPath := path
	if strings.TrimSpace(finalPath) == "" {
		finalPath = DefaultPolicyPath
	}
	if _, err := os.Stat(finalPath); os.IsNotExist(err) {
		return cfg, finalPath, nil
	}

	b, err := os.ReadFile(finalPath)
	if err != nil {
		return cfg, finalPath, fmt.Errorf("read policy %s: %w", finalPath, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("parse policy %s: %w", finalPath, err)
	}
	if err := Validate(cfg); err != nil {
		return cfg, finalPath, fmt.Errorf("validate policy %s: %w", finalPath, err)
	}
	return cfg, finalPath, nil
}

func SaveDefault(path string) error {
	cfg := Default()
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func Validate(cfg Config) error {
	if cfg.Version <= 0 {
		return fmt.Errorf("version must be positive")
	}
	if cfg.Execution.TimeoutSeconds <= 0 {
		return fmt.Errorf("execution.timeout_seconds must be > 0")
	}
	if cfg.Execution.OutputBufferChunks <= 0 {
		return fmt.Errorf("execution.output_buffer_chunks must be > 0")
	}
	if cfg.Fallback.MaxSeedTurns <= 0 {
		return fmt.Errorf("fallback.max_seed_turns must be > 0")
	}
	if cfg.Broker.DefaultTimeoutSeconds <= 0 || cfg.Broker.RetentionSeconds <= 0 {
		return fmt.Errorf("broker timeouts must be > 0")
	}
	if cfg.Redis.Enabled && strings.TrimSpace(cfg.Redis.Addr) == "" {
		return fmt.Errorf("redis.addr cannot be empty when redis is enabled")
	}
	if len(cfg.Tools) == 0 {
		return fmt.Errorf("tools must contain at least one entry")
	}
	for _, tool := range cfg.Tools {
		if strings.TrimSpace(tool.Name) == "" {
			return fmt.Errorf("tool.name cannot be empty")
		}
		if strings.TrimSpace(tool.Command) == "" {
			return fmt.Errorf("tool.command cannot be empty")
		}
		if len(tool.ResumeArgs) > 0 && !containsRefPlaceholder(tool.ResumeArgs) {
			return fmt.Errorf("tool %q resume_args must contain the {ref} placeholder", tool.Name)
		}
		if strings.TrimSpace(tool.SessionRefPattern) != "" {
			re, err := regexp.Compile(tool.SessionRefPattern)
			if err != nil {
				return fmt.Errorf("tool %q session_ref_pattern: %w", tool.Name, err)
			}
			if re.NumSubexp() < 1 {
				return fmt.Errorf("tool %q session_ref_pattern needs one capture group", tool.Name)
			}
		}
	}
	return nil
}

func ResolveTool(cfg Config, name string) (ToolSpec, error) {
	name = strings.TrimSpace(name)
	for _, tool := range cfg.Tools {
		if tool.Name == name {
			return tool, nil
		}
	}
	return ToolSpec{}, fmt.Errorf("tool %q not found in policy", name)
}

// RenderResumeArgs substitutes the native reference into the resume argument
// template.
func RenderResumeArgs(spec ToolSpec, ref string) []string {
	out := make([]string, 0, len(spec.ResumeArgs))
	for _, arg := range spec.ResumeArgs {
		out = append(out, strings.ReplaceAll(arg, "{ref}", ref))
	}
	return out
}

func containsRefPlaceholder(args []string) bool {
	for _, arg := range args {
		if strings.Contains(arg, "{ref}") {
			return true
		}
	}
	return false
}
