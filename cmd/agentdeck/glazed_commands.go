package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"agentdeck/internal/policy"
	"agentdeck/internal/server"
	"agentdeck/internal/serviceapi"
	"agentdeck/internal/store"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

type policyInitGlazedCommand struct {
	*cmds.CommandDescription
}

type policyInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newPolicyInitGlazedCommand() (*policyInitGlazedCommand, error) {
	return &policyInitGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"policy-init",
			cmds.WithShort("Write a default policy file"),
			cmds.WithLong("Create a default agentdeck policy file with tool invocation templates at the target path."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file"),
					parameters.WithDefault(policy.DefaultPolicyPath),
				),
			),
		),
	}, nil
}

func (c *policyInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &policyInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := policy.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Printf("Wrote default policy to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &policyInitGlazedCommand{}

type serveGlazedCommand struct {
	*cmds.CommandDescription
}

type serveSettings struct {
	Addr            string `glazed.parameter:"addr"`
	DBPath          string `glazed.parameter:"db"`
	PolicyPath      string `glazed.parameter:"policy"`
	ShutdownTimeout string `glazed.parameter:"shutdown-timeout"`
}

func newServeGlazedCommand() (*serveGlazedCommand, error) {
	return &serveGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"serve",
			cmds.WithShort("Run the agentdeck API server"),
			cmds.WithLong("Start the HTTP and WebSocket server that brokers questions and executions."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"addr",
					parameters.ParameterTypeString,
					parameters.WithHelp("HTTP listen address"),
					parameters.WithDefault(":3020"),
				),
				parameters.NewParameterDefinition(
					"db",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to SQLite DB"),
					parameters.WithDefault(store.DefaultDBPath),
				),
				parameters.NewParameterDefinition(
					"policy",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file (defaults to .agentdeck/policy.json)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"shutdown-timeout",
					parameters.ParameterTypeString,
					parameters.WithHelp("Graceful shutdown timeout"),
					parameters.WithDefault("5s"),
				),
			),
		),
	}, nil
}

func parseDurationSetting(flagName string, value string) (time.Duration, error) {
	duration, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("invalid --%s duration %q: %w", flagName, value, err)
	}
	return duration, nil
}

func (c *serveGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &serveSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}

	shutdownTimeout, err := parseDurationSetting("shutdown-timeout", settings.ShutdownTimeout)
	if err != nil {
		return err
	}

	runtime, err := server.NewRuntime(server.Options{
		Addr:            settings.Addr,
		DBPath:          settings.DBPath,
		PolicyPath:      settings.PolicyPath,
		ShutdownTimeout: shutdownTimeout,
	})
	if err != nil {
		return err
	}

	fmt.Printf("agentdeck serve listening on %s\n", settings.Addr)
	return runtime.Run(ctx)
}

var _ cmds.BareCommand = &serveGlazedCommand{}

type conversationsGlazedCommand struct {
	*cmds.CommandDescription
}

type conversationsSettings struct {
	DBPath     string `glazed.parameter:"db"`
	PolicyPath string `glazed.parameter:"policy"`
	ServerURL  string `glazed.parameter:"server"`
	ID         string `glazed.parameter:"id"`
}

func newConversationsGlazedCommand() (*conversationsGlazedCommand, error) {
	return &conversationsGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"conversations",
			cmds.WithShort("List stored conversations"),
			cmds.WithLong("List conversations from the local DB, or from a serve process when --server is set. Pass --id to print one conversation's turns."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"db",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to SQLite DB"),
					parameters.WithDefault(store.DefaultDBPath),
				),
				parameters.NewParameterDefinition(
					"policy",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file (defaults to .agentdeck/policy.json)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"server",
					parameters.ParameterTypeString,
					parameters.WithHelp("Serve process base URL (uses local DB when empty)"),
					parameters.WithDefault(""),
				),
				parameters.NewParameterDefinition(
					"id",
					parameters.ParameterTypeString,
					parameters.WithHelp("Show this conversation's turns"),
					parameters.WithDefault(""),
				),
			),
		),
	}, nil
}

func (c *conversationsGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &conversationsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}

	core, err := coreFor(settings.ServerURL, settings.DBPath, settings.PolicyPath)
	if err != nil {
		return err
	}
	defer core.Shutdown()

	id := strings.TrimSpace(settings.ID)
	if id != "" {
		conversation, turns, err := core.GetConversation(ctx, id)
		if err != nil {
			return err
		}
		if conversation == nil {
			return fmt.Errorf("conversation %q not found", id)
		}
		fmt.Printf("Conversation %s tool=%s turns=%d updated=%s\n",
			conversation.ID, conversation.Tool, conversation.TurnCount,
			conversation.UpdatedAt.Format(time.RFC3339))
		for _, turn := range turns {
			fmt.Printf("  [%02d] txn=%s\n", turn.Index, turn.TransactionID)
			fmt.Printf("       > %s\n", firstLine(turn.Prompt))
			fmt.Printf("       < %s\n", firstLine(turn.Output))
		}
		return nil
	}

	conversations, err := core.ListConversations(ctx)
	if err != nil {
		return err
	}
	if len(conversations) == 0 {
		fmt.Println("No conversations.")
		return nil
	}
	for _, conversation := range conversations {
		fmt.Printf("%s tool=%s turns=%d updated=%s\n",
			conversation.ID, conversation.Tool, conversation.TurnCount,
			conversation.UpdatedAt.Format(time.RFC3339))
	}
	return nil
}

func firstLine(text string) string {
	text = strings.TrimSpace(text)
	if idx := strings.IndexByte(text, '\n'); idx >= 0 {
		text = text[:idx] + " ..."
	}
	return text
}

var _ cmds.BareCommand = &conversationsGlazedCommand{}

type questionsGlazedCommand struct {
	*cmds.CommandDescription
}

type questionsSettings struct {
	ServerURL string `glazed.parameter:"server"`
}

func newQuestionsGlazedCommand() (*questionsGlazedCommand, error) {
	return &questionsGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"questions",
			cmds.WithShort("List questions known to a serve process"),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"server",
					parameters.ParameterTypeString,
					parameters.WithHelp("Serve process base URL"),
					parameters.WithDefault(defaultServerURL),
				),
			),
		),
	}, nil
}

func (c *questionsGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &questionsSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}

	remote := serviceapi.NewRemoteCore(settings.ServerURL, 15*time.Second)
	questions, err := remote.ListQuestions(ctx)
	if err != nil {
		return err
	}
	if len(questions) == 0 {
		fmt.Println("No questions.")
		return nil
	}
	for _, question := range questions {
		line := fmt.Sprintf("%s status=%s kind=%s", question.ID, question.Status, question.Payload.Kind)
		if question.ConversationID != "" {
			line += " conversation=" + question.ConversationID
		}
		fmt.Println(line)
		fmt.Printf("  %s\n", firstLine(question.Payload.Message))
		if question.Answer != "" {
			fmt.Printf("  answer: %s\n", firstLine(question.Answer))
		}
	}
	return nil
}

var _ cmds.BareCommand = &questionsGlazedCommand{}

type healthGlazedCommand struct {
	*cmds.CommandDescription
}

type healthSettings struct {
	ServerURL string `glazed.parameter:"server"`
}

func newHealthGlazedCommand() (*healthGlazedCommand, error) {
	return &healthGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"health",
			cmds.WithShort("Check a serve process"),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"server",
					parameters.ParameterTypeString,
					parameters.WithHelp("Serve process base URL"),
					parameters.WithDefault(defaultServerURL),
				),
			),
		),
	}, nil
}

func (c *healthGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	settings := &healthSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}

	remote := serviceapi.NewRemoteCore(settings.ServerURL, 15*time.Second)
	health, err := remote.Health(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("status=%s questions_pending=%d questions_resolved=%d executions=%d conversations=%d\n",
		health.Status, health.Questions.Pending, health.Questions.Resolved,
		health.Executions, health.Conversations)
	return nil
}

var _ cmds.BareCommand = &healthGlazedCommand{}
