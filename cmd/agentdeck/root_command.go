package main

import (
	"fmt"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/spf13/cobra"
)

type legacyPassthroughSpec struct {
	Use     string
	Short   string
	Aliases []string
	Run     func(args []string) error
}

func executeCLI(args []string) error {
	rootCmd, err := newRootCommand()
	if err != nil {
		return err
	}
	rootCmd.SetArgs(args)
	return rootCmd.Execute()
}

func newRootCommand() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:           "agentdeck",
		Short:         "run and resume CLI agent conversations",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			printUsage()
			return fmt.Errorf("command is required")
		},
	}
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	defaultHelpFunc := rootCmd.HelpFunc()
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		if cmd == rootCmd {
			printUsage()
			return
		}
		defaultHelpFunc(cmd, args)
	})

	migrated := []cmds.Command{}
	policyInitCmd, err := newPolicyInitGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, policyInitCmd)

	serveCmd, err := newServeGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, serveCmd)

	conversationsCmd, err := newConversationsGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, conversationsCmd)

	questionsCmd, err := newQuestionsGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, questionsCmd)

	healthCmd, err := newHealthGlazedCommand()
	if err != nil {
		return nil, err
	}
	migrated = append(migrated, healthCmd)

	for _, command := range migrated {
		cobraCommand, err := buildGlazedCobraCommand(command)
		if err != nil {
			return nil, err
		}
		rootCmd.AddCommand(cobraCommand)
	}

	legacySpecs := []legacyPassthroughSpec{
		{Use: "exec", Short: "Run one prompt against an agent CLI", Run: execCommand},
		{Use: "ask", Short: "Surface a question and wait for the answer", Run: askCommand},
		{Use: "answer", Short: "Answer a pending question", Run: answerCommand},
		{Use: "cancel", Short: "Cancel a pending question", Run: cancelCommand},
		{Use: "watch", Short: "Stream questions, output, and fallback notices", Run: watchCommand},
	}

	for _, spec := range legacySpecs {
		addLegacyPassthroughCommand(rootCmd, spec)
	}

	return rootCmd, nil
}

func buildGlazedCobraCommand(command cmds.Command) (*cobra.Command, error) {
	return cli.BuildCobraCommandFromCommand(
		command,
		cli.WithCobraMiddlewaresFunc(cli.CobraCommandDefaultMiddlewares),
		cli.WithCobraShortHelpLayers(layers.DefaultSlug),
	)
}

func addLegacyPassthroughCommand(rootCmd *cobra.Command, spec legacyPassthroughSpec) {
	cmd := &cobra.Command{
		Use:                spec.Use,
		Short:              spec.Short,
		Aliases:            spec.Aliases,
		DisableFlagParsing: true,
		Args:               cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return spec.Run(args)
		},
	}
	rootCmd.AddCommand(cmd)
}
