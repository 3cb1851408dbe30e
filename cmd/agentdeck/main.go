package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"agentdeck/internal/broker"
	"agentdeck/internal/model"
	"agentdeck/internal/policy"
	"agentdeck/internal/serviceapi"
	"agentdeck/internal/store"
)

const defaultServerURL = "http://localhost:3020"

type multiValueFlag []string

func (f *multiValueFlag) String() string {
	return strings.Join(*f, ",")
}

func (f *multiValueFlag) Set(value string) error {
	*f = append(*f, value)
	return nil
}

func main() {
	if err := executeCLI(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// coreFor returns a remote core when serverURL is set, otherwise an
// in-process core backed by the local DB and policy.
func coreFor(serverURL string, dbPath string, policyPath string) (serviceapi.Core, error) {
	if strings.TrimSpace(serverURL) != "" {
		return serviceapi.NewRemoteCore(serverURL, 15*time.Second), nil
	}
	return serviceapi.NewLocalCore(serviceapi.LocalOptions{
		DBPath:     dbPath,
		PolicyPath: policyPath,
	})
}

func execCommand(args []string) error {
	fs := flag.NewFlagSet("exec", flag.ContinueOnError)
	var tool string
	var prompt string
	var conversationID string
	var resumeRef string
	var timeoutSeconds int
	var serverURL string
	var dbPath string
	var policyPath string
	fs.StringVar(&tool, "tool", "", "Agent CLI to run (claude|gemini|qwen|codex)")
	fs.StringVar(&prompt, "prompt", "", "Prompt text (reads stdin when empty)")
	fs.StringVar(&conversationID, "conversation-id", "", "Append to this conversation")
	fs.StringVar(&resumeRef, "resume", "", "Conversation id or native session ref to resume")
	fs.IntVar(&timeoutSeconds, "timeout", 0, "Execution timeout in seconds (default from policy)")
	fs.StringVar(&serverURL, "server", "", "Serve process base URL (runs locally when empty)")
	fs.StringVar(&dbPath, "db", store.DefaultDBPath, "Path to SQLite DB")
	fs.StringVar(&policyPath, "policy", "", "Path to policy file (defaults to .agentdeck/policy.json)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(tool) == "" {
		return fmt.Errorf("--tool is required")
	}
	if strings.TrimSpace(prompt) == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return err
		}
		prompt = string(data)
	}
	if strings.TrimSpace(prompt) == "" {
		return fmt.Errorf("--prompt is required (or pipe it on stdin)")
	}

	core, err := coreFor(serverURL, dbPath, policyPath)
	if err != nil {
		return err
	}
	defer core.Shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result, err := core.Execute(ctx, serviceapi.ExecuteRequest{
		Tool:           model.Tool(strings.TrimSpace(tool)),
		Prompt:         prompt,
		ConversationID: conversationID,
		ResumeRef:      resumeRef,
		Timeout:        time.Duration(timeoutSeconds) * time.Second,
	})
	if err != nil {
		return err
	}

	fmt.Print(result.Output)
	if !strings.HasSuffix(result.Output, "\n") {
		fmt.Println("")
	}
	fmt.Fprintf(os.Stderr, "conversation=%s strategy=%s execution=%s\n",
		result.ConversationID, result.Strategy, result.ExecutionID)
	if result.Downgraded {
		fmt.Fprintf(os.Stderr, "note: native resume was rejected; continued as a seeded fresh conversation\n")
	}
	if result.NativeRef != "" {
		fmt.Fprintf(os.Stderr, "native-ref=%s\n", result.NativeRef)
	}
	return nil
}

func askCommand(args []string) error {
	fs := flag.NewFlagSet("ask", flag.ContinueOnError)
	var message string
	var title string
	var kind string
	var choices multiValueFlag
	var conversationID string
	var timeoutSeconds int
	var serverURL string
	fs.StringVar(&message, "message", "", "Question to put to the operator")
	fs.StringVar(&title, "title", "", "Short question title")
	fs.StringVar(&kind, "kind", "text", "Question kind: text|choice|confirm|raw")
	fs.Var(&choices, "choice", "Choice option (repeatable, choice kind only)")
	fs.StringVar(&conversationID, "conversation-id", "", "Conversation this question belongs to")
	fs.IntVar(&timeoutSeconds, "timeout", 0, "Seconds to wait for an answer (default from policy)")
	fs.StringVar(&serverURL, "server", defaultServerURL, "Serve process base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("--message is required")
	}

	remote := serviceapi.NewRemoteCore(serverURL, 15*time.Second)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	answered, err := remote.Ask(ctx, model.Question{
		ConversationID: strings.TrimSpace(conversationID),
		Payload: model.QuestionPayload{
			Kind:    model.QuestionKind(strings.TrimSpace(kind)),
			Title:   strings.TrimSpace(title),
			Message: message,
			Choices: choices,
		},
	}, time.Duration(timeoutSeconds)*time.Second)
	if err != nil {
		switch err.(type) {
		case *broker.TimeoutError:
			return fmt.Errorf("question %s timed out without an answer", answered.ID)
		case *broker.CancelledError:
			return fmt.Errorf("question %s was cancelled", answered.ID)
		default:
			return err
		}
	}
	fmt.Println(answered.Answer)
	return nil
}

func answerCommand(args []string) error {
	fs := flag.NewFlagSet("answer", flag.ContinueOnError)
	var questionID string
	var answer string
	var serverURL string
	fs.StringVar(&questionID, "id", "", "Question identifier")
	fs.StringVar(&answer, "answer", "", "Answer text")
	fs.StringVar(&serverURL, "server", defaultServerURL, "Serve process base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(questionID) == "" {
		return fmt.Errorf("--id is required")
	}
	if strings.TrimSpace(answer) == "" {
		return fmt.Errorf("--answer is required")
	}

	remote := serviceapi.NewRemoteCore(serverURL, 15*time.Second)
	question, applied, err := remote.AnswerQuestion(context.Background(), questionID, answer)
	if err != nil {
		return err
	}
	if !applied {
		fmt.Printf("Question %s already %s; answer ignored.\n", question.ID, question.Status)
		return nil
	}
	fmt.Printf("Question %s answered.\n", question.ID)
	return nil
}

func cancelCommand(args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ContinueOnError)
	var questionID string
	var serverURL string
	fs.StringVar(&questionID, "id", "", "Question identifier")
	fs.StringVar(&serverURL, "server", defaultServerURL, "Serve process base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(questionID) == "" {
		return fmt.Errorf("--id is required")
	}

	remote := serviceapi.NewRemoteCore(serverURL, 15*time.Second)
	question, applied, err := remote.CancelQuestion(context.Background(), questionID)
	if err != nil {
		return err
	}
	if !applied {
		fmt.Printf("Question %s already %s; cancel ignored.\n", question.ID, question.Status)
		return nil
	}
	fmt.Printf("Question %s cancelled.\n", question.ID)
	return nil
}

func watchCommand(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	var serverURL string
	fs.StringVar(&serverURL, "server", defaultServerURL, "Serve process base URL")
	if err := fs.Parse(args); err != nil {
		return err
	}

	streamURL, err := streamURLFor(serverURL)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("connect %s: %w", streamURL, err)
	}
	defer func() { _ = conn.Close() }()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	fmt.Printf("watching %s (ctrl-c to stop)\n", streamURL)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				fmt.Println("\nwatch stopped.")
				return nil
			}
			return err
		}
		fmt.Println(string(payload))
	}
}

func streamURLFor(serverURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimRight(strings.TrimSpace(serverURL), "/"))
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported server scheme %q", parsed.Scheme)
	}
	parsed.Path = parsed.Path + "/api/v1/stream"
	return parsed.String(), nil
}

func printUsage() {
	fmt.Println("agentdeck - run and resume CLI agent conversations")
	fmt.Println("")
	fmt.Println("Usage:")
	fmt.Println("  agentdeck exec --tool gemini --prompt \"...\" [--resume REF] [--conversation-id ID]")
	fmt.Println("  agentdeck ask --message \"...\" [--kind confirm] [--timeout 300] [--server http://localhost:3020]")
	fmt.Println("  agentdeck answer --id QUESTION_ID --answer \"...\"")
	fmt.Println("  agentdeck cancel --id QUESTION_ID")
	fmt.Println("  agentdeck watch [--server http://localhost:3020]")
	fmt.Println("  agentdeck conversations [--db PATH | --server URL]")
	fmt.Println("  agentdeck questions [--server URL]")
	fmt.Println("  agentdeck serve [--addr :3020] [--db PATH] [--policy PATH]")
	fmt.Println("  agentdeck policy-init [--path " + policy.DefaultPolicyPath + "]")
}
