// Package executor is the orchestration boundary between a logical execution
// request and a spawned external agent process.
package executor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	mrand "math/rand"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v3"
	"github.com/oklog/ulid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agentdeck/internal/capability"
	"agentdeck/internal/lifecycle"
	"agentdeck/internal/model"
	"agentdeck/internal/policy"
	"agentdeck/internal/resolver"
	"agentdeck/internal/store"
	"agentdeck/internal/txn"
)

type Request struct {
	Tool           model.Tool
	Prompt         string
	ConversationID string
	ResumeRef      string
	Timeout        time.Duration
}

type Result struct {
	ExecutionID    string
	ConversationID string
	Strategy       model.ResumeStrategy
	Output         string
	TransactionID  string
	NativeRef      string
	Correlated     bool
	Downgraded     bool
	Conversation   *model.Conversation
}

type Options struct {
	Store          *store.SQLiteStore
	Resolver       *resolver.Resolver
	Policy         policy.Config
	Sink           resolver.DegradationSink
	Broker         *OutputBroker
	DefaultTimeout time.Duration
}

type Executor struct {
	store          *store.SQLiteStore
	resolver       *resolver.Resolver
	cfg            policy.Config
	sink           resolver.DegradationSink
	broker         *OutputBroker
	defaultTimeout time.Duration
	logger         zerolog.Logger

	mu         sync.Mutex
	convQueues map[string]*sync.Mutex

	recMu      sync.RWMutex
	executions map[string]model.ExecutionRecord
	order      []string

	entropyMu sync.Mutex
	entropy   io.Reader
}

func New(opts Options) (*Executor, error) {
	opts, err := normalizeOptions(opts)
	if err != nil {
		return nil, err
	}
	return &Executor{
		store:          opts.Store,
		resolver:       opts.Resolver,
		cfg:            opts.Policy,
		sink:           opts.Sink,
		broker:         opts.Broker,
		defaultTimeout: opts.DefaultTimeout,
		logger:         log.With().Str("component", "executor").Logger(),
		convQueues:     map[string]*sync.Mutex{},
		executions:     map[string]model.ExecutionRecord{},
		entropy:        ulid.Monotonic(mrand.New(mrand.NewSource(time.Now().UnixNano())), 0),
	}, nil
}

func normalizeOptions(opts Options) (Options, error) {
	if opts.Store == nil {
		return opts, errors.New("executor requires a store")
	}
	if opts.Resolver == nil {
		return opts, errors.New("executor requires a resolver")
	}
	if opts.Broker == nil {
		opts.Broker = NewOutputBroker(opts.Policy.Execution.OutputBufferChunks)
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = time.Duration(opts.Policy.Execution.TimeoutSeconds) * time.Second
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Minute
	}
	return opts, nil
}

func (e *Executor) Broker() *OutputBroker {
	return e.broker
}

// Execute runs one prompt against the requested tool and persists the turn.
// The call suspends until the external process exits, times out, or the
// context is cancelled. Spawn failure, timeout, and cancellation are typed
// errors and persist nothing.
func (e *Executor) Execute(ctx context.Context, req Request) (Result, error) {
	spec, err := policy.ResolveTool(e.cfg, string(req.Tool))
	if err != nil {
		return Result{}, &SpawnError{Tool: req.Tool, Detail: "unknown tool", Err: err}
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return Result{}, errors.New("prompt cannot be empty")
	}

	resolution, err := e.resolver.Resolve(req.Tool, req.ResumeRef)
	if err != nil {
		return Result{}, err
	}

	conversationID := strings.TrimSpace(req.ConversationID)
	if conversationID == "" {
		if resolution.Strategy == model.StrategyNativeResume {
			conversationID = resolution.ConversationID
		} else {
			conversationID = newConversationID(req.Tool)
		}
	}

	executionID := e.newExecutionID()
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	e.recordExecution(model.ExecutionRecord{
		ExecutionID:    executionID,
		ConversationID: conversationID,
		Tool:           req.Tool,
		Strategy:       resolution.Strategy,
		Status:         model.ExecutionStatusPending,
		StartedAt:      time.Now().UTC(),
	})

	queue := e.queueFor(conversationID)
	queue.Lock()
	defer queue.Unlock()

	result, err := e.executeAttempts(ctx, req, spec, resolution, conversationID, executionID, timeout)
	if err != nil {
		e.setStatus(executionID, statusForError(err), err.Error())
		return Result{}, err
	}
	e.setStatus(executionID, model.ExecutionStatusSucceeded, "")
	return result, nil
}

func (e *Executor) executeAttempts(ctx context.Context, req Request, spec policy.ToolSpec, resolution resolver.Resolution, conversationID string, executionID string, timeout time.Duration) (Result, error) {
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.setStatus(executionID, model.ExecutionStatusRunning, "")

	prompt := req.Prompt
	if resolution.Strategy == model.StrategyFallbackConcat && resolution.SeedContext != "" {
		prompt = resolution.SeedContext + "\n" + req.Prompt
	}
	transactionID := txn.Generate(conversationID)

	args := append([]string{}, spec.Args...)
	if resolution.Strategy == model.StrategyNativeResume {
		args = append(policy.RenderResumeArgs(spec, resolution.NativeRef), spec.Args...)
	}

	output, runErr := e.runProcess(execCtx, spec, args, txn.Inject(prompt, transactionID), executionID)
	strategy := resolution.Strategy
	downgraded := false

	if runErr != nil && strategy == model.StrategyNativeResume && spawnLike(ctx, execCtx, runErr) {
		// The tool rejected the native reference. Retry exactly once as a
		// seeded fresh conversation; the stored mapping stays untouched.
		seed, seedErr := e.resolver.BuildSeed(resolution.ConversationID)
		if seedErr != nil {
			return Result{}, seedErr
		}
		e.emitDegradation(model.Degradation{
			Kind:           model.DegradationSpawnDowngrade,
			Tool:           req.Tool,
			RequestedRef:   req.ResumeRef,
			ConversationID: resolution.ConversationID,
			Detail:         fmt.Sprintf("native resume rejected at spawn time: %v", runErr),
		})

		strategy = model.StrategyFallbackConcat
		downgraded = true
		conversationID = newConversationID(req.Tool)
		transactionID = txn.Generate(conversationID)
		prompt = req.Prompt
		if seed != "" {
			prompt = seed + "\n" + req.Prompt
		}
		output, runErr = e.runProcess(execCtx, spec, append([]string{}, spec.Args...), txn.Inject(prompt, transactionID), executionID)
	}

	if runErr != nil {
		return Result{}, e.classifyRunError(ctx, execCtx, req.Tool, executionID, timeout, runErr)
	}

	correlated := true
	if extracted, ok := txn.Extract(output); !ok || extracted != transactionID {
		correlated = false
		e.emitDegradation(model.Degradation{
			Kind:           model.DegradationCorrelationLost,
			Tool:           req.Tool,
			ConversationID: conversationID,
			Detail:         "transaction marker not recovered from tool output",
		})
	}

	nativeRef := recoverNativeRef(spec, output)
	var mapping *store.MappingUpdate
	if nativeRef != "" {
		mapping = &store.MappingUpdate{
			Tool:          req.Tool,
			NativeRef:     nativeRef,
			TransactionID: transactionID,
			ResumeCapable: capability.SupportsNativeResume(req.Tool),
		}
	}

	conv, err := e.store.AppendTurn(conversationID, req.Tool, model.Turn{
		Prompt:        prompt,
		Output:        output,
		TransactionID: transactionID,
		ExecutionID:   executionID,
	}, mapping)
	if err != nil {
		return Result{}, errors.Wrap(err, "persist turn")
	}

	return Result{
		ExecutionID:    executionID,
		ConversationID: conversationID,
		Strategy:       strategy,
		Output:         output,
		TransactionID:  transactionID,
		NativeRef:      nativeRef,
		Correlated:     correlated,
		Downgraded:     downgraded,
		Conversation:   conv,
	}, nil
}

// runProcess spawns one OS process, feeds it the augmented prompt on stdin,
// and streams stdout and stderr to the output broker while collecting stdout.
func (e *Executor) runProcess(ctx context.Context, spec policy.ToolSpec, args []string, stdin string, executionID string) (string, error) {
	cmd := exec.CommandContext(ctx, spec.Command, args...)
	cmd.Stdin = strings.NewReader(stdin)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", errors.Wrap(err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", errors.Wrap(err, "stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return "", errors.Wrapf(err, "start %s", spec.Command)
	}

	var out strings.Builder
	var wg sync.WaitGroup
	var seqMu sync.Mutex
	seq := 0
	nextSeq := func() int {
		seqMu.Lock()
		defer seqMu.Unlock()
		seq++
		return seq
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			out.WriteString(line)
			out.WriteString("\n")
			e.broker.Publish(model.OutputChunk{
				ExecutionID: executionID,
				Type:        model.ChunkStdout,
				Data:        line,
				Seq:         nextSeq(),
				At:          time.Now().UTC(),
			})
		}
	}()
	go func() {
		defer wg.Done()
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			e.broker.Publish(model.OutputChunk{
				ExecutionID: executionID,
				Type:        model.ChunkStderr,
				Data:        scanner.Text(),
				Seq:         nextSeq(),
				At:          time.Now().UTC(),
			})
		}
	}()

	wg.Wait()
	if err := cmd.Wait(); err != nil {
		return out.String(), errors.Wrapf(err, "run %s", spec.Command)
	}
	return out.String(), nil
}

func (e *Executor) classifyRunError(parent context.Context, execCtx context.Context, tool model.Tool, executionID string, timeout time.Duration, runErr error) error {
	if parent.Err() != nil {
		return &CancelledError{ExecutionID: executionID}
	}
	if execCtx.Err() == context.DeadlineExceeded {
		return &TimeoutError{ExecutionID: executionID, After: timeout}
	}
	return &SpawnError{Tool: tool, Detail: "process failed", Err: runErr}
}

// spawnLike reports whether a native-resume failure should trigger the
// one-time downgrade. Timeouts and cancellations are not downgrade material.
func spawnLike(parent context.Context, execCtx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if parent.Err() != nil || execCtx.Err() != nil {
		return false
	}
	return true
}

func statusForError(err error) model.ExecutionStatus {
	switch err.(type) {
	case *TimeoutError:
		return model.ExecutionStatusTimedOut
	case *CancelledError:
		return model.ExecutionStatusCancelled
	default:
		return model.ExecutionStatusSpawnFailed
	}
}

func recoverNativeRef(spec policy.ToolSpec, output string) string {
	pattern := strings.TrimSpace(spec.SessionRefPattern)
	if pattern == "" {
		return ""
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return ""
	}
	match := re.FindStringSubmatch(output)
	if len(match) < 2 {
		return ""
	}
	return match[1]
}

func (e *Executor) emitDegradation(event model.Degradation) {
	event.At = time.Now().UTC()
	e.logger.Warn().
		Str("kind", string(event.Kind)).
		Str("tool", string(event.Tool)).
		Str("conversation_id", event.ConversationID).
		Msg(event.Detail)
	if e.sink != nil {
		e.sink.Emit(event)
	}
}

func (e *Executor) queueFor(conversationID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	queue, ok := e.convQueues[conversationID]
	if !ok {
		queue = &sync.Mutex{}
		e.convQueues[conversationID] = queue
	}
	return queue
}

func (e *Executor) newExecutionID() string {
	e.entropyMu.Lock()
	defer e.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), e.entropy).String()
}

func newConversationID(tool model.Tool) string {
	suffix := strings.ToLower(shortuuid.New())
	if len(suffix) > 6 {
		suffix = suffix[:6]
	}
	return fmt.Sprintf("%s-%s-%s", time.Now().UTC().Format("20060102T150405"), tool, suffix)
}

func (e *Executor) recordExecution(record model.ExecutionRecord) {
	e.recMu.Lock()
	defer e.recMu.Unlock()
	e.executions[record.ExecutionID] = record
	e.order = append(e.order, record.ExecutionID)
}

func (e *Executor) setStatus(executionID string, status model.ExecutionStatus, errText string) {
	e.recMu.Lock()
	defer e.recMu.Unlock()
	record, ok := e.executions[executionID]
	if !ok {
		return
	}
	if !lifecycle.CanTransitionExecution(record.Status, status) {
		e.logger.Error().
			Str("execution_id", executionID).
			Str("from", string(record.Status)).
			Str("to", string(status)).
			Msg("illegal execution status transition")
		return
	}
	record.Status = status
	record.ErrorText = errText
	if status != model.ExecutionStatusRunning && status != model.ExecutionStatusPending {
		now := time.Now().UTC()
		record.FinishedAt = &now
	}
	e.executions[executionID] = record
}

func (e *Executor) GetExecution(executionID string) (model.ExecutionRecord, bool) {
	e.recMu.RLock()
	defer e.recMu.RUnlock()
	record, ok := e.executions[executionID]
	return record, ok
}

func (e *Executor) ListExecutions() []model.ExecutionRecord {
	e.recMu.RLock()
	defer e.recMu.RUnlock()
	out := make([]model.ExecutionRecord, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.executions[id])
	}
	return out
}
