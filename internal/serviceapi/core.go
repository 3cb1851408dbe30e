package serviceapi

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"agentdeck/internal/broker"
	"agentdeck/internal/executor"
	"agentdeck/internal/model"
	"agentdeck/internal/policy"
	"agentdeck/internal/pushbus"
	"agentdeck/internal/resolver"
	"agentdeck/internal/store"
)

type ExecuteRequest = executor.Request
type ExecuteResult = executor.Result

type HealthResponse struct {
	Status        string       `json:"status"`
	Questions     broker.Stats `json:"questions"`
	Executions    int          `json:"executions"`
	Conversations int          `json:"conversations"`
}

// Core is the service surface shared by the in-process implementation and
// the HTTP client used from other OS processes.
type Core interface {
	Shutdown()

	Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error)
	ListConversations(ctx context.Context) ([]model.Conversation, error)
	GetConversation(ctx context.Context, id string) (*model.Conversation, []model.Turn, error)
	ListExecutions(ctx context.Context) ([]model.ExecutionRecord, error)

	SurfaceQuestion(ctx context.Context, question model.Question, timeout time.Duration) (model.Question, error)
	Ask(ctx context.Context, question model.Question, timeout time.Duration) (model.Question, error)
	AnswerQuestion(ctx context.Context, questionID string, answer string) (model.Question, bool, error)
	CancelQuestion(ctx context.Context, questionID string) (model.Question, bool, error)
	PollQuestion(ctx context.Context, questionID string) (*model.Question, error)
	ListQuestions(ctx context.Context) ([]model.Question, error)

	Health(ctx context.Context) (HealthResponse, error)
}

type LocalOptions struct {
	DBPath     string
	PolicyPath string

	// Bus overrides the policy-derived transport, mainly for tests.
	Bus *pushbus.Bus
}

type LocalCore struct {
	cfg      policy.Config
	store    *store.SQLiteStore
	resolver *resolver.Resolver
	executor *executor.Executor
	broker   *broker.Broker
	bus      *pushbus.Bus
	ownBus   bool
}

func NewLocalCore(opts LocalOptions) (*LocalCore, error) {
	cfg, _, err := policy.Load(opts.PolicyPath)
	if err != nil {
		return nil, err
	}

	st := store.NewSQLiteStore(opts.DBPath)
	if err := st.Init(); err != nil {
		return nil, err
	}

	bus := opts.Bus
	ownBus := false
	if bus == nil {
		ownBus = true
		if cfg.Redis.Enabled {
			bus, err = pushbus.NewRedis(cfg.Redis.Addr, cfg.Redis.ConsumerGroup, "core-"+uuid.NewString())
			if err != nil {
				return nil, errors.Wrap(err, "redis push bus")
			}
		} else {
			bus = pushbus.NewInProcess(cfg.Execution.OutputBufferChunks)
		}
	}

	sink := busDegradationSink{bus: bus}
	res := resolver.New(st, sink, cfg.Fallback.MaxSeedTurns)
	exec, err := executor.New(executor.Options{
		Store:    st,
		Resolver: res,
		Policy:   cfg,
		Sink:     sink,
	})
	if err != nil {
		return nil, err
	}

	return &LocalCore{
		cfg:      cfg,
		store:    st,
		resolver: res,
		executor: exec,
		broker: broker.New(broker.Options{
			Bus:            bus,
			DefaultTimeout: time.Duration(cfg.Broker.DefaultTimeoutSeconds) * time.Second,
			Retention:      time.Duration(cfg.Broker.RetentionSeconds) * time.Second,
		}),
		bus:    bus,
		ownBus: ownBus,
	}, nil
}

func (l *LocalCore) Shutdown() {
	if l == nil {
		return
	}
	if l.store != nil {
		_ = l.store.Close()
	}
	if l.ownBus && l.bus != nil {
		_ = l.bus.Close()
	}
}

func (l *LocalCore) Policy() policy.Config {
	return l.cfg
}

func (l *LocalCore) Bus() *pushbus.Bus {
	return l.bus
}

func (l *LocalCore) Broker() *broker.Broker {
	return l.broker
}

func (l *LocalCore) OutputBroker() *executor.OutputBroker {
	return l.executor.Broker()
}

func (l *LocalCore) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	return l.executor.Execute(ctx, req)
}

func (l *LocalCore) ListConversations(_ context.Context) ([]model.Conversation, error) {
	return l.store.ListConversations()
}

func (l *LocalCore) GetConversation(_ context.Context, id string) (*model.Conversation, []model.Turn, error) {
	conv, err := l.store.GetConversation(id)
	if err != nil {
		return nil, nil, err
	}
	if conv == nil {
		return nil, nil, nil
	}
	turns, err := l.store.GetTurns(id)
	if err != nil {
		return nil, nil, err
	}
	return conv, turns, nil
}

func (l *LocalCore) ListExecutions(_ context.Context) ([]model.ExecutionRecord, error) {
	return l.executor.ListExecutions(), nil
}

func (l *LocalCore) SurfaceQuestion(_ context.Context, question model.Question, timeout time.Duration) (model.Question, error) {
	return l.broker.Surface(question, timeout)
}

// Ask surfaces a question and blocks until it resolves.
func (l *LocalCore) Ask(ctx context.Context, question model.Question, timeout time.Duration) (model.Question, error) {
	surfaced, err := l.broker.Surface(question, timeout)
	if err != nil {
		return model.Question{}, err
	}
	return l.broker.AwaitAnswer(ctx, surfaced.ID, timeout)
}

func (l *LocalCore) AnswerQuestion(_ context.Context, questionID string, answer string) (model.Question, bool, error) {
	return l.broker.SubmitAnswer(questionID, answer)
}

func (l *LocalCore) CancelQuestion(_ context.Context, questionID string) (model.Question, bool, error) {
	return l.broker.Cancel(questionID)
}

func (l *LocalCore) PollQuestion(_ context.Context, questionID string) (*model.Question, error) {
	question, ok := l.broker.Poll(questionID)
	if !ok {
		return nil, nil
	}
	return &question, nil
}

func (l *LocalCore) ListQuestions(_ context.Context) ([]model.Question, error) {
	return l.broker.List(), nil
}

// StartAnswerFeed wires bus-borne answer events into the broker so that a
// producer with no HTTP reachability can still resolve questions.
func (l *LocalCore) StartAnswerFeed(ctx context.Context) error {
	dedup := pushbus.NewDeduper(time.Duration(l.cfg.Broker.RetentionSeconds) * time.Second)
	return l.broker.ConsumeAnswerEvents(ctx, dedup)
}

func (l *LocalCore) Health(ctx context.Context) (HealthResponse, error) {
	conversations, err := l.ListConversations(ctx)
	if err != nil {
		return HealthResponse{}, err
	}
	return HealthResponse{
		Status:        "ok",
		Questions:     l.broker.Stats(),
		Executions:    len(l.executor.ListExecutions()),
		Conversations: len(conversations),
	}, nil
}

// busDegradationSink forwards fallback events onto the push bus so the
// dashboard can show downgrade notices. Logging happens at the emit site.
type busDegradationSink struct {
	bus *pushbus.Bus
}

func (s busDegradationSink) Emit(event model.Degradation) {
	if s.bus == nil {
		return
	}
	if err := s.bus.PublishDegradation(event); err != nil {
		log.Warn().Err(err).Str("component", "serviceapi").Msg("publish degradation failed")
	}
}

var _ Core = &LocalCore{}
