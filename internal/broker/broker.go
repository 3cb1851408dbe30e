// Package broker is the question/answer rendezvous between blocked tool
// invocations and human operators. Questions live in memory; a caller in
// another process reaches them through the serve process's HTTP API or the
// answers bus topic.
package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agentdeck/internal/lifecycle"
	"agentdeck/internal/model"
	"agentdeck/internal/pushbus"
)

var ErrUnknownQuestion = errors.New("unknown question id")

type TimeoutError struct {
	QuestionID string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("question %s timed out", e.QuestionID)
}

type CancelledError struct {
	QuestionID string
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("question %s cancelled", e.QuestionID)
}

type Options struct {
	Bus            *pushbus.Bus
	DefaultTimeout time.Duration
	Retention      time.Duration
}

type questionState struct {
	question model.Question
	done     chan struct{}
	timer    *time.Timer
}

type Broker struct {
	bus            *pushbus.Bus
	defaultTimeout time.Duration
	retention      time.Duration
	logger         zerolog.Logger

	mu        sync.Mutex
	questions map[string]*questionState
}

func New(opts Options) *Broker {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 5 * time.Minute
	}
	if opts.Retention <= 0 {
		opts.Retention = 10 * time.Minute
	}
	return &Broker{
		bus:            opts.Bus,
		defaultTimeout: opts.DefaultTimeout,
		retention:      opts.Retention,
		logger:         log.With().Str("component", "broker").Logger(),
		questions:      map[string]*questionState{},
	}
}

// Surface registers a question and publishes it to connected operators. It
// never blocks; the question stays pollable until resolved and evicted. The
// broker arms its own timeout so a caller that dies without awaiting still
// leaves no immortal pending question.
func (b *Broker) Surface(question model.Question, timeout time.Duration) (model.Question, error) {
	if strings.TrimSpace(question.ID) == "" {
		question.ID = "q-" + uuid.NewString()
	}
	if question.Payload.Kind == "" {
		question.Payload.Kind = model.QuestionKindRaw
	}
	if timeout <= 0 {
		timeout = b.defaultTimeout
	}
	question.Status = model.QuestionStatusPending
	question.Answer = ""
	question.CreatedAt = time.Now().UTC()
	question.ResolvedAt = nil

	b.mu.Lock()
	if _, exists := b.questions[question.ID]; exists {
		b.mu.Unlock()
		return model.Question{}, errors.Errorf("question %s already outstanding", question.ID)
	}
	state := &questionState{
		question: question,
		done:     make(chan struct{}),
	}
	questionID := question.ID
	state.timer = time.AfterFunc(timeout, func() {
		b.resolve(questionID, model.QuestionStatusTimedOut, "")
	})
	b.questions[question.ID] = state
	b.mu.Unlock()

	b.publishEvent(model.QuestionEventSurfaced, pushbus.TopicQuestionsSurfaced, question)
	return question, nil
}

// AwaitAnswer suspends until the question reaches a terminal state. It is
// the only broker operation allowed to block. Cancelling the context marks
// the question cancelled so a late answer cannot resolve a caller that has
// already moved on.
func (b *Broker) AwaitAnswer(ctx context.Context, questionID string, timeout time.Duration) (model.Question, error) {
	b.mu.Lock()
	state, ok := b.questions[questionID]
	b.mu.Unlock()
	if !ok {
		return model.Question{}, ErrUnknownQuestion
	}

	var callerTimer <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		callerTimer = timer.C
	}

	select {
	case <-state.done:
	case <-callerTimer:
		b.resolve(questionID, model.QuestionStatusTimedOut, "")
	case <-ctx.Done():
		b.resolve(questionID, model.QuestionStatusCancelled, "")
	}

	question, _ := b.Poll(questionID)
	switch question.Status {
	case model.QuestionStatusAnswered:
		return question, nil
	case model.QuestionStatusCancelled:
		return question, &CancelledError{QuestionID: questionID}
	case model.QuestionStatusTimedOut:
		return question, &TimeoutError{QuestionID: questionID}
	default:
		return question, errors.Errorf("question %s resolved without terminal state", questionID)
	}
}

// SubmitAnswer resolves a pending question. On an already terminal question
// it is a reported no-op, never an error.
func (b *Broker) SubmitAnswer(questionID string, answer string) (model.Question, bool, error) {
	applied := b.resolve(questionID, model.QuestionStatusAnswered, answer)
	question, ok := b.Poll(questionID)
	if !ok {
		return model.Question{}, false, ErrUnknownQuestion
	}
	return question, applied, nil
}

// Cancel dismisses a pending question. Idempotent on terminal questions.
func (b *Broker) Cancel(questionID string) (model.Question, bool, error) {
	applied := b.resolve(questionID, model.QuestionStatusCancelled, "")
	question, ok := b.Poll(questionID)
	if !ok {
		return model.Question{}, false, ErrUnknownQuestion
	}
	return question, applied, nil
}

// Poll is the non-blocking read used by disconnected callers.
func (b *Broker) Poll(questionID string) (model.Question, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.questions[questionID]
	if !ok {
		return model.Question{}, false
	}
	return state.question, true
}

// Outstanding returns pending questions, oldest first. A freshly registered
// subscriber replays these so nothing surfaced before the connection is lost.
func (b *Broker) Outstanding() []model.Question {
	return b.list(func(q model.Question) bool { return q.Status == model.QuestionStatusPending })
}

func (b *Broker) List() []model.Question {
	return b.list(func(model.Question) bool { return true })
}

func (b *Broker) list(keep func(model.Question) bool) []model.Question {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := []model.Question{}
	for _, state := range b.questions {
		if keep(state.question) {
			out = append(out, state.question)
		}
	}
	sortQuestions(out)
	return out
}

type Stats struct {
	Pending  int `json:"pending"`
	Resolved int `json:"resolved"`
}

func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	stats := Stats{}
	for _, state := range b.questions {
		if state.question.Status == model.QuestionStatusPending {
			stats.Pending++
		} else {
			stats.Resolved++
		}
	}
	return stats
}

// ConsumeAnswerEvents applies answer/cancel events arriving over the bus, so
// a producer disconnected from this process can still resolve questions.
func (b *Broker) ConsumeAnswerEvents(ctx context.Context, dedup *pushbus.Deduper) error {
	if b.bus == nil {
		return errors.New("broker has no bus")
	}
	events, err := b.bus.SubscribeAnswerEvents(ctx, dedup)
	if err != nil {
		return err
	}
	go func() {
		for event := range events {
			if event.Cancel {
				_, _, _ = b.Cancel(event.QuestionID)
				continue
			}
			_, _, _ = b.SubmitAnswer(event.QuestionID, event.Answer)
		}
	}()
	return nil
}

// resolve is the single compare-and-set transition point. Exactly one caller
// wins a submit/cancel/timeout race; everyone else observes the terminal
// state and no-ops.
func (b *Broker) resolve(questionID string, status model.QuestionStatus, answer string) bool {
	b.mu.Lock()
	state, ok := b.questions[questionID]
	if !ok {
		b.mu.Unlock()
		return false
	}
	if state.question.Status.Terminal() {
		b.mu.Unlock()
		return false
	}
	if !lifecycle.CanTransitionQuestion(state.question.Status, status) {
		b.mu.Unlock()
		b.logger.Error().
			Str("question_id", questionID).
			Str("from", string(state.question.Status)).
			Str("to", string(status)).
			Msg("illegal question transition")
		return false
	}

	now := time.Now().UTC()
	state.question.Status = status
	state.question.ResolvedAt = &now
	if status == model.QuestionStatusAnswered {
		state.question.Answer = answer
	}
	if state.timer != nil {
		state.timer.Stop()
	}
	close(state.done)
	resolved := state.question
	b.mu.Unlock()

	time.AfterFunc(b.retention, func() {
		b.evict(questionID)
	})
	b.publishEvent(model.QuestionEventResolved, pushbus.TopicQuestionsResolved, resolved)
	return true
}

func (b *Broker) evict(questionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	state, ok := b.questions[questionID]
	if ok && state.question.Status.Terminal() {
		delete(b.questions, questionID)
	}
}

func (b *Broker) publishEvent(eventType model.QuestionEventType, topic string, question model.Question) {
	if b.bus == nil {
		return
	}
	if err := b.bus.PublishQuestionEvent(topic, model.QuestionEvent{Type: eventType, Question: question}); err != nil {
		b.logger.Warn().Err(err).Str("question_id", question.ID).Msg("publish question event failed")
	}
}

func sortQuestions(questions []model.Question) {
	sort.Slice(questions, func(i, j int) bool {
		if questions[i].CreatedAt.Equal(questions[j].CreatedAt) {
			return questions[i].ID < questions[j].ID
		}
		return questions[i].CreatedAt.Before(questions[j].CreatedAt)
	})
}
