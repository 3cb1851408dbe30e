package broker

import (
	"context"
	"sync"
	"testing"
	"time"

	"agentdeck/internal/model"
	"agentdeck/internal/pushbus"
)

func newTestBroker() *Broker {
	return New(Options{
		DefaultTimeout: 5 * time.Second,
		Retention:      time.Minute,
	})
}

func surfaceQuestion(t *testing.T, b *Broker, id string) model.Question {
	t.Helper()
	question, err := b.Surface(model.Question{
		ID: id,
		Payload: model.QuestionPayload{
			Kind:    model.QuestionKindText,
			Message: "proceed?",
		},
	}, 0)
	if err != nil {
		t.Fatalf("surface: %v", err)
	}
	return question
}

func TestSurfaceAndPoll(t *testing.T) {
	b := newTestBroker()
	question := surfaceQuestion(t, b, "q-1")

	if question.Status != model.QuestionStatusPending {
		t.Fatalf("expected pending, got %s", question.Status)
	}
	polled, ok := b.Poll("q-1")
	if !ok || polled.Status != model.QuestionStatusPending {
		t.Fatalf("expected pollable pending question, got %+v ok=%t", polled, ok)
	}
	if _, ok := b.Poll("missing"); ok {
		t.Fatalf("missing question must not poll")
	}
}

func TestSubmitAnswerUnblocksAwait(t *testing.T) {
	b := newTestBroker()
	surfaceQuestion(t, b, "q-2")

	done := make(chan struct{})
	var got model.Question
	var awaitErr error
	go func() {
		defer close(done)
		got, awaitErr = b.AwaitAnswer(context.Background(), "q-2", 5*time.Second)
	}()

	time.Sleep(50 * time.Millisecond)
	question, applied, err := b.SubmitAnswer("q-2", "ship it")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !applied || question.Status != model.QuestionStatusAnswered {
		t.Fatalf("expected applied answer, got applied=%t %+v", applied, question)
	}

	<-done
	if awaitErr != nil {
		t.Fatalf("await: %v", awaitErr)
	}
	if got.Answer != "ship it" {
		t.Fatalf("expected answer to reach the waiter, got %+v", got)
	}
}

func TestTerminalStatesAreIdempotent(t *testing.T) {
	b := newTestBroker()
	surfaceQuestion(t, b, "q-3")

	first, applied, err := b.SubmitAnswer("q-3", "yes")
	if err != nil || !applied {
		t.Fatalf("first submit must apply: applied=%t err=%v", applied, err)
	}
	resolvedAt := first.ResolvedAt

	second, applied, err := b.SubmitAnswer("q-3", "no")
	if err != nil {
		t.Fatalf("late submit must not error: %v", err)
	}
	if applied {
		t.Fatalf("late submit must be a no-op")
	}
	if second.Answer != "yes" {
		t.Fatalf("terminal answer must not be overridden, got %q", second.Answer)
	}
	if !second.ResolvedAt.Equal(*resolvedAt) {
		t.Fatalf("resolved_at must not move on a no-op")
	}

	cancelled, applied, err := b.Cancel("q-3")
	if err != nil || applied {
		t.Fatalf("cancel after answer must be a no-op: applied=%t err=%v", applied, err)
	}
	if cancelled.Status != model.QuestionStatusAnswered {
		t.Fatalf("status must stay answered, got %s", cancelled.Status)
	}
}

func TestAwaitTimeout(t *testing.T) {
	b := newTestBroker()
	surfaceQuestion(t, b, "q-4")

	_, err := b.AwaitAnswer(context.Background(), "q-4", 100*time.Millisecond)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if _, ok := err.(*TimeoutError); !ok {
		t.Fatalf("expected *TimeoutError, got %T: %v", err, err)
	}

	polled, ok := b.Poll("q-4")
	if !ok || polled.Status != model.QuestionStatusTimedOut {
		t.Fatalf("poll must report timed_out, got %+v", polled)
	}
}

func TestBrokerEnforcedTimeoutWithoutAwaiter(t *testing.T) {
	b := New(Options{DefaultTimeout: 100 * time.Millisecond, Retention: time.Minute})
	surfaceQuestion(t, b, "q-5")

	time.Sleep(250 * time.Millisecond)
	polled, ok := b.Poll("q-5")
	if !ok || polled.Status != model.QuestionStatusTimedOut {
		t.Fatalf("broker must time out abandoned questions, got %+v", polled)
	}
}

func TestAwaitContextCancellationMarksCancelled(t *testing.T) {
	b := newTestBroker()
	surfaceQuestion(t, b, "q-6")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := b.AwaitAnswer(ctx, "q-6", 5*time.Second)
	if _, ok := err.(*CancelledError); !ok {
		t.Fatalf("expected *CancelledError, got %T: %v", err, err)
	}

	_, applied, err := b.SubmitAnswer("q-6", "too late")
	if err != nil || applied {
		t.Fatalf("stale answer must not resolve a cancelled question: applied=%t err=%v", applied, err)
	}
}

func TestExactlyOnceResolutionRace(t *testing.T) {
	b := newTestBroker()
	surfaceQuestion(t, b, "q-7")

	const racers = 24
	var wg sync.WaitGroup
	winners := make(chan model.QuestionStatus, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				if _, applied, _ := b.SubmitAnswer("q-7", "answer"); applied {
					winners <- model.QuestionStatusAnswered
				}
			} else {
				if _, applied, _ := b.Cancel("q-7"); applied {
					winners <- model.QuestionStatusCancelled
				}
			}
		}(i)
	}
	wg.Wait()
	close(winners)

	won := []model.QuestionStatus{}
	for status := range winners {
		won = append(won, status)
	}
	if len(won) != 1 {
		t.Fatalf("expected exactly one winning transition, got %v", won)
	}
	polled, _ := b.Poll("q-7")
	if polled.Status != won[0] {
		t.Fatalf("observed status %s does not match winner %s", polled.Status, won[0])
	}
}

func TestRetentionEviction(t *testing.T) {
	b := New(Options{DefaultTimeout: time.Minute, Retention: 100 * time.Millisecond})
	surfaceQuestion(t, b, "q-8")

	if _, _, err := b.SubmitAnswer("q-8", "done"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, ok := b.Poll("q-8"); !ok {
		t.Fatalf("resolved question must stay pollable within retention")
	}

	time.Sleep(250 * time.Millisecond)
	if _, ok := b.Poll("q-8"); ok {
		t.Fatalf("resolved question must be evicted after retention")
	}
}

func TestOutstandingReplaySnapshot(t *testing.T) {
	b := newTestBroker()
	surfaceQuestion(t, b, "q-a")
	surfaceQuestion(t, b, "q-b")
	if _, _, err := b.SubmitAnswer("q-a", "ok"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	outstanding := b.Outstanding()
	if len(outstanding) != 1 || outstanding[0].ID != "q-b" {
		t.Fatalf("expected only q-b outstanding, got %+v", outstanding)
	}
	if got := len(b.List()); got != 2 {
		t.Fatalf("expected both questions listed within retention, got %d", got)
	}

	stats := b.Stats()
	if stats.Pending != 1 || stats.Resolved != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestAnswerEventsOverBus(t *testing.T) {
	bus := pushbus.NewInProcess(16)
	t.Cleanup(func() { _ = bus.Close() })
	b := New(Options{Bus: bus, DefaultTimeout: 5 * time.Second, Retention: time.Minute})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.ConsumeAnswerEvents(ctx, pushbus.NewDeduper(time.Minute)); err != nil {
		t.Fatalf("consume answer events: %v", err)
	}

	resolved, err := bus.SubscribeQuestionEvents(ctx, pushbus.TopicQuestionsResolved, nil)
	if err != nil {
		t.Fatalf("subscribe resolved: %v", err)
	}

	surfaceQuestion(t, b, "q-bus")
	if err := bus.PublishAnswerEvent(model.AnswerEvent{QuestionID: "q-bus", Answer: "over the wire"}); err != nil {
		t.Fatalf("publish answer: %v", err)
	}

	select {
	case event := <-resolved:
		if event.Question.ID != "q-bus" || event.Question.Answer != "over the wire" {
			t.Fatalf("unexpected resolved event: %+v", event)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for bus-driven resolution")
	}
}
