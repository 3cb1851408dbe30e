package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"agentdeck/internal/model"
	"agentdeck/internal/pushbus"
)

// streamEnvelope is the single frame shape of /api/v1/stream. Exactly one of
// the payload fields is set, selected by Type.
type streamEnvelope struct {
	Type        string               `json:"type"`
	Question    *model.QuestionEvent `json:"question,omitempty"`
	Output      *model.OutputChunk   `json:"output,omitempty"`
	Degradation *model.Degradation   `json:"degradation,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

type streamPool struct {
	mu    sync.Mutex
	conns map[*websocket.Conn]bool
}

func newStreamPool() *streamPool {
	return &streamPool{conns: make(map[*websocket.Conn]bool)}
}

func (p *streamPool) Add(conn *websocket.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[conn] = true
}

func (p *streamPool) Remove(conn *websocket.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, conn)
}

// Broadcast writes the envelope to every connection, dropping connections
// whose write fails.
func (p *streamPool) Broadcast(envelope streamEnvelope) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		log.Warn().Err(err).Str("type", envelope.Type).Msg("marshal stream envelope failed")
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for conn := range p.conns {
		if writeErr := conn.WriteMessage(websocket.TextMessage, payload); writeErr != nil {
			log.Warn().Err(writeErr).Msg("stream write failed, dropping connection")
			_ = conn.Close()
			delete(p.conns, conn)
		}
	}
}

func (p *streamPool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for conn := range p.conns {
		_ = conn.Close()
	}
	p.conns = make(map[*websocket.Conn]bool)
}

func (r *Runtime) handleStream(w http.ResponseWriter, req *http.Request) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn().Err(err).Msg("stream upgrade failed")
		return
	}

	// Replay unresolved questions so a late subscriber sees pending work
	// without waiting for the next event.
	for _, question := range r.core.Broker().Outstanding() {
		question := question
		event := model.QuestionEvent{Type: model.QuestionEventSurfaced, Question: question}
		envelope := streamEnvelope{Type: "question", Question: &event}
		payload, marshalErr := json.Marshal(envelope)
		if marshalErr != nil {
			continue
		}
		if writeErr := conn.WriteMessage(websocket.TextMessage, payload); writeErr != nil {
			_ = conn.Close()
			return
		}
	}

	r.pool.Add(conn)
	go func() {
		defer func() {
			r.pool.Remove(conn)
			_ = conn.Close()
		}()
		for {
			// Inbound frames are ignored; the read loop only detects closes.
			if _, _, readErr := conn.ReadMessage(); readErr != nil {
				return
			}
		}
	}()
}

// startStreamPump fans bus events and execution output into the stream pool.
func (r *Runtime) startStreamPump(ctx context.Context) error {
	bus := r.core.Bus()
	retention := time.Duration(r.core.Policy().Broker.RetentionSeconds) * time.Second

	surfaced, err := bus.SubscribeQuestionEvents(ctx, pushbus.TopicQuestionsSurfaced, pushbus.NewDeduper(retention))
	if err != nil {
		return err
	}
	resolved, err := bus.SubscribeQuestionEvents(ctx, pushbus.TopicQuestionsResolved, pushbus.NewDeduper(retention))
	if err != nil {
		return err
	}
	degradations, err := bus.SubscribeDegradations(ctx)
	if err != nil {
		return err
	}
	output, unsubscribe := r.core.OutputBroker().Subscribe("")

	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-surfaced:
				if !ok {
					return
				}
				r.pool.Broadcast(streamEnvelope{Type: "question", Question: &event})
			case event, ok := <-resolved:
				if !ok {
					return
				}
				r.pool.Broadcast(streamEnvelope{Type: "question", Question: &event})
			case event, ok := <-degradations:
				if !ok {
					return
				}
				r.pool.Broadcast(streamEnvelope{Type: "degradation", Degradation: &event})
			case chunk, ok := <-output:
				if !ok {
					return
				}
				r.pool.Broadcast(streamEnvelope{Type: "output", Output: &chunk})
			}
		}
	}()
	return nil
}
