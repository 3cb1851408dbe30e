// Package resolver decides how a resume request is honored: native resume,
// prompt-concatenation fallback, or a fresh conversation. It holds no state
// of its own; every decision is a pure function over the history store and
// the capability table.
package resolver

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"agentdeck/internal/capability"
	"agentdeck/internal/model"
	"agentdeck/internal/store"
)

// DegradationSink receives one event per fallback decision. No fallback is
// silent: callers that drop these events lose their only structured signal
// that "resume" quietly became something else.
type DegradationSink interface {
	Emit(event model.Degradation)
}

type SinkFunc func(event model.Degradation)

func (f SinkFunc) Emit(event model.Degradation) {
	f(event)
}

type Resolution struct {
	Strategy model.ResumeStrategy

	// ConversationID is set for native resume; fallback and fresh executions
	// get a new conversation id from the executor.
	ConversationID string
	NativeRef      string

	// SeedContext is the prior turns rendered as text, set for fallback.
	SeedContext          string
	SourceConversationID string
}

type Resolver struct {
	store        *store.SQLiteStore
	sink         DegradationSink
	maxSeedTurns int
	logger       zerolog.Logger
}

func New(st *store.SQLiteStore, sink DegradationSink, maxSeedTurns int) *Resolver {
	if maxSeedTurns <= 0 {
		maxSeedTurns = 20
	}
	return &Resolver{
		store:        st,
		sink:         sink,
		maxSeedTurns: maxSeedTurns,
		logger:       log.With().Str("component", "resolver").Logger(),
	}
}

// Resolve never fails for a missing or malformed reference; those degrade to
// FRESH with an emitted event. Only storage failures surface as errors.
func (r *Resolver) Resolve(tool model.Tool, resumeRef string) (Resolution, error) {
	resumeRef = strings.TrimSpace(resumeRef)
	if resumeRef == "" {
		return Resolution{Strategy: model.StrategyFresh}, nil
	}

	mapping, err := r.store.LookupResumeRef(resumeRef)
	if err != nil {
		return Resolution{}, fmt.Errorf("lookup resume ref: %w", err)
	}
	if mapping == nil {
		r.degrade(model.Degradation{
			Kind:         model.DegradationUnknownResumeRef,
			Tool:         tool,
			RequestedRef: resumeRef,
			Detail:       "resume reference matches no known conversation or native session",
		})
		return Resolution{Strategy: model.StrategyFresh}, nil
	}

	if mapping.Tool != tool {
		seed, err := r.buildSeed(mapping.ConversationID)
		if err != nil {
			return Resolution{}, err
		}
		r.degrade(model.Degradation{
			Kind:           model.DegradationCrossToolResume,
			Tool:           tool,
			RequestedRef:   resumeRef,
			ConversationID: mapping.ConversationID,
			Detail:         fmt.Sprintf("conversation belongs to %s, seeding a new %s conversation", mapping.Tool, tool),
		})
		return Resolution{
			Strategy:             model.StrategyFallbackConcat,
			SeedContext:          seed,
			SourceConversationID: mapping.ConversationID,
		}, nil
	}

	if !mapping.ResumeCapable || !capability.SupportsNativeResume(tool) {
		seed, err := r.buildSeed(mapping.ConversationID)
		if err != nil {
			return Resolution{}, err
		}
		r.degrade(model.Degradation{
			Kind:           model.DegradationResumeIncapable,
			Tool:           tool,
			RequestedRef:   resumeRef,
			ConversationID: mapping.ConversationID,
			Detail:         "tool cannot natively resume, falling back to prompt concatenation",
		})
		return Resolution{
			Strategy:             model.StrategyFallbackConcat,
			SeedContext:          seed,
			SourceConversationID: mapping.ConversationID,
		}, nil
	}

	return Resolution{
		Strategy:       model.StrategyNativeResume,
		ConversationID: mapping.ConversationID,
		NativeRef:      mapping.NativeRef,
	}, nil
}

// BuildSeed renders a conversation's turns for a fallback prompt. The
// executor reuses it when a native resume is rejected at spawn time.
func (r *Resolver) BuildSeed(conversationID string) (string, error) {
	return r.buildSeed(conversationID)
}

func (r *Resolver) buildSeed(conversationID string) (string, error) {
	conv, err := r.store.GetConversation(conversationID)
	if err != nil {
		return "", fmt.Errorf("seed conversation %s: %w", conversationID, err)
	}
	if conv == nil {
		return "", nil
	}
	turns, err := r.store.GetTurns(conversationID)
	if err != nil {
		return "", fmt.Errorf("seed turns %s: %w", conversationID, err)
	}
	if len(turns) > r.maxSeedTurns {
		turns = turns[len(turns)-r.maxSeedTurns:]
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Prior conversation %s (tool %s):\n", conv.ID, conv.Tool)
	for _, turn := range turns {
		fmt.Fprintf(&b, "[user] %s\n", strings.TrimSpace(turn.Prompt))
		fmt.Fprintf(&b, "[%s] %s\n", conv.Tool, strings.TrimSpace(turn.Output))
	}
	b.WriteString("Continue from the context above.\n")
	return b.String(), nil
}

func (r *Resolver) degrade(event model.Degradation) {
	event.At = time.Now().UTC()
	r.logger.Warn().
		Str("kind", string(event.Kind)).
		Str("tool", string(event.Tool)).
		Str("requested_ref", event.RequestedRef).
		Str("conversation_id", event.ConversationID).
		Msg(event.Detail)
	if r.sink != nil {
		r.sink.Emit(event)
	}
}
