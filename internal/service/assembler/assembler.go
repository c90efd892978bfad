package assembler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"botchat/internal/generation"
	"botchat/internal/models"
	"botchat/internal/retrieval"
)

// ErrRetrievalUnavailable is returned together with a usable, passage-free
// context when the corpus could not be searched.
var ErrRetrievalUnavailable = errors.New("retrieval unavailable")

const (
	DefaultHistoryPairs = 5
	DefaultPassages     = 3

	DefaultSystemPrompt = "You are a helpful AI assistant that answers questions based on the provided context."

	promptTemplate = `You are a helpful AI assistant. Use the following context to answer the user's question.
If the answer cannot be found in the context, say that you don't know.

Previous conversation:
%s

Context:
%s

User Question: %s

Answer:`
)

// HistoryReader is the part of the history store the assembler needs.
type HistoryReader interface {
	Recent(ctx context.Context, sessionID string, pairs int) ([]*models.HistoryEntry, error)
}

type Options struct {
	HistoryPairs    int
	Passages        int
	SystemPrompt    string
	MaxPromptTokens int // 0 disables the budget
}

// TurnContext is everything one turn sends to the model.
type TurnContext struct {
	SessionID    string
	System       string
	History      []*models.HistoryEntry // oldest first
	Passages     []models.Passage       // as ranked by the retriever
	Message      string
	PromptTokens int
}

// Text renders the user prompt.
func (tc *TurnContext) Text() string {
	var history strings.Builder
	for i, e := range tc.History {
		if i > 0 {
			history.WriteByte('\n')
		}
		history.WriteString(string(e.Role))
		history.WriteString(": ")
		history.WriteString(e.Message)
	}
	contents := make([]string, 0, len(tc.Passages))
	for _, p := range tc.Passages {
		contents = append(contents, p.Content)
	}
	return fmt.Sprintf(promptTemplate, history.String(), strings.Join(contents, "\n\n"), tc.Message)
}

func (tc *TurnContext) Prompt() generation.Prompt {
	return generation.Prompt{System: tc.System, Text: tc.Text()}
}

type Assembler struct {
	history   HistoryReader
	retriever retrieval.Retriever
	opts      Options
	counter   TokenCounter
	logger    zerolog.Logger
}

// New builds an assembler. counter may be nil when opts.MaxPromptTokens is 0.
func New(history HistoryReader, retriever retrieval.Retriever, opts Options, counter TokenCounter, logger zerolog.Logger) *Assembler {
	if opts.HistoryPairs <= 0 {
		opts.HistoryPairs = DefaultHistoryPairs
	}
	if opts.Passages <= 0 {
		opts.Passages = DefaultPassages
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = DefaultSystemPrompt
	}
	return &Assembler{
		history:   history,
		retriever: retriever,
		opts:      opts,
		counter:   counter,
		logger:    logger.With().Str("component", "assembler").Logger(),
	}
}

// Build fetches the recent history and the corpus passages for one message.
// An empty corpusID skips retrieval. When retrieval fails the returned
// context is still valid, without passages, and the error wraps
// ErrRetrievalUnavailable. Any other error leaves the context nil.
func (a *Assembler) Build(ctx context.Context, session *models.Session, corpusID, message string) (*TurnContext, error) {
	tc := &TurnContext{
		SessionID: session.ID,
		System:    a.opts.SystemPrompt,
		Message:   message,
	}

	var retrievalErr error
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		entries, err := a.history.Recent(gctx, session.ID, a.opts.HistoryPairs)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		slices.SortStableFunc(entries, func(x, y *models.HistoryEntry) int {
			switch {
			case x.Before(y):
				return -1
			case y.Before(x):
				return 1
			}
			return 0
		})
		tc.History = entries
		return nil
	})
	if corpusID != "" && a.retriever != nil {
		g.Go(func() error {
			passages, err := a.retriever.Search(gctx, corpusID, message, a.opts.Passages)
			if err != nil {
				// Retrieval never fails the whole build.
				retrievalErr = err
				return nil
			}
			if len(passages) > a.opts.Passages {
				passages = passages[:a.opts.Passages]
			}
			tc.Passages = passages
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := a.fitBudget(tc); err != nil {
		return nil, err
	}

	if retrievalErr != nil {
		a.logger.Debug().Err(retrievalErr).Str("corpus", corpusID).Msg("retrieval failed")
		return tc, fmt.Errorf("%w: %w", ErrRetrievalUnavailable, retrievalErr)
	}
	return tc, nil
}

// fitBudget drops the oldest history pairs, then the lowest ranked passages,
// until the prompt fits MaxPromptTokens. The user message itself is never cut.
func (a *Assembler) fitBudget(tc *TurnContext) error {
	if a.opts.MaxPromptTokens <= 0 || a.counter == nil {
		return nil
	}
	for {
		n, err := a.counter.Count(tc.System + "\n" + tc.Text())
		if err != nil {
			return fmt.Errorf("count prompt tokens: %w", err)
		}
		tc.PromptTokens = n
		if n <= a.opts.MaxPromptTokens {
			return nil
		}
		switch {
		case len(tc.History) > 0:
			drop := 2
			if len(tc.History) < drop || tc.History[1].Role != models.RoleAssistant {
				drop = 1
			}
			tc.History = tc.History[drop:]
		case len(tc.Passages) > 0:
			tc.Passages = tc.Passages[:len(tc.Passages)-1]
		default:
			a.logger.Warn().Int("tokens", n).Int("budget", a.opts.MaxPromptTokens).Msg("prompt exceeds budget with no context left to drop")
			return nil
		}
	}
}
