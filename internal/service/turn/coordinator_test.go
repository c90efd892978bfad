package turn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"botchat/internal/config"
	"botchat/internal/generation"
	"botchat/internal/models"
	"botchat/internal/retrieval"
	"botchat/internal/service/assembler"
	"botchat/internal/storage"
	"botchat/internal/store"
	"botchat/internal/worker"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// script describes what the fake backend does for one generation.
type script struct {
	fragments []string
	openErr   error
	failAfter error // returned once the fragments are exhausted
	block     bool  // wait for cancellation once the fragments are exhausted
}

type fakeGenerator struct {
	mu      sync.Mutex
	scripts []script
	prompts []generation.Prompt
}

func (g *fakeGenerator) Generate(ctx context.Context, prompt generation.Prompt) (generation.FragmentReader, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.prompts = append(g.prompts, prompt)
	sc := script{fragments: []string{"ok"}}
	if len(g.scripts) > 0 {
		sc = g.scripts[0]
		g.scripts = g.scripts[1:]
	}
	if sc.openErr != nil {
		return nil, sc.openErr
	}
	return &fakeReader{ctx: ctx, sc: sc}, nil
}

func (g *fakeGenerator) lastPrompt() generation.Prompt {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.prompts[len(g.prompts)-1]
}

type fakeReader struct {
	ctx  context.Context
	sc   script
	next int
}

func (r *fakeReader) Recv() (generation.Fragment, error) {
	if err := r.ctx.Err(); err != nil {
		return generation.Fragment{}, err
	}
	if r.next < len(r.sc.fragments) {
		r.next++
		return generation.Fragment{Text: r.sc.fragments[r.next-1]}, nil
	}
	switch {
	case r.sc.block:
		<-r.ctx.Done()
		return generation.Fragment{}, r.ctx.Err()
	case r.sc.failAfter != nil:
		return generation.Fragment{}, r.sc.failAfter
	}
	return generation.Fragment{}, io.EOF
}

func (r *fakeReader) Close() {}

type stubRetriever struct {
	passages []models.Passage
	err      error
}

func (s *stubRetriever) Search(context.Context, string, string, int) ([]models.Passage, error) {
	return s.passages, s.err
}

type recordingObserver struct {
	mu     sync.Mutex
	events []string
	states []string
}

func (o *recordingObserver) Event(_ context.Context, name string, attrs map[string]any) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, name)
	if name == "turn_state" {
		o.states = append(o.states, attrs["state"].(string))
	}
}

func (o *recordingObserver) transitions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.states...)
}

func (o *recordingObserver) has(name string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, e := range o.events {
		if e == name {
			return true
		}
	}
	return false
}

type failingHistory struct{}

func (failingHistory) AppendTurn(context.Context, string, int64, string, string) (*models.HistoryEntry, *models.HistoryEntry, error) {
	return nil, nil, errors.New("disk full")
}

type failingTouch struct {
	*store.Sessions
}

func (failingTouch) Touch(context.Context, string) error {
	return errors.New("locked")
}

// stuckSessions never answers a lookup until the caller gives up.
type stuckSessions struct {
	*store.Sessions
}

func (stuckSessions) Resolve(ctx context.Context, _ string) (*models.Session, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type busyExecutor struct{}

func (busyExecutor) Submit(string, func()) error {
	return worker.ErrDispatcherBusy
}

type fixture struct {
	db       *sql.DB
	botID    int64
	sessions *store.Sessions
	history  *store.History
	gen      *fakeGenerator
	ret      *stubRetriever
	obs      *recordingObserver
	deps     Deps
	opts     Options
}

func newFixture(t *testing.T, corpus string, scripts ...script) *fixture {
	t.Helper()
	db, err := storage.Open(config.DatabaseConfig{Driver: "sqlite3", DSN: filepath.Join(t.TempDir(), "turn.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	_, err = storage.Migrate(context.Background(), db, "sqlite3")
	require.NoError(t, err)

	var index any
	if corpus != "" {
		index = corpus
	}
	res, err := db.Exec(`INSERT INTO bots (owner_id, name, index_id) VALUES (1, 'helper', ?)`, index)
	require.NoError(t, err)
	botID, err := res.LastInsertId()
	require.NoError(t, err)

	f := &fixture{
		db:       db,
		botID:    botID,
		sessions: store.NewSessions(db),
		history:  store.NewHistory(db),
		gen:      &fakeGenerator{scripts: scripts},
		ret:      &stubRetriever{},
		obs:      &recordingObserver{},
		opts:     Options{TurnTimeout: 5 * time.Second, FragmentIdleTimeout: 5 * time.Second},
	}
	f.deps = Deps{
		Sessions:  f.sessions,
		History:   f.history,
		Bots:      store.NewBots(db),
		Assembler: assembler.New(f.history, f.ret, assembler.Options{}, nil, zerolog.Nop()),
		Generator: f.gen,
		Observer:  f.obs,
	}
	return f
}

func (f *fixture) coordinator() *Coordinator {
	return New(f.deps, f.opts, zerolog.Nop())
}

func (f *fixture) rows(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.db.QueryRow(`SELECT COUNT(*) FROM history`).Scan(&n))
	return n
}

// drain reads a stream to EOF, returning the fragments and the terminal event.
func drain(t *testing.T, s *Stream) ([]string, Event) {
	t.Helper()
	var (
		frags    []string
		terminal Event
		seen     int
	)
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		if ev.Type == EventFragment {
			require.Zero(t, seen, "fragment after terminal event")
			frags = append(frags, ev.Text)
			continue
		}
		seen++
		terminal = ev
	}
	require.Equal(t, 1, seen, "exactly one terminal event")
	return frags, terminal
}

func TestNewSessionTurnCompletes(t *testing.T) {
	f := newFixture(t, "", script{fragments: []string{"Hel", "lo", "!"}})
	s, err := f.coordinator().RunTurn(context.Background(), Request{BotID: f.botID, Message: "hi"})
	require.NoError(t, err)

	frags, terminal := drain(t, s)
	assert.Equal(t, []string{"Hel", "lo", "!"}, frags)
	assert.Equal(t, EventDone, terminal.Type)
	assert.Equal(t, s.SessionID(), terminal.SessionID)
	assert.Equal(t, StateDone, s.State())
	assert.NoError(t, s.Err())
	s.Close()

	_, err = uuid.Parse(s.SessionID())
	require.NoError(t, err)

	entries, err := f.history.Recent(context.Background(), s.SessionID(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, models.RoleUser, entries[0].Role)
	assert.Equal(t, "hi", entries[0].Message)
	assert.Equal(t, models.RoleAssistant, entries[1].Role)
	assert.Equal(t, "Hello!", entries[1].Message)
	assert.False(t, entries[1].CreatedAt.Before(entries[0].CreatedAt))
	assert.Equal(t, f.botID, entries[1].BotID)
	assert.True(t, f.obs.has("turn_done"))
	assert.Equal(t, []string{"RESOLVING_SESSION", "ASSEMBLING_CONTEXT", "STREAMING", "PERSISTING"}, f.obs.transitions())
}

func TestSecondTurnReusesSession(t *testing.T) {
	f := newFixture(t, "", script{fragments: []string{"first answer"}}, script{fragments: []string{"second answer"}})
	c := f.coordinator()

	s1, err := c.RunTurn(context.Background(), Request{BotID: f.botID, Message: "first question"})
	require.NoError(t, err)
	drain(t, s1)

	s2, err := c.RunTurn(context.Background(), Request{BotID: f.botID, SessionID: s1.SessionID(), Message: "second question"})
	require.NoError(t, err)
	_, terminal := drain(t, s2)
	assert.Equal(t, EventDone, terminal.Type)
	assert.Equal(t, s1.SessionID(), s2.SessionID())

	entries, err := f.history.Recent(context.Background(), s1.SessionID(), 5)
	require.NoError(t, err)
	require.Len(t, entries, 4)
	got := make([]string, 0, len(entries))
	for _, e := range entries {
		got = append(got, e.Message)
	}
	assert.Equal(t, []string{"first question", "first answer", "second question", "second answer"}, got)

	assert.Contains(t, f.gen.lastPrompt().Text, "user: first question\nassistant: first answer")
	assert.False(t, f.obs.has("session_invalid"))
}

func TestRetrievalOutageDegrades(t *testing.T) {
	f := newFixture(t, "docs-1", script{fragments: []string{"still here"}})
	f.ret.err = fmt.Errorf("%w: connection refused", retrieval.ErrBackendUnavailable)

	s, err := f.coordinator().RunTurn(context.Background(), Request{BotID: f.botID, Message: "question"})
	require.NoError(t, err)
	_, terminal := drain(t, s)

	assert.Equal(t, EventDone, terminal.Type)
	assert.Equal(t, 2, f.rows(t))
	assert.True(t, f.obs.has(string(KindRetrievalUnavailable)))
	assert.Contains(t, f.gen.lastPrompt().Text, "Context:\n\n\nUser Question: question")
}

func TestPassagesReachPrompt(t *testing.T) {
	f := newFixture(t, "docs-1")
	f.ret.passages = []models.Passage{{Content: "the sky is blue", Score: 1}}

	s, err := f.coordinator().RunTurn(context.Background(), Request{BotID: f.botID, Message: "sky?"})
	require.NoError(t, err)
	drain(t, s)
	assert.Contains(t, f.gen.lastPrompt().Text, "Context:\nthe sky is blue\n")
	assert.Equal(t, assembler.DefaultSystemPrompt, f.gen.lastPrompt().System)
}

func TestGenerationFailureMidStream(t *testing.T) {
	f := newFixture(t, "", script{
		fragments: []string{"a", "b", "c"},
		failAfter: fmt.Errorf("%w: connection reset", generation.ErrBackend),
	})
	s, err := f.coordinator().RunTurn(context.Background(), Request{BotID: f.botID, Message: "hi"})
	require.NoError(t, err)

	frags, terminal := drain(t, s)
	assert.Equal(t, []string{"a", "b", "c"}, frags)
	assert.Equal(t, EventError, terminal.Type)
	require.NotNil(t, terminal.Err)
	assert.Equal(t, KindGeneration, terminal.Err.Kind)
	assert.ErrorIs(t, s.Err(), generation.ErrBackend)
	assert.Equal(t, StateFailed, s.State())
	assert.Zero(t, f.rows(t))
	assert.True(t, f.obs.has("turn_failed"))
}

func TestGenerationOpenFailure(t *testing.T) {
	f := newFixture(t, "", script{openErr: fmt.Errorf("%w: 401", generation.ErrBackend)})
	s, err := f.coordinator().RunTurn(context.Background(), Request{BotID: f.botID, Message: "hi"})
	require.NoError(t, err)

	frags, terminal := drain(t, s)
	assert.Empty(t, frags)
	assert.Equal(t, KindGeneration, terminal.Err.Kind)
	assert.Zero(t, f.rows(t))
}

func TestAbandonedStreamWritesNothing(t *testing.T) {
	f := newFixture(t, "",
		script{fragments: []string{"done before"}},
		script{fragments: []string{"partial"}, block: true})
	c := f.coordinator()

	first, err := c.RunTurn(context.Background(), Request{BotID: f.botID, Message: "one"})
	require.NoError(t, err)
	drain(t, first)
	require.Equal(t, 2, f.rows(t))

	s, err := c.RunTurn(context.Background(), Request{BotID: f.botID, SessionID: first.SessionID(), Message: "two"})
	require.NoError(t, err)
	ev, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "partial", ev.Text)
	s.Close()

	assert.Equal(t, StateFailed, s.State())
	ev, err = s.Recv()
	require.NoError(t, err)
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, KindCancelled, ev.Err.Kind)
	_, err = s.Recv()
	assert.ErrorIs(t, err, io.EOF)

	entries, err := f.history.Recent(context.Background(), first.SessionID(), 5)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestCallerContextCancelled(t *testing.T) {
	f := newFixture(t, "", script{fragments: []string{"x"}, block: true})
	ctx, cancel := context.WithCancel(context.Background())
	s, err := f.coordinator().RunTurn(ctx, Request{BotID: f.botID, Message: "hi"})
	require.NoError(t, err)

	ev, err := s.Recv()
	require.NoError(t, err)
	assert.Equal(t, "x", ev.Text)
	cancel()

	_, terminal := drain(t, s)
	assert.Equal(t, KindCancelled, terminal.Err.Kind)
	assert.Zero(t, f.rows(t))
}

func TestIdleBackendTimesOut(t *testing.T) {
	f := newFixture(t, "", script{fragments: []string{"slow"}, block: true})
	f.opts.FragmentIdleTimeout = 50 * time.Millisecond

	s, err := f.coordinator().RunTurn(context.Background(), Request{BotID: f.botID, Message: "hi"})
	require.NoError(t, err)
	frags, terminal := drain(t, s)
	assert.Equal(t, []string{"slow"}, frags)
	assert.Equal(t, KindTimeout, terminal.Err.Kind)
	assert.ErrorIs(t, terminal.Err, errIdleTimeout)
	assert.Zero(t, f.rows(t))
}

func TestSlowConsumerDoesNotTripIdleTimeout(t *testing.T) {
	f := newFixture(t, "", script{fragments: []string{"a", "b"}})
	f.opts.FragmentIdleTimeout = 30 * time.Millisecond

	s, err := f.coordinator().RunTurn(context.Background(), Request{BotID: f.botID, Message: "hi"})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	frags, terminal := drain(t, s)
	assert.Equal(t, []string{"a", "b"}, frags)
	assert.Equal(t, EventDone, terminal.Type)
}

func TestTurnDeadline(t *testing.T) {
	f := newFixture(t, "", script{block: true})
	f.opts.TurnTimeout = 50 * time.Millisecond

	s, err := f.coordinator().RunTurn(context.Background(), Request{BotID: f.botID, Message: "hi"})
	require.NoError(t, err)
	_, terminal := drain(t, s)
	assert.Equal(t, KindTimeout, terminal.Err.Kind)
	assert.ErrorIs(t, terminal.Err, errTurnDeadline)
}

func TestPersistenceFailure(t *testing.T) {
	f := newFixture(t, "", script{fragments: []string{"seen", " text"}})
	f.deps.History = failingHistory{}

	s, err := f.coordinator().RunTurn(context.Background(), Request{BotID: f.botID, Message: "hi"})
	require.NoError(t, err)
	frags, terminal := drain(t, s)
	assert.Equal(t, []string{"seen", " text"}, frags)
	assert.Equal(t, KindPersistence, terminal.Err.Kind)
	assert.Zero(t, f.rows(t))
}

func TestTouchFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, "")
	f.deps.Sessions = failingTouch{f.sessions}

	s, err := f.coordinator().RunTurn(context.Background(), Request{BotID: f.botID, Message: "hi"})
	require.NoError(t, err)
	_, terminal := drain(t, s)
	assert.Equal(t, EventDone, terminal.Type)
	assert.Equal(t, 2, f.rows(t))
	assert.True(t, f.obs.has("touch_failed"))
}

func TestInvalidSessionStartsFresh(t *testing.T) {
	f := newFixture(t, "")
	c := f.coordinator()

	s, err := c.RunTurn(context.Background(), Request{BotID: f.botID, SessionID: "no-such-session", Message: "hi"})
	require.NoError(t, err)
	drain(t, s)
	assert.NotEqual(t, "no-such-session", s.SessionID())
	assert.True(t, f.obs.has(string(KindSessionInvalid)))

	res, err := f.db.Exec(`INSERT INTO bots (owner_id, name) VALUES (1, 'other')`)
	require.NoError(t, err)
	otherBot, err := res.LastInsertId()
	require.NoError(t, err)

	s2, err := c.RunTurn(context.Background(), Request{BotID: otherBot, SessionID: s.SessionID(), Message: "hi"})
	require.NoError(t, err)
	drain(t, s2)
	assert.NotEqual(t, s.SessionID(), s2.SessionID())

	sess, err := f.sessions.Resolve(context.Background(), s2.SessionID())
	require.NoError(t, err)
	assert.Equal(t, otherBot, sess.BotID)
}

func TestPreStreamFailures(t *testing.T) {
	f := newFixture(t, "")
	c := f.coordinator()

	_, err := c.RunTurn(context.Background(), Request{BotID: f.botID, Message: "   "})
	assert.Equal(t, KindInvalidRequest, KindOf(err))
	assert.ErrorIs(t, err, ErrEmptyMessage)

	_, err = c.RunTurn(context.Background(), Request{BotID: 9999, Message: "hi"})
	assert.Equal(t, KindInvalidRequest, KindOf(err))
	assert.ErrorIs(t, err, store.ErrBotNotFound)

	f.deps.Executor = busyExecutor{}
	_, err = f.coordinator().RunTurn(context.Background(), Request{BotID: f.botID, Message: "hi"})
	assert.Equal(t, KindOverloaded, KindOf(err))
	assert.ErrorIs(t, err, worker.ErrDispatcherBusy)
	assert.Zero(t, f.rows(t))
}

func TestTurnsRunOnDispatcher(t *testing.T) {
	f := newFixture(t, "")
	d := worker.NewDispatcher(worker.DispatcherConfig{MinWorkers: 1, MaxWorkers: 2, QueueSize: 8}, zerolog.Nop())
	defer d.Close()
	f.deps.Executor = d
	c := f.coordinator()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.RunTurn(context.Background(), Request{BotID: f.botID, Message: fmt.Sprintf("q%d", i)})
			if !assert.NoError(t, err) {
				return
			}
			defer s.Close()
			for {
				ev, err := s.Recv()
				if errors.Is(err, io.EOF) {
					return
				}
				if ev.Type == EventDone || ev.Type == EventError {
					assert.Equal(t, EventDone, ev.Type)
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 8, f.rows(t))
}

func TestTurnDeadlineCoversSessionResolution(t *testing.T) {
	f := newFixture(t, "")
	f.deps.Sessions = stuckSessions{f.sessions}
	f.opts.TurnTimeout = 50 * time.Millisecond

	start := time.Now()
	s, err := f.coordinator().RunTurn(context.Background(), Request{BotID: f.botID, SessionID: "some-session", Message: "hi"})
	assert.Nil(t, s)
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.ErrorIs(t, err, errTurnDeadline)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, []string{"RESOLVING_SESSION"}, f.obs.transitions())
	assert.True(t, f.obs.has("turn_failed"))
	assert.Zero(t, f.rows(t))
}

func TestTurnDeadlineCoversQueueWait(t *testing.T) {
	f := newFixture(t, "")
	f.opts.TurnTimeout = 50 * time.Millisecond
	var queued func()
	f.deps.Executor = executorFunc(func(_ string, run func()) error {
		queued = run
		return nil
	})

	s, err := f.coordinator().RunTurn(context.Background(), Request{BotID: f.botID, Message: "hi"})
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	go queued()

	_, terminal := drain(t, s)
	assert.Equal(t, KindTimeout, terminal.Err.Kind)
	assert.Zero(t, f.rows(t))
}

type executorFunc func(key string, run func()) error

func (e executorFunc) Submit(key string, run func()) error {
	return e(key, run)
}

func TestConcurrentTurnsOnOneSession(t *testing.T) {
	f := newFixture(t, "")
	c := f.coordinator()
	ctx := context.Background()

	first, err := c.RunTurn(ctx, Request{BotID: f.botID, Message: "opening"})
	require.NoError(t, err)
	drain(t, first)
	sessionID := first.SessionID()

	const turns = 6
	f.gen.mu.Lock()
	for i := 0; i < turns; i++ {
		f.gen.scripts = append(f.gen.scripts, script{fragments: []string{"answer"}})
	}
	f.gen.mu.Unlock()

	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := c.RunTurn(ctx, Request{BotID: f.botID, SessionID: sessionID, Message: fmt.Sprintf("q%d", i)})
			if !assert.NoError(t, err) {
				return
			}
			defer s.Close()
			for {
				ev, err := s.Recv()
				if errors.Is(err, io.EOF) {
					return
				}
				if ev.Type == EventError {
					assert.Failf(t, "turn failed", "%v", ev.Err)
				}
			}
		}()
	}
	wg.Wait()

	entries, err := f.history.Page(ctx, sessionID, 0, turns+1)
	require.NoError(t, err)
	require.Len(t, entries, 2*(turns+1))
	for i := 0; i < len(entries); i += 2 {
		user, assistant := entries[i], entries[i+1]
		assert.Equal(t, models.RoleUser, user.Role)
		assert.Equal(t, models.RoleAssistant, assistant.Role)
		assert.False(t, assistant.CreatedAt.Before(user.CreatedAt))
		if i > 0 {
			assert.False(t, user.CreatedAt.Before(entries[i-1].CreatedAt))
		}
	}
}
