package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/zzhangb4/Lishogi-Bot/internal/botapi"
	"github.com/zzhangb4/Lishogi-Bot/internal/control"
	"github.com/zzhangb4/Lishogi-Bot/internal/conversation"
	"github.com/zzhangb4/Lishogi-Bot/internal/model"
	"github.com/zzhangb4/Lishogi-Bot/internal/movesource"
	"github.com/zzhangb4/Lishogi-Bot/internal/retry"
	"github.com/zzhangb4/Lishogi-Bot/internal/teststubs"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// script is one game stream. onBlank runs before every heartbeat is handed
// out; end is returned after the last line (io.EOF when nil).
type script struct {
	lines   []string
	end     error
	onBlank func()
}

type scriptStream struct {
	s      script
	closed bool
}

func (st *scriptStream) Next() ([]byte, error) {
	if len(st.s.lines) == 0 {
		if st.s.end != nil {
			return nil, st.s.end
		}
		return nil, io.EOF
	}
	line := st.s.lines[0]
	st.s.lines = st.s.lines[1:]
	if line == "" && st.s.onBlank != nil {
		st.s.onBlank()
	}
	return []byte(line), nil
}

func (st *scriptStream) Close() error {
	st.closed = true
	return nil
}

type fakeAPI struct {
	mu        sync.Mutex
	clock     *fakeClock
	scripts   []script
	streamErr []error
	opens     int
	moves     []string
	moveErr   error
	aborts    []time.Time
	ongoing   []botapi.OngoingGame
	ongoingQs int
	analysis  []botapi.AnalysisRequest
}

func (f *fakeAPI) StreamGame(ctx context.Context, gameID string) (botapi.LineStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opens++
	if len(f.streamErr) > 0 {
		err := f.streamErr[0]
		f.streamErr = f.streamErr[1:]
		if err != nil {
			return nil, err
		}
	}
	if len(f.scripts) == 0 {
		return nil, errors.New("no script left")
	}
	s := f.scripts[0]
	f.scripts = f.scripts[1:]
	return &scriptStream{s: s}, nil
}

func (f *fakeAPI) MakeMove(ctx context.Context, gameID, move string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.moveErr != nil {
		return f.moveErr
	}
	f.moves = append(f.moves, move)
	return nil
}

func (f *fakeAPI) Abort(ctx context.Context, gameID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	at := time.Time{}
	if f.clock != nil {
		at = f.clock.Now()
	}
	f.aborts = append(f.aborts, at)
	return nil
}

func (f *fakeAPI) OngoingGames(ctx context.Context) ([]botapi.OngoingGame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ongoingQs++
	return f.ongoing, nil
}

func (f *fakeAPI) Analysis(ctx context.Context, gameID string, req botapi.AnalysisRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analysis = append(f.analysis, req)
	return nil
}

func snapshot(id, white, black, moves string) string {
	return fmt.Sprintf(`{"type":"gameFull","id":%q,"variant":{"key":"standard","name":"Standard"},`+
		`"clock":{"initial":60000,"increment":1000},"speed":"rapid","rated":false,`+
		`"white":{"id":%q,"name":%q},"black":{"id":%q,"name":%q},"initialFen":"startpos",`+
		`"state":{"type":"gameState","moves":%q,"wtime":60000,"btime":60000,"winc":1000,"binc":1000,"status":"started"}}`,
		id, white, white, black, black, moves)
}

func gameState(moves string, status string) string {
	return fmt.Sprintf(`{"type":"gameState","moves":%q,"wtime":50000,"btime":40000,"winc":1000,"binc":1000,"status":%q}`, moves, status)
}

func fastPolicy() retry.Policy {
	return retry.Policy{InitialInterval: time.Millisecond, MaxInterval: time.Millisecond, MaxElapsed: 5 * time.Second}
}

type harness struct {
	api     *fakeAPI
	factory *teststubs.StubFactory
	engine  *teststubs.StubEngine
	queue   *control.Queue
	clock   *fakeClock
	runner  *Runner
}

func newHarness(t *testing.T, book movesource.BookLookup, scripts ...script) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	eng := &teststubs.StubEngine{Move: "e7e5"}
	h := &harness{
		api:     &fakeAPI{clock: clock, scripts: scripts},
		factory: &teststubs.StubFactory{Engine: eng},
		engine:  eng,
		queue:   control.NewQueue(0),
		clock:   clock,
	}
	h.runner = NewRunner(Config{
		Username:  "shogibot",
		BaseURL:   "https://lishogi.org",
		AbortTime: func(string) time.Duration { return 20 * time.Second },
		Retry:     fastPolicy(),
	}, Deps{
		API:     h.api,
		Engines: h.factory,
		Moves:   movesource.New(book, 8, 100*time.Millisecond, nil),
		Events:  h.queue,
		Now:     clock.Now,
		Sleep:   func(ctx context.Context, d time.Duration) error { return nil },
	})
	return h
}

func (h *harness) published(t *testing.T) int {
	t.Helper()
	n := 0
	for h.queue.Len() > 0 {
		ev, err := h.queue.Pop(context.Background())
		if err != nil {
			t.Fatalf("Pop: %v", err)
		}
		if ev.Type != control.TypeLocalGameDone || ev.Game.ID == "" {
			t.Fatalf("unexpected event %v (game %q)", ev, ev.Game.ID)
		}
		n++
	}
	return n
}

func TestAbortOnFifthHeartbeatPastDeadline(t *testing.T) {
	s := script{
		lines: []string{snapshot("g1", "human", "shogibot", ""), "", "", "", "", "", "", ""},
	}
	h := newHarness(t, nil, s)
	start := h.clock.Now()
	h.api.scripts[0].onBlank = func() { h.clock.Advance(5 * time.Second) }

	if err := h.runner.PlayGame(context.Background(), control.GameRef{ID: "g1", SkillLevel: 8}); err != nil {
		t.Fatalf("PlayGame: %v", err)
	}
	if len(h.api.aborts) != 1 {
		t.Fatalf("expected exactly one abort, got %d", len(h.api.aborts))
	}
	if want := start.Add(25 * time.Second); !h.api.aborts[0].Equal(want) {
		t.Fatalf("abort at %v, want %v (fifth heartbeat)", h.api.aborts[0], want)
	}
	if got := h.published(t); got != 1 {
		t.Fatalf("expected one local_game_done, got %d", got)
	}
}

func TestSteadyMoveResetsAbortDeadline(t *testing.T) {
	s := script{
		lines: []string{
			snapshot("g1", "human", "shogibot", ""),
			"", "", "",
			gameState("e2e4", "started"),
			"", "", "",
			gameState("e2e4 e7e5", "started"),
			"", "",
			`{"type":"gameEnd"}`,
		},
	}
	h := newHarness(t, nil, s)
	h.api.scripts[0].onBlank = func() { h.clock.Advance(5 * time.Second) }

	if err := h.runner.PlayGame(context.Background(), control.GameRef{ID: "g1", SkillLevel: 8}); err != nil {
		t.Fatalf("PlayGame: %v", err)
	}
	if len(h.api.aborts) != 0 {
		t.Fatalf("abort requested while moves kept coming: %v", h.api.aborts)
	}
	if diff := cmp.Diff([]string{"e7e5"}, h.api.moves); diff != "" {
		t.Fatalf("moves (-want +got):\n%s", diff)
	}
}

func TestOpeningUsesBookThenSearch(t *testing.T) {
	s := script{
		lines: []string{
			snapshot("g2", "shogibot", "human", ""),
			`{"type":"chatLine","username":"human","text":"hi","room":"player"}`,
			gameState("e2e4", "started"),
			gameState("e2e4 e7e5", "started"),
			`{"type":"opponentGone","gone":false}`,
			gameState("e2e4 e7e5 g1f3", "started"),
			`{"type":"gameEnd"}`,
		},
	}
	book := &teststubs.StubBook{Move: "e2e4"}
	h := newHarness(t, book, s)
	h.runner.deps.Moves = movesource.New(book, 1, 100*time.Millisecond, nil)
	h.engine.Move = "g1f3"

	if err := h.runner.PlayGame(context.Background(), control.GameRef{ID: "g2", SkillLevel: 3}); err != nil {
		t.Fatalf("PlayGame: %v", err)
	}
	if diff := cmp.Diff([]string{"e2e4", "g1f3"}, h.api.moves); diff != "" {
		t.Fatalf("moves (-want +got):\n%s", diff)
	}
	searches, first, _ := h.engine.Snapshot()
	if len(first) != 0 {
		t.Fatalf("first search ran despite book hit")
	}
	if len(searches) != 1 || searches[0].WTime != 50*time.Second || searches[0].BTime != 40*time.Second {
		t.Fatalf("search times: %+v", searches)
	}
	if book.Calls.Load() != 1 {
		t.Fatalf("book consulted %d times, want only for the opening", book.Calls.Load())
	}
	if h.engine.SkillLevel != 3 || h.engine.Initial != time.Minute || h.engine.Increment != time.Second {
		t.Fatalf("engine setup: skill=%d initial=%v inc=%v", h.engine.SkillLevel, h.engine.Initial, h.engine.Increment)
	}
	if h.engine.QuitCalls.Load() != 1 {
		t.Fatalf("engine quit %d times", h.engine.QuitCalls.Load())
	}
}

func TestOpeningFirstSearchWithoutBook(t *testing.T) {
	s := script{lines: []string{snapshot("g3", "shogibot", "human", "")}}
	h := newHarness(t, nil, s)
	h.engine.Move = "d2d4"

	if err := h.runner.PlayGame(context.Background(), control.GameRef{ID: "g3", SkillLevel: 8}); err != nil {
		t.Fatalf("PlayGame: %v", err)
	}
	_, first, _ := h.engine.Snapshot()
	if len(first) != 1 || first[0] != 100*time.Millisecond {
		t.Fatalf("first search budget: %v", first)
	}
	if diff := cmp.Diff([]string{"d2d4"}, h.api.moves); diff != "" {
		t.Fatalf("moves (-want +got):\n%s", diff)
	}
}

func TestThinkTimeSleepsBeforeSteadyMoves(t *testing.T) {
	s := script{
		lines: []string{
			snapshot("g4", "human", "shogibot", "a b c d e f g h i"),
			gameState("a b c d e f g h i j", "started"),
			gameState("a b c d e f g h i j k", "started"),
			`{"type":"gameEnd"}`,
		},
	}
	h := newHarness(t, nil, s)
	h.runner.cfg.FakeThinkTime = true
	var slept []time.Duration
	h.runner.deps.Sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}

	if err := h.runner.PlayGame(context.Background(), control.GameRef{ID: "g4", SkillLevel: 8}); err != nil {
		t.Fatalf("PlayGame: %v", err)
	}
	// Opening move after nine plies has no pause; the reply at ply 11 waits
	// 1.5% of black's 40s.
	if diff := cmp.Diff([]time.Duration{600 * time.Millisecond}, slept); diff != "" {
		t.Fatalf("sleeps (-want +got):\n%s", diff)
	}
	if len(h.api.moves) != 2 {
		t.Fatalf("moves: %v", h.api.moves)
	}
}

func TestChatHandlerFailureDoesNotStopGame(t *testing.T) {
	s := script{
		lines: []string{
			snapshot("g5", "human", "shogibot", ""),
			`{"type":"chatLine","username":"human","text":"boom","room":"player"}`,
			gameState("e2e4", "started"),
			`{"type":"gameEnd"}`,
		},
	}
	h := newHarness(t, nil, s)
	var calls int
	h.runner.deps.Chat = conversation.HandlerFunc(func(ctx context.Context, line model.ChatLine, game *model.Game) error {
		calls++
		panic("handler bug")
	})

	if err := h.runner.PlayGame(context.Background(), control.GameRef{ID: "g5"}); err != nil {
		t.Fatalf("PlayGame: %v", err)
	}
	if calls != 1 || len(h.api.moves) != 1 {
		t.Fatalf("calls=%d moves=%v", calls, h.api.moves)
	}
}

func TestClientRejectionForFinishedGameIsAbandoned(t *testing.T) {
	s := script{lines: []string{snapshot("g6", "shogibot", "human", "")}}
	h := newHarness(t, nil, s)
	h.api.moveErr = &botapi.HTTPError{Method: "POST", Path: "/api/bot/game/g6/move/e7e5", StatusCode: 400}
	h.api.ongoing = []botapi.OngoingGame{{GameID: "other"}}

	if err := h.runner.PlayGame(context.Background(), control.GameRef{ID: "g6"}); err != nil {
		t.Fatalf("expected graceful abandonment, got %v", err)
	}
	if h.api.opens != 1 || h.api.ongoingQs != 1 {
		t.Fatalf("opens=%d ongoing queries=%d", h.api.opens, h.api.ongoingQs)
	}
	if got := h.published(t); got != 1 {
		t.Fatalf("expected one local_game_done, got %d", got)
	}
}

func TestClientRejectionForOngoingGameEscalates(t *testing.T) {
	s := script{lines: []string{snapshot("g7", "shogibot", "human", "")}}
	h := newHarness(t, nil, s)
	h.api.moveErr = &botapi.HTTPError{Method: "POST", Path: "/api/bot/game/g7/move/e7e5", StatusCode: 400}
	h.api.ongoing = []botapi.OngoingGame{{GameID: "g7"}}

	err := h.runner.PlayGame(context.Background(), control.GameRef{ID: "g7"})
	if !botapi.IsClientRejection(err) {
		t.Fatalf("expected client rejection, got %v", err)
	}
	if errors.Is(err, control.ErrQueueFull) {
		t.Fatalf("session failure must not look like a full queue")
	}
	if got := h.published(t); got != 1 {
		t.Fatalf("expected one local_game_done, got %d", got)
	}
}

func TestTransientFailureIsRetried(t *testing.T) {
	first := script{
		lines: []string{snapshot("g8", "human", "shogibot", "")},
		end:   errors.New("connection reset by peer"),
	}
	second := script{
		lines: []string{snapshot("g8", "human", "shogibot", ""), gameState("e2e4", "started"), `{"type":"gameEnd"}`},
	}
	h := newHarness(t, nil, first, second)
	h.factory.Engine = nil
	h.factory.Make = func() *teststubs.StubEngine { return &teststubs.StubEngine{Move: "e7e5"} }

	if err := h.runner.PlayGame(context.Background(), control.GameRef{ID: "g8"}); err != nil {
		t.Fatalf("PlayGame: %v", err)
	}
	if h.api.opens != 2 {
		t.Fatalf("expected two stream opens, got %d", h.api.opens)
	}
	engines := h.factory.Engines()
	if len(engines) != 2 {
		t.Fatalf("expected a fresh engine per attempt, got %d", len(engines))
	}
	for i, e := range engines {
		if e.QuitCalls.Load() != 1 {
			t.Fatalf("engine %d quit %d times", i, e.QuitCalls.Load())
		}
	}
	if got := h.published(t); got != 1 {
		t.Fatalf("local_game_done must be published once, got %d", got)
	}
}

func TestReconnectKeepsAbortDeadline(t *testing.T) {
	first := script{
		lines: []string{snapshot("g10", "human", "shogibot", ""), "", "", ""},
		end:   errors.New("connection reset by peer"),
	}
	second := script{
		lines: []string{snapshot("g10", "human", "shogibot", ""), "", ""},
	}
	h := newHarness(t, nil, first, second)
	start := h.clock.Now()
	tick := func() { h.clock.Advance(5 * time.Second) }
	h.api.scripts[0].onBlank = tick
	h.api.scripts[1].onBlank = tick

	if err := h.runner.PlayGame(context.Background(), control.GameRef{ID: "g10", SkillLevel: 8}); err != nil {
		t.Fatalf("PlayGame: %v", err)
	}
	if h.api.opens != 2 {
		t.Fatalf("expected a reconnect, got %d opens", h.api.opens)
	}
	if len(h.api.aborts) != 1 {
		t.Fatalf("deadline from the first attempt must survive the reconnect, aborts=%v", h.api.aborts)
	}
	if want := start.Add(25 * time.Second); !h.api.aborts[0].Equal(want) {
		t.Fatalf("abort at %v, want %v", h.api.aborts[0], want)
	}
}

func TestMalformedGameRecordIsTerminal(t *testing.T) {
	s := script{lines: []string{snapshot("g9", "human", "shogibot", ""), `{"type":`}}
	h := newHarness(t, nil, s, s)

	err := h.runner.PlayGame(context.Background(), control.GameRef{ID: "g9"})
	var malformed *control.MalformedRecordError
	if !errors.As(err, &malformed) {
		t.Fatalf("expected malformed record error, got %v", err)
	}
	if h.api.opens != 1 {
		t.Fatalf("malformed record must not be retried, opens=%d", h.api.opens)
	}
}

func TestFullQueueIsReported(t *testing.T) {
	s := script{lines: []string{snapshot("g10", "human", "shogibot", ""), `{"type":"gameEnd"}`}}
	h := newHarness(t, nil, s)
	full := control.NewQueue(1)
	if err := full.Offer(control.Event{Type: control.TypePing}); err != nil {
		t.Fatalf("Offer: %v", err)
	}
	h.runner.deps.Events = full

	err := h.runner.PlayGame(context.Background(), control.GameRef{ID: "g10"})
	if !errors.Is(err, control.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestAnalysisWalksBackward(t *testing.T) {
	s := script{lines: []string{"", snapshot("g11", "shogibot", "human", "e2e4 e7e5 g1f3")}}
	h := newHarness(t, nil, s)

	if err := h.runner.AnalyseGame(context.Background(), control.GameRef{ID: "g11"}, "reviewer"); err != nil {
		t.Fatalf("AnalyseGame: %v", err)
	}
	var plies []int
	var colors []string
	for _, req := range h.api.analysis {
		plies = append(plies, req.Ply)
		colors = append(colors, req.Color)
		if req.Username != "reviewer" {
			t.Fatalf("username %q", req.Username)
		}
	}
	if diff := cmp.Diff([]int{3, 2, 1}, plies); diff != "" {
		t.Fatalf("plies (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"b", "w", "b"}, colors); diff != "" {
		t.Fatalf("colors (-want +got):\n%s", diff)
	}
	if len(h.api.moves) != 0 {
		t.Fatalf("analysis submitted moves: %v", h.api.moves)
	}
	if got := h.published(t); got != 1 {
		t.Fatalf("expected one local_game_done, got %d", got)
	}
}

func TestThinkTime(t *testing.T) {
	cases := []struct {
		name      string
		plies     int
		initial   time.Duration
		remaining time.Duration
		want      time.Duration
	}{
		{"opening plies", 9, 10 * time.Minute, 10 * time.Minute, 0},
		{"early middlegame", 10, time.Minute, 2 * time.Minute, 900 * time.Millisecond},
		{"capped", 12, time.Hour, time.Hour, 5 * time.Second},
		{"accelerated", 95, time.Minute, time.Minute, 450 * time.Millisecond},
		{"floor of accel", 200, time.Minute, time.Minute, 300 * time.Millisecond},
	}
	for _, tc := range cases {
		got := ThinkTime(tc.plies, tc.initial, tc.remaining)
		if d := got - tc.want; d < -time.Millisecond || d > time.Millisecond {
			t.Fatalf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateSteady.String() != "steady" || State(9).String() != "state(9)" {
		t.Fatalf("unexpected names %q %q", StateSteady, State(9))
	}
}
