package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/zzhangb4/Lishogi-Bot/internal/botapi"
	"github.com/zzhangb4/Lishogi-Bot/internal/config"
	"github.com/zzhangb4/Lishogi-Bot/internal/control"
	"github.com/zzhangb4/Lishogi-Bot/internal/metrics"
	"github.com/zzhangb4/Lishogi-Bot/internal/model"
)

type fakeAPI struct {
	mu         sync.Mutex
	accepted   []string
	declined   []string
	acceptErr  map[string]error
	declineErr map[string]error
	pongs      int
}

func (f *fakeAPI) AcceptChallenge(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.acceptErr[id]; err != nil {
		return err
	}
	f.accepted = append(f.accepted, id)
	return nil
}

func (f *fakeAPI) DeclineChallenge(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.declineErr[id]; err != nil {
		return err
	}
	f.declined = append(f.declined, id)
	return nil
}

func (f *fakeAPI) Pong(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pongs++
	return nil
}

func (f *fakeAPI) snapshot() (accepted, declined []string, pongs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.accepted...), append([]string(nil), f.declined...), f.pongs
}

// fakeSessions records dispatched games and publishes completion like the
// real runner does.
type fakeSessions struct {
	events  *control.Queue
	result  error
	ran     chan string
	release chan struct{} // when set, sessions wait for it to close

	active atomic.Int32
	peak   atomic.Int32
}

func (f *fakeSessions) PlayGame(ctx context.Context, ref control.GameRef) error {
	n := f.active.Add(1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if f.release != nil {
		<-f.release
	}
	f.active.Add(-1)
	err := f.events.Offer(control.Event{Type: control.TypeLocalGameDone, Game: control.GameRef{ID: ref.ID}})
	if f.ran != nil {
		f.ran <- ref.ID
	}
	if f.result != nil {
		return f.result
	}
	return err
}

func (f *fakeSessions) AnalyseGame(ctx context.Context, ref control.GameRef, username string) error {
	return f.PlayGame(ctx, ref)
}

// scriptedSource pushes its events once and then idles until stopped.
type scriptedSource struct {
	events  *control.Queue
	script  []control.Event
	stopped chan struct{}
}

func (s *scriptedSource) Run(ctx context.Context) error {
	for _, ev := range s.script {
		if err := s.events.Push(ev); err != nil {
			return err
		}
	}
	<-ctx.Done()
	close(s.stopped)
	return nil
}

func challenge(id string, rating int) control.Event {
	return control.Event{Type: control.TypeChallenge, Challenge: &model.Challenge{
		ID:         id,
		Variant:    model.VariantRef{Key: "standard"},
		Speed:      "rapid",
		Challenger: &model.Player{Name: "p-" + id, Rating: rating},
	}}
}

func gameStart(id string) control.Event {
	return control.Event{Type: control.TypeGameStart, Game: control.GameRef{ID: id, SkillLevel: control.DefaultSkillLevel}}
}

func newTestScheduler(t *testing.T, maxGames int, sortBy string, api *fakeAPI) *Scheduler {
	t.Helper()
	events := control.NewQueue(0)
	cfg := Config{Challenge: config.ChallengeConfig{Concurrency: maxGames, SortBy: sortBy}}
	return New(cfg, api, events, nil, &fakeSessions{events: events}, WithMetrics(metrics.NewRecorder()))
}

func mustStep(t *testing.T, s *Scheduler, ev control.Event) {
	t.Helper()
	if err := s.step(context.Background(), context.Background(), ev); err != nil {
		t.Fatalf("step %v: %v", ev, err)
	}
	if total := s.slots.Queued + s.slots.Busy; total < 0 || total > s.maxGames {
		t.Fatalf("slots out of budget after %v: %+v", ev, s.slots)
	}
}

func TestQueueStaysSortedByScore(t *testing.T) {
	q := NewChallengeQueue(true)
	ratings := []int{1500, 1200, 1800, 1500, 900, 2100, 1200}
	for i, r := range ratings {
		q.Add(&model.Challenge{ID: fmt.Sprintf("c%d", i), Challenger: &model.Player{Rating: r}})
		snap := q.Snapshot()
		for j := 1; j < len(snap); j++ {
			if snap[j-1].Score() < snap[j].Score() {
				t.Fatalf("queue not sorted after insert %d: %d before %d", i, snap[j-1].Score(), snap[j].Score())
			}
		}
	}

	var got []string
	for {
		c, ok := q.Next()
		if !ok {
			break
		}
		got = append(got, c.ID)
	}
	want := []string{"c5", "c2", "c0", "c3", "c1", "c6", "c4"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
}

func TestQueueFIFOIgnoresScore(t *testing.T) {
	q := NewChallengeQueue(false)
	for i, r := range []int{100, 900, 500} {
		q.Add(&model.Challenge{ID: fmt.Sprintf("c%d", i), Challenger: &model.Player{Rating: r}})
	}
	if q.Add(&model.Challenge{ID: "c1"}) {
		t.Fatalf("duplicate id must not be queued twice")
	}
	var got []string
	for _, c := range q.Snapshot() {
		got = append(got, c.ID)
	}
	if diff := cmp.Diff([]string{"c0", "c1", "c2"}, got); diff != "" {
		t.Fatalf("order (-want +got):\n%s", diff)
	}
}

func TestBestScoreAcceptedAsSlotsFree(t *testing.T) {
	api := &fakeAPI{}
	s := newTestScheduler(t, 2, config.SortBest, api)
	s.slots.Busy = 2

	mustStep(t, s, challenge("ten", 10))
	mustStep(t, s, challenge("five", 5))
	mustStep(t, s, challenge("eight", 8))
	if accepted, _, _ := api.snapshot(); len(accepted) != 0 {
		t.Fatalf("accepted with no free slot: %v", accepted)
	}

	mustStep(t, s, control.Event{Type: control.TypeLocalGameDone})
	mustStep(t, s, control.Event{Type: control.TypeLocalGameDone})

	accepted, _, _ := api.snapshot()
	if diff := cmp.Diff([]string{"ten", "eight"}, accepted); diff != "" {
		t.Fatalf("acceptance order (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"five"}, s.Pending()); diff != "" {
		t.Fatalf("pending (-want +got):\n%s", diff)
	}
	if s.Slots() != (Slots{Queued: 2, Busy: 0}) {
		t.Fatalf("slots: %+v", s.Slots())
	}

	mustStep(t, s, gameStart("g-ten"))
	mustStep(t, s, gameStart("g-eight"))
	mustStep(t, s, control.Event{Type: control.TypeLocalGameDone})
	accepted, _, _ = api.snapshot()
	if diff := cmp.Diff([]string{"ten", "eight", "five"}, accepted); diff != "" {
		t.Fatalf("acceptance order (-want +got):\n%s", diff)
	}
	s.pool.wait()
}

func TestAcceptNotFoundIsSkipped(t *testing.T) {
	api := &fakeAPI{acceptErr: map[string]error{
		"gone": &botapi.HTTPError{Method: "POST", Path: "/api/challenge/gone/accept", StatusCode: 404},
	}}
	s := newTestScheduler(t, 1, config.SortFIFO, api)

	mustStep(t, s, challenge("gone", 1500))
	if s.Slots() != (Slots{}) {
		t.Fatalf("withdrawn challenge changed counters: %+v", s.Slots())
	}
	mustStep(t, s, challenge("next", 1500))
	accepted, _, _ := api.snapshot()
	if diff := cmp.Diff([]string{"next"}, accepted); diff != "" {
		t.Fatalf("accepted (-want +got):\n%s", diff)
	}
	if s.Slots() != (Slots{Queued: 1}) {
		t.Fatalf("slots: %+v", s.Slots())
	}
}

func TestAcceptFailureIsFatal(t *testing.T) {
	api := &fakeAPI{acceptErr: map[string]error{
		"bad": &botapi.HTTPError{Method: "POST", Path: "/api/challenge/bad/accept", StatusCode: 500},
	}}
	s := newTestScheduler(t, 1, config.SortBest, api)

	err := s.step(context.Background(), context.Background(), challenge("bad", 1500))
	if _, ok := botapi.AsHTTPError(err); !ok {
		t.Fatalf("expected accept failure, got %v", err)
	}
}

func TestDeclineNotFoundIsIdempotent(t *testing.T) {
	api := &fakeAPI{declineErr: map[string]error{
		"gone": &botapi.HTTPError{Method: "POST", Path: "/api/challenge/gone/decline", StatusCode: 404},
	}}
	events := control.NewQueue(0)
	cfg := Config{Challenge: config.ChallengeConfig{Concurrency: 1, Variants: []string{"shogi"}}}
	s := New(cfg, api, events, nil, &fakeSessions{events: events})

	mustStep(t, s, challenge("gone", 1500))
	mustStep(t, s, challenge("chess", 1500))
	accepted, declined, _ := api.snapshot()
	if len(accepted) != 0 {
		t.Fatalf("unsupported variant accepted: %v", accepted)
	}
	if diff := cmp.Diff([]string{"chess"}, declined); diff != "" {
		t.Fatalf("declined (-want +got):\n%s", diff)
	}
	if s.Slots() != (Slots{}) || s.queue.Len() != 0 {
		t.Fatalf("decline changed state: %+v len=%d", s.Slots(), s.queue.Len())
	}
}

func TestCountersStayWithinBudget(t *testing.T) {
	api := &fakeAPI{}
	s := newTestScheduler(t, 2, config.SortBest, api)
	script := []control.Event{
		challenge("a", 1), challenge("b", 2), challenge("c", 3), challenge("d", 4),
		gameStart("ga"), {Type: control.TypePing},
		gameStart("gb"), challenge("e", 5),
		{Type: control.TypeLocalGameDone},
		gameStart("gc"),
		{Type: control.TypeLocalGameDone}, {Type: control.TypeLocalGameDone},
		{Type: control.TypeLocalGameDone},
	}
	for _, ev := range script {
		mustStep(t, s, ev)
	}
	s.pool.wait()
	if _, _, pongs := api.snapshot(); pongs != 1 {
		t.Fatalf("pongs: %d", pongs)
	}
}

func TestGameStartWithoutQueuedSlotStillDispatches(t *testing.T) {
	api := &fakeAPI{}
	events := control.NewQueue(0)
	ran := make(chan string, 1)
	cfg := Config{Challenge: config.ChallengeConfig{Concurrency: 1}}
	s := New(cfg, api, events, nil, &fakeSessions{events: events, ran: ran})

	mustStep(t, s, gameStart("rogue"))
	if got := <-ran; got != "rogue" {
		t.Fatalf("dispatched %q", got)
	}
	if s.Slots() != (Slots{Busy: 1}) {
		t.Fatalf("slots: %+v", s.Slots())
	}
	s.pool.wait()
}

func TestDispatchNeverBlocksTheLoop(t *testing.T) {
	api := &fakeAPI{}
	events := control.NewQueue(0)
	sessions := &fakeSessions{events: events, release: make(chan struct{})}
	cfg := Config{Challenge: config.ChallengeConfig{Concurrency: 1}}
	s := New(cfg, api, events, nil, sessions)

	stepped := make(chan error, 1)
	go func() {
		for _, ev := range []control.Event{gameStart("g1"), gameStart("g2"), gameStart("g3"), {Type: control.TypePing}} {
			if err := s.step(context.Background(), context.Background(), ev); err != nil {
				stepped <- err
				return
			}
		}
		stepped <- nil
	}()
	select {
	case err := <-stepped:
		if err != nil {
			t.Fatalf("step: %v", err)
		}
	case <-time.After(2 * time.Second):
		close(sessions.release)
		t.Fatalf("loop blocked dispatching while every worker was busy")
	}
	if _, _, pongs := api.snapshot(); pongs != 1 {
		t.Fatalf("ping after busy dispatch not answered: pongs=%d", pongs)
	}
	if s.Slots() != (Slots{Busy: 3}) {
		t.Fatalf("slots: %+v", s.Slots())
	}

	close(sessions.release)
	s.pool.wait()
	if peak := sessions.peak.Load(); peak > 2 {
		t.Fatalf("%d sessions ran at once, limit is 2", peak)
	}
}

func TestDuplicateGameStartIsSkipped(t *testing.T) {
	api := &fakeAPI{}
	events := control.NewQueue(0)
	ran := make(chan string, 3)
	cfg := Config{Challenge: config.ChallengeConfig{Concurrency: 2}}
	s := New(cfg, api, events, nil, &fakeSessions{events: events, ran: ran})

	mustStep(t, s, gameStart("g1"))
	mustStep(t, s, gameStart("g1"))
	if s.Slots() != (Slots{Busy: 1}) {
		t.Fatalf("repeated gameStart changed counters: %+v", s.Slots())
	}
	mustStep(t, s, control.Event{Type: control.TypeLocalGameDone, Game: control.GameRef{ID: "g1"}})
	mustStep(t, s, gameStart("g1"))
	s.pool.wait()
	close(ran)

	var got []string
	for id := range ran {
		got = append(got, id)
	}
	if diff := cmp.Diff([]string{"g1", "g1"}, got); diff != "" {
		t.Fatalf("sessions (-want +got):\n%s", diff)
	}
}

func runWithTimeout(t *testing.T, s *Scheduler, ctx context.Context) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatalf("scheduler did not stop")
		return nil
	}
}

func TestRunPlaysAcceptedGameAndDrainsOnShutdown(t *testing.T) {
	api := &fakeAPI{}
	events := control.NewQueue(0)
	ran := make(chan string, 1)
	source := &scriptedSource{
		events:  events,
		script:  []control.Event{{Type: control.TypeConnected}, challenge("c1", 1500), gameStart("g1"), {Type: control.TypePing}},
		stopped: make(chan struct{}),
	}
	cfg := Config{Challenge: config.ChallengeConfig{Concurrency: 1, SortBy: config.SortBest}}
	s := New(cfg, api, events, source, &fakeSessions{events: events, ran: ran})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-ran
		for {
			if _, _, pongs := api.snapshot(); pongs > 0 {
				cancel()
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	if err := runWithTimeout(t, s, ctx); err != nil {
		t.Fatalf("graceful shutdown returned %v", err)
	}
	select {
	case <-source.stopped:
	default:
		t.Fatalf("event source was not stopped")
	}
	accepted, _, _ := api.snapshot()
	if diff := cmp.Diff([]string{"c1"}, accepted); diff != "" {
		t.Fatalf("accepted (-want +got):\n%s", diff)
	}
	if err := events.Push(control.Event{Type: control.TypePing}); !errors.Is(err, control.ErrQueueClosed) {
		t.Fatalf("queue should be closed after Run, got %v", err)
	}
}

func TestRunStopsOnQueueOverflow(t *testing.T) {
	api := &fakeAPI{}
	events := control.NewQueue(0)
	source := &scriptedSource{
		events:  events,
		script:  []control.Event{challenge("c1", 1500), gameStart("g1")},
		stopped: make(chan struct{}),
	}
	cfg := Config{Challenge: config.ChallengeConfig{Concurrency: 1}}
	sessions := &fakeSessions{events: events, result: fmt.Errorf("publish local_game_done: %w", control.ErrQueueFull)}
	s := New(cfg, api, events, source, sessions)

	err := runWithTimeout(t, s, context.Background())
	if !errors.Is(err, control.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}
