package scheduler

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/zzhangb4/Lishogi-Bot/internal/config"
	"github.com/zzhangb4/Lishogi-Bot/internal/control"
	"github.com/zzhangb4/Lishogi-Bot/internal/metrics"
	"github.com/zzhangb4/Lishogi-Bot/internal/obslog"
)

// API is the part of the server API the loop calls itself.
type API interface {
	AcceptChallenge(ctx context.Context, challengeID string) error
	DeclineChallenge(ctx context.Context, challengeID string) error
	Pong(ctx context.Context) error
}

// EventSource produces control events until ctx ends. *control.Consumer
// satisfies it.
type EventSource interface {
	Run(ctx context.Context) error
}

// Slots counts accepted-but-not-started games and running sessions.
type Slots struct {
	Queued int
	Busy   int
}

type Config struct {
	Challenge config.ChallengeConfig
}

// Scheduler is the control loop. Only the goroutine inside Run touches the
// challenge queue and the slot counters.
type Scheduler struct {
	cfg      Config
	maxGames int
	api      API
	events   *control.Queue
	source   EventSource
	sessions Sessions
	metrics  *metrics.Recorder
	log      *zap.Logger

	queue   *ChallengeQueue
	slots   Slots
	pool    *dispatcher
	running map[string]struct{} // game ids with a live session

	mu       sync.Mutex
	fatalErr error
	cancel   context.CancelCauseFunc
}

type Option func(*Scheduler)

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Scheduler) { s.metrics = m }
}

func New(cfg Config, api API, events *control.Queue, source EventSource, sessions Sessions, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		maxGames: max(cfg.Challenge.Concurrency, 1),
		api:      api,
		events:   events,
		source:   source,
		sessions: sessions,
		queue:    NewChallengeQueue(cfg.Challenge.SortBy != config.SortFIFO),
		running:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = obslog.Or(s.log).With(zap.String("component", "scheduler"))
	// One worker more than games so a session finishing never waits on a
	// new one starting.
	s.pool = newDispatcher(s.maxGames+1, sessions, events, s.fail, s.log)
	return s
}

// Run processes control events in arrival order until ctx ends, the queue
// closes or a fatal error occurs. The event source is stopped and joined,
// then running sessions are awaited; they are not cancelled. A graceful
// shutdown returns nil.
func (s *Scheduler) Run(ctx context.Context) error {
	loopCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	sourceCtx, stopSource := context.WithCancel(loopCtx)
	sourceDone := make(chan error, 1)
	if s.source != nil {
		go func() { sourceDone <- s.source.Run(sourceCtx) }()
	} else {
		sourceDone <- nil
	}

	sessionCtx := context.WithoutCancel(ctx)
	s.log.Info("scheduler_started", zap.Int("max_games", s.maxGames), zap.String("sort_by", s.cfg.Challenge.SortBy))
	for loopCtx.Err() == nil {
		ev, err := s.events.Pop(loopCtx)
		if err != nil {
			if errors.Is(err, control.ErrQueueClosed) {
				s.log.Info("event_queue_closed")
			}
			break
		}
		if err := s.step(loopCtx, sessionCtx, ev); err != nil {
			if loopCtx.Err() == nil {
				s.fail(err)
			}
			break
		}
	}

	stopSource()
	if err := <-sourceDone; err != nil {
		s.log.Warn("event_source_stopped", zap.Error(err))
	}
	s.log.Info("waiting_for_sessions", zap.Int("busy", s.slots.Busy))
	s.pool.wait()
	s.events.Close()

	err := s.err()
	if err != nil {
		s.log.Error("scheduler_failed", zap.Error(err))
	} else {
		s.log.Info("scheduler_stopped")
	}
	return err
}

// step handles one event and then fills free slots from the challenge queue.
func (s *Scheduler) step(ctx, sessionCtx context.Context, ev control.Event) error {
	s.log.Debug("control_event", zap.String("event_type", string(ev.Type)), zap.Stringer("event", ev))

	switch ev.Type {
	case control.TypeConnected:
		s.log.Info("control_connected")
	case control.TypePing:
		if err := s.api.Pong(ctx); err != nil {
			s.log.Warn("pong_failed", zap.Error(err))
		}
	case control.TypeTerminated:
		s.log.Info("control_terminated")
	case control.TypeLocalGameDone:
		if s.slots.Busy <= 0 {
			s.log.Warn("slot_accounting_anomaly", zap.String("event_type", string(ev.Type)), zap.Int("busy", s.slots.Busy))
		} else {
			s.slots.Busy--
		}
		delete(s.running, ev.Game.ID)
		s.log.Info("slot_freed", zap.String("game_id", ev.Game.ID), zap.Int("queued", s.slots.Queued), zap.Int("busy", s.slots.Busy))
	case control.TypeChallenge:
		if ev.Challenge != nil {
			s.admit(ctx, ev.Challenge)
		}
	case control.TypeGameStart, control.TypeAnalysisStart:
		// The server repeats gameStart for ongoing games after a reconnect.
		if ev.Type == control.TypeGameStart && ev.Game.ID != "" {
			if _, ok := s.running[ev.Game.ID]; ok {
				s.log.Info("game_already_running", zap.String("game_id", ev.Game.ID))
				break
			}
			s.running[ev.Game.ID] = struct{}{}
		}
		if s.slots.Queued <= 0 {
			s.log.Warn("slot_accounting_anomaly", zap.String("event_type", string(ev.Type)), zap.String("game_id", ev.Game.ID))
		} else {
			s.slots.Queued--
		}
		s.pool.submit(sessionCtx, ev)
		s.slots.Busy++
		s.log.Info("session_dispatched",
			zap.String("event_type", string(ev.Type)),
			zap.String("game_id", ev.Game.ID),
			zap.Int("queued", s.slots.Queued),
			zap.Int("busy", s.slots.Busy),
		)
	default:
		s.log.Debug("control_event_ignored", zap.String("event_type", string(ev.Type)))
	}

	err := s.drain(ctx)
	s.metrics.SetSlots(s.slots.Queued, s.slots.Busy)
	s.metrics.SetQueueLength(s.queue.Len())
	return err
}

// fail records the first fatal error and stops the loop. Workers call it.
func (s *Scheduler) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	if s.cancel != nil {
		s.cancel(err)
	}
}

func (s *Scheduler) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// Slots reports the counters; call it from the loop goroutine or after Run.
func (s *Scheduler) Slots() Slots { return s.slots }

// Pending returns the queued challenges in acceptance order.
func (s *Scheduler) Pending() []string {
	var ids []string
	for _, c := range s.queue.Snapshot() {
		ids = append(ids, c.ID)
	}
	return ids
}
