package scheduler

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/zzhangb4/Lishogi-Bot/internal/control"
)

// Sessions runs one game or analysis to completion. Both publish
// local_game_done themselves before returning.
type Sessions interface {
	PlayGame(ctx context.Context, ref control.GameRef) error
	AnalyseGame(ctx context.Context, ref control.GameRef, username string) error
}

// dispatcher runs sessions on a bounded pool. Workers never touch slot
// counters; they report back only through the event queue.
type dispatcher struct {
	group    errgroup.Group
	workers  *semaphore.Weighted
	sessions Sessions
	events   *control.Queue
	fatal    func(error)
	log      *zap.Logger
}

func newDispatcher(size int, sessions Sessions, events *control.Queue, fatal func(error), logger *zap.Logger) *dispatcher {
	return &dispatcher{
		workers:  semaphore.NewWeighted(int64(max(size, 1))),
		sessions: sessions,
		events:   events,
		fatal:    fatal,
		log:      logger,
	}
}

// submit never blocks the caller. The spawned goroutine waits for a free
// worker before the session starts.
func (d *dispatcher) submit(ctx context.Context, ev control.Event) {
	d.group.Go(func() error {
		if err := d.workers.Acquire(ctx, 1); err != nil {
			d.log.Warn("session_not_started", zap.String("game_id", ev.Game.ID), zap.Error(err))
			d.done(ev.Game.ID)
			return nil
		}
		defer d.workers.Release(1)
		d.run(ctx, ev)
		return nil
	})
}

// done reports a session that could not publish its own completion.
func (d *dispatcher) done(gameID string) {
	ev := control.Event{Type: control.TypeLocalGameDone, Game: control.GameRef{ID: gameID}}
	if err := d.events.Push(ev); err != nil {
		d.log.Warn("local_game_done_push_failed", zap.String("game_id", gameID), zap.Error(err))
	}
}

func (d *dispatcher) run(ctx context.Context, ev control.Event) {
	logger := d.log.With(zap.String("game_id", ev.Game.ID), zap.String("event_type", string(ev.Type)))
	defer func() {
		if p := recover(); p != nil {
			logger.Error("session_panic", zap.Any("panic", p))
			d.done(ev.Game.ID)
		}
	}()

	var err error
	switch ev.Type {
	case control.TypeGameStart:
		err = d.sessions.PlayGame(ctx, ev.Game)
	case control.TypeAnalysisStart:
		err = d.sessions.AnalyseGame(ctx, ev.Game, ev.Username)
	default:
		err = fmt.Errorf("cannot dispatch %s", ev.Type)
	}
	switch {
	case err == nil:
	case errors.Is(err, control.ErrQueueFull):
		logger.Error("event_queue_overflow", zap.Error(err))
		d.fatal(err)
	default:
		logger.Warn("session_error", zap.Error(err))
	}
}

func (d *dispatcher) wait() {
	_ = d.group.Wait()
}
