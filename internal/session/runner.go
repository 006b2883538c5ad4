// Package session runs one game or one post-game analysis against its own
// game stream and engine.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/zzhangb4/Lishogi-Bot/internal/botapi"
	"github.com/zzhangb4/Lishogi-Bot/internal/control"
	"github.com/zzhangb4/Lishogi-Bot/internal/conversation"
	"github.com/zzhangb4/Lishogi-Bot/internal/engine"
	"github.com/zzhangb4/Lishogi-Bot/internal/metrics"
	"github.com/zzhangb4/Lishogi-Bot/internal/model"
	"github.com/zzhangb4/Lishogi-Bot/internal/movesource"
	"github.com/zzhangb4/Lishogi-Bot/internal/obslog"
	"github.com/zzhangb4/Lishogi-Bot/internal/retry"
	"github.com/zzhangb4/Lishogi-Bot/internal/variant"
)

const (
	KindGame     = "game"
	KindAnalysis = "analysis"
)

// API is the part of the server API a session uses.
type API interface {
	StreamGame(ctx context.Context, gameID string) (botapi.LineStream, error)
	MakeMove(ctx context.Context, gameID, move string) error
	Abort(ctx context.Context, gameID string) error
	OngoingGames(ctx context.Context) ([]botapi.OngoingGame, error)
	Analysis(ctx context.Context, gameID string, req botapi.AnalysisRequest) error
}

// Publisher receives the completion event. *control.Queue satisfies it.
type Publisher interface {
	Offer(ev control.Event) error
}

type Config struct {
	Username string
	BaseURL  string
	// AbortTime returns the inactivity window for a game against opponent.
	AbortTime     func(opponent string) time.Duration
	FakeThinkTime bool
	Retry         retry.Policy
}

type Deps struct {
	API     API
	Engines engine.Factory
	Moves   *movesource.Source
	Chat    conversation.Handler
	Events  Publisher
	Metrics *metrics.Recorder
	Logger  *zap.Logger

	// Now and Sleep replace wall time in tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error
}

// Runner starts sessions. It holds no per-game state and is safe for
// concurrent use.
type Runner struct {
	cfg  Config
	deps Deps
	log  *zap.Logger
}

func NewRunner(cfg Config, deps Deps) *Runner {
	if cfg.AbortTime == nil {
		cfg.AbortTime = func(string) time.Duration { return 20 * time.Second }
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepContext
	}
	if deps.Chat == nil {
		deps.Chat = conversation.NewLogHandler(deps.Logger)
	}
	if deps.Moves == nil {
		deps.Moves = movesource.New(nil, 0, 100*time.Millisecond, deps.Logger)
	}
	return &Runner{cfg: cfg, deps: deps, log: obslog.Or(deps.Logger)}
}

// classify marks failures that a fresh attempt cannot fix.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var malformed *control.MalformedRecordError
	switch {
	case botapi.IsClientRejection(err),
		errors.As(err, &malformed),
		errors.Is(err, engine.ErrNoMove),
		errors.Is(err, variant.ErrUnknownVariant):
		return retry.Terminal(err)
	}
	return err
}

// reconcile turns a client rejection into a graceful end when the server no
// longer lists the game as ongoing.
func (r *Runner) reconcile(ctx context.Context, gameID string, err error, logger *zap.Logger) error {
	if err == nil || !botapi.IsClientRejection(err) {
		return err
	}
	ongoing, qerr := r.deps.API.OngoingGames(ctx)
	if qerr != nil {
		logger.Warn("ongoing_games_query_failed", zap.Error(qerr))
		return err
	}
	if slices.ContainsFunc(ongoing, func(g botapi.OngoingGame) bool { return g.GameID == gameID }) {
		return err
	}
	logger.Info("game_abandoned", zap.Error(err))
	return nil
}

// finish publishes local_game_done. A full queue is returned as
// control.ErrQueueFull for the caller to treat as fatal.
func (r *Runner) finish(kind, gameID string, err error, logger *zap.Logger) error {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.deps.Metrics.SessionDone(kind, outcome)
	logger.Info("session_ended", zap.String("kind", kind), zap.String("outcome", outcome))

	if perr := r.deps.Events.Offer(control.Event{Type: control.TypeLocalGameDone, Game: control.GameRef{ID: gameID}}); perr != nil {
		logger.Error("local_game_done_publish_failed", zap.Error(perr))
		return fmt.Errorf("publish local_game_done: %w", perr)
	}
	return nil
}

// openGame connects the game stream and reads the snapshot, skipping
// leading heartbeats.
func (r *Runner) openGame(ctx context.Context, ref control.GameRef) (botapi.LineStream, *model.Game, variant.Board, error) {
	stream, err := r.deps.API.StreamGame(ctx, ref.ID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open game stream: %w", err)
	}
	line, err := nextRecord(stream)
	if err != nil {
		stream.Close()
		return nil, nil, nil, err
	}
	var full model.GameFull
	if err := json.Unmarshal(line, &full); err != nil {
		stream.Close()
		return nil, nil, nil, &control.MalformedRecordError{Raw: string(line), Err: err}
	}
	if full.ID == "" {
		full.ID = ref.ID
	}
	game := model.NewGame(full, r.cfg.Username)
	board, err := variant.FromGame(game.Variant, game.InitialFEN, ref.Chess960, game.State.MoveList())
	if err != nil {
		stream.Close()
		return nil, nil, nil, err
	}
	return stream, game, board, nil
}

func nextRecord(stream botapi.LineStream) ([]byte, error) {
	for {
		line, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("game stream ended before snapshot: %w", io.ErrUnexpectedEOF)
			}
			return nil, fmt.Errorf("read snapshot: %w", err)
		}
		if len(line) > 0 {
			return line, nil
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
