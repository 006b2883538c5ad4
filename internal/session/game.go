package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zzhangb4/Lishogi-Bot/internal/control"
	"github.com/zzhangb4/Lishogi-Bot/internal/engine"
	"github.com/zzhangb4/Lishogi-Bot/internal/model"
	"github.com/zzhangb4/Lishogi-Bot/internal/variant"
)

// State is the phase a game session is in.
type State int

const (
	StateConnecting State = iota
	StateOpening
	StateSteady
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpening:
		return "opening"
	case StateSteady:
		return "steady"
	case StateEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	recordChatLine  = "chatLine"
	recordGameState = "gameState"
	recordGameEnd   = "gameEnd"
)

// gameRun is what survives between attempts of one game.
type gameRun struct {
	ref            control.GameRef
	logger         *zap.Logger
	attempts       int
	abortRequested bool
	abortAt        time.Time // inactivity deadline, kept across reconnects
	state          State
}

func (g *gameRun) enter(s State) {
	if g.state == s {
		return
	}
	g.logger.Debug("session_state", zap.Stringer("from", g.state), zap.Stringer("to", s))
	g.state = s
}

// PlayGame plays one game to the end and then publishes local_game_done.
// The returned error joins the session failure, if any, with a failed
// publish; only the latter wraps control.ErrQueueFull.
func (r *Runner) PlayGame(ctx context.Context, ref control.GameRef) error {
	run := &gameRun{
		ref: ref,
		logger: r.log.With(
			zap.String("game_id", ref.ID),
			zap.String("run_id", uuid.NewString()),
		),
	}
	run.logger.Info("game_session_started", zap.Int("skill_level", ref.SkillLevel), zap.Bool("chess960", ref.Chess960))

	policy := r.cfg.Retry
	if policy.Logger == nil {
		policy.Logger = run.logger
	}
	err := policy.Do(ctx, "game "+ref.ID, func(ctx context.Context) error {
		run.attempts++
		return classify(r.playOnce(ctx, run))
	})
	err = r.reconcile(ctx, ref.ID, err, run.logger)
	run.enter(StateEnded)
	if err != nil {
		run.logger.Error("game_session_failed", zap.Int("attempts", run.attempts), zap.Error(err))
	}
	return errors.Join(err, r.finish(KindGame, ref.ID, err, run.logger))
}

// playOnce is one attempt: connect, open, then follow the stream until the
// game ends. The engine never outlives the attempt.
func (r *Runner) playOnce(ctx context.Context, run *gameRun) error {
	run.enter(StateConnecting)
	stream, game, board, err := r.openGame(ctx, run.ref)
	if err != nil {
		return err
	}
	defer stream.Close()
	logger := run.logger.With(zap.String("opponent", game.OpponentName()), zap.String("variant", game.Variant))
	logger.Info("game_connected", zap.String("color", game.MyColor()), zap.Int("plies", board.Len()), zap.Int("attempt", run.attempts))

	eng, err := r.deps.Engines.New(ctx, board)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		if qerr := eng.Quit(); qerr != nil {
			logger.Warn("engine_quit_failed", zap.Error(qerr))
		}
	}()

	window := r.cfg.AbortTime(game.Opponent().Name)
	if run.abortAt.IsZero() {
		game.AbortIn(r.deps.Now(), window)
	} else {
		game.SetAbortAt(run.abortAt)
	}
	defer func() { run.abortAt = game.AbortAt() }()

	if err := eng.SetSkillLevel(ctx, run.ref.SkillLevel); err != nil {
		return fmt.Errorf("set skill level: %w", err)
	}

	run.enter(StateOpening)
	if !game.State.IsOver() && game.IsEngineMove(board.Len()) {
		choice, err := r.deps.Moves.Opening(ctx, eng, board)
		if err != nil {
			return err
		}
		if err := r.submit(ctx, game, choice.Move, choice.Source, logger); err != nil {
			return err
		}
	}
	if err := eng.SetTimeControl(ctx, game.ClockInitial, game.ClockIncrement); err != nil {
		return fmt.Errorf("set time control: %w", err)
	}

	run.enter(StateSteady)
	for {
		line, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				logger.Info("game_stream_closed")
				return nil
			}
			return fmt.Errorf("read game stream: %w", err)
		}
		if len(line) == 0 {
			r.heartbeat(ctx, run, game, logger)
			continue
		}
		done, err := r.handleRecord(ctx, line, game, board, eng, window, logger)
		if err != nil || done {
			return err
		}
	}
}

type gameRecord struct {
	Type string `json:"type"`
}

func (r *Runner) handleRecord(ctx context.Context, line []byte, game *model.Game, board variant.Board, eng engine.Engine, window time.Duration, logger *zap.Logger) (bool, error) {
	var rec gameRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		logger.Error("malformed_game_record", zap.ByteString("raw", line), zap.Error(err))
		return false, &control.MalformedRecordError{Raw: string(line), Err: err}
	}

	switch rec.Type {
	case recordGameEnd:
		logger.Info("game_end")
		return true, nil

	case recordChatLine:
		var chat model.ChatLine
		if err := json.Unmarshal(line, &chat); err != nil {
			logger.Error("malformed_game_record", zap.ByteString("raw", line), zap.Error(err))
			return false, &control.MalformedRecordError{Raw: string(line), Err: err}
		}
		r.react(ctx, chat, game, logger)
		return false, nil

	case recordGameState:
		var state model.GameState
		if err := json.Unmarshal(line, &state); err != nil {
			logger.Error("malformed_game_record", zap.ByteString("raw", line), zap.Error(err))
			return false, &control.MalformedRecordError{Raw: string(line), Err: err}
		}
		game.State = state
		moves := state.MoveList()
		if len(moves) > board.Len() {
			board.ApplyMove(moves[len(moves)-1])
		}
		if state.IsOver() || board.IsTerminal() || !game.IsEngineMove(board.Len()) {
			return false, nil
		}
		return false, r.playMove(ctx, game, board, eng, window, logger)

	default:
		logger.Debug("game_record_ignored", zap.String("type", rec.Type))
		return false, nil
	}
}

func (r *Runner) playMove(ctx context.Context, game *model.Game, board variant.Board, eng engine.Engine, window time.Duration, logger *zap.Logger) error {
	if r.cfg.FakeThinkTime {
		if d := ThinkTime(board.Len(), game.ClockInitial, game.MyRemaining()); d > 0 {
			if err := r.deps.Sleep(ctx, d); err != nil {
				return err
			}
		}
	}
	st := game.State
	times := engine.Times{
		WTime: time.Duration(st.WTime) * time.Millisecond,
		BTime: time.Duration(st.BTime) * time.Millisecond,
		WInc:  time.Duration(st.WInc) * time.Millisecond,
		BInc:  time.Duration(st.BInc) * time.Millisecond,
	}
	choice, err := r.deps.Moves.Next(ctx, eng, board, times)
	if err != nil {
		return err
	}
	if err := r.submit(ctx, game, choice.Move, choice.Source, logger); err != nil {
		return err
	}
	game.AbortIn(r.deps.Now(), window)
	return nil
}

func (r *Runner) submit(ctx context.Context, game *model.Game, move, source string, logger *zap.Logger) error {
	if err := r.deps.API.MakeMove(ctx, game.ID, move); err != nil {
		return fmt.Errorf("submit move %s: %w", move, err)
	}
	r.deps.Metrics.Move(source)
	logger.Debug("move_submitted", zap.String("move", move), zap.String("source", source))
	return nil
}

// heartbeat is the only place the inactivity deadline is checked. An abort
// is requested at most once per game; a failed request is logged and play
// continues.
func (r *Runner) heartbeat(ctx context.Context, run *gameRun, game *model.Game, logger *zap.Logger) {
	if run.abortRequested || !game.ShouldAbortNow(r.deps.Now()) {
		return
	}
	run.abortRequested = true
	logger.Info("game_abort_requested", zap.String("url", game.URL(r.cfg.BaseURL)), zap.Time("deadline", game.AbortAt()))
	if err := r.deps.API.Abort(ctx, game.ID); err != nil {
		logger.Warn("game_abort_failed", zap.Error(err))
	}
}

// react hands a chat line to the conversation handler. Its failures never
// reach the game.
func (r *Runner) react(ctx context.Context, chat model.ChatLine, game *model.Game, logger *zap.Logger) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("chat_handler_panic", zap.Any("panic", p))
		}
	}()
	if err := r.deps.Chat.React(ctx, chat, game); err != nil {
		logger.Warn("chat_handler_failed", zap.Error(err))
	}
}
