package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zzhangb4/Lishogi-Bot/internal/botapi"
	"github.com/zzhangb4/Lishogi-Bot/internal/control"
	"github.com/zzhangb4/Lishogi-Bot/internal/engine"
)

// AnalysisLimits bound every per-ply evaluation.
var AnalysisLimits = engine.Limits{Depth: 13, MoveTime: 500 * time.Millisecond}

// AnalyseGame evaluates a finished game from the last ply back to the first
// and posts each evaluation for username. It is never retried.
func (r *Runner) AnalyseGame(ctx context.Context, ref control.GameRef, username string) error {
	logger := r.log.With(
		zap.String("game_id", ref.ID),
		zap.String("run_id", uuid.NewString()),
		zap.String("requested_by", username),
	)
	logger.Info("analysis_started")

	err := r.analyse(ctx, ref, username, logger)
	if err != nil {
		logger.Error("analysis_failed", zap.Error(err))
	}
	return errors.Join(err, r.finish(KindAnalysis, ref.ID, err, logger))
}

func (r *Runner) analyse(ctx context.Context, ref control.GameRef, username string, logger *zap.Logger) error {
	stream, game, board, err := r.openGame(ctx, ref)
	if err != nil {
		return err
	}
	// The snapshot holds the whole game; nothing else is read.
	stream.Close()

	eng, err := r.deps.Engines.New(ctx, board)
	if err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		if qerr := eng.Quit(); qerr != nil {
			logger.Warn("engine_quit_failed", zap.Error(qerr))
		}
	}()

	logger.Info("analysis_replay", zap.String("game", game.String()), zap.Int("plies", board.Len()))
	for board.Len() > 0 {
		if _, err := eng.Analyse(ctx, board, AnalysisLimits); err != nil {
			return fmt.Errorf("analyse ply %d: %w", board.Len(), err)
		}
		color := "b"
		if board.WhiteToMove() {
			color = "w"
		}
		req := botapi.AnalysisRequest{
			Username: username,
			Ply:      board.Len(),
			Color:    color,
			Info:     eng.Info(),
		}
		if err := r.deps.API.Analysis(ctx, ref.ID, req); err != nil {
			return fmt.Errorf("post analysis ply %d: %w", req.Ply, err)
		}
		board.UndoLastMove()
	}
	return nil
}
