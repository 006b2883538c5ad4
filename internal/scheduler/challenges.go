package scheduler

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/zzhangb4/Lishogi-Bot/internal/botapi"
	"github.com/zzhangb4/Lishogi-Bot/internal/model"
)

// admit queues an acceptable challenge and declines the rest. Declining a
// challenge the server no longer has is a success; other decline failures
// are logged.
func (s *Scheduler) admit(ctx context.Context, c *model.Challenge) {
	logger := s.log.With(zap.String("challenge_id", c.ID), zap.String("challenger", c.ChallengerName()))

	if reason := c.RejectReason(s.cfg.Challenge); reason != "" {
		err := s.api.DeclineChallenge(ctx, c.ID)
		switch {
		case err == nil:
			logger.Info("challenge_declined", zap.String("reason", reason))
		case botapi.IsNotFound(err):
			logger.Info("challenge_decline_missing", zap.String("reason", reason))
		default:
			logger.Warn("challenge_decline_failed", zap.String("reason", reason), zap.Error(err))
			return
		}
		s.metrics.Challenge("declined")
		return
	}

	if !s.queue.Add(c) {
		logger.Debug("challenge_already_queued")
		return
	}
	s.metrics.Challenge("queued")
	logger.Info("challenge_queued", zap.Int("score", c.Score()), zap.Int("queue_length", s.queue.Len()))
}

// drain accepts queued challenges while a slot is free. A withdrawn
// challenge is skipped; any other accept failure ends the loop.
func (s *Scheduler) drain(ctx context.Context) error {
	for s.slots.Queued+s.slots.Busy < s.maxGames {
		c, ok := s.queue.Next()
		if !ok {
			return nil
		}
		logger := s.log.With(zap.String("challenge_id", c.ID))
		if err := s.api.AcceptChallenge(ctx, c.ID); err != nil {
			if botapi.IsNotFound(err) {
				s.metrics.Challenge("skipped")
				logger.Info("challenge_skip_missing")
				continue
			}
			return fmt.Errorf("accept challenge %s: %w", c.ID, err)
		}
		s.slots.Queued++
		s.metrics.Challenge("accepted")
		logger.Info("challenge_accepted",
			zap.String("challenge", c.String()),
			zap.Int("queued", s.slots.Queued),
			zap.Int("busy", s.slots.Busy),
		)
	}
	return nil
}
