// Package conversation receives in-game chat on behalf of a session.
package conversation

import (
	"context"

	"go.uber.org/zap"

	"github.com/zzhangb4/Lishogi-Bot/internal/model"
	"github.com/zzhangb4/Lishogi-Bot/internal/obslog"
)

// Handler reacts to a chat line. Sessions log its errors and keep playing.
type Handler interface {
	React(ctx context.Context, line model.ChatLine, game *model.Game) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, line model.ChatLine, game *model.Game) error

func (f HandlerFunc) React(ctx context.Context, line model.ChatLine, game *model.Game) error {
	return f(ctx, line, game)
}

// LogHandler records chat lines and never replies.
type LogHandler struct {
	logger *zap.Logger
}

func NewLogHandler(logger *zap.Logger) *LogHandler {
	return &LogHandler{logger: obslog.Or(logger).With(zap.String("component", "chat"))}
}

func (h *LogHandler) React(ctx context.Context, line model.ChatLine, game *model.Game) error {
	gameID := ""
	if game != nil {
		gameID = game.ID
	}
	h.logger.Info("chat_line",
		zap.String("game_id", gameID),
		zap.String("room", line.Room),
		zap.String("username", line.Username),
		zap.String("text", line.Text),
	)
	return nil
}
