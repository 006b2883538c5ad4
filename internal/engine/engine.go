// Package engine drives external UCI/USI engine processes, one per session.
package engine

import (
	"context"
	"time"

	"github.com/zzhangb4/Lishogi-Bot/internal/variant"
)

// Times are the clocks reported by the server with the latest game state.
type Times struct {
	WTime time.Duration
	BTime time.Duration
	WInc  time.Duration
	BInc  time.Duration
}

// Limits bound a fixed-parameter search.
type Limits struct {
	Depth    int
	MoveTime time.Duration
}

// Info is the last search report, keyed like the server's analysis payload
// (depth, seldepth, nodes, nps, time, score, pv).
type Info map[string]any

// Engine is one engine process bound to one board.
type Engine interface {
	SetSkillLevel(ctx context.Context, level int) error
	SetTimeControl(ctx context.Context, initial, increment time.Duration) error
	Search(ctx context.Context, board variant.Board, t Times) (string, error)
	FirstSearch(ctx context.Context, board variant.Board, budget time.Duration) (string, error)
	Analyse(ctx context.Context, board variant.Board, l Limits) (string, error)
	Info() Info
	Quit() error
}

// Factory starts an engine for a board.
type Factory interface {
	New(ctx context.Context, board variant.Board) (Engine, error)
}
