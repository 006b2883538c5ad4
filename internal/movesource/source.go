// Package movesource decides, per position, between an opening-book move and
// an engine search.
package movesource

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/zzhangb4/Lishogi-Bot/internal/engine"
	"github.com/zzhangb4/Lishogi-Bot/internal/obslog"
	"github.com/zzhangb4/Lishogi-Bot/internal/variant"
)

const (
	FromBook   = "book"
	FromFirst  = "first"
	FromSearch = "search"
)

// BookLookup returns ok=false on a miss.
type BookLookup interface {
	Lookup(board variant.Board) (move string, ok bool, err error)
}

type Choice struct {
	Move   string
	Source string
}

type Source struct {
	book        BookLookup
	maxDepth    int
	firstBudget time.Duration
	logger      *zap.Logger
}

// New returns a Source; a nil book disables book lookups.
func New(book BookLookup, maxDepth int, firstBudget time.Duration, logger *zap.Logger) *Source {
	return &Source{
		book:        book,
		maxDepth:    maxDepth,
		firstBudget: firstBudget,
		logger:      obslog.Or(logger),
	}
}

func (s *Source) BookEnabled() bool { return s.book != nil }

// InBookRange reports whether plies is shallow enough for a book lookup.
func (s *Source) InBookRange(plies int) bool {
	return s.book != nil && plies <= 2*s.maxDepth-1
}

// BookMove never fails: lookup errors are logged and count as a miss.
func (s *Source) BookMove(board variant.Board) (string, bool) {
	if s.book == nil {
		return "", false
	}
	move, ok, err := s.book.Lookup(board)
	if err != nil {
		s.logger.Warn("book_lookup_failed", zap.String("variant", string(board.Variant())), zap.Error(err))
		return "", false
	}
	return move, ok
}

// Opening picks the first move of a session: the book if it hits, otherwise
// a short fixed-budget search.
func (s *Source) Opening(ctx context.Context, eng engine.Engine, board variant.Board) (Choice, error) {
	if move, ok := s.BookMove(board); ok {
		return Choice{Move: move, Source: FromBook}, nil
	}
	move, err := eng.FirstSearch(ctx, board, s.firstBudget)
	if err != nil {
		return Choice{}, fmt.Errorf("first search: %w", err)
	}
	return Choice{Move: move, Source: FromFirst}, nil
}

// Next picks a steady-state move.
func (s *Source) Next(ctx context.Context, eng engine.Engine, board variant.Board, t engine.Times) (Choice, error) {
	if s.InBookRange(board.Len()) {
		if move, ok := s.BookMove(board); ok {
			return Choice{Move: move, Source: FromBook}, nil
		}
	}
	move, err := eng.Search(ctx, board, t)
	if err != nil {
		return Choice{}, fmt.Errorf("search: %w", err)
	}
	return Choice{Move: move, Source: FromSearch}, nil
}
