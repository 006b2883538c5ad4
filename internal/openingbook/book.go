// Package openingbook reads polyglot books and picks a move for a position
// according to the configured selection policy.
package openingbook

import (
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"sync"

	chesslib "github.com/corentings/chess/v2"
	"go.uber.org/zap"

	"github.com/zzhangb4/Lishogi-Bot/internal/config"
	"github.com/zzhangb4/Lishogi-Bot/internal/obslog"
	"github.com/zzhangb4/Lishogi-Bot/internal/variant"
)

// standardKey is the book key used by the chess board.
const standardKey = "standard"

// ErrUnsupportedVariant is returned for a book configured for a variant the
// polyglot format cannot describe.
var ErrUnsupportedVariant = errors.New("polyglot books only cover chess positions")

type Entry struct {
	Move   string
	Weight uint16
}

// Book resolves per-variant polyglot files and caches them by path.
type Book struct {
	cfg    config.BookConfig
	intn   func(n int) int
	logger *zap.Logger

	mu    sync.Mutex
	books map[string]*chesslib.PolyglotBook
}

type Option func(*Book)

// WithRand replaces the random source used by the random policies.
func WithRand(intn func(n int) int) Option {
	return func(b *Book) {
		if intn != nil {
			b.intn = intn
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Book) { b.logger = l }
}

func New(cfg config.BookConfig, opts ...Option) *Book {
	b := &Book{
		cfg:   cfg,
		intn:  rand.IntN,
		books: make(map[string]*chesslib.PolyglotBook),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = obslog.Or(b.logger)
	return b
}

// PathFor returns the configured file for the board's variant, or "".
func (b *Book) PathFor(kind variant.Kind) string {
	key := string(kind)
	if kind == variant.Chess {
		key = standardKey
	}
	return strings.TrimSpace(b.cfg.Files[key])
}

// Lookup returns a book move for board. ok=false is a miss: no file for the
// variant, no entries for the position, or none passing the policy.
func (b *Book) Lookup(board variant.Board) (move string, ok bool, err error) {
	path := b.PathFor(board.Variant())
	if path == "" {
		return "", false, nil
	}
	if board.Variant() != variant.Chess {
		return "", false, fmt.Errorf("%w: %s book %s", ErrUnsupportedVariant, board.Variant(), path)
	}

	book, err := b.load(path)
	if err != nil {
		return "", false, err
	}
	entries, err := candidates(book, board)
	if err != nil {
		return "", false, err
	}
	entry, ok := Select(entries, b.cfg.Selection, b.cfg.MinWeight, b.intn)
	if !ok {
		return "", false, nil
	}
	if err := verify(board, entry.Move); err != nil {
		return "", false, err
	}
	b.logger.Info("book_move", zap.String("move", entry.Move), zap.Uint16("weight", entry.Weight), zap.String("book", path))
	return entry.Move, true, nil
}

// Check loads every configured file up front. Entries for variants other
// than chess and files that cannot be read are errors.
func (b *Book) Check() error {
	var errs []error
	for key, path := range b.cfg.Files {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		kind, err := variant.ParseKind(key)
		if err != nil {
			errs = append(errs, fmt.Errorf("book %q: %w", key, err))
			continue
		}
		if kind != variant.Chess {
			errs = append(errs, fmt.Errorf("book %q: %w", key, ErrUnsupportedVariant))
			continue
		}
		if _, err := b.load(path); err != nil {
			errs = append(errs, err)
			continue
		}
		b.logger.Info("book_loaded", zap.String("variant", key), zap.String("book", path))
	}
	return errors.Join(errs...)
}

func (b *Book) load(path string) (*chesslib.PolyglotBook, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if book, ok := b.books[path]; ok {
		return book, nil
	}
	book, err := LoadFromPath(path)
	if err != nil {
		return nil, err
	}
	b.books[path] = book
	return book, nil
}

// Select applies policy to entries. Unknown policies fall back to
// weighted_random.
func Select(entries []Entry, policy string, minWeight int, intn func(n int) int) (Entry, bool) {
	if len(entries) == 0 {
		return Entry{}, false
	}
	switch policy {
	case config.SelectionBestMove:
		best := -1
		for i, e := range entries {
			if int(e.Weight) < minWeight {
				continue
			}
			if best < 0 || e.Weight > entries[best].Weight {
				best = i
			}
		}
		if best < 0 {
			return Entry{}, false
		}
		return entries[best], true
	case config.SelectionUniformRandom:
		eligible := make([]Entry, 0, len(entries))
		for _, e := range entries {
			if int(e.Weight) >= minWeight {
				eligible = append(eligible, e)
			}
		}
		if len(eligible) == 0 {
			return Entry{}, false
		}
		return eligible[intn(len(eligible))], true
	default:
		total := 0
		for _, e := range entries {
			total += int(e.Weight)
		}
		if total == 0 {
			return Entry{}, false
		}
		pick := intn(total)
		for _, e := range entries {
			pick -= int(e.Weight)
			if pick < 0 {
				return e, true
			}
		}
		return entries[len(entries)-1], true
	}
}

func candidates(book *chesslib.PolyglotBook, board variant.Board) ([]Entry, error) {
	game, err := buildGameFromPosition(board.StartingPosition(), board.Moves())
	if err != nil {
		return nil, err
	}
	hashStr, err := chesslib.NewZobristHasher().HashPosition(game.FEN())
	if err != nil {
		return nil, fmt.Errorf("compute polyglot hash: %w", err)
	}
	found := book.FindMoves(chesslib.ZobristHashToUint64(hashStr))
	out := make([]Entry, 0, len(found))
	for _, pe := range found {
		move := chesslib.DecodeMove(pe.Move).ToMove()
		out = append(out, Entry{Move: move.String(), Weight: pe.Weight})
	}
	return out, nil
}

func verify(board variant.Board, move string) error {
	game, err := buildGameFromPosition(board.StartingPosition(), board.Moves())
	if err != nil {
		return err
	}
	if err := game.PushNotationMove(move, chesslib.UCINotation{}, nil); err != nil {
		return fmt.Errorf("book move %q invalid for position: %w", move, err)
	}
	return nil
}

func buildGameFromPosition(fen string, moves []string) (*chesslib.Game, error) {
	var game *chesslib.Game
	if strings.TrimSpace(fen) == "" || fen == "startpos" {
		game = chesslib.NewGame()
	} else {
		option, err := chesslib.FEN(fen)
		if err != nil {
			return nil, fmt.Errorf("parse fen %q: %w", fen, err)
		}
		game = chesslib.NewGame(option)
	}
	for _, mv := range moves {
		if err := game.PushNotationMove(mv, chesslib.UCINotation{}, nil); err != nil {
			return nil, fmt.Errorf("apply move %q: %w", mv, err)
		}
	}
	return game, nil
}

func LoadFromPath(bookPath string) (*chesslib.PolyglotBook, error) {
	if strings.TrimSpace(bookPath) == "" {
		return nil, fmt.Errorf("polyglot book path required")
	}
	file, err := os.Open(bookPath)
	if err != nil {
		return nil, fmt.Errorf("open polyglot book %q: %w", bookPath, err)
	}
	defer file.Close()

	book, err := chesslib.LoadFromReader(file)
	if err != nil {
		return nil, fmt.Errorf("load polyglot book %q: %w", bookPath, err)
	}
	return book, nil
}
