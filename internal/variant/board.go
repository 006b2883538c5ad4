// Package variant holds the minimal per-variant board: a starting position
// plus an ordered move list. Moves are not checked for legality; the engine
// owns the rules.
package variant

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	Chess      Kind = "chess"
	Crazyhouse Kind = "crazyhouse"
	Shogi      Kind = "shogi"
)

var ErrUnknownVariant = errors.New("unknown variant")

var startingFEN = map[Kind]string{
	Chess:      "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",
	Crazyhouse: "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR[] w KQkq - 0 1",
	Shogi:      "lnsgkgsnl/1r5b1/ppppppppp/9/9/9/PPPPPPPPP/1B5R1/LNSGKGSNL[] b - 1",
}

// StartingFEN returns the standard start of kind, or "" for unknown kinds.
func StartingFEN(kind Kind) string { return startingFEN[kind] }

// Board is what sessions, the engine and the book need from a position.
type Board interface {
	ApplyMove(move string)
	UndoLastMove()
	IsTerminal() bool
	StartingPosition() string
	Moves() []string
	Len() int
	WhiteToMove() bool
	Variant() Kind
	Chess960() bool
}

// ParseKind maps a server variant key or name to a Kind. "standard" is the
// chess board.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "chess", "standard", "fromposition", "from position":
		return Chess, nil
	case "chess960":
		return Chess, nil
	case "crazyhouse":
		return Crazyhouse, nil
	case "shogi":
		return Shogi, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownVariant, name)
	}
}

type board struct {
	kind     Kind
	initial  string
	moves    []string
	white    bool
	chess960 bool
}

// New builds a board for kind from fen; an empty fen or "startpos" means the
// variant's standard start.
func New(kind Kind, fen string, chess960 bool) (Board, error) {
	start, ok := startingFEN[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownVariant, kind)
	}
	fen = strings.TrimSpace(fen)
	if fen == "" || fen == "startpos" {
		fen = start
	}
	fields := strings.Fields(fen)
	if len(fields) < 2 {
		return nil, fmt.Errorf("bad starting position %q", fen)
	}
	return &board{
		kind:     kind,
		initial:  fen,
		white:    fields[1] == "w",
		chess960: chess960,
	}, nil
}

// FromGame parses the variant name and replays moves on a fresh board.
func FromGame(variantName, fen string, chess960 bool, moves []string) (Board, error) {
	if strings.EqualFold(strings.TrimSpace(variantName), "chess960") {
		chess960 = true
	}
	kind, err := ParseKind(variantName)
	if err != nil {
		return nil, err
	}
	b, err := New(kind, fen, chess960)
	if err != nil {
		return nil, err
	}
	for _, mv := range moves {
		b.ApplyMove(mv)
	}
	return b, nil
}

func (b *board) ApplyMove(move string) {
	b.moves = append(b.moves, move)
	b.white = !b.white
}

func (b *board) UndoLastMove() {
	if len(b.moves) == 0 {
		return
	}
	b.moves = b.moves[:len(b.moves)-1]
	b.white = !b.white
}

// IsTerminal is always false; the server reports game ends.
func (b *board) IsTerminal() bool { return false }

func (b *board) StartingPosition() string { return b.initial }

func (b *board) Moves() []string { return append([]string(nil), b.moves...) }

func (b *board) Len() int { return len(b.moves) }

func (b *board) WhiteToMove() bool { return b.white }

func (b *board) Variant() Kind { return b.kind }

func (b *board) Chess960() bool { return b.chess960 }
