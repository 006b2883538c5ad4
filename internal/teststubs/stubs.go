// Package teststubs holds test doubles shared by package tests.
package teststubs

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zzhangb4/Lishogi-Bot/internal/engine"
	"github.com/zzhangb4/Lishogi-Bot/internal/variant"
)

// StubEngine is a test double for engine.Engine. Moves are answered from
// Moves in order; Move is used once they run out.
type StubEngine struct {
	mu sync.Mutex

	Move      string
	Moves     []string
	Err       error
	InfoValue engine.Info

	SkillLevel  int
	Initial     time.Duration
	Increment   time.Duration
	Searches    []engine.Times
	FirstBudget []time.Duration
	Analysed    []int
	QuitCalls   atomic.Int32
}

func (e *StubEngine) next() (string, error) {
	if e.Err != nil {
		return "", e.Err
	}
	if len(e.Moves) > 0 {
		mv := e.Moves[0]
		e.Moves = e.Moves[1:]
		return mv, nil
	}
	return e.Move, nil
}

func (e *StubEngine) SetSkillLevel(ctx context.Context, level int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.SkillLevel = level
	return nil
}

func (e *StubEngine) SetTimeControl(ctx context.Context, initial, increment time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Initial, e.Increment = initial, increment
	return nil
}

func (e *StubEngine) Search(ctx context.Context, board variant.Board, t engine.Times) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Searches = append(e.Searches, t)
	return e.next()
}

func (e *StubEngine) FirstSearch(ctx context.Context, board variant.Board, budget time.Duration) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.FirstBudget = append(e.FirstBudget, budget)
	return e.next()
}

func (e *StubEngine) Analyse(ctx context.Context, board variant.Board, l engine.Limits) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Analysed = append(e.Analysed, board.Len())
	return e.next()
}

func (e *StubEngine) Info() engine.Info {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := engine.Info{}
	for k, v := range e.InfoValue {
		out[k] = v
	}
	return out
}

func (e *StubEngine) Quit() error {
	e.QuitCalls.Add(1)
	return nil
}

// Snapshot copies the recorded search calls.
func (e *StubEngine) Snapshot() (searches []engine.Times, first []time.Duration, analysed []int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]engine.Times(nil), e.Searches...), append([]time.Duration(nil), e.FirstBudget...), append([]int(nil), e.Analysed...)
}

// StubFactory hands out engines built by Make, or a shared Engine.
type StubFactory struct {
	Engine *StubEngine
	Make   func() *StubEngine
	Err    error

	mu      sync.Mutex
	Created []*StubEngine
}

func (f *StubFactory) New(ctx context.Context, board variant.Board) (engine.Engine, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	e := f.Engine
	if f.Make != nil {
		e = f.Make()
	}
	if e == nil {
		e = &StubEngine{}
	}
	f.mu.Lock()
	f.Created = append(f.Created, e)
	f.mu.Unlock()
	return e, nil
}

// Engines returns the engines created so far.
func (f *StubFactory) Engines() []*StubEngine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*StubEngine(nil), f.Created...)
}

// StubBook is a test double for movesource.BookLookup.
type StubBook struct {
	Move  string
	Err   error
	Calls atomic.Int32
}

func (b *StubBook) Lookup(board variant.Board) (string, bool, error) {
	b.Calls.Add(1)
	if b.Err != nil {
		return "", false, b.Err
	}
	return b.Move, b.Move != "", nil
}
