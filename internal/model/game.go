package model

import (
	"fmt"
	"strings"
	"time"
)

// unlimitedClock stands in for the initial time of games without a clock.
const unlimitedClock = 10 * 365 * 24 * time.Hour

type Clock struct {
	Initial   int `json:"initial"`   // ms
	Increment int `json:"increment"` // ms
}

// GameState is one gameState record; times are in milliseconds.
type GameState struct {
	Type   string `json:"type,omitempty"`
	Moves  string `json:"moves"`
	WTime  int    `json:"wtime"`
	BTime  int    `json:"btime"`
	WInc   int    `json:"winc"`
	BInc   int    `json:"binc"`
	Status string `json:"status"`
}

func (s GameState) MoveList() []string { return strings.Fields(s.Moves) }

// IsOver reports a status other than created or started.
func (s GameState) IsOver() bool {
	switch s.Status {
	case "", "created", "started":
		return false
	default:
		return true
	}
}

// GameFull is the first record of a game stream.
type GameFull struct {
	Type       string     `json:"type"`
	ID         string     `json:"id"`
	Variant    VariantRef `json:"variant"`
	Clock      *Clock     `json:"clock,omitempty"`
	Speed      string     `json:"speed"`
	Rated      bool       `json:"rated"`
	White      Player     `json:"white"`
	Black      Player     `json:"black"`
	InitialFen string     `json:"initialFen"`
	State      GameState  `json:"state"`
}

// Game is the session's view of one game. It is owned by a single session
// goroutine.
type Game struct {
	ID          string
	Username    string
	Variant     string
	InitialFEN  string
	Speed       string
	Rated       bool
	White       Player
	Black       Player
	IsWhite     bool
	WhiteStarts bool

	ClockInitial   time.Duration
	ClockIncrement time.Duration

	State GameState

	abortAt time.Time
}

func NewGame(full GameFull, username string) *Game {
	g := &Game{
		ID:         full.ID,
		Username:   username,
		Variant:    variantName(full.Variant),
		InitialFEN: strings.TrimSpace(full.InitialFen),
		Speed:      full.Speed,
		Rated:      full.Rated,
		White:      full.White,
		Black:      full.Black,
		State:      full.State,

		ClockInitial: unlimitedClock,
	}
	if full.Clock != nil {
		g.ClockInitial = time.Duration(full.Clock.Initial) * time.Millisecond
		g.ClockIncrement = time.Duration(full.Clock.Increment) * time.Millisecond
	}
	g.IsWhite = g.White.Name != "" && strings.EqualFold(g.White.Name, username)
	g.WhiteStarts = whiteStarts(g.InitialFEN)
	return g
}

func variantName(v VariantRef) string {
	if v.Key != "" {
		return strings.ToLower(v.Key)
	}
	return strings.ToLower(v.Name)
}

func whiteStarts(fen string) bool {
	if fen == "" || fen == "startpos" {
		return true
	}
	fields := strings.Fields(fen)
	return len(fields) > 1 && fields[1] == "w"
}

func (g *Game) MyColor() string {
	if g.IsWhite {
		return "white"
	}
	return "black"
}

func (g *Game) Me() Player {
	if g.IsWhite {
		return g.White
	}
	return g.Black
}

func (g *Game) Opponent() Player {
	if g.IsWhite {
		return g.Black
	}
	return g.White
}

// OpponentName falls back to the engine level for AI opponents.
func (g *Game) OpponentName() string {
	op := g.Opponent()
	if op.Name != "" {
		return op.Name
	}
	if op.AILevel > 0 {
		return fmt.Sprintf("AI level %d", op.AILevel)
	}
	return "Anonymous"
}

// IsWhiteToMove reports whose turn it is after plies moves.
func (g *Game) IsWhiteToMove(plies int) bool {
	if g.WhiteStarts {
		return plies%2 == 0
	}
	return plies%2 == 1
}

// IsEngineMove reports whether the bot is on move after plies moves.
func (g *Game) IsEngineMove(plies int) bool {
	return g.IsWhite == g.IsWhiteToMove(plies)
}

func (g *Game) MyRemaining() time.Duration {
	ms := g.State.BTime
	if g.IsWhite {
		ms = g.State.WTime
	}
	return time.Duration(ms) * time.Millisecond
}

// AbortIn moves the inactivity deadline to now+d.
func (g *Game) AbortIn(now time.Time, d time.Duration) {
	g.abortAt = now.Add(d)
}

func (g *Game) AbortAt() time.Time { return g.abortAt }

// SetAbortAt restores a deadline computed earlier.
func (g *Game) SetAbortAt(t time.Time) { g.abortAt = t }

// Abortable holds while fewer than two moves have been played.
func (g *Game) Abortable() bool {
	return len(g.State.MoveList()) < 2
}

func (g *Game) ShouldAbortNow(now time.Time) bool {
	return g.Abortable() && !g.abortAt.IsZero() && now.After(g.abortAt)
}

func (g *Game) URL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/" + g.ID + "/" + g.MyColor()
}

func (g *Game) String() string {
	return fmt.Sprintf("%s %s vs %s (%s)", g.ID, g.White.Name, g.Black.Name, g.Variant)
}

// ChatLine is a chatLine record of a game stream.
type ChatLine struct {
	Username string `json:"username"`
	Text     string `json:"text"`
	Room     string `json:"room"`
}
