// Package control consumes the server-wide event stream and turns its records
// into typed events for the scheduler loop.
package control

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/zzhangb4/Lishogi-Bot/internal/model"
)

type EventType string

const (
	TypeConnected     EventType = "connected"
	TypePing          EventType = "ping"
	TypeTerminated    EventType = "terminated"
	TypeLocalGameDone EventType = "local_game_done"
	TypeChallenge     EventType = "challenge"
	TypeGameStart     EventType = "gameStart"
	TypeAnalysisStart EventType = "analysisStart"
)

// DefaultSkillLevel applies when a game start carries no usable skill level.
const DefaultSkillLevel = 8

// GameRef identifies a game to play or analyse.
type GameRef struct {
	ID         string
	SkillLevel int
	Chess960   bool
}

// Event is one control event. Only the fields for its Type are set; Raw keeps
// the original record of anything the stream sent.
type Event struct {
	Type      EventType
	Challenge *model.Challenge
	Game      GameRef
	Username  string
	Raw       json.RawMessage
}

func (e Event) String() string {
	switch e.Type {
	case TypeChallenge:
		if e.Challenge != nil {
			return fmt.Sprintf("%s(%s)", e.Type, e.Challenge.ID)
		}
	case TypeGameStart, TypeAnalysisStart:
		return fmt.Sprintf("%s(%s)", e.Type, e.Game.ID)
	}
	return string(e.Type)
}

// MalformedRecordError is a record that could not be decoded.
type MalformedRecordError struct {
	Raw string
	Err error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record %q: %v", e.Raw, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

type wireRecord struct {
	Type      string          `json:"type"`
	Challenge json.RawMessage `json:"challenge"`
	Game      *wireGame       `json:"game"`
	Username  string          `json:"username"`
}

type wireGame struct {
	ID         string          `json:"id"`
	SkillLevel json.RawMessage `json:"skill_level"`
	Chess960   json.RawMessage `json:"chess960"`
}

// Decode turns one non-blank line into an Event.
func Decode(line []byte) (Event, error) {
	var rec wireRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		return Event{}, malformed(line, err)
	}
	ev := Event{Type: EventType(rec.Type), Raw: append(json.RawMessage(nil), line...)}
	switch ev.Type {
	case "":
		return Event{}, malformed(line, fmt.Errorf("missing type"))
	case TypeChallenge:
		if len(rec.Challenge) == 0 {
			return Event{}, malformed(line, fmt.Errorf("challenge payload missing"))
		}
		var c model.Challenge
		if err := json.Unmarshal(rec.Challenge, &c); err != nil {
			return Event{}, malformed(line, err)
		}
		if c.ID == "" {
			return Event{}, malformed(line, fmt.Errorf("challenge id missing"))
		}
		ev.Challenge = &c
	case TypeGameStart, TypeAnalysisStart:
		if rec.Game == nil || rec.Game.ID == "" {
			return Event{}, malformed(line, fmt.Errorf("game id missing"))
		}
		ev.Game = GameRef{
			ID:         rec.Game.ID,
			SkillLevel: skillLevel(rec.Game.SkillLevel),
			Chess960:   isChess960(rec.Game.Chess960),
		}
		ev.Username = rec.Username
	}
	return ev, nil
}

func malformed(line []byte, err error) error {
	return &MalformedRecordError{Raw: string(line), Err: err}
}

// skillLevel accepts a number or a numeric string.
func skillLevel(raw json.RawMessage) int {
	if len(raw) == 0 {
		return DefaultSkillLevel
	}
	var n int
	if err := json.Unmarshal(raw, &n); err == nil {
		return n
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return n
		}
	}
	return DefaultSkillLevel
}

// isChess960 is true for the string "True" or a JSON true.
func isChess960(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s == "True"
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	return false
}
