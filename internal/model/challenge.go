package model

import (
	"fmt"
	"slices"
	"strings"

	"github.com/zzhangb4/Lishogi-Bot/internal/config"
)

const (
	titleBonus = 200
	ratedBonus = 200
)

type Player struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Title  string `json:"title,omitempty"`
	Rating int    `json:"rating,omitempty"`
	// AILevel is set when the side is the server's built-in engine.
	AILevel int `json:"aiLevel,omitempty"`
}

func (p Player) IsBot() bool { return p.Title == "BOT" }

type VariantRef struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

type TimeControl struct {
	Type      string `json:"type"`
	Limit     int    `json:"limit"`
	Increment int    `json:"increment"`
	Show      string `json:"show,omitempty"`
}

// Challenge is an incoming challenge as sent on the control stream.
type Challenge struct {
	ID          string       `json:"id"`
	Rated       bool         `json:"rated"`
	Variant     VariantRef   `json:"variant"`
	Speed       string       `json:"speed"`
	TimeControl *TimeControl `json:"timeControl,omitempty"`
	Color       string       `json:"color"`
	Challenger  *Player      `json:"challenger,omitempty"`
	DestUser    *Player      `json:"destUser,omitempty"`
}

func (c *Challenge) ChallengerName() string {
	if c.Challenger == nil || c.Challenger.Name == "" {
		return "Anonymous"
	}
	return c.Challenger.Name
}

func (c *Challenge) ChallengerIsBot() bool {
	return c.Challenger != nil && c.Challenger.IsBot()
}

func (c *Challenge) challengerRating() int {
	if c.Challenger == nil {
		return 0
	}
	return c.Challenger.Rating
}

// Score orders challenges: rating, plus a bonus for rated games and for
// titled (non-BOT) challengers.
func (c *Challenge) Score() int {
	score := c.challengerRating()
	if c.Rated {
		score += ratedBonus
	}
	if c.Challenger != nil && c.Challenger.Title != "" && !c.Challenger.IsBot() {
		score += titleBonus
	}
	return score
}

func (c *Challenge) mode() string {
	if c.Rated {
		return "rated"
	}
	return "casual"
}

// clockParams returns base and increment in seconds, or ok=false for
// correspondence and unlimited games.
func (c *Challenge) clockParams() (base, inc int, ok bool) {
	if c.TimeControl == nil || c.TimeControl.Type != "clock" {
		return 0, 0, false
	}
	return c.TimeControl.Limit, c.TimeControl.Increment, true
}

// IsSupported applies the admission rules from cfg. Empty allow-lists admit
// everything; zero bounds are unset.
func (c *Challenge) IsSupported(cfg config.ChallengeConfig) bool {
	return c.RejectReason(cfg) == ""
}

// RejectReason names the first admission rule the challenge fails, or "".
func (c *Challenge) RejectReason(cfg config.ChallengeConfig) string {
	if c.ChallengerIsBot() && !cfg.AcceptBot {
		return "bot challenger"
	}
	if cfg.OnlyBot && !c.ChallengerIsBot() {
		return "human challenger"
	}
	if !allowed(cfg.Variants, c.Variant.Key) {
		return fmt.Sprintf("variant %s", c.Variant.Key)
	}
	if !allowed(cfg.TimeControls, c.Speed) {
		return fmt.Sprintf("speed %s", c.Speed)
	}
	if !allowed(cfg.Modes, c.mode()) {
		return fmt.Sprintf("mode %s", c.mode())
	}
	if base, inc, ok := c.clockParams(); ok {
		if outside(base, cfg.MinBase, cfg.MaxBase) {
			return fmt.Sprintf("base %d", base)
		}
		if outside(inc, cfg.MinIncrement, cfg.MaxIncrement) {
			return fmt.Sprintf("increment %d", inc)
		}
	}
	if c.Challenger != nil && outside(c.Challenger.Rating, cfg.MinRating, cfg.MaxRating) {
		return fmt.Sprintf("rating %d", c.Challenger.Rating)
	}
	return ""
}

func (c *Challenge) String() string {
	return fmt.Sprintf("%s %s challenge from %s(%d) id=%s", c.mode(), c.Variant.Key, c.ChallengerName(), c.challengerRating(), c.ID)
}

func allowed(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	return slices.ContainsFunc(list, func(s string) bool {
		return strings.EqualFold(strings.TrimSpace(s), v)
	})
}

func outside(v, lo, hi int) bool {
	if lo > 0 && v < lo {
		return true
	}
	if hi > 0 && v > hi {
		return true
	}
	return false
}
