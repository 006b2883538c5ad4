package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	DefaultPath = "config.yml"

	SortBest = "best"
	SortFIFO = "fifo"

	SelectionWeightedRandom = "weighted_random"
	SelectionUniformRandom  = "uniform_random"
	SelectionBestMove       = "best_move"

	ProtocolUCI = "uci"
	ProtocolUSI = "usi"
)

type AppConfig struct {
	Token string `yaml:"token"`
	URL   string `yaml:"url"`

	Engine    EngineConfig    `yaml:"engine"`
	Challenge ChallengeConfig `yaml:"challenge"`

	AbortTimeSec       int            `yaml:"abort_time"`
	AbortTimeOverrides map[string]int `yaml:"abort_time_overrides"`
	FakeThinkTime      bool           `yaml:"fake_think_time"`

	ReconnectGraceSec int `yaml:"reconnect_grace"`
	EventQueueLimit   int `yaml:"event_queue_limit"`

	RedisURL    string `yaml:"redis_url"`
	MetricsAddr string `yaml:"metrics_addr"`

	Log LogConfig `yaml:"log"`
}

type EngineConfig struct {
	Dir             string            `yaml:"dir"`
	Name            string            `yaml:"name"`
	Protocol        string            `yaml:"protocol"`
	Options         map[string]string `yaml:"options"`
	FirstMoveTimeMS int               `yaml:"first_move_time"`
	Polyglot        PolyglotConfig    `yaml:"polyglot"`
}

type PolyglotConfig struct {
	Enabled  bool       `yaml:"enabled"`
	MaxDepth int        `yaml:"max_depth"`
	Book     BookConfig `yaml:"book"`
}

// BookConfig maps variant keys to polyglot files next to the selection policy,
// e.g. {standard: book.bin, selection: best_move, min_weight: 1}.
type BookConfig struct {
	Selection string            `yaml:"selection"`
	MinWeight int               `yaml:"min_weight"`
	Files     map[string]string `yaml:",inline"`
}

type ChallengeConfig struct {
	Concurrency  int      `yaml:"concurrency"`
	SortBy       string   `yaml:"sort_by"`
	AcceptBot    bool     `yaml:"accept_bot"`
	OnlyBot      bool     `yaml:"only_bot"`
	Variants     []string `yaml:"variants"`
	TimeControls []string `yaml:"time_controls"`
	Modes        []string `yaml:"modes"`
	MinBase      int      `yaml:"min_base"`
	MaxBase      int      `yaml:"max_base"`
	MinIncrement int      `yaml:"min_increment"`
	MaxIncrement int      `yaml:"max_increment"`
	MinRating    int      `yaml:"min_rating"`
	MaxRating    int      `yaml:"max_rating"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Load reads path (a missing default file is tolerated), applies env overrides
// and defaults, then validates.
func Load(path string) (*AppConfig, error) {
	cfg := &AppConfig{}

	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultPath
	}
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("LISHOGI_TOKEN")); v != "" {
		c.Token = v
	}
	if v := strings.TrimSpace(os.Getenv("LISHOGI_URL")); v != "" {
		c.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("ENGINE_PATH")); v != "" {
		c.Engine.Dir, c.Engine.Name = filepath.Split(v)
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		c.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("METRICS_ADDR")); v != "" {
		c.MetricsAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("MAX_CONCURRENT_GAMES")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Challenge.Concurrency = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("FAKE_THINK_TIME")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.FakeThinkTime = b
		}
	}
}

func (c *AppConfig) applyDefaults() {
	c.URL = strings.TrimRight(strings.TrimSpace(c.URL), "/")
	if c.AbortTimeSec <= 0 {
		c.AbortTimeSec = 20
	}
	if c.ReconnectGraceSec <= 0 {
		c.ReconnectGraceSec = 10
	}
	if c.Challenge.Concurrency <= 0 {
		c.Challenge.Concurrency = 1
	}
	c.Challenge.SortBy = strings.ToLower(strings.TrimSpace(c.Challenge.SortBy))
	if c.Challenge.SortBy == "" {
		c.Challenge.SortBy = SortBest
	}
	c.Engine.Protocol = strings.ToLower(strings.TrimSpace(c.Engine.Protocol))
	if c.Engine.Protocol == "" {
		c.Engine.Protocol = ProtocolUCI
	}
	if c.Engine.FirstMoveTimeMS <= 0 {
		c.Engine.FirstMoveTimeMS = 100
	}
	if c.Engine.Polyglot.MaxDepth <= 0 {
		c.Engine.Polyglot.MaxDepth = 8
	}
	book := &c.Engine.Polyglot.Book
	book.Selection = strings.ToLower(strings.TrimSpace(book.Selection))
	if book.Selection == "" {
		book.Selection = SelectionWeightedRandom
	}
	if book.MinWeight <= 0 {
		book.MinWeight = 1
	}
}

func (c *AppConfig) Validate() error {
	if c.Token == "" {
		return errors.New("token is required")
	}
	if c.URL == "" {
		return errors.New("url is required")
	}
	if strings.TrimSpace(c.Engine.Name) == "" {
		return errors.New("engine.name is required")
	}
	switch c.Challenge.SortBy {
	case SortBest, SortFIFO:
	default:
		return fmt.Errorf("challenge.sort_by must be best or fifo, got %q", c.Challenge.SortBy)
	}
	switch c.Engine.Protocol {
	case ProtocolUCI, ProtocolUSI:
	default:
		return fmt.Errorf("engine.protocol must be uci or usi, got %q", c.Engine.Protocol)
	}
	switch c.Engine.Polyglot.Book.Selection {
	case SelectionWeightedRandom, SelectionUniformRandom, SelectionBestMove:
	default:
		return fmt.Errorf("unknown book selection %q", c.Engine.Polyglot.Book.Selection)
	}
	if c.EventQueueLimit < 0 {
		return fmt.Errorf("event_queue_limit must be >= 0: %d", c.EventQueueLimit)
	}
	return nil
}

func (c *AppConfig) EnginePath() string {
	return filepath.Join(c.Engine.Dir, c.Engine.Name)
}

func (c *AppConfig) AbortTime() time.Duration {
	return time.Duration(c.AbortTimeSec) * time.Second
}

// AbortTimeFor returns the abort window for a game against opponent.
func (c *AppConfig) AbortTimeFor(opponent string) time.Duration {
	for name, sec := range c.AbortTimeOverrides {
		if sec > 0 && strings.EqualFold(strings.TrimSpace(name), strings.TrimSpace(opponent)) {
			return time.Duration(sec) * time.Second
		}
	}
	return c.AbortTime()
}

func (c *AppConfig) ReconnectGrace() time.Duration {
	return time.Duration(c.ReconnectGraceSec) * time.Second
}

func (c *AppConfig) FirstMoveTime() time.Duration {
	return time.Duration(c.Engine.FirstMoveTimeMS) * time.Millisecond
}
