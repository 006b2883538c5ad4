package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/zzhangb4/Lishogi-Bot/internal/obslog"
	"github.com/zzhangb4/Lishogi-Bot/internal/variant"
)

type LauncherConfig struct {
	Path     string
	Protocol string
	Options  map[string]string
	// Capacity caps concurrently running processes; <= 0 means one.
	Capacity int
	Logger   *zap.Logger
}

// Launcher starts one process per session and keeps track of the live ones
// so shutdown can reap them.
type Launcher struct {
	cfg    LauncherConfig
	slots  chan struct{}
	logger *zap.Logger

	mu   sync.Mutex
	live map[*Process]struct{}
}

var _ Factory = (*Launcher)(nil)

func NewLauncher(cfg LauncherConfig) (*Launcher, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("engine path required")
	}
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fmt.Errorf("engine binary check: %w", err)
	}
	if _, ok := protocols[cfg.Protocol]; !ok {
		return nil, fmt.Errorf("unknown engine protocol %q", cfg.Protocol)
	}
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 1
	}
	return &Launcher{
		cfg:    cfg,
		slots:  make(chan struct{}, capacity),
		logger: obslog.Or(cfg.Logger),
		live:   make(map[*Process]struct{}),
	}, nil
}

// New starts an engine for board, waiting for a free slot if the cap is
// reached. The slot is returned when the engine quits.
func (l *Launcher) New(ctx context.Context, board variant.Board) (Engine, error) {
	select {
	case l.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	p, err := StartProcess(ctx, ProcessConfig{
		Path:     l.cfg.Path,
		Protocol: l.cfg.Protocol,
		Options:  l.cfg.Options,
		Logger:   l.logger,
	}, board)
	if err != nil {
		<-l.slots
		return nil, err
	}

	l.mu.Lock()
	l.live[p] = struct{}{}
	l.mu.Unlock()
	p.onQuit = func() {
		l.mu.Lock()
		delete(l.live, p)
		l.mu.Unlock()
		<-l.slots
	}
	return p, nil
}

// Running reports the number of live processes.
func (l *Launcher) Running() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

// Close quits every live process.
func (l *Launcher) Close() error {
	l.mu.Lock()
	procs := make([]*Process, 0, len(l.live))
	for p := range l.live {
		procs = append(procs, p)
	}
	l.mu.Unlock()

	var errs []error
	for _, p := range procs {
		if err := p.Quit(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
