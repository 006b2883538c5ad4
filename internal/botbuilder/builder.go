// Package botbuilder wires the configured collaborators into a runnable bot.
package botbuilder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zzhangb4/Lishogi-Bot/internal/botapi"
	"github.com/zzhangb4/Lishogi-Bot/internal/config"
	"github.com/zzhangb4/Lishogi-Bot/internal/control"
	"github.com/zzhangb4/Lishogi-Bot/internal/conversation"
	"github.com/zzhangb4/Lishogi-Bot/internal/engine"
	"github.com/zzhangb4/Lishogi-Bot/internal/lease"
	"github.com/zzhangb4/Lishogi-Bot/internal/metrics"
	"github.com/zzhangb4/Lishogi-Bot/internal/movesource"
	"github.com/zzhangb4/Lishogi-Bot/internal/openingbook"
	"github.com/zzhangb4/Lishogi-Bot/internal/retry"
	"github.com/zzhangb4/Lishogi-Bot/internal/scheduler"
	"github.com/zzhangb4/Lishogi-Bot/internal/session"
)

// ErrNotBot is returned for an account that has not been upgraded.
var ErrNotBot = errors.New("account is not a bot account")

type Options struct {
	// Upgrade turns a regular account into a bot account.
	Upgrade       bool
	ClientOptions []botapi.Option
	Logger        *zap.Logger
}

type Deps struct {
	Config    *config.AppConfig
	API       *botapi.Client
	Profile   *botapi.Profile
	Events    *control.Queue
	Runner    *session.Runner
	Scheduler *scheduler.Scheduler
	Engines   *engine.Launcher
	Metrics   *metrics.Recorder
	Lease     *lease.Lease

	redis  *redis.Client
	logger *zap.Logger
}

func New(ctx context.Context, cfg *config.AppConfig, opts Options) (*Deps, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client := botapi.NewClient(cfg.URL, cfg.Token, opts.ClientOptions...)
	profile, err := client.GetProfile(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch profile: %w", err)
	}
	if !profile.IsBot() && opts.Upgrade {
		if err := client.UpgradeToBot(ctx); err != nil {
			return nil, fmt.Errorf("upgrade account: %w", err)
		}
		logger.Info("account_upgraded", zap.String("username", profile.Username))
		profile.Title = "BOT"
	}
	if !profile.IsBot() {
		return nil, fmt.Errorf("%w: %s (upgrade with -u)", ErrNotBot, profile.Username)
	}
	logger.Info("profile_loaded", zap.String("username", profile.Username))

	rec := metrics.NewRecorder()

	engines, err := engine.NewLauncher(engine.LauncherConfig{
		Path:     cfg.EnginePath(),
		Protocol: cfg.Engine.Protocol,
		Options:  cfg.Engine.Options,
		Capacity: cfg.Challenge.Concurrency + 1,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("init engine: %w", err)
	}

	// A nil *openingbook.Book must not reach the interface.
	var book movesource.BookLookup
	if cfg.Engine.Polyglot.Enabled {
		b := openingbook.New(cfg.Engine.Polyglot.Book, openingbook.WithLogger(logger))
		if err := b.Check(); err != nil {
			_ = engines.Close()
			return nil, fmt.Errorf("polyglot book: %w", err)
		}
		book = b
	}
	moves := movesource.New(book, cfg.Engine.Polyglot.MaxDepth, cfg.FirstMoveTime(), logger)

	events := control.NewQueue(cfg.EventQueueLimit)
	consumer := control.NewConsumer(client, events,
		control.WithGrace(cfg.ReconnectGrace()),
		control.WithLogger(logger),
		control.WithMetrics(rec),
	)

	policy := retry.Default()
	policy.Logger = logger
	runner := session.NewRunner(session.Config{
		Username:      profile.Username,
		BaseURL:       cfg.URL,
		AbortTime:     cfg.AbortTimeFor,
		FakeThinkTime: cfg.FakeThinkTime,
		Retry:         policy,
	}, session.Deps{
		API:     client,
		Engines: engines,
		Moves:   moves,
		Chat:    conversation.NewLogHandler(logger),
		Events:  events,
		Metrics: rec,
		Logger:  logger,
	})

	sched := scheduler.New(scheduler.Config{Challenge: cfg.Challenge}, client, events, consumer, runner,
		scheduler.WithLogger(logger),
		scheduler.WithMetrics(rec),
	)

	d := &Deps{
		Config:    cfg,
		API:       client,
		Profile:   profile,
		Events:    events,
		Runner:    runner,
		Scheduler: sched,
		Engines:   engines,
		Metrics:   rec,
		logger:    logger,
	}

	// Lease (Redis optional)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		ropts, err := lease.ParseRedisURL(cfg.RedisURL)
		if err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		d.redis = redis.NewClient(ropts)
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := d.redis.Ping(pctx).Err(); err != nil {
			_ = d.Close()
			return nil, fmt.Errorf("redis ping: %w", err)
		}
		d.Lease = lease.New(d.redis, profile.Username, lease.DefaultTTL, logger)
		if err := d.Lease.Acquire(pctx); err != nil {
			d.Lease = nil
			_ = d.Close()
			return nil, err
		}
	}
	return d, nil
}

// Run drives the scheduler until ctx ends. A lost lease stops the loop the
// same way a shutdown signal does, but is reported as an error.
func (d *Deps) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var aux errgroup.Group
	var ln net.Listener
	if addr := strings.TrimSpace(d.Config.MetricsAddr); addr != "" {
		var err error
		if ln, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("metrics listen: %w", err)
		}
		srv := &fasthttp.Server{
			Handler:      fasthttpadaptor.NewFastHTTPHandler(d.Metrics.Handler()),
			Name:         "lishogi-bot",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		}
		d.logger.Info("metrics_listen", zap.String("addr", ln.Addr().String()))
		aux.Go(func() error {
			if err := srv.Serve(ln); err != nil && runCtx.Err() == nil {
				d.logger.Warn("metrics_server_stopped", zap.Error(err))
			}
			return nil
		})
	}

	if d.Lease != nil {
		aux.Go(func() error {
			if err := d.Lease.Keep(runCtx); err != nil {
				cancel(err)
				return err
			}
			return nil
		})
	}

	err := d.Scheduler.Run(runCtx)
	cancel(nil)
	if ln != nil {
		_ = ln.Close()
	}
	return errors.Join(err, aux.Wait())
}

// Close stops leftover engines and gives up the lease.
func (d *Deps) Close() error {
	var errs []error
	if d.Engines != nil {
		errs = append(errs, d.Engines.Close())
	}
	if d.Lease != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		errs = append(errs, d.Lease.Release(ctx))
		cancel()
	}
	if d.redis != nil {
		errs = append(errs, d.redis.Close())
	}
	return errors.Join(errs...)
}
