package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/zzhangb4/Lishogi-Bot/internal/botapi"
	"github.com/zzhangb4/Lishogi-Bot/internal/metrics"
	"github.com/zzhangb4/Lishogi-Bot/internal/obslog"
)

// DefaultGrace is the pause before reopening the control stream.
const DefaultGrace = 10 * time.Second

// EventStreamer opens the control stream.
type EventStreamer interface {
	StreamEvents(ctx context.Context) (botapi.LineStream, error)
}

// SleepFunc waits d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Consumer keeps one control connection open and feeds the queue. It never
// reads scheduler state.
type Consumer struct {
	api     EventStreamer
	queue   *Queue
	grace   time.Duration
	sleep   SleepFunc
	logger  *zap.Logger
	metrics *metrics.Recorder
}

type Option func(*Consumer)

func WithGrace(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.grace = d
		}
	}
}

func WithSleep(fn SleepFunc) Option {
	return func(c *Consumer) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Consumer) { c.logger = l }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Consumer) { c.metrics = m }
}

func NewConsumer(api EventStreamer, queue *Queue, opts ...Option) *Consumer {
	c := &Consumer{
		api:   api,
		queue: queue,
		grace: DefaultGrace,
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = obslog.Or(c.logger).With(zap.String("component", "control_stream"))
	return c
}

// Run reopens the stream after every failure or terminated record until ctx
// ends. It returns nil on shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		reason, err := c.watch(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, ErrQueueClosed) {
			c.logger.Info("control_stream_queue_closed")
			return nil
		}
		if err != nil {
			c.logger.Error("control_stream_failed", zap.String("reason", reason), zap.Error(err))
		} else {
			c.logger.Info("control_stream_terminated_reconnecting", zap.Duration("grace", c.grace))
		}
		c.metrics.Reconnect(reason)
		if err := c.sleep(ctx, c.grace); err != nil {
			return nil
		}
	}
}

// watch runs one stream attempt and reports why it ended.
func (c *Consumer) watch(ctx context.Context) (string, error) {
	stream, err := c.api.StreamEvents(ctx)
	if err != nil {
		return "open", fmt.Errorf("open control stream: %w", err)
	}
	defer stream.Close()

	if err := c.queue.Push(Event{Type: TypeConnected}); err != nil {
		return "queue", err
	}
	c.logger.Info("control_stream_connected")

	for {
		line, err := stream.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return "eof", fmt.Errorf("control stream ended: %w", err)
			}
			return "read", fmt.Errorf("read control stream: %w", err)
		}
		if len(line) == 0 {
			if err := c.queue.Push(Event{Type: TypePing}); err != nil {
				return "queue", err
			}
			continue
		}

		ev, err := Decode(line)
		if err != nil {
			c.logger.Error("control_record_malformed", zap.ByteString("raw", line), zap.Error(err))
			return "malformed", err
		}
		if ev.Type == TypeTerminated {
			return "terminated", nil
		}
		c.logger.Debug("control_event", zap.String("event_type", string(ev.Type)))
		if err := c.queue.Push(ev); err != nil {
			return "queue", err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
