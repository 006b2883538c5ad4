// Package retry wraps long-running fallible operations with exponential
// backoff and sorts failures into retryable and terminal ones.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/zzhangb4/Lishogi-Bot/internal/obslog"
)

const (
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 60 * time.Second
	DefaultMaxElapsed      = 10 * time.Minute
)

// Terminal marks err as not worth retrying.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Classifier reports whether err ends the retry loop.
type Classifier func(err error) bool

// IsTerminal is the default classifier: context errors and anything wrapped
// with Terminal stop the loop.
func IsTerminal(err error) bool {
	var t *terminalError
	if errors.As(err, &t) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// Policy is exponential backoff with a ceiling on total elapsed time.
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
	Classify        Classifier

	// Clock and Timer replace wall time in tests.
	Clock backoff.Clock
	Timer backoff.Timer

	Logger *zap.Logger
}

// Default returns the per-game policy: unlimited attempts within ten minutes.
func Default() Policy {
	return Policy{
		InitialInterval: DefaultInitialInterval,
		MaxInterval:     DefaultMaxInterval,
		MaxElapsed:      DefaultMaxElapsed,
	}
}

func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.MaxElapsedTime = p.MaxElapsed
	if p.Clock != nil {
		b.Clock = p.Clock
	}
	b.Reset()
	return b
}

// Do runs op until it succeeds, fails terminally, ctx ends, or the elapsed
// ceiling is reached. The last error is returned unwrapped from Terminal.
func (p Policy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	classify := p.Classify
	if classify == nil {
		classify = IsTerminal
	}
	logger := obslog.Or(p.Logger)

	attempt := 0
	operation := func() error {
		attempt++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if classify(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("retry_scheduled",
			zap.String("op", name),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotifyWithTimer(operation, backoff.WithContext(p.newBackOff(), ctx), notify, p.Timer)
	var t *terminalError
	if errors.As(err, &t) {
		return t.err
	}
	return err
}
