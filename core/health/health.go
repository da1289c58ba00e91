package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dmitrymomot/conveyor/core/logger"
)

// DefaultTimeout bounds a single readiness check.
const DefaultTimeout = 5 * time.Second

// ErrNotReady wraps every failed readiness check.
var ErrNotReady = errors.New("service not ready")

// Check verifies one dependency.
type Check func(ctx context.Context) error

// Checks maps component names to their checks.
type Checks map[string]Check

// Report is the per-component outcome of a readiness check.
type Report map[string]error

// Err joins every failure, ordered by component name.
func (r Report) Err() error {
	names := make([]string, 0, len(r))
	for name, err := range r {
		if err != nil {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return nil
	}
	sort.Strings(names)

	errs := make([]error, 0, len(names)+1)
	errs = append(errs, ErrNotReady)
	for _, name := range names {
		errs = append(errs, fmt.Errorf("%s: %w", name, r[name]))
	}
	return errors.Join(errs...)
}

// Evaluate runs every check concurrently, each bounded by DefaultTimeout.
func (c Checks) Evaluate(ctx context.Context) Report {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(Report, len(c))
	)
	for name, check := range c {
		wg.Add(1)
		go func() {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
			defer cancel()

			err := run(cctx, check)
			mu.Lock()
			out[name] = err
			mu.Unlock()
		}()
	}
	wg.Wait()
	return out
}

// Ready returns nil when every check passes.
func (c Checks) Ready(ctx context.Context) error {
	return c.Evaluate(ctx).Err()
}

// Liveness always succeeds; the process answering is the signal.
func Liveness(context.Context) error {
	return nil
}

// Watch checks readiness every interval until ctx is done and logs transitions.
// Use it with errgroup: g.Go(health.Watch(ctx, log, checks, time.Minute)).
func Watch(ctx context.Context, log *slog.Logger, checks Checks, interval time.Duration) func() error {
	return func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		ready := true
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}

			err := checks.Ready(ctx)
			switch {
			case err != nil && ctx.Err() == nil:
				log.ErrorContext(ctx, "readiness check failed", logger.Error(err))
				ready = false
			case err == nil && !ready:
				log.InfoContext(ctx, "service ready again")
				ready = true
			}
		}
	}
}

func run(ctx context.Context, check Check) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("check panicked: %v", r)
		}
	}()
	if check == nil {
		return errors.New("check is nil")
	}
	return check(ctx)
}
