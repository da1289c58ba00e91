package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultLimit applies to queues without an explicit limit.
var DefaultLimit = Limit{Max: 100, Window: time.Hour}

// Key identifies one rate limit window.
type Key struct {
	UserID string
	Queue  string
}

// Limit is the number of admissions allowed per window.
type Limit struct {
	Max    int
	Window time.Duration
}

func (l Limit) valid() bool {
	return l.Max > 0 && l.Window > 0
}

// Result reports the outcome of a check.
type Result struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
	Limit     int
}

// RetryAfter returns how long to wait before the window resets.
// Zero when the request was allowed.
func (r Result) RetryAfter() time.Duration {
	if r.Allowed {
		return 0
	}
	return max(time.Until(r.ResetAt), 0)
}

type window struct {
	count   int
	resetAt time.Time
}

// Stats provides observability metrics for monitoring and debugging.
type Stats struct {
	ActiveWindows  int   // Current number of tracked windows
	WindowsCreated int64 // Total number of windows created
	WindowsEvicted int64 // Total number of expired windows removed by cleanup
	Denied         int64 // Total number of denied checks
	IsRunning      bool  // Whether the cleanup goroutine is running
}

// Limiter is an in-process fixed-window limiter keyed by (user, queue).
// Limits are advisory and per process; a restart clears every window.
type Limiter struct {
	mu       sync.Mutex
	windows  map[Key]*window
	limits   map[string]Limit
	fallback Limit
	disabled map[string]bool
	exempt   map[string]bool
	now      func() time.Time

	cleanupInterval time.Duration
	shutdownTimeout time.Duration
	logger          *slog.Logger

	lifecycleMu sync.Mutex
	cancel      context.CancelFunc
	running     atomic.Bool
	wg          sync.WaitGroup

	windowsCreated atomic.Int64
	windowsEvicted atomic.Int64
	denied         atomic.Int64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithDefaultLimit sets the limit for queues without an explicit one.
func WithDefaultLimit(l Limit) Option {
	return func(rl *Limiter) {
		if l.valid() {
			rl.fallback = l
		}
	}
}

// WithQueueLimit sets the limit of a single queue.
func WithQueueLimit(queue string, l Limit) Option {
	return func(rl *Limiter) {
		if l.valid() {
			rl.limits[queue] = l
		}
	}
}

// WithCleanupInterval sets how often expired windows are evicted.
// Set to 0 to disable automatic cleanup.
func WithCleanupInterval(interval time.Duration) Option {
	return func(rl *Limiter) {
		rl.cleanupInterval = interval
	}
}

// WithShutdownTimeout sets the graceful shutdown timeout.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(rl *Limiter) {
		if timeout > 0 {
			rl.shutdownTimeout = timeout
		}
	}
}

// WithLogger sets the logger for internal operations.
func WithLogger(logger *slog.Logger) Option {
	return func(rl *Limiter) {
		if logger != nil {
			rl.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(rl *Limiter) {
		if now != nil {
			rl.now = now
		}
	}
}

// New creates a limiter. Call Start() or Run() to evict expired windows.
func New(opts ...Option) *Limiter {
	rl := &Limiter{
		windows:         make(map[Key]*window),
		limits:          make(map[string]Limit),
		fallback:        DefaultLimit,
		disabled:        make(map[string]bool),
		exempt:          make(map[string]bool),
		now:             time.Now,
		cleanupInterval: 5 * time.Minute,
		shutdownTimeout: 30 * time.Second,
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	for _, opt := range opts {
		opt(rl)
	}

	return rl
}

// NewFromConfig creates a limiter from configuration.
// Additional options override config values.
func NewFromConfig(cfg Config, opts ...Option) *Limiter {
	configOpts := []Option{
		WithDefaultLimit(Limit{Max: cfg.DefaultMax, Window: cfg.DefaultWindow}),
		WithCleanupInterval(cfg.CleanupInterval),
		WithShutdownTimeout(cfg.ShutdownTimeout),
	}
	return New(append(configOpts, opts...)...)
}

// CheckAndConsume admits one request for the key when the window has room.
// Disabled queues and exempt users are always allowed without consuming.
func (rl *Limiter) CheckAndConsume(userID, queue string) Result {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l := rl.limitFor(queue)
	now := rl.now()

	if rl.bypass(userID, queue) {
		return Result{Allowed: true, Remaining: l.Max, ResetAt: now.Add(l.Window), Limit: l.Max}
	}

	key := Key{UserID: userID, Queue: queue}
	w, ok := rl.windows[key]
	if !ok {
		w = &window{resetAt: now.Add(l.Window)}
		rl.windows[key] = w
		rl.windowsCreated.Add(1)
	}
	if now.After(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(l.Window)
	}

	if w.count >= l.Max {
		rl.denied.Add(1)
		return Result{Allowed: false, Remaining: 0, ResetAt: w.resetAt, Limit: l.Max}
	}

	w.count++
	return Result{Allowed: true, Remaining: l.Max - w.count, ResetAt: w.resetAt, Limit: l.Max}
}

// Allow is CheckAndConsume returning *ExceededError on denial.
func (rl *Limiter) Allow(userID, queue string) (Result, error) {
	res := rl.CheckAndConsume(userID, queue)
	if res.Allowed {
		return res, nil
	}
	return res, &ExceededError{
		UserID:     userID,
		Queue:      queue,
		Limit:      res.Limit,
		ResetAt:    res.ResetAt,
		RetryAfter: max(res.ResetAt.Sub(rl.now()), 0),
	}
}

// AllowAll admits one request per key, all or nothing: either every key has
// room and all are consumed, or nothing is. A key listed n times needs n units.
// Denial returns *ExceededError for the first key short of room.
func (rl *Limiter) AllowAll(keys ...Key) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	need := make(map[Key]int, len(keys))
	order := make([]Key, 0, len(keys))
	for _, k := range keys {
		if rl.bypass(k.UserID, k.Queue) {
			continue
		}
		if need[k] == 0 {
			order = append(order, k)
		}
		need[k]++
	}

	for _, k := range order {
		l := rl.limitFor(k.Queue)
		used, resetAt := 0, now.Add(l.Window)
		if w, ok := rl.windows[k]; ok && !now.After(w.resetAt) {
			used, resetAt = w.count, w.resetAt
		}
		if used+need[k] > l.Max {
			rl.denied.Add(1)
			return &ExceededError{
				UserID:     k.UserID,
				Queue:      k.Queue,
				Limit:      l.Max,
				ResetAt:    resetAt,
				RetryAfter: max(resetAt.Sub(now), 0),
			}
		}
	}

	for _, k := range order {
		l := rl.limitFor(k.Queue)
		w, ok := rl.windows[k]
		if !ok {
			w = &window{resetAt: now.Add(l.Window)}
			rl.windows[k] = w
			rl.windowsCreated.Add(1)
		}
		if now.After(w.resetAt) {
			w.count = 0
			w.resetAt = now.Add(l.Window)
		}
		w.count += need[k]
	}
	return nil
}

// Status reports the current window without consuming.
func (rl *Limiter) Status(userID, queue string) Result {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	l := rl.limitFor(queue)
	now := rl.now()

	if rl.bypass(userID, queue) {
		return Result{Allowed: true, Remaining: l.Max, ResetAt: now.Add(l.Window), Limit: l.Max}
	}

	w, ok := rl.windows[Key{UserID: userID, Queue: queue}]
	if !ok || now.After(w.resetAt) {
		return Result{Allowed: true, Remaining: l.Max, ResetAt: now.Add(l.Window), Limit: l.Max}
	}

	remaining := max(l.Max-w.count, 0)
	return Result{Allowed: remaining > 0, Remaining: remaining, ResetAt: w.resetAt, Limit: l.Max}
}

// SetLimit changes the limit of a queue. Existing windows keep their reset time.
func (rl *Limiter) SetLimit(queue string, l Limit) error {
	if !l.valid() {
		return fmt.Errorf("%w: max and window must be positive", ErrInvalidConfig)
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.limits[queue] = l
	return nil
}

// LimitFor returns the effective limit of a queue.
func (rl *Limiter) LimitFor(queue string) Limit {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.limitFor(queue)
}

// SetQueueEnabled turns limiting on or off for a queue.
func (rl *Limiter) SetQueueEnabled(queue string, enabled bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if enabled {
		delete(rl.disabled, queue)
	} else {
		rl.disabled[queue] = true
	}
}

// SetUserExempt exempts a user from every queue limit, or revokes the exemption.
func (rl *Limiter) SetUserExempt(userID string, exempt bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if exempt {
		rl.exempt[userID] = true
	} else {
		delete(rl.exempt, userID)
	}
}

// Reset drops the window of a key.
func (rl *Limiter) Reset(userID, queue string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	delete(rl.windows, Key{UserID: userID, Queue: queue})
}

func (rl *Limiter) limitFor(queue string) Limit {
	if l, ok := rl.limits[queue]; ok {
		return l
	}
	return rl.fallback
}

func (rl *Limiter) bypass(userID, queue string) bool {
	return rl.disabled[queue] || rl.exempt[userID]
}

// Start begins the background eviction of expired windows. This is a blocking
// operation that runs until the context is cancelled. Use Run() for errgroup pattern.
func (rl *Limiter) Start(ctx context.Context) error {
	rl.lifecycleMu.Lock()
	if rl.cancel != nil {
		rl.lifecycleMu.Unlock()
		return ErrAlreadyStarted
	}
	if rl.cleanupInterval <= 0 {
		rl.lifecycleMu.Unlock()
		return ErrCleanupDisabled
	}
	ctx, rl.cancel = context.WithCancel(ctx)
	rl.lifecycleMu.Unlock()

	rl.running.Store(true)
	defer rl.running.Store(false)

	rl.logger.InfoContext(ctx, "rate limiter cleanup started",
		slog.Duration("cleanup_interval", rl.cleanupInterval))

	ticker := time.NewTicker(rl.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rl.logger.InfoContext(context.Background(), "rate limiter cleanup stopping")
			return ctx.Err()
		case <-ticker.C:
			rl.evictWithWait()
		}
	}
}

// Stop gracefully shuts down the background cleanup with a timeout.
func (rl *Limiter) Stop() error {
	rl.lifecycleMu.Lock()
	if rl.cancel == nil {
		rl.lifecycleMu.Unlock()
		return ErrNotStarted
	}
	cancel := rl.cancel
	rl.cancel = nil
	rl.lifecycleMu.Unlock()

	cancel()

	ctx, ctxCancel := context.WithTimeout(context.Background(), rl.shutdownTimeout)
	defer ctxCancel()

	done := make(chan struct{})
	go func() {
		rl.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		rl.logger.InfoContext(context.Background(), "rate limiter stopped cleanly")
		return nil
	case <-ctx.Done():
		rl.logger.WarnContext(context.Background(), "rate limiter shutdown timeout exceeded",
			slog.Duration("timeout", rl.shutdownTimeout))
		return fmt.Errorf("shutdown timeout exceeded after %s", rl.shutdownTimeout)
	}
}

// Run provides errgroup compatibility for coordinated lifecycle management.
func (rl *Limiter) Run(ctx context.Context) func() error {
	return func() error {
		errCh := make(chan error, 1)
		go func() {
			errCh <- rl.Start(ctx)
		}()

		select {
		case <-ctx.Done():
			_ = rl.Stop()
			<-errCh
			return nil
		case err := <-errCh:
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				_ = rl.Stop()
				return nil
			}
			return err
		}
	}
}

func (rl *Limiter) evictWithWait() {
	rl.wg.Add(1)
	defer rl.wg.Done()
	rl.Evict()
}

// Evict removes windows whose reset time has passed and returns how many were dropped.
func (rl *Limiter) Evict() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for key, w := range rl.windows {
		if now.After(w.resetAt) {
			delete(rl.windows, key)
			removed++
		}
	}

	if removed > 0 {
		rl.windowsEvicted.Add(int64(removed))
	}
	return removed
}

// Stats returns current limiter statistics.
func (rl *Limiter) Stats() Stats {
	rl.mu.Lock()
	active := len(rl.windows)
	rl.mu.Unlock()

	return Stats{
		ActiveWindows:  active,
		WindowsCreated: rl.windowsCreated.Load(),
		WindowsEvicted: rl.windowsEvicted.Load(),
		Denied:         rl.denied.Load(),
		IsRunning:      rl.running.Load(),
	}
}

// Healthcheck reports an error when cleanup is configured but not running.
func (rl *Limiter) Healthcheck(ctx context.Context) error {
	if rl.cleanupInterval > 0 && !rl.running.Load() {
		return errors.Join(ErrHealthcheckFailed, ErrNotStarted)
	}
	return nil
}
