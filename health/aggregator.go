package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/apiguard/clock"
	"github.com/jonwraymond/apiguard/observe"
)

// AggregatorConfig configures the health aggregator.
type AggregatorConfig struct {
	// Timeout bounds each individual check.
	// Default: 10 seconds
	Timeout time.Duration

	// Concurrency limits checks running at once. Zero means unlimited.
	Concurrency int

	Clock  clock.Clock
	Logger observe.Logger
}

// Report is the combined outcome of every registered check.
type Report struct {
	Status    Status
	Timestamp time.Time
	Checks    map[string]Result
}

// Names returns the check names in sorted order.
func (r Report) Names() []string {
	names := make([]string, 0, len(r.Checks))
	for name := range r.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Aggregator runs registered checkers concurrently.
type Aggregator struct {
	config AggregatorConfig
	clock  clock.Clock
	logger observe.Logger

	mu       sync.RWMutex
	checkers map[string]Checker
	order    []string
}

// NewAggregator creates a new health aggregator.
func NewAggregator(config ...AggregatorConfig) *Aggregator {
	var cfg AggregatorConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	return &Aggregator{
		config:   cfg,
		clock:    clock.OrReal(cfg.Clock),
		logger:   observe.OrNop(cfg.Logger),
		checkers: make(map[string]Checker),
	}
}

// Register adds c under its own name, replacing any checker of that name.
func (a *Aggregator) Register(c Checker) {
	a.mu.Lock()
	defer a.mu.Unlock()

	name := c.Name()
	if _, exists := a.checkers[name]; !exists {
		a.order = append(a.order, name)
	}
	a.checkers[name] = c
}

// Unregister removes a health checker from the aggregator.
func (a *Aggregator) Unregister(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.checkers[name]; !ok {
		return
	}
	delete(a.checkers, name)
	for i, n := range a.order {
		if n == name {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// CheckerNames returns the names of all registered checkers in
// registration order.
func (a *Aggregator) CheckerNames() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]string(nil), a.order...)
}

// Check runs a single named health check.
func (a *Aggregator) Check(ctx context.Context, name string) (Result, error) {
	a.mu.RLock()
	checker, ok := a.checkers[name]
	a.mu.RUnlock()

	if !ok {
		return Result{}, ErrCheckerNotFound
	}
	return a.runCheck(ctx, checker), nil
}

// CheckAll runs every registered check. The report's status is the worst
// individual status; an empty aggregator is healthy.
func (a *Aggregator) CheckAll(ctx context.Context) Report {
	a.mu.RLock()
	checkers := make([]Checker, 0, len(a.order))
	for _, name := range a.order {
		checkers = append(checkers, a.checkers[name])
	}
	a.mu.RUnlock()

	report := Report{
		Status:    StatusHealthy,
		Timestamp: a.clock.Now(),
		Checks:    make(map[string]Result, len(checkers)),
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	if a.config.Concurrency > 0 {
		g.SetLimit(a.config.Concurrency)
	}
	for _, c := range checkers {
		g.Go(func() error {
			res := a.runCheck(gctx, c)
			mu.Lock()
			report.Checks[c.Name()] = res
			report.Status = report.Status.Worst(res.Status)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return report
}

func (a *Aggregator) runCheck(ctx context.Context, c Checker) Result {
	start := a.clock.Now()
	ctx, cancel := context.WithTimeout(ctx, a.config.Timeout)
	defer cancel()

	resultCh := make(chan Result, 1)
	go func() {
		resultCh <- c.Check(ctx)
	}()

	var res Result
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		res = Unhealthy("check timed out", ErrCheckTimeout)
	}
	res.Duration = a.clock.Since(start)
	res.Timestamp = start

	if res.Status != StatusHealthy {
		fields := []observe.Field{
			{Key: "check", Value: c.Name()},
			{Key: "status", Value: res.Status.String()},
			{Key: "message", Value: res.Message},
		}
		if res.Error != nil {
			fields = append(fields, observe.Field{Key: "error", Value: res.Error})
		}
		a.logger.Warn(ctx, "health check not healthy", fields...)
	}
	return res
}

// Checker exposes the aggregator itself as a Checker named "aggregate".
func (a *Aggregator) Checker() Checker {
	return NewCheckerFunc("aggregate", func(ctx context.Context) Result {
		report := a.CheckAll(ctx)

		details := make(map[string]any, len(report.Checks))
		for name, res := range report.Checks {
			details[name] = res.Status.String()
		}

		var message string
		switch report.Status {
		case StatusHealthy:
			message = "all checks passed"
		case StatusDegraded:
			message = "some checks degraded"
		default:
			message = "some checks failed"
		}
		return Result{Status: report.Status, Message: message, Details: details}
	})
}
