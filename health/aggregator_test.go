package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func static(name string, r Result) Checker {
	return NewCheckerFunc(name, func(context.Context) Result { return r })
}

func TestAggregator_Empty(t *testing.T) {
	report := NewAggregator().CheckAll(context.Background())
	assert.Equal(t, StatusHealthy, report.Status)
	assert.Empty(t, report.Checks)
}

func TestAggregator_WorstStatusWins(t *testing.T) {
	tests := []struct {
		name    string
		results []Result
		want    Status
	}{
		{"all healthy", []Result{Healthy("a"), Healthy("b")}, StatusHealthy},
		{"one degraded", []Result{Healthy("a"), Degraded("b")}, StatusDegraded},
		{"one unhealthy", []Result{Degraded("a"), Unhealthy("b", nil)}, StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := NewAggregator()
			for i, r := range tt.results {
				agg.Register(static(string(rune('a'+i)), r))
			}
			report := agg.CheckAll(context.Background())
			if report.Status != tt.want {
				t.Errorf("Status = %v, want %v", report.Status, tt.want)
			}
			if len(report.Checks) != len(tt.results) {
				t.Errorf("len(Checks) = %d, want %d", len(report.Checks), len(tt.results))
			}
		})
	}
}

func TestAggregator_RegisterReplacesAndUnregister(t *testing.T) {
	agg := NewAggregator()
	agg.Register(static("db", Unhealthy("down", nil)))
	agg.Register(static("redis", Healthy("ok")))
	agg.Register(static("db", Healthy("ok")))

	assert.Equal(t, []string{"db", "redis"}, agg.CheckerNames())
	assert.Equal(t, StatusHealthy, agg.CheckAll(context.Background()).Status)

	agg.Unregister("db")
	agg.Unregister("missing")
	assert.Equal(t, []string{"redis"}, agg.CheckerNames())
}

func TestAggregator_Check(t *testing.T) {
	agg := NewAggregator()
	agg.Register(static("db", Degraded("slow")))

	res, err := agg.Check(context.Background(), "db")
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, res.Status)
	assert.False(t, res.Timestamp.IsZero())

	_, err = agg.Check(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrCheckerNotFound)
}

func TestAggregator_Timeout(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{Timeout: 20 * time.Millisecond})
	agg.Register(NewCheckerFunc("hang", func(ctx context.Context) Result {
		<-ctx.Done()
		time.Sleep(50 * time.Millisecond)
		return Healthy("late")
	}))
	agg.Register(static("fast", Healthy("ok")))

	report := agg.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, report.Status)
	assert.ErrorIs(t, report.Checks["hang"].Error, ErrCheckTimeout)
	assert.Equal(t, StatusHealthy, report.Checks["fast"].Status)
}

func TestAggregator_RunsConcurrently(t *testing.T) {
	agg := NewAggregator()
	var running, peak atomic.Int32
	release := make(chan struct{})

	for _, name := range []string{"a", "b", "c"} {
		agg.Register(NewCheckerFunc(name, func(context.Context) Result {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return Healthy("ok")
		}))
	}

	done := make(chan Report)
	go func() { done <- agg.CheckAll(context.Background()) }()

	require.Eventually(t, func() bool { return running.Load() == 3 }, time.Second, time.Millisecond)
	close(release)
	report := <-done
	assert.Equal(t, int32(3), peak.Load())
	assert.Len(t, report.Checks, 3)
}

func TestAggregator_ConcurrencyLimit(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{Concurrency: 1})
	var running, peak atomic.Int32

	for _, name := range []string{"a", "b", "c"} {
		agg.Register(NewCheckerFunc(name, func(context.Context) Result {
			n := running.Add(1)
			if n > peak.Load() {
				peak.Store(n)
			}
			time.Sleep(time.Millisecond)
			running.Add(-1)
			return Healthy("ok")
		}))
	}

	agg.CheckAll(context.Background())
	assert.Equal(t, int32(1), peak.Load())
}

func TestAggregator_AsChecker(t *testing.T) {
	agg := NewAggregator()
	agg.Register(static("db", Healthy("ok")))
	agg.Register(static("cache", Degraded("full")))

	c := agg.Checker()
	assert.Equal(t, "aggregate", c.Name())

	res := c.Check(context.Background())
	assert.Equal(t, StatusDegraded, res.Status)
	assert.Equal(t, "some checks degraded", res.Message)
	assert.Equal(t, "degraded", res.Details["cache"])
}

func TestReport_Names(t *testing.T) {
	r := Report{Checks: map[string]Result{"b": {}, "a": {}}}
	assert.Equal(t, []string{"a", "b"}, r.Names())
}

func TestAggregator_ErrorPreserved(t *testing.T) {
	boom := errors.New("boom")
	agg := NewAggregator()
	agg.Register(static("db", Unhealthy("down", boom)))

	report := agg.CheckAll(context.Background())
	assert.ErrorIs(t, report.Checks["db"].Error, boom)
}
