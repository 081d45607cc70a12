package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonwraymond/apiguard/clock"
	"github.com/jonwraymond/apiguard/resilience"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type memStore struct {
	mu      sync.Mutex
	data    map[string]Data
	saves   int
	saveErr func(n int) error
}

func newMemStore() *memStore { return &memStore{data: make(map[string]Data)} }

func (s *memStore) Load(_ context.Context, principal string) (Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[principal]
	if !ok {
		return Data{}, ErrNotFound
	}
	return d, nil
}

func (s *memStore) Save(_ context.Context, principal string, d Data) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		if err := s.saveErr(s.saves); err != nil {
			return err
		}
	}
	s.data[principal] = d
	return nil
}

func (s *memStore) Delete(_ context.Context, principal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, principal)
	return nil
}

type fakeTransport struct {
	calls atomic.Int32
	fn    func(n int32, refreshToken string) (Data, error)
}

func (f *fakeTransport) Exchange(_ context.Context, refreshToken string) (Data, error) {
	n := f.calls.Add(1)
	return f.fn(n, refreshToken)
}

type eventLog struct {
	ch chan Event
}

func newEventLog() *eventLog { return &eventLog{ch: make(chan Event, 64)} }

func (l *eventLog) Publish(_ context.Context, ev Event) error {
	l.ch <- ev
	return nil
}

// await returns the next event of type typ, skipping others.
func (l *eventLog) await(t *testing.T, typ EventType) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-l.ch:
			if ev.Type == typ {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", typ)
			return Event{}
		}
	}
}

func grant(clk clock.Clock, access string, ttl time.Duration) Data {
	return Data{
		AccessToken:  access,
		RefreshToken: "refresh-" + access,
		ExpiresAt:    clk.Now().Add(ttl),
		TokenType:    "Bearer",
	}
}

func newTestManager(t *testing.T, transport RefreshTransport, opts ...Option) (*Manager, *clock.Fake, *memStore, *eventLog) {
	t.Helper()
	clk := clock.NewFake(epoch)
	store := newMemStore()
	events := newEventLog()
	base := []Option{
		WithClock(clk),
		WithNotifier(events),
		WithRetryPolicy(resilience.RetryPolicy{MaxAttempts: 1}),
	}
	m := NewManager("seller-1", store, transport, append(base, opts...)...)
	t.Cleanup(m.Stop)
	return m, clk, store, events
}

func TestManager_SchedulesOneRefreshAtBuffer(t *testing.T) {
	var clk *clock.Fake
	transport := &fakeTransport{fn: func(n int32, _ string) (Data, error) {
		return Data{AccessToken: fmt.Sprintf("access-%d", n), ExpiresAt: clk.Now().Add(time.Hour)}, nil
	}}
	m, c, store, events := newTestManager(t, transport)
	clk = c
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, grant(clk, "initial", 60*time.Minute)))

	s := m.Status()
	assert.Equal(t, epoch.Add(30*time.Minute), s.NextRefresh)
	assert.Equal(t, StateActive, s.State)
	assert.Equal(t, 1, clk.Pending())

	clk.Advance(29 * time.Minute)
	assert.EqualValues(t, 0, transport.calls.Load())

	clk.Advance(time.Minute)
	events.await(t, EventRefreshed)
	assert.EqualValues(t, 1, transport.calls.Load())

	s = m.Status()
	assert.Equal(t, epoch.Add(60*time.Minute), s.NextRefresh, "new expiry minus buffer")
	assert.Equal(t, epoch.Add(30*time.Minute), s.LastRefresh)
	assert.Equal(t, 1, clk.Pending())

	stored, err := store.Load(ctx, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, "access-1", stored.AccessToken)
	assert.Equal(t, "refresh-initial", stored.RefreshToken, "refresh token carried over")

	access, err := m.GetValidToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "access-1", access)
}

func TestManager_InvalidGrantIsTerminal(t *testing.T) {
	transport := &fakeTransport{fn: func(int32, string) (Data, error) {
		return Data{}, resilience.AuthGrant("token-exchange", "invalid_grant", errors.New("grant revoked"))
	}}
	m, clk, store, events := newTestManager(t, transport,
		WithRetryPolicy(resilience.DefaultRetryPolicy()))
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, grant(clk, "initial", 60*time.Minute)))
	clk.Advance(30 * time.Minute)

	ev := events.await(t, EventTerminalFailure)
	assert.Contains(t, ev.Err, "invalid_grant")
	assert.NotEmpty(t, ev.ID)
	assert.EqualValues(t, 1, transport.calls.Load(), "revoked grants are never retried")
	assert.Equal(t, 0, clk.Pending(), "no refresh scheduled after invalid_grant")

	s := m.Status()
	assert.Equal(t, StateTerminal, s.State)
	assert.False(t, s.Active)
	assert.True(t, s.NextRefresh.IsZero())

	_, err := store.Load(ctx, "seller-1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = m.GetValidToken(ctx)
	assert.ErrorIs(t, err, ErrNoToken)

	clk.Advance(3 * time.Hour)
	assert.EqualValues(t, 1, transport.calls.Load())
}

func TestManager_GrantCodeInErrorText(t *testing.T) {
	transport := &fakeTransport{fn: func(int32, string) (Data, error) {
		return Data{}, errors.New(`oauth2: "unauthorized_client" "client disabled"`)
	}}
	m, clk, _, _ := newTestManager(t, transport)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, grant(clk, "initial", 60*time.Minute)))
	_, err := m.ForceRefresh(ctx)
	require.Error(t, err)
	assert.Equal(t, StateTerminal, m.Status().State)

	_, ok := m.Current()
	assert.False(t, ok)
}

func TestIsGrantFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"typed grant", resilience.AuthGrant("exchange", "invalid_grant", errors.New("revoked")), true},
		{"wrapped typed grant", fmt.Errorf("refresh: %w", resilience.AuthGrant("exchange", "invalid_client", nil)), true},
		{"typed transient naming a grant code", resilience.Transient("exchange", errors.New("upstream said invalid_grant")), false},
		{"typed rate limit", resilience.RateLimited("exchange", time.Second, errors.New("unauthorized_client")), false},
		{"untyped grant code", errors.New(`oauth2: "invalid_refresh_token"`), true},
		{"untyped code as part of a word", errors.New("invalid_grant_type_hint"), false},
		{"untyped unrelated", errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isGrantFailure(tt.err); got != tt.want {
				t.Errorf("isGrantFailure(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestManager_TypedTransientIsNotTerminal(t *testing.T) {
	transport := &fakeTransport{fn: func(int32, string) (Data, error) {
		return Data{}, resilience.Transient("exchange", errors.New("proxy error mentioning invalid_grant"))
	}}
	m, clk, store, _ := newTestManager(t, transport)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, grant(clk, "initial", 60*time.Minute)))
	_, err := m.ForceRefresh(ctx)
	require.Error(t, err)

	assert.Equal(t, StateActive, m.Status().State)
	cur, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, "initial", cur.AccessToken)
	_, err = store.Load(ctx, "seller-1")
	assert.NoError(t, err)
}

func TestManager_ConcurrentCallersShareOneExchange(t *testing.T) {
	release := make(chan struct{})
	var clk *clock.Fake
	transport := &fakeTransport{fn: func(int32, string) (Data, error) {
		<-release
		return Data{AccessToken: "fresh", ExpiresAt: clk.Now().Add(time.Hour)}, nil
	}}
	m, c, _, _ := newTestManager(t, transport)
	clk = c
	ctx := context.Background()

	// Already inside the buffer: the refresh is due immediately.
	require.NoError(t, m.Start(ctx, grant(clk, "stale", 10*time.Minute)))

	const callers = 10
	results := make(chan string, callers)
	errs := make(chan error, callers)
	for range callers {
		go func() {
			access, err := m.GetValidToken(ctx)
			if err != nil {
				errs <- err
				return
			}
			results <- access
		}()
	}

	require.Eventually(t, func() bool { return transport.calls.Load() == 1 }, 5*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)

	for range callers {
		select {
		case access := <-results:
			assert.Equal(t, "fresh", access)
		case err := <-errs:
			t.Fatalf("GetValidToken() error = %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for callers")
		}
	}
	assert.EqualValues(t, 1, transport.calls.Load(), "exactly one network exchange")
}

func TestManager_GetValidTokenHonoursContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	transport := &fakeTransport{fn: func(int32, string) (Data, error) {
		<-release
		return Data{}, errors.New("unreachable")
	}}
	m, clk, _, _ := newTestManager(t, transport)

	require.NoError(t, m.Start(context.Background(), grant(clk, "stale", time.Minute)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := m.GetValidToken(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestManager_RetryableFailuresBecomeTerminal(t *testing.T) {
	transport := &fakeTransport{fn: func(n int32, _ string) (Data, error) {
		return Data{}, resilience.Transient("token-exchange", fmt.Errorf("upstream 502 #%d", n))
	}}
	m, clk, _, events := newTestManager(t, transport)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, grant(clk, "initial", 60*time.Minute)))

	clk.Advance(30 * time.Minute)
	events.await(t, EventRefreshFailed)
	s := m.Status()
	assert.Equal(t, 1, s.ConsecutiveFailures)
	assert.Equal(t, epoch.Add(31*time.Minute), s.NextRefresh, "first slot backoff is 1m")

	clk.Advance(time.Minute)
	events.await(t, EventRefreshFailed)
	assert.Equal(t, epoch.Add(33*time.Minute), m.Status().NextRefresh, "second slot backoff is 2m")

	clk.Advance(2 * time.Minute)
	events.await(t, EventTerminalFailure)

	s = m.Status()
	assert.Equal(t, StateTerminal, s.State)
	assert.Equal(t, 3, s.ConsecutiveFailures)
	assert.Len(t, s.RecentErrors, 3)
	assert.Equal(t, 0, clk.Pending())

	access, err := m.GetValidToken(ctx)
	require.NoError(t, err, "token stays usable until it expires")
	assert.Equal(t, "initial", access)

	clk.Advance(time.Hour)
	_, err = m.GetValidToken(ctx)
	assert.ErrorIs(t, err, ErrTerminal)
	assert.EqualValues(t, 3, transport.calls.Load())

	require.NoError(t, m.Start(ctx, grant(clk, "reauth", 2*time.Hour)))
	s = m.Status()
	assert.Equal(t, StateActive, s.State)
	assert.Equal(t, 0, s.ConsecutiveFailures)
}

func TestManager_SaveFailureKeepsOldToken(t *testing.T) {
	var clk *clock.Fake
	transport := &fakeTransport{fn: func(int32, string) (Data, error) {
		return Data{AccessToken: "new", ExpiresAt: clk.Now().Add(time.Hour)}, nil
	}}
	m, c, store, _ := newTestManager(t, transport)
	clk = c
	store.saveErr = func(n int) error {
		if n > 1 {
			return errors.New("disk full")
		}
		return nil
	}
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, grant(clk, "old", time.Hour)))
	_, err := m.ForceRefresh(ctx)
	require.Error(t, err)

	cur, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, "old", cur.AccessToken)
	assert.Equal(t, 1, m.Status().ConsecutiveFailures)

	stored, err := store.Load(ctx, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, "old", stored.AccessToken)
}

func TestManager_StopCancelsTimer(t *testing.T) {
	transport := &fakeTransport{fn: func(int32, string) (Data, error) { return Data{}, nil }}
	m, clk, _, events := newTestManager(t, transport)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, grant(clk, "initial", time.Hour)))
	require.Equal(t, 1, clk.Pending())

	m.Stop()
	events.await(t, EventStopped)
	assert.Equal(t, 0, clk.Pending())
	assert.False(t, m.Status().Active)

	clk.Advance(2 * time.Hour)
	assert.EqualValues(t, 0, transport.calls.Load())

	m.Stop()
}

func TestManager_ResumeAndSignOut(t *testing.T) {
	transport := &fakeTransport{fn: func(int32, string) (Data, error) { return Data{}, nil }}
	m, clk, store, events := newTestManager(t, transport)
	ctx := context.Background()

	err := m.Resume(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Save(ctx, "seller-1", grant(clk, "persisted", time.Hour)))
	require.NoError(t, m.Resume(ctx))

	access, err := m.GetValidToken(ctx)
	require.NoError(t, err)
	assert.Equal(t, "persisted", access)

	require.NoError(t, m.SignOut(ctx))
	events.await(t, EventSignedOut)

	_, err = m.GetValidToken(ctx)
	assert.ErrorIs(t, err, ErrNoToken)
	_, err = store.Load(ctx, "seller-1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 0, clk.Pending())
}

// gatedStore blocks its second Save until release is closed.
type gatedStore struct {
	*memStore
	saves   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (s *gatedStore) Save(ctx context.Context, principal string, d Data) error {
	if s.saves.Add(1) == 2 {
		close(s.entered)
		<-s.release
	}
	return s.memStore.Save(ctx, principal, d)
}

func TestManager_SignOutDuringRefreshSave(t *testing.T) {
	clk := clock.NewFake(epoch)
	store := &gatedStore{
		memStore: newMemStore(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	transport := &fakeTransport{fn: func(int32, string) (Data, error) {
		return Data{AccessToken: "new", ExpiresAt: clk.Now().Add(time.Hour)}, nil
	}}
	m := NewManager("seller-1", store, transport,
		WithClock(clk),
		WithRetryPolicy(resilience.RetryPolicy{MaxAttempts: 1}),
	)
	t.Cleanup(m.Stop)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, grant(clk, "old", time.Hour)))

	refreshed := make(chan struct{})
	go func() {
		defer close(refreshed)
		_, _ = m.ForceRefresh(ctx)
	}()
	<-store.entered

	signedOut := make(chan error, 1)
	go func() { signedOut <- m.SignOut(ctx) }()

	select {
	case <-signedOut:
		t.Fatal("SignOut returned while a refresh was saving")
	case <-time.After(50 * time.Millisecond):
	}
	close(store.release)
	<-refreshed
	require.NoError(t, <-signedOut)

	if d, err := store.Load(ctx, "seller-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("store holds %q after SignOut, want ErrNotFound", d.AccessToken)
	}
	_, err := m.GetValidToken(ctx)
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestManager_StartSupersedesRefreshSave(t *testing.T) {
	clk := clock.NewFake(epoch)
	store := &gatedStore{
		memStore: newMemStore(),
		entered:  make(chan struct{}),
		release:  make(chan struct{}),
	}
	transport := &fakeTransport{fn: func(int32, string) (Data, error) {
		return Data{AccessToken: "refreshed", ExpiresAt: clk.Now().Add(time.Hour)}, nil
	}}
	m := NewManager("seller-1", store, transport,
		WithClock(clk),
		WithRetryPolicy(resilience.RetryPolicy{MaxAttempts: 1}),
	)
	t.Cleanup(m.Stop)
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, grant(clk, "old", time.Hour)))

	refreshed := make(chan struct{})
	go func() {
		defer close(refreshed)
		_, _ = m.ForceRefresh(ctx)
	}()
	<-store.entered

	started := make(chan error, 1)
	go func() { started <- m.Start(ctx, grant(clk, "reauth", time.Hour)) }()
	time.Sleep(50 * time.Millisecond)
	close(store.release)
	<-refreshed
	require.NoError(t, <-started)

	stored, err := store.Load(ctx, "seller-1")
	require.NoError(t, err)
	assert.Equal(t, "reauth", stored.AccessToken)
	cur, ok := m.Current()
	require.True(t, ok)
	assert.Equal(t, "reauth", cur.AccessToken)
}

func TestManager_RecentErrorsBounded(t *testing.T) {
	transport := &fakeTransport{fn: func(n int32, _ string) (Data, error) {
		return Data{}, resilience.Transient("token-exchange", fmt.Errorf("failure %d", n))
	}}
	m, clk, _, _ := newTestManager(t, transport, WithRecentErrors(2), WithMaxRetries(10))
	ctx := context.Background()

	require.NoError(t, m.Start(ctx, grant(clk, "initial", time.Hour)))
	for range 3 {
		_, _ = m.ForceRefresh(ctx)
	}

	recent := m.Status().RecentErrors
	require.Len(t, recent, 2)
	assert.Contains(t, recent[0], "failure 2")
	assert.Contains(t, recent[1], "failure 3")
}

func TestManager_StartValidation(t *testing.T) {
	m, _, _, _ := newTestManager(t, &fakeTransport{})
	assert.ErrorIs(t, m.Start(context.Background(), Data{}), ErrInvalidToken)
	assert.Equal(t, StateIdle, m.Status().State)
}

func TestManager_NoRefreshTokenNotScheduled(t *testing.T) {
	m, clk, _, _ := newTestManager(t, &fakeTransport{})
	ctx := context.Background()

	d := grant(clk, "static", time.Hour)
	d.RefreshToken = ""
	require.NoError(t, m.Start(ctx, d))
	assert.Equal(t, 0, clk.Pending())

	_, err := m.ForceRefresh(ctx)
	assert.ErrorIs(t, err, ErrNoRefreshToken)
}

func TestData_Validity(t *testing.T) {
	d := Data{AccessToken: "a", ExpiresAt: epoch.Add(time.Hour)}

	assert.True(t, d.Valid(epoch))
	assert.False(t, d.Expired(epoch.Add(59*time.Minute)))
	assert.True(t, d.Expired(epoch.Add(time.Hour)))
	assert.Equal(t, epoch.Add(30*time.Minute), d.RefreshAt(30*time.Minute))

	assert.False(t, Data{AccessToken: "a"}.Expired(epoch), "no expiry never expires")
	assert.False(t, Data{}.Valid(epoch))
}
