package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/jonwraymond/apiguard/clock"
	"github.com/jonwraymond/apiguard/observe"
	"github.com/jonwraymond/apiguard/resilience"
)

const (
	// DefaultRefreshBuffer is how long before expiry a refresh is scheduled.
	DefaultRefreshBuffer = 30 * time.Minute

	// DefaultMaxRetries is how many consecutive failed refresh slots end
	// autonomous refreshing.
	DefaultMaxRetries = 3

	// DefaultRecentErrors bounds RefreshStatus.RecentErrors.
	DefaultRecentErrors = 10
)

// DefaultSlotBackoff spaces failed refresh slots: 1m, 2m, 4m, capped at 15m.
func DefaultSlotBackoff() resilience.RetryPolicy {
	return resilience.RetryPolicy{
		BaseDelay:  time.Minute,
		MaxDelay:   15 * time.Minute,
		Multiplier: 2,
	}
}

// State is a manager's lifecycle state.
type State string

const (
	StateIdle     State = "idle"
	StateActive   State = "active"
	StateStopped  State = "stopped"
	StateTerminal State = "terminal"
)

// RefreshStatus is a point-in-time copy of a manager's refresh bookkeeping.
type RefreshStatus struct {
	Principal   string
	Active      bool
	State       State
	LastRefresh time.Time

	// NextRefresh is zero when no refresh is scheduled.
	NextRefresh         time.Time
	ExpiresAt           time.Time
	ConsecutiveFailures int

	// RecentErrors holds the latest failure messages, oldest first.
	RecentErrors []string

	Breaker resilience.State
}

// RefreshResult describes a completed refresh.
type RefreshResult struct {
	Token    Data
	Attempts int
	Elapsed  time.Duration
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for scheduling.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = clock.OrReal(c) }
}

// WithExecutor runs refreshes through e, sharing its breakers and limiter.
func WithExecutor(e *resilience.Executor) Option {
	return func(m *Manager) { m.exec = e }
}

// WithRetryPolicy sets the retry policy within one refresh slot.
func WithRetryPolicy(p resilience.RetryPolicy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithSlotBackoff sets the backoff between failed refresh slots.
func WithSlotBackoff(p resilience.RetryPolicy) Option {
	return func(m *Manager) { m.slotBackoff = p }
}

// WithRefreshBuffer sets the lead time before expiry.
func WithRefreshBuffer(d time.Duration) Option {
	return func(m *Manager) {
		if d >= 0 {
			m.buffer = d
		}
	}
}

// WithMaxRetries sets how many consecutive failed slots are tolerated.
func WithMaxRetries(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxRetries = n
		}
	}
}

// WithRecentErrors sets the size of the recent error ring.
func WithRecentErrors(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.recentCap = n
		}
	}
}

// WithNotifier publishes lifecycle events to n.
func WithNotifier(n Notifier) Option {
	return func(m *Manager) { m.notifier = n }
}

// WithLogger sets the logger.
func WithLogger(l observe.Logger) Option {
	return func(m *Manager) { m.logger = observe.OrNop(l) }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(mt observe.Metrics) Option {
	return func(m *Manager) {
		if mt != nil {
			m.metrics = mt
		}
	}
}

// Manager owns the refresh schedule of one principal's credential.
//
// Contract:
// - Concurrency: safe for concurrent use.
// - At most one refresh timer is outstanding, and at most one exchange is
//   in flight; concurrent callers share its result.
// - A refreshed token is saved to the Store before it replaces the
//   in-memory token.
// - A revoked grant (invalid_grant and similar) clears the credential
//   everywhere and is never retried.
type Manager struct {
	principal string
	store     Store
	transport RefreshTransport

	exec        *resilience.Executor
	policy      resilience.RetryPolicy
	slotBackoff resilience.RetryPolicy
	clock       clock.Clock
	logger      observe.Logger
	metrics     observe.Metrics
	notifier    Notifier
	buffer      time.Duration
	maxRetries  int
	recentCap   int

	flight singleflight.Group

	// persistMu serialises Store writes with generation changes so that a
	// superseded refresh can never write over a sign-out or a new grant.
	// It is always taken before mu.
	persistMu sync.Mutex

	mu          sync.Mutex
	token       *Data
	state       State
	gen         uint64
	timer       clock.Timer
	lastRefresh time.Time
	nextRefresh time.Time
	failures    int
	recent      []string
}

// NewManager creates a manager for principal. It does nothing until Start
// or Resume is called.
func NewManager(principal string, store Store, transport RefreshTransport, opts ...Option) *Manager {
	m := &Manager{
		principal:   principal,
		store:       store,
		transport:   transport,
		policy:      resilience.DefaultRetryPolicy(),
		slotBackoff: DefaultSlotBackoff(),
		clock:       clock.Real(),
		logger:      observe.NopLogger(),
		metrics:     observe.NopMetrics(),
		buffer:      DefaultRefreshBuffer,
		maxRetries:  DefaultMaxRetries,
		recentCap:   DefaultRecentErrors,
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(observe.Field{Key: "principal", Value: principal})
	if m.exec == nil {
		m.exec = resilience.NewExecutor(
			resilience.WithClock(m.clock),
			resilience.WithLogger(m.logger),
			resilience.WithMetrics(m.metrics),
		)
	}
	return m
}

// Principal returns the principal the manager refreshes for.
func (m *Manager) Principal() string { return m.principal }

// BreakerName is the circuit breaker guarding this principal's refreshes.
func (m *Manager) BreakerName() string { return "token-refresh:" + m.principal }

// Start saves d as the current grant and schedules its refresh. It also
// clears a terminal failure, so it is how a re-authenticated grant resumes
// refreshing.
func (m *Manager) Start(ctx context.Context, d Data) error {
	return m.start(ctx, d, true)
}

// Resume starts from the grant held in the Store.
func (m *Manager) Resume(ctx context.Context) error {
	d, err := m.store.Load(ctx, m.principal)
	if err != nil {
		return fmt.Errorf("token: resume %s: %w", m.principal, err)
	}
	return m.start(ctx, d, false)
}

func (m *Manager) start(ctx context.Context, d Data, persist bool) error {
	if d.AccessToken == "" {
		return ErrInvalidToken
	}
	d = withExpiry(d.clone())
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = m.clock.Now()
	}

	m.persistMu.Lock()
	if persist {
		if err := m.store.Save(ctx, m.principal, d); err != nil {
			m.persistMu.Unlock()
			return fmt.Errorf("token: save %s: %w", m.principal, err)
		}
	}

	m.mu.Lock()
	m.stopTimerLocked()
	m.gen++
	m.token = &d
	m.state = StateActive
	m.failures = 0
	m.scheduleLocked(d.RefreshAt(m.buffer))
	next := m.nextRefresh
	m.mu.Unlock()
	m.persistMu.Unlock()

	m.logger.Info(ctx, "token lifecycle started",
		observe.Field{Key: "expires_at", Value: d.ExpiresAt},
		observe.Field{Key: "next_refresh", Value: next},
	)
	m.publish(ctx, EventStarted, nil)
	return nil
}

// Stop cancels the scheduled refresh. An exchange already in flight
// completes and its token is kept, but nothing is rescheduled.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.state != StateActive {
		m.mu.Unlock()
		return
	}
	m.stopTimerLocked()
	m.state = StateStopped
	m.mu.Unlock()

	ctx := context.Background()
	m.logger.Info(ctx, "token lifecycle stopped")
	m.publish(ctx, EventStopped, nil)
}

// SignOut stops refreshing and deletes the credential from memory and the
// Store.
func (m *Manager) SignOut(ctx context.Context) error {
	m.persistMu.Lock()
	m.mu.Lock()
	m.stopTimerLocked()
	m.gen++
	m.token = nil
	m.state = StateIdle
	m.failures = 0
	m.mu.Unlock()

	err := m.store.Delete(ctx, m.principal)
	m.persistMu.Unlock()
	if err != nil {
		return fmt.Errorf("token: delete %s: %w", m.principal, err)
	}
	m.logger.Info(ctx, "signed out")
	m.publish(ctx, EventSignedOut, nil)
	return nil
}

// GetValidToken returns the current access token. When its refresh is due
// it joins, or starts, the single in-flight refresh and waits for it,
// honouring ctx. If the refresh fails while the current token is still
// valid, the current token is returned.
func (m *Manager) GetValidToken(ctx context.Context) (string, error) {
	now := m.clock.Now()

	m.mu.Lock()
	if m.token == nil {
		m.mu.Unlock()
		return "", ErrNoToken
	}
	cur := *m.token
	due := m.refreshDueLocked(cur, now)
	terminal := m.state == StateTerminal
	m.mu.Unlock()

	if terminal && !cur.Valid(now) {
		return "", ErrTerminal
	}
	if !due {
		if !cur.Valid(now) {
			return "", fmt.Errorf("token: %s expired at %s: %w", m.principal, cur.ExpiresAt.Format(time.RFC3339), ErrNoToken)
		}
		return cur.AccessToken, nil
	}

	res, err := m.refresh(ctx, false)
	if err != nil {
		now = m.clock.Now()
		m.mu.Lock()
		stillValid := m.token != nil && m.token.Valid(now)
		var access string
		if stillValid {
			access = m.token.AccessToken
		}
		m.mu.Unlock()
		if stillValid && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return access, nil
		}
		return "", err
	}
	return res.Token.AccessToken, nil
}

// refreshDueLocked reports whether a caller should refresh now. After a
// failed slot, a still-valid token waits for the backed-off slot instead of
// hammering the provider.
func (m *Manager) refreshDueLocked(cur Data, now time.Time) bool {
	if cur.RefreshToken == "" || cur.ExpiresAt.IsZero() || m.state == StateTerminal {
		return false
	}
	if now.Before(cur.RefreshAt(m.buffer)) {
		return false
	}
	if m.failures > 0 && cur.Valid(now) && !m.nextRefresh.IsZero() && now.Before(m.nextRefresh) {
		return false
	}
	return true
}

// ForceRefresh refreshes now, joining a refresh already in flight.
func (m *Manager) ForceRefresh(ctx context.Context) (RefreshResult, error) {
	return m.refresh(ctx, true)
}

// Status returns a copy of the manager's refresh bookkeeping.
func (m *Manager) Status() RefreshStatus {
	m.mu.Lock()
	s := RefreshStatus{
		Principal:           m.principal,
		Active:              m.state == StateActive,
		State:               m.state,
		LastRefresh:         m.lastRefresh,
		NextRefresh:         m.nextRefresh,
		ConsecutiveFailures: m.failures,
		RecentErrors:        append([]string(nil), m.recent...),
	}
	if m.token != nil {
		s.ExpiresAt = m.token.ExpiresAt
	}
	m.mu.Unlock()

	s.Breaker = m.exec.Breakers().State(m.BreakerName())
	return s
}

// Current returns a copy of the in-memory grant.
func (m *Manager) Current() (Data, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return Data{}, false
	}
	return m.token.clone(), true
}

// scheduleLocked arms the single refresh timer for at, or now if at has
// passed. Grants that cannot be refreshed are not scheduled.
func (m *Manager) scheduleLocked(at time.Time) {
	m.stopTimerLocked()
	if m.state != StateActive || m.token == nil || m.token.RefreshToken == "" || m.token.ExpiresAt.IsZero() {
		return
	}

	now := m.clock.Now()
	if at.Before(now) {
		at = now
	}
	m.nextRefresh = at
	gen := m.gen
	// The callback must not take m.mu: a fake clock fires zero-delay timers
	// synchronously while it is held.
	m.timer = m.clock.AfterFunc(at.Sub(now), func() { go m.scheduledRefresh(gen) })
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.nextRefresh = time.Time{}
}

func (m *Manager) scheduledRefresh(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.state != StateActive {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	m.mu.Unlock()

	_, _ = m.refresh(context.Background(), true)
}

// refresh coalesces concurrent refreshes into one exchange. The exchange
// is detached from ctx so that one caller giving up does not fail the
// others. Unless forced, a refresh that is no longer due returns the
// current token; a caller that saw the old token just before another
// refresh finished then needs no exchange of its own.
func (m *Manager) refresh(ctx context.Context, force bool) (RefreshResult, error) {
	ch := m.flight.DoChan("refresh", func() (any, error) {
		return m.doRefresh(context.WithoutCancel(ctx), force)
	})
	select {
	case r := <-ch:
		res, _ := r.Val.(RefreshResult)
		return res, r.Err
	case <-ctx.Done():
		return RefreshResult{}, ctx.Err()
	}
}

func (m *Manager) doRefresh(ctx context.Context, force bool) (RefreshResult, error) {
	m.mu.Lock()
	if m.token == nil {
		m.mu.Unlock()
		return RefreshResult{}, ErrNoToken
	}
	if m.state == StateTerminal {
		m.mu.Unlock()
		return RefreshResult{}, ErrTerminal
	}
	if !force && !m.refreshDueLocked(*m.token, m.clock.Now()) {
		cur := m.token.clone()
		m.mu.Unlock()
		return RefreshResult{Token: cur}, nil
	}
	old := *m.token
	gen := m.gen
	m.mu.Unlock()

	if old.RefreshToken == "" {
		return RefreshResult{}, ErrNoRefreshToken
	}

	start := m.clock.Now()
	res, err := resilience.Execute(ctx, m.exec, m.BreakerName(),
		func(ctx context.Context) (Data, error) {
			return m.transport.Exchange(ctx, old.RefreshToken)
		},
		resilience.WithPolicy(m.slotPolicy()),
	)
	result := RefreshResult{Attempts: res.Attempts, Elapsed: res.Elapsed}

	var (
		fresh Data
		next  time.Time
	)
	if err == nil {
		fresh = m.completeGrant(old, res.Value)
		var superseded bool
		next, superseded, err = m.commit(ctx, gen, fresh)
		if superseded {
			return result, ErrNoToken
		}
	}
	m.metrics.RecordRefresh(ctx, m.principal, m.clock.Since(start), err)

	if err != nil {
		return result, m.refreshFailed(ctx, gen, err)
	}

	m.logger.Info(ctx, "token refreshed",
		observe.Field{Key: "expires_at", Value: fresh.ExpiresAt},
		observe.Field{Key: "next_refresh", Value: next},
		observe.Field{Key: "attempts", Value: res.Attempts},
	)
	m.publish(ctx, EventRefreshed, nil)

	result.Token = fresh.clone()
	return result, nil
}

// commit saves fresh and then installs it, unless generation gen has been
// superseded by Start or SignOut. The generation check, the Save and the swap
// all happen under persistMu.
func (m *Manager) commit(ctx context.Context, gen uint64, fresh Data) (next time.Time, superseded bool, err error) {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	if m.generation() != gen {
		return time.Time{}, true, nil
	}
	if err := m.store.Save(ctx, m.principal, fresh); err != nil {
		return time.Time{}, false, fmt.Errorf("token: save %s: %w", m.principal, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = &fresh
	m.lastRefresh = m.clock.Now()
	m.failures = 0
	m.scheduleLocked(fresh.RefreshAt(m.buffer))
	return m.nextRefresh, false, nil
}

// slotPolicy never retries a revoked grant, whatever the configured policy
// says.
func (m *Manager) slotPolicy() resilience.RetryPolicy {
	p := m.policy
	base := m.policy
	p.RetryIf = []func(error) bool{func(err error) bool {
		return !isGrantFailure(err) && base.Retryable(err)
	}}
	return p
}

// completeGrant carries over what the provider may omit on refresh.
func (m *Manager) completeGrant(old, fresh Data) Data {
	fresh = withExpiry(fresh.clone())
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = old.RefreshToken
	}
	if fresh.TokenType == "" {
		fresh.TokenType = old.TokenType
	}
	if fresh.Scopes == nil {
		fresh.Scopes = append([]string(nil), old.Scopes...)
	}
	fresh.UpdatedAt = m.clock.Now()
	return fresh
}

func (m *Manager) generation() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gen
}

// refreshFailed records a failed slot and decides what happens next.
func (m *Manager) refreshFailed(ctx context.Context, gen uint64, err error) error {
	now := m.clock.Now()
	grant := isGrantFailure(err)

	if grant {
		m.persistMu.Lock()
	}
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		if grant {
			m.persistMu.Unlock()
		}
		return err
	}
	m.failures++
	m.pushErrorLocked(err.Error())
	failures := m.failures

	switch {
	case grant:
		m.stopTimerLocked()
		m.gen++
		m.token = nil
		m.state = StateTerminal
	case failures >= m.maxRetries:
		m.stopTimerLocked()
		m.state = StateTerminal
	case m.state == StateActive && m.token != nil:
		next := now.Add(m.slotBackoff.Backoff(failures))
		if due := m.token.RefreshAt(m.buffer); due.After(next) {
			next = due
		}
		m.scheduleLocked(next)
	}
	next := m.nextRefresh
	m.mu.Unlock()

	switch {
	case grant:
		derr := m.store.Delete(ctx, m.principal)
		m.persistMu.Unlock()
		if derr != nil {
			m.logger.Error(ctx, "failed to delete revoked grant", observe.Field{Key: "error", Value: derr})
		}
		m.logger.Error(ctx, "refresh grant rejected, credential cleared",
			observe.Field{Key: "error", Value: err},
		)
		m.publish(ctx, EventTerminalFailure, err)
		return err
	case failures >= m.maxRetries:
		m.logger.Error(ctx, "token refresh abandoned",
			observe.Field{Key: "failures", Value: failures},
			observe.Field{Key: "error", Value: err},
		)
		m.publish(ctx, EventTerminalFailure, err)
		return err
	default:
		m.logger.Warn(ctx, "token refresh failed",
			observe.Field{Key: "failures", Value: failures},
			observe.Field{Key: "next_refresh", Value: next},
			observe.Field{Key: "error", Value: err},
		)
		m.publish(ctx, EventRefreshFailed, err)
		return err
	}
}

func (m *Manager) pushErrorLocked(msg string) {
	if len(m.recent) == m.recentCap {
		copy(m.recent, m.recent[1:])
		m.recent = m.recent[:len(m.recent)-1]
	}
	m.recent = append(m.recent, msg)
}

func (m *Manager) publish(ctx context.Context, typ EventType, err error) {
	if m.notifier == nil {
		return
	}
	ev := Event{
		ID:        uuid.NewString(),
		Type:      typ,
		Principal: m.principal,
		At:        m.clock.Now(),
	}
	if err != nil {
		ev.Err = err.Error()
	}
	if perr := m.notifier.Publish(ctx, ev); perr != nil {
		m.logger.Warn(ctx, "event publish failed",
			observe.Field{Key: "event", Value: string(typ)},
			observe.Field{Key: "error", Value: perr},
		)
	}
}

// isGrantFailure recognises revoked or invalid grants. Transports are
// expected to return resilience.AuthGrant errors, and a typed error is
// always trusted as classified. Only an untyped error falls back to the
// legacy scan of its text for a provider grant code.
func isGrantFailure(err error) bool {
	if err == nil {
		return false
	}
	var typed *resilience.Error
	if errors.As(err, &typed) {
		return typed.Kind == resilience.KindAuthGrant
	}
	return legacyGrantText(err.Error())
}

// legacyGrantText reports whether msg names a grant code as a whole word.
func legacyGrantText(msg string) bool {
	words := strings.FieldsFunc(msg, func(r rune) bool {
		return r != '_' && !unicode.IsLetter(r)
	})
	for _, w := range words {
		if resilience.IsAuthGrantCode(w) {
			return true
		}
	}
	return false
}
