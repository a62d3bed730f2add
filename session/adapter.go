package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmcleod/dashgate/fault"
)

const (
	// DefaultReconnectDelay is the fixed delay before a reconnect attempt.
	DefaultReconnectDelay = 5 * time.Second
	// DefaultSweepInterval is how often RunSweeper purges expired records.
	DefaultSweepInterval = 15 * time.Minute

	bindTimeout = 10 * time.Second
)

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) AdapterOption {
	return func(a *Adapter) {
		a.log = logger
	}
}

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) AdapterOption {
	return func(a *Adapter) {
		a.now = now
	}
}

// WithReconnectDelay overrides DefaultReconnectDelay.
func WithReconnectDelay(d time.Duration) AdapterOption {
	return func(a *Adapter) {
		a.reconnectDelay = d
	}
}

// WithScheduler overrides how delayed reconnects are scheduled. The default
// is time.AfterFunc.
func WithScheduler(schedule func(time.Duration, func())) AdapterOption {
	return func(a *Adapter) {
		a.schedule = schedule
	}
}

// WithObserver registers a callback invoked on every tier state change.
func WithObserver(fn func(State)) AdapterOption {
	return func(a *Adapter) {
		a.observer = fn
	}
}

// Adapter provides session CRUD on top of the active tier. None of its
// methods panic or let a backend error escape as anything but a value: store
// failures degrade to "no session" on reads and to ErrSessionDegraded on
// writes.
type Adapter struct {
	binder         Binder
	log            *slog.Logger
	now            func() time.Time
	reconnectDelay time.Duration
	schedule       func(time.Duration, func())
	observer       func(State)

	// ephemeral serves the ephemeral tier and absorbs writes while the
	// durable tier is disconnected.
	ephemeral *MemoryStore

	mu      sync.RWMutex
	backend Backend
	state   State

	reconnecting atomic.Bool
	warnOnce     sync.Once
}

// Open selects the session tier with ordered, independent attempts: the
// binder's strict strategy (primary), its relaxed strategy (degraded), and
// finally the process-local ephemeral store. A nil binder selects the
// ephemeral tier directly. Open never fails.
func Open(ctx context.Context, binder Binder, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		binder:         binder,
		log:            slog.Default(),
		now:            time.Now,
		reconnectDelay: DefaultReconnectDelay,
		schedule:       func(d time.Duration, fn func()) { time.AfterFunc(d, fn) },
		ephemeral:      NewMemoryStore(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.log = a.log.With("component", "session")

	backend, tier, err := a.bind(ctx)
	if err != nil {
		a.backend = a.ephemeral
		// Without a binder the ephemeral tier is the configured store, not
		// a fallback, so there is nothing to reconnect to.
		a.state = State{Tier: TierEphemeral, Connected: binder == nil}
		a.warnDurabilityLoss(err)
	} else {
		a.backend = backend
		a.state = State{Tier: tier, Connected: true}
		a.log.Info("session store bound", "tier", tier.String())
	}
	a.notify(a.state)
	return a
}

// bind runs the strict then relaxed strategies.
func (a *Adapter) bind(ctx context.Context) (Backend, Tier, error) {
	if a.binder == nil {
		return nil, TierEphemeral, errors.New("no session backend configured")
	}
	ctx, cancel := context.WithTimeout(ctx, bindTimeout)
	defer cancel()

	var errs []error
	for _, attempt := range []struct {
		strategy Strategy
		tier     Tier
	}{
		{StrategyStrict, TierPrimary},
		{StrategyRelaxed, TierDegraded},
	} {
		var backend Backend
		err := guard("bind", func() error {
			var err error
			backend, err = a.binder.Bind(ctx, attempt.strategy)
			return err
		})
		if err == nil {
			return backend, attempt.tier, nil
		}
		a.log.Warn("session store bind failed",
			"strategy", attempt.strategy.String(), "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", attempt.strategy, err))
	}
	return nil, TierEphemeral, errors.Join(errs...)
}

func (a *Adapter) warnDurabilityLoss(err error) {
	a.warnOnce.Do(func() {
		a.log.Warn("session store falling back to process memory; sessions will not survive a restart",
			"tier", TierEphemeral.String(), "error", err)
	})
}

// State returns the active tier state.
func (a *Adapter) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// current returns the backend to use: the bound backend while connected,
// otherwise the ephemeral store.
func (a *Adapter) current() (Backend, State) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.state.Connected {
		return a.ephemeral, a.state
	}
	return a.backend, a.state
}

// Load returns the live record for id. Missing, expired, corrupt and
// unreachable records all read as absent.
func (a *Adapter) Load(ctx context.Context, id string) (Record, bool) {
	if id == "" {
		return Record{}, false
	}
	backend, state := a.current()
	if !state.Connected {
		a.scheduleReconnect()
	}

	var rec Record
	err := guard("load", func() error {
		var err error
		rec, err = backend.Load(ctx, id)
		return err
	})
	if errors.Is(err, ErrNotFound) && backend != Backend(a.ephemeral) {
		// Records written while the durable tier was down live here.
		rec, err = a.ephemeral.Load(ctx, id)
	}
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			a.handleError(ctx, "load", id, err)
		}
		return Record{}, false
	}
	if rec.Expired(a.now()) {
		_ = a.Destroy(ctx, id)
		return Record{}, false
	}
	return rec, true
}

// Save persists rec on a best-effort basis. A non-nil error wraps
// ErrSessionDegraded: the record was kept in process memory only and the
// caller should treat the session as request-scoped.
func (a *Adapter) Save(ctx context.Context, rec Record) error {
	backend, state := a.current()
	if !state.Connected {
		a.scheduleReconnect()
		_ = a.ephemeral.Save(ctx, rec)
		return ErrStoreDisconnected
	}
	err := guard("save", func() error {
		return backend.Save(ctx, rec)
	})
	if err != nil {
		a.handleError(ctx, "save", rec.ID, err)
		_ = a.ephemeral.Save(ctx, rec)
		return fmt.Errorf("%w: %v", ErrSessionDegraded, err)
	}
	return nil
}

// Touch extends rec's expiry to now+ttl and returns the updated record.
// Backends that cannot touch in place leave the stored expiry unchanged.
func (a *Adapter) Touch(ctx context.Context, rec Record, ttl time.Duration) Record {
	rec.ExpiresAt = a.now().Add(ttl)
	backend, _ := a.current()
	err := guard("touch", func() error {
		return backend.Touch(ctx, rec.ID, rec.ExpiresAt)
	})
	if errors.Is(err, ErrNotFound) && backend != Backend(a.ephemeral) {
		err = a.ephemeral.Touch(ctx, rec.ID, rec.ExpiresAt)
	}
	switch {
	case err == nil, errors.Is(err, ErrTouchUnsupported), errors.Is(err, ErrNotFound):
	default:
		a.handleError(ctx, "touch", rec.ID, err)
	}
	return rec
}

// Destroy removes the record for id. It is idempotent: destroying an absent
// record succeeds. A non-nil error wraps ErrSessionDegraded and means the
// durable tier could not be reached; the record is gone from this process
// either way.
func (a *Adapter) Destroy(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	_ = a.ephemeral.Destroy(ctx, id)
	backend, state := a.current()
	if backend == Backend(a.ephemeral) {
		if !state.Connected {
			a.scheduleReconnect()
		}
		return nil
	}
	err := guard("destroy", func() error {
		return backend.Destroy(ctx, id)
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		a.handleError(ctx, "destroy", id, err)
		return fmt.Errorf("%w: %v", ErrSessionDegraded, err)
	}
	return nil
}

// handleError classifies a backend failure. Transient failures disconnect
// the tier and schedule a reconnect; corrupt records are discarded.
func (a *Adapter) handleError(ctx context.Context, op, id string, err error) {
	switch fault.Classify(err) {
	case fault.ActionUnavailable:
		a.log.Warn("session store unreachable", "op", op, "error", err)
		a.markDisconnected()
	case fault.ActionRecoverSession:
		a.log.Warn("discarding corrupt session", "op", op, "error", err)
		backend, _ := a.current()
		_ = guard("destroy", func() error { return backend.Destroy(ctx, id) })
	case fault.ActionSwallow:
	default:
		a.log.Error("session store error", "op", op, "error", err)
	}
}

func (a *Adapter) markDisconnected() {
	a.mu.Lock()
	if a.state.Tier == TierEphemeral && a.binder == nil {
		a.mu.Unlock()
		return
	}
	changed := a.state.Connected
	a.state.Connected = false
	state := a.state
	a.mu.Unlock()

	if changed {
		a.notify(state)
	}
	a.scheduleReconnect()
}

// scheduleReconnect arms at most one delayed reconnect attempt. Concurrent
// triggers while an attempt is pending are dropped.
func (a *Adapter) scheduleReconnect() {
	if a.binder == nil {
		return
	}
	if !a.reconnecting.CompareAndSwap(false, true) {
		return
	}
	a.schedule(a.reconnectDelay, a.reconnect)
}

func (a *Adapter) reconnect() {
	defer a.reconnecting.Store(false)

	backend, tier, err := a.bind(context.Background())
	if err != nil {
		a.log.Warn("session store reconnect failed", "error", err)
		return
	}

	a.mu.Lock()
	old := a.backend
	a.backend = backend
	a.state = State{Tier: tier, Connected: true}
	state := a.state
	a.mu.Unlock()

	if old != nil && old != Backend(a.ephemeral) && old != backend {
		_ = old.Close()
	}
	a.log.Info("session store reconnected", "tier", tier.String())
	a.notify(state)
}

func (a *Adapter) notify(state State) {
	if a.observer != nil {
		a.observer(state)
	}
}

// Sweep removes expired records from the active tier and the ephemeral store.
func (a *Adapter) Sweep(ctx context.Context) int {
	now := a.now()
	n, _ := a.ephemeral.DeleteExpired(ctx, now)
	backend, state := a.current()
	if backend == Backend(a.ephemeral) || !state.Connected {
		return n
	}
	var removed int
	err := guard("sweep", func() error {
		var err error
		removed, err = backend.DeleteExpired(ctx, now)
		return err
	})
	if err != nil {
		a.handleError(ctx, "sweep", "", err)
	}
	return n + removed
}

// RunSweeper calls Sweep every interval until ctx is done.
func (a *Adapter) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.Sweep(ctx); n > 0 {
				a.log.Debug("swept expired sessions", "count", n)
			}
		}
	}
}

// Close releases the bound backend.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.backend == nil || a.backend == Backend(a.ephemeral) {
		return nil
	}
	return a.backend.Close()
}

// guard runs fn and converts a panic into an error.
func guard(op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("session %s: backend panic: %v", op, r)
		}
	}()
	return fn()
}
