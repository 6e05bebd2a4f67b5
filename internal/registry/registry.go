// Package registry coordinates per-session writers: an in-process
// exclusive-writer lock per session plus a debounced inactivity timer
// that drives the active -> inactive -> archived lifecycle. The writer
// lock is a one-token channel semaphore (one lock entry per session id, a
// holder name and acquired-at timestamp recorded for diagnostics) so a
// cancelled context can never race the lock's own release; the inactivity
// timer resets on every turn, so firing means "no turn for a full
// window".
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/nexuschat/orchestrator/internal/errs"
	"github.com/nexuschat/orchestrator/internal/models"
	"github.com/nexuschat/orchestrator/internal/observability"
	"github.com/nexuschat/orchestrator/internal/store"
)

// sessionLock is one session's exclusive-writer lock: a one-token channel
// semaphore plus holder/acquired-at bookkeeping for diagnostics.
type sessionLock struct {
	token chan struct{} // capacity 1; token present means unlocked

	mu       sync.Mutex
	locked   bool
	holder   string
	acquired time.Time
}

func newSessionLock() *sessionLock {
	l := &sessionLock{token: make(chan struct{}, 1)}
	l.token <- struct{}{}
	return l
}

// Registry owns one SessionLocker entry and one inactivity timer per active
// session id. It is safe for concurrent use.
type Registry struct {
	store   store.Store
	metrics *observability.Metrics
	logger  *observability.Logger

	inactivityWindow time.Duration

	mu       sync.Mutex
	locks    map[string]*sessionLock
	timers   map[string]*time.Timer
	activeAt map[string]bool // sessionID -> counted in ActiveSessions gauge
}

// New builds a Registry. inactivityWindow is the debounce delay after the
// last turn before a session is demoted from active to inactive (default
// 30 minutes, see internal/config.SessionConfig.InactivityWindow).
func New(st store.Store, metrics *observability.Metrics, logger *observability.Logger, inactivityWindow time.Duration) *Registry {
	if inactivityWindow <= 0 {
		inactivityWindow = 30 * time.Minute
	}
	return &Registry{
		store:            st,
		metrics:          metrics,
		logger:           logger,
		inactivityWindow: inactivityWindow,
		locks:            make(map[string]*sessionLock),
		timers:           make(map[string]*time.Timer),
		activeAt:         make(map[string]bool),
	}
}

func (r *Registry) getOrCreateLock(sessionID string) *sessionLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[sessionID]
	if !ok {
		l = newSessionLock()
		r.locks[sessionID] = l
	}
	return l
}

// AcquireWriter blocks until this goroutine is the exclusive writer for
// sessionID, or ctx is cancelled. The returned release func must be called
// exactly once to hand the lock to the next waiter. At most one assistant
// turn runs per session at a time.
func (r *Registry) AcquireWriter(ctx context.Context, sessionID, holder string) (func(), error) {
	l := r.getOrCreateLock(sessionID)

	select {
	case <-l.token:
	case <-ctx.Done():
		return nil, errs.Wrap(errs.Cancelled, "registry", ctx.Err())
	}

	l.mu.Lock()
	l.locked = true
	l.holder = holder
	l.acquired = time.Now()
	l.mu.Unlock()

	var released sync.Once
	release := func() {
		released.Do(func() {
			l.mu.Lock()
			l.locked = false
			l.holder = ""
			l.mu.Unlock()
			l.token <- struct{}{}
		})
	}
	return release, nil
}

// Touch records a turn on sessionID: it resets the inactivity timer and, if
// the session had been demoted to inactive, promotes it back to active.
func (r *Registry) Touch(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	if t, ok := r.timers[sessionID]; ok {
		t.Stop()
	}
	r.timers[sessionID] = time.AfterFunc(r.inactivityWindow, func() { r.demote(sessionID) })
	wasActive := r.activeAt[sessionID]
	r.activeAt[sessionID] = true
	activeCount := r.countActiveLocked()
	r.mu.Unlock()

	if !wasActive && r.metrics != nil {
		r.metrics.SetSessionStatusCount(string(models.SessionActive), activeCount)
	}

	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		return errs.Wrap(errs.Storage, "registry", err)
	}
	if sess != nil && sess.Status == models.SessionInactive {
		active := models.SessionActive
		if _, err := r.store.UpdateSession(ctx, sessionID, store.SessionPatch{Status: &active}); err != nil {
			return errs.Wrap(errs.Storage, "registry", err)
		}
	}
	return nil
}

// demote fires when a session's inactivity timer elapses uninterrupted. It
// is best-effort: a store failure here is logged, not propagated, since
// nothing is waiting synchronously on this background transition.
func (r *Registry) demote(sessionID string) {
	r.mu.Lock()
	delete(r.timers, sessionID)
	r.activeAt[sessionID] = false
	activeCount := r.countActiveLocked()
	inactiveCount := len(r.activeAt) - activeCount
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil || sess == nil || sess.Status != models.SessionActive {
		return
	}
	inactive := models.SessionInactive
	if _, err := r.store.UpdateSession(ctx, sessionID, store.SessionPatch{Status: &inactive}); err != nil {
		if r.logger != nil {
			r.logger.Warn(ctx, "registry: failed to demote session to inactive", "session_id", sessionID, "error", err)
		}
		return
	}
	if r.metrics != nil {
		r.metrics.SetSessionStatusCount(string(models.SessionActive), activeCount)
		r.metrics.SetSessionStatusCount(string(models.SessionInactive), inactiveCount)
	}
}

// countActiveLocked counts sessions currently marked active. r.mu must be
// held by the caller.
func (r *Registry) countActiveLocked() int {
	n := 0
	for _, active := range r.activeAt {
		if active {
			n++
		}
	}
	return n
}

// Archive transitions a session to archived regardless of its current
// inactivity timer state, cancelling any pending demotion.
func (r *Registry) Archive(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	if t, ok := r.timers[sessionID]; ok {
		t.Stop()
		delete(r.timers, sessionID)
	}
	delete(r.activeAt, sessionID)
	r.mu.Unlock()

	archived := models.SessionArchived
	if _, err := r.store.UpdateSession(ctx, sessionID, store.SessionPatch{Status: &archived}); err != nil {
		return errs.Wrap(errs.Storage, "registry", err)
	}
	return nil
}

// Delete soft-deletes a session (status=deleted) and releases its registry
// bookkeeping. The underlying rows are left for HardDeleteSession to remove.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	if t, ok := r.timers[sessionID]; ok {
		t.Stop()
		delete(r.timers, sessionID)
	}
	delete(r.activeAt, sessionID)
	delete(r.locks, sessionID)
	r.mu.Unlock()

	deleted := models.SessionDeleted
	if _, err := r.store.UpdateSession(ctx, sessionID, store.SessionPatch{Status: &deleted}); err != nil {
		return errs.Wrap(errs.Storage, "registry", err)
	}
	return nil
}

// ActiveCount reports how many sessions currently hold a live inactivity
// timer, reported by the /health endpoint.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.countActiveLocked()
}

// LockHolder reports the current holder of sessionID's writer lock, for
// diagnostics. ok is false if the session has no lock entry at all.
func (r *Registry) LockHolder(sessionID string) (holder string, since time.Time, locked bool, ok bool) {
	r.mu.Lock()
	l, exists := r.locks[sessionID]
	r.mu.Unlock()
	if !exists {
		return "", time.Time{}, false, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.holder, l.acquired, l.locked, true
}

// Shutdown stops every pending inactivity timer without touching session
// status; in-flight writer locks are left for their holders to release.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, t := range r.timers {
		t.Stop()
		delete(r.timers, id)
	}
}
