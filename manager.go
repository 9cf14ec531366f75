package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/logging"
)

// Config tunes the Manager's timing behavior. Zero fields take defaults.
type Config struct {
	CleanupDelay          time.Duration // Grace before destroying an unused Handle
	InitRateLimit         time.Duration // Minimum spacing between acquisition attempts
	PermissionTimeout     time.Duration // Deadline for a single platform acquisition
	DeviceRefreshInterval time.Duration // Device cache refresh period
	ReconnectAttempts     int           // Per-consumer retry budget
	ReconnectDelay        time.Duration // Base backoff unit between consumer retries
}

// DefaultConfig returns production timings: a 2s teardown grace absorbs UI
// remount churn, 300ms spacing keeps camera firmware from wedging on rapid
// re-opens, and 10s bounds a stalled permission prompt.
func DefaultConfig() Config {
	return Config{
		CleanupDelay:          2 * time.Second,
		InitRateLimit:         300 * time.Millisecond,
		PermissionTimeout:     10 * time.Second,
		DeviceRefreshInterval: 30 * time.Second,
		ReconnectAttempts:     3,
		ReconnectDelay:        500 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.CleanupDelay <= 0 {
		c.CleanupDelay = def.CleanupDelay
	}
	if c.InitRateLimit <= 0 {
		c.InitRateLimit = def.InitRateLimit
	}
	if c.PermissionTimeout <= 0 {
		c.PermissionTimeout = def.PermissionTimeout
	}
	if c.DeviceRefreshInterval <= 0 {
		c.DeviceRefreshInterval = def.DeviceRefreshInterval
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = def.ReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	return c
}

// managerState is the explicit acquisition state machine.
type managerState int

const (
	managerIdle managerState = iota
	managerAcquiring
	managerActive
	managerTearingDown
)

func (s managerState) String() string {
	switch s {
	case managerAcquiring:
		return "acquiring"
	case managerActive:
		return "active"
	case managerTearingDown:
		return "tearingdown"
	default:
		return "idle"
	}
}

// pendingAcquire is the shared result of one in-flight acquisition attempt.
// Every caller that arrives while the attempt runs waits on the same value,
// which is what guarantees a single hardware call.
type pendingAcquire struct {
	done   chan struct{}
	once   sync.Once
	handle *Handle
	err    error
}

func newPending() *pendingAcquire {
	return &pendingAcquire{done: make(chan struct{})}
}

func (p *pendingAcquire) settle(h *Handle, err error) {
	p.once.Do(func() {
		p.handle = h
		p.err = err
		close(p.done)
	})
}

// wait blocks until the attempt settles or the caller's context ends. A
// context cancellation abandons only this caller's wait; the attempt itself
// keeps running for everyone else.
func (p *pendingAcquire) wait(ctx context.Context) (*Handle, error) {
	select {
	case <-p.done:
		return p.handle, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// streamRequest is a rate-limited acquisition queued for later execution.
type streamRequest struct {
	consumerID string
	opts       StreamOptions
	pending    *pendingAcquire
}

// Option configures optional Manager collaborators.
type Option func(*Manager)

// WithClock substitutes the wall clock, letting tests drive every timer.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLoggerFactory sets the logger factory for all manager scopes.
func WithLoggerFactory(f logging.LoggerFactory) Option {
	return func(m *Manager) { m.logFactory = f }
}

// WithEnvironment overrides platform detection with a fixed snapshot.
func WithEnvironment(env EnvironmentContext) Option {
	return func(m *Manager) { m.env = env }
}

// Manager brokers exclusive access to the camera across many concurrent
// consumers. It owns the one live Handle, coalesces concurrent acquisition
// attempts into a single hardware call, rate-limits initialization, caches
// the device list and permission outcome, and debounces teardown so rapid
// remount cycles never flicker the hardware.
//
// Construct exactly one Manager at startup and hand it to consumers; there
// is deliberately no package-level instance.
type Manager struct {
	platform   Platform
	cfg        Config
	env        EnvironmentContext
	clock      clock.Clock
	logFactory logging.LoggerFactory
	log        logging.LeveledLogger

	mu               sync.Mutex
	state            managerState
	handle           *Handle
	consumers        map[string]StreamOptions
	pending          *pendingAcquire
	queue            []*streamRequest
	queueTimer       *clock.Timer
	lastAttemptStart time.Time

	cleanupTimer  *clock.Timer
	cleanupGen    uint64 // invalidates fired-but-not-yet-run cleanup timers
	cleanupForced bool   // teardown was scheduled by a visibility signal

	switchEpoch  uint64
	switchResult *pendingAcquire

	permission PermissionState
	devices    []DeviceInfo

	refreshTicker *clock.Ticker
	done          chan struct{}
	bg            sync.WaitGroup
	disposed      bool

	stats counters
}

// New creates the Manager for the given platform. The zero Config is valid;
// see DefaultConfig for the timings it resolves to.
func New(platform Platform, cfg Config, opts ...Option) (*Manager, error) {
	if platform == nil {
		return nil, ErrNoPlatform
	}

	m := &Manager{
		platform:  platform,
		cfg:       cfg.withDefaults(),
		env:       Detect(),
		consumers: make(map[string]StreamOptions),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.logFactory == nil {
		m.logFactory = logging.NewDefaultLoggerFactory()
	}
	m.log = m.logFactory.NewLogger("camera")

	m.refreshTicker = m.clock.Ticker(m.cfg.DeviceRefreshInterval)
	m.bg.Add(1)
	go m.watch()
	go m.probePermission()
	go m.refreshDevices()

	return m, nil
}

// Environment returns the capability snapshot acquisitions are adapted with.
func (m *Manager) Environment() EnvironmentContext { return m.env }

// Acquire registers the consumer and returns the shared Handle. An active
// Handle returns immediately; an in-flight acquisition is joined rather than
// duplicated; otherwise a new attempt starts, queued FIFO when the last
// attempt began less than InitRateLimit ago.
//
// ctx bounds only this caller's wait. Cancelling it abandons the wait but
// leaves the consumer registered (call Release to deregister) and never
// aborts the underlying platform call, which other waiters may still need.
func (m *Manager) Acquire(ctx context.Context, consumerID string, opts StreamOptions) (*Handle, error) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil, ErrManagerDisposed
	}

	m.consumers[consumerID] = opts
	m.cancelCleanupLocked()

	if m.handle != nil && m.handle.Active() {
		h := m.handle
		m.stats.handleReuses.Add(1)
		m.mu.Unlock()
		return h, nil
	}

	if m.pending != nil {
		p := m.pending
		m.stats.coalescedJoins.Add(1)
		m.mu.Unlock()
		return p.wait(ctx)
	}

	if wait := m.rateDelayLocked(); wait > 0 {
		req := &streamRequest{consumerID: consumerID, opts: opts, pending: newPending()}
		m.queue = append(m.queue, req)
		m.stats.rateLimited.Add(1)
		m.scheduleQueueLocked(wait)
		m.mu.Unlock()
		return req.pending.wait(ctx)
	}

	p := m.beginAttemptLocked(opts)
	m.mu.Unlock()
	return p.wait(ctx)
}

// Release removes the consumer from the active set. Unknown IDs are a
// no-op. When the set empties, a CleanupDelay grace timer starts instead of
// destroying the Handle immediately, debouncing remount churn.
func (m *Manager) Release(consumerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	if _, ok := m.consumers[consumerID]; !ok {
		return
	}
	delete(m.consumers, consumerID)

	if len(m.consumers) == 0 && m.handle != nil {
		m.scheduleCleanupLocked(false)
	}
}

// SwitchDevice tears down the current Handle and re-acquires with new
// options (front/back toggle). The single-Handle rule means the switch
// affects every consumer sharing it. Rapid successive switches resolve
// last-writer-wins: earlier callers receive the newest switch's outcome
// rather than a feed that was superseded before they observed it.
func (m *Manager) SwitchDevice(ctx context.Context, consumerID string, opts StreamOptions) (*Handle, error) {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil, ErrManagerDisposed
	}

	m.consumers[consumerID] = opts
	m.cancelCleanupLocked()

	m.switchEpoch++
	epoch := m.switchEpoch
	if m.switchResult == nil {
		m.switchResult = newPending()
	}
	sr := m.switchResult
	m.mu.Unlock()

	go m.runSwitch(epoch, opts)
	return sr.wait(ctx)
}

// runSwitch serializes a switch behind any in-flight attempt, then performs
// teardown + re-acquisition, unless a newer switch has superseded it.
func (m *Manager) runSwitch(epoch uint64, opts StreamOptions) {
	for {
		m.mu.Lock()
		if m.disposed {
			sr := m.switchResult
			m.switchResult = nil
			m.mu.Unlock()
			if sr != nil {
				sr.settle(nil, ErrManagerDisposed)
			}
			return
		}
		if m.switchEpoch != epoch {
			// Superseded: the newest switch now owns the shared result.
			m.mu.Unlock()
			return
		}
		if p := m.pending; p != nil {
			m.mu.Unlock()
			<-p.done
			continue
		}
		if wait := m.rateDelayLocked(); wait > 0 {
			m.mu.Unlock()
			t := m.clock.Timer(wait)
			select {
			case <-t.C:
			case <-m.done:
				t.Stop()
				return
			}
			continue
		}
		break
	}

	// Lock held. This switch is current and no attempt is in flight.
	m.stats.switches.Add(1)
	m.destroyHandleLocked("switch")
	p := m.beginAttemptLocked(opts)
	m.mu.Unlock()

	<-p.done

	m.mu.Lock()
	if m.switchEpoch != epoch {
		m.mu.Unlock()
		return
	}
	sr := m.switchResult
	m.switchResult = nil
	m.mu.Unlock()
	if sr != nil {
		sr.settle(p.handle, p.err)
	}
}

// ListDevices returns the cached device list. The cache refreshes on a
// timer, on platform device-change events, and after each successful
// acquisition; callers get best-effort, possibly-stale data.
func (m *Manager) ListDevices() []DeviceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DeviceInfo, len(m.devices))
	copy(out, m.devices)
	return out
}

// PermissionState returns the cached tri-state permission outcome. It is
// established by the first acquisition result (or a background platform
// query) and avoids re-prompting the user.
func (m *Manager) PermissionState() PermissionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.permission
}

// VisibilityChanged feeds app lifecycle signals to the manager. Going
// hidden schedules teardown immediately regardless of the consumer set, so
// hardware is freed while backgrounded; becoming visible cancels a pending
// teardown. An earlier-scheduled timer is kept rather than reset, so
// whichever teardown deadline comes first wins.
func (m *Manager) VisibilityChanged(visible bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}

	if !visible {
		if m.handle != nil || m.pending != nil {
			m.scheduleCleanupLocked(true)
		}
		return
	}

	m.cancelCleanupLocked()
	if m.handle != nil && len(m.consumers) == 0 {
		// Still unused after returning to the foreground, so the empty-set
		// grace period starts over.
		m.scheduleCleanupLocked(false)
	}
}

// Stats returns a snapshot of manager activity.
func (m *Manager) Stats() Stats {
	s := m.stats.snapshot()
	m.mu.Lock()
	s.ActiveConsumers = len(m.consumers)
	s.State = m.state.String()
	s.Permission = m.permission.String()
	m.mu.Unlock()
	return s
}

// Dispose stops all manager-owned timers and the active Handle. Queued and
// in-flight requests settle with ErrManagerDisposed; subsequent calls are
// no-ops and subsequent Acquires fail.
func (m *Manager) Dispose() {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return
	}
	m.disposed = true

	m.cancelCleanupLocked()
	if m.queueTimer != nil {
		m.queueTimer.Stop()
		m.queueTimer = nil
	}
	queued := m.queue
	m.queue = nil

	sr := m.switchResult
	m.switchResult = nil

	h := m.handle
	m.handle = nil
	if h != nil {
		m.stats.teardowns.Add(1)
	}
	m.state = managerIdle
	m.refreshTicker.Stop()
	close(m.done)
	m.mu.Unlock()

	for _, r := range queued {
		r.pending.settle(nil, ErrManagerDisposed)
	}
	if sr != nil {
		sr.settle(nil, ErrManagerDisposed)
	}
	if h != nil {
		h.stop()
	}
	m.bg.Wait()
	m.log.Debug("disposed")
}

// rateDelayLocked returns how long the next attempt must still wait to keep
// consecutive attempt starts InitRateLimit apart.
func (m *Manager) rateDelayLocked() time.Duration {
	if m.lastAttemptStart.IsZero() {
		return 0
	}
	elapsed := m.clock.Now().Sub(m.lastAttemptStart)
	if elapsed >= m.cfg.InitRateLimit {
		return 0
	}
	return m.cfg.InitRateLimit - elapsed
}

// beginAttemptLocked starts the one hardware acquisition. Callers must hold
// the lock and have verified no attempt is in flight.
func (m *Manager) beginAttemptLocked(opts StreamOptions) *pendingAcquire {
	p := newPending()
	m.pending = p
	m.state = managerAcquiring
	m.lastAttemptStart = m.clock.Now()
	m.stats.acquisitions.Add(1)

	adapted := AdaptOptions(opts, m.env)
	go m.runAttempt(p, adapted)
	return p
}

// runAttempt performs the platform call raced against PermissionTimeout and
// applies the outcome.
func (m *Manager) runAttempt(p *pendingAcquire, opts StreamOptions) {
	h, err := m.platformAcquire(opts)

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		if h != nil {
			h.stop()
		}
		p.settle(nil, ErrManagerDisposed)
		return
	}
	m.pending = nil

	if err != nil {
		cerr := Classify(err)
		if cerr.Kind == KindPermissionDenied {
			m.permission = PermissionDenied
		}
		m.stats.recordFailure(cerr.Kind)
		if m.handle == nil {
			m.state = managerIdle
		} else {
			m.state = managerActive
		}
		if len(m.queue) > 0 {
			m.scheduleQueueLocked(m.rateDelayLocked())
		}
		m.mu.Unlock()

		m.log.Warnf("acquire failed: %v", cerr)
		p.settle(nil, cerr)
		return
	}

	m.handle = h
	m.state = managerActive
	m.permission = PermissionGranted
	m.stats.acquireSuccesses.Add(1)

	// Resolve every queued request too: the Handle they were waiting to
	// create now exists and is shared.
	queued := m.queue
	m.queue = nil
	if m.queueTimer != nil {
		m.queueTimer.Stop()
		m.queueTimer = nil
	}

	// The set can be empty here when every requester released while the
	// platform call was in flight; the grace timer then decides.
	if len(m.consumers) == 0 {
		m.scheduleCleanupLocked(false)
	}
	m.mu.Unlock()

	m.log.Infof("acquired handle %s (%dx%d@%d)", h.ID(), h.Settings().Width, h.Settings().Height, h.Settings().FrameRate)
	p.settle(h, nil)
	for _, r := range queued {
		r.pending.settle(h, nil)
	}

	// Post-grant enumeration fills in device labels.
	go m.refreshDevices()
}

// platformAcquire races the platform call against PermissionTimeout. The
// loser of the race is not abandoned silently: a Handle arriving after the
// timeout is stopped so hardware never leaks.
func (m *Manager) platformAcquire(opts StreamOptions) (*Handle, error) {
	type result struct {
		h   *Handle
		err error
	}

	ctx, cancel := m.clock.WithTimeout(context.Background(), m.cfg.PermissionTimeout)
	ch := make(chan result, 1)
	go func() {
		h, err := m.platform.Acquire(ctx, opts)
		ch <- result{h, err}
	}()

	select {
	case r := <-ch:
		cancel()
		if r.err != nil {
			return nil, fmt.Errorf("platform acquire: %w", r.err)
		}
		return r.h, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.h != nil {
				r.h.stop()
			}
			cancel()
		}()
		return nil, fmt.Errorf("platform acquire: %w", ErrAcquireTimeout)
	}
}

// scheduleQueueLocked arms the queue drain timer if it is not already armed.
func (m *Manager) scheduleQueueLocked(wait time.Duration) {
	if m.queueTimer != nil {
		return
	}
	if wait < 0 {
		wait = 0
	}
	m.queueTimer = m.clock.AfterFunc(wait, m.processQueue)
}

// processQueue starts the next queued request when its rate slot arrives.
func (m *Manager) processQueue() {
	m.mu.Lock()
	m.queueTimer = nil

	if m.disposed || len(m.queue) == 0 {
		m.mu.Unlock()
		return
	}

	if m.handle != nil && m.handle.Active() {
		queued := m.queue
		m.queue = nil
		m.mu.Unlock()
		for _, r := range queued {
			r.pending.settle(m.handle, nil)
		}
		return
	}

	if m.pending != nil {
		// An attempt is in flight; its completion reschedules the drain.
		m.mu.Unlock()
		return
	}

	if wait := m.rateDelayLocked(); wait > 0 {
		m.scheduleQueueLocked(wait)
		m.mu.Unlock()
		return
	}

	req := m.queue[0]
	m.queue = m.queue[1:]
	p := m.beginAttemptLocked(req.opts)
	m.mu.Unlock()

	go func() {
		<-p.done
		req.pending.settle(p.handle, p.err)
	}()
}

// scheduleCleanupLocked arms the teardown grace timer. An already-armed
// timer keeps its earlier deadline; forced marks a visibility-initiated
// teardown that fires even with consumers present.
func (m *Manager) scheduleCleanupLocked(forced bool) {
	if m.cleanupTimer != nil {
		if forced {
			m.cleanupForced = true
		}
		return
	}
	m.cleanupForced = forced
	m.cleanupGen++
	gen := m.cleanupGen
	m.cleanupTimer = m.clock.AfterFunc(m.cfg.CleanupDelay, func() { m.cleanupExpired(gen) })
	m.log.Debugf("teardown scheduled in %s (forced=%v)", m.cfg.CleanupDelay, forced)
}

func (m *Manager) cancelCleanupLocked() {
	if m.cleanupTimer != nil {
		m.cleanupTimer.Stop()
		m.cleanupTimer = nil
		m.cleanupForced = false
	}
	// A fired-but-not-yet-run timer must not destroy a handle that a later
	// Acquire is about to reuse.
	m.cleanupGen++
}

// cleanupExpired destroys the Handle if the grace period ran out with the
// set still empty, or unconditionally for a visibility-forced teardown.
func (m *Manager) cleanupExpired(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.cleanupGen {
		// Cancelled or replaced between firing and acquiring the lock.
		return
	}
	m.cleanupTimer = nil
	forced := m.cleanupForced
	m.cleanupForced = false

	if m.disposed {
		return
	}
	if !forced && len(m.consumers) > 0 {
		return
	}
	m.destroyHandleLocked("grace expired")
}

// destroyHandleLocked stops the Handle and returns the manager to idle.
func (m *Manager) destroyHandleLocked(reason string) {
	h := m.handle
	if h == nil {
		return
	}
	m.handle = nil
	m.state = managerTearingDown
	m.stats.teardowns.Add(1)
	h.stop()
	m.state = managerIdle
	m.log.Infof("handle %s destroyed (%s)", h.ID(), reason)
}

// watch runs the background loop: periodic device refresh plus platform
// device-change and visibility notifications.
func (m *Manager) watch() {
	defer m.bg.Done()

	events := m.platform.Notifications()
	for {
		select {
		case <-m.done:
			return
		case <-m.refreshTicker.C:
			m.refreshDevices()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			switch ev.Kind {
			case EventDeviceChange:
				m.refreshDevices()
			case EventVisibilityHidden:
				m.VisibilityChanged(false)
			case EventVisibilityVisible:
				m.VisibilityChanged(true)
			}
		}
	}
}

// refreshDevices re-enumerates devices into the cache. Failures keep the
// previous (stale) list; callers were promised best-effort data only.
func (m *Manager) refreshDevices() {
	ctx, cancel := m.clock.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	devices, err := m.platform.EnumerateDevices(ctx)
	if err != nil {
		m.log.Debugf("device refresh failed: %v", err)
		return
	}
	for i := range devices {
		if devices[i].Facing == FacingNone {
			devices[i].Facing = InferFacing(devices[i].Label)
		}
	}

	m.mu.Lock()
	if !m.disposed {
		m.devices = devices
	}
	m.mu.Unlock()
	m.stats.deviceRefreshes.Add(1)
}

// probePermission asks the platform for the current permission state
// without prompting. Probe failures leave the cache at unknown.
func (m *Manager) probePermission() {
	ctx, cancel := m.clock.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	state, err := m.platform.QueryPermission(ctx)
	if err != nil || state == PermissionUnknown {
		return
	}

	m.mu.Lock()
	if !m.disposed && m.permission == PermissionUnknown {
		m.permission = state
	}
	m.mu.Unlock()
}
