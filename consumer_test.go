package camera

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestConsumerInitialize(t *testing.T) {
	mc := clock.NewMock()
	f := newFakePlatform(mc)
	m := newTestManager(t, mc, f, testConfig())

	cons := NewConsumer(m, DefaultStreamOptions())
	if err := cons.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !cons.Initialized() {
		t.Fatal("consumer not initialized")
	}

	state := cons.State()
	if state.Status != ConsumerActive {
		t.Errorf("Status = %v, want active", state.Status)
	}
	if state.Handle == nil || !state.Handle.Active() {
		t.Error("no live handle in state")
	}
	if state.Pending || state.Attempts != 0 {
		t.Errorf("Pending = %v, Attempts = %d", state.Pending, state.Attempts)
	}
	if state.Settings.DeviceID != "fake:front" {
		t.Errorf("DeviceID = %q", state.Settings.DeviceID)
	}
	if state.Permission != PermissionGranted {
		t.Errorf("Permission = %v, want granted", state.Permission)
	}
	if got := m.Stats().ActiveConsumers; got != 1 {
		t.Errorf("ActiveConsumers = %d, want 1", got)
	}
}

func TestConsumerInitializeIdempotent(t *testing.T) {
	mc := clock.NewMock()
	f := newFakePlatform(mc)
	m := newTestManager(t, mc, f, testConfig())

	cons := NewConsumer(m, DefaultStreamOptions())
	if err := cons.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := cons.Initialize(context.Background()); err != nil {
		t.Fatalf("second Initialize: %v", err)
	}
	if got := f.acquires.Load(); got != 1 {
		t.Errorf("platform acquires = %d, want 1", got)
	}
}

// TestConsumerRetryRelaxation: two transient failures, then success. Each
// retry waits out a growing backoff and widens the constraints one stage.
func TestConsumerRetryRelaxation(t *testing.T) {
	mc := clock.NewMock()
	f := newFakePlatform(mc)
	f.failNext(2, ErrDeviceInUse)
	m := newTestManager(t, mc, f, testConfig())

	cons := NewConsumer(m, DefaultStreamOptions())
	errs := make(chan error, 1)
	go func() { errs <- cons.Initialize(context.Background()) }()

	var err error
	done := false
	advanceUntil(t, mc, 100*time.Millisecond, 8*time.Second, func() bool {
		select {
		case err = <-errs:
			done = true
		default:
		}
		return done
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !cons.Initialized() {
		t.Fatal("consumer not active after retries")
	}

	seen := f.seenOpts()
	if len(seen) != 3 {
		t.Fatalf("got %d attempts, want 3", len(seen))
	}
	if seen[0].Video.Width != 1280 || seen[0].Video.FacingMode != FacingUser {
		t.Errorf("attempt 0 = %+v, want the full request", seen[0].Video)
	}
	v1 := seen[1].Video
	if v1.Width != 0 || v1.Height != 0 || v1.FrameRate != 0 {
		t.Errorf("attempt 1 kept sizing: %+v", v1)
	}
	if v1.FacingMode != FacingUser {
		t.Errorf("attempt 1 dropped facing: %+v", v1)
	}
	if v1.Mode != ConstraintIdeal {
		t.Errorf("attempt 1 Mode = %v, want ideal", v1.Mode)
	}
	v2 := seen[2].Video
	if *v2 != (VideoConstraints{}) {
		t.Errorf("attempt 2 not bare: %+v", v2)
	}
	if seen[2].Audio != nil {
		t.Error("attempt 2 added audio the request never asked for")
	}

	starts := f.startTimes()
	gap1 := starts[1].Sub(starts[0])
	gap2 := starts[2].Sub(starts[1])
	if gap1 < 500*time.Millisecond {
		t.Errorf("first backoff = %v, want at least 500ms", gap1)
	}
	if gap2 < time.Second {
		t.Errorf("second backoff = %v, want at least 1s", gap2)
	}
	if gap2 <= gap1 {
		t.Errorf("backoff did not grow: %v then %v", gap1, gap2)
	}

	if state := cons.State(); state.Attempts != 0 {
		t.Errorf("Attempts = %d after success, want 0", state.Attempts)
	}
}

func TestConsumerExhaustsRetryBudget(t *testing.T) {
	mc := clock.NewMock()
	f := newFakePlatform(mc)
	f.failNext(-1, ErrDeviceInUse)
	m := newTestManager(t, mc, f, testConfig())

	cons := NewConsumer(m, DefaultStreamOptions())
	errs := make(chan error, 1)
	go func() { errs <- cons.Initialize(context.Background()) }()

	var err error
	done := false
	advanceUntil(t, mc, 100*time.Millisecond, 10*time.Second, func() bool {
		select {
		case err = <-errs:
			done = true
		default:
		}
		return done
	})
	if err == nil {
		t.Fatal("Initialize should fail once the budget is exhausted")
	}

	var failure *InitFailure
	if !errors.As(err, &failure) {
		t.Fatalf("err = %v, want *InitFailure", err)
	}
	if failure.Last.Kind != KindNotReadable {
		t.Errorf("Last.Kind = %v, want NotReadable", failure.Last.Kind)
	}
	if failure.Environment.OS != "test" {
		t.Errorf("Environment.OS = %q", failure.Environment.OS)
	}
	if len(failure.Attempted) != 4 {
		t.Fatalf("Attempted = %d option sets, want 4 (1 + 3 retries)", len(failure.Attempted))
	}
	last := failure.Attempted[3]
	if last.Video == nil || last.Audio == nil {
		t.Errorf("final relaxation = %+v, want bare video+audio", last)
	}
	if !errors.Is(err, ErrDeviceInUse) {
		t.Error("InitFailure does not unwrap to the platform error")
	}

	state := cons.State()
	if state.Status != ConsumerFailed {
		t.Errorf("Status = %v, want failed", state.Status)
	}
	if state.Attempts != 4 {
		t.Errorf("Attempts = %d, want 4", state.Attempts)
	}
	if cons.Initialized() {
		t.Error("Initialized after terminal failure")
	}
	if got := f.acquires.Load(); got != 4 {
		t.Errorf("platform acquires = %d, want 4", got)
	}
}

// TestConsumerPermissionDeniedRetriedOnce: a denial is retried a single time
// (covering transient OS denials), then treated as terminal.
func TestConsumerPermissionDeniedRetriedOnce(t *testing.T) {
	mc := clock.NewMock()
	f := newFakePlatform(mc)
	f.failNext(-1, ErrPermissionDenied)
	m := newTestManager(t, mc, f, testConfig())

	cons := NewConsumer(m, DefaultStreamOptions())
	errs := make(chan error, 1)
	go func() { errs <- cons.Initialize(context.Background()) }()

	var err error
	done := false
	advanceUntil(t, mc, 100*time.Millisecond, 5*time.Second, func() bool {
		select {
		case err = <-errs:
			done = true
		default:
		}
		return done
	})

	var failure *InitFailure
	if !errors.As(err, &failure) || failure.Last.Kind != KindPermissionDenied {
		t.Fatalf("err = %v, want terminal PermissionDenied", err)
	}
	if got := f.acquires.Load(); got != 2 {
		t.Errorf("platform acquires = %d, want exactly 2", got)
	}
	if got := m.PermissionState(); got != PermissionDenied {
		t.Errorf("PermissionState = %v, want denied", got)
	}
}

func TestConsumerPermissionDeniedThenGranted(t *testing.T) {
	mc := clock.NewMock()
	f := newFakePlatform(mc)
	f.failNext(1, ErrPermissionDenied)
	m := newTestManager(t, mc, f, testConfig())

	cons := NewConsumer(m, DefaultStreamOptions())
	errs := make(chan error, 1)
	go func() { errs <- cons.Initialize(context.Background()) }()

	var err error
	done := false
	advanceUntil(t, mc, 100*time.Millisecond, 5*time.Second, func() bool {
		select {
		case err = <-errs:
			done = true
		default:
		}
		return done
	})
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if !cons.Initialized() {
		t.Fatal("consumer not active")
	}
	if got := m.PermissionState(); got != PermissionGranted {
		t.Errorf("PermissionState = %v, want granted after the retry succeeded", got)
	}
	if got := f.acquires.Load(); got != 2 {
		t.Errorf("platform acquires = %d, want 2", got)
	}
}

func TestRelaxOptionsStages(t *testing.T) {
	requested := StreamOptions{
		Video: &VideoConstraints{
			Width: 1280, Height: 720, FrameRate: 30,
			DeviceID: "dev-1", FacingMode: FacingUser, Mode: ConstraintExact,
		},
		Audio: &AudioConstraints{EchoCancellation: true},
	}

	s1 := relaxOptions(requested, 1)
	if s1.Video.Width != 0 || s1.Video.Height != 0 || s1.Video.FrameRate != 0 {
		t.Errorf("stage 1 kept sizing: %+v", s1.Video)
	}
	if s1.Video.DeviceID != "dev-1" || s1.Video.FacingMode != FacingUser {
		t.Errorf("stage 1 dropped device pinning: %+v", s1.Video)
	}
	if s1.Video.Mode != ConstraintIdeal {
		t.Errorf("stage 1 Mode = %v, want ideal", s1.Video.Mode)
	}
	if s1.Audio == nil || !s1.Audio.EchoCancellation {
		t.Errorf("stage 1 audio = %+v, want preserved", s1.Audio)
	}

	s2 := relaxOptions(requested, 2)
	if s2.Video == nil || *s2.Video != (VideoConstraints{}) {
		t.Errorf("stage 2 video = %+v, want bare", s2.Video)
	}
	if s2.Audio == nil || s2.Audio.EchoCancellation {
		t.Errorf("stage 2 audio = %+v, want bare", s2.Audio)
	}

	videoOnly := StreamOptions{Video: &VideoConstraints{Width: 640}}
	if got := relaxOptions(videoOnly, 2); got.Audio != nil {
		t.Error("stage 2 invented an audio request")
	}

	s3 := relaxOptions(videoOnly, 3)
	if s3.Video == nil || s3.Audio == nil {
		t.Errorf("stage 3 = %+v, want bare video+audio", s3)
	}

	audioOnly := StreamOptions{Audio: &AudioConstraints{}}
	if got := relaxOptions(audioOnly, 1); got.Video != nil {
		t.Error("stage 1 invented a video request")
	}

	// The requested options are never mutated.
	if requested.Video.Width != 1280 || requested.Video.Mode != ConstraintExact {
		t.Errorf("relaxation mutated the request: %+v", requested.Video)
	}
}

func TestConsumerSwitchFacing(t *testing.T) {
	mc := clock.NewMock()
	f := newFakePlatform(mc)
	m := newTestManager(t, mc, f, testConfig())

	cons := NewConsumer(m, DefaultStreamOptions())
	if err := cons.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	front := cons.State().Handle
	if got := cons.State().Settings.Facing; got != FacingUser {
		t.Fatalf("initial facing = %q", got)
	}

	errs := make(chan error, 1)
	go func() { errs <- cons.SwitchFacing(context.Background()) }()

	var err error
	done := false
	advanceUntil(t, mc, 100*time.Millisecond, 5*time.Second, func() bool {
		select {
		case err = <-errs:
			done = true
		default:
		}
		return done
	})
	if err != nil {
		t.Fatalf("SwitchFacing: %v", err)
	}

	state := cons.State()
	if state.Settings.Facing != FacingEnvironment || state.Settings.DeviceID != "fake:back" {
		t.Errorf("settings after switch = %+v", state.Settings)
	}
	if state.Handle == front {
		t.Error("switch kept the old handle")
	}
	if front.Active() {
		t.Error("old handle still active")
	}

	// Toggling again returns to the front camera.
	go func() { errs <- cons.SwitchFacing(context.Background()) }()
	done = false
	advanceUntil(t, mc, 100*time.Millisecond, 5*time.Second, func() bool {
		select {
		case err = <-errs:
			done = true
		default:
		}
		return done
	})
	if err != nil {
		t.Fatalf("second SwitchFacing: %v", err)
	}
	if got := cons.State().Settings.Facing; got != FacingUser {
		t.Errorf("facing after second switch = %q, want user", got)
	}
	if got := m.Stats().Switches; got != 2 {
		t.Errorf("Switches = %d, want 2", got)
	}
}

func TestConsumerSwitchFacingRequiresActive(t *testing.T) {
	mc := clock.NewMock()
	f := newFakePlatform(mc)
	m := newTestManager(t, mc, f, testConfig())

	cons := NewConsumer(m, DefaultStreamOptions())
	if err := cons.SwitchFacing(context.Background()); err == nil {
		t.Error("SwitchFacing on an idle consumer should fail")
	}
}

// TestConsumerStopDiscardsSwitch: a Stop racing an in-flight switch wins;
// the switch outcome is dropped and the manager's grace timer reaps the
// handle the switch produced.
func TestConsumerStopDiscardsSwitch(t *testing.T) {
	mc := clock.NewMock()
	f := newFakePlatform(mc)
	m := newTestManager(t, mc, f, testConfig())

	cons := NewConsumer(m, DefaultStreamOptions())
	if err := cons.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	mc.Add(300 * time.Millisecond) // clear the rate limit so the switch starts

	gate := make(chan struct{})
	f.setGate(gate, true)

	errs := make(chan error, 1)
	go func() { errs <- cons.SwitchFacing(context.Background()) }()
	waitUntil(t, func() bool { return f.acquires.Load() == 2 })

	cons.Stop()
	close(gate)

	if err := <-errs; err != nil {
		t.Fatalf("superseded switch returned %v, want nil", err)
	}
	state := cons.State()
	if state.Status != ConsumerIdle || state.Handle != nil {
		t.Errorf("state after Stop = %+v, want idle", state)
	}

	// Nobody holds the replacement handle, so the grace timer reaps it.
	waitUntil(t, func() bool { return cleanupArmed(m) })
	mc.Add(2 * time.Second)
	waitUntil(t, func() bool {
		h := f.handleAt(1)
		return h != nil && !h.Active()
	})
}

func TestConsumerStopKeepsOthersActive(t *testing.T) {
	mc := clock.NewMock()
	f := newFakePlatform(mc)
	m := newTestManager(t, mc, f, testConfig())

	c1 := NewConsumer(m, DefaultStreamOptions())
	c2 := NewConsumer(m, DefaultStreamOptions())
	if err := c1.Initialize(context.Background()); err != nil {
		t.Fatalf("c1 Initialize: %v", err)
	}
	if err := c2.Initialize(context.Background()); err != nil {
		t.Fatalf("c2 Initialize: %v", err)
	}

	c1.Stop()

	if !c2.Initialized() {
		t.Error("stopping one consumer broke the other")
	}
	if cleanupArmed(m) {
		t.Error("teardown scheduled while a consumer remains")
	}
	if got := m.Stats().ActiveConsumers; got != 1 {
		t.Errorf("ActiveConsumers = %d, want 1", got)
	}
}

// TestConsumerInitializeContextCanceled: cancelling the caller's context ends
// the campaign but leaves the consumer registered for a later attempt.
func TestConsumerInitializeContextCanceled(t *testing.T) {
	mc := clock.NewMock()
	f := newFakePlatform(mc)
	gate := make(chan struct{})
	f.setGate(gate, true)
	m := newTestManager(t, mc, f, testConfig())

	cons := NewConsumer(m, DefaultStreamOptions())
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- cons.Initialize(ctx) }()
	waitUntil(t, func() bool { return f.acquires.Load() == 1 })

	cancel()
	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	state := cons.State()
	if state.Status != ConsumerIdle || state.Pending {
		t.Errorf("state = %+v, want idle", state)
	}
	if got := m.Stats().ActiveConsumers; got != 1 {
		t.Errorf("ActiveConsumers = %d, want 1 (still registered)", got)
	}

	// The abandoned attempt completes; a fresh Initialize reuses its handle.
	close(gate)
	waitUntil(t, func() bool { return m.Stats().AcquireSuccesses == 1 })
	if err := cons.Initialize(context.Background()); err != nil {
		t.Fatalf("re-Initialize: %v", err)
	}
	if !cons.Initialized() {
		t.Error("consumer not active")
	}
	if got := f.acquires.Load(); got != 1 {
		t.Errorf("platform acquires = %d, want 1 (handle reused)", got)
	}
}

func TestConsumerStateNotifications(t *testing.T) {
	mc := clock.NewMock()
	f := newFakePlatform(mc)
	m := newTestManager(t, mc, f, testConfig())

	cons := NewConsumer(m, DefaultStreamOptions())

	var mu sync.Mutex
	var observed []ConsumerState
	cons.OnStateChange(func(s ConsumerState) {
		mu.Lock()
		observed = append(observed, s)
		mu.Unlock()
	})

	if err := cons.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(observed) >= 2
	})

	// Callbacks run on their own goroutines, so assert membership, not order.
	mu.Lock()
	defer mu.Unlock()
	var sawAcquiring, sawActive bool
	for _, s := range observed {
		switch s.Status {
		case ConsumerAcquiring:
			sawAcquiring = true
			if !s.Pending {
				t.Error("acquiring notification without Pending")
			}
		case ConsumerActive:
			sawActive = true
			if s.Handle == nil {
				t.Error("active notification without a handle")
			}
		}
	}
	if !sawAcquiring || !sawActive {
		t.Errorf("observed acquiring=%v active=%v, want both", sawAcquiring, sawActive)
	}
}

func TestConsumerStatus_String(t *testing.T) {
	tests := []struct {
		status ConsumerStatus
		want   string
	}{
		{ConsumerIdle, "idle"},
		{ConsumerAcquiring, "acquiring"},
		{ConsumerActive, "active"},
		{ConsumerFailed, "failed"},
		{ConsumerStatus(9), "idle"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("ConsumerStatus(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestConsumerIDsUnique(t *testing.T) {
	mc := clock.NewMock()
	f := newFakePlatform(mc)
	m := newTestManager(t, mc, f, testConfig())

	a := NewConsumer(m, DefaultStreamOptions())
	b := NewConsumer(m, DefaultStreamOptions())
	if a.ID() == b.ID() {
		t.Error("consumer IDs collide")
	}
	if a.ID() == "" {
		t.Error("empty consumer ID")
	}
}
