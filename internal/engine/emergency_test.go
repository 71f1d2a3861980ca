package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MRamiBalles/cadence/internal/events"
	"github.com/MRamiBalles/cadence/internal/scheduler"
)

type fakeLoop struct {
	id    string
	mu    sync.Mutex
	state scheduler.State
	stops []events.EmergencySignal
	done  chan struct{}
}

func newFakeLoop(id string) *fakeLoop {
	return &fakeLoop{id: id, state: scheduler.Running, done: make(chan struct{})}
}

func (f *fakeLoop) ID() string { return f.id }

func (f *fakeLoop) State() scheduler.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Stop accepts every request so the protocol's own de-duplication is
// what the tests observe.
func (f *fakeLoop) Stop(sig events.EmergencySignal) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, sig)
	if f.state != scheduler.Stopped {
		f.state = scheduler.Stopped
		close(f.done)
	}
	return true
}

func (f *fakeLoop) Done() <-chan struct{} { return f.done }

func (f *fakeLoop) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stops)
}

func TestLoopScopedSignalStopsOnlyThatLoop(t *testing.T) {
	p := NewProtocol()
	a, b := newFakeLoop("a"), newFakeLoop("b")
	p.Register(a)
	p.Register(b)

	require.NoError(t, p.Handle(events.NewSignal("a", events.Critical, events.ReasonExternal, "")))
	assert.Equal(t, scheduler.Stopped, a.State())
	assert.Equal(t, scheduler.Running, b.State())
	assert.False(t, p.AllClear())
}

func TestWarningIsRecordedButDoesNotStop(t *testing.T) {
	log := events.NewLog(0, nil)
	p := NewProtocol(WithProtocolEvents(log))
	a := newFakeLoop("a")
	p.Register(a)

	require.NoError(t, p.Handle(events.NewSignal("a", events.Warning, events.ReasonQualityBreach, "")))
	assert.Equal(t, scheduler.Running, a.State())
	assert.Len(t, log.Recent(-1, events.EventTypeSignal), 1)
}

func TestGlobalSignalStopsAllStaggered(t *testing.T) {
	var sleeps []time.Duration
	p := NewProtocol(WithStagger(2*time.Millisecond), WithStaggerSleep(func(d time.Duration) { sleeps = append(sleeps, d) }))
	loops := []*fakeLoop{newFakeLoop("a"), newFakeLoop("b"), newFakeLoop("c"), newFakeLoop("d")}
	for _, l := range loops {
		p.Register(l)
	}
	assert.False(t, p.AllClear())

	sig := events.NewSignal(events.Global, events.Critical, events.ReasonCascadeDistress, "")
	require.NoError(t, p.Handle(sig))
	require.NoError(t, p.Handle(sig))

	for _, l := range loops {
		assert.Equal(t, 1, l.stopCount(), "a signal is consumed once")
	}
	assert.Equal(t, []time.Duration{2 * time.Millisecond, 2 * time.Millisecond, 2 * time.Millisecond}, sleeps)
	assert.True(t, p.AllClear())
	assert.NoError(t, p.Wait(context.Background()))
}

func TestUnknownLoop(t *testing.T) {
	p := NewProtocol()
	assert.ErrorIs(t, p.Handle(events.NewSignal("ghost", events.Critical, events.ReasonExternal, "")), ErrUnknownLoop)
	assert.False(t, p.AllClear(), "no loops is not all clear")
}

func TestSubmitAndRun(t *testing.T) {
	p := NewProtocol(WithStagger(0))
	a := newFakeLoop("a")
	p.Register(a)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	require.True(t, p.Submit(events.NewSignal("a", events.Critical, events.ReasonExternal, "")))
	require.Eventually(t, p.AllClear, time.Second, time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestWaitHonoursContext(t *testing.T) {
	p := NewProtocol()
	p.Register(newFakeLoop("a"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.DeadlineExceeded)
}
