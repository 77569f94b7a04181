package controller

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabricd/fabricd/pkg/clock"
	"github.com/fabricd/fabricd/pkg/dispatch"
	"github.com/fabricd/fabricd/pkg/nvme"
	"github.com/fabricd/fabricd/pkg/types"
)

const testWait = 5 * time.Second

type rig struct {
	t    *testing.T
	clk  *clock.FakeClock
	d    *dispatch.Dispatcher
	fake *nvme.Fake
}

func newRig(t *testing.T) *rig {
	t.Helper()
	clk := clock.Fake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	d := dispatch.NewDispatcher(&dispatch.Config{Clock: clk, Workers: 2})
	d.Start()
	t.Cleanup(d.Stop)
	return &rig{t: t, clk: clk, d: d, fake: nvme.NewFake()}
}

// onLoop runs fn on the event loop and waits for it, so tests can read and
// mutate loop-confined controller state safely.
func (r *rig) onLoop(fn func()) {
	r.t.Helper()
	done := make(chan struct{})
	r.d.Submit(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(testWait):
		r.t.Fatal("event loop stalled")
	}
}

func (r *rig) state(c *Controller) types.State {
	r.t.Helper()
	var s types.State
	r.onLoop(func() { s = c.State() })
	return s
}

func (r *rig) waitState(c *Controller, want types.State) {
	r.t.Helper()
	require.Eventually(r.t, func() bool { return r.state(c) == want },
		testWait, 5*time.Millisecond, "controller never reached %s", want)
}

func (r *rig) config(tid types.TID, retry types.RetryPolicy) Config {
	return Config{
		Dispatcher: r.d,
		Client:     r.fake,
		TID:        tid,
		Retry:      retry,
	}
}

func ioTarget() types.TID {
	return types.TID{
		Transport: types.TransportTCP,
		TrAddr:    "192.168.1.50",
		TrSvcID:   "4420",
		SubsysNQN: "nqn.2020-01.io.example:subsys1",
		HostNQN:   "nqn.2014-08.org.nvmexpress:uuid:6d3dcf67-6c66-4b53-9071-2bd56906a0dc",
	}
}

// failer fails connect attempts until the remaining budget runs out.
type failer struct {
	mu        sync.Mutex
	remaining int
}

func (f *failer) hook(types.TID, types.ConnectParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remaining != 0 {
		if f.remaining > 0 {
			f.remaining--
		}
		return "", errors.New("no route to target")
	}
	return "", nil
}

// transitions records state changes for later inspection.
type transitions struct {
	mu  sync.Mutex
	seq []types.State
}

func (tr *transitions) record(_, newState types.State) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.seq = append(tr.seq, newState)
}

func (tr *transitions) all() []types.State {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]types.State(nil), tr.seq...)
}

func TestStartConnects(t *testing.T) {
	r := newRig(t)
	ioc := NewIoc(IocConfig{Config: r.config(ioTarget(), types.RetryPolicy{ReconnectDelay: 60 * time.Second, CtrlLossTimeout: -1})})

	r.onLoop(ioc.Start)
	r.waitState(ioc.Controller, types.StateConnected)

	require.Len(t, r.fake.Connects(), 1)
	var device string
	var attempts int
	r.onLoop(func() {
		device = ioc.Device()
		attempts = ioc.Attempts()
	})
	assert.Equal(t, "nvme0", device)
	assert.Equal(t, 0, attempts, "attempt counter resets on success")
}

func TestStartRejectsUnusableTarget(t *testing.T) {
	tests := []struct {
		name string
		tid  types.TID
	}{
		{
			name: "non-fabric transport",
			tid:  types.TID{Transport: types.TransportPCIe, TrAddr: "0000:3b:00.0", SubsysNQN: "nqn.x"},
		},
		{
			name: "missing address",
			tid:  types.TID{Transport: types.TransportTCP, SubsysNQN: "nqn.x"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t)
			ioc := NewIoc(IocConfig{Config: r.config(tt.tid, types.RetryPolicy{CtrlLossTimeout: -1})})

			r.onLoop(ioc.Start)
			assert.Equal(t, types.StateInvalid, r.state(ioc.Controller))
			assert.Empty(t, r.fake.Connects(), "invalid targets must never be dialed")

			// Invalid is terminal: restart must not revive it.
			r.onLoop(ioc.Restart)
			assert.Equal(t, types.StateInvalid, r.state(ioc.Controller))
		})
	}
}

func TestConnectFailureRetriesAfterDelay(t *testing.T) {
	r := newRig(t)
	f := &failer{remaining: 1}
	r.fake.ConnectHook = f.hook
	ioc := NewIoc(IocConfig{Config: r.config(ioTarget(), types.RetryPolicy{ReconnectDelay: 60 * time.Second, CtrlLossTimeout: -1})})

	r.onLoop(ioc.Start)
	r.waitState(ioc.Controller, types.StateRetryWait)
	require.Len(t, r.fake.Connects(), 1)

	// Nothing happens before the reconnect delay elapses.
	r.clk.Advance(30 * time.Second)
	r.onLoop(func() {})
	assert.Len(t, r.fake.Connects(), 1)

	r.clk.Advance(30 * time.Second)
	r.waitState(ioc.Controller, types.StateConnected)
	assert.Len(t, r.fake.Connects(), 2)
}

func TestRetryBoundGivesUp(t *testing.T) {
	r := newRig(t)
	f := &failer{remaining: -1}
	r.fake.ConnectHook = f.hook
	ioc := NewIoc(IocConfig{Config: r.config(ioTarget(), types.RetryPolicy{
		ReconnectDelay:  5 * time.Second,
		CtrlLossTimeout: 20 * time.Second,
	})})

	start := r.clk.Now()
	r.onLoop(ioc.Start)

	// Attempts at 5s, 10s, 15s all fail; at 20s the loss bound expires.
	for i := 0; i < 3; i++ {
		r.waitState(ioc.Controller, types.StateRetryWait)
		r.clk.Advance(5 * time.Second)
		want := i + 2
		require.Eventually(t, func() bool { return len(r.fake.Connects()) == want },
			testWait, 5*time.Millisecond, "attempt %d never happened", want)
	}
	r.waitState(ioc.Controller, types.StateRetryWait)
	r.clk.Advance(5 * time.Second)
	r.waitState(ioc.Controller, types.StateFailed)
	assert.GreaterOrEqual(t, r.clk.Now().Sub(start), 20*time.Second)

	// Terminal: no further attempts, ever.
	settled := len(r.fake.Connects())
	r.clk.Advance(10 * time.Minute)
	r.onLoop(func() {})
	assert.Len(t, r.fake.Connects(), settled)
	assert.Equal(t, types.StateFailed, r.state(ioc.Controller))
}

func TestZeroLossTimeoutDisablesRetry(t *testing.T) {
	r := newRig(t)
	f := &failer{remaining: -1}
	r.fake.ConnectHook = f.hook
	ioc := NewIoc(IocConfig{Config: r.config(ioTarget(), types.RetryPolicy{
		ReconnectDelay:  5 * time.Second,
		CtrlLossTimeout: 0,
	})})

	r.onLoop(ioc.Start)
	r.waitState(ioc.Controller, types.StateFailed)
	assert.Len(t, r.fake.Connects(), 1)

	r.clk.Advance(time.Minute)
	r.onLoop(func() {})
	assert.Len(t, r.fake.Connects(), 1)
}

func TestNCCSuspendsAfterEffectiveAttempts(t *testing.T) {
	r := newRig(t)
	f := &failer{remaining: -1}
	r.fake.ConnectHook = f.hook
	ioc := NewIoc(IocConfig{Config: r.config(ioTarget(), types.RetryPolicy{
		ReconnectDelay:  5 * time.Second,
		CtrlLossTimeout: -1,
		// 1 is below the floor; two attempts must still be made.
		ConnectAttemptsOnNCC: 1,
	})})

	r.onLoop(func() {
		ioc.SetNCC(true)
		ioc.Start()
	})
	r.waitState(ioc.Controller, types.StateRetryWait)

	r.clk.Advance(5 * time.Second)
	r.waitState(ioc.Controller, types.StateSuspended)
	assert.Len(t, r.fake.Connects(), 2, "exactly two attempts before suspending")

	// Suspended is sticky while NCC stays set.
	r.clk.Advance(time.Hour)
	r.onLoop(func() {})
	assert.Len(t, r.fake.Connects(), 2)

	// Clearing NCC resumes connecting.
	r.onLoop(func() { ioc.SetNCC(false) })
	require.Eventually(t, func() bool { return len(r.fake.Connects()) == 3 },
		testWait, 5*time.Millisecond, "NCC clear never resumed connecting")
}

func TestNCCIgnoredWhenDisabled(t *testing.T) {
	r := newRig(t)
	f := &failer{remaining: -1}
	r.fake.ConnectHook = f.hook
	ioc := NewIoc(IocConfig{Config: r.config(ioTarget(), types.RetryPolicy{
		ReconnectDelay:  5 * time.Second,
		CtrlLossTimeout: -1,
	})})

	r.onLoop(func() {
		ioc.SetNCC(true)
		ioc.Start()
	})

	for want := 2; want <= 4; want++ {
		r.waitState(ioc.Controller, types.StateRetryWait)
		r.clk.Advance(5 * time.Second)
		require.Eventually(t, func() bool { return len(r.fake.Connects()) == want },
			testWait, 5*time.Millisecond, "attempt %d never happened", want)
	}
	assert.NotEqual(t, types.StateSuspended, r.state(ioc.Controller))
}

func TestDeviceRemovalFastRetry(t *testing.T) {
	r := newRig(t)
	ioc := NewIoc(IocConfig{Config: r.config(ioTarget(), types.RetryPolicy{
		ReconnectDelay:  60 * time.Second,
		CtrlLossTimeout: -1,
	})})

	r.onLoop(ioc.Start)
	r.waitState(ioc.Controller, types.StateConnected)

	r.onLoop(func() {
		r.fake.KernelRemove(ioc.Device())
		ioc.DeviceRemoved()
	})
	assert.Equal(t, types.StateRetryWait, r.state(ioc.Controller))

	var attempts int
	var device string
	r.onLoop(func() {
		attempts = ioc.Attempts()
		device = ioc.Device()
	})
	assert.Equal(t, 0, attempts, "removal resets the attempt counter")
	assert.Empty(t, device)

	// The reconnect must use the fast-retry delay, not the 60s one.
	r.clk.Advance(2 * time.Second)
	r.onLoop(func() {})
	assert.Len(t, r.fake.Connects(), 1)

	r.clk.Advance(time.Second)
	r.waitState(ioc.Controller, types.StateConnected)
	assert.Len(t, r.fake.Connects(), 2)
}

func TestDeviceRemovedIgnoredOffConnected(t *testing.T) {
	r := newRig(t)
	f := &failer{remaining: -1}
	r.fake.ConnectHook = f.hook
	ioc := NewIoc(IocConfig{Config: r.config(ioTarget(), types.RetryPolicy{
		ReconnectDelay:  60 * time.Second,
		CtrlLossTimeout: -1,
	})})

	r.onLoop(ioc.Start)
	r.waitState(ioc.Controller, types.StateRetryWait)

	r.onLoop(ioc.DeviceRemoved)
	assert.Equal(t, types.StateRetryWait, r.state(ioc.Controller))
}

func TestPendingRemovalCompletesThroughInFlightConnect(t *testing.T) {
	tests := []struct {
		name       string
		connectErr error
		wantStates []types.State
		wantDisco  int
	}{
		{
			name:       "connect succeeds mid-removal",
			connectErr: nil,
			wantStates: []types.State{types.StateConnecting, types.StateDisconnecting, types.StateIdle},
			wantDisco:  1,
		},
		{
			name:       "connect fails mid-removal",
			connectErr: errors.New("no route to target"),
			wantStates: []types.State{types.StateConnecting, types.StateIdle},
			wantDisco:  0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t)
			release := make(chan error)
			r.fake.ConnectHook = func(types.TID, types.ConnectParams) (string, error) {
				return "", <-release
			}

			tr := &transitions{}
			cfg := r.config(ioTarget(), types.RetryPolicy{ReconnectDelay: 60 * time.Second, CtrlLossTimeout: -1})
			cfg.OnStateChange = tr.record
			ioc := NewIoc(IocConfig{Config: cfg})

			r.onLoop(ioc.Start)
			require.Eventually(t, func() bool { return len(r.fake.Connects()) == 1 },
				testWait, 5*time.Millisecond, "connect never started")

			removed := make(chan struct{})
			r.onLoop(func() {
				ioc.Remove(false, func() { close(removed) })
			})

			// The in-flight connect is not cancelled; the record just waits.
			var pending bool
			r.onLoop(func() { pending = ioc.PendingRemoval() })
			assert.True(t, pending)
			assert.Equal(t, types.StateConnecting, r.state(ioc.Controller))

			release <- tt.connectErr
			select {
			case <-removed:
			case <-time.After(testWait):
				t.Fatal("removal never completed")
			}

			assert.Equal(t, types.StateIdle, r.state(ioc.Controller))
			assert.Equal(t, tt.wantStates, tr.all())
			assert.Len(t, r.fake.Disconnects(), tt.wantDisco)
		})
	}
}

func TestRemoveDisconnectsConnected(t *testing.T) {
	r := newRig(t)
	ioc := NewIoc(IocConfig{Config: r.config(ioTarget(), types.RetryPolicy{ReconnectDelay: 60 * time.Second, CtrlLossTimeout: -1})})

	r.onLoop(ioc.Start)
	r.waitState(ioc.Controller, types.StateConnected)

	removed := make(chan struct{})
	r.onLoop(func() { ioc.Remove(false, func() { close(removed) }) })
	select {
	case <-removed:
	case <-time.After(testWait):
		t.Fatal("removal never completed")
	}

	assert.Equal(t, types.StateIdle, r.state(ioc.Controller))
	assert.Equal(t, []string{"nvme0"}, r.fake.Disconnects())
	_, held := r.fake.DeviceFor(ioTarget())
	assert.False(t, held)
}

func TestRemoveKeepsConnectionOnRequest(t *testing.T) {
	r := newRig(t)
	ioc := NewIoc(IocConfig{Config: r.config(ioTarget(), types.RetryPolicy{ReconnectDelay: 60 * time.Second, CtrlLossTimeout: -1})})

	r.onLoop(ioc.Start)
	r.waitState(ioc.Controller, types.StateConnected)

	removed := make(chan struct{})
	r.onLoop(func() { ioc.Remove(true, func() { close(removed) }) })
	select {
	case <-removed:
	case <-time.After(testWait):
		t.Fatal("removal never completed")
	}

	assert.Empty(t, r.fake.Disconnects(), "keep must leave the kernel connection alone")
	_, held := r.fake.DeviceFor(ioTarget())
	assert.True(t, held, "connection should survive the record")
}

func TestRemoveWhileRetryWaitCancelsTimer(t *testing.T) {
	r := newRig(t)
	f := &failer{remaining: -1}
	r.fake.ConnectHook = f.hook
	ioc := NewIoc(IocConfig{Config: r.config(ioTarget(), types.RetryPolicy{
		ReconnectDelay:  5 * time.Second,
		CtrlLossTimeout: -1,
	})})

	r.onLoop(ioc.Start)
	r.waitState(ioc.Controller, types.StateRetryWait)

	removed := make(chan struct{})
	r.onLoop(func() { ioc.Remove(false, func() { close(removed) }) })
	select {
	case <-removed:
	case <-time.After(testWait):
		t.Fatal("removal never completed")
	}

	assert.Empty(t, r.fake.Disconnects(), "nothing was connected")

	r.clk.Advance(time.Minute)
	r.onLoop(func() {})
	assert.Len(t, r.fake.Connects(), 1, "pending retry must die with the record")
}

func TestRestartRevivesFailed(t *testing.T) {
	r := newRig(t)
	f := &failer{remaining: 1}
	r.fake.ConnectHook = f.hook
	ioc := NewIoc(IocConfig{Config: r.config(ioTarget(), types.RetryPolicy{
		ReconnectDelay:  5 * time.Second,
		CtrlLossTimeout: 0,
	})})

	r.onLoop(ioc.Start)
	r.waitState(ioc.Controller, types.StateFailed)

	r.onLoop(ioc.Restart)
	r.waitState(ioc.Controller, types.StateConnected)
	assert.Len(t, r.fake.Connects(), 2)
}

func TestLastLiveTracksConnectionLoss(t *testing.T) {
	r := newRig(t)
	ioc := NewIoc(IocConfig{Config: r.config(ioTarget(), types.RetryPolicy{ReconnectDelay: 60 * time.Second, CtrlLossTimeout: -1})})

	r.onLoop(ioc.Start)
	r.waitState(ioc.Controller, types.StateConnected)

	r.clk.Advance(10 * time.Second)
	var live time.Time
	r.onLoop(func() { live = ioc.LastLive() })
	assert.Equal(t, r.clk.Now(), live, "connected controllers are live now")

	lost := r.clk.Now()
	r.onLoop(ioc.DeviceRemoved)
	r.clk.Advance(2 * time.Second)
	r.onLoop(func() { live = ioc.LastLive() })
	assert.Equal(t, lost, live, "last-live pins to the moment the connection dropped")
}

func TestIocZeroconfFlag(t *testing.T) {
	r := newRig(t)
	plain := NewIoc(IocConfig{Config: r.config(ioTarget(), types.RetryPolicy{CtrlLossTimeout: -1})})
	zeroconf := NewIoc(IocConfig{Config: r.config(ioTarget(), types.RetryPolicy{CtrlLossTimeout: -1}), Zeroconf: true})

	assert.False(t, plain.Zeroconf())
	assert.True(t, zeroconf.Zeroconf())
}

func TestInfoPlaceholderDevice(t *testing.T) {
	r := newRig(t)
	ioc := NewIoc(IocConfig{Config: r.config(ioTarget(), types.RetryPolicy{ReconnectDelay: 60 * time.Second, CtrlLossTimeout: -1})})

	var info map[string]string
	r.onLoop(func() { info = ioc.Info() })
	assert.Equal(t, "nvme?", info["device"])
	assert.Equal(t, "idle", info["state"])
	assert.Equal(t, "192.168.1.50", info["traddr"])

	r.onLoop(ioc.Start)
	r.waitState(ioc.Controller, types.StateConnected)
	r.onLoop(func() { info = ioc.Info() })
	assert.Equal(t, "nvme0", info["device"])
	assert.Equal(t, "connected", info["state"])
}
