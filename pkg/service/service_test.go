package service

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabricd/fabricd/pkg/clock"
	"github.com/fabricd/fabricd/pkg/controller"
	"github.com/fabricd/fabricd/pkg/mdns"
	"github.com/fabricd/fabricd/pkg/metrics"
	"github.com/fabricd/fabricd/pkg/nvme"
	"github.com/fabricd/fabricd/pkg/reconciler"
	"github.com/fabricd/fabricd/pkg/storage"
	"github.com/fabricd/fabricd/pkg/types"
)

const testWait = 5 * time.Second

const testHostYAML = `
host:
  nqn: nqn.2014-08.org.nvmexpress:uuid:6d3dcf67-6c66-4b53-9071-2bd56906a0dc
  id: 6d3dcf67-6c66-4b53-9071-2bd56906a0dc
`

type rig struct {
	t       *testing.T
	clk     *clock.FakeClock
	fake    *nvme.Fake
	svc     *Service
	cfgPath string
	dataDir string

	stopped bool
}

// newRig writes the config, assembles the daemon and starts its core: the
// event loop, timers and the initial audit, but no udev, mDNS, or bus.
func newRig(t *testing.T, cfgYAML string) *rig {
	t.Helper()
	r := prepareRig(t, cfgYAML)
	r.start()
	return r
}

func prepareRig(t *testing.T, cfgYAML string) *rig {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "fabricd.yaml")
	if !strings.Contains(cfgYAML, "host:") {
		cfgYAML = testHostYAML + cfgYAML
	}
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0644))

	return &rig{
		t:       t,
		clk:     clock.Fake(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)),
		fake:    nvme.NewFake(),
		cfgPath: cfgPath,
		dataDir: filepath.Join(dir, "data"),
	}
}

func (r *rig) start() {
	r.t.Helper()
	svc, err := New(Config{
		ConfigPath: r.cfgPath,
		DataDir:    r.dataDir,
		Workers:    2,
		Version:    "test",
		Clock:      r.clk,
		Client:     r.fake,
	})
	require.NoError(r.t, err)
	require.NoError(r.t, svc.startCore())
	r.svc = svc
	r.t.Cleanup(r.stop)
}

func (r *rig) stop() {
	if r.stopped {
		return
	}
	r.stopped = true
	r.svc.Stop()
}

// onLoop runs fn on the event loop and waits for it, so tests can read
// loop-confined service state safely.
func (r *rig) onLoop(fn func()) {
	r.t.Helper()
	done := make(chan struct{})
	r.svc.d.Submit(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(testWait):
		r.t.Fatal("event loop stalled")
	}
}

func (r *rig) counts() (dcs, iocs, orphans int) {
	r.t.Helper()
	r.onLoop(func() {
		dcs = len(r.svc.dcs)
		iocs = len(r.svc.iocs)
		orphans = len(r.svc.orphans)
	})
	return
}

func (r *rig) waitCounts(dcs, iocs int) {
	r.t.Helper()
	require.Eventually(r.t, func() bool {
		d, i, _ := r.counts()
		return d == dcs && i == iocs
	}, testWait, 5*time.Millisecond, "controller population never reached dc=%d ioc=%d", dcs, iocs)
}

func (r *rig) waitConnected(tid types.TID) {
	r.t.Helper()
	key := tid.Key()
	require.Eventually(r.t, func() bool {
		var state types.State
		r.onLoop(func() {
			if dc, ok := r.svc.dcs[key]; ok {
				state = dc.State()
			}
			if ioc, ok := r.svc.iocs[key]; ok {
				state = ioc.State()
			}
		})
		return state == types.StateConnected
	}, testWait, 5*time.Millisecond, "%s never connected", tid)
}

// soak fires the coalescing soak timer and lets the resulting audit settle.
func (r *rig) soak() {
	r.t.Helper()
	r.clk.Advance(configSoakDelay + 500*time.Millisecond)
}

// waitCache waits until a discovery controller's cache holds n entries, so
// a following soak is guaranteed to see the armed timer.
func (r *rig) waitCache(key string, n int) {
	r.t.Helper()
	require.Eventually(r.t, func() bool {
		entries, provisional := -1, false
		r.onLoop(func() {
			if dc, ok := r.svc.dcs[key]; ok {
				entries = len(dc.Cache())
				provisional = dc.Provisional()
			}
		})
		return entries == n && !provisional
	}, testWait, 5*time.Millisecond, "log page cache never reached %d entries", n)
}

func dcTID() types.TID {
	return types.TID{
		Transport: types.TransportTCP,
		TrAddr:    "100.94.0.40",
		TrSvcID:   "8009",
		SubsysNQN: types.WellKnownDiscoveryNQN,
	}
}

func iocTID(addr string) types.TID {
	return types.TID{
		Transport: types.TransportTCP,
		TrAddr:    addr,
		TrSvcID:   "4420",
		SubsysNQN: "nqn.2020-01.io.example:subsys-" + addr,
	}
}

func dlpeFor(tid types.TID) types.DLPE {
	return types.DLPE{
		TrType:  string(tid.Transport),
		TrAddr:  tid.TrAddr,
		TrSvcID: tid.TrSvcID,
		SubType: "nvme subsystem",
		SubNQN:  tid.SubsysNQN,
	}
}

// logPages serves a swappable set of entries, so tests can change what a
// discovery controller sees mid-flight without racing the worker pool.
type logPages struct {
	mu      sync.Mutex
	entries []types.DLPE
}

func (lp *logPages) hook(string, types.TID) ([]types.DLPE, error) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return append([]types.DLPE(nil), lp.entries...), nil
}

func (lp *logPages) set(entries ...types.DLPE) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.entries = entries
}

func TestStartupConnectsConfiguredControllers(t *testing.T) {
	r := newRig(t, `
controllers:
  - transport: tcp
    traddr: 100.94.0.40
  - transport: tcp
    traddr: 10.0.0.5
    trsvcid: "4420"
    subsysnqn: nqn.2020-01.io.example:subsys-10.0.0.5
`)

	r.waitCounts(1, 1)
	r.waitConnected(dcTID())
	r.waitConnected(types.TID{
		Transport: types.TransportTCP,
		TrAddr:    "10.0.0.5",
		TrSvcID:   "4420",
		SubsysNQN: "nqn.2020-01.io.example:subsys-10.0.0.5",
	})

	// Host identity travels on every dial.
	for _, tid := range r.fake.Connects() {
		assert.Equal(t, "nqn.2014-08.org.nvmexpress:uuid:6d3dcf67-6c66-4b53-9071-2bd56906a0dc", tid.HostNQN)
	}
	assert.Empty(t, r.fake.Registers(), "no symname configured, nothing to register")
}

func TestSymnameRegistersWithDiscoveryController(t *testing.T) {
	r := newRig(t, `
host:
  symname: stas-lab-03
controllers:
  - transport: tcp
    traddr: 100.94.0.40
`)

	r.waitConnected(dcTID())
	require.Eventually(t, func() bool { return len(r.fake.Registers()) == 1 },
		testWait, 5*time.Millisecond, "registration never happened")
	assert.Equal(t, "stas-lab-03", r.fake.Registers()[0].Symname)
}

func TestLogPageCreatesAndRetiresConnections(t *testing.T) {
	lp := &logPages{}
	target := iocTID("10.0.0.7")
	lp.set(dlpeFor(target))

	r := prepareRig(t, `
controllers:
  - transport: tcp
    traddr: 100.94.0.40
`)
	r.fake.DiscoverHook = lp.hook
	r.start()

	r.waitConnected(dcTID())
	r.waitCache(dcTID().Key(), 1)
	// The cache change soaks before the audit creates the I/O machine.
	r.soak()
	r.waitCounts(1, 1)
	r.waitConnected(target)

	// The target drops out of the next log page; its connection follows.
	lp.set()
	r.onLoop(func() {
		r.svc.dcs[dcTID().Key()].AEN(controller.AENDiscoveryLogChanged)
	})
	r.waitCache(dcTID().Key(), 0)
	r.soak()
	r.waitCounts(1, 0)
	require.Eventually(t, func() bool { return len(r.fake.Disconnects()) == 1 },
		testWait, 5*time.Millisecond, "stale connection never disconnected")
}

func TestConnectionsSurviveRestartThroughProvisionalCache(t *testing.T) {
	target := iocTID("10.0.0.9")

	r := prepareRig(t, `
controllers:
  - transport: tcp
    traddr: 100.94.0.40
`)

	// A previous run left a persisted log page cache behind.
	require.NoError(t, os.MkdirAll(r.dataDir, 0755))
	store, err := storage.NewBoltStore(r.dataDir)
	require.NoError(t, err)
	require.NoError(t, store.Save(dcTID().Key(), dcTID(), []types.DLPE{dlpeFor(target)}))
	require.NoError(t, store.Close())

	// The discovery controller is unreachable after the restart; the
	// connections derived from its last known log page must come up anyway.
	r.fake.ConnectHook = func(tid types.TID, _ types.ConnectParams) (string, error) {
		if tid.IsDiscovery() {
			return "", assert.AnError
		}
		return "", nil
	}
	r.start()

	r.waitCounts(1, 0)
	r.soak()
	r.waitConnected(target)

	var provisional bool
	r.onLoop(func() { provisional = r.svc.dcs[dcTID().Key()].Provisional() })
	assert.True(t, provisional, "cache must stay provisional until a live retrieval")
}

func TestDisconnectScopes(t *testing.T) {
	foreign := types.KernelController{
		Device: "nvme7",
		TID:    iocTID("172.16.9.9"),
		Kind:   types.KindIO,
		State:  "live",
	}

	tests := []struct {
		name           string
		ioYAML         string
		wantDisconnect bool
	}{
		{
			name:           "only-managed leaves foreign connections alone",
			ioYAML:         "io:\n  disconnect-scope: only-managed\n",
			wantDisconnect: false,
		},
		{
			name:           "matching transports severs foreign tcp",
			ioYAML:         "io:\n  disconnect-scope: all-matching-transport-types\n  disconnect-trtypes: [tcp]\n",
			wantDisconnect: true,
		},
		{
			name:           "no-disconnect never severs",
			ioYAML:         "io:\n  disconnect-scope: no-disconnect\n",
			wantDisconnect: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := prepareRig(t, tt.ioYAML)
			r.fake.AddExtra(foreign)
			r.start()

			if tt.wantDisconnect {
				require.Eventually(t, func() bool {
					return len(r.fake.Disconnects()) == 1
				}, testWait, 5*time.Millisecond, "foreign connection never severed")
				assert.Equal(t, []string{"nvme7"}, r.fake.Disconnects())
				return
			}

			// Run a second full pass and check nothing was touched.
			r.onLoop(func() { r.svc.triggerAudit("test") })
			require.Eventually(t, func() bool {
				var idle bool
				r.onLoop(func() { idle = !r.svc.auditBusy && !r.svc.auditPending })
				return idle
			}, testWait, 5*time.Millisecond)
			assert.Empty(t, r.fake.Disconnects())
		})
	}
}

func TestReloadAppliesExclusions(t *testing.T) {
	target := iocTID("10.0.0.5")
	r := newRig(t, `
controllers:
  - transport: tcp
    traddr: 10.0.0.5
    trsvcid: "4420"
    subsysnqn: nqn.2020-01.io.example:subsys-10.0.0.5
`)
	r.waitConnected(target)

	require.NoError(t, os.WriteFile(r.cfgPath, []byte(testHostYAML+`
controllers:
  - transport: tcp
    traddr: 10.0.0.5
    trsvcid: "4420"
    subsysnqn: nqn.2020-01.io.example:subsys-10.0.0.5
exclude:
  - traddr: 10.0.0.5
`), 0644))
	require.NoError(t, r.svc.Reload())

	r.waitCounts(0, 0)
	require.Eventually(t, func() bool { return len(r.fake.Disconnects()) == 1 },
		testWait, 5*time.Millisecond, "excluded connection never disconnected")
}

func TestReloadRejectsBrokenConfig(t *testing.T) {
	r := newRig(t, `
controllers:
  - transport: tcp
    traddr: 10.0.0.5
    trsvcid: "4420"
    subsysnqn: nqn.2020-01.io.example:subsys-10.0.0.5
`)
	r.waitCounts(0, 1)

	require.NoError(t, os.WriteFile(r.cfgPath, []byte("controllers:\n  - transport: bogus\n"), 0644))
	require.Error(t, r.svc.Reload())

	// The running configuration is untouched.
	_, iocs, _ := r.counts()
	assert.Equal(t, 1, iocs)
}

func TestZeroconfDiscoveryLifecycle(t *testing.T) {
	lp := &logPages{}
	target := iocTID("10.0.0.12")
	lp.set(dlpeFor(target))
	// The IOC derived from the announcement inherits the announcing
	// interface, so its key in s.iocs carries it too.
	target.HostIface = "eth0"

	r := prepareRig(t, "")
	r.fake.DiscoverHook = lp.hook
	r.start()

	announced := mdns.Service{
		Name:      "cdc-a._nvme-disc._tcp.local.",
		Type:      "_nvme-disc._tcp",
		Interface: "eth0",
		TID: types.TID{
			Transport: types.TransportTCP,
			TrAddr:    "100.94.0.40",
			TrSvcID:   "8009",
			SubsysNQN: types.WellKnownDiscoveryNQN,
			HostIface: "eth0",
		},
	}
	r.onLoop(func() { r.svc.serviceAdded(announced) })
	r.soak()
	r.waitCounts(1, 0)

	dcKey := announced.TID.Key()
	var origin types.Origin
	r.onLoop(func() { origin = r.svc.dcs[dcKey].Origin() })
	assert.Equal(t, types.OriginDiscovered, origin)

	// The log page arrives and justifies an I/O connection.
	r.waitCache(dcKey, 1)
	r.soak()
	r.waitCounts(1, 1)
	r.waitConnected(target)

	var zeroconf bool
	r.onLoop(func() { zeroconf = r.svc.iocs[target.Key()].Zeroconf() })
	assert.True(t, zeroconf, "justification chains back to mDNS")

	// The announcement goes away; a connected discovery controller sticks.
	r.onLoop(func() { r.svc.serviceRemoved(announced) })
	r.soak()
	dcs, iocs, _ := r.counts()
	assert.Equal(t, 1, dcs, "mDNS blips must not tear down a healthy controller")
	assert.Equal(t, 1, iocs)
}

func TestOrphanPersistenceWindow(t *testing.T) {
	lp := &logPages{}
	target := iocTID("10.0.0.13")
	lp.set(dlpeFor(target))

	r := prepareRig(t, "")
	r.fake.DiscoverHook = lp.hook
	r.start()

	announced := mdns.Service{
		Name:      "cdc-b._nvme-disc._tcp.local.",
		Type:      "_nvme-disc._tcp",
		Interface: "eth0",
		TID:       dcTID(),
	}
	dcKey := announced.TID.Key()
	r.onLoop(func() { r.svc.serviceAdded(announced) })
	r.soak()
	r.waitCounts(1, 0)
	r.waitCache(dcKey, 1)
	r.soak()
	r.waitCounts(1, 1)
	r.waitConnected(target)

	// The discovery controller is judged defunct and retired. Its I/O
	// connection loses its justification but stays up inside the window.
	r.onLoop(func() {
		r.svc.serviceRemoved(announced)
		r.svc.retireDc(dcKey, r.svc.dcs[dcKey], false)
	})
	require.Eventually(t, func() bool {
		dcs, _, _ := r.counts()
		return dcs == 0
	}, testWait, 5*time.Millisecond, "discovery controller never retired")
	r.soak()
	require.Eventually(t, func() bool {
		dcs, iocs, orphans := r.counts()
		return dcs == 0 && iocs == 1 && orphans == 1
	}, testWait, 5*time.Millisecond, "connection never entered the persistence window")
	r.waitConnected(target)

	// 72 hours later the window closes and the connection is released.
	r.clk.Advance(73 * time.Hour)
	r.waitCounts(0, 0)
	require.Eventually(t, func() bool { return len(r.fake.Disconnects()) == 2 },
		testWait, 5*time.Millisecond, "orphan never released")
}

func TestCacheReappearanceClosesOrphanWindow(t *testing.T) {
	lp := &logPages{}
	target := iocTID("10.0.0.14")
	lp.set(dlpeFor(target))

	r := prepareRig(t, "")
	r.fake.DiscoverHook = lp.hook
	r.start()

	announced := mdns.Service{
		Name:      "cdc-c._nvme-disc._tcp.local.",
		Type:      "_nvme-disc._tcp",
		Interface: "eth0",
		TID:       dcTID(),
	}
	r.onLoop(func() { r.svc.serviceAdded(announced) })
	r.soak()
	r.waitCounts(1, 0)
	r.waitCache(dcTID().Key(), 1)
	r.soak()
	r.waitCounts(1, 1)
	r.waitConnected(target)

	// The target drops off the log page; retirement opens its window
	// instead of disconnecting, because the justification was zeroconf.
	lp.set()
	r.onLoop(func() {
		r.svc.dcs[dcTID().Key()].AEN(controller.AENDiscoveryLogChanged)
	})
	r.waitCache(dcTID().Key(), 0)
	r.soak()
	require.Eventually(t, func() bool {
		_, _, orphans := r.counts()
		return orphans == 1
	}, testWait, 5*time.Millisecond, "retirement never opened the window")

	// It reappears before the window closes; the orphan entry dissolves.
	lp.set(dlpeFor(target))
	r.onLoop(func() {
		r.svc.dcs[dcTID().Key()].AEN(controller.AENDiscoveryLogChanged)
	})
	require.Eventually(t, func() bool {
		_, iocs, orphans := r.counts()
		return orphans == 0 && iocs == 1
	}, testWait, 5*time.Millisecond, "reappearance never closed the window")
	r.waitConnected(target)
}

func TestDeviceRemovalRoutesToOwningController(t *testing.T) {
	target := iocTID("10.0.0.5")
	r := newRig(t, `
controllers:
  - transport: tcp
    traddr: 10.0.0.5
    trsvcid: "4420"
    subsysnqn: nqn.2020-01.io.example:subsys-10.0.0.5
`)
	r.waitConnected(target)

	var device string
	r.onLoop(func() { device = r.svc.iocs[target.Key()].Device() })
	r.fake.KernelRemove(device)
	r.onLoop(func() { r.svc.deviceRemoved(device) })

	var state types.State
	r.onLoop(func() { state = r.svc.iocs[target.Key()].State() })
	assert.Equal(t, types.StateRetryWait, state)

	// Fast retry brings it back.
	r.clk.Advance(controller.DefaultFastRetryDelay + time.Second)
	r.waitConnected(target)
}

func TestStopDisconnectsManagedConnections(t *testing.T) {
	target := iocTID("10.0.0.5")
	r := newRig(t, `
controllers:
  - transport: tcp
    traddr: 10.0.0.5
    trsvcid: "4420"
    subsysnqn: nqn.2020-01.io.example:subsys-10.0.0.5
`)
	r.waitConnected(target)

	r.stop()
	assert.Len(t, r.fake.Disconnects(), 1)
}

func TestStopHonorsPersistentConnections(t *testing.T) {
	target := iocTID("10.0.0.5")
	r := newRig(t, `
global:
  persistent-connections: true
controllers:
  - transport: tcp
    traddr: 10.0.0.5
    trsvcid: "4420"
    subsysnqn: nqn.2020-01.io.example:subsys-10.0.0.5
`)
	r.waitConnected(target)

	r.stop()
	assert.Empty(t, r.fake.Disconnects(), "persistent-connections must leave the fabric alone")
	_, held := r.fake.DeviceFor(target)
	assert.True(t, held)
}

func TestReadinessTracksKernelSnapshot(t *testing.T) {
	newRig(t, "")

	// The rig runs without a bus; stand in for the registration the
	// name claim performs.
	metrics.RegisterComponent("dbus", true, "")

	require.Eventually(t, func() bool {
		return metrics.GetReadiness().Status == "ready"
	}, testWait, 5*time.Millisecond, "daemon never reported ready")

	rd := metrics.GetReadiness()
	assert.Equal(t, "ready", rd.Components["nvme"])
	assert.Equal(t, "ready", rd.Components["dispatcher"])
}

func TestCreateDefersWhileLaxMatchTearsDown(t *testing.T) {
	r := newRig(t, "")

	// Let the startup audit settle so it cannot retire the hand-built
	// machine mid-test.
	require.Eventually(t, func() bool {
		idle := false
		r.onLoop(func() { idle = !r.svc.auditBusy && !r.svc.auditPending })
		return idle
	}, testWait, 5*time.Millisecond)

	pinned := iocTID("10.0.0.7")
	pinned.HostIface = "eth0"

	r.onLoop(func() {
		r.svc.create(reconciler.Desired{TID: pinned, Kind: types.KindIO})
	})
	r.waitConnected(pinned)

	// The same target without the interface pin matches the torn-down
	// record only under relaxed comparison.
	bare := pinned
	bare.HostIface = ""

	var (
		missing  bool
		machines int
		second   bool
	)
	r.onLoop(func() {
		ioc, ok := r.svc.iocs[pinned.Key()]
		if !ok {
			missing = true
			return
		}
		ioc.Remove(false, func() { delete(r.svc.iocs, pinned.Key()) })
		r.svc.create(reconciler.Desired{TID: bare, Kind: types.KindIO})
		machines = len(r.svc.iocs)
		_, second = r.svc.iocs[bare.Key()]
	})
	require.False(t, missing, "machine disappeared before teardown")
	assert.Equal(t, 1, machines, "teardown in flight must block a second machine")
	assert.False(t, second, "relaxed match must defer creation until the removal completes")
}
