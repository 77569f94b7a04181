package nvme

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fabricd/fabricd/pkg/types"
)

// RegisterCall records one Register invocation against a Fake.
type RegisterCall struct {
	Device  string
	Symname string
}

// Fake is an in-memory Client for tests. Calls are recorded, devices are
// handed out sequentially, and hooks can override individual operations to
// inject failures or canned log pages. Configure hooks before sharing the
// fake across goroutines.
type Fake struct {
	ConnectHook    func(tid types.TID, params types.ConnectParams) (string, error)
	DisconnectHook func(device string) error
	DiscoverHook   func(device string, tid types.TID) ([]types.DLPE, error)
	RegisterHook   func(device string, symname string) error

	mu          sync.Mutex
	opts        Options
	devices     map[string]types.TID
	params      map[string]types.ConnectParams
	extras      []types.KernelController
	connects    []types.TID
	disconnects []string
	registers   []RegisterCall
	nextID      int
}

var _ Client = (*Fake)(nil)

// NewFake creates an empty fake with TP8013 and host_iface support on.
func NewFake() *Fake {
	return &Fake{
		opts:    Options{HostIface: true, UniqueDiscoveryNQN: true},
		devices: make(map[string]types.TID),
		params:  make(map[string]types.ConnectParams),
	}
}

// Connect records the attempt and assigns the next free device name. A
// target that already has a device keeps it, mirroring the kernel's
// already-connected behavior. The hook runs outside the fake's lock so it
// may block without wedging the accessors.
func (f *Fake) Connect(_ context.Context, tid types.TID, params types.ConnectParams) (string, error) {
	f.mu.Lock()
	f.connects = append(f.connects, tid)
	hook := f.ConnectHook
	f.mu.Unlock()

	device := ""
	if hook != nil {
		var err error
		device, err = hook(tid, params)
		if err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if device == "" {
		for existing, held := range f.devices {
			if held.Key() == tid.Key() {
				f.params[existing] = params
				return existing, nil
			}
		}
		device = fmt.Sprintf("nvme%d", f.nextID)
		f.nextID++
	}

	f.devices[device] = tid
	f.params[device] = params
	return device, nil
}

// Disconnect records the call and drops the device. Unknown devices are
// not an error.
func (f *Fake) Disconnect(_ context.Context, device string) error {
	f.mu.Lock()
	f.disconnects = append(f.disconnects, device)
	hook := f.DisconnectHook
	f.mu.Unlock()

	if hook != nil {
		if err := hook(device); err != nil {
			return err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.devices, device)
	delete(f.params, device)
	return nil
}

// DiscoverLogPage returns whatever the hook provides, or an empty page.
func (f *Fake) DiscoverLogPage(_ context.Context, device string, tid types.TID) ([]types.DLPE, error) {
	f.mu.Lock()
	hook := f.DiscoverHook
	f.mu.Unlock()

	if hook != nil {
		return hook(device, tid)
	}
	return nil, nil
}

// Register records the call.
func (f *Fake) Register(_ context.Context, device string, symname string) error {
	f.mu.Lock()
	f.registers = append(f.registers, RegisterCall{Device: device, Symname: symname})
	hook := f.RegisterHook
	f.mu.Unlock()

	if hook != nil {
		return hook(device, symname)
	}
	return nil
}

// Snapshot lists the fake's devices plus any extras, in stable order.
// Devices connected through the fake are classified by their subsystem
// NQN; extras carry their own kind.
func (f *Fake) Snapshot(context.Context) ([]types.KernelController, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	names := make([]string, 0, len(f.devices))
	for name := range f.devices {
		names = append(names, name)
	}
	sort.Strings(names)

	controllers := make([]types.KernelController, 0, len(names)+len(f.extras))
	for _, name := range names {
		tid := f.devices[name]
		kind := types.KindIO
		if tid.IsDiscovery() {
			kind = types.KindDiscovery
		}
		controllers = append(controllers, types.KernelController{
			Device: name,
			TID:    tid,
			Kind:   kind,
			State:  "live",
		})
	}
	controllers = append(controllers, f.extras...)
	return controllers, nil
}

// SupportsOptions returns the configured kernel options.
func (f *Fake) SupportsOptions() Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts
}

// SetOptions changes what SupportsOptions reports.
func (f *Fake) SetOptions(opts Options) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opts = opts
}

// AddExtra plants a controller in snapshots without a Connect call, the
// way a connection made outside the daemon would appear.
func (f *Fake) AddExtra(kc types.KernelController) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extras = append(f.extras, kc)
}

// ClearExtras removes all planted controllers.
func (f *Fake) ClearExtras() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.extras = nil
}

// KernelRemove drops a device without a Disconnect call, the way the
// kernel removes one when the transport fails. Reports whether the device
// existed.
func (f *Fake) KernelRemove(device string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	_, ok := f.devices[device]
	delete(f.devices, device)
	delete(f.params, device)
	return ok
}

// Device returns the target a device is connected to.
func (f *Fake) Device(device string) (types.TID, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tid, ok := f.devices[device]
	return tid, ok
}

// DeviceFor returns the device holding a connection to the target.
func (f *Fake) DeviceFor(tid types.TID) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for device, held := range f.devices {
		if held.Key() == tid.Key() {
			return device, true
		}
	}
	return "", false
}

// Params returns the connect parameters last used for a device.
func (f *Fake) Params(device string) (types.ConnectParams, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	params, ok := f.params[device]
	return params, ok
}

// Connects returns a copy of every connect attempt, including failed ones.
func (f *Fake) Connects() []types.TID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.TID(nil), f.connects...)
}

// Disconnects returns a copy of every disconnect call.
func (f *Fake) Disconnects() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disconnects...)
}

// Registers returns a copy of every registration call.
func (f *Fake) Registers() []RegisterCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]RegisterCall(nil), f.registers...)
}
