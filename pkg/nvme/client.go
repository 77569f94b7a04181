package nvme

import (
	"context"

	"github.com/fabricd/fabricd/pkg/types"
)

// Client is the boundary between controller logic and the kernel NVMe
// plumbing. Every method except SupportsOptions blocks and is meant to run
// on a worker goroutine, never on the event loop. Implementations must be
// safe for concurrent use.
type Client interface {
	// Connect establishes a fabric connection to the target and returns
	// the kernel device name ("nvme3"). Connecting to a target the kernel
	// already holds a connection to is not an error; the existing device
	// is returned.
	Connect(ctx context.Context, tid types.TID, params types.ConnectParams) (device string, err error)

	// Disconnect tears down the named controller device. Disconnecting a
	// device the kernel no longer knows is not an error.
	Disconnect(ctx context.Context, device string) error

	// DiscoverLogPage retrieves the discovery log page through an existing
	// discovery controller device.
	DiscoverLogPage(ctx context.Context, device string, tid types.TID) ([]types.DLPE, error)

	// Register performs explicit registration (DIM) with a discovery
	// controller that requested it.
	Register(ctx context.Context, device string, symname string) error

	// Snapshot lists every NVMe controller the kernel currently holds,
	// fabric or not.
	Snapshot(ctx context.Context) ([]types.KernelController, error)

	// SupportsOptions reports which fabric connect options the running
	// kernel accepts.
	SupportsOptions() Options
}

// Options describes optional kernel features that change how connections
// are made.
type Options struct {
	// HostIface is set when connections can be pinned to a network
	// interface with host_iface.
	HostIface bool

	// UniqueDiscoveryNQN is set when the kernel implements TP8013, which
	// lets discovery controllers be connected through their unique
	// subsystem NQN instead of the well-known one.
	UniqueDiscoveryNQN bool
}
