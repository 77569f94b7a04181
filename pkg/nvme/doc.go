// Package nvme executes NVMe-over-Fabrics operations against the kernel.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────┐
//	│                         Client                           │
//	│  Connect / Disconnect / DiscoverLogPage / Register /     │
//	│  Snapshot / SupportsOptions                              │
//	└───────────────┬─────────────────────────┬────────────────┘
//	                │                         │
//	        ┌───────▼────────┐        ┌───────▼────────┐
//	        │      CLI       │        │      Fake      │
//	        │  (production)  │        │    (tests)     │
//	        └───────┬────────┘        └────────────────┘
//	                │
//	   ┌────────────┼──────────────────┐
//	   │            │                  │
//	   ▼            ▼                  ▼
//	nvme-cli   /sys/class/nvme   /dev/nvme-fabrics
//	(exec)     (snapshots)       (option probe)
//
// # Production client
//
// CLI shells out to nvme-cli for connect, disconnect, discovery log page
// retrieval, and DIM registration, and walks /sys/class/nvme to snapshot
// the controllers the kernel holds. Two behaviors matter to callers:
//
//   - Connecting to a target the kernel already has a connection to
//     succeeds and returns the existing device.
//   - Every connect passes ctrl-loss-tmo=0 so failed connections are
//     removed immediately instead of being retried by the kernel. The
//     retry loop lives in the controller state machines.
//
// Discovery log pages are read through the existing discovery controller
// device (nvme discover --device), reusing the persistent connection that
// receives AENs rather than creating a short-lived one per read.
//
// # Snapshots
//
// Snapshot classifies each controller as discovery or I/O from its
// subsystem NQN and the sysfs cntrltype attribute. Kernels older than 5.18
// lack cntrltype; there, controllers without namespaces are taken to be
// discovery controllers.
//
// # Option probing
//
// SupportsOptions reads /dev/nvme-fabrics to learn whether the kernel
// accepts host_iface (interface pinning) and the TP8013 discovery option
// (connecting discovery controllers under their unique NQN). Callers use
// the answer to decide which fields to place in a TID before connecting.
//
// # Testing
//
// Fake is a complete in-memory Client. It hands out device names in
// sequence, records every call, and exposes hooks for injecting failures
// and canned log pages, plus KernelRemove and AddExtra for simulating
// kernel-side removals and connections made outside the daemon.
package nvme
