// Package service wires the daemon together and owns its lifecycle.
//
// The Service holds the dispatcher, the configuration, the host identity,
// every controller state machine, and the reconciler. Desired state is
// recomputed from three uncoordinated inputs: configured controller
// entries, mDNS announcements, and the log page caches of connected
// discovery controllers. Each recomputation runs an audit pass against a
// fresh kernel snapshot and executes the resulting plan: new controllers
// are created and started, departed ones retired under the configured
// disconnect policy, and stray fabric connections severed where the policy
// allows.
//
// All state mutation happens on the dispatcher's event loop. External
// sources (udev uevents, mDNS callbacks, D-Bus method calls, POSIX
// signals) post closures onto the loop and never touch state directly.
// Bursty inputs are soaked: configuration and mDNS changes collapse into
// one audit pass after a short quiet period, and a periodic disposal audit
// sweeps up zeroconf controllers whose announcements are gone and whose
// endpoints stopped answering.
package service
