/*
Package types defines the core data structures used throughout fabricd.

This package contains the fundamental types of the domain model: transport
identifiers (TIDs), discovery log page entries (DLPEs), controller lifecycle
states, connection parameters, and kernel snapshot entries. These types are
used by all other packages for state management, reconciliation, and the
control surface.

# Architecture

The types package is the foundation of fabricd's data model. It defines:

  - Connection identity (TID and its relaxed matching relation)
  - Discovery log page entries and their flags (NCC, EPCSD)
  - Controller lifecycle states and terminality
  - Connection parameters handed to the NVMe executor
  - Retry policy (reconnect-delay, ctrl-loss-tmo, NCC give-up)
  - Kernel connection snapshot entries

All types are designed to be:
  - Serializable (JSON for persistence and the D-Bus surface)
  - Immutable where possible (TIDs are values, never mutated)
  - Self-documenting (clear field names, typed string enums)

# Core Types

Identity:
  - TID: the connection's identity key; transport, traddr, trsvcid,
    subsysnqn plus host-side fields
  - Transport: tcp, rdma, fc, loop (pcie appears in snapshots only)

Discovery:
  - DLPE: one discovery log page entry as reported by nvme-cli
  - Origin: what placed a discovery controller in desired state
    (configured, discovered, referral)

Lifecycle:
  - State: idle, connecting, connected, retry-wait, disconnecting, plus
    the terminal states failed, suspended, invalid
  - ControllerKind: dc or ioc

Parameters:
  - ConnectParams: kato, queue sizing, digests, auth secret
  - RetryPolicy: reconnect-delay, ctrl-loss-tmo, connect-attempts-on-ncc

Snapshots:
  - KernelController: one kernel-visible controller with its
    reconstructed TID

# TID Matching

TID equality for audit purposes is deliberately not field-wise equality.
Matches implements a relaxed relation:

	strict:  transport, traddr (IP-normalized), trsvcid
	aliased: subsysnqn (the well-known discovery NQN matches any NQN
	         on the same endpoint; two unique NQNs never match)
	lax:     host-traddr, host-iface, host-nqn, host-id (ignored when
	         unrecorded on either side)

The lax rules exist because connections made outside this daemon carry no
record of the host interface that was used, and connections made by older
kernels carry no unique discovery NQN. Without the relaxation every such
connection would look foreign to the audit and be torn down or duplicated.

# State Machine

Controllers follow a state machine driven by pkg/controller:

	idle → connecting → connected
	          ↑  ↓           ↓ (device loss)
	       retry-wait ←──────┘
	          ↓
	        failed (ctrl-loss-tmo exhausted)
	        suspended (NCC give-up)

	any → disconnecting → idle (removal from desired state)
	invalid (bad configuration, never entered from another state)

Terminal states (failed, suspended, invalid) transition again only on an
external trigger: desired-state removal, a fresh DLPE clearing NCC, or a
configuration reload.

# Usage

Parsing a TID from raw fields:

	tid, err := types.ParseTID(map[string]string{
		"transport": "tcp",
		"traddr":    "100.94.0.40",
		"trsvcid":   "8009",
	})

Deriving an I/O controller TID from a log page entry:

	ioc := types.TIDFromDLPE(entry, dc.TID)

Checking audit identity:

	if desired.Matches(existing) {
		// same connection for audit purposes
	}

# Integration Points

This package integrates with:

  - pkg/controller: lifecycle state machines keyed by TID
  - pkg/reconciler: desired-vs-kernel diffing via Matches
  - pkg/nvme: ConnectParams to executor flags, snapshot entries
  - pkg/storage: persisted DLPE caches
  - pkg/mdns, pkg/udevmon: TID construction from external sources
  - pkg/dbusapi: JSON rendering of controller identity and log pages

# Thread Safety

TIDs and DLPEs are immutable values, safe to share freely. Mutable state
(controller records) lives in pkg/controller and is confined to the
dispatcher goroutine.
*/
package types
