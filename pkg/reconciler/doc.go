/*
Package reconciler computes the actions that bring kernel connection state
in line with desired state.

The reconciler is the audit engine of the daemon. Desired state is the set
of connections that should exist (static configuration, mDNS-discovered
discovery controllers, referrals, and log page contents); actual state is
the set of controller records the daemon manages plus a snapshot of the
fabric connections the kernel currently holds. One audit pass diffs the two
and emits a plan. It never executes anything itself.

# Audit Model

Each pass is a pure function of three inputs:

	Desired   what should exist (from config, mDNS, referrals, log pages)
	Records   the state machines the daemon currently manages
	Existing  kernel snapshot, annotated with ownership

	                 ┌─────────────────────┐
	   Inputs ─────▶ │      Reconcile      │ ─────▶ Plan
	                 └─────────────────────┘
	                                                 Create      desired, no record
	                                                 Retire      record, not desired
	                                                 Disconnect  stray kernel connection

The service applies the plan on the event loop: Create spawns a state
machine (which borrows a matching kernel connection instead of re-dialing),
Retire removes a record through its ordinary removal path, and Disconnect
adopts the stray as a record already flagged for removal so the teardown
runs through the same machinery. Records pending removal satisfy neither
side of the diff for creation purposes, but they still claim their kernel
connection so an in-flight teardown is not scheduled twice.

# Matching

All comparisons use the relaxed TID equality of types.TID.Matches. Host-side
fields the kernel does not report (host interface, host traddr) are ignored
when absent on one side, so a connection made by an earlier incarnation of
the daemon, or by an administrator with nvme-cli, still matches the desired
entry it serves. The well-known discovery NQN matches a TP8013 unique NQN on
the same endpoint; two distinct unique NQNs never match.

# Scope Policies

Existing connections that match no desired entry are candidates for
disconnection. The disconnect-scope knob decides what actually happens:

	only-managed                  sever only connections this daemon created
	all-matching-transport-types  sever any candidate whose transport is in
	                              disconnect-trtypes
	no-disconnect                 never sever automatically

The same policy governs I/O record retirement: a record leaving desired
state under no-disconnect is retired with its kernel connection left up,
and under all-matching-transport-types the connection survives when its
transport is not listed. Discovery controller records always disconnect on
retirement. PCIe controllers and foreign discovery connections never appear
in any plan, and snapshot entries whose identity cannot be reconstructed
are skipped with a warning rather than guessed at.

# Idempotency

Executing a plan and re-running the audit with the resulting records and an
unchanged snapshot yields an empty plan. This property is what makes the
audit safe to run on every trigger: desired-state recomputation, the
periodic disposal check, and startup all call the same code path, and a
pass over converged state is a no-op.

# Usage

	rec := reconciler.NewReconciler(reconciler.Config{
		Scope:             cfg.IO.DisconnectScope,
		DisconnectTrTypes: cfg.IO.DisconnectTrTypes,
	})

	plan := rec.Reconcile(reconciler.Inputs{
		Desired:  desired,
		Records:  records,
		Existing: snapshot,
	})
	for _, want := range plan.Create {
		// spawn a state machine for want.TID
	}
	for _, ret := range plan.Retire {
		// remove the record, keeping the connection if ret.Keep
	}
	for _, conn := range plan.Disconnect {
		// adopt conn as a record flagged for removal
	}

# Monitoring Metrics

	fabricd_reconcile_total             total audit passes
	fabricd_reconcile_actions_total     actions by type (create, retire, disconnect)
	fabricd_reconcile_duration_seconds  audit pass duration

# See Also

  - pkg/service - computes desired state and executes plans
  - pkg/controller - the state machines plans create and retire
  - pkg/nvme - kernel snapshot the Existing input comes from
*/
package reconciler
