package reconciler

import (
	"github.com/rs/zerolog"

	"github.com/fabricd/fabricd/pkg/config"
	"github.com/fabricd/fabricd/pkg/log"
	"github.com/fabricd/fabricd/pkg/metrics"
	"github.com/fabricd/fabricd/pkg/types"
)

// Desired is one entry of the desired-state set: a target the daemon should
// hold a connection to, with the construction detail the service needs when
// the entry has no state machine yet.
type Desired struct {
	TID      types.TID
	Kind     types.ControllerKind
	Origin   types.Origin // discovery controllers only
	Zeroconf bool         // justification chains back to an mDNS-discovered DC
}

// Record is the reconciler's view of one managed state machine.
type Record struct {
	TID  types.TID
	Kind types.ControllerKind

	// PendingRemoval marks a record already on its way out; it neither
	// satisfies a desired entry nor gets retired twice.
	PendingRemoval bool
}

// Connection is one kernel connection from the snapshot, annotated with
// whether this daemon created it.
type Connection struct {
	types.KernelController
	Owned bool
}

// Inputs is everything one audit pass looks at.
type Inputs struct {
	Desired  []Desired
	Records  []Record
	Existing []Connection
}

// Retirement names a managed record that left desired state. Keep asks the
// service to retire the record but leave the kernel connection up.
type Retirement struct {
	TID  types.TID
	Keep bool
}

// Plan is the set of actions one audit pass decided on. Executing a plan
// and re-running the audit with the resulting records and an unchanged
// snapshot must yield an empty plan.
type Plan struct {
	// Create lists desired entries with no state machine yet. An existing
	// kernel connection for such an entry is borrowed by the new machine,
	// never torn down and re-dialed.
	Create []Desired

	// Retire lists managed records that left desired state.
	Retire []Retirement

	// Disconnect lists unmanaged kernel connections the scope policy wants
	// severed. The service adopts each as a record flagged for removal so
	// the teardown runs through the ordinary state machine.
	Disconnect []types.KernelController
}

// Empty reports whether the plan contains no actions.
func (p Plan) Empty() bool {
	return len(p.Create) == 0 && len(p.Retire) == 0 && len(p.Disconnect) == 0
}

// Config carries the disconnect policy.
type Config struct {
	// Scope is one of the config.Scope* values. Only existing connections
	// that match no desired entry are ever candidates; the scope decides
	// which of those the daemon is allowed to sever.
	Scope string

	// DisconnectTrTypes lists the transports the matching-transports scope
	// applies to.
	DisconnectTrTypes []string
}

// Reconciler computes the actions that bring actual connection state in
// line with desired state. It never executes anything itself; the service
// applies the plan on the event loop.
type Reconciler struct {
	scope   string
	trtypes map[types.Transport]bool
	logger  zerolog.Logger
}

// NewReconciler creates a reconciler for the given disconnect policy.
func NewReconciler(cfg Config) *Reconciler {
	trtypes := make(map[types.Transport]bool, len(cfg.DisconnectTrTypes))
	for _, trtype := range cfg.DisconnectTrTypes {
		trtypes[types.Transport(trtype)] = true
	}
	return &Reconciler{
		scope:   cfg.Scope,
		trtypes: trtypes,
		logger:  log.WithComponent("reconciler"),
	}
}

// Reconcile runs one audit pass and returns the plan. The pass is a pure
// function of its inputs: it mutates nothing and is safe to re-run on every
// desired-state recomputation.
func (r *Reconciler) Reconcile(in Inputs) Plan {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		metrics.ReconcileTotal.Inc()
	}()

	var plan Plan

	// Desired entries with no state machine yet.
	for _, want := range in.Desired {
		if matchRecord(in.Records, want.TID, false) {
			continue
		}
		plan.Create = append(plan.Create, want)
	}

	// Managed records that left desired state.
	for _, rec := range in.Records {
		if rec.PendingRemoval || matchDesired(in.Desired, rec.TID) {
			continue
		}
		plan.Retire = append(plan.Retire, Retirement{
			TID:  rec.TID,
			Keep: r.keepOnRetire(rec),
		})
	}

	// Unmanaged kernel connections. Local bus controllers and discovery
	// connections made outside this daemon are never subject to audit, and
	// entries whose identity cannot be reconstructed are skipped rather
	// than guessed at.
	for _, conn := range in.Existing {
		if conn.TID.Transport == types.TransportPCIe || conn.Kind == types.KindDiscovery {
			continue
		}
		if !usableTID(conn.TID) {
			r.logger.Warn().Str("device", conn.Device).Msg("skipping connection with unusable identity")
			continue
		}
		if matchRecord(in.Records, conn.TID, true) || matchDesired(in.Desired, conn.TID) {
			continue
		}
		if r.shouldDisconnect(conn) {
			plan.Disconnect = append(plan.Disconnect, conn.KernelController)
		}
	}

	if !plan.Empty() {
		r.logger.Info().
			Int("create", len(plan.Create)).
			Int("retire", len(plan.Retire)).
			Int("disconnect", len(plan.Disconnect)).
			Msg("audit pass produced actions")
	}
	metrics.ReconcileActionsTotal.WithLabelValues("create").Add(float64(len(plan.Create)))
	metrics.ReconcileActionsTotal.WithLabelValues("retire").Add(float64(len(plan.Retire)))
	metrics.ReconcileActionsTotal.WithLabelValues("disconnect").Add(float64(len(plan.Disconnect)))
	return plan
}

// keepOnRetire decides whether a record leaving desired state keeps its
// kernel connection. Discovery controllers always disconnect; a DC that
// left desired state has nothing left to discover for. I/O controllers
// follow the scope policy, and since records are daemon-created by
// definition, only-managed always disconnects them.
func (r *Reconciler) keepOnRetire(rec Record) bool {
	if rec.Kind == types.KindDiscovery {
		return false
	}
	switch r.scope {
	case config.ScopeNoDisconnect:
		return true
	case config.ScopeMatchingTransports:
		return !r.trtypes[rec.TID.Transport]
	default:
		return false
	}
}

func (r *Reconciler) shouldDisconnect(conn Connection) bool {
	switch r.scope {
	case config.ScopeOnlyManaged:
		return conn.Owned
	case config.ScopeMatchingTransports:
		return r.trtypes[conn.TID.Transport]
	default:
		return false
	}
}

// matchRecord reports whether any record matches the TID. Records pending
// removal still satisfy connection ownership (their machine owns the device
// until the disconnect completes) but never satisfy a desired entry.
func matchRecord(records []Record, tid types.TID, includePendingRemoval bool) bool {
	for _, rec := range records {
		if rec.PendingRemoval && !includePendingRemoval {
			continue
		}
		if rec.TID.Matches(tid) {
			return true
		}
	}
	return false
}

func matchDesired(desired []Desired, tid types.TID) bool {
	for _, want := range desired {
		if want.TID.Matches(tid) {
			return true
		}
	}
	return false
}

func usableTID(tid types.TID) bool {
	if !tid.Transport.Fabric() {
		return false
	}
	return tid.TrAddr != "" || tid.Transport == types.TransportLoop
}
