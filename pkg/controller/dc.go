package controller

import (
	"context"
	"time"

	"github.com/fabricd/fabricd/pkg/dispatch"
	"github.com/fabricd/fabricd/pkg/storage"
	"github.com/fabricd/fabricd/pkg/types"
)

const (
	// AENDiscoveryLogChanged is the async event notification a discovery
	// controller raises when its log page content changes.
	AENDiscoveryLogChanged uint32 = 0x70f002

	// DefaultDcKATO is the keep-alive applied to discovery controller
	// connections when the configuration leaves KATO unset. Persistent
	// discovery connections need a short keep-alive so the CDC notices dead
	// hosts, where I/O controllers can rely on the transport default.
	DefaultDcKATO = 30 * time.Second

	// glpRetryDelay is the wait before re-issuing a failed Get Log Page
	// command while the connection itself is still up.
	glpRetryDelay = 20 * time.Second

	// registrationRetryDelay is the wait before re-issuing a failed DIM
	// registration command.
	registrationRetryDelay = 10 * time.Second
)

// DcConfig wires up a discovery controller.
type DcConfig struct {
	Config

	// Origin records how this controller entered desired state.
	Origin types.Origin

	// Symname, when set, is registered with the discovery controller via a
	// DIM command before the first log page retrieval.
	Symname string

	// Store, when set, receives the log page cache after every successful
	// retrieval.
	Store storage.Store

	// Cache seeds the log page cache from a previous run. The cache stays
	// provisional until the first live retrieval replaces it.
	Cache []types.DLPE

	// OnCacheChanged, when set, is called on the event loop after every
	// successful log page retrieval with the entries that appeared and
	// disappeared. It fires even when both diffs are empty.
	OnCacheChanged func(added, removed []types.DLPE)
}

// Dc is a discovery controller: a persistent connection to a discovery
// subsystem that maintains a local cache of the subsystem's log page. On
// connect it registers the host (when a symbolic name is configured),
// retrieves the log page and replaces the cache wholesale; asynchronous
// event notifications and kernel uevents trigger re-retrieval. The cache
// survives connection loss so that I/O connections discovered through this
// controller are not torn down by a transient discovery outage.
type Dc struct {
	*Controller

	origin  types.Origin
	symname string
	store   storage.Store

	cache       []types.DLPE
	provisional bool

	glpWanted bool
	regWanted bool
	glpFails  int
	regFails  int

	glpTimer *dispatch.Timer
	regTimer *dispatch.Timer

	onCacheChanged func(added, removed []types.DLPE)
}

// NewDc creates a discovery controller in the idle state. Call Start on the
// event loop to begin connecting.
func NewDc(cfg DcConfig) *Dc {
	if cfg.Params.KATO == 0 {
		cfg.Params.KATO = DefaultDcKATO
	}
	dc := &Dc{
		origin:         cfg.Origin,
		symname:        cfg.Symname,
		store:          cfg.Store,
		cache:          append([]types.DLPE(nil), cfg.Cache...),
		provisional:    len(cfg.Cache) > 0,
		onCacheChanged: cfg.OnCacheChanged,
	}
	dc.Controller = newController(cfg.Config, types.KindDiscovery)
	dc.Controller.onConnected = dc.connected
	dc.Controller.onTeardown = dc.teardown
	dc.Controller.onSettled = dc.settled
	dc.glpTimer = dc.d.NewTimer(glpRetryDelay, dc.glpRetryFired)
	dc.regTimer = dc.d.NewTimer(registrationRetryDelay, dc.regRetryFired)
	return dc
}

// Origin reports how this controller entered desired state.
func (dc *Dc) Origin() types.Origin { return dc.origin }

// SetOrigin records a change of how the controller is justified, such as a
// zeroconf-discovered controller also showing up in the configuration.
func (dc *Dc) SetOrigin(origin types.Origin) {
	if origin == dc.origin {
		return
	}
	dc.logger.Debug().Str("from", string(dc.origin)).Str("to", string(origin)).Msg("origin change")
	dc.origin = origin
}

// Provisional reports whether the cache still holds entries restored from a
// previous run rather than a live retrieval.
func (dc *Dc) Provisional() bool { return dc.provisional }

// Cache returns the current log page cache. The slice is owned by the
// controller and must not be mutated.
func (dc *Dc) Cache() []types.DLPE { return dc.cache }

// Referrals returns the cache entries that point at further discovery
// subsystems rather than I/O subsystems.
func (dc *Dc) Referrals() []types.DLPE {
	var refs []types.DLPE
	for _, e := range dc.cache {
		if e.Referral() {
			refs = append(refs, e)
		}
	}
	return refs
}

// AEN handles an asynchronous event notification from the kernel for this
// controller's device. A discovery log change re-issues the Get Log Page
// command; the connection state and the current cache are untouched until
// the retrieval succeeds.
func (dc *Dc) AEN(aen uint32) {
	if aen != AENDiscoveryLogChanged {
		dc.logger.Debug().Uint32("aen", aen).Msg("ignoring unhandled async event")
		return
	}
	if dc.state != types.StateConnected {
		return
	}
	dc.logger.Info().Msg("discovery log page change notification")
	dc.submitGLP()
}

// NvmeEvent handles an NVME_EVENT uevent for this controller's device. The
// kernel emits "connected" after the initial handshake and "rediscover"
// when it re-established a connection on its own; both mean any previous
// registration is gone.
func (dc *Dc) NvmeEvent(event string) {
	if dc.state != types.StateConnected {
		return
	}
	switch event {
	case "rediscover":
		if dc.symname != "" {
			dc.submitRegister()
		} else {
			dc.submitGLP()
		}
	case "connected":
		if dc.symname != "" {
			dc.submitRegister()
		}
	default:
		dc.logger.Debug().Str("event", event).Msg("ignoring unhandled nvme event")
	}
}

func (dc *Dc) connected(device string) {
	dc.glpFails = 0
	dc.regFails = 0
	if dc.symname != "" {
		dc.submitRegister()
		return
	}
	dc.submitGLP()
}

func (dc *Dc) teardown() {
	dc.glpTimer.Stop()
	dc.regTimer.Stop()
	dc.glpWanted = false
	dc.regWanted = false
}

// settled runs when the operation slot frees up while still connected.
func (dc *Dc) settled() {
	if dc.regWanted {
		dc.regWanted = false
		dc.submitRegister()
		return
	}
	if dc.glpWanted {
		dc.glpWanted = false
		dc.submitGLP()
	}
}

func (dc *Dc) submitRegister() {
	if dc.opInFlight {
		dc.regWanted = true
		return
	}
	device, symname := dc.device, dc.symname
	dc.submitOp("register "+device,
		func() error {
			return dc.client.Register(context.Background(), device, symname)
		},
		func(err error) {
			dc.registerDone(err)
		},
	)
}

func (dc *Dc) registerDone(err error) {
	if dc.state != types.StateConnected || dc.pendingRemoval {
		return
	}
	if err != nil {
		dc.regFails++
		if dc.regFails == 1 {
			dc.logger.Error().Err(err).Msg("failed to register with discovery controller")
		} else {
			dc.logger.Debug().Err(err).Int("failures", dc.regFails).Msg("failed to register with discovery controller")
		}
		dc.regTimer.Start()
		return
	}
	if dc.regFails > 0 {
		dc.logger.Info().Msg("registered with discovery controller")
	}
	dc.regFails = 0
	dc.regTimer.Stop()
	dc.submitGLP()
}

func (dc *Dc) regRetryFired() {
	if dc.state != types.StateConnected {
		return
	}
	dc.submitRegister()
}

func (dc *Dc) submitGLP() {
	if dc.opInFlight {
		dc.glpWanted = true
		return
	}
	device, tid := dc.device, dc.tid
	var entries []types.DLPE
	dc.submitOp("get log page "+device,
		func() error {
			var err error
			entries, err = dc.client.DiscoverLogPage(context.Background(), device, tid)
			return err
		},
		func(err error) {
			dc.glpDone(entries, err)
		},
	)
}

func (dc *Dc) glpDone(entries []types.DLPE, err error) {
	if dc.state != types.StateConnected || dc.pendingRemoval {
		return
	}
	if err != nil {
		dc.glpFails++
		if dc.glpFails == 1 {
			dc.logger.Error().Err(err).Msg("failed to retrieve log page")
		} else {
			dc.logger.Debug().Err(err).Int("failures", dc.glpFails).Msg("failed to retrieve log page")
		}
		dc.glpTimer.Start()
		return
	}
	dc.glpFails = 0
	dc.glpTimer.Stop()
	dc.replaceCache(entries)
}

func (dc *Dc) glpRetryFired() {
	if dc.state != types.StateConnected {
		return
	}
	dc.submitGLP()
}

// replaceCache installs a freshly retrieved log page, dropping entries
// whose transport address a connection could never be made to.
func (dc *Dc) replaceCache(entries []types.DLPE) {
	usable := make([]types.DLPE, 0, len(entries))
	for _, e := range entries {
		if !e.Usable() {
			dc.logger.Debug().Str("subnqn", e.SubNQN).Str("traddr", e.TrAddr).Msg("dropping log page entry with unusable address")
			continue
		}
		usable = append(usable, e)
	}

	previous := make(map[string]bool, len(dc.cache))
	for _, e := range dc.cache {
		previous[e.Key()] = true
	}
	current := make(map[string]bool, len(usable))
	var added []types.DLPE
	for _, e := range usable {
		current[e.Key()] = true
		if !previous[e.Key()] {
			added = append(added, e)
		}
	}
	var removed []types.DLPE
	for _, e := range dc.cache {
		if !current[e.Key()] {
			removed = append(removed, e)
		}
	}

	dc.cache = usable
	dc.provisional = false
	dc.logger.Info().
		Int("entries", len(usable)).
		Int("added", len(added)).
		Int("removed", len(removed)).
		Msg("log page cache updated")

	dc.persistCache()
	if dc.onCacheChanged != nil {
		dc.onCacheChanged(added, removed)
	}
}

// persistCache writes the cache to the store off the event loop. The cache
// slice is replaced wholesale and never mutated in place, so the worker can
// read it without a copy.
func (dc *Dc) persistCache() {
	if dc.store == nil {
		return
	}
	key, tid, entries := dc.tid.Key(), dc.tid, dc.cache
	dc.d.SubmitWork("save log pages "+dc.device,
		func() error {
			return dc.store.Save(key, tid, entries)
		},
		func(err error) {
			if err != nil {
				dc.logger.Warn().Err(err).Msg("failed to persist log page cache")
			}
		},
	)
}
