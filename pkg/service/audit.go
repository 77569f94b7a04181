package service

import (
	"context"

	"github.com/fabricd/fabricd/pkg/controller"
	"github.com/fabricd/fabricd/pkg/events"
	"github.com/fabricd/fabricd/pkg/health"
	"github.com/fabricd/fabricd/pkg/metrics"
	"github.com/fabricd/fabricd/pkg/reconciler"
	"github.com/fabricd/fabricd/pkg/types"
)

// triggerAudit starts one audit pass: desired state is computed on the loop,
// the kernel snapshot is taken on a worker, and the plan executes back on
// the loop. At most one pass runs at a time; triggers during a pass coalesce
// into a single follow-up. Runs on the loop.
func (s *Service) triggerAudit(reason string) {
	if s.stopping {
		return
	}
	if s.auditBusy {
		s.auditPending = true
		return
	}
	s.auditBusy = true
	s.zeroconfBurst = 0
	s.logger.Debug().Str("reason", reason).Msg("audit pass starting")

	desired := s.desiredState()
	var existing []types.KernelController
	s.d.SubmitWork("kernel snapshot",
		func() error {
			var err error
			existing, err = s.client.Snapshot(context.Background())
			return err
		},
		func(err error) {
			if err != nil {
				metrics.UpdateComponent("nvme", false, err.Error())
				s.logger.Error().Err(err).Msg("kernel snapshot failed, audit pass abandoned")
				s.auditDone()
				return
			}
			// The nvme boundary counts as ready once the kernel answers a
			// snapshot; readiness holds until one fails.
			metrics.UpdateComponent("nvme", true, "")
			s.runAudit(desired, existing)
			s.auditDone()
		},
	)
}

func (s *Service) auditDone() {
	s.auditBusy = false
	if s.auditPending && !s.stopping {
		s.auditPending = false
		s.triggerAudit("coalesced trigger")
	}
}

// runAudit executes one reconciliation pass against a kernel snapshot.
// Runs on the loop.
func (s *Service) runAudit(desired []reconciler.Desired, existing []types.KernelController) {
	if s.stopping {
		return
	}

	// Devices gone from the kernel cannot be owned or mid-disposal anymore.
	present := make(map[string]bool, len(existing))
	for _, kc := range existing {
		present[kc.Device] = true
	}
	for device := range s.owned {
		if !present[device] {
			delete(s.owned, device)
		}
	}
	for device := range s.disposals {
		if !present[device] {
			delete(s.disposals, device)
		}
	}

	records := make([]reconciler.Record, 0, len(s.dcs)+len(s.iocs)+len(s.disposals))
	for _, dc := range s.dcs {
		records = append(records, reconciler.Record{
			TID:            dc.TID(),
			Kind:           types.KindDiscovery,
			PendingRemoval: dc.PendingRemoval(),
		})
	}
	for _, ioc := range s.iocs {
		records = append(records, reconciler.Record{
			TID:            ioc.TID(),
			Kind:           types.KindIO,
			PendingRemoval: ioc.PendingRemoval(),
		})
	}

	connections := make([]reconciler.Connection, 0, len(existing))
	for _, kc := range existing {
		connections = append(connections, reconciler.Connection{
			KernelController: kc,
			Owned:            s.owned[kc.Device],
		})
		// An in-flight stray disconnect holds its device the way a record
		// pending removal holds one: nothing else may claim or re-plan it.
		if s.disposals[kc.Device] {
			records = append(records, reconciler.Record{
				TID:            kc.TID,
				Kind:           kc.Kind,
				PendingRemoval: true,
			})
		}
	}

	plan := s.rec.Reconcile(reconciler.Inputs{
		Desired:  desired,
		Records:  records,
		Existing: connections,
	})

	for _, want := range plan.Create {
		s.create(want)
	}
	for _, ret := range plan.Retire {
		s.retire(ret)
	}
	for _, kc := range plan.Disconnect {
		s.disposeOf(kc)
	}

	s.broker.Publish(&events.Event{Type: events.EventAuditComplete})
}

// create builds and starts the state machine for a desired entry with none.
// Runs on the loop.
func (s *Service) create(want reconciler.Desired) {
	key := want.TID.Key()

	// A machine still tearing down a matching target holds the device until
	// its disconnect completes; creation waits for the next pass. Matching
	// is relaxed the way the planner matches, so a record whose TID differs
	// only in a lax field still blocks.
	for _, dc := range s.dcs {
		if dc.PendingRemoval() && dc.TID().Matches(want.TID) {
			return
		}
	}
	for _, ioc := range s.iocs {
		if ioc.PendingRemoval() && ioc.TID().Matches(want.TID) {
			return
		}
	}

	cc := controller.Config{
		Dispatcher: s.d,
		Client:     s.client,
		TID:        want.TID,
		Params:     s.paramsFor(want.TID),
		Retry:      s.cfg.RetryPolicy(),
	}

	if want.Kind == types.KindDiscovery {
		var dc *controller.Dc
		cc.OnStateChange = func(old, new types.State) {
			s.controllerState(dc.Controller, old, new)
		}
		var cache []types.DLPE
		if rec, ok := s.warmCaches[key]; ok {
			cache = rec.Entries
			delete(s.warmCaches, key)
		}
		dc = controller.NewDc(controller.DcConfig{
			Config:  cc,
			Origin:  want.Origin,
			Symname: s.identity.Symname,
			Store:   s.store,
			Cache:   cache,
			OnCacheChanged: func(added, removed []types.DLPE) {
				s.cacheChanged(dc, added, removed)
			},
		})
		s.dcs[key] = dc
		dc.Start()
		if len(cache) > 0 {
			// Provisional entries enter desired state right away so that
			// connections from the previous run survive a daemon restart
			// even while the discovery controller is still unreachable.
			s.soakTimer.Start()
		}
		return
	}

	var ioc *controller.Ioc
	cc.OnStateChange = func(old, new types.State) {
		s.controllerState(ioc.Controller, old, new)
	}
	ioc = controller.NewIoc(controller.IocConfig{
		Config:   cc,
		Zeroconf: want.Zeroconf,
	})
	s.iocs[key] = ioc
	if e, ok := s.cacheEntryFor(want.TID); ok {
		ioc.SetNCC(e.NCC())
	}
	ioc.Start()

	// Creation consumes any orphan for the same target: the machine now
	// carries the connection and the disposal audit judges its window.
	delete(s.orphans, key)
}

// cacheEntryFor finds the log page entry a target came from, preferring
// non-provisional caches.
func (s *Service) cacheEntryFor(tid types.TID) (types.DLPE, bool) {
	var found types.DLPE
	var ok, live bool
	for _, dc := range s.dcs {
		if dc.PendingRemoval() {
			continue
		}
		for _, e := range dc.Cache() {
			if e.Referral() || !types.TIDFromDLPE(e, dc.TID()).Matches(tid) {
				continue
			}
			if !dc.Provisional() {
				return e, true
			}
			if !live {
				found, ok = e, true
			}
		}
	}
	return found, ok
}

// retire removes a managed record that left desired state. Runs on the loop.
func (s *Service) retire(ret reconciler.Retirement) {
	key := ret.TID.Key()

	if dc, ok := s.dcs[key]; ok {
		s.retireDc(key, dc, ret.Keep)
		return
	}
	if ioc, ok := s.iocs[key]; ok {
		s.retireIoc(key, ioc, ret.Keep)
	}
}

func (s *Service) retireDc(key string, dc *controller.Dc, keep bool) {
	tid := dc.TID()
	s.logger.Info().Str("tid", tid.String()).Msg("retiring discovery controller")

	// Retirement is intentional: the target left the configuration or was
	// judged defunct. Its persisted cache must not seed the next run.
	s.d.SubmitWork("delete log pages "+key,
		func() error { return s.store.Delete(key) },
		func(err error) {
			if err != nil {
				s.logger.Warn().Err(err).Msg("failed to delete persisted log pages")
			}
		},
	)

	dc.Remove(keep, func() {
		delete(s.dcs, key)
		s.broker.Publish(&events.Event{
			Type: events.EventDcRemoved,
			TID:  tid,
			Kind: types.KindDiscovery,
		})
		s.soakTimer.Start()
	})
}

func (s *Service) retireIoc(key string, ioc *controller.Ioc, keep bool) {
	tid := ioc.TID()

	// An I/O connection justified through zeroconf outlives its discovery
	// controller: it becomes an orphan and stays in desired state until the
	// persistence window closes on its last live moment.
	window := s.cfg.Discovery.ZeroconfPersistence.Std()
	if ioc.Zeroconf() && window > 0 && !ioc.State().Terminal() {
		if _, ok := s.orphans[key]; !ok {
			s.logger.Info().
				Str("tid", tid.String()).
				Dur("window", window).
				Msg("connection lost its discovery justification, persistence window open")
			s.orphans[key] = orphan{
				want: reconciler.Desired{
					TID:      tid,
					Kind:     types.KindIO,
					Zeroconf: true,
				},
				since: s.clk.Now(),
			}
		}
		return
	}

	s.removeIoc(key, ioc, keep)
}

func (s *Service) removeIoc(key string, ioc *controller.Ioc, keep bool) {
	s.logger.Info().Str("tid", ioc.TID().String()).Bool("keep", keep).Msg("retiring controller")
	ioc.Remove(keep, func() {
		delete(s.iocs, key)
		s.soakTimer.Start()
	})
}

// disposeOf severs an unmanaged kernel connection the scope policy wants
// gone. The disconnect runs on a worker; the device stays marked until a
// later snapshot confirms it gone. Runs on the loop.
func (s *Service) disposeOf(kc types.KernelController) {
	if s.disposals[kc.Device] {
		return
	}
	s.disposals[kc.Device] = true
	s.logger.Info().
		Str("device", kc.Device).
		Str("tid", kc.TID.String()).
		Msg("disconnecting stray connection")

	device := kc.Device
	s.d.SubmitWork("disconnect "+device,
		func() error { return s.client.Disconnect(context.Background(), device) },
		func(err error) {
			delete(s.disposals, device)
			delete(s.owned, device)
			if err != nil {
				s.logger.Error().Err(err).Str("device", device).Msg("failed to disconnect stray connection")
			}
		},
	)
}

// disposalAudit is the periodic sweep for state the event-driven audit
// cannot see: orphans whose persistence window expired, and zeroconf
// discovery controllers that are both unannounced and unreachable. Runs on
// the loop.
func (s *Service) disposalAudit() {
	if s.stopping {
		return
	}
	defer s.disposalTimer.Start()

	window := s.cfg.Discovery.ZeroconfPersistence.Std()
	now := s.clk.Now()

	for key, o := range s.orphans {
		// The window opens when the justification was lost, or earlier if
		// the connection itself was already down by then.
		ref := o.since
		ioc, alive := s.iocs[key]
		if alive && ioc.LastLive().Before(ref) {
			ref = ioc.LastLive()
		}
		if window > 0 && now.Sub(ref) < window {
			continue
		}
		s.logger.Info().
			Str("tid", o.want.TID.String()).
			Msg("persistence window closed, releasing connection")
		delete(s.orphans, key)
		if alive && !ioc.PendingRemoval() {
			s.removeIoc(key, ioc, false)
		}
	}

	if s.cfg.ZeroconfEnabled() {
		for key, dc := range s.dcs {
			if dc.PendingRemoval() || s.probing[key] {
				continue
			}
			if dc.Origin() != types.OriginDiscovered {
				continue
			}
			if dc.State() == types.StateConnected || s.announcedTID(dc.TID()) {
				continue
			}
			s.probeDefunct(key, dc)
		}
	}
}

// probeDefunct decides whether an unannounced, unconnected zeroconf
// discovery controller still exists. mDNS can miss goodbyes, so absence of
// an announcement alone proves nothing; an endpoint that also fails a
// reachability probe is defunct and gets retired.
func (s *Service) probeDefunct(key string, dc *controller.Dc) {
	checker := health.ForTID(dc.TID())
	if checker == nil {
		// Not probeable; leave it to the connection retry loop.
		return
	}
	s.probing[key] = true

	var result health.Result
	s.d.SubmitWork("probe "+dc.TID().String(),
		func() error {
			result = checker.Check(context.Background())
			return nil
		},
		func(error) {
			delete(s.probing, key)
			if s.stopping || result.Reachable {
				return
			}
			current, ok := s.dcs[key]
			if !ok || current != dc || dc.PendingRemoval() {
				return
			}
			if dc.State() == types.StateConnected || s.announcedTID(dc.TID()) {
				return
			}
			s.logger.Info().
				Str("tid", dc.TID().String()).
				Str("probe", result.Message).
				Msg("discovery controller unannounced and unreachable, removing")
			s.retireDc(key, dc, false)
		},
	)
}
