package service

import (
	"github.com/fabricd/fabricd/pkg/config"
	"github.com/fabricd/fabricd/pkg/mdns"
	"github.com/fabricd/fabricd/pkg/reconciler"
	"github.com/fabricd/fabricd/pkg/types"
)

// desiredState recomputes the full desired-state set: configured entries,
// zeroconf announcements, sticky discovered controllers, log-page-derived
// I/O targets and referrals, and orphaned zeroconf connections still inside
// their persistence window. The set is derived fresh on every call, never
// mutated in place. Runs on the event loop.
func (s *Service) desiredState() []reconciler.Desired {
	var out []reconciler.Desired
	seen := make(map[string]int) // TID key -> index in out

	add := func(want reconciler.Desired) {
		if s.cfg.Excluded(want.TID) {
			return
		}
		key := want.TID.Key()
		if i, dup := seen[key]; dup {
			// Configured beats discovered beats referral, and a zeroconf
			// justification never downgrades a configured entry.
			if want.Origin == types.OriginConfigured {
				out[i].Origin = want.Origin
				out[i].Zeroconf = false
			}
			return
		}
		seen[key] = len(out)
		out = append(out, want)
	}

	for _, entry := range s.cfg.Controllers {
		tid, err := entry.TID()
		if err != nil {
			// Load-time validation makes this unreachable; belt and braces.
			s.logger.Warn().Err(err).Msg("skipping unusable controller entry")
			continue
		}
		tid = s.completeTID(tid)
		kind := types.KindIO
		if tid.IsDiscovery() {
			kind = types.KindDiscovery
		}
		add(reconciler.Desired{TID: tid, Kind: kind, Origin: types.OriginConfigured})
	}

	if s.cfg.ZeroconfEnabled() {
		for _, svc := range s.zeroconf {
			add(reconciler.Desired{
				TID:      s.completeTID(svc.TID),
				Kind:     types.KindDiscovery,
				Origin:   types.OriginDiscovered,
				Zeroconf: true,
			})
		}

		// A discovered controller outlives its announcement: mDNS blips
		// must not tear down healthy discovery connections. The disposal
		// audit is the only thing that retires these.
		for _, dc := range s.dcs {
			if dc.PendingRemoval() || dc.Origin() != types.OriginDiscovered {
				continue
			}
			add(reconciler.Desired{
				TID:      dc.TID(),
				Kind:     types.KindDiscovery,
				Origin:   types.OriginDiscovered,
				Zeroconf: true,
			})
		}
	}

	for _, dc := range s.dcs {
		if dc.PendingRemoval() {
			continue
		}
		zeroconf := dc.Origin() != types.OriginConfigured
		for _, e := range dc.Cache() {
			candidate := types.TIDFromDLPE(e, dc.TID())
			if e.Referral() {
				add(reconciler.Desired{
					TID:      candidate,
					Kind:     types.KindDiscovery,
					Origin:   types.OriginReferral,
					Zeroconf: zeroconf,
				})
				continue
			}
			add(reconciler.Desired{
				TID:      candidate,
				Kind:     types.KindIO,
				Zeroconf: zeroconf,
			})
		}
	}

	for _, o := range s.orphans {
		add(o.want)
	}

	return out
}

// completeTID fills the host identity into a candidate and applies the
// ignore-iface knob.
func (s *Service) completeTID(tid types.TID) types.TID {
	if tid.HostNQN == "" {
		tid.HostNQN = s.identity.NQN
	}
	if tid.HostID == "" {
		tid.HostID = s.identity.ID
	}
	if s.cfg.Global.IgnoreIface || !s.client.SupportsOptions().HostIface {
		tid.HostIface = ""
	}
	return tid
}

// paramsFor assembles connect parameters for a target, picking up the
// per-entry authentication secret when a configured entry matches.
func (s *Service) paramsFor(tid types.TID) types.ConnectParams {
	for _, entry := range s.cfg.Controllers {
		entryTID, err := entry.TID()
		if err != nil {
			continue
		}
		if entryTID.Matches(tid) {
			return s.cfg.ConnectParams(entry)
		}
	}
	return s.cfg.ConnectParams(config.Controller{})
}

// announced reports whether any current mDNS announcement matches the
// target.
func (s *Service) announcedTID(tid types.TID) bool {
	for _, svc := range s.zeroconf {
		if s.completeTID(svc.TID).Matches(tid) {
			return true
		}
	}
	return false
}

// serviceAdded handles a resolved mDNS announcement. Runs on the loop.
func (s *Service) serviceAdded(svc mdns.Service) {
	if s.stopping {
		return
	}
	key := zeroconfKey(svc)
	if prev, ok := s.zeroconf[key]; ok && prev.TID == svc.TID {
		return
	}
	s.zeroconf[key] = svc
	s.logger.Info().
		Str("instance", svc.Name).
		Str("interface", svc.Interface).
		Str("tid", svc.TID.String()).
		Msg("discovery controller announced")

	// A burst of announcements, typically the first query round after
	// startup, soaks longer so the fleet comes up in one audit pass.
	s.zeroconfBurst++
	delay := configSoakDelay
	if s.zeroconfBurst >= zeroconfBurstThreshold {
		delay = zeroconfBurstSoakDelay
	}
	s.soakTimer.StartAfter(delay)
}

// serviceRemoved handles a goodbye packet or announcement expiry. The
// controller itself stays up; only the justification weakens.
func (s *Service) serviceRemoved(svc mdns.Service) {
	if s.stopping {
		return
	}
	key := zeroconfKey(svc)
	if _, ok := s.zeroconf[key]; !ok {
		return
	}
	delete(s.zeroconf, key)
	s.logger.Info().
		Str("instance", svc.Name).
		Str("interface", svc.Interface).
		Msg("discovery controller announcement withdrawn")
	s.soakTimer.Start()
}

func zeroconfKey(svc mdns.Service) string {
	return svc.Interface + "\x00" + svc.Name + "\x00" + svc.Type
}
