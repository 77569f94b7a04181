package service

import (
	"github.com/fabricd/fabricd/pkg/controller"
	"github.com/fabricd/fabricd/pkg/events"
	"github.com/fabricd/fabricd/pkg/types"
	"github.com/fabricd/fabricd/pkg/udevmon"
)

// onUEvent routes one kernel uevent to the machine owning the device. Runs
// on the monitor goroutine; everything real happens on the loop.
func (s *Service) onUEvent(ev udevmon.Event) {
	s.d.Submit(func() {
		if s.stopping {
			return
		}
		switch ev.Action {
		case udevmon.ActionRemoved:
			s.deviceRemoved(ev.Device)
		case udevmon.ActionChanged:
			s.deviceChanged(ev)
		case udevmon.ActionAdded:
			// Soaked: connects ripple several uevents, and a foreign
			// connection only matters once sysfs has its attributes.
			s.addSoakTimer.Start()
		}
	})
}

func (s *Service) deviceRemoved(device string) {
	delete(s.owned, device)
	if c := s.byDevice(device); c != nil {
		c.DeviceRemoved()
		return
	}
	// A foreign connection went away; desired state may want it back.
	s.addSoakTimer.Start()
}

func (s *Service) deviceChanged(ev udevmon.Event) {
	c := s.byDevice(ev.Device)
	if c == nil {
		return
	}
	dc, ok := c.(*controller.Dc)
	if !ok {
		return
	}
	if ev.AEN != 0 {
		dc.AEN(ev.AEN)
	}
	if ev.NvmeEvent != "" {
		dc.NvmeEvent(ev.NvmeEvent)
	}
}

// byDevice finds the machine currently holding a kernel device.
func (s *Service) byDevice(device string) controllerMachine {
	for _, dc := range s.dcs {
		if dc.Device() == device {
			return dc
		}
	}
	for _, ioc := range s.iocs {
		if ioc.Device() == device {
			return ioc
		}
	}
	return nil
}

// controllerMachine is the slice of the state machine the uevent path needs.
type controllerMachine interface {
	Device() string
	DeviceRemoved()
}

// controllerState runs on the loop after every state transition of any
// managed controller.
func (s *Service) controllerState(c *controller.Controller, old, new types.State) {
	if new == types.StateConnected {
		s.owned[c.Device()] = true
	}
	s.broker.Publish(&events.Event{
		Type:   events.EventControllerState,
		TID:    c.TID(),
		Kind:   c.Kind(),
		State:  new,
		Device: c.Device(),
	})
}

// cacheChanged runs on the loop after a discovery controller replaced its
// log page cache.
func (s *Service) cacheChanged(dc *controller.Dc, added, removed []types.DLPE) {
	s.broker.Publish(&events.Event{
		Type:    events.EventCacheChanged,
		TID:     dc.TID(),
		Kind:    types.KindDiscovery,
		Entries: dc.Cache(),
	})
	if s.stopping {
		return
	}

	// Push refreshed NCC flags into the machines derived from this cache,
	// and close the orphan window of any target the cache re-justifies.
	for _, e := range dc.Cache() {
		if e.Referral() {
			continue
		}
		tid := types.TIDFromDLPE(e, dc.TID())
		key := tid.Key()
		delete(s.orphans, key)
		if ioc, ok := s.iocs[key]; ok {
			ioc.SetNCC(e.NCC())
		}
	}

	if len(added) > 0 || len(removed) > 0 {
		s.soakTimer.Start()
	}
}
