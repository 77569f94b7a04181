package service

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/fabricd/fabricd/pkg/log"
	"github.com/fabricd/fabricd/pkg/metrics"
	"github.com/fabricd/fabricd/pkg/types"
)

// call runs fn on the event loop and waits for it. The D-Bus handlers and
// the metrics collector read daemon state through this bridge; neither may
// touch loop-confined maps directly.
func (s *Service) call(fn func()) {
	done := make(chan struct{})
	s.d.Submit(func() {
		fn()
		close(done)
	})
	<-done
}

// ListControllers implements the D-Bus list method.
func (s *Service) ListControllers(detailed bool) []map[string]string {
	var out []map[string]string
	s.call(func() {
		for _, dc := range s.dcs {
			out = append(out, controllerAttrs(dc.Info(), "discovery", detailed))
		}
		for _, ioc := range s.iocs {
			out = append(out, controllerAttrs(ioc.Info(), "io", detailed))
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i]["kind"] != out[j]["kind"] {
			return out[i]["kind"] < out[j]["kind"]
		}
		return out[i]["traddr"] < out[j]["traddr"]
	})
	return out
}

func controllerAttrs(info map[string]string, kind string, detailed bool) map[string]string {
	info["kind"] = kind
	if detailed {
		return info
	}
	brief := make(map[string]string, 7)
	for _, k := range []string{"kind", "transport", "traddr", "trsvcid", "subsysnqn", "device", "state"} {
		brief[k] = info[k]
	}
	return brief
}

// ControllerInfo implements the D-Bus per-controller detail method.
func (s *Service) ControllerInfo(tid types.TID) (string, error) {
	var info map[string]string
	s.call(func() {
		for _, dc := range s.dcs {
			if dc.TID().Matches(tid) {
				info = controllerAttrs(dc.Info(), "discovery", true)
				info["origin"] = string(dc.Origin())
				info["log pages"] = fmt.Sprintf("%d", len(dc.Cache()))
				return
			}
		}
		for _, ioc := range s.iocs {
			if ioc.TID().Matches(tid) {
				info = controllerAttrs(ioc.Info(), "io", true)
				return
			}
		}
	})
	if info == nil {
		return "", fmt.Errorf("no controller matches %s", tid)
	}
	return marshal(info)
}

// logPageListing is the JSON shape of one discovery controller's cache.
type logPageListing struct {
	Device      string       `json:"device"`
	Transport   string       `json:"transport"`
	TrAddr      string       `json:"traddr"`
	TrSvcID     string       `json:"trsvcid"`
	SubsysNQN   string       `json:"subsysnqn"`
	Origin      string       `json:"origin"`
	Provisional bool         `json:"provisional,omitempty"`
	LogPages    []types.DLPE `json:"log-pages"`
}

// LogPages implements the D-Bus per-controller log page method.
func (s *Service) LogPages(tid types.TID) (string, error) {
	var listing *logPageListing
	s.call(func() {
		for _, dc := range s.dcs {
			if dc.TID().Matches(tid) {
				l := dcListing(dc)
				listing = &l
				return
			}
		}
	})
	if listing == nil {
		return "", fmt.Errorf("no discovery controller matches %s", tid)
	}
	return marshal(listing)
}

// AllLogPages implements the D-Bus all-log-pages method.
func (s *Service) AllLogPages(detailed bool) (string, error) {
	var listings []logPageListing
	s.call(func() {
		for _, dc := range s.dcs {
			l := dcListing(dc)
			if !detailed && len(l.LogPages) == 0 {
				continue
			}
			listings = append(listings, l)
		}
	})
	sort.Slice(listings, func(i, j int) bool {
		return listings[i].TrAddr < listings[j].TrAddr
	})
	return marshal(listings)
}

func dcListing(dc dcView) logPageListing {
	tid := dc.TID()
	return logPageListing{
		Device:      dc.Device(),
		Transport:   string(tid.Transport),
		TrAddr:      tid.TrAddr,
		TrSvcID:     tid.TrSvcID,
		SubsysNQN:   tid.SubsysNQN,
		Origin:      string(dc.Origin()),
		Provisional: dc.Provisional(),
		LogPages:    dc.Cache(),
	}
}

// dcView is the read-only slice of a discovery controller the listings use.
type dcView interface {
	TID() types.TID
	Device() string
	Origin() types.Origin
	Provisional() bool
	Cache() []types.DLPE
}

// ProcessInfo implements the D-Bus status method.
func (s *Service) ProcessInfo() (string, error) {
	info := map[string]interface{}{
		"version":  s.version,
		"pid":      os.Getpid(),
		"tron":     log.Tracing(),
		"host-nqn": "",
		"host-id":  "",
	}
	s.call(func() {
		info["host-nqn"] = s.identity.NQN
		info["host-id"] = s.identity.ID
		info["host-symname"] = s.identity.Symname
		info["controllers"] = len(s.dcs) + len(s.iocs)
		info["zeroconf-services"] = len(s.zeroconf)
		info["orphaned-connections"] = len(s.orphans)
	})
	return marshal(info)
}

// SetTrace implements the D-Bus Tron property write.
func (s *Service) SetTrace(on bool) { log.SetTrace(on) }

// Tracing implements the D-Bus Tron property read.
func (s *Service) Tracing() bool { return log.Tracing() }

func marshal(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode response: %v", err)
	}
	return string(data), nil
}

// ControllerStats implements the metrics source.
func (s *Service) ControllerStats() []metrics.ControllerStat {
	var stats []metrics.ControllerStat
	s.call(func() {
		for _, dc := range s.dcs {
			stats = append(stats, metrics.ControllerStat{
				Kind:    string(types.KindDiscovery),
				State:   string(dc.State()),
				Entries: len(dc.Cache()),
			})
		}
		for _, ioc := range s.iocs {
			stats = append(stats, metrics.ControllerStat{
				Kind:  string(types.KindIO),
				State: string(ioc.State()),
			})
		}
	})
	return stats
}

// QueueDepth implements the metrics source.
func (s *Service) QueueDepth() int { return s.d.QueueDepth() }
