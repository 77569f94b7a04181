package mdns

import (
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/fabricd/fabricd/pkg/metrics"
	"github.com/fabricd/fabricd/pkg/types"
)

// classCacheFlush is the mDNS cache-flush bit announcers set on the class
// of records that replace all previously known records of the same name
// and type.
const classCacheFlush = 1 << 15

// Service is one resolved announcement: a discovery controller candidate
// on a specific interface.
type Service struct {
	Name      string // instance FQDN as announced
	Type      string // configured service type that matched
	Interface string // interface the announcement arrived on

	// TID is the candidate identity: transport from TXT key "p", subsystem
	// NQN from TXT key "nqn", address and port from the resolved records,
	// host interface from the receiving interface. Host NQN and host ID
	// are left for the caller.
	TID types.TID
}

type serviceKey struct {
	iface string
	name  string
	stype string
}

type serviceState struct {
	key       serviceKey
	expires   time.Time
	srvPort   uint16
	srvTarget string
	txt       map[string]string
	addrs4    []string
	addrs6    []string

	// resolved flips once the first complete TID was reported; tid is what
	// was reported, so identity changes can retract it.
	resolved bool
	tid      types.TID
}

func (st *serviceState) service() Service {
	return Service{
		Name:      st.key.name,
		Type:      st.key.stype,
		Interface: st.key.iface,
		TID:       st.tid,
	}
}

type flushKey struct {
	key serviceKey
	v6  bool
}

// processMsg folds one response into the service map and reports the
// resulting add and remove events. mDNS responders interleave PTR, SRV,
// TXT, and address records across the answer and additional sections in
// any order, so records are applied by type rather than section position.
func (b *Browser) processMsg(iface string, msg *dns.Msg) (added, removed []Service) {
	records := make([]dns.RR, 0, len(msg.Answer)+len(msg.Extra))
	records = append(records, msg.Answer...)
	records = append(records, msg.Extra...)

	now := b.clock.Now()
	touched := make(map[serviceKey]bool)

	b.mu.Lock()
	defer b.mu.Unlock()

	// Announcements and goodbyes.
	for _, rr := range records {
		ptr, ok := rr.(*dns.PTR)
		if !ok {
			continue
		}
		stype, ok := b.stypes[dns.CanonicalName(ptr.Hdr.Name)]
		if !ok {
			continue
		}
		key := serviceKey{iface: iface, name: dns.CanonicalName(ptr.Ptr), stype: stype}
		if ptr.Hdr.Ttl == 0 {
			if st, ok := b.services[key]; ok {
				delete(b.services, key)
				delete(touched, key)
				if st.resolved {
					removed = append(removed, st.service())
				}
				b.logger.Debug().Str("instance", key.name).Str("interface", iface).Msg("service said goodbye")
			}
			continue
		}
		st, ok := b.services[key]
		if !ok {
			st = &serviceState{key: key, txt: map[string]string{}}
			b.services[key] = st
			b.logger.Debug().Str("instance", key.name).Str("interface", iface).Msg("service discovered")
		}
		st.expires = now.Add(time.Duration(ptr.Hdr.Ttl) * time.Second)
		touched[key] = true
	}

	// Instance details.
	for _, rr := range records {
		switch rec := rr.(type) {
		case *dns.SRV:
			name := dns.CanonicalName(rec.Hdr.Name)
			for key, st := range b.services {
				if key.iface != iface || key.name != name {
					continue
				}
				if rec.Hdr.Ttl == 0 {
					delete(b.services, key)
					delete(touched, key)
					if st.resolved {
						removed = append(removed, st.service())
					}
					continue
				}
				st.srvPort = rec.Port
				st.srvTarget = dns.CanonicalName(rec.Target)
				touched[key] = true
			}
		case *dns.TXT:
			if rec.Hdr.Ttl == 0 {
				continue
			}
			name := dns.CanonicalName(rec.Hdr.Name)
			for key, st := range b.services {
				if key.iface != iface || key.name != name {
					continue
				}
				st.txt = txtToMap(rec.Txt)
				touched[key] = true
			}
		}
	}

	// Addresses attach through the SRV target, so they land even when
	// delivered in the same packet as the SRV record itself.
	flushed := make(map[flushKey]bool)
	for _, rr := range records {
		var target, addr string
		var v6 bool
		switch rec := rr.(type) {
		case *dns.A:
			if !b.wantIPv4() || rec.Hdr.Ttl == 0 {
				continue
			}
			target, addr = dns.CanonicalName(rec.Hdr.Name), rec.A.String()
		case *dns.AAAA:
			if !b.wantIPv6() || rec.Hdr.Ttl == 0 {
				continue
			}
			target, addr, v6 = dns.CanonicalName(rec.Hdr.Name), rec.AAAA.String(), true
		default:
			continue
		}
		flush := rr.Header().Class&classCacheFlush != 0

		for key, st := range b.services {
			if key.iface != iface || st.srvTarget != target {
				continue
			}
			slot := &st.addrs4
			if v6 {
				slot = &st.addrs6
			}
			if flush {
				fk := flushKey{key: key, v6: v6}
				if !flushed[fk] {
					*slot = nil
					flushed[fk] = true
				}
			}
			*slot = appendAddr(*slot, addr)
			touched[key] = true
		}
	}

	// Re-resolve everything the packet touched.
	for key := range touched {
		st, ok := b.services[key]
		if !ok {
			continue
		}
		tid, ok := b.resolveLocked(st)
		if !ok {
			continue
		}
		if st.resolved && st.tid == tid {
			continue
		}
		if st.resolved {
			removed = append(removed, st.service())
		}
		st.tid = tid
		st.resolved = true
		added = append(added, st.service())
		b.logger.Info().
			Str("instance", key.name).
			Str("interface", key.iface).
			Str("tid", tid.String()).
			Msg("discovery controller announced")
	}
	b.updateGaugeLocked()
	return added, removed
}

// resolveLocked builds the candidate TID once an SRV record and at least
// one address are known. TXT keys follow the NVMe-oF zeroconf convention:
// "p" names the transport, "nqn" the subsystem NQN; both default. The
// announced unique NQN is only honored when the kernel can actually connect
// through it.
func (b *Browser) resolveLocked(st *serviceState) (types.TID, bool) {
	if st.srvPort == 0 {
		return types.TID{}, false
	}
	var addr string
	switch {
	case len(st.addrs4) > 0:
		addr = st.addrs4[0]
	case len(st.addrs6) > 0:
		addr = st.addrs6[0]
	default:
		return types.TID{}, false
	}

	transport := strings.ToLower(strings.TrimSpace(st.txt["p"]))
	if transport == "" {
		transport = "tcp"
	}
	nqn := types.WellKnownDiscoveryNQN
	if b.cfg.UniqueNQNSupported {
		if v := strings.TrimSpace(st.txt["nqn"]); v != "" {
			nqn = v
		}
	}

	return types.TID{
		Transport: types.Transport(transport),
		TrAddr:    addr,
		TrSvcID:   strconv.Itoa(int(st.srvPort)),
		SubsysNQN: nqn,
		HostIface: st.key.iface,
	}, true
}

// sweep drops services whose announcements were not refreshed within their
// advertised lifetime.
func (b *Browser) sweep(now time.Time) []Service {
	b.mu.Lock()
	defer b.mu.Unlock()

	var removed []Service
	for key, st := range b.services {
		if st.expires.After(now) {
			continue
		}
		delete(b.services, key)
		if st.resolved {
			removed = append(removed, st.service())
		}
		b.logger.Debug().Str("instance", key.name).Str("interface", key.iface).Msg("service expired")
	}
	b.updateGaugeLocked()
	return removed
}

func (b *Browser) updateGaugeLocked() {
	resolved := 0
	for _, st := range b.services {
		if st.resolved {
			resolved++
		}
	}
	metrics.MDNSServices.Set(float64(resolved))
}

// txtToMap parses key=value TXT strings, lowercasing keys the way
// announcers mix them. Strings without a separator are ignored.
func txtToMap(txt []string) map[string]string {
	kvs := make(map[string]string, len(txt))
	for _, s := range txt {
		key, val, ok := strings.Cut(s, "=")
		if !ok {
			continue
		}
		kvs[strings.ToLower(key)] = val
	}
	return kvs
}

func appendAddr(addrs []string, addr string) []string {
	for _, a := range addrs {
		if a == addr {
			return addrs
		}
	}
	return append(addrs, addr)
}
