package mdns

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"

	"github.com/fabricd/fabricd/pkg/clock"
	"github.com/fabricd/fabricd/pkg/config"
	"github.com/fabricd/fabricd/pkg/log"
)

const (
	// DefaultServiceType is the DNS-SD service type discovery controllers
	// announce themselves under.
	DefaultServiceType = "_nvme-disc._tcp"

	// DefaultQueryInterval is how often standing queries are re-sent. Each
	// cycle also re-enumerates interfaces and expires stale services.
	DefaultQueryInterval = time.Minute

	mdnsDomain = "local."
	mdnsPort   = 5353
)

var (
	groupIPv4 = &net.UDPAddr{IP: net.ParseIP("224.0.0.251"), Port: mdnsPort}
	groupIPv6 = &net.UDPAddr{IP: net.ParseIP("ff02::fb"), Port: mdnsPort}
)

// Config holds browser configuration.
type Config struct {
	// ServiceTypes lists the DNS-SD service types to browse. Defaults to
	// DefaultServiceType.
	ServiceTypes []string

	// IPFamily is one of the config ip-family values and decides which
	// address families are browsed and which address records are accepted.
	IPFamily string

	// QueryInterval overrides DefaultQueryInterval.
	QueryInterval time.Duration

	// UniqueNQNSupported mirrors the kernel's TP8013 support. Without it,
	// announced unique discovery NQNs are ignored and every candidate gets
	// the well-known discovery NQN.
	UniqueNQNSupported bool

	// Clock defaults to the real clock.
	Clock clock.Clock

	// OnServiceAdded fires when an announcement resolves into a candidate
	// TID, and again after OnServiceRemoved when an announcement's identity
	// changes. Callbacks run on browser goroutines; implementations post to
	// the event loop and return.
	OnServiceAdded func(Service)

	// OnServiceRemoved fires on goodbye packets and expiry.
	OnServiceRemoved func(Service)
}

// Browser discovers discovery controller announcements over multicast DNS.
// It browses every multicast-capable interface and reports candidates per
// interface, so the same announcer reached over two links yields two
// distinct candidates.
type Browser struct {
	cfg    Config
	clock  clock.Clock
	logger zerolog.Logger

	// stypes maps the canonical PTR name ("_nvme-disc._tcp.local.") back
	// to the configured service type.
	stypes map[string]string

	mu         sync.Mutex
	services   map[serviceKey]*serviceState
	ifaceNames map[int]string

	pc4 *ipv4.PacketConn
	pc6 *ipv6.PacketConn

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewBrowser creates a browser. Start must be called before any services
// are reported.
func NewBrowser(cfg Config) *Browser {
	if len(cfg.ServiceTypes) == 0 {
		cfg.ServiceTypes = []string{DefaultServiceType}
	}
	if cfg.QueryInterval <= 0 {
		cfg.QueryInterval = DefaultQueryInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	stypes := make(map[string]string, len(cfg.ServiceTypes))
	for _, stype := range cfg.ServiceTypes {
		stypes[dns.CanonicalName(stype+"."+mdnsDomain)] = stype
	}

	return &Browser{
		cfg:        cfg,
		clock:      cfg.Clock,
		logger:     log.WithComponent("mdns"),
		stypes:     stypes,
		services:   make(map[serviceKey]*serviceState),
		ifaceNames: make(map[int]string),
		stopCh:     make(chan struct{}),
	}
}

// Start opens the multicast sockets and begins browsing. It fails only when
// no configured address family could be set up; losing one of two families
// degrades with a warning.
func (b *Browser) Start() error {
	var lastErr error

	if b.wantIPv4() {
		udp, err := net.ListenMulticastUDP("udp4", nil, groupIPv4)
		if err != nil {
			lastErr = err
			b.logger.Warn().Err(err).Msg("ipv4 multicast socket unavailable")
		} else {
			b.pc4 = ipv4.NewPacketConn(udp)
			// Best effort; without the control message the receiving
			// interface of a packet is unknown and it gets dropped.
			_ = b.pc4.SetControlMessage(ipv4.FlagInterface, true)
		}
	}
	if b.wantIPv6() {
		udp, err := net.ListenMulticastUDP("udp6", nil, groupIPv6)
		if err != nil {
			lastErr = err
			b.logger.Warn().Err(err).Msg("ipv6 multicast socket unavailable")
		} else {
			b.pc6 = ipv6.NewPacketConn(udp)
			_ = b.pc6.SetControlMessage(ipv6.FlagInterface, true)
		}
	}

	if b.pc4 == nil && b.pc6 == nil {
		return fmt.Errorf("mdns: no multicast socket available: %v", lastErr)
	}

	ifaces := b.refreshInterfaces()
	b.logger.Info().
		Strs("service_types", b.cfg.ServiceTypes).
		Int("interfaces", len(ifaces)).
		Msg("browsing for discovery controller announcements")

	if b.pc4 != nil {
		b.wg.Add(1)
		go b.readLoop4()
	}
	if b.pc6 != nil {
		b.wg.Add(1)
		go b.readLoop6()
	}

	b.wg.Add(1)
	go b.queryLoop(ifaces)

	return nil
}

// Stop closes the sockets and waits for the browser goroutines to exit. No
// callbacks fire after Stop returns.
func (b *Browser) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	if b.pc4 != nil {
		b.pc4.Close()
	}
	if b.pc6 != nil {
		b.pc6.Close()
	}
	b.wg.Wait()
}

// Services returns the currently resolved candidates.
func (b *Browser) Services() []Service {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Service, 0, len(b.services))
	for _, st := range b.services {
		if st.resolved {
			out = append(out, st.service())
		}
	}
	return out
}

func (b *Browser) wantIPv4() bool { return b.cfg.IPFamily != config.IPv6Only }
func (b *Browser) wantIPv6() bool { return b.cfg.IPFamily != config.IPv4Only }

// eligible reports whether announcements are expected on the interface.
func eligible(ifi net.Interface) bool {
	const want = net.FlagUp | net.FlagMulticast
	return ifi.Flags&want == want && ifi.Flags&net.FlagLoopback == 0
}

// refreshInterfaces re-enumerates eligible interfaces, joins the multicast
// groups on any new ones, and refreshes the index-to-name cache. Join errors
// are expected for interfaces without an address of the family and only
// logged at debug.
func (b *Browser) refreshInterfaces() []net.Interface {
	all, err := net.Interfaces()
	if err != nil {
		b.logger.Warn().Err(err).Msg("interface enumeration failed")
		return nil
	}

	var ifaces []net.Interface
	names := make(map[int]string, len(all))
	for _, ifi := range all {
		names[ifi.Index] = ifi.Name
		if !eligible(ifi) {
			continue
		}
		ifaces = append(ifaces, ifi)
	}

	b.mu.Lock()
	b.ifaceNames = names
	b.mu.Unlock()

	for i := range ifaces {
		if b.pc4 != nil {
			if err := b.pc4.JoinGroup(&ifaces[i], &net.UDPAddr{IP: groupIPv4.IP}); err != nil {
				b.logger.Debug().Err(err).Str("interface", ifaces[i].Name).Msg("ipv4 group join failed")
			}
		}
		if b.pc6 != nil {
			if err := b.pc6.JoinGroup(&ifaces[i], &net.UDPAddr{IP: groupIPv6.IP}); err != nil {
				b.logger.Debug().Err(err).Str("interface", ifaces[i].Name).Msg("ipv6 group join failed")
			}
		}
	}
	return ifaces
}

func (b *Browser) ifaceName(index int) string {
	b.mu.Lock()
	name, ok := b.ifaceNames[index]
	b.mu.Unlock()
	if ok {
		return name
	}
	ifi, err := net.InterfaceByIndex(index)
	if err != nil {
		return ""
	}
	b.mu.Lock()
	b.ifaceNames[index] = ifi.Name
	b.mu.Unlock()
	return ifi.Name
}

// queryLoop sends the standing queries, then re-sends on every interval
// tick. Each tick also refreshes the interface set and expires services
// whose announcements went stale.
func (b *Browser) queryLoop(ifaces []net.Interface) {
	defer b.wg.Done()

	b.sendQueries(ifaces)

	ticker := b.clock.NewTicker(b.cfg.QueryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			ifaces = b.refreshInterfaces()
			b.sendQueries(ifaces)
			b.fire(nil, b.sweep(b.clock.Now()))
		}
	}
}

// queryMsg builds the standing PTR query. Multicast queries carry ID 0 and
// never request recursion.
func (b *Browser) queryMsg() *dns.Msg {
	msg := new(dns.Msg)
	for name := range b.stypes {
		msg.Question = append(msg.Question, dns.Question{
			Name:   name,
			Qtype:  dns.TypePTR,
			Qclass: dns.ClassINET,
		})
	}
	return msg
}

func (b *Browser) sendQueries(ifaces []net.Interface) {
	b.sendMsg(b.queryMsg(), ifaces)
}

func (b *Browser) sendMsg(msg *dns.Msg, ifaces []net.Interface) {
	packed, err := msg.Pack()
	if err != nil {
		b.logger.Error().Err(err).Msg("query pack failed")
		return
	}

	for i := range ifaces {
		if b.pc4 != nil {
			_ = b.pc4.SetMulticastInterface(&ifaces[i])
			if _, err := b.pc4.WriteTo(packed, nil, groupIPv4); err != nil {
				b.logger.Debug().Err(err).Str("interface", ifaces[i].Name).Msg("ipv4 query send failed")
			}
		}
		if b.pc6 != nil {
			_ = b.pc6.SetMulticastInterface(&ifaces[i])
			if _, err := b.pc6.WriteTo(packed, nil, groupIPv6); err != nil {
				b.logger.Debug().Err(err).Str("interface", ifaces[i].Name).Msg("ipv6 query send failed")
			}
		}
	}
}

func (b *Browser) readLoop4() {
	defer b.wg.Done()

	buf := make([]byte, 65536)
	for {
		n, cm, _, err := b.pc4.ReadFrom(buf)
		if err != nil {
			if !b.stopped() {
				b.logger.Warn().Err(err).Msg("ipv4 read failed, browser stopping")
			}
			return
		}
		index := 0
		if cm != nil {
			index = cm.IfIndex
		}
		b.handlePacket(index, buf[:n])
	}
}

func (b *Browser) readLoop6() {
	defer b.wg.Done()

	buf := make([]byte, 65536)
	for {
		n, cm, _, err := b.pc6.ReadFrom(buf)
		if err != nil {
			if !b.stopped() {
				b.logger.Warn().Err(err).Msg("ipv6 read failed, browser stopping")
			}
			return
		}
		index := 0
		if cm != nil {
			index = cm.IfIndex
		}
		b.handlePacket(index, buf[:n])
	}
}

func (b *Browser) handlePacket(ifIndex int, raw []byte) {
	msg := new(dns.Msg)
	if err := msg.Unpack(raw); err != nil {
		b.logger.Debug().Err(err).Msg("dropping unparseable packet")
		return
	}
	if !msg.Response {
		return
	}
	iface := b.ifaceName(ifIndex)
	if iface == "" {
		return
	}

	added, removed := b.processMsg(iface, msg)
	b.fire(added, removed)
}

// fire delivers events outside the browser lock, removals first so an
// identity change reads as replace.
func (b *Browser) fire(added, removed []Service) {
	if cb := b.cfg.OnServiceRemoved; cb != nil {
		for _, svc := range removed {
			cb(svc)
		}
	}
	if cb := b.cfg.OnServiceAdded; cb != nil {
		for _, svc := range added {
			cb(svc)
		}
	}
}

func (b *Browser) stopped() bool {
	select {
	case <-b.stopCh:
		return true
	default:
		return false
	}
}
