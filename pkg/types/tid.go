package types

import (
	"fmt"
	"net/netip"
	"strings"
)

// TID identifies a connection target on the fabric. It is an immutable
// value; Key() gives a stable form usable as a map key.
type TID struct {
	Transport  Transport
	TrAddr     string
	TrSvcID    string
	SubsysNQN  string
	HostTrAddr string
	HostIface  string
	HostNQN    string
	HostID     string
}

// Field keys accepted by ParseTID. "nqn" is accepted as an alias for
// "subsysnqn" to match the configuration syntax.
const (
	FieldTransport  = "transport"
	FieldTrAddr     = "traddr"
	FieldTrSvcID    = "trsvcid"
	FieldSubsysNQN  = "subsysnqn"
	FieldNQN        = "nqn"
	FieldHostTrAddr = "host-traddr"
	FieldHostIface  = "host-iface"
	FieldHostNQN    = "host-nqn"
	FieldHostID     = "host-id"
)

// ParseTID builds a TID from raw string fields as delivered by
// configuration entries, mDNS resolution, or udev attributes.
// Transport and traddr are mandatory. The transport service ID defaults to
// the discovery port of the transport when omitted (tcp 8009, rdma 4420).
func ParseTID(fields map[string]string) (TID, error) {
	transport := Transport(strings.ToLower(strings.TrimSpace(fields[FieldTransport])))
	if transport == "" {
		return TID{}, fmt.Errorf("tid: missing transport")
	}
	if !transport.Fabric() {
		return TID{}, fmt.Errorf("tid: invalid transport %q", string(transport))
	}

	traddr := strings.TrimSpace(fields[FieldTrAddr])
	if traddr == "" && transport != TransportLoop {
		return TID{}, fmt.Errorf("tid: missing traddr")
	}

	trsvcid := strings.TrimSpace(fields[FieldTrSvcID])
	if trsvcid == "" {
		switch transport {
		case TransportTCP:
			trsvcid = "8009"
		case TransportRDMA:
			trsvcid = "4420"
		}
	}

	subsysnqn := strings.TrimSpace(fields[FieldSubsysNQN])
	if subsysnqn == "" {
		subsysnqn = strings.TrimSpace(fields[FieldNQN])
	}

	return TID{
		Transport:  transport,
		TrAddr:     traddr,
		TrSvcID:    trsvcid,
		SubsysNQN:  subsysnqn,
		HostTrAddr: strings.TrimSpace(fields[FieldHostTrAddr]),
		HostIface:  strings.TrimSpace(fields[FieldHostIface]),
		HostNQN:    strings.TrimSpace(fields[FieldHostNQN]),
		HostID:     strings.TrimSpace(fields[FieldHostID]),
	}, nil
}

// TIDFromDLPE builds the candidate I/O controller TID implied by a log page
// entry, inheriting the host-side fields of the discovery connection that
// advertised it.
func TIDFromDLPE(e DLPE, dc TID) TID {
	return TID{
		Transport:  Transport(strings.ToLower(e.TrType)),
		TrAddr:     e.TrAddr,
		TrSvcID:    e.TrSvcID,
		SubsysNQN:  e.SubNQN,
		HostTrAddr: dc.HostTrAddr,
		HostIface:  dc.HostIface,
		HostNQN:    dc.HostNQN,
		HostID:     dc.HostID,
	}
}

// IsDiscovery reports whether the TID names the well-known discovery
// subsystem. Controllers reached through a unique TP8013 NQN report false
// here; device classification handles those via the kernel cntrltype.
func (t TID) IsDiscovery() bool {
	return t.SubsysNQN == WellKnownDiscoveryNQN
}

// Key returns the canonical identity string. Two TIDs with equal keys are
// field-wise the same target. Host NQN and host ID are process-global and
// excluded.
func (t TID) Key() string {
	return strings.Join([]string{
		string(t.Transport),
		normalizeAddr(t.TrAddr),
		t.TrSvcID,
		t.SubsysNQN,
		normalizeAddr(t.HostTrAddr),
		t.HostIface,
	}, "\x00")
}

// String renders the TID for logs, skipping empty fields
func (t TID) String() string {
	parts := []string{string(t.Transport), t.TrAddr, t.TrSvcID}
	if t.SubsysNQN != "" {
		parts = append(parts, t.SubsysNQN)
	}
	if t.HostTrAddr != "" {
		parts = append(parts, "host-traddr="+t.HostTrAddr)
	}
	if t.HostIface != "" {
		parts = append(parts, "host-iface="+t.HostIface)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Matches implements the relaxed equality used for audit decisions.
//
// Transport, traddr, and trsvcid must agree, with traddr compared as a
// normalized IP when it parses as one. Host-side fields recorded on only
// one side are ignored: the kernel does not report a host interface for
// connections made outside this daemon, and treating that as a mismatch
// would make every such connection look foreign. This can misclassify a
// misrouted external connection as valid; that trade-off is intentional.
//
// The well-known discovery NQN is an alias class: it matches any subsystem
// NQN on the same endpoint, because a TP8013 controller is reachable under
// both its unique NQN and the well-known one. Two distinct unique NQNs
// never match.
func (t TID) Matches(o TID) bool {
	if t.Transport != o.Transport {
		return false
	}
	if normalizeAddr(t.TrAddr) != normalizeAddr(o.TrAddr) {
		return false
	}
	if t.TrSvcID != o.TrSvcID {
		return false
	}
	if !nqnsMatch(t.SubsysNQN, o.SubsysNQN) {
		return false
	}
	if !laxEqual(normalizeAddr(t.HostTrAddr), normalizeAddr(o.HostTrAddr)) {
		return false
	}
	if !laxEqual(t.HostIface, o.HostIface) {
		return false
	}
	if !laxEqual(t.HostNQN, o.HostNQN) {
		return false
	}
	if !laxEqual(t.HostID, o.HostID) {
		return false
	}
	return true
}

// AddrEqual compares two transport addresses the way Matches does,
// normalizing textual IP variants before comparing.
func AddrEqual(a, b string) bool {
	return normalizeAddr(a) == normalizeAddr(b)
}

func nqnsMatch(a, b string) bool {
	if a == b {
		return true
	}
	return a == WellKnownDiscoveryNQN || b == WellKnownDiscoveryNQN
}

// laxEqual compares fields that may legitimately be unrecorded on one side
func laxEqual(a, b string) bool {
	if a == "" || b == "" {
		return true
	}
	return a == b
}

// normalizeAddr canonicalizes an IP address string so that textual variants
// ("::ffff:192.168.1.1" vs "192.168.1.1", upper vs lower hex) compare
// equal. Non-IP values (FC WWNs, hostnames) are lowercased as-is.
func normalizeAddr(s string) string {
	if s == "" {
		return ""
	}
	host, zone, _ := strings.Cut(s, "%")
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return strings.ToLower(s)
	}
	addr = addr.Unmap()
	if zone != "" {
		return addr.String() + "%" + zone
	}
	return addr.String()
}
