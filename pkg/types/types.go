package types

import (
	"time"
)

// WellKnownDiscoveryNQN is the NQN that every Discovery Controller answers
// to. Controllers implementing TP8013 additionally advertise a unique NQN;
// both name the same endpoint.
const WellKnownDiscoveryNQN = "nqn.2014-08.org.nvmexpress.discovery"

// Transport identifies the fabric transport of a connection
type Transport string

const (
	TransportTCP  Transport = "tcp"
	TransportRDMA Transport = "rdma"
	TransportFC   Transport = "fc"
	TransportLoop Transport = "loop"

	// TransportPCIe appears in kernel snapshots for local controllers.
	// Never created by this daemon and never audited.
	TransportPCIe Transport = "pcie"
)

// Fabric reports whether the transport is a fabric type this daemon manages
func (t Transport) Fabric() bool {
	switch t {
	case TransportTCP, TransportRDMA, TransportFC, TransportLoop:
		return true
	}
	return false
}

// ControllerKind distinguishes discovery from I/O controllers
type ControllerKind string

const (
	KindDiscovery ControllerKind = "dc"
	KindIO        ControllerKind = "ioc"
)

// State represents the lifecycle state of a controller record
type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateRetryWait     State = "retry-wait"
	StateDisconnecting State = "disconnecting"

	// Terminal states. Failed means ctrl-loss-tmo expired, Suspended means
	// the NCC give-up fired, Invalid means the record can never connect.
	StateFailed    State = "failed"
	StateSuspended State = "suspended"
	StateInvalid   State = "invalid"
)

// Terminal reports whether no further transitions happen without an
// external trigger
func (s State) Terminal() bool {
	return s == StateFailed || s == StateSuspended || s == StateInvalid
}

// Origin records what placed a discovery controller in desired state
type Origin string

const (
	OriginConfigured Origin = "configured"
	OriginDiscovered Origin = "discovered"
	OriginReferral   Origin = "referral"
)

// ConnectParams are the per-connection options handed to the NVMe executor.
// The daemon owns retry behavior, so the kernel-side ctrl-loss-tmo is always
// forced to 0 by the executor regardless of RetryPolicy.
type ConnectParams struct {
	KATO          time.Duration // 0 = transport default
	QueueSize     int
	NrIOQueues    int
	NrWriteQueues int
	NrPollQueues  int
	HdrDigest     bool
	DataDigest    bool
	DisableSQFlow bool
	DHCHAPSecret  string
}

// RetryPolicy bounds the daemon-side reconnect loop of one controller
type RetryPolicy struct {
	// ReconnectDelay is the wait between attempts while in retry-wait.
	ReconnectDelay time.Duration

	// CtrlLossTimeout bounds cumulative retrying: -1 unbounded, 0 no retry,
	// >0 gives up (state failed) once that much time has passed since the
	// bound started counting.
	CtrlLossTimeout time.Duration

	// ConnectAttemptsOnNCC enables NCC-aware give-up when > 0. Values 1..2
	// behave as 2; the first attempt alone is never trusted to prove the
	// subsystem unreachable.
	ConnectAttemptsOnNCC int
}

// Unbounded reports whether retrying never gives up
func (p RetryPolicy) Unbounded() bool { return p.CtrlLossTimeout < 0 }

// EffectiveNCCAttempts applies the minimum of 2 when the knob is enabled
func (p RetryPolicy) EffectiveNCCAttempts() int {
	if p.ConnectAttemptsOnNCC <= 0 {
		return 0
	}
	if p.ConnectAttemptsOnNCC < 2 {
		return 2
	}
	return p.ConnectAttemptsOnNCC
}

// DLPE is one discovery log page entry as reported by a Discovery
// Controller. Field names and JSON tags follow the nvme-cli JSON output.
type DLPE struct {
	TrType  string `json:"trtype"`
	AdrFam  string `json:"adrfam"`
	TrAddr  string `json:"traddr"`
	TrSvcID string `json:"trsvcid"`
	SubType string `json:"subtype"`
	SubNQN  string `json:"subnqn"`
	Treq    string `json:"treq"`
	PortID  uint16 `json:"portid"`
	CntlID  uint16 `json:"cntlid"`
	ASQSz   uint16 `json:"asqsz"`
	EFlags  uint16 `json:"eflags"`
}

// DLPE EFLAGS bits
const (
	EFlagDupRetInfo uint16 = 1 << 0
	EFlagEPCSD      uint16 = 1 << 1
	EFlagNCC        uint16 = 1 << 2
)

// NCC reports the "Not Connected to CDC" bit
func (e DLPE) NCC() bool { return e.EFlags&EFlagNCC != 0 }

// Referral reports whether the entry names another discovery subsystem
// rather than an I/O subsystem
func (e DLPE) Referral() bool {
	return e.SubType == "discovery subsystem" || e.SubNQN == WellKnownDiscoveryNQN
}

// Usable reports whether the entry carries an address a connection could be
// made to. Zero addresses show up in log pages from controllers that have
// not learned their own address yet.
func (e DLPE) Usable() bool {
	switch e.TrAddr {
	case "", "0.0.0.0", "::":
		return false
	}
	return true
}

// Key returns a stable identity for diffing two cache generations
func (e DLPE) Key() string {
	return e.TrType + "\x00" + e.TrAddr + "\x00" + e.TrSvcID + "\x00" + e.SubNQN
}

// KernelController is one entry of a kernel connection snapshot: a
// controller device currently known to the kernel, with the attributes
// needed to rebuild its TID.
type KernelController struct {
	Device string // e.g. "nvme3"
	TID    TID
	Kind   ControllerKind
	State  string // sysfs "state" attr: live, connecting, deleting, ...
}
