package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/fabricd/fabricd/pkg/types"
)

// DefaultProbeTimeout bounds one connection attempt. Discovery controllers
// answer their discovery port immediately when up; anything slower counts
// as unreachable.
const DefaultProbeTimeout = 5 * time.Second

// TCPChecker probes an endpoint by completing a TCP handshake and closing
// the connection. It sends no NVMe traffic, so the probe works against a
// controller the daemon holds no connection to.
type TCPChecker struct {
	// Address is host:port, e.g. "100.94.0.40:8009".
	Address string

	// Timeout bounds the connection attempt; DefaultProbeTimeout when zero.
	Timeout time.Duration
}

// NewTCPChecker creates a checker for the address.
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: DefaultProbeTimeout}
}

// ForTID creates a checker probing the transport address of a TCP target.
// Targets on other transports report nil; reachability of RDMA and FC
// endpoints cannot be judged from a TCP handshake.
func ForTID(tid types.TID) *TCPChecker {
	if tid.Transport != types.TransportTCP || tid.TrAddr == "" || tid.TrSvcID == "" {
		return nil
	}
	return NewTCPChecker(net.JoinHostPort(tid.TrAddr, tid.TrSvcID))
}

// Check performs the probe.
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}

	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return Result{
			Reachable: false,
			Message:   fmt.Sprintf("connection failed: %v", err),
			CheckedAt: start,
			Duration:  time.Since(start),
		}
	}
	conn.Close()

	return Result{
		Reachable: true,
		Message:   fmt.Sprintf("endpoint %s reachable", t.Address),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
