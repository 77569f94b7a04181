package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseTID tests TID construction from raw fields
func TestParseTID(t *testing.T) {
	tests := []struct {
		name    string
		fields  map[string]string
		want    TID
		wantErr bool
	}{
		{
			name: "full tcp entry",
			fields: map[string]string{
				"transport":  "tcp",
				"traddr":     "100.94.0.40",
				"trsvcid":    "8009",
				"subsysnqn":  WellKnownDiscoveryNQN,
				"host-iface": "eth0",
			},
			want: TID{
				Transport: TransportTCP,
				TrAddr:    "100.94.0.40",
				TrSvcID:   "8009",
				SubsysNQN: WellKnownDiscoveryNQN,
				HostIface: "eth0",
			},
		},
		{
			name: "tcp trsvcid defaults to 8009",
			fields: map[string]string{
				"transport": "tcp",
				"traddr":    "10.0.0.1",
			},
			want: TID{Transport: TransportTCP, TrAddr: "10.0.0.1", TrSvcID: "8009"},
		},
		{
			name: "rdma trsvcid defaults to 4420",
			fields: map[string]string{
				"transport": "rdma",
				"traddr":    "10.0.0.1",
			},
			want: TID{Transport: TransportRDMA, TrAddr: "10.0.0.1", TrSvcID: "4420"},
		},
		{
			name: "nqn alias for subsysnqn",
			fields: map[string]string{
				"transport": "tcp",
				"traddr":    "10.0.0.1",
				"nqn":       "nqn.1988-11.com.dell:array:sub1",
			},
			want: TID{
				Transport: TransportTCP,
				TrAddr:    "10.0.0.1",
				TrSvcID:   "8009",
				SubsysNQN: "nqn.1988-11.com.dell:array:sub1",
			},
		},
		{
			name: "transport case and whitespace normalized",
			fields: map[string]string{
				"transport": " TCP ",
				"traddr":    " 10.0.0.1 ",
			},
			want: TID{Transport: TransportTCP, TrAddr: "10.0.0.1", TrSvcID: "8009"},
		},
		{
			name:    "missing transport",
			fields:  map[string]string{"traddr": "10.0.0.1"},
			wantErr: true,
		},
		{
			name:    "missing traddr",
			fields:  map[string]string{"transport": "tcp"},
			wantErr: true,
		},
		{
			name:    "invalid transport",
			fields:  map[string]string{"transport": "iwarp", "traddr": "10.0.0.1"},
			wantErr: true,
		},
		{
			name:   "loop needs no traddr",
			fields: map[string]string{"transport": "loop"},
			want:   TID{Transport: TransportLoop},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTID(tt.fields)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// TestTIDMatches tests the relaxed audit equality relation
func TestTIDMatches(t *testing.T) {
	base := TID{
		Transport: TransportTCP,
		TrAddr:    "192.168.1.20",
		TrSvcID:   "8009",
		SubsysNQN: WellKnownDiscoveryNQN,
	}

	tests := []struct {
		name string
		a    TID
		b    TID
		want bool
	}{
		{
			name: "identical",
			a:    base,
			b:    base,
			want: true,
		},
		{
			name: "kernel side missing host-iface still matches",
			a: TID{
				Transport: TransportTCP, TrAddr: "192.168.1.20", TrSvcID: "8009",
				SubsysNQN: WellKnownDiscoveryNQN, HostIface: "eth0",
			},
			b:    base,
			want: true,
		},
		{
			name: "different host-iface on both sides",
			a: TID{
				Transport: TransportTCP, TrAddr: "192.168.1.20", TrSvcID: "8009",
				SubsysNQN: WellKnownDiscoveryNQN, HostIface: "eth0",
			},
			b: TID{
				Transport: TransportTCP, TrAddr: "192.168.1.20", TrSvcID: "8009",
				SubsysNQN: WellKnownDiscoveryNQN, HostIface: "eth1",
			},
			want: false,
		},
		{
			name: "well-known NQN matches unique discovery NQN",
			a:    base,
			b: TID{
				Transport: TransportTCP, TrAddr: "192.168.1.20", TrSvcID: "8009",
				SubsysNQN: "nqn.1988-11.com.dell:PowerStore:00:cdc-1234",
			},
			want: true,
		},
		{
			name: "two distinct unique NQNs never match",
			a: TID{
				Transport: TransportTCP, TrAddr: "192.168.1.20", TrSvcID: "8009",
				SubsysNQN: "nqn.1988-11.com.dell:PowerStore:00:sub-a",
			},
			b: TID{
				Transport: TransportTCP, TrAddr: "192.168.1.20", TrSvcID: "8009",
				SubsysNQN: "nqn.1988-11.com.dell:PowerStore:00:sub-b",
			},
			want: false,
		},
		{
			name: "ipv4-mapped ipv6 traddr equals plain ipv4",
			a:    base,
			b: TID{
				Transport: TransportTCP, TrAddr: "::ffff:192.168.1.20", TrSvcID: "8009",
				SubsysNQN: WellKnownDiscoveryNQN,
			},
			want: true,
		},
		{
			name: "ipv6 case folding",
			a: TID{
				Transport: TransportTCP, TrAddr: "FE80::2", TrSvcID: "8009",
				SubsysNQN: WellKnownDiscoveryNQN,
			},
			b: TID{
				Transport: TransportTCP, TrAddr: "fe80::2", TrSvcID: "8009",
				SubsysNQN: WellKnownDiscoveryNQN,
			},
			want: true,
		},
		{
			name: "different transport",
			a:    base,
			b: TID{
				Transport: TransportRDMA, TrAddr: "192.168.1.20", TrSvcID: "8009",
				SubsysNQN: WellKnownDiscoveryNQN,
			},
			want: false,
		},
		{
			name: "different trsvcid",
			a:    base,
			b: TID{
				Transport: TransportTCP, TrAddr: "192.168.1.20", TrSvcID: "4420",
				SubsysNQN: WellKnownDiscoveryNQN,
			},
			want: false,
		},
		{
			name: "different traddr",
			a:    base,
			b: TID{
				Transport: TransportTCP, TrAddr: "192.168.1.21", TrSvcID: "8009",
				SubsysNQN: WellKnownDiscoveryNQN,
			},
			want: false,
		},
		{
			name: "host-traddr recorded on both sides must agree",
			a: TID{
				Transport: TransportTCP, TrAddr: "192.168.1.20", TrSvcID: "8009",
				SubsysNQN: WellKnownDiscoveryNQN, HostTrAddr: "192.168.1.10",
			},
			b: TID{
				Transport: TransportTCP, TrAddr: "192.168.1.20", TrSvcID: "8009",
				SubsysNQN: WellKnownDiscoveryNQN, HostTrAddr: "192.168.1.11",
			},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.a.Matches(tt.b))
			// The relation is symmetric.
			assert.Equal(t, tt.want, tt.b.Matches(tt.a))
		})
	}
}

// TestTIDKey tests canonical map-key behavior
func TestTIDKey(t *testing.T) {
	a := TID{Transport: TransportTCP, TrAddr: "::ffff:10.0.0.5", TrSvcID: "8009"}
	b := TID{Transport: TransportTCP, TrAddr: "10.0.0.5", TrSvcID: "8009"}
	assert.Equal(t, a.Key(), b.Key())

	c := TID{Transport: TransportTCP, TrAddr: "10.0.0.5", TrSvcID: "8009", HostIface: "eth0"}
	assert.NotEqual(t, b.Key(), c.Key(), "host-iface is part of strict identity")
}

// TestDLPEHelpers tests log page entry flag and address handling
func TestDLPEHelpers(t *testing.T) {
	tests := []struct {
		name     string
		entry    DLPE
		ncc      bool
		usable   bool
		referral bool
	}{
		{
			name: "plain io subsystem entry",
			entry: DLPE{
				TrType: "tcp", TrAddr: "10.0.0.7", TrSvcID: "4420",
				SubType: "nvme subsystem", SubNQN: "nqn.test:sub1",
			},
			usable: true,
		},
		{
			name: "ncc flag set",
			entry: DLPE{
				TrType: "tcp", TrAddr: "10.0.0.7", TrSvcID: "4420",
				SubType: "nvme subsystem", SubNQN: "nqn.test:sub1", EFlags: EFlagNCC,
			},
			ncc:    true,
			usable: true,
		},
		{
			name: "zero ipv4 address unusable",
			entry: DLPE{
				TrType: "tcp", TrAddr: "0.0.0.0", TrSvcID: "4420",
				SubType: "nvme subsystem", SubNQN: "nqn.test:sub1",
			},
			usable: false,
		},
		{
			name: "zero ipv6 address unusable",
			entry: DLPE{
				TrType: "tcp", TrAddr: "::", TrSvcID: "4420",
				SubType: "nvme subsystem", SubNQN: "nqn.test:sub1",
			},
			usable: false,
		},
		{
			name: "referral entry",
			entry: DLPE{
				TrType: "tcp", TrAddr: "10.0.0.9", TrSvcID: "8009",
				SubType: "discovery subsystem", SubNQN: WellKnownDiscoveryNQN,
			},
			usable:   true,
			referral: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ncc, tt.entry.NCC())
			assert.Equal(t, tt.usable, tt.entry.Usable())
			assert.Equal(t, tt.referral, tt.entry.Referral())
		})
	}
}

// TestRetryPolicy tests knob clamping
func TestRetryPolicy(t *testing.T) {
	assert.Equal(t, 0, RetryPolicy{ConnectAttemptsOnNCC: 0}.EffectiveNCCAttempts())
	assert.Equal(t, 2, RetryPolicy{ConnectAttemptsOnNCC: 1}.EffectiveNCCAttempts())
	assert.Equal(t, 2, RetryPolicy{ConnectAttemptsOnNCC: 2}.EffectiveNCCAttempts())
	assert.Equal(t, 5, RetryPolicy{ConnectAttemptsOnNCC: 5}.EffectiveNCCAttempts())

	assert.True(t, RetryPolicy{CtrlLossTimeout: -1}.Unbounded())
	assert.False(t, RetryPolicy{CtrlLossTimeout: 0}.Unbounded())
}
