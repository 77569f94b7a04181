package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabricd/fabricd/pkg/types"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fabricd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)

	assert.False(t, cfg.Global.Tron)
	assert.Equal(t, 30*time.Second, cfg.Global.KATO.Std())
	assert.Equal(t, 60*time.Second, cfg.Global.ReconnectDelay.Std())
	assert.Equal(t, 600*time.Second, cfg.Global.CtrlLossTimeout.Std())
	assert.Equal(t, IPv4And6, cfg.Global.IPFamily)
	assert.True(t, cfg.ZeroconfEnabled())
	assert.Equal(t, 72*time.Hour, cfg.Discovery.ZeroconfPersistence.Std())
	assert.Equal(t, ScopeOnlyManaged, cfg.IO.DisconnectScope)
	assert.Equal(t, []string{"tcp"}, cfg.IO.DisconnectTrTypes)
	assert.Empty(t, cfg.Controllers)
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
global:
  tron: true
  kato: 90
  queue-size: 128
  reconnect-delay: 10s
  ctrl-loss-tmo: -1
  ignore-iface: true
  ip-family: ipv4
  persistent-connections: true
  connect-attempts-on-ncc: 3
discovery:
  zeroconf: disabled
  zeroconf-connections-persistence: 24h
io:
  disconnect-scope: all-matching-transport-types
  disconnect-trtypes: [tcp, rdma]
controllers:
  - transport: tcp
    traddr: 100.94.0.40
    trsvcid: 8009
  - transport: tcp
    traddr: 100.94.0.41
    nqn: nqn.2024-01.io.fabricd:subsys-1
    dhchap-secret: "DHHC-1:00:AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh+KfiaR:"
exclude:
  - traddr: 100.94.0.9
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Global.Tron)
	assert.Equal(t, 90*time.Second, cfg.Global.KATO.Std())
	assert.Equal(t, 128, cfg.Global.QueueSize)
	assert.Equal(t, 10*time.Second, cfg.Global.ReconnectDelay.Std())
	assert.True(t, cfg.Global.CtrlLossTimeout.Std() < 0)
	assert.True(t, cfg.Global.IgnoreIface)
	assert.Equal(t, IPv4Only, cfg.Global.IPFamily)
	assert.True(t, cfg.Global.PersistentConnections)
	assert.Equal(t, 3, cfg.Global.ConnectAttemptsOnNCC)

	assert.False(t, cfg.ZeroconfEnabled())
	assert.Equal(t, 24*time.Hour, cfg.Discovery.ZeroconfPersistence.Std())

	assert.Equal(t, ScopeMatchingTransports, cfg.IO.DisconnectScope)
	assert.Equal(t, []string{"tcp", "rdma"}, cfg.IO.DisconnectTrTypes)

	require.Len(t, cfg.Controllers, 2)
	require.Len(t, cfg.Exclude, 1)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "bad ip-family",
			content: "global:\n  ip-family: ipv5\n",
			wantErr: "ip-family",
		},
		{
			name:    "bad zeroconf",
			content: "discovery:\n  zeroconf: maybe\n",
			wantErr: "zeroconf",
		},
		{
			name:    "bad disconnect-scope",
			content: "io:\n  disconnect-scope: everything\n",
			wantErr: "disconnect-scope",
		},
		{
			name:    "bad disconnect-trtypes",
			content: "io:\n  disconnect-trtypes: [pcie]\n",
			wantErr: "disconnect-trtypes",
		},
		{
			name:    "negative ncc attempts",
			content: "global:\n  connect-attempts-on-ncc: -1\n",
			wantErr: "connect-attempts-on-ncc",
		},
		{
			name:    "controller missing transport",
			content: "controllers:\n  - traddr: 1.2.3.4\n",
			wantErr: "controllers[0]",
		},
		{
			name:    "empty exclude entry",
			content: "exclude:\n  - host-traddr: 1.2.3.4\n",
			wantErr: "exclude[0]",
		},
		{
			name:    "malformed yaml",
			content: "global: [\n",
			wantErr: "failed to parse config",
		},
		{
			name:    "bad duration",
			content: "global:\n  kato: soon\n",
			wantErr: "invalid duration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestControllerTID(t *testing.T) {
	tests := []struct {
		name  string
		entry Controller
		want  types.TID
	}{
		{
			name:  "discovery entry defaults to well-known nqn and port",
			entry: Controller{Transport: "tcp", TrAddr: "100.94.0.40"},
			want: types.TID{
				Transport: types.TransportTCP,
				TrAddr:    "100.94.0.40",
				TrSvcID:   "8009",
				SubsysNQN: types.WellKnownDiscoveryNQN,
			},
		},
		{
			name: "nqn alias for subsysnqn",
			entry: Controller{
				Transport: "tcp",
				TrAddr:    "100.94.0.41",
				TrSvcID:   "4420",
				NQN:       "nqn.2024-01.io.fabricd:subsys-1",
			},
			want: types.TID{
				Transport: types.TransportTCP,
				TrAddr:    "100.94.0.41",
				TrSvcID:   "4420",
				SubsysNQN: "nqn.2024-01.io.fabricd:subsys-1",
			},
		},
		{
			name: "subsysnqn wins over alias",
			entry: Controller{
				Transport: "tcp",
				TrAddr:    "100.94.0.41",
				TrSvcID:   "4420",
				SubsysNQN: "nqn.2024-01.io.fabricd:a",
				NQN:       "nqn.2024-01.io.fabricd:b",
			},
			want: types.TID{
				Transport: types.TransportTCP,
				TrAddr:    "100.94.0.41",
				TrSvcID:   "4420",
				SubsysNQN: "nqn.2024-01.io.fabricd:a",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tid, err := tt.entry.TID()
			require.NoError(t, err)
			assert.Equal(t, tt.want, tid)
		})
	}
}

func TestExcluded(t *testing.T) {
	cfg := Default()
	cfg.Exclude = []Controller{
		{TrAddr: "100.94.0.9"},
		{Transport: "rdma", TrAddr: "10.0.0.1"},
	}

	tests := []struct {
		name string
		tid  types.TID
		want bool
	}{
		{
			name: "traddr-only pattern matches any transport",
			tid:  types.TID{Transport: types.TransportTCP, TrAddr: "100.94.0.9", TrSvcID: "8009"},
			want: true,
		},
		{
			name: "traddr matched with ip normalization",
			tid:  types.TID{Transport: types.TransportTCP, TrAddr: "::ffff:100.94.0.9", TrSvcID: "8009"},
			want: true,
		},
		{
			name: "transport-qualified pattern requires both",
			tid:  types.TID{Transport: types.TransportTCP, TrAddr: "10.0.0.1", TrSvcID: "4420"},
			want: false,
		},
		{
			name: "full match on transport-qualified pattern",
			tid:  types.TID{Transport: types.TransportRDMA, TrAddr: "10.0.0.1", TrSvcID: "4420"},
			want: true,
		},
		{
			name: "unrelated target not excluded",
			tid:  types.TID{Transport: types.TransportTCP, TrAddr: "100.94.0.40", TrSvcID: "8009"},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.Excluded(tt.tid))
		})
	}
}

func TestConnectParamsAndRetryPolicy(t *testing.T) {
	cfg := Default()
	cfg.Global.QueueSize = 64
	cfg.Global.HdrDigest = true
	cfg.Global.ConnectAttemptsOnNCC = 1

	params := cfg.ConnectParams(Controller{DHCHAPSecret: "DHHC-1:00:dGVzdA==:"})
	assert.Equal(t, 30*time.Second, params.KATO)
	assert.Equal(t, 64, params.QueueSize)
	assert.True(t, params.HdrDigest)
	assert.Equal(t, "DHHC-1:00:dGVzdA==:", params.DHCHAPSecret)

	policy := cfg.RetryPolicy()
	assert.Equal(t, 60*time.Second, policy.ReconnectDelay)
	assert.Equal(t, 600*time.Second, policy.CtrlLossTimeout)
	assert.False(t, policy.Unbounded())
	// A configured value of 1 is clamped to the minimum of 2.
	assert.Equal(t, 2, policy.EffectiveNCCAttempts())
}

func TestDurationForms(t *testing.T) {
	path := writeConfig(t, `
global:
  kato: 1.5
  reconnect-delay: 2m
  ctrl-loss-tmo: 0
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 1500*time.Millisecond, cfg.Global.KATO.Std())
	assert.Equal(t, 2*time.Minute, cfg.Global.ReconnectDelay.Std())
	assert.Equal(t, time.Duration(0), cfg.Global.CtrlLossTimeout.Std())
	assert.Equal(t, 0, cfg.Global.CtrlLossTimeout.Seconds())
}
