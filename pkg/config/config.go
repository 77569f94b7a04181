package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fabricd/fabricd/pkg/security"
	"github.com/fabricd/fabricd/pkg/types"
)

// DefaultPath is where the daemon looks for its configuration file.
const DefaultPath = "/etc/fabricd/fabricd.yaml"

// Disconnect scopes accepted by io.disconnect-scope.
const (
	ScopeOnlyManaged        = "only-managed"
	ScopeMatchingTransports = "all-matching-transport-types"
	ScopeNoDisconnect       = "no-disconnect"
)

// IP family filters accepted by global.ip-family.
const (
	IPv4Only = "ipv4"
	IPv6Only = "ipv6"
	IPv4And6 = "ipv4+ipv6"
)

// Config is the daemon configuration, loaded once and treated as
// immutable. Reload builds a fresh Config and swaps it wholesale.
type Config struct {
	Global      Global       `yaml:"global"`
	Host        Host         `yaml:"host"`
	Discovery   Discovery    `yaml:"discovery"`
	IO          IO           `yaml:"io"`
	Controllers []Controller `yaml:"controllers"`
	Exclude     []Controller `yaml:"exclude"`
}

// Global holds connection parameters applied to every controller.
type Global struct {
	Tron                  bool     `yaml:"tron"`
	KATO                  Duration `yaml:"kato"`
	QueueSize             int      `yaml:"queue-size"`
	NrIOQueues            int      `yaml:"nr-io-queues"`
	NrWriteQueues         int      `yaml:"nr-write-queues"`
	NrPollQueues          int      `yaml:"nr-poll-queues"`
	HdrDigest             bool     `yaml:"hdr-digest"`
	DataDigest            bool     `yaml:"data-digest"`
	DisableSQFlow         bool     `yaml:"disable-sqflow"`
	ReconnectDelay        Duration `yaml:"reconnect-delay"`
	CtrlLossTimeout       Duration `yaml:"ctrl-loss-tmo"` // negative = unbounded, 0 = no retry
	IgnoreIface           bool     `yaml:"ignore-iface"`
	IPFamily              string   `yaml:"ip-family"`
	PersistentConnections bool     `yaml:"persistent-connections"`
	ConnectAttemptsOnNCC  int      `yaml:"connect-attempts-on-ncc"`
}

// Host configures the NVMe host identity. Values starting with file://
// are read from the named file at resolution time.
type Host struct {
	NQN     string `yaml:"nqn"`
	ID      string `yaml:"id"`
	Symname string `yaml:"symname"`
}

// Discovery holds knobs for zeroconf-driven discovery controllers.
type Discovery struct {
	Zeroconf            string   `yaml:"zeroconf"` // enabled | disabled
	ZeroconfPersistence Duration `yaml:"zeroconf-connections-persistence"`
}

// IO holds the audit policy for I/O controllers.
type IO struct {
	DisconnectScope   string   `yaml:"disconnect-scope"`
	DisconnectTrTypes []string `yaml:"disconnect-trtypes"`
}

// Controller is one static controller or exclude entry. nqn is accepted
// as an alias for subsysnqn.
type Controller struct {
	Transport    string `yaml:"transport"`
	TrAddr       string `yaml:"traddr"`
	TrSvcID      string `yaml:"trsvcid"`
	SubsysNQN    string `yaml:"subsysnqn"`
	NQN          string `yaml:"nqn"`
	HostTrAddr   string `yaml:"host-traddr"`
	HostIface    string `yaml:"host-iface"`
	HostNQN      string `yaml:"host-nqn"`
	HostID       string `yaml:"host-id"`
	DHCHAPSecret string `yaml:"dhchap-secret"`
}

// Default returns a Config carrying the daemon defaults
func Default() *Config {
	return &Config{
		Global: Global{
			KATO:            Duration(30 * time.Second),
			ReconnectDelay:  Duration(60 * time.Second),
			CtrlLossTimeout: Duration(600 * time.Second),
			IPFamily:        IPv4And6,
		},
		Host: Host{
			NQN: "file:///etc/nvme/hostnqn",
			ID:  "file:///etc/nvme/hostid",
		},
		Discovery: Discovery{
			Zeroconf:            "enabled",
			ZeroconfPersistence: Duration(72 * time.Hour),
		},
		IO: IO{
			DisconnectScope:   ScopeOnlyManaged,
			DisconnectTrTypes: []string{"tcp"},
		},
	}
}

// Load reads the configuration file at path, layering it over the
// defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %v", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks knob values and that every controller and exclude
// entry yields a usable TID
func (c *Config) Validate() error {
	switch c.Global.IPFamily {
	case IPv4Only, IPv6Only, IPv4And6:
	default:
		return fmt.Errorf("config: invalid ip-family %q", c.Global.IPFamily)
	}

	switch c.Discovery.Zeroconf {
	case "enabled", "disabled":
	default:
		return fmt.Errorf("config: invalid zeroconf %q", c.Discovery.Zeroconf)
	}

	switch c.IO.DisconnectScope {
	case ScopeOnlyManaged, ScopeMatchingTransports, ScopeNoDisconnect:
	default:
		return fmt.Errorf("config: invalid disconnect-scope %q", c.IO.DisconnectScope)
	}

	for _, trtype := range c.IO.DisconnectTrTypes {
		if !types.Transport(trtype).Fabric() {
			return fmt.Errorf("config: invalid disconnect-trtypes entry %q", trtype)
		}
	}

	if c.Global.ConnectAttemptsOnNCC < 0 {
		return fmt.Errorf("config: connect-attempts-on-ncc must not be negative")
	}

	for i, entry := range c.Controllers {
		if _, err := entry.TID(); err != nil {
			return fmt.Errorf("config: controllers[%d]: %v", i, err)
		}
		if entry.DHCHAPSecret != "" {
			if err := security.ValidateDHCHAPSecret(entry.DHCHAPSecret); err != nil {
				return fmt.Errorf("config: controllers[%d]: %v", i, err)
			}
		}
	}
	for i, entry := range c.Exclude {
		if entry.Transport == "" && entry.TrAddr == "" && entry.TrSvcID == "" &&
			entry.SubsysNQN == "" && entry.NQN == "" && entry.HostIface == "" &&
			entry.HostNQN == "" {
			return fmt.Errorf("config: exclude[%d]: empty entry would exclude everything", i)
		}
	}

	return nil
}

// Excluded reports whether tid matches any exclude entry
func (c *Config) Excluded(tid types.TID) bool {
	for _, e := range c.Exclude {
		if e.excludes(tid) {
			return true
		}
	}
	return false
}

// ZeroconfEnabled reports whether mDNS discovery is on
func (c *Config) ZeroconfEnabled() bool {
	return c.Discovery.Zeroconf == "enabled"
}

// ConnectParams assembles the connection parameters for one controller
// entry from the global knobs plus the entry's own secret.
func (c *Config) ConnectParams(entry Controller) types.ConnectParams {
	return types.ConnectParams{
		KATO:          c.Global.KATO.Std(),
		QueueSize:     c.Global.QueueSize,
		NrIOQueues:    c.Global.NrIOQueues,
		NrWriteQueues: c.Global.NrWriteQueues,
		NrPollQueues:  c.Global.NrPollQueues,
		HdrDigest:     c.Global.HdrDigest,
		DataDigest:    c.Global.DataDigest,
		DisableSQFlow: c.Global.DisableSQFlow,
		DHCHAPSecret:  entry.DHCHAPSecret,
	}
}

// RetryPolicy assembles the retry knobs shared by every controller
func (c *Config) RetryPolicy() types.RetryPolicy {
	return types.RetryPolicy{
		ReconnectDelay:       c.Global.ReconnectDelay.Std(),
		CtrlLossTimeout:      c.Global.CtrlLossTimeout.Std(),
		ConnectAttemptsOnNCC: c.Global.ConnectAttemptsOnNCC,
	}
}

// TID builds the transport identifier for this entry. An entry with no
// subsystem NQN at all is a discovery controller and gets the well-known
// discovery NQN.
func (e Controller) TID() (types.TID, error) {
	fields := e.fields()
	if fields[types.FieldSubsysNQN] == "" && fields[types.FieldNQN] == "" {
		fields[types.FieldSubsysNQN] = types.WellKnownDiscoveryNQN
	}
	return types.ParseTID(fields)
}

// excludes reports whether tid matches this entry as an exclusion
// pattern: every populated field must match, empty fields match anything.
// host-traddr is ignored so exclusion applies to the target regardless of
// the local route to it.
func (e Controller) excludes(tid types.TID) bool {
	if e.Transport != "" && !strings.EqualFold(e.Transport, string(tid.Transport)) {
		return false
	}
	if e.TrAddr != "" && !types.AddrEqual(e.TrAddr, tid.TrAddr) {
		return false
	}
	if e.TrSvcID != "" && e.TrSvcID != tid.TrSvcID {
		return false
	}
	nqn := e.SubsysNQN
	if nqn == "" {
		nqn = e.NQN
	}
	if nqn != "" && nqn != tid.SubsysNQN {
		return false
	}
	if e.HostIface != "" && e.HostIface != tid.HostIface {
		return false
	}
	if e.HostNQN != "" && e.HostNQN != tid.HostNQN {
		return false
	}
	return true
}

func (e Controller) fields() map[string]string {
	return map[string]string{
		types.FieldTransport:  e.Transport,
		types.FieldTrAddr:     e.TrAddr,
		types.FieldTrSvcID:    e.TrSvcID,
		types.FieldSubsysNQN:  e.SubsysNQN,
		types.FieldNQN:        e.NQN,
		types.FieldHostTrAddr: e.HostTrAddr,
		types.FieldHostIface:  e.HostIface,
		types.FieldHostNQN:    e.HostNQN,
		types.FieldHostID:     e.HostID,
	}
}
