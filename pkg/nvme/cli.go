package nvme

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fabricd/fabricd/pkg/log"
	"github.com/fabricd/fabricd/pkg/types"
)

const (
	defaultBinary      = "nvme"
	defaultSysfsRoot   = "/sys/class/nvme"
	defaultFabricsPath = "/dev/nvme-fabrics"

	// Ceilings on individual nvme-cli invocations. A connect to an
	// unreachable target can otherwise block for the full kernel timeout
	// and stall the worker slot.
	connectTimeout    = 60 * time.Second
	disconnectTimeout = 30 * time.Second
	discoverTimeout   = 30 * time.Second
	registerTimeout   = 15 * time.Second
)

// Config holds the paths used to reach the kernel NVMe plumbing. Zero
// values select the standard locations.
type Config struct {
	Binary      string
	SysfsRoot   string
	FabricsPath string
}

// CLI implements Client by shelling out to nvme-cli and reading sysfs.
type CLI struct {
	binary      string
	sysfsRoot   string
	fabricsPath string
	logger      zerolog.Logger

	probeOnce sync.Once
	options   Options
}

var _ Client = (*CLI)(nil)

// NewCLI creates a Client backed by the nvme-cli executable.
func NewCLI(cfg Config) *CLI {
	if cfg.Binary == "" {
		cfg.Binary = defaultBinary
	}
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = defaultSysfsRoot
	}
	if cfg.FabricsPath == "" {
		cfg.FabricsPath = defaultFabricsPath
	}
	return &CLI{
		binary:      cfg.Binary,
		sysfsRoot:   cfg.SysfsRoot,
		fabricsPath: cfg.FabricsPath,
		logger:      log.WithComponent("nvme"),
	}
}

// Connect establishes a fabric connection and returns the kernel device
// name. The kernel-side ctrl-loss-tmo is forced to 0 so the kernel never
// retries on its own; reconnects are driven from here.
func (c *CLI) Connect(ctx context.Context, tid types.TID, params types.ConnectParams) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	out, err := c.run(ctx, connectArgs(tid, params)...)
	if err != nil {
		if !strings.Contains(out, "already connected") {
			return "", fmt.Errorf("failed to connect to %s: %v, output: %s", tid, err, strings.TrimSpace(out))
		}
		// The kernel holds this connection already, made either by a
		// previous incarnation of the daemon or by hand. Reuse it.
		c.logger.Debug().Str("tid", tid.String()).Msg("target already connected, reusing existing device")
	} else if device := deviceFromOutput(out); device != "" {
		return device, nil
	}

	// Older nvme-cli versions print nothing parseable on success, and the
	// already-connected path never names the device. Find it in sysfs.
	device, err := c.findDevice(ctx, tid)
	if err != nil {
		return "", fmt.Errorf("connected to %s but could not locate its device: %v", tid, err)
	}
	return device, nil
}

// Disconnect tears down the named controller device.
func (c *CLI) Disconnect(ctx context.Context, device string) error {
	ctx, cancel := context.WithTimeout(ctx, disconnectTimeout)
	defer cancel()

	out, err := c.run(ctx, "disconnect", "--device", device)
	if err != nil {
		if strings.Contains(out, "No subsystems") || strings.Contains(out, "not found") {
			c.logger.Debug().Str("device", device).Msg("device already disconnected")
			return nil
		}
		return fmt.Errorf("failed to disconnect %s: %v, output: %s", device, err, strings.TrimSpace(out))
	}
	return nil
}

// DiscoverLogPage retrieves the discovery log page through an existing
// discovery controller device, so the persistent connection is reused
// instead of a throwaway one being created.
func (c *CLI) DiscoverLogPage(ctx context.Context, device string, tid types.TID) ([]types.DLPE, error) {
	ctx, cancel := context.WithTimeout(ctx, discoverTimeout)
	defer cancel()

	args := []string{"discover", "--device", device, "--output-format", "json"}
	args = appendTransportArgs(args, tid)

	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get log page from %s: %v, output: %s", device, err, strings.TrimSpace(out))
	}

	entries, err := parseDiscoverOutput(out)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log page from %s: %v", device, err)
	}
	return entries, nil
}

// Register sends a DIM registration through the named discovery controller
// device.
func (c *CLI) Register(ctx context.Context, device string, symname string) error {
	ctx, cancel := context.WithTimeout(ctx, registerTimeout)
	defer cancel()

	c.logger.Debug().Str("device", device).Str("symname", symname).Msg("registering with discovery controller")
	out, err := c.run(ctx, "dim", "--task", "register", "--device", devPath(device))
	if err != nil {
		return fmt.Errorf("failed to register with %s: %v, output: %s", device, err, strings.TrimSpace(out))
	}
	return nil
}

// run executes one nvme-cli command and returns its combined output.
func (c *CLI) run(ctx context.Context, args ...string) (string, error) {
	c.logger.Debug().Str("cmd", c.binary+" "+strings.Join(args, " ")).Msg("exec")
	cmd := exec.CommandContext(ctx, c.binary, args...)
	out, err := cmd.CombinedOutput()
	return string(out), err
}

// connectArgs builds the nvme connect invocation for a target. TID fields
// that are empty are omitted so the kernel applies its defaults.
func connectArgs(tid types.TID, params types.ConnectParams) []string {
	args := []string{"connect", "-t", string(tid.Transport)}
	if tid.TrAddr != "" {
		args = append(args, "-a", tid.TrAddr)
	}
	if tid.TrSvcID != "" {
		args = append(args, "-s", tid.TrSvcID)
	}
	if tid.SubsysNQN != "" {
		args = append(args, "-n", tid.SubsysNQN)
	}
	if tid.HostTrAddr != "" {
		args = append(args, "--host-traddr", tid.HostTrAddr)
	}
	if tid.HostIface != "" {
		args = append(args, "--host-iface", tid.HostIface)
	}
	if tid.HostNQN != "" {
		args = append(args, "--hostnqn", tid.HostNQN)
	}
	if tid.HostID != "" {
		args = append(args, "--hostid", tid.HostID)
	}

	// The daemon owns the retry loop. With a kernel-side ctrl-loss-tmo the
	// device would linger in a reconnecting state instead of being
	// removed, and both ends would retry.
	args = append(args, "--ctrl-loss-tmo", "0")

	if params.KATO > 0 {
		args = append(args, "--keep-alive-tmo", strconv.Itoa(int(params.KATO/time.Second)))
	}
	if params.QueueSize > 0 {
		args = append(args, "--queue-size", strconv.Itoa(params.QueueSize))
	}
	if params.NrIOQueues > 0 {
		args = append(args, "--nr-io-queues", strconv.Itoa(params.NrIOQueues))
	}
	if params.NrWriteQueues > 0 {
		args = append(args, "--nr-write-queues", strconv.Itoa(params.NrWriteQueues))
	}
	if params.NrPollQueues > 0 {
		args = append(args, "--nr-poll-queues", strconv.Itoa(params.NrPollQueues))
	}
	if params.HdrDigest {
		args = append(args, "--hdr-digest")
	}
	if params.DataDigest {
		args = append(args, "--data-digest")
	}
	if params.DisableSQFlow {
		args = append(args, "--disable-sqflow")
	}
	if params.DHCHAPSecret != "" {
		args = append(args, "--dhchap-secret", params.DHCHAPSecret)
	}
	return args
}

// appendTransportArgs adds the transport coordinates of a TID so nvme-cli
// can pick the matching controller unambiguously.
func appendTransportArgs(args []string, tid types.TID) []string {
	args = append(args, "-t", string(tid.Transport))
	if tid.TrAddr != "" {
		args = append(args, "-a", tid.TrAddr)
	}
	if tid.TrSvcID != "" {
		args = append(args, "-s", tid.TrSvcID)
	}
	if tid.HostNQN != "" {
		args = append(args, "--hostnqn", tid.HostNQN)
	}
	if tid.HostID != "" {
		args = append(args, "--hostid", tid.HostID)
	}
	return args
}

// deviceFromOutput extracts the controller device name from nvme connect
// output. Recent nvme-cli prints {"device":"nvme3"}, older versions print
// "connecting to device: nvme3", and some print nothing at all.
func deviceFromOutput(out string) string {
	out = strings.TrimSpace(out)
	if strings.HasPrefix(out, "{") {
		var res struct {
			Device string `json:"device"`
		}
		if err := json.Unmarshal([]byte(out), &res); err == nil {
			return res.Device
		}
		return ""
	}
	for _, line := range strings.Split(out, "\n") {
		if _, rest, ok := strings.Cut(line, "device:"); ok {
			if device := strings.TrimSpace(rest); isControllerName(device) {
				return device
			}
		}
	}
	return ""
}

// discoverOutput is the JSON shape of nvme discover output.
type discoverOutput struct {
	Device  string       `json:"device"`
	GenCtr  uint64       `json:"genctr"`
	Records []types.DLPE `json:"records"`
}

// parseDiscoverOutput handles both the single-object form and the array
// form nvme-cli emits when a discovery request fans out.
func parseDiscoverOutput(out string) ([]types.DLPE, error) {
	out = strings.TrimSpace(out)
	if out == "" {
		return nil, nil
	}

	if strings.HasPrefix(out, "[") {
		var pages []discoverOutput
		if err := json.Unmarshal([]byte(out), &pages); err != nil {
			return nil, err
		}
		var entries []types.DLPE
		for _, page := range pages {
			entries = append(entries, page.Records...)
		}
		return entries, nil
	}

	var page discoverOutput
	if err := json.Unmarshal([]byte(out), &page); err != nil {
		return nil, err
	}
	return page.Records, nil
}

func devPath(device string) string {
	if strings.HasPrefix(device, "/dev/") {
		return device
	}
	return "/dev/" + device
}
