package nvme

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fabricd/fabricd/pkg/types"
)

// Snapshot walks /sys/class/nvme and returns every controller the kernel
// currently holds. A missing class directory means the nvme modules are
// not loaded and yields an empty snapshot.
func (c *CLI) Snapshot(context.Context) ([]types.KernelController, error) {
	entries, err := os.ReadDir(c.sysfsRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read %s: %v", c.sysfsRoot, err)
	}

	var controllers []types.KernelController
	for _, entry := range entries {
		name := entry.Name()
		if !isControllerName(name) {
			continue
		}
		kc, err := c.readController(name)
		if err != nil {
			// Controllers can vanish between the directory listing and
			// the attribute reads.
			c.logger.Debug().Str("device", name).Err(err).Msg("skipping unreadable controller")
			continue
		}
		controllers = append(controllers, kc)
	}
	return controllers, nil
}

// readController rebuilds one controller record from its sysfs attributes.
func (c *CLI) readController(name string) (types.KernelController, error) {
	dir := filepath.Join(c.sysfsRoot, name)

	transport, err := readAttr(filepath.Join(dir, "transport"))
	if err != nil {
		return types.KernelController{}, err
	}

	address, _ := readAttr(filepath.Join(dir, "address"))
	subsysnqn, _ := readAttr(filepath.Join(dir, "subsysnqn"))
	cntrltype, _ := readAttr(filepath.Join(dir, "cntrltype"))
	state, _ := readAttr(filepath.Join(dir, "state"))

	addr := parseAddress(address)
	tid := types.TID{
		Transport:  types.Transport(strings.ToLower(transport)),
		TrAddr:     addr["traddr"],
		TrSvcID:    addr["trsvcid"],
		SubsysNQN:  subsysnqn,
		HostTrAddr: addr["host_traddr"],
		HostIface:  addr["host_iface"],
	}

	return types.KernelController{
		Device: name,
		TID:    tid,
		Kind:   classify(dir, name, subsysnqn, cntrltype),
		State:  state,
	}, nil
}

// classify decides whether a controller is a discovery or an I/O
// controller. Kernels before 5.18 do not expose cntrltype; for those,
// discovery controllers are recognized by having no namespaces.
func classify(dir, name, subsysnqn, cntrltype string) types.ControllerKind {
	switch {
	case subsysnqn == types.WellKnownDiscoveryNQN:
		return types.KindDiscovery
	case cntrltype == "discovery":
		return types.KindDiscovery
	case cntrltype == "io":
		return types.KindIO
	case cntrltype == "":
		if !hasNamespaces(dir, name) {
			return types.KindDiscovery
		}
	}
	return types.KindIO
}

// hasNamespaces reports whether the controller directory contains any
// namespace entries ("nvme0n1", or "nvme0c0n1" under native multipath).
func hasNamespaces(dir, ctrl string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		name := entry.Name()
		if len(name) <= len(ctrl) || !strings.HasPrefix(name, ctrl) {
			continue
		}
		switch name[len(ctrl)] {
		case 'n', 'c':
			return true
		}
	}
	return false
}

// findDevice locates the kernel device holding a connection to the target.
func (c *CLI) findDevice(ctx context.Context, tid types.TID) (string, error) {
	controllers, err := c.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	for _, kc := range controllers {
		if kc.TID.Matches(tid) {
			return kc.Device, nil
		}
	}
	return "", fmt.Errorf("no controller device for %s", tid)
}

// readAttr reads one sysfs attribute. The kernel reports unset values as
// "none"; those map to empty.
func readAttr(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	value := strings.TrimSpace(string(data))
	if strings.EqualFold(value, "none") {
		return "", nil
	}
	return value, nil
}

// parseAddress splits the sysfs address attribute, a comma-separated list
// of key=value pairs such as
// "traddr=192.168.1.9,trsvcid=8009,host_iface=eth0".
func parseAddress(address string) map[string]string {
	fields := make(map[string]string)
	for _, part := range strings.Split(address, ",") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if strings.EqualFold(value, "none") {
			value = ""
		}
		fields[strings.TrimSpace(key)] = value
	}
	return fields
}

// isControllerName reports whether a sysfs entry names a controller
// ("nvme0") rather than a namespace or an unrelated file.
func isControllerName(name string) bool {
	if !strings.HasPrefix(name, "nvme") {
		return false
	}
	digits := name[len("nvme"):]
	if digits == "" {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
