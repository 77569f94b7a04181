package udevmon

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/fabricd/fabricd/pkg/types"
)

const defaultSysfsRoot = "/sys/class/nvme"

// Action classifies what happened to the device.
type Action string

const (
	ActionAdded   Action = "added"
	ActionRemoved Action = "removed"
	ActionChanged Action = "changed"
)

// Event is one classified kernel notification about an NVMe controller.
type Event struct {
	Action Action
	Device string // controller device name, e.g. "nvme3"

	// TID carries the identity reconstructed from the uevent environment
	// and sysfs. Sparse for remove events, where sysfs is already gone.
	TID types.TID

	// AEN is the asynchronous event notification result carried by a
	// change uevent, zero when none.
	AEN uint32

	// NvmeEvent is the NVME_EVENT marker the fabric drivers attach to
	// change uevents: "connected", "rediscover", ...
	NvmeEvent string
}

// controllerName matches controller devices ("nvme3") and rejects
// namespaces ("nvme3n1") and multipath path devices ("nvme3c2n1").
var controllerName = regexp.MustCompile(`^nvme\d+$`)

// parseUEvent turns one raw uevent into an Event. Uevents for namespaces
// and other non-controller kobjects report ok=false.
func parseUEvent(action, kobj string, env map[string]string, sysfsRoot string) (Event, bool) {
	device := env["DEVNAME"]
	if device == "" {
		device = filepath.Base(kobj)
	}
	device = strings.TrimPrefix(device, "/dev/")
	if !controllerName.MatchString(device) {
		return Event{}, false
	}

	ev := Event{Device: device, NvmeEvent: env["NVME_EVENT"]}
	switch action {
	case "add":
		ev.Action = ActionAdded
	case "remove":
		ev.Action = ActionRemoved
	case "change":
		ev.Action = ActionChanged
		ev.AEN = parseAEN(env["NVME_AEN"])
		// Some kernels report a lost connection as a change event.
		if ev.NvmeEvent == "removed" {
			ev.Action = ActionRemoved
		}
	default:
		return Event{}, false
	}

	if ev.Action != ActionRemoved {
		ev.TID = tidFromEnv(env, filepath.Join(sysfsRoot, device))
	}
	return ev, true
}

// parseAEN decodes the NVME_AEN value, a hex string like "0x70f002".
func parseAEN(s string) uint32 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 32)
	if err != nil {
		return 0
	}
	return uint32(v)
}

// tidFromEnv rebuilds the transport identity from the uevent environment,
// filling gaps from sysfs attributes. The fabric drivers publish the NVME_*
// keys on change events; add events from older kernels carry none, so the
// sysfs fallback does the whole job there.
func tidFromEnv(env map[string]string, sysfsDir string) types.TID {
	attr := func(envKey, attrName string) string {
		if v := cleanAttr(env[envKey]); v != "" {
			return v
		}
		return readSysfsAttr(filepath.Join(sysfsDir, attrName))
	}

	transport := attr("NVME_TRTYPE", "transport")
	traddr := attr("NVME_TRADDR", "address")
	trsvcid := cleanAttr(env["NVME_TRSVCID"])
	hostTraddr := cleanAttr(env["NVME_HOST_TRADDR"])
	hostIface := cleanAttr(env["NVME_HOST_IFACE"])

	// The sysfs address attribute packs everything into one line:
	// "traddr=192.168.1.7,trsvcid=8009,host_iface=eth0".
	if strings.Contains(traddr, "=") {
		kv := parseKVList(traddr)
		traddr = kv["traddr"]
		if trsvcid == "" {
			trsvcid = kv["trsvcid"]
		}
		if hostTraddr == "" {
			hostTraddr = kv["host_traddr"]
		}
		if hostIface == "" {
			hostIface = kv["host_iface"]
		}
	}

	return types.TID{
		Transport:  types.Transport(strings.ToLower(transport)),
		TrAddr:     traddr,
		TrSvcID:    trsvcid,
		SubsysNQN:  readSysfsAttr(filepath.Join(sysfsDir, "subsysnqn")),
		HostTrAddr: hostTraddr,
		HostIface:  hostIface,
	}
}

// Kind classifies the device the way the audit needs it, using the sysfs
// cntrltype attribute with the well-known NQN as the pre-5.18 fallback.
func Kind(tid types.TID, sysfsRoot, device string) types.ControllerKind {
	if tid.IsDiscovery() {
		return types.KindDiscovery
	}
	if readSysfsAttr(filepath.Join(sysfsRoot, device, "cntrltype")) == "discovery" {
		return types.KindDiscovery
	}
	return types.KindIO
}

func parseKVList(s string) map[string]string {
	kv := make(map[string]string)
	for _, token := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(token), "=")
		if !ok {
			continue
		}
		kv[key] = cleanAttr(value)
	}
	return kv
}

// cleanAttr normalizes the placeholder values the kernel reports for unset
// attributes.
func cleanAttr(v string) string {
	v = strings.TrimSpace(v)
	switch v {
	case "none", "<none>":
		return ""
	}
	return v
}

func readSysfsAttr(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return cleanAttr(string(data))
}
