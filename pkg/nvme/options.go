package nvme

import (
	"bufio"
	"os"
	"strings"
)

// SupportsOptions probes /dev/nvme-fabrics once and caches the result. The
// device lists every option the kernel accepts on a connect write; kernels
// too old to expose a readable file get the conservative answer.
func (c *CLI) SupportsOptions() Options {
	c.probeOnce.Do(func() {
		c.options = probeOptions(c.fabricsPath)
		c.logger.Info().
			Bool("host_iface", c.options.HostIface).
			Bool("unique_discovery_nqn", c.options.UniqueDiscoveryNQN).
			Msg("kernel fabric options")
	})
	return c.options
}

func probeOptions(path string) Options {
	f, err := os.Open(path)
	if err != nil {
		return Options{}
	}
	defer f.Close()

	line, err := bufio.NewReader(f).ReadString('\n')
	if line == "" && err != nil {
		return Options{}
	}

	var opts Options
	for _, token := range strings.Split(strings.TrimSpace(line), ",") {
		key, _, _ := strings.Cut(token, "=")
		switch strings.TrimSpace(key) {
		case "host_iface":
			opts.HostIface = true
		case "discovery":
			opts.UniqueDiscoveryNQN = true
		}
	}
	return opts
}
