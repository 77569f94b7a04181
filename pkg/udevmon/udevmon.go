package udevmon

import (
	"fmt"
	"sync"
	"time"

	"github.com/pilebones/go-udev/netlink"
	"github.com/rs/zerolog"

	"github.com/fabricd/fabricd/pkg/log"
	"github.com/fabricd/fabricd/pkg/metrics"
)

const (
	// rawQueueSize buffers uevents between the netlink reader and the
	// handler so a burst of device churn does not drop events.
	rawQueueSize = 64

	// reconnectDelay is the wait before re-opening the netlink socket
	// after a monitor error.
	reconnectDelay = 5 * time.Second
)

// Config holds monitor configuration.
type Config struct {
	// SysfsRoot overrides /sys/class/nvme, for tests.
	SysfsRoot string

	// OnEvent receives every classified event. It runs on the monitor
	// goroutine; implementations post to the event loop and return.
	OnEvent func(Event)
}

// Monitor watches the kernel uevent stream for NVMe controller devices.
type Monitor struct {
	cfg    Config
	logger zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMonitor creates a monitor. Start must be called before any events are
// delivered.
func NewMonitor(cfg Config) *Monitor {
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = defaultSysfsRoot
	}
	return &Monitor{
		cfg:    cfg,
		logger: log.WithComponent("udevmon"),
		stopCh: make(chan struct{}),
	}
}

// Start connects to the uevent netlink socket and begins delivering
// events. The initial connect is synchronous so a host without netlink
// support fails loudly; later socket errors reconnect in the background.
func (m *Monitor) Start() error {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return fmt.Errorf("udevmon: failed to connect netlink socket: %w", err)
	}

	m.wg.Add(1)
	go m.run(conn)
	return nil
}

// Stop shuts the monitor down. No callbacks fire after Stop returns.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// run consumes one netlink connection until it fails or the monitor stops,
// then reconnects. conn is nil on reconnect iterations.
func (m *Monitor) run(conn *netlink.UEventConn) {
	defer m.wg.Done()

	for {
		if conn == nil {
			conn = new(netlink.UEventConn)
			if err := conn.Connect(netlink.UdevEvent); err != nil {
				m.logger.Warn().Err(err).Msg("netlink reconnect failed")
				conn = nil
				select {
				case <-time.After(reconnectDelay):
					continue
				case <-m.stopCh:
					return
				}
			}
			m.logger.Info().Msg("netlink socket re-established")
		}

		if done := m.consume(conn); done {
			return
		}
		conn = nil

		select {
		case <-time.After(reconnectDelay):
		case <-m.stopCh:
			return
		}
	}
}

// consume reads events from one connection. Returns true when the monitor
// is stopping, false when the connection broke and a reconnect is wanted.
func (m *Monitor) consume(conn *netlink.UEventConn) bool {
	rawCh := make(chan netlink.UEvent, rawQueueSize)
	errCh := make(chan error, 1)
	matcher := &netlink.RuleDefinitions{
		Rules: []netlink.RuleDefinition{
			{Env: map[string]string{"SUBSYSTEM": "nvme"}},
		},
	}
	quit := conn.Monitor(rawCh, errCh, matcher)

	defer func() {
		select {
		case quit <- struct{}{}:
		default:
		}
		conn.Close()
	}()

	for {
		select {
		case <-m.stopCh:
			return true
		case raw := <-rawCh:
			m.handle(raw)
		case err := <-errCh:
			m.logger.Warn().Err(err).Msg("uevent monitor error, reconnecting")
			return false
		}
	}
}

func (m *Monitor) handle(raw netlink.UEvent) {
	ev, ok := parseUEvent(string(raw.Action), raw.KObj, raw.Env, m.cfg.SysfsRoot)
	if !ok {
		return
	}
	metrics.UeventsTotal.WithLabelValues(string(ev.Action)).Inc()
	m.logger.Debug().
		Str("action", string(ev.Action)).
		Str("device", ev.Device).
		Str("nvme_event", ev.NvmeEvent).
		Msg("uevent")
	if m.cfg.OnEvent != nil {
		m.cfg.OnEvent(ev)
	}
}
