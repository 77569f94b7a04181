package service

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fabricd/fabricd/pkg/clock"
	"github.com/fabricd/fabricd/pkg/config"
	"github.com/fabricd/fabricd/pkg/controller"
	"github.com/fabricd/fabricd/pkg/dbusapi"
	"github.com/fabricd/fabricd/pkg/dispatch"
	"github.com/fabricd/fabricd/pkg/events"
	"github.com/fabricd/fabricd/pkg/log"
	"github.com/fabricd/fabricd/pkg/mdns"
	"github.com/fabricd/fabricd/pkg/metrics"
	"github.com/fabricd/fabricd/pkg/nvme"
	"github.com/fabricd/fabricd/pkg/reconciler"
	"github.com/fabricd/fabricd/pkg/storage"
	"github.com/fabricd/fabricd/pkg/udevmon"
)

const (
	// configSoakDelay collapses bursts of configuration and discovery
	// changes into one audit pass.
	configSoakDelay = 1500 * time.Millisecond

	// zeroconfBurstSoakDelay replaces configSoakDelay while many mDNS
	// services are arriving at once, typically right after startup when
	// the first query round answers.
	zeroconfBurstSoakDelay = 10 * time.Second
	zeroconfBurstThreshold = 8

	// deviceAddSoakDelay soaks kernel device-add events before auditing.
	deviceAddSoakDelay = time.Second

	// disposalAuditInterval paces the sweep for defunct zeroconf
	// controllers and expired orphan connections.
	disposalAuditInterval = 30 * time.Second

	// shutdownTimeout bounds how long Stop waits for disconnects.
	shutdownTimeout = 30 * time.Second
)

// Config carries daemon construction parameters.
type Config struct {
	ConfigPath string
	DataDir    string
	Workers    int

	// Version is reported by ProcessInfo.
	Version string

	// Clock defaults to the real clock; tests inject a fake.
	Clock clock.Clock

	// Client defaults to the nvme-cli executor; tests inject a fake.
	Client nvme.Client
}

// orphan is an I/O target whose justifying zeroconf discovery controller
// disappeared. It stays in desired state until the persistence window
// closes on its last live moment.
type orphan struct {
	want  reconciler.Desired
	since time.Time
}

// Service is the daemon: it owns every component and runs until Stop.
type Service struct {
	cfgPath string
	version string
	logger  zerolog.Logger

	cfg      *config.Config
	identity config.Identity

	clk    clock.Clock
	d      *dispatch.Dispatcher
	client nvme.Client
	store  storage.Store
	broker *events.Broker
	rec    *reconciler.Reconciler

	// srcMu guards browser, which Reload (on the loop) and Stop (off it)
	// both start and stop.
	srcMu     sync.Mutex
	browser   *mdns.Browser
	monitor   *udevmon.Monitor
	dbus      *dbusapi.Server
	collector *metrics.Collector

	// Loop-confined state. Everything below is touched only from closures
	// running on the dispatcher.
	dcs       map[string]*controller.Dc
	iocs      map[string]*controller.Ioc
	zeroconf  map[string]mdns.Service // announcements by service identity
	orphans   map[string]orphan       // by TID key
	owned     map[string]bool         // kernel devices this daemon created
	disposals map[string]bool         // devices with an in-flight stray disconnect
	probing   map[string]bool         // DC keys with an in-flight reachability probe

	// warmCaches holds persisted log pages from the previous run. A new
	// discovery controller claims its entry as a provisional cache, so
	// connections derived from it survive the restart. Unclaimed entries
	// are inert: a cache only reaches desired state through a controller.
	warmCaches map[string]*storage.Record

	soakTimer     *dispatch.Timer
	addSoakTimer  *dispatch.Timer
	disposalTimer *dispatch.Timer
	zeroconfBurst int

	auditBusy    bool
	auditPending bool
	stopping     bool
}

// New loads configuration and host identity and assembles the daemon.
// Nothing connects until Start.
func New(cfg Config) (*Service, error) {
	fileCfg, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return nil, err
	}

	identity, err := fileCfg.Host.Resolve()
	if err != nil {
		return nil, fmt.Errorf("host identity: %v", err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real()
	}
	client := cfg.Client
	if client == nil {
		client = nvme.NewCLI(nvme.Config{})
	}

	dataDir := cfg.DataDir
	if dataDir == "" {
		dataDir = "/var/lib/fabricd"
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %v", err)
	}
	store, err := storage.NewBoltStore(dataDir)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfgPath:    cfg.ConfigPath,
		version:    cfg.Version,
		logger:     log.WithComponent("service"),
		cfg:        fileCfg,
		identity:   identity,
		clk:        clk,
		d:          dispatch.NewDispatcher(&dispatch.Config{Workers: cfg.Workers, Clock: clk}),
		client:     client,
		store:      store,
		broker:     events.NewBroker(),
		dcs:        make(map[string]*controller.Dc),
		iocs:       make(map[string]*controller.Ioc),
		zeroconf:   make(map[string]mdns.Service),
		orphans:    make(map[string]orphan),
		owned:      make(map[string]bool),
		disposals:  make(map[string]bool),
		probing:    make(map[string]bool),
		warmCaches: make(map[string]*storage.Record),
	}
	s.rec = reconciler.NewReconciler(reconciler.Config{
		Scope:             fileCfg.IO.DisconnectScope,
		DisconnectTrTypes: fileCfg.IO.DisconnectTrTypes,
	})
	s.dbus = dbusapi.NewServer(dbusapi.Config{Backend: s, Broker: s.broker})
	return s, nil
}

// Start brings the daemon up: event loop, persisted caches, metrics, the
// kernel uevent monitor, the mDNS browser, and the D-Bus name, then runs
// the first audit pass.
func (s *Service) Start() error {
	if err := s.startCore(); err != nil {
		return err
	}

	s.monitor = udevmon.NewMonitor(udevmon.Config{OnEvent: s.onUEvent})
	if err := s.monitor.Start(); err != nil {
		s.logger.Error().Err(err).Msg("kernel uevent monitoring unavailable, device loss detection degraded")
		s.monitor = nil
	}

	if s.cfg.ZeroconfEnabled() {
		s.startBrowser()
	}

	if err := s.dbus.Start(); err != nil {
		return err
	}

	s.logger.Info().
		Str("host_nqn", s.identity.NQN).
		Str("host_id", s.identity.ID).
		Msg("fabricd running")
	return nil
}

// startCore starts everything that has no external socket: the event loop,
// timers, the metrics collector, and the initial audit. Split out so tests
// can run the daemon without udev, mDNS, or a bus.
func (s *Service) startCore() error {
	if s.cfg.Global.Tron {
		log.SetTrace(true)
	}

	s.d.Start()
	s.broker.Start()

	s.soakTimer = s.d.NewTimer(configSoakDelay, func() { s.triggerAudit("soak expired") })
	s.addSoakTimer = s.d.NewTimer(deviceAddSoakDelay, func() { s.triggerAudit("device added") })
	s.disposalTimer = s.d.NewTimer(disposalAuditInterval, s.disposalAudit)

	s.loadWarmCaches()

	opts := s.client.SupportsOptions()
	if !opts.HostIface && !s.cfg.Global.IgnoreIface {
		s.logger.Warn().Msg("kernel lacks host_iface support, interface binding disabled")
	}

	s.collector = metrics.NewCollector(s)
	s.collector.Start()
	metrics.SetVersion(s.version)
	metrics.RegisterComponent("dispatcher", true, "")

	s.disposalTimer.Start()
	s.d.Submit(func() { s.triggerAudit("startup") })
	return nil
}

// loadWarmCaches reads every persisted log page cache so the first audit
// pass can seed discovery controllers with them. A store failure degrades
// to a cold start.
func (s *Service) loadWarmCaches() {
	keys, err := s.store.Keys()
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to enumerate persisted log pages, cold start")
		return
	}
	for _, key := range keys {
		rec, err := s.store.Load(key)
		if err != nil {
			continue
		}
		s.warmCaches[key] = rec
	}
	if len(s.warmCaches) > 0 {
		s.logger.Info().Int("caches", len(s.warmCaches)).Msg("restored log page caches from previous run")
	}
}

func (s *Service) startBrowser() {
	s.srcMu.Lock()
	defer s.srcMu.Unlock()
	if s.browser != nil {
		return
	}

	opts := s.client.SupportsOptions()
	browser := mdns.NewBrowser(mdns.Config{
		IPFamily:           s.cfg.Global.IPFamily,
		UniqueNQNSupported: opts.UniqueDiscoveryNQN,
		Clock:              s.clk,
		OnServiceAdded:     func(svc mdns.Service) { s.d.Submit(func() { s.serviceAdded(svc) }) },
		OnServiceRemoved:   func(svc mdns.Service) { s.d.Submit(func() { s.serviceRemoved(svc) }) },
	})
	if err := browser.Start(); err != nil {
		s.logger.Warn().Err(err).Msg("zeroconf browsing unavailable")
		return
	}
	s.browser = browser
}

func (s *Service) stopBrowser() {
	s.srcMu.Lock()
	browser := s.browser
	s.browser = nil
	s.srcMu.Unlock()
	if browser != nil {
		browser.Stop()
	}
}

// Stop shuts the daemon down. Unless persistent-connections is set, every
// managed connection is disconnected first.
func (s *Service) Stop() {
	// Quiesce external inputs before touching state.
	if s.monitor != nil {
		s.monitor.Stop()
	}
	s.stopBrowser()
	s.dbus.Stop()
	if s.collector != nil {
		s.collector.Stop()
	}

	done := make(chan struct{})
	s.d.Submit(func() {
		s.stopping = true
		s.soakTimer.Stop()
		s.addSoakTimer.Stop()
		s.disposalTimer.Stop()

		if s.cfg.Global.PersistentConnections {
			s.logger.Info().Msg("leaving connections up per persistent-connections")
			close(done)
			return
		}

		var records []*controller.Controller
		for _, dc := range s.dcs {
			if !dc.PendingRemoval() {
				records = append(records, dc.Controller)
			}
		}
		for _, ioc := range s.iocs {
			if !ioc.PendingRemoval() {
				records = append(records, ioc.Controller)
			}
		}
		if len(records) == 0 {
			close(done)
			return
		}

		remaining := len(records)
		for _, rec := range records {
			rec.Remove(false, func() {
				remaining--
				if remaining == 0 {
					close(done)
				}
			})
		}
	})

	select {
	case <-done:
	case <-time.After(shutdownTimeout):
		s.logger.Warn().Msg("shutdown disconnects incomplete, giving up")
	}

	s.broker.Stop()
	s.d.Stop()
	if err := s.store.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to close store")
	}
}

// Reload re-reads the configuration file and recomputes desired state.
// Wired to SIGHUP and the D-Bus Reload method. A config file that fails to
// load or validate leaves the running configuration untouched.
func (s *Service) Reload() error {
	fresh, err := config.Load(s.cfgPath)
	if err != nil {
		s.logger.Error().Err(err).Msg("reload rejected, keeping current configuration")
		return err
	}
	identity, err := fresh.Host.Resolve()
	if err != nil {
		s.logger.Error().Err(err).Msg("reload rejected, host identity unusable")
		return err
	}

	// Browser teardown blocks on its goroutines, so toggle it here rather
	// than on the event loop.
	if !fresh.ZeroconfEnabled() {
		s.stopBrowser()
	}

	s.d.Submit(func() {
		s.cfg = fresh
		s.identity = identity
		s.rec = reconciler.NewReconciler(reconciler.Config{
			Scope:             fresh.IO.DisconnectScope,
			DisconnectTrTypes: fresh.IO.DisconnectTrTypes,
		})
		log.SetTrace(fresh.Global.Tron)
		if !fresh.ZeroconfEnabled() {
			s.zeroconf = make(map[string]mdns.Service)
		}
		s.logger.Info().Msg("configuration reloaded")
		s.triggerAudit("reload")
	})

	if fresh.ZeroconfEnabled() {
		s.startBrowser()
	}
	return nil
}
