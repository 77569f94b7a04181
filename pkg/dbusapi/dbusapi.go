package dbusapi

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	"github.com/rs/zerolog"

	"github.com/fabricd/fabricd/pkg/events"
	"github.com/fabricd/fabricd/pkg/log"
	"github.com/fabricd/fabricd/pkg/metrics"
	"github.com/fabricd/fabricd/pkg/types"
)

// D-Bus names of the exported surface.
const (
	BusName          = "org.fabricd.Fabricd1"
	ObjectPath       = dbus.ObjectPath("/org/fabricd/Fabricd1")
	InterfaceManager = "org.fabricd.Fabricd1.Manager"

	signalLogPagesChanged = InterfaceManager + ".LogPagesChanged"
	signalDcRemoved       = InterfaceManager + ".DcRemoved"
)

// Backend answers the exported methods. Implementations serialize access
// to daemon state themselves; methods are called from D-Bus handler
// goroutines.
type Backend interface {
	// ListControllers returns one attribute map per managed controller.
	ListControllers(detailed bool) []map[string]string

	// ControllerInfo returns the JSON detail for the controller matching
	// the key, or an error when none matches.
	ControllerInfo(tid types.TID) (string, error)

	// LogPages returns the JSON-encoded DLPE cache of the matching
	// discovery controller.
	LogPages(tid types.TID) (string, error)

	// AllLogPages returns the JSON-encoded caches of every discovery
	// controller.
	AllLogPages(detailed bool) (string, error)

	// ProcessInfo returns JSON-encoded daemon metadata.
	ProcessInfo() (string, error)

	// Reload recomputes desired state from configuration.
	Reload() error

	// SetTrace and Tracing back the Tron property.
	SetTrace(on bool)
	Tracing() bool
}

// Config wires up the server.
type Config struct {
	Backend Backend

	// Broker, when set, feeds the LogPagesChanged and DcRemoved signals.
	Broker *events.Broker

	// Conn overrides the bus connection, for tests against a private bus.
	// Nil connects to the system bus.
	Conn *dbus.Conn
}

// Server owns the bus name and the exported object.
type Server struct {
	backend Backend
	broker  *events.Broker
	logger  zerolog.Logger

	conn     *dbus.Conn
	ownsConn bool
	props    *prop.Properties
	sub      events.Subscriber

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server. Start claims the name.
func NewServer(cfg Config) *Server {
	return &Server{
		backend: cfg.Backend,
		broker:  cfg.Broker,
		logger:  log.WithComponent("dbus"),
		conn:    cfg.Conn,
		stopCh:  make(chan struct{}),
	}
}

// Start connects to the bus, exports the object and claims the well-known
// name. Failing to claim the name (a second daemon instance) is an error.
func (s *Server) Start() error {
	if s.conn == nil {
		conn, err := dbus.ConnectSystemBus()
		if err != nil {
			return fmt.Errorf("dbus: system bus unavailable: %w", err)
		}
		s.conn = conn
		s.ownsConn = true
	}

	if err := s.export(); err != nil {
		s.closeConn()
		return err
	}

	reply, err := s.conn.RequestName(BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		s.closeConn()
		return fmt.Errorf("dbus: failed to request %s: %w", BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		s.closeConn()
		return fmt.Errorf("dbus: %s is already owned, is another instance running?", BusName)
	}

	if s.broker != nil {
		s.sub = s.broker.Subscribe()
		s.wg.Add(1)
		go s.pump()
	}

	metrics.RegisterComponent("dbus", true, "")
	s.logger.Info().Str("name", BusName).Msg("control surface exported")
	return nil
}

// Stop releases the name and stops emitting signals.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
	if s.sub != nil && s.broker != nil {
		s.broker.Unsubscribe(s.sub)
		s.sub = nil
	}
	if s.conn != nil {
		_, _ = s.conn.ReleaseName(BusName)
		s.closeConn()
	}
}

func (s *Server) closeConn() {
	if s.ownsConn && s.conn != nil {
		s.conn.Close()
	}
	s.conn = nil
}

func (s *Server) export() error {
	m := manager{backend: s.backend}
	if err := s.conn.Export(m, ObjectPath, InterfaceManager); err != nil {
		return fmt.Errorf("dbus: export failed: %w", err)
	}

	props, err := prop.Export(s.conn, ObjectPath, s.propsSpec())
	if err != nil {
		return fmt.Errorf("dbus: property export failed: %w", err)
	}
	s.props = props

	node := &introspect.Node{
		Name: string(ObjectPath),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			{
				Name:    InterfaceManager,
				Methods: introspect.Methods(m),
				Properties: []introspect.Property{
					{Name: "Tron", Type: "b", Access: "readwrite"},
					{Name: "LogLevel", Type: "s", Access: "read"},
				},
				Signals: []introspect.Signal{
					{Name: "LogPagesChanged", Args: []introspect.Arg{
						{Name: "transport", Type: "s"},
						{Name: "traddr", Type: "s"},
						{Name: "trsvcid", Type: "s"},
						{Name: "subsysnqn", Type: "s"},
						{Name: "host_traddr", Type: "s"},
						{Name: "host_iface", Type: "s"},
						{Name: "host_nqn", Type: "s"},
						{Name: "device", Type: "s"},
					}},
					{Name: "DcRemoved"},
				},
			},
		},
	}
	if err := s.conn.Export(introspect.NewIntrospectable(node), ObjectPath,
		"org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("dbus: introspection export failed: %w", err)
	}
	return nil
}

func (s *Server) propsSpec() prop.Map {
	return prop.Map{
		InterfaceManager: {
			"Tron": {
				Value:    s.backend.Tracing(),
				Writable: true,
				Emit:     prop.EmitTrue,
				Callback: func(c *prop.Change) *dbus.Error {
					on, ok := c.Value.(bool)
					if !ok {
						return dbus.MakeFailedError(fmt.Errorf("Tron takes a boolean"))
					}
					s.backend.SetTrace(on)
					s.props.SetMust(InterfaceManager, "LogLevel", log.CurrentLevel())
					s.logger.Info().Bool("tron", on).Msg("trace toggled over dbus")
					return nil
				},
			},
			"LogLevel": {
				Value: log.CurrentLevel(),
				Emit:  prop.EmitTrue,
			},
		},
	}
}

// pump translates broker events into bus signals.
func (s *Server) pump() {
	defer s.wg.Done()

	for {
		select {
		case <-s.stopCh:
			return
		case ev, ok := <-s.sub:
			if !ok {
				return
			}
			s.emit(ev)
		}
	}
}

func (s *Server) emit(ev *events.Event) {
	switch ev.Type {
	case events.EventCacheChanged:
		err := s.conn.Emit(ObjectPath, signalLogPagesChanged,
			string(ev.TID.Transport), ev.TID.TrAddr, ev.TID.TrSvcID, ev.TID.SubsysNQN,
			ev.TID.HostTrAddr, ev.TID.HostIface, ev.TID.HostNQN, ev.Device)
		if err != nil {
			s.logger.Warn().Err(err).Msg("failed to emit LogPagesChanged")
		}
	case events.EventDcRemoved:
		if err := s.conn.Emit(ObjectPath, signalDcRemoved); err != nil {
			s.logger.Warn().Err(err).Msg("failed to emit DcRemoved")
		}
	}
}

// manager implements the exported methods. Return shapes follow the godbus
// convention of a trailing *dbus.Error.
type manager struct {
	backend Backend
}

func (m manager) ListControllers(detailed bool) ([]map[string]string, *dbus.Error) {
	return m.backend.ListControllers(detailed), nil
}

func (m manager) ControllerInfo(transport, traddr, trsvcid, subsysnqn, hostTraddr, hostIface string) (string, *dbus.Error) {
	info, err := m.backend.ControllerInfo(tidFromArgs(transport, traddr, trsvcid, subsysnqn, hostTraddr, hostIface))
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return info, nil
}

func (m manager) GetLogPages(transport, traddr, trsvcid, subsysnqn, hostTraddr, hostIface string) (string, *dbus.Error) {
	pages, err := m.backend.LogPages(tidFromArgs(transport, traddr, trsvcid, subsysnqn, hostTraddr, hostIface))
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return pages, nil
}

func (m manager) GetAllLogPages(detailed bool) (string, *dbus.Error) {
	pages, err := m.backend.AllLogPages(detailed)
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return pages, nil
}

func (m manager) ProcessInfo() (string, *dbus.Error) {
	info, err := m.backend.ProcessInfo()
	if err != nil {
		return "", dbus.MakeFailedError(err)
	}
	return info, nil
}

func (m manager) Reload() *dbus.Error {
	if err := m.backend.Reload(); err != nil {
		return dbus.MakeFailedError(err)
	}
	return nil
}

// tidFromArgs rebuilds the lookup key from the six string arguments every
// query method takes. Empty arguments stay empty so the relaxed matching
// can do its job.
func tidFromArgs(transport, traddr, trsvcid, subsysnqn, hostTraddr, hostIface string) types.TID {
	return types.TID{
		Transport:  types.Transport(transport),
		TrAddr:     traddr,
		TrSvcID:    trsvcid,
		SubsysNQN:  subsysnqn,
		HostTrAddr: hostTraddr,
		HostIface:  hostIface,
	}
}
