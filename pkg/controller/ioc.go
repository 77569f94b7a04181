package controller

import (
	"github.com/fabricd/fabricd/pkg/types"
)

// IocConfig wires up an I/O controller.
type IocConfig struct {
	Config

	// Zeroconf marks a controller whose justification chains back to an
	// mDNS-discovered discovery controller. Such controllers are subject to
	// the zeroconf persistence window when their discovery controller
	// disappears.
	Zeroconf bool
}

// Ioc is an I/O controller: a fabric connection to a storage subsystem,
// usually created from a discovery controller's log page. It carries no
// cache of its own; the lifecycle state machine is the whole of its
// behavior. The NCC flag of the log page entry it came from is pushed in
// through SetNCC and bounds how long connect attempts keep going when the
// subsystem has lost its CDC connectivity.
type Ioc struct {
	*Controller

	zeroconf bool
}

// NewIoc creates an I/O controller in the idle state. Call Start on the
// event loop to begin connecting.
func NewIoc(cfg IocConfig) *Ioc {
	ioc := &Ioc{zeroconf: cfg.Zeroconf}
	ioc.Controller = newController(cfg.Config, types.KindIO)
	return ioc
}

// Zeroconf reports whether this controller's justification chains back to
// an mDNS-discovered discovery controller.
func (i *Ioc) Zeroconf() bool { return i.zeroconf }
