package controller

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/fabricd/fabricd/pkg/dispatch"
	"github.com/fabricd/fabricd/pkg/log"
	"github.com/fabricd/fabricd/pkg/metrics"
	"github.com/fabricd/fabricd/pkg/nvme"
	"github.com/fabricd/fabricd/pkg/types"
)

const (
	// DefaultFastRetryDelay is the wait before the first reconnect attempt
	// after the kernel reports a device removed. The transport usually comes
	// back within seconds after a path flap, so the normal reconnect delay
	// would be needlessly slow here.
	DefaultFastRetryDelay = 3 * time.Second
)

// Config carries the shared wiring every controller needs. All lifecycle
// methods of the resulting controller must be invoked on the dispatcher's
// event loop.
type Config struct {
	Dispatcher *dispatch.Dispatcher
	Client     nvme.Client
	TID        types.TID
	Params     types.ConnectParams
	Retry      types.RetryPolicy

	// FastRetryDelay overrides DefaultFastRetryDelay when positive.
	FastRetryDelay time.Duration

	// OnStateChange, when set, is called on the event loop after every
	// state transition.
	OnStateChange func(old, new types.State)
}

// Controller is the lifecycle state machine shared by discovery and I/O
// controllers. It owns one fabric connection: it connects, watches for
// kernel-side removal, retries within the configured policy bounds and
// disconnects on removal from desired state.
//
// A controller is confined to the dispatcher's event loop. Blocking calls
// run on the worker pool and post their completions back to the loop, so at
// most one operation is in flight per controller at any time; anything that
// wants the slot while it is busy waits for the completion to settle.
type Controller struct {
	d      *dispatch.Dispatcher
	client nvme.Client
	logger zerolog.Logger

	tid    types.TID
	kind   types.ControllerKind
	params types.ConnectParams
	retry  types.RetryPolicy

	state    types.State
	device   string
	attempts int
	ncc      bool
	lastLive time.Time

	// lossExpired is set when the ctrl-loss-tmo bound fires while a connect
	// is in flight; the completion then fails terminally instead of
	// scheduling another retry.
	lossExpired bool

	opInFlight     bool
	pendingRemoval bool
	keepConnection bool
	removeDone     func()

	fastRetryDelay time.Duration
	retryTimer     *dispatch.Timer
	lossTimer      *dispatch.Timer

	// Kind-specific hooks, set by the embedding controller.
	onConnected   func(device string)
	onTeardown    func()
	onSettled     func()
	onStateChange func(old, new types.State)
}

func newController(cfg Config, kind types.ControllerKind) *Controller {
	c := &Controller{
		d:              cfg.Dispatcher,
		client:         cfg.Client,
		logger:         log.WithController(string(kind), cfg.TID.String()),
		tid:            cfg.TID,
		kind:           kind,
		params:         cfg.Params,
		retry:          cfg.Retry,
		state:          types.StateIdle,
		fastRetryDelay: cfg.FastRetryDelay,
		onStateChange:  cfg.OnStateChange,
	}
	if c.fastRetryDelay <= 0 {
		c.fastRetryDelay = DefaultFastRetryDelay
	}
	c.lastLive = c.d.Clock().Now()
	c.retryTimer = c.d.NewTimer(c.retry.ReconnectDelay, c.retryFired)
	c.lossTimer = c.d.NewTimer(c.retry.CtrlLossTimeout, c.lossFired)
	return c
}

// TID returns the transport identifier this controller connects to.
func (c *Controller) TID() types.TID { return c.tid }

// Kind reports whether this is a discovery or an I/O controller.
func (c *Controller) Kind() types.ControllerKind { return c.kind }

// State returns the current lifecycle state.
func (c *Controller) State() types.State { return c.state }

// Device returns the kernel device name, or "" when not connected.
func (c *Controller) Device() string { return c.device }

// Attempts returns the connect attempt count since the last success.
func (c *Controller) Attempts() int { return c.attempts }

// PendingRemoval reports whether removal has been requested and not yet
// completed.
func (c *Controller) PendingRemoval() bool { return c.pendingRemoval }

// LastLive returns when the controller last held a live connection: now if
// currently connected, otherwise the moment the last connection was lost.
// Never-connected controllers report their creation time.
func (c *Controller) LastLive() time.Time {
	if c.state == types.StateConnected {
		return c.d.Clock().Now()
	}
	return c.lastLive
}

// Info returns the D-Bus facing attribute map.
func (c *Controller) Info() map[string]string {
	device := c.device
	if device == "" {
		device = "nvme?"
	}
	return map[string]string{
		"transport":        string(c.tid.Transport),
		"traddr":           c.tid.TrAddr,
		"trsvcid":          c.tid.TrSvcID,
		"subsysnqn":        c.tid.SubsysNQN,
		"host-traddr":      c.tid.HostTrAddr,
		"host-iface":       c.tid.HostIface,
		"device":           device,
		"state":            string(c.state),
		"connect attempts": strconv.Itoa(c.attempts),
		"retry delay":      c.retryTimer.Remaining().String(),
	}
}

// Start moves a fresh controller out of idle and submits the first connect
// attempt immediately. Starting anything but an idle controller is a no-op.
func (c *Controller) Start() {
	if c.state != types.StateIdle {
		return
	}
	if !c.tid.Transport.Fabric() || (c.tid.TrAddr == "" && c.tid.Transport != types.TransportLoop) {
		c.logger.Error().Msg("controller target is unusable, not connecting")
		c.setState(types.StateInvalid)
		return
	}
	c.submitConnect()
}

// Restart re-arms a controller that gave up. Only the failed and suspended
// states can be restarted; invalid controllers stay invalid.
func (c *Controller) Restart() {
	switch c.state {
	case types.StateFailed, types.StateSuspended:
		c.attempts = 0
		c.lossExpired = false
		c.setState(types.StateIdle)
		c.submitConnect()
	}
}

// SetNCC updates the Not Connected to CDC flag carried by the log page
// entry this controller came from. Clearing the flag wakes a controller
// that suspended because of it.
func (c *Controller) SetNCC(on bool) {
	c.ncc = on
	if !on && c.state == types.StateSuspended {
		c.logger.Info().Msg("NCC cleared, resuming connect attempts")
		c.Restart()
	}
}

// Remove disconnects the controller and retires it. When keep is true the
// kernel connection is left up and only the record is retired. If an
// operation is in flight the removal waits for its completion; in-flight
// work is never cancelled. done, when non-nil, runs on the event loop once
// the controller reaches idle.
func (c *Controller) Remove(keep bool, done func()) {
	if c.pendingRemoval {
		return
	}
	c.pendingRemoval = true
	c.keepConnection = keep
	c.removeDone = done
	if c.opInFlight {
		c.logger.Debug().Msg("removal deferred until in-flight operation completes")
		return
	}
	c.beginDisconnect()
}

// DeviceRemoved handles the kernel dropping the device out from under us,
// typically after keep-alive timeout or cable pull. The controller goes
// back through retry-wait with the fast-retry delay and a reset attempt
// counter.
func (c *Controller) DeviceRemoved() {
	if c.device != "" {
		c.logger.Info().Str("device", c.device).Msg("kernel removed controller device")
	}
	c.device = ""
	if c.state != types.StateConnected {
		return
	}
	c.lastLive = c.d.Clock().Now()
	c.attempts = 0
	c.lossTimer.Stop()
	if c.onTeardown != nil {
		c.onTeardown()
	}
	c.setState(types.StateRetryWait)
	c.retryTimer.StartAfter(c.fastRetryDelay)
}

// submitOp claims the controller's single operation slot and runs work on
// the worker pool. complete runs on the loop first; afterOp then settles
// whatever the completion left behind (deferred removal, due retries).
func (c *Controller) submitOp(name string, work func() error, complete func(error)) {
	c.opInFlight = true
	c.d.SubmitWork(name, work, func(err error) {
		c.opInFlight = false
		complete(err)
		c.afterOp()
	})
}

func (c *Controller) afterOp() {
	if c.opInFlight {
		return
	}
	if c.pendingRemoval {
		if c.state != types.StateDisconnecting && c.state != types.StateIdle {
			c.beginDisconnect()
		}
		return
	}
	if c.state == types.StateRetryWait && !c.retryTimer.Armed() {
		c.submitConnect()
		return
	}
	if c.state == types.StateConnected && c.onSettled != nil {
		c.onSettled()
	}
}

func (c *Controller) submitConnect() {
	c.setState(types.StateConnecting)
	c.attempts++

	tid, params := c.tid, c.params
	var device string
	c.submitOp("connect "+tid.String(),
		func() error {
			var err error
			device, err = c.client.Connect(context.Background(), tid, params)
			return err
		},
		func(err error) {
			c.connectDone(device, err)
		},
	)
}

func (c *Controller) connectDone(device string, err error) {
	if c.pendingRemoval {
		if err == nil {
			c.device = device
		}
		return
	}

	if err != nil {
		metrics.ConnectAttemptsTotal.WithLabelValues(string(c.kind), "failure").Inc()
		c.connectFailed(err)
		return
	}

	metrics.ConnectAttemptsTotal.WithLabelValues(string(c.kind), "success").Inc()
	c.device = device
	c.attempts = 0
	c.lossExpired = false
	c.lossTimer.Stop()
	c.logger.Info().Str("device", device).Msg("connected")
	c.setState(types.StateConnected)
	if c.onConnected != nil {
		c.onConnected(device)
	}
}

func (c *Controller) connectFailed(err error) {
	if c.attempts == 1 {
		c.logger.Error().Err(err).Msg("failed to connect")
	} else {
		c.logger.Debug().Err(err).Int("attempts", c.attempts).Msg("failed to connect")
	}

	if c.retry.CtrlLossTimeout == 0 {
		c.giveUp(types.StateFailed, "retrying is disabled")
		return
	}
	if c.lossExpired {
		c.giveUp(types.StateFailed, "controller loss timeout expired")
		return
	}
	if eff := c.retry.EffectiveNCCAttempts(); eff > 0 && c.ncc && c.attempts >= eff {
		c.giveUp(types.StateSuspended, "subsystem reports no CDC connectivity")
		return
	}

	if c.retry.CtrlLossTimeout > 0 && !c.lossTimer.Armed() {
		c.lossTimer.StartAfter(c.retry.CtrlLossTimeout)
	}
	c.setState(types.StateRetryWait)
	c.retryTimer.StartAfter(c.retry.ReconnectDelay)
}

func (c *Controller) giveUp(state types.State, reason string) {
	c.logger.Warn().Int("attempts", c.attempts).Str("reason", reason).Msg("giving up on connection")
	c.retryTimer.Stop()
	c.lossTimer.Stop()
	c.setState(state)
}

func (c *Controller) retryFired() {
	if c.state != types.StateRetryWait {
		return
	}
	if c.opInFlight {
		// A stale operation still holds the slot; afterOp reissues the
		// connect once it settles.
		return
	}
	c.submitConnect()
}

func (c *Controller) lossFired() {
	switch c.state {
	case types.StateRetryWait:
		c.retryTimer.Stop()
		c.giveUp(types.StateFailed, "controller loss timeout expired")
	case types.StateConnecting:
		c.lossExpired = true
	}
}

func (c *Controller) beginDisconnect() {
	if c.state == types.StateConnected {
		c.lastLive = c.d.Clock().Now()
	}
	c.retryTimer.Stop()
	c.lossTimer.Stop()
	if c.onTeardown != nil {
		c.onTeardown()
	}

	if c.device == "" || c.keepConnection {
		c.finishRemoval()
		return
	}

	c.setState(types.StateDisconnecting)
	device := c.device
	c.submitOp("disconnect "+device,
		func() error {
			return c.client.Disconnect(context.Background(), device)
		},
		func(err error) {
			c.disconnectDone(device, err)
		},
	)
}

func (c *Controller) disconnectDone(device string, err error) {
	if err != nil {
		c.logger.Warn().Err(err).Str("device", device).Msg("disconnect failed, retiring controller anyway")
	}
	c.device = ""
	c.finishRemoval()
}

func (c *Controller) finishRemoval() {
	c.pendingRemoval = false
	c.setState(types.StateIdle)
	if c.removeDone != nil {
		done := c.removeDone
		c.removeDone = nil
		done()
	}
}

func (c *Controller) setState(state types.State) {
	if state == c.state {
		return
	}
	old := c.state
	c.state = state
	c.logger.Debug().Str("from", string(old)).Str("to", string(state)).Msg("state change")
	if c.onStateChange != nil {
		c.onStateChange(old, state)
	}
}
