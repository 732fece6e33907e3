// Package toggle sequences radio power-up, A2DP proxy acquisition and the
// single connect-or-disconnect decision of a run.
package toggle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hoppxi/btlaunch/internal/a2dp"
	"github.com/hoppxi/btlaunch/internal/radio"
)

const DefaultTimeout = 10 * time.Second

type State int

const (
	Init State = iota
	AwaitRadio
	AwaitProxy
	Toggling
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Init:
		return "INIT"
	case AwaitRadio:
		return "AWAIT_RADIO"
	case AwaitProxy:
		return "AWAIT_PROXY"
	case Toggling:
		return "TOGGLING"
	case Done:
		return "DONE"
	case Failed:
		return "FAILED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) terminal() bool {
	return s == Done || s == Failed
}

type Action int

const (
	ActionNone Action = iota
	ActionConnect
	ActionDisconnect
)

func (a Action) String() string {
	switch a {
	case ActionConnect:
		return "connect"
	case ActionDisconnect:
		return "disconnect"
	}
	return "none"
}

// Target identifies the sink to toggle and what to open after connecting.
type Target struct {
	Address      string
	Name         string
	MatchByName  bool
	LaunchTarget string
}

type Loop interface {
	Post(fn func()) bool
	Stop()
	Run(ctx context.Context) error
	Close()
}

type Radio interface {
	IsOn() bool
	Start(onOn func(), onErr func(error))
	Detach()
}

type Acquirer interface {
	Acquire(cb func(a2dp.Proxy, error))
}

// Notifier shows transient status text to the user.
type Notifier interface {
	Status(msg string)
	Failure(msg string)
}

type Launcher interface {
	Launch(target string) error
}

type Config struct {
	Target   Target
	Timeout  time.Duration
	Loop     Loop
	Radio    Radio
	Acquirer Acquirer
	Notifier Notifier
	Launcher Launcher
	Logger   zerolog.Logger
}

// Orchestrator is single-use. All fields below are owned by the loop
// goroutine.
type Orchestrator struct {
	cfg Config
	log zerolog.Logger

	state    State
	history  []State
	action   Action
	err      *Error
	proxy    a2dp.Proxy
	released bool
}

func New(cfg Config) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Orchestrator{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("component", "toggle").Logger(),
		history: []State{Init},
	}
}

// Run drives one toggle to completion. It returns nil on DONE and an
// *Error on FAILED.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()

	o.cfg.Loop.Post(o.start)
	runErr := o.cfg.Loop.Run(ctx)

	if !o.state.terminal() {
		if errors.Is(runErr, context.DeadlineExceeded) {
			runErr = fmt.Errorf("no toggle decision within %s", o.cfg.Timeout)
		}
		o.fail(KindTimeout, runErr)
	}

	o.cfg.Radio.Detach()
	o.cfg.Loop.Close()
	o.releaseProxy()

	if o.err != nil {
		return o.err
	}
	return nil
}

func (o *Orchestrator) State() State {
	return o.state
}

// History lists every state entered, starting with INIT.
func (o *Orchestrator) History() []State {
	return append([]State(nil), o.history...)
}

func (o *Orchestrator) Action() Action {
	return o.action
}

func (o *Orchestrator) enter(s State) {
	o.log.Debug().Stringer("from", o.state).Stringer("to", s).Msg("state transition")
	o.state = s
	o.history = append(o.history, s)
}

func (o *Orchestrator) start() {
	if o.state != Init {
		return
	}
	o.log.Info().Str("device", o.cfg.Target.Address).Msg("toggling A2DP connection")

	if !o.cfg.Radio.IsOn() {
		o.enter(AwaitRadio)
	}
	o.cfg.Radio.Start(o.onRadioOn, o.onRadioError)
}

func (o *Orchestrator) onRadioOn() {
	if o.state != Init && o.state != AwaitRadio {
		return
	}
	o.enter(AwaitProxy)
	o.cfg.Acquirer.Acquire(o.onProxy)
}

func (o *Orchestrator) onRadioError(err error) {
	if o.state.terminal() {
		return
	}
	kind := KindRadioError
	if errors.Is(err, radio.ErrRejected) {
		kind = KindRadioUnavailable
	}
	o.fail(kind, err)
}

func (o *Orchestrator) onProxy(p a2dp.Proxy, err error) {
	if o.state != AwaitProxy {
		if p != nil {
			o.log.Debug().Stringer("state", o.state).Msg("releasing proxy delivered too late")
			p.Release()
		}
		return
	}
	if err != nil {
		o.fail(KindProxyUnavailable, err)
		return
	}

	o.proxy = p
	o.enter(Toggling)
	o.toggle()
}

func (o *Orchestrator) toggle() {
	t := o.cfg.Target

	devices, err := o.proxy.BondedDevices()
	if err != nil {
		o.fail(KindProxyUnavailable, fmt.Errorf("list bonded devices: %w", err))
		return
	}

	dev, ok := a2dp.FindByAddress(devices, t.Address)
	if !ok && t.MatchByName {
		if dev, ok = a2dp.FindByName(devices, t.Name); ok {
			o.log.Warn().Str("name", t.Name).Str("address", dev.Address).Msg("address not bonded, matched by name")
		}
	}
	if !ok {
		o.fail(KindDeviceNotPaired, fmt.Errorf("%s is not in the bonded set", t.Address))
		return
	}
	if !dev.HasSink() {
		o.log.Warn().Stringer("device", dev).Msg("device does not advertise an A2DP sink")
	}

	st, err := o.proxy.ConnectionState(dev)
	if err != nil {
		o.fail(KindProxyUnavailable, fmt.Errorf("read connection state: %w", err))
		return
	}
	o.log.Info().Stringer("device", dev).Stringer("state", st).Msg("found device")

	switch st {
	case a2dp.Disconnected:
		o.action = ActionConnect
		if err := o.proxy.Connect(dev); err != nil {
			o.fail(transitionKind(err, KindConnectRefused), err)
			return
		}
		o.cfg.Notifier.Status("Bluetooth Connected")
		o.launch()
		o.finish()

	case a2dp.Connected:
		o.action = ActionDisconnect
		if err := o.proxy.Disconnect(dev); err != nil {
			o.fail(transitionKind(err, KindDisconnectRefused), err)
			return
		}
		o.cfg.Notifier.Status("Bluetooth Disconnected")
		o.finish()

	default:
		o.log.Info().Stringer("state", st).Msg("transition already in flight, leaving it alone")
		o.finish()
	}
}

func transitionKind(err error, refused Kind) Kind {
	if errors.Is(err, a2dp.ErrOperationUnavailable) {
		return KindOperationUnavailable
	}
	return refused
}

// launch failures are reported but do not fail the run; the device is
// already connecting.
func (o *Orchestrator) launch() {
	target := o.cfg.Target.LaunchTarget
	if target == "" {
		return
	}
	if err := o.cfg.Launcher.Launch(target); err != nil {
		o.log.Error().Err(err).Str("target", target).Msg("launch failed")
		o.cfg.Notifier.Failure("Unable to launch " + target)
		return
	}
	o.log.Info().Str("target", target).Msg("launched")
}

func (o *Orchestrator) finish() {
	o.enter(Done)
	o.cfg.Loop.Stop()
}

func (o *Orchestrator) fail(kind Kind, err error) {
	if o.state.terminal() {
		return
	}
	o.err = &Error{Kind: kind, Err: err}
	o.enter(Failed)

	o.log.Error().Err(err).
		Str("kind", kind.String()).
		Int("exit_code", kind.ExitCode()).
		Msg(kind.message())
	o.cfg.Notifier.Failure(kind.message())
	o.cfg.Loop.Stop()
}

func (o *Orchestrator) releaseProxy() {
	if o.proxy == nil || o.released {
		return
	}
	o.released = true
	o.proxy.Release()
}
