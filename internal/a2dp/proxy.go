// Package a2dp acquires a handle on the local A2DP profile and exposes
// connect and disconnect on it, whatever mechanism the host needs for them.
package a2dp

import (
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog/log"

	"github.com/hoppxi/btlaunch/pkg/btinfo"
	"github.com/hoppxi/btlaunch/pkg/operation"
)

var (
	// ErrProxyUnavailable means the host would not hand over the profile.
	ErrProxyUnavailable = errors.New("a2dp: profile proxy unavailable")
	// ErrOperationUnavailable means the requested transition cannot be
	// resolved on this platform.
	ErrOperationUnavailable = errors.New("a2dp: operation unavailable on this platform")
	// ErrRefused means the host rejected a transition synchronously.
	ErrRefused = errors.New("a2dp: transition refused")
	// ErrReleased is returned by a proxy used after Release.
	ErrReleased = errors.New("a2dp: proxy already released")
)

// Proxy queries and mutates A2DP connections of bonded devices. It is valid
// until Release.
type Proxy interface {
	BondedDevices() ([]Device, error)
	ConnectionState(dev Device) (ConnState, error)
	Connect(dev Device) error
	Disconnect(dev Device) error
	// Transitions reports which primitives were resolved at acquisition.
	Transitions() Transitions
	Release()
}

// Bus is the part of the BlueZ D-Bus surface the proxy relies on.
type Bus interface {
	PowerState() (operation.PowerState, error)
	BondedDevices() ([]btinfo.BluetoothDevice, error)
	DeviceProps(path dbus.ObjectPath) (map[string]dbus.Variant, error)
	// A2DPTransport reports whether an A2DP MediaTransport1 exists for path.
	A2DPTransport(path dbus.ObjectPath) (bool, error)
	DeviceNodes() ([]dbus.ObjectPath, error)
	DeviceMethods(path dbus.ObjectPath) ([]string, error)
	GoDevice(path dbus.ObjectPath, method string, args ...interface{}) <-chan error
	Adapter() dbus.ObjectPath
	Close() error
}

type bluezBus struct {
	*operation.Bluetooth
}

func (b bluezBus) BondedDevices() ([]btinfo.BluetoothDevice, error) {
	return btinfo.BondedDevices(b.Conn(), b.Adapter())
}

func (b bluezBus) A2DPTransport(path dbus.ObjectPath) (bool, error) {
	transports, err := btinfo.MediaTransports(b.Conn())
	if err != nil {
		return false, err
	}
	return btinfo.A2DPTransportFor(transports, path), nil
}

// BluezOpener opens a private system bus connection bound to adapter.
func BluezOpener(adapter string) func() (Bus, error) {
	return func() (Bus, error) {
		bt, err := operation.Open(adapter)
		if err != nil {
			return nil, err
		}
		return bluezBus{bt}, nil
	}
}

// Poster hands a callback to the goroutine that owns the caller's state.
type Poster interface {
	Post(fn func()) bool
}

type Acquirer struct {
	open     func() (Bus, error)
	loop     Poster
	backend  Backend
	lookPath func(string) (string, error)
	run      func(bin string, args ...string) <-chan error
}

func NewAcquirer(open func() (Bus, error), loop Poster, backend Backend) *Acquirer {
	return &Acquirer{
		open:     open,
		loop:     loop,
		backend:  backend,
		lookPath: exec.LookPath,
		run:      runCtl,
	}
}

// Acquire obtains the proxy in the background and posts cb to the loop
// exactly once. If the loop no longer accepts work the proxy is released.
func (a *Acquirer) Acquire(cb func(Proxy, error)) {
	go func() {
		p, err := a.Open()
		if !a.loop.Post(func() { cb(p, err) }) && p != nil {
			log.Debug().Msg("a2dp: loop closed, releasing late proxy")
			p.Release()
		}
	}()
}

// Open obtains the proxy synchronously.
func (a *Acquirer) Open() (Proxy, error) {
	bus, err := a.open()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProxyUnavailable, err)
	}

	ps, err := bus.PowerState()
	if err != nil {
		bus.Close()
		return nil, fmt.Errorf("%w: %v", ErrProxyUnavailable, err)
	}
	if ps != operation.PowerOn {
		bus.Close()
		return nil, fmt.Errorf("%w: adapter is %s", ErrProxyUnavailable, ps)
	}

	tr := resolver{bus: bus, backend: a.backend, lookPath: a.lookPath, run: a.run}.resolve()
	log.Debug().
		Str("connect", primitiveName(tr.Connect)).
		Str("disconnect", primitiveName(tr.Disconnect)).
		Msg("a2dp: transitions resolved")

	return &bluezProxy{bus: bus, tr: tr}, nil
}

func primitiveName(p Primitive) string {
	if p == nil {
		return "unavailable"
	}
	return p.String()
}

type bluezProxy struct {
	bus Bus
	tr  Transitions

	mu       sync.Mutex
	released bool
}

func (p *bluezProxy) live() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return ErrReleased
	}
	return nil
}

func (p *bluezProxy) BondedDevices() ([]Device, error) {
	if err := p.live(); err != nil {
		return nil, err
	}
	infos, err := p.bus.BondedDevices()
	if err != nil {
		return nil, err
	}
	out := make([]Device, 0, len(infos))
	for _, info := range infos {
		out = append(out, DeviceFrom(p.bus.Adapter(), info))
	}
	return out, nil
}

func (p *bluezProxy) ConnectionState(dev Device) (ConnState, error) {
	if err := p.live(); err != nil {
		return Disconnected, err
	}
	props, err := p.bus.DeviceProps(dev.Path)
	if err != nil {
		return Disconnected, err
	}
	info := btinfo.FromProps(dev.Path, props)

	transport, err := p.bus.A2DPTransport(dev.Path)
	if err != nil {
		return Disconnected, err
	}
	return StateFrom(info.Connected, info.ServicesResolved, transport), nil
}

func (p *bluezProxy) Connect(dev Device) error {
	return p.invoke("connect", p.tr.Connect, dev)
}

func (p *bluezProxy) Disconnect(dev Device) error {
	return p.invoke("disconnect", p.tr.Disconnect, dev)
}

func (p *bluezProxy) invoke(op string, prim Primitive, dev Device) error {
	if err := p.live(); err != nil {
		return err
	}
	if prim == nil {
		return fmt.Errorf("%w: %s", ErrOperationUnavailable, op)
	}
	if err := prim.Invoke(dev); err != nil {
		return fmt.Errorf("%w: %s %s via %s: %v", ErrRefused, op, dev.Address, prim, err)
	}
	return nil
}

func (p *bluezProxy) Transitions() Transitions {
	return p.tr
}

func (p *bluezProxy) Release() {
	p.mu.Lock()
	if p.released {
		p.mu.Unlock()
		return
	}
	p.released = true
	p.mu.Unlock()

	if err := p.bus.Close(); err != nil {
		log.Debug().Err(err).Msg("a2dp: closing bus connection")
	}
}
