package radio

import (
	"errors"
	"sync"

	"github.com/hoppxi/btlaunch/internal/subscribe"
	"github.com/hoppxi/btlaunch/pkg/operation"
)

var errAdapterRemoved = errors.New("adapter removed")

// BluezHost drives an org.bluez.Adapter1 object.
type BluezHost struct {
	bt *operation.Bluetooth
}

func NewBluezHost(bt *operation.Bluetooth) *BluezHost {
	return &BluezHost{bt: bt}
}

// FromPowerState maps Adapter1.PowerState onto State.
func FromPowerState(ps operation.PowerState) State {
	switch ps {
	case operation.PowerOn:
		return On
	case operation.PowerOffEnabling:
		return TurningOn
	case operation.PowerOffBlocked:
		return Unavailable
	default:
		return Off
	}
}

func (h *BluezHost) State() (State, error) {
	ps, err := h.bt.PowerState()
	if err != nil {
		return Unavailable, err
	}
	return FromPowerState(ps), nil
}

func (h *BluezHost) Enable() error {
	return h.bt.SetPowered(true)
}

func (h *BluezHost) Watch() (<-chan Event, func(), error) {
	raw, cancelRaw, err := subscribe.AdapterEvents(h.bt.Conn(), h.bt.Adapter())
	if err != nil {
		return nil, nil, err
	}

	out := make(chan Event)
	stop := make(chan struct{})
	go func() {
		defer close(out)
		for ev := range raw {
			select {
			case out <- eventFrom(ev):
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			cancelRaw()
		})
	}
	return out, cancel, nil
}

func eventFrom(ev subscribe.AdapterEvent) Event {
	switch {
	case ev.Removed:
		return Event{State: Unavailable, Err: errAdapterRemoved}
	case ev.PowerState != "":
		return Event{State: FromPowerState(operation.PowerState(ev.PowerState))}
	case ev.Powered != nil && *ev.Powered:
		return Event{State: On}
	default:
		return Event{State: Off}
	}
}
