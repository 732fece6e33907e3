package subscribe

import (
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	propertiesChanged = "org.freedesktop.DBus.Properties.PropertiesChanged"
	interfacesRemoved = "org.freedesktop.DBus.ObjectManager.InterfacesRemoved"
	adapterInterface  = "org.bluez.Adapter1"
)

// AdapterEvents delivers power changes and removal of one BlueZ adapter.
// The returned cancel func detaches the match rules and closes the channel.
func AdapterEvents(conn *dbus.Conn, adapter dbus.ObjectPath) (<-chan AdapterEvent, func(), error) {
	rules := []string{
		"type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',path='" + string(adapter) + "'",
		"type='signal',interface='org.freedesktop.DBus.ObjectManager',member='InterfacesRemoved',path='/'",
	}
	for i, rule := range rules {
		if err := conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
			for _, added := range rules[:i] {
				conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, added)
			}
			return nil, nil, errors.Wrap(err, "add match")
		}
	}

	signals := make(chan *dbus.Signal, 32)
	conn.Signal(signals)

	events := make(chan AdapterEvent, 10)
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer close(events)

		for {
			var sig *dbus.Signal
			select {
			case <-stop:
				return
			case sig = <-signals:
			}

			ev, ok := adapterEventFrom(sig, adapter)
			if !ok {
				continue
			}

			select {
			case events <- ev:
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(stop)
			<-done
			conn.RemoveSignal(signals)
			for _, rule := range rules {
				if err := conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule).Err; err != nil {
					log.Debug().Err(err).Str("rule", rule).Msg("AdapterEvents: RemoveMatch failed")
				}
			}
		})
	}

	return events, cancel, nil
}

func adapterEventFrom(sig *dbus.Signal, adapter dbus.ObjectPath) (AdapterEvent, bool) {
	if sig == nil {
		return AdapterEvent{}, false
	}

	switch sig.Name {
	case propertiesChanged:
		if sig.Path != adapter || len(sig.Body) < 2 {
			return AdapterEvent{}, false
		}
		iface, ok := sig.Body[0].(string)
		if !ok || iface != adapterInterface {
			return AdapterEvent{}, false
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return AdapterEvent{}, false
		}

		ev := AdapterEvent{}
		if v, ok := changed["PowerState"]; ok {
			ev.PowerState, _ = v.Value().(string)
		}
		if v, ok := changed["Powered"]; ok {
			if p, ok := v.Value().(bool); ok {
				ev.Powered = &p
			}
		}
		if ev.PowerState == "" && ev.Powered == nil {
			return AdapterEvent{}, false
		}
		return ev, true

	case interfacesRemoved:
		if len(sig.Body) < 2 {
			return AdapterEvent{}, false
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok || path != adapter {
			return AdapterEvent{}, false
		}
		ifaces, ok := sig.Body[1].([]string)
		if !ok {
			return AdapterEvent{}, false
		}
		for _, iface := range ifaces {
			if iface == adapterInterface {
				return AdapterEvent{Removed: true}, true
			}
		}
	}

	return AdapterEvent{}, false
}
