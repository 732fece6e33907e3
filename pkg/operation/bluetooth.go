package operation

import (
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/pkg/errors"
)

const (
	bluezBus         = "org.bluez"
	bluezRoot        = "/org/bluez"
	AdapterInterface = "org.bluez.Adapter1"
	DeviceInterface  = "org.bluez.Device1"
)

// PowerState mirrors the Adapter1.PowerState property.
type PowerState string

const (
	PowerOn          PowerState = "on"
	PowerOff         PowerState = "off"
	PowerOffEnabling PowerState = "off-enabling"
	PowerOnDisabling PowerState = "on-disabling"
	PowerOffBlocked  PowerState = "off-blocked"
)

// AdapterPath converts an adapter name such as hci0 to its BlueZ object path.
func AdapterPath(name string) dbus.ObjectPath {
	if name == "" {
		name = "hci0"
	}
	return dbus.ObjectPath(bluezRoot + "/" + name)
}

// AddressFromPath extracts the MAC address from a BlueZ device object path.
// It returns "" when path is not a device below adapter.
func AddressFromPath(adapter, path dbus.ObjectPath) string {
	rest, ok := strings.CutPrefix(string(path), string(adapter)+"/dev_")
	if !ok || strings.Contains(rest, "/") {
		return ""
	}
	return strings.ReplaceAll(rest, "_", ":")
}

// Bluetooth wraps a private system bus connection bound to one adapter.
type Bluetooth struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
}

// Open connects to the system bus and checks that BlueZ owns its name.
func Open(adapter string) (*Bluetooth, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, errors.Wrap(err, "connect to system bus")
	}

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "list bus names")
	}
	found := false
	for _, n := range names {
		if n == bluezBus {
			found = true
			break
		}
	}
	if !found {
		conn.Close()
		return nil, errors.New("org.bluez not found on system bus, is bluetooth.service running?")
	}

	return &Bluetooth{conn: conn, adapter: AdapterPath(adapter)}, nil
}

func (b *Bluetooth) Conn() *dbus.Conn {
	return b.conn
}

func (b *Bluetooth) Adapter() dbus.ObjectPath {
	return b.adapter
}

func (b *Bluetooth) Close() error {
	return b.conn.Close()
}

// PowerState reads Adapter1.PowerState, falling back to Powered on BlueZ
// releases that predate the PowerState property.
func (b *Bluetooth) PowerState() (PowerState, error) {
	obj := b.conn.Object(bluezBus, b.adapter)

	var state string
	if err := obj.StoreProperty(AdapterInterface+".PowerState", &state); err == nil {
		return PowerState(state), nil
	}

	var powered bool
	if err := obj.StoreProperty(AdapterInterface+".Powered", &powered); err != nil {
		return "", errors.Wrapf(err, "read %s Powered", b.adapter)
	}
	if powered {
		return PowerOn, nil
	}
	return PowerOff, nil
}

// SetPowered sets the Powered property on the adapter.
func (b *Bluetooth) SetPowered(on bool) error {
	obj := b.conn.Object(bluezBus, b.adapter)
	if err := obj.SetProperty(AdapterInterface+".Powered", dbus.MakeVariant(on)); err != nil {
		return errors.Wrapf(err, "set %s Powered=%t", b.adapter, on)
	}
	return nil
}

// DeviceNodes lists the device children of the adapter as seen by introspection.
func (b *Bluetooth) DeviceNodes() ([]dbus.ObjectPath, error) {
	node, err := introspect.Call(b.conn.Object(bluezBus, b.adapter))
	if err != nil {
		return nil, errors.Wrapf(err, "introspect %s", b.adapter)
	}

	var out []dbus.ObjectPath
	for _, child := range node.Children {
		if strings.HasPrefix(child.Name, "dev_") {
			out = append(out, dbus.ObjectPath(string(b.adapter)+"/"+child.Name))
		}
	}
	return out, nil
}

// DeviceMethods returns the Device1 method names exported at path.
func (b *Bluetooth) DeviceMethods(path dbus.ObjectPath) ([]string, error) {
	node, err := introspect.Call(b.conn.Object(bluezBus, path))
	if err != nil {
		return nil, errors.Wrapf(err, "introspect %s", path)
	}

	for _, iface := range node.Interfaces {
		if iface.Name != DeviceInterface {
			continue
		}
		names := make([]string, 0, len(iface.Methods))
		for _, m := range iface.Methods {
			names = append(names, m.Name)
		}
		return names, nil
	}

	return nil, errors.Errorf("%s does not implement the %s interface", path, DeviceInterface)
}

// DeviceProps fetches all Device1 properties of path.
func (b *Bluetooth) DeviceProps(path dbus.ObjectPath) (map[string]dbus.Variant, error) {
	var props map[string]dbus.Variant
	err := b.conn.Object(bluezBus, path).
		Call("org.freedesktop.DBus.Properties.GetAll", 0, DeviceInterface).
		Store(&props)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s properties", path)
	}
	return props, nil
}

// GoDevice invokes a Device1 method without waiting. The returned channel
// yields the call's outcome once BlueZ replies.
func (b *Bluetooth) GoDevice(path dbus.ObjectPath, method string, args ...interface{}) <-chan error {
	done := make(chan error, 1)
	call := b.conn.Object(bluezBus, path).Go(DeviceInterface+"."+method, 0, make(chan *dbus.Call, 1), args...)

	go func() {
		<-call.Done
		if call.Err != nil {
			done <- errors.Wrapf(call.Err, "%s.%s on %s", DeviceInterface, method, path)
			return
		}
		done <- nil
	}()
	return done
}
