package btinfo

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/pkg/errors"
)

type BluetoothDevice struct {
	Path             dbus.ObjectPath `json:"path"`
	Address          string          `json:"address"`
	Name             string          `json:"name"`
	Alias            string          `json:"alias,omitempty"`
	Paired           bool            `json:"paired"`
	Bonded           bool            `json:"bonded"`
	Connected        bool            `json:"connected"`
	ServicesResolved bool            `json:"services_resolved"`
	UUIDs            []string        `json:"uuids,omitempty"`
	A2DPTransport    bool            `json:"a2dp_transport"`
}

// A2DP service classes. A MediaTransport1 carries the UUID of the local
// endpoint, so streaming to a speaker shows the source class.
const (
	A2DPSourceUUID = "0000110a-0000-1000-8000-00805f9b34fb"
	A2DPSinkUUID   = "0000110b-0000-1000-8000-00805f9b34fb"
)

// MediaTransport is an org.bluez.MediaTransport1 object.
type MediaTransport struct {
	Path   dbus.ObjectPath `json:"path"`
	Device dbus.ObjectPath `json:"device"`
	UUID   string          `json:"uuid"`
	State  string          `json:"state,omitempty"`
}

// IsA2DP reports whether the transport streams A2DP rather than HFP or HSP.
func (t MediaTransport) IsA2DP() bool {
	return strings.EqualFold(t.UUID, A2DPSourceUUID) || strings.EqualFold(t.UUID, A2DPSinkUUID)
}

func asString(v dbus.Variant) (string, bool) {
	s, ok := v.Value().(string)
	return s, ok
}

func asBool(v dbus.Variant) (bool, bool) {
	b, ok := v.Value().(bool)
	return b, ok
}

func asStrings(v dbus.Variant) ([]string, bool) {
	s, ok := v.Value().([]string)
	return s, ok
}

// FromProps builds a device from a Device1 property map.
func FromProps(path dbus.ObjectPath, props map[string]dbus.Variant) BluetoothDevice {
	dev := BluetoothDevice{Path: path}

	if v, ok := props["Address"]; ok {
		dev.Address, _ = asString(v)
	}
	if v, ok := props["Name"]; ok {
		dev.Name, _ = asString(v)
	}
	if v, ok := props["Alias"]; ok {
		dev.Alias, _ = asString(v)
	}
	if v, ok := props["Paired"]; ok {
		dev.Paired, _ = asBool(v)
	}
	if v, ok := props["Bonded"]; ok {
		dev.Bonded, _ = asBool(v)
	}
	if v, ok := props["Connected"]; ok {
		dev.Connected, _ = asBool(v)
	}
	if v, ok := props["ServicesResolved"]; ok {
		dev.ServicesResolved, _ = asBool(v)
	}
	if v, ok := props["UUIDs"]; ok {
		dev.UUIDs, _ = asStrings(v)
	}

	return dev
}

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

func getManaged(conn *dbus.Conn) (managedObjects, error) {
	obj := conn.Object("org.bluez", "/")
	var managed managedObjects
	if err := obj.Call("org.freedesktop.DBus.ObjectManager.GetManagedObjects", 0).Store(&managed); err != nil {
		return nil, errors.Wrap(err, "get managed objects")
	}
	return managed, nil
}

// BondedDevices returns the paired or bonded Device1 objects below adapter,
// ordered by object path.
func BondedDevices(conn *dbus.Conn, adapter dbus.ObjectPath) ([]BluetoothDevice, error) {
	managed, err := getManaged(conn)
	if err != nil {
		return nil, err
	}
	return bondedFrom(managed, adapter), nil
}

// MediaTransports returns every MediaTransport1 object BlueZ exports.
func MediaTransports(conn *dbus.Conn) ([]MediaTransport, error) {
	managed, err := getManaged(conn)
	if err != nil {
		return nil, err
	}
	return transportsFrom(managed), nil
}

// A2DPTransportFor reports whether device has an A2DP media transport.
func A2DPTransportFor(transports []MediaTransport, device dbus.ObjectPath) bool {
	for _, t := range transports {
		if t.Device == device && t.IsA2DP() {
			return true
		}
	}
	return false
}

func transportsFrom(managed managedObjects) []MediaTransport {
	out := []MediaTransport{}
	for path, ifaces := range managed {
		mt, ok := ifaces["org.bluez.MediaTransport1"]
		if !ok {
			continue
		}

		t := MediaTransport{Path: path}
		if d, ok := mt["Device"]; ok {
			t.Device, _ = d.Value().(dbus.ObjectPath)
		}
		if u, ok := mt["UUID"]; ok {
			t.UUID, _ = asString(u)
		}
		if st, ok := mt["State"]; ok {
			t.State, _ = asString(st)
		}
		out = append(out, t)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func bondedFrom(managed managedObjects, adapter dbus.ObjectPath) []BluetoothDevice {
	transports := transportsFrom(managed)

	out := []BluetoothDevice{}
	for path, ifaces := range managed {
		props, ok := ifaces["org.bluez.Device1"]
		if !ok {
			continue
		}

		if a, ok := props["Adapter"]; ok {
			if ap, ok := a.Value().(dbus.ObjectPath); ok && ap != adapter {
				continue
			}
		}

		dev := FromProps(path, props)
		if !dev.Paired && !dev.Bonded {
			continue
		}
		dev.A2DPTransport = A2DPTransportFor(transports, path)
		out = append(out, dev)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func BondedDevicesJSON(conn *dbus.Conn, adapter dbus.ObjectPath) ([]byte, error) {
	devices, err := BondedDevices(conn, adapter)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(devices, "", "  ")
}
