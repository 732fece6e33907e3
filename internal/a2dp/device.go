package a2dp

import (
	"fmt"
	"net"
	"strings"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/hoppxi/btlaunch/pkg/btinfo"
	"github.com/hoppxi/btlaunch/pkg/operation"
)

// SinkUUID is the Audio Sink service class of A2DP.
var SinkUUID = uuid.MustParse("0000110b-0000-1000-8000-00805f9b34fb")

// ParseAddress validates a Bluetooth hardware address and returns it in
// canonical upper-case colon-separated form.
func ParseAddress(s string) (string, error) {
	hw, err := net.ParseMAC(strings.TrimSpace(s))
	if err != nil {
		return "", fmt.Errorf("invalid bluetooth address %q: %w", s, err)
	}
	if len(hw) != 6 {
		return "", fmt.Errorf("invalid bluetooth address %q: want 6 octets, got %d", s, len(hw))
	}
	return strings.ToUpper(hw.String()), nil
}

// SameAddress compares two addresses case-insensitively on their canonical form.
func SameAddress(a, b string) bool {
	ca, err := ParseAddress(a)
	if err != nil {
		return false
	}
	cb, err := ParseAddress(b)
	if err != nil {
		return false
	}
	return ca == cb
}

type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	Disconnecting
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnecting:
		return "DISCONNECTING"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

// StateFrom derives the A2DP connection state. Only a media transport for
// the device proves an A2DP link; Device1.Connected and ServicesResolved
// order the transient states around it. BlueZ sets Connected before services
// resolve on the way up and clears ServicesResolved first on the way down.
func StateFrom(connected, servicesResolved, transport bool) ConnState {
	switch {
	case transport && connected && servicesResolved:
		return Connected
	case transport:
		return Disconnecting
	case connected && !servicesResolved:
		return Connecting
	case !connected && servicesResolved:
		return Disconnecting
	default:
		// Includes a link that is up only for other profiles, e.g. HFP.
		return Disconnected
	}
}

type Device struct {
	Address string
	Name    string
	Path    dbus.ObjectPath
	UUIDs   []uuid.UUID
}

func (d Device) String() string {
	if d.Name == "" {
		return d.Address
	}
	return fmt.Sprintf("%s (%s)", d.Name, d.Address)
}

// HasSink reports whether the device advertises the A2DP sink service.
func (d Device) HasSink() bool {
	for _, u := range d.UUIDs {
		if u == SinkUUID {
			return true
		}
	}
	return false
}

// DeviceFrom converts a BlueZ device record, canonicalising its address.
func DeviceFrom(adapter dbus.ObjectPath, info btinfo.BluetoothDevice) Device {
	addr := info.Address
	if addr == "" {
		addr = operation.AddressFromPath(adapter, info.Path)
	}
	if canon, err := ParseAddress(addr); err == nil {
		addr = canon
	}

	name := info.Name
	if name == "" {
		name = info.Alias
	}

	dev := Device{Address: addr, Name: name, Path: info.Path}
	for _, s := range info.UUIDs {
		if u, err := uuid.Parse(s); err == nil {
			dev.UUIDs = append(dev.UUIDs, u)
		}
	}
	return dev
}

// FindByAddress returns the first device whose address matches addr.
func FindByAddress(devices []Device, addr string) (Device, bool) {
	for _, d := range devices {
		if SameAddress(d.Address, addr) {
			return d, true
		}
	}
	return Device{}, false
}

// FindByName returns the first device whose name equals name exactly.
func FindByName(devices []Device, name string) (Device, bool) {
	if name == "" {
		return Device{}, false
	}
	for _, d := range devices {
		if d.Name == name {
			return d, true
		}
	}
	return Device{}, false
}
