package a2dp

import (
	"errors"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"github.com/hoppxi/btlaunch/pkg/btinfo"
	"github.com/hoppxi/btlaunch/pkg/operation"
)

const adapter = dbus.ObjectPath("/org/bluez/hci0")

type call struct {
	path   dbus.ObjectPath
	method string
	args   []interface{}
}

type fakeBus struct {
	mu         sync.Mutex
	power      operation.PowerState
	devices    []btinfo.BluetoothDevice
	props      map[dbus.ObjectPath]map[string]dbus.Variant
	transports map[dbus.ObjectPath]bool
	methods    []string
	callErr    error
	hang       bool
	calls      []call
	closed     int
}

func (b *fakeBus) PowerState() (operation.PowerState, error) { return b.power, nil }

func (b *fakeBus) BondedDevices() ([]btinfo.BluetoothDevice, error) { return b.devices, nil }

func (b *fakeBus) DeviceProps(path dbus.ObjectPath) (map[string]dbus.Variant, error) {
	p, ok := b.props[path]
	if !ok {
		return nil, errors.New("no such object")
	}
	return p, nil
}

func (b *fakeBus) A2DPTransport(path dbus.ObjectPath) (bool, error) {
	return b.transports[path], nil
}

func (b *fakeBus) DeviceNodes() ([]dbus.ObjectPath, error) {
	var out []dbus.ObjectPath
	for _, d := range b.devices {
		out = append(out, d.Path)
	}
	return out, nil
}

func (b *fakeBus) DeviceMethods(dbus.ObjectPath) ([]string, error) { return b.methods, nil }

func (b *fakeBus) GoDevice(path dbus.ObjectPath, method string, args ...interface{}) <-chan error {
	b.mu.Lock()
	b.calls = append(b.calls, call{path, method, args})
	b.mu.Unlock()

	done := make(chan error, 1)
	if !b.hang {
		done <- b.callErr
	}
	return done
}

func (b *fakeBus) Adapter() dbus.ObjectPath { return adapter }

func (b *fakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed++
	return nil
}

const targetPath = dbus.ObjectPath("/org/bluez/hci0/dev_C8_84_47_03_F6_5C")

func newFakeBus() *fakeBus {
	return &fakeBus{
		power: operation.PowerOn,
		devices: []btinfo.BluetoothDevice{{
			Path:    targetPath,
			Address: "C8:84:47:03:F6:5C",
			Name:    "(5C)Logitech Adapter",
			Paired:  true,
			UUIDs:   []string{"0000110B-0000-1000-8000-00805F9B34FB"},
		}},
		props: map[dbus.ObjectPath]map[string]dbus.Variant{
			targetPath: {
				"Connected":        dbus.MakeVariant(false),
				"ServicesResolved": dbus.MakeVariant(false),
			},
		},
		methods: []string{"Connect", "Disconnect", "ConnectProfile", "DisconnectProfile", "Pair"},
	}
}

func noCtl(string) (string, error) { return "", errors.New("not found") }

func newTestAcquirer(bus *fakeBus, loop Poster) *Acquirer {
	a := NewAcquirer(func() (Bus, error) { return bus, nil }, loop, BackendAuto)
	a.lookPath = noCtl
	return a
}

type syncPoster struct{ closed bool }

func (p *syncPoster) Post(fn func()) bool {
	if p.closed {
		return false
	}
	fn()
	return true
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"C8:84:47:03:F6:5C", "C8:84:47:03:F6:5C", false},
		{"c8:84:47:03:f6:5c", "C8:84:47:03:F6:5C", false},
		{" c8-84-47-03-f6-5c ", "C8:84:47:03:F6:5C", false},
		{"C8:84:47:03:F6", "", true},
		{"00:00:00:00:fe:80:00:00", "", true},
		{"not an address", "", true},
	}
	for _, tt := range tests {
		got, err := ParseAddress(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseAddress(%q) error = %v, wantErr %t", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseAddress(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStateFrom(t *testing.T) {
	tests := []struct {
		connected, resolved, transport bool
		want                           ConnState
	}{
		{false, false, false, Disconnected},
		{true, false, false, Connecting},
		{true, true, true, Connected},
		{true, true, false, Disconnected},
		{true, false, true, Disconnecting},
		{false, false, true, Disconnecting},
		{false, true, false, Disconnecting},
	}
	for _, tt := range tests {
		if got := StateFrom(tt.connected, tt.resolved, tt.transport); got != tt.want {
			t.Errorf("StateFrom(%t, %t, %t) = %v, want %v", tt.connected, tt.resolved, tt.transport, got, tt.want)
		}
	}
}

func TestFindByAddress(t *testing.T) {
	devices := []Device{
		{Address: "00:11:22:33:44:55", Name: "Speaker"},
		{Address: "C8:84:47:03:F6:5C", Name: "first"},
		{Address: "C8:84:47:03:F6:5C", Name: "second"},
	}

	d, ok := FindByAddress(devices, "c8:84:47:03:f6:5c")
	if !ok || d.Name != "first" {
		t.Errorf("FindByAddress = %+v, %t; want the first duplicate", d, ok)
	}

	if _, ok := FindByAddress(devices, "AA:AA:AA:AA:AA:AA"); ok {
		t.Error("FindByAddress matched an absent address")
	}
}

func TestFindByNameIsExact(t *testing.T) {
	devices := []Device{{Address: "00:11:22:33:44:55", Name: "(5C)Logitech Adapter"}}

	if _, ok := FindByName(devices, "(5C)Logitech Adapter"); !ok {
		t.Error("exact name did not match")
	}
	for _, name := range []string{"(5c)logitech adapter", ".*", "Logitech", ""} {
		if _, ok := FindByName(devices, name); ok {
			t.Errorf("FindByName(%q) matched, want exact case-sensitive equality only", name)
		}
	}
}

func TestResolvePrefersProfileMethods(t *testing.T) {
	bus := newFakeBus()
	tr := resolver{bus: bus, backend: BackendAuto, lookPath: noCtl}.resolve()

	if got := primitiveName(tr.Connect); got != "dbus:ConnectProfile" {
		t.Errorf("connect = %s, want dbus:ConnectProfile", got)
	}
	if got := primitiveName(tr.Disconnect); got != "dbus:DisconnectProfile" {
		t.Errorf("disconnect = %s, want dbus:DisconnectProfile", got)
	}
}

func TestResolveFallbacks(t *testing.T) {
	withCtl := func(string) (string, error) { return "/usr/bin/bluetoothctl", nil }

	tests := []struct {
		name           string
		methods        []string
		backend        Backend
		lookPath       func(string) (string, error)
		wantConnect    string
		wantDisconnect string
	}{
		{"device scoped", []string{"Connect", "Disconnect"}, BackendAuto, noCtl, "dbus:Connect", "dbus:Disconnect"},
		{"ctl fills gap", []string{"Disconnect"}, BackendAuto, withCtl, "bluetoothctl:connect", "dbus:Disconnect"},
		{"nothing", nil, BackendAuto, noCtl, "unavailable", "unavailable"},
		{"only disconnect", []string{"Disconnect"}, BackendAuto, noCtl, "unavailable", "dbus:Disconnect"},
		{"dbus only ignores ctl", nil, BackendDBus, withCtl, "unavailable", "unavailable"},
		{"ctl only ignores dbus", []string{"ConnectProfile", "DisconnectProfile"}, BackendCtl, withCtl, "bluetoothctl:connect", "bluetoothctl:disconnect"},
	}
	for _, tt := range tests {
		bus := newFakeBus()
		bus.methods = tt.methods
		tr := resolver{bus: bus, backend: tt.backend, lookPath: tt.lookPath}.resolve()
		if got := primitiveName(tr.Connect); got != tt.wantConnect {
			t.Errorf("%s: connect = %s, want %s", tt.name, got, tt.wantConnect)
		}
		if got := primitiveName(tr.Disconnect); got != tt.wantDisconnect {
			t.Errorf("%s: disconnect = %s, want %s", tt.name, got, tt.wantDisconnect)
		}
	}
}

func TestAcquireDeliversProxyOnce(t *testing.T) {
	bus := newFakeBus()
	loop := make(chan func(), 2)
	a := newTestAcquirer(bus, posterFunc(func(fn func()) bool { loop <- fn; return true }))

	var got Proxy
	calls := 0
	a.Acquire(func(p Proxy, err error) {
		calls++
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		got = p
	})

	select {
	case fn := <-loop:
		fn()
	case <-time.After(2 * time.Second):
		t.Fatal("proxy never delivered")
	}

	if calls != 1 || got == nil {
		t.Fatalf("callback ran %d times with %v", calls, got)
	}
	got.Release()
	got.Release()
	if bus.closed != 1 {
		t.Errorf("bus closed %d times, want 1", bus.closed)
	}
}

type posterFunc func(func()) bool

func (f posterFunc) Post(fn func()) bool { return f(fn) }

func TestAcquireReleasesWhenLoopClosed(t *testing.T) {
	bus := newFakeBus()
	posted := make(chan struct{})
	a := newTestAcquirer(bus, posterFunc(func(func()) bool {
		close(posted)
		return false
	}))

	a.Acquire(func(Proxy, error) { t.Error("callback must not run on a closed loop") })

	select {
	case <-posted:
	case <-time.After(2 * time.Second):
		t.Fatal("acquirer never posted")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.mu.Lock()
		closed := bus.closed
		bus.mu.Unlock()
		if closed == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("bus closed %d times, want 1", closed)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOpenFailures(t *testing.T) {
	a := NewAcquirer(func() (Bus, error) { return nil, errors.New("no system bus") }, &syncPoster{}, BackendAuto)
	if _, err := a.Open(); !errors.Is(err, ErrProxyUnavailable) {
		t.Errorf("Open with no bus = %v, want ErrProxyUnavailable", err)
	}

	bus := newFakeBus()
	bus.power = operation.PowerOff
	if _, err := newTestAcquirer(bus, &syncPoster{}).Open(); !errors.Is(err, ErrProxyUnavailable) {
		t.Errorf("Open with radio off = %v, want ErrProxyUnavailable", err)
	}
	if bus.closed != 1 {
		t.Errorf("bus closed %d times after failed Open, want 1", bus.closed)
	}
}

func TestProxyDevicesAndState(t *testing.T) {
	bus := newFakeBus()
	p, err := newTestAcquirer(bus, &syncPoster{}).Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Release()

	devices, err := p.BondedDevices()
	if err != nil {
		t.Fatalf("BondedDevices: %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d devices, want 1", len(devices))
	}
	dev := devices[0]
	if !dev.HasSink() {
		t.Errorf("device %v should advertise the A2DP sink", dev)
	}
	if dev.UUIDs[0] != uuid.MustParse("0000110b-0000-1000-8000-00805f9b34fb") {
		t.Errorf("uuid = %v", dev.UUIDs[0])
	}

	st, err := p.ConnectionState(dev)
	if err != nil || st != Disconnected {
		t.Errorf("ConnectionState = %v, %v; want DISCONNECTED", st, err)
	}

	bus.props[targetPath]["Connected"] = dbus.MakeVariant(true)
	bus.props[targetPath]["ServicesResolved"] = dbus.MakeVariant(true)
	bus.transports = map[dbus.ObjectPath]bool{targetPath: true}
	if st, _ := p.ConnectionState(dev); st != Connected {
		t.Errorf("ConnectionState = %v, want CONNECTED", st)
	}
}

func TestProxyStateIgnoresOtherProfiles(t *testing.T) {
	bus := newFakeBus()
	bus.devices[0].UUIDs = append(bus.devices[0].UUIDs, "0000111e-0000-1000-8000-00805f9b34fb")
	bus.props[targetPath]["Connected"] = dbus.MakeVariant(true)
	bus.props[targetPath]["ServicesResolved"] = dbus.MakeVariant(true)

	p, err := newTestAcquirer(bus, &syncPoster{}).Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Release()

	devices, _ := p.BondedDevices()
	st, err := p.ConnectionState(devices[0])
	if err != nil || st != Disconnected {
		t.Errorf("HFP-only link: ConnectionState = %v, %v; want DISCONNECTED", st, err)
	}
}

func TestProxyConnectUsesProfileUUID(t *testing.T) {
	bus := newFakeBus()
	p, err := newTestAcquirer(bus, &syncPoster{}).Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Release()

	dev := Device{Address: "C8:84:47:03:F6:5C", Path: targetPath}
	if err := p.Connect(dev); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if len(bus.calls) != 1 {
		t.Fatalf("got %d calls, want 1", len(bus.calls))
	}
	c := bus.calls[0]
	if c.method != "ConnectProfile" || c.path != targetPath {
		t.Errorf("call = %+v", c)
	}
	if len(c.args) != 1 || c.args[0] != SinkUUID.String() {
		t.Errorf("args = %v, want the A2DP sink UUID", c.args)
	}
}

func TestProxyRefusalAndPendingAccept(t *testing.T) {
	old := AcceptWindow
	AcceptWindow = 20 * time.Millisecond
	defer func() { AcceptWindow = old }()

	dev := Device{Address: "C8:84:47:03:F6:5C", Path: targetPath}

	bus := newFakeBus()
	bus.callErr = errors.New("org.bluez.Error.Failed")
	p, _ := newTestAcquirer(bus, &syncPoster{}).Open()
	if err := p.Disconnect(dev); !errors.Is(err, ErrRefused) {
		t.Errorf("Disconnect = %v, want ErrRefused", err)
	}
	p.Release()

	bus = newFakeBus()
	bus.hang = true
	p, _ = newTestAcquirer(bus, &syncPoster{}).Open()
	if err := p.Connect(dev); err != nil {
		t.Errorf("Connect still pending after the window = %v, want accepted", err)
	}
	p.Release()

	if err := p.Connect(dev); !errors.Is(err, ErrReleased) {
		t.Errorf("Connect after Release = %v, want ErrReleased", err)
	}
}

func TestProxyOperationUnavailable(t *testing.T) {
	bus := newFakeBus()
	bus.methods = []string{"Disconnect"}
	p, err := newTestAcquirer(bus, &syncPoster{}).Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Release()

	dev := Device{Address: "C8:84:47:03:F6:5C", Path: targetPath}
	if err := p.Connect(dev); !errors.Is(err, ErrOperationUnavailable) {
		t.Errorf("Connect = %v, want ErrOperationUnavailable", err)
	}
	if err := p.Disconnect(dev); err != nil {
		t.Errorf("Disconnect = %v, want accepted", err)
	}
}

func TestCtlPrimitive(t *testing.T) {
	var gotArgs []string
	p := &ctlPrimitive{bin: "/usr/bin/bluetoothctl", verb: "connect", run: func(bin string, args ...string) <-chan error {
		gotArgs = append([]string{bin}, args...)
		done := make(chan error, 1)
		done <- nil
		return done
	}}

	if err := p.Invoke(Device{Address: "C8:84:47:03:F6:5C"}); err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	want := []string{"/usr/bin/bluetoothctl", "connect", "C8:84:47:03:F6:5C"}
	if len(gotArgs) != len(want) {
		t.Fatalf("args = %v, want %v", gotArgs, want)
	}
	for i := range want {
		if gotArgs[i] != want[i] {
			t.Errorf("args = %v, want %v", gotArgs, want)
		}
	}
}

func TestRunCtlCapturesOutputWithoutPipe(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("no sh on PATH")
	}

	script := `if [ -p /dev/stdout ]; then echo "Failed to capture: stdout is a pipe"; exit 0; fi; echo "Connection successful"`
	if err := <-runCtl(sh, "-c", script); err != nil {
		t.Errorf("runCtl = %v, want nil", err)
	}

	err = <-runCtl(sh, "-c", `echo "Failed to connect: org.bluez.Error.Failed" >&2`)
	if err == nil || !strings.Contains(err.Error(), "org.bluez.Error.Failed") {
		t.Errorf("runCtl = %v, want the captured failure line", err)
	}
}

func TestCtlOutcome(t *testing.T) {
	tests := []struct {
		name    string
		out     string
		err     error
		wantErr bool
	}{
		{"success", "Attempting to connect to C8:84:47:03:F6:5C\nConnection successful\n", nil, false},
		{"failed line", "Attempting to connect to C8:84:47:03:F6:5C\nFailed to connect: org.bluez.Error.Failed\n", nil, true},
		{"unknown device", "Device C8:84:47:03:F6:5C not available\n", nil, true},
		{"exit status", "", errors.New("exit status 1"), true},
	}
	for _, tt := range tests {
		if err := ctlOutcome([]byte(tt.out), tt.err); (err != nil) != tt.wantErr {
			t.Errorf("%s: ctlOutcome = %v, wantErr %t", tt.name, err, tt.wantErr)
		}
	}
}

func TestParseBackend(t *testing.T) {
	for in, want := range map[string]Backend{"": BackendAuto, "AUTO": BackendAuto, "dbus": BackendDBus, "bluetoothctl": BackendCtl} {
		got, err := ParseBackend(in)
		if err != nil || got != want {
			t.Errorf("ParseBackend(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseBackend("hcitool"); err == nil {
		t.Error("ParseBackend accepted an unknown backend")
	}
}
