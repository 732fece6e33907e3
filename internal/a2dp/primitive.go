package a2dp

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// AcceptWindow bounds how long a transition call may take to be refused.
// A call still pending after it counts as accepted; the transition then
// completes asynchronously on the host.
var AcceptWindow = 2 * time.Second

// Primitive is one A2DP connection transition, resolved once per proxy.
type Primitive interface {
	Invoke(dev Device) error
	String() string
}

// Transitions holds the resolved primitives. A nil field means the
// platform does not expose that operation.
type Transitions struct {
	Connect    Primitive
	Disconnect Primitive
}

type Backend string

const (
	BackendAuto Backend = "auto"
	BackendDBus Backend = "dbus"
	BackendCtl  Backend = "bluetoothctl"
)

func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case "", BackendAuto:
		return BackendAuto, nil
	case BackendDBus, BackendCtl:
		return b, nil
	}
	return "", fmt.Errorf("unknown backend %q (want auto, dbus or bluetoothctl)", s)
}

func awaitAccept(done <-chan error, window time.Duration) error {
	select {
	case err := <-done:
		return err
	case <-time.After(window):
		return nil
	}
}

// methodPrimitive calls a Device1 method found by introspection.
type methodPrimitive struct {
	bus    Bus
	method string
	args   []interface{}
}

func (p *methodPrimitive) Invoke(dev Device) error {
	return awaitAccept(p.bus.GoDevice(dev.Path, p.method, p.args...), AcceptWindow)
}

func (p *methodPrimitive) String() string {
	return "dbus:" + p.method
}

// ctlPrimitive shells out to bluetoothctl.
type ctlPrimitive struct {
	bin  string
	verb string
	run  func(bin string, args ...string) <-chan error
}

func (p *ctlPrimitive) Invoke(dev Device) error {
	return awaitAccept(p.run(p.bin, p.verb, dev.Address), AcceptWindow)
}

func (p *ctlPrimitive) String() string {
	return "bluetoothctl:" + p.verb
}

// runCtl starts bluetoothctl in its own process group with its output on an
// unlinked temporary file rather than a pipe. An accepted transition keeps
// running after this process exits and can still write without SIGPIPE.
func runCtl(bin string, args ...string) <-chan error {
	done := make(chan error, 1)

	out, err := os.CreateTemp("", "btlaunch-ctl-*")
	if err != nil {
		done <- err
		return done
	}

	cmd := exec.Command(bin, args...)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	err = cmd.Start()
	os.Remove(out.Name())
	if err != nil {
		out.Close()
		done <- err
		return done
	}

	go func() {
		defer out.Close()
		err := cmd.Wait()
		if _, serr := out.Seek(0, io.SeekStart); serr != nil {
			done <- ctlOutcome(nil, err)
			return
		}
		text, _ := io.ReadAll(out)
		done <- ctlOutcome(text, err)
	}()
	return done
}

// ctlOutcome interprets a finished bluetoothctl run. Older releases exit 0
// even when the request failed, so the output is checked as well.
func ctlOutcome(out []byte, err error) error {
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text != "" {
			return fmt.Errorf("%w: %s", err, text)
		}
		return err
	}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "Failed to") || strings.Contains(line, "not available") {
			return fmt.Errorf("bluetoothctl: %s", line)
		}
	}
	return nil
}

type resolver struct {
	bus      Bus
	backend  Backend
	lookPath func(string) (string, error)
	run      func(bin string, args ...string) <-chan error
}

// resolve looks the transition primitives up once: a Device1 method
// discovered by introspection first, then bluetoothctl.
func (r resolver) resolve() Transitions {
	var methods []string
	if r.backend != BackendCtl {
		methods = r.deviceMethods()
	}

	tr := Transitions{
		Connect:    r.method(methods, "ConnectProfile", "Connect"),
		Disconnect: r.method(methods, "DisconnectProfile", "Disconnect"),
	}

	if r.backend != BackendDBus && (tr.Connect == nil || tr.Disconnect == nil) {
		if bin, err := r.lookPath("bluetoothctl"); err == nil {
			if tr.Connect == nil {
				tr.Connect = &ctlPrimitive{bin: bin, verb: "connect", run: r.run}
			}
			if tr.Disconnect == nil {
				tr.Disconnect = &ctlPrimitive{bin: bin, verb: "disconnect", run: r.run}
			}
		}
	}

	return tr
}

func (r resolver) deviceMethods() []string {
	nodes, err := r.bus.DeviceNodes()
	if err != nil {
		log.Debug().Err(err).Msg("a2dp: listing device nodes failed")
		return nil
	}
	for _, node := range nodes {
		methods, err := r.bus.DeviceMethods(node)
		if err != nil {
			log.Debug().Err(err).Str("path", string(node)).Msg("a2dp: introspection failed")
			continue
		}
		return methods
	}
	return nil
}

func (r resolver) method(methods []string, profileScoped, deviceScoped string) Primitive {
	if slices.Contains(methods, profileScoped) {
		return &methodPrimitive{bus: r.bus, method: profileScoped, args: []interface{}{SinkUUID.String()}}
	}
	if slices.Contains(methods, deviceScoped) {
		return &methodPrimitive{bus: r.bus, method: deviceScoped}
	}
	return nil
}
