package notify

import (
	"errors"
	"testing"

	"github.com/ncruces/zenity"
)

func TestDesktopShowsMessage(t *testing.T) {
	var got []string
	d := &Desktop{show: func(text string, opts ...zenity.Option) error {
		got = append(got, text)
		if len(opts) != 2 {
			t.Errorf("got %d options, want title and icon", len(opts))
		}
		return nil
	}}

	d.Status("Bluetooth Connected")
	d.Failure("Device not paired.")

	if len(got) != 2 || got[0] != "Bluetooth Connected" || got[1] != "Device not paired." {
		t.Errorf("shown = %v", got)
	}
}

func TestDesktopSwallowsErrors(t *testing.T) {
	d := &Desktop{show: func(string, ...zenity.Option) error {
		return errors.New("no notification daemon")
	}}
	d.Status("Bluetooth Disconnected")
	d.Failure("Timed out.")
}
