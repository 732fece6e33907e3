// Package notify surfaces short status messages on the desktop.
package notify

import (
	"github.com/ncruces/zenity"
	"github.com/rs/zerolog/log"
)

const title = "Bluetooth"

// Desktop shows messages as desktop notifications. A notification that
// cannot be shown is logged and otherwise ignored.
type Desktop struct {
	show func(text string, opts ...zenity.Option) error
}

func NewDesktop() *Desktop {
	return &Desktop{show: zenity.Notify}
}

func (d *Desktop) Status(msg string) {
	log.Info().Str("notification", msg).Msg("status")
	if err := d.show(msg, zenity.Title(title), zenity.InfoIcon); err != nil {
		log.Warn().Err(err).Msg("notify: desktop notification failed")
	}
}

func (d *Desktop) Failure(msg string) {
	if err := d.show(msg, zenity.Title(title), zenity.ErrorIcon); err != nil {
		log.Warn().Err(err).Msg("notify: desktop notification failed")
	}
}

// LogOnly writes messages to the log only, for headless sessions and
// notifications=false.
type LogOnly struct{}

func (LogOnly) Status(msg string) {
	log.Info().Str("notification", msg).Msg("status")
}

func (LogOnly) Failure(string) {}
