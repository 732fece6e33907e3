// Package radio powers on the local Bluetooth adapter and reports, once,
// when it is ready.
package radio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

type State int

const (
	Off State = iota
	TurningOn
	On
	Unavailable
)

func (s State) String() string {
	switch s {
	case Off:
		return "OFF"
	case TurningOn:
		return "TURNING_ON"
	case On:
		return "ON"
	case Unavailable:
		return "UNAVAILABLE"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrRejected means the host refused to power the radio on.
	ErrRejected = errors.New("radio: enable request rejected")
	// ErrRadio means the host reported a failure after the request was accepted.
	ErrRadio = errors.New("radio: host reported an error")
)

// Event is a radio change reported by a Host. A non-nil Err is terminal.
type Event struct {
	State State
	Err   error
}

// Host is the platform side of the radio.
type Host interface {
	State() (State, error)
	Enable() error
	// Watch streams radio changes until the returned cancel func is called.
	Watch() (<-chan Event, func(), error)
}

// Poster hands a callback to the goroutine that owns the caller's state.
type Poster interface {
	Post(fn func()) bool
}

type Controller struct {
	host Host
	loop Poster

	mu        sync.Mutex
	listening bool
	fired     bool
	detached  bool
	cancel    func()
}

func New(host Host, loop Poster) *Controller {
	return &Controller{host: host, loop: loop}
}

func (c *Controller) IsOn() bool {
	st, err := c.host.State()
	return err == nil && st == On
}

// RequestEnable asks the host to power the radio. A nil return only means
// the request was accepted.
func (c *Controller) RequestEnable() error {
	if err := c.host.Enable(); err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	return nil
}

// OnEnabled installs the one-shot listener. onOn or onErr is posted to the
// loop at most once in total. Calling it again is a no-op.
func (c *Controller) OnEnabled(onOn func(), onErr func(error)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.listening || c.detached {
		return nil
	}

	events, cancel, err := c.host.Watch()
	if err != nil {
		return fmt.Errorf("%w: watch adapter: %v", ErrRadio, err)
	}
	c.listening = true
	c.cancel = cancel

	go c.listen(events, onOn, onErr)
	return nil
}

// Start short-circuits when the radio is already on: onOn runs synchronously
// and no listener is installed. A rejected request calls onErr synchronously.
func (c *Controller) Start(onOn func(), onErr func(error)) {
	st, stErr := c.host.State()
	if stErr == nil && st == On {
		onOn()
		return
	}

	if err := c.OnEnabled(onOn, onErr); err != nil {
		onErr(err)
		return
	}

	if stErr == nil && st == TurningOn {
		log.Debug().Msg("radio: already turning on, waiting")
		return
	}

	if err := c.RequestEnable(); err != nil {
		c.Detach()
		onErr(err)
	}
}

// Detach removes the listener. Nothing is posted after it returns.
func (c *Controller) Detach() {
	c.mu.Lock()
	c.detached = true
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (c *Controller) listen(events <-chan Event, onOn func(), onErr func(error)) {
	// The radio may have come up between the caller's check and Watch.
	if c.IsOn() {
		c.deliver(onOn)
		return
	}

	for ev := range events {
		switch {
		case ev.Err != nil:
			err := fmt.Errorf("%w: %v", ErrRadio, ev.Err)
			c.deliver(func() { onErr(err) })
			return
		case ev.State == On:
			c.deliver(onOn)
			return
		case ev.State == Unavailable:
			c.deliver(func() { onErr(fmt.Errorf("%w: adapter became unavailable", ErrRadio)) })
			return
		default:
			log.Debug().Stringer("state", ev.State).Msg("radio: state changed")
		}
	}
}

func (c *Controller) deliver(fn func()) {
	// Post never blocks, so holding mu keeps Detach's guarantee.
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fired || c.detached {
		return
	}
	c.fired = true

	if !c.loop.Post(fn) {
		log.Debug().Msg("radio: loop closed, dropping notification")
	}
}
