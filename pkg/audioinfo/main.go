package audioinfo

import (
	"fmt"
	"strings"

	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
)

// SinkInfo describes the audio sink a Bluetooth device exposes once its
// A2DP profile is connected.
type SinkInfo struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Level   int    `json:"level"` // percent 0-100
	Muted   bool   `json:"muted"`
	Default bool   `json:"default"`
}

func channelVolumesToPercent(cv proto.ChannelVolumes) int {
	if len(cv) == 0 {
		return 100
	}
	var sum float64
	for _, v := range cv {
		sum += float64(v) / float64(proto.VolumeNorm) * 100.0
	}
	pct := int(sum/float64(len(cv)) + 0.5)
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct
}

// matchesAddress reports whether a sink name belongs to addr. PulseAudio
// names them bluez_sink.XX_XX_..., PipeWire bluez_output.XX_XX_...
func matchesAddress(sinkID, addr string) bool {
	if !strings.HasPrefix(sinkID, "bluez_") || addr == "" {
		return false
	}
	token := strings.ToUpper(strings.ReplaceAll(addr, ":", "_"))
	for _, part := range strings.Split(sinkID, ".") {
		if strings.ToUpper(part) == token {
			return true
		}
	}
	return false
}

// SinkFor returns the sink of the device at addr, or nil when the sound
// server has none for it.
func SinkFor(addr string) (*SinkInfo, error) {
	c, err := pulse.NewClient(pulse.ClientApplicationName("btlaunch"))
	if err != nil {
		return nil, fmt.Errorf("failed to create pulse client: %w", err)
	}
	defer c.Close()

	sinks, err := c.ListSinks()
	if err != nil {
		return nil, fmt.Errorf("failed to list sinks: %w", err)
	}

	var def string
	if d, err := c.DefaultSink(); err == nil {
		def = d.ID()
	}

	for _, s := range sinks {
		if !matchesAddress(s.ID(), addr) {
			continue
		}
		var reply proto.GetSinkInfoReply
		req := proto.GetSinkInfo{SinkIndex: proto.Undefined, SinkName: s.ID()}
		if err := c.RawRequest(&req, &reply); err != nil {
			return nil, fmt.Errorf("failed to request sink info: %w", err)
		}
		return &SinkInfo{
			ID:      s.ID(),
			Name:    s.Name(),
			Level:   channelVolumesToPercent(reply.ChannelVolumes),
			Muted:   reply.Mute,
			Default: s.ID() == def,
		}, nil
	}
	return nil, nil
}
