package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hoppxi/btlaunch/internal/a2dp"
	"github.com/hoppxi/btlaunch/internal/manager"
	"github.com/hoppxi/btlaunch/internal/radio"
	"github.com/hoppxi/btlaunch/pkg/audioinfo"
	"github.com/hoppxi/btlaunch/pkg/btinfo"
	"github.com/hoppxi/btlaunch/pkg/operation"
)

type statusReport struct {
	Adapter    string              `json:"adapter"`
	Radio      string              `json:"radio"`
	Device     string              `json:"device"`
	Bonded     bool                `json:"bonded"`
	Name       string              `json:"name,omitempty"`
	State      string              `json:"state,omitempty"`
	A2DPSink   bool                `json:"a2dp_sink"`
	Connect    string              `json:"connect_via,omitempty"`
	Disconnect string              `json:"disconnect_via,omitempty"`
	Sink       *audioinfo.SinkInfo `json:"sink,omitempty"`
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show radio and target device state without changing anything",
	RunE: func(cmd *cobra.Command, args []string) error {
		report, err := collectStatus(settings)
		if err != nil {
			return err
		}
		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return printJSON(report)
		}
		printStatus(report)
		return nil
	},
}

func collectStatus(s *manager.Settings) (*statusReport, error) {
	report := &statusReport{Adapter: s.Adapter, Device: s.Address, Radio: radio.Unavailable.String()}

	bt, err := operation.Open(s.Adapter)
	if err != nil {
		log.Debug().Err(err).Msg("status: adapter unavailable")
		return report, nil
	}
	defer bt.Close()

	st, err := radio.NewBluezHost(bt).State()
	if err != nil {
		return nil, err
	}
	report.Radio = st.String()
	if st != radio.On {
		return report, nil
	}

	p, err := a2dp.NewAcquirer(a2dp.BluezOpener(s.Adapter), nil, s.Backend).Open()
	if err != nil {
		return nil, err
	}
	defer p.Release()

	tr := p.Transitions()
	report.Connect = primitiveLabel(tr.Connect)
	report.Disconnect = primitiveLabel(tr.Disconnect)

	devices, err := p.BondedDevices()
	if err != nil {
		return nil, err
	}
	dev, ok := a2dp.FindByAddress(devices, s.Address)
	if !ok && s.MatchByName {
		dev, ok = a2dp.FindByName(devices, s.Name)
	}
	if !ok {
		return report, nil
	}
	report.Bonded = true
	report.Name = dev.Name
	report.A2DPSink = dev.HasSink()

	cs, err := p.ConnectionState(dev)
	if err != nil {
		return nil, err
	}
	report.State = cs.String()

	if cs == a2dp.Connected {
		sink, err := audioinfo.SinkFor(dev.Address)
		if err != nil {
			log.Debug().Err(err).Msg("status: no sound server")
		}
		report.Sink = sink
	}
	return report, nil
}

func primitiveLabel(p a2dp.Primitive) string {
	if p == nil {
		return "unavailable"
	}
	return p.String()
}

func printStatus(r *statusReport) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintf(w, "Adapter:\t%s (%s)\n", r.Adapter, r.Radio)
	if !r.Bonded {
		fmt.Fprintf(w, "Device:\t%s (not paired)\n", r.Device)
		return
	}
	fmt.Fprintf(w, "Device:\t%s %s\n", r.Device, r.Name)
	fmt.Fprintf(w, "State:\t%s\n", r.State)
	fmt.Fprintf(w, "A2DP sink:\t%t\n", r.A2DPSink)
	fmt.Fprintf(w, "Connect via:\t%s\n", r.Connect)
	fmt.Fprintf(w, "Disconnect via:\t%s\n", r.Disconnect)
	if r.Sink != nil {
		fmt.Fprintf(w, "Audio sink:\t%s (%d%%", r.Sink.Name, r.Sink.Level)
		if r.Sink.Muted {
			fmt.Fprint(w, ", muted")
		}
		if r.Sink.Default {
			fmt.Fprint(w, ", default")
		}
		fmt.Fprintln(w, ")")
	}
}

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List bonded Bluetooth devices",
	RunE: func(cmd *cobra.Command, args []string) error {
		v, err := manager.Config.Load(cfgFile)
		if err != nil {
			return err
		}
		if err := v.BindPFlag(manager.KeyAdapter, cmd.Flags().Lookup("adapter")); err != nil {
			return err
		}
		adapter := v.GetString(manager.KeyAdapter)

		bt, err := operation.Open(adapter)
		if err != nil {
			return err
		}
		defer bt.Close()

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			data, err := btinfo.BondedDevicesJSON(bt.Conn(), bt.Adapter())
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		infos, err := btinfo.BondedDevices(bt.Conn(), bt.Adapter())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer w.Flush()
		fmt.Fprintln(w, "ADDRESS\tNAME\tSTATE\tA2DP")
		for _, info := range infos {
			dev := a2dp.DeviceFrom(bt.Adapter(), info)
			st := a2dp.StateFrom(info.Connected, info.ServicesResolved, info.A2DPTransport)
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", dev.Address, dev.Name, st, dev.HasSink())
		}
		return nil
	},
}

func printJSON(v any) error {
	enc, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(enc))
	return nil
}

func init() {
	statusCmd.Flags().Bool("json", false, "print as JSON")
	devicesCmd.Flags().Bool("json", false, "print as JSON")
}
