package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hoppxi/btlaunch/internal/a2dp"
	"github.com/hoppxi/btlaunch/internal/manager"
	"github.com/hoppxi/btlaunch/internal/toggle"
	"github.com/hoppxi/btlaunch/pkg/btinfo"
	"github.com/hoppxi/btlaunch/pkg/operation"
)

// Config mirrors config.yaml.
type Config struct {
	TargetDeviceAddress string `yaml:"target_device_address"`
	TargetDeviceName    string `yaml:"target_device_name,omitempty"`
	LaunchTarget        string `yaml:"launch_target,omitempty"`
	Adapter             string `yaml:"adapter"`
	Timeout             string `yaml:"timeout"`
	Backend             string `yaml:"backend"`
	MatchByName         bool   `yaml:"match_by_name"`
	Notifications       bool   `yaml:"notifications"`
	LogLevel            string `yaml:"log_level"`
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Pick the target device from the bonded list and write config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		reader := bufio.NewReader(os.Stdin)
		path := configPath()

		if _, err := os.Stat(path); !os.IsNotExist(err) {
			fmt.Printf("Warning: config already exists at %s\n", path)
			if !confirm(reader, "Continuing will overwrite it. Proceed?") {
				return nil
			}
		}

		adapter, _ := cmd.Flags().GetString("adapter")
		def := pickDevice(reader, bondedForSetup(adapter))
		return writeConfig(reader, path, adapter, def)
	},
}

var generateConfigCmd = &cobra.Command{
	Use:   "generate-config",
	Short: "Only generate/update config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		reader := bufio.NewReader(os.Stdin)
		path := configPath()

		if _, err := os.Stat(path); !os.IsNotExist(err) {
			if !confirm(reader, "config.yaml already exists. Overwrite with new settings?") {
				return nil
			}
		}

		adapter, _ := cmd.Flags().GetString("adapter")
		return writeConfig(reader, path, adapter, btinfo.BluetoothDevice{})
	},
}

func configPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return manager.DefaultConfigPath()
}

// bondedForSetup is best effort; setup still works without a bus.
func bondedForSetup(adapter string) []btinfo.BluetoothDevice {
	bt, err := operation.Open(adapter)
	if err != nil {
		fmt.Printf("Bluetooth unavailable (%v), enter the address manually.\n", err)
		return nil
	}
	defer bt.Close()

	devices, err := btinfo.BondedDevices(bt.Conn(), bt.Adapter())
	if err != nil {
		fmt.Printf("Could not list paired devices: %v\n", err)
		return nil
	}
	return devices
}

func pickDevice(r *bufio.Reader, devices []btinfo.BluetoothDevice) btinfo.BluetoothDevice {
	if len(devices) == 0 {
		return btinfo.BluetoothDevice{}
	}
	fmt.Println("Paired devices:")
	for i, d := range devices {
		fmt.Printf("  %d) %s %s\n", i+1, d.Address, d.Name)
	}
	choice := prompt(r, "Device number", "1")
	var n int
	if _, err := fmt.Sscanf(choice, "%d", &n); err != nil || n < 1 || n > len(devices) {
		return btinfo.BluetoothDevice{}
	}
	return devices[n-1]
}

func writeConfig(r *bufio.Reader, path, adapter string, def btinfo.BluetoothDevice) error {
	conf := configFromAnswers(r, adapter, def)
	if _, err := a2dp.ParseAddress(conf.TargetDeviceAddress); err != nil {
		return fmt.Errorf("target_device_address: %w", err)
	}

	d, err := yaml.Marshal(&conf)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, d, 0o644); err != nil {
		return err
	}
	fmt.Printf("Config written to %s\n", path)
	return nil
}

func configFromAnswers(r *bufio.Reader, adapter string, def btinfo.BluetoothDevice) Config {
	conf := Config{Adapter: adapter}
	conf.TargetDeviceAddress = prompt(r, "Target device address", def.Address)
	conf.TargetDeviceName = prompt(r, "Target device name", def.Name)
	conf.LaunchTarget = prompt(r, "Launch after connecting (desktop id or command)", "")
	conf.Timeout = prompt(r, "Timeout", toggle.DefaultTimeout.String())
	conf.Backend = prompt(r, "Backend (auto, dbus, bluetoothctl)", string(a2dp.BackendAuto))
	conf.MatchByName = confirm(r, "Fall back to matching by name?")
	conf.Notifications = !confirm(r, "Disable desktop notifications?")
	conf.LogLevel = prompt(r, "Log level", "info")
	return conf
}

func prompt(r *bufio.Reader, label, defaultValue string) string {
	fmt.Printf("%s [%s]: ", label, defaultValue)
	input, _ := r.ReadString('\n')
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultValue
	}
	return input
}

func confirm(r *bufio.Reader, message string) bool {
	fmt.Printf("%s (y/N): ", message)
	input, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		return false
	}
	input = strings.ToLower(strings.TrimSpace(input))
	return input == "y" || input == "yes"
}
