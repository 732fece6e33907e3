package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/hoppxi/btlaunch/internal/a2dp"
	"github.com/hoppxi/btlaunch/internal/mainloop"
	"github.com/hoppxi/btlaunch/internal/manager"
	"github.com/hoppxi/btlaunch/internal/notify"
	"github.com/hoppxi/btlaunch/internal/radio"
	"github.com/hoppxi/btlaunch/internal/toggle"
	"github.com/hoppxi/btlaunch/pkg/operation"
)

var Version = "0.1.0"

var (
	cfgFile  string
	settings *manager.Settings
)

var rootCmd = &cobra.Command{
	Use:     "btlaunch",
	Version: Version,
	Short:   "Toggle the A2DP connection of a paired Bluetooth speaker",
	Long: `btlaunch connects the configured Bluetooth audio device if it is
disconnected, or disconnects it if it is connected, turning the adapter on
first when needed. After a successful connect it opens the launch target.`,
	Args:          cobra.NoArgs,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if !needsSettings(cmd) {
			return nil
		}
		return loadSettings(cmd)
	},
	RunE: runToggle,
}

// needsSettings reports whether cmd reads the validated settings. The rest,
// including cobra's help and completion commands, run without a config.
func needsSettings(cmd *cobra.Command) bool {
	return cmd == cmd.Root() || cmd == statusCmd
}

func loadSettings(cmd *cobra.Command) error {
	v, err := manager.Config.Load(cfgFile)
	if err != nil {
		return err
	}

	flags := map[string]string{
		"device":        manager.KeyAddress,
		"name":          manager.KeyName,
		"launch":        manager.KeyLaunchTarget,
		"adapter":       manager.KeyAdapter,
		"timeout":       manager.KeyTimeout,
		"backend":       manager.KeyBackend,
		"match-by-name": manager.KeyMatchByName,
		"notifications": manager.KeyNotifications,
		"log-level":     manager.KeyLogLevel,
	}
	for flag, key := range flags {
		if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return fmt.Errorf("bind --%s: %w", flag, err)
		}
	}

	s, err := manager.SettingsFrom(v)
	if err != nil {
		return err
	}
	settings = s
	zerolog.SetGlobalLevel(s.LogLevel)
	log.Debug().Str("config", v.ConfigFileUsed()).Interface("settings", s).Msg("configuration loaded")
	return nil
}

func runToggle(cmd *cobra.Command, args []string) error {
	bt, err := operation.Open(settings.Adapter)
	if err != nil {
		log.Error().Err(err).Str("adapter", settings.Adapter).Msg("bluetooth adapter unavailable")
		return &toggle.Error{Kind: toggle.KindRadioError, Err: err}
	}
	defer bt.Close()

	loop := mainloop.New()

	var notifier toggle.Notifier = notify.LogOnly{}
	if settings.Notifications {
		notifier = notify.NewDesktop()
	}

	orch := toggle.New(toggle.Config{
		Target: toggle.Target{
			Address:      settings.Address,
			Name:         settings.Name,
			MatchByName:  settings.MatchByName,
			LaunchTarget: settings.LaunchTarget,
		},
		Timeout:  settings.Timeout,
		Loop:     loop,
		Radio:    radio.New(radio.NewBluezHost(bt), loop),
		Acquirer: a2dp.NewAcquirer(a2dp.BluezOpener(settings.Adapter), loop, settings.Backend),
		Notifier: notifier,
		Launcher: manager.NewLauncher(),
		Logger:   log.Logger,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return orch.Run(ctx)
}

func Execute() {
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}).
		With().Timestamp().Logger()

	err := rootCmd.ExecuteContext(context.Background())
	if err == nil {
		return
	}

	var te *toggle.Error
	if errors.As(err, &te) {
		os.Exit(te.Kind.ExitCode())
	}
	log.Error().Err(err).Msg("btlaunch")
	if settings == nil {
		fmt.Fprintln(os.Stderr, "Hint: run `btlaunch setup` to create a config.")
	}
	os.Exit(toggle.ExitConfig)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default "+manager.DefaultConfigPath()+")")
	rootCmd.PersistentFlags().String("device", "", "target device address, e.g. C8:84:47:03:F6:5C")
	rootCmd.PersistentFlags().String("name", "", "target device name, used only with --match-by-name")
	rootCmd.PersistentFlags().String("launch", "", "desktop entry id or executable to open after connecting")
	rootCmd.PersistentFlags().String("adapter", "hci0", "BlueZ adapter")
	rootCmd.PersistentFlags().Duration("timeout", toggle.DefaultTimeout, "deadline for reaching a toggle decision")
	rootCmd.PersistentFlags().String("backend", string(a2dp.BackendAuto), "transition backend: auto, dbus or bluetoothctl")
	rootCmd.PersistentFlags().Bool("match-by-name", false, "fall back to an exact name match when the address is not bonded")
	rootCmd.PersistentFlags().Bool("notifications", true, "show desktop notifications")
	rootCmd.PersistentFlags().String("log-level", "info", "log level")

	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(generateConfigCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(devicesCmd)
}
