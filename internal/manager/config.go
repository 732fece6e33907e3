package manager

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/hoppxi/btlaunch/internal/a2dp"
	"github.com/hoppxi/btlaunch/internal/toggle"
)

// Link-time defaults, set with -ldflags "-X github.com/hoppxi/btlaunch/internal/manager.DefaultDeviceAddress=...".
var (
	DefaultDeviceAddress string
	DefaultDeviceName    string
	DefaultLaunchTarget  string
)

const (
	KeyAddress       = "target_device_address"
	KeyName          = "target_device_name"
	KeyLaunchTarget  = "launch_target"
	KeyAdapter       = "adapter"
	KeyTimeout       = "timeout"
	KeyBackend       = "backend"
	KeyMatchByName   = "match_by_name"
	KeyNotifications = "notifications"
	KeyLogLevel      = "log_level"
)

// Settings is the validated configuration of one run.
type Settings struct {
	Address       string
	Name          string
	LaunchTarget  string
	Adapter       string
	Timeout       time.Duration
	Backend       a2dp.Backend
	MatchByName   bool
	Notifications bool
	LogLevel      zerolog.Level
}

var (
	once    sync.Once
	v       *viper.Viper
	loadErr error
)

type ConfigManager struct{}

var Config = &ConfigManager{}

// ConfigDir is where setup writes config.yaml.
func ConfigDir() string {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "btlaunch")
	}
	return filepath.Join(configDir, "btlaunch")
}

func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// Load reads the config file once per process. An empty path means the
// default location, which may be absent; an explicit path must exist.
func (c *ConfigManager) Load(path string) (*viper.Viper, error) {
	once.Do(func() {
		v, loadErr = newViper(path)
	})
	return v, loadErr
}

func newViper(path string) (*viper.Viper, error) {
	vp := viper.New()

	vp.SetDefault(KeyAddress, DefaultDeviceAddress)
	vp.SetDefault(KeyName, DefaultDeviceName)
	vp.SetDefault(KeyLaunchTarget, DefaultLaunchTarget)
	vp.SetDefault(KeyAdapter, "hci0")
	vp.SetDefault(KeyTimeout, toggle.DefaultTimeout)
	vp.SetDefault(KeyBackend, string(a2dp.BackendAuto))
	vp.SetDefault(KeyMatchByName, false)
	vp.SetDefault(KeyNotifications, true)
	vp.SetDefault(KeyLogLevel, "info")

	vp.SetEnvPrefix("BTLAUNCH")
	vp.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	vp.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	vp.SetConfigFile(path)
	vp.SetConfigType("yaml")

	if err := vp.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		missing := errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound)
		if explicit || !missing {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return vp, nil
}

// MinTimeout is the smallest accepted deadline. A bare integer in YAML is
// read as nanoseconds, which this rejects.
const MinTimeout = 100 * time.Millisecond

// SettingsFrom validates the loaded values.
func SettingsFrom(vp *viper.Viper) (*Settings, error) {
	raw := strings.TrimSpace(vp.GetString(KeyAddress))
	if raw == "" {
		return nil, fmt.Errorf("%s is not set", KeyAddress)
	}
	addr, err := a2dp.ParseAddress(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeyAddress, err)
	}

	backend, err := a2dp.ParseBackend(vp.GetString(KeyBackend))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeyBackend, err)
	}

	timeout := vp.GetDuration(KeyTimeout)
	if timeout < MinTimeout {
		return nil, fmt.Errorf("%s must be a duration of at least %s such as \"10s\", got %q",
			KeyTimeout, MinTimeout, vp.GetString(KeyTimeout))
	}

	level, err := zerolog.ParseLevel(vp.GetString(KeyLogLevel))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", KeyLogLevel, err)
	}

	adapter := vp.GetString(KeyAdapter)
	if adapter == "" || strings.ContainsRune(adapter, '/') {
		return nil, fmt.Errorf("%s: invalid adapter name %q", KeyAdapter, adapter)
	}

	return &Settings{
		Address:       addr,
		Name:          vp.GetString(KeyName),
		LaunchTarget:  strings.TrimSpace(vp.GetString(KeyLaunchTarget)),
		Adapter:       adapter,
		Timeout:       timeout,
		Backend:       backend,
		MatchByName:   vp.GetBool(KeyMatchByName),
		Notifications: vp.GetBool(KeyNotifications),
		LogLevel:      level,
	}, nil
}
