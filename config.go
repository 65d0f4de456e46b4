package shmbridge

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"gosuda.org/shmbridge/internal/mq"
	"gosuda.org/shmbridge/internal/shm"
)

// Duration is a time.Duration read from TOML as a string such as "500ms"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the file form of everything needed to bring up a bridge, its
// engine peer and the supervisor.
type Config struct {
	Region     RegionConfig     `toml:"region"`
	Model      ModelSection     `toml:"model"`
	Bridge     BridgeConfig     `toml:"bridge"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Log        LogConfig        `toml:"log"`
}

// RegionConfig sizes the shared region
type RegionConfig struct {
	Name          string `toml:"name"`
	Size          uint64 `toml:"size"`
	Growth        uint64 `toml:"growth"`
	MaxSize       uint64 `toml:"max_size"`
	ControlOffset uint64 `toml:"control_offset"`
}

// ModelSection names the hosted model
type ModelSection struct {
	Path               string `toml:"path"`
	Version            string `toml:"version"`
	InstanceName       string `toml:"instance_name"`
	RuntimeInstallPath string `toml:"runtime_install_path"`
}

// BridgeConfig tunes the worker loop
type BridgeConfig struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	HangTimeout       Duration `toml:"hang_timeout"`
	QueueCapacity     uint64   `toml:"queue_capacity"`
	DeviceMemory      bool     `toml:"device_memory"`
	DevicePoolPrefix  string   `toml:"device_pool_prefix"`
}

// SupervisorConfig is the engine-side restart policy
type SupervisorConfig struct {
	HeartbeatTimeout Duration `toml:"heartbeat_timeout"`
	MaxRestarts      int      `toml:"max_restarts"`
	RestartBackoff   Duration `toml:"restart_backoff"`
	MaxBackoff       Duration `toml:"max_backoff"`
}

// LogConfig selects the logrus level and formatter
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Defaults
const (
	DefaultHeartbeatInterval = 100 * time.Millisecond
	DefaultHeartbeatTimeout  = 2 * time.Second
	DefaultHangTimeout       = 30 * time.Second
	DefaultQueueCapacity     = 1024
	DefaultMaxRestarts       = 3
	DefaultRestartBackoff    = 200 * time.Millisecond
	DefaultMaxBackoff        = 5 * time.Second
)

// DefaultControlOffset is where an engine built from this package places
// the IPC control block: the first allocation of a fresh region.
const DefaultControlOffset = shm.HeaderSize + shm.Alignment

// DefaultConfig returns a configuration with every field set.
func DefaultConfig() *Config {
	return &Config{
		Region: RegionConfig{
			Size:          shm.DefaultSize,
			Growth:        shm.DefaultGrowth,
			MaxSize:       shm.DefaultMaxSize,
			ControlOffset: DefaultControlOffset,
		},
		Model: ModelSection{
			Version: "1",
		},
		Bridge: BridgeConfig{
			HeartbeatInterval: Duration{DefaultHeartbeatInterval},
			HangTimeout:       Duration{DefaultHangTimeout},
			QueueCapacity:     DefaultQueueCapacity,
			DevicePoolPrefix:  "shmbridge-pool",
		},
		Supervisor: SupervisorConfig{
			HeartbeatTimeout: Duration{DefaultHeartbeatTimeout},
			MaxRestarts:      DefaultMaxRestarts,
			RestartBackoff:   Duration{DefaultRestartBackoff},
			MaxBackoff:       Duration{DefaultMaxBackoff},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadConfig reads a TOML file over the defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// Validate checks the configuration for values the bridge cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Region.Name == "" {
		errs = append(errs, errors.New("region.name is required"))
	}
	if c.Region.MaxSize != 0 && c.Region.MaxSize < c.Region.Size {
		errs = append(errs, fmt.Errorf("region.max_size %d below region.size %d", c.Region.MaxSize, c.Region.Size))
	}
	if c.Region.ControlOffset == 0 || c.Region.ControlOffset%8 != 0 {
		errs = append(errs, fmt.Errorf("region.control_offset %d is not a valid record offset", c.Region.ControlOffset))
	}
	if c.Model.Path == "" {
		errs = append(errs, errors.New("model.path is required"))
	}
	if c.Bridge.HeartbeatInterval.Duration <= 0 {
		errs = append(errs, errors.New("bridge.heartbeat_interval must be positive"))
	}
	if c.Bridge.HangTimeout.Duration <= c.Bridge.HeartbeatInterval.Duration {
		errs = append(errs, errors.New("bridge.hang_timeout must exceed bridge.heartbeat_interval"))
	}
	if c.Bridge.QueueCapacity == 0 {
		errs = append(errs, errors.New("bridge.queue_capacity must be positive"))
	} else if limit := c.Region.MaxSize; limit != 0 && 2*queueBytes(c.Bridge.QueueCapacity) > limit {
		errs = append(errs, fmt.Errorf("bridge.queue_capacity %d does not fit region.max_size %d", c.Bridge.QueueCapacity, limit))
	}
	if c.Supervisor.HeartbeatTimeout.Duration <= c.Bridge.HeartbeatInterval.Duration {
		errs = append(errs, errors.New("supervisor.heartbeat_timeout must exceed bridge.heartbeat_interval"))
	}
	if c.Supervisor.MaxRestarts < 0 {
		errs = append(errs, errors.New("supervisor.max_restarts must not be negative"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Params returns the worker bootstrap parameters the configuration
// describes.
func (c *Config) Params() BootstrapParams {
	return BootstrapParams{
		RegionName:         c.Region.Name,
		Size:               c.Region.Size,
		GrowthIncrement:    c.Region.Growth,
		ModelPath:          c.Model.Path,
		ModelVersion:       c.Model.Version,
		RuntimeInstallPath: c.Model.RuntimeInstallPath,
		ControlOffset:      c.Region.ControlOffset,
		InstanceName:       c.Model.InstanceName,
	}
}

// EngineOptions returns the engine options the configuration describes.
func (c *Config) EngineOptions() EngineOptions {
	return EngineOptions{
		RegionName:    c.Region.Name,
		Region:        shm.Options{Size: c.Region.Size, Growth: c.Region.Growth, MaxSize: c.Region.MaxSize},
		QueueCapacity: c.Bridge.QueueCapacity,
	}
}

// queueBytes is the region space one queue of capacity slots needs.
func queueBytes(capacity uint64) uint64 {
	return mq.Size[uint64](capacity)
}

// RestartPolicy returns the supervisor restart policy.
func (c *Config) RestartPolicy() RestartPolicy {
	return RestartPolicy{
		MaxRestarts: c.Supervisor.MaxRestarts,
		Backoff:     c.Supervisor.RestartBackoff.Duration,
		MaxBackoff:  c.Supervisor.MaxBackoff.Duration,
	}
}
