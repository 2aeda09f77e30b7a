package supervisor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/viper"
)

// WorkerSpec is the immutable, validated description of one worker in the
// fleet: a repository name, its workspace, and the TCP port it will be
// spawned on. Per-worker timeout overrides are optional; a nil override
// means "use the fleet default".
type WorkerSpec struct {
	Name            string
	Workspace       string
	Port            uint16
	Description     string
	Language        string
	PythonPath      string
	GracefulTimeout *time.Duration
	ShutdownTimeout *time.Duration
}

// GracefulTimeoutOr returns the worker's override if set, else the fleet default.
func (w WorkerSpec) GracefulTimeoutOr(def time.Duration) time.Duration {
	if w.GracefulTimeout != nil {
		return *w.GracefulTimeout
	}
	return def
}

// ShutdownTimeoutOr returns the worker's override if set, else the fleet default.
func (w WorkerSpec) ShutdownTimeoutOr(def time.Duration) time.Duration {
	if w.ShutdownTimeout != nil {
		return *w.ShutdownTimeout
	}
	return def
}

// RestartConfig defines the backoff delay applied before each restart
// attempt, layered on top of the mandatory wait_until_free gate.
// MaxAttempts is not read by the restart path; the restart ceiling is
// FleetConfig.MaxRestarts.
type RestartConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier"`
}

// FleetConfig holds the supervisor's own tunables. It is distinct from the
// per-repository WorkerSpec list, which is loaded separately by
// LoadRepositories.
type FleetConfig struct {
	HealthInterval  time.Duration `mapstructure:"health_interval"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxRestarts     int           `mapstructure:"max_restarts"`
	Restart         RestartConfig `mapstructure:"restart"`
	GracePeriod     time.Duration `mapstructure:"grace_period"`
	ForceTimeout    time.Duration `mapstructure:"force_timeout"`
	Logging         LoggingConfig `mapstructure:"logging"`
	Metrics         MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig controls the structured logger (logger.go).
type LoggingConfig struct {
	Level        string `mapstructure:"level"`
	Format       string `mapstructure:"format"`
	TraceEnabled bool   `mapstructure:"trace_enabled"`
}

// MetricsConfig controls Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
	Path     string `mapstructure:"path"`
}

// LoadFleetConfig loads the supervisor's own configuration from file and
// environment. A missing config file is not an error; defaults apply.
func LoadFleetConfig(configPath string) (*FleetConfig, error) {
	v := viper.New()
	setFleetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("reposupervisor")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/reposupervisor")
	}

	v.SetEnvPrefix("REPOSUP")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read fleet config: %w", err)
		}
	}

	var cfg FleetConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal fleet config: %w", err)
	}

	cfg.HealthInterval *= time.Second
	cfg.GracefulTimeout *= time.Second
	cfg.ShutdownTimeout *= time.Second
	cfg.GracePeriod *= time.Second
	cfg.ForceTimeout *= time.Second
	cfg.Restart.InitialBackoff *= time.Millisecond
	cfg.Restart.MaxBackoff *= time.Millisecond

	return &cfg, nil
}

func setFleetDefaults(v *viper.Viper) {
	v.SetDefault("health_interval", 30)
	v.SetDefault("graceful_timeout", 10)
	v.SetDefault("shutdown_timeout", 30)
	v.SetDefault("max_restarts", 5)
	v.SetDefault("grace_period", 10)
	v.SetDefault("force_timeout", 5)

	v.SetDefault("restart.max_attempts", 5)
	v.SetDefault("restart.initial_backoff", 1000)
	v.SetDefault("restart.max_backoff", 30000)
	v.SetDefault("restart.multiplier", 2.0)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.trace_enabled", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.endpoint", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}

// repositoryEntry mirrors one value of the "repositories" map in the
// consumed JSON configuration document (spec.md §6).
type repositoryEntry struct {
	Workspace   string `mapstructure:"workspace"`
	Port        int    `mapstructure:"port"`
	Description string `mapstructure:"description"`
	Language    string `mapstructure:"language"`
	PythonPath  string `mapstructure:"python_path"`
}

// LoadRepositories loads and validates the repository map from a JSON
// file, producing a deterministically ordered (by name) list of
// WorkerSpecs. It never mutates the file and never auto-assigns ports.
func LoadRepositories(path string) ([]WorkerSpec, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}

	raw := map[string]repositoryEntry{}
	if err := v.UnmarshalKey("repositories", &raw); err != nil {
		return nil, fmt.Errorf("%w: failed to parse repositories: %v", ErrConfiguration, err)
	}

	names := make([]string, 0, len(raw))
	for name := range raw {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]WorkerSpec, 0, len(raw))
	seenPorts := map[uint16]string{}

	for _, name := range names {
		entry := raw[name]

		if entry.Workspace == "" {
			return nil, fmt.Errorf("%w: repository %q missing workspace", ErrConfiguration, name)
		}
		if !filepath.IsAbs(entry.Workspace) {
			return nil, fmt.Errorf("%w: repository %q workspace %q must be absolute", ErrConfiguration, name, entry.Workspace)
		}
		info, err := os.Stat(entry.Workspace)
		if err != nil || !info.IsDir() {
			return nil, fmt.Errorf("%w: repository %q workspace %q does not exist", ErrConfiguration, name, entry.Workspace)
		}

		if entry.Port < 1 || entry.Port > 65535 {
			return nil, fmt.Errorf("%w: repository %q port %d out of range [1,65535]", ErrConfiguration, name, entry.Port)
		}
		port := uint16(entry.Port)
		if other, ok := seenPorts[port]; ok {
			return nil, fmt.Errorf("%w: repositories %q and %q both claim port %d", ErrConfiguration, other, name, port)
		}
		seenPorts[port] = name

		specs = append(specs, WorkerSpec{
			Name:        name,
			Workspace:   entry.Workspace,
			Port:        port,
			Description: entry.Description,
			Language:    entry.Language,
			PythonPath:  entry.PythonPath,
		})
	}

	return specs, nil
}
