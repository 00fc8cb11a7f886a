package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/nodevisor/internal/env"
	"github.com/loykin/nodevisor/internal/logger"
	"github.com/loykin/nodevisor/internal/metrics"
	"github.com/loykin/nodevisor/internal/orchestrator"
	"github.com/loykin/nodevisor/internal/service"
)

const EnvPrefix = "NODEVISOR"

var ErrInvalidConfig = errors.New("invalid config")

// Config represents the top-level TOML structure.
type Config struct {
	Env          []string           `toml:"env" mapstructure:"env"`
	EnvFiles     []string           `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv     bool               `toml:"use_os_env" mapstructure:"use_os_env"`
	Log          logger.Config      `toml:"log" mapstructure:"log"`
	Backend      BackendSection     `toml:"backend" mapstructure:"backend"`
	AppServer    AppServerSection   `toml:"app_server" mapstructure:"app_server"`
	Orchestrator OrchestratorConfig `toml:"orchestrator" mapstructure:"orchestrator"`
	Server       ServerConfig       `toml:"server" mapstructure:"server"`
	Metrics      MetricsConfig      `toml:"metrics" mapstructure:"metrics"`
	History      HistoryConfig      `toml:"history" mapstructure:"history"`
}

type BackendSection struct {
	service.BackendConfig `mapstructure:",squash"`
	Options               service.BackendOptions `toml:"options" mapstructure:"options"`
}

type AppServerSection struct {
	service.AppServerConfig `mapstructure:",squash"`
	Options                 service.AppServerOptions `toml:"options" mapstructure:"options"`
}

type OrchestratorConfig struct {
	DefaultModel string `toml:"default_model" mapstructure:"default_model"`
	ModelFile    string `toml:"model_file" mapstructure:"model_file"`
	// SpawnOnStart starts both services when the daemon starts.
	SpawnOnStart bool `toml:"spawn_on_start" mapstructure:"spawn_on_start"`
}

type ServerConfig struct {
	Enabled  bool   `toml:"enabled" mapstructure:"enabled"`
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
	// Listen serves /metrics on its own address; empty mounts it on the API server.
	Listen    string                 `toml:"listen" mapstructure:"listen"`
	Resources metrics.ResourceConfig `toml:"resources" mapstructure:"resources"`
}

type HistoryConfig struct {
	Enabled bool     `toml:"enabled" mapstructure:"enabled"`
	Sinks   []string `toml:"sinks" mapstructure:"sinks"`
}

// DataDir is the default root for node storage and logs.
func DataDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".nodevisor")
	}
	return filepath.Join(os.TempDir(), "nodevisor")
}

func setDefaults(v *viper.Viper) {
	data := DataDir()
	v.SetDefault("use_os_env", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file.dir", "")

	v.SetDefault("backend.binary", "ollama")
	v.SetDefault("backend.args", []string{"serve"})
	v.SetDefault("backend.work_dir", "")
	v.SetDefault("backend.ready_pattern", service.DefaultBackendReadyPattern)
	v.SetDefault("app_server.binary", "node-server")
	v.SetDefault("app_server.work_dir", "")
	v.SetDefault("app_server.health_path", service.DefaultHealthPath)
	v.SetDefault("app_server.ready_pattern", service.DefaultReadyPattern)
	v.SetDefault("app_server.ready_file", "")
	v.SetDefault("app_server.storage_path", filepath.Join(data, "storage"))
	for _, section := range []string{"backend", "app_server"} {
		v.SetDefault(section+".min_alive", "5s")
		v.SetDefault(section+".port_release_delay", "1s")
		v.SetDefault(section+".log_capacity", 500)
		v.SetDefault(section+".health_delay", "500ms")
		v.SetDefault(section+".health_timeout", "400ms")
		v.SetDefault(section+".health_deadline", "30s")
	}
	// registered so that NODEVISOR_BACKEND_OPTIONS_<KEY> overrides apply
	for _, k := range service.BackendOptionKeys() {
		v.SetDefault("backend.options."+k, "")
	}
	for _, k := range service.AppServerOptionKeys() {
		v.SetDefault("app_server.options."+k, "")
	}

	v.SetDefault("orchestrator.default_model", orchestrator.DefaultModel)
	v.SetDefault("orchestrator.model_file", "")
	v.SetDefault("orchestrator.spawn_on_start", false)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:8090")
	v.SetDefault("server.base_path", "/api")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.resources.enabled", false)
	v.SetDefault("metrics.resources.interval", "5s")

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.sinks", []string{})
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load reads the TOML file at path (optional) on top of the defaults, applies
// NODEVISOR_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if path != "" {
		c.resolvePaths(filepath.Dir(path))
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// resolvePaths makes file paths in the config relative to its directory.
func (c *Config) resolvePaths(dir string) {
	abs := func(p *string) {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
	abs(&c.Orchestrator.ModelFile)
	for i := range c.EnvFiles {
		abs(&c.EnvFiles[i])
	}
}

func invalid(field, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalidConfig, field, fmt.Sprintf(format, args...))
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json", "color":
	default:
		return invalid("log.format", "unknown format %q", c.Log.Format)
	}
	if strings.TrimSpace(c.Backend.Binary) == "" {
		return invalid("backend.binary", "required")
	}
	if strings.TrimSpace(c.AppServer.Binary) == "" {
		return invalid("app_server.binary", "required")
	}
	for name, pc := range map[string]service.ProcessConfig{
		"backend": c.Backend.ProcessConfig, "app_server": c.AppServer.ProcessConfig,
	} {
		for field, d := range map[string]time.Duration{
			"min_alive": pc.MinAlive, "health_delay": pc.HealthDelay,
			"health_timeout": pc.HealthTimeout, "health_deadline": pc.HealthDeadline,
		} {
			if d < 0 {
				return invalid(name+"."+field, "must not be negative")
			}
		}
		if pc.LogCapacity < 0 {
			return invalid(name+".log_capacity", "must not be negative")
		}
	}
	for field, expr := range map[string]string{
		"backend.ready_pattern": c.Backend.ReadyPattern, "app_server.ready_pattern": c.AppServer.ReadyPattern,
	} {
		if _, err := regexp.Compile(expr); err != nil {
			return invalid(field, "%v", err)
		}
	}
	if !strings.HasPrefix(c.AppServer.HealthPath, "/") {
		return invalid("app_server.health_path", "must start with /")
	}
	if strings.TrimSpace(c.Orchestrator.DefaultModel) == "" {
		return invalid("orchestrator.default_model", "required")
	}
	if c.Server.Enabled {
		if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
			return invalid("server.listen", "%v", err)
		}
	}
	if c.Metrics.Listen != "" {
		if _, _, err := net.SplitHostPort(c.Metrics.Listen); err != nil {
			return invalid("metrics.listen", "%v", err)
		}
	}
	if c.History.Enabled && len(c.History.Sinks) == 0 {
		return invalid("history.sinks", "at least one sink is required when history is enabled")
	}
	return nil
}

// OrchestratorConfig assembles the orchestrator configuration.
func (c *Config) OrchestratorConfig() orchestrator.Config {
	return orchestrator.Config{
		DefaultModel: c.Orchestrator.DefaultModel,
		ModelFile:    c.Orchestrator.ModelFile,
		Backend:      c.Backend.BackendConfig,
		AppServer:    c.AppServer.AppServerConfig,
		Options: service.Options{
			Backend:   c.Backend.Options,
			AppServer: c.AppServer.Options,
		},
	}
}

// BaseEnv builds the environment handed to both services.
// Precedence: OS env (when enabled) provides the base; then env_files in
// order; then the top-level env list.
func (c *Config) BaseEnv() (*env.Env, error) {
	m := env.Var{}
	if c.UseOSEnv {
		m = env.Parse(os.Environ())
	}
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, err
		}
		for k, v := range pairs {
			m[k] = v
		}
	}
	for k, v := range env.Parse(c.Env) {
		m[k] = v
	}
	return env.WithBase(m), nil
}

// LoadEnvFile parses a .env file with KEY=VALUE lines. Blank lines and lines
// starting with # are ignored, as is a leading "export ".
func LoadEnvFile(path string) (env.Var, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, err
	}
	m := env.Var{}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		if i := strings.IndexByte(line, '='); i > 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.Trim(strings.TrimSpace(line[i+1:]), `"'`)
			m[k] = v
		}
	}
	return m, nil
}
