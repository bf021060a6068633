// Package config loads uprelay settings.
//
// Sources, lowest priority first:
//  1. built-in defaults
//  2. the YAML file named by UPRELAY_CONFIG
//  3. environment variables, including those loaded from .env
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"uprelay/internal/constants"
	"uprelay/internal/security"
	"uprelay/internal/utils"
)

const (
	EnvConfigFile          = "UPRELAY_CONFIG"
	EnvHost                = "UPRELAY_HOST"
	EnvPort                = "UPRELAY_PORT"
	EnvUploadDir           = "UPRELAY_UPLOAD_DIR"
	EnvStaticDir           = "UPRELAY_STATIC_DIR"
	EnvMaxFileSize         = "UPRELAY_MAX_FILE_SIZE"
	EnvIdleTimeout         = "UPRELAY_IDLE_TIMEOUT"
	EnvMaxUploadsPerIP     = "UPRELAY_MAX_UPLOADS_PER_IP"
	EnvAutostartServer     = "UPRELAY_AUTOSTART_SERVER"
	EnvForwardTool         = "UPRELAY_FORWARD_TOOL"
	EnvHostPort            = "UPRELAY_HOST_PORT"
	EnvDevicePort          = "UPRELAY_DEVICE_PORT"
	EnvReadyWindow         = "UPRELAY_READY_WINDOW"
	EnvReadyPattern        = "UPRELAY_READY_PATTERN"
	EnvReadyProbe          = "UPRELAY_READY_PROBE"
	EnvDeviceCheckInterval = "UPRELAY_DEVICE_CHECK_INTERVAL"
	EnvAutostartForward    = "UPRELAY_AUTOSTART_FORWARD"
	EnvControlAddr         = "UPRELAY_CONTROL_ADDR"
	EnvLogLevel            = "UPRELAY_LOG_LEVEL"
	EnvLogFormat           = "UPRELAY_LOG_FORMAT"
	EnvJournalDir          = "UPRELAY_JOURNAL_DIR"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Forward ForwardConfig `yaml:"forward"`
	Control ControlConfig `yaml:"control"`
	Log     LogConfig     `yaml:"log"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	UploadDir       string        `yaml:"upload_dir"`
	StaticDir       string        `yaml:"static_dir"`
	MaxFileSize     int64         `yaml:"max_file_size"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	MaxUploadsPerIP int           `yaml:"max_uploads_per_ip"`
	Autostart       bool          `yaml:"autostart"`
}

type ForwardConfig struct {
	Tool          string        `yaml:"tool"`
	HostPort      int           `yaml:"host_port"`
	DevicePort    int           `yaml:"device_port"`
	ReadyWindow   time.Duration `yaml:"ready_window"`
	ReadyPattern  string        `yaml:"ready_pattern"`
	ReadyProbe    bool          `yaml:"ready_probe"`
	CheckInterval time.Duration `yaml:"check_interval"`
	Autostart     bool          `yaml:"autostart"`
}

type ControlConfig struct {
	Addr string `yaml:"addr"`
}

type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	JournalDir string `yaml:"journal_dir"`
}

// Default returns the built-in configuration. An empty upload directory
// means the per-user default.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            constants.DefaultHost,
			Port:            constants.DefaultPort,
			MaxFileSize:     constants.DefaultMaxFileSize,
			IdleTimeout:     constants.DefaultIdleTimeout,
			MaxUploadsPerIP: constants.DefaultUploadsPerIP,
		},
		Forward: ForwardConfig{
			Tool:          constants.DefaultForwardTool,
			HostPort:      constants.DefaultHostPort,
			DevicePort:    constants.DefaultDevicePort,
			ReadyWindow:   constants.DefaultReadyWindow,
			CheckInterval: constants.DefaultCheckInterval,
		},
		Control: ControlConfig{
			Addr: constants.DefaultControlAddr,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads .env (without overriding variables already set), the optional
// YAML file, then environment overrides, and validates the result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := Default()
	if path := utils.GetEnv(EnvConfigFile, ""); path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	s := &c.Server
	s.Host = utils.GetEnv(EnvHost, s.Host)
	s.Port = utils.GetEnvInt(EnvPort, s.Port)
	s.UploadDir = utils.GetEnv(EnvUploadDir, s.UploadDir)
	s.StaticDir = utils.GetEnv(EnvStaticDir, s.StaticDir)
	s.MaxFileSize = utils.GetEnvInt64(EnvMaxFileSize, s.MaxFileSize)
	s.IdleTimeout = utils.GetEnvDuration(EnvIdleTimeout, s.IdleTimeout)
	s.MaxUploadsPerIP = utils.GetEnvInt(EnvMaxUploadsPerIP, s.MaxUploadsPerIP)
	s.Autostart = utils.GetEnvBool(EnvAutostartServer, s.Autostart)

	f := &c.Forward
	f.Tool = utils.GetEnv(EnvForwardTool, f.Tool)
	f.HostPort = utils.GetEnvInt(EnvHostPort, f.HostPort)
	f.DevicePort = utils.GetEnvInt(EnvDevicePort, f.DevicePort)
	f.ReadyWindow = utils.GetEnvDuration(EnvReadyWindow, f.ReadyWindow)
	f.ReadyPattern = utils.GetEnv(EnvReadyPattern, f.ReadyPattern)
	f.ReadyProbe = utils.GetEnvBool(EnvReadyProbe, f.ReadyProbe)
	f.CheckInterval = utils.GetEnvDuration(EnvDeviceCheckInterval, f.CheckInterval)
	f.Autostart = utils.GetEnvBool(EnvAutostartForward, f.Autostart)

	c.Control.Addr = utils.GetEnv(EnvControlAddr, c.Control.Addr)

	c.Log.Level = utils.GetEnv(EnvLogLevel, c.Log.Level)
	c.Log.Format = utils.GetEnv(EnvLogFormat, c.Log.Format)
	c.Log.JournalDir = utils.GetEnv(EnvJournalDir, c.Log.JournalDir)
}

func (c *Config) Validate() error {
	var problems []string

	if !security.ValidatePort(c.Server.Port) {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if !security.ValidatePort(c.Forward.HostPort) {
		problems = append(problems, fmt.Sprintf("forward.host_port %d out of range", c.Forward.HostPort))
	}
	if !security.ValidatePort(c.Forward.DevicePort) {
		problems = append(problems, fmt.Sprintf("forward.device_port %d out of range", c.Forward.DevicePort))
	}
	if c.Server.MaxFileSize <= 0 {
		problems = append(problems, "server.max_file_size must be positive")
	}
	if c.Forward.Tool == "" {
		problems = append(problems, "forward.tool must not be empty")
	}
	if _, err := c.ReadyPattern(); err != nil {
		problems = append(problems, fmt.Sprintf("forward.ready_pattern: %v", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q must be text or json", c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ReadyPattern compiles forward.ready_pattern, or returns nil when unset.
func (c *Config) ReadyPattern() (*regexp.Regexp, error) {
	if c.Forward.ReadyPattern == "" {
		return nil, nil
	}
	return regexp.Compile(c.Forward.ReadyPattern)
}
