package relay

import (
	"fmt"
	"time"

	"uprelay/internal/constants"
	"uprelay/internal/paths"
	"uprelay/internal/security"
)

// Config is the effective relay configuration. It is fixed for the lifetime
// of one listening socket.
type Config struct {
	Host            string
	Port            int
	UploadDir       string
	StaticDir       string
	FieldName       string
	MaxFileSize     int64
	IdleTimeout     time.Duration
	MaxUploadsPerIP int
}

// Options is what callers pass to Configure. Zero values take defaults.
type Options struct {
	Host            string
	Port            int
	UploadDir       string
	StaticDir       string
	MaxFileSize     int64
	IdleTimeout     time.Duration
	MaxUploadsPerIP int
}

func resolveConfig(opts Options) (Config, error) {
	cfg := Config{
		Host:            opts.Host,
		Port:            opts.Port,
		UploadDir:       opts.UploadDir,
		StaticDir:       opts.StaticDir,
		FieldName:       constants.DefaultFieldName,
		MaxFileSize:     opts.MaxFileSize,
		IdleTimeout:     opts.IdleTimeout,
		MaxUploadsPerIP: opts.MaxUploadsPerIP,
	}

	if cfg.Host == "" {
		cfg.Host = constants.DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = constants.DefaultPort
	}
	if !security.ValidatePort(cfg.Port) {
		return Config{}, fmt.Errorf("%s: %d", constants.MsgInvalidPort, cfg.Port)
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = constants.DefaultMaxFileSize
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = constants.DefaultIdleTimeout
	}
	if cfg.MaxUploadsPerIP == 0 {
		cfg.MaxUploadsPerIP = constants.DefaultUploadsPerIP
	}
	if cfg.UploadDir == "" {
		dir, err := paths.UploadDir()
		if err != nil {
			return Config{}, fmt.Errorf("failed to resolve default upload directory: %w", err)
		}
		cfg.UploadDir = dir
	}

	return cfg, nil
}
