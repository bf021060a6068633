// Package paths resolves per-OS data and log directories for the relay.
package paths

import (
	"os"
	"path/filepath"
	"runtime"

	"uprelay/internal/constants"
)

// DataDir is the per-user application data directory.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Roaming", constants.AppName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", constants.AppName), nil
	default:
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, constants.AppName), nil
		}
		return filepath.Join(home, ".local", "share", constants.AppName), nil
	}
}

// UploadDir is where relayed videos land when nothing else is configured.
func UploadDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, constants.UploadsDirName), nil
}

func LogDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	switch runtime.GOOS {
	case "windows":
		return filepath.Join(home, "AppData", "Local", constants.AppName, "logs"), nil
	case "darwin":
		return filepath.Join(home, "Library", "Logs", constants.AppName), nil
	default:
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, constants.AppName, "logs"), nil
		}
		return filepath.Join(home, ".local", "share", constants.AppName, "logs"), nil
	}
}
