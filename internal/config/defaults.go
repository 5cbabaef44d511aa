package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// TallydDir returns the base tallyd data directory.
// Uses platform-specific paths or the TALLYD_DATA_DIR environment override.
func TallydDir() string {
	if envDir := os.Getenv("TALLYD_DATA_DIR"); envDir != "" {
		return envDir
	}
	return platformDataDir()
}

func platformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", "tallyd")
	case "windows":
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			return filepath.Join(localAppData, "tallyd")
		}
		return filepath.Join(homeDir(), "AppData", "Local", "tallyd")
	default:
		// Linux and friends follow the XDG Base Directory Specification.
		if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
			return filepath.Join(xdgData, "tallyd")
		}
		return filepath.Join(homeDir(), ".local", "share", "tallyd")
	}
}

func platformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(homeDir(), "Library", "Application Support", "tallyd")
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, "tallyd")
		}
		return filepath.Join(homeDir(), "AppData", "Roaming", "tallyd")
	default:
		if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
			return filepath.Join(xdgConfig, "tallyd")
		}
		return filepath.Join(homeDir(), ".config", "tallyd")
	}
}

// defaultStatePath is where the usage state file lives when not configured:
// the writing program keeps it at the root of the user's home directory.
func defaultStatePath() string {
	return filepath.Join(homeDir(), ".claude.json")
}

func homeDir() string {
	if home := os.Getenv("HOME"); home != "" {
		return home
	}
	home, _ := os.UserHomeDir()
	return home
}
