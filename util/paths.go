package util

import (
	"fmt"
	"os"
	"path/filepath"
)

// DataDirEnv overrides the default data directory.
const DataDirEnv = "BTRACED_DIR"

// GetDataDir returns the data directory path
func GetDataDir() string {
	if envDir := os.Getenv(DataDirEnv); envDir != "" {
		return envDir
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".btraced-data")
	}
	return filepath.Join(home, ".btraced-data")
}

// GetDeviceDir returns the per-device directory holding its advertising record
func GetDeviceDir(deviceID string) string {
	return filepath.Join(GetDataDir(), deviceID)
}

// GetSocketDir returns the directory where Unix domain sockets are stored,
// creating it if needed
func GetSocketDir() (string, error) {
	socketDir := filepath.Join(GetDataDir(), "sockets")
	if err := os.MkdirAll(socketDir, 0755); err != nil {
		return "", fmt.Errorf("create socket dir: %w", err)
	}
	return socketDir, nil
}

// ShortHash returns up to the first 8 characters of an id, for log prefixes
func ShortHash(s string) string {
	if len(s) <= 8 {
		return s
	}
	return s[:8]
}
