package config

import (
	"os"
	"path/filepath"
)

// ConfigDirEnv overrides the directory searched for relative config files
const ConfigDirEnv = "BEACON_CONFIG_DIR"

// resolvePath finds a configuration file.
//
// Absolute paths are returned unchanged. Relative names are looked up in
// $BEACON_CONFIG_DIR, the working directory and ./configs, in that order,
// before falling back to /etc/beacon.
func resolvePath(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}

	var dirs []string
	if d := os.Getenv(ConfigDirEnv); d != "" {
		dirs = append(dirs, d)
	}
	if wd, err := os.Getwd(); err == nil && wd != "" {
		dirs = append(dirs, wd, filepath.Join(wd, "configs"))
	}

	for _, dir := range dirs {
		candidate := filepath.Join(dir, filename)
		if _, err := os.Stat(candidate); err != nil {
			continue
		}
		if abs, err := filepath.Abs(candidate); err == nil {
			return abs
		}
	}
	return filepath.Join("/etc/beacon", filename)
}
