// Package config persists the monitor settings as a flat YAML map.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	appDir   = "proctop"
	fileName = "proctop.yaml"
)

// userConfigDir allows tests to redirect the default location.
var userConfigDir = os.UserConfigDir

// DefaultPath is $XDG_CONFIG_HOME/proctop/proctop.yaml, or the platform
// equivalent.
func DefaultPath() (string, error) {
	dir, err := userConfigDir()
	if err != nil {
		return "", fmt.Errorf("locating config dir: %w", err)
	}
	return filepath.Join(dir, appDir, fileName), nil
}

// Load reads the settings at path. A missing file is an empty map.
func Load(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	settings := make(map[string]string, len(raw))
	for key, value := range raw {
		switch v := value.(type) {
		case nil:
			settings[key] = ""
		case map[string]interface{}, []interface{}:
			return nil, fmt.Errorf("parsing %s: %q is not a plain value", path, key)
		default:
			settings[key] = fmt.Sprint(v)
		}
	}
	return settings, nil
}

// Save writes settings to path, creating the directory if needed. The file
// is replaced atomically.
func Save(path string, settings map[string]string) error {
	data, err := yaml.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encoding settings: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+fileName+".*")
	if err != nil {
		return fmt.Errorf("writing settings: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		return errors.Join(fmt.Errorf("writing settings: %w", err), tmp.Close(), os.Remove(tmp.Name()))
	}
	if err := tmp.Close(); err != nil {
		return errors.Join(fmt.Errorf("writing settings: %w", err), os.Remove(tmp.Name()))
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return errors.Join(fmt.Errorf("replacing %s: %w", path, err), os.Remove(tmp.Name()))
	}
	return nil
}
