package config

import (
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings holds persistent CLI preferences, kept separate from the
// connection store so hand-editing them never touches encrypted material.
type Settings struct {
	// DefaultConnection is the connection name or id used when -c is not
	// specified.
	DefaultConnection string `yaml:"default_connection,omitempty"`

	// Listen is the default address for the API server.
	Listen string `yaml:"listen,omitempty"`

	// LogLevel overrides the default log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level,omitempty"`
}

// DefaultSettingsPath returns the settings file location inside the config
// directory.
func DefaultSettingsPath() string {
	return filepath.Join(DefaultDir(), "telebrowse.yaml")
}

// LoadSettings reads settings from the default location. A missing file
// yields empty settings, not an error.
func LoadSettings() (*Settings, error) {
	return LoadSettingsFrom(DefaultSettingsPath())
}

// LoadSettingsFrom reads settings from a specific path.
func LoadSettingsFrom(path string) (*Settings, error) {
	s := &Settings{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, err
	}
	return s, nil
}

// Save writes settings to the default location.
func (s *Settings) Save() error {
	return s.SaveTo(DefaultSettingsPath())
}

// SaveTo writes settings to a specific path.
func (s *Settings) SaveTo(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
