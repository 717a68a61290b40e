package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"tether/pkg/logging"
)

const (
	userConfigDir  = ".config/tether"
	configFileName = "config.yaml"
)

// LoadError indicates the configuration file could not be read or did not
// pass validation. The CLI maps it to a dedicated exit code.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("error loading config from %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// GetDefaultConfigPathOrPanic returns the per-user configuration directory.
func GetDefaultConfigPathOrPanic() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Errorf("could not determine user config directory: %w", err))
	}
	return filepath.Join(homeDir, userConfigDir)
}

// GetDefaultConfig returns the built-in defaults.
func GetDefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8420,
		},
		Store: StoreConfig{
			Type: "memory",
		},
		OAuth: OAuthConfig{
			CallbackPath: "/oauth/callback",
			ClientName:   "Tether",
		},
	}
}

// LoadConfig loads config.yaml from the given directory, layered over the
// defaults. A missing file is not an error; a malformed one is.
func LoadConfig(configPath string) (Config, error) {
	configFilePath := filepath.Join(configPath, configFileName)
	config := GetDefaultConfig()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("Config", "No config.yaml found at %s, using defaults", configFilePath)
			return config, nil
		}
		return Config{}, &LoadError{Path: configFilePath, Err: err}
	}

	if err := yaml.Unmarshal(data, &config); err != nil {
		return Config{}, &LoadError{Path: configFilePath, Err: err}
	}

	if err := config.Validate(); err != nil {
		return Config{}, &LoadError{Path: configFilePath, Err: err}
	}

	logging.Info("Config", "Loaded configuration from %s (%d integrations)", configFilePath, len(config.Integrations))
	return config, nil
}

// Validate checks the loaded configuration for inconsistencies that would
// only surface later at connect time.
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Integrations))
	for i, integration := range c.Integrations {
		if integration.ID == "" {
			return fmt.Errorf("integration %d has no id", i)
		}
		if seen[integration.ID] {
			return fmt.Errorf("duplicate integration id %q", integration.ID)
		}
		seen[integration.ID] = true

		if integration.ServerURL == "" {
			return fmt.Errorf("integration %q has no serverURL", integration.ID)
		}
		if !strings.HasPrefix(integration.ServerURL, "https://") &&
			!strings.HasPrefix(integration.ServerURL, "http://") {
			return fmt.Errorf("integration %q has invalid serverURL %q", integration.ID, integration.ServerURL)
		}
		if integration.ClientSecret != "" && integration.ClientID == "" {
			return fmt.Errorf("integration %q has a clientSecret without a clientID", integration.ID)
		}
	}

	if c.Store.Type == "redis" && c.Store.Redis.Addr == "" {
		return fmt.Errorf("store type redis requires redis.addr")
	}
	return nil
}

// RedirectURI builds the public OAuth callback URL.
func (c *Config) RedirectURI() string {
	base := strings.TrimSuffix(c.Server.PublicBaseURL, "/")
	if base == "" {
		base = fmt.Sprintf("http://%s:%d", c.Server.Host, c.Server.Port)
	}
	return base + c.OAuth.CallbackPath
}
