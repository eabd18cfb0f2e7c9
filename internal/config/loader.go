package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes viper with the config file and environment
// variable bindings. If configFile is empty, it searches standard
// locations for prism.yaml/.yml; when none is found, ReadInConfig
// returns a ConfigFileNotFoundError (handled gracefully by Load),
// since env vars alone are enough to run.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("prism")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("PRISM")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{".", filepath.Join(home, ".prism"), "/etc/prism"}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "prism"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// Load reads the config file (if any), applies defaults, and
// validates the result. Config rejected here is a fatal startup
// error for the caller to report and exit on.
func Load() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

// Reload re-reads the config file and validates it, WITHOUT mutating
// the caller's running config: on failure the caller keeps serving
// the table it already has (§7 reload semantics). It does not call
// viper.ReadInConfig's sibling AutomaticEnv/BindEnv setup again, since
// InitViper already did that once at process start.
func Reload() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading config file: %w", err)
	}
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the config file actually loaded,
// or "" when running on environment variables alone.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
