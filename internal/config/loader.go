// Package config provides configuration loading for the hub.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for mcphub.yaml/.yml in
// standard locations. The search requires an explicit YAML extension to
// avoid matching the binary itself, which Viper's built-in SetConfigName
// would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("mcphub")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("MCPHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for an mcphub config file with
// an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".mcphub"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "mcphub"))
		}
	} else {
		paths = append(paths, "/etc/mcphub")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for mcphub.yaml or .yml.
// Returns the full path of the first match, or empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "mcphub"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds config keys for environment variable support.
// Example: MCPHUB_LISTEN_HTTP_ADDR overrides listen.http_addr.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("listen.stdio")
	_ = viper.BindEnv("listen.http_addr")
	_ = viper.BindEnv("shutdown_grace")
	_ = viper.BindEnv("session_ttl")
	_ = viper.BindEnv("log_level")
	_ = viper.BindEnv("dev_mode")
	// servers is an array; overriding individual servers via env is not
	// supported, matching the upstream convention of leaving arrays to the
	// config file.
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, validates, and returns the HubConfig.
func LoadConfig() (*HubConfig, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but does
// not validate. Use this when CLI flags may still override fields (such as
// dev mode) before validation runs.
func LoadConfigRaw() (*HubConfig, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg HubConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded, or empty string if no config file was found (env vars only).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
