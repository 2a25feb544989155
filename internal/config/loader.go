package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// envPrefix namespaces the proxy's environment variables:
// SHELLGATE_SERVER_PORT overrides server.port.
const envPrefix = "SHELLGATE"

// InitViper initializes Viper with the configuration file and
// environment variables. If configFile is empty, shellgate.yaml/.yml is
// searched in the working directory and /etc/shellgate.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// ReadInConfig will return ConfigFileNotFoundError, which the
		// loader treats as env-only configuration.
		viper.SetConfigName("shellgate")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for shellgate.yaml or .yml.
func findConfigFile() string {
	paths := []string{".", "/etc/shellgate"}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "shellgate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys so env overrides reach
// them: SHELLGATE_MOLTBOOK_TOKEN overrides moltbook.token.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.port")
	_ = viper.BindEnv("server.log_level")

	_ = viper.BindEnv("allowlist.path")

	_ = viper.BindEnv("moltbook.base_url")
	_ = viper.BindEnv("moltbook.token")

	_ = viper.BindEnv("storage.account")
	_ = viper.BindEnv("storage.container")

	_ = viper.BindEnv("dev_mode")
}

// envAliases maps the deployment's conventional variable names onto
// config keys, so PORT and MOLTBOOK_API_TOKEN work without the prefix.
var envAliases = map[string]string{
	"PORT":               "server.port",
	"ALLOWLIST_CONFIG":   "allowlist.path",
	"MOLTBOOK_BASE_URL":  "moltbook.base_url",
	"MOLTBOOK_API_TOKEN": "moltbook.token",
	"STORAGE_ACCOUNT":    "storage.account",
	"STORAGE_CONTAINER":  "storage.container",
}

// applyEnvAliases copies set alias variables into viper.
func applyEnvAliases() {
	for env, key := range envAliases {
		if v, ok := os.LookupEnv(env); ok && v != "" {
			viper.Set(key, v)
		}
	}
}

// LoadConfig reads the config file, applies env overrides and aliases,
// sets defaults, and validates.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		// No config file: env-only configuration.
	}

	applyEnvAliases()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigFileUsed returns the loaded config file path, or "" when
// running on environment variables only.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
