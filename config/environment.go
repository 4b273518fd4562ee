package config

import (
	"os"
	"strings"
)

const appEnvVar = "APP_ENV"

// Canonical application environments. APP_ENV values are normalised onto
// this set; unknown values pass through untouched.
const (
	EnvDevelopment = "development"
	EnvStaging     = "staging"
	EnvProduction  = "production"
)

var envAliases = map[string]string{
	"dev":         EnvDevelopment,
	"prod":        EnvProduction,
	"producation": EnvProduction,
	"stag":        EnvStaging,
	"stagging":    EnvStaging,
}

// AppEnvironment reports the current application environment from APP_ENV,
// normalised through the alias table. An unset variable means development.
func AppEnvironment() string {
	env := strings.ToLower(strings.TrimSpace(os.Getenv(appEnvVar)))
	if env == "" {
		return EnvDevelopment
	}
	if canonical, ok := envAliases[env]; ok {
		return canonical
	}
	return env
}

// IsProductionLike reports whether env should behave like a production
// deployment. Production-like environments are stricter about configuration
// errors such as a missing warm-tier cache address.
func IsProductionLike(env string) bool {
	return env == EnvProduction || env == EnvStaging
}

// envConfigPaths maps environments to their dedicated config files.
var envConfigPaths = map[string]string{
	EnvStaging:    "config/config.staging.yml",
	EnvProduction: "config/config.production.yml",
}

// resolveConfigPath swaps the default config path for the current
// environment's file when that file exists. Explicit non-default paths are
// always respected.
func resolveConfigPath(path, defaultPath string) string {
	if path != "" && path != defaultPath {
		return path
	}
	if path == "" {
		path = defaultPath
	}
	envPath, ok := envConfigPaths[AppEnvironment()]
	if !ok {
		return path
	}
	if _, err := os.Stat(envPath); err != nil {
		return path
	}
	return envPath
}
