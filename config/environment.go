package config

import (
	"os"
	"strings"
)

// Environment is the deployment stage named by APP_ENV.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// DefaultPath is the configuration file used when no path is given.
const DefaultPath = "config/config.yml"

// environmentFiles replace DefaultPath for their environment when present.
var environmentFiles = map[Environment]string{
	Production: "config/config.production.yml",
	Staging:    "config/config.staging.yml",
}

var environmentAliases = map[string]Environment{
	"prod":        Production,
	"producation": Production,
	"stag":        Staging,
	"stagging":    Staging,
	"dev":         Development,
}

// AppEnvironment normalises APP_ENV; unset means development.
func AppEnvironment() Environment {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("APP_ENV")))
	if raw == "" {
		return Development
	}
	if env, ok := environmentAliases[raw]; ok {
		return env
	}
	return Environment(raw)
}

// ProductionLike reports whether streams there must bind their assigned
// source IP.
func (e Environment) ProductionLike() bool {
	return e == Production || e == Staging
}

// resolveEnvSpecificPath swaps the default path for the environment file
// when that file exists. Explicit paths are kept.
func resolveEnvSpecificPath(path, defaultPath string, files map[Environment]string) string {
	if path == "" {
		path = defaultPath
	}
	if path != defaultPath {
		return path
	}
	if file, ok := files[AppEnvironment()]; ok {
		if _, err := os.Stat(file); err == nil {
			return file
		}
	}
	return path
}
