// Package envconfig loads process configuration from the environment,
// following the same helper shapes the rest of the codebase's lineage uses.
package envconfig

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/RSATom/IpCamBox/internal/logging"
)

// LoadDotEnv loads .env / .env.dev into the process environment if present.
// Missing files are not an error; this is a convenience for local development.
func LoadDotEnv(log logging.Logger) {
	files := []string{".env", ".env.dev"}
	var loaded []string
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			continue
		}
		if err := godotenv.Overload(f); err != nil {
			if log != nil {
				log.WithError(err).Warnf("failed to load %s", f)
			}
			continue
		}
		loaded = append(loaded, f)
	}
	if log != nil {
		if len(loaded) == 0 {
			log.Debug("no local env files loaded; relying on process environment")
		} else {
			log.Debugf("loaded env files: %s", strings.Join(loaded, ", "))
		}
	}
}

// GetString returns an environment variable or a default.
func GetString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// GetInt returns an integer environment variable or a default.
func GetInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

// GetBool returns a boolean environment variable or a default.
func GetBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// Require fatals the process if key is unset, mirroring ConfigError -> fatal
// startup policy from the error handling design.
func Require(log logging.Logger, key string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		if log != nil {
			log.Errorf("environment variable %s is required but not set", key)
		}
		os.Exit(-1)
	}
	return v
}
