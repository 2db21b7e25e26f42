package config

import "fmt"

// ConfigError indicates a missing or malformed configuration value.
// It is surfaced at startup and is fatal.
type ConfigError struct {
	Key     string
	Message string
}

func (e *ConfigError) Error() string {
	if e == nil {
		return "config error"
	}
	if e.Message != "" {
		return fmt.Sprintf("config error (%s): %s", e.Key, e.Message)
	}
	return fmt.Sprintf("config error: missing or malformed %q", e.Key)
}

// NewConfigError builds a ConfigError for key with an explanatory message.
func NewConfigError(key, message string) *ConfigError {
	return &ConfigError{Key: key, Message: message}
}

// ErrDeviceUnknown is returned by lookups when a DeviceID is not configured.
// A TLS-accepted connection whose commonName resolves here to this same
// error is what makes device unknown a session-layer error too.
type ErrDeviceUnknown struct {
	Device DeviceID
}

func (e *ErrDeviceUnknown) Error() string {
	return fmt.Sprintf("device unknown: %s", e.Device)
}

// ErrUserUnknown is returned when a username has no matching configuration.
type ErrUserUnknown struct {
	User UserName
}

func (e *ErrUserUnknown) Error() string {
	return fmt.Sprintf("user unknown: %s", e.User)
}
