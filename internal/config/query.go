package config

import "context"

// Query is the read-only configuration surface the control plane runs
// against. It is shared and immutable after construction; every method
// must be safe for concurrent use.
type Query interface {
	// Device looks up a device by id. Returns *ErrDeviceUnknown if absent.
	Device(ctx context.Context, id DeviceID) (*Device, error)

	// Sources returns the ordered source list for a device. Returns
	// *ErrDeviceUnknown if the device is absent.
	Sources(ctx context.Context, id DeviceID) ([]Source, error)

	// User looks up a user by name. Returns *ErrUserUnknown if absent.
	User(ctx context.Context, name UserName) (*User, error)

	// Authorized reports whether the named user may play (device, source).
	Authorized(ctx context.Context, name UserName, device DeviceID, source SourceID) (bool, error)

	// ServerEndpoint returns the host:port devices should dial.
	ServerEndpoint(ctx context.Context) (string, error)

	// ServerTLS returns the server's own certificate/key material,
	// refreshed by ControlServer on its own schedule.
	ServerTLS(ctx context.Context) (*ServerTLS, error)

	// TrustedClientCerts returns the PEM-encoded union of every known
	// device's pinned client certificate, used to build the server's
	// client-CA trust set.
	TrustedClientCerts(ctx context.Context) ([][]byte, error)
}
