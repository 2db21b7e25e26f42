// Package config defines the read-only device/user/server configuration
// surface, ConfigQuery, and its backing implementations.
package config

// DeviceID identifies a device box. It also names the subject commonName
// pinned in that device's TLS client certificate.
type DeviceID string

// SourceID identifies a video source attached to a device.
type SourceID string

// UserName identifies a user; the empty string denotes anonymous.
type UserName string

// StreamDst is the URL a device pushes restreamed media to.
type StreamDst string

// PasswordAlgo names a password-hash algorithm tag.
type PasswordAlgo int

const (
	PasswordSHA1 PasswordAlgo = iota
	PasswordSHA256
)

// Source describes one video source belonging to a device. User/Password
// are the RTSP credentials the device authenticates to the camera with;
// the empty string means the camera requires no authentication.
type Source struct {
	ID            SourceID
	URI           string
	User          string
	Password      string
	CloudMaxBytes uint64 // 0 disables cloud mirroring for this source
}

// Device is the server-side, read-only configuration for one device.
type Device struct {
	ID              DeviceID
	ClientCertPEM   []byte
	CloudToken      string
	Sources         []Source // ordered
}

// SourceKey identifies a (device, source) pair a user may play.
type SourceKey struct {
	Device DeviceID
	Source SourceID
}

// User is the server-side, read-only configuration for one user.
type User struct {
	Name         UserName
	Algo         PasswordAlgo
	Salt         []byte
	ExpectedHash []byte
	Allowed      map[SourceKey]struct{}
}

// CanPlay reports whether the user is authorised to play (device, source).
func (u *User) CanPlay(device DeviceID, source SourceID) bool {
	if u == nil {
		return false
	}
	_, ok := u.Allowed[SourceKey{Device: device, Source: source}]
	return ok
}

// ServerTLS is the server's own certificate/key material.
type ServerTLS struct {
	CertPEM []byte
	KeyPEM  []byte
}
