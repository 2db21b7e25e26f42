package server

import "github.com/RSATom/IpCamBox/internal/config"

// RestreamBridge converts external restreaming interest (first-reader /
// last-reader events from whatever component actually proxies media out)
// into RequestStream/StopStream calls against the right device session.
type RestreamBridge struct {
	registry *SessionRegistry
}

// NewRestreamBridge wires a bridge to registry.
func NewRestreamBridge(registry *SessionRegistry) *RestreamBridge {
	return &RestreamBridge{registry: registry}
}

// FirstReaderJoined is called when a restreaming destination gains its
// first consumer: the device is asked to start pushing to dst.
func (b *RestreamBridge) FirstReaderJoined(device config.DeviceID, source config.SourceID, dst config.StreamDst) {
	sc := b.registry.Get(device)
	if active := sc.Active(); active != nil {
		active.RequestStream(source, dst)
		return
	}
	// Device is offline: record the desire so it is honored on reconnect,
	// without a session to send the wire message through yet.
	sc.SetDesired(source, dst)
}

// LastReaderLeft is called when a restreaming destination loses its last
// consumer: the device is asked to stop pushing.
func (b *RestreamBridge) LastReaderLeft(device config.DeviceID, source config.SourceID) {
	sc, ok := b.registry.Find(device)
	if !ok {
		return
	}
	if active := sc.Active(); active != nil {
		active.StopStream(source)
		return
	}
	sc.ClearDesired(source)
}
