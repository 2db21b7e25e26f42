// Package server implements the control-plane server: it accepts mTLS
// connections from devices, walks each through the greeting/config
// handshake, tracks per-device desired stream state across reconnects,
// and issues stream requests on behalf of restreaming consumers.
package server

import (
	"sync"

	"github.com/RSATom/IpCamBox/internal/config"
)

// SessionContext is the process-wide, per-device state that survives
// disconnects: which streams are desired, and (when the device is
// currently online) a non-owning pointer to the active ServerSession.
// SessionContext instances are never removed from the SessionRegistry
// once created.
type SessionContext struct {
	Device config.DeviceID

	mu      sync.Mutex
	desired map[config.SourceID]config.StreamDst
	order   []config.SourceID // insertion order of desired, for deterministic replay
	active  *ServerSession
}

// DesiredStream is one entry of a Desired() snapshot: a source and the
// destination it should be pushed to.
type DesiredStream struct {
	Source config.SourceID
	Dst    config.StreamDst
}

// Desired returns a snapshot of the currently desired streams, in the
// order sources were first requested. Replaying stream requests in
// insertion order (rather than Go's randomized map iteration order)
// matters on reconnect: a device that sees RequestStream for "s1" before
// "s2" the first time should see them in the same order again.
func (sc *SessionContext) Desired() []DesiredStream {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	out := make([]DesiredStream, 0, len(sc.order))
	for _, id := range sc.order {
		out = append(out, DesiredStream{Source: id, Dst: sc.desired[id]})
	}
	return out
}

// Lookup returns the desired destination for source, if any, without
// building a full snapshot.
func (sc *SessionContext) Lookup(source config.SourceID) (config.StreamDst, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	dst, ok := sc.desired[source]
	return dst, ok
}

// SetDesired records that source should be streamed to dst.
func (sc *SessionContext) SetDesired(source config.SourceID, dst config.StreamDst) {
	sc.mu.Lock()
	if _, exists := sc.desired[source]; !exists {
		sc.order = append(sc.order, source)
	}
	sc.desired[source] = dst
	sc.mu.Unlock()
}

// ClearDesired removes source from the desired set.
func (sc *SessionContext) ClearDesired(source config.SourceID) {
	sc.mu.Lock()
	delete(sc.desired, source)
	for i, id := range sc.order {
		if id == source {
			sc.order = append(sc.order[:i], sc.order[i+1:]...)
			break
		}
	}
	sc.mu.Unlock()
}

// Active returns the currently attached ServerSession, or nil if the
// device is not connected.
func (sc *SessionContext) Active() *ServerSession {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.active
}

func (sc *SessionContext) setActive(s *ServerSession) {
	sc.mu.Lock()
	sc.active = s
	sc.mu.Unlock()
}

// TryActivate claims sc for s, atomically, unless another session is
// already active for this device. A second physical connection for an
// already-connected device must not displace the first: it refuses
// further progress and goes idle instead, so this is the one place that
// decision gets made.
func (sc *SessionContext) TryActivate(s *ServerSession) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.active != nil {
		return false
	}
	sc.active = s
	return true
}

// SessionRegistry holds one SessionContext per device that has ever
// connected, keyed by DeviceID. Entries are never removed - desired
// stream state persists across disconnects for the lifetime of the
// process - mirroring how frameworks/api_balancing's Registry keeps one
// entry per node_id under a single mutex.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[config.DeviceID]*SessionContext
}

// NewSessionRegistry builds an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[config.DeviceID]*SessionContext)}
}

// Get returns the SessionContext for device, creating one if this is the
// first time the device has been seen.
func (r *SessionRegistry) Get(device config.DeviceID) *SessionContext {
	r.mu.RLock()
	sc, ok := r.sessions[device]
	r.mu.RUnlock()
	if ok {
		return sc
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if sc, ok := r.sessions[device]; ok {
		return sc
	}
	sc = &SessionContext{Device: device, desired: make(map[config.SourceID]config.StreamDst)}
	r.sessions[device] = sc
	return sc
}

// Find returns the SessionContext for device without creating one.
func (r *SessionRegistry) Find(device config.DeviceID) (*SessionContext, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sc, ok := r.sessions[device]
	return sc, ok
}

// ActiveCount returns how many registered devices currently have an
// attached, online session.
func (r *SessionRegistry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, sc := range r.sessions {
		if sc.Active() != nil {
			n++
		}
	}
	return n
}
