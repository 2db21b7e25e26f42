// Package devicecore implements the device-side controller: the group of
// per-source handlers (recorder, streamer, cloud mirror) and the
// controller that owns them across config load, reset, and shutdown.
package devicecore

import "context"

// Handler is the small lifecycle interface every sub-handler of a
// SourceHandlerGroup implements. The recorder and streamer themselves are
// external collaborators implementing the actual media pipeline; only
// this interface crosses into devicecore.
type Handler interface {
	// Active reports whether the handler still has observable state.
	Active() bool
	// Shutdown promises to invoke done exactly once, either before it
	// returns or later from another goroutine.
	Shutdown(done func())
}

// Recorder captures a source to local segment files and reports each
// completed file so it can be considered for cloud upload.
type Recorder interface {
	Handler
	// Start begins recording, invoking onFile for every completed segment.
	Start(onFile func(dir, name string))
}

// Streamer republishes a source to a restreaming destination on demand.
type Streamer interface {
	Handler
	// Stream begins pushing to dst, eventually invoking exactly one of
	// onStreaming or onFailed.
	Stream(ctx context.Context, dst string, onStreaming func(), onFailed func())
	// StopStream halts any active push. A repeat call while already
	// stopped is a no-op, matching RequestStream's own idempotency at the
	// device side.
	StopStream()
}

// RecorderFactory constructs a Recorder for one source. Supplied by the
// binary wiring the real media pipeline in; devicecore never constructs
// one itself.
type RecorderFactory func(source Source) Recorder

// StreamerFactory constructs a Streamer for one source.
type StreamerFactory func(source Source) Streamer
