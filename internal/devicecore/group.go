package devicecore

import (
	"context"

	"github.com/RSATom/IpCamBox/internal/cloudapi"
	"github.com/RSATom/IpCamBox/internal/cloudfolder"
	"github.com/RSATom/IpCamBox/internal/logging"
)

// SourceID identifies a source within a device.
type SourceID string

// Source is one configured video source, as loaded onto a device.
type Source struct {
	ID               SourceID
	URI              string
	User             string
	Password         string
	CloudMaxBytes    uint64
	CloudArchivePath string // remote folder path this source's recordings mirror to
}

// Group holds the recorder, streamer, and cloud mirror for one source,
// with ordered asynchronous shutdown.
type Group struct {
	Source Source

	Recorder Recorder
	Streamer Streamer
	Cloud    *cloudfolder.Folder // nil if CloudMaxBytes == 0
}

// newGroup wires up one source's handler triple. A CloudFolder is only
// created for sources with a nonzero storage cap.
func newGroup(source Source, recorder Recorder, streamer Streamer, cloudClient *cloudapi.Client, log logging.Logger) *Group {
	g := &Group{Source: source, Recorder: recorder, Streamer: streamer}
	if source.CloudMaxBytes > 0 {
		g.Cloud = cloudfolder.New(source.CloudArchivePath, cloudClient, log)
	}
	return g
}

// shutdown runs the strict ordered teardown:
// recorder -> cloudFolder -> streamer, then invokes done. The order exists
// because the recorder writes files the cloud folder observes (it must
// stop producing first), and the streamer is drained last since its
// teardown may interact with the media pipeline the recorder shares.
func (g *Group) shutdown(done func()) {
	recorderDone := func() {
		cloudDone := func() {
			if g.Streamer != nil {
				g.Streamer.Shutdown(done)
			} else if done != nil {
				done()
			}
		}
		if g.Cloud != nil {
			g.Cloud.Shutdown(cloudDone)
		} else {
			cloudDone()
		}
	}
	if g.Recorder != nil {
		g.Recorder.Shutdown(recorderDone)
	} else {
		recorderDone()
	}
}

// startCloudMirroring begins folder sync and arms upload-on-file-ready.
func (g *Group) startCloudMirroring(ctx context.Context, cloudClient *cloudapi.Client, onFileReady func(dir, name string)) {
	if g.Cloud != nil {
		g.Cloud.StartSync(ctx)
	}
	if g.Recorder != nil {
		g.Recorder.Start(onFileReady)
	}
}
