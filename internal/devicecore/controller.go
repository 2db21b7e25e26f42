package devicecore

import (
	"context"
	"sync"
	"time"

	"github.com/RSATom/IpCamBox/internal/cloudapi"
	"github.com/RSATom/IpCamBox/internal/logging"
)

// SweepInterval is how often a controller re-checks every source's cloud
// mirror against its configured storage cap.
const SweepInterval = 10 * time.Second

// Config is the set of sources and cloud credentials a device operates
// with, as delivered by ClientConfigReply/ClientConfigUpdated.
type Config struct {
	Sources    []Source
	CloudToken string
}

// Controller owns one SourceHandlerGroup per configured source, mediates
// config load/reset, dispatches stream requests, and runs the periodic
// eviction sweep.
type Controller struct {
	log             logging.Logger
	cloudClient     *cloudapi.Client
	recorderFactory RecorderFactory
	streamerFactory StreamerFactory

	mu          sync.Mutex
	groups      map[SourceID]*Group
	loaded      bool
	sweepTimer  *time.Timer
	shutdownReq bool
}

// NewController constructs a Controller. cloudClient is owned exclusively
// by this controller but is itself safe for concurrent use.
func NewController(cloudClient *cloudapi.Client, recorderFactory RecorderFactory, streamerFactory StreamerFactory, log logging.Logger) *Controller {
	return &Controller{
		log:             log,
		cloudClient:     cloudClient,
		recorderFactory: recorderFactory,
		streamerFactory: streamerFactory,
		groups:          make(map[SourceID]*Group),
	}
}

// LoadConfig applies cfg, starting one Group per source. If a config is
// already loaded, it resets first and re-enters LoadConfig, matching the
// original Controller::loadConfig's recursive-via-callback structure.
func (c *Controller) LoadConfig(ctx context.Context, cfg Config, done func()) {
	c.mu.Lock()
	alreadyLoaded := c.loaded
	c.mu.Unlock()

	if alreadyLoaded {
		c.Reset(func() {
			c.LoadConfig(ctx, cfg, done)
		})
		return
	}

	c.cloudClient.SetToken(cfg.CloudToken)

	c.mu.Lock()
	for _, src := range cfg.Sources {
		var recorder Recorder
		var streamer Streamer
		if c.recorderFactory != nil {
			recorder = c.recorderFactory(src)
		}
		if c.streamerFactory != nil {
			streamer = c.streamerFactory(src)
		}
		g := newGroup(src, recorder, streamer, c.cloudClient, c.log)
		c.groups[src.ID] = g
	}
	c.loaded = true
	c.mu.Unlock()

	for _, src := range cfg.Sources {
		c.mu.Lock()
		g := c.groups[src.ID]
		c.mu.Unlock()
		if g == nil {
			continue
		}
		// startCloudMirroring starts the recorder when the group has one; it
		// only starts the cloud folder sync when g.Cloud is non-nil
		// (CloudMaxBytes > 0).
		g.startCloudMirroring(ctx, c.cloudClient, func(dir, name string) {
			c.onFileReady(ctx, g, dir, name)
		})
	}

	c.scheduleSweep(ctx)

	if done != nil {
		done()
	}
}

// onFileReady mirrors Controller::newFileAvailable: upload the completed
// segment, and only delete the local copy once the upload succeeds.
func (c *Controller) onFileReady(ctx context.Context, g *Group, dir, name string) {
	if g.Source.CloudMaxBytes == 0 {
		return
	}
	localFile := dir + "/" + name
	remoteFile := g.Source.CloudArchivePath + name
	c.cloudClient.Upload(ctx, localFile, remoteFile, func(resp cloudapi.Response) {
		if resp.StatusCode == 200 {
			removeLocalFile(c.log, localFile)
		} else if c.log != nil {
			c.log.WithFields(logging.Fields{"file": localFile, "status": resp.StatusCode}).
				Warn("upload failed; leaving local file for retry")
		}
	})
}

// UpdateConfig currently delegates to LoadConfig with a full reset;
// differential reconfiguration without dropping unaffected sources is left
// as a possible future refinement.
func (c *Controller) UpdateConfig(ctx context.Context, cfg Config, done func()) {
	c.LoadConfig(ctx, cfg, done)
}

// StreamRequested locates the group for the given source and asks its
// streamer to begin, forwarding the eventual outcome.
func (c *Controller) StreamRequested(ctx context.Context, source SourceID, dst string, onStreaming, onFail func()) {
	c.mu.Lock()
	g := c.groups[source]
	c.mu.Unlock()

	if g == nil || g.Streamer == nil {
		if onFail != nil {
			onFail()
		}
		return
	}
	g.Streamer.Stream(ctx, dst, onStreaming, onFail)
}

// Sources returns the ids of every currently loaded source.
func (c *Controller) Sources() []SourceID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]SourceID, 0, len(c.groups))
	for id := range c.groups {
		ids = append(ids, id)
	}
	return ids
}

// StopStream locates the group and stops its streamer.
func (c *Controller) StopStream(source SourceID) {
	c.mu.Lock()
	g := c.groups[source]
	c.mu.Unlock()

	if g == nil || g.Streamer == nil {
		return
	}
	g.Streamer.StopStream()
}

// scheduleSweep arms the periodic eviction sweep.
func (c *Controller) scheduleSweep(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shutdownReq {
		return
	}
	if c.sweepTimer != nil {
		c.sweepTimer.Stop()
	}
	c.sweepTimer = time.AfterFunc(SweepInterval, func() {
		c.runSweep(ctx)
	})
}

func (c *Controller) runSweep(ctx context.Context) {
	c.mu.Lock()
	groups := make([]*Group, 0, len(c.groups))
	for _, g := range c.groups {
		groups = append(groups, g)
	}
	shutdownReq := c.shutdownReq
	c.mu.Unlock()

	for _, g := range groups {
		if g.Source.CloudMaxBytes > 0 && g.Cloud != nil {
			g.Cloud.ShrinkTo(ctx, g.Source.CloudMaxBytes)
		}
	}

	if !shutdownReq {
		c.scheduleSweep(ctx)
	}
}

// Reset stops every handler in every group in strict order
// recorder -> cloudFolder -> streamer, erases the group, then clears
// config and cloud-client state before invoking done.
func (c *Controller) Reset(done func()) {
	c.mu.Lock()
	if c.sweepTimer != nil {
		c.sweepTimer.Stop()
		c.sweepTimer = nil
	}
	groups := c.groups
	c.groups = make(map[SourceID]*Group)
	c.mu.Unlock()

	if len(groups) == 0 {
		c.finishReset(done)
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(groups))
	for _, g := range groups {
		g := g
		go g.shutdown(wg.Done)
	}

	go func() {
		wg.Wait()
		c.finishReset(done)
	}()
}

func (c *Controller) finishReset(done func()) {
	c.mu.Lock()
	c.loaded = false
	c.mu.Unlock()

	resetDone := func() {
		if done != nil {
			done()
		}
	}
	c.cloudClient.Reset(resetDone)
}

// Shutdown tears everything down like Reset, but does not expect further
// use of the controller: the cloud client is shut down rather than reset.
func (c *Controller) Shutdown(done func()) {
	c.mu.Lock()
	c.shutdownReq = true
	c.mu.Unlock()

	c.Reset(func() {
		c.cloudClient.Shutdown(done)
	})
}
