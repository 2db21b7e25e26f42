// Package cloudapi implements a bounded-concurrency request executor for
// the Dropbox-shaped cloud provider used by cloud folder mirroring.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/RSATom/IpCamBox/internal/logging"
)

// MaxConcurrentUploads is the upload concurrency cap, named after the
// original DeviceBox/Dropbox.cpp's MAX_UPLOADS constant.
const MaxConcurrentUploads = 2

// Response is the (statusCode, body) pair every verb resolves to. Err is
// nil on a 200 response. For a non-200 response it is a *CloudError; for
// a request that failed in transport or while reading the body it is that
// error. A payload that cannot be encoded yields StatusCode -1 with the
// error text in Body and a nil Err. Err gives callers a typed value to
// log or match against.
type Response struct {
	StatusCode int
	Body       string
	Err        error
}

// Callback receives a verb's eventual response. It is never invoked for a
// request dropped by reset/shutdown.
type Callback func(Response)

// Client is the bounded-concurrency executor for one device's cloud
// storage account. It runs its own goroutine pool distinct from the main
// controller's timers, so a slow HTTP round trip never stalls control
// plane processing.
type Client struct {
	baseURL string
	http    *http.Client
	log     logging.Logger

	mu    sync.Mutex
	token string
	gen   uint64 // bumped by reset/shutdown; stale callbacks are dropped
	wg    sync.WaitGroup

	uploadSem *semaphore.Weighted
}

// New creates a Client against baseURL (the provider's API root).
func New(baseURL string, log logging.Logger) *Client {
	return &Client{
		baseURL:   baseURL,
		http:      &http.Client{Timeout: 30 * time.Second},
		log:       log,
		uploadSem: semaphore.NewWeighted(MaxConcurrentUploads),
	}
}

// SetToken updates the bearer token used for subsequent requests.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) currentGen() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

func (c *Client) authToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// deliver invokes cb with resp unless gen is stale (a reset/shutdown ran
// after the request was submitted).
func (c *Client) deliver(gen uint64, cb Callback, resp Response) {
	if cb == nil {
		return
	}
	if c.currentGen() != gen {
		return
	}
	cb(resp)
}

// Upload uploads src (local path, opaque to this client) to dst. Concurrency
// is capped at MaxConcurrentUploads; requests beyond the cap complete
// immediately with the distinguished "skipped" value (0, "") without
// issuing a network request.
func (c *Client) Upload(ctx context.Context, src, dst string, cb Callback) {
	gen := c.currentGen()
	if !c.uploadSem.TryAcquire(1) {
		incUploadSkipped()
		if c.log != nil {
			c.log.WithFields(logging.Fields{"src": src, "dst": dst}).Debug("upload dropped: concurrency cap reached")
		}
		c.deliver(gen, cb, Response{StatusCode: 0, Body: ""})
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.uploadSem.Release(1)

		resp := c.doJSON(ctx, "upload", http.MethodPost, "/2/files/upload_session/start", map[string]string{
			"src": src, "dst": dst,
		})
		c.deliver(gen, cb, resp)
	}()
}

// ListFolder issues the initial (non-incremental) listing of path.
func (c *Client) ListFolder(ctx context.Context, path string, recursive bool, cb Callback) {
	c.runVerb(ctx, "list_folder", "/2/files/list_folder", map[string]interface{}{
		"path": path, "recursive": recursive,
	}, cb)
}

// ContinueList resumes an in-progress listing from cursor.
func (c *Client) ContinueList(ctx context.Context, cursor string, cb Callback) {
	c.runVerb(ctx, "list_folder_continue", "/2/files/list_folder/continue", map[string]interface{}{
		"cursor": cursor,
	}, cb)
}

// LatestCursor fetches the current cursor for path without a full listing.
func (c *Client) LatestCursor(ctx context.Context, path string, recursive bool, cb Callback) {
	c.runVerb(ctx, "list_folder_latest_cursor", "/2/files/list_folder/get_latest_cursor", map[string]interface{}{
		"path": path, "recursive": recursive,
	}, cb)
}

// DeletePath deletes a single path.
func (c *Client) DeletePath(ctx context.Context, path string, cb Callback) {
	c.runVerb(ctx, "delete", "/2/files/delete_v2", map[string]interface{}{
		"path": path,
	}, cb)
}

// DeleteBatch deletes many paths in one request.
func (c *Client) DeleteBatch(ctx context.Context, paths []string, cb Callback) {
	entries := make([]map[string]string, len(paths))
	for i, p := range paths {
		entries[i] = map[string]string{"path": p}
	}
	c.runVerb(ctx, "delete_batch", "/2/files/delete_batch", map[string]interface{}{
		"entries": entries,
	}, cb)
}

func (c *Client) runVerb(ctx context.Context, verb, endpoint string, payload interface{}, cb Callback) {
	gen := c.currentGen()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		resp := c.doJSON(ctx, verb, http.MethodPost, endpoint, payload)
		c.deliver(gen, cb, resp)
	}()
}

func (c *Client) doJSON(ctx context.Context, verb, method, endpoint string, payload interface{}) Response {
	// requestID ties together every log line this one call produces,
	// since retries and the eventual outcome otherwise share nothing an
	// operator could grep for across a burst of concurrent uploads.
	requestID := uuid.New().String()
	logFields := logging.Fields{"request_id": requestID, "verb": verb}

	body, err := json.Marshal(payload)
	if err != nil {
		return Response{StatusCode: -1, Body: err.Error()}
	}

	token := c.authToken()
	resp, err := doWithRetry(ctx, c.http, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		return req, nil
	}, defaultRetryConfig())
	if err != nil {
		if c.log != nil {
			c.log.WithFields(logFields).WithError(err).Error("cloud request failed")
		}
		return Response{StatusCode: -1, Body: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	respBody, readErr := io.ReadAll(resp.Body)
	if readErr != nil {
		return Response{StatusCode: resp.StatusCode, Body: fmt.Sprintf("read error: %v", readErr), Err: readErr}
	}

	if resp.StatusCode != http.StatusOK {
		cloudErr := NewCloudError(verb, resp.StatusCode, string(respBody))
		if c.log != nil {
			c.log.WithFields(logFields).WithError(cloudErr).Warn("cloud provider returned non-200")
		}
		return Response{StatusCode: resp.StatusCode, Body: string(respBody), Err: cloudErr}
	}

	return Response{StatusCode: resp.StatusCode, Body: string(respBody)}
}

// Reset stops accepting deliveries for any requests submitted before this
// call: their callbacks are never invoked. The client remains usable
// afterward (new gen).
func (c *Client) Reset(done func()) {
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()
	if done != nil {
		done()
	}
}

// Shutdown behaves like Reset but the caller does not intend to reuse the
// client; it waits for in-flight goroutines to finish unwinding before
// invoking done.
func (c *Client) Shutdown(done func()) {
	c.mu.Lock()
	c.gen++
	c.mu.Unlock()
	go func() {
		c.wg.Wait()
		if done != nil {
			done()
		}
	}()
}
