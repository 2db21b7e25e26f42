// Package cloudfolder maintains a local mirror of one remote cloud-storage
// folder as a timestamp-ordered index, with size-based eviction.
package cloudfolder

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/RSATom/IpCamBox/internal/cloudapi"
	"github.com/RSATom/IpCamBox/internal/logging"
)

// UpdateInterval is the incremental-listing poll interval.
const UpdateInterval = 5 * time.Second

// modifiedLayout is the timestamp format the provider reports entries in.
const modifiedLayout = "2006-01-02T15:04:05Z"

// Requester is the subset of cloudapi.Client that CloudFolder depends on,
// narrowed to an interface so tests can substitute a fake provider.
type Requester interface {
	ListFolder(ctx context.Context, path string, recursive bool, cb cloudapi.Callback)
	ContinueList(ctx context.Context, cursor string, cb cloudapi.Callback)
	DeleteBatch(ctx context.Context, paths []string, cb cloudapi.Callback)
}

// item is one file entry in the mirrored folder.
type item struct {
	path       string
	modifiedAt time.Time
	size       uint64
}

// Folder mirrors a single remote folder. All exported methods are safe
// for concurrent use; internally a mutex stands in for a single-
// threaded main executor, the same way frameworks/api_balancing's
// Registry protects its connection map with sync.RWMutex rather than a
// bespoke event loop.
type Folder struct {
	path      string
	requester Requester
	log       logging.Logger

	mu           sync.Mutex
	items        map[string]*item
	index        []*item // ordered by modifiedAt ascending
	totalBytes   uint64
	cursor       string
	shuttingDown bool
	timer        *time.Timer
}

// New creates a Folder mirroring path via requester.
func New(path string, requester Requester, log logging.Logger) *Folder {
	return &Folder{
		path:      path,
		requester: requester,
		log:       log,
		items:     make(map[string]*item),
	}
}

// Active reports whether the folder is still live, i.e. Shutdown has not
// been called yet. It does not look at tracked items or pending polls.
func (f *Folder) Active() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.shuttingDown
}

// TotalBytes returns the current mirrored size.
func (f *Folder) TotalBytes() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.totalBytes
}

// ItemCount returns the number of tracked items.
func (f *Folder) ItemCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

// StartSync issues the initial full listing and begins the incremental
// poll loop once it completes.
func (f *Folder) StartSync(ctx context.Context) {
	if f.log != nil {
		f.log.WithField("path", f.path).Debug("start sync")
	}
	f.requester.ListFolder(ctx, f.path, true, func(resp cloudapi.Response) {
		f.onListResponse(ctx, resp)
	})
}

func (f *Folder) onListResponse(ctx context.Context, resp cloudapi.Response) {
	if resp.StatusCode != 200 {
		if f.log != nil {
			f.log.WithFields(logging.Fields{"path": f.path, "status": resp.StatusCode}).Error("list folder failed")
		}
		return
	}
	f.mu.Lock()
	if f.shuttingDown {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	f.handleResponse(ctx, resp.Body)
}

func (f *Folder) continueList(ctx context.Context, cursor string) {
	f.mu.Lock()
	if f.shuttingDown {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	f.requester.ContinueList(ctx, cursor, func(resp cloudapi.Response) {
		if resp.StatusCode != 200 {
			if f.log != nil {
				f.log.WithFields(logging.Fields{"path": f.path, "status": resp.StatusCode}).Error("continue list failed")
			}
			return
		}
		f.mu.Lock()
		if f.shuttingDown {
			f.mu.Unlock()
			return
		}
		f.mu.Unlock()
		f.handleResponse(ctx, resp.Body)
	})
}

// listFolderResponse mirrors the provider's list_folder / continue schema.
type listFolderResponse struct {
	Entries []struct {
		Tag            string `json:".tag"`
		PathDisplay    string `json:"path_display"`
		ServerModified string `json:"server_modified"`
		Size           uint64 `json:"size"`
	} `json:"entries"`
	Cursor  string `json:"cursor"`
	HasMore bool   `json:"has_more"`
}

func (f *Folder) handleResponse(ctx context.Context, body string) {
	f.mu.Lock()
	if f.shuttingDown {
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()

	var doc listFolderResponse
	if err := json.Unmarshal([]byte(body), &doc); err != nil {
		if f.log != nil {
			f.log.WithError(err).WithField("path", f.path).Error("malformed folder listing")
		}
		return
	}

	f.mu.Lock()
	for _, e := range doc.Entries {
		switch e.Tag {
		case "file":
			modifiedAt, err := time.Parse(modifiedLayout, e.ServerModified)
			if err != nil {
				if f.log != nil {
					f.log.WithError(err).Warn("unparseable server_modified timestamp")
				}
				continue
			}
			f.eraseLocked(e.PathDisplay)
			it := &item{path: e.PathDisplay, modifiedAt: modifiedAt, size: e.Size}
			f.items[it.path] = it
			f.insertIndexLocked(it)
			f.totalBytes += e.Size
		case "deleted":
			f.eraseLocked(e.PathDisplay)
		case "folder":
			// subfolders are not mirrored
		}
	}
	cursor := doc.Cursor
	f.cursor = cursor
	hasMore := doc.HasMore
	shuttingDown := f.shuttingDown
	f.mu.Unlock()

	if shuttingDown {
		return
	}

	if hasMore {
		f.continueList(ctx, cursor)
		return
	}

	f.armUpdateTimer(ctx, cursor)
}

func (f *Folder) armUpdateTimer(ctx context.Context, cursor string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.shuttingDown {
		return
	}
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(UpdateInterval, func() {
		f.continueList(ctx, cursor)
	})
}

// insertIndexLocked inserts it into index at the upper-bound position for
// its modifiedAt, keeping ties stable by insertion order. Caller must
// hold f.mu.
func (f *Folder) insertIndexLocked(it *item) {
	pos := sort.Search(len(f.index), func(i int) bool {
		return f.index[i].modifiedAt.After(it.modifiedAt)
	})
	f.index = append(f.index, nil)
	copy(f.index[pos+1:], f.index[pos:])
	f.index[pos] = it
}

// eraseLocked removes any item at path from both items and index. Caller
// must hold f.mu.
func (f *Folder) eraseLocked(path string) {
	it, ok := f.items[path]
	if !ok {
		return
	}
	f.totalBytes -= it.size
	delete(f.items, path)

	for i, x := range f.index {
		if x.path == path {
			f.index = append(f.index[:i], f.index[i+1:]...)
			break
		}
	}
}

// ShrinkTo walks the index oldest-first and issues a DeleteBatch for
// exactly the prefix whose removal would bring totalBytes at or below
// maxBytes. Local state is not mutated here: the next incremental listing
// carries the corresponding "deleted" entries, per the original
// DropboxFolder::shrinkFolder's lazy accounting.
func (f *Folder) ShrinkTo(ctx context.Context, maxBytes uint64) {
	f.mu.Lock()
	if f.shuttingDown || f.totalBytes <= maxBytes {
		f.mu.Unlock()
		return
	}

	incShrinkRun()

	removeSize := f.totalBytes - maxBytes
	var removeList []string
	for _, it := range f.index {
		removeList = append(removeList, it.path)
		if removeSize <= it.size {
			removeSize = 0
			break
		}
		removeSize -= it.size
	}
	f.mu.Unlock()

	if len(removeList) == 0 {
		return
	}

	incBatchDeleteIssued()
	f.requester.DeleteBatch(ctx, removeList, func(resp cloudapi.Response) {
		if resp.StatusCode != 200 && f.log != nil {
			f.log.WithFields(logging.Fields{"path": f.path, "status": resp.StatusCode}).Error("delete batch failed")
		}
		// Reconciliation happens via the next incremental listing's
		// "deleted" entries regardless of outcome.
	})
}

// Shutdown marks the folder as shutting down, cancels the update timer,
// and invokes done. In-flight response callbacks observe shuttingDown and
// return early.
func (f *Folder) Shutdown(done func()) {
	f.mu.Lock()
	f.shuttingDown = true
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.mu.Unlock()
	if done != nil {
		done()
	}
}
