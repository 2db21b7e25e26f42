package cloudfolder

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/RSATom/IpCamBox/internal/cloudapi"
)

// fakeRequester is a scriptable in-memory stand-in for cloudapi.Client.
type fakeRequester struct {
	mu           sync.Mutex
	listResp     cloudapi.Response
	continueResp map[string]cloudapi.Response
	deleteBatch  [][]string
	deleteResp   cloudapi.Response
}

func (r *fakeRequester) ListFolder(_ context.Context, _ string, _ bool, cb cloudapi.Callback) {
	cb(r.listResp)
}

func (r *fakeRequester) ContinueList(_ context.Context, cursor string, cb cloudapi.Callback) {
	r.mu.Lock()
	resp, ok := r.continueResp[cursor]
	r.mu.Unlock()
	if !ok {
		resp = cloudapi.Response{StatusCode: 200, Body: `{"entries":[],"cursor":"` + cursor + `","has_more":false}`}
	}
	cb(resp)
}

func (r *fakeRequester) DeleteBatch(_ context.Context, paths []string, cb cloudapi.Callback) {
	r.mu.Lock()
	r.deleteBatch = append(r.deleteBatch, paths)
	resp := r.deleteResp
	r.mu.Unlock()
	if resp.StatusCode == 0 {
		resp = cloudapi.Response{StatusCode: 200, Body: "{}"}
	}
	cb(resp)
}

func entriesJSON(entries string, cursor string, hasMore bool) string {
	return fmt.Sprintf(`{"entries":[%s],"cursor":%q,"has_more":%t}`, entries, cursor, hasMore)
}

func fileEntry(path, modified string, size uint64) string {
	return fmt.Sprintf(`{".tag":"file","path_display":%q,"server_modified":%q,"size":%d}`, path, modified, size)
}

func deletedEntry(path string) string {
	return fmt.Sprintf(`{".tag":"deleted","path_display":%q}`, path)
}

func TestStartSync_BuildsOrderedIndex(t *testing.T) {
	req := &fakeRequester{
		listResp: cloudapi.Response{
			StatusCode: 200,
			Body: entriesJSON(
				fileEntry("/p2", "2020-01-01T00:00:02Z", 40)+","+
					fileEntry("/p1", "2020-01-01T00:00:01Z", 40)+","+
					fileEntry("/p3", "2020-01-01T00:00:03Z", 40),
				"cursor-1", false),
		},
	}
	f := New("/", req, nil)
	f.StartSync(context.Background())

	if got := f.TotalBytes(); got != 120 {
		t.Fatalf("totalBytes = %d, want 120", got)
	}
	if got := f.ItemCount(); got != 3 {
		t.Fatalf("itemCount = %d, want 3", got)
	}

	// index stays sorted ascending by modifiedAt.
	got := make([]string, len(f.index))
	for i, it := range f.index {
		got[i] = it.path
	}
	want := []string{"/p1", "/p2", "/p3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index order = %v, want %v", got, want)
		}
	}
}

func TestHandleResponse_DeletedRemovesItem(t *testing.T) {
	req := &fakeRequester{
		listResp: cloudapi.Response{
			StatusCode: 200,
			Body:       entriesJSON(fileEntry("/p1", "2020-01-01T00:00:01Z", 40), "c1", false),
		},
	}
	f := New("/", req, nil)
	f.StartSync(context.Background())
	if f.TotalBytes() != 40 {
		t.Fatalf("expected 40 bytes before delete")
	}

	f.handleResponse(context.Background(), entriesJSON(deletedEntry("/p1"), "c2", false))

	if got := f.TotalBytes(); got != 0 {
		t.Fatalf("totalBytes after delete = %d, want 0", got)
	}
	if got := f.ItemCount(); got != 0 {
		t.Fatalf("itemCount after delete = %d, want 0", got)
	}
}

// TestShrinkTo_EvictsOldestUntilUnderCap reproduces the shrink-to-cap walkthrough:
// three same-size files, evict oldest-first until under the cap.
func TestShrinkTo_EvictsOldestUntilUnderCap(t *testing.T) {
	req := &fakeRequester{
		listResp: cloudapi.Response{
			StatusCode: 200,
			Body: entriesJSON(
				fileEntry("/p1", "2020-01-01T00:00:01Z", 40)+","+
					fileEntry("/p2", "2020-01-01T00:00:02Z", 40)+","+
					fileEntry("/p3", "2020-01-01T00:00:03Z", 40),
				"c1", false),
		},
	}
	f := New("/", req, nil)
	f.StartSync(context.Background())

	if f.TotalBytes() != 120 {
		t.Fatalf("precondition: totalBytes = %d, want 120", f.TotalBytes())
	}

	f.ShrinkTo(context.Background(), 50)

	if len(req.deleteBatch) != 1 {
		t.Fatalf("expected exactly one DeleteBatch call, got %d", len(req.deleteBatch))
	}
	got := req.deleteBatch[0]
	want := []string{"/p1", "/p2"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("deleteBatch = %v, want %v", got, want)
	}

	// Shrink accounting is phrased over the post-acknowledgement state:
	// apply the "deleted" entries the next poll would carry.
	f.handleResponse(context.Background(), entriesJSON(
		deletedEntry("/p1")+","+deletedEntry("/p2"), "c2", false))

	if got := f.TotalBytes(); got != 40 {
		t.Fatalf("totalBytes after ack = %d, want 40", got)
	}
}

func TestShrinkTo_NoOpWhenUnderCap(t *testing.T) {
	req := &fakeRequester{
		listResp: cloudapi.Response{
			StatusCode: 200,
			Body:       entriesJSON(fileEntry("/p1", "2020-01-01T00:00:01Z", 40), "c1", false),
		},
	}
	f := New("/", req, nil)
	f.StartSync(context.Background())

	f.ShrinkTo(context.Background(), 1000)

	if len(req.deleteBatch) != 0 {
		t.Fatalf("expected no DeleteBatch call, got %d", len(req.deleteBatch))
	}
}

func TestShutdown_StopsProcessingResponses(t *testing.T) {
	req := &fakeRequester{
		listResp: cloudapi.Response{StatusCode: 200, Body: entriesJSON("", "c1", false)},
	}
	f := New("/", req, nil)
	done := make(chan struct{})
	f.Shutdown(func() { close(done) })
	<-done

	f.handleResponse(context.Background(), entriesJSON(fileEntry("/p1", "2020-01-01T00:00:01Z", 10), "c2", false))
	if f.ItemCount() != 0 {
		t.Fatalf("expected no items processed after shutdown")
	}
}
