package deploy

import (
	"context"
	"fmt"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/ftp-deploy/pkg/sync"
)

const testStateName = ".ftp-deploy-sync-state.json"

func file(p string) sync.Record {
	return sync.Record{Kind: sync.KindFile, Path: p}
}

func folder(p string) sync.Record {
	return sync.Record{Kind: sync.KindFolder, Path: p}
}

func writeLocal(t *testing.T, fs afero.Fs, paths ...string) {
	for _, p := range paths {
		require.NoError(t, afero.WriteFile(fs, "/src/"+p, []byte(p), 0644))
	}
}

func TestApplySequentialNewFolder(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLocal(t, fs, "img/a.png")

	client := newRecorder()
	r, _ := newTestReconciler(client, fs)

	diff := sync.DiffResult{
		Upload: []sync.Record{folder("img"), file("img/a.png")},
	}
	require.NoError(t, r.ApplySequential(context.Background(), diff, testStateName))
	assert.Equal(t, []string{
		"EnsureDir img",
		"ChangeDir ..",
		"Store img/a.png",
	}, client.Calls())
}

func TestApplySequentialOrder(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLocal(t, fs, "index.html", "css/site.css", "about.html")

	client := newRecorder()
	r, _ := newTestReconciler(client, fs)

	diff := sync.DiffResult{
		Upload: []sync.Record{
			file("css/site.css"),
			folder("css"),
			file(testStateName),
			file("about.html"),
		},
		Replace: []sync.Record{file("index.html"), file(testStateName)},
		Delete: []sync.Record{
			folder("old"),
			folder("old/nested"),
			file("old/nested/x.txt"),
			file("stale.txt"),
		},
	}
	require.NoError(t, r.ApplySequential(context.Background(), diff, testStateName))
	assert.Equal(t, []string{
		"EnsureDir css",
		"ChangeDir ..",
		"Store css/site.css",
		"Store about.html",
		"Store index.html",
		"Remove old/nested/x.txt",
		"Remove stale.txt",
		"RemoveDir /old/nested",
		"RemoveDir /old",
	}, client.Calls())
}

func TestApplySequentialStopsOnError(t *testing.T) {
	fs := afero.NewMemMapFs()
	writeLocal(t, fs, "a.txt", "b.txt")

	client := newRecorder()
	client.errs["Store a.txt"] = assert.AnError
	r, _ := newTestReconciler(client, fs)

	diff := sync.DiffResult{Upload: []sync.Record{file("a.txt"), file("b.txt")}}
	assert.Error(t, r.ApplySequential(context.Background(), diff, testStateName))
	assert.NotContains(t, client.Calls(), "Store b.txt")
}

// fakeDispatcher records dispatched batches into the recorder's call log, so
// that the order relative to the main session's calls can be checked.
type fakeDispatcher struct {
	client  *recorder
	waitErr error
}

func (d *fakeDispatcher) AddTasks(records []sync.Record, action sync.Action) {
	for _, record := range records {
		d.client.record(fmt.Sprintf("dispatch %s %s", action, record.Path))
	}
}

func (d *fakeDispatcher) WaitForAllTasks(context.Context) error {
	d.client.record("wait")
	return d.waitErr
}

func TestApplyParallel(t *testing.T) {
	client := newRecorder()
	r, _ := newTestReconciler(client, afero.NewMemMapFs())
	dispatcher := &fakeDispatcher{client: client}

	diff := sync.DiffResult{
		Upload: []sync.Record{
			folder("img"),
			folder("img/icons"),
			file("img/a.png"),
			file("img/icons/b.png"),
			file("index.html"),
			file("css/site.css"),
			file(testStateName),
		},
		Replace: []sync.Record{file("about.html")},
		Delete:  []sync.Record{file("old.txt"), folder("old"), folder("old/nested")},
	}
	require.NoError(t, r.ApplyParallel(context.Background(), diff, testStateName, dispatcher))
	assert.Equal(t, []string{
		// Neither file is in a new folder.
		"dispatch upload index.html",
		"dispatch upload css/site.css",

		"EnsureDir img",
		"ChangeDir ..",
		"dispatch upload img/a.png",
		"EnsureDir img",
		"EnsureDir icons",
		"ChangeDir ..",
		"ChangeDir ..",
		"dispatch upload img/icons/b.png",

		"dispatch replace about.html",
		"dispatch delete old.txt",
		"wait",

		"RemoveDir /old/nested",
		"RemoveDir /old",
	}, client.Calls())
}

func TestApplyParallelWaitFails(t *testing.T) {
	client := newRecorder()
	r, _ := newTestReconciler(client, afero.NewMemMapFs())
	dispatcher := &fakeDispatcher{client: client, waitErr: assert.AnError}

	diff := sync.DiffResult{
		Upload: []sync.Record{file("index.html")},
		Delete: []sync.Record{folder("old")},
	}
	assert.Equal(t, assert.AnError,
		r.ApplyParallel(context.Background(), diff, testStateName, dispatcher))
	assert.NotContains(t, client.Calls(), "RemoveDir /old")
}

func TestDeepestFirst(t *testing.T) {
	sorted := deepestFirst([]sync.Record{folder("a"), folder("a/b/c"), folder("b"), folder("a/b")})
	assert.Equal(t, []sync.Record{folder("a/b/c"), folder("a/b"), folder("b"), folder("a")}, sorted)
}
