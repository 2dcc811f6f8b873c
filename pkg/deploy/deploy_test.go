package deploy

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/ftp-deploy/pkg/errors"
	"github.com/sidkik/ftp-deploy/pkg/remote"
	"github.com/sidkik/ftp-deploy/pkg/sync"
)

func recorderConfig(t *testing.T, client *recorder) Config {
	logger, _ := logrusTest.NewNullLogger()
	return Config{
		Dial: func(context.Context, remote.Options) (remote.Client, error) {
			return client, nil
		},
		LocalFs:   afero.NewMemMapFs(),
		LocalDir:  "/src",
		ServerDir: "./",
		StateName: testStateName,
		Clock:     clockwork.NewFakeClockAt(time.Unix(1600000000, 0)),
		Log:       logger,
	}
}

func TestRunFirstDeployment(t *testing.T) {
	client := newRecorder()
	cfg := recorderConfig(t, client)
	writeLocal(t, cfg.LocalFs, "img/a.png")

	summary, err := New(cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"EnsureDir ./",
		"Retrieve " + testStateName,
		"EnsureDir img",
		"ChangeDir ..",
		"Store img/a.png",
		"Store " + testStateName,
	}, client.Calls())
	assert.True(t, client.Closed())

	assert.True(t, summary.FirstDeployment)
	assert.Equal(t, 2, summary.Uploaded)
	assert.Equal(t, int64(len("img/a.png")), summary.SizeUpload)

	state, err := sync.ParseState([]byte(client.stored[testStateName]))
	require.NoError(t, err)
	assert.Equal(t, int64(1600000000000), state.GeneratedTime)
	assert.Equal(t, []sync.Record{
		folder("img"),
		{Kind: sync.KindFile, Path: "img/a.png", Size: 9, Hash: state.Data[1].Hash},
	}, state.Data)
}

func TestRunRemoveMissingFile(t *testing.T) {
	previous, err := sync.NewState([]sync.Record{
		{Kind: sync.KindFile, Path: "old.txt", Size: 3, Hash: "abc"},
	}, time.Now()).Marshal()
	require.NoError(t, err)

	client := newRecorder()
	client.retrieved = previous
	client.errs["Remove old.txt"] = errors.WithContext(remote.ErrNotFound, "550 File not found")

	cfg := recorderConfig(t, client)
	require.NoError(t, cfg.LocalFs.MkdirAll("/src", 0755))

	summary, err := New(cfg).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.FirstDeployment)
	assert.Equal(t, 1, summary.Deleted)
	assert.Equal(t, []string{
		"EnsureDir ./",
		"Retrieve " + testStateName,
		"Remove old.txt",
		"Store " + testStateName,
	}, client.Calls())
}

func TestRunReconnectsDroppedSession(t *testing.T) {
	dropped, fresh := newRecorder(), newRecorder()
	dropped.errs["Store index.html"] = errors.WithContext(remote.ErrNotConnected, "EOF")

	cfg := recorderConfig(t, dropped)
	var dials int
	cfg.Dial = func(context.Context, remote.Options) (remote.Client, error) {
		dials++
		if dials == 1 {
			return dropped, nil
		}
		return fresh, nil
	}
	writeLocal(t, cfg.LocalFs, "index.html")

	_, err := New(cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, dials)
	assert.True(t, dropped.Closed())
	assert.Equal(t, []string{
		"EnsureDir ./",
		"Retrieve " + testStateName,
		"Store index.html",
	}, dropped.Calls())
	assert.Equal(t, []string{
		"EnsureDir ./",
		"Store index.html",
		"Store " + testStateName,
	}, fresh.Calls())
}

func TestRunCleanSlate(t *testing.T) {
	client := newRecorder()
	client.retrieved = []byte("unused")
	cfg := recorderConfig(t, client)
	cfg.CleanSlate = true
	writeLocal(t, cfg.LocalFs, "index.html")

	summary, err := New(cfg).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.FirstDeployment)
	assert.Equal(t, []string{
		"EnsureDir ./",
		"ClearWorkingDir",
		"Store index.html",
		"Store " + testStateName,
	}, client.Calls())
}

func TestRunCleanSlateFails(t *testing.T) {
	client := newRecorder()
	client.errs["ClearWorkingDir"] = assert.AnError
	cfg := recorderConfig(t, client)
	cfg.CleanSlate = true
	writeLocal(t, cfg.LocalFs, "index.html")

	_, err := New(cfg).Run(context.Background())
	assert.Error(t, err)
	assert.NotContains(t, client.Calls(), "Store index.html")
}

func TestRunDryRun(t *testing.T) {
	client := newRecorder()
	cfg := recorderConfig(t, client)
	cfg.DryRun = true
	cfg.CleanSlate = true
	writeLocal(t, cfg.LocalFs, "img/a.png", "index.html")

	summary, err := New(cfg).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.DryRun)
	assert.Equal(t, 3, summary.Uploaded)
	assert.Equal(t, []string{"EnsureDir ./"}, client.Calls())
}

func TestRunConnectFails(t *testing.T) {
	cfg := recorderConfig(t, newRecorder())
	cfg.Remote.Server = "ftp.example.com"
	cfg.Dial = func(context.Context, remote.Options) (remote.Client, error) {
		return nil, assert.AnError
	}
	require.NoError(t, cfg.LocalFs.MkdirAll("/src", 0755))

	_, err := New(cfg).Run(context.Background())
	msg, ok := errors.GetFriendlyMessage(err)
	assert.True(t, ok)
	assert.Contains(t, msg, "ftp.example.com")
}

func TestRunMissingLocalDir(t *testing.T) {
	client := newRecorder()
	_, err := New(recorderConfig(t, client)).Run(context.Background())
	assert.Error(t, err)
	assert.Empty(t, client.Calls())
}

// TestRoundTrip deploys to a folder on an in-memory filesystem, and checks
// that the server ends up with the same files as the local folder.
func TestRoundTrip(t *testing.T) {
	localFs := afero.NewMemMapFs()
	serverFs := afero.NewMemMapFs()
	require.NoError(t, serverFs.MkdirAll("/srv", 0755))

	write := func(path, contents string) {
		require.NoError(t, afero.WriteFile(localFs, "/src/"+path, []byte(contents), 0644))
	}
	write("index.html", "<html>")
	write("css/site.css", "body {}")
	write("img/icons/a.png", "a")
	write("img/icons/b.png", "b")
	write("old/nested/x.txt", "x")
	write(".git/HEAD", "ref")

	logger, _ := logrusTest.NewNullLogger()
	cfg := Config{
		Remote: remote.Options{
			Protocol: remote.ProtocolLocal,
			Server:   "/srv",
			Fs:       serverFs,
		},
		LocalFs:         localFs,
		LocalDir:        "/src",
		ServerDir:       "public_html",
		StateName:       testStateName,
		Exclude:         sync.DefaultExclude,
		MaxTaskFailures: 3,
		Log:             logger,
	}

	assertInSync := func() {
		excluder, err := sync.NewExcluder(sync.DefaultExclude)
		require.NoError(t, err)

		local, err := sync.SnapshotLocal(localFs, "/src", excluder, testStateName)
		require.NoError(t, err)

		server, err := sync.SnapshotLocal(serverFs, "/srv/public_html", excluder, testStateName)
		require.NoError(t, err)
		assert.Equal(t, local, server)

		exists, err := afero.Exists(serverFs, "/srv/public_html/"+testStateName)
		require.NoError(t, err)
		assert.True(t, exists)
	}

	summary, err := New(cfg).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, summary.FirstDeployment)
	assertInSync()

	exists, err := afero.Exists(serverFs, "/srv/public_html/.git/HEAD")
	require.NoError(t, err)
	assert.False(t, exists)

	// Change the local folder, and deploy again using a worker pool.
	write("index.html", "<html><body>")
	write("img/c.png", "c")
	write("js/new/app.js", "app")
	require.NoError(t, localFs.RemoveAll("/src/old"))
	require.NoError(t, localFs.Remove("/src/img/icons/b.png"))

	cfg.Concurrency = 2
	summary, err = New(cfg).Run(context.Background())
	require.NoError(t, err)
	assert.False(t, summary.FirstDeployment)
	assert.Equal(t, 1, summary.Replaced)
	assert.Equal(t, 4, summary.Uploaded)
	assert.Equal(t, 4, summary.Deleted)
	assertInSync()

	// Nothing changed, so nothing is applied.
	summary, err = New(cfg).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Uploaded+summary.Replaced+summary.Deleted)
	assertInSync()
}
