package deploy

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/ftp-deploy/pkg/config"
	"github.com/sidkik/ftp-deploy/pkg/deploy"
	"github.com/sidkik/ftp-deploy/pkg/sync"
)

func TestApplyFlags(t *testing.T) {
	cmd := New()
	require.NoError(t, cmd.Flags().Parse([]string{
		"--server", "ftp.example.com",
		"--concurrency", "3",
		"--dry-run",
		"--exclude", "*.map,*.log",
	}))

	fileCfg := config.DefaultDeploy()
	fileCfg.Server = "from-file"
	fileCfg.Username = "from-file"
	fileCfg.RetryAttempts = 7

	// Read the values the flags were parsed into.
	opts := config.Deploy{}
	opts.Server, _ = cmd.Flags().GetString("server")
	opts.Concurrency, _ = cmd.Flags().GetInt("concurrency")
	opts.DryRun, _ = cmd.Flags().GetBool("dry-run")
	opts.Exclude, _ = cmd.Flags().GetStringSlice("exclude")

	applyFlags(cmd.Flags(), opts, &fileCfg)

	exp := config.DefaultDeploy()
	exp.Server = "ftp.example.com"
	exp.Username = "from-file"
	exp.RetryAttempts = 7
	exp.Concurrency = 3
	exp.DryRun = true
	exp.Exclude = []string{"*.map", "*.log"}
	assert.Equal(t, exp, fileCfg)
}

func TestRun(t *testing.T) {
	fs = afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/site/index.html", []byte("<html>"), 0644))
	require.NoError(t, afero.WriteFile(fs, "/site/img/logo.png", []byte("png"), 0644))
	require.NoError(t, fs.MkdirAll("/srv", 0755))

	cfg := config.DefaultDeploy()
	cfg.Protocol = "local"
	cfg.Server = "/srv"
	cfg.LocalDir = "/site"
	cfg.ServerDir = "www"
	cfg.Concurrency = 2
	require.NoError(t, cfg.Validate())

	summary, err := run(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Uploaded)
	assert.True(t, summary.FirstDeployment)

	for _, path := range []string{
		"/srv/www/index.html",
		"/srv/www/img/logo.png",
		"/srv/www/" + config.DefaultStateName,
	} {
		exists, err := afero.Exists(fs, path)
		assert.NoError(t, err)
		assert.True(t, exists, path)
	}
}

func TestPrintSummary(t *testing.T) {
	var out bytes.Buffer
	printSummary(&out, deploy.Summary{
		Uploaded:   2,
		SizeUpload: 2048,
		Deleted:    1,
		SizeDelete: 10,
		Unchanged:  5,
		DryRun:     true,
		Duration:   1500 * time.Millisecond,
	})

	assert.Contains(t, out.String(), "Dry run complete")
	assert.Contains(t, out.String(), "Uploaded:  2 (2.0 kB)")
	assert.Contains(t, out.String(), "Deleted:   1 (10 B)")
	assert.Contains(t, out.String(), "Unchanged: 5")
	assert.Contains(t, out.String(), "Duration:  1.5s")
}

func TestWatchAndDeploy(t *testing.T) {
	fs = afero.NewMemMapFs()
	stdout = &bytes.Buffer{}
	require.NoError(t, afero.WriteFile(fs, "/site/index.html", []byte("<html>"), 0644))
	require.NoError(t, fs.MkdirAll("/srv", 0755))

	changes := make(chan struct{})
	watch = func(_ context.Context, dir string, _ sync.Excluder) (<-chan struct{}, error) {
		assert.Equal(t, "/site", dir)
		return changes, nil
	}

	cfg := config.DefaultDeploy()
	cfg.Protocol = "local"
	cfg.Server = "/srv"
	cfg.LocalDir = "/site"

	done := make(chan error)
	go func() {
		done <- watchAndDeploy(context.Background(), cfg)
	}()

	exists := func(path string) func() bool {
		return func() bool {
			ok, _ := afero.Exists(fs, path)
			return ok
		}
	}
	assert.Eventually(t, exists("/srv/index.html"), 5*time.Second, 10*time.Millisecond)

	require.NoError(t, afero.WriteFile(fs, "/site/about.html", []byte("about"), 0644))
	changes <- struct{}{}
	close(changes)

	assert.NoError(t, <-done)
	assert.True(t, exists("/srv/about.html")())
}
