//go:build ci
// +build ci

package ci

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/ftp-deploy/pkg/config"
	"github.com/sidkik/ftp-deploy/pkg/deploy"
	"github.com/sidkik/ftp-deploy/pkg/remote"
)

// TestDeploy deploys to a real server. The server is configured with the
// CI_FTP_* environment variables.
func TestDeploy(t *testing.T) {
	env := map[string]string{}
	for _, key := range []string{"CI_FTP_PROTOCOL", "CI_FTP_SERVER", "CI_FTP_USERNAME", "CI_FTP_PASSWORD"} {
		val, ok := os.LookupEnv(key)
		if !ok {
			t.Errorf("missing required environment variable %s", key)
			return
		}
		env[key] = val
	}

	cfg := config.DefaultDeploy()
	cfg.Protocol = env["CI_FTP_PROTOCOL"]
	cfg.Server = env["CI_FTP_SERVER"]
	cfg.Username = env["CI_FTP_USERNAME"]
	cfg.Password = env["CI_FTP_PASSWORD"]
	cfg.InsecureIgnoreHostKey = true
	cfg.ServerDir = "ftp-deploy-ci-" + uuid.NewString()
	if port, ok := os.LookupEnv("CI_FTP_PORT"); ok {
		var err error
		cfg.Port, err = strconv.Atoi(port)
		require.NoError(t, err)
	}
	require.NoError(t, cfg.Validate())

	localDir := t.TempDir()
	files := map[string]string{}
	write := func(path string) {
		contents := strconv.Itoa(rand.Int())
		files[path] = contents
		full := filepath.Join(localDir, path)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0755))
		require.NoError(t, os.WriteFile(full, []byte(contents), 0644))
	}
	remove := func(path string) {
		delete(files, path)
		require.NoError(t, os.Remove(filepath.Join(localDir, path)))
	}

	for _, path := range []string{"index.html", "css/site.css", "img/a.png", "img/icons/b.png"} {
		write(path)
	}

	run := func(concurrency int) {
		_, err := deploy.New(deploy.Config{
			Remote:          cfg.RemoteOptions(),
			LocalFs:         afero.NewOsFs(),
			LocalDir:        localDir,
			ServerDir:       cfg.ServerDir,
			StateName:       cfg.StateName,
			Exclude:         cfg.Exclude,
			Concurrency:     concurrency,
			MaxTaskFailures: cfg.MaxTaskFailures,
			Retry:           cfg.RetryConfig(),
			SessionMaxAge:   cfg.SessionMaxAge(),
			Log:             log.StandardLogger(),
		}).Run(context.Background())
		require.NoError(t, err)
	}

	run(0)
	assertServerFiles(t, cfg, files)

	write("index.html")
	write("js/app.js")
	remove("img/icons/b.png")
	run(3)
	assertServerFiles(t, cfg, files)

	client, err := remote.Dial(context.Background(), cfg.RemoteOptions())
	require.NoError(t, err)
	defer client.Close()
	assert.NoError(t, client.RemoveDir(cfg.ServerDir))
}

func assertServerFiles(t *testing.T, cfg config.Deploy, files map[string]string) {
	client, err := remote.Dial(context.Background(), cfg.RemoteOptions())
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.ChangeDir(cfg.ServerDir))

	for path, contents := range files {
		var buf bytes.Buffer
		if assert.NoError(t, client.Retrieve(path, &buf), path) {
			assert.Equal(t, contents, buf.String(), path)
		}
	}

	var buf bytes.Buffer
	assert.NoError(t, client.Retrieve(cfg.StateName, &buf))
}
