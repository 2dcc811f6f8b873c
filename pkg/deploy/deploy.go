// Package deploy makes a remote folder match a local folder. It compares a
// snapshot of the local folder with the state file left on the server by
// the previous deployment, and applies the difference either on a single
// session or across a pool of sessions.
package deploy

import (
	"bytes"
	"context"
	goErrors "errors"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jonboulle/clockwork"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/ftp-deploy/pkg/errors"
	"github.com/sidkik/ftp-deploy/pkg/pool"
	"github.com/sidkik/ftp-deploy/pkg/remote"
	"github.com/sidkik/ftp-deploy/pkg/retry"
	"github.com/sidkik/ftp-deploy/pkg/session"
	"github.com/sidkik/ftp-deploy/pkg/sync"
)

// ErrCleanSlate is used internally after the server directory was wiped, to
// skip reading the state file that was just deleted.
var ErrCleanSlate = goErrors.New("server directory was cleared")

// Config contains everything needed for a deployment.
type Config struct {
	Remote remote.Options

	// Dial opens remote sessions. Defaults to remote.Dial.
	Dial remote.Dialer

	LocalFs   afero.Fs
	LocalDir  string
	ServerDir string
	StateName string
	Exclude   []string

	DryRun     bool
	CleanSlate bool

	// Concurrency is the number of extra sessions used to transfer files.
	// Zero applies everything on the primary session.
	Concurrency     int
	MaxTaskFailures int

	Retry         retry.Config
	SessionMaxAge time.Duration

	Clock clockwork.Clock
	Log   log.FieldLogger
}

// Summary describes the result of a deployment.
type Summary struct {
	Uploaded  int
	Replaced  int
	Deleted   int
	Unchanged int

	SizeUpload  int64
	SizeReplace int64
	SizeDelete  int64

	FirstDeployment bool
	DryRun          bool
	Duration        time.Duration
}

// Deployer runs deployments.
type Deployer struct {
	cfg Config
}

// New creates a Deployer, filling in defaults for unset fields.
func New(cfg Config) *Deployer {
	if cfg.Dial == nil {
		cfg.Dial = remote.Dial
	}
	if cfg.LocalFs == nil {
		cfg.LocalFs = afero.NewOsFs()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Log == nil {
		cfg.Log = log.StandardLogger()
	}
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = cfg.Clock
	}
	if cfg.Retry.Log == nil {
		cfg.Retry.Log = cfg.Log
	}
	return &Deployer{cfg: cfg}
}

func (d *Deployer) sessionConfig() session.Config {
	return session.Config{
		Dial:      d.cfg.Dial,
		Options:   d.cfg.Remote,
		ServerDir: d.cfg.ServerDir,
		MaxAge:    d.cfg.SessionMaxAge,
		Clock:     d.cfg.Clock,
		Log:       d.cfg.Log,
	}
}

func (d *Deployer) newReconciler(s Session) *Reconciler {
	return &Reconciler{
		Session:   s,
		LocalFs:   d.cfg.LocalFs,
		LocalDir:  d.cfg.LocalDir,
		ServerDir: d.cfg.ServerDir,
		DryRun:    d.cfg.DryRun,
		Retry:     d.cfg.Retry,
		Log:       d.cfg.Log,
	}
}

// Run deploys the local directory to the server.
func (d *Deployer) Run(ctx context.Context) (Summary, error) {
	start := d.cfg.Clock.Now()
	summary := Summary{DryRun: d.cfg.DryRun}

	excluder, err := sync.NewExcluder(d.cfg.Exclude)
	if err != nil {
		return summary, errors.WithContext(err, "parse exclude patterns")
	}

	local, err := sync.SnapshotLocal(d.cfg.LocalFs, d.cfg.LocalDir, excluder, d.cfg.StateName)
	if err != nil {
		return summary, errors.WithContext(err, "snapshot local files")
	}

	primary := session.New(d.sessionConfig())
	if err := primary.Connect(ctx); err != nil {
		d.cfg.Log.WithError(err).Debug("Failed to connect")
		return summary, errors.NewFriendlyError(
			"Failed to connect to %s. Check the server, port and credentials.\n\n"+
				"Error: %s", d.cfg.Remote.Server, err)
	}
	defer func() {
		if err := primary.Close(); err != nil {
			d.cfg.Log.WithError(err).Debug("Failed to close session")
		}
	}()

	remoteRecords, err := d.readRemoteState(ctx, primary)
	switch {
	case err == nil:
		summary.FirstDeployment = len(remoteRecords) == 0
	case errors.Is(err, ErrCleanSlate):
		d.cfg.Log.Info("Cleared the server directory. Treating this as the first deployment.")
		summary.FirstDeployment = true
	default:
		return summary, err
	}

	diff := sync.HashDiff{}.GetDiffs(local, remoteRecords)
	d.logPlan(diff)

	summary.Uploaded = len(diff.Upload)
	summary.Replaced = len(diff.Replace)
	summary.Deleted = len(diff.Delete)
	summary.Unchanged = len(diff.Same)
	summary.SizeUpload = diff.SizeUpload
	summary.SizeReplace = diff.SizeReplace
	summary.SizeDelete = diff.SizeDelete

	if err := d.apply(ctx, primary, diff); err != nil {
		return summary, errors.WithContext(err, "apply changes")
	}

	if err := d.uploadState(ctx, primary, local); err != nil {
		return summary, errors.WithContext(err, "upload state file")
	}

	summary.Duration = d.cfg.Clock.Since(start)
	return summary, nil
}

// readRemoteState returns the records from the previous deployment. A
// missing or unreadable state file is treated as a first deployment.
func (d *Deployer) readRemoteState(ctx context.Context, primary *session.Handle) ([]sync.Record, error) {
	if d.cfg.CleanSlate {
		if err := d.clearServerDir(ctx, primary); err != nil {
			return nil, err
		}
		return nil, ErrCleanSlate
	}

	var buf bytes.Buffer
	if err := primary.Client().Retrieve(d.cfg.StateName, &buf); err != nil {
		d.cfg.Log.WithError(err).Info("No state file found on the server. " +
			"Treating this as the first deployment.")
		return nil, nil
	}

	state, err := sync.ParseState(buf.Bytes())
	if err != nil {
		d.cfg.Log.WithError(err).Warn("Failed to parse the state file on the server. " +
			"Treating this as the first deployment.")
		return nil, nil
	}
	return state.Data, nil
}

func (d *Deployer) clearServerDir(ctx context.Context, primary *session.Handle) error {
	if d.cfg.DryRun {
		d.cfg.Log.Info("Dry run: skipping clearing the server directory")
		return nil
	}

	d.cfg.Log.Warn("Clearing the server directory")
	err := retry.Do(ctx, d.cfg.Retry, "clear server directory", func() error {
		return primary.Client().ClearWorkingDir()
	})
	return errors.WithContext(err, "clear server directory")
}

func (d *Deployer) logPlan(diff sync.DiffResult) {
	d.cfg.Log.WithFields(log.Fields{
		"upload":      len(diff.Upload),
		"replace":     len(diff.Replace),
		"delete":      len(diff.Delete),
		"unchanged":   len(diff.Same),
		"uploadSize":  humanize.Bytes(uint64(diff.SizeUpload)),
		"replaceSize": humanize.Bytes(uint64(diff.SizeReplace)),
		"deleteSize":  humanize.Bytes(uint64(diff.SizeDelete)),
	}).Info("Computed changes")
}

func (d *Deployer) apply(ctx context.Context, primary *session.Handle, diff sync.DiffResult) error {
	reconciler := d.newReconciler(primary)
	reconciler.Reconnect = func(ctx context.Context) error {
		_, err := primary.RefreshIfStale(ctx)
		return err
	}
	reconciler.Refresh = primary.Refresh

	if d.cfg.Concurrency <= 0 {
		return reconciler.ApplySequential(ctx, diff, d.cfg.StateName)
	}

	workers := pool.New(pool.Config{
		Size:    d.cfg.Concurrency,
		Session: d.sessionConfig(),
		NewApplier: func(h *session.Handle) pool.Applier {
			return d.newReconciler(h)
		},
		MaxTaskFailures: d.cfg.MaxTaskFailures,
		Log:             d.cfg.Log,
	})
	if err := workers.Start(ctx); err != nil {
		return errors.WithContext(err, "start worker pool")
	}
	defer workers.Stop()

	return reconciler.ApplyParallel(ctx, diff, d.cfg.StateName, workers)
}

// uploadState writes the state file describing `local`. It's the last
// change made by a deployment.
func (d *Deployer) uploadState(ctx context.Context, primary *session.Handle, local []sync.Record) error {
	if d.cfg.DryRun {
		d.cfg.Log.Info("Dry run: skipping state file upload")
		return nil
	}

	contents, err := sync.NewState(local, d.cfg.Clock.Now()).Marshal()
	if err != nil {
		return err
	}

	if _, err := primary.RefreshIfStale(ctx); err != nil {
		return err
	}

	d.cfg.Log.WithField("path", d.cfg.StateName).Debug("Uploading state file")
	return retry.Do(ctx, d.cfg.Retry, "upload state file", func() error {
		client := primary.Client()
		if client == nil {
			return remote.ErrNotConnected
		}
		return client.Store(d.cfg.StateName, bytes.NewReader(contents))
	})
}
