package deploy

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/ftp-deploy/pkg/errors"
	"github.com/sidkik/ftp-deploy/pkg/remote"
	"github.com/sidkik/ftp-deploy/pkg/retry"
	"github.com/sidkik/ftp-deploy/pkg/sync"
)

// Session provides the remote session that the Reconciler operates on. The
// session may be swapped out between calls, so the Reconciler looks it up
// before every operation.
type Session interface {
	Client() remote.Client
}

// Reconciler applies individual actions against a single remote session.
type Reconciler struct {
	Session Session

	LocalFs  afero.Fs
	LocalDir string

	// ServerDir is the remote root that record paths are relative to.
	ServerDir string

	DryRun bool
	Retry  retry.Config

	// Reconnect, if set, is invoked before every action. It's used to
	// refresh stale sessions when there's no worker pool to do it.
	Reconnect func(ctx context.Context) error

	// Refresh, if set, replaces the session after an action fails because
	// the session was disconnected. The action is then retried once.
	Refresh func(ctx context.Context) error

	Log log.FieldLogger
}

func (r *Reconciler) client() (remote.Client, error) {
	client := r.Session.Client()
	if client == nil {
		return nil, errors.WithContext(remote.ErrNotConnected, "get session")
	}
	return client, nil
}

func (r *Reconciler) do(ctx context.Context, description string, fn func(remote.Client) error) error {
	return retry.Do(ctx, r.Retry, description, func() error {
		client, err := r.client()
		if err != nil {
			return err
		}
		return fn(client)
	})
}

// CreateFolder creates the folder at `p`, along with any missing parents.
// The session's working directory is the same before and after the call,
// including when the call fails.
func (r *Reconciler) CreateFolder(ctx context.Context, p string) error {
	crumbs := ParseBreadcrumbs(p + "/")
	if len(crumbs.Folders) == 0 {
		return nil
	}

	logger := r.Log.WithField("path", p)
	if r.DryRun {
		logger.Info("Dry run: skipping folder creation")
		return nil
	}

	logger.Info("Creating folder")

	// Each level is retried on its own so that a retry never runs from a
	// folder that an earlier attempt already moved into.
	var entered int
	for _, folder := range crumbs.Folders {
		folder := folder
		err := r.do(ctx, "create folder "+folder, func(client remote.Client) error {
			return client.EnsureDir(folder)
		})
		if err != nil {
			if climbErr := r.climb(ctx, entered); climbErr != nil {
				logger.WithError(climbErr).Warn("Failed to restore working directory")
			}
			return errors.WithContext(err, fmt.Sprintf("create folder %s", p))
		}
		entered++
	}

	if err := r.climb(ctx, entered); err != nil {
		return errors.WithContext(err, fmt.Sprintf("restore working directory after creating %s", p))
	}
	return nil
}

// climb moves the working directory up `levels` folders.
func (r *Reconciler) climb(ctx context.Context, levels int) error {
	for i := 0; i < levels; i++ {
		if err := r.do(ctx, "change to parent folder", func(client remote.Client) error {
			return client.ChangeDir("..")
		}); err != nil {
			return err
		}
	}
	return nil
}

// RemoveFile deletes the file at `p`. A file that's already gone isn't an
// error.
func (r *Reconciler) RemoveFile(ctx context.Context, p string) error {
	logger := r.Log.WithField("path", p)
	if r.DryRun {
		logger.Info("Dry run: skipping file removal")
		return nil
	}

	logger.Info("Removing file")
	var alreadyGone bool
	err := r.do(ctx, "remove file "+p, func(client remote.Client) error {
		err := client.Remove(p)
		if remote.IsNotFound(err) {
			alreadyGone = true
			return nil
		}
		return err
	})
	if err != nil {
		return errors.WithContext(err, fmt.Sprintf("remove file %s", p))
	}

	if alreadyGone {
		logger.Warn("File was already removed from the server. Skipping.")
	}
	return nil
}

// RemoveFolder recursively deletes the folder at `p`.
func (r *Reconciler) RemoveFolder(ctx context.Context, p string) error {
	abs := r.absolutePath(p)
	logger := r.Log.WithField("path", abs)
	if r.DryRun {
		logger.Info("Dry run: skipping folder removal")
		return nil
	}

	logger.Info("Removing folder")
	err := r.do(ctx, "remove folder "+abs, func(client remote.Client) error {
		return client.RemoveDir(abs)
	})
	return errors.WithContext(err, fmt.Sprintf("remove folder %s", p))
}

func (r *Reconciler) absolutePath(p string) string {
	return path.Join("/", strings.TrimPrefix(r.ServerDir, "./"), p)
}

// UploadFile transfers the local file at `p` to the same path on the server,
// overwriting it if it exists. `action` is only used for logging.
func (r *Reconciler) UploadFile(ctx context.Context, p string, action sync.Action) error {
	logger := r.Log.WithField("path", p).WithField("action", action)
	if r.DryRun {
		logger.Info("Dry run: skipping file transfer")
		return nil
	}

	logger.Info("Transferring file")
	local := filepath.Join(r.LocalDir, filepath.FromSlash(p))
	err := r.do(ctx, fmt.Sprintf("%s %s", action, p), func(client remote.Client) error {
		f, err := r.LocalFs.Open(local)
		if err != nil {
			return errors.WithContext(err, "open local file")
		}
		defer f.Close()

		var size int64
		if info, err := f.Stat(); err == nil {
			size = info.Size()
		}
		return client.Store(p, newProgressReader(f, size, logger))
	})
	if err != nil {
		return errors.WithContext(err, fmt.Sprintf("%s %s", action, p))
	}

	logger.Debug("Transferred file")
	return nil
}

// ApplyAction applies `action` to `record`.
func (r *Reconciler) ApplyAction(ctx context.Context, record sync.Record, action sync.Action) error {
	if r.Reconnect != nil {
		if err := r.Reconnect(ctx); err != nil {
			return errors.WithContext(err, "refresh session")
		}
	}

	err := r.applyAction(ctx, record, action)
	if err == nil || r.Refresh == nil || !remote.IsNotConnected(err) {
		return err
	}

	r.Log.WithError(err).WithField("path", record.Path).
		Info("Session was disconnected. Reconnecting and retrying once.")
	if refreshErr := r.Refresh(ctx); refreshErr != nil {
		r.Log.WithError(refreshErr).Warn("Failed to reconnect")
		return err
	}
	return r.applyAction(ctx, record, action)
}

func (r *Reconciler) applyAction(ctx context.Context, record sync.Record, action sync.Action) error {
	switch action {
	case sync.ActionUpload:
		if record.IsFolder() {
			return r.CreateFolder(ctx, record.Path)
		}
		return r.UploadFile(ctx, record.Path, action)
	case sync.ActionReplace:
		if record.IsFolder() {
			return errors.New("cannot replace folder %s", record.Path)
		}
		return r.UploadFile(ctx, record.Path, action)
	case sync.ActionDelete:
		if record.IsFolder() {
			return r.RemoveFolder(ctx, record.Path)
		}
		return r.RemoveFile(ctx, record.Path)
	default:
		return errors.New("unknown action %s", action)
	}
}
