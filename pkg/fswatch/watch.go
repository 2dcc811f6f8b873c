// Package fswatch notifies when the contents of the local folder change.
package fswatch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/ftp-deploy/pkg/errors"
	"github.com/sidkik/ftp-deploy/pkg/sync"
)

var fs = afero.NewOsFs()

// Watch watches `localDir` for changes to paths that aren't excluded. It
// sends an event on the returned channel whenever something changes, and
// closes the channel once `ctx` is done. Bursts of changes are coalesced,
// so a receiver that's busy deploying only sees one event for them.
func Watch(ctx context.Context, localDir string, exclude sync.Excluder) (<-chan struct{}, error) {
	pathsToWatch, err := getPathsToWatch(localDir, exclude)
	if err != nil {
		return nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	for _, path := range pathsToWatch {
		if err := watcher.Add(path); err != nil {
			// Close the watcher so that we release the file handlers for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}

			return nil, errors.WithContext(err, fmt.Sprintf("watch %q", path))
		}
	}

	events := make(chan fsnotify.Event)
	go func() {
		defer close(events)
		defer func() {
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}

				relativePath, ok := relativeTo(localDir, event.Name)
				if !ok || exclude.Excludes(relativePath, false) {
					continue
				}

				// fsnotify doesn't watch directories recursively, so new
				// folders have to be added explicitly.
				if event.Op&fsnotify.Create != 0 {
					watchNew(watcher, localDir, event.Name, exclude)
				}

				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("File watcher error")
			}
		}
	}()
	return combineUpdates(events), nil
}

func watchNew(watcher *fsnotify.Watcher, localDir, path string, exclude sync.Excluder) {
	fi, err := fs.Stat(path)
	if err != nil || !fi.IsDir() {
		return
	}

	children, err := getChildren(localDir, path, exclude)
	if err != nil {
		log.WithError(err).WithField("path", path).Warn("Failed to list new folder")
		return
	}

	for _, child := range append([]string{path}, children...) {
		if err := watcher.Add(child); err != nil {
			log.WithError(err).WithField("path", child).Warn("Failed to watch new path")
		}
	}
}

// combineUpdates coalesces events that arrive while the previous event hasn't
// been received yet. The returned channel is closed when `updates` is.
func combineUpdates(updates <-chan fsnotify.Event) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		defer close(combined)
		for range updates {
			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}

func getPathsToWatch(localDir string, exclude sync.Excluder) (paths []string, err error) {
	fi, err := fs.Stat(localDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.FileNotFound{Path: localDir}
		}
		return nil, errors.WithContext(err, "stat")
	}
	if !fi.IsDir() {
		return nil, errors.New("%q is not a directory", localDir)
	}

	children, err := getChildren(localDir, localDir, exclude)
	if err != nil {
		return nil, errors.WithContext(err, "get subdirs")
	}
	return append([]string{localDir}, children...), nil
}

// getChildren returns the paths under `dir` that aren't excluded. Excluded
// folders aren't descended into.
func getChildren(localDir, dir string, exclude sync.Excluder) (paths []string, err error) {
	err = afero.Walk(fs, dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk error")
		}

		if path == dir {
			return nil
		}

		// Exclude patterns are relative to the deployed folder.
		relativePath, ok := relativeTo(localDir, path)
		if !ok {
			// This shouldn't happen because `path` is always a child of `dir`.
			return errors.New("%q is outside of %q", path, localDir)
		}

		if exclude.Excludes(relativePath, fi.IsDir()) {
			if fi.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		paths = append(paths, path)
		return nil
	})
	return paths, err
}

func relativeTo(localDir, path string) (string, bool) {
	relativePath, err := filepath.Rel(localDir, path)
	if err != nil || strings.HasPrefix(relativePath, "..") {
		return "", false
	}
	return filepath.ToSlash(relativePath), true
}
