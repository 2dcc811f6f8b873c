package deploy

import (
	"context"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/sidkik/ftp-deploy/pkg/sync"
)

// Dispatcher runs actions concurrently on other sessions.
type Dispatcher interface {
	AddTasks(records []sync.Record, action sync.Action)
	WaitForAllTasks(ctx context.Context) error
}

// plan is a DiffResult partitioned by record kind, with the state file
// removed.
type plan struct {
	createFolders []sync.Record
	uploadFiles   []sync.Record
	replaceFiles  []sync.Record
	deleteFiles   []sync.Record
	deleteFolders []sync.Record
}

func newPlan(diff sync.DiffResult, stateName string) plan {
	notState := func(record sync.Record, _ int) bool {
		return record.Path != stateName
	}
	isFolder := func(record sync.Record, _ int) bool {
		return record.IsFolder()
	}
	isFile := func(record sync.Record, _ int) bool {
		return !record.IsFolder()
	}

	upload := lo.Filter(diff.Upload, notState)
	replace := lo.Filter(diff.Replace, notState)
	remove := lo.Filter(diff.Delete, notState)

	return plan{
		createFolders: lo.Filter(upload, isFolder),
		uploadFiles:   lo.Filter(upload, isFile),
		replaceFiles:  lo.Filter(replace, isFile),
		deleteFiles:   lo.Filter(remove, isFile),
		deleteFolders: deepestFirst(lo.Filter(remove, isFolder)),
	}
}

// deepestFirst orders folders so that children are removed before their
// parents.
func deepestFirst(folders []sync.Record) []sync.Record {
	sorted := append([]sync.Record(nil), folders...)
	sort.SliceStable(sorted, func(i, j int) bool {
		di := strings.Count(sorted[i].Path, "/")
		dj := strings.Count(sorted[j].Path, "/")
		if di != dj {
			return di > dj
		}
		return sorted[i].Path > sorted[j].Path
	})
	return sorted
}

// folderKey returns the folder that contains the file at `p`, or the empty
// string for top-level files.
func folderKey(p string) string {
	i := strings.LastIndex(p, "/")
	if i < 0 {
		return ""
	}
	return p[:i]
}

// ApplySequential applies `diff` on the Reconciler's session, one action at a
// time. Folders are created before the files in them, and folders are
// removed after the files in them. The state file is skipped.
func (r *Reconciler) ApplySequential(ctx context.Context, diff sync.DiffResult, stateName string) error {
	p := newPlan(diff, stateName)
	steps := []struct {
		records []sync.Record
		action  sync.Action
	}{
		{p.createFolders, sync.ActionUpload},
		{p.uploadFiles, sync.ActionUpload},
		{p.replaceFiles, sync.ActionReplace},
		{p.deleteFiles, sync.ActionDelete},
		{p.deleteFolders, sync.ActionDelete},
	}

	for _, step := range steps {
		for _, record := range step.records {
			if err := r.ApplyAction(ctx, record, step.action); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyParallel applies `diff` by handing file operations to `dispatcher`.
// Folders are created on the Reconciler's session, and the files inside a
// new folder aren't dispatched until the folder exists. Folder removals run
// on the Reconciler's session after all dispatched work has finished.
func (r *Reconciler) ApplyParallel(ctx context.Context, diff sync.DiffResult, stateName string,
	dispatcher Dispatcher) error {
	p := newPlan(diff, stateName)

	newFolders := lo.SliceToMap(p.createFolders, func(record sync.Record) (string, bool) {
		return record.Path, true
	})
	filesByFolder := lo.GroupBy(p.uploadFiles, func(record sync.Record) string {
		return folderKey(record.Path)
	})

	// Files whose folder already exists don't have to wait for anything.
	var ready []sync.Record
	for _, record := range p.uploadFiles {
		if !newFolders[folderKey(record.Path)] {
			ready = append(ready, record)
		}
	}
	if len(ready) != 0 {
		dispatcher.AddTasks(ready, sync.ActionUpload)
	}

	for _, folder := range p.createFolders {
		if err := r.ApplyAction(ctx, folder, sync.ActionUpload); err != nil {
			return err
		}

		if files := filesByFolder[folder.Path]; len(files) != 0 {
			dispatcher.AddTasks(files, sync.ActionUpload)
		}
	}

	if len(p.replaceFiles) != 0 {
		dispatcher.AddTasks(p.replaceFiles, sync.ActionReplace)
	}
	if len(p.deleteFiles) != 0 {
		dispatcher.AddTasks(p.deleteFiles, sync.ActionDelete)
	}

	if err := dispatcher.WaitForAllTasks(ctx); err != nil {
		return err
	}

	for _, folder := range p.deleteFolders {
		if err := r.ApplyAction(ctx, folder, sync.ActionDelete); err != nil {
			return err
		}
	}
	return nil
}
