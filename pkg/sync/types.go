package sync

import (
	"fmt"

	"github.com/google/uuid"
)

// Kind is the type of filesystem entry a Record describes.
type Kind string

const (
	// KindFile is a regular file.
	KindFile Kind = "file"

	// KindFolder is a directory.
	KindFolder Kind = "folder"
)

// Action is an operation that can be applied to a Record on the remote.
type Action int

const (
	// ActionUpload creates a record that doesn't exist remotely yet.
	ActionUpload Action = iota + 1

	// ActionReplace overwrites a file whose contents changed.
	ActionReplace

	// ActionDelete removes a record that no longer exists locally.
	ActionDelete
)

func (a Action) String() string {
	switch a {
	case ActionUpload:
		return "upload"
	case ActionReplace:
		return "replace"
	case ActionDelete:
		return "delete"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// Record is a single file or folder targeted by an operation.
type Record struct {
	Kind Kind `json:"type"`

	// Path is relative to the deployment root, `/`-separated, and has no
	// leading or trailing slash.
	Path string `json:"name"`

	// Size and Hash are only set for files.
	Size int64  `json:"size,omitempty"`
	Hash string `json:"hash,omitempty"`
}

// IsFolder returns whether the record is a folder.
func (r Record) IsFolder() bool {
	return r.Kind == KindFolder
}

// ActionRecord is a unit of dispatchable work. The ID is stable across
// requeues so that retries of the same task can be correlated in logs.
type ActionRecord struct {
	ID     string
	Action Action
	Record Record
}

// NewActionRecord wraps `record` with `action`.
func NewActionRecord(record Record, action Action) ActionRecord {
	return ActionRecord{
		ID:     uuid.NewString(),
		Action: action,
		Record: record,
	}
}

// DiffResult is the categorized plan for reconciling the remote with the
// local snapshot.
type DiffResult struct {
	Upload  []Record
	Replace []Record
	Delete  []Record
	Same    []Record

	// Byte totals of the files in Upload, Replace and Delete.
	SizeUpload  int64
	SizeReplace int64
	SizeDelete  int64
}

// Empty returns whether there's nothing to apply.
func (d DiffResult) Empty() bool {
	return len(d.Upload) == 0 && len(d.Replace) == 0 && len(d.Delete) == 0
}
