package sync

import (
	"github.com/samber/lo"
)

// HashDiff compares snapshots by path and content hash.
type HashDiff struct{}

// GetDiffs returns the operations needed to turn `remote` into `local`.
// * Records that only exist locally should be uploaded.
// * Files whose hash differs should be replaced.
// * Records that only exist remotely should be deleted.
// A path whose kind changed (e.g. a folder became a file) is both uploaded and
// deleted.
func (HashDiff) GetDiffs(local, remote []Record) DiffResult {
	remoteByPath := lo.KeyBy(remote, func(r Record) string { return r.Path })
	localByPath := lo.KeyBy(local, func(r Record) string { return r.Path })

	var diff DiffResult
	for _, exp := range local {
		curr, ok := remoteByPath[exp.Path]
		switch {
		case !ok || curr.Kind != exp.Kind:
			diff.Upload = append(diff.Upload, exp)
		case exp.Kind == KindFile && curr.Hash != exp.Hash:
			diff.Replace = append(diff.Replace, exp)
		default:
			diff.Same = append(diff.Same, exp)
		}
	}

	for _, curr := range remote {
		if exp, ok := localByPath[curr.Path]; !ok || exp.Kind != curr.Kind {
			diff.Delete = append(diff.Delete, curr)
		}
	}

	for _, records := range [][]Record{diff.Upload, diff.Replace, diff.Delete, diff.Same} {
		sortRecords(records)
	}

	diff.SizeUpload = totalSize(diff.Upload)
	diff.SizeReplace = totalSize(diff.Replace)
	diff.SizeDelete = totalSize(diff.Delete)
	return diff
}

func totalSize(records []Record) int64 {
	return lo.SumBy(records, func(r Record) int64 {
		if r.Kind != KindFile {
			return 0
		}
		return r.Size
	})
}
