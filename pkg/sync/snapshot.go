package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/sidkik/ftp-deploy/pkg/errors"
)

// SnapshotLocal returns a record for every file and folder under `localDir`
// that isn't excluded. The state file itself is never part of the snapshot,
// since it's generated from the snapshot. Records are sorted by path, so
// folders always precede their contents.
func SnapshotLocal(fs afero.Fs, localDir string, exclude Excluder, stateName string) ([]Record, error) {
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

	var records []Record
	err = afero.Walk(fs, localDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relativePath, err := filepath.Rel(localDir, path)
		if err != nil {
			return errors.WithContext(err, "normalize path")
		}
		if strings.HasPrefix(relativePath, "..") {
			return errors.New("%q is outside of %q", path, localDir)
		}
		if relativePath == "." {
			return nil
		}
		relativePath = filepath.ToSlash(relativePath)

		if fi.IsDir() {
			if exclude.Excludes(relativePath, true) {
				return filepath.SkipDir
			}
			records = append(records, Record{Kind: KindFolder, Path: relativePath})
			return nil
		}

		if relativePath == stateName || exclude.Excludes(relativePath, false) {
			return nil
		}

		contentsHash, err := HashFile(fs, path)
		if err != nil {
			return errors.WithContext(err, "hash "+relativePath)
		}

		records = append(records, Record{
			Kind: KindFile,
			Path: relativePath,
			Size: fi.Size(),
			Hash: contentsHash,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sortRecords(records)
	return records, nil
}

// HashFile returns the hex encoded sha256 hash of the file at the given path.
func HashFile(fs afero.Fs, path string) (string, error) {
	f, err := fs.Open(path)
	if err != nil {
		return "", errors.WithContext(err, "open")
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", errors.WithContext(err, "read")
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

func sortRecords(records []Record) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Path < records[j].Path
	})
}
