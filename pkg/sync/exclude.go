package sync

import (
	"fmt"

	"github.com/gobwas/glob"

	"github.com/sidkik/ftp-deploy/pkg/errors"
)

// DefaultExclude is used when the config doesn't list any exclusions.
var DefaultExclude = []string{"**/.git*", "**/.git*/**", "**/node_modules/**"}

// Excluder decides whether a local path should be left out of the snapshot.
type Excluder struct {
	patterns []glob.Glob
}

// NewExcluder compiles the given glob patterns. `*` doesn't cross `/`
// boundaries, while `**` does.
func NewExcluder(patterns []string) (Excluder, error) {
	var excluder Excluder
	for _, pattern := range patterns {
		g, err := glob.Compile(pattern, '/')
		if err != nil {
			return Excluder{}, errors.WithContext(err, fmt.Sprintf("compile exclude pattern %q", pattern))
		}
		excluder.patterns = append(excluder.patterns, g)
	}
	return excluder, nil
}

// Excludes returns whether `path` matches any of the patterns.
// Paths are tried both as-is and rooted with a leading slash so that
// `**/node_modules/**` matches a top-level `node_modules` folder the same way
// it matches a nested one. Folders are additionally tried with a trailing
// slash so that `dir/**` excludes `dir` itself.
func (e Excluder) Excludes(path string, isFolder bool) bool {
	candidates := []string{path, "/" + path}
	if isFolder {
		candidates = append(candidates, path+"/", "/"+path+"/")
	}

	for _, pattern := range e.patterns {
		for _, candidate := range candidates {
			if pattern.Match(candidate) {
				return true
			}
		}
	}
	return false
}
