package volume

import (
	ignore "github.com/sabhiram/go-gitignore"
)

// Filter decides whether a subvolume (by its path relative to the top-level
// subvolume) should be replicated. Returns true to replicate.
type Filter func(relPath string) bool

// NewFilter builds a Filter from gitignore-style exclude patterns. With no
// patterns every subvolume passes.
func NewFilter(excludes []string) Filter {
	if len(excludes) == 0 {
		return func(string) bool { return true }
	}
	gi := ignore.CompileIgnoreLines(excludes...)
	return func(relPath string) bool {
		return !gi.MatchesPath(relPath)
	}
}
