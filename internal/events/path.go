package events

import (
	"os"
	"slices"

	"github.com/bmatcuk/doublestar/v4"
)

// FindFiles expands the input patterns into a sorted, duplicate-free list of
// regular files. The order defines global event numbering, so it must be the
// same in every process.
func FindFiles(patterns []string) ([]string, error) {
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, err
		}
		for _, name := range matches {
			info, err := os.Lstat(name)
			if err != nil {
				continue
			}
			if info.Mode().IsRegular() {
				files = append(files, name)
			}
		}
	}
	slices.Sort(files)
	return slices.Compact(files), nil
}
