package usecase

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"sd-batch/internal/domain"

	"github.com/spf13/afero"
)

// Glob returns the files below dir whose slash-separated relative path
// matches pattern, in lexical order. A "**" segment matches zero or more
// directories.
func Glob(fs afero.Fs, dir, pattern string) ([]string, error) {
	info, err := fs.Stat(dir)
	if err != nil {
		return nil, &domain.InputError{Path: dir, Err: err}
	}
	if !info.IsDir() {
		return nil, &domain.InputError{Path: dir, Err: fmt.Errorf("not a directory")}
	}

	segments := strings.Split(path.Clean(filepath.ToSlash(pattern)), "/")
	for _, seg := range segments {
		if _, err := path.Match(seg, ""); err != nil {
			return nil, &domain.InputError{Err: fmt.Errorf("glob %q: %w", pattern, err)}
		}
	}

	var matches []string
	err = afero.Walk(fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if matchSegments(segments, strings.Split(filepath.ToSlash(rel), "/")) {
			matches = append(matches, p)
		}
		return nil
	})
	if err != nil {
		return nil, &domain.InputError{Path: dir, Err: err}
	}
	return matches, nil
}

func matchSegments(pattern, name []string) bool {
	for len(pattern) > 0 {
		if pattern[0] == "**" {
			// collapse consecutive **
			for len(pattern) > 1 && pattern[1] == "**" {
				pattern = pattern[1:]
			}
			for i := 0; i <= len(name); i++ {
				if matchSegments(pattern[1:], name[i:]) {
					return true
				}
			}
			return false
		}
		if len(name) == 0 {
			return false
		}
		if ok, _ := path.Match(pattern[0], name[0]); !ok {
			return false
		}
		pattern, name = pattern[1:], name[1:]
	}
	return len(name) == 0
}

// hasStemSuffix reports whether the file name, without extension, ends in
// suffix. Such files are outputs of an earlier run.
func hasStemSuffix(p, suffix string) bool {
	if suffix == "" {
		return false
	}
	base := filepath.Base(p)
	return strings.HasSuffix(strings.TrimSuffix(base, filepath.Ext(base)), suffix)
}
