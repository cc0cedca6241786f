// Package output derives output paths for job results and writes them
// without ever replacing an existing file.
package output

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"sd-batch/internal/domain"

	"github.com/spf13/afero"
)

// WithStemSuffix returns path with suffix appended to the file stem and the
// extension replaced by ext. An empty ext keeps the original one.
//
//	WithStemSuffix("a/cat.png", "_img2img", ".jpg") == "a/cat_img2img.jpg"
func WithStemSuffix(path, suffix, ext string) string {
	orig := filepath.Ext(path)
	if ext == "" {
		ext = orig
	}
	return strings.TrimSuffix(path, orig) + suffix + ext
}

// WithExt replaces the extension of path.
func WithExt(path, ext string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ext
}

// IndexedName is the n-th candidate name for index: attempt 0 is
// "NNNNNNNN.ext", attempt k>0 is "NNNNNNNN_XX.ext" with XX = k-1.
func IndexedName(index, attempt int, ext string) string {
	if attempt == 0 {
		return fmt.Sprintf("%08d%s", index, ext)
	}
	return fmt.Sprintf("%08d_%02d%s", index, attempt-1, ext)
}

// NextIndexed returns the first unused indexed path in dir.
func NextIndexed(fs afero.Fs, dir string, index int, ext string) (string, error) {
	for attempt := 0; ; attempt++ {
		candidate := filepath.Join(dir, IndexedName(index, attempt, ext))
		exists, err := afero.Exists(fs, candidate)
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", candidate, err)
		}
		if !exists {
			return candidate, nil
		}
	}
}

// WriteNew writes data to path, creating parent directories. An existing
// path is reported as a ConflictError and left untouched.
func WriteNew(fs afero.Fs, path string, data []byte) error {
	exists, err := afero.Exists(fs, path)
	if err != nil {
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if exists {
		return &domain.ConflictError{Path: path}
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	f, err := fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return &domain.ConflictError{Path: path}
		}
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

// Namer serialises indexed name selection and the write that claims it, so
// workers of one process never pick the same free name.
type Namer struct {
	fs afero.Fs
	mu sync.Mutex
}

func NewNamer(fs afero.Fs) *Namer {
	return &Namer{fs: fs}
}

// WriteIndexed writes data under the first free indexed name in dir and
// returns the path used.
func (n *Namer) WriteIndexed(dir string, index int, ext string, data []byte) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	path, err := NextIndexed(n.fs, dir, index, ext)
	if err != nil {
		return "", err
	}
	if err := WriteNew(n.fs, path, data); err != nil {
		return "", err
	}
	return path, nil
}
