// Package media holds the local file artifacts that flow between fetch, conversion and
// delivery, the cleanup scope that owns them, and the size/type guard applied before upload.
package media

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// TempPrefix marks every file this process creates in the temp dir. The sweeper only
// touches names carrying it.
const TempPrefix = "m2t-"

// Kind is how an artifact is delivered.
type Kind int

const (
	KindUnknown Kind = iota
	KindVideo
	KindPhoto
	KindAnimation
	KindDocument
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindPhoto:
		return "photo"
	case KindAnimation:
		return "animation"
	case KindDocument:
		return "document"
	default:
		return "unknown"
	}
}

// Artifact is a local file produced by a fetch or conversion step.
type Artifact struct {
	Path      string
	Size      int64
	MIME      string
	Kind      Kind
	Title     string
	Temporary bool

	once sync.Once
	err  error
}

// Remove deletes the file backing a temporary artifact. It is safe to call any number of
// times; only the first call touches the filesystem and a missing file is not an error.
func (a *Artifact) Remove() error {
	if a == nil || !a.Temporary {
		return nil
	}
	a.once.Do(func() { a.err = Remove(a.Path) })
	return a.err
}

// Remove deletes path, treating a file that is already gone as success.
func Remove(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

// TempName returns a fresh, collision-free path under dir with the given extension.
func TempName(dir, ext string) string {
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return filepath.Join(dir, TempPrefix+uuid.NewString()+ext)
}

// CreateTemp creates an empty temporary artifact file. The caller writes into the returned
// file and must close it.
func CreateTemp(dir, ext string) (*os.File, *Artifact, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("mkdir temp dir: %w", err)
	}
	path := TempName(dir, ext)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("create temp file: %w", err)
	}
	return f, &Artifact{Path: path, Temporary: true}, nil
}

// Adopt wraps an existing file as a temporary artifact, filling in its size.
func Adopt(path string) (*Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	return &Artifact{Path: path, Size: info.Size(), Temporary: true}, nil
}

// Refresh re-reads the artifact size from disk.
func (a *Artifact) Refresh() error {
	info, err := os.Stat(a.Path)
	if err != nil {
		return err
	}
	a.Size = info.Size()
	return nil
}
