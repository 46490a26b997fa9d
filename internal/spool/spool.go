package spool

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTooLarge is returned when an upload exceeds the spool's size limit.
var ErrTooLarge = errors.New("file exceeds upload limit")

// Spool keeps selected files on disk until they are submitted or replaced.
type Spool struct {
	dir      string
	maxBytes int64

	mu           sync.Mutex
	filesWritten uint64
	bytesWritten uint64
	live         int
}

// New creates a spool rooted at dir. maxBytes <= 0 disables the size limit.
func New(dir string, maxBytes int64) (*Spool, error) {
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "vehicle-count-spool")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create spool dir: %w", err)
	}
	return &Spool{dir: dir, maxBytes: maxBytes}, nil
}

// Dir returns the directory holding spooled files.
func (s *Spool) Dir() string {
	return s.dir
}

// Write copies r into a new spooled file.
func (s *Spool) Write(name string, r io.Reader) (*File, error) {
	tmp, err := os.CreateTemp(s.dir, "upload_*"+safeExt(name))
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}

	src := r
	if s.maxBytes > 0 {
		src = io.LimitReader(r, s.maxBytes+1)
	}

	n, copyErr := io.Copy(tmp, src)
	closeErr := tmp.Close()
	switch {
	case copyErr != nil:
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to write file: %w", copyErr)
	case closeErr != nil:
		_ = os.Remove(tmp.Name())
		return nil, fmt.Errorf("failed to close file: %w", closeErr)
	case s.maxBytes > 0 && n > s.maxBytes:
		_ = os.Remove(tmp.Name())
		return nil, ErrTooLarge
	}

	s.mu.Lock()
	s.filesWritten++
	s.bytesWritten += uint64(n)
	s.live++
	s.mu.Unlock()

	return &File{
		spool:   s,
		path:    tmp.Name(),
		name:    filepath.Base(name),
		size:    n,
		created: time.Now(),
	}, nil
}

// Status reports cumulative spool activity.
func (s *Spool) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		FilesWritten: s.filesWritten,
		BytesWritten: s.bytesWritten,
		LiveFiles:    s.live,
	}
}

func (s *Spool) released() {
	s.mu.Lock()
	s.live--
	s.mu.Unlock()
}

// Status holds spool counters.
type Status struct {
	FilesWritten uint64 `json:"files_written"`
	BytesWritten uint64 `json:"bytes_written"`
	LiveFiles    int    `json:"live_files"`
}

// File is one spooled upload.
type File struct {
	spool   *Spool
	path    string
	name    string
	size    int64
	created time.Time
	removed atomic.Bool
}

func (f *File) Name() string       { return f.name }
func (f *File) Path() string       { return f.path }
func (f *File) Size() int64        { return f.size }
func (f *File) Created() time.Time { return f.created }

// Open returns a reader over the spooled bytes. The caller closes it.
func (f *File) Open() (*os.File, error) {
	if f.removed.Load() {
		return nil, os.ErrNotExist
	}
	return os.Open(f.path)
}

// Remove deletes the spooled bytes. Readers opened before Remove keep working
// on platforms that allow unlinking open files. Safe to call more than once.
func (f *File) Remove() error {
	if !f.removed.CompareAndSwap(false, true) {
		return nil
	}
	f.spool.released()
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove spooled file: %w", err)
	}
	return nil
}

func safeExt(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if len(ext) < 2 || len(ext) > 8 {
		return ""
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ""
		}
	}
	return ext
}
