package storage

import (
	"errors"
	"os"
	"strings"
	"sync"
)

// ErrInjected is the cause of every failure produced by a [Failpoint].
var ErrInjected = errors.New("injected failure")

// FailOp identifies an operation a [Failpoint] can fail.
type FailOp string

// Valid FailOp values.
const (
	FailOpOpen      FailOp = "open"
	FailOpOpenFile  FailOp = "openfile"
	FailOpReadFile  FailOp = "readfile"
	FailOpWriteFile FailOp = "writefile"
	FailOpRename    FailOp = "rename"
	FailOpRemove    FailOp = "remove"
	FailOpFileWrite FailOp = "file.write"
	FailOpFileSync  FailOp = "file.sync"
)

// Failpoint wraps an [FS] and fails the Nth eligible operation, leaving
// everything before that point applied. Tests use it to cut the crash-safe
// write sequence between two barriers (for example: after the temp file
// fsync, before the rename) and then assert what a reload recovers.
type Failpoint struct {
	inner FS

	mu sync.Mutex
	// After triggers the failure on the Nth eligible operation (1-indexed).
	// 0 disables injection.
	after uint64
	op    FailOp
	// pathSuffix restricts eligibility to paths with this suffix.
	// Empty matches every path.
	pathSuffix string
	seen       uint64
	triggered  bool
}

// NewFailpoint wraps inner with a disabled failpoint. Arm it with
// [Failpoint.Arm].
func NewFailpoint(inner FS) *Failpoint {
	if inner == nil {
		panic("inner fs is nil")
	}

	return &Failpoint{inner: inner}
}

// Arm configures the failpoint: the nth operation matching op and
// pathSuffix fails with [ErrInjected]. Re-arming resets the counter.
func (f *Failpoint) Arm(op FailOp, pathSuffix string, nth uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.op = op
	f.pathSuffix = pathSuffix
	f.after = nth
	f.seen = 0
	f.triggered = false
}

// Triggered reports whether the armed failpoint has fired.
func (f *Failpoint) Triggered() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.triggered
}

func (f *Failpoint) check(op FailOp, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.after == 0 || op != f.op {
		return nil
	}

	if f.pathSuffix != "" && !strings.HasSuffix(path, f.pathSuffix) {
		return nil
	}

	f.seen++
	if f.seen != f.after {
		return nil
	}

	f.triggered = true

	return ErrInjected
}

func (f *Failpoint) Open(path string) (File, error) {
	err := f.check(FailOpOpen, path)
	if err != nil {
		return nil, err
	}

	return f.inner.Open(path)
}

func (f *Failpoint) OpenFile(path string, flag int, perm os.FileMode) (File, error) {
	err := f.check(FailOpOpenFile, path)
	if err != nil {
		return nil, err
	}

	file, err := f.inner.OpenFile(path, flag, perm)
	if err != nil {
		return nil, err
	}

	return &failpointFile{File: file, fp: f, path: path}, nil
}

func (f *Failpoint) ReadFile(path string) ([]byte, error) {
	err := f.check(FailOpReadFile, path)
	if err != nil {
		return nil, err
	}

	return f.inner.ReadFile(path)
}

func (f *Failpoint) WriteFile(path string, data []byte, perm os.FileMode) error {
	err := f.check(FailOpWriteFile, path)
	if err != nil {
		return err
	}

	return f.inner.WriteFile(path, data, perm)
}

func (f *Failpoint) WriteFileAtomic(path string, data []byte) error {
	err := f.check(FailOpWriteFile, path)
	if err != nil {
		return err
	}

	return f.inner.WriteFileAtomic(path, data)
}

func (f *Failpoint) MkdirAll(path string, perm os.FileMode) error {
	return f.inner.MkdirAll(path, perm)
}

func (f *Failpoint) Stat(path string) (os.FileInfo, error) {
	return f.inner.Stat(path)
}

func (f *Failpoint) Exists(path string) (bool, error) {
	return f.inner.Exists(path)
}

func (f *Failpoint) Remove(path string) error {
	err := f.check(FailOpRemove, path)
	if err != nil {
		return err
	}

	return f.inner.Remove(path)
}

func (f *Failpoint) Rename(oldpath, newpath string) error {
	err := f.check(FailOpRename, oldpath)
	if err != nil {
		return err
	}

	return f.inner.Rename(oldpath, newpath)
}

// failpointFile intercepts write and sync on handles opened through the
// failpoint so a sequence can be cut between two file barriers.
type failpointFile struct {
	File

	fp   *Failpoint
	path string
}

func (f *failpointFile) Write(p []byte) (int, error) {
	err := f.fp.check(FailOpFileWrite, f.path)
	if err != nil {
		return 0, err
	}

	return f.File.Write(p)
}

func (f *failpointFile) Sync() error {
	err := f.fp.check(FailOpFileSync, f.path)
	if err != nil {
		return err
	}

	return f.File.Sync()
}

// Compile-time interface check.
var _ FS = (*Failpoint)(nil)
