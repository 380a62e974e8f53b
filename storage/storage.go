package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
)

// Error is the uniform error type returned by storage operations. It names
// the failing operation and path on top of the underlying cause.
//
// Use [errors.As] to extract the structured fields, or [errors.Is] against
// sentinel causes such as [ErrDirSync].
type Error struct {
	// Op is the storage operation that failed ("append", "crash-safe write",
	// "ensure integrity"; the datastore's load reports a failed datafile
	// read as "read").
	Op string

	// Path is the file the operation was addressing.
	Path string

	// Err is the underlying cause.
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrDirSync indicates a parent directory could not be synced. From the
// first step of [Storage.CrashSafeWriteFile] it means nothing was written
// yet; from the last step, the new contents are in place but the rename is
// not guaranteed durable until the directory entry reaches disk.
var ErrDirSync = errors.New("dir sync")

const datafilePerm = 0o644

// Storage runs the datafile protocol over an [FS].
type Storage struct {
	fs FS
}

// New creates a Storage over fsys. Panics if fsys is nil.
func New(fsys FS) *Storage {
	if fsys == nil {
		panic("fsys is nil")
	}

	return &Storage{fs: fsys}
}

// TempSuffix is appended to a datafile's name for the crash-safe rewrite
// temp file. Recovery promotes "<file>~" when "<file>" is missing, so the
// suffix is part of the on-disk protocol, not an implementation detail.
const TempSuffix = "~"

// AppendFile appends data to the file at path, creating it if needed.
//
// The append returns once the kernel has accepted the write; there is no
// per-append fsync. Durability granularity is per compaction rewrite.
func (s *Storage) AppendFile(path string, data []byte) error {
	file, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, datafilePerm)
	if err != nil {
		return &Error{Op: "append", Path: path, Err: err}
	}

	_, writeErr := file.Write(data)

	closeErr := file.Close()

	err = errors.Join(writeErr, closeErr)
	if err != nil {
		return &Error{Op: "append", Path: path, Err: err}
	}

	return nil
}

// CrashSafeWriteFile rewrites path with data such that a crash at any point
// leaves either the old or the new contents recoverable:
//
//  1. fsync the containing directory
//  2. if path exists, fsync it
//  3. write data to path + "~"
//  4. fsync path + "~"
//  5. rename path + "~" over path
//  6. fsync the containing directory
//
// On platforms without directory fsync (windows), steps 1 and 6 are skipped.
func (s *Storage) CrashSafeWriteFile(path string, data []byte) error {
	const op = "crash-safe write"

	dir := filepath.Dir(path)
	tmpPath := path + TempSuffix

	err := s.flushDir(dir)
	if err != nil {
		return &Error{Op: op, Path: path, Err: err}
	}

	exists, err := s.fs.Exists(path)
	if err != nil {
		return &Error{Op: op, Path: path, Err: err}
	}

	if exists {
		err = s.flushFile(path)
		if err != nil {
			return &Error{Op: op, Path: path, Err: err}
		}
	}

	err = s.writeAndSync(tmpPath, data)
	if err != nil {
		return &Error{Op: op, Path: path, Err: err}
	}

	err = s.fs.Rename(tmpPath, path)
	if err != nil {
		return &Error{Op: op, Path: path, Err: fmt.Errorf("rename: %w", err)}
	}

	err = s.flushDir(dir)
	if err != nil {
		return &Error{Op: op, Path: path, Err: err}
	}

	return nil
}

// EnsureDatafileIntegrity guarantees a readable datafile at path before a
// load. If path exists it is left alone. Otherwise, a leftover temp file
// from a crash mid-rename is promoted; failing that, an empty datafile is
// created.
func (s *Storage) EnsureDatafileIntegrity(path string) error {
	const op = "ensure integrity"

	exists, err := s.fs.Exists(path)
	if err != nil {
		return &Error{Op: op, Path: path, Err: err}
	}

	if exists {
		return nil
	}

	tmpPath := path + TempSuffix

	tmpExists, err := s.fs.Exists(tmpPath)
	if err != nil {
		return &Error{Op: op, Path: path, Err: err}
	}

	if tmpExists {
		err = s.fs.Rename(tmpPath, path)
		if err != nil {
			return &Error{Op: op, Path: path, Err: fmt.Errorf("promote %q: %w", tmpPath, err)}
		}

		return nil
	}

	err = s.fs.WriteFile(path, nil, datafilePerm)
	if err != nil {
		return &Error{Op: op, Path: path, Err: err}
	}

	return nil
}

// writeAndSync writes data to path and fsyncs it before closing.
func (s *Storage) writeAndSync(path string, data []byte) error {
	file, err := s.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, datafilePerm)
	if err != nil {
		return fmt.Errorf("create %q: %w", path, err)
	}

	_, err = file.Write(data)
	if err != nil {
		return errors.Join(fmt.Errorf("write %q: %w", path, err), file.Close())
	}

	err = file.Sync()
	if err != nil {
		return errors.Join(fmt.Errorf("sync %q: %w", path, err), file.Close())
	}

	err = file.Close()
	if err != nil {
		return fmt.Errorf("close %q: %w", path, err)
	}

	return nil
}

// flushFile fsyncs an existing file.
func (s *Storage) flushFile(path string) error {
	file, err := s.fs.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}

	syncErr := file.Sync()
	if syncErr != nil {
		syncErr = fmt.Errorf("sync %q: %w", path, syncErr)
	}

	closeErr := file.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("close %q: %w", path, closeErr)
	}

	return errors.Join(syncErr, closeErr)
}

// flushDir fsyncs a directory so renames and creations in it are durable.
func (s *Storage) flushDir(dir string) error {
	if runtime.GOOS == "windows" {
		return nil
	}

	file, err := s.fs.Open(dir)
	if err != nil {
		return errors.Join(ErrDirSync, fmt.Errorf("open dir %q: %w", dir, err))
	}

	syncErr := file.Sync()

	closeErr := file.Close()
	if closeErr != nil {
		closeErr = fmt.Errorf("close dir %q: %w", dir, closeErr)
	}

	if syncErr != nil {
		return errors.Join(ErrDirSync, fmt.Errorf("%q: %w", dir, syncErr), closeErr)
	}

	return closeErr
}
