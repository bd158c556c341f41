// Package fsio is the persistence substrate: crash-safe file replacement,
// advisory locking, and bounded retry for transient filesystem errors.
// Every durable artifact (state document, commits, HEAD, checkpoints,
// config lock) goes through WriteFileAtomic so a reader never observes a
// half-written file.
package fsio

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Mindburn-Labs/govern/pkg/errcode"
)

// WriteFileAtomic writes data to path via a temp sibling, fsync, rename,
// and a directory fsync. The target is either the old content or the new
// content, never a prefix of the new.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errcode.Wrap(errcode.Io, "", fmt.Errorf("mkdir %s: %w", dir, err))
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return errcode.Wrap(errcode.Io, "", fmt.Errorf("create temp in %s: %w", dir, err))
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errcode.Wrap(errcode.Io, "", fmt.Errorf("write %s: %w", tmpName, err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errcode.Wrap(errcode.Io, "", fmt.Errorf("fsync %s: %w", tmpName, err))
	}
	if err := tmp.Close(); err != nil {
		return errcode.Wrap(errcode.Io, "", fmt.Errorf("close %s: %w", tmpName, err))
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		return errcode.Wrap(errcode.Io, "", fmt.Errorf("chmod %s: %w", tmpName, err))
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errcode.Wrap(errcode.Io, "", fmt.Errorf("rename %s -> %s: %w", tmpName, path, err))
	}
	return syncDir(dir)
}

// WriteJSONAtomic marshals v with indentation and writes it atomically.
// A trailing newline keeps the files friendly to line-oriented tools.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errcode.Wrap(errcode.Io, "", fmt.Errorf("marshal %s: %w", path, err))
	}
	return WriteFileAtomic(path, append(data, '\n'), 0o644)
}

// ReadJSON reads and unmarshals a JSON file into v.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errcode.Wrap(errcode.NotFound, "", fmt.Errorf("read %s: %w", path, err))
		}
		return errcode.Wrap(errcode.Io, "", fmt.Errorf("read %s: %w", path, err))
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errcode.Wrap(errcode.Io, "", fmt.Errorf("decode %s: %w", path, err))
	}
	return nil
}

// Exists reports whether path refers to an existing file or directory.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// AppendLine appends a single line to path, creating it if needed, and
// fsyncs before returning. Used by the lifecycle log: either the whole
// entry makes it to disk or a reader sees a truncated final line, which
// readers are required to tolerate.
func AppendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errcode.Wrap(errcode.Io, "", fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err))
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errcode.Wrap(errcode.Io, "", fmt.Errorf("open %s: %w", path, err))
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return errcode.Wrap(errcode.Io, "", fmt.Errorf("append %s: %w", path, err))
	}
	if err := f.Sync(); err != nil {
		return errcode.Wrap(errcode.Io, "", fmt.Errorf("fsync %s: %w", path, err))
	}
	return nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errcode.Wrap(errcode.Io, "", fmt.Errorf("open dir %s: %w", dir, err))
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		// Some filesystems refuse fsync on directories; the rename is
		// still durable enough for advisory recovery via the journal.
		return nil
	}
	return nil
}
