package canon

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes b to path via a sibling temp file: write, fsync,
// rename over the destination, then fsync the containing directory. The temp
// file is removed on any failure, so a half-written artifact is never
// visible.
func WriteFileAtomic(path string, b []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}()

	if _, err := f.Write(b); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return SyncDir(filepath.Dir(path))
}

// WriteCanonicalFile marshals v canonically and writes it atomically.
func WriteCanonicalFile(path string, v any) error {
	b, err := Marshal(v)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, b)
}

// WriteJSONLFile writes rows as canonical JSONL, atomically. Zero rows write
// an empty file.
func WriteJSONLFile(path string, rows []any) error {
	b, err := MarshalLines(rows)
	if err != nil {
		return err
	}
	return WriteFileAtomic(path, b)
}

// SyncDir fsyncs a directory so a completed rename survives a crash.
// Best-effort on filesystems that refuse directory fsync.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer d.Close()
	// Some filesystems reject directory fsync; the rename itself is still durable enough there.
	_ = d.Sync()
	return nil
}
