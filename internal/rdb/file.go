package rdb

import (
	"os"
	"path/filepath"
	"time"

	"github.com/kvnode/redisd/internal/store"
)

// SaveToFile writes a snapshot of s to path, via write-to-temp-then-rename
// so a crash mid-write never leaves a corrupt file in place.
func SaveToFile(path string, s *store.StringStore) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".rdb-tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if err := WriteStrings(tmp, s.SnapshotLive()); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// LoadFromFile loads path into dst if it exists. A missing file is not
// an error (first boot); a malformed file's error is left to the caller
// to log, per spec: continue with an empty store rather than fail
// startup.
func LoadFromFile(path string, dst *store.StringStore) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	return ReadStrings(f, dst, time.Now())
}
