package keystore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// snapshotFile is the on-disk shape of a store snapshot.
type snapshotFile struct {
	SavedAt time.Time    `json:"saved_at"`
	Keys    []*KeyRecord `json:"keys"`
}

// saveSnapshot writes the current state atomically (write temp → rename).
// A failed snapshot is logged and never fails the mutation that triggered
// it; the in-memory balance stays the source of truth.
func (s *Store) saveSnapshot() {
	if s.opts.StatePath == "" {
		return
	}

	s.mu.RLock()
	snap := snapshotFile{SavedAt: s.now().UTC(), Keys: make([]*KeyRecord, 0, len(s.keys))}
	for _, rec := range s.keys {
		snap.Keys = append(snap.Keys, rec.clone())
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		s.logger.Printf("snapshot marshal failed: %v", err)
		return
	}

	dir := filepath.Dir(s.opts.StatePath)
	tmp, err := os.CreateTemp(dir, ".keys-*.tmp")
	if err != nil {
		s.logger.Printf("snapshot temp file failed: %v", err)
		return
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		s.logger.Printf("snapshot write failed: %v", err)
		return
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		s.logger.Printf("snapshot close failed: %v", err)
		return
	}
	if err := os.Rename(tmp.Name(), s.opts.StatePath); err != nil {
		os.Remove(tmp.Name())
		s.logger.Printf("snapshot rename failed: %v", err)
	}
}

// loadSnapshot restores state from the snapshot file. A missing file is
// a fresh start, not an error.
func (s *Store) loadSnapshot() error {
	data, err := os.ReadFile(s.opts.StatePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("corrupt snapshot %s: %w", s.opts.StatePath, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range snap.Keys {
		s.keys[rec.Key] = rec
		if rec.Alias != "" && rec.Active {
			s.aliases[rec.Alias] = rec.Key
		}
	}
	s.logger.Printf("loaded %d keys from %s (saved %s)", len(snap.Keys), s.opts.StatePath, snap.SavedAt.Format(time.RFC3339))
	return nil
}
