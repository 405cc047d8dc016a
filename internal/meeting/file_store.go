package meeting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// FileStore is a MemoryStore snapshotted to a JSON file after every write.
// A write that cannot be persisted is rolled back in memory, so callers
// never see state the file does not hold. It serves single-process local
// deployments; there is no cross-process locking.
type FileStore struct {
	*MemoryStore
	path    string
	writeMu sync.Mutex
}

type fileSnapshot struct {
	NextID   int64         `json:"nextId"`
	Meetings []fileMeeting `json:"meetings"`
}

// fileMeeting keeps RawPayload, which the API form of Meeting omits.
type fileMeeting struct {
	Meeting
	RawPayload string `json:"rawPayload,omitempty"`
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: file store needs a path", ErrInvalidInput)
	}
	store := &FileStore{MemoryStore: NewMemoryStore(), path: path}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) InsertIfAbsent(ctx context.Context, m Meeting) (int64, bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	id, inserted, err := s.MemoryStore.InsertIfAbsent(ctx, m)
	if err != nil || !inserted {
		return id, inserted, err
	}
	if err := s.persist(); err != nil {
		s.MemoryStore.forget(id)
		return 0, false, fmt.Errorf("persist meeting %d: %w", id, err)
	}
	return id, true, nil
}

func (s *FileStore) CompareAndSetStatus(ctx context.Context, id int64, expected, next Status) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	swapped, err := s.MemoryStore.CompareAndSetStatus(ctx, id, expected, next)
	if err != nil || !swapped {
		return swapped, err
	}
	if err := s.persist(); err != nil {
		s.MemoryStore.setStatus(id, expected)
		return false, fmt.Errorf("persist meeting %d: %w", id, err)
	}
	return true, nil
}

func (s *FileStore) load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && len(data) == 0) {
		return nil
	}
	if err != nil {
		return err
	}
	var snap fileSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("decode meeting file %s: %w", s.path, err)
	}
	mem := s.MemoryStore
	mem.mu.Lock()
	defer mem.mu.Unlock()
	for _, fm := range snap.Meetings {
		m := fm.Meeting
		m.RawPayload = fm.RawPayload
		mem.byID[m.ID] = m
		mem.byIdentity[m.IdentityKey] = m.ID
		if m.ID > mem.nextID {
			mem.nextID = m.ID
		}
	}
	if snap.NextID > mem.nextID {
		mem.nextID = snap.NextID
	}
	return nil
}

func (s *FileStore) persist() error {
	mem := s.MemoryStore
	mem.mu.Lock()
	snap := fileSnapshot{NextID: mem.nextID, Meetings: make([]fileMeeting, 0, len(mem.byID))}
	for _, m := range mem.byID {
		snap.Meetings = append(snap.Meetings, fileMeeting{Meeting: m, RawPayload: m.RawPayload})
	}
	mem.mu.Unlock()
	sort.Slice(snap.Meetings, func(i, j int) bool { return snap.Meetings[i].ID < snap.Meetings[j].ID })

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(s.path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}

var _ Store = (*FileStore)(nil)
