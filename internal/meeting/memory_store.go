package meeting

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore keeps meetings in process. It backs tests and the memory://
// profile; production deployments use PostgresStore.
type MemoryStore struct {
	mu         sync.Mutex
	nextID     int64
	byID       map[int64]Meeting
	byIdentity map[string]int64
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       map[int64]Meeting{},
		byIdentity: map[string]int64{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) InsertIfAbsent(ctx context.Context, m Meeting) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	m = normalizeForInsert(m, s.now())
	if err := m.validateForInsert(); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byIdentity[m.IdentityKey]; ok {
		return id, false, nil
	}
	s.nextID++
	m.ID = s.nextID
	s.byID[m.ID] = m
	s.byIdentity[m.IdentityKey] = m.ID
	return m.ID, true, nil
}

func (s *MemoryStore) FindByProtocolID(ctx context.Context, uid string) (Meeting, error) {
	if err := ctx.Err(); err != nil {
		return Meeting{}, err
	}
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return Meeting{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var best Meeting
	found := false
	for _, m := range s.byID {
		if m.ProtocolID != uid {
			continue
		}
		if !found || m.CreatedAt.After(best.CreatedAt) || (m.CreatedAt.Equal(best.CreatedAt) && m.ID > best.ID) {
			best = m
			found = true
		}
	}
	if !found {
		return Meeting{}, ErrNotFound
	}
	return best, nil
}

func (s *MemoryStore) FindOverlapping(ctx context.Context, start, end time.Time, exclude []Status, excludeID int64) ([]Meeting, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Meeting, 0)
	for _, m := range s.byID {
		if excludeID != 0 && m.ID == excludeID {
			continue
		}
		if containsStatus(exclude, m.Status) {
			continue
		}
		if m.Overlaps(start, end) {
			out = append(out, m)
		}
	}
	sortByStart(out, true)
	return out, nil
}

func (s *MemoryStore) DueForJoin(ctx context.Context, now time.Time, horizon, grace time.Duration) ([]Meeting, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Meeting, 0)
	for _, m := range s.byID {
		if m.DueAt(now, horizon, grace) {
			out = append(out, m)
		}
	}
	sortByStart(out, true)
	return out, nil
}

func (s *MemoryStore) CompareAndSetStatus(ctx context.Context, id int64, expected, next Status) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !CanTransition(expected, next) {
		return false, &TransitionError{From: expected, To: next}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	if m.Status != expected {
		return false, nil
	}
	m.Status = next
	s.byID[id] = m
	return true, nil
}

// forget undoes the insert of id.
func (s *MemoryStore) forget(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return
	}
	delete(s.byID, id)
	delete(s.byIdentity, m.IdentityKey)
	if id == s.nextID {
		s.nextID--
	}
}

func (s *MemoryStore) setStatus(id int64, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m, ok := s.byID[id]; ok {
		m.Status = status
		s.byID[id] = m
	}
}

func (s *MemoryStore) Get(ctx context.Context, id int64) (Meeting, error) {
	if err := ctx.Err(); err != nil {
		return Meeting{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return Meeting{}, ErrNotFound
	}
	return m, nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]Meeting, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Meeting, 0)
	for _, m := range s.byID {
		if filter.Project != "" && m.Project != filter.Project {
			continue
		}
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		out = append(out, m)
	}
	sortByStart(out, filter.Ascending)
	if limit := filter.limit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func sortByStart(items []Meeting, ascending bool) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].StartTime.Equal(items[j].StartTime) {
			return items[i].ID < items[j].ID
		}
		if ascending {
			return items[i].StartTime.Before(items[j].StartTime)
		}
		return items[i].StartTime.After(items[j].StartTime)
	})
}
