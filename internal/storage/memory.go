package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"autobc/internal/broadcast"
)

// memoryStore is the dependency-free backend. It keeps the same semantics
// as the sqlite driver; nothing survives a restart.
type memoryStore struct {
	mu sync.Mutex

	settings  map[broadcast.Identity]broadcast.Settings
	whitelist map[broadcast.Identity][]broadcast.Destination
	blacklist map[broadcast.Identity]map[int64]Exclusion
	audit     []AuditEntry
	closed    bool
}

// NewMemory returns an empty in-memory store.
func NewMemory() Store {
	return &memoryStore{
		settings:  map[broadcast.Identity]broadcast.Settings{},
		whitelist: map[broadcast.Identity][]broadcast.Destination{},
		blacklist: map[broadcast.Identity]map[int64]Exclusion{},
	}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Settings(_ context.Context, id broadcast.Identity) (broadcast.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settings[id]
	if !ok {
		return broadcast.Settings{}, broadcast.ErrNoSettings
	}
	if st.Payload != nil {
		p := clonePayload(*st.Payload)
		st.Payload = &p
	}
	return st, nil
}

func (s *memoryStore) EnsureSettings(_ context.Context, id broadcast.Identity, def Defaults) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.settings[id]; ok {
		return false, nil
	}
	s.settings[id] = broadcast.Settings{Interval: def.Interval.Truncate(time.Second), Delay: def.Delay}
	return true, nil
}

func (s *memoryStore) update(id broadcast.Identity, fn func(*broadcast.Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settings[id]
	if !ok {
		return broadcast.ErrNoSettings
	}
	fn(&st)
	s.settings[id] = st
	return nil
}

func (s *memoryStore) SetPayload(_ context.Context, id broadcast.Identity, p broadcast.Payload) error {
	cp := clonePayload(p)
	return s.update(id, func(st *broadcast.Settings) { st.Payload = &cp })
}

func (s *memoryStore) SetInterval(_ context.Context, id broadcast.Identity, d time.Duration, now time.Time) error {
	d = d.Truncate(time.Second)
	return s.update(id, func(st *broadcast.Settings) {
		st.Interval = d
		if st.Enabled {
			st.NextRunAt = now.Add(d).Unix()
		} else {
			st.NextRunAt = 0
		}
	})
}

func (s *memoryStore) SetDelay(_ context.Context, id broadcast.Identity, d time.Duration) error {
	return s.update(id, func(st *broadcast.Settings) { st.Delay = d })
}

func (s *memoryStore) Enable(_ context.Context, id broadcast.Identity, nextRunAt int64) error {
	return s.update(id, func(st *broadcast.Settings) {
		st.Enabled = true
		st.NextRunAt = nextRunAt
	})
}

func (s *memoryStore) Disable(_ context.Context, id broadcast.Identity) error {
	return s.update(id, func(st *broadcast.Settings) {
		st.Enabled = false
		st.NextRunAt = 0
	})
}

func (s *memoryStore) SetNextRunAt(_ context.Context, id broadcast.Identity, unix int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.settings[id]
	if !ok || !st.Enabled {
		return nil
	}
	st.NextRunAt = unix
	s.settings[id] = st
	return nil
}

func (s *memoryStore) Whitelist(_ context.Context, id broadcast.Identity) ([]broadcast.Destination, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]broadcast.Destination(nil), s.whitelist[id]...), nil
}

func (s *memoryStore) AddDestination(_ context.Context, id broadcast.Identity, dest broadcast.Destination) (bool, error) {
	dest.Thread = normalizeKey(dest.Thread)
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.whitelist[id]
	for i := range list {
		if list[i].ChatID == dest.ChatID && list[i].Thread == dest.Thread {
			list[i].Title = dest.Title
			return false, nil
		}
	}
	s.whitelist[id] = append(list, dest)
	return true, nil
}

func (s *memoryStore) RemoveDestination(_ context.Context, id broadcast.Identity, chatID int64, key broadcast.ThreadKey) (int64, error) {
	key = normalizeKey(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.whitelist[id]
	for i := range list {
		if list[i].ChatID == chatID && list[i].Thread == key {
			s.whitelist[id] = append(list[:i:i], list[i+1:]...)
			return 1, nil
		}
	}
	return 0, nil
}

func (s *memoryStore) EvictDestination(ctx context.Context, id broadcast.Identity, chatID int64, key broadcast.ThreadKey) (int64, error) {
	return s.RemoveDestination(ctx, id, chatID, key)
}

func (s *memoryStore) Blacklist(_ context.Context, id broadcast.Identity) (broadcast.Exclusions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(broadcast.Exclusions, len(s.blacklist[id]))
	for chatID := range s.blacklist[id] {
		out[chatID] = struct{}{}
	}
	return out, nil
}

func (s *memoryStore) Exclusions(_ context.Context, id broadcast.Identity) ([]Exclusion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Exclusion, 0, len(s.blacklist[id]))
	for _, ex := range s.blacklist[id] {
		out = append(out, ex)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AddedAt.Equal(out[j].AddedAt) {
			return out[i].AddedAt.Before(out[j].AddedAt)
		}
		return out[i].ChatID < out[j].ChatID
	})
	return out, nil
}

func (s *memoryStore) AddExclusion(_ context.Context, id broadcast.Identity, ex Exclusion) (bool, error) {
	if ex.AddedAt.IsZero() {
		ex.AddedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m := s.blacklist[id]
	if m == nil {
		m = map[int64]Exclusion{}
		s.blacklist[id] = m
	}
	if _, ok := m[ex.ChatID]; ok {
		return false, nil
	}
	m[ex.ChatID] = ex
	return true, nil
}

func (s *memoryStore) RemoveExclusion(_ context.Context, id broadcast.Identity, chatID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blacklist[id][chatID]; !ok {
		return 0, nil
	}
	delete(s.blacklist[id], chatID)
	return 1, nil
}

func (s *memoryStore) Stats(_ context.Context, id broadcast.Identity) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Destinations: len(s.whitelist[id]),
		Exclusions:   len(s.blacklist[id]),
		AuditRows:    len(s.audit),
	}, nil
}

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memoryStore) PruneAudit(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.audit[:0]
	for _, e := range s.audit {
		if !e.At.Before(before) {
			kept = append(kept, e)
		}
	}
	n := int64(len(s.audit) - len(kept))
	s.audit = kept
	return n, nil
}

func (s *memoryStore) Optimize(context.Context) error { return nil }

func clonePayload(p broadcast.Payload) broadcast.Payload {
	if p.Entities != nil {
		p.Entities = append(p.Entities[:0:0], p.Entities...)
	}
	return p
}
