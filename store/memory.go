package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store without a database, for tests and throwaway
// dev servers. All methods are safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	servers map[string]*RemoteServer
	outbox  map[string]*OutboxItem
	tez     map[string]*FederatedTez // keyed bundle_hash + "\x00" + direction
	audit   []*AuditEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		servers: make(map[string]*RemoteServer),
		outbox:  make(map[string]*OutboxItem),
		tez:     make(map[string]*FederatedTez),
	}
}

func (s *MemoryStore) UpsertServer(_ context.Context, srv *RemoteServer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *srv
	s.servers[srv.Host] = &cp
	return nil
}

func (s *MemoryStore) ServerByHost(_ context.Context, host string) (*RemoteServer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	srv, ok := s.servers[host]
	if !ok {
		return nil, nil
	}
	cp := *srv
	return &cp, nil
}

func (s *MemoryStore) EnqueueOutbox(_ context.Context, item *OutboxItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.outbox[item.ID] = &cp
	return nil
}

func (s *MemoryStore) OutboxByID(_ context.Context, id string) (*OutboxItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.outbox[id]
	if !ok {
		return nil, nil
	}
	cp := *item
	return &cp, nil
}

func (s *MemoryStore) DueOutbox(_ context.Context, now time.Time, limit int) ([]*OutboxItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*OutboxItem
	for _, item := range s.outbox {
		if item.Status != StatusPending && item.Status != StatusFailed {
			continue
		}
		if item.NextRetryAt != nil && item.NextRetryAt.After(now) {
			continue
		}
		cp := *item
		due = append(due, &cp)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *MemoryStore) UpdateOutbox(_ context.Context, item *OutboxItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *item
	cp.UpdatedAt = time.Now().UTC()
	s.outbox[item.ID] = &cp
	return nil
}

func (s *MemoryStore) ListOutbox(_ context.Context, status OutboxStatus, limit int) ([]*OutboxItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var items []*OutboxItem
	for _, item := range s.outbox {
		if status != "" && item.Status != status {
			continue
		}
		cp := *item
		items = append(items, &cp)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.After(items[j].CreatedAt) })
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStore) InsertFederatedTez(_ context.Context, rec *FederatedTez) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.tez[rec.BundleHash+"\x00"+rec.Direction] = &cp
	return nil
}

func (s *MemoryStore) FederatedTezByHash(_ context.Context, bundleHash, direction string) (*FederatedTez, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tez[bundleHash+"\x00"+direction]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) RecordAudit(_ context.Context, event *AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *event
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.audit = append(s.audit, &cp)
	return nil
}

// AuditEvents returns a copy of the recorded audit trail, oldest first.
// Test helper; the SQL backends expose no equivalent read path.
func (s *MemoryStore) AuditEvents() []*AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*AuditEvent, len(s.audit))
	for i, e := range s.audit {
		cp := *e
		out[i] = &cp
	}
	return out
}

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
