package store

import (
	"context"
	"sort"
	"sync"

	"github.com/DoyleJ11/arena-backend/internal/room"
)

// Memory is an in-process Store. Records are kept in their encoded
// form, so Get always hands back an independent copy and the codec is
// exercised on every access, same as the shared backend.
type Memory struct {
	mu   sync.Mutex
	recs map[string]memoryEntry
}

type memoryEntry struct {
	data    []byte
	version int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{recs: make(map[string]memoryEntry)}
}

func (m *Memory) Create(_ context.Context, rec *room.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.recs[rec.ID]; ok {
		return ErrAlreadyExists
	}
	rec.Version = 1
	data, err := room.Encode(rec)
	if err != nil {
		return err
	}
	m.recs[rec.ID] = memoryEntry{data: data, version: rec.Version}
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*room.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.recs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return room.Decode(entry.data)
}

func (m *Memory) Put(_ context.Context, rec *room.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.recs[rec.ID]
	if !ok {
		return ErrNotFound
	}
	if entry.version != rec.Version {
		return ErrVersionConflict
	}
	rec.Version++
	data, err := room.Encode(rec)
	if err != nil {
		rec.Version--
		return err
	}
	m.recs[rec.ID] = memoryEntry{data: data, version: rec.Version}
	return nil
}

func (m *Memory) Delete(_ context.Context, id string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.recs[id]
	if !ok {
		return ErrNotFound
	}
	if entry.version != version {
		return ErrVersionConflict
	}
	delete(m.recs, id)
	return nil
}

func (m *Memory) List(_ context.Context) ([]*room.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*room.Record, 0, len(m.recs))
	for _, entry := range m.recs {
		rec, err := room.Decode(entry.data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
