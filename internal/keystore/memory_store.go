package keystore

import (
	"context"
	"sync"
)

// MemoryStorage keeps the record in process memory.
type MemoryStorage struct {
	mu  sync.Mutex
	rec *Record
	// Err, when set, is returned by every call.
	Err error
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (m *MemoryStorage) Load(ctx context.Context) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	if m.rec == nil {
		return nil, nil
	}
	cp := *m.rec
	cp.PrivateKey = append([]byte(nil), m.rec.PrivateKey...)
	return &cp, nil
}

func (m *MemoryStorage) Save(ctx context.Context, r *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	cp := *r
	cp.PrivateKey = append([]byte(nil), r.PrivateKey...)
	m.rec = &cp
	return nil
}
