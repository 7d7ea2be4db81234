package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/CodeMonkeyCybersecurity/cassandra/internal/core"
	"github.com/CodeMonkeyCybersecurity/cassandra/pkg/types"
)

type pairKey struct {
	target string
	value  string
}

// memoryStore keeps results in process with the same uniqueness rules as
// the Postgres schema.
type memoryStore struct {
	mu        sync.RWMutex
	nextID    int64
	scans     []types.ScanRecord
	secrets   []types.SecretFinding
	endpoints []types.EndpointFinding
	secretIdx map[pairKey]bool
	endIdx    map[pairKey]bool
}

func NewMemoryStore() core.ResultStore {
	return &memoryStore{
		secretIdx: make(map[pairKey]bool),
		endIdx:    make(map[pairKey]bool),
	}
}

func (m *memoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memoryStore) RecordScan(_ context.Context, record *types.ScanRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	rec := *record
	rec.ID = m.id()
	record.ID = rec.ID
	m.scans = append(m.scans, rec)
	return nil
}

func (m *memoryStore) SecretExists(_ context.Context, target, value string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.secretIdx[pairKey{target, value}], nil
}

func (m *memoryStore) InsertSecret(_ context.Context, secret *types.SecretFinding) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{secret.Target, secret.Value}
	if m.secretIdx[key] {
		return false, nil
	}
	if secret.Timestamp.IsZero() {
		secret.Timestamp = time.Now().UTC()
	}
	m.secretIdx[key] = true
	rec := *secret
	rec.ID = m.id()
	secret.ID = rec.ID
	m.secrets = append(m.secrets, rec)
	return true, nil
}

func (m *memoryStore) EndpointExists(_ context.Context, target, endpoint string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.endIdx[pairKey{target, endpoint}], nil
}

func (m *memoryStore) InsertEndpoint(_ context.Context, endpoint *types.EndpointFinding) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := pairKey{endpoint.Target, endpoint.Endpoint}
	if m.endIdx[key] {
		return false, nil
	}
	if endpoint.Timestamp.IsZero() {
		endpoint.Timestamp = time.Now().UTC()
	}
	m.endIdx[key] = true
	rec := *endpoint
	rec.ID = m.id()
	endpoint.ID = rec.ID
	m.endpoints = append(m.endpoints, rec)
	return true, nil
}

// ListScans returns newest first, matching the SQL store.
func (m *memoryStore) ListScans(_ context.Context, target string, limit int) ([]types.ScanRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []types.ScanRecord{}
	for _, s := range m.scans {
		if target == "" || s.Target == target {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID > out[j].ID
		}
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryStore) ListSecrets(_ context.Context, target string) ([]types.SecretFinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []types.SecretFinding{}
	for _, s := range m.secrets {
		if target == "" || s.Target == target {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memoryStore) ListEndpoints(_ context.Context, target string) ([]types.EndpointFinding, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []types.EndpointFinding{}
	for _, e := range m.endpoints {
		if target == "" || e.Target == target {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memoryStore) Close() error { return nil }
