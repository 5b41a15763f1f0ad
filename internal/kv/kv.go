// Package kv provides the origin-scoped key/value store shared by every
// client instance, and the session-scoped store that survives a reload of a
// single instance. Components take a Store as a dependency instead of
// reaching into ambient global state.
package kv

import (
	"context"
	"errors"
	"sync"
)

// ErrQuotaExceeded is returned when a write would exceed the store quota.
var ErrQuotaExceeded = errors.New("kv: storage quota exceeded")

// Well-known keys.
const (
	KeyAccessToken     = "modelsync.accessToken"
	KeyRefreshToken    = "modelsync.refreshToken"
	KeyUser            = "modelsync.user"
	KeyLastSyncAt      = "modelsync.lastSyncAt"
	KeyPendingChanges  = "modelsync.pendingChanges"
	KeyInitialSyncDone = "modelsync.initialSyncDone"
	KeyTabLock         = "modelsync.tabLock"

	// Session-scoped keys.
	KeyTakeoverTicket = "modelsync.takeoverTicket"
	KeyTabID          = "modelsync.tabId"
)

// Store is a string key/value store. Every write is last-writer-wins.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set stores value under key.
	Set(ctx context.Context, key, value string) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
}

// Memory is an in-memory Store. A positive Quota limits the total size of
// keys plus values in bytes.
type Memory struct {
	Quota int

	mu   sync.RWMutex
	data map[string]string
	size int
}

// NewMemory returns an empty in-memory store without a quota.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]string)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]string)
	}

	size := m.size + len(key) + len(value)
	if old, ok := m.data[key]; ok {
		size -= len(key) + len(old)
	}
	if m.Quota > 0 && size > m.Quota {
		return ErrQuotaExceeded
	}
	m.data[key] = value
	m.size = size
	return nil
}

// Delete implements Store.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.data[key]; ok {
		m.size -= len(key) + len(old)
		delete(m.data, key)
	}
	return nil
}

// Len returns the number of stored keys.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}
