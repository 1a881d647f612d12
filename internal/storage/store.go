package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Slot names one opaque blob in local storage
type Slot string

const (
	SlotUnsyncedRecords  Slot = "unsynced_records"
	SlotUnsyncedModels   Slot = "unsynced_models"
	SlotLocalOnlyRecords Slot = "local_only_records"
	SlotSyncedCache      Slot = "synced_cache"
	SlotAccountID        Slot = "account_id"
	SlotSalt             Slot = "salt"
	SlotSessionSecret    Slot = "session_secret"
)

// DurableSlots lists every slot that lives in durable storage. The session
// secret is kept elsewhere.
var DurableSlots = []Slot{
	SlotUnsyncedRecords,
	SlotUnsyncedModels,
	SlotLocalOnlyRecords,
	SlotSyncedCache,
	SlotAccountID,
	SlotSalt,
}

// Store is pure get/set/delete persistence over named slots. Callers
// serialize access; implementations do no validation.
type Store interface {
	Get(ctx context.Context, slot Slot) ([]byte, bool, error)
	Set(ctx context.Context, slot Slot, value []byte) error
	Delete(ctx context.Context, slot Slot) error
}

// MemoryStore keeps slots for the lifetime of the process
type MemoryStore struct {
	mu    sync.RWMutex
	slots map[Slot][]byte
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{slots: make(map[Slot][]byte)}
}

func (m *MemoryStore) Get(_ context.Context, slot Slot) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.slots[slot]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryStore) Set(_ context.Context, slot Slot, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slots[slot] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, slot Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.slots[slot]; ok {
		for i := range v {
			v[i] = 0
		}
		delete(m.slots, slot)
	}
	return nil
}

// LoadJSON decodes a slot into out. A missing slot leaves out untouched and
// reports false.
func LoadJSON(ctx context.Context, s Store, slot Slot, out interface{}) (bool, error) {
	data, ok, err := s.Get(ctx, slot)
	if err != nil {
		return false, fmt.Errorf("failed to read slot %s: %w", slot, err)
	}
	if !ok || len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return false, fmt.Errorf("failed to decode slot %s: %w", slot, err)
	}
	return true, nil
}

// SaveJSON encodes v into a slot
func SaveJSON(ctx context.Context, s Store, slot Slot, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode slot %s: %w", slot, err)
	}
	if err := s.Set(ctx, slot, data); err != nil {
		return fmt.Errorf("failed to write slot %s: %w", slot, err)
	}
	return nil
}

// LoadString reads a slot holding a plain string
func LoadString(ctx context.Context, s Store, slot Slot) (string, error) {
	data, ok, err := s.Get(ctx, slot)
	if err != nil {
		return "", fmt.Errorf("failed to read slot %s: %w", slot, err)
	}
	if !ok {
		return "", nil
	}
	return string(data), nil
}
