package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/NeverVane/promptledger/internal/logger"
)

// FileSessionStore keeps short-lived slots in one 0600 file under the
// runtime directory. Entries expire after timeout; the runtime directory is
// normally cleared at logout or reboot.
type FileSessionStore struct {
	mu      sync.Mutex
	path    string
	timeout time.Duration
	now     func() time.Time
	logger  *logger.Logger
}

type sessionFile struct {
	ExpiresAt int64           `json:"expires_at"`
	Slots     map[Slot][]byte `json:"slots"`
}

// NewFileSessionStore creates a store backed by path
func NewFileSessionStore(path string, timeout time.Duration) *FileSessionStore {
	return &FileSessionStore{
		path:    path,
		timeout: timeout,
		now:     time.Now,
		logger:  logger.GetLogger().Security(),
	}
}

func (f *FileSessionStore) Get(_ context.Context, slot Slot) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return nil, false, err
	}
	if data == nil {
		return nil, false, nil
	}
	v, ok := data.Slots[slot]
	return v, ok, nil
}

func (f *FileSessionStore) Set(_ context.Context, slot Slot, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return err
	}
	if data == nil {
		data = &sessionFile{Slots: make(map[Slot][]byte)}
	}
	data.Slots[slot] = append([]byte(nil), value...)
	data.ExpiresAt = f.now().Add(f.timeout).UnixMilli()
	return f.write(data)
}

func (f *FileSessionStore) Delete(_ context.Context, slot Slot) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := f.load()
	if err != nil {
		return err
	}
	if data == nil {
		return nil
	}
	delete(data.Slots, slot)
	if len(data.Slots) == 0 {
		return f.remove()
	}
	return f.write(data)
}

// load returns nil when there is no live session file. Expired or unreadable
// files are removed.
func (f *FileSessionStore) load() (*sessionFile, error) {
	raw, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var data sessionFile
	if err := json.Unmarshal(raw, &data); err != nil {
		f.logger.Warn().Msg("Discarding corrupt session file")
		return nil, f.remove()
	}
	if f.now().UnixMilli() >= data.ExpiresAt {
		f.logger.Debug().Msg("Session file expired")
		return nil, f.remove()
	}
	if data.Slots == nil {
		data.Slots = make(map[Slot][]byte)
	}
	return &data, nil
}

func (f *FileSessionStore) write(data *sessionFile) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return fmt.Errorf("failed to create session directory: %w", err)
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode session file: %w", err)
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return fmt.Errorf("failed to write session file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

func (f *FileSessionStore) remove() error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove session file: %w", err)
	}
	return nil
}
