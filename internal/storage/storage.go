// Package storage persists per-room relay descriptors. The default Storage
// keeps descriptors in memory with an optional JSON snapshot on disk; a
// Postgres-backed repository is available for multi-instance deployments.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"streamrelay/internal/relay"
)

type dataset struct {
	Rooms map[int64]relay.Descriptor `json:"rooms"`
}

func newDataset() dataset {
	return dataset{Rooms: make(map[int64]relay.Descriptor)}
}

func cloneDataset(src dataset) dataset {
	out := newDataset()
	for id, desc := range src.Rooms {
		desc.Args = append([]string(nil), desc.Args...)
		out.Rooms[id] = desc
	}
	return out
}

// Storage is the in-memory descriptor store. When constructed with a file
// path every successful write is snapshotted to disk via temp-file rename, so
// room configuration survives orchestrator restarts (sessions do not).
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

// NewMemory constructs a Storage with no backing file.
func NewMemory() *Storage {
	return &Storage{data: newDataset()}
}

// NewStorage opens or creates the JSON-backed descriptor store at path.
func NewStorage(path string) (*Storage, error) {
	s := &Storage{filePath: path, data: newDataset()}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("read datastore %s: %w", path, err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("decode datastore %s: %w", path, err)
	}
	if s.data.Rooms == nil {
		s.data.Rooms = make(map[int64]relay.Descriptor)
	}
	return s, nil
}

var _ relay.DescriptorStore = (*Storage)(nil)

func newDescriptor(roomID int64) relay.Descriptor {
	return relay.Descriptor{
		RoomID:    roomID,
		Args:      []string{},
		Transport: relay.TransportRTMP,
	}
}

// SetCredential updates the push credential, creating the descriptor with
// defaults when absent.
func (s *Storage) SetCredential(roomID int64, credential string) (relay.Descriptor, error) {
	return s.update(roomID, true, func(desc *relay.Descriptor) {
		desc.Credential = credential
	})
}

// SetTransport updates the push transport, creating the descriptor with
// defaults when absent.
func (s *Storage) SetTransport(roomID int64, transport relay.Transport) (relay.Descriptor, error) {
	return s.update(roomID, true, func(desc *relay.Descriptor) {
		desc.Transport = transport
	})
}

// SetArguments replaces the pull-argument list wholesale, creating the
// descriptor with defaults when absent.
func (s *Storage) SetArguments(roomID int64, args []string) (relay.Descriptor, error) {
	copied := append([]string{}, args...)
	return s.update(roomID, true, func(desc *relay.Descriptor) {
		desc.Args = copied
	})
}

// ClearArguments empties the argument list, leaving the credential untouched.
// A room with no descriptor is reported as absent and nothing is created.
func (s *Storage) ClearArguments(roomID int64) (relay.Descriptor, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Rooms[roomID]; !ok {
		return relay.Descriptor{}, false, nil
	}
	updated := cloneDataset(s.data)
	desc := updated.Rooms[roomID]
	desc.Args = []string{}
	updated.Rooms[roomID] = desc
	if err := s.persistDataset(updated); err != nil {
		return relay.Descriptor{}, false, err
	}
	s.data = updated
	return desc, true, nil
}

// Get returns a snapshot of the room's descriptor.
func (s *Storage) Get(roomID int64) (relay.Descriptor, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	desc, ok := s.data.Rooms[roomID]
	if !ok {
		return relay.Descriptor{}, false
	}
	desc.Args = append([]string(nil), desc.Args...)
	return desc, true
}

// Rooms lists all configured descriptors. Intended for diagnostics.
func (s *Storage) Rooms() []relay.Descriptor {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]relay.Descriptor, 0, len(s.data.Rooms))
	for _, desc := range s.data.Rooms {
		desc.Args = append([]string(nil), desc.Args...)
		out = append(out, desc)
	}
	return out
}

func (s *Storage) update(roomID int64, create bool, mutate func(*relay.Descriptor)) (relay.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	updated := cloneDataset(s.data)
	desc, ok := updated.Rooms[roomID]
	if !ok {
		if !create {
			return relay.Descriptor{}, fmt.Errorf("room %d not configured", roomID)
		}
		desc = newDescriptor(roomID)
	}
	mutate(&desc)
	updated.Rooms[roomID] = desc
	if err := s.persistDataset(updated); err != nil {
		return relay.Descriptor{}, err
	}
	s.data = updated
	return desc, nil
}

func (s *Storage) persistDataset(data dataset) error {
	if s.persistOverride != nil {
		return s.persistOverride(data)
	}
	if s.filePath == "" {
		return nil
	}
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode datastore: %w", err)
	}
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prepare datastore dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "rooms-*.tmp")
	if err != nil {
		return fmt.Errorf("create datastore temp file: %w", err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write datastore: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close datastore temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.filePath); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace datastore: %w", err)
	}
	return nil
}
