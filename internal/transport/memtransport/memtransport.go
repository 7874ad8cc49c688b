// Package memtransport is an in-memory transport.Service used by the
// engine's tests: a shared map keyed by locator, guarded by a mutex,
// standing in for a real network-backed blob store.
package memtransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/deterministic-vault/vault/internal/transport"
	"github.com/deterministic-vault/vault/internal/vaulterr"
)

// Store is the shared backing map for a family of Services. Multiple
// Services created from the same Store observe each other's writes,
// simulating independent connections to one remote blob store.
type Store struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	fail    map[string]bool
	uploads int
}

// NewStore builds an empty, ready-to-use Store.
func NewStore() *Store {
	return &Store{blobs: make(map[string][]byte)}
}

// FailLocator makes every future Upload/GetBody touching locator return
// a transport error, simulating a broken or unreachable shard.
func (s *Store) FailLocator(locator []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail == nil {
		s.fail = make(map[string]bool)
	}
	s.fail[string(locator)] = true
}

// UploadCount returns how many successful Upload calls the store has
// observed, for tests asserting on write amplification.
func (s *Store) UploadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uploads
}

// DeleteLocator removes a stored blob outright, simulating an expired or
// lost shard distinct from FailLocator's simulated transport error.
func (s *Store) DeleteLocator(locator []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, string(locator))
}

// Factory is a transport.ServiceFactory handing out Services backed by
// one Store.
type Factory struct {
	Store *Store
}

// NewFactory builds a Factory over a fresh Store.
func NewFactory() *Factory {
	return &Factory{Store: NewStore()}
}

func (f *Factory) Give() transport.Service {
	return &service{store: f.Store}
}

type service struct {
	store     *Store
	connected bool
}

func (s *service) Connected() bool { return s.connected }

func (s *service) Connect(ctx context.Context) (bool, error) {
	s.connected = true
	return true, nil
}

func (s *service) Upload(ctx context.Context, chunk transport.Chunk) (bool, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	key := string(chunk.Locator)
	if s.store.fail[key] {
		return false, fmt.Errorf("memtransport: simulated failure at locator: %w", vaulterr.ErrTransport)
	}
	if _, exists := s.store.blobs[key]; exists {
		return false, nil
	}
	s.store.blobs[key] = append([]byte{}, chunk.Ciphertext...)
	s.store.uploads++
	return true, nil
}

func (s *service) GetBody(ctx context.Context, locator []byte) ([]byte, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	key := string(locator)
	if s.store.fail[key] {
		return nil, fmt.Errorf("memtransport: simulated failure at locator: %w", vaulterr.ErrTransport)
	}
	body, ok := s.store.blobs[key]
	if !ok {
		return nil, vaulterr.ErrNotFound
	}
	return append([]byte{}, body...), nil
}
