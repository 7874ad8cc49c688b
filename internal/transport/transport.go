// Package transport defines the engine's one external collaborator: the
// blob store it uploads locators to and downloads bodies from. The core
// never talks to a concrete network, database, or filesystem directly —
// it only ever calls through a Service handed out by a ServiceFactory,
// matching the teacher's separation between its engine package and its
// pluggable storage backends.
package transport

import (
	"context"
	"fmt"

	"github.com/deterministic-vault/vault/internal/vaulterr"
)

// Chunk is one blob ready to be stored at a locator.
type Chunk struct {
	Locator    []byte
	Subject    string
	Ciphertext []byte
}

// Service is one connection to the blob store. Implementations are not
// required to be safe for concurrent use by multiple goroutines unless
// their ServiceFactory documents otherwise; the engine's pool only ever
// hands a Service to one caller at a time.
type Service interface {
	// Connected reports whether the session believes it is usable
	// without attempting any I/O.
	Connected() bool

	// Connect establishes (or re-establishes) the session. false means
	// the attempt failed without a transport-level error (e.g. an
	// explicit rejection); an error return is always a TransportError.
	Connect(ctx context.Context) (bool, error)

	// Upload stores chunk, returning true if this locator was
	// previously unoccupied and now holds chunk's ciphertext, false if
	// another blob already occupies the locator. Any I/O failure is
	// returned as an error wrapping vaulterr.ErrTransport.
	Upload(ctx context.Context, chunk Chunk) (bool, error)

	// GetBody returns the ciphertext stored at locator, or
	// vaulterr.ErrNotFound if no blob occupies it. Any other failure is
	// returned as an error wrapping vaulterr.ErrTransport.
	GetBody(ctx context.Context, locator []byte) ([]byte, error)
}

// ServiceFactory hands out Service instances backing the connection
// pool's free-list. Implementations decide whether Give constructs a
// fresh session or reuses a pre-warmed one.
type ServiceFactory interface {
	Give() Service
}

// EnsureConnected calls svc.Connect if it is not already connected,
// wrapping any failure (including a plain false return) as
// vaulterr.ErrTransport.
func EnsureConnected(ctx context.Context, svc Service) error {
	if svc.Connected() {
		return nil
	}
	ok, err := svc.Connect(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", vaulterr.ErrTransport, err)
	}
	if !ok {
		return vaulterr.ErrTransport
	}
	return nil
}
