package memtransport

import (
	"context"
	"errors"
	"testing"

	"github.com/deterministic-vault/vault/internal/transport"
	"github.com/deterministic-vault/vault/internal/vaulterr"
	"github.com/stretchr/testify/require"
)

func TestUploadThenGetBody(t *testing.T) {
	f := NewFactory()
	svc := f.Give()
	ok, err := svc.Connect(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	chunk := transport.Chunk{Locator: []byte("loc-1"), Ciphertext: []byte("payload")}
	stored, err := svc.Upload(context.Background(), chunk)
	require.NoError(t, err)
	require.True(t, stored)

	body, err := svc.GetBody(context.Background(), chunk.Locator)
	require.NoError(t, err)
	require.Equal(t, chunk.Ciphertext, body)
}

func TestUploadRefusesOccupiedLocator(t *testing.T) {
	f := NewFactory()
	svc := f.Give()

	chunk := transport.Chunk{Locator: []byte("loc-1"), Ciphertext: []byte("first")}
	ok, err := svc.Upload(context.Background(), chunk)
	require.NoError(t, err)
	require.True(t, ok)

	chunk2 := transport.Chunk{Locator: []byte("loc-1"), Ciphertext: []byte("second")}
	ok, err = svc.Upload(context.Background(), chunk2)
	require.NoError(t, err)
	require.False(t, ok)

	require.Equal(t, 1, f.Store.UploadCount())
}

func TestGetBodyMissingReturnsNotFound(t *testing.T) {
	f := NewFactory()
	svc := f.Give()
	_, err := svc.GetBody(context.Background(), []byte("nowhere"))
	require.True(t, errors.Is(err, vaulterr.ErrNotFound))
}

func TestFailLocatorReturnsTransportError(t *testing.T) {
	f := NewFactory()
	locator := []byte("flaky")
	f.Store.FailLocator(locator)

	svc := f.Give()
	_, err := svc.Upload(context.Background(), transport.Chunk{Locator: locator, Ciphertext: []byte("x")})
	require.True(t, errors.Is(err, vaulterr.ErrTransport))

	_, err = svc.GetBody(context.Background(), locator)
	require.True(t, errors.Is(err, vaulterr.ErrTransport))
}

func TestServicesFromSameFactoryShareStore(t *testing.T) {
	f := NewFactory()
	svcA := f.Give()
	svcB := f.Give()

	chunk := transport.Chunk{Locator: []byte("shared"), Ciphertext: []byte("data")}
	_, err := svcA.Upload(context.Background(), chunk)
	require.NoError(t, err)

	body, err := svcB.GetBody(context.Background(), chunk.Locator)
	require.NoError(t, err)
	require.Equal(t, chunk.Ciphertext, body)
}
