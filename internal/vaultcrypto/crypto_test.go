package vaultcrypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveMasterKeyDeterministic(t *testing.T) {
	k1 := DeriveMasterKey("abc123", "hunter2")
	k2 := DeriveMasterKey("abc123", "hunter2")
	require.Equal(t, k1, k2)

	k3 := DeriveMasterKey("abc123", "different")
	require.NotEqual(t, k1, k3)
}

func TestSealOpenRoundTrip(t *testing.T) {
	c := New(DeriveMasterKey("code", "pw"))
	locator := []byte("locator-0")
	plaintext := []byte("hello vault")

	ct, err := c.Seal(locator, plaintext)
	require.NoError(t, err)

	pt, err := c.Open(locator, ct)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestSealDifferentLocatorsDiffer(t *testing.T) {
	c := New(DeriveMasterKey("code", "pw"))
	plaintext := []byte("same content")

	ct1, err := c.Seal([]byte("locator-a"), plaintext)
	require.NoError(t, err)
	ct2, err := c.Seal([]byte("locator-b"), plaintext)
	require.NoError(t, err)

	require.NotEqual(t, ct1, ct2)
}

func TestOpenWrongLocatorFails(t *testing.T) {
	c := New(DeriveMasterKey("code", "pw"))
	ct, err := c.Seal([]byte("locator-a"), []byte("content"))
	require.NoError(t, err)

	_, err = c.Open([]byte("locator-b"), ct)
	require.Error(t, err)
}

func TestPublicHashDeterministic(t *testing.T) {
	k := DeriveMasterKey("code", "pw")
	require.Equal(t, PublicHash(k), PublicHash(k))
	require.NotEqual(t, PublicHash(k), PublicHash(DeriveMasterKey("code", "other")))
}

func TestHashBytes(t *testing.T) {
	h1 := HashBytes([]byte("abc"))
	h2 := HashBytes([]byte("abc"))
	require.Equal(t, h1, h2)
	require.False(t, h1.IsZero())
}
