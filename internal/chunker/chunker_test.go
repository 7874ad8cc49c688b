package chunker

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitBytesReassemblesToOriginal(t *testing.T) {
	data := make([]byte, 2*1024*1024)
	_, err := rand.Read(data)
	require.NoError(t, err)

	chunks, err := SplitBytes(data)
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	var buf bytes.Buffer
	for _, c := range chunks {
		buf.Write(c.Data)
	}
	require.Equal(t, data, buf.Bytes())
}

func TestSplitBytesDeterministic(t *testing.T) {
	data := make([]byte, 512*1024)
	_, err := rand.Read(data)
	require.NoError(t, err)

	a, err := SplitBytes(data)
	require.NoError(t, err)
	b, err := SplitBytes(data)
	require.NoError(t, err)

	require.Equal(t, len(a), len(b))
	for i := range a {
		require.Equal(t, a[i].Hash, b[i].Hash)
		require.Equal(t, a[i].Data, b[i].Data)
	}
}

func TestSplitBytesBoundariesShiftWithEdit(t *testing.T) {
	data := make([]byte, 1024*1024)
	_, err := rand.Read(data)
	require.NoError(t, err)

	edited := append([]byte{}, data...)
	edited = append(edited[:100], append([]byte{0xAA, 0xBB, 0xCC}, edited[100:]...)...)

	a, err := SplitBytes(data)
	require.NoError(t, err)
	b, err := SplitBytes(edited)
	require.NoError(t, err)

	matching := 0
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i].Hash == b[i].Hash {
			matching++
		}
	}
	require.Greater(t, matching, 0, "a local insert should leave most chunk boundaries unaffected")
}

func TestSplitBytesEmptyInput(t *testing.T) {
	chunks, err := SplitBytes(nil)
	require.NoError(t, err)
	require.Empty(t, chunks)
}
