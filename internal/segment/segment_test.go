package segment

import (
	"testing"

	"github.com/deterministic-vault/vault/internal/vaultcrypto"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeSegmentRoundTrip(t *testing.T) {
	crypt := vaultcrypto.New(vaultcrypto.DeriveMasterKey("code", "pw"))
	locator := []byte("locator-1")
	plain := []byte("the quick brown fox jumps over the lazy dog")

	ct, err := EncodeSegment(plain, 4096, crypt, locator)
	require.NoError(t, err)
	require.Len(t, ct, 4096+chachaOverhead())

	got, err := DecodeSegment(ct, 4096, crypt, locator)
	require.NoError(t, err)
	require.Equal(t, plain, got)
}

func chachaOverhead() int { return 16 } // poly1305 tag

func TestDecodeSegmentWrongLocatorFails(t *testing.T) {
	crypt := vaultcrypto.New(vaultcrypto.DeriveMasterKey("code", "pw"))
	ct, err := EncodeSegment([]byte("payload"), 4096, crypt, []byte("loc-a"))
	require.NoError(t, err)

	_, err = DecodeSegment(ct, 4096, crypt, []byte("loc-b"))
	require.Error(t, err)
}

func TestAssuranceSegmentRoundTrip(t *testing.T) {
	seg := AssuranceSegment{
		Entries: []AssuranceEntry{
			{IndexID: []byte{1, 2, 3}, Replication: 0, PlainHash: vaultcrypto.HashBytes([]byte("a")), Length: 10},
			{IndexID: []byte{4, 5, 6}, Replication: 1, PlainHash: vaultcrypto.HashBytes([]byte("b")), Length: 20},
		},
		Relations: []ParityRelationEntry{
			{CollectionID: 1, PlainHash: vaultcrypto.HashBytes([]byte("a")), IsParity: false},
			{CollectionID: 1, PlainHash: vaultcrypto.HashBytes([]byte("p")), IsParity: true},
		},
	}

	encoded := seg.Encode()
	decoded, err := DecodeAssuranceSegment(encoded)
	require.NoError(t, err)
	require.Equal(t, seg, decoded)
}

func TestMetaSegmentRoundTrip(t *testing.T) {
	seg := MetaSegment{
		Commands: []Command{
			{Kind: CommandAddFolder, Name: "docs"},
			{Kind: CommandAddFile, Name: "report.pdf", Size: 4096},
			{Kind: CommandAddBlock, Hash: vaultcrypto.HashBytes([]byte("chunk")), Size: 1024, Start: 0},
		},
	}

	encoded := seg.Encode()
	decoded, err := DecodeMetaSegment(encoded)
	require.NoError(t, err)
	require.Equal(t, seg, decoded)
}

func TestToListOfByteArraysSplitsAndRejoins(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	parts := ToListOfByteArrays(data, 300)
	require.Len(t, parts, 4)

	var joined []byte
	for _, p := range parts {
		joined = append(joined, p...)
	}
	require.Equal(t, data, joined)
}

func TestFrameForSlotsAndGathererRoundTrip(t *testing.T) {
	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	parts := FrameForSlots(data, 300)
	require.Greater(t, len(parts), 1)

	var g FrameGatherer
	var consumed int
	for _, p := range parts {
		g.Feed(p)
		consumed++
		if g.Done() {
			break
		}
	}
	require.True(t, g.Done())
	require.Equal(t, data, g.Record())
	require.LessOrEqual(t, consumed, len(parts))
}

func TestFrameGathererPendingOnShortFeed(t *testing.T) {
	parts := FrameForSlots([]byte("hello world"), 4)
	require.Greater(t, len(parts), 1)

	var g FrameGatherer
	g.Feed(parts[0])
	require.False(t, g.Done())
	require.True(t, g.Pending())
}
