package catalog

import (
	"testing"

	"github.com/deterministic-vault/vault/internal/segment"
	"github.com/deterministic-vault/vault/internal/vaultcrypto"
	"github.com/stretchr/testify/require"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	dir := t.TempDir()
	c, err := Open(dir, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAddNewAssuranceAndLookup(t *testing.T) {
	c := openTestCatalog(t)

	h := vaultcrypto.HashBytes([]byte("blob-1"))
	indexID := []byte("index-1")
	require.NoError(t, c.AddNewAssurance(indexID, 0, h, 42))

	byID, err := c.FindMatchingSegmentInAssurancesByIndexId(indexID)
	require.NoError(t, err)
	require.NotNil(t, byID)
	require.Equal(t, uint32(42), byID.Length)
	require.Equal(t, pendingAssuranceLogSlot, byID.AssuranceLogSlot)

	byHash, err := c.FindMatchingSegmentInAssurancesByPlainHash(h)
	require.NoError(t, err)
	require.NotNil(t, byHash)
	require.Equal(t, indexID, byHash.IndexID)
}

func TestFindMatchingSegmentMissing(t *testing.T) {
	c := openTestCatalog(t)

	byID, err := c.FindMatchingSegmentInAssurancesByIndexId([]byte("nope"))
	require.NoError(t, err)
	require.Nil(t, byID)

	byHash, err := c.FindMatchingSegmentInAssurancesByPlainHash(vaultcrypto.HashBytes([]byte("nope")))
	require.NoError(t, err)
	require.Nil(t, byHash)
}

func TestParityCollectionFillsAndCloses(t *testing.T) {
	c := openTestCatalog(t)

	const n = 3
	hashes := make([]vaultcrypto.Hash, n)
	for i := 0; i < n; i++ {
		hashes[i] = vaultcrypto.HashBytes([]byte{byte(i)})
		require.NoError(t, c.AddNewAssuranceAndTmpData([]byte{byte(i)}, 0, hashes[i], 10, []byte("payload"), n))
	}

	collectionID, rows, ok, err := c.GetProcessingParityRelations()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, rows, n)

	parityRows := []ParityRelationRow{
		{PlainHash: vaultcrypto.HashBytes([]byte("parity-0"))},
	}
	require.NoError(t, c.CloseParityRelations(collectionID, parityRows))

	_, _, ok, err = c.GetProcessingParityRelations()
	require.NoError(t, err)
	require.False(t, ok)

	for _, h := range hashes {
		rels, err := c.GetParityRelationsForHash(h)
		require.NoError(t, err)
		require.Len(t, rels, n+len(parityRows))
		for _, r := range rels {
			require.True(t, r.Closed)
			require.Nil(t, r.TmpDataCompressed)
		}
	}
}

func TestForceParityProcessingStateClosesPartialCollection(t *testing.T) {
	c := openTestCatalog(t)

	h := vaultcrypto.HashBytes([]byte("solo"))
	require.NoError(t, c.AddNewAssuranceAndTmpData([]byte("idx"), 0, h, 5, []byte("x"), 4))

	collectionID, rows, ok, err := c.ForceParityProcessingState()
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, rows, 1)

	_, _, stillOpen, err := c.GetProcessingParityRelations()
	require.NoError(t, err)
	require.False(t, stillOpen)
	require.NotZero(t, collectionID)
}

func TestTransientMetaCacheLifecycle(t *testing.T) {
	c := openTestCatalog(t)

	path := "/docs/readme.txt"
	typ, err := c.MetaTypeAtPathInTransientCache(path)
	require.NoError(t, err)
	require.Equal(t, MetaTypeUnknown, typ)

	cmds := []TransientCommand{
		{IsNew: true, Type: MetaTypeFile, Kind: 1, Name: "readme.txt", Size: 100},
		{Type: MetaTypeFile, Kind: 2, Start: 0, Size: 100},
	}
	require.NoError(t, c.AddCommandsToTransientCache(path, cmds))

	got, err := c.CommandsInTransientCache(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint32(0), got[0].Index)
	require.Equal(t, uint32(1), got[1].Index)

	typ, err = c.MetaTypeAtPathInTransientCache(path)
	require.NoError(t, err)
	require.Equal(t, MetaTypeFile, typ)

	more := []TransientCommand{{Type: MetaTypeFile, Kind: 3}}
	require.NoError(t, c.AddCommandsToTransientCache(path, more))
	got, err = c.CommandsInTransientCache(path)
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, uint32(2), got[2].Index)

	require.NoError(t, c.CommandsFlushedForPath(path))
	got, err = c.CommandsInTransientCache(path)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestFlushStateRoundTrip(t *testing.T) {
	c := openTestCatalog(t)

	fs, err := c.GetFlushState()
	require.NoError(t, err)
	require.Equal(t, int64(-1), fs.LastFetchedAssuranceID)
	require.False(t, fs.AllAssurancesFetched)

	fetched, err := c.GetAllAssurancesFetched()
	require.NoError(t, err)
	require.False(t, fetched)

	require.NoError(t, c.SetAllAssurancesFetched())
	fetched, err = c.GetAllAssurancesFetched()
	require.NoError(t, err)
	require.True(t, fetched)

	require.NoError(t, c.IncrementFlushedCount())
	require.NoError(t, c.IncrementFlushedCount())
	fs, err = c.GetFlushState()
	require.NoError(t, err)
	require.Equal(t, uint32(2), fs.FlushedCount)

	require.NoError(t, c.ResetFlushAggregation())
	fs, err = c.GetFlushState()
	require.NoError(t, err)
	require.Zero(t, fs.FlushedCount)
}

func TestNewAggregatedAssuranceSegmentWithFlushState(t *testing.T) {
	c := openTestCatalog(t)

	h1 := vaultcrypto.HashBytes([]byte("a"))
	h2 := vaultcrypto.HashBytes([]byte("b"))
	require.NoError(t, c.AddNewAssurance([]byte("idx-a"), 0, h1, 10))
	require.NoError(t, c.AddNewAssuranceAndTmpData([]byte("idx-b"), 0, h2, 20, []byte("payload"), 4))

	collectionID, _, ok, err := c.ForceParityProcessingState()
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, c.CloseParityRelations(collectionID, []ParityRelationRow{
		{PlainHash: vaultcrypto.HashBytes([]byte("parity-x"))},
	}))

	seg, fs, err := c.NewAggregatedAssuranceSegmentWithFlushState()
	require.NoError(t, err)
	require.Len(t, seg.Entries, 2)
	require.Len(t, seg.Relations, 2)
	require.Equal(t, int64(-1), fs.LastFetchedAssuranceID)
}

func TestAddFetchedAssurancesAdvancesLastFetchedID(t *testing.T) {
	c := openTestCatalog(t)

	h := vaultcrypto.HashBytes([]byte("remote"))
	segs := []segment.AssuranceSegment{{
		Entries: []segment.AssuranceEntry{
			{IndexID: []byte("remote-idx"), Replication: 0, PlainHash: h, Length: 7},
		},
	}}
	err := c.AddFetchedAssurances(segs, 5, []uint32{1})
	require.NoError(t, err)

	last, err := c.LastFetchedAssuranceID()
	require.NoError(t, err)
	require.Equal(t, int64(5), last)

	row, err := c.FindMatchingSegmentInAssurancesByPlainHash(h)
	require.NoError(t, err)
	require.NotNil(t, row)
	require.Equal(t, uint32(5), row.AssuranceLogSlot)
}
