package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deterministic-vault/vault/internal/catalog"
	"github.com/deterministic-vault/vault/internal/config"
	"github.com/deterministic-vault/vault/internal/segment"
	"github.com/deterministic-vault/vault/internal/transport/memtransport"
	"github.com/deterministic-vault/vault/internal/vaultcrypto"
	"github.com/deterministic-vault/vault/internal/vaulterr"
)

func testConfig(t *testing.T) config.Constants {
	cfg := config.Default()
	cfg.SegmentSize = 4096
	cfg.ParityDataCount = 3
	cfg.ParityCount = 1
	cfg.CatalogRoot = t.TempDir()
	return cfg
}

func openTestEngine(t *testing.T, store *memtransport.Store, cfg config.Constants) *Engine {
	factory := &memtransport.Factory{Store: store}
	eng, err := Open("test-storage-code", "test-password", factory, cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })
	return eng
}

func TestEmptyVaultHasNoRootContents(t *testing.T) {
	ctx := context.Background()
	store := memtransport.NewStore()
	cfg := testConfig(t)
	eng := openTestEngine(t, store, cfg)

	require.NoError(t, eng.Load(ctx))
	meta, err := eng.DownloadMetaForPath(ctx, "/")
	require.NoError(t, err)
	require.Nil(t, meta)

	require.NoError(t, eng.NewDirectory(ctx, "/a"))
	require.NoError(t, eng.FlushMeta(ctx))
	require.NoError(t, eng.FlushAssurances(ctx))

	fresh := openTestEngine(t, store, testConfig2(cfg))
	require.NoError(t, fresh.Load(ctx))
	meta, err = fresh.DownloadMetaForPath(ctx, "/a")
	require.NoError(t, err)
	require.NotNil(t, meta)
}

// testConfig2 reuses cfg's tunables but gives the fresh engine its own
// empty catalog directory, matching a client that has never seen this
// vault locally before.
func testConfig2(cfg config.Constants) config.Constants {
	cfg.CatalogRoot = cfg.CatalogRoot + "-fresh"
	return cfg
}

func TestUploadFileRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := memtransport.NewStore()
	cfg := testConfig(t)
	eng := openTestEngine(t, store, cfg)

	payload := make([]byte, 3*cfg.SegmentSize+100)
	for i := range payload {
		payload[i] = byte(i % 223)
	}
	localPath := filepath.Join(t.TempDir(), "x.bin")
	require.NoError(t, os.WriteFile(localPath, payload, 0o644))

	require.NoError(t, eng.UploadFile(ctx, localPath, "/x.bin"))
	require.NoError(t, eng.ForceFlushParity(ctx))
	require.NoError(t, eng.FlushMeta(ctx))
	require.NoError(t, eng.FlushAssurances(ctx))

	fresh := openTestEngine(t, store, testConfig2(cfg))
	require.NoError(t, fresh.Load(ctx))

	meta, err := fresh.DownloadMetaForPath(ctx, "/x.bin")
	require.NoError(t, err)
	require.NotNil(t, meta)

	var blocks []segment.Command
	for _, c := range meta.Commands {
		if c.Kind == segment.CommandAddBlock {
			blocks = append(blocks, c)
		}
	}
	require.Len(t, blocks, 4)
	for i := 1; i < len(blocks); i++ {
		require.Less(t, blocks[i-1].Start, blocks[i].Start)
	}

	var reconstructed []byte
	for _, b := range blocks {
		indexID := fresh.Generator().RawOrParityID(b.Hash)
		data, err := fresh.DownloadChunk(ctx, indexID, true)
		require.NoError(t, err)
		reconstructed = append(reconstructed, data...)
	}
	require.Equal(t, payload, reconstructed)
}

func TestUploadFileContentDefinedRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := memtransport.NewStore()
	cfg := testConfig(t)
	eng := openTestEngine(t, store, cfg)

	payload := make([]byte, 5*cfg.SegmentSize)
	for i := range payload {
		payload[i] = byte(i * 37 % 251)
	}
	localPath := filepath.Join(t.TempDir(), "cd.bin")
	require.NoError(t, os.WriteFile(localPath, payload, 0o644))

	require.NoError(t, eng.UploadFileContentDefined(ctx, localPath, "/cd.bin"))
	require.NoError(t, eng.ForceFlushParity(ctx))
	require.NoError(t, eng.FlushMeta(ctx))
	require.NoError(t, eng.FlushAssurances(ctx))

	fresh := openTestEngine(t, store, testConfig2(cfg))
	require.NoError(t, fresh.Load(ctx))

	meta, err := fresh.DownloadMetaForPath(ctx, "/cd.bin")
	require.NoError(t, err)
	require.NotNil(t, meta)

	var reconstructed []byte
	for _, c := range meta.Commands {
		if c.Kind != segment.CommandAddBlock {
			continue
		}
		indexID := fresh.Generator().RawOrParityID(c.Hash)
		data, err := fresh.DownloadChunk(ctx, indexID, true)
		require.NoError(t, err)
		reconstructed = append(reconstructed, data...)
	}
	require.Equal(t, payload, reconstructed)
}

func TestOverwriteRejected(t *testing.T) {
	ctx := context.Background()
	store := memtransport.NewStore()
	cfg := testConfig(t)
	eng := openTestEngine(t, store, cfg)

	localPath := filepath.Join(t.TempDir(), "x.bin")
	require.NoError(t, os.WriteFile(localPath, []byte("hello"), 0o644))
	require.NoError(t, eng.UploadFile(ctx, localPath, "/x.bin"))

	localPath2 := filepath.Join(t.TempDir(), "y.bin")
	require.NoError(t, os.WriteFile(localPath2, []byte("different content"), 0o644))
	err := eng.UploadFile(ctx, localPath2, "/x.bin")
	require.ErrorIs(t, err, vaulterr.ErrMetaEntryOverwrite)
}

func TestNamespaceDisjointness(t *testing.T) {
	ctx := context.Background()
	store := memtransport.NewStore()
	cfg := testConfig(t)
	eng := openTestEngine(t, store, cfg)

	require.NoError(t, eng.NewDirectory(ctx, "/y"))

	localPath := filepath.Join(t.TempDir(), "y")
	require.NoError(t, os.WriteFile(localPath, []byte("hi"), 0o644))
	err := eng.UploadFile(ctx, localPath, "/y")
	require.ErrorIs(t, err, vaulterr.ErrMetaEntryOverwrite)

	localPath2 := filepath.Join(t.TempDir(), "x.bin")
	require.NoError(t, os.WriteFile(localPath2, []byte("hi"), 0o644))
	require.NoError(t, eng.UploadFile(ctx, localPath2, "/x.bin"))
	err = eng.NewDirectory(ctx, "/x.bin")
	require.ErrorIs(t, err, vaulterr.ErrMetaEntryOverwrite)
}

func TestParityRepairRecoversDeletedShard(t *testing.T) {
	ctx := context.Background()
	store := memtransport.NewStore()
	cfg := testConfig(t)
	eng := openTestEngine(t, store, cfg)

	var hashes []vaultcrypto.Hash
	for i := 0; i < cfg.ParityDataCount; i++ {
		data := []byte{byte(i), byte(i + 1), byte(i + 2), byte(i + 3)}
		h, err := eng.UploadFileChunk(ctx, data, [32]byte{})
		require.NoError(t, err)
		hashes = append(hashes, h)
	}
	require.NoError(t, eng.ForceFlushParity(ctx))

	// Delete one data chunk's sole replication from the transport.
	indexID := eng.Generator().RawOrParityID(hashes[0])
	locator := eng.Generator().DeriveLocator(indexID, 0)
	store.DeleteLocator(locator[:])

	eng.cache = newBlobCache(100) // force a real fetch, bypassing the in-memory cache

	data, err := eng.DownloadChunk(ctx, indexID, true)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 1, 2, 3}, data)
	require.Equal(t, int64(1), eng.GetStats().RepairsPerformed)
}

// TestFlushAssurancesSpanningMultipleSlotsReloadsCleanly pushes enough
// distinct chunks into one assurance flush that the encoded
// AssuranceSegment exceeds a single slot's plaintext budget, forcing
// FlushAssurances to spread it across consecutive slots. A fresh engine
// must still recover every entry after Load.
func TestFlushAssurancesSpanningMultipleSlotsReloadsCleanly(t *testing.T) {
	ctx := context.Background()
	store := memtransport.NewStore()
	cfg := testConfig(t)
	eng := openTestEngine(t, store, cfg)

	const chunkCount = 60
	hashes := make([]vaultcrypto.Hash, chunkCount)
	for i := 0; i < chunkCount; i++ {
		data := []byte{byte(i), byte(i >> 8), byte(i * 3)}
		h, err := eng.UploadFileChunk(ctx, data, [32]byte{})
		require.NoError(t, err)
		hashes[i] = h
	}
	require.NoError(t, eng.ForceFlushParity(ctx))
	require.NoError(t, eng.FlushAssurances(ctx))

	fs, err := eng.cat.GetFlushState()
	require.NoError(t, err)
	require.Greater(t, fs.FlushedCount, uint32(1), "expected the flush to span more than one assurance slot")

	fresh := openTestEngine(t, store, testConfig2(cfg))
	require.NoError(t, fresh.Load(ctx))

	for i, h := range hashes {
		indexID := fresh.Generator().RawOrParityID(h)
		row, err := fresh.cat.FindMatchingSegmentInAssurancesByIndexId(indexID[:])
		require.NoError(t, err)
		require.NotNil(t, row, "chunk %d missing after reload", i)
		require.Equal(t, h, row.PlainHash)
	}
}

// TestFlushMetaSpanningMultipleSlotsReloadsCleanly pushes enough file
// commands for one path that a single FlushMeta call's encoded
// MetaSegment exceeds one slot's plaintext budget, forcing it across
// consecutive meta slots. A fresh engine must still recover the full
// command list.
func TestFlushMetaSpanningMultipleSlotsReloadsCleanly(t *testing.T) {
	ctx := context.Background()
	store := memtransport.NewStore()
	cfg := testConfig(t)
	eng := openTestEngine(t, store, cfg)

	const blockCount = 80
	blocks := make([]segment.Command, blockCount)
	for i := 0; i < blockCount; i++ {
		blocks[i] = segment.Command{
			Kind:  segment.CommandAddBlock,
			Hash:  vaultcrypto.HashBytes([]byte{byte(i), byte(i >> 8)}),
			Size:  4,
			Start: uint64(i) * 4,
		}
	}
	require.NoError(t, eng.PushFileToMeta(ctx, blocks, uint64(blockCount)*4, "/big.bin"))
	require.NoError(t, eng.FlushMeta(ctx))

	n, err := eng.flushedMetaSlotCount("/big.bin", catalog.MetaTypeFile)
	require.NoError(t, err)
	require.Greater(t, n, 1, "expected the flush to span more than one meta slot")

	require.NoError(t, eng.FlushAssurances(ctx))

	fresh := openTestEngine(t, store, testConfig2(cfg))
	require.NoError(t, fresh.Load(ctx))

	meta, err := fresh.DownloadMetaForPath(ctx, "/big.bin")
	require.NoError(t, err)
	require.NotNil(t, meta)

	var got []segment.Command
	for _, c := range meta.Commands {
		if c.Kind == segment.CommandAddBlock {
			got = append(got, c)
		}
	}
	require.Equal(t, blocks, got)
}

func TestDedupConcurrentDownloadsHitTransportOnce(t *testing.T) {
	ctx := context.Background()
	store := memtransport.NewStore()
	cfg := testConfig(t)
	eng := openTestEngine(t, store, cfg)

	data := []byte("shared chunk content")
	hash, err := eng.UploadFileChunk(ctx, data, [32]byte{})
	require.NoError(t, err)
	indexID := eng.Generator().RawOrParityID(hash)
	eng.cache = newBlobCache(100)

	const n = 32
	var wg sync.WaitGroup
	results := make([][]byte, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			b, err := eng.DownloadChunk(ctx, indexID, true)
			require.NoError(t, err)
			results[i] = b
		}(i)
	}
	wg.Wait()

	for _, r := range results {
		require.Equal(t, data, r)
	}
	require.Equal(t, int64(1), atomic.LoadInt64(&eng.stats.TransportFetches))
}

