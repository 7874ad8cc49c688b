package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/deterministic-vault/vault/internal/catalog"
	"github.com/deterministic-vault/vault/internal/identifier"
	"github.com/deterministic-vault/vault/internal/parity"
	"github.com/deterministic-vault/vault/internal/segment"
	"github.com/deterministic-vault/vault/internal/transport"
	"github.com/deterministic-vault/vault/internal/vaultcrypto"
	"github.com/deterministic-vault/vault/internal/vaulterr"
)

// DownloadChunk returns the plaintext of the blob known locally as
// indexID, running inside the download dedup context so concurrent
// callers for the same indexID share one transport round trip. When
// parityAware is true and the recorded replication can't be fetched
// cleanly, it attempts parity repair before giving up.
func (e *Engine) DownloadChunk(ctx context.Context, indexID identifier.IndexID, parityAware bool) ([]byte, error) {
	unlock := e.downloadDedup.Lock(indexID.String())
	defer unlock()

	if b, ok := e.cache.Get(indexID.String()); ok {
		atomic.AddInt64(&e.stats.CacheHits, 1)
		return b, nil
	}

	row, err := e.cat.FindMatchingSegmentInAssurancesByIndexId(indexID[:])
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("%w: indexID %s", vaulterr.ErrNotFound, indexID)
	}

	payload, fetchErr := e._downloadChunkBasic(ctx, indexID, row.Replication)
	if fetchErr == nil {
		plain, decErr := segment.Decompress(payload)
		if decErr == nil {
			atomic.AddInt64(&e.stats.ChunksDownloaded, 1)
			e.cache.Put(indexID.String(), plain)
			return plain, nil
		}
		fetchErr = decErr
	}

	if errors.Is(fetchErr, vaulterr.ErrTransport) {
		return nil, fetchErr
	}
	if !parityAware {
		return nil, fetchErr
	}

	recovered, err := e.repairChunk(ctx, row)
	if err != nil {
		return nil, err
	}
	atomic.AddInt64(&e.stats.ChunksDownloaded, 1)
	atomic.AddInt64(&e.stats.RepairsPerformed, 1)
	e.cache.Put(indexID.String(), recovered)
	return recovered, nil
}

// _downloadChunkBasic fetches and decrypts+unpads the blob at
// (indexID, replication), returning it in the same byte domain it was
// uploaded in (compressed for a data chunk, raw shard bytes for a
// parity shard) — decompression, where applicable, is the caller's job.
func (e *Engine) _downloadChunkBasic(ctx context.Context, indexID identifier.IndexID, replication uint32) ([]byte, error) {
	locator := e.gen.DeriveLocator(indexID, replication)

	svc, release, err := e.pool.AcquireDownload(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := transport.EnsureConnected(ctx, svc); err != nil {
		return nil, err
	}

	body, err := svc.GetBody(ctx, locator[:])
	if err != nil {
		if errors.Is(err, vaulterr.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", vaulterr.ErrTransport, err)
	}
	atomic.AddInt64(&e.stats.TransportFetches, 1)

	return segment.DecodeToCompressed(body, e.cfg.SegmentSize, e.crypt, locator[:])
}

// repairChunk reconstructs the chunk described by row from its parity
// relation group, verifying the recovered plaintext against row's
// plain-hash before returning it.
func (e *Engine) repairChunk(ctx context.Context, row *catalog.Assurance) ([]byte, error) {
	rels, err := e.cat.GetParityRelationsForHash(row.PlainHash)
	if err != nil {
		return nil, err
	}
	if len(rels) == 0 {
		return nil, fmt.Errorf("%w: no parity relation recorded for hash %s", vaulterr.ErrNotEnoughParity, row.PlainHash)
	}

	var dataRels, parityRels []catalog.ParityRelationRow
	for _, r := range rels {
		if r.IsParity {
			parityRels = append(parityRels, r)
		} else {
			dataRels = append(dataRels, r)
		}
	}

	oursIdx := -1
	dataInfo := make([]parity.ShardInfo, len(dataRels))
	for i, r := range dataRels {
		if r.PlainHash == row.PlainHash {
			oursIdx = i
		}
		if dataInfo[i], err = e.fetchMemberShard(ctx, r); err != nil {
			return nil, err
		}
	}
	parityInfo := make([]parity.ShardInfo, len(parityRels))
	for i, r := range parityRels {
		if parityInfo[i], err = e.fetchMemberShard(ctx, r); err != nil {
			return nil, err
		}
	}
	if oursIdx < 0 {
		return nil, fmt.Errorf("%w: requested hash not a member of its own parity relation", vaulterr.ErrNotEnoughParity)
	}

	if err := parity.RepairWithParity(dataInfo, parityInfo); err != nil {
		return nil, err
	}

	plain, err := segment.Decompress(dataInfo[oursIdx].Data)
	if err != nil {
		return nil, fmt.Errorf("%w: repaired chunk failed to decompress: %v", vaulterr.ErrNotEnoughParity, err)
	}
	if vaultcrypto.HashBytes(plain) != row.PlainHash {
		return nil, fmt.Errorf("%w: repaired chunk hash mismatch", vaulterr.ErrNotEnoughParity)
	}
	return plain, nil
}

// fetchMemberShard obtains one parity relation member's shard bytes in
// the compressed/raw domain RepairWithParity needs. It prefers a
// still-present tmp-data-compressed payload (only possible for a data
// member whose collection hasn't finished closing), falling back to a
// direct transport fetch. A TransportError aborts the whole repair; any
// other failure marks the shard Broken, matching the degrade-to-Broken
// propagation policy for non-TransportError failures.
func (e *Engine) fetchMemberShard(ctx context.Context, row catalog.ParityRelationRow) (parity.ShardInfo, error) {
	if !row.IsParity && row.TmpDataCompressed != nil {
		return parity.ShardInfo{Data: row.TmpDataCompressed, RealLength: len(row.TmpDataCompressed)}, nil
	}

	indexID := e.gen.RawOrParityID(row.PlainHash)
	assur, err := e.cat.FindMatchingSegmentInAssurancesByIndexId(indexID[:])
	if err != nil || assur == nil {
		return parity.ShardInfo{Broken: true}, nil
	}

	payload, err := e._downloadChunkBasic(ctx, indexID, assur.Replication)
	if errors.Is(err, vaulterr.ErrTransport) {
		return parity.ShardInfo{}, err
	}
	if err != nil {
		return parity.ShardInfo{Broken: true, RealLength: int(assur.Length)}, nil
	}
	return parity.ShardInfo{Data: payload, RealLength: int(assur.Length)}, nil
}
