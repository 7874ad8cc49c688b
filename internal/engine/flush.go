package engine

import (
	"context"
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

// flushParity checks the currently open parity collection and, if it has
// reached ParityDataCount rows (or force is set, regardless of width),
// computes and uploads its parity shards and closes it. A no-op if no
// collection is open or (absent force) it isn't full yet.
func (e *Engine) flushParity(ctx context.Context, force bool) error {
	unlock := e.lockParity()
	defer unlock()

	var (
		collectionID uint64
		rows         []catalog.ParityRelationRow
		ok           bool
		err          error
	)
	if force {
		collectionID, rows, ok, err = e.cat.ForceParityProcessingState()
	} else {
		collectionID, rows, ok, err = e.cat.GetProcessingParityRelations()
		if err == nil && ok && len(rows) < e.cfg.ParityDataCount {
			return nil
		}
	}
	if err != nil {
		return err
	}
	if !ok || len(rows) == 0 {
		return nil
	}

	var parityRows []catalog.ParityRelationRow
	if e.cfg.ParityCount > 0 {
		data := make([][]byte, len(rows))
		for i, r := range rows {
			data[i] = r.TmpDataCompressed
		}
		shards, err := parity.CreateParity(data, e.cfg.ParityCount)
		if err != nil {
			return err
		}
		parityRows = make([]catalog.ParityRelationRow, len(shards))
		for i, shard := range shards {
			hash := vaultcrypto.HashBytes(shard)
			parityRows[i] = catalog.ParityRelationRow{PlainHash: hash}
			if err := e.uploadChunk(ctx, shard, hash, true); err != nil {
				return fmt.Errorf("engine: upload parity shard: %w", err)
			}
		}
	}

	if err := e.cat.CloseParityRelations(collectionID, parityRows); err != nil {
		return err
	}
	atomic.AddInt64(&e.stats.ParityCollections, 1)
	return nil
}

// ForceFlushParity closes the currently open parity collection
// regardless of its width, useful before a vault is idled so no chunk is
// left without its configured parity protection.
func (e *Engine) ForceFlushParity(ctx context.Context) error {
	return e.flushParity(ctx, true)
}

// uploadSlotReplicated uploads plain to consecutive replications of a
// fixed IndexID (an assurance-log or meta-log slot, not a
// content-addressed blob), stopping once minReplications have been
// accepted and read back successfully or maxAttempts is exhausted.
// firstReplication is the lowest replication index that succeeded (the
// one subsequently recorded as the slot's Assurance.Replication), or -1
// if none did.
func (e *Engine) uploadSlotReplicated(ctx context.Context, indexID identifier.IndexID, plain []byte, minReplications, maxAttempts int) (firstReplication, confirmed int, err error) {
	firstReplication = -1
	for r := 0; r < maxAttempts && confirmed < minReplications; r++ {
		locator := e.gen.DeriveLocator(indexID, uint32(r))

		ciphertext, err := segment.EncodeSegment(plain, e.cfg.SegmentSize, e.crypt, locator[:])
		if err != nil {
			return firstReplication, confirmed, fmt.Errorf("engine: encode slot segment: %w", err)
		}

		svc, release, err := e.pool.AcquireUpload(ctx)
		if err != nil {
			return firstReplication, confirmed, err
		}
		if err := transport.EnsureConnected(ctx, svc); err != nil {
			release()
			return firstReplication, confirmed, err
		}
		subject, err := randomSubject()
		if err != nil {
			release()
			return firstReplication, confirmed, err
		}
		ok, err := svc.Upload(ctx, transport.Chunk{Locator: locator[:], Subject: subject, Ciphertext: ciphertext})
		release()
		if err != nil {
			return firstReplication, confirmed, fmt.Errorf("%w: %v", vaulterr.ErrTransport, err)
		}
		if !ok {
			continue
		}
		atomic.AddInt64(&e.stats.TransportUploads, 1)

		if body, err := e.readBackSlot(ctx, locator); err != nil || !bytesEqual(body, plain) {
			continue
		}
		if firstReplication < 0 {
			firstReplication = r
		}
		confirmed++
	}
	return firstReplication, confirmed, nil
}

func (e *Engine) readBackSlot(ctx context.Context, locator identifier.Locator) ([]byte, error) {
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
		return nil, err
	}
	atomic.AddInt64(&e.stats.TransportFetches, 1)
	return segment.DecodeSegment(body, e.cfg.SegmentSize, e.crypt, locator[:])
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// FlushAssurances packages every locally known but not-yet-logged
// assurance and closed parity relation into one or more assurance log
// segments and writes them to the next free slots, replicated and
// read-back verified per AssuranceReplicationDefaultCount /
// AssuranceReplicationSearchCount. It is a no-op if nothing is pending.
func (e *Engine) FlushAssurances(ctx context.Context) error {
	unlock := e.lockParity()
	defer unlock()

	seg, fs, err := e.cat.NewAggregatedAssuranceSegmentWithFlushState()
	if err != nil {
		return err
	}
	if len(seg.Entries) == 0 && len(seg.Relations) == 0 {
		return nil
	}

	encoded := seg.Encode()
	maxPart := e.cfg.SegmentSize - 4
	parts := segment.FrameForSlots(encoded, maxPart)

	startSlot := fs.FlushedCount
	if next := uint32(fs.LastFetchedAssuranceID + 1); next > startSlot {
		startSlot = next
	}

	for i, part := range parts {
		slot := startSlot + uint32(i)
		indexID := e.gen.AssuranceID(slot)
		_, confirmed, err := e.uploadSlotReplicated(ctx, indexID, part, e.cfg.AssuranceReplicationDefaultCount, e.cfg.AssuranceReplicationSearchCount)
		if err != nil {
			return err
		}
		if confirmed < e.cfg.AssuranceReplicationDefaultCount {
			return fmt.Errorf("%w: slot %d got %d/%d replications", vaulterr.ErrInsufficientAssuranceReplication, slot, confirmed, e.cfg.AssuranceReplicationDefaultCount)
		}
	}

	indexIDs := make([][]byte, len(seg.Entries))
	for i, en := range seg.Entries {
		indexIDs[i] = en.IndexID
	}
	if err := e.cat.MarkAssurancesFlushed(indexIDs, startSlot); err != nil {
		return err
	}
	for _, rel := range seg.Relations {
		row, ok, err := e.cat.FindParityRelationRowByHash(rel.PlainHash)
		if err != nil {
			return err
		}
		if ok {
			if err := e.cat.MarkParityCollectionFlushed(row.CollectionID); err != nil {
				return err
			}
		}
	}

	fs.FlushedCount = startSlot + uint32(len(parts))
	return e.cat.SetFlushState(fs)
}
