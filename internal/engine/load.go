package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/deterministic-vault/vault/internal/segment"
	"github.com/deterministic-vault/vault/internal/vaulterr"
)

// Load scans the remote assurance log from the last locally known slot
// forward, stopping at the first slot with no decodable replication.
// A FlushAssurances call may have spread one logical AssuranceSegment
// across several consecutive slots, so each record is reassembled via
// FrameGatherer before it is decoded. Safe to call repeatedly; a no-op
// once the log has been fully scanned.
func (e *Engine) Load(ctx context.Context) error {
	unlock := e.lockParity()
	defer unlock()

	fetched, err := e.cat.GetAllAssurancesFetched()
	if err != nil || fetched {
		return err
	}

	lastID, err := e.cat.LastFetchedAssuranceID()
	if err != nil {
		return err
	}
	nextSlot := uint32(lastID + 1)

	for {
		startSlot := nextSlot
		var gatherer segment.FrameGatherer
		consumed := uint32(0)

		for {
			body, found, err := e.fetchAssuranceSlotBody(ctx, nextSlot)
			if err != nil {
				return err
			}
			if !found {
				if consumed > 0 {
					return fmt.Errorf("%w: assurance record starting at slot %d truncated after %d slot(s)", vaulterr.ErrInvalidFormat, startSlot, consumed)
				}
				return e.cat.SetAllAssurancesFetched()
			}
			gatherer.Feed(body)
			nextSlot++
			consumed++
			if gatherer.Done() {
				break
			}
		}

		seg, err := segment.DecodeAssuranceSegment(gatherer.Record())
		if err != nil {
			return err
		}
		if err := e.cat.AddFetchedAssurances([]segment.AssuranceSegment{seg}, startSlot, []uint32{consumed}); err != nil {
			return err
		}
	}
}

// fetchAssuranceSlotBody tries every replication of slot, returning the
// first one that decrypts and decompresses cleanly. The returned bytes
// are one raw FrameForSlots part, not yet known to decode as a complete
// AssuranceSegment on its own. TransportError aborts immediately; any
// other per-replication failure is treated as that replication missing
// and the next is tried.
func (e *Engine) fetchAssuranceSlotBody(ctx context.Context, slot uint32) ([]byte, bool, error) {
	indexID := e.gen.AssuranceID(slot)
	for r := 0; r < e.cfg.AssuranceReplicationSearchCount; r++ {
		body, err := e._downloadChunkBasic(ctx, indexID, uint32(r))
		if err != nil {
			if errors.Is(err, vaulterr.ErrTransport) {
				return nil, false, err
			}
			continue
		}
		plain, err := segment.Decompress(body)
		if err != nil {
			continue
		}
		return plain, true, nil
	}
	return nil, false, nil
}
