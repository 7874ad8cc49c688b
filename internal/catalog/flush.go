package catalog

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/deterministic-vault/vault/internal/segment"
)

// pendingAssuranceLogSlot marks an Assurance row that has not yet been
// written to the remote assurance log: its real slot is assigned only
// once NewAggregatedAssuranceSegmentWithFlushState packages it.
const pendingAssuranceLogSlot = ^uint32(0)

func (c *Catalog) scanPendingAssurancesTxn(txn *badger.Txn) ([]Assurance, error) {
	var out []Assurance
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	prefix := []byte(prefixAssuranceByID)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var a Assurance
		if err := it.Item().Value(func(val []byte) error { return decode(val, &a) }); err != nil {
			return nil, err
		}
		if a.AssuranceLogSlot == pendingAssuranceLogSlot {
			out = append(out, a)
		}
	}
	return out, nil
}

func (c *Catalog) scanPendingParityRelationsTxn(txn *badger.Txn) ([]ParityRelationRow, error) {
	var out []ParityRelationRow
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	prefix := []byte(prefixParityRow)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var row ParityRelationRow
		if err := it.Item().Value(func(val []byte) error { return decode(val, &row) }); err != nil {
			return nil, err
		}
		if row.Closed && !row.Flushed {
			row.TmpDataCompressed = nil
			out = append(out, row)
		}
	}
	return out, nil
}

// MarkAssurancesFlushed assigns real assurance log slots
// (startSlot, startSlot+1, ...) to the rows named by indexIDs, in
// order, taking them out of scanPendingAssurancesTxn's results.
func (c *Catalog) MarkAssurancesFlushed(indexIDs [][]byte, startSlot uint32) error {
	return c.db.Update(func(txn *badger.Txn) error {
		for i, id := range indexIDs {
			var a Assurance
			found, err := c.getTxn(txn, assuranceByIDKey(id), &a)
			if err != nil {
				return err
			}
			if !found {
				continue
			}
			a.AssuranceLogSlot = startSlot + uint32(i)
			if err := c.putAssuranceTxn(txn, a); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkParityCollectionFlushed marks every row of collectionID as
// flushed, taking them out of scanPendingParityRelationsTxn's results.
func (c *Catalog) MarkParityCollectionFlushed(collectionID uint64) error {
	return c.db.Update(func(txn *badger.Txn) error {
		rows, err := c.scanParityRowsTxn(txn, collectionID)
		if err != nil {
			return err
		}
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := parityRowPrefix(collectionID)
		seqs := make([][]byte, 0, len(rows))
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			seqs = append(seqs, append([]byte{}, it.Item().Key()...))
		}
		for i, row := range rows {
			row.Flushed = true
			if err := txn.Set(seqs[i], encode(row)); err != nil {
				return err
			}
		}
		return nil
	})
}

// NewAggregatedAssuranceSegmentWithFlushState packages every locally
// known but not-yet-logged assurance row and closed parity relation
// row into one AssuranceSegment, and returns the FlushState to persist
// once the caller has durably written that segment to the remote
// assurance log (via SetFlushState, after advancing
// MinPendingSegmentID/MaxPendingSegmentID and FlushedCount as the
// caller sees fit). It does not itself mutate the catalog.
func (c *Catalog) NewAggregatedAssuranceSegmentWithFlushState() (segment.AssuranceSegment, FlushState, error) {
	var seg segment.AssuranceSegment
	var fs FlushState
	err := c.db.View(func(txn *badger.Txn) error {
		pending, err := c.scanPendingAssurancesTxn(txn)
		if err != nil {
			return err
		}
		for _, a := range pending {
			seg.Entries = append(seg.Entries, segment.AssuranceEntry{
				IndexID:     a.IndexID,
				Replication: a.Replication,
				PlainHash:   a.PlainHash,
				Length:      a.Length,
			})
		}

		rels, err := c.scanPendingParityRelationsTxn(txn)
		if err != nil {
			return err
		}
		for _, row := range rels {
			seg.Relations = append(seg.Relations, segment.ParityRelationEntry{
				CollectionID: row.CollectionID,
				PlainHash:    row.PlainHash,
				IsParity:     row.IsParity,
			})
		}

		fs, err = c.getFlushStateTxn(txn)
		return err
	})
	return seg, fs, err
}
