package catalog

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/deterministic-vault/vault/internal/vaultcrypto"
)

// ParityMeta tracks the open/closed bookkeeping for one collection: how
// many data rows it has accumulated and whether it has been closed (its
// parity shards computed and its rows' temporary payloads released).
type ParityMeta struct {
	CollectionID uint64
	DataCount    int
	Closed       bool
}

func (c *Catalog) getParityMetaTxn(txn *badger.Txn, collectionID uint64) (ParityMeta, bool, error) {
	item, err := txn.Get(parityMetaKey(collectionID))
	if err == badger.ErrKeyNotFound {
		return ParityMeta{CollectionID: collectionID}, false, nil
	}
	if err != nil {
		return ParityMeta{}, false, err
	}
	var meta ParityMeta
	if err := item.Value(func(val []byte) error { return decode(val, &meta) }); err != nil {
		return ParityMeta{}, false, err
	}
	return meta, true, nil
}

func (c *Catalog) putParityMetaTxn(txn *badger.Txn, meta ParityMeta) error {
	return txn.Set(parityMetaKey(meta.CollectionID), encode(meta))
}

func (c *Catalog) currentOpenCollectionTxn(txn *badger.Txn) (uint64, bool, error) {
	item, err := txn.Get([]byte(keyParityCurrent))
	if err == badger.ErrKeyNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	var id uint64
	if err := item.Value(func(val []byte) error { return decode(val, &id) }); err != nil {
		return 0, false, err
	}
	return id, true, nil
}

func (c *Catalog) setCurrentOpenCollectionTxn(txn *badger.Txn, id uint64) error {
	return txn.Set([]byte(keyParityCurrent), encode(id))
}

// enqueueParityDataRowTxn appends a data row (with its compressed
// payload retained) to the currently open collection, opening a new
// collection first if none is open. n is the collection's configured
// data-shard width (ParityDataCount); once the open collection reaches
// n rows it is left for the caller to close explicitly.
func (c *Catalog) enqueueParityDataRowTxn(txn *badger.Txn, plainHash vaultcrypto.Hash, compressed []byte, n int) error {
	collectionID, open, err := c.currentOpenCollectionTxn(txn)
	if err != nil {
		return err
	}
	meta, _, err := c.getParityMetaTxn(txn, collectionID)
	if err != nil {
		return err
	}
	if !open || meta.Closed || meta.DataCount >= n {
		collectionID = nextCollectionID(collectionID, open)
		meta = ParityMeta{CollectionID: collectionID}
		if err := c.setCurrentOpenCollectionTxn(txn, collectionID); err != nil {
			return err
		}
	}

	row := ParityRelationRow{
		CollectionID:      collectionID,
		PlainHash:         plainHash,
		IsParity:          false,
		TmpDataCompressed: compressed,
		Closed:            false,
	}
	if err := txn.Set(parityRowKey(collectionID, uint32(meta.DataCount)), encode(row)); err != nil {
		return err
	}
	meta.DataCount++
	return c.putParityMetaTxn(txn, meta)
}

func nextCollectionID(current uint64, hadOpen bool) uint64 {
	if !hadOpen {
		return 1
	}
	return current + 1
}

func (c *Catalog) restoreParityRelationRowTxn(txn *badger.Txn, row ParityRelationRow) error {
	meta, _, err := c.getParityMetaTxn(txn, row.CollectionID)
	if err != nil {
		return err
	}
	seq := uint32(meta.DataCount)
	if row.IsParity {
		// parity rows live past the data-row sequence space, each after
		// the parity rows already restored for this collection
		for seq = uint32(1 << 31); ; seq++ {
			_, err := txn.Get(parityRowKey(row.CollectionID, seq))
			if err == badger.ErrKeyNotFound {
				break
			}
			if err != nil {
				return err
			}
		}
	} else {
		meta.DataCount++
	}
	if err := txn.Set(parityRowKey(row.CollectionID, seq), encode(row)); err != nil {
		return err
	}
	if row.Closed {
		meta.Closed = true
	}
	return c.putParityMetaTxn(txn, meta)
}

// GetProcessingParityRelations returns every row of the currently open
// (not yet closed) collection, in insertion order, plus that
// collection's ID. ok is false if no collection is open.
func (c *Catalog) GetProcessingParityRelations() (collectionID uint64, rows []ParityRelationRow, ok bool, err error) {
	err = c.db.View(func(txn *badger.Txn) error {
		id, open, e := c.currentOpenCollectionTxn(txn)
		if e != nil {
			return e
		}
		if !open {
			return nil
		}
		meta, _, e := c.getParityMetaTxn(txn, id)
		if e != nil {
			return e
		}
		if meta.Closed {
			return nil
		}
		collectionID = id
		ok = true
		rows, e = c.scanParityRowsTxn(txn, id)
		return e
	})
	return
}

func (c *Catalog) scanParityRowsTxn(txn *badger.Txn, collectionID uint64) ([]ParityRelationRow, error) {
	var rows []ParityRelationRow
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	prefix := parityRowPrefix(collectionID)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var row ParityRelationRow
		if err := it.Item().Value(func(val []byte) error { return decode(val, &row) }); err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// ForceParityProcessingState closes the currently open collection
// regardless of how many data rows it holds, so the caller can pad it
// out to its configured width and compute parity early (used when a
// flush deadline is reached before ParityDataCount rows accumulate).
func (c *Catalog) ForceParityProcessingState() (collectionID uint64, rows []ParityRelationRow, ok bool, err error) {
	collectionID, rows, ok, err = c.GetProcessingParityRelations()
	if err != nil || !ok {
		return
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		meta, _, e := c.getParityMetaTxn(txn, collectionID)
		if e != nil {
			return e
		}
		meta.Closed = true
		return c.putParityMetaTxn(txn, meta)
	})
	return
}

// CloseParityRelations writes parityRows (the computed parity shards)
// into collectionID, clears every data row's temporary compressed
// payload, and marks the collection closed.
func (c *Catalog) CloseParityRelations(collectionID uint64, parityRows []ParityRelationRow) error {
	return c.db.Update(func(txn *badger.Txn) error {
		rows, err := c.scanParityRowsTxn(txn, collectionID)
		if err != nil {
			return err
		}
		for i, row := range rows {
			row.TmpDataCompressed = nil
			row.Closed = true
			if err := txn.Set(parityRowKey(collectionID, uint32(i)), encode(row)); err != nil {
				return err
			}
		}
		for i, p := range parityRows {
			p.CollectionID = collectionID
			p.IsParity = true
			p.TmpDataCompressed = nil
			p.Closed = true
			seq := uint32(1<<31) | uint32(i)
			if err := txn.Set(parityRowKey(collectionID, seq), encode(p)); err != nil {
				return err
			}
		}
		meta, _, err := c.getParityMetaTxn(txn, collectionID)
		if err != nil {
			return err
		}
		meta.Closed = true
		return c.putParityMetaTxn(txn, meta)
	})
}

// FindParityRelationRowByHash scans every collection for the row
// matching plainHash. At most one row can match, since a deduplicated
// payload belongs to exactly one collection. Returns ok=false if
// plainHash isn't part of any parity relation (it may not have been
// flushed into one yet).
func (c *Catalog) FindParityRelationRowByHash(plainHash vaultcrypto.Hash) (row ParityRelationRow, ok bool, err error) {
	err = c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixParityRow)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var r ParityRelationRow
			if err := it.Item().Value(func(val []byte) error { return decode(val, &r) }); err != nil {
				return err
			}
			if r.PlainHash == plainHash {
				row, ok = r, true
				return nil
			}
		}
		return nil
	})
	return
}

// GetParityRelationsForHash returns every row sharing plainHash's parity
// collection — every data and parity member it was striped with — so a
// caller can reconstruct any one member from the others.
func (c *Catalog) GetParityRelationsForHash(plainHash vaultcrypto.Hash) ([]ParityRelationRow, error) {
	own, ok, err := c.FindParityRelationRowByHash(plainHash)
	if err != nil || !ok {
		return nil, err
	}
	var out []ParityRelationRow
	err = c.db.View(func(txn *badger.Txn) error {
		out, err = c.scanParityRowsTxn(txn, own.CollectionID)
		return err
	})
	return out, err
}
