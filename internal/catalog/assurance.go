package catalog

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/deterministic-vault/vault/internal/segment"
	"github.com/deterministic-vault/vault/internal/vaultcrypto"
)

// FindMatchingSegmentInAssurancesByIndexId returns the Assurance row for
// indexID, or (nil, nil) if none exists.
func (c *Catalog) FindMatchingSegmentInAssurancesByIndexId(indexID []byte) (*Assurance, error) {
	var a Assurance
	found, err := c.get(assuranceByIDKey(indexID), &a)
	if err != nil || !found {
		return nil, err
	}
	return &a, nil
}

// FindMatchingSegmentInAssurancesByPlainHash returns an Assurance row
// carrying plainHash, or (nil, nil) if none exists.
func (c *Catalog) FindMatchingSegmentInAssurancesByPlainHash(plainHash vaultcrypto.Hash) (*Assurance, error) {
	var indexID []byte
	found, err := c.get(assuranceByHashKey(plainHash), &indexID)
	if err != nil || !found {
		return nil, err
	}
	return c.FindMatchingSegmentInAssurancesByIndexId(indexID)
}

func (c *Catalog) putAssuranceTxn(txn *badger.Txn, a Assurance) error {
	if err := txn.Set(assuranceByIDKey(a.IndexID), encode(a)); err != nil {
		return err
	}
	return txn.Set(assuranceByHashKey(a.PlainHash), encode(a.IndexID))
}

// AddNewAssurance records a new assurance row for a parity blob (no
// compressed payload is retained). The row is marked pending until the
// next flush assigns it a real assurance log slot.
func (c *Catalog) AddNewAssurance(indexID []byte, replication uint32, plainHash vaultcrypto.Hash, length uint32) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return c.putAssuranceTxn(txn, Assurance{
			IndexID:          indexID,
			Replication:      replication,
			PlainHash:        plainHash,
			Length:           length,
			AssuranceLogSlot: pendingAssuranceLogSlot,
		})
	})
}

// AddNewAssuranceAndTmpData records a new assurance row for a data blob
// and enqueues a pending ParityRelation row holding the compressed
// payload until its collection closes. Both writes happen in a single
// transaction.
func (c *Catalog) AddNewAssuranceAndTmpData(indexID []byte, replication uint32, plainHash vaultcrypto.Hash, length uint32, compressed []byte, n int) error {
	return c.db.Update(func(txn *badger.Txn) error {
		if err := c.putAssuranceTxn(txn, Assurance{
			IndexID:          indexID,
			Replication:      replication,
			PlainHash:        plainHash,
			Length:           length,
			AssuranceLogSlot: pendingAssuranceLogSlot,
		}); err != nil {
			return err
		}
		return c.enqueueParityDataRowTxn(txn, plainHash, compressed, n)
	})
}

// AddFetchedAssurances inserts every entry and relation of segs, which
// were fetched starting at assurance log slot startSlot. slotCounts[i]
// is the number of consecutive physical slots segs[i] occupied (more
// than one when a single flush spanned multiple slots); segs[i] is
// recorded under slot startSlot+sum(slotCounts[:i]).
func (c *Catalog) AddFetchedAssurances(segs []segment.AssuranceSegment, startSlot uint32, slotCounts []uint32) error {
	return c.db.Update(func(txn *badger.Txn) error {
		slot := startSlot
		for i, seg := range segs {
			for _, e := range seg.Entries {
				if err := c.putAssuranceTxn(txn, Assurance{
					IndexID:          e.IndexID,
					Replication:      e.Replication,
					PlainHash:        e.PlainHash,
					Length:           e.Length,
					AssuranceLogSlot: slot,
				}); err != nil {
					return err
				}
			}
			for _, rel := range seg.Relations {
				row := ParityRelationRow{
					CollectionID: rel.CollectionID,
					PlainHash:    rel.PlainHash,
					IsParity:     rel.IsParity,
				}
				if err := c.restoreParityRelationRowTxn(txn, row); err != nil {
					return err
				}
			}
			slot += slotCounts[i]
		}
		return c.setLastFetchedAssuranceIDTxn(txn, int64(slot)-1)
	})
}

// SetAllAssurancesFetched marks the assurance log as fully scanned.
func (c *Catalog) SetAllAssurancesFetched() error {
	return c.db.Update(func(txn *badger.Txn) error {
		fs, err := c.getFlushStateTxn(txn)
		if err != nil {
			return err
		}
		fs.AllAssurancesFetched = true
		return c.putFlushStateTxn(txn, fs)
	})
}

// GetAllAssurancesFetched reports whether the assurance log has been
// fully scanned at least once.
func (c *Catalog) GetAllAssurancesFetched() (bool, error) {
	var fs FlushState
	found, err := c.get([]byte(keyFlushState), &fs)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return fs.AllAssurancesFetched, nil
}

// LastFetchedAssuranceID returns the highest assurance slot known
// locally, or -1 if none has been fetched or written yet.
func (c *Catalog) LastFetchedAssuranceID() (int64, error) {
	var fs FlushState
	found, err := c.get([]byte(keyFlushState), &fs)
	if err != nil {
		return -1, err
	}
	if !found {
		return -1, nil
	}
	return fs.LastFetchedAssuranceID, nil
}

func (c *Catalog) setLastFetchedAssuranceIDTxn(txn *badger.Txn, id int64) error {
	fs, err := c.getFlushStateTxn(txn)
	if err != nil {
		return err
	}
	if id > fs.LastFetchedAssuranceID {
		fs.LastFetchedAssuranceID = id
	}
	return c.putFlushStateTxn(txn, fs)
}

func (c *Catalog) getFlushStateTxn(txn *badger.Txn) (FlushState, error) {
	item, err := txn.Get([]byte(keyFlushState))
	if err == badger.ErrKeyNotFound {
		return FlushState{LastFetchedAssuranceID: -1}, nil
	}
	if err != nil {
		return FlushState{}, err
	}
	var fs FlushState
	if err := item.Value(func(val []byte) error { return decode(val, &fs) }); err != nil {
		return FlushState{}, err
	}
	return fs, nil
}

func (c *Catalog) putFlushStateTxn(txn *badger.Txn, fs FlushState) error {
	return txn.Set([]byte(keyFlushState), encode(fs))
}

// GetFlushState returns the current flush bookkeeping record.
func (c *Catalog) GetFlushState() (FlushState, error) {
	var fs FlushState
	found, err := c.get([]byte(keyFlushState), &fs)
	if err != nil {
		return FlushState{}, err
	}
	if !found {
		return FlushState{LastFetchedAssuranceID: -1}, nil
	}
	return fs, nil
}

// SetFlushState overwrites the flush bookkeeping record.
func (c *Catalog) SetFlushState(fs FlushState) error {
	return c.db.Update(func(txn *badger.Txn) error {
		return c.putFlushStateTxn(txn, fs)
	})
}

// IncrementFlushedCount atomically bumps FlushState.FlushedCount by one.
func (c *Catalog) IncrementFlushedCount() error {
	return c.db.Update(func(txn *badger.Txn) error {
		fs, err := c.getFlushStateTxn(txn)
		if err != nil {
			return err
		}
		fs.FlushedCount++
		return c.putFlushStateTxn(txn, fs)
	})
}

// ResetFlushAggregation clears FlushedCount and the pending segment
// range once an aggregation has been fully written to the assurance log.
func (c *Catalog) ResetFlushAggregation() error {
	return c.db.Update(func(txn *badger.Txn) error {
		fs, err := c.getFlushStateTxn(txn)
		if err != nil {
			return err
		}
		fs.FlushedCount = 0
		fs.MinPendingSegmentID = 0
		fs.MaxPendingSegmentID = 0
		return c.putFlushStateTxn(txn, fs)
	})
}
