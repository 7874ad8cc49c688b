package catalog

import (
	"github.com/dgraph-io/badger/v4"
)

// CommandsInTransientCache returns every not-yet-flushed command queued
// for path, in Index order.
func (c *Catalog) CommandsInTransientCache(path string) ([]TransientCommand, error) {
	var out []TransientCommand
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := transientPathPrefix(path)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var cmd TransientCommand
			if err := it.Item().Value(func(val []byte) error { return decode(val, &cmd) }); err != nil {
				return err
			}
			out = append(out, cmd)
		}
		return nil
	})
	return out, err
}

// MetaTypeAtPathInTransientCache reports whether path currently has
// pending file or folder commands queued, or MetaTypeUnknown if none.
func (c *Catalog) MetaTypeAtPathInTransientCache(path string) (MetaType, error) {
	cmds, err := c.CommandsInTransientCache(path)
	if err != nil {
		return MetaTypeUnknown, err
	}
	if len(cmds) == 0 {
		return MetaTypeUnknown, nil
	}
	return cmds[0].Type, nil
}

// AddCommandsToTransientCache appends cmds to path's pending queue,
// assigning each the next available Index.
func (c *Catalog) AddCommandsToTransientCache(path string, cmds []TransientCommand) error {
	return c.db.Update(func(txn *badger.Txn) error {
		next, err := c.nextTransientIndexTxn(txn, path)
		if err != nil {
			return err
		}
		for _, cmd := range cmds {
			cmd.Path = path
			cmd.Index = next
			next++
			if err := txn.Set(transientKey(path, cmd.Index), encode(cmd)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Catalog) nextTransientIndexTxn(txn *badger.Txn, path string) (uint32, error) {
	it := txn.NewIterator(badger.IteratorOptions{Reverse: true})
	defer it.Close()
	prefix := transientPathPrefix(path)
	seekKey := append(append([]byte{}, prefix...), 0xff, 0xff, 0xff, 0xff)
	it.Seek(seekKey)
	if it.ValidForPrefix(prefix) {
		var cmd TransientCommand
		if err := it.Item().Value(func(val []byte) error { return decode(val, &cmd) }); err != nil {
			return 0, err
		}
		return cmd.Index + 1, nil
	}
	return 0, nil
}

// ListTransientPaths returns every distinct path with at least one
// pending transient command, in no particular order.
func (c *Catalog) ListTransientPaths() ([]string, error) {
	seen := map[string]bool{}
	var out []string
	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(prefixTransient)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var cmd TransientCommand
			if err := it.Item().Value(func(val []byte) error { return decode(val, &cmd) }); err != nil {
				return err
			}
			if !seen[cmd.Path] {
				seen[cmd.Path] = true
				out = append(out, cmd.Path)
			}
		}
		return nil
	})
	return out, err
}

// CommandsFlushedForPath removes path's entire pending queue, called
// once its commands have been durably written to the meta log.
func (c *Catalog) CommandsFlushedForPath(path string) error {
	return c.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		prefix := transientPathPrefix(path)
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, append([]byte{}, it.Item().Key()...))
		}
		it.Close()
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
