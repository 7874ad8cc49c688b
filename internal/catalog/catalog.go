package catalog

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"github.com/vmihailenco/msgpack/v5"
)

// Catalog is the local persistent index for one vault.
type Catalog struct {
	db  *badger.DB
	log *logrus.Logger
}

// Open opens (creating if necessary) the badger database at dir.
func Open(dir string, log *logrus.Logger) (*Catalog, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %q: %w", dir, err)
	}
	return &Catalog{db: db, log: log}, nil
}

// Close flushes and closes the underlying database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

// Key layout. Every key is ASCII-prefixed so badger's prefix iterators
// can scan one logical table without touching the others.
const (
	prefixAssuranceByID   = "asr/id/"
	prefixAssuranceByHash = "asr/hash/"
	prefixParityRow       = "prc/row/"
	prefixParityMeta      = "prc/meta/"
	keyParityCurrent      = "prc/current"
	prefixTransient       = "tmc/"
	keyFlushState         = "fls/state"
)

func assuranceByIDKey(indexID []byte) []byte {
	return []byte(prefixAssuranceByID + hex.EncodeToString(indexID))
}

func assuranceByHashKey(h [32]byte) []byte {
	return []byte(prefixAssuranceByHash + hex.EncodeToString(h[:]))
}

func parityRowKey(collectionID uint64, seq uint32) []byte {
	b := make([]byte, 0, len(prefixParityRow)+12)
	b = append(b, prefixParityRow...)
	b = binary.BigEndian.AppendUint64(b, collectionID)
	b = binary.BigEndian.AppendUint32(b, seq)
	return b
}

func parityRowPrefix(collectionID uint64) []byte {
	b := make([]byte, 0, len(prefixParityRow)+8)
	b = append(b, prefixParityRow...)
	b = binary.BigEndian.AppendUint64(b, collectionID)
	return b
}

func parityMetaKey(collectionID uint64) []byte {
	b := make([]byte, 0, len(prefixParityMeta)+8)
	b = append(b, prefixParityMeta...)
	b = binary.BigEndian.AppendUint64(b, collectionID)
	return b
}

// Transient keys end the path with a NUL byte, which no path segment
// contains, so one path's prefix never matches a descendant path's keys.
func transientKey(path string, index uint32) []byte {
	b := []byte(prefixTransient + path + "\x00")
	b = binary.BigEndian.AppendUint32(b, index)
	return b
}

func transientPathPrefix(path string) []byte {
	return []byte(prefixTransient + path + "\x00")
}

func encode(v interface{}) []byte {
	b, err := msgpack.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("catalog: marshal: %v", err))
	}
	return b
}

func decode(b []byte, v interface{}) error {
	return msgpack.Unmarshal(b, v)
}

func (c *Catalog) get(key []byte, v interface{}) (bool, error) {
	var found bool
	err := c.db.View(func(txn *badger.Txn) error {
		var err error
		found, err = c.getTxn(txn, key, v)
		return err
	})
	return found, err
}

func (c *Catalog) getTxn(txn *badger.Txn, key []byte, v interface{}) (bool, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(val []byte) error {
		return decode(val, v)
	})
}
