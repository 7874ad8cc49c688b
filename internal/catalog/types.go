// Package catalog implements the vault's local persistent index: the
// authoritative mirror of what is known to exist on the transport
// (Assurances), the pending/closed parity relation groups
// (ParityRelationCollections), the not-yet-flushed meta commands
// (TransientMetaCache), and the assurance-log scan/flush bookkeeping
// (FlushState).
//
// Storage is github.com/dgraph-io/badger/v4, one database per vault
// directory (named by the vault's PublicHash), matching the teacher's own
// badger-backed key/value store.
package catalog

import "github.com/deterministic-vault/vault/internal/vaultcrypto"

// Assurance is the authoritative local record that a blob exists
// remotely: spec.md §3's Assurances table row.
type Assurance struct {
	IndexID          []byte
	Replication      uint32
	PlainHash        vaultcrypto.Hash
	Length           uint32
	AssuranceLogSlot uint32
}

// ParityRelationRow is one member of a parity relation collection: a
// data or parity shard sharing CollectionID with N+M-1 siblings.
// TmpDataCompressed holds the compressed payload for a data row until the
// collection closes, at which point it is cleared.
type ParityRelationRow struct {
	CollectionID      uint64
	PlainHash         vaultcrypto.Hash
	IsParity          bool
	TmpDataCompressed []byte
	Closed            bool
	Flushed           bool
}

// MetaType distinguishes the two disjoint meta namespaces.
type MetaType uint8

const (
	// MetaTypeUnknown means the path has no commands in either store.
	MetaTypeUnknown MetaType = iota
	MetaTypeFile
	MetaTypeFolder
)

// TransientCommand is a meta command not yet migrated to the meta log,
// keyed by path and ordered by Index within that path.
type TransientCommand struct {
	Path  string
	Index uint32
	IsNew bool
	Type  MetaType

	// Command payload, mirroring segment.Command.
	Kind  uint8
	Name  string
	Size  uint64
	Hash  vaultcrypto.Hash
	Start uint64
}

// FlushState tracks how far the local aggregation of unflushed
// assurances has progressed toward the assurance log.
type FlushState struct {
	LastFetchedAssuranceID int64 // -1 means nothing fetched yet
	AllAssurancesFetched   bool
	MinPendingSegmentID    uint32
	MaxPendingSegmentID    uint32
	FlushedCount           uint32
}
