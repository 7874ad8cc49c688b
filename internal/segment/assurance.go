package segment

import (
	"fmt"

	"github.com/deterministic-vault/vault/internal/vaultcrypto"
	"github.com/deterministic-vault/vault/internal/vaulterr"
)

// AssuranceEntry records one known-stored blob: its IndexID, the
// replication index it was confirmed at, the plaintext hash, and the
// stored (pre-encryption, post-compression) length.
type AssuranceEntry struct {
	IndexID     []byte
	Replication uint32
	PlainHash   vaultcrypto.Hash
	Length      uint32
}

// ParityRelationEntry names one member of a parity relation group: the
// plaintext hash it covers and whether that member is a parity shard
// rather than a data shard.
type ParityRelationEntry struct {
	CollectionID uint64
	PlainHash    vaultcrypto.Hash
	IsParity     bool
}

// AssuranceSegment is the decoded contents of one assurance log slot: the
// list of blobs known to exist plus the parity relation memberships
// recorded alongside them.
type AssuranceSegment struct {
	Entries   []AssuranceEntry
	Relations []ParityRelationEntry
}

// Encode serializes s into a single wire-stable byte string. Callers
// split the result with FrameForSlots when it exceeds one segment's
// plaintext budget.
func (s AssuranceSegment) Encode() []byte {
	w := &writer{}
	w.u32(uint32(len(s.Entries)))
	for _, e := range s.Entries {
		w.bytes(e.IndexID)
		w.u32(e.Replication)
		w.bytes(e.PlainHash[:])
		w.u32(e.Length)
	}
	w.u32(uint32(len(s.Relations)))
	for _, r := range s.Relations {
		w.u64(r.CollectionID)
		w.bytes(r.PlainHash[:])
		if r.IsParity {
			w.u8(1)
		} else {
			w.u8(0)
		}
	}
	return w.bytesField()
}

// DecodeAssuranceSegment parses bytes previously produced by Encode
// (after reassembling any FrameForSlots split with FrameGatherer).
func DecodeAssuranceSegment(data []byte) (AssuranceSegment, error) {
	r := newReader(data)

	entryCount, err := r.u32()
	if err != nil {
		return AssuranceSegment{}, err
	}
	entries := make([]AssuranceEntry, 0, entryCount)
	for i := uint32(0); i < entryCount; i++ {
		idxID, err := r.bytes()
		if err != nil {
			return AssuranceSegment{}, err
		}
		repl, err := r.u32()
		if err != nil {
			return AssuranceSegment{}, err
		}
		ph, err := r.bytes()
		if err != nil {
			return AssuranceSegment{}, err
		}
		if len(ph) != len(vaultcrypto.Hash{}) {
			return AssuranceSegment{}, fmt.Errorf("%w: bad plain hash length", vaulterr.ErrInvalidFormat)
		}
		length, err := r.u32()
		if err != nil {
			return AssuranceSegment{}, err
		}
		var hv vaultcrypto.Hash
		copy(hv[:], ph)
		entries = append(entries, AssuranceEntry{
			IndexID:     append([]byte{}, idxID...),
			Replication: repl,
			PlainHash:   hv,
			Length:      length,
		})
	}

	relCount, err := r.u32()
	if err != nil {
		return AssuranceSegment{}, err
	}
	relations := make([]ParityRelationEntry, 0, relCount)
	for i := uint32(0); i < relCount; i++ {
		cid, err := r.u64()
		if err != nil {
			return AssuranceSegment{}, err
		}
		ph, err := r.bytes()
		if err != nil {
			return AssuranceSegment{}, err
		}
		if len(ph) != len(vaultcrypto.Hash{}) {
			return AssuranceSegment{}, fmt.Errorf("%w: bad plain hash length", vaulterr.ErrInvalidFormat)
		}
		isParityByte, err := r.u8()
		if err != nil {
			return AssuranceSegment{}, err
		}
		var hv vaultcrypto.Hash
		copy(hv[:], ph)
		relations = append(relations, ParityRelationEntry{
			CollectionID: cid,
			PlainHash:    hv,
			IsParity:     isParityByte != 0,
		})
	}

	if !r.done() {
		return AssuranceSegment{}, fmt.Errorf("%w: trailing bytes in assurance segment", vaulterr.ErrInvalidFormat)
	}

	return AssuranceSegment{Entries: entries, Relations: relations}, nil
}
