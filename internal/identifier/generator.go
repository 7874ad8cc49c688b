// Package identifier implements the deterministic derivation of index
// identifiers and transport locators from the vault's master key. A
// client that knows the master key can reconstruct every IndexID and
// Locator a vault has ever used or will ever use, without consulting any
// metadata — this is what lets a fresh client blind-probe the transport
// for the next assurance slot.
package identifier

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/deterministic-vault/vault/internal/vaultcrypto"
)

// IndexID is a fixed-size opaque identifier tagged by semantic role (see
// Generator's constructors below).
type IndexID [sha256.Size]byte

// Locator is the transport-visible address of one replication of an
// IndexID.
type Locator [sha256.Size]byte

// String returns the lowercase hex encoding of id.
func (id IndexID) String() string { return vaultcrypto.Hash(id).String() }

// String returns the lowercase hex encoding of l.
func (l Locator) String() string { return vaultcrypto.Hash(l).String() }

const (
	tagAssurance  = "assurance"
	tagRawParity  = "raw-or-parity"
	tagMetaFile   = "meta-file"
	tagMetaFolder = "meta-folder"
	tagLocator    = "locator"
)

// Generator derives IndexIDs and Locators from a single master key via a
// keyed, collision-resistant function (HMAC-SHA256). Two Generators
// constructed from the same master key produce byte-identical output for
// every input, on any machine, in any process.
type Generator struct {
	masterKey []byte
}

// New constructs a Generator bound to masterKey.
func New(masterKey []byte) *Generator {
	return &Generator{masterKey: append([]byte{}, masterKey...)}
}

func (g *Generator) keyedHash(parts ...[]byte) IndexID {
	mac := hmac.New(sha256.New, g.masterKey)
	for _, p := range parts {
		mac.Write(p)
	}
	var out IndexID
	copy(out[:], mac.Sum(nil))
	return out
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// AssuranceID derives the identifier for the i-th assurance log slot.
func (g *Generator) AssuranceID(i uint32) IndexID {
	return g.keyedHash([]byte(tagAssurance), u32(i))
}

// RawOrParityID derives the identifier for a content-addressed data or
// parity blob with plaintext hash h.
func (g *Generator) RawOrParityID(h vaultcrypto.Hash) IndexID {
	return g.keyedHash([]byte(tagRawParity), h[:])
}

// MetaFileID derives the identifier for the i-th meta record belonging to
// a File path.
func (g *Generator) MetaFileID(i uint32, path string) IndexID {
	return g.keyedHash([]byte(tagMetaFile), u32(i), []byte(path))
}

// MetaFolderID derives the identifier for the i-th meta record belonging
// to a Folder path.
func (g *Generator) MetaFolderID(i uint32, path string) IndexID {
	return g.keyedHash([]byte(tagMetaFolder), u32(i), []byte(path))
}

// DeriveLocator derives the transport address for the given replication
// of id. Different replications of the same IndexID address independent
// copies; different IndexIDs never collide in practice.
func (g *Generator) DeriveLocator(id IndexID, replication uint32) Locator {
	mac := hmac.New(sha256.New, g.masterKey)
	mac.Write([]byte(tagLocator))
	mac.Write(id[:])
	mac.Write(u32(replication))
	var out Locator
	copy(out[:], mac.Sum(nil))
	return out
}
