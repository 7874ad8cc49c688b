// Package chunker splits an input byte stream into content-defined
// pieces using a Buzhash rolling checksum, so that a small edit to a
// large file changes only the chunks touching the edit instead of every
// chunk after it. This sits in front of the segment/parity pipeline:
// each chunk becomes one deduplicated blob keyed by its plaintext hash.
package chunker

import (
	"bytes"
	"fmt"
	"io"

	boxochunker "github.com/ipfs/boxo/chunker"

	"github.com/deterministic-vault/vault/internal/vaultcrypto"
)

// Chunk is one content-defined piece of an input stream.
type Chunk struct {
	Hash vaultcrypto.Hash
	Data []byte
}

// SplitBytes chunks data in memory.
func SplitBytes(data []byte) ([]Chunk, error) {
	return SplitReader(bytes.NewReader(data))
}

// SplitReader chunks r using Buzhash boundaries. A boundary is chosen
// from the rolling hash of the content, within the chunker's minimum and
// maximum chunk sizes counted from the previous boundary, so identical
// input always yields identical chunks, and a shared run of bytes usually
// re-synchronizes to the same boundaries and deduplication keys.
func SplitReader(r io.Reader) ([]Chunk, error) {
	bz := boxochunker.NewBuzhash(r)

	var chunks []Chunk
	for {
		data, err := bz.NextBytes()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return nil, fmt.Errorf("chunker: read chunk: %w", err)
		}
		chunks = append(chunks, Chunk{
			Hash: vaultcrypto.HashBytes(data),
			Data: data,
		})
	}
}
