// Package segment implements the OverallSegment wire codec
// (compress -> frame -> pad -> encrypt) and the two concrete record
// formats carried inside it: AssuranceSegment and MetaSegment.
//
// Codec mirrors the chain-of-transforms idiom used elsewhere in the
// ambient stack: each stage exposes Encode/Decode and DecodeSegment runs
// the stages in reverse order of EncodeSegment.
package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/deterministic-vault/vault/internal/vaultcrypto"
	"github.com/deterministic-vault/vault/internal/vaulterr"
	"github.com/klauspost/compress/zstd"
)

// Codec is a single reversible byte-slice transform.
type Codec interface {
	Encode(data []byte) ([]byte, error)
	Decode(data []byte) ([]byte, error)
}

type zstdCodec struct{}

func (zstdCodec) Encode(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (zstdCodec) Decode(data []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// padCodec frames data as a 4-byte little-endian length prefix followed
// by data, zero-padded up to size. Decode reads the prefix and returns
// exactly that many bytes, discarding the pad.
type padCodec struct {
	size int
}

func (p padCodec) Encode(data []byte) ([]byte, error) {
	if len(data)+4 > p.size {
		return nil, fmt.Errorf("segment: frame %d bytes exceeds segment size %d", len(data), p.size)
	}
	out := make([]byte, p.size)
	binary.LittleEndian.PutUint32(out[:4], uint32(len(data)))
	copy(out[4:], data)
	return out, nil
}

func (p padCodec) Decode(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: padded segment too short", vaulterr.ErrInvalidFormat)
	}
	n := binary.LittleEndian.Uint32(data[:4])
	if int(n)+4 > len(data) {
		return nil, fmt.Errorf("%w: padded segment length field out of range", vaulterr.ErrInvalidFormat)
	}
	return data[4 : 4+n], nil
}

// Compress runs the segment codec's compression stage alone. The parity
// subsystem stripes over compressed-but-not-yet-encrypted payloads, so
// catalog rows can retain just this stage's output until their parity
// collection closes.
func Compress(plain []byte) ([]byte, error) {
	out, err := (zstdCodec{}).Encode(plain)
	if err != nil {
		return nil, fmt.Errorf("segment: compress: %w", err)
	}
	return out, nil
}

// Decompress reverses Compress.
func Decompress(compressed []byte) ([]byte, error) {
	out, err := (zstdCodec{}).Decode(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %v", vaulterr.ErrInvalidFormat, err)
	}
	return out, nil
}

// EncodeCompressed runs the frame+pad+encrypt stages over an
// already-compressed payload, used to upload a parity shard recovered
// from (or computed over) tmp-data-compressed bytes without
// recompressing it.
func EncodeCompressed(compressed []byte, segmentSize int, crypt *vaultcrypto.Crypt, locator []byte) ([]byte, error) {
	padded, err := (padCodec{size: segmentSize}).Encode(compressed)
	if err != nil {
		return nil, fmt.Errorf("segment: pad: %w", err)
	}
	ciphertext, err := crypt.Seal(locator, padded)
	if err != nil {
		return nil, fmt.Errorf("segment: encrypt: %w", err)
	}
	return ciphertext, nil
}

// DecodeToCompressed reverses EncodeCompressed: decrypt and unpad, but
// stops short of decompressing.
func DecodeToCompressed(ciphertext []byte, segmentSize int, crypt *vaultcrypto.Crypt, locator []byte) ([]byte, error) {
	padded, err := crypt.Open(locator, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", vaulterr.ErrDecryption, err)
	}
	compressed, err := (padCodec{size: segmentSize}).Decode(padded)
	if err != nil {
		return nil, err
	}
	return compressed, nil
}

// EncodeSegment runs the OverallSegment pipeline: compress, frame+pad to
// exactly segmentSize, then encrypt for locator. The result is what gets
// handed to the transport.
func EncodeSegment(plain []byte, segmentSize int, crypt *vaultcrypto.Crypt, locator []byte) ([]byte, error) {
	compressed, err := Compress(plain)
	if err != nil {
		return nil, err
	}
	return EncodeCompressed(compressed, segmentSize, crypt, locator)
}

// DecodeSegment reverses EncodeSegment: decrypt, unpad, decompress.
func DecodeSegment(ciphertext []byte, segmentSize int, crypt *vaultcrypto.Crypt, locator []byte) ([]byte, error) {
	compressed, err := DecodeToCompressed(ciphertext, segmentSize, crypt, locator)
	if err != nil {
		return nil, err
	}
	return Decompress(compressed)
}
