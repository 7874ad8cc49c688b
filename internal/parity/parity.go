// Package parity implements the vault's erasure code: a fixed N-data /
// M-parity Reed-Solomon stripe over byte strings of differing length.
// Inputs are logically padded to the longest input before encoding; the
// same pad-to-max-length convention is used on repair.
package parity

import (
	"bytes"
	"fmt"

	"github.com/deterministic-vault/vault/internal/vaulterr"
	rs "github.com/klauspost/reedsolomon"
)

// ShardInfo describes one member of a stripe during repair. Data is nil
// exactly when Broken is true; RealLength is the shard's true length
// before Reed-Solomon padded it to the stripe's max length.
type ShardInfo struct {
	Data       []byte
	Broken     bool
	RealLength int
}

func maxLen(shards [][]byte) int {
	max := 0
	for _, s := range shards {
		if len(s) > max {
			max = len(s)
		}
	}
	return max
}

func padToMax(shards [][]byte, size int) [][]byte {
	out := make([][]byte, len(shards))
	for i, s := range shards {
		if len(s) == size {
			out[i] = s
			continue
		}
		padded := make([]byte, size)
		copy(padded, s)
		out[i] = padded
	}
	return out
}

// CreateParity produces M parity shards from N data byte strings. All
// inputs are logically padded to the maximum input length before
// encoding; every output shard has that padded length.
func CreateParity(data [][]byte, m int) ([][]byte, error) {
	n := len(data)
	if n == 0 {
		return nil, fmt.Errorf("parity: no data shards provided")
	}
	enc, err := rs.New(n, m)
	if err != nil {
		return nil, fmt.Errorf("parity: new encoder: %w", err)
	}

	size := maxLen(data)
	shards := make([][]byte, n+m)
	padded := padToMax(data, size)
	copy(shards, padded)
	for i := n; i < n+m; i++ {
		shards[i] = make([]byte, size)
	}

	if err := enc.Encode(shards); err != nil {
		return nil, fmt.Errorf("parity: encode: %w", err)
	}

	return shards[n:], nil
}

// RepairWithParity reconstructs missing data and parity shards in place.
// dataInfo and parityInfo together must describe exactly N+M members of
// one stripe, in stripe order (data shards first). Returns
// ErrNotEnoughParity if more than M members are Broken.
func RepairWithParity(dataInfo, parityInfo []ShardInfo) error {
	n := len(dataInfo)
	m := len(parityInfo)
	if n == 0 {
		return fmt.Errorf("parity: no data shards provided")
	}

	broken := 0
	size := 0
	for _, d := range dataInfo {
		if d.Broken {
			broken++
		} else if len(d.Data) > size {
			size = len(d.Data)
		}
	}
	for _, p := range parityInfo {
		if p.Broken {
			broken++
		} else if len(p.Data) > size {
			size = len(p.Data)
		}
	}
	if broken > m {
		return fmt.Errorf("%w: %d shards broken, only %d parity available", vaulterr.ErrNotEnoughParity, broken, m)
	}

	enc, err := rs.New(n, m)
	if err != nil {
		return fmt.Errorf("parity: new encoder: %w", err)
	}

	shards := make([][]byte, n+m)
	for i, d := range dataInfo {
		if !d.Broken {
			shards[i] = padOne(d.Data, size)
		}
	}
	for i, p := range parityInfo {
		if !p.Broken {
			shards[n+i] = padOne(p.Data, size)
		}
	}

	if err := enc.Reconstruct(shards); err != nil {
		return fmt.Errorf("%w: reconstruct: %v", vaulterr.ErrNotEnoughParity, err)
	}

	for i := range dataInfo {
		if dataInfo[i].Broken {
			dataInfo[i].Data = trimTo(shards[i], dataInfo[i].RealLength)
			dataInfo[i].Broken = false
		}
	}
	for i := range parityInfo {
		if parityInfo[i].Broken {
			parityInfo[i].Data = trimTo(shards[n+i], parityInfo[i].RealLength)
			parityInfo[i].Broken = false
		}
	}

	return nil
}

func padOne(b []byte, size int) []byte {
	if len(b) == size {
		return b
	}
	out := make([]byte, size)
	copy(out, b)
	return out
}

func trimTo(b []byte, realLength int) []byte {
	if realLength <= 0 || realLength > len(b) {
		return bytes.Clone(b)
	}
	return bytes.Clone(b[:realLength])
}
