// Package config holds the explicit configuration record threaded through
// the vault engine at construction. It replaces the ambient Constants
// globals (Logger, RNG, SegmentSize, ParityCount, ...) of the original
// design with a single value the caller assembles, optionally loaded from
// a YAML file on disk.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Constants carries every tunable that the engine, codecs, and catalog
// need. A vault's SegmentSize and parity shard counts are fixed for the
// life of the vault; changing them after data has been written makes
// existing assurances undecodable at the new configuration.
type Constants struct {
	// SegmentSize bounds the plaintext size of a single on-wire segment,
	// before padding. Typical order 512 KiB - 1 MiB.
	SegmentSize int `yaml:"segmentSize"`

	// ParityDataCount is N, the number of data shards per parity
	// relation.
	ParityDataCount int `yaml:"parityDataCount"`

	// ParityCount is M, the number of parity shards produced per
	// relation.
	ParityCount int `yaml:"parityCount"`

	// ReplicationAttemptCount bounds how many replication indices
	// _uploadChunk tries before failing with ErrUploadExhausted.
	ReplicationAttemptCount int `yaml:"replicationAttemptCount"`

	// AssuranceReplicationDefaultCount is the minimum number of valid
	// replications FlushAssurances must confirm per slot.
	AssuranceReplicationDefaultCount int `yaml:"assuranceReplicationDefaultCount"`

	// AssuranceReplicationSearchCount is the outer cap on replication
	// attempts per assurance slot during FlushAssurances, independent of
	// AssuranceReplicationDefaultCount (see DESIGN.md Open Question).
	AssuranceReplicationSearchCount int `yaml:"assuranceReplicationSearchCount"`

	// TotalConnections is the total transport session cap.
	TotalConnections int `yaml:"totalConnections"`

	// UploadConnections is the upload-specific transport session cap.
	// Must satisfy 1 <= UploadConnections <= TotalConnections. Honored
	// exactly as given; never silently overridden to TotalConnections.
	UploadConnections int `yaml:"uploadConnections"`

	// CatalogRoot is the directory under which one subdirectory per
	// vault (named by PublicHash) is created for the local badger
	// catalog.
	CatalogRoot string `yaml:"catalogRoot"`

	// MaxInFlightChunkUploads caps concurrent chunk uploads during
	// UploadFile. If zero, derived from SegmentSize (32 MiB budget).
	MaxInFlightChunkUploads int `yaml:"maxInFlightChunkUploads"`

	// ReplicationMax is Rmax, the exclusive upper bound on replication
	// indices for any IndexID.
	ReplicationMax int `yaml:"replicationMax"`
}

// Default returns the baseline Constants used when no configuration
// file is loaded. Values are chosen to keep tests and small vaults cheap while
// staying representative of the documented typical ranges.
func Default() Constants {
	return Constants{
		SegmentSize:                      512 * 1024,
		ParityDataCount:                  4,
		ParityCount:                      2,
		ReplicationAttemptCount:          3,
		AssuranceReplicationDefaultCount: 2,
		AssuranceReplicationSearchCount:  5,
		TotalConnections:                 8,
		UploadConnections:                4,
		CatalogRoot:                      "./vault-data",
		MaxInFlightChunkUploads:          0,
		ReplicationMax:                   8,
	}
}

// ChunkUploadConcurrency returns MaxInFlightChunkUploads if set, else
// derives floor(32MiB / SegmentSize), clamped to at least 1.
func (c Constants) ChunkUploadConcurrency() int {
	if c.MaxInFlightChunkUploads > 0 {
		return c.MaxInFlightChunkUploads
	}
	const budget = 32 * 1024 * 1024
	n := budget / c.SegmentSize
	if n < 1 {
		n = 1
	}
	return n
}

// Validate rejects configurations that would violate engine invariants
// before any I/O happens.
func (c Constants) Validate() error {
	if c.SegmentSize <= 0 {
		return fmt.Errorf("config: segmentSize must be positive")
	}
	if c.ParityDataCount <= 0 {
		return fmt.Errorf("config: parityDataCount must be positive")
	}
	if c.ParityCount < 0 {
		return fmt.Errorf("config: parityCount must not be negative")
	}
	if c.UploadConnections < 1 || c.UploadConnections > c.TotalConnections {
		return fmt.Errorf("config: uploadConnections must be in [1, totalConnections]")
	}
	if c.ReplicationAttemptCount < 1 {
		return fmt.Errorf("config: replicationAttemptCount must be positive")
	}
	if c.ReplicationMax < c.ReplicationAttemptCount {
		return fmt.Errorf("config: replicationMax must be >= replicationAttemptCount")
	}
	return nil
}

// LoadFile reads a YAML vault configuration file, overlaying it on top of
// Default() so partial files are legal.
func LoadFile(path string) (Constants, error) {
	c := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Constants{}, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Constants{}, fmt.Errorf("config: parse %q: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return Constants{}, err
	}
	return c, nil
}
