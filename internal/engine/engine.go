// Package engine orchestrates the vault's upload, download, assurance,
// and meta flows on top of the lower-level catalog, segment, parity,
// identifier, and transport packages. It is the only package that knows
// how those pieces compose into the deterministic vault's public
// surface (Load, UploadFile, DownloadChunk, FlushMeta, ...).
package engine

import (
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/deterministic-vault/vault/internal/catalog"
	"github.com/deterministic-vault/vault/internal/config"
	"github.com/deterministic-vault/vault/internal/dedup"
	"github.com/deterministic-vault/vault/internal/identifier"
	"github.com/deterministic-vault/vault/internal/pool"
	"github.com/deterministic-vault/vault/internal/transport"
	"github.com/deterministic-vault/vault/internal/vaultcrypto"
)

// Engine is one open vault: the credentials-derived keyspace, the local
// catalog backing it, and the transport pool it uploads to and
// downloads from.
type Engine struct {
	cfg       config.Constants
	log       *logrus.Logger
	publicKey string
	gen       *identifier.Generator
	crypt     *vaultcrypto.Crypt
	cat       *catalog.Catalog
	pool      *pool.Pool

	uploadDedup   dedup.Context
	downloadDedup dedup.Context
	cache         *blobCache

	metaSem   chan struct{}
	paritySem chan struct{}

	stats Stats
}

// Stats are cheap running counters exposed via GetStats, useful for
// operators and tests asserting on transport call counts.
type Stats struct {
	ChunksUploaded    int64
	ChunksDownloaded  int64
	CacheHits         int64
	TransportUploads  int64
	TransportFetches  int64
	ParityCollections int64
	RepairsPerformed  int64
}

// Open derives the master key from storageCode and password, opens (or
// creates) that vault's local catalog under cfg.CatalogRoot, and
// returns a ready-to-use Engine. It does not contact the transport; call
// Load to scan the remote assurance log.
func Open(storageCode, password string, factory transport.ServiceFactory, cfg config.Constants, log *logrus.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logrus.StandardLogger()
	}

	masterKey := vaultcrypto.DeriveMasterKey(storageCode, password)
	publicKey := vaultcrypto.PublicHash(masterKey)
	dir := filepath.Join(cfg.CatalogRoot, publicKey)

	cat, err := catalog.Open(dir, log)
	if err != nil {
		return nil, fmt.Errorf("engine: open catalog: %w", err)
	}

	p, err := pool.New(factory, cfg.TotalConnections, cfg.UploadConnections)
	if err != nil {
		cat.Close()
		return nil, fmt.Errorf("engine: build pool: %w", err)
	}

	return &Engine{
		cfg:       cfg,
		log:       log,
		publicKey: publicKey,
		gen:       identifier.New(masterKey),
		crypt:     vaultcrypto.New(masterKey),
		cat:       cat,
		pool:      p,
		cache:     newBlobCache(100),
		metaSem:   make(chan struct{}, 1),
		paritySem: make(chan struct{}, 1),
	}, nil
}

// Close releases the local catalog handle. It does not touch the
// transport.
func (e *Engine) Close() error {
	return e.cat.Close()
}

// Generator exposes the engine's identifier derivation, for callers that
// need to compute an IndexID or Locator without going through the
// engine's upload/download paths (e.g. a CLI inspecting a specific
// slot).
func (e *Engine) Generator() *identifier.Generator {
	return e.gen
}

// PublicHash returns the deterministic fingerprint of this vault's
// master key, the name of its local catalog directory.
func (e *Engine) PublicHash() string {
	return e.publicKey
}

// GetStats returns a snapshot of the engine's running counters.
func (e *Engine) GetStats() Stats {
	return Stats{
		ChunksUploaded:    atomic.LoadInt64(&e.stats.ChunksUploaded),
		ChunksDownloaded:  atomic.LoadInt64(&e.stats.ChunksDownloaded),
		CacheHits:         atomic.LoadInt64(&e.stats.CacheHits),
		TransportUploads:  atomic.LoadInt64(&e.stats.TransportUploads),
		TransportFetches:  atomic.LoadInt64(&e.stats.TransportFetches),
		ParityCollections: atomic.LoadInt64(&e.stats.ParityCollections),
		RepairsPerformed:  atomic.LoadInt64(&e.stats.RepairsPerformed),
	}
}

func (e *Engine) lockMeta() func() {
	e.metaSem <- struct{}{}
	return func() { <-e.metaSem }
}

func (e *Engine) lockParity() func() {
	e.paritySem <- struct{}{}
	return func() { <-e.paritySem }
}
