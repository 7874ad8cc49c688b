package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/deterministic-vault/vault/internal/chunker"
	"github.com/deterministic-vault/vault/internal/identifier"
	"github.com/deterministic-vault/vault/internal/segment"
	"github.com/deterministic-vault/vault/internal/transport"
	"github.com/deterministic-vault/vault/internal/vaultcrypto"
	"github.com/deterministic-vault/vault/internal/vaulterr"
)

// UploadFile streams localPath in fixed SegmentSize chunks, uploads each
// as a deduplicated content-addressed blob, and pushes the resulting
// block list to remotePath's meta log once every chunk has succeeded.
func (e *Engine) UploadFile(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("engine: open %q: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("engine: stat %q: %w", localPath, err)
	}

	concurrency := e.cfg.ChunkUploadConcurrency()
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var firstErr error
	var mu sync.Mutex

	buf := make([]byte, e.cfg.SegmentSize)
	commands := make([]segment.Command, 0)
	var start uint64

	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	for {
		n, readErr := io.ReadFull(f, buf)
		if n == 0 {
			break
		}
		chunk := append([]byte{}, buf[:n]...)
		hash := vaultcrypto.HashBytes(chunk)
		commands = append(commands, segment.Command{
			Kind:  segment.CommandAddBlock,
			Hash:  hash,
			Size:  uint64(n),
			Start: start,
		})
		start += uint64(n)

		sem <- struct{}{}
		wg.Add(1)
		go func(data []byte, h vaultcrypto.Hash) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := e.uploadChunk(ctx, data, h, false); err != nil {
				fail(err)
			}
		}(chunk, hash)

		if readErr == io.ErrUnexpectedEOF || readErr == io.EOF {
			break
		}
		if readErr != nil {
			fail(fmt.Errorf("engine: read %q: %w", localPath, readErr))
			break
		}
	}

	wg.Wait()
	if firstErr != nil {
		return firstErr
	}

	return e.PushFileToMeta(ctx, commands, uint64(info.Size()), remotePath)
}

// UploadFileContentDefined supplements UploadFile: within each fixed
// SegmentSize window it additionally cuts the window at Buzhash content
// boundaries before hashing, so a small edit inside one window only
// re-chunks (and re-uploads) the sub-chunks touching the edit instead of
// the window's full SegmentSize bytes. It changes nothing about the
// assurance/meta wire format or dedup semantics — it only emits more,
// variably sized ADD BLOCK commands than a naive fixed-window split.
func (e *Engine) UploadFileContentDefined(ctx context.Context, localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("engine: open %q: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("engine: stat %q: %w", localPath, err)
	}

	concurrency := e.cfg.ChunkUploadConcurrency()
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var firstErr error
	var mu sync.Mutex
	fail := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	buf := make([]byte, e.cfg.SegmentSize)
	commands := make([]segment.Command, 0)
	var start uint64

	for {
		n, readErr := io.ReadFull(f, buf)
		if n == 0 {
			break
		}
		window := append([]byte{}, buf[:n]...)

		subChunks, err := chunker.SplitBytes(window)
		if err != nil {
			fail(fmt.Errorf("engine: chunk %q: %w", localPath, err))
			break
		}
		for _, c := range subChunks {
			commands = append(commands, segment.Command{
				Kind:  segment.CommandAddBlock,
				Hash:  c.Hash,
				Size:  uint64(len(c.Data)),
				Start: start,
			})
			start += uint64(len(c.Data))

			sem <- struct{}{}
			wg.Add(1)
			go func(data []byte, h vaultcrypto.Hash) {
				defer wg.Done()
				defer func() { <-sem }()
				if err := e.uploadChunk(ctx, data, h, false); err != nil {
					fail(err)
				}
			}(c.Data, c.Hash)
		}

		if readErr == io.ErrUnexpectedEOF || readErr == io.EOF {
			break
		}
		if readErr != nil {
			fail(fmt.Errorf("engine: read %q: %w", localPath, readErr))
			break
		}
	}

	wg.Wait()
	if firstErr != nil {
		return firstErr
	}

	return e.PushFileToMeta(ctx, commands, uint64(info.Size()), remotePath)
}

// UploadFileChunk uploads a single in-memory chunk as a deduplicated
// data blob, computing its hash if hash is the zero value.
func (e *Engine) UploadFileChunk(ctx context.Context, data []byte, hash vaultcrypto.Hash) (vaultcrypto.Hash, error) {
	if hash.IsZero() {
		hash = vaultcrypto.HashBytes(data)
	}
	if err := e.uploadChunk(ctx, data, hash, false); err != nil {
		return hash, err
	}
	return hash, nil
}

// uploadChunk runs one chunk through the upload dedup context. A data
// chunk first gives any now-full parity collection a chance to close;
// a parity shard skips that check since flushParity calls uploadChunk
// itself to place the shards it computed.
func (e *Engine) uploadChunk(ctx context.Context, data []byte, hash vaultcrypto.Hash, isParity bool) error {
	unlock := e.uploadDedup.Lock(hash.String())
	defer unlock()

	if !isParity {
		if err := e.flushParity(ctx, false); err != nil {
			return err
		}
	}

	indexID := e.gen.RawOrParityID(hash)

	var payload []byte
	if isParity {
		payload = data
	} else {
		compressed, err := segment.Compress(data)
		if err != nil {
			return err
		}
		payload = compressed
	}

	return e._uploadChunk(ctx, payload, data, hash, indexID, isParity)
}

// _uploadChunk is idempotent: if indexID already has a recorded
// assurance, it returns immediately without touching the transport.
// Otherwise it tries replications 0..ReplicationAttemptCount-1 and
// records the first accepted one. cacheValue is what DownloadChunk
// should hand back for indexID afterward — the original plaintext for
// a data chunk, or payload itself for a parity shard.
func (e *Engine) _uploadChunk(ctx context.Context, payload, cacheValue []byte, hash vaultcrypto.Hash, indexID identifier.IndexID, isParity bool) error {
	existing, err := e.cat.FindMatchingSegmentInAssurancesByIndexId(indexID[:])
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	for r := 0; r < e.cfg.ReplicationAttemptCount; r++ {
		ok, err := e._uploadChunkBasic(ctx, payload, indexID, uint32(r))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		if isParity {
			if err := e.cat.AddNewAssurance(indexID[:], uint32(r), hash, uint32(len(payload))); err != nil {
				return err
			}
		} else {
			if err := e.cat.AddNewAssuranceAndTmpData(indexID[:], uint32(r), hash, uint32(len(payload)), payload, e.cfg.ParityDataCount); err != nil {
				return err
			}
		}

		e.cache.Put(indexID.String(), cacheValue)
		atomic.AddInt64(&e.stats.ChunksUploaded, 1)
		return nil
	}

	return fmt.Errorf("%w: indexID %s", vaulterr.ErrUploadExhausted, indexID)
}

// _uploadChunkBasic derives the locator for (indexID, replication), runs
// the segment codec over payload (already in the domain appropriate to
// isParity — compressed for data, raw shard bytes for parity), and
// offers it to one pooled upload session. true means the locator
// accepted this content as new; false means another blob already
// occupies it.
func (e *Engine) _uploadChunkBasic(ctx context.Context, payload []byte, indexID identifier.IndexID, replication uint32) (bool, error) {
	locator := e.gen.DeriveLocator(indexID, replication)

	ciphertext, err := segment.EncodeCompressed(payload, e.cfg.SegmentSize, e.crypt, locator[:])
	if err != nil {
		return false, fmt.Errorf("engine: encode segment: %w", err)
	}

	svc, release, err := e.pool.AcquireUpload(ctx)
	if err != nil {
		return false, err
	}
	defer release()

	if err := transport.EnsureConnected(ctx, svc); err != nil {
		return false, err
	}

	subject, err := randomSubject()
	if err != nil {
		return false, err
	}

	ok, err := svc.Upload(ctx, transport.Chunk{
		Locator:    locator[:],
		Subject:    subject,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return false, fmt.Errorf("%w: %v", vaulterr.ErrTransport, err)
	}
	atomic.AddInt64(&e.stats.TransportUploads, 1)
	return ok, nil
}

func randomSubject() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("engine: generate subject: %w", err)
	}
	return hex.EncodeToString(b), nil
}
