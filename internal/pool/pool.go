// Package pool bounds concurrent transport sessions: at most
// TotalConnections may be open at once, and at most UploadConnections of
// those may be doing upload work, mirroring the teacher's worker-pool
// room abstraction but sized by two nested counting semaphores instead
// of a task queue. Underneath the capacity counters it keeps a free-list
// of already-connected transport.Service sessions so a released session
// is handed back to the next caller instead of being discarded.
package pool

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/deterministic-vault/vault/internal/transport"
)

// Pool admits callers into one of two overlapping capacity classes:
// "total" bounds every session regardless of kind, "upload" bounds the
// subset of sessions doing upload work. Upload capacity is always
// acquired together with total capacity, so uploads never starve
// downloads out of the shared ceiling. A session taken from the
// free-list is equally good for either class — transport.Service draws
// no distinction between upload and download use.
type Pool struct {
	total   *semaphore.Weighted
	upload  *semaphore.Weighted
	factory transport.ServiceFactory

	mu   sync.Mutex
	free []transport.Service
}

// New builds a Pool drawing sessions from factory on a free-list miss.
// uploadConnections must not exceed totalConnections; the caller
// (config.Constants.Validate) is expected to have already checked this.
func New(factory transport.ServiceFactory, totalConnections, uploadConnections int) (*Pool, error) {
	if totalConnections < 1 {
		return nil, fmt.Errorf("pool: totalConnections must be >= 1, got %d", totalConnections)
	}
	if uploadConnections < 1 || uploadConnections > totalConnections {
		return nil, fmt.Errorf("pool: uploadConnections must be in [1, %d], got %d", totalConnections, uploadConnections)
	}
	return &Pool{
		total:   semaphore.NewWeighted(int64(totalConnections)),
		upload:  semaphore.NewWeighted(int64(uploadConnections)),
		factory: factory,
	}, nil
}

// Release is returned by Acquire* to give the session and its slot(s)
// back to the pool.
type Release func()

// take pops a session off the free-list, or constructs a new one via
// the factory on a miss.
func (p *Pool) take() transport.Service {
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		return p.factory.Give()
	}
	svc := p.free[n-1]
	p.free = p.free[:n-1]
	p.mu.Unlock()
	return svc
}

// give pushes svc back onto the free-list for the next caller.
func (p *Pool) give(svc transport.Service) {
	p.mu.Lock()
	p.free = append(p.free, svc)
	p.mu.Unlock()
}

// AcquireDownload blocks until one of the total slots is free, handing
// back a reused or freshly constructed session alongside it.
func (p *Pool) AcquireDownload(ctx context.Context) (transport.Service, Release, error) {
	if err := p.total.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	svc := p.take()
	return svc, func() {
		p.give(svc)
		p.total.Release(1)
	}, nil
}

// AcquireUpload blocks until both a total slot and an upload slot are
// free. It always acquires upload before total, so an upload waiting for
// an upload slot never holds a total slot that a download could use.
func (p *Pool) AcquireUpload(ctx context.Context) (transport.Service, Release, error) {
	if err := p.upload.Acquire(ctx, 1); err != nil {
		return nil, nil, err
	}
	if err := p.total.Acquire(ctx, 1); err != nil {
		p.upload.Release(1)
		return nil, nil, err
	}
	svc := p.take()
	return svc, func() {
		p.give(svc)
		p.total.Release(1)
		p.upload.Release(1)
	}, nil
}

// TryAcquireUpload attempts a non-blocking upload acquisition, returning
// false at once instead of queuing behind a full pool.
func (p *Pool) TryAcquireUpload() (transport.Service, Release, bool) {
	if !p.upload.TryAcquire(1) {
		return nil, nil, false
	}
	if !p.total.TryAcquire(1) {
		p.upload.Release(1)
		return nil, nil, false
	}
	svc := p.take()
	return svc, func() {
		p.give(svc)
		p.total.Release(1)
		p.upload.Release(1)
	}, true
}
