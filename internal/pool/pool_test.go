package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/deterministic-vault/vault/internal/transport/memtransport"
)

func testFactory() *memtransport.Factory { return memtransport.NewFactory() }

func TestNewRejectsUploadExceedingTotal(t *testing.T) {
	_, err := New(testFactory(), 4, 5)
	require.Error(t, err)
}

func TestAcquireDownloadBoundedByTotal(t *testing.T) {
	p, err := New(testFactory(), 2, 1)
	require.NoError(t, err)

	ctx := context.Background()
	_, r1, err := p.AcquireDownload(ctx)
	require.NoError(t, err)
	_, r2, err := p.AcquireDownload(ctx)
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		_, r3, err := p.AcquireDownload(ctx)
		require.NoError(t, err)
		close(acquired)
		r3()
	}()

	select {
	case <-acquired:
		t.Fatal("third download acquired while total pool was saturated")
	case <-time.After(50 * time.Millisecond):
	}

	r1()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("third download never acquired after a slot freed")
	}
	r2()
}

func TestTryAcquireUploadFailsWhenSaturated(t *testing.T) {
	p, err := New(testFactory(), 4, 1)
	require.NoError(t, err)

	_, r, ok := p.TryAcquireUpload()
	require.True(t, ok)

	_, _, ok = p.TryAcquireUpload()
	require.False(t, ok)

	r()
	_, r2, ok := p.TryAcquireUpload()
	require.True(t, ok)
	r2()
}

func TestUploadAcquisitionAlsoConsumesTotal(t *testing.T) {
	p, err := New(testFactory(), 1, 1)
	require.NoError(t, err)

	var downloadsServed int32
	_, relUpload, err := p.AcquireUpload(context.Background())
	require.NoError(t, err)

	_, _, ok := p.TryAcquireUpload()
	require.False(t, ok, "upload slot should be exhausted by the single total slot")

	go func() {
		_, r, err := p.AcquireDownload(context.Background())
		if err == nil {
			atomic.AddInt32(&downloadsServed, 1)
			r()
		}
	}()

	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 0, atomic.LoadInt32(&downloadsServed))

	relUpload()
	time.Sleep(50 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&downloadsServed))
}

func TestReleasedSessionIsReusedNotDiscarded(t *testing.T) {
	p, err := New(testFactory(), 2, 1)
	require.NoError(t, err)

	ctx := context.Background()
	svc1, r1, err := p.AcquireDownload(ctx)
	require.NoError(t, err)
	r1()

	svc2, r2, err := p.AcquireDownload(ctx)
	require.NoError(t, err)
	defer r2()

	require.Same(t, svc1, svc2, "a released session should be handed back out instead of discarded")
}
