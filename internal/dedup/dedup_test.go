package dedup

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockSerializesSameKey(t *testing.T) {
	var ctx Context
	var running int32
	var maxConcurrent int32

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := ctx.Lock("same-key")
			defer unlock()
			n := atomic.AddInt32(&running, 1)
			if n > atomic.LoadInt32(&maxConcurrent) {
				atomic.StoreInt32(&maxConcurrent, n)
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&running, -1)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 1, maxConcurrent)
}

func TestLockDifferentKeysDoNotBlock(t *testing.T) {
	var ctx Context
	done := make(chan struct{})
	unlockA := ctx.Lock("a")
	go func() {
		unlockB := ctx.Lock("b")
		defer unlockB()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on different key blocked unexpectedly")
	}
	unlockA()
}

func TestEntryClearedAfterLastUnlock(t *testing.T) {
	var ctx Context
	unlock := ctx.Lock("x")
	require.Equal(t, 1, ctx.InFlight("x"))
	unlock()
	require.Equal(t, 0, ctx.InFlight("x"))
}
