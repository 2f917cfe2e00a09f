package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardedMutex_SerializesSameKey(t *testing.T) {
	var m ShardedMutex
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := m.Lock("doc_1")
			defer unlock()
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
		}()
	}
	wg.Wait()

	assert.Equal(t, 200, counter)
}

func TestContextShardedMutex_SerializesSameKey(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()
	var wg sync.WaitGroup
	counter := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "actor_1")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()
			v := counter
			counter = v + 1
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, counter)
}

func TestContextShardedMutex_GivesUpOnDeadline(t *testing.T) {
	m := NewContextShardedMutex()

	unlock, err := m.LockContext(context.Background(), "actor_1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = m.LockContext(ctx, "actor_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestContextShardedMutex_UnlockHandsOver(t *testing.T) {
	m := NewContextShardedMutex()
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "actor_2")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(ctx, "actor_2")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second waiter acquired the lock before release")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second waiter never acquired the lock")
	}
}

func TestZeroValueContextShardedMutex(t *testing.T) {
	var m ContextShardedMutex
	unlock, err := m.LockContext(context.Background(), "k")
	require.NoError(t, err)
	unlock()
}
