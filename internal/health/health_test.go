package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct{ err error }

func (f fakePinger) PingContext(context.Context) error { return f.err }

func TestRegistryEmpty(t *testing.T) {
	r := NewRegistry()
	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy, "empty registry should be healthy")
	assert.Empty(t, statuses)
}

func TestRegistryCriticalFailure(t *testing.T) {
	r := NewRegistry()
	r.Register("store", Ping("store", fakePinger{err: errors.New("connection refused")}))
	r.RegisterDegraded("classifier", Static("classifier", "rules only"))

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	require.Len(t, statuses, 2)
	assert.Equal(t, "connection refused", statuses[0].Detail)
	assert.True(t, statuses[0].Critical)
	assert.False(t, statuses[1].Critical)
}

func TestRegistryDegradedFailureStaysHealthy(t *testing.T) {
	r := NewRegistry()
	r.Register("store", Ping("store", fakePinger{}))
	r.RegisterDegraded("deadline_index", Ping("deadline_index", fakePinger{err: errors.New("redis down")}))

	healthy, statuses := r.CheckAll(context.Background())
	assert.True(t, healthy)
	require.Len(t, statuses, 2)
	assert.False(t, statuses[1].Healthy)
}

func TestRegistryFillsMissingName(t *testing.T) {
	r := NewRegistry()
	r.Register("store", func(context.Context) Status { return Status{Healthy: true} })

	_, statuses := r.CheckAll(context.Background())
	require.Len(t, statuses, 1)
	assert.Equal(t, "store", statuses[0].Name)
}

func TestRegistryAppliesTimeout(t *testing.T) {
	r := NewRegistry().WithTimeout(10 * time.Millisecond)
	r.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return Status{Healthy: false, Detail: ctx.Err().Error()}
	})

	healthy, statuses := r.CheckAll(context.Background())
	assert.False(t, healthy)
	assert.Equal(t, context.DeadlineExceeded.Error(), statuses[0].Detail)
}

func TestRegistryConcurrentRegisterAndCheck(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			r.RegisterDegraded("checker", Static("checker", ""))
		}()
		go func() {
			defer wg.Done()
			r.CheckAll(context.Background())
		}()
	}

	wg.Wait()
}
