package presence

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// registryContract runs the behaviour every Registry must share.
func registryContract(t *testing.T, newRegistry func(t *testing.T) Registry) {
	ctx := context.Background()

	t.Run("latest connection wins", func(t *testing.T) {
		r := newRegistry(t)
		require.NoError(t, r.Connect(ctx, "u1", "conn-a"))
		require.NoError(t, r.Connect(ctx, "u1", "conn-b"))

		removed, err := r.Disconnect(ctx, "u1", "conn-a")
		require.NoError(t, err)
		assert.False(t, removed, "stale connection must not clear a newer entry")

		online, err := r.IsOnline(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, online)

		removed, err = r.Disconnect(ctx, "u1", "conn-b")
		require.NoError(t, err)
		assert.True(t, removed)

		online, err = r.IsOnline(ctx, "u1")
		require.NoError(t, err)
		assert.False(t, online)
	})

	t.Run("disconnect of unknown subject", func(t *testing.T) {
		r := newRegistry(t)
		removed, err := r.Disconnect(ctx, "ghost", "conn-x")
		require.NoError(t, err)
		assert.False(t, removed)
	})

	t.Run("online list is sorted", func(t *testing.T) {
		r := newRegistry(t)
		for _, id := range []string{"u3", "u1", "u2"} {
			require.NoError(t, r.Connect(ctx, id, "conn-"+id))
		}
		online, err := r.Online(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"u1", "u2", "u3"}, online)
	})

	t.Run("empty registry", func(t *testing.T) {
		r := newRegistry(t)
		online, err := r.Online(ctx)
		require.NoError(t, err)
		assert.Empty(t, online)
	})
}

func TestMemoryRegistry(t *testing.T) {
	registryContract(t, func(t *testing.T) Registry { return NewMemoryRegistry() })
}

func TestMemoryRegistryConcurrentSameSubject(t *testing.T) {
	r := NewMemoryRegistry()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("conn-%d", i)
			_ = r.Connect(ctx, "u1", connID)
			_, _ = r.Disconnect(ctx, "u1", connID)
		}(i)
	}
	wg.Wait()

	require.NoError(t, r.Connect(ctx, "u1", "final"))
	connID, ok := r.ConnectionOf("u1")
	require.True(t, ok)
	assert.Equal(t, "final", connID)
}

func TestKVRegistry(t *testing.T) {
	url := os.Getenv("NATS_TEST_URL")
	if url == "" {
		t.Skip("NATS_TEST_URL not set")
	}
	nc, err := nats.Connect(url)
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	n := 0
	registryContract(t, func(t *testing.T) Registry {
		n++
		bucket := fmt.Sprintf("presence_test_%d_%d", os.Getpid(), n)
		r, err := NewKVRegistry(context.Background(), nc, bucket, nil)
		require.NoError(t, err)
		t.Cleanup(func() {
			js, err := jetstream.New(nc)
			if err == nil {
				_ = js.DeleteKeyValue(context.Background(), bucket)
			}
		})
		return r
	})
}
