package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalPatternDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := NewLocal()

	all, err := bus.PSubscribe(ctx, "exec:*")
	require.NoError(t, err)
	one, err := bus.PSubscribe(ctx, "exec:e2")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "exec:e1", []byte("a")))
	require.NoError(t, bus.Publish(ctx, "exec:e2", []byte("b")))

	assert.Equal(t, "a", string(<-all))
	assert.Equal(t, "b", string(<-all))
	assert.Equal(t, "b", string(<-one))

	select {
	case m := <-one:
		t.Fatalf("unexpected message %q", m)
	default:
	}
}

func TestLocalClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bus := NewLocal()
	sub, err := bus.PSubscribe(ctx, "*")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-sub:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	require.NoError(t, bus.Publish(context.Background(), "x", []byte("y")))
}

func TestLocalRejectsBadPattern(t *testing.T) {
	_, err := NewLocal().PSubscribe(context.Background(), "[")
	assert.Error(t, err)
}
