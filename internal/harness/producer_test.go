package harness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChanProducer_PushThenNext(t *testing.T) {
	p := NewChanProducer(2)
	ctx := context.Background()

	require.NoError(t, p.Push(ctx, []byte("a")))
	tc, ok := p.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, []byte("a"), tc)
}

func TestChanProducer_CloseDrainsThenExhausts(t *testing.T) {
	p := NewChanProducer(2)
	ctx := context.Background()
	require.NoError(t, p.Push(ctx, []byte("a")))
	p.Close()

	tc, ok := p.Next(ctx)
	require.True(t, ok)
	assert.Equal(t, []byte("a"), tc)

	_, ok = p.Next(ctx)
	assert.False(t, ok)
}

func TestChanProducer_PushBlocksUntilCtxCancelled(t *testing.T) {
	p := NewChanProducer(1)
	ctx := context.Background()
	require.NoError(t, p.Push(ctx, []byte("a")))

	cctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := p.Push(cctx, []byte("b"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChanProducer_NextReturnsFalseOnCtxCancel(t *testing.T) {
	p := NewChanProducer(1)
	cctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, ok := p.Next(cctx)
	assert.False(t, ok)
}
