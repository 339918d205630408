package harness

import (
	"context"
	"testing"

	"github.com/fawkes-project/fawkes/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCrashSink_SubmitThenDrain(t *testing.T) {
	sink := NewCrashSink(2)
	ctx := context.Background()
	rec := &types.CrashRecord{CrashID: 1}

	require.NoError(t, sink.Submit(ctx, rec))

	got := <-sink.Drain()
	assert.Same(t, rec, got)
}

func TestCrashSink_CloseClosesDrainChannel(t *testing.T) {
	sink := NewCrashSink(1)
	sink.Close()

	_, ok := <-sink.Drain()
	assert.False(t, ok)
}
