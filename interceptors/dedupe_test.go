package interceptors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestDuplicateDetection(t *testing.T) {
	ctx := context.Background()

	t.Run("second delivery of an id is acked without processing", func(t *testing.T) {
		cb := &mockCallback{}
		cb.On("OnMessage", mock.Anything, mock.Anything).Return(nil)
		wrapped := DuplicateDetection(NewMemoryDetector(time.Hour))(cb)

		require.NoError(t, wrapped.OnMessage(ctx, newMessage("k", "m-1", "{}")))
		require.NoError(t, wrapped.OnMessage(ctx, newMessage("k", "m-1", "{}")))
		require.NoError(t, wrapped.OnMessage(ctx, newMessage("k", "m-2", "{}")))

		cb.AssertNumberOfCalls(t, "OnMessage", 2)
	})

	t.Run("failed callbacks are not remembered", func(t *testing.T) {
		cause := errors.New("transient")
		cb := &mockCallback{}
		cb.On("OnMessage", mock.Anything, mock.Anything).Return(cause).Once()
		cb.On("OnMessage", mock.Anything, mock.Anything).Return(nil).Once()
		wrapped := DuplicateDetection(NewMemoryDetector(time.Hour))(cb)

		assert.ErrorIs(t, wrapped.OnMessage(ctx, newMessage("k", "m-1", "{}")), cause)
		require.NoError(t, wrapped.OnMessage(ctx, newMessage("k", "m-1", "{}")))
		cb.AssertNumberOfCalls(t, "OnMessage", 2)
	})

	t.Run("messages without id always pass", func(t *testing.T) {
		cb := &mockCallback{}
		cb.On("OnMessage", mock.Anything, mock.Anything).Return(nil)
		wrapped := DuplicateDetection(NewMemoryDetector(time.Hour))(cb)

		require.NoError(t, wrapped.OnMessage(ctx, newMessage("k", "", "{}")))
		require.NoError(t, wrapped.OnMessage(ctx, newMessage("k", "", "{}")))
		cb.AssertNumberOfCalls(t, "OnMessage", 2)
	})
}

func TestMemoryDetectorExpiry(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	d := NewMemoryDetector(time.Minute)
	d.now = func() time.Time { return now }

	require.NoError(t, d.MarkProcessed(ctx, "a"))
	dup, err := d.IsDuplicate(ctx, "a")
	require.NoError(t, err)
	assert.True(t, dup)

	now = now.Add(2 * time.Minute)
	dup, err = d.IsDuplicate(ctx, "a")
	require.NoError(t, err)
	assert.False(t, dup)
	assert.Zero(t, d.Len(), "expired ids are swept")
}
