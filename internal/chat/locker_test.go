package chat

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalLocker_SerializesSameChat(t *testing.T) {
	l := NewLocalLocker()

	var (
		inside  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "chat-1")
			if err != nil {
				t.Error(err)
				return
			}
			defer unlock()
			if inside.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load())
	assert.Empty(t, l.locks)
}

func TestLocalLocker_CancelWhileWaiting(t *testing.T) {
	l := NewLocalLocker()
	unlock, err := l.Lock(context.Background(), "chat-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "chat-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// other chats are independent
	u2, err := l.Lock(context.Background(), "chat-2")
	require.NoError(t, err)
	u2()

	unlock()
	unlock()
	assert.Empty(t, l.locks)
}
