package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEvent struct {
	N int
}

type otherEvent struct {
	S string
}

// ============================================================================
//                              订阅与发布
// ============================================================================

func TestSubscribeEmit(t *testing.T) {
	t.Run("订阅者收到事件", func(t *testing.T) {
		bus := NewBus()
		defer bus.Close()

		sub, err := bus.Subscribe(testEvent{})
		require.NoError(t, err)

		bus.Emit(testEvent{N: 42})
		select {
		case evt := <-sub.Out():
			assert.Equal(t, 42, evt.(testEvent).N)
		case <-time.After(time.Second):
			t.Fatal("未收到事件")
		}
	})

	t.Run("按类型隔离", func(t *testing.T) {
		bus := NewBus()
		defer bus.Close()

		sub, err := bus.Subscribe(testEvent{})
		require.NoError(t, err)

		bus.Emit(otherEvent{S: "x"})
		select {
		case <-sub.Out():
			t.Fatal("不应收到其他类型的事件")
		case <-time.After(50 * time.Millisecond):
		}
	})

	t.Run("多订阅者各收一份", func(t *testing.T) {
		bus := NewBus()
		defer bus.Close()

		s1, err := bus.Subscribe(testEvent{})
		require.NoError(t, err)
		s2, err := bus.Subscribe(testEvent{})
		require.NoError(t, err)

		bus.Emit(testEvent{N: 1})
		for _, s := range []*Subscription{s1, s2} {
			select {
			case evt := <-s.Out():
				assert.Equal(t, 1, evt.(testEvent).N)
			case <-time.After(time.Second):
				t.Fatal("未收到事件")
			}
		}
	})

	t.Run("无订阅者时发布无害", func(t *testing.T) {
		bus := NewBus()
		defer bus.Close()
		bus.Emit(testEvent{N: 1})
	})
}

// ============================================================================
//                              取消与关闭
// ============================================================================

func TestSubscriptionClose(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	sub, err := bus.Subscribe(testEvent{})
	require.NoError(t, err)
	sub.Close()
	sub.Close() // 重复关闭无害

	// 取消后通道被关闭
	_, ok := <-sub.Out()
	assert.False(t, ok)

	bus.Emit(testEvent{N: 1})
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	sub, err := bus.Subscribe(testEvent{})
	require.NoError(t, err)

	require.NoError(t, bus.Close())
	_, ok := <-sub.Out()
	assert.False(t, ok)

	t.Run("关闭后订阅失败", func(t *testing.T) {
		_, err := bus.Subscribe(testEvent{})
		assert.Error(t, err)
	})

	t.Run("重复关闭无害", func(t *testing.T) {
		assert.NoError(t, bus.Close())
	})
}
