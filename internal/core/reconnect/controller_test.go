package reconnect

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portlink/go-portlink/internal/core/eventbus"
	"github.com/portlink/go-portlink/pkg/transport"
	"github.com/portlink/go-portlink/pkg/types"
)

// fastConfig 把各窗口压到毫秒级的测试配置
func fastConfig() Config {
	return Config{
		InitialBackoff:   5 * time.Millisecond,
		MaxBackoff:       50 * time.Millisecond,
		BackoffFactor:    2.0,
		MaxRetries:       2,
		Cooldown:         time.Minute,
		EarlyErrorWindow: 5 * time.Millisecond,
		VerifyTimeout:    time.Second,
		GracePeriod:      time.Second,
	}
}

// countingDialer 包装 Dialer 统计拨号次数
type countingDialer struct {
	transport.Dialer
	dials atomic.Int32
}

func (d *countingDialer) Dial(ctx context.Context) (transport.Port, error) {
	d.dials.Add(1)
	return d.Dialer.Dial(ctx)
}

// failingDialer 始终以普通错误失败
type failingDialer struct {
	dials atomic.Int32
}

func (d *failingDialer) Dial(context.Context) (transport.Port, error) {
	d.dials.Add(1)
	return nil, errors.New("dial refused")
}

func (d *failingDialer) SendOnce(context.Context, []byte) ([]byte, error) {
	return nil, errors.New("dial refused")
}

// ============================================================================
//                              退避计算
// ============================================================================

func TestBackoff(t *testing.T) {
	cfg := Config{InitialBackoff: 500 * time.Millisecond, MaxBackoff: 30 * time.Second, BackoffFactor: 2.0}
	cfg.Validate()

	t.Run("指数递增", func(t *testing.T) {
		assert.Equal(t, 500*time.Millisecond, cfg.Backoff(1))
		assert.Equal(t, time.Second, cfg.Backoff(2))
		assert.Equal(t, 2*time.Second, cfg.Backoff(3))
	})

	t.Run("封顶", func(t *testing.T) {
		assert.Equal(t, 30*time.Second, cfg.Backoff(10))
		assert.Equal(t, 30*time.Second, cfg.Backoff(100))
	})

	t.Run("非法参数取初始值", func(t *testing.T) {
		assert.Equal(t, 500*time.Millisecond, cfg.Backoff(0))
		assert.Equal(t, 500*time.Millisecond, cfg.Backoff(-1))
	})
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{InitialBackoff: -1, MaxBackoff: 0, BackoffFactor: 0.5, MaxRetries: -1}
	cfg.Validate()
	def := DefaultConfig()
	assert.Equal(t, def.InitialBackoff, cfg.InitialBackoff)
	assert.Equal(t, def.MaxBackoff, cfg.MaxBackoff)
	assert.Equal(t, def.BackoffFactor, cfg.BackoffFactor)
	assert.Equal(t, def.MaxRetries, cfg.MaxRetries)
}

// ============================================================================
//                              连接建立
// ============================================================================

func TestConnect(t *testing.T) {
	t.Run("首次连接成功", func(t *testing.T) {
		hub := transport.NewPipeHub()
		defer hub.Close()
		c := New(fastConfig(), nil, transport.NewPipeDialer(hub), eventbus.NewBus())

		require.NoError(t, c.Start())
		defer c.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.True(t, c.WaitConnected(ctx))
		assert.Equal(t, types.StateConnected, c.State())
		assert.NotNil(t, c.Channel())
		assert.True(t, c.InGrace())
	})

	t.Run("状态事件发布", func(t *testing.T) {
		hub := transport.NewPipeHub()
		defer hub.Close()
		bus := eventbus.NewBus()
		sub, err := bus.Subscribe(types.EvtStateChanged{})
		require.NoError(t, err)
		defer sub.Close()

		c := New(fastConfig(), nil, transport.NewPipeDialer(hub), bus)
		require.NoError(t, c.Start())
		defer c.Stop()

		deadline := time.After(2 * time.Second)
		var last types.EvtStateChanged
		for last.New != types.StateConnected {
			select {
			case evt := <-sub.Out():
				last = evt.(types.EvtStateChanged)
			case <-deadline:
				t.Fatal("未收到 connected 状态事件")
			}
		}
	})

	t.Run("连接回调收到通道", func(t *testing.T) {
		hub := transport.NewPipeHub()
		defer hub.Close()
		c := New(fastConfig(), nil, transport.NewPipeDialer(hub), nil)

		got := make(chan *Channel, 1)
		c.SetOnConnected(func(ch *Channel) { got <- ch })
		require.NoError(t, c.Start())
		defer c.Stop()

		select {
		case ch := <-got:
			assert.NotEmpty(t, ch.ID)
			assert.True(t, ch.Port.Alive())
		case <-time.After(2 * time.Second):
			t.Fatal("连接回调未触发")
		}
	})
}

// ============================================================================
//                              冷启动与有界重试
// ============================================================================

func TestColdStartRetry(t *testing.T) {
	hub := transport.NewPipeHub()
	defer hub.Close()
	hub.SetUnavailable(true)

	d := &countingDialer{Dialer: transport.NewPipeDialer(hub)}
	c := New(fastConfig(), nil, d, nil)
	require.NoError(t, c.Start())
	defer c.Stop()

	// 冷启动窗口内无界重试：远超普通预算仍在尝试
	require.Eventually(t, func() bool {
		return d.dials.Load() > 5
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotEqual(t, types.StateConnected, c.State())

	// 宿主恢复后自动连上
	hub.SetUnavailable(false)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.True(t, c.WaitConnected(ctx))
}

func TestNormalRetryBudget(t *testing.T) {
	d := &failingDialer{}
	c := New(fastConfig(), nil, d, nil)
	require.NoError(t, c.Start())
	defer c.Stop()

	// 预算耗尽后进入 disconnected 冷却
	require.Eventually(t, func() bool {
		return c.State() == types.StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)
	// MaxRetries=2：预算耗尽时恰好尝试了 3 次
	assert.Equal(t, int32(3), d.dials.Load())

	t.Run("手动重连跳过冷却", func(t *testing.T) {
		before := d.dials.Load()
		c.Reconnect()
		require.Eventually(t, func() bool {
			return d.dials.Load() > before
		}, 2*time.Second, 5*time.Millisecond)
	})
}

// ============================================================================
//                              验证与宽限期
// ============================================================================

func TestVerify(t *testing.T) {
	hub := transport.NewPipeHub()
	defer hub.Close()

	var verifies atomic.Int32
	c := New(fastConfig(), nil, transport.NewPipeDialer(hub), nil)
	c.SetVerify(func(_ context.Context, port transport.Port) error {
		if verifies.Add(1) < 3 {
			return errors.New("no pong")
		}
		return nil
	})

	require.NoError(t, c.Start())
	defer c.Stop()

	// 验证失败不宣告假成功，重试直到通过
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.True(t, c.WaitConnected(ctx))
	assert.GreaterOrEqual(t, verifies.Load(), int32(3))
}

func TestGracePeriod(t *testing.T) {
	hub := transport.NewPipeHub()
	defer hub.Close()
	c := New(fastConfig(), nil, transport.NewPipeDialer(hub), nil)
	require.NoError(t, c.Start())
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.True(t, c.WaitConnected(ctx))
	firstID := c.Channel().ID

	t.Run("宽限期内抑制超时触发", func(t *testing.T) {
		require.True(t, c.InGrace())
		c.TriggerReconnect(types.ClassTimeout)
		time.Sleep(50 * time.Millisecond)
		assert.Equal(t, types.StateConnected, c.State())
		assert.Equal(t, firstID, c.Channel().ID)
	})

	t.Run("断连类触发不受抑制", func(t *testing.T) {
		c.TriggerReconnect(types.ClassDisconnected)
		require.Eventually(t, func() bool {
			ch := c.Channel()
			return c.State() == types.StateConnected && ch != nil && ch.ID != firstID
		}, 2*time.Second, 5*time.Millisecond)
	})
}

// ============================================================================
//                              通道断开
// ============================================================================

func TestPortClosedReconnect(t *testing.T) {
	hub := transport.NewPipeHub()
	defer hub.Close()
	c := New(fastConfig(), nil, transport.NewPipeDialer(hub), nil)

	disconnects := atomic.Int32{}
	c.SetOnDisconnected(func() { disconnects.Add(1) })

	require.NoError(t, c.Start())
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.True(t, c.WaitConnected(ctx))
	firstID := c.Channel().ID

	// 对端关闭通道后自动重建
	require.NoError(t, c.Channel().Port.Close())
	require.Eventually(t, func() bool {
		ch := c.Channel()
		return c.State() == types.StateConnected && ch != nil && ch.ID != firstID
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, disconnects.Load(), int32(2))
}

// TestRecoveryPublishesReconnecting 恢复路径首次尝试即发布 reconnecting
//
// 稳态通道断开后的单次尝试恢复也要让订阅方看到 reconnecting，
// connecting 只属于从未有过通道的首次建连。
func TestRecoveryPublishesReconnecting(t *testing.T) {
	hub := transport.NewPipeHub()
	defer hub.Close()
	bus := eventbus.NewBus()
	sub, err := bus.Subscribe(types.EvtStateChanged{})
	require.NoError(t, err)
	defer sub.Close()

	c := New(fastConfig(), nil, transport.NewPipeDialer(hub), bus)
	require.NoError(t, c.Start())
	defer c.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.True(t, c.WaitConnected(ctx))

	// 排空首次建连期间的事件
	drained := false
	for !drained {
		select {
		case <-sub.Out():
		default:
			drained = true
		}
	}

	require.NoError(t, c.Channel().Port.Close())

	deadline := time.After(2 * time.Second)
	var states []types.ConnectionState
	for {
		select {
		case evt := <-sub.Out():
			e := evt.(types.EvtStateChanged)
			states = append(states, e.New)
		case <-deadline:
			t.Fatalf("未重新连上，状态序列: %v", states)
		}
		if len(states) > 0 && states[len(states)-1] == types.StateConnected {
			break
		}
	}

	assert.Contains(t, states, types.StateReconnecting)
	assert.NotContains(t, states, types.StateConnecting)
}

// TestAttemptHook 每次拨号尝试触发回调
func TestAttemptHook(t *testing.T) {
	hub := transport.NewPipeHub()
	hub.SetUnavailable(true)
	defer hub.Close()

	attempts := atomic.Int32{}
	c := New(fastConfig(), nil, transport.NewPipeDialer(hub), nil)
	c.SetOnAttempt(func() { attempts.Add(1) })

	require.NoError(t, c.Start())
	defer c.Stop()

	// 冷启动期间每次重试都计数
	require.Eventually(t, func() bool {
		return attempts.Load() >= 3
	}, 2*time.Second, 5*time.Millisecond)

	hub.SetUnavailable(false)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.True(t, c.WaitConnected(ctx))
	assert.GreaterOrEqual(t, attempts.Load(), int32(3))
}

func TestStopIdempotent(t *testing.T) {
	hub := transport.NewPipeHub()
	defer hub.Close()
	c := New(fastConfig(), nil, transport.NewPipeDialer(hub), nil)
	require.NoError(t, c.Start())
	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())
}
