package health

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

// harness 心跳测试脚手架，直接驱动 tick
type harness struct {
	m         *Monitor
	clk       *clock.Mock
	pingErr   error
	pings     int
	connected bool
	unhealthy int
}

func newHarness(cfg Config) *harness {
	h := &harness{clk: clock.NewMock(), connected: true}
	h.m = New(cfg, h.clk,
		func(context.Context) error {
			h.pings++
			return h.pingErr
		},
		func() bool { return h.connected },
		func() { h.unhealthy++ },
	)
	h.m.ctx, h.m.cancel = context.WithCancel(context.Background())
	return h
}

// ============================================================================
//                              失败阈值
// ============================================================================

func TestFailureThreshold(t *testing.T) {
	t.Run("连续失败达到阈值触发", func(t *testing.T) {
		h := newHarness(Config{FailureThreshold: 2})
		h.pingErr = errors.New("timeout")

		h.m.tick()
		assert.Equal(t, 0, h.unhealthy)
		h.m.tick()
		assert.Equal(t, 1, h.unhealthy)

		// 触发后计数清零，重新累计
		h.m.tick()
		assert.Equal(t, 1, h.unhealthy)
		h.m.tick()
		assert.Equal(t, 2, h.unhealthy)
	})

	t.Run("成功清零计数", func(t *testing.T) {
		h := newHarness(Config{FailureThreshold: 2})

		h.pingErr = errors.New("timeout")
		h.m.tick()
		h.pingErr = nil
		h.m.tick()
		h.pingErr = errors.New("timeout")
		h.m.tick()
		assert.Equal(t, 0, h.unhealthy)
	})

	t.Run("未连接时跳过心跳", func(t *testing.T) {
		h := newHarness(Config{})
		h.connected = false
		h.m.tick()
		assert.Equal(t, 0, h.pings)
	})
}

// ============================================================================
//                              暂停窗口
// ============================================================================

func TestPauseWindow(t *testing.T) {
	t.Run("窗口内不发心跳且清零计数", func(t *testing.T) {
		h := newHarness(Config{FailureThreshold: 2})

		h.pingErr = errors.New("timeout")
		h.m.tick()

		h.m.Pause(30 * time.Second)
		assert.True(t, h.m.Paused())

		pingsBefore := h.pings
		h.m.tick()
		assert.Equal(t, pingsBefore, h.pings)

		// 窗口结束后从零累计
		h.clk.Add(31 * time.Second)
		assert.False(t, h.m.Paused())
		h.m.tick()
		assert.Equal(t, 0, h.unhealthy)
	})

	t.Run("重复暂停取最晚截止", func(t *testing.T) {
		h := newHarness(Config{})
		h.m.Pause(30 * time.Second)
		h.m.Pause(10 * time.Second)

		h.clk.Add(20 * time.Second)
		assert.True(t, h.m.Paused())
		h.clk.Add(11 * time.Second)
		assert.False(t, h.m.Paused())
	})
}

// ============================================================================
//                              启停
// ============================================================================

func TestStartStop(t *testing.T) {
	h := newHarness(Config{Interval: 10 * time.Second})
	h.m.Start()
	h.m.Start() // 重复启动无害
	h.m.Stop()
	h.m.Stop() // 重复停止无害
}
