// Package health 实现桥接通道的心跳监控
//
// 仅在控制器报告已连接且无暂停窗口时按固定间隔发送心跳；
// 连续失败达到阈值立即拒绝全部短超时挂起请求并发出重连
// 信号，不等待这些请求各自超时。
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/portlink/go-portlink/pkg/lib/log"
)

var logger = log.Logger("core/health")

// ============================================================================
//                              配置
// ============================================================================

// Config 心跳监控配置
type Config struct {
	// Interval 心跳间隔
	// 默认值: 10s
	Interval time.Duration

	// PingTimeout 单次心跳超时
	// 默认值: 3s
	PingTimeout time.Duration

	// FailureThreshold 连续失败阈值
	// 默认值: 2
	FailureThreshold int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Interval:         10 * time.Second,
		PingTimeout:      3 * time.Second,
		FailureThreshold: 2,
	}
}

// Validate 修正无效值为默认值
func (c *Config) Validate() {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.PingTimeout <= 0 {
		c.PingTimeout = 3 * time.Second
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 2
	}
}

// ============================================================================
//                              Monitor 实现
// ============================================================================

// PingFunc 心跳发送函数，成功返回 nil
type PingFunc func(ctx context.Context) error

// Monitor 心跳监控器
type Monitor struct {
	cfg Config
	clk clock.Clock

	ping        PingFunc
	connected   func() bool
	onUnhealthy func()

	mu         sync.Mutex
	pauseUntil time.Time
	failures   int

	running int32
	ctx     context.Context
	cancel  context.CancelFunc
}

// New 创建心跳监控器
//
// connected 报告控制器是否处于已连接状态；
// onUnhealthy 在连续失败达到阈值时触发。
func New(cfg Config, clk clock.Clock, ping PingFunc, connected func() bool, onUnhealthy func()) *Monitor {
	cfg.Validate()
	if clk == nil {
		clk = clock.New()
	}
	return &Monitor{
		cfg:         cfg,
		clk:         clk,
		ping:        ping,
		connected:   connected,
		onUnhealthy: onUnhealthy,
	}
}

// Start 启动心跳循环
func (m *Monitor) Start() {
	if !atomic.CompareAndSwapInt32(&m.running, 0, 1) {
		return
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	go m.loop()
	logger.Debug("心跳监控已启动", "interval", m.cfg.Interval)
}

// Stop 停止心跳循环
func (m *Monitor) Stop() {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return
	}
	m.cancel()
	logger.Debug("心跳监控已停止")
}

// Pause 开启暂停窗口
//
// 已知慢操作开始前调用。窗口内每个心跳 tick 都会清零失败
// 计数，保证暂停期本身不会误判为宿主失联。
func (m *Monitor) Pause(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	until := m.clk.Now().Add(d)
	if until.After(m.pauseUntil) {
		m.pauseUntil = until
	}
	logger.Debug("心跳暂停窗口已设置", "duration", d)
}

// Paused 判断当前是否处于暂停窗口
func (m *Monitor) Paused() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.clk.Now().Before(m.pauseUntil)
}

// loop 心跳主循环
func (m *Monitor) loop() {
	ticker := m.clk.Ticker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

// tick 单次心跳
func (m *Monitor) tick() {
	if !m.connected() {
		m.resetFailures()
		return
	}
	if m.Paused() {
		m.resetFailures()
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.PingTimeout)
	err := m.ping(ctx)
	cancel()

	if err == nil {
		m.resetFailures()
		return
	}

	m.mu.Lock()
	m.failures++
	failures := m.failures
	trigger := failures >= m.cfg.FailureThreshold
	if trigger {
		m.failures = 0
	}
	m.mu.Unlock()

	logger.Debug("心跳失败", "consecutive", failures, "err", err)
	if trigger && m.onUnhealthy != nil {
		logger.Warn("连续心跳失败达到阈值，触发重连")
		m.onUnhealthy()
	}
}

// resetFailures 清零失败计数
func (m *Monitor) resetFailures() {
	m.mu.Lock()
	m.failures = 0
	m.mu.Unlock()
}
