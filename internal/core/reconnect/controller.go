package reconnect

// 重连控制器独占持有传输通道的生命周期：
//
//	connecting → connected → {reconnecting ⇄ connected} → disconnected/error
//
// 断连路径按错误分类选择退避策略：宿主冷启动（接收端不存在）
// 使用无界重试，普通断连使用有界重试加冷却。通道建立后先做
// 应用级验证 ping，通过才宣告 connected。

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/portlink/go-portlink/internal/core/eventbus"
	"github.com/portlink/go-portlink/pkg/transport"
	"github.com/portlink/go-portlink/pkg/lib/log"
	"github.com/portlink/go-portlink/pkg/types"
)

var logger = log.Logger("core/reconnect")

// ============================================================================
//                              通道
// ============================================================================

// Channel 当前活动通道
//
// 每次重连整体替换，从不原地修补。
type Channel struct {
	// ID 通道标识
	ID string

	// Port 底层传输端口
	Port transport.Port

	// CreatedAt 建立时间
	CreatedAt time.Time
}

// ============================================================================
//                              Controller 实现
// ============================================================================

// VerifyFunc 应用级连接验证（在新通道上执行 ping）
type VerifyFunc func(ctx context.Context, port transport.Port) error

// Controller 重连控制器
type Controller struct {
	cfg    Config
	clk    clock.Clock
	dialer transport.Dialer
	bus    *eventbus.Bus

	verify         VerifyFunc
	onConnected    func(*Channel)
	onDisconnected func()
	onAttempt      func()

	mu             sync.Mutex
	state          types.ConnectionState
	channel        *Channel
	restartRetries int
	normalRetries  int
	graceUntil     time.Time
	waiters        []chan struct{}

	loopActive atomic.Bool
	kick       chan struct{}

	running int32
	ctx     context.Context
	cancel  context.CancelFunc
}

// New 创建重连控制器
func New(cfg Config, clk clock.Clock, dialer transport.Dialer, bus *eventbus.Bus) *Controller {
	cfg.Validate()
	if clk == nil {
		clk = clock.New()
	}
	return &Controller{
		cfg:    cfg,
		clk:    clk,
		dialer: dialer,
		bus:    bus,
		state:  types.StateConnecting,
		kick:   make(chan struct{}, 1),
	}
}

// SetVerify 设置应用级验证函数
func (c *Controller) SetVerify(v VerifyFunc) { c.verify = v }

// SetOnConnected 设置连接就绪回调（排空队列等）
func (c *Controller) SetOnConnected(f func(*Channel)) { c.onConnected = f }

// SetOnDisconnected 设置软拆除回调（挂起请求迁入队列）
func (c *Controller) SetOnDisconnected(f func()) { c.onDisconnected = f }

// SetOnAttempt 设置拨号尝试回调（指标计数）
func (c *Controller) SetOnAttempt(f func()) { c.onAttempt = f }

// ============================================================================
//                              生命周期
// ============================================================================

// Start 启动控制器并发起首次连接
func (c *Controller) Start() error {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		return nil
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.spawnLoop("initial connect")
	logger.Info("重连控制器已启动")
	return nil
}

// Stop 停止控制器并拆除通道
func (c *Controller) Stop() error {
	if !atomic.CompareAndSwapInt32(&c.running, 1, 0) {
		return nil
	}
	c.cancel()

	c.mu.Lock()
	ch := c.channel
	c.channel = nil
	c.mu.Unlock()
	if ch != nil {
		_ = ch.Port.Close()
	}
	logger.Info("重连控制器已停止")
	return nil
}

// ============================================================================
//                              状态查询
// ============================================================================

// State 返回当前连接状态
func (c *Controller) State() types.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected 判断是否已连接
func (c *Controller) Connected() bool {
	return c.State() == types.StateConnected
}

// Reconnecting 判断重连流程是否在进行中
func (c *Controller) Reconnecting() bool {
	return c.loopActive.Load()
}

// Channel 返回当前活动通道（可能为 nil）
func (c *Controller) Channel() *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channel
}

// InGrace 判断是否处于连接就绪后的宽限期
func (c *Controller) InGrace() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clk.Now().Before(c.graceUntil)
}

// WaitConnected 阻塞等待进入 connected 状态
func (c *Controller) WaitConnected(ctx context.Context) bool {
	c.mu.Lock()
	if c.state == types.StateConnected {
		c.mu.Unlock()
		return true
	}
	w := make(chan struct{})
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return false
	case <-w:
		return true
	}
}

// ============================================================================
//                              重连触发
// ============================================================================

// Reconnect 手动重连：双计数器清零后重新进入 connecting
func (c *Controller) Reconnect() {
	c.mu.Lock()
	c.restartRetries = 0
	c.normalRetries = 0
	c.mu.Unlock()

	select {
	case c.kick <- struct{}{}:
	default:
	}
	c.spawnLoop("manual reconnect")
}

// TriggerReconnect 由健康监控或关联器升级触发的重连
//
// 宽限期内抑制超时类触发：刚重启的宿主尚未注册处理器，
// 此时的请求超时不代表通道故障。
func (c *Controller) TriggerReconnect(class types.ErrorClass) {
	if class == types.ClassTimeout && c.InGrace() {
		logger.Debug("宽限期内忽略超时触发的重连")
		return
	}
	c.spawnLoop(fmt.Sprintf("triggered by %s", class))
}

// handlePortClosed 稳态下通道关闭
func (c *Controller) handlePortClosed(portID string, cause error) {
	c.mu.Lock()
	if c.channel == nil || c.channel.Port.ID() != portID {
		// 已被替换的旧通道，忽略
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	logger.Warn("通道断开", "port", portID, "cause", cause)
	c.spawnLoop("port closed")
}

// ============================================================================
//                              连接主循环
// ============================================================================

// spawnLoop 启动连接循环（同一时刻至多一个）
func (c *Controller) spawnLoop(reason string) {
	if atomic.LoadInt32(&c.running) != 1 {
		return
	}
	if !c.loopActive.CompareAndSwap(false, true) {
		return
	}
	logger.Debug("进入连接循环", "reason", reason)
	go func() {
		defer c.loopActive.Store(false)
		c.connectLoop()
	}()
}

// connectLoop 连接主循环，直到成功或控制器停止
func (c *Controller) connectLoop() {
	// 软拆除旧通道：挂起请求迁入队列而非被拒绝。曾经有过
	// 通道则本轮属于恢复，从第一次尝试起即发布 reconnecting。
	recovering := c.teardown()

	for {
		if c.ctx.Err() != nil {
			return
		}

		if recovering {
			c.setState(types.StateReconnecting, "retrying")
		} else {
			c.setState(types.StateConnecting, "opening channel")
			recovering = true
		}

		if c.onAttempt != nil {
			c.onAttempt()
		}
		port, err := c.dialer.Dial(c.ctx)
		if err == nil {
			err = c.watchEarlyErrors(port)
		}
		if err == nil {
			err = c.verifyPort(port)
		}
		if err == nil {
			c.establish(port)
			return
		}

		if !c.backoffWait(err) {
			return
		}
	}
}

// teardown 软拆除当前通道，返回拆除前是否存在通道
func (c *Controller) teardown() bool {
	c.mu.Lock()
	ch := c.channel
	c.channel = nil
	c.mu.Unlock()

	if c.onDisconnected != nil {
		c.onDisconnected()
	}
	if ch != nil {
		_ = ch.Port.Close()
	}
	return ch != nil
}

// watchEarlyErrors 在观察窗口内等待即时平台错误
func (c *Controller) watchEarlyErrors(port transport.Port) error {
	errCh := make(chan error, 1)
	port.SetCloseHandler(func(cause error) {
		if cause == nil {
			cause = types.ErrPortClosed
		}
		select {
		case errCh <- cause:
		default:
		}
	})

	t := c.clk.Timer(c.cfg.EarlyErrorWindow)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		_ = port.Close()
		return c.ctx.Err()
	case err := <-errCh:
		logger.Debug("通道建立后即时失败", "err", err)
		return err
	case <-t.C:
		return nil
	}
}

// verifyPort 应用级验证 ping
//
// 与稳态心跳相互独立；验证失败回到冷启动重试路径，
// 而不是宣告假成功。
func (c *Controller) verifyPort(port transport.Port) error {
	if c.verify == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.VerifyTimeout)
	defer cancel()

	if err := c.verify(ctx, port); err != nil {
		_ = port.Close()
		logger.Warn("连接验证失败", "err", err)
		return fmt.Errorf("%w: verification failed: %v", types.ErrHostUnavailable, err)
	}
	return nil
}

// establish 通道就绪：清零计数、进入宽限期并宣告 connected
func (c *Controller) establish(port transport.Port) {
	ch := &Channel{
		ID:        uuid.NewString(),
		Port:      port,
		CreatedAt: c.clk.Now(),
	}

	c.mu.Lock()
	c.channel = ch
	c.restartRetries = 0
	c.normalRetries = 0
	c.graceUntil = c.clk.Now().Add(c.cfg.GracePeriod)
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	portID := port.ID()
	port.SetCloseHandler(func(cause error) {
		c.handlePortClosed(portID, cause)
	})

	c.setState(types.StateConnected, "verified")
	logger.Info("通道已就绪", "channel", ch.ID)

	if c.onConnected != nil {
		c.onConnected(ch)
	}
	for _, w := range waiters {
		close(w)
	}
}

// backoffWait 按错误分类退避等待，返回 false 表示控制器已停止
func (c *Controller) backoffWait(err error) bool {
	var delay time.Duration

	switch types.ClassifyError(err) {
	case types.ClassHostRestarting:
		// 宿主可能正在合法冷启动：无界重试，不计入普通预算
		c.mu.Lock()
		c.restartRetries++
		attempt := c.restartRetries
		c.mu.Unlock()
		delay = c.cfg.Backoff(attempt)
		logger.Debug("宿主冷启动重试", "attempt", attempt, "delay", delay)

	default:
		c.mu.Lock()
		c.normalRetries++
		attempt := c.normalRetries
		exhausted := attempt > c.cfg.MaxRetries
		if exhausted {
			c.normalRetries = 0
		}
		c.mu.Unlock()

		if exhausted {
			// 预算耗尽进入冷却，冷却后计数已归零、重试继续
			c.setState(types.StateDisconnected, "retry budget exhausted")
			logger.Warn("重试预算耗尽，进入冷却", "cooldown", c.cfg.Cooldown)
			delay = c.cfg.Cooldown
		} else {
			delay = c.cfg.Backoff(attempt)
			logger.Debug("断连重试", "attempt", attempt, "delay", delay)
		}
	}

	t := c.clk.Timer(delay)
	defer t.Stop()
	select {
	case <-c.ctx.Done():
		return false
	case <-c.kick:
		// 手动重连，跳过剩余退避
		return true
	case <-t.C:
		return true
	}
}

// setState 变更状态并发布事件
func (c *Controller) setState(s types.ConnectionState, reason string) {
	c.mu.Lock()
	old := c.state
	if old == s {
		c.mu.Unlock()
		return
	}
	c.state = s
	c.mu.Unlock()

	logger.Debug("连接状态变更", "old", old, "new", s, "reason", reason)
	if c.bus != nil {
		c.bus.Emit(types.EvtStateChanged{Old: old, New: s, Reason: reason})
	}
}
