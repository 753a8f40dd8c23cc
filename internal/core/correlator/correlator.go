// Package correlator 实现请求响应关联器
//
// 为每个出站请求分配单调递增 ID，登记挂起表并武装超时定时器；
// 响应按 ID 匹配，乱序到达不影响关联。短超时请求的连续超时
// 会升级为"宿主无响应"并通知重连控制器。
package correlator

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/portlink/go-portlink/pkg/lib/log"
	"github.com/portlink/go-portlink/pkg/types"
)

var logger = log.Logger("core/correlator")

// ============================================================================
//                              配置
// ============================================================================

// Config 关联器配置
type Config struct {
	// DefaultTimeout 未指定超时时使用的默认值
	// 默认值: 30s
	DefaultTimeout time.Duration

	// ShortTimeoutThreshold 短超时阈值
	// 超时时长低于此值的请求才参与连续超时计数；
	// 长超时代表有意的慢操作，不触发重连。
	// 默认值: 10s
	ShortTimeoutThreshold time.Duration

	// EscalationThreshold 连续超时升级阈值
	// 默认值: 2
	EscalationThreshold int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:        30 * time.Second,
		ShortTimeoutThreshold: 10 * time.Second,
		EscalationThreshold:   2,
	}
}

// Validate 修正无效值为默认值
func (c *Config) Validate() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.ShortTimeoutThreshold <= 0 {
		c.ShortTimeoutThreshold = 10 * time.Second
	}
	if c.EscalationThreshold <= 0 {
		c.EscalationThreshold = 2
	}
}

// ============================================================================
//                              挂起请求
// ============================================================================

// Outcome 请求的最终结局
//
// resolve / reject-by-error / reject-by-timeout 三者恰好发生其一。
type Outcome struct {
	Data json.RawMessage
	Err  error
}

// Pending 一条挂起请求
type Pending struct {
	// ID 请求标识，挂起或排队期间不复用
	ID uint64

	// Key 消息键
	Key string

	// Payload 请求负载
	Payload json.RawMessage

	// Timeout 请求自身的超时时长
	Timeout time.Duration

	// CreatedAt 创建时间
	CreatedAt time.Time

	timer   *clock.Timer
	waiters []chan Outcome
	fired   bool
}

// short 判断是否为短超时请求
func (p *Pending) short(threshold time.Duration) bool {
	return p.Timeout < threshold
}

// ============================================================================
//                              Correlator 实现
// ============================================================================

// Correlator 请求响应关联器
type Correlator struct {
	mu      sync.Mutex
	cfg     Config
	clk     clock.Clock
	pending map[uint64]*Pending
	nextID  uint64

	consecutiveTimeouts int
	onEscalate          func()
}

// New 创建关联器
func New(cfg Config, clk clock.Clock) *Correlator {
	cfg.Validate()
	if clk == nil {
		clk = clock.New()
	}
	return &Correlator{
		cfg:     cfg,
		clk:     clk,
		pending: make(map[uint64]*Pending),
	}
}

// SetEscalateHandler 设置升级回调
//
// 连续短超时达到阈值时触发，用于通知重连控制器。
func (c *Correlator) SetEscalateHandler(h func()) {
	c.mu.Lock()
	c.onEscalate = h
	c.mu.Unlock()
}

// Register 登记一条挂起请求并武装其超时定时器
//
// 返回的通道恰好收到一次结局。
func (c *Correlator) Register(key string, payload json.RawMessage, timeout time.Duration) (*Pending, <-chan Outcome) {
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID

	p := &Pending{
		ID:        id,
		Key:       key,
		Payload:   payload,
		Timeout:   timeout,
		CreatedAt: c.clk.Now(),
	}
	ch := make(chan Outcome, 1)
	p.waiters = append(p.waiters, ch)
	p.timer = c.clk.AfterFunc(timeout, func() { c.handleTimeout(id) })
	c.pending[id] = p
	return p, ch
}

// Attach 附加一个额外的结局等待者
//
// 用于把去重命中的重复请求挂到原始请求的结局上。
func (c *Correlator) Attach(id uint64) (<-chan Outcome, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	ch := make(chan Outcome, 1)
	p.waiters = append(p.waiters, ch)
	return ch, true
}

// Link 把一条挂起请求挂接到另一条的结局上
//
// 幂等去重命中时使用：dupID 的等待者并入 origID，dupID 的
// 表项被移除，其 ID 在原请求结束前不会复用。
func (c *Correlator) Link(dupID, origID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	dup, ok := c.pending[dupID]
	if !ok {
		return false
	}
	orig, ok := c.pending[origID]
	if !ok {
		return false
	}

	dup.stopTimer()
	delete(c.pending, dupID)
	orig.waiters = append(orig.waiters, dup.waiters...)
	return true
}

// Resolve 按响应匹配挂起请求
//
// 找到匹配项时清除定时器、移除挂起表项并按响应 error 字段
// 决定结局；同时清零连续超时计数。晚到的响应被忽略。
func (c *Correlator) Resolve(resp *types.Response) bool {
	c.mu.Lock()
	p, ok := c.pending[resp.ID]
	if !ok {
		c.mu.Unlock()
		logger.Debug("收到无匹配响应，忽略", "id", resp.ID)
		return false
	}
	delete(c.pending, resp.ID)
	c.consecutiveTimeouts = 0
	c.mu.Unlock()

	p.stopTimer()
	if resp.IsSuccess() {
		p.fire(Outcome{Data: resp.Data})
	} else {
		p.fire(Outcome{Err: &types.RemoteError{Msg: resp.Error}})
	}
	return true
}

// Fail 以给定错误终结一条挂起请求
func (c *Correlator) Fail(id uint64, err error) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if !ok {
		return false
	}
	p.stopTimer()
	p.fire(Outcome{Err: err})
	return true
}

// Suspend 暂停一条挂起请求的超时计时
//
// 请求转入队列期间由队列按自身年龄判定过期。
func (c *Correlator) Suspend(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if !ok {
		return false
	}
	p.stopTimer()
	return true
}

// Resume 重新武装一条挂起请求的超时定时器
func (c *Correlator) Resume(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if !ok {
		return false
	}
	p.timer = c.clk.AfterFunc(p.Timeout, func() { c.handleTimeout(id) })
	return true
}

// SuspendAll 暂停全部挂起请求并按 ID 升序返回
//
// 软拆除路径：断连时挂起请求迁入队列而非被拒绝。
func (c *Correlator) SuspendAll() []*Pending {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*Pending, 0, len(c.pending))
	for _, p := range c.pending {
		p.stopTimer()
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// FailAllShort 以给定错误终结全部短超时挂起请求
func (c *Correlator) FailAllShort(err error) int {
	c.mu.Lock()
	var victims []*Pending
	for id, p := range c.pending {
		if p.short(c.cfg.ShortTimeoutThreshold) {
			delete(c.pending, id)
			victims = append(victims, p)
		}
	}
	c.mu.Unlock()

	for _, p := range victims {
		p.stopTimer()
		p.fire(Outcome{Err: err})
	}
	return len(victims)
}

// FailAll 以给定错误终结全部挂起请求
//
// 关闭路径使用：长短超时一并拒绝，不留任何武装中的定时器。
func (c *Correlator) FailAll(err error) int {
	c.mu.Lock()
	victims := make([]*Pending, 0, len(c.pending))
	for id, p := range c.pending {
		delete(c.pending, id)
		victims = append(victims, p)
	}
	c.mu.Unlock()

	for _, p := range victims {
		p.stopTimer()
		p.fire(Outcome{Err: err})
	}
	return len(victims)
}

// ResetTimeoutCounter 清零连续超时计数
func (c *Correlator) ResetTimeoutCounter() {
	c.mu.Lock()
	c.consecutiveTimeouts = 0
	c.mu.Unlock()
}

// PendingCount 返回挂起请求数
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// handleTimeout 请求超时处理
//
// 仅短超时请求参与连续超时计数；达到阈值时批量拒绝其余
// 短超时请求并触发升级回调。
func (c *Correlator) handleTimeout(id uint64) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)

	escalate := false
	if p.short(c.cfg.ShortTimeoutThreshold) {
		c.consecutiveTimeouts++
		if c.consecutiveTimeouts >= c.cfg.EscalationThreshold {
			c.consecutiveTimeouts = 0
			escalate = true
		}
	}
	onEscalate := c.onEscalate
	c.mu.Unlock()

	logger.Debug("请求超时", "id", id, "key", p.Key, "timeout", p.Timeout)
	p.fire(Outcome{Err: types.ErrRequestTimeout})

	if escalate {
		logger.Warn("连续短超时达到阈值，判定宿主无响应")
		c.FailAllShort(types.ErrUnresponsive)
		if onEscalate != nil {
			onEscalate()
		}
	}
}

// stopTimer 停止超时定时器
func (p *Pending) stopTimer() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

// fire 向所有等待者投递结局（至多一次）
func (p *Pending) fire(o Outcome) {
	if p.fired {
		return
	}
	p.fired = true
	for _, ch := range p.waiters {
		ch <- o
	}
}
