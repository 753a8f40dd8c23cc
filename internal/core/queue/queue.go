// Package queue 实现离线请求队列
//
// 让短暂断连对调用方不可见：无法立即发送的请求进入队列，
// 重连验证通过后按序串行重放。写类操作按派生幂等键去重，
// 排队时长超过自身超时的请求直接过期拒绝。
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/portlink/go-portlink/pkg/lib/log"
	"github.com/portlink/go-portlink/pkg/types"
)

var logger = log.Logger("core/queue")

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrQueueFull 队列已满
	ErrQueueFull = errors.New("request queue full")

	// ErrNotQueueable 内部消息不允许排队
	ErrNotQueueable = errors.New("internal message not queueable")

	// ErrExpiredInQueue 请求在队列中超过自身超时
	ErrExpiredInQueue = errors.New("request expired while queued")

	// ErrRetriesExhausted 重放重试预算耗尽
	ErrRetriesExhausted = errors.New("queued request retries exhausted")
)

// ============================================================================
//                              配置
// ============================================================================

// Config 队列配置
type Config struct {
	// Capacity 队列容量
	// 默认值: 50
	Capacity int

	// MaxRetries 单条请求的重放重试预算
	// 默认值: 3
	MaxRetries int

	// DrainInterval 重放时相邻请求间的间隔
	// 刚重启的宿主尚在恢复，逐条发送以控制负载。
	// 默认值: 50ms
	DrainInterval time.Duration

	// RetryBaseDelay 重放失败的初始退避
	// 默认值: 200ms
	RetryBaseDelay time.Duration

	// RetryMaxDelay 重放失败的退避上限
	// 默认值: 5s
	RetryMaxDelay time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Capacity:       50,
		MaxRetries:     3,
		DrainInterval:  50 * time.Millisecond,
		RetryBaseDelay: 200 * time.Millisecond,
		RetryMaxDelay:  5 * time.Second,
	}
}

// Validate 修正无效值为默认值
func (c *Config) Validate() {
	if c.Capacity <= 0 {
		c.Capacity = 50
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.DrainInterval <= 0 {
		c.DrainInterval = 50 * time.Millisecond
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 200 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
}

// ============================================================================
//                              队列条目
// ============================================================================

// Item 一条排队请求
type Item struct {
	// ID 请求标识（与关联器挂起表共享）
	ID uint64

	// Key 消息键
	Key string

	// Payload 请求负载
	Payload json.RawMessage

	// Timeout 请求自身的超时时长（用于排队过期判定）
	Timeout time.Duration

	// RetryCount 已重试次数
	RetryCount int

	// MaxRetries 重试预算
	MaxRetries int

	// QueuedAt 入队时间
	QueuedAt time.Time

	// IdempotencyKey 派生幂等键（读类操作为空）
	IdempotencyKey string
}

// expired 判断条目是否已在队列中过期
func (it *Item) expired(now time.Time) bool {
	return now.Sub(it.QueuedAt) > it.Timeout
}

// ============================================================================
//                              幂等键派生
// ============================================================================

// readLikePrefixes 读类操作键前缀（读操作不参与去重）
var readLikePrefixes = []string{"get", "fetch", "read", "list", "query", "watch", "ping", "status"}

// writeLike 启发式判断键是否为写类操作
func writeLike(key string) bool {
	if types.IsInternalKey(key) {
		return false
	}
	lower := strings.ToLower(key)
	for _, p := range readLikePrefixes {
		if strings.HasPrefix(lower, p) {
			return false
		}
	}
	return true
}

// DeriveIdempotencyKey 由消息键与序列化负载派生幂等键
//
// 读类操作返回空串（不去重）。
func DeriveIdempotencyKey(key string, payload json.RawMessage) string {
	if !writeLike(key) {
		return ""
	}
	return key + ":" + string(payload)
}

// ============================================================================
//                              Queue 实现
// ============================================================================

// Queue 离线请求队列
type Queue struct {
	mu       sync.Mutex
	cfg      Config
	clk      clock.Clock
	items    []*Item
	byIdem   map[string]uint64
	draining bool
}

// New 创建队列
func New(cfg Config, clk clock.Clock) *Queue {
	cfg.Validate()
	if clk == nil {
		clk = clock.New()
	}
	return &Queue{
		cfg:    cfg,
		clk:    clk,
		byIdem: make(map[string]uint64),
	}
}

// Enqueue 入队一条请求
//
// 返回值 dupOf 非零表示按幂等键命中在途重复请求：
// 该请求不会被重发，调用方应挂接到原始请求的结局上。
func (q *Queue) Enqueue(it *Item) (dupOf uint64, err error) {
	if types.IsInternalKey(it.Key) {
		return 0, ErrNotQueueable
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if it.IdempotencyKey == "" {
		it.IdempotencyKey = DeriveIdempotencyKey(it.Key, it.Payload)
	}
	if it.IdempotencyKey != "" {
		if orig, ok := q.byIdem[it.IdempotencyKey]; ok {
			logger.Debug("幂等键命中在途请求", "key", it.Key, "orig", orig)
			return orig, nil
		}
	}

	if len(q.items) >= q.cfg.Capacity {
		return 0, ErrQueueFull
	}

	if it.MaxRetries <= 0 {
		it.MaxRetries = q.cfg.MaxRetries
	}
	if it.QueuedAt.IsZero() {
		it.QueuedAt = q.clk.Now()
	}

	q.items = append(q.items, it)
	if it.IdempotencyKey != "" {
		q.byIdem[it.IdempotencyKey] = it.ID
	}
	logger.Debug("请求入队", "id", it.ID, "key", it.Key, "depth", len(q.items))
	return 0, nil
}

// Len 返回当前队列深度
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// FailAll 以给定错误清空队列
//
// 每条被清除的请求都会回调 result。
func (q *Queue) FailAll(err error, result func(*Item, error)) {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.byIdem = make(map[string]uint64)
	q.mu.Unlock()

	for _, it := range items {
		result(it, err)
	}
}

// Drain 串行重放队列
//
// 每次只处理一条：过期条目直接以 ErrExpiredInQueue 回调；
// 发送失败按容量上限指数退避重试，预算耗尽后以
// ErrRetriesExhausted 回调；成功或终态后移除幂等键并前进。
// 同一时刻只允许一个 Drain 在跑。
func (q *Queue) Drain(ctx context.Context, send func(*Item) error, result func(*Item, error)) {
	q.mu.Lock()
	if q.draining {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	for {
		if ctx.Err() != nil {
			return
		}

		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		it := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		if it.expired(q.clk.Now()) {
			q.finish(it)
			result(it, ErrExpiredInQueue)
			continue
		}

		if err := q.sleep(ctx, q.cfg.DrainInterval); err != nil {
			// 排空被取消，条目放回队首
			q.requeueFront(it)
			return
		}

		if err := send(it); err != nil {
			it.RetryCount++
			if it.RetryCount > it.MaxRetries {
				logger.Warn("重放重试预算耗尽", "id", it.ID, "key", it.Key, "err", err)
				q.finish(it)
				result(it, ErrRetriesExhausted)
				continue
			}

			// 失败条目退到队尾，退避后继续
			q.mu.Lock()
			q.items = append(q.items, it)
			q.mu.Unlock()
			if err := q.sleep(ctx, q.backoff(it.RetryCount)); err != nil {
				return
			}
			continue
		}

		q.finish(it)
	}
}

// finish 移除条目的幂等键
func (q *Queue) finish(it *Item) {
	if it.IdempotencyKey == "" {
		return
	}
	q.mu.Lock()
	delete(q.byIdem, it.IdempotencyKey)
	q.mu.Unlock()
}

// requeueFront 把条目放回队首
func (q *Queue) requeueFront(it *Item) {
	q.mu.Lock()
	q.items = append([]*Item{it}, q.items...)
	q.mu.Unlock()
}

// backoff 计算第 n 次重试的退避时长（封顶）
func (q *Queue) backoff(n int) time.Duration {
	d := q.cfg.RetryBaseDelay
	for i := 1; i < n; i++ {
		d *= 2
		if d >= q.cfg.RetryMaxDelay {
			return q.cfg.RetryMaxDelay
		}
	}
	if d > q.cfg.RetryMaxDelay {
		d = q.cfg.RetryMaxDelay
	}
	return d
}

// sleep 可取消的等待
func (q *Queue) sleep(ctx context.Context, d time.Duration) error {
	t := q.clk.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
