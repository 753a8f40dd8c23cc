// Package nonce 实现关键操作的幂等账本
//
// 宿主端以客户端提供的 nonce 为键，记录在途与已完成的关键
// 操作：markPending 在任何副作用发生前登记意图，storeResult /
// storeError 恰好一次地迁移到终态。重复提交返回首次结局而非
// 重新执行。条目按 TTL 过期，总量由 LRU 上限约束，状态通过
// 防抖快照落盘，宿主重启后 TTL 窗口内的状态不丢失。
package nonce

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/portlink/go-portlink/pkg/lib/log"
	"github.com/portlink/go-portlink/pkg/types"
)

var logger = log.Logger("core/nonce")

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrNonceExists nonce 已登记且未过期
	ErrNonceExists = errors.New("nonce already registered")

	// ErrNonceNotFound nonce 未登记
	ErrNonceNotFound = errors.New("nonce not found")

	// ErrNonceImmutable 终态条目在过期前不可变更
	ErrNonceImmutable = errors.New("nonce entry is terminal")
)

// ============================================================================
//                              配置
// ============================================================================

// Config 幂等账本配置
type Config struct {
	// PendingTTL 在途登记的存活时长
	// 防护首次尝试执行中时到达的重复提交。
	// 默认值: 5m
	PendingTTL time.Duration

	// TerminalTTL 终态条目的存活时长
	// 操作完成后的重试在此窗口内返回原始结局。
	// 默认值: 24h
	TerminalTTL time.Duration

	// MaxEntries 账本容量上限（LRU 淘汰）
	// 默认值: 1000
	MaxEntries int

	// SnapshotDebounce 快照防抖窗口
	// 默认值: 2s
	SnapshotDebounce time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		PendingTTL:       5 * time.Minute,
		TerminalTTL:      24 * time.Hour,
		MaxEntries:       1000,
		SnapshotDebounce: 2 * time.Second,
	}
}

// Validate 修正无效值为默认值
func (c *Config) Validate() {
	if c.PendingTTL <= 0 {
		c.PendingTTL = 5 * time.Minute
	}
	if c.TerminalTTL <= 0 {
		c.TerminalTTL = 24 * time.Hour
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 1000
	}
	if c.SnapshotDebounce <= 0 {
		c.SnapshotDebounce = 2 * time.Second
	}
}

// ============================================================================
//                              查询结果
// ============================================================================

// CheckResult checkNonce 的结果
type CheckResult struct {
	Exists bool              `json:"exists"`
	Status types.NonceStatus `json:"status,omitempty"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// Generate 生成一个新的 nonce
func Generate() string {
	return uuid.NewString()
}

// ============================================================================
//                              Ledger 实现
// ============================================================================

// Ledger 幂等账本
type Ledger struct {
	mu      sync.Mutex
	cfg     Config
	clk     clock.Clock
	entries map[string]*types.NonceEntry
	index   *lru.Cache[string, struct{}]

	snap *snapshotter
}

// New 创建幂等账本
//
// snap 为 nil 时不做持久化（测试场景）。
func New(cfg Config, clk clock.Clock, snap Persister) (*Ledger, error) {
	cfg.Validate()
	if clk == nil {
		clk = clock.New()
	}

	l := &Ledger{
		cfg:     cfg,
		clk:     clk,
		entries: make(map[string]*types.NonceEntry),
	}

	// 淘汰回调在持有 l.mu 的调用栈内触发，只做裸删除
	index, err := lru.NewWithEvict[string, struct{}](cfg.MaxEntries, func(nonce string, _ struct{}) {
		delete(l.entries, nonce)
	})
	if err != nil {
		return nil, err
	}
	l.index = index

	if snap != nil {
		l.snap = newSnapshotter(cfg.SnapshotDebounce, clk, snap, l.exportPruned)
	}
	return l, nil
}

// Load 从快照恢复账本（过期条目被剪除）
func (l *Ledger) Load() error {
	if l.snap == nil {
		return nil
	}

	entries, err := l.snap.load()
	if err != nil {
		return err
	}

	now := l.clk.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range entries {
		if e.Expired(now) {
			continue
		}
		l.entries[e.Nonce] = e
		l.index.Add(e.Nonce, struct{}{})
	}
	logger.Info("幂等账本已恢复", "entries", len(l.entries))
	return nil
}

// Check 查询 nonce 状态
//
// 过期条目在读取时被逐出；未登记返回 Exists=false。
func (l *Ledger) Check(n string) CheckResult {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[n]
	if !ok {
		return CheckResult{}
	}
	if e.Expired(l.clk.Now()) {
		l.index.Remove(n)
		delete(l.entries, n)
		return CheckResult{}
	}

	return CheckResult{
		Exists: true,
		Status: e.Status,
		Result: e.Result,
		Error:  e.Error,
	}
}

// MarkPending 在任何副作用发生前登记执行意图
//
// 已有未过期条目时返回 ErrNonceExists（由调用方按 Check 结果
// 决定返回缓存结局还是"执行中"错误）。
func (l *Ledger) MarkPending(n string, ts int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	if e, ok := l.entries[n]; ok && !e.Expired(now) {
		return ErrNonceExists
	}

	l.entries[n] = &types.NonceEntry{
		Nonce:     n,
		Status:    types.NoncePending,
		Timestamp: ts,
		ExpiresAt: now.Add(l.cfg.PendingTTL).UnixMilli(),
	}
	l.index.Add(n, struct{}{})
	l.scheduleSnapshotLocked()
	return nil
}

// StoreResult 记录成功结局（终态，较长 TTL）
func (l *Ledger) StoreResult(n string, result json.RawMessage) error {
	return l.finalize(n, func(e *types.NonceEntry) {
		e.Status = types.NonceCompleted
		e.Result = result
	})
}

// StoreError 记录失败结局（终态，较长 TTL）
func (l *Ledger) StoreError(n string, msg string) error {
	return l.finalize(n, func(e *types.NonceEntry) {
		e.Status = types.NonceFailed
		e.Error = msg
	})
}

// finalize 迁移到终态（恰好一次）
func (l *Ledger) finalize(n string, mut func(*types.NonceEntry)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[n]
	if !ok {
		return ErrNonceNotFound
	}
	if e.Status.Terminal() {
		return ErrNonceImmutable
	}

	mut(e)
	e.ExpiresAt = l.clk.Now().Add(l.cfg.TerminalTTL).UnixMilli()
	l.index.Add(n, struct{}{})
	l.scheduleSnapshotLocked()
	return nil
}

// Len 返回账本条目数
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Close 冲刷待写快照
func (l *Ledger) Close() error {
	if l.snap == nil {
		return nil
	}
	return l.snap.flush()
}

// scheduleSnapshotLocked 调度一次防抖快照（调用方持有 l.mu）
func (l *Ledger) scheduleSnapshotLocked() {
	if l.snap != nil {
		l.snap.schedule()
	}
}

// exportPruned 导出账本内容，顺带剪除已过期条目
func (l *Ledger) exportPruned() map[string]*types.NonceEntry {
	now := l.clk.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]*types.NonceEntry, len(l.entries))
	for n, e := range l.entries {
		if e.Expired(now) {
			l.index.Remove(n)
			delete(l.entries, n)
			continue
		}
		cp := *e
		out[n] = &cp
	}
	return out
}
