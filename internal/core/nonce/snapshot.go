package nonce

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/portlink/go-portlink/internal/core/storage"
	"github.com/portlink/go-portlink/pkg/types"
)

// ============================================================================
//                              持久化
// ============================================================================

// snapshotKey 快照在存储中的固定键
var snapshotKey = []byte("ledger")

// Persister 快照读写接口（由 storage.Store 满足）
type Persister interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
}

// snapshot 落盘的快照格式：单条记录，nonce → 条目
type snapshot struct {
	Entries map[string]*types.NonceEntry `json:"entries"`
}

// ============================================================================
//                              防抖快照器
// ============================================================================

// snapshotter 防抖、单写入在途的快照器
//
// 写入在途期间新的调度合并进挂起标记，避免并发冲突写。
type snapshotter struct {
	debounce time.Duration
	clk      clock.Clock
	store    Persister
	export   func() map[string]*types.NonceEntry

	mu       sync.Mutex
	timer    *clock.Timer
	inFlight bool
	pending  bool

	// writeMu 串行化导出与落盘：后完成的写入一定导出了更新的
	// 状态，防抖写与关闭时的冲刷不会以旧盖新。
	writeMu sync.Mutex
}

func newSnapshotter(debounce time.Duration, clk clock.Clock, store Persister, export func() map[string]*types.NonceEntry) *snapshotter {
	return &snapshotter{
		debounce: debounce,
		clk:      clk,
		store:    store,
		export:   export,
	}
}

// schedule 在防抖窗口后触发一次持久化
//
// 窗口已武装时不再重复武装（后续变更合并进同一次写）。
func (s *snapshotter) schedule() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		return
	}
	s.timer = s.clk.AfterFunc(s.debounce, s.persist)
}

// persist 执行一次持久化
func (s *snapshotter) persist() {
	s.mu.Lock()
	s.timer = nil
	if s.inFlight {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.inFlight = true
	s.mu.Unlock()

	s.write()

	s.mu.Lock()
	s.inFlight = false
	again := s.pending
	s.pending = false
	s.mu.Unlock()
	if again {
		s.persist()
	}
}

// write 序列化并写入快照
//
// 导出与写入在 writeMu 下原子进行，并发调用按到达顺序串行。
func (s *snapshotter) write() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	snap := snapshot{Entries: s.export()}
	data, err := json.Marshal(&snap)
	if err != nil {
		logger.Error("快照序列化失败", "err", err)
		return
	}
	if err := s.store.Put(snapshotKey, data); err != nil {
		logger.Error("快照写入失败", "err", err)
		return
	}
	logger.Debug("幂等账本快照已写入", "entries", len(snap.Entries))
}

// flush 同步冲刷一次快照
//
// 取消挂起的防抖窗口与重写标记后写入当前全量状态；与在途的
// 防抖写之间由 writeMu 保证顺序，冲刷写入的状态不早于任何
// 已开始的写入。
func (s *snapshotter) flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = false
	s.mu.Unlock()

	s.write()
	return nil
}

// load 读取快照
func (s *snapshotter) load() (map[string]*types.NonceEntry, error) {
	data, err := s.store.Get(snapshotKey)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, err
	}
	return snap.Entries, nil
}
