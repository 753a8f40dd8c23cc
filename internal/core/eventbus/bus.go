// Package eventbus 实现桥接生命周期事件总线
//
// 以事件类型为订阅粒度：重连控制器发布状态变更事件，
// 宿主端发布端口接入/断开事件，订阅者各自消费。
package eventbus

import (
	"errors"
	"reflect"
	"sync"

	"github.com/portlink/go-portlink/pkg/lib/log"
)

var logger = log.Logger("core/eventbus")

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrClosed 事件总线已关闭
	ErrClosed = errors.New("eventbus closed")

	// ErrInvalidEventType 无效的事件类型
	ErrInvalidEventType = errors.New("invalid event type")
)

// defaultBuffer 订阅通道默认缓冲
const defaultBuffer = 16

// ============================================================================
//                              Bus 实现
// ============================================================================

// Bus 事件总线
type Bus struct {
	mu     sync.RWMutex
	nodes  map[reflect.Type]*node
	closed bool
}

// node 单一事件类型的订阅者集合
type node struct {
	mu    sync.Mutex
	sinks []*Subscription
}

// NewBus 创建新的事件总线
func NewBus() *Bus {
	return &Bus{
		nodes: make(map[reflect.Type]*node),
	}
}

// Subscribe 订阅某一事件类型
//
// evtType 传入事件值（非指针），如 types.EvtStateChanged{}。
// 返回的 Subscription 由调用方负责 Close。
func (b *Bus) Subscribe(evtType any) (*Subscription, error) {
	if evtType == nil {
		return nil, ErrInvalidEventType
	}
	typ := reflect.TypeOf(evtType)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	n, ok := b.nodes[typ]
	if !ok {
		n = &node{}
		b.nodes[typ] = n
	}

	sub := &Subscription{
		node: n,
		ch:   make(chan any, defaultBuffer),
	}
	n.mu.Lock()
	n.sinks = append(n.sinks, sub)
	n.mu.Unlock()
	return sub, nil
}

// Emit 发布事件
//
// 慢消费者的事件被丢弃而非阻塞发布方。
func (b *Bus) Emit(evt any) {
	if evt == nil {
		return
	}
	typ := reflect.TypeOf(evt)

	b.mu.RLock()
	n, ok := b.nodes[typ]
	closed := b.closed
	b.mu.RUnlock()
	if closed || !ok {
		return
	}

	// 投递在 n.mu 下进行，与订阅取消时的通道关闭互斥
	n.mu.Lock()
	for _, sub := range n.sinks {
		select {
		case sub.ch <- evt:
		default:
			logger.Debug("订阅者消费过慢，丢弃事件", "type", typ.String())
		}
	}
	n.mu.Unlock()
}

// Close 关闭事件总线，同时关闭所有订阅
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true

	for _, n := range b.nodes {
		n.mu.Lock()
		for _, sub := range n.sinks {
			sub := sub
			sub.closeOnce.Do(func() { close(sub.ch) })
		}
		n.sinks = nil
		n.mu.Unlock()
	}
	return nil
}
