package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/portlink/go-portlink/pkg/types"
)

// ============================================================================
//                              进程内管道传输
// ============================================================================

// pipeInboxSize 单端收帧缓冲大小
const pipeInboxSize = 256

// PipeHub 进程内传输的汇聚点
//
// 宿主端持有 PipeHub 作为 Listener，前台端点通过 NewPipeDialer
// 获得 Dialer。用于测试与同进程嵌入场景。
type PipeHub struct {
	mu          sync.Mutex
	accept      chan Port
	closed      bool
	unavailable atomic.Bool
}

// NewPipeHub 创建进程内传输汇聚点
func NewPipeHub() *PipeHub {
	return &PipeHub{
		accept: make(chan Port, 16),
	}
}

// SetUnavailable 模拟宿主进程不可达（冷启动窗口）
//
// 置位期间 Dial 与 SendOnce 返回宿主不可达错误。
func (h *PipeHub) SetUnavailable(v bool) {
	h.unavailable.Store(v)
}

// Accept 实现 Listener
func (h *PipeHub) Accept(ctx context.Context) (Port, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p, ok := <-h.accept:
		if !ok {
			return nil, ErrListenerClosed
		}
		return p, nil
	}
}

// Close 实现 Listener
func (h *PipeHub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	close(h.accept)
	return nil
}

// connect 建立一对管道端口，宿主端进入 accept 队列
func (h *PipeHub) connect() (Port, error) {
	if h.unavailable.Load() {
		return nil, fmt.Errorf("%w: pipe hub unavailable", types.ErrHostUnavailable)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, fmt.Errorf("%w: pipe hub closed", types.ErrHostUnavailable)
	}

	id := uuid.NewString()
	client := newPipePort(id)
	host := newPipePort(id)
	client.peer = host
	host.peer = client

	select {
	case h.accept <- host:
	default:
		client.shutdown(ErrListenerClosed)
		host.shutdown(ErrListenerClosed)
		return nil, fmt.Errorf("%w: accept backlog full", types.ErrHostUnavailable)
	}
	return client, nil
}

// ============================================================================
//                              Dialer 实现
// ============================================================================

// PipeDialer 进程内传输的 Dialer
type PipeDialer struct {
	hub *PipeHub
}

// NewPipeDialer 创建指向给定汇聚点的 Dialer
func NewPipeDialer(hub *PipeHub) *PipeDialer {
	return &PipeDialer{hub: hub}
}

// Dial 实现 Dialer
func (d *PipeDialer) Dial(_ context.Context) (Port, error) {
	return d.hub.connect()
}

// SendOnce 实现 Dialer
//
// 建立短命通道，发送单帧并等待首个响应帧后关闭。
func (d *PipeDialer) SendOnce(ctx context.Context, data []byte) ([]byte, error) {
	port, err := d.hub.connect()
	if err != nil {
		return nil, err
	}
	defer func() { _ = port.Close() }()

	reply := make(chan []byte, 1)
	port.SetReceiveHandler(func(b []byte) {
		select {
		case reply <- b:
		default:
		}
	})

	if err := port.Send(data); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case b := <-reply:
		return b, nil
	}
}

// ============================================================================
//                              管道端口
// ============================================================================

// pipePort 管道的一端
type pipePort struct {
	id   string
	peer *pipePort

	mu        sync.Mutex
	recv      ReceiveHandler
	onClose   CloseHandler
	inbox     chan []byte
	pumpOnce  sync.Once
	closeOnce sync.Once
	closedCh  chan struct{}
	alive     atomic.Bool
}

func newPipePort(id string) *pipePort {
	p := &pipePort{
		id:       id,
		inbox:    make(chan []byte, pipeInboxSize),
		closedCh: make(chan struct{}),
	}
	p.alive.Store(true)
	return p
}

// ID 实现 Port
func (p *pipePort) ID() string { return p.id }

// Alive 实现 Port
func (p *pipePort) Alive() bool { return p.alive.Load() }

// Send 实现 Port
func (p *pipePort) Send(data []byte) error {
	peer := p.peer
	if !p.alive.Load() || !peer.alive.Load() {
		return types.ErrPortClosed
	}

	// 复制一份，避免调用方复用缓冲
	buf := make([]byte, len(data))
	copy(buf, data)

	select {
	case peer.inbox <- buf:
		return nil
	case <-peer.closedCh:
		return types.ErrPortClosed
	case <-p.closedCh:
		return types.ErrPortClosed
	}
}

// SetReceiveHandler 实现 Port
func (p *pipePort) SetReceiveHandler(h ReceiveHandler) {
	p.mu.Lock()
	p.recv = h
	p.mu.Unlock()

	p.pumpOnce.Do(func() {
		go p.pump()
	})
}

// SetCloseHandler 实现 Port
func (p *pipePort) SetCloseHandler(h CloseHandler) {
	p.mu.Lock()
	p.onClose = h
	p.mu.Unlock()
}

// pump 顺序分发收到的帧
func (p *pipePort) pump() {
	for {
		select {
		case <-p.closedCh:
			return
		case data := <-p.inbox:
			p.mu.Lock()
			h := p.recv
			p.mu.Unlock()
			if h != nil {
				h(data)
			}
		}
	}
}

// Close 实现 Port
func (p *pipePort) Close() error {
	p.shutdown(nil)
	p.peer.shutdown(types.ErrPortClosed)
	return nil
}

// shutdown 关闭本端并触发关闭回调
func (p *pipePort) shutdown(cause error) {
	p.closeOnce.Do(func() {
		p.alive.Store(false)
		close(p.closedCh)

		p.mu.Lock()
		h := p.onClose
		p.mu.Unlock()
		if h != nil {
			h(cause)
		}
	})
}
