package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/portlink/go-portlink/pkg/lib/log"
	"github.com/portlink/go-portlink/pkg/types"
)

var logger = log.Logger("core/transport")

// ============================================================================
//                              WebSocket 传输
// ============================================================================

const (
	// wsPath 桥接通道的 HTTP 路径
	wsPath = "/portlink"

	// wsWriteTimeout 单帧写超时
	wsWriteTimeout = 10 * time.Second
)

// wsUpgrader 升级器（桥接假定同一受信主机进程树，不做跨域校验）
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// ============================================================================
//                              Listener 实现
// ============================================================================

// WSListener 基于 WebSocket 的宿主端监听器
type WSListener struct {
	server *http.Server
	addr   net.Addr
	accept chan Port
	closed atomic.Bool
}

// NewWSListener 在给定地址启动 WebSocket 监听
func NewWSListener(addr string) (*WSListener, error) {
	l := &WSListener{
		accept: make(chan Port, 16),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, l.handleUpgrade)
	l.server = &http.Server{Addr: addr, Handler: mux}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDialFailed, err)
	}
	l.addr = ln.Addr()

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("WebSocket 监听退出", "err", err)
		}
	}()

	logger.Info("WebSocket 监听已启动", "addr", addr)
	return l, nil
}

// Addr 返回实际绑定地址（监听 ":0" 时用于取回端口号）
func (l *WSListener) Addr() net.Addr {
	return l.addr
}

// handleUpgrade 升级 HTTP 连接并投入 accept 队列
func (l *WSListener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Debug("升级连接失败", "err", err)
		return
	}

	port := newWSPort(conn)
	select {
	case l.accept <- port:
	default:
		logger.Warn("accept 队列已满，丢弃接入", "port", port.ID())
		_ = port.Close()
	}
}

// Accept 实现 Listener
func (l *WSListener) Accept(ctx context.Context) (Port, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p, ok := <-l.accept:
		if !ok {
			return nil, ErrListenerClosed
		}
		return p, nil
	}
}

// Close 实现 Listener
func (l *WSListener) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return l.server.Shutdown(ctx)
}

// ============================================================================
//                              Dialer 实现
// ============================================================================

// WSDialer 基于 WebSocket 的前台端 Dialer
type WSDialer struct {
	url string
}

// NewWSDialer 创建指向宿主地址的 Dialer
//
// addr 形如 "127.0.0.1:7433"。
func NewWSDialer(addr string) *WSDialer {
	return &WSDialer{url: "ws://" + addr + wsPath}
}

// Dial 实现 Dialer
func (d *WSDialer) Dial(ctx context.Context) (Port, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return nil, classifyDialError(err)
	}
	return newWSPort(conn), nil
}

// SendOnce 实现 Dialer
//
// 建立短命连接，发送单帧并等待首个响应帧后关闭。
func (d *WSDialer) SendOnce(ctx context.Context, data []byte) ([]byte, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.url, nil)
	if err != nil {
		return nil, classifyDialError(err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
		_ = conn.SetReadDeadline(deadline)
	}

	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPortClosed, err)
	}

	_, reply, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrPortClosed, err)
	}
	return reply, nil
}

// classifyDialError 将拨号错误归类为宿主不可达或普通失败
func classifyDialError(err error) error {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		// 连接被拒绝说明接收端不存在，宿主可能正在冷启动
		return fmt.Errorf("%w: %v", types.ErrHostUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrDialFailed, err)
}

// ============================================================================
//                              WebSocket 端口
// ============================================================================

// wsPort 一条 WebSocket 通道
type wsPort struct {
	id   string
	conn *websocket.Conn

	mu       sync.Mutex
	writeMu  sync.Mutex
	recv     ReceiveHandler
	onClose  CloseHandler
	loopOnce sync.Once
	closed   atomic.Bool
}

func newWSPort(conn *websocket.Conn) *wsPort {
	return &wsPort{
		id:   uuid.NewString(),
		conn: conn,
	}
}

// ID 实现 Port
func (p *wsPort) ID() string { return p.id }

// Alive 实现 Port
func (p *wsPort) Alive() bool { return !p.closed.Load() }

// Send 实现 Port
func (p *wsPort) Send(data []byte) error {
	if p.closed.Load() {
		return types.ErrPortClosed
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := p.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: %v", types.ErrPortClosed, err)
	}
	return nil
}

// SetReceiveHandler 实现 Port
func (p *wsPort) SetReceiveHandler(h ReceiveHandler) {
	p.mu.Lock()
	p.recv = h
	p.mu.Unlock()

	p.loopOnce.Do(func() {
		go p.readLoop()
	})
}

// SetCloseHandler 实现 Port
func (p *wsPort) SetCloseHandler(h CloseHandler) {
	p.mu.Lock()
	p.onClose = h
	p.mu.Unlock()
}

// readLoop 顺序读取帧并分发
func (p *wsPort) readLoop() {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			p.shutdown(fmt.Errorf("%w: %v", types.ErrPortClosed, err))
			return
		}

		p.mu.Lock()
		h := p.recv
		p.mu.Unlock()
		if h != nil {
			h(data)
		}
	}
}

// Close 实现 Port
func (p *wsPort) Close() error {
	p.shutdown(nil)
	return nil
}

// shutdown 关闭通道并触发关闭回调
func (p *wsPort) shutdown(cause error) {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	_ = p.conn.Close()

	p.mu.Lock()
	h := p.onClose
	p.mu.Unlock()
	if h != nil {
		h(cause)
	}
}
