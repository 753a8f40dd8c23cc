package portlink

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"

	"go.uber.org/multierr"

	"github.com/portlink/go-portlink/internal/core/eventbus"
	"github.com/portlink/go-portlink/internal/core/metrics"
	"github.com/portlink/go-portlink/internal/core/nonce"
	"github.com/portlink/go-portlink/internal/core/router"
	"github.com/portlink/go-portlink/internal/core/storage"
	"github.com/portlink/go-portlink/pkg/interfaces"
	"github.com/portlink/go-portlink/pkg/lib/log"
	"github.com/portlink/go-portlink/pkg/transport"
	"github.com/portlink/go-portlink/pkg/types"
)

var hostLogger = log.Logger("host")

// nonceKeyPrefix 幂等账本在存储引擎中的键空间
var nonceKeyPrefix = []byte("n/")

// ════════════════════════════════════════════════════════════════════════════
//                              Host
// ════════════════════════════════════════════════════════════════════════════

// Host 宿主端点
//
// 接受前台端点接入，将入站请求经中间件链路由到已注册的
// 处理器，以幂等账本保证关键请求至多执行一次，处理结果按
// 请求 ID 回送原通道。
type Host struct {
	cfg      *config
	listener transport.Listener
	bus      *eventbus.Bus

	engine storage.Engine
	ledger *nonce.Ledger
	router *router.Router
	hub    *router.Hub
	met    *metrics.Collector

	ctx     context.Context
	cancel  context.CancelFunc
	started int32
	closed  int32
}

// NewHost 创建宿主端点
//
// 配置了快照目录时幂等账本落盘到 badger，否则使用内存引擎。
func NewHost(listener transport.Listener, opts ...Option) (*Host, error) {
	cfg := defaultRootConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	var engine storage.Engine
	if cfg.snapshotDir != "" {
		e, err := storage.OpenBadger(cfg.snapshotDir)
		if err != nil {
			return nil, err
		}
		engine = e
	} else {
		engine = storage.NewMemoryEngine()
	}

	ledger, err := nonce.New(cfg.nonce, cfg.clk, storage.NewStore(engine, nonceKeyPrefix))
	if err != nil {
		engine.Close()
		return nil, err
	}

	h := &Host{
		cfg:      cfg,
		listener: listener,
		bus:      eventbus.NewBus(),
		engine:   engine,
		ledger:   ledger,
		router:   router.New(ledger),
	}
	h.hub = router.NewHub(h.bus)

	if cfg.metricsOn {
		h.met = metrics.NewCollector(cfg.metricsReg)
		h.router.SetMetrics(h.met)
	}

	// 关键请求落账后向全部通道广播确认
	h.router.SetAcker(func(key string, payload json.RawMessage) {
		h.hub.Broadcast(key, payload, "")
	})
	return h, nil
}

// Start 启动宿主：恢复幂等账本并开始接受接入
func (h *Host) Start() error {
	if atomic.LoadInt32(&h.closed) == 1 {
		return ErrHostClosed
	}
	if !atomic.CompareAndSwapInt32(&h.started, 0, 1) {
		return ErrAlreadyStarted
	}

	if err := h.ledger.Load(); err != nil {
		return err
	}

	h.ctx, h.cancel = context.WithCancel(context.Background())
	go h.acceptLoop()
	hostLogger.Info("宿主已启动")
	return nil
}

// Close 关闭宿主
//
// 幂等账本先落盘，随后关闭存储引擎与全部通道。
func (h *Host) Close() error {
	if !atomic.CompareAndSwapInt32(&h.closed, 0, 1) {
		return nil
	}
	if h.cancel != nil {
		h.cancel()
	}

	var err error
	err = multierr.Append(err, h.listener.Close())
	err = multierr.Append(err, h.ledger.Close())
	err = multierr.Append(err, h.engine.Close())
	err = multierr.Append(err, h.bus.Close())

	hostLogger.Info("宿主已关闭")
	return err
}

// ════════════════════════════════════════════════════════════════════════════
//                              路由注册
// ════════════════════════════════════════════════════════════════════════════

// Handle 注册消息处理器
func (h *Host) Handle(key string, handler interfaces.Handler) {
	h.router.Handle(key, handler)
}

// Unhandle 注销消息处理器
func (h *Host) Unhandle(key string) {
	h.router.Unhandle(key)
}

// Use 注册全局中间件
func (h *Host) Use(mw interfaces.Middleware) {
	h.router.Use(mw)
}

// UseFor 注册单键中间件
func (h *Host) UseFor(key string, mw interfaces.Middleware) {
	h.router.UseFor(key, mw)
}

// ════════════════════════════════════════════════════════════════════════════
//                              广播
// ════════════════════════════════════════════════════════════════════════════

// Broadcast 向全部已连接通道广播事件
//
// 返回成功投递的通道数。
func (h *Host) Broadcast(key string, payload json.RawMessage) int {
	n := h.hub.Broadcast(key, payload, "")
	h.met.BroadcastSent()
	return n
}

// BroadcastExcept 广播但跳过指定通道
func (h *Host) BroadcastExcept(key string, payload json.RawMessage, exceptID string) int {
	n := h.hub.Broadcast(key, payload, exceptID)
	h.met.BroadcastSent()
	return n
}

// Ports 返回当前已连接通道数
func (h *Host) Ports() int {
	return h.hub.Count()
}

// OnPortConnected 订阅通道接入事件
func (h *Host) OnPortConnected(fn func(types.EvtPortConnected)) *Subscription {
	return subscribeTyped(h.bus, types.EvtPortConnected{}, fn)
}

// OnPortDisconnected 订阅通道断开事件
func (h *Host) OnPortDisconnected(fn func(types.EvtPortDisconnected)) *Subscription {
	return subscribeTyped(h.bus, types.EvtPortDisconnected{}, fn)
}

// ════════════════════════════════════════════════════════════════════════════
//                              接入与分发
// ════════════════════════════════════════════════════════════════════════════

// acceptLoop 接受前台端点接入
func (h *Host) acceptLoop() {
	for {
		port, err := h.listener.Accept(h.ctx)
		if err != nil {
			if errors.Is(err, transport.ErrListenerClosed) || h.ctx.Err() != nil {
				return
			}
			hostLogger.Warn("接入失败", "err", err)
			continue
		}
		h.attach(port)
	}
}

// attach 接纳一条新通道
func (h *Host) attach(port transport.Port) {
	h.hub.Add(port)
	port.SetCloseHandler(func(error) {
		h.hub.Remove(port.ID())
	})
	port.SetReceiveHandler(func(data []byte) {
		h.handleFrame(port, data)
	})
	hostLogger.Debug("通道已接入", "port", port.ID())
}

// handleFrame 处理入站帧
//
// 每个请求在独立协程中分发，慢处理器不阻塞通道收帧。
func (h *Host) handleFrame(port transport.Port, data []byte) {
	frame, err := types.DecodeFrame(data)
	if err != nil {
		hostLogger.Debug("入站帧解析失败", "port", port.ID(), "err", err)
		return
	}

	req, ok := frame.(*types.Request)
	if !ok {
		// 宿主只处理请求帧
		return
	}

	go func() {
		resp := h.router.Dispatch(h.ctx, port.ID(), req)
		if resp == nil {
			return
		}
		out, err := types.EncodeFrame(resp)
		if err != nil {
			hostLogger.Error("响应编码失败", "id", req.ID, "err", err)
			return
		}
		if err := port.Send(out); err != nil {
			hostLogger.Debug("响应回送失败", "port", port.ID(), "err", err)
		}
	}()
}
