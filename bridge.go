package portlink

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"github.com/portlink/go-portlink/internal/core/correlator"
	"github.com/portlink/go-portlink/internal/core/eventbus"
	"github.com/portlink/go-portlink/internal/core/health"
	"github.com/portlink/go-portlink/internal/core/metrics"
	"github.com/portlink/go-portlink/internal/core/queue"
	"github.com/portlink/go-portlink/internal/core/reconnect"
	"github.com/portlink/go-portlink/pkg/lib/log"
	"github.com/portlink/go-portlink/pkg/transport"
	"github.com/portlink/go-portlink/pkg/types"
)

var logger = log.Logger("portlink")

// verifyIDBase 验证 ping 的 ID 空间，与关联器的单调 ID 不重叠
const verifyIDBase uint64 = 1 << 62

// ════════════════════════════════════════════════════════════════════════════
//                              Bridge
// ════════════════════════════════════════════════════════════════════════════

// BroadcastHandler 广播事件处理器
type BroadcastHandler func(payload json.RawMessage)

// Bridge 前台端点的桥接句柄
//
// 每个前台端点持有一个 Bridge 实例；内部状态全部由该实例
// 独占，不依赖包级单例。
type Bridge struct {
	cfg    *config
	dialer transport.Dialer
	bus    *eventbus.Bus

	ctrl *reconnect.Controller
	corr *correlator.Correlator
	q    *queue.Queue
	hm   *health.Monitor
	met  *metrics.Collector

	subMu  sync.RWMutex
	subs   map[string]map[uint64]BroadcastHandler
	subSeq atomic.Uint64

	verifySeq atomic.Uint64

	ctx     context.Context
	cancel  context.CancelFunc
	started int32
	closed  int32
}

// New 创建前台桥接
func New(dialer transport.Dialer, opts ...Option) *Bridge {
	cfg := defaultRootConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	b := &Bridge{
		cfg:    cfg,
		dialer: dialer,
		bus:    eventbus.NewBus(),
		subs:   make(map[string]map[uint64]BroadcastHandler),
	}
	b.verifySeq.Store(verifyIDBase)
	b.ctx, b.cancel = context.WithCancel(context.Background())

	if cfg.metricsOn {
		b.met = metrics.NewCollector(cfg.metricsReg)
	}

	b.corr = correlator.New(cfg.correlator, cfg.clk)
	b.q = queue.New(cfg.queue, cfg.clk)
	b.ctrl = reconnect.New(cfg.reconnect, cfg.clk, dialer, b.bus)
	b.hm = health.New(cfg.health, cfg.clk, b.healthPing, b.ctrl.Connected, b.onUnhealthy)

	b.ctrl.SetVerify(b.verifyPort)
	b.ctrl.SetOnConnected(b.onConnected)
	b.ctrl.SetOnDisconnected(b.onDisconnected)
	b.ctrl.SetOnAttempt(b.met.ReconnectAttempt)
	b.corr.SetEscalateHandler(func() {
		b.ctrl.TriggerReconnect(types.ClassTimeout)
	})
	return b
}

// Start 启动桥接：发起首次连接并开启心跳
func (b *Bridge) Start() error {
	if atomic.LoadInt32(&b.closed) == 1 {
		return ErrBridgeClosed
	}
	if !atomic.CompareAndSwapInt32(&b.started, 0, 1) {
		return ErrAlreadyStarted
	}

	if err := b.ctrl.Start(); err != nil {
		return err
	}
	b.hm.Start()
	logger.Info("桥接已启动")
	return nil
}

// Close 关闭桥接
//
// 全部挂起与排队请求以 ErrBridgeClosed 拒绝。
func (b *Bridge) Close() error {
	if !atomic.CompareAndSwapInt32(&b.closed, 0, 1) {
		return nil
	}
	b.cancel()
	b.hm.Stop()
	err := b.ctrl.Stop()

	b.q.FailAll(ErrBridgeClosed, func(it *queue.Item, e error) {
		b.corr.Fail(it.ID, e)
	})
	b.corr.FailAll(ErrBridgeClosed)
	err = multierr.Append(err, b.bus.Close())

	logger.Info("桥接已关闭")
	return err
}

// ════════════════════════════════════════════════════════════════════════════
//                              状态查询
// ════════════════════════════════════════════════════════════════════════════

// isClosed 读取关闭标记
func (b *Bridge) isClosed() bool {
	return atomic.LoadInt32(&b.closed) == 1
}

// IsConnected 判断通道是否可用
func (b *Bridge) IsConnected() bool {
	return b.ctrl.Connected()
}

// Status 返回当前连接状态
func (b *Bridge) Status() types.ConnectionState {
	return b.ctrl.State()
}

// EnsureConnected 阻塞等待通道可用
func (b *Bridge) EnsureConnected(ctx context.Context) bool {
	return b.ctrl.WaitConnected(ctx)
}

// Reconnect 手动重连：重置两个重试计数并重新进入 connecting
func (b *Bridge) Reconnect() {
	b.ctrl.Reconnect()
}

// PauseHealthChecks 暂停心跳监控
//
// 已知慢操作开始前调用，暂停窗口不会误触发重连。
func (b *Bridge) PauseHealthChecks(d time.Duration) {
	b.hm.Pause(d)
}

// Ping 发送一次健康检查
func (b *Bridge) Ping(ctx context.Context) bool {
	return b.healthPing(ctx) == nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              事件订阅
// ════════════════════════════════════════════════════════════════════════════

// Subscription 广播订阅句柄
type Subscription struct {
	cancel func()
	once   sync.Once
}

// Close 取消订阅
func (s *Subscription) Close() {
	s.once.Do(s.cancel)
}

// subscribeTyped 订阅事件总线上的指定事件类型
func subscribeTyped[T any](bus *eventbus.Bus, evt T, fn func(T)) *Subscription {
	sub, err := bus.Subscribe(evt)
	if err != nil {
		return &Subscription{cancel: func() {}}
	}

	go func() {
		for e := range sub.Out() {
			if v, ok := e.(T); ok {
				fn(v)
			}
		}
	}()
	return &Subscription{cancel: sub.Close}
}

// On 订阅指定键的广播事件
func (b *Bridge) On(key string, h BroadcastHandler) *Subscription {
	id := b.subSeq.Add(1)

	b.subMu.Lock()
	m, ok := b.subs[key]
	if !ok {
		m = make(map[uint64]BroadcastHandler)
		b.subs[key] = m
	}
	m[id] = h
	b.subMu.Unlock()

	return &Subscription{cancel: func() {
		b.subMu.Lock()
		if m, ok := b.subs[key]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(b.subs, key)
			}
		}
		b.subMu.Unlock()
	}}
}

// OnStatusChange 订阅连接状态变更事件
//
// 返回的句柄负责停止投递。
func (b *Bridge) OnStatusChange(h func(types.EvtStateChanged)) *Subscription {
	return subscribeTyped(b.bus, types.EvtStateChanged{}, h)
}

// dispatchBroadcast 分发一条入站广播
func (b *Bridge) dispatchBroadcast(bc *types.Broadcast) {
	b.subMu.RLock()
	handlers := make([]BroadcastHandler, 0, len(b.subs[bc.Key]))
	for _, h := range b.subs[bc.Key] {
		handlers = append(handlers, h)
	}
	b.subMu.RUnlock()

	for _, h := range handlers {
		h(bc.Payload)
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              控制器回调
// ════════════════════════════════════════════════════════════════════════════

// handleFrame 入站帧分发
func (b *Bridge) handleFrame(data []byte) {
	frame, err := types.DecodeFrame(data)
	if err != nil {
		logger.Debug("入站帧解析失败", "err", err)
		return
	}

	switch f := frame.(type) {
	case *types.Response:
		if b.corr.Resolve(f) {
			b.met.RequestResolved()
		}
	case *types.Broadcast:
		b.dispatchBroadcast(f)
	default:
		// 前台端点不处理入站请求帧
	}
}

// onConnected 通道就绪：安装收帧回调并排空队列
func (b *Bridge) onConnected(ch *reconnect.Channel) {
	ch.Port.SetReceiveHandler(b.handleFrame)
	b.corr.ResetTimeoutCounter()

	go b.q.Drain(b.ctx, b.drainSend, func(it *queue.Item, err error) {
		b.corr.Fail(it.ID, err)
		b.met.SetQueueDepth(b.q.Len())
	})
}

// drainSend 队列重放的单条发送
func (b *Bridge) drainSend(it *queue.Item) error {
	ch := b.ctrl.Channel()
	if ch == nil || !ch.Port.Alive() {
		return types.ErrPortClosed
	}

	frame, err := types.EncodeFrame(&types.Request{
		Type:    types.FrameRequest,
		ID:      it.ID,
		Key:     it.Key,
		Payload: it.Payload,
	})
	if err != nil {
		return err
	}
	if err := ch.Port.Send(frame); err != nil {
		return err
	}

	// 重新武装该请求自身的超时
	b.corr.Resume(it.ID)
	b.met.SetQueueDepth(b.q.Len())
	return nil
}

// onDisconnected 软拆除：挂起请求迁入队列而非被拒绝
func (b *Bridge) onDisconnected() {
	for _, p := range b.corr.SuspendAll() {
		if types.IsInternalKey(p.Key) {
			b.corr.Fail(p.ID, types.ErrPortClosed)
			continue
		}
		b.enqueueSuspended(p)
	}
	b.met.SetQueueDepth(b.q.Len())
}

// enqueueSuspended 把一条已暂停计时的挂起请求送入离线队列
//
// 去重命中时挂接到原始请求的结局上。若原始请求恰在挂接前
// 完结（其队列条目已排空、幂等键已释放），Link 会失败，此时
// 重试一次入队；仍然失败则拒绝该请求，保证结局恰好触发一次，
// 不留下无定时器也无结局的挂起条目。
func (b *Bridge) enqueueSuspended(p *correlator.Pending) {
	for attempt := 0; attempt < 2; attempt++ {
		dupOf, err := b.q.Enqueue(&queue.Item{
			ID:      p.ID,
			Key:     p.Key,
			Payload: p.Payload,
			Timeout: p.Timeout,
		})
		switch {
		case err != nil:
			b.corr.Fail(p.ID, err)
			return
		case dupOf != 0:
			if b.corr.Link(p.ID, dupOf) {
				return
			}
		default:
			b.met.RequestQueued()
			b.met.SetQueueDepth(b.q.Len())
			return
		}
	}
	b.corr.Fail(p.ID, types.ErrPortClosed)
}

// onUnhealthy 连续心跳失败：立即拒绝短超时挂起请求并重连
func (b *Bridge) onUnhealthy() {
	b.met.HeartbeatFailure()
	b.corr.FailAllShort(types.ErrUnresponsive)
	b.ctrl.TriggerReconnect(types.ClassDisconnected)
}

// healthPing 心跳发送：只走直达路径，从不入队
func (b *Bridge) healthPing(ctx context.Context) error {
	ch := b.ctrl.Channel()
	if ch == nil || !ch.Port.Alive() {
		return types.ErrPortClosed
	}

	p, outcome := b.corr.Register(types.KeyPing, nil, b.cfg.health.PingTimeout)
	frame, err := types.EncodeFrame(&types.Request{
		Type: types.FrameRequest,
		ID:   p.ID,
		Key:  types.KeyPing,
	})
	if err != nil {
		b.corr.Fail(p.ID, err)
		return err
	}
	if err := ch.Port.Send(frame); err != nil {
		b.corr.Fail(p.ID, err)
		return err
	}

	select {
	case <-ctx.Done():
		b.corr.Fail(p.ID, ctx.Err())
		return ctx.Err()
	case o := <-outcome:
		return o.Err
	}
}

// verifyPort 重连后的应用级验证 ping
//
// 在收帧回调安装之前执行，使用独立 ID 空间做一次裸交换。
func (b *Bridge) verifyPort(ctx context.Context, port transport.Port) error {
	id := b.verifySeq.Add(1)
	reply := make(chan *types.Response, 1)

	port.SetReceiveHandler(func(data []byte) {
		frame, err := types.DecodeFrame(data)
		if err != nil {
			return
		}
		if resp, ok := frame.(*types.Response); ok && resp.ID == id {
			select {
			case reply <- resp:
			default:
			}
		}
	})

	frame, err := types.EncodeFrame(&types.Request{
		Type: types.FrameRequest,
		ID:   id,
		Key:  types.KeyPing,
	})
	if err != nil {
		return err
	}
	if err := port.Send(frame); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-reply:
		return nil
	}
}
