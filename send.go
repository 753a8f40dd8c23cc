package portlink

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/portlink/go-portlink/internal/core/correlator"
	"github.com/portlink/go-portlink/internal/core/nonce"
	"github.com/portlink/go-portlink/pkg/types"
)

// oneShotRetryDelay 兜底投递的重试间隔
const oneShotRetryDelay = 300 * time.Millisecond

// ════════════════════════════════════════════════════════════════════════════
//                              Send
// ════════════════════════════════════════════════════════════════════════════

// Send 发送请求并等待响应
//
// 投递路径按连接状态分派：
//   - 通道可用：直接发送，超时由关联器管理
//   - 重连进行中：挂起超时并入离线队列，通道恢复后按序重放
//   - 无通道且未在重连：走一次性兜底投递，宿主冷启动期间有界重试
//
// timeout 为 0 时使用默认请求超时。
func (b *Bridge) Send(ctx context.Context, key string, payload json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if b.isClosed() {
		return nil, ErrBridgeClosed
	}
	if timeout <= 0 {
		timeout = b.cfg.correlator.DefaultTimeout
	}

	p, outcome := b.corr.Register(key, payload, timeout)
	b.met.RequestSent()
	b.deliver(p)
	return b.await(ctx, p, outcome)
}

// await 等待请求结局
func (b *Bridge) await(ctx context.Context, p *correlator.Pending, outcome <-chan correlator.Outcome) (json.RawMessage, error) {
	select {
	case <-ctx.Done():
		b.corr.Fail(p.ID, ctx.Err())
		return nil, ctx.Err()
	case o := <-outcome:
		if errors.Is(o.Err, types.ErrRequestTimeout) {
			b.met.RequestTimedOut()
		}
		return o.Data, o.Err
	}
}

// deliver 选择投递路径
func (b *Bridge) deliver(p *correlator.Pending) {
	ch := b.ctrl.Channel()
	if ch != nil && ch.Port.Alive() {
		frame, err := types.EncodeFrame(&types.Request{
			Type:    types.FrameRequest,
			ID:      p.ID,
			Key:     p.Key,
			Payload: p.Payload,
		})
		if err != nil {
			b.corr.Fail(p.ID, err)
			return
		}
		if err := ch.Port.Send(frame); err == nil {
			return
		}
		// 发送失败按断连路径处理
	}
	b.routeOffline(p)
}

// routeOffline 无可用通道时的投递分派
func (b *Bridge) routeOffline(p *correlator.Pending) {
	// 内部键不入队也不兜底
	if types.IsInternalKey(p.Key) {
		b.corr.Fail(p.ID, types.ErrPortClosed)
		return
	}

	if b.ctrl.Reconnecting() {
		b.corr.Suspend(p.ID)
		b.enqueueSuspended(p)
		return
	}

	go b.sendOneShot(p)
}

// sendOneShot 一次性兜底投递
//
// 宿主冷启动窗口内按固定间隔有界重试，其余错误立即失败。
func (b *Bridge) sendOneShot(p *correlator.Pending) {
	frame, err := types.EncodeFrame(&types.Request{
		Type:    types.FrameRequest,
		ID:      p.ID,
		Key:     p.Key,
		Payload: p.Payload,
	})
	if err != nil {
		b.corr.Fail(p.ID, err)
		return
	}

	var lastErr error
	for attempt := 0; attempt < b.cfg.oneShotRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-b.ctx.Done():
				b.corr.Fail(p.ID, ErrBridgeClosed)
				return
			case <-b.cfg.clk.After(oneShotRetryDelay):
			}
		}

		ctx, cancel := context.WithTimeout(b.ctx, p.Timeout)
		reply, err := b.dialer.SendOnce(ctx, frame)
		cancel()
		if err == nil {
			b.resolveOneShot(p.ID, reply)
			return
		}

		lastErr = err
		if !errors.Is(err, types.ErrHostUnavailable) {
			break
		}
		logger.Debug("兜底投递重试", "id", p.ID, "attempt", attempt+1, "err", err)
	}
	b.corr.Fail(p.ID, lastErr)
}

// resolveOneShot 回填兜底投递的响应
func (b *Bridge) resolveOneShot(id uint64, data []byte) {
	frame, err := types.DecodeFrame(data)
	if err != nil {
		b.corr.Fail(id, err)
		return
	}
	resp, ok := frame.(*types.Response)
	if !ok {
		b.corr.Fail(id, types.ErrUnknownFrame)
		return
	}
	resp.ID = id
	if b.corr.Resolve(resp) {
		b.met.RequestResolved()
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              SendCritical
// ════════════════════════════════════════════════════════════════════════════

// CriticalOptions 关键请求选项
type CriticalOptions struct {
	// Nonce 幂等标识，空则自动生成
	Nonce string

	// NoQueue 为 true 时断连期间不入离线队列，直接失败
	NoQueue bool
}

// CriticalResult 关键请求结果
type CriticalResult struct {
	// Data 业务响应
	Data json.RawMessage

	// Nonce 本次请求使用的幂等标识
	Nonce string

	// Acknowledged 是否在确认窗口内收到宿主落账确认
	//
	// 仅供参考：确认缺失不影响请求结局。
	Acknowledged bool
}

// SendCritical 发送关键请求
//
// 载荷包入幂等信封，宿主以幂等账本保证同一 nonce 的业务逻辑
// 至多执行一次；重复提交返回首次的缓存结局。落账确认通过
// 广播回流，在确认窗口内静默等待。
func (b *Bridge) SendCritical(ctx context.Context, key string, payload json.RawMessage, opts *CriticalOptions, timeout time.Duration) (*CriticalResult, error) {
	if b.isClosed() {
		return nil, ErrBridgeClosed
	}
	if opts == nil {
		opts = &CriticalOptions{}
	}
	n := opts.Nonce
	if n == "" {
		n = nonce.Generate()
	}
	if timeout <= 0 {
		timeout = b.cfg.correlator.DefaultTimeout
	}

	env, err := json.Marshal(&types.CriticalEnvelope{
		Critical:  true,
		Nonce:     n,
		Timestamp: types.NowMillis(),
		Data:      payload,
	})
	if err != nil {
		return nil, err
	}

	// 发送前挂上确认订阅，避免确认先于订阅到达
	acked := make(chan struct{})
	ackSub := b.On(types.AckKey(n), func(json.RawMessage) {
		select {
		case <-acked:
		default:
			close(acked)
		}
	})
	defer ackSub.Close()

	p, outcome := b.corr.Register(key, env, timeout)
	b.met.RequestSent()

	if opts.NoQueue && !b.ctrl.Connected() {
		b.corr.Fail(p.ID, ErrNotConnected)
	} else {
		b.deliver(p)
	}

	data, err := b.await(ctx, p, outcome)
	if err != nil {
		return nil, err
	}

	res := &CriticalResult{Data: data, Nonce: n}
	select {
	case <-acked:
		res.Acknowledged = true
	case <-ctx.Done():
	case <-b.cfg.clk.After(b.cfg.ackTimeout):
	}
	return res, nil
}
