// Package router 实现宿主端的请求路由与中间件管道
//
// 消息键路由到注册的处理器；全局中间件与按键中间件依次包裹
// 调用，每层拿到 next 续延，单次调用内重复调用 next 是编程
// 错误并被拒绝。__ping__ 不经过应用处理器直接应答。关键操作
// 封包在进入处理器前先过幂等账本。
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/portlink/go-portlink/internal/core/metrics"
	"github.com/portlink/go-portlink/internal/core/nonce"
	"github.com/portlink/go-portlink/pkg/interfaces"
	"github.com/portlink/go-portlink/pkg/lib/log"
	"github.com/portlink/go-portlink/pkg/types"
)

var logger = log.Logger("core/router")

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrNoHandler 消息键未注册处理器
	ErrNoHandler = errors.New("no handler registered for key")

	// ErrNextCalledTwice 中间件在单次调用内重复调用 next
	ErrNextCalledTwice = interfaces.ErrNextCalledTwice

	// ErrCriticalInFlight 同 nonce 的关键操作正在执行
	ErrCriticalInFlight = errors.New("critical operation already in flight")
)

// pongPayload __ping__ 的固定应答
var pongPayload = json.RawMessage(`{"pong":true}`)

// ============================================================================
//                              处理器与中间件
// ============================================================================

// 路由面向使用者的类型定义在 pkg/interfaces，这里用别名引用，
// 外部中间件与处理器直接实现 interfaces 中的签名即可。
type (
	// Handler 消息处理器
	Handler = interfaces.Handler

	// Next 管道续延，恰好允许调用一次
	Next = interfaces.Next

	// Middleware 中间件
	Middleware = interfaces.Middleware

	// RequestContext 一次入站请求的上下文
	RequestContext = interfaces.RequestContext
)

// ============================================================================
//                              Router 实现
// ============================================================================

// Router 请求路由器
type Router struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	global   []Middleware
	perKey   map[string][]Middleware

	ledger *nonce.Ledger
	acker  func(key string, payload json.RawMessage)
	met    *metrics.Collector
}

// New 创建路由器
//
// ledger 为 nil 时关键操作封包按普通请求处理（无幂等保证）。
func New(ledger *nonce.Ledger) *Router {
	return &Router{
		handlers: make(map[string]Handler),
		perKey:   make(map[string][]Middleware),
		ledger:   ledger,
	}
}

// SetMetrics 设置指标收集器（nil 安全，可不设置）
func (r *Router) SetMetrics(met *metrics.Collector) {
	r.mu.Lock()
	r.met = met
	r.mu.Unlock()
}

// SetAcker 设置确认广播函数
//
// 收到关键操作时以 __ack__:<nonce> 为键做尽力而为的广播。
func (r *Router) SetAcker(f func(key string, payload json.RawMessage)) {
	r.mu.Lock()
	r.acker = f
	r.mu.Unlock()
}

// Handle 注册消息处理器
func (r *Router) Handle(key string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[key] = h
}

// Unhandle 注销消息处理器
func (r *Router) Unhandle(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, key)
}

// Use 追加全局中间件
func (r *Router) Use(mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.global = append(r.global, mw)
}

// UseFor 追加按键中间件
func (r *Router) UseFor(key string, mw Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.perKey[key] = append(r.perKey[key], mw)
}

// ============================================================================
//                              请求分发
// ============================================================================

// Dispatch 处理一条入站请求并产出响应
//
// 处理器错误以响应 error 字段返回给调用方，从不击穿管道。
func (r *Router) Dispatch(ctx context.Context, portID string, req *types.Request) *types.Response {
	resp := &types.Response{
		Type:      types.FrameResponse,
		ID:        req.ID,
		Timestamp: types.NowMillis(),
	}

	// 保留键：健康检查直接应答，不触应用处理器
	if req.Key == types.KeyPing {
		resp.Data = pongPayload
		return resp
	}

	rc := &RequestContext{
		Key:      req.Key,
		PortID:   portID,
		Payload:  req.Payload,
		Metadata: req.Metadata,
	}

	var data json.RawMessage
	var err error
	if env := types.DecodeCritical(req.Payload); env != nil && r.ledger != nil {
		rc.Critical = true
		rc.Nonce = env.Nonce
		rc.Payload = env.Data
		data, err = r.dispatchCritical(ctx, rc, env)
	} else {
		data, err = r.invoke(ctx, rc)
	}

	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.Data = data
	return resp
}

// dispatchCritical 关键操作分发
//
// 顺序约束：markPending 先于任何副作用，storeResult/storeError
// 后于处理器返回，保证并发的重复 nonce 查询读到一致快照。
func (r *Router) dispatchCritical(ctx context.Context, rc *RequestContext, env *types.CriticalEnvelope) (json.RawMessage, error) {
	// 尽力而为的收到确认，不参与正确性
	r.mu.RLock()
	acker := r.acker
	met := r.met
	r.mu.RUnlock()
	if acker != nil {
		acker(types.AckKey(env.Nonce), json.RawMessage(`{"received":true}`))
	}

	if res := r.ledger.Check(env.Nonce); res.Exists {
		met.NonceHit()
		switch res.Status {
		case types.NonceCompleted:
			logger.Debug("重复关键操作命中缓存结局", "nonce", env.Nonce)
			return res.Result, nil
		case types.NonceFailed:
			return nil, &types.RemoteError{Msg: res.Error}
		default:
			return nil, ErrCriticalInFlight
		}
	}

	if err := r.ledger.MarkPending(env.Nonce, env.Timestamp); err != nil {
		// 与并发重复提交竞争失败，按在途处理
		return nil, ErrCriticalInFlight
	}

	data, err := r.invoke(ctx, rc)
	if err != nil {
		_ = r.ledger.StoreError(env.Nonce, err.Error())
		return nil, err
	}
	if serr := r.ledger.StoreResult(env.Nonce, data); serr != nil {
		logger.Warn("记录关键操作结局失败", "nonce", env.Nonce, "err", serr)
	}
	return data, nil
}

// invoke 运行中间件管道并调用处理器
func (r *Router) invoke(ctx context.Context, rc *RequestContext) (data json.RawMessage, err error) {
	r.mu.RLock()
	h, ok := r.handlers[rc.Key]
	chain := make([]Middleware, 0, len(r.global)+len(r.perKey[rc.Key]))
	chain = append(chain, r.global...)
	chain = append(chain, r.perKey[rc.Key]...)
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, rc.Key)
	}

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("处理器 panic", "key", rc.Key, "panic", rec)
			data = nil
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()

	var run func(i int) (json.RawMessage, error)
	run = func(i int) (json.RawMessage, error) {
		if i == len(chain) {
			return h(ctx, rc.Payload)
		}

		called := false
		next := func() (json.RawMessage, error) {
			if called {
				return nil, ErrNextCalledTwice
			}
			called = true
			return run(i + 1)
		}
		return chain[i](ctx, rc, next)
	}
	return run(0)
}
