package router

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portlink/go-portlink/internal/core/metrics"
	"github.com/portlink/go-portlink/internal/core/nonce"
	"github.com/portlink/go-portlink/pkg/types"
)

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	l, err := nonce.New(nonce.DefaultConfig(), clock.NewMock(), nil)
	require.NoError(t, err)
	return New(l)
}

func dispatch(r *Router, key string, payload json.RawMessage) *types.Response {
	return r.Dispatch(context.Background(), "port-1", &types.Request{
		Type:    types.FrameRequest,
		ID:      1,
		Key:     key,
		Payload: payload,
	})
}

// ============================================================================
//                              基本分发
// ============================================================================

func TestDispatch(t *testing.T) {
	t.Run("处理器返回数据", func(t *testing.T) {
		r := newTestRouter(t)
		r.Handle("echo", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
			return payload, nil
		})

		resp := dispatch(r, "echo", json.RawMessage(`{"x":1}`))
		assert.Empty(t, resp.Error)
		assert.JSONEq(t, `{"x":1}`, string(resp.Data))
		assert.NotZero(t, resp.Timestamp)
	})

	t.Run("处理器错误进响应 error 字段", func(t *testing.T) {
		r := newTestRouter(t)
		r.Handle("fail", func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, errors.New("boom")
		})

		resp := dispatch(r, "fail", nil)
		assert.Equal(t, "boom", resp.Error)
		assert.False(t, resp.IsSuccess())
	})

	t.Run("未注册的键", func(t *testing.T) {
		r := newTestRouter(t)
		resp := dispatch(r, "ghost", nil)
		assert.Contains(t, resp.Error, "no handler")
	})

	t.Run("注销后不再可达", func(t *testing.T) {
		r := newTestRouter(t)
		r.Handle("k", func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		})
		r.Unhandle("k")
		resp := dispatch(r, "k", nil)
		assert.Contains(t, resp.Error, "no handler")
	})

	t.Run("处理器 panic 不击穿", func(t *testing.T) {
		r := newTestRouter(t)
		r.Handle("panic", func(context.Context, json.RawMessage) (json.RawMessage, error) {
			panic("oops")
		})
		resp := dispatch(r, "panic", nil)
		assert.Contains(t, resp.Error, "handler panic")
	})

	t.Run("保留健康检查键", func(t *testing.T) {
		r := newTestRouter(t)
		resp := dispatch(r, types.KeyPing, nil)
		assert.Empty(t, resp.Error)
		assert.JSONEq(t, `{"pong":true}`, string(resp.Data))
	})
}

// ============================================================================
//                              中间件
// ============================================================================

func TestMiddleware(t *testing.T) {
	t.Run("注册顺序即执行顺序", func(t *testing.T) {
		r := newTestRouter(t)
		var order []string
		mw := func(name string) Middleware {
			return func(ctx context.Context, rc *RequestContext, next Next) (json.RawMessage, error) {
				order = append(order, name+"-in")
				data, err := next()
				order = append(order, name+"-out")
				return data, err
			}
		}
		r.Use(mw("g1"))
		r.Use(mw("g2"))
		r.UseFor("k", mw("k1"))
		r.Handle("k", func(context.Context, json.RawMessage) (json.RawMessage, error) {
			order = append(order, "handler")
			return nil, nil
		})

		dispatch(r, "k", nil)
		assert.Equal(t, []string{"g1-in", "g2-in", "k1-in", "handler", "k1-out", "g2-out", "g1-out"}, order)
	})

	t.Run("中间件短路", func(t *testing.T) {
		r := newTestRouter(t)
		r.Use(func(ctx context.Context, rc *RequestContext, next Next) (json.RawMessage, error) {
			return nil, errors.New("unauthorized")
		})
		called := false
		r.Handle("k", func(context.Context, json.RawMessage) (json.RawMessage, error) {
			called = true
			return nil, nil
		})

		resp := dispatch(r, "k", nil)
		assert.Equal(t, "unauthorized", resp.Error)
		assert.False(t, called)
	})

	t.Run("next 不可调用两次", func(t *testing.T) {
		r := newTestRouter(t)
		r.Use(func(ctx context.Context, rc *RequestContext, next Next) (json.RawMessage, error) {
			if _, err := next(); err != nil {
				return nil, err
			}
			return next()
		})
		r.Handle("k", func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		})

		resp := dispatch(r, "k", nil)
		assert.Contains(t, resp.Error, ErrNextCalledTwice.Error())
	})

	t.Run("单键中间件不影响其他键", func(t *testing.T) {
		r := newTestRouter(t)
		touched := false
		r.UseFor("a", func(ctx context.Context, rc *RequestContext, next Next) (json.RawMessage, error) {
			touched = true
			return next()
		})
		r.Handle("b", func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		})

		dispatch(r, "b", nil)
		assert.False(t, touched)
	})
}

// ============================================================================
//                              关键请求
// ============================================================================

func criticalPayload(t *testing.T, nonceStr string, data string) json.RawMessage {
	t.Helper()
	payload, err := json.Marshal(&types.CriticalEnvelope{
		Critical:  true,
		Nonce:     nonceStr,
		Timestamp: 1700000000000,
		Data:      json.RawMessage(data),
	})
	require.NoError(t, err)
	return payload
}

func TestDispatchCritical(t *testing.T) {
	t.Run("同一 nonce 只执行一次", func(t *testing.T) {
		r := newTestRouter(t)
		executions := 0
		r.Handle("pay", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
			executions++
			return json.RawMessage(`{"tx":1}`), nil
		})

		payload := criticalPayload(t, "n-1", `{"amount":5}`)
		first := dispatch(r, "pay", payload)
		second := dispatch(r, "pay", payload)

		assert.Equal(t, 1, executions)
		assert.JSONEq(t, `{"tx":1}`, string(first.Data))
		assert.JSONEq(t, `{"tx":1}`, string(second.Data))
	})

	t.Run("处理器收到拆包后的业务数据", func(t *testing.T) {
		r := newTestRouter(t)
		var got json.RawMessage
		r.Handle("pay", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
			got = payload
			return nil, nil
		})

		dispatch(r, "pay", criticalPayload(t, "n-2", `{"amount":5}`))
		assert.JSONEq(t, `{"amount":5}`, string(got))
	})

	t.Run("失败结局同样被缓存", func(t *testing.T) {
		r := newTestRouter(t)
		executions := 0
		r.Handle("pay", func(context.Context, json.RawMessage) (json.RawMessage, error) {
			executions++
			return nil, errors.New("insufficient funds")
		})

		payload := criticalPayload(t, "n-3", `{}`)
		first := dispatch(r, "pay", payload)
		second := dispatch(r, "pay", payload)

		assert.Equal(t, 1, executions)
		assert.Equal(t, "insufficient funds", first.Error)
		assert.Equal(t, "insufficient funds", second.Error)
	})

	t.Run("落账确认通过回调广播", func(t *testing.T) {
		r := newTestRouter(t)
		var ackKeys []string
		r.SetAcker(func(key string, payload json.RawMessage) {
			ackKeys = append(ackKeys, key)
		})
		r.Handle("pay", func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return nil, nil
		})

		dispatch(r, "pay", criticalPayload(t, "n-4", `{}`))
		require.Len(t, ackKeys, 1)
		assert.Equal(t, types.AckKey("n-4"), ackKeys[0])
	})

	t.Run("普通载荷不触发幂等路径", func(t *testing.T) {
		r := newTestRouter(t)
		executions := 0
		r.Handle("pay", func(context.Context, json.RawMessage) (json.RawMessage, error) {
			executions++
			return nil, nil
		})

		dispatch(r, "pay", json.RawMessage(`{"amount":5}`))
		dispatch(r, "pay", json.RawMessage(`{"amount":5}`))
		assert.Equal(t, 2, executions)
	})

	t.Run("账本命中计入指标", func(t *testing.T) {
		r := newTestRouter(t)
		reg := prometheus.NewRegistry()
		met := metrics.NewCollector(reg)
		r.SetMetrics(met)
		r.Handle("pay", func(context.Context, json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"tx":1}`), nil
		})

		dispatch(r, "pay", criticalPayload(t, "n-5", `{}`))
		assert.Equal(t, float64(0), gatherCounter(t, reg, "portlink_nonce_hits_total"))

		dispatch(r, "pay", criticalPayload(t, "n-5", `{}`))
		assert.Equal(t, float64(1), gatherCounter(t, reg, "portlink_nonce_hits_total"))
	})
}

// gatherCounter 从注册表取单个计数器当前值
func gatherCounter(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return 0
}
