package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
//                              内部键
// ============================================================================

func TestInternalKeys(t *testing.T) {
	t.Run("确认键往返", func(t *testing.T) {
		key := AckKey("abc-123")
		nonce, ok := IsAckKey(key)
		require.True(t, ok)
		assert.Equal(t, "abc-123", nonce)
	})

	t.Run("普通键不是确认键", func(t *testing.T) {
		_, ok := IsAckKey("user.create")
		assert.False(t, ok)
	})

	t.Run("内部键识别", func(t *testing.T) {
		assert.True(t, IsInternalKey(KeyPing))
		assert.True(t, IsInternalKey(AckKey("n1")))
		assert.False(t, IsInternalKey("user.create"))
	})
}

// ============================================================================
//                              帧编解码
// ============================================================================

func TestFrameRoundTrip(t *testing.T) {
	t.Run("请求帧", func(t *testing.T) {
		req := &Request{
			Type:    FrameRequest,
			ID:      42,
			Key:     "user.create",
			Payload: json.RawMessage(`{"name":"w"}`),
		}
		data, err := EncodeFrame(req)
		require.NoError(t, err)

		frame, err := DecodeFrame(data)
		require.NoError(t, err)
		got, ok := frame.(*Request)
		require.True(t, ok)
		assert.Equal(t, uint64(42), got.ID)
		assert.Equal(t, "user.create", got.Key)
		assert.JSONEq(t, `{"name":"w"}`, string(got.Payload))
	})

	t.Run("响应帧", func(t *testing.T) {
		resp := &Response{Type: FrameResponse, ID: 7, Data: json.RawMessage(`true`)}
		data, err := EncodeFrame(resp)
		require.NoError(t, err)

		frame, err := DecodeFrame(data)
		require.NoError(t, err)
		got, ok := frame.(*Response)
		require.True(t, ok)
		assert.Equal(t, uint64(7), got.ID)
		assert.True(t, got.IsSuccess())
	})

	t.Run("广播帧", func(t *testing.T) {
		bc := &Broadcast{Type: FrameBroadcast, Key: "notice", Payload: json.RawMessage(`"hi"`)}
		data, err := EncodeFrame(bc)
		require.NoError(t, err)

		frame, err := DecodeFrame(data)
		require.NoError(t, err)
		got, ok := frame.(*Broadcast)
		require.True(t, ok)
		assert.Equal(t, "notice", got.Key)
	})

	t.Run("ID 序列化为字符串", func(t *testing.T) {
		data, err := EncodeFrame(&Request{Type: FrameRequest, ID: 9007199254740993, Key: "k"})
		require.NoError(t, err)
		assert.Contains(t, string(data), `"9007199254740993"`)
	})

	t.Run("未知帧类型", func(t *testing.T) {
		_, err := DecodeFrame([]byte(`{"type":"mystery"}`))
		assert.ErrorIs(t, err, ErrUnknownFrame)
	})

	t.Run("非法 JSON", func(t *testing.T) {
		_, err := DecodeFrame([]byte(`not json`))
		assert.Error(t, err)
	})
}

// ============================================================================
//                              幂等信封
// ============================================================================

func TestDecodeCritical(t *testing.T) {
	t.Run("完整信封", func(t *testing.T) {
		payload, err := json.Marshal(&CriticalEnvelope{
			Critical:  true,
			Nonce:     "n-1",
			Timestamp: 1700000000000,
			Data:      json.RawMessage(`{"amount":5}`),
		})
		require.NoError(t, err)

		env := DecodeCritical(payload)
		require.NotNil(t, env)
		assert.Equal(t, "n-1", env.Nonce)
		assert.JSONEq(t, `{"amount":5}`, string(env.Data))
	})

	t.Run("普通载荷返回 nil", func(t *testing.T) {
		assert.Nil(t, DecodeCritical(json.RawMessage(`{"amount":5}`)))
	})

	t.Run("缺少 nonce 返回 nil", func(t *testing.T) {
		assert.Nil(t, DecodeCritical(json.RawMessage(`{"__critical__":true}`)))
	})

	t.Run("非对象载荷返回 nil", func(t *testing.T) {
		assert.Nil(t, DecodeCritical(json.RawMessage(`[1,2]`)))
		assert.Nil(t, DecodeCritical(nil))
	})
}

// ============================================================================
//                              错误分类
// ============================================================================

func TestClassifyError(t *testing.T) {
	t.Run("宿主冷启动", func(t *testing.T) {
		err := fmt.Errorf("dial: %w", ErrHostUnavailable)
		assert.Equal(t, ClassHostRestarting, ClassifyError(err))
	})

	t.Run("通道断开", func(t *testing.T) {
		assert.Equal(t, ClassDisconnected, ClassifyError(ErrPortClosed))
	})

	t.Run("请求超时", func(t *testing.T) {
		assert.Equal(t, ClassTimeout, ClassifyError(ErrRequestTimeout))
		assert.Equal(t, ClassTimeout, ClassifyError(ErrUnresponsive))
	})

	t.Run("未知错误", func(t *testing.T) {
		assert.Equal(t, ClassNone, ClassifyError(errors.New("boom")))
		assert.Equal(t, ClassNone, ClassifyError(nil))
	})
}

// ============================================================================
//                              账本条目
// ============================================================================

func TestNonceEntryExpired(t *testing.T) {
	e := &NonceEntry{Nonce: "n", Status: NoncePending, ExpiresAt: 1000}
	assert.False(t, e.Expired(timeFromMillis(999)))
	assert.True(t, e.Expired(timeFromMillis(1001)))

	t.Run("零过期时间永不过期", func(t *testing.T) {
		e := &NonceEntry{Nonce: "n"}
		assert.False(t, e.Expired(timeFromMillis(1<<60)))
	})
}

func TestNonceStatusTerminal(t *testing.T) {
	assert.False(t, NoncePending.Terminal())
	assert.True(t, NonceCompleted.Terminal())
	assert.True(t, NonceFailed.Terminal())
}

func timeFromMillis(ms int64) time.Time {
	return time.UnixMilli(ms)
}
