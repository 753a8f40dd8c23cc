// Package types 定义 PortLink 桥接协议的公共类型
package types

import (
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
//                              保留消息键
// ============================================================================

const (
	// KeyPing 健康检查键，由宿主端直接应答 {pong:true}，不经过应用处理器
	KeyPing = "__ping__"

	// AckKeyPrefix 关键操作确认广播键前缀，完整形式为 __ack__:<nonce>
	AckKeyPrefix = "__ack__:"
)

// AckKey 返回指定 nonce 的确认广播键
func AckKey(nonce string) string {
	return AckKeyPrefix + nonce
}

// IsAckKey 判断键是否为确认广播键，并返回对应的 nonce
func IsAckKey(key string) (string, bool) {
	if strings.HasPrefix(key, AckKeyPrefix) {
		return key[len(AckKeyPrefix):], true
	}
	return "", false
}

// IsInternalKey 判断键是否为内部保留键（内部消息不进入请求队列）
func IsInternalKey(key string) bool {
	if key == KeyPing {
		return true
	}
	_, ok := IsAckKey(key)
	return ok
}

// ============================================================================
//                              帧类型
// ============================================================================

// FrameType 线上帧类型
type FrameType string

const (
	// FrameRequest 请求帧
	FrameRequest FrameType = "request"

	// FrameResponse 响应帧
	FrameResponse FrameType = "response"

	// FrameBroadcast 广播帧
	FrameBroadcast FrameType = "broadcast"
)

// ============================================================================
//                              线上消息
// ============================================================================

// Request 请求消息
type Request struct {
	Type     FrameType         `json:"type"`
	ID       uint64            `json:"id,string"`
	Key      string            `json:"key"`
	Payload  json.RawMessage   `json:"payload,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Response 响应消息
type Response struct {
	Type      FrameType       `json:"type"`
	ID        uint64          `json:"id,string"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// IsSuccess 判断响应是否成功
func (r *Response) IsSuccess() bool {
	return r.Error == ""
}

// Broadcast 广播消息
type Broadcast struct {
	Type    FrameType       `json:"type"`
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ============================================================================
//                              关键操作封包
// ============================================================================

// CriticalEnvelope 关键操作封包
//
// 包裹不可重复执行的操作负载。宿主端根据 Nonce 在幂等账本中
// 去重，重复提交直接返回首次执行的结果。
type CriticalEnvelope struct {
	Critical  bool            `json:"__critical__"`
	Nonce     string          `json:"__nonce__"`
	Timestamp int64           `json:"__timestamp__"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// DecodeCritical 尝试把请求负载解析为关键操作封包
//
// 返回 nil 表示该负载不是关键操作封包。
func DecodeCritical(payload json.RawMessage) *CriticalEnvelope {
	if len(payload) == 0 {
		return nil
	}
	var env CriticalEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil
	}
	if !env.Critical || env.Nonce == "" {
		return nil
	}
	return &env
}

// ============================================================================
//                              帧编解码
// ============================================================================

// frameHeader 用于探测帧类型
type frameHeader struct {
	Type FrameType `json:"type"`
}

// EncodeFrame 序列化一个帧结构
func EncodeFrame(v any) ([]byte, error) {
	return json.Marshal(v)
}

// DecodeFrame 解析一个帧，返回 *Request、*Response 或 *Broadcast
func DecodeFrame(data []byte) (any, error) {
	var hdr frameHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		return nil, err
	}

	switch hdr.Type {
	case FrameRequest:
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, err
		}
		return &req, nil
	case FrameResponse:
		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			return nil, err
		}
		return &resp, nil
	case FrameBroadcast:
		var bc Broadcast
		if err := json.Unmarshal(data, &bc); err != nil {
			return nil, err
		}
		return &bc, nil
	default:
		return nil, ErrUnknownFrame
	}
}

// NowMillis 返回当前 Unix 毫秒时间戳
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
