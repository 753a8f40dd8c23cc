package interfaces

import (
	"context"
	"encoding/json"
	"errors"
)

// ============================================================================
//                              请求路由接口
// ============================================================================

// ErrNextCalledTwice 中间件在单次调用内重复调用 next
var ErrNextCalledTwice = errors.New("middleware called next more than once")

// Handler 消息处理器
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Next 管道续延，恰好允许调用一次
type Next func() (json.RawMessage, error)

// Middleware 中间件
//
// rc 携带请求上下文；调用 next 进入下一层。
type Middleware func(ctx context.Context, rc *RequestContext, next Next) (json.RawMessage, error)

// RequestContext 一次入站请求的上下文
type RequestContext struct {
	// Key 消息键
	Key string

	// PortID 来源端口
	PortID string

	// Payload 请求负载（关键操作为解包后的内层数据）
	Payload json.RawMessage

	// Metadata 请求元数据
	Metadata map[string]string

	// Critical 是否为关键操作
	Critical bool

	// Nonce 关键操作的 nonce（非关键操作为空）
	Nonce string
}
