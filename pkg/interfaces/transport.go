package interfaces

import "context"

// ============================================================================
//                              传输层接口
// ============================================================================

// ReceiveHandler 收帧回调
type ReceiveHandler func(data []byte)

// CloseHandler 通道关闭回调
type CloseHandler func(err error)

// Port 一条已建立的双向通道
//
// 通道由重连控制器独占持有，断连后整体替换而非修补。
// 实现必须保证：Close 后 Alive 返回 false，且关闭回调至多
// 触发一次。
type Port interface {
	// ID 返回通道标识
	ID() string

	// Send 发送一帧（非阻塞语义由实现保证，失败返回分类错误）
	Send(data []byte) error

	// SetReceiveHandler 设置收帧回调（必须在收发开始前设置）
	SetReceiveHandler(h ReceiveHandler)

	// SetCloseHandler 设置关闭回调
	SetCloseHandler(h CloseHandler)

	// Alive 判断通道是否存活
	Alive() bool

	// Close 关闭通道
	Close() error
}

// Dialer 前台端点侧的通道建立器
type Dialer interface {
	// Dial 建立一条新通道
	//
	// 宿主不可达时返回包装 types.ErrHostUnavailable 的错误，
	// 供重连控制器区分冷启动与普通失败。
	Dial(ctx context.Context) (Port, error)

	// SendOnce 一次性投递：不建立持久通道，发送单个请求帧并等待响应帧
	//
	// 用于重连未在进行时的兜底投递路径。
	SendOnce(ctx context.Context, data []byte) ([]byte, error)
}

// Listener 宿主端的通道接受器
type Listener interface {
	// Accept 阻塞等待下一条接入通道
	Accept(ctx context.Context) (Port, error)

	// Close 关闭监听器
	Close() error
}
