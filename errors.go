package portlink

import "errors"

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrBridgeClosed 桥接已关闭
	ErrBridgeClosed = errors.New("bridge closed")

	// ErrHostClosed 宿主已关闭
	ErrHostClosed = errors.New("host closed")

	// ErrNotConnected 通道不可用且调用方要求快速失败
	ErrNotConnected = errors.New("not connected")

	// ErrAlreadyStarted 已经启动
	ErrAlreadyStarted = errors.New("already started")
)
