package types

import "errors"

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrUnknownFrame 未知帧类型
	ErrUnknownFrame = errors.New("unknown frame type")

	// ErrPortClosed 端口已关闭（普通断连）
	ErrPortClosed = errors.New("port closed")

	// ErrHostUnavailable 宿主进程不可达（接收端不存在，可能正在冷启动）
	ErrHostUnavailable = errors.New("receiving end does not exist")

	// ErrRequestTimeout 请求超时
	ErrRequestTimeout = errors.New("request timeout")

	// ErrUnresponsive 宿主无响应（连续超时/心跳失败触发的批量拒绝）
	ErrUnresponsive = errors.New("host unresponsive")
)

// ============================================================================
//                              错误分类
// ============================================================================

// ErrorClass 传输错误分类
//
// 重连控制器据此选择退避策略：宿主冷启动使用无界退避，
// 普通断连使用有界重试加冷却。
type ErrorClass int

const (
	// ClassNone 非传输错误
	ClassNone ErrorClass = iota

	// ClassHostRestarting 宿主进程重启中
	ClassHostRestarting

	// ClassDisconnected 普通断连
	ClassDisconnected

	// ClassTimeout 请求超时
	ClassTimeout
)

// String 返回分类的字符串表示
func (c ErrorClass) String() string {
	switch c {
	case ClassHostRestarting:
		return "host-restarting"
	case ClassDisconnected:
		return "disconnected"
	case ClassTimeout:
		return "timeout"
	default:
		return "none"
	}
}

// ClassifyError 对错误进行传输层分类
func ClassifyError(err error) ErrorClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrHostUnavailable):
		return ClassHostRestarting
	case errors.Is(err, ErrPortClosed):
		return ClassDisconnected
	case errors.Is(err, ErrRequestTimeout), errors.Is(err, ErrUnresponsive):
		return ClassTimeout
	default:
		return ClassNone
	}
}

// ============================================================================
//                              远端处理器错误
// ============================================================================

// RemoteError 宿主端处理器返回的错误
//
// 响应帧的 error 字段非空时，调用方收到此类型错误。
type RemoteError struct {
	Msg string
}

// Error 实现 error
func (e *RemoteError) Error() string {
	return "remote handler error: " + e.Msg
}
