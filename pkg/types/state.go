package types

// ============================================================================
//                              连接状态
// ============================================================================

// ConnectionState 前台端点与宿主进程之间的连接状态
type ConnectionState int

const (
	// StateConnecting 首次建立连接中
	StateConnecting ConnectionState = iota

	// StateConnected 连接可用
	StateConnected

	// StateReconnecting 连接断开，正在重连
	StateReconnecting

	// StateDisconnected 连接断开且重连预算耗尽（冷却后自动恢复重试）
	StateDisconnected

	// StateError 不可恢复错误
	StateError
)

// String 返回状态的字符串表示
func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Usable 判断当前状态下通道是否可直接发送
func (s ConnectionState) Usable() bool {
	return s == StateConnected
}

// ============================================================================
//                              生命周期事件
// ============================================================================

// EvtStateChanged 连接状态变更事件
//
// 通过事件总线发布，订阅者可据此驱动 UI 状态或触发重新同步。
type EvtStateChanged struct {
	// Old 变更前状态
	Old ConnectionState

	// New 变更后状态
	New ConnectionState

	// Reason 变更原因（可读文本，仅用于日志与诊断）
	Reason string
}

// EvtPortConnected 宿主端口接入事件
type EvtPortConnected struct {
	// PortID 接入端口标识
	PortID string
}

// EvtPortDisconnected 宿主端口断开事件
type EvtPortDisconnected struct {
	// PortID 断开端口标识
	PortID string
}
