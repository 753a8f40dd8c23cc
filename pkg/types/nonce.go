package types

import (
	"encoding/json"
	"time"
)

// ============================================================================
//                              幂等账本条目
// ============================================================================

// NonceStatus 关键操作状态
type NonceStatus int

const (
	// NoncePending 操作已登记，执行中
	NoncePending NonceStatus = iota

	// NonceCompleted 操作成功完成
	NonceCompleted

	// NonceFailed 操作执行失败
	NonceFailed
)

// String 返回状态的字符串表示
func (s NonceStatus) String() string {
	switch s {
	case NoncePending:
		return "pending"
	case NonceCompleted:
		return "completed"
	case NonceFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal 判断状态是否为终态
//
// 终态条目在过期前不可变更。
func (s NonceStatus) Terminal() bool {
	return s == NonceCompleted || s == NonceFailed
}

// NonceEntry 幂等账本条目
//
// 幂等性的持久真源：重复提交的关键操作以此为准返回首次结果。
type NonceEntry struct {
	Nonce     string          `json:"nonce"`
	Status    NonceStatus     `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp int64           `json:"timestamp"`
	ExpiresAt int64           `json:"expires_at"`
}

// Expired 判断条目在给定时刻是否已过期
func (e *NonceEntry) Expired(now time.Time) bool {
	if e.ExpiresAt == 0 {
		return false
	}
	return now.UnixMilli() >= e.ExpiresAt
}
