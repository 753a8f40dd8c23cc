// Package transport 提供桥接通道的传输适配层
//
// 传输适配器封装宿主平台的点对点持久通道原语：
// - Port: 单条已建立的双向通道
// - Dialer: 前台端点侧，负责建立通道与一次性投递
// - Listener: 宿主端侧，接受前台端点接入
//
// 接口定义在 pkg/interfaces，本包提供进程内管道（pipe）与
// WebSocket（ws）两种实现。所有实现必须保证：Close 后 Alive
// 返回 false，且关闭回调至多触发一次。
package transport

import (
	"errors"

	"github.com/portlink/go-portlink/pkg/interfaces"
)

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrListenerClosed 监听器已关闭
	ErrListenerClosed = errors.New("transport listener closed")

	// ErrDialFailed 建立通道失败
	ErrDialFailed = errors.New("transport dial failed")
)

// ============================================================================
//                              接口别名
// ============================================================================

type (
	// Port 一条已建立的双向通道
	Port = interfaces.Port

	// Dialer 前台端点侧的通道建立器
	Dialer = interfaces.Dialer

	// Listener 宿主端的通道接受器
	Listener = interfaces.Listener

	// ReceiveHandler 收帧回调
	ReceiveHandler = interfaces.ReceiveHandler

	// CloseHandler 通道关闭回调
	CloseHandler = interfaces.CloseHandler
)
