// Package storage 提供幂等账本快照的持久化层
//
// Engine 抽象底层键值引擎：生产环境使用 BadgerDB，测试使用
// 内存引擎。Store 在引擎之上提供前缀隔离的命名空间。
package storage

import "errors"

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrKeyNotFound 键不存在
	ErrKeyNotFound = errors.New("storage: key not found")

	// ErrEngineClosed 引擎已关闭
	ErrEngineClosed = errors.New("storage: engine closed")
)

// ============================================================================
//                              Engine 接口
// ============================================================================

// Engine 底层键值引擎
type Engine interface {
	// Get 读取键值，不存在返回 ErrKeyNotFound
	Get(key []byte) ([]byte, error)

	// Put 写入键值
	Put(key, value []byte) error

	// Delete 删除键
	Delete(key []byte) error

	// Close 关闭引擎
	Close() error
}
