// Package lib 包含基础设施工具库
//
// 本目录包含与桥接协议组件无关的通用工具库：
//
//   - log: 基于 log/slog 的日志封装，支持按组件命名与运行时切换输出
//
// # 与 pkg/ 其他目录的关系
//
//   - types/: 协议公共类型（帧、错误分类、幂等条目）
//   - lib/: 基础设施工具库（本目录）
//
// # 使用示例
//
//	import "github.com/portlink/go-portlink/pkg/lib/log"
//
//	var logger = log.Logger("core/queue")
package lib
