// Package interfaces 定义 PortLink 的公共接口
//
// 对外使用者只需本包与 pkg/types 即可实现自定义传输与中间件
// （一个接口文件 = 一个实现目录）：
//
//   - transport.go - 传输层（Port / Dialer / Listener，实现见 pkg/transport）
//   - router.go    - 请求路由（Handler / Middleware，实现见宿主路由器）
package interfaces
