// Package portlink 实现宿主进程与前台端点之间的弹性消息桥接
//
// 一个长生命周期的后台宿主与若干短生命周期的前台端点通过单条
// 频繁中断的逻辑通道交换请求/响应与广播事件。桥接协议在不稳定
// 传输之上提供可靠 RPC 语义：
//
//   - 连接生命周期状态机与自动重连（区分宿主冷启动与普通断连）
//   - 请求响应按 ID 关联，乱序响应安全匹配
//   - 断连期间请求入队，重连验证后按序重放
//   - 心跳监控，连续失败立即触发重连
//   - 基于 nonce 的幂等账本，关键操作至多执行一次
//
// 前台端点：
//
//	dialer := transport.NewWSDialer("127.0.0.1:7433")
//	bridge := portlink.New(dialer)
//	_ = bridge.Start()
//	data, err := bridge.Send(ctx, "echo", json.RawMessage(`{"x":1}`), 0)
//
// 宿主端：
//
//	listener, _ := transport.NewWSListener("127.0.0.1:7433")
//	host, _ := portlink.NewHost(listener)
//	host.Handle("echo", func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) {
//		return p, nil
//	})
//	_ = host.Start()
package portlink
