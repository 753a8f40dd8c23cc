// Package reconnect 实现连接生命周期状态机
package reconnect

import "time"

// ============================================================================
//                              配置
// ============================================================================

// Config 重连控制器配置
type Config struct {
	// InitialBackoff 初始退避时间
	// 默认值: 500ms
	InitialBackoff time.Duration

	// MaxBackoff 最大退避时间
	// 默认值: 30s
	MaxBackoff time.Duration

	// BackoffFactor 退避因子
	// 默认值: 2.0
	BackoffFactor float64

	// MaxRetries 普通断连的重试预算
	// 宿主冷启动路径不受此预算约束。
	// 默认值: 10
	MaxRetries int

	// Cooldown 重试预算耗尽后的冷却时长，冷却结束后计数归零继续重试
	// 默认值: 30s
	Cooldown time.Duration

	// EarlyErrorWindow 通道建立后的早期错误观察窗口
	// 默认值: 200ms
	EarlyErrorWindow time.Duration

	// VerifyTimeout 应用级验证 ping 超时
	// 默认值: 3s
	VerifyTimeout time.Duration

	// GracePeriod 连接就绪后的宽限期
	// 刚重启的宿主尚未注册处理器，宽限期内抑制由请求超时
	// 触发的重连。
	// 默认值: 5s
	GracePeriod time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		InitialBackoff:   500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
		BackoffFactor:    2.0,
		MaxRetries:       10,
		Cooldown:         30 * time.Second,
		EarlyErrorWindow: 200 * time.Millisecond,
		VerifyTimeout:    3 * time.Second,
		GracePeriod:      5 * time.Second,
	}
}

// Validate 修正无效值为默认值
func (c *Config) Validate() {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BackoffFactor <= 1.0 {
		c.BackoffFactor = 2.0
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.EarlyErrorWindow <= 0 {
		c.EarlyErrorWindow = 200 * time.Millisecond
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = 3 * time.Second
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 5 * time.Second
	}
}

// ============================================================================
//                              退避计算
// ============================================================================

// Backoff 计算第 attempt 次重试的退避时长（从 1 计，封顶）
func (c *Config) Backoff(attempt int) time.Duration {
	d := c.InitialBackoff
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * c.BackoffFactor)
		if d >= c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	if d > c.MaxBackoff {
		d = c.MaxBackoff
	}
	return d
}
