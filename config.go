package portlink

import (
	"time"
)

// ============================================================================
//                              用户配置
// ============================================================================

// UserConfig 面向用户的简化配置结构
//
// 可以从 JSON 文件加载后经 ToOptions 转换为构造参数。
// 配置文件的读取应由应用层（cmd/*）负责，库本身不做 I/O。
//
//	data, _ := os.ReadFile("config.json")
//	var cfg portlink.UserConfig
//	_ = json.Unmarshal(data, &cfg)
//	host, _ := portlink.NewHost(listener, cfg.ToOptions()...)
type UserConfig struct {
	// ListenAddr 宿主端监听地址
	ListenAddr string `json:"listen_addr,omitempty"`

	// SnapshotDir 幂等账本快照目录（空则使用内存引擎）
	SnapshotDir string `json:"snapshot_dir,omitempty"`

	// EnableMetrics 启用 Prometheus 指标
	EnableMetrics bool `json:"enable_metrics,omitempty"`

	// Queue 队列配置
	Queue *QueueUserConfig `json:"queue,omitempty"`

	// Health 心跳配置
	Health *HealthUserConfig `json:"health,omitempty"`

	// Reconnect 重连配置
	Reconnect *ReconnectUserConfig `json:"reconnect,omitempty"`
}

// QueueUserConfig 队列配置
type QueueUserConfig struct {
	// Capacity 队列容量
	Capacity int `json:"capacity,omitempty"`

	// MaxRetries 重放重试预算
	MaxRetries int `json:"max_retries,omitempty"`
}

// HealthUserConfig 心跳配置
type HealthUserConfig struct {
	// IntervalMS 心跳间隔（毫秒）
	IntervalMS int `json:"interval_ms,omitempty"`

	// FailureThreshold 连续失败阈值
	FailureThreshold int `json:"failure_threshold,omitempty"`
}

// ReconnectUserConfig 重连配置
type ReconnectUserConfig struct {
	// MaxRetries 普通断连重试预算
	MaxRetries int `json:"max_retries,omitempty"`

	// MaxBackoffMS 退避上限（毫秒）
	MaxBackoffMS int `json:"max_backoff_ms,omitempty"`
}

// ToOptions 转换为构造参数
func (u *UserConfig) ToOptions() []Option {
	var opts []Option

	if u.SnapshotDir != "" {
		opts = append(opts, WithSnapshotDir(u.SnapshotDir))
	}
	if u.EnableMetrics {
		opts = append(opts, WithMetrics(nil))
	}
	if u.Queue != nil {
		q := u.Queue
		opts = append(opts, func() Option {
			return func(c *config) {
				if q.Capacity > 0 {
					c.queue.Capacity = q.Capacity
				}
				if q.MaxRetries > 0 {
					c.queue.MaxRetries = q.MaxRetries
				}
			}
		}())
	}
	if u.Health != nil {
		h := u.Health
		opts = append(opts, func(c *config) {
			if h.IntervalMS > 0 {
				c.health.Interval = time.Duration(h.IntervalMS) * time.Millisecond
			}
			if h.FailureThreshold > 0 {
				c.health.FailureThreshold = h.FailureThreshold
			}
		})
	}
	if u.Reconnect != nil {
		r := u.Reconnect
		opts = append(opts, func(c *config) {
			if r.MaxRetries > 0 {
				c.reconnect.MaxRetries = r.MaxRetries
			}
			if r.MaxBackoffMS > 0 {
				c.reconnect.MaxBackoff = time.Duration(r.MaxBackoffMS) * time.Millisecond
			}
		})
	}
	return opts
}
