package portlink

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/portlink/go-portlink/internal/core/correlator"
	"github.com/portlink/go-portlink/internal/core/health"
	"github.com/portlink/go-portlink/internal/core/nonce"
	"github.com/portlink/go-portlink/internal/core/queue"
	"github.com/portlink/go-portlink/internal/core/reconnect"
)

// ============================================================================
//                              内部配置聚合
// ============================================================================

// config 各子系统配置的聚合
type config struct {
	correlator correlator.Config
	queue      queue.Config
	health     health.Config
	reconnect  reconnect.Config
	nonce      nonce.Config

	// ackTimeout 关键操作"收到确认"的等待上限（只静默超时，从不拒绝）
	ackTimeout time.Duration

	// oneShotRetries 一次性投递兜底路径对"宿主未就绪"的重试预算
	oneShotRetries int

	clk         clock.Clock
	metricsReg  prometheus.Registerer
	metricsOn   bool
	snapshotDir string
}

func defaultRootConfig() *config {
	return &config{
		correlator:     correlator.DefaultConfig(),
		queue:          queue.DefaultConfig(),
		health:         health.DefaultConfig(),
		reconnect:      reconnect.DefaultConfig(),
		nonce:          nonce.DefaultConfig(),
		ackTimeout:     2 * time.Second,
		oneShotRetries: 3,
		clk:            clock.New(),
	}
}

// ============================================================================
//                              Option
// ============================================================================

// Option 构造期配置项
type Option func(*config)

// WithClock 注入时钟（测试用 clock.NewMock）
func WithClock(clk clock.Clock) Option {
	return func(c *config) { c.clk = clk }
}

// WithCorrelatorConfig 覆盖关联器配置
func WithCorrelatorConfig(cfg correlator.Config) Option {
	return func(c *config) { c.correlator = cfg }
}

// WithQueueConfig 覆盖队列配置
func WithQueueConfig(cfg queue.Config) Option {
	return func(c *config) { c.queue = cfg }
}

// WithHealthConfig 覆盖心跳监控配置
func WithHealthConfig(cfg health.Config) Option {
	return func(c *config) { c.health = cfg }
}

// WithReconnectConfig 覆盖重连控制器配置
func WithReconnectConfig(cfg reconnect.Config) Option {
	return func(c *config) { c.reconnect = cfg }
}

// WithNonceConfig 覆盖幂等账本配置
func WithNonceConfig(cfg nonce.Config) Option {
	return func(c *config) { c.nonce = cfg }
}

// WithAckTimeout 覆盖关键操作确认等待上限
func WithAckTimeout(d time.Duration) Option {
	return func(c *config) { c.ackTimeout = d }
}

// WithMetrics 启用运行指标
//
// reg 为 nil 时使用默认注册表。
func WithMetrics(reg prometheus.Registerer) Option {
	return func(c *config) {
		c.metricsOn = true
		c.metricsReg = reg
	}
}

// WithSnapshotDir 设置宿主端幂等账本快照目录
//
// 未设置时使用内存引擎（重启丢失账本状态）。
func WithSnapshotDir(dir string) Option {
	return func(c *config) { c.snapshotDir = dir }
}
