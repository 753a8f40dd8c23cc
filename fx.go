package portlink

import (
	"context"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/portlink/go-portlink/pkg/transport"
)

// ════════════════════════════════════════════════════════════════════════════
//                              Fx 模块
// ════════════════════════════════════════════════════════════════════════════

// HostResult 宿主模块输出
type HostResult struct {
	fx.Out

	Host *Host
}

// HostModule 返回宿主端点的 Fx 模块
//
// 生命周期挂钩负责启动接入循环与落盘关闭。
func HostModule(listener transport.Listener, opts ...Option) fx.Option {
	return fx.Module("portlink/host",
		fx.Provide(func() (HostResult, error) {
			h, err := NewHost(listener, opts...)
			if err != nil {
				return HostResult{}, err
			}
			return HostResult{Host: h}, nil
		}),
		fx.Invoke(func(lc fx.Lifecycle, h *Host) {
			lc.Append(fx.Hook{
				OnStart: func(_ context.Context) error {
					return h.Start()
				},
				OnStop: func(_ context.Context) error {
					return h.Close()
				},
			})
		}),
	)
}

// BridgeResult 桥接模块输出
type BridgeResult struct {
	fx.Out

	Bridge *Bridge
}

// BridgeModule 返回前台桥接的 Fx 模块
func BridgeModule(dialer transport.Dialer, opts ...Option) fx.Option {
	return fx.Module("portlink/bridge",
		fx.Provide(func() BridgeResult {
			return BridgeResult{Bridge: New(dialer, opts...)}
		}),
		fx.Invoke(func(lc fx.Lifecycle, b *Bridge) {
			lc.Append(fx.Hook{
				OnStart: func(_ context.Context) error {
					return b.Start()
				},
				OnStop: func(_ context.Context) error {
					return b.Close()
				},
			})
		}),
	)
}

// FxLogger 返回 Fx 框架自身的日志选项
//
// 默认静默；设置 PORTLINK_FX_DEBUG 后输出依赖装配过程。
func FxLogger() fx.Option {
	return fx.WithLogger(func() fxevent.Logger {
		if os.Getenv("PORTLINK_FX_DEBUG") != "" {
			l, err := zap.NewDevelopment()
			if err == nil {
				return &fxevent.ZapLogger{Logger: l}
			}
		}
		return &fxevent.ZapLogger{Logger: zap.NewNop()}
	})
}
