// Package main 提供独立的 portlink 宿主服务
//
// 通过 WebSocket 监听前台端点接入，请求路由与幂等账本由
// portlink.Host 承担。
//
// 使用方法:
//
//	go run main.go -listen :8173 -config host.json
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	portlink "github.com/portlink/go-portlink"
	"github.com/portlink/go-portlink/pkg/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Printf("错误: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	listen := flag.String("listen", ":8173", "监听地址")
	cfgPath := flag.String("config", "", "JSON 配置文件路径")
	flag.Parse()

	var opts []portlink.Option
	addr := *listen
	if *cfgPath != "" {
		cfg, err := loadConfig(*cfgPath)
		if err != nil {
			return fmt.Errorf("加载配置失败: %w", err)
		}
		if cfg.ListenAddr != "" {
			addr = cfg.ListenAddr
		}
		opts = cfg.ToOptions()
	}

	ln, err := transport.NewWSListener(addr)
	if err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}

	host, err := portlink.NewHost(ln, opts...)
	if err != nil {
		return err
	}
	if err := host.Start(); err != nil {
		return err
	}
	fmt.Printf("portlink 宿主已启动: %s\n", addr)

	host.Handle("echo", func(_ context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return payload, nil
	})

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signalCh
	fmt.Printf("收到信号 %v，正在关闭...\n", sig)

	return host.Close()
}

func loadConfig(path string) (*portlink.UserConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg portlink.UserConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
