package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"sort3-simulator/internal/bus"
)

// main 是命令行工具的入口，用于在集成测试时向模拟器下发命令或观察事件
//
//	sortctl -url nats://127.0.0.1:4222 start_order '{"po_id":"PO-1"}'
//	sortctl stop_order
//	sortctl watch
func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	url := flag.String("url", "nats://127.0.0.1:4222", "消息总线地址")
	prefix := flag.String("prefix", "sort3", "主题前缀")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "用法: sortctl [-url ...] [-prefix ...] <命令> [JSON 负载] | watch")
		os.Exit(2)
	}

	client, err := bus.Connect(*url, logger)
	if err != nil {
		logger.Error("连接消息总线失败", "error", err)
		os.Exit(1)
	}
	defer client.Close()

	if args[0] == "watch" {
		watchEvents(client, *prefix, logger)
		return
	}

	kind := args[0]
	payload := "{}"
	if len(args) > 1 {
		payload = args[1]
	}
	// 提前校验负载，避免把畸形 JSON 发到总线上
	if !json.Valid([]byte(payload)) {
		logger.Error("负载不是合法的 JSON", "payload", payload)
		os.Exit(2)
	}

	subject := *prefix + ".cmd." + kind
	if err := client.Publish(subject, []byte(payload)); err != nil {
		logger.Error("发布命令失败", "subject", subject, "error", err)
		os.Exit(1)
	}
	logger.Info("命令已发布", "subject", subject)
}

// watchEvents 订阅全部事件主题并逐条打印，Ctrl-C 退出
func watchEvents(client *bus.Client, prefix string, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	err := client.Subscribe(ctx, prefix+".evt.>", func(_ context.Context, data []byte) {
		fmt.Println(string(data))
	})
	if err != nil {
		logger.Error("订阅事件主题失败", "error", err)
		os.Exit(1)
	}

	logger.Info("正在监听事件", "subject", prefix+".evt.>")
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
}
