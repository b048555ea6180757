package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sort3-simulator/internal/addrspace"
	"sort3-simulator/internal/bus"
	"sort3-simulator/internal/command"
	"sort3-simulator/internal/config"
	"sort3-simulator/internal/event"
	"sort3-simulator/internal/handlers"
	"sort3-simulator/internal/model"
	"sort3-simulator/internal/persistence"
	"sort3-simulator/internal/sim"
	"sort3-simulator/internal/tags"
	"sort3-simulator/internal/web"
)

// main 是模拟器进程的主入口
func main() {
	// 1. 初始化核心组件
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("加载配置失败", "error", err)
		os.Exit(1)
	}

	store := tags.NewStore()
	workcenter, err := model.NewWorkcenter(store, logger, cfg.DefaultMaxSheets)
	if err != nil {
		logger.Error("初始化车间模型失败", "error", err)
		os.Exit(1)
	}

	// 2. 计数器日志：箱号跨重启存活
	journal, err := persistence.NewJournal(cfg.JournalPath)
	if err != nil {
		logger.Error("无法初始化计数器日志", "error", err)
		os.Exit(1)
	}
	defer journal.Close()

	if counter, ok, err := journal.Recover(); err != nil {
		logger.Warn("恢复计数器状态失败", "error", err)
	} else if ok {
		workcenter.RestoreCounter(counter)
	}
	workcenter.SetCounterListener(func(c model.StackingCounter) {
		if err := journal.Append(c); err != nil {
			logger.Warn("写入计数器日志失败", "error", err)
		}
	})

	// 3. 地址空间与 WebSocket 推送
	space := addrspace.New(store)
	hub := web.NewHub(func() interface{} { return space.SnapshotTree() })
	go hub.Run()
	web.FeedChanges(hub, space.Subscribe)

	// 4. 事件总线与外部消息总线
	eventBus := event.NewBus()
	handlers.RegisterEventHandlers(eventBus, hub, logger)

	natsClient, err := bus.Connect(cfg.NATSURL, logger)
	if err != nil {
		logger.Error("连接消息总线失败", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	emitter := event.NewEmitter(eventBus, natsClient, cfg.SubjectPrefix, logger)

	// 5. 命令分发器与模拟时钟
	dispatcher := command.NewDispatcher(workcenter, store, emitter, logger)
	scheduler := sim.NewScheduler(
		workcenter, emitter,
		time.Duration(cfg.SimulationInterval)*time.Second,
		cfg.TickRule, logger,
	)
	dispatcher.SetOrderListener(scheduler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go scheduler.Start(ctx)

	if err := dispatcher.Register(ctx, natsClient, cfg.SubjectPrefix); err != nil {
		logger.Error("订阅命令主题失败", "error", err)
		os.Exit(1)
	}

	go startAPIServer(space, hub, logger, cfg.HTTPAddr)

	logger.Info("=== SORT3 分拣车间模拟器启动 ===",
		"nats_url", cfg.NATSURL, "http_addr", cfg.HTTPAddr,
		"subject_prefix", cfg.SubjectPrefix, "simulation_interval", cfg.SimulationInterval)
	emitter.Emit(event.Event{Type: event.SimulatorStarted})

	// 6. 优雅停机
	waitForShutdown(logger, cancel, emitter)
}

// startAPIServer 启动地址空间读取服务和监控端点
func startAPIServer(space *addrspace.Space, hub *web.Hub, logger *slog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", hub.ServeWs)

	// 全量地址空间快照
	mux.HandleFunc("/api/space", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			// 外部客户端是只读观察者
			http.Error(w, addrspace.ErrPermissionDenied.Error(), http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(space.SnapshotTree())
	})

	// 按路径浏览：分支返回子节点快照，叶子返回单个值
	mux.HandleFunc("/api/space/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, addrspace.ErrPermissionDenied.Error(), http.StatusForbidden)
			return
		}
		path := strings.TrimPrefix(r.URL.Path, "/api/space/")
		w.Header().Set("Content-Type", "application/json")

		if branch, err := space.SnapshotBranch(path); err == nil && len(branch) > 0 {
			json.NewEncoder(w).Encode(branch)
			return
		}
		value, err := space.ReadValue(path)
		if err != nil {
			if errors.Is(err, tags.ErrUnknownPath) {
				http.Error(w, err.Error(), http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"path": path, "value": value})
	})

	logger.Info("地址空间读取服务启动", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("读取服务启动失败", "error", err)
	}
}

// waitForShutdown 等待系统信号以实现优雅停机
func waitForShutdown(logger *slog.Logger, cancel context.CancelFunc, emitter *event.Emitter) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("接收到停机信号，正在优雅关闭...")
	emitter.Emit(event.Event{Type: event.SimulatorStopped})
	cancel()
	logger.Info("模拟器已安全退出。")
}
