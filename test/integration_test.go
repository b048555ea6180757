package test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"sort3-simulator/internal/addrspace"
	"sort3-simulator/internal/command"
	"sort3-simulator/internal/event"
	"sort3-simulator/internal/handlers"
	"sort3-simulator/internal/model"
	"sort3-simulator/internal/sim"
	"sort3-simulator/internal/tags"
	"sort3-simulator/internal/web"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// memoryBus 在进程内记录所有发布的消息，代替真实的 NATS 连接
type memoryBus struct {
	mu       sync.Mutex
	messages map[string][][]byte
}

func newMemoryBus() *memoryBus {
	return &memoryBus{messages: make(map[string][][]byte)}
}

func (b *memoryBus) Publish(subject string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[subject] = append(b.messages[subject], data)
	return nil
}

func (b *memoryBus) count(subject string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages[subject])
}

// setupTestApp 启动一个完整的应用实例以进行测试
// tickRule 控制模拟时钟是否自动推进：验证命令路径的测试传 "false" 关掉自动 tick
func setupTestApp(t *testing.T, tickRule string) (*command.Dispatcher, *sim.Scheduler, *httptest.Server, *memoryBus) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store := tags.NewStore()
	workcenter, err := model.NewWorkcenter(store, logger, 10)
	if err != nil {
		t.Fatalf("初始化车间模型失败: %v", err)
	}

	space := addrspace.New(store)
	hub := web.NewHub(func() interface{} { return space.SnapshotTree() })
	go hub.Run()
	web.FeedChanges(hub, space.Subscribe)

	eventBus := event.NewBus()
	handlers.RegisterEventHandlers(eventBus, hub, logger)

	busClient := newMemoryBus()
	emitter := event.NewEmitter(eventBus, busClient, "sort3", logger)

	dispatcher := command.NewDispatcher(workcenter, store, emitter, logger)
	scheduler := sim.NewScheduler(workcenter, emitter, 10*time.Millisecond, tickRule, logger)
	dispatcher.SetOrderListener(scheduler)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go scheduler.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", hub.ServeWs)
	mux.HandleFunc("/api/space", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, addrspace.ErrPermissionDenied.Error(), http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode(space.SnapshotTree())
	})
	mux.HandleFunc("/api/space/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, addrspace.ErrPermissionDenied.Error(), http.StatusForbidden)
			return
		}
		path := strings.TrimPrefix(r.URL.Path, "/api/space/")
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

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return dispatcher, scheduler, server, busClient
}

func getBranch(t *testing.T, server *httptest.Server, branch string) map[string]interface{} {
	t.Helper()
	resp, err := http.Get(server.URL + "/api/space/" + branch)
	if err != nil {
		t.Fatalf("读取分支 %s 失败: %v", branch, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("预期状态码 200, 得到 %d", resp.StatusCode)
	}
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("解析分支响应失败: %v", err)
	}
	return out
}

func TestOrderLifecycleOverHTTP(t *testing.T) {
	dispatcher, _, server, busClient := setupTestApp(t, "false")
	ctx := context.Background()

	err := dispatcher.Handle(ctx, command.KindStartOrder, []byte(`{
		"po_id": "PO-INT-1",
		"max_sheets_per_box": 3,
		"stations": [{"active": true, "material": "oak"}]
	}`))
	if err != nil {
		t.Fatalf("start_order 失败: %v", err)
	}

	started := getBranch(t, server, "STARTED_PO")
	if started["SRT_PO_ID"] != "PO-INT-1" {
		t.Errorf("预期 SRT_PO_ID 为 PO-INT-1, 得到 %v", started["SRT_PO_ID"])
	}
	if started["ORDER_STATUS"] != float64(1) {
		t.Errorf("预期 ORDER_STATUS 为 1, 得到 %v", started["ORDER_STATUS"])
	}

	// 手动落 3 张，触发一次满箱翻转
	if err := dispatcher.Handle(ctx, command.KindSimulateStacking, []byte(`{"qty_increment": 3}`)); err != nil {
		t.Fatalf("simulate_stacking 失败: %v", err)
	}

	stacked := getBranch(t, server, "VENEER_STACKED")
	if stacked["OUT_BOXNR"] != float64(2) {
		t.Errorf("预期翻转后箱号为 2, 得到 %v", stacked["OUT_BOXNR"])
	}
	if stacked["OUT_LPN_QTY"] != float64(0) {
		t.Errorf("预期翻转后箱内数量为 0, 得到 %v", stacked["OUT_LPN_QTY"])
	}

	// 停止订单：订单标签清空，计数器保持
	if err := dispatcher.Handle(ctx, command.KindStopOrder, nil); err != nil {
		t.Fatalf("stop_order 失败: %v", err)
	}
	started = getBranch(t, server, "STARTED_PO")
	if started["ORDER_STATUS"] != float64(0) {
		t.Errorf("预期 ORDER_STATUS 为 0, 得到 %v", started["ORDER_STATUS"])
	}
	stacked = getBranch(t, server, "VENEER_STACKED")
	if stacked["OUT_BOXNR"] != float64(2) {
		t.Errorf("停止订单不能重置箱号, 得到 %v", stacked["OUT_BOXNR"])
	}

	if busClient.count("sort3.evt.order_started") != 1 {
		t.Error("缺少 order_started 事件")
	}
	if busClient.count("sort3.evt.order_stopped") != 1 {
		t.Error("缺少 order_stopped 事件")
	}
	if busClient.count("sort3.evt.veneer_stacked") != 3 {
		t.Errorf("预期 3 条 veneer_stacked 事件, 得到 %d", busClient.count("sort3.evt.veneer_stacked"))
	}
}

func TestSchedulerDrivenStacking(t *testing.T) {
	dispatcher, _, server, _ := setupTestApp(t, "order.active && active_stations > 0")

	err := dispatcher.Handle(context.Background(), command.KindStartOrder, []byte(`{
		"po_id": "PO-INT-2",
		"max_sheets_per_box": 100,
		"stations": [{"active": true}]
	}`))
	if err != nil {
		t.Fatalf("start_order 失败: %v", err)
	}

	// 等待模拟时钟自动推进计数
	advanced := false
	for i := 0; i < 100; i++ {
		time.Sleep(20 * time.Millisecond)
		stacked := getBranch(t, server, "VENEER_STACKED")
		if qty, ok := stacked["OUT_LPN_QTY"].(float64); ok && qty >= 2 {
			advanced = true
			break
		}
	}
	if !advanced {
		t.Fatal("模拟时钟未在规定时间内推进计数")
	}

	// 停止后计数不再前进
	if err := dispatcher.Handle(context.Background(), command.KindStopOrder, nil); err != nil {
		t.Fatalf("stop_order 失败: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	before := getBranch(t, server, "VENEER_STACKED")["OUT_LPN_QTY"]
	time.Sleep(60 * time.Millisecond)
	after := getBranch(t, server, "VENEER_STACKED")["OUT_LPN_QTY"]
	if before != after {
		t.Errorf("订单停止后计数仍在前进: %v -> %v", before, after)
	}
}

func TestExternalWriteIsRejected(t *testing.T) {
	_, _, server, _ := setupTestApp(t, "false")

	resp, err := http.Post(server.URL+"/api/space", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("预期状态码 403, 得到 %d", resp.StatusCode)
	}
}

func TestLeafReadAndUnknownPath(t *testing.T) {
	_, _, server, _ := setupTestApp(t, "false")

	resp, err := http.Get(server.URL + "/api/space/VENEER_STACKED/OUT_BOXNR")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()
	var leaf map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&leaf); err != nil {
		t.Fatalf("解析叶子响应失败: %v", err)
	}
	if leaf["value"] != float64(1) {
		t.Errorf("预期初始箱号为 1, 得到 %v", leaf["value"])
	}

	resp2, err := http.Get(server.URL + "/api/space/NO/SUCH/PATH")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Errorf("预期状态码 404, 得到 %d", resp2.StatusCode)
	}
}

func TestMalformedCommandsDoNotDisturbState(t *testing.T) {
	dispatcher, scheduler, server, _ := setupTestApp(t, "false")
	ctx := context.Background()

	dispatcher.Dispatch(ctx, command.KindStartOrder, []byte(`not json at all`))
	dispatcher.Dispatch(ctx, command.KindSimulateStacking, []byte(`{"qty_increment": -5}`))
	dispatcher.Dispatch(ctx, command.KindSetTag, []byte(`{"tag": "NO/TAG", "value": 1}`))

	started := getBranch(t, server, "STARTED_PO")
	if started["ORDER_STATUS"] != float64(0) {
		t.Errorf("坏命令不能激活订单, ORDER_STATUS = %v", started["ORDER_STATUS"])
	}
	if got := scheduler.State(); string(got) != "IDLE" {
		t.Errorf("坏命令后调度器应保持 Idle, 得到 %s", got)
	}
}
