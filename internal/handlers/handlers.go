package handlers

import (
	"log/slog"

	"sort3-simulator/internal/event"
	"sort3-simulator/internal/metrics"
	"sort3-simulator/internal/web"
)

// RegisterEventHandlers 将所有事件处理器注册到内存事件总线
// 把监控、Web 推送、审计日志等关注点与命令分发和模拟时钟解耦
func RegisterEventHandlers(bus *event.Bus, hub *web.Hub, logger *slog.Logger) {
	// --- 指标处理器 (Metrics Handler) ---
	// 订阅码垛事件，刷新计数器仪表盘
	bus.Subscribe(event.VeneerStacked, func(e event.Event) {
		if e.Stacked == nil {
			return
		}
		metrics.LPNQuantity.Set(float64(e.Stacked.LPNQty))
		metrics.BoxNumber.Set(float64(e.Stacked.BoxNumber))
	})

	// --- Web UI 处理器 (Web UI Handler) ---
	// 把领域事件原样推送给已连接的 WebSocket 客户端
	forward := func(e event.Event) {
		hub.Broadcast(map[string]interface{}{"kind": "event", "event": e})
	}
	bus.Subscribe(event.OrderStarted, forward)
	bus.Subscribe(event.OrderStopped, forward)
	bus.Subscribe(event.VeneerStacked, forward)
	bus.Subscribe(event.ConfigUpdated, forward)

	// --- 日志处理器 (Logging Handler) ---
	// 订阅关键业务事件，记录审计日志
	bus.Subscribe(event.OrderStarted, func(e event.Event) {
		logger.Info("审计: 订单启动", "po_id", e.OrderID)
	})
	bus.Subscribe(event.OrderStopped, func(e event.Event) {
		logger.Info("审计: 订单停止", "po_id", e.OrderID)
	})
	bus.Subscribe(event.ConfigUpdated, func(e event.Event) {
		logger.Info("审计: 工艺参数更新", "applied", e.Applied)
	})
}
