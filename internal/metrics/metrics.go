package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 定义 Prometheus 监控指标
var (
	// CommandsProcessed 计数器：处理过的命令总数
	// 按命令类型和结果 (ok/invalid/error) 分类
	CommandsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_commands_processed_total",
		Help: "The total number of inbound commands processed by the dispatcher",
	}, []string{"kind", "status"})

	// EventsPublished 计数器：对外发布的事件总数
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_events_published_total",
		Help: "The total number of domain events published to the message bus",
	}, []string{"event", "status"})

	// SimulationTicks 计数器：模拟时钟触发次数
	SimulationTicks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "simulator_ticks_total",
		Help: "The total number of simulation ticks fired while an order was active",
	})

	// LPNQuantity 仪表盘：当前箱内已码垛的张数
	LPNQuantity = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simulator_lpn_quantity",
		Help: "The number of sheets stacked into the current box",
	})

	// BoxNumber 仪表盘：当前箱号
	// 跨订单单调递增，可以用来观察翻箱频率
	BoxNumber = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simulator_box_number",
		Help: "The current box number of the stacking counter",
	})
)
