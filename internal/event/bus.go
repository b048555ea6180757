package event

import (
	"sync"
	"time"

	"sort3-simulator/internal/model"
)

// Type 定义领域事件的类型
type Type string

// 模拟器对外暴露的全部事件，事件名同时作为消息总线上的主题后缀
const (
	SimulatorStarted Type = "simulator_started" // 模拟器进程就绪
	SimulatorStopped Type = "simulator_stopped" // 模拟器进程退出
	OrderStarted     Type = "order_started"     // 订单启动
	OrderStopped     Type = "order_stopped"     // 订单停止
	VeneerStacked    Type = "veneer_stacked"    // 一张板落箱
	ConfigUpdated    Type = "config_updated"    // 工艺参数更新
)

// Event 结构体定义了事件的数据负载
type Event struct {
	Type      Type                   `json:"type"`
	OrderID   string                 `json:"po_id,omitempty"`
	Stacked   *model.StackedEvent    `json:"stacked,omitempty"` // 仅码垛事件
	Applied   map[string]interface{} `json:"applied,omitempty"` // 仅参数更新事件
	Timestamp time.Time              `json:"timestamp"`
}

// Handler 是事件处理函数的签名
type Handler func(e Event)

// Bus 是一个简单的内存事件总线
// 把监控、Web 推送、审计日志等关注点与领域逻辑解耦
type Bus struct {
	mu       sync.RWMutex
	handlers map[Type][]Handler
}

// NewBus 创建一个新的事件总线实例
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Type][]Handler),
	}
}

// Subscribe 订阅一个特定类型的事件
func (b *Bus) Subscribe(eventType Type, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventType] = append(b.handlers[eventType], handler)
}

// Publish 发布一个事件，所有订阅了该事件类型的处理器都将被调用
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if handlers, ok := b.handlers[e.Type]; ok {
		// 异步执行，单个处理器的阻塞不影响其他处理器
		for _, handler := range handlers {
			go handler(e)
		}
	}
}
