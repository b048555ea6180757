package event

import (
	"encoding/json"
	"log/slog"
	"time"

	"sort3-simulator/internal/metrics"
)

// Publisher 抽象外部消息总线的发布端，由 NATS 客户端实现
// 测试中注入内存实现即可脱离真实 broker
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Emitter 把领域事件同时送往内存总线（进程内关注点）和外部消息总线
// 对外发布是 fire-and-forget：失败只记日志，绝不阻塞或中断调用方
type Emitter struct {
	bus       *Bus
	publisher Publisher
	prefix    string // 主题前缀, 事件主题为 <prefix>.evt.<事件名>
	logger    *slog.Logger
}

// NewEmitter 创建事件发射器
func NewEmitter(bus *Bus, publisher Publisher, prefix string, logger *slog.Logger) *Emitter {
	return &Emitter{
		bus:       bus,
		publisher: publisher,
		prefix:    prefix,
		logger:    logger.With("component", "emitter"),
	}
}

// Emit 发布一个领域事件
// 调用方必须已经释放状态锁，事件负载是提交后的快照
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	e.bus.Publish(ev)

	data, err := json.Marshal(ev)
	if err != nil {
		e.logger.Error("事件序列化失败", "event", ev.Type, "error", err)
		return
	}

	subject := e.prefix + ".evt." + string(ev.Type)
	if err := e.publisher.Publish(subject, data); err != nil {
		// 至多一次投递：失败丢弃，重连由传输层自己负责
		e.logger.Warn("事件发布失败", "subject", subject, "error", err)
		metrics.EventsPublished.WithLabelValues(string(ev.Type), "error").Inc()
		return
	}
	metrics.EventsPublished.WithLabelValues(string(ev.Type), "ok").Inc()
}
