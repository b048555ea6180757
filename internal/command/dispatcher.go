// Package command 把入站消息解析成经过校验的状态变更
// 所有命令对恶意/畸形负载都是安全的：解析失败只记日志，绝不让进程崩溃
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"sort3-simulator/internal/bus"
	"sort3-simulator/internal/event"
	"sort3-simulator/internal/metrics"
	"sort3-simulator/internal/model"
	"sort3-simulator/internal/tags"
	"sort3-simulator/internal/util"
)

// ErrInvalidPayload 命令负载缺少必填字段或字段类型错误
var ErrInvalidPayload = errors.New("invalid command payload")

// ErrUnknownCommand 未注册的命令类型
var ErrUnknownCommand = errors.New("unknown command kind")

// 支持的五种命令类型，同时作为命令主题的后缀
const (
	KindStartOrder       = "start_order"
	KindStopOrder        = "stop_order"
	KindUpdateConfig     = "update_config"
	KindSimulateStacking = "simulate_stacking"
	KindSetTag           = "set_tag"
)

// Subscriber 抽象命令的订阅端，由 NATS 客户端实现
type Subscriber interface {
	Subscribe(ctx context.Context, subject string, handler bus.Handler) error
}

// OrderListener 在订单启动/停止后被调用，模拟时钟据此切换 Idle/Ticking
type OrderListener interface {
	OrderStarted()
	OrderStopped()
}

// Dispatcher 是命令入口
// 解析 → 校验 → 变更车间状态 → 用提交后的快照发布事件
type Dispatcher struct {
	wc       *model.Workcenter
	store    *tags.Store
	emitter  *event.Emitter
	listener OrderListener
	logger   *slog.Logger
}

// NewDispatcher 创建命令分发器
func NewDispatcher(wc *model.Workcenter, store *tags.Store, emitter *event.Emitter, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		wc:      wc,
		store:   store,
		emitter: emitter,
		logger:  logger.With("component", "dispatcher"),
	}
}

// SetOrderListener 挂接订单生命周期监听者（模拟时钟）
func (d *Dispatcher) SetOrderListener(l OrderListener) {
	d.listener = l
}

// Register 在消息总线上订阅全部命令主题
func (d *Dispatcher) Register(ctx context.Context, sub Subscriber, prefix string) error {
	kinds := []string{KindStartOrder, KindStopOrder, KindUpdateConfig, KindSimulateStacking, KindSetTag}
	for _, kind := range kinds {
		kind := kind
		subject := prefix + ".cmd." + kind
		err := sub.Subscribe(ctx, subject, func(msgCtx context.Context, data []byte) {
			d.Dispatch(msgCtx, kind, data)
		})
		if err != nil {
			return fmt.Errorf("订阅 %s 失败: %w", subject, err)
		}
	}
	return nil
}

// Dispatch 处理一条入站命令：分配 trace id，执行，记录结果
// 错误不向上传播，坏输入不能影响模拟核心继续服务
func (d *Dispatcher) Dispatch(ctx context.Context, kind string, payload []byte) {
	traceID := util.NewTraceID()
	ctx = util.ContextWithTraceID(ctx, traceID)
	logger := d.logger.With("trace_id", traceID, "kind", kind)

	logger.Info("接收到命令", "payload_bytes", len(payload))

	if err := d.Handle(ctx, kind, payload); err != nil {
		status := "error"
		if errors.Is(err, ErrInvalidPayload) {
			status = "invalid"
		}
		metrics.CommandsProcessed.WithLabelValues(kind, status).Inc()
		logger.Warn("命令处理失败", "error", err)
		return
	}
	metrics.CommandsProcessed.WithLabelValues(kind, "ok").Inc()
}

// Handle 执行单条命令，返回分类错误（供测试直接断言）
func (d *Dispatcher) Handle(ctx context.Context, kind string, payload []byte) error {
	switch kind {
	case KindStartOrder:
		return d.handleStartOrder(ctx, payload)
	case KindStopOrder:
		return d.handleStopOrder(ctx)
	case KindUpdateConfig:
		return d.handleUpdateConfig(ctx, payload)
	case KindSimulateStacking:
		return d.handleSimulateStacking(ctx, payload)
	case KindSetTag:
		return d.handleSetTag(ctx, payload)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, kind)
	}
}

// startOrderPayload 是 start_order 命令的负载模式
// 为兼容旧的上游系统保留若干别名字段
type startOrderPayload struct {
	POID            string                   `json:"po_id"`
	ProductionOrder string                   `json:"production_order"` // po_id 的旧别名
	Quantity        *float64                 `json:"quantity"`
	POQty           *float64                 `json:"po_qty"` // quantity 的旧别名
	BeltSpeed       *float64                 `json:"belt_speed"`
	MaxSheetsPerBox *float64                 `json:"max_sheets_per_box"`
	MaxSheets       *float64                 `json:"max_sheets"` // max_sheets_per_box 的旧别名
	OpenBoxDistance *float64                 `json:"open_box_distance"`
	OpenDistance    *float64                 `json:"open_distance"` // open_box_distance 的旧别名
	Stations        []map[string]interface{} `json:"stations"`
}

func (d *Dispatcher) handleStartOrder(ctx context.Context, payload []byte) error {
	var p startOrderPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	poID := p.POID
	if poID == "" {
		poID = p.ProductionOrder
	}
	if poID == "" {
		return fmt.Errorf("%w: po_id 不能为空", ErrInvalidPayload)
	}

	maxSheets := firstSet(p.MaxSheetsPerBox, p.MaxSheets)
	if maxSheets != nil {
		if *maxSheets <= 0 || !isInteger(*maxSheets) {
			return fmt.Errorf("%w: max_sheets_per_box 必须为正整数, 得到 %v", ErrInvalidPayload, *maxSheets)
		}
	}
	if len(p.Stations) > model.StationCount {
		return fmt.Errorf("%w: 最多 %d 个工位, 得到 %d", ErrInvalidPayload, model.StationCount, len(p.Stations))
	}

	order := model.ProductionOrder{ID: poID}
	if qty := firstSet(p.Quantity, p.POQty); qty != nil {
		order.Qty = int(*qty)
	}
	if p.BeltSpeed != nil {
		order.BeltSpeed = *p.BeltSpeed
	}
	if maxSheets != nil {
		order.MaxSheetsPerBox = int(*maxSheets)
	}
	if dist := firstSet(p.OpenBoxDistance, p.OpenDistance); dist != nil {
		order.OpenBoxDistance = *dist
	}

	stations := make([]model.StationConfig, 0, len(p.Stations))
	for i, raw := range p.Stations {
		stations = append(stations, parseStation(i+1, raw))
	}

	d.wc.StartOrder(order, stations)
	if d.listener != nil {
		d.listener.OrderStarted()
	}
	d.emitter.Emit(event.Event{Type: event.OrderStarted, OrderID: poID})
	return nil
}

// parseStation 从负载的工位条目中提取配置
// 物料名同时接受 material 和旧的 boxN_material 键
func parseStation(index int, raw map[string]interface{}) model.StationConfig {
	sc := model.StationConfig{Index: index}
	sc.Active, _ = raw["active"].(bool)
	sc.Cutting, _ = raw["cutting"].(bool)
	sc.Tape, _ = raw["tape"].(bool)
	if v, ok := raw["veneer_l"].(float64); ok {
		sc.VeneerLength = v
	}
	if v, ok := raw["material"].(string); ok {
		sc.ItemName = v
	} else if v, ok := raw[fmt.Sprintf("box%d_material", index)].(string); ok {
		sc.ItemName = v
	}
	return sc
}

func (d *Dispatcher) handleStopOrder(_ context.Context) error {
	_, orderID := d.wc.StopOrder()
	if d.listener != nil {
		d.listener.OrderStopped()
	}
	// 无活动订单时也发布，作为幂等的状态广播
	d.emitter.Emit(event.Event{Type: event.OrderStopped, OrderID: orderID})
	return nil
}

// updateConfigPayload 是 update_config 命令的负载模式
// 未知字段直接忽略，不算错误
type updateConfigPayload struct {
	BeltSpeed       *float64 `json:"belt_speed"`
	MaxSheetsPerBox *float64 `json:"max_sheets_per_box"`
	OpenBoxDistance *float64 `json:"open_box_distance"`
}

func (d *Dispatcher) handleUpdateConfig(_ context.Context, payload []byte) error {
	var p updateConfigPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	update := model.ConfigUpdate{
		BeltSpeed:       p.BeltSpeed,
		OpenBoxDistance: p.OpenBoxDistance,
	}
	if p.MaxSheetsPerBox != nil {
		if *p.MaxSheetsPerBox <= 0 || !isInteger(*p.MaxSheetsPerBox) {
			return fmt.Errorf("%w: max_sheets_per_box 必须为正整数, 得到 %v", ErrInvalidPayload, *p.MaxSheetsPerBox)
		}
		v := int(*p.MaxSheetsPerBox)
		update.MaxSheetsPerBox = &v
	}

	applied := d.wc.UpdateConfig(update)
	d.emitter.Emit(event.Event{Type: event.ConfigUpdated, Applied: applied})
	return nil
}

// simulateStackingPayload 是 simulate_stacking 命令的负载模式
type simulateStackingPayload struct {
	QtyIncrement *float64 `json:"qty_increment"`
}

// maxQtyIncrement 是单条 simulate_stacking 命令允许的最大张数
// 逐张算法在聚合锁内执行，超大增量会把锁占住并耗尽内存，按非法负载拒绝
const maxQtyIncrement = 10000

func (d *Dispatcher) handleSimulateStacking(_ context.Context, payload []byte) error {
	var p simulateStackingPayload
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}

	increment := 1
	if p.QtyIncrement != nil {
		if *p.QtyIncrement < 0 || *p.QtyIncrement > maxQtyIncrement || !isInteger(*p.QtyIncrement) {
			return fmt.Errorf("%w: qty_increment 必须为 0~%d 的整数, 得到 %v", ErrInvalidPayload, maxQtyIncrement, *p.QtyIncrement)
		}
		increment = int(*p.QtyIncrement)
	}

	// 手动码垛与自动 tick 走同一套逐张翻转算法
	stacked := d.wc.ApplyStacking(increment)
	snap := d.wc.GetSnapshot()
	if len(stacked) == 0 {
		// 零增量：仍然广播一条当前状态的汇总事件
		stacked = []model.StackedEvent{{
			OrderID:   snap.Order.ID,
			BoxNumber: snap.Counter.BoxNumber,
			LPNQty:    snap.Counter.LPNQty,
			BoxFull:   snap.Counter.BoxFull,
			LPNID:     snap.Counter.LPNID,
		}}
	}
	for i := range stacked {
		ev := stacked[i]
		d.emitter.Emit(event.Event{Type: event.VeneerStacked, OrderID: ev.OrderID, Stacked: &ev})
	}
	return nil
}

// setTagPayload 是 set_tag 命令的负载模式
type setTagPayload struct {
	Tag   string      `json:"tag"`
	Value interface{} `json:"value"`
}

// handleSetTag 是面向外部测试的逃生通道：绕过领域校验直接写标签
// 它可以把模型带到领域逻辑正常达不到的状态（比如没有订单却有箱号），
// 仅用于集成测试场景
func (d *Dispatcher) handleSetTag(_ context.Context, payload []byte) error {
	var p setTagPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.Tag == "" {
		return fmt.Errorf("%w: tag 不能为空", ErrInvalidPayload)
	}

	kind, err := d.store.KindOf(p.Tag)
	if err != nil {
		return err // ErrUnknownPath
	}
	value, err := tags.Coerce(kind, p.Value)
	if err != nil {
		return err // ErrTypeMismatch，存储未被修改
	}
	return d.store.Write(p.Tag, value)
}

// firstSet 返回第一个非 nil 的可选字段
func firstSet(values ...*float64) *float64 {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

// isInteger 校验 JSON 数值是否为整数
func isInteger(v float64) bool {
	return v == math.Trunc(v)
}
