package model

import (
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"sort3-simulator/internal/tags"
)

// ProductionOrder 代表当前生产订单及其工艺参数
type ProductionOrder struct {
	ID              string  `json:"po_id"`
	Qty             int     `json:"po_qty"`
	Active          bool    `json:"active"`
	BeltSpeed       float64 `json:"belt_speed"`
	MaxSheetsPerBox int     `json:"max_sheets_per_box"`
	OpenBoxDistance float64 `json:"open_box_distance"`
}

// SortStation 代表一个分拣工位的配置（固定 6 个，外部按 1~6 编号）
type SortStation struct {
	Active       bool    `json:"active"`
	Cutting      bool    `json:"cutting"`
	ItemName     string  `json:"item_name"`
	Tape         bool    `json:"tape"`
	VeneerLength float64 `json:"veneer_l"`
	Qty          int     `json:"qty"` // 本订单内分配到该工位的张数
}

// StackingCounter 代表码垛计数器
// 箱号跨订单持续递增，只能通过 set_tag 显式重置
type StackingCounter struct {
	LPNQty        int    `json:"lpn_qty"`
	BoxNumber     int    `json:"box_number"`
	BoxFull       bool   `json:"box_full"`
	NewValuePulse bool   `json:"new_value_pulse"`
	Repair        bool   `json:"repair"`
	LPNID         string `json:"lpn_id"`
}

// StackedEvent 是一次码垛动作的快照，供事件发布使用
type StackedEvent struct {
	OrderID   string    `json:"po_id"`
	BoxNumber int       `json:"box_number"`
	LPNQty    int       `json:"lpn_qty"`
	BoxFull   bool      `json:"box_full"`
	LPNID     string    `json:"lpn_id"`
	Station   int       `json:"station"`
	Timestamp time.Time `json:"timestamp"`
}

// Snapshot 是车间状态的一致性只读副本，用于规则引擎和事件负载
type Snapshot struct {
	Order          ProductionOrder           `json:"order"`
	Stations       [StationCount]SortStation `json:"stations"`
	Counter        StackingCounter           `json:"counter"`
	ActiveStations int                       `json:"active_stations"`
}

// CounterListener 在每次计数器提交后收到新状态，用于计数日志持久化
type CounterListener func(StackingCounter)

// Workcenter 是整个车间状态的唯一所有者
// 所有对订单/工位/计数器的修改都串行经过这里（单写者约束），
// 每次提交通过 WriteBatch 原子地镜像到标签存储
type Workcenter struct {
	mu     sync.Mutex
	store  *tags.Store
	logger *slog.Logger

	order    ProductionOrder
	stations [StationCount]SortStation
	counter  StackingCounter

	defaultMaxSheets int
	pickStation      func(active []int) int // 工位选择策略，测试中可注入
	onCounterCommit  CounterListener
}

// NewWorkcenter 创建车间聚合并注册全部 SORT3 标签
func NewWorkcenter(store *tags.Store, logger *slog.Logger, defaultMaxSheets int) (*Workcenter, error) {
	if err := DeclareTags(store); err != nil {
		return nil, err
	}
	if defaultMaxSheets <= 0 {
		defaultMaxSheets = 10
	}
	w := &Workcenter{
		store:            store,
		logger:           logger.With("component", "workcenter"),
		counter:          StackingCounter{BoxNumber: 1},
		defaultMaxSheets: defaultMaxSheets,
		pickStation: func(active []int) int {
			return active[rand.Intn(len(active))]
		},
	}
	return w, nil
}

// SetCounterListener 注册计数器提交回调（启动时由持久层挂接）
func (w *Workcenter) SetCounterListener(fn CounterListener) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onCounterCommit = fn
}

// RestoreCounter 从持久化日志恢复计数器状态，仅在启动时调用
func (w *Workcenter) RestoreCounter(c StackingCounter) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if c.BoxNumber < 1 {
		c.BoxNumber = 1
	}
	w.counter = c
	w.mustWrite([]tags.TagWrite{
		{Path: TagOutBoxNr, Value: c.BoxNumber},
		{Path: TagOutLPNQty, Value: c.LPNQty},
		{Path: TagOutBoxFull, Value: c.BoxFull},
		{Path: TagOutLPNID, Value: c.LPNID},
		{Path: TagOutRepair, Value: c.Repair},
	})
	w.logger.Info("计数器状态已恢复", "box_number", c.BoxNumber, "lpn_qty", c.LPNQty)
}

// StationConfig 是 start_order 负载中单个工位的配置
type StationConfig struct {
	Index        int
	Active       bool
	Cutting      bool
	ItemName     string
	Tape         bool
	VeneerLength float64
}

// StartOrder 应用一个新订单
// 已有活动订单时按既定策略直接替换并记录告警（见 DESIGN.md）
// 负载中未出现的工位槽保持原值不变；码垛计数器不受订单切换影响
func (w *Workcenter) StartOrder(order ProductionOrder, stations []StationConfig) (replaced bool) {
	w.mu.Lock()

	if w.order.Active {
		replaced = true
		w.logger.Warn("订单尚在运行，新订单将直接替换", "old_po", w.order.ID, "new_po", order.ID)
	}

	if order.MaxSheetsPerBox <= 0 {
		order.MaxSheetsPerBox = w.defaultMaxSheets
	}
	order.Active = true
	w.order = order

	writes := []tags.TagWrite{
		{Path: TagPOID, Value: order.ID},
		{Path: TagPOQty, Value: order.Qty},
		{Path: TagOrderStatus, Value: 1},
		{Path: TagBeltSpeed, Value: order.BeltSpeed},
		{Path: TagMaxSheetsBox, Value: float64(order.MaxSheetsPerBox)},
		{Path: TagOpenBoxDistance, Value: order.OpenBoxDistance},
		{Path: TagObjtNewValue, Value: true},
		{Path: TagPLCValueProcessed, Value: false},
		{Path: TagOutPOID, Value: order.ID},
	}

	for _, sc := range stations {
		if sc.Index < 1 || sc.Index > StationCount {
			continue
		}
		slot := &w.stations[sc.Index-1]
		slot.Active = sc.Active
		slot.Cutting = sc.Cutting
		slot.ItemName = sc.ItemName
		slot.Tape = sc.Tape
		slot.VeneerLength = sc.VeneerLength
		slot.Qty = 0
		writes = append(writes, w.stationWrites(sc.Index)...)
	}

	w.mustWrite(writes)
	w.mu.Unlock()

	w.logger.Info("订单已启动", "po_id", order.ID, "max_sheets_per_box", order.MaxSheetsPerBox)
	return replaced
}

// StopOrder 停止当前订单
// 无活动订单时是幂等空操作，但仍返回成功以便上层广播状态
// 码垛计数器（箱号/箱内数量）保持不变
func (w *Workcenter) StopOrder() (wasActive bool, orderID string) {
	w.mu.Lock()

	wasActive = w.order.Active
	orderID = w.order.ID

	w.order = ProductionOrder{MaxSheetsPerBox: w.order.MaxSheetsPerBox}

	writes := []tags.TagWrite{
		{Path: TagPOID, Value: ""},
		{Path: TagPOQty, Value: 0},
		{Path: TagOrderStatus, Value: 0},
		{Path: TagBeltSpeed, Value: 0.0},
		{Path: TagMaxSheetsBox, Value: 0.0},
		{Path: TagOpenBoxDistance, Value: 0.0},
		{Path: TagObjtNewValue, Value: false},
		{Path: TagPLCValueProcessed, Value: true},
		{Path: TagOutPOID, Value: ""},
		{Path: TagOutPLCNewValue, Value: false},
	}

	// 停机时关停所有工位并清空其配置（工位机的原始行为）
	for i := 1; i <= StationCount; i++ {
		w.stations[i-1] = SortStation{}
		writes = append(writes, w.stationWrites(i)...)
	}

	w.counter.NewValuePulse = false
	w.mustWrite(writes)
	w.mu.Unlock()

	if wasActive {
		w.logger.Info("订单已停止", "po_id", orderID)
	} else {
		w.logger.Info("收到停止命令，当前无活动订单")
	}
	return wasActive, orderID
}

// ConfigUpdate 携带 update_config 命令的可选字段，nil 表示不修改
type ConfigUpdate struct {
	BeltSpeed       *float64
	MaxSheetsPerBox *int
	OpenBoxDistance *float64
}

// UpdateConfig 合并部分工艺参数，订单是否活动均可调用
// 返回实际应用的字段，供 config_updated 事件携带
func (w *Workcenter) UpdateConfig(u ConfigUpdate) map[string]interface{} {
	w.mu.Lock()

	applied := make(map[string]interface{})
	var writes []tags.TagWrite

	if u.BeltSpeed != nil {
		w.order.BeltSpeed = *u.BeltSpeed
		applied["belt_speed"] = *u.BeltSpeed
		writes = append(writes, tags.TagWrite{Path: TagBeltSpeed, Value: *u.BeltSpeed})
	}
	if u.MaxSheetsPerBox != nil {
		w.order.MaxSheetsPerBox = *u.MaxSheetsPerBox
		applied["max_sheets_per_box"] = *u.MaxSheetsPerBox
		writes = append(writes, tags.TagWrite{Path: TagMaxSheetsBox, Value: float64(*u.MaxSheetsPerBox)})
	}
	if u.OpenBoxDistance != nil {
		w.order.OpenBoxDistance = *u.OpenBoxDistance
		applied["open_box_distance"] = *u.OpenBoxDistance
		writes = append(writes, tags.TagWrite{Path: TagOpenBoxDistance, Value: *u.OpenBoxDistance})
	}

	if len(writes) > 0 {
		w.mustWrite(writes)
	}
	w.mu.Unlock()

	w.logger.Info("工艺参数已更新", "applied", applied)
	return applied
}

// ApplyStacking 逐张应用码垛算法，n 为本次落下的张数
// 每张：数量加一→置脉冲；达到满箱阈值时先以 box_full=true 产生事件，
// 随后在同一提交内完成翻转（箱号加一、数量清零、box_full 复位），
// 保证读方不会看到 box_full=true 与清零后数量的撕裂组合
// 返回每张对应的事件快照，由调用方在锁外发布
func (w *Workcenter) ApplyStacking(n int) []StackedEvent {
	w.mu.Lock()

	if n <= 0 {
		w.mu.Unlock()
		return nil
	}
	max := w.order.MaxSheetsPerBox
	if max <= 0 {
		max = w.defaultMaxSheets
	}

	// 新一轮观察窗口开始：上一轮的脉冲以独立提交清零，
	// 只读外部客户端才能观察到一次下降沿，而不是常亮的 true
	if w.counter.NewValuePulse {
		w.counter.NewValuePulse = false
		w.mustWrite([]tags.TagWrite{{Path: TagOutPLCNewValue, Value: false}})
	}

	events := make([]StackedEvent, 0, n)
	commits := make([]StackingCounter, 0, n)
	for unit := 0; unit < n; unit++ {
		station := w.selectStation()

		w.counter.LPNQty++
		w.counter.NewValuePulse = true
		w.counter.LPNID = fmt.Sprintf("LPN-%s-BOX%03d", w.order.ID, w.counter.BoxNumber)

		full := w.counter.LPNQty >= max
		w.counter.BoxFull = full

		if station > 0 {
			w.stations[station-1].Qty++
		}

		events = append(events, StackedEvent{
			OrderID:   w.order.ID,
			BoxNumber: w.counter.BoxNumber,
			LPNQty:    w.counter.LPNQty,
			BoxFull:   full,
			LPNID:     w.counter.LPNID,
			Station:   station,
			Timestamp: time.Now().UTC(),
		})

		if full {
			// 满箱翻转：换新箱
			w.counter.BoxNumber++
			w.counter.LPNQty = 0
			w.counter.BoxFull = false
		}

		w.commitStacking(station, full)
		commits = append(commits, w.counter)
	}

	listener := w.onCounterCommit
	w.mu.Unlock()

	// 计数日志的落盘（含 fsync）在锁外进行，不能阻塞状态提交路径
	if listener != nil {
		for _, c := range commits {
			listener(c)
		}
	}
	return events
}

// selectStation 随机选择一个激活的工位；无激活工位时返回 0
func (w *Workcenter) selectStation() int {
	var active []int
	for i := 1; i <= StationCount; i++ {
		if w.stations[i-1].Active {
			active = append(active, i)
		}
	}
	if len(active) == 0 {
		return 0
	}
	return w.pickStation(active)
}

// commitStacking 把一张码垛后的计数器和派生显示状态镜像到标签存储
func (w *Workcenter) commitStacking(station int, rolledOver bool) {
	writes := []tags.TagWrite{
		{Path: TagOutBoxNr, Value: w.counter.BoxNumber},
		{Path: TagOutLPNQty, Value: w.counter.LPNQty},
		{Path: TagOutBoxFull, Value: w.counter.BoxFull},
		{Path: TagOutLPNID, Value: w.counter.LPNID},
		{Path: TagOutPLCNewValue, Value: w.counter.NewValuePulse},
		{Path: TagBBBoxBlock, Value: rolledOver},
		{Path: TagBBObjtNewValue, Value: true},
	}
	if station > 0 {
		slot := w.stations[station-1]
		writes = append(writes,
			tags.TagWrite{Path: StationTag(station, "QTY"), Value: slot.Qty},
			tags.TagWrite{Path: TagBBItemName, Value: slot.ItemName},
			tags.TagWrite{Path: TagBBCutting, Value: slot.Cutting},
			tags.TagWrite{Path: TagBBTape, Value: slot.Tape},
			tags.TagWrite{Path: TagBBVeneerL, Value: slot.VeneerLength},
			tags.TagWrite{Path: TagBBOutBoxNr, Value: station},
		)
	}
	w.mustWrite(writes)
}

// stationWrites 生成某个工位全部属性的标签写入
func (w *Workcenter) stationWrites(station int) []tags.TagWrite {
	slot := w.stations[station-1]
	return []tags.TagWrite{
		{Path: StationTag(station, "ACTIVE"), Value: slot.Active},
		{Path: StationTag(station, "CUTTING"), Value: slot.Cutting},
		{Path: StationTag(station, "ITEMNAME"), Value: slot.ItemName},
		{Path: StationTag(station, "TAPE"), Value: slot.Tape},
		{Path: StationTag(station, "VENEER_L"), Value: slot.VeneerLength},
		{Path: StationTag(station, "QTY"), Value: slot.Qty},
	}
}

// mustWrite 把内部状态镜像到标签存储
// 路径和类型都由本包声明，失败意味着编程错误，只记日志不中断
func (w *Workcenter) mustWrite(writes []tags.TagWrite) {
	if err := w.store.WriteBatch(writes); err != nil {
		w.logger.Error("标签镜像写入失败", "error", err)
	}
}

// GetSnapshot 返回车间状态的一致性副本
func (w *Workcenter) GetSnapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	active := 0
	for i := range w.stations {
		if w.stations[i].Active {
			active++
		}
	}
	return Snapshot{
		Order:          w.order,
		Stations:       w.stations,
		Counter:        w.counter,
		ActiveStations: active,
	}
}

// OrderActive 返回当前是否有活动订单
func (w *Workcenter) OrderActive() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order.Active
}
