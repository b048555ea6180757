// Package sim 实现自主推进码垛计数的模拟时钟
package sim

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/antonmedv/expr"

	"sort3-simulator/internal/event"
	"sort3-simulator/internal/fsm"
	"sort3-simulator/internal/metrics"
	"sort3-simulator/internal/model"
)

// Scheduler 是定时驱动的模拟调度器
// 状态机只有两个状态：Idle（无活动订单，定时器不运行）和
// Ticking（订单运行中，每个间隔落一张板并广播 veneer_stacked）
type Scheduler struct {
	wc       *model.Workcenter
	emitter  *event.Emitter
	machine  *fsm.FSM
	interval time.Duration
	rule     string // 每次 tick 前评估的守卫规则 (expr 语法)
	logger   *slog.Logger

	mu     sync.Mutex
	ticker *time.Ticker
	tickCh <-chan time.Time // Idle 时为 nil，select 收不到任何 tick
	wake   chan struct{}    // 状态切换后唤醒主循环重新取通道
}

// NewScheduler 创建模拟调度器
func NewScheduler(wc *model.Workcenter, emitter *event.Emitter, interval time.Duration, rule string, logger *slog.Logger) *Scheduler {
	s := &Scheduler{
		wc:       wc,
		emitter:  emitter,
		machine:  fsm.NewFSM("simulation-clock"),
		interval: interval,
		rule:     rule,
		logger:   logger.With("component", "scheduler"),
		wake:     make(chan struct{}, 1),
	}
	s.machine.RegisterCallback(fsm.StateTicking, func(string) { s.startTicker() })
	s.machine.RegisterCallback(fsm.StateIdle, func(string) { s.stopTicker() })
	return s
}

// OrderStarted 实现 command.OrderListener：订单激活时进入 Ticking
func (s *Scheduler) OrderStarted() {
	if err := s.machine.Fire(fsm.EventOrderStarted); err != nil {
		s.logger.Error("状态机转移失败", "error", err)
	}
}

// OrderStopped 实现 command.OrderListener：订单停止时回到 Idle
func (s *Scheduler) OrderStopped() {
	if err := s.machine.Fire(fsm.EventOrderStopped); err != nil {
		s.logger.Error("状态机转移失败", "error", err)
	}
}

// State 返回状态机当前状态，供测试和健康检查使用
func (s *Scheduler) State() fsm.State {
	return s.machine.State()
}

// Start 启动调度主循环，直到上下文取消
// 所有 tick 都在这一个 goroutine 里执行，与命令共用车间聚合的单写者约束
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info("模拟时钟就绪", "interval", s.interval.String(), "rule", s.rule)

	for {
		s.mu.Lock()
		tickCh := s.tickCh
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			s.stopTicker()
			s.logger.Info("模拟时钟已停止")
			return
		case <-s.wake:
			// 状态切换，重新获取 tick 通道
		case <-tickCh:
			s.tick()
		}
	}
}

// tick 执行一次码垛模拟
func (s *Scheduler) tick() {
	metrics.SimulationTicks.Inc()

	// Ticker.Stop 不会清空已缓冲的 tick，订单状态必须独立于可配置规则再查一次
	if !s.wc.OrderActive() {
		return
	}
	if !s.evaluateRule() {
		return
	}

	// 自动 tick 与手动 simulate_stacking 共用同一套逐张算法
	stacked := s.wc.ApplyStacking(1)
	for i := range stacked {
		ev := stacked[i]
		s.logger.Info("码垛一张",
			"box_number", ev.BoxNumber, "lpn_qty", ev.LPNQty,
			"box_full", ev.BoxFull, "station", ev.Station)
		s.emitter.Emit(event.Event{Type: event.VeneerStacked, OrderID: ev.OrderID, Stacked: &ev})
	}
}

// evaluateRule 评估 tick 守卫规则
// 规则评估失败按跳过处理，只记日志，不影响后续 tick
func (s *Scheduler) evaluateRule() bool {
	if s.rule == "" {
		return true
	}

	snap := s.wc.GetSnapshot()
	env := map[string]interface{}{
		"order": map[string]interface{}{
			"active":             snap.Order.Active,
			"id":                 snap.Order.ID,
			"belt_speed":         snap.Order.BeltSpeed,
			"max_sheets_per_box": snap.Order.MaxSheetsPerBox,
		},
		"counter": map[string]interface{}{
			"lpn_qty":    snap.Counter.LPNQty,
			"box_number": snap.Counter.BoxNumber,
			"box_full":   snap.Counter.BoxFull,
		},
		"active_stations": snap.ActiveStations,
	}

	program, err := expr.Compile(s.rule, expr.Env(env))
	if err != nil {
		s.logger.Error("守卫规则编译失败", "rule", s.rule, "error", err)
		return false
	}
	result, err := expr.Run(program, env)
	if err != nil {
		s.logger.Error("守卫规则执行失败", "rule", s.rule, "error", err)
		return false
	}
	pass, ok := result.(bool)
	if !ok {
		s.logger.Error("守卫规则结果不是布尔值", "rule", s.rule)
		return false
	}
	if !pass {
		s.logger.Debug("守卫规则不满足，跳过本次 tick")
	}
	return pass
}

// startTicker 进入 Ticking 状态时启动定时器
func (s *Scheduler) startTicker() {
	s.mu.Lock()
	if s.ticker == nil {
		s.ticker = time.NewTicker(s.interval)
		s.tickCh = s.ticker.C
		s.logger.Info("订单激活，模拟时钟开始运行")
	}
	s.mu.Unlock()
	s.notifyLoop()
}

// stopTicker 回到 Idle 状态时停止定时器，Idle 期间不产生任何 tick
func (s *Scheduler) stopTicker() {
	s.mu.Lock()
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
		s.tickCh = nil
		s.logger.Info("订单停止，模拟时钟挂起")
	}
	s.mu.Unlock()
	s.notifyLoop()
}

func (s *Scheduler) notifyLoop() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
