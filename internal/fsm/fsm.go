package fsm

import (
	"fmt"
	"sync"
)

// State 定义状态类型
type State string

// Event 定义事件类型
type Event string

// 模拟时钟的两个状态：无活动订单时空转，有活动订单时周期触发
const (
	StateIdle    State = "IDLE"
	StateTicking State = "TICKING"
)

const (
	EventOrderStarted Event = "ORDER_STARTED"
	EventOrderStopped Event = "ORDER_STOPPED"
)

// FSM 有限状态机
type FSM struct {
	Current State
	mu      sync.Mutex
	// transitions 定义状态转移表: CurrentState -> Event -> NextState
	transitions map[State]map[Event]State
	// callbacks 定义状态变更后的回调: State -> func()
	callbacks map[State]func(name string)
	Name      string // 状态机的标识，用于日志
}

func NewFSM(name string) *FSM {
	fsm := &FSM{
		Current:     StateIdle,
		Name:        name,
		transitions: make(map[State]map[Event]State),
		callbacks:   make(map[State]func(string)),
	}
	fsm.initTransitions()
	return fsm
}

func (f *FSM) initTransitions() {
	f.addTransition(StateIdle, EventOrderStarted, StateTicking)
	f.addTransition(StateTicking, EventOrderStopped, StateIdle)

	// 自环：重复启动（订单替换）保持 Ticking，重复停止保持 Idle（幂等）
	f.addTransition(StateTicking, EventOrderStarted, StateTicking)
	f.addTransition(StateIdle, EventOrderStopped, StateIdle)
}

func (f *FSM) addTransition(from State, event Event, to State) {
	if _, ok := f.transitions[from]; !ok {
		f.transitions[from] = make(map[Event]State)
	}
	f.transitions[from][event] = to
}

// RegisterCallback 注册状态进入时的回调
// 回调只在状态实际发生变化时触发，自环不触发
func (f *FSM) RegisterCallback(state State, callback func(name string)) {
	f.callbacks[state] = callback
}

// Fire 触发事件
func (f *FSM) Fire(event Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	// 查找合法的转移
	nextState, ok := f.transitions[f.Current][event]
	if !ok {
		return fmt.Errorf("invalid transition: cannot fire event %s from state %s", event, f.Current)
	}

	prevState := f.Current
	f.Current = nextState

	if prevState == nextState {
		return nil
	}

	// 触发回调（同步执行，回调中不要再调用 Fire 以免死锁）
	if cb, exists := f.callbacks[nextState]; exists {
		cb(f.Name)
	}

	return nil
}

// State 返回当前状态
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Current
}
