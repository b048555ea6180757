package model

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sort3-simulator/internal/tags"
)

func newTestWorkcenter(t *testing.T) (*Workcenter, *tags.Store) {
	t.Helper()
	store := tags.NewStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wc, err := NewWorkcenter(store, logger, 10)
	require.NoError(t, err)
	// 测试中固定选择第一个激活工位，消除随机性
	wc.pickStation = func(active []int) int { return active[0] }
	return wc, store
}

func startTestOrder(t *testing.T, wc *Workcenter, maxSheets int) {
	t.Helper()
	wc.StartOrder(
		ProductionOrder{ID: "PO-1", MaxSheetsPerBox: maxSheets},
		[]StationConfig{{Index: 1, Active: true, ItemName: "oak", Cutting: true, VeneerLength: 2.4}},
	)
}

func TestStartOrderActivatesAndMirrorsTags(t *testing.T) {
	wc, store := newTestWorkcenter(t)
	startTestOrder(t, wc, 3)

	snap := wc.GetSnapshot()
	assert.True(t, snap.Order.Active)
	assert.Equal(t, "PO-1", snap.Order.ID)
	assert.Equal(t, 3, snap.Order.MaxSheetsPerBox)

	v, err := store.Read(TagPOID)
	require.NoError(t, err)
	assert.Equal(t, "PO-1", v)
	v, _ = store.Read(TagOrderStatus)
	assert.Equal(t, float64(1), v)
	v, _ = store.Read(StationTag(1, "ACTIVE"))
	assert.Equal(t, true, v)
	v, _ = store.Read(TagOutPOID)
	assert.Equal(t, "PO-1", v)
}

func TestStartOrderLeavesUnlistedSlotsUnchanged(t *testing.T) {
	wc, store := newTestWorkcenter(t)
	wc.StartOrder(ProductionOrder{ID: "PO-A"}, []StationConfig{
		{Index: 2, Active: true, ItemName: "walnut"},
	})

	// 新订单只带了工位 3 的配置，工位 2 保持原值
	wc.StartOrder(ProductionOrder{ID: "PO-B"}, []StationConfig{
		{Index: 3, Active: true, ItemName: "birch"},
	})

	snap := wc.GetSnapshot()
	assert.True(t, snap.Stations[1].Active)
	assert.Equal(t, "walnut", snap.Stations[1].ItemName)
	assert.True(t, snap.Stations[2].Active)

	v, _ := store.Read(StationTag(2, "ITEMNAME"))
	assert.Equal(t, "walnut", v)
}

func TestStartOrderWhileActiveReplaces(t *testing.T) {
	wc, _ := newTestWorkcenter(t)
	startTestOrder(t, wc, 3)

	replaced := wc.StartOrder(ProductionOrder{ID: "PO-2"}, nil)
	assert.True(t, replaced)

	snap := wc.GetSnapshot()
	assert.True(t, snap.Order.Active)
	assert.Equal(t, "PO-2", snap.Order.ID)
}

func TestStopOrderIsIdempotentAndKeepsCounter(t *testing.T) {
	wc, store := newTestWorkcenter(t)
	startTestOrder(t, wc, 3)
	wc.ApplyStacking(2)

	wasActive, id := wc.StopOrder()
	assert.True(t, wasActive)
	assert.Equal(t, "PO-1", id)

	snap := wc.GetSnapshot()
	assert.False(t, snap.Order.Active)
	assert.Equal(t, "", snap.Order.ID)
	// 码垛计数器不被订单停止重置
	assert.Equal(t, 2, snap.Counter.LPNQty)
	assert.Equal(t, 1, snap.Counter.BoxNumber)

	// 再停一次仍然成功
	wasActive, _ = wc.StopOrder()
	assert.False(t, wasActive)
	assert.False(t, wc.OrderActive())

	v, _ := store.Read(TagOrderStatus)
	assert.Equal(t, float64(0), v)
	v, _ = store.Read(StationTag(1, "ACTIVE"))
	assert.Equal(t, false, v)
}

// max_sheets_per_box=3，连续三次 tick 后观察到满箱脉冲，
// 箱号 1→2，箱内数量清零
func TestRolloverAfterThreeTicks(t *testing.T) {
	wc, store := newTestWorkcenter(t)
	startTestOrder(t, wc, 3)

	var all []StackedEvent
	for i := 0; i < 3; i++ {
		all = append(all, wc.ApplyStacking(1)...)
	}
	require.Len(t, all, 3)

	assert.False(t, all[0].BoxFull)
	assert.False(t, all[1].BoxFull)
	assert.True(t, all[2].BoxFull, "第三张必须带满箱标志")
	assert.Equal(t, 3, all[2].LPNQty)
	assert.Equal(t, 1, all[2].BoxNumber)

	snap := wc.GetSnapshot()
	assert.Equal(t, 2, snap.Counter.BoxNumber)
	assert.Equal(t, 0, snap.Counter.LPNQty)
	assert.False(t, snap.Counter.BoxFull)

	// 翻转完成后的标签状态是一次原子提交
	v, _ := store.Read(TagOutBoxNr)
	assert.Equal(t, float64(2), v)
	v, _ = store.Read(TagOutLPNQty)
	assert.Equal(t, float64(0), v)
	v, _ = store.Read(TagOutBoxFull)
	assert.Equal(t, false, v)
}

// 一次落 5 张，max=3 → 一次翻转，箱号 +1，余数 5 mod 3 = 2
// 必须按逐张语义执行，不能走批量捷径
func TestStackingIncrementSpansBoxBoundary(t *testing.T) {
	wc, _ := newTestWorkcenter(t)
	startTestOrder(t, wc, 3)

	events := wc.ApplyStacking(5)
	require.Len(t, events, 5, "每张一条事件")

	// 逐张的数量序列: 1,2,3(满),1,2
	wantQty := []int{1, 2, 3, 1, 2}
	wantFull := []bool{false, false, true, false, false}
	for i, ev := range events {
		assert.Equal(t, wantQty[i], ev.LPNQty, "第 %d 张", i+1)
		assert.Equal(t, wantFull[i], ev.BoxFull, "第 %d 张", i+1)
	}

	snap := wc.GetSnapshot()
	assert.Equal(t, 2, snap.Counter.BoxNumber)
	assert.Equal(t, 2, snap.Counter.LPNQty)
}

func TestBoxNumberMonotonicAcrossOrders(t *testing.T) {
	wc, _ := newTestWorkcenter(t)
	startTestOrder(t, wc, 2)
	wc.ApplyStacking(2) // 翻转 → 箱号 2
	wc.StopOrder()

	startTestOrder(t, wc, 2)
	wc.ApplyStacking(2) // 翻转 → 箱号 3

	snap := wc.GetSnapshot()
	assert.Equal(t, 3, snap.Counter.BoxNumber)
}

func TestLPNIDFormat(t *testing.T) {
	wc, _ := newTestWorkcenter(t)
	startTestOrder(t, wc, 10)

	events := wc.ApplyStacking(1)
	require.Len(t, events, 1)
	assert.Equal(t, "LPN-PO-1-BOX001", events[0].LPNID)
}

func TestStackingWithoutActiveStations(t *testing.T) {
	wc, _ := newTestWorkcenter(t)
	wc.StartOrder(ProductionOrder{ID: "PO-1", MaxSheetsPerBox: 3}, nil)

	// 无激活工位时仍然计数，但不关联任何工位
	events := wc.ApplyStacking(1)
	require.Len(t, events, 1)
	assert.Equal(t, 0, events[0].Station)
}

func TestNewValuePulseConsumedNextApplication(t *testing.T) {
	wc, store := newTestWorkcenter(t)
	startTestOrder(t, wc, 10)

	wc.ApplyStacking(1)
	v, _ := store.Read(TagOutPLCNewValue)
	assert.Equal(t, true, v, "脉冲在本观察窗口内为真")

	wc.ApplyStacking(0)
	v, _ = store.Read(TagOutPLCNewValue)
	assert.Equal(t, true, v, "零增量不开启新窗口")

	snap := wc.GetSnapshot()
	assert.True(t, snap.Counter.NewValuePulse)
}

// 计数器回调（日志落盘）必须在聚合锁外执行：
// 回调里再取快照，若回调仍持有锁会直接死锁
func TestCounterListenerRunsOutsideLock(t *testing.T) {
	wc, _ := newTestWorkcenter(t)

	var boxNrs []int
	wc.SetCounterListener(func(c StackingCounter) {
		_ = wc.GetSnapshot()
		boxNrs = append(boxNrs, c.BoxNumber)
	})

	startTestOrder(t, wc, 2)
	wc.ApplyStacking(3) // 第二张满箱翻转 → 箱号 2

	assert.Equal(t, []int{1, 2, 2}, boxNrs, "每次提交一条回调，顺序与提交一致")
}

// 脉冲的下降沿必须对外可见：清零是独立提交，不能和下一张的置位合并
func TestPulseFallingEdgeObservable(t *testing.T) {
	wc, store := newTestWorkcenter(t)
	startTestOrder(t, wc, 10)

	var mu sync.Mutex
	var pulses []bool
	store.OnChange(func(path string, value interface{}) {
		if path != TagOutPLCNewValue {
			return
		}
		mu.Lock()
		pulses = append(pulses, value.(bool))
		mu.Unlock()
	})

	wc.ApplyStacking(1)
	wc.ApplyStacking(1)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false, true}, pulses, "第二次码垛前先观察到一次 false")
}

func TestCounterListenerAndRestore(t *testing.T) {
	wc, _ := newTestWorkcenter(t)
	var last StackingCounter
	wc.SetCounterListener(func(c StackingCounter) { last = c })

	startTestOrder(t, wc, 3)
	wc.ApplyStacking(1)
	assert.Equal(t, 1, last.LPNQty)

	wc2, store2 := newTestWorkcenter(t)
	wc2.RestoreCounter(StackingCounter{LPNQty: 2, BoxNumber: 7, LPNID: "LPN-X-BOX007"})

	snap := wc2.GetSnapshot()
	assert.Equal(t, 7, snap.Counter.BoxNumber)
	assert.Equal(t, 2, snap.Counter.LPNQty)
	v, _ := store2.Read(TagOutBoxNr)
	assert.Equal(t, float64(7), v)
}
