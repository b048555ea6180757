package web

import "sort3-simulator/internal/tags"

// TagChange 是推送给 WebSocket 客户端的单条标签变更
type TagChange struct {
	Kind  string      `json:"kind"` // 固定为 "change"
	Path  string      `json:"path"`
	Value interface{} `json:"value"`
}

// FeedChanges 把地址空间的变更通知接到 Hub 的广播上
// subscribe 是地址空间适配器的订阅入口
func FeedChanges(hub *Hub, subscribe func(tags.ChangeFunc)) {
	subscribe(func(path string, value interface{}) {
		hub.Broadcast(TagChange{Kind: "change", Path: path, Value: value})
	})
}
