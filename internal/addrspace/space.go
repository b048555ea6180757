// Package addrspace 把标签存储投影成可浏览的层级地址空间，
// 供外部数据采集客户端只读访问
package addrspace

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"sort3-simulator/internal/tags"
)

// ErrPermissionDenied 外部客户端只能读取，任何写入尝试都会得到这个错误
var ErrPermissionDenied = errors.New("address space is read-only for external clients")

// RootName 地址空间根节点名称，沿用工位机的对象名
const RootName = "SORT3"

// node 是地址空间树中的一个节点
// 叶子节点对应标签存储中的一个标签，分支节点只用于浏览
type node struct {
	name     string
	path     string // 标签存储中的完整路径，仅叶子有效
	leaf     bool
	children map[string]*node
}

// Space 是标签存储之上的地址空间适配器
// 树结构在构建后不再变化，值的读取总是穿透到存储
type Space struct {
	store *tags.Store
	root  *node
}

// New 根据存储中已声明的标签构建地址空间树
func New(store *tags.Store) *Space {
	root := &node{name: RootName, children: make(map[string]*node)}
	for _, path := range store.Paths() {
		current := root
		segments := strings.Split(path, "/")
		for i, seg := range segments {
			child, ok := current.children[seg]
			if !ok {
				child = &node{name: seg, children: make(map[string]*node)}
				current.children[seg] = child
			}
			if i == len(segments)-1 {
				child.leaf = true
				child.path = path
			}
			current = child
		}
	}
	return &Space{store: store, root: root}
}

// Browse 枚举某节点的子节点名称（排序后）
// 空路径或根名称返回顶层分支；未知路径返回 ErrUnknownPath
func (s *Space) Browse(path string) ([]string, error) {
	n, err := s.find(path)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// ReadValue 读取叶子节点的类型化值
func (s *Space) ReadValue(path string) (interface{}, error) {
	n, err := s.find(path)
	if err != nil {
		return nil, err
	}
	if !n.leaf {
		return nil, fmt.Errorf("%w: %s is not a leaf", tags.ErrUnknownPath, path)
	}
	return s.store.Read(n.path)
}

// Write 外部写入请求一律拒绝
// 本系统中所有标签只由内部逻辑写入，外部客户端是只读观察者
func (s *Space) Write(path string, _ interface{}) error {
	if _, err := s.find(path); err != nil {
		return err
	}
	return fmt.Errorf("%w: %s", ErrPermissionDenied, path)
}

// Subscribe 注册值变更通知，底层由存储在每次提交后触发
func (s *Space) Subscribe(fn tags.ChangeFunc) {
	s.store.OnChange(fn)
}

// SnapshotTree 返回整棵树的一致性快照: 分支名 → 叶子名 → 值
// 用于 HTTP 快照接口和新接入的 WebSocket 客户端
func (s *Space) SnapshotTree() map[string]map[string]interface{} {
	snap := s.store.Snapshot()
	tree := make(map[string]map[string]interface{})
	for path, value := range snap {
		branch, leaf, ok := strings.Cut(path, "/")
		if !ok {
			continue
		}
		if _, exists := tree[branch]; !exists {
			tree[branch] = make(map[string]interface{})
		}
		tree[branch][leaf] = value
	}
	return tree
}

// SnapshotBranch 返回单个分支的一致性快照: 叶子名 → 值
func (s *Space) SnapshotBranch(branch string) (map[string]interface{}, error) {
	if _, err := s.find(branch); err != nil {
		return nil, err
	}
	values := s.store.ReadBranch(branch)
	out := make(map[string]interface{}, len(values))
	for path, value := range values {
		_, leaf, _ := strings.Cut(path, "/")
		out[leaf] = value
	}
	return out, nil
}

// find 按路径定位节点，接受带或不带根名前缀的写法
func (s *Space) find(path string) (*node, error) {
	path = strings.Trim(path, "/")
	if path == "" || path == RootName {
		return s.root, nil
	}
	path = strings.TrimPrefix(path, RootName+"/")

	current := s.root
	for _, seg := range strings.Split(path, "/") {
		child, ok := current.children[seg]
		if !ok {
			return nil, fmt.Errorf("%w: %s", tags.ErrUnknownPath, path)
		}
		current = child
	}
	return current, nil
}
