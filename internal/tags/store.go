package tags

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Kind 定义标签值的类型
// 每个标签在整个生命周期中只有一种类型，写入时类型不匹配会被拒绝
type Kind int

const (
	Boolean Kind = iota // 布尔型
	Number              // 数值型 (统一使用 float64 存储)
	String              // 字符串型
)

// String 返回类型的可读名称
func (k Kind) String() string {
	switch k {
	case Boolean:
		return "Boolean"
	case Number:
		return "Number"
	case String:
		return "String"
	default:
		return "Unknown"
	}
}

// 标签存储层的标准错误定义
var (
	ErrUnknownPath  = errors.New("unknown tag path")
	ErrTypeMismatch = errors.New("tag value type mismatch")
)

// Tag 代表地址空间中的一个命名叶子值
type Tag struct {
	Path  string      // 层级路径, 如 "STARTED_PO/SRT_PO_ID"
	Kind  Kind        // 声明类型
	Value interface{} // 当前值
}

// TagWrite 代表一次待提交的标签写入
type TagWrite struct {
	Path  string
	Value interface{}
}

// ChangeFunc 是标签变更通知的回调签名
// 在写入提交之后、锁外调用
type ChangeFunc func(path string, value interface{})

// Store 是所有标签的规范内存存储
// 纯数据层：O(1) 读写，不包含任何业务逻辑
type Store struct {
	mu        sync.RWMutex
	tags      map[string]*Tag
	observers []ChangeFunc
}

// NewStore 创建一个空的标签存储
func NewStore() *Store {
	return &Store{tags: make(map[string]*Tag)}
}

// Declare 注册一个标签及其类型和初始值
// 标签只能声明一次，重复声明会覆盖初始值但不能改变类型
func (s *Store) Declare(path string, kind Kind, initial interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tags[path]; ok && existing.Kind != kind {
		return fmt.Errorf("%w: %s already declared as %s", ErrTypeMismatch, path, existing.Kind)
	}
	if !matchesKind(kind, initial) {
		return fmt.Errorf("%w: %s initial value %v is not %s", ErrTypeMismatch, path, initial, kind)
	}
	s.tags[path] = &Tag{Path: path, Kind: kind, Value: normalize(initial)}
	return nil
}

// Read 读取一个标签的当前值
func (s *Store) Read(path string) (interface{}, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tag, ok := s.tags[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	return tag.Value, nil
}

// KindOf 返回标签的声明类型
func (s *Store) KindOf(path string) (Kind, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tag, ok := s.tags[path]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownPath, path)
	}
	return tag.Kind, nil
}

// Write 写入单个标签，类型不匹配或路径未知时写入被丢弃
func (s *Store) Write(path string, value interface{}) error {
	return s.WriteBatch([]TagWrite{{Path: path, Value: value}})
}

// WriteBatch 在一次加锁内原子地应用一组写入
// 跨多个字段的逻辑更新（如满箱翻转）必须走这里，保证读方看不到撕裂的中间状态
// 任何一条写入校验失败则整批丢弃
func (s *Store) WriteBatch(writes []TagWrite) error {
	s.mu.Lock()

	// 先整体校验，再整体提交
	for _, w := range writes {
		tag, ok := s.tags[w.Path]
		if !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrUnknownPath, w.Path)
		}
		if !matchesKind(tag.Kind, w.Value) {
			s.mu.Unlock()
			return fmt.Errorf("%w: %s expects %s, got %T", ErrTypeMismatch, w.Path, tag.Kind, w.Value)
		}
	}
	for _, w := range writes {
		s.tags[w.Path].Value = normalize(w.Value)
	}
	observers := s.observers
	s.mu.Unlock()

	// 提交后在锁外通知观察者，避免回调中再持有存储锁
	for _, fn := range observers {
		for _, w := range writes {
			fn(w.Path, normalize(w.Value))
		}
	}
	return nil
}

// OnChange 注册一个变更观察者
// 观察者在每次成功写入提交后收到通知
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Snapshot 返回全部标签值的一致性副本
func (s *Store) Snapshot() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := make(map[string]interface{}, len(s.tags))
	for path, tag := range s.tags {
		snap[path] = tag.Value
	}
	return snap
}

// ReadBranch 返回指定前缀下所有标签的一致性副本
// 前缀按路径段匹配: ReadBranch("STARTED_PO") 不会命中 "STARTED_PO_X/..."
func (s *Store) ReadBranch(prefix string) map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	branch := make(map[string]interface{})
	for path, tag := range s.tags {
		if strings.HasPrefix(path, prefix+"/") {
			branch[path] = tag.Value
		}
	}
	return branch
}

// Paths 返回所有已声明的标签路径（排序后），用于地址空间树的构建
func (s *Store) Paths() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	paths := make([]string, 0, len(s.tags))
	for path := range s.tags {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// Coerce 尝试把原始值转换成指定类型，用于 set_tag 的外部输入
// JSON 解码出来的数值统一是 float64，布尔和字符串按原样校验
func Coerce(kind Kind, raw interface{}) (interface{}, error) {
	switch kind {
	case Boolean:
		if v, ok := raw.(bool); ok {
			return v, nil
		}
	case Number:
		switch v := raw.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int32:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	case String:
		if v, ok := raw.(string); ok {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: cannot coerce %T to %s", ErrTypeMismatch, raw, kind)
}

// matchesKind 校验值与声明类型是否一致
func matchesKind(kind Kind, value interface{}) bool {
	_, err := Coerce(kind, value)
	return err == nil
}

// normalize 统一数值的内部表示
func normalize(value interface{}) interface{} {
	switch v := value.(type) {
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return v
	}
}
