package persistence

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"sort3-simulator/internal/model"
)

// Entry 代表日志文件中的一条计数器快照
type Entry struct {
	Counter model.StackingCounter `json:"counter"`
	At      time.Time             `json:"at"`
}

// Journal 是码垛计数器的追加式日志
// 箱号设计上跨订单单调递增，通过这份日志它也能跨进程重启存活
type Journal struct {
	file *os.File // 日志文件句柄
	mu   sync.Mutex
}

// NewJournal 创建或打开一个计数器日志文件
func NewJournal(path string) (*Journal, error) {
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建, O_RDWR: 读写模式
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &Journal{file: file}, nil
}

// Append 记录一次计数器提交
func (j *Journal) Append(c model.StackingCounter) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := Entry{Counter: c, At: time.Now().UTC()}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	_, err = j.file.Write(append(data, '\n'))
	if err != nil {
		return err
	}
	// 确保数据被刷新到磁盘，防止数据丢失
	return j.file.Sync()
}

// Recover 读取日志中最后一条有效快照
// 在系统启动时调用；日志为空时 ok 为 false
func (j *Journal) Recover() (counter model.StackingCounter, ok bool, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if _, err = j.file.Seek(0, 0); err != nil {
		return counter, false, err
	}

	scanner := bufio.NewScanner(j.file)
	for scanner.Scan() {
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			// 忽略损坏的行
			continue
		}
		counter = entry.Counter
		ok = true
	}
	if err = scanner.Err(); err != nil {
		return counter, false, err
	}

	// 恢复文件指针到末尾，以便后续追加写入
	if _, err = j.file.Seek(0, os.SEEK_END); err != nil {
		return counter, false, err
	}
	return counter, ok, nil
}

// Close 关闭日志文件
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
