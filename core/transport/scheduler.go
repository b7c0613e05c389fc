package transport

import (
	"sync"
	"time"
)

// DefaultTickInterval 约等于一帧
const DefaultTickInterval = 16 * time.Millisecond

// Handle 周期任务的句柄
type Handle interface {
	// Cancel 停止任务，可重复调用。返回后不会再有新的回调开始。
	Cancel()
}

// Scheduler 周期回调调度器
type Scheduler interface {
	Every(interval time.Duration, fn func()) Handle
}

// TickerScheduler 每个任务一个 time.Ticker 协程
type TickerScheduler struct{}

// NewTickerScheduler 创建调度器
func NewTickerScheduler() *TickerScheduler {
	return &TickerScheduler{}
}

type tickerHandle struct {
	stopChan chan struct{}
	once     sync.Once
}

func (h *tickerHandle) Cancel() {
	h.once.Do(func() {
		close(h.stopChan)
	})
}

// Every 启动周期任务
func (s *TickerScheduler) Every(interval time.Duration, fn func()) Handle {
	if interval <= 0 {
		interval = DefaultTickInterval
	}
	h := &tickerHandle{stopChan: make(chan struct{})}
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-h.stopChan:
				return
			case <-ticker.C:
				select {
				case <-h.stopChan:
					return
				default:
				}
				fn()
			}
		}
	}()
	return h
}

// ManualScheduler 测试用调度器，调用 Fire 才执行回调
type ManualScheduler struct {
	mu    sync.Mutex
	tasks []*manualTask
}

type manualTask struct {
	fn        func()
	interval  time.Duration
	cancelled bool
	mu        *sync.Mutex
}

func (t *manualTask) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
}

// NewManualScheduler 创建调度器
func NewManualScheduler() *ManualScheduler {
	return &ManualScheduler{}
}

// Every 注册任务
func (s *ManualScheduler) Every(interval time.Duration, fn func()) Handle {
	t := &manualTask{fn: fn, interval: interval, mu: &s.mu}
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	return t
}

// Fire 执行一次所有未取消的任务，返回执行数量
func (s *ManualScheduler) Fire() int {
	s.mu.Lock()
	var live []*manualTask
	for _, t := range s.tasks {
		if !t.cancelled {
			live = append(live, t)
		}
	}
	s.tasks = live
	s.mu.Unlock()

	for _, t := range live {
		t.fn()
	}
	return len(live)
}

// Active 未取消的任务数量
func (s *ManualScheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if !t.cancelled {
			n++
		}
	}
	return n
}
