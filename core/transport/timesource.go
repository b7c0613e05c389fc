package transport

import (
	"sync"
	"time"
)

// TimeSource 单调时间来源，单位秒
type TimeSource interface {
	Now() float64
}

// RealTime 使用进程启动后的单调时钟
type RealTime struct {
	origin time.Time
}

// NewRealTime 创建实时时间源
func NewRealTime() *RealTime {
	return &RealTime{origin: time.Now()}
}

// Now 返回自创建以来经过的秒数
func (r *RealTime) Now() float64 {
	return time.Since(r.origin).Seconds()
}

// ManualTime 测试用时间源，只在 Advance/Set 时前进
type ManualTime struct {
	mu  sync.Mutex
	now float64
}

// NewManualTime 从 start 秒开始
func NewManualTime(start float64) *ManualTime {
	return &ManualTime{now: start}
}

// Now 当前时间
func (m *ManualTime) Now() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance 前进 d 秒
func (m *ManualTime) Advance(d float64) {
	m.mu.Lock()
	m.now += d
	m.mu.Unlock()
}

// Set 直接设置当前时间
func (m *ManualTime) Set(t float64) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
}
