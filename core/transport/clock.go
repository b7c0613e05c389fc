package transport

import "math"

// Source 时钟校准用的播放位置来源，按音轨顺序传入
type Source interface {
	Enabled() bool
	Paused() bool
	Position() float64
}

// ReadingSource 当前时间的来源
type ReadingSource int

const (
	// SourceSoftware 软件时钟：now - masterStart
	SourceSoftware ReadingSource = iota
	// SourceElement 第一个启用且正在播放的元素的位置
	SourceElement
)

func (s ReadingSource) String() string {
	if s == SourceElement {
		return "element"
	}
	return "software"
}

// Reading 一次校准的结果
type Reading struct {
	Time   float64
	Source ReadingSource
	// Drift 正在播放的启用元素之间位置的最大差值
	Drift float64
	// Ended 仅 Tick 设置：Time 已到达 duration
	Ended bool
}

// Clock 主时钟。自身不推进时间，只在被询问时校准。
// 非并发安全，由播放协调器的锁保护。
type Clock struct {
	now         TimeSource
	masterStart float64
}

// NewClock 创建时钟
func NewClock(ts TimeSource) *Clock {
	if ts == nil {
		ts = NewRealTime()
	}
	return &Clock{now: ts}
}

// Start 记录 masterStart = now - from，之后软件时钟从 from 开始计时
func (c *Clock) Start(from float64) {
	c.masterStart = c.now.Now() - from
}

// MasterStart 返回当前的 masterStart
func (c *Clock) MasterStart() float64 {
	return c.masterStart
}

// Elapsed 软件时钟读数
func (c *Clock) Elapsed() float64 {
	return c.now.Now() - c.masterStart
}

// Reconcile 优先使用第一个启用且未暂停的元素位置，否则回退到软件时钟
func (c *Clock) Reconcile(sources []Source) Reading {
	var (
		r     Reading
		found bool
		lo    = math.Inf(1)
		hi    = math.Inf(-1)
	)
	for _, s := range sources {
		if !s.Enabled() || s.Paused() {
			continue
		}
		pos := s.Position()
		if !found {
			r.Time = pos
			r.Source = SourceElement
			found = true
		}
		lo = math.Min(lo, pos)
		hi = math.Max(hi, pos)
	}
	if !found {
		return Reading{Time: c.Elapsed(), Source: SourceSoftware}
	}
	r.Drift = hi - lo
	return r
}

// Tick 校准并判断是否播放结束，结束时读数被截断到 duration
func (c *Clock) Tick(duration float64, sources []Source) Reading {
	r := c.Reconcile(sources)
	if r.Time >= duration {
		r.Time = duration
		r.Ended = true
	}
	return r
}
