package media

import (
	"errors"
	"math"
	"sync"

	"mixdeck/core/audio"

	"github.com/faiface/beep"
	"github.com/faiface/beep/effects"
)

// ErrElementClosed 元素已释放
var ErrElementClosed = errors.New("media element closed")

// Element 一个可独立控制的播放元素，对应一条音轨。
// Position 是元素自身的播放位置，是时钟校准的真实来源。
type Element interface {
	Position() float64
	Paused() bool
	Seek(t float64)
	Play() error
	Pause()
	SetVolume(gain float64)
	Close() error
}

// ElementFactory 为已加载的音轨创建播放元素
type ElementFactory func(trackID string, buf *audio.Buffer) (Element, error)

// BufferElement 基于已解码 Buffer 的播放元素，同时实现 beep.Streamer。
// 暂停时输出静音而不是从混音器移除，位置只在真正被输出拉取时前进。
type BufferElement struct {
	mu     sync.Mutex
	id     string
	rate   beep.SampleRate
	length int
	stream beep.StreamSeeker
	volume *effects.Volume
	paused bool
	ended  bool
	closed bool
}

// NewBufferElement 创建处于暂停状态、位置为 0 的元素
func NewBufferElement(id string, buf *audio.Buffer) *BufferElement {
	s := buf.Streamer(0, buf.Len())
	return &BufferElement{
		id:     id,
		rate:   buf.Format().SampleRate,
		length: buf.Len(),
		stream: s,
		volume: &effects.Volume{Streamer: s, Base: 2},
		paused: true,
	}
}

// ID 返回音轨 ID
func (e *BufferElement) ID() string {
	return e.id
}

// Stream 由输出协程调用
func (e *BufferElement) Stream(samples [][2]float64) (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return 0, false
	}
	if e.paused || e.ended {
		silence(samples)
		return len(samples), true
	}

	n, ok := e.volume.Stream(samples)
	silence(samples[n:])
	if !ok || e.stream.Position() >= e.length {
		e.ended = true
	}
	return len(samples), true
}

// Err 实现 beep.Streamer
func (e *BufferElement) Err() error {
	return nil
}

// Position 返回当前位置（秒）
func (e *BufferElement) Position() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return float64(e.stream.Position()) / float64(e.rate)
}

// Paused 暂停、播完或已关闭时为 true
func (e *BufferElement) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused || e.ended || e.closed
}

// Seek 跳到 t 秒，超出范围时截断
func (e *BufferElement) Seek(t float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}

	frame := int(math.Round(t * float64(e.rate)))
	if frame < 0 {
		frame = 0
	}
	if frame > e.length {
		frame = e.length
	}
	if err := e.stream.Seek(frame); err != nil {
		return
	}
	e.ended = frame >= e.length
}

// Play 开始输出
func (e *BufferElement) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrElementClosed
	}
	e.paused = false
	return nil
}

// Pause 暂停输出，位置保持不变
func (e *BufferElement) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
}

// SetVolume 设置线性增益，0 表示静音
func (e *BufferElement) SetVolume(gain float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if gain <= 0 {
		e.volume.Silent = true
		return
	}
	e.volume.Silent = false
	e.volume.Volume = math.Log2(gain)
}

// Close 释放元素，之后 Stream 返回 false，混音器会将其移除
func (e *BufferElement) Close() error {
	e.mu.Lock()
	e.closed = true
	e.paused = true
	e.mu.Unlock()
	return nil
}

func silence(samples [][2]float64) {
	for i := range samples {
		samples[i] = [2]float64{}
	}
}
