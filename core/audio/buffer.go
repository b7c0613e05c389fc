package audio

import (
	"sync"

	"github.com/faiface/beep"
)

// Buffer 已解码的音频数据。创建后不可变，可被多个音轨共享。
type Buffer struct {
	buf    *beep.Buffer
	format beep.Format

	mu        sync.Mutex
	waveforms map[int][]float64 // points -> 包络缓存
}

func newBuffer(b *beep.Buffer) *Buffer {
	return &Buffer{
		buf:       b,
		format:    b.Format(),
		waveforms: make(map[int][]float64),
	}
}

// NewBufferFromSamples 用立体声采样构造 Buffer
func NewBufferFromSamples(rate beep.SampleRate, samples [][2]float64) *Buffer {
	format := beep.Format{SampleRate: rate, NumChannels: 2, Precision: 2}
	b := beep.NewBuffer(format)
	b.Append(&sliceStreamer{samples: samples})
	return newBuffer(b)
}

// Format 返回采样格式
func (b *Buffer) Format() beep.Format {
	return b.format
}

// Len 返回采样帧数
func (b *Buffer) Len() int {
	return b.buf.Len()
}

// Duration 返回时长（秒）
func (b *Buffer) Duration() float64 {
	if b.format.SampleRate == 0 {
		return 0
	}
	return float64(b.buf.Len()) / float64(b.format.SampleRate)
}

// Streamer 返回 [from, to) 区间的可 seek 流，每次调用都是独立的读取位置
func (b *Buffer) Streamer(from, to int) beep.StreamSeeker {
	return b.buf.Streamer(from, to)
}

// Frames 读取 [from, from+n) 的采样，越界部分被截断
func (b *Buffer) Frames(from, n int) [][2]float64 {
	if from < 0 {
		from = 0
	}
	to := from + n
	if to > b.Len() {
		to = b.Len()
	}
	if from >= to {
		return nil
	}
	out := make([][2]float64, to-from)
	s := b.buf.Streamer(from, to)
	filled := 0
	for filled < len(out) {
		k, ok := s.Stream(out[filled:])
		filled += k
		if !ok || k == 0 {
			break
		}
	}
	return out[:filled]
}

// sliceStreamer 把内存中的采样包装成 beep.Streamer
type sliceStreamer struct {
	samples [][2]float64
	pos     int
}

func (s *sliceStreamer) Stream(out [][2]float64) (int, bool) {
	if s.pos >= len(s.samples) {
		return 0, false
	}
	n := copy(out, s.samples[s.pos:])
	s.pos += n
	return n, true
}

func (s *sliceStreamer) Err() error { return nil }
