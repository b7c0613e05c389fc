package audio

import (
	"math"

	"github.com/mjibson/go-dsp/fft"
)

// Waveform 返回 points 个 RMS 包络点（0..1），供时间轴绘制。
// 结果按 points 缓存在 Buffer 上。
func (b *Buffer) Waveform(points int) []float64 {
	if points <= 0 || b.Len() == 0 {
		return nil
	}

	b.mu.Lock()
	if cached, ok := b.waveforms[points]; ok {
		b.mu.Unlock()
		return cached
	}
	b.mu.Unlock()

	total := b.Len()
	step := total / points
	if step == 0 {
		step = 1
	}

	out := make([]float64, 0, points)
	for from := 0; from < total && len(out) < points; from += step {
		frames := b.Frames(from, step)
		var sum float64
		for _, f := range frames {
			m := (f[0] + f[1]) / 2
			sum += m * m
		}
		rms := 0.0
		if len(frames) > 0 {
			rms = math.Sqrt(sum / float64(len(frames)))
		}
		out = append(out, math.Min(rms, 1))
	}

	b.mu.Lock()
	b.waveforms[points] = out
	b.mu.Unlock()
	return out
}

// Spectrum 计算 at 秒处长度为 size 的窗口的幅度谱（size/2 个频点）。
// size 会向上取整到 2 的幂。只用于可视化。
func (b *Buffer) Spectrum(at float64, size int) []float64 {
	if size < 2 || b.Len() == 0 {
		return nil
	}
	n := 1
	for n < size {
		n <<= 1
	}

	from := int(at * float64(b.format.SampleRate))
	frames := b.Frames(from, n)

	window := make([]float64, n)
	for i, f := range frames {
		// Hann 窗
		w := 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n-1)))
		window[i] = (f[0] + f[1]) / 2 * w
	}

	coeffs := fft.FFTReal(window)
	out := make([]float64, n/2)
	for i := range out {
		c := coeffs[i]
		out[i] = math.Sqrt(real(c)*real(c)+imag(c)*imag(c)) / float64(n)
	}
	return out
}
