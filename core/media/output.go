package media

import (
	"sync"
	"time"

	"mixdeck/core/audio"
	"mixdeck/logger"

	"github.com/faiface/beep"
	"github.com/faiface/beep/speaker"
)

// Output 把元素接到实际的音频输出
type Output interface {
	Attach(s beep.Streamer) error
	Close() error
}

// NewFactory 返回把每个新元素接入 out 的工厂
func NewFactory(out Output) ElementFactory {
	return func(trackID string, buf *audio.Buffer) (Element, error) {
		e := NewBufferElement(trackID, buf)
		if err := out.Attach(e); err != nil {
			return nil, err
		}
		return e, nil
	}
}

// SpeakerOutput 使用系统声卡输出
type SpeakerOutput struct{}

// NewSpeakerOutput 初始化 beep speaker
func NewSpeakerOutput(rate beep.SampleRate, bufferSize time.Duration) (*SpeakerOutput, error) {
	if err := speaker.Init(rate, rate.N(bufferSize)); err != nil {
		return nil, err
	}
	logger.Info("speaker initialized",
		logger.Int("sampleRate", int(rate)),
		logger.Duration("buffer", bufferSize))
	return &SpeakerOutput{}, nil
}

// Attach 把元素交给 speaker 混音
func (o *SpeakerOutput) Attach(s beep.Streamer) error {
	speaker.Play(s)
	return nil
}

// Close 清空 speaker
func (o *SpeakerOutput) Close() error {
	speaker.Clear()
	return nil
}

// HeadlessOutput 没有声卡时按实时速率拉取混音器，让元素位置正常前进
type HeadlessOutput struct {
	rate  beep.SampleRate
	chunk time.Duration

	mu    sync.Mutex
	mixer beep.Mixer

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHeadlessOutput 创建并启动拉取协程
func NewHeadlessOutput(rate beep.SampleRate, chunk time.Duration) *HeadlessOutput {
	if chunk <= 0 {
		chunk = 10 * time.Millisecond
	}
	o := &HeadlessOutput{
		rate:     rate,
		chunk:    chunk,
		stopChan: make(chan struct{}),
	}
	o.wg.Add(1)
	go o.pump()
	return o
}

func (o *HeadlessOutput) pump() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.chunk)
	defer ticker.Stop()

	scratch := make([][2]float64, o.rate.N(o.chunk))
	for {
		select {
		case <-o.stopChan:
			return
		case <-ticker.C:
			o.mu.Lock()
			o.mixer.Stream(scratch)
			o.mu.Unlock()
		}
	}
}

// Attach 加入混音器
func (o *HeadlessOutput) Attach(s beep.Streamer) error {
	o.mu.Lock()
	o.mixer.Add(s)
	o.mu.Unlock()
	return nil
}

// Close 停止拉取协程，可重复调用
func (o *HeadlessOutput) Close() error {
	o.stopOnce.Do(func() {
		close(o.stopChan)
	})
	o.wg.Wait()
	o.mu.Lock()
	o.mixer.Clear()
	o.mu.Unlock()
	return nil
}
