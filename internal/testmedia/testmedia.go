// Package testmedia 生成测试用的 WAV 与 MIDI 字节
package testmedia

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

// WAV 生成 seconds 秒、频率 freq 的 16 位立体声正弦波
func WAV(tb testing.TB, seconds float64, rate int, freq float64) []byte {
	tb.Helper()

	frames := int(seconds * float64(rate))
	data := make([]int, frames*2)
	for i := 0; i < frames; i++ {
		v := int(math.Sin(2*math.Pi*freq*float64(i)/float64(rate)) * 16000)
		data[i*2] = v
		data[i*2+1] = v
	}

	path := filepath.Join(tb.TempDir(), "tone.wav")
	f, err := os.Create(path)
	if err != nil {
		tb.Fatalf("create wav: %v", err)
	}
	enc := wav.NewEncoder(f, rate, 16, 2, 1)
	buf := &goaudio.IntBuffer{
		Data:           data,
		Format:         &goaudio.Format{NumChannels: 2, SampleRate: rate},
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		tb.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		tb.Fatalf("close wav encoder: %v", err)
	}
	f.Close()

	out, err := os.ReadFile(path)
	if err != nil {
		tb.Fatalf("read wav: %v", err)
	}
	return out
}

// Note 以秒为单位描述一个音符
type Note struct {
	Start    float64
	Duration float64
	Key      uint8
	Velocity uint8
	Channel  uint8
}

// TicksPerSecond 对应 120 BPM、960 PPQ
const TicksPerSecond = 1920

// MIDI 生成单轨标准 MIDI 文件（120 BPM）
func MIDI(tb testing.TB, notes ...Note) []byte {
	tb.Helper()

	type ev struct {
		tick uint32
		off  bool
		msg  midi.Message
	}
	var events []ev
	for _, n := range notes {
		vel := n.Velocity
		if vel == 0 {
			vel = 100
		}
		start := uint32(math.Round(n.Start * TicksPerSecond))
		end := uint32(math.Round((n.Start + n.Duration) * TicksPerSecond))
		events = append(events,
			ev{tick: start, msg: midi.NoteOn(n.Channel, n.Key, vel)},
			ev{tick: end, off: true, msg: midi.NoteOff(n.Channel, n.Key)},
		)
	}
	// 同一 tick 上先关后开
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].tick != events[j].tick {
			return events[i].tick < events[j].tick
		}
		return events[i].off && !events[j].off
	})

	s := smf.New()
	s.TimeFormat = smf.MetricTicks(960)

	var tr smf.Track
	tr.Add(0, smf.MetaTempo(120))
	var last uint32
	for _, e := range events {
		tr.Add(e.tick-last, e.msg)
		last = e.tick
	}
	tr.Close(0)
	if err := s.Add(tr); err != nil {
		tb.Fatalf("add track: %v", err)
	}

	var buf bytes.Buffer
	if _, err := s.WriteTo(&buf); err != nil {
		tb.Fatalf("write midi: %v", err)
	}
	return buf.Bytes()
}
