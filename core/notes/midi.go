package notes

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"mixdeck/model"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

// ErrInvalidMIDI 不是合法的标准 MIDI 文件
var ErrInvalidMIDI = errors.New("invalid midi file")

type noteKey struct {
	channel uint8
	key     uint8
}

type openNote struct {
	tick     int64
	velocity uint8
}

type tickNote struct {
	start, end int64
	key        noteKey
	velocity   uint8
}

// ParseMIDI 把标准 MIDI 文件解析为按开始时间排序的音符列表。
// 所有 MIDI 轨道合并；同一 (channel, key) 的 note on/off 按先进先出配对；
// 没有 note off 的音符在最后一个事件处结束。时间单位为秒，遵循文件中的速度变化。
func ParseMIDI(data []byte) ([]model.NoteEvent, error) {
	s, err := smf.ReadFrom(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMIDI, err)
	}

	var (
		pending  = make(map[noteKey][]openNote)
		paired   []tickNote
		lastTick int64
	)

	for _, tr := range s.Tracks {
		var abs int64
		for _, ev := range tr {
			abs += int64(ev.Delta)
			if abs > lastTick {
				lastTick = abs
			}

			msg := midi.Message(ev.Message)
			var ch, key, vel uint8
			switch {
			case msg.GetNoteStart(&ch, &key, &vel):
				k := noteKey{channel: ch, key: key}
				pending[k] = append(pending[k], openNote{tick: abs, velocity: vel})
			case msg.GetNoteEnd(&ch, &key):
				k := noteKey{channel: ch, key: key}
				queue := pending[k]
				if len(queue) == 0 {
					continue
				}
				on := queue[0]
				pending[k] = queue[1:]
				paired = append(paired, tickNote{start: on.tick, end: abs, key: k, velocity: on.velocity})
			}
		}
	}

	for k, queue := range pending {
		for _, on := range queue {
			paired = append(paired, tickNote{start: on.tick, end: lastTick, key: k, velocity: on.velocity})
		}
	}

	out := make([]model.NoteEvent, 0, len(paired))
	for _, n := range paired {
		start := ticksToSeconds(s, n.start)
		end := ticksToSeconds(s, n.end)
		if end < start {
			end = start
		}
		out = append(out, model.NoteEvent{
			StartTime: start,
			Duration:  end - start,
			Pitch:     int(n.key.key),
			Velocity:  int(n.velocity),
			Channel:   int(n.key.channel),
		})
	}
	sortNotes(out)
	return out, nil
}

func ticksToSeconds(s *smf.SMF, ticks int64) float64 {
	return float64(s.TimeAt(ticks)) / 1e6
}

// sortNotes 按开始时间、音高、通道排序，保证输出稳定
func sortNotes(notes []model.NoteEvent) {
	sort.SliceStable(notes, func(i, j int) bool {
		a, b := notes[i], notes[j]
		if a.StartTime != b.StartTime {
			return a.StartTime < b.StartTime
		}
		if a.Pitch != b.Pitch {
			return a.Pitch < b.Pitch
		}
		return a.Channel < b.Channel
	})
}
