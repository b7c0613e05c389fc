package notes

import (
	"sort"

	"mixdeck/model"
)

// Index 单个音轨的音符索引，构造后只读
type Index struct {
	notes       []model.NoteEvent
	maxDuration float64
	stats       model.NoteStats
}

// NewIndex 复制并排序 notes，同时计算音高统计
func NewIndex(events []model.NoteEvent) *Index {
	ix := &Index{notes: make([]model.NoteEvent, 0, len(events))}
	for _, n := range events {
		if n.Duration < 0 {
			n.Duration = 0
		}
		ix.notes = append(ix.notes, n)
	}
	sortNotes(ix.notes)

	for i, n := range ix.notes {
		if n.Duration > ix.maxDuration {
			ix.maxDuration = n.Duration
		}
		if i == 0 {
			ix.stats = model.NoteStats{MinPitch: n.Pitch, MaxPitch: n.Pitch}
		}
		if n.Pitch < ix.stats.MinPitch {
			ix.stats.MinPitch = n.Pitch
		}
		if n.Pitch > ix.stats.MaxPitch {
			ix.stats.MaxPitch = n.Pitch
		}
	}
	ix.stats.NoteCount = len(ix.notes)
	return ix
}

// Notes 返回全部音符，调用方不得修改
func (ix *Index) Notes() []model.NoteEvent {
	return ix.notes
}

// Stats 音高统计
func (ix *Index) Stats() model.NoteStats {
	return ix.stats
}

// Len 音符数量
func (ix *Index) Len() int {
	return len(ix.notes)
}

// Earliest 最早的开始时间，没有音符时 ok 为 false
func (ix *Index) Earliest() (float64, bool) {
	if len(ix.notes) == 0 {
		return 0, false
	}
	return ix.notes[0].StartTime, true
}

// Active 返回 t 时刻正在发声的音符（start <= t < end）。
// 只有开始时间落在 [t-maxDuration, t] 内的音符可能命中，两端用二分查找。
func (ix *Index) Active(t float64) []model.NoteEvent {
	hi := sort.Search(len(ix.notes), func(i int) bool {
		return ix.notes[i].StartTime > t
	})
	lo := sort.Search(hi, func(i int) bool {
		return ix.notes[i].StartTime >= t-ix.maxDuration
	})

	var out []model.NoteEvent
	for _, n := range ix.notes[lo:hi] {
		if n.ActiveAt(t) {
			out = append(out, n)
		}
	}
	return out
}

// Window 返回与 [from, to) 有交集的音符，用于钢琴卷帘的可见区域
func (ix *Index) Window(from, to float64) []model.NoteEvent {
	if to <= from {
		return nil
	}
	hi := sort.Search(len(ix.notes), func(i int) bool {
		return ix.notes[i].StartTime >= to
	})
	lo := sort.Search(hi, func(i int) bool {
		return ix.notes[i].StartTime >= from-ix.maxDuration
	})

	var out []model.NoteEvent
	for _, n := range ix.notes[lo:hi] {
		if n.EndTime() > from || (n.Duration == 0 && n.StartTime >= from) {
			out = append(out, n)
		}
	}
	return out
}
