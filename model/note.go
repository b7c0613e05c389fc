package model

// NoteEvent 单个音符事件，时间相对于音源自身的零点（秒）
type NoteEvent struct {
	StartTime float64 `json:"startTime"`
	Duration  float64 `json:"duration"`
	Pitch     int     `json:"pitch"`
	Velocity  int     `json:"velocity"`
	Channel   int     `json:"channel"`
}

// EndTime = StartTime + Duration
func (n NoteEvent) EndTime() float64 {
	return n.StartTime + n.Duration
}

// ActiveAt 报告 t 是否落在 [start, end) 内
func (n NoteEvent) ActiveAt(t float64) bool {
	return t >= n.StartTime && t < n.EndTime()
}

// NoteStats 音轨的音高统计，加载时计算一次
type NoteStats struct {
	MinPitch  int `json:"minPitch"`
	MaxPitch  int `json:"maxPitch"`
	NoteCount int `json:"noteCount"`
}

// Merge 合并两个统计结果，空统计不参与比较
func (s NoteStats) Merge(o NoteStats) NoteStats {
	if s.NoteCount == 0 {
		return o
	}
	if o.NoteCount == 0 {
		return s
	}
	out := s
	if o.MinPitch < out.MinPitch {
		out.MinPitch = o.MinPitch
	}
	if o.MaxPitch > out.MaxPitch {
		out.MaxPitch = o.MaxPitch
	}
	out.NoteCount += o.NoteCount
	return out
}
