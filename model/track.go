package model

// TrackDescriptor 描述一个待加载的音轨
type TrackDescriptor struct {
	ID          string   `json:"id"`
	SourceURL   string   `json:"sourceUrl"`
	NotesURL    string   `json:"notesUrl,omitempty"` // 可选的 MIDI 音符流
	DisplayName string   `json:"displayName"`
	Color       string   `json:"color,omitempty"` // 仅用于展示
	Disabled    bool     `json:"disabled,omitempty"`
	VolumeGain  *float64 `json:"volumeGain,omitempty"` // nil 表示默认 1.0
}

// Gain 返回初始音量增益
func (d TrackDescriptor) Gain() float64 {
	if d.VolumeGain == nil {
		return 1.0
	}
	if *d.VolumeGain < 0 {
		return 0
	}
	return *d.VolumeGain
}

// Name 返回展示名，缺省时使用 ID
func (d TrackDescriptor) Name() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.ID
}

// TrackInfo 音轨快照（只读）
type TrackInfo struct {
	ID          string    `json:"id"`
	SourceURL   string    `json:"sourceUrl"`
	DisplayName string    `json:"displayName"`
	Color       string    `json:"color,omitempty"`
	Enabled     bool      `json:"enabled"`
	VolumeGain  float64   `json:"volumeGain"`
	Duration    float64   `json:"duration"` // 秒
	Position    float64   `json:"position"` // 元素当前位置（秒）
	Notes       NoteStats `json:"notes"`
}
