package model

import "fmt"

// PlaybackState 协调器状态机
type PlaybackState int

const (
	StateUnloaded PlaybackState = iota
	StateLoading
	StateReady // 已加载、暂停
	StatePlaying
	StateFailed // 一个音轨都没加载成功
	StateDestroyed
)

func (s PlaybackState) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StatePlaying:
		return "playing"
	case StateFailed:
		return "failed"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText 让 JSON 输出状态名
func (s PlaybackState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TransportState 时间轴位置的唯一数据源
type TransportState struct {
	CurrentTime float64 `json:"currentTime"`
	Duration    float64 `json:"duration"`
	StartOffset float64 `json:"startOffset"`
	IsPlaying   bool    `json:"isPlaying"`
	PausedAt    float64 `json:"pausedAt"`
}

// Clamp 把 t 限制在 [StartOffset, Duration]
func (s TransportState) Clamp(t float64) float64 {
	if t < s.StartOffset {
		return s.StartOffset
	}
	if t > s.Duration {
		return s.Duration
	}
	return t
}

// Snapshot 提供给展示层的完整快照
type Snapshot struct {
	SessionID string         `json:"sessionId"`
	State     PlaybackState  `json:"state"`
	Transport TransportState `json:"transport"`
	Tracks    []TrackInfo    `json:"tracks"`
}
