package playback

import (
	"errors"

	"mixdeck/model"
)

// EventType 通知类型
type EventType string

const (
	EventTimeUpdate   EventType = "time_update"
	EventEnded        EventType = "ended"
	EventState        EventType = "state"
	EventTrackToggled EventType = "track_toggled"
	EventVolume       EventType = "volume"
	EventDiagnostic   EventType = "diagnostic"
)

// Event 协调器发出的通知
type Event struct {
	Type      EventType           `json:"type"`
	SessionID string              `json:"sessionId"`
	Time      float64             `json:"time"`
	State     model.PlaybackState `json:"state"`
	TrackID   string              `json:"trackId,omitempty"`
	Enabled   bool                `json:"enabled,omitempty"`
	Gain      float64             `json:"gain,omitempty"`
	Failure   *model.LoadFailure  `json:"failure,omitempty"`
}

// Listener 事件回调。在命令返回前同步调用，不得在回调里调用协调器的命令。
type Listener func(Event)

var (
	// ErrUnknownTrack 音轨 ID 不存在
	ErrUnknownTrack = errors.New("unknown track id")
	// ErrInvalidTime 跳转目标不是有限数
	ErrInvalidTime = errors.New("seek target is not a finite number")
	// ErrInvalidGain 音量不是有限数
	ErrInvalidGain = errors.New("gain is not a finite number")
	// ErrDestroyed 协调器已销毁
	ErrDestroyed = errors.New("coordinator destroyed")
	// ErrNoTracksLoaded 所有音轨都加载失败
	ErrNoTracksLoaded = errors.New("no tracks loaded")
	// ErrLoadSuperseded 加载期间有更新的 Load 或 Destroy，本次结果被丢弃
	ErrLoadSuperseded = errors.New("load superseded")
)
