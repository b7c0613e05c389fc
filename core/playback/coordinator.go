package playback

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"mixdeck/core/audio"
	"mixdeck/core/loader"
	"mixdeck/core/media"
	"mixdeck/core/notes"
	"mixdeck/core/transport"
	"mixdeck/logger"
	"mixdeck/model"

	"github.com/google/uuid"
)

// TrackLoader 批量加载音轨，单个失败不影响整体
type TrackLoader interface {
	Load(ctx context.Context, descriptors []model.TrackDescriptor) *loader.Result
}

// Options 协调器依赖与参数
type Options struct {
	Loader         TrackLoader
	Elements       media.ElementFactory
	TimeSource     transport.TimeSource // 默认 RealTime
	Scheduler      transport.Scheduler  // 默认 TickerScheduler
	TickInterval   time.Duration
	DriftTolerance time.Duration
	// Strict 为 true 时调用方错误（未知音轨、非法时间、销毁后调用）直接 panic
	Strict bool
}

// track 协调器持有的音轨，实现 transport.Source
type track struct {
	desc    model.TrackDescriptor
	buffer  *audio.Buffer
	notes   *notes.Index
	element media.Element
	enabled bool
	gain    float64
}

func (t *track) Enabled() bool     { return t.enabled }
func (t *track) Paused() bool      { return t.element.Paused() }
func (t *track) Position() float64 { return t.element.Position() }

// Coordinator 对外的播放控制入口。
// 所有命令与周期 tick 由同一把锁串行化；事件在释放状态锁后按命令顺序派发。
type Coordinator struct {
	opts      Options
	sessionID string
	clock     *transport.Clock
	provider  *notes.Provider

	mu          sync.Mutex
	state       model.PlaybackState
	tracks      []*track
	byID        map[string]*track
	sources     []transport.Source
	duration    float64
	startOffset float64
	currentTime float64
	pausedAt    float64
	isPlaying   bool
	endedFired  bool
	handle      transport.Handle
	tickGen     uint64
	loadGen     uint64
	failures    []model.LoadFailure

	emitMu    sync.Mutex
	subMu     sync.RWMutex
	listeners map[int]Listener
	nextSub   int
}

// New 创建协调器
func New(opts Options) *Coordinator {
	if opts.TimeSource == nil {
		opts.TimeSource = transport.NewRealTime()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = transport.NewTickerScheduler()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = transport.DefaultTickInterval
	}
	return &Coordinator{
		opts:      opts,
		sessionID: uuid.New().String(),
		clock:     transport.NewClock(opts.TimeSource),
		provider:  notes.NewProvider(),
		state:     model.StateUnloaded,
		byID:      make(map[string]*track),
		listeners: make(map[int]Listener),
	}
}

// SessionID 协调器实例 ID，用于日志关联
func (c *Coordinator) SessionID() string {
	return c.sessionID
}

// Subscribe 注册监听器，返回取消函数
func (c *Coordinator) Subscribe(l Listener) func() {
	c.subMu.Lock()
	id := c.nextSub
	c.nextSub++
	c.listeners[id] = l
	c.subMu.Unlock()

	return func() {
		c.subMu.Lock()
		delete(c.listeners, id)
		c.subMu.Unlock()
	}
}

// unlockAndEmit 释放状态锁并派发事件。先拿到派发锁再释放状态锁，保证事件顺序与命令顺序一致。
func (c *Coordinator) unlockAndEmit(events []Event) {
	if len(events) == 0 {
		c.mu.Unlock()
		return
	}
	c.emitMu.Lock()
	c.mu.Unlock()
	defer c.emitMu.Unlock()

	c.subMu.RLock()
	ls := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.subMu.RUnlock()

	for _, e := range events {
		e.SessionID = c.sessionID
		for _, l := range ls {
			l(e)
		}
	}
}

// misuse 处理调用方错误：严格模式 panic，否则记录并返回
func (c *Coordinator) misuse(op string, err error) error {
	if c.opts.Strict {
		panic(op + ": " + err.Error())
	}
	logger.Warn("invalid coordinator call",
		logger.String("session", c.sessionID),
		logger.String("op", op),
		logger.ErrorField(err))
	return err
}

func (c *Coordinator) transportLocked() model.TransportState {
	return model.TransportState{
		CurrentTime: c.currentTime,
		Duration:    c.duration,
		StartOffset: c.startOffset,
		IsPlaying:   c.isPlaying,
		PausedAt:    c.pausedAt,
	}
}

func (c *Coordinator) clamp(t float64) float64 {
	return c.transportLocked().Clamp(t)
}

func (c *Coordinator) setState(s model.PlaybackState, events *[]Event) {
	if c.state == s {
		return
	}
	c.state = s
	*events = append(*events, Event{Type: EventState, State: s, Time: c.currentTime})
}

func (c *Coordinator) cancelTickLocked() {
	if c.handle != nil {
		c.handle.Cancel()
		c.handle = nil
	}
	c.tickGen++
}

// teardownLocked 停止播放并释放所有元素
func (c *Coordinator) teardownLocked() {
	c.cancelTickLocked()
	c.isPlaying = false
	for _, t := range c.tracks {
		t.element.Pause()
		if err := t.element.Close(); err != nil {
			logger.Warn("close element failed",
				logger.String("trackId", t.desc.ID),
				logger.ErrorField(err))
		}
	}
	c.tracks = nil
	c.sources = nil
	c.byID = make(map[string]*track)
	c.provider.Clear()
	c.duration, c.startOffset, c.currentTime, c.pausedAt = 0, 0, 0, 0
}

// Load 加载音轨。至少一个音轨成功时进入 Ready；全部失败时进入 Failed 并返回 ErrNoTracksLoaded。
// 已加载的内容会先被释放。
func (c *Coordinator) Load(ctx context.Context, descriptors []model.TrackDescriptor) (*loader.Result, error) {
	c.mu.Lock()
	if c.state == model.StateDestroyed {
		c.mu.Unlock()
		return nil, c.misuse("load", ErrDestroyed)
	}
	var events []Event
	c.teardownLocked()
	c.failures = nil
	c.loadGen++
	gen := c.loadGen
	c.setState(model.StateLoading, &events)
	c.unlockAndEmit(events)

	res := c.opts.Loader.Load(ctx, descriptors)

	// 元素在锁外创建，输出设备可能较慢
	var built []*track
	failures := append([]model.LoadFailure(nil), res.Failures...)
	for _, id := range res.Order {
		lt := res.Tracks[id]
		el, err := c.opts.Elements(id, lt.Buffer)
		if err != nil {
			failures = append(failures, model.NewLoadFailure(lt.Descriptor, model.StagePlay, err))
			logger.Warn("create element failed",
				logger.String("trackId", id),
				logger.String("url", lt.Descriptor.SourceURL),
				logger.ErrorField(err))
			continue
		}
		gain := lt.Descriptor.Gain()
		el.SetVolume(gain)
		el.Seek(res.StartOffset)
		built = append(built, &track{
			desc:    lt.Descriptor,
			buffer:  lt.Buffer,
			notes:   lt.Notes,
			element: el,
			enabled: !lt.Descriptor.Disabled,
			gain:    gain,
		})
	}

	c.mu.Lock()
	if c.state == model.StateDestroyed || gen != c.loadGen {
		c.mu.Unlock()
		for _, t := range built {
			t.element.Close()
		}
		logger.Info("discarding stale load", logger.String("session", c.sessionID))
		return res, ErrLoadSuperseded
	}

	events = events[:0]
	c.failures = failures
	for i := range c.failures {
		f := c.failures[i]
		events = append(events, Event{Type: EventDiagnostic, TrackID: f.Descriptor.ID, Failure: &f})
	}

	if len(built) == 0 {
		c.setState(model.StateFailed, &events)
		c.unlockAndEmit(events)
		logger.Error("no tracks loaded",
			logger.String("session", c.sessionID),
			logger.Int("requested", len(descriptors)))
		return res, ErrNoTracksLoaded
	}

	c.tracks = built
	for _, t := range built {
		c.byID[t.desc.ID] = t
		c.sources = append(c.sources, t)
		if t.notes != nil {
			c.provider.Set(t.desc.ID, t.notes)
		}
	}
	c.duration = res.Duration
	c.startOffset = res.StartOffset
	c.currentTime = c.startOffset
	c.pausedAt = c.startOffset
	c.endedFired = false

	c.setState(model.StateReady, &events)
	events = append(events, Event{Type: EventTimeUpdate, Time: c.currentTime})
	c.unlockAndEmit(events)

	logger.Info("coordinator ready",
		logger.String("session", c.sessionID),
		logger.Int("tracks", len(built)),
		logger.Float64("duration", res.Duration),
		logger.Float64("startOffset", res.StartOffset))
	return res, nil
}

// Play 从 pausedAt 开始播放所有启用的音轨。已在播放或未加载时为空操作。
func (c *Coordinator) Play() error {
	c.mu.Lock()
	if c.state == model.StateDestroyed {
		c.mu.Unlock()
		return c.misuse("play", ErrDestroyed)
	}
	if c.isPlaying || c.state != model.StateReady {
		c.mu.Unlock()
		return nil
	}

	var events []Event
	from := c.pausedAt
	c.clock.Start(from)

	for _, t := range c.tracks {
		if !t.enabled {
			continue
		}
		t.element.Seek(from)
		if err := t.element.Play(); err != nil {
			f := model.NewLoadFailure(t.desc, model.StagePlay, err)
			events = append(events, Event{Type: EventDiagnostic, TrackID: t.desc.ID, Failure: &f})
			logger.Warn("element failed to start",
				logger.String("trackId", t.desc.ID),
				logger.ErrorField(err))
		}
	}

	c.currentTime = from
	c.endedFired = false
	c.isPlaying = true
	c.startTickLocked()
	c.setState(model.StatePlaying, &events)
	c.unlockAndEmit(events)
	return nil
}

func (c *Coordinator) startTickLocked() {
	c.cancelTickLocked()
	gen := c.tickGen
	c.handle = c.opts.Scheduler.Every(c.opts.TickInterval, func() {
		c.tick(gen)
	})
}

// Pause 记录当前校准时间并暂停所有元素。未播放时为空操作。
func (c *Coordinator) Pause() error {
	c.mu.Lock()
	if c.state == model.StateDestroyed {
		c.mu.Unlock()
		return c.misuse("pause", ErrDestroyed)
	}
	var events []Event
	c.pauseLocked(&events)
	c.unlockAndEmit(events)
	return nil
}

func (c *Coordinator) pauseLocked(events *[]Event) {
	if !c.isPlaying {
		return
	}
	r := c.clock.Reconcile(c.sources)
	c.pausedAt = c.clamp(r.Time)
	c.currentTime = c.pausedAt
	c.isPlaying = false

	for _, t := range c.tracks {
		t.element.Pause()
	}
	c.cancelTickLocked()
	c.setState(model.StateReady, events)
	*events = append(*events, Event{Type: EventTimeUpdate, Time: c.currentTime})
}

// Stop 暂停并回到 startOffset
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.state == model.StateDestroyed {
		c.mu.Unlock()
		return c.misuse("stop", ErrDestroyed)
	}
	var events []Event
	c.pauseLocked(&events)
	if c.loadedLocked() {
		c.seekLocked(c.startOffset, &events)
	}
	c.unlockAndEmit(events)
	return nil
}

// TogglePlay 播放中则暂停，否则播放
func (c *Coordinator) TogglePlay() error {
	if c.IsPlaying() {
		return c.Pause()
	}
	return c.Play()
}

// SeekTo 跳转到 t，超出 [startOffset, duration] 时截断。同步发出一次 time_update。
func (c *Coordinator) SeekTo(t float64) error {
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return c.misuse("seek", ErrInvalidTime)
	}
	c.mu.Lock()
	if c.state == model.StateDestroyed {
		c.mu.Unlock()
		return c.misuse("seek", ErrDestroyed)
	}
	if !c.loadedLocked() {
		c.mu.Unlock()
		return nil
	}
	var events []Event
	c.seekLocked(t, &events)
	c.unlockAndEmit(events)
	return nil
}

func (c *Coordinator) seekLocked(t float64, events *[]Event) {
	t = c.clamp(t)
	for _, tr := range c.tracks {
		tr.element.Seek(t)
	}
	c.pausedAt = t
	c.currentTime = t
	if c.isPlaying {
		c.clock.Start(t)
	}
	*events = append(*events, Event{Type: EventTimeUpdate, Time: t})
}

// ToggleTrack 启用或禁用音轨。播放中启用时元素跳到当前校准时间并立即开始；
// 禁用时只暂停元素，位置保持不变。
func (c *Coordinator) ToggleTrack(id string, enabled bool) error {
	c.mu.Lock()
	if c.state == model.StateDestroyed {
		c.mu.Unlock()
		return c.misuse("toggle", ErrDestroyed)
	}
	t, ok := c.byID[id]
	if !ok {
		c.mu.Unlock()
		return c.misuse("toggle", ErrUnknownTrack)
	}
	if t.enabled == enabled {
		c.mu.Unlock()
		return nil
	}

	var events []Event
	if c.isPlaying {
		r := c.clock.Reconcile(c.sources)
		now := c.clamp(r.Time)
		// 以当前读数重新锚定软件时钟，主元素切换时时间连续
		c.clock.Start(now)
		c.currentTime = now
		if enabled {
			t.element.Seek(now)
			if err := t.element.Play(); err != nil {
				f := model.NewLoadFailure(t.desc, model.StagePlay, err)
				events = append(events, Event{Type: EventDiagnostic, TrackID: id, Failure: &f})
				logger.Warn("element failed to start",
					logger.String("trackId", id),
					logger.ErrorField(err))
			}
		} else {
			t.element.Pause()
		}
	}
	t.enabled = enabled
	events = append(events, Event{Type: EventTrackToggled, TrackID: id, Enabled: enabled, Time: c.currentTime})
	c.unlockAndEmit(events)
	return nil
}

// SetTrackVolume 设置音轨的线性增益，负数按 0 处理
func (c *Coordinator) SetTrackVolume(id string, gain float64) error {
	if math.IsNaN(gain) || math.IsInf(gain, 0) {
		return c.misuse("volume", ErrInvalidGain)
	}
	if gain < 0 {
		gain = 0
	}
	c.mu.Lock()
	if c.state == model.StateDestroyed {
		c.mu.Unlock()
		return c.misuse("volume", ErrDestroyed)
	}
	t, ok := c.byID[id]
	if !ok {
		c.mu.Unlock()
		return c.misuse("volume", ErrUnknownTrack)
	}
	t.gain = gain
	t.element.SetVolume(gain)
	c.unlockAndEmit([]Event{{Type: EventVolume, TrackID: id, Gain: gain, Time: c.currentTime}})
	return nil
}

// Destroy 释放全部资源，可重复调用
func (c *Coordinator) Destroy() {
	c.mu.Lock()
	if c.state == model.StateDestroyed {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.failures = nil
	c.loadGen++

	var events []Event
	c.setState(model.StateDestroyed, &events)
	c.unlockAndEmit(events)

	c.subMu.Lock()
	c.listeners = make(map[int]Listener)
	c.subMu.Unlock()

	logger.Info("coordinator destroyed", logger.String("session", c.sessionID))
}

// tick 周期校准。gen 与当前不一致说明句柄已被取消，直接忽略。
func (c *Coordinator) tick(gen uint64) {
	c.mu.Lock()
	if gen != c.tickGen || !c.isPlaying {
		c.mu.Unlock()
		return
	}

	var events []Event
	r := c.clock.Tick(c.duration, c.sources)
	if r.Source == transport.SourceElement {
		c.clock.Start(r.Time)
	}
	if tol := c.opts.DriftTolerance; tol > 0 && r.Drift > tol.Seconds() {
		logger.Debug("track drift above tolerance",
			logger.String("session", c.sessionID),
			logger.Float64("drift", r.Drift))
	}

	if r.Ended {
		c.endLocked(&events)
	} else {
		c.currentTime = c.clamp(r.Time)
		events = append(events, Event{Type: EventTimeUpdate, Time: c.currentTime})
	}
	c.unlockAndEmit(events)
}

// endLocked 到达结尾：停止、回到 startOffset、只发一次 ended
func (c *Coordinator) endLocked(events *[]Event) {
	c.currentTime = c.duration
	for _, t := range c.tracks {
		t.element.Pause()
	}
	c.isPlaying = false
	c.pausedAt = c.startOffset
	c.currentTime = c.startOffset
	for _, t := range c.tracks {
		t.element.Seek(c.startOffset)
	}
	c.cancelTickLocked()
	c.setState(model.StateReady, events)

	if !c.endedFired {
		c.endedFired = true
		*events = append(*events,
			Event{Type: EventEnded, Time: c.duration},
			Event{Type: EventTimeUpdate, Time: c.currentTime})
		logger.Info("playback ended", logger.String("session", c.sessionID))
	}
}

func (c *Coordinator) loadedLocked() bool {
	return c.state == model.StateReady || c.state == model.StatePlaying
}

// IsLoaded 是否有可播放的音轨
func (c *Coordinator) IsLoaded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadedLocked()
}

// IsPlaying 是否正在播放
func (c *Coordinator) IsPlaying() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isPlaying
}

// CurrentTime 最近一次校准的时间
func (c *Coordinator) CurrentTime() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentTime
}

// Duration 总时长
func (c *Coordinator) Duration() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.duration
}

// StartOffset 起始位置
func (c *Coordinator) StartOffset() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startOffset
}

// State 当前状态
func (c *Coordinator) State() model.PlaybackState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Transport 时间轴快照
func (c *Coordinator) Transport() model.TransportState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transportLocked()
}

// EnabledTracks 启用的音轨 ID，按加载顺序
func (c *Coordinator) EnabledTracks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []string
	for _, t := range c.tracks {
		if t.enabled {
			ids = append(ids, t.desc.ID)
		}
	}
	return ids
}

// Tracks 音轨快照，按加载顺序
func (c *Coordinator) Tracks() []model.TrackInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracksLocked()
}

func (c *Coordinator) tracksLocked() []model.TrackInfo {
	out := make([]model.TrackInfo, 0, len(c.tracks))
	for _, t := range c.tracks {
		info := model.TrackInfo{
			ID:          t.desc.ID,
			SourceURL:   t.desc.SourceURL,
			DisplayName: t.desc.Name(),
			Color:       t.desc.Color,
			Enabled:     t.enabled,
			VolumeGain:  t.gain,
			Duration:    t.buffer.Duration(),
			Position:    t.element.Position(),
		}
		if t.notes != nil {
			info.Notes = t.notes.Stats()
		}
		out = append(out, info)
	}
	return out
}

// Snapshot 完整快照
func (c *Coordinator) Snapshot() model.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return model.Snapshot{
		SessionID: c.sessionID,
		State:     c.state,
		Transport: c.transportLocked(),
		Tracks:    c.tracksLocked(),
	}
}

// Failures 最近一次加载中被跳过的音轨与音符告警
func (c *Coordinator) Failures() []model.LoadFailure {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.LoadFailure(nil), c.failures...)
}

// Notes 音符数据，只用于展示
func (c *Coordinator) Notes() *notes.Provider {
	return c.provider
}

// Waveform 音轨的 RMS 包络
func (c *Coordinator) Waveform(id string, points int) ([]float64, error) {
	c.mu.Lock()
	t, ok := c.byID[id]
	c.mu.Unlock()
	if !ok {
		return nil, ErrUnknownTrack
	}
	return t.buffer.Waveform(points), nil
}

// Spectrum 音轨在当前时间的频谱
func (c *Coordinator) Spectrum(id string, size int) ([]float64, error) {
	c.mu.Lock()
	t, ok := c.byID[id]
	now := c.currentTime
	c.mu.Unlock()
	if !ok {
		return nil, ErrUnknownTrack
	}
	return t.buffer.Spectrum(now, size), nil
}

// IsMisuse 报告 err 是否为调用方错误
func IsMisuse(err error) bool {
	return errors.Is(err, ErrUnknownTrack) ||
		errors.Is(err, ErrInvalidTime) ||
		errors.Is(err, ErrInvalidGain) ||
		errors.Is(err, ErrDestroyed)
}
