package playback

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"

	"mixdeck/core/audio"
	"mixdeck/core/loader"
	"mixdeck/core/media"
	"mixdeck/core/notes"
	"mixdeck/core/transport"
	"mixdeck/model"
)

const rate = 100

// fakeElement 位置只在测试调用 advance 时前进
type fakeElement struct {
	mu      sync.Mutex
	length  float64
	pos     float64
	playing bool
	gain    float64
	closed  bool
	playErr error
	seeks   []float64
}

func (e *fakeElement) Position() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos
}

func (e *fakeElement) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.playing || e.pos >= e.length || e.closed
}

func (e *fakeElement) Seek(t float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t > e.length {
		t = e.length
	}
	e.pos = t
	e.seeks = append(e.seeks, t)
}

func (e *fakeElement) Play() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.playErr != nil {
		return e.playErr
	}
	e.playing = true
	return nil
}

func (e *fakeElement) Pause() {
	e.mu.Lock()
	e.playing = false
	e.mu.Unlock()
}

func (e *fakeElement) SetVolume(g float64) {
	e.mu.Lock()
	e.gain = g
	e.mu.Unlock()
}

func (e *fakeElement) Close() error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	return nil
}

func (e *fakeElement) advance(d float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.playing && !e.closed {
		e.pos = math.Min(e.pos+d, e.length)
	}
}

func (e *fakeElement) isPlaying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.playing
}

// stubLoader 直接返回预先构造的结果
type stubLoader struct {
	res *loader.Result
}

func (s *stubLoader) Load(ctx context.Context, descs []model.TrackDescriptor) *loader.Result {
	return s.res
}

type rig struct {
	c        *Coordinator
	time     *transport.ManualTime
	sched    *transport.ManualScheduler
	elements map[string]*fakeElement
	events   []Event
	mu       sync.Mutex
}

func silentBuffer(seconds float64) *audio.Buffer {
	return audio.NewBufferFromSamples(rate, make([][2]float64, int(seconds*rate)))
}

func loadedTrack(id string, seconds float64, evs ...model.NoteEvent) *loader.Track {
	t := &loader.Track{
		Descriptor: model.TrackDescriptor{ID: id, SourceURL: "https://cdn/" + id + ".wav"},
		Buffer:     silentBuffer(seconds),
	}
	if len(evs) > 0 {
		t.Notes = notes.NewIndex(evs)
	}
	return t
}

func result(duration, startOffset float64, tracks ...*loader.Track) *loader.Result {
	res := &loader.Result{Duration: duration, StartOffset: startOffset, Tracks: map[string]*loader.Track{}}
	for _, t := range tracks {
		res.Tracks[t.Descriptor.ID] = t
		res.Order = append(res.Order, t.Descriptor.ID)
	}
	return res
}

func newRig(t *testing.T, res *loader.Result, strict bool) *rig {
	t.Helper()
	r := &rig{
		time:     transport.NewManualTime(1000),
		sched:    transport.NewManualScheduler(),
		elements: make(map[string]*fakeElement),
	}
	factory := func(id string, buf *audio.Buffer) (media.Element, error) {
		e := &fakeElement{length: buf.Duration(), gain: 1}
		r.elements[id] = e
		return e, nil
	}
	r.c = New(Options{
		Loader:     &stubLoader{res: res},
		Elements:   factory,
		TimeSource: r.time,
		Scheduler:  r.sched,
		Strict:     strict,
	})
	r.c.Subscribe(func(e Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})

	descs := make([]model.TrackDescriptor, 0, len(res.Order))
	for _, id := range res.Order {
		descs = append(descs, res.Tracks[id].Descriptor)
	}
	if _, err := r.c.Load(context.Background(), descs); err != nil {
		t.Fatalf("Load: %v", err)
	}
	r.reset()
	return r
}

// advance 同时推进时间和正在播放的元素，然后触发一次 tick
func (r *rig) advance(d float64) {
	r.time.Advance(d)
	for _, e := range r.elements {
		e.advance(d)
	}
	r.sched.Fire()
}

func (r *rig) reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func (r *rig) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestPauseRecordsReconciledTime(t *testing.T) {
	r := newRig(t, result(10, 0, loadedTrack("a", 10), loadedTrack("b", 10)), false)

	r.c.Play()
	r.advance(2.5)
	if !near(r.c.CurrentTime(), 2.5) {
		t.Fatalf("currentTime = %v", r.c.CurrentTime())
	}

	r.elements["a"].mu.Lock()
	r.elements["a"].pos = 2.7 // 元素领先软件时钟，以元素为准
	r.elements["a"].mu.Unlock()
	r.c.Pause()

	ts := r.c.Transport()
	if ts.IsPlaying || !near(ts.PausedAt, 2.7) || !near(ts.CurrentTime, 2.7) {
		t.Fatalf("transport after pause = %+v", ts)
	}
	if r.sched.Active() != 0 {
		t.Fatal("pause should cancel the tick loop")
	}

	r.time.Advance(30)
	r.c.Play()
	for id, e := range r.elements {
		if !near(e.Position(), 2.7) || !e.isPlaying() {
			t.Fatalf("element %s resumed at %v playing=%v", id, e.Position(), e.isPlaying())
		}
	}
	r.advance(0.5)
	if !near(r.c.CurrentTime(), 3.2) {
		t.Fatalf("resumed time = %v, want 3.2", r.c.CurrentTime())
	}
}

func TestSoftwareClockWhenNoElementAdvances(t *testing.T) {
	r := newRig(t, result(10, 0, loadedTrack("a", 10)), false)
	r.c.ToggleTrack("a", false)
	r.c.Play()

	r.time.Advance(1.25)
	r.sched.Fire()
	if !near(r.c.CurrentTime(), 1.25) {
		t.Fatalf("software clock time = %v", r.c.CurrentTime())
	}
	if r.elements["a"].isPlaying() {
		t.Fatal("disabled track should not start")
	}
}

func TestSeekClampsAndNotifiesOnce(t *testing.T) {
	r := newRig(t, result(8, 1.5, loadedTrack("a", 8)), false)

	cases := []struct{ in, want float64 }{
		{-3, 1.5},
		{100, 8},
		{4, 4},
	}
	for _, c := range cases {
		r.reset()
		if err := r.c.SeekTo(c.in); err != nil {
			t.Fatal(err)
		}
		if got := r.c.CurrentTime(); !near(got, c.want) {
			t.Errorf("SeekTo(%v) -> %v, want %v", c.in, got, c.want)
		}
		if n := r.count(EventTimeUpdate); n != 1 {
			t.Errorf("SeekTo(%v) emitted %d time updates", c.in, n)
		}
		if !near(r.elements["a"].Position(), c.want) {
			t.Errorf("element position = %v", r.elements["a"].Position())
		}
	}
}

func TestSeekWhilePlayingReanchorsClock(t *testing.T) {
	r := newRig(t, result(10, 0, loadedTrack("a", 10)), false)
	r.c.ToggleTrack("a", false)
	r.c.Play()
	r.time.Advance(3)

	r.c.SeekTo(6)
	r.time.Advance(0.5)
	r.sched.Fire()
	if !near(r.c.CurrentTime(), 6.5) {
		t.Fatalf("time after seek = %v", r.c.CurrentTime())
	}
}

func TestToggleTrackWhilePlaying(t *testing.T) {
	a := loadedTrack("a", 10)
	b := loadedTrack("b", 10)
	b.Descriptor.Disabled = true
	r := newRig(t, result(10, 0, a, b), false)

	if got := r.c.EnabledTracks(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("enabled = %v", got)
	}

	r.c.Play()
	r.advance(3)
	if err := r.c.ToggleTrack("b", true); err != nil {
		t.Fatal(err)
	}
	eb := r.elements["b"]
	if !eb.isPlaying() || !near(eb.Position(), 3) {
		t.Fatalf("enabled track at %v playing=%v, want 3 playing", eb.Position(), eb.isPlaying())
	}

	r.advance(1)
	if err := r.c.ToggleTrack("b", false); err != nil {
		t.Fatal(err)
	}
	if eb.isPlaying() || !near(eb.Position(), 4) {
		t.Fatalf("disabled track at %v playing=%v, want paused at 4", eb.Position(), eb.isPlaying())
	}
	if r.count(EventTrackToggled) != 2 {
		t.Fatalf("toggle events = %d", r.count(EventTrackToggled))
	}
}

func TestToggleTrackEventCarriesReconciledTime(t *testing.T) {
	r := newRig(t, result(10, 0, loadedTrack("a", 10), loadedTrack("b", 10)), false)
	r.c.Play()

	// 两次 tick 之间切换：时间和元素前进，但还没有 tick
	r.time.Advance(1.5)
	for _, e := range r.elements {
		e.advance(1.5)
	}
	r.reset()
	if err := r.c.ToggleTrack("b", false); err != nil {
		t.Fatal(err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) != 1 || r.events[0].Type != EventTrackToggled {
		t.Fatalf("events = %+v", r.events)
	}
	if !near(r.events[0].Time, 1.5) {
		t.Fatalf("toggle event time = %v, want 1.5", r.events[0].Time)
	}
	if !near(r.c.currentTime, 1.5) {
		t.Fatalf("currentTime = %v, want 1.5", r.c.currentTime)
	}
}

func TestRepeatedSeekWhilePaused(t *testing.T) {
	r := newRig(t, result(10, 0, loadedTrack("a", 10), loadedTrack("b", 10)), false)

	for _, target := range []float64{3.25, 0, 10} {
		r.reset()
		r.c.SeekTo(target)
		first := r.c.CurrentTime()
		r.c.SeekTo(target)
		if got := r.c.CurrentTime(); !near(got, first) || !near(got, target) {
			t.Errorf("SeekTo(%v) twice -> %v then %v", target, first, got)
		}
		if n := r.count(EventTimeUpdate); n != 2 {
			t.Errorf("SeekTo(%v) twice emitted %d time updates, want 2", target, n)
		}
		if r.c.IsPlaying() {
			t.Fatal("seek must not start playback")
		}
	}
}

func TestThreeTracksDisableOneThenPlay(t *testing.T) {
	r := newRig(t, result(8, 0, loadedTrack("a", 5), loadedTrack("b", 8), loadedTrack("c", 6)), false)
	if r.c.Duration() != 8 {
		t.Fatalf("duration = %v, want 8", r.c.Duration())
	}

	ec := r.elements["c"]
	before := ec.Position()
	if err := r.c.ToggleTrack("c", false); err != nil {
		t.Fatal(err)
	}
	r.c.Play()
	r.advance(1)
	r.advance(1)

	if got := r.c.CurrentTime(); math.Abs(got-2) > 1e-6 {
		t.Fatalf("currentTime = %v, want 2", got)
	}
	if ec.isPlaying() || !near(ec.Position(), before) {
		t.Fatalf("disabled track at %v playing=%v, want paused at %v", ec.Position(), ec.isPlaying(), before)
	}
	if got := r.c.EnabledTracks(); len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("enabled = %v", got)
	}
}

func TestToggleTrackWhilePausedOnlyFlipsFlag(t *testing.T) {
	r := newRig(t, result(10, 0, loadedTrack("a", 10)), false)
	r.c.ToggleTrack("a", false)
	r.c.ToggleTrack("a", true)
	if r.elements["a"].isPlaying() {
		t.Fatal("toggling while paused must not start playback")
	}
	if got := r.c.EnabledTracks(); len(got) != 1 {
		t.Fatalf("enabled = %v", got)
	}
}

func TestEndOfPlaybackFiresOnce(t *testing.T) {
	r := newRig(t, result(2, 0.5, loadedTrack("a", 2)), false)
	r.c.Play()
	r.advance(1)
	r.advance(1)
	r.advance(1)

	if n := r.count(EventEnded); n != 1 {
		t.Fatalf("ended events = %d, want 1", n)
	}
	ts := r.c.Transport()
	if ts.IsPlaying || !near(ts.CurrentTime, 0.5) || !near(ts.PausedAt, 0.5) {
		t.Fatalf("transport after end = %+v", ts)
	}
	if !near(r.elements["a"].Position(), 0.5) || r.elements["a"].isPlaying() {
		t.Fatal("elements should rewind to the start offset and pause")
	}
	if r.sched.Active() != 0 {
		t.Fatal("tick loop should be cancelled at the end")
	}

	r.c.Play()
	r.advance(2)
	if n := r.count(EventEnded); n != 2 {
		t.Fatalf("second play-through ended events = %d, want 2", n)
	}
}

func TestStaleTickIgnored(t *testing.T) {
	r := newRig(t, result(10, 0, loadedTrack("a", 10)), false)
	r.c.Play()
	gen := r.c.tickGen
	r.c.Pause()
	r.reset()

	r.c.tick(gen)
	if n := len(r.events); n != 0 {
		t.Fatalf("stale tick emitted %d events", n)
	}
}

func TestLongestTrackDurationAndNoteOffset(t *testing.T) {
	short := loadedTrack("short", 6)
	long := loadedTrack("long", 8, model.NoteEvent{StartTime: 0.75, Duration: 1, Pitch: 60})
	r := newRig(t, result(8, 0.75, short, long), false)

	if r.c.Duration() != 8 || r.c.StartOffset() != 0.75 || r.c.CurrentTime() != 0.75 {
		t.Fatalf("duration=%v startOffset=%v current=%v", r.c.Duration(), r.c.StartOffset(), r.c.CurrentTime())
	}
	r.c.Play()
	r.advance(5.5)
	// short 已经播完，long 仍在推进
	if !near(r.c.CurrentTime(), 6.25) {
		t.Fatalf("current = %v", r.c.CurrentTime())
	}
	r.advance(2)
	if r.count(EventEnded) != 1 {
		t.Fatal("should end when the longest track finishes")
	}
	if got := r.c.Notes().ActiveNotes("long", 1.0); len(got) != 1 {
		t.Fatalf("active notes = %v", got)
	}
}

func TestLoadAllFailedReportsError(t *testing.T) {
	res := result(0, 0)
	res.Failures = []model.LoadFailure{
		model.NewLoadFailure(model.TrackDescriptor{ID: "a", SourceURL: "x"}, model.StageFetch, errors.New("404")),
	}
	c := New(Options{
		Loader:    &stubLoader{res: res},
		Elements:  func(string, *audio.Buffer) (media.Element, error) { return &fakeElement{}, nil },
		Scheduler: transport.NewManualScheduler(),
	})
	var diags int
	c.Subscribe(func(e Event) {
		if e.Type == EventDiagnostic {
			diags++
		}
	})

	if _, err := c.Load(context.Background(), nil); !errors.Is(err, ErrNoTracksLoaded) {
		t.Fatalf("Load error = %v", err)
	}
	if c.State() != model.StateFailed || c.IsLoaded() {
		t.Fatalf("state = %s", c.State())
	}
	if diags != 1 || len(c.Failures()) != 1 {
		t.Fatalf("diagnostics = %d failures = %d", diags, len(c.Failures()))
	}
	if err := c.Play(); err != nil || c.IsPlaying() {
		t.Fatal("play without tracks is a no-op")
	}
}

func TestPlayErrorIsDiagnostic(t *testing.T) {
	r := newRig(t, result(10, 0, loadedTrack("a", 10), loadedTrack("b", 10)), false)
	r.elements["b"].playErr = errors.New("device busy")

	if err := r.c.Play(); err != nil {
		t.Fatal(err)
	}
	if !r.c.IsPlaying() || r.count(EventDiagnostic) != 1 {
		t.Fatalf("playing=%v diagnostics=%d", r.c.IsPlaying(), r.count(EventDiagnostic))
	}
}

func TestVolume(t *testing.T) {
	r := newRig(t, result(10, 0, loadedTrack("a", 10)), false)
	if err := r.c.SetTrackVolume("a", 0.25); err != nil {
		t.Fatal(err)
	}
	if r.elements["a"].gain != 0.25 || r.c.Tracks()[0].VolumeGain != 0.25 {
		t.Fatal("gain not applied")
	}
	r.c.SetTrackVolume("a", -1)
	if r.elements["a"].gain != 0 {
		t.Fatal("negative gain clamps to silence")
	}
}

func TestMisuseReturnsSentinelErrors(t *testing.T) {
	r := newRig(t, result(10, 0, loadedTrack("a", 10)), false)

	if err := r.c.ToggleTrack("nope", true); !errors.Is(err, ErrUnknownTrack) {
		t.Fatalf("toggle unknown = %v", err)
	}
	if err := r.c.SeekTo(math.NaN()); !errors.Is(err, ErrInvalidTime) {
		t.Fatalf("seek NaN = %v", err)
	}
	if err := r.c.SetTrackVolume("a", math.Inf(1)); !IsMisuse(err) {
		t.Fatalf("volume inf = %v", err)
	}
}

func TestStrictModePanics(t *testing.T) {
	r := newRig(t, result(10, 0, loadedTrack("a", 10)), true)
	defer func() {
		if recover() == nil {
			t.Fatal("strict mode should panic on unknown track")
		}
		// 锁已释放，协调器仍可用
		if err := r.c.SeekTo(1); err != nil {
			t.Fatal(err)
		}
	}()
	r.c.ToggleTrack("nope", true)
}

func TestDestroyIdempotent(t *testing.T) {
	r := newRig(t, result(10, 0, loadedTrack("a", 10)), false)
	r.c.Play()
	r.c.Destroy()
	r.c.Destroy()

	if r.c.State() != model.StateDestroyed || r.c.IsPlaying() || r.c.IsLoaded() {
		t.Fatalf("state = %s", r.c.State())
	}
	if !r.elements["a"].closed {
		t.Fatal("elements should be closed")
	}
	if r.sched.Active() != 0 {
		t.Fatal("tick loop should be cancelled")
	}
	if err := r.c.Play(); !errors.Is(err, ErrDestroyed) {
		t.Fatalf("play after destroy = %v", err)
	}
	if len(r.c.Tracks()) != 0 {
		t.Fatal("tracks should be cleared")
	}
}

func TestStopRewindsToStartOffset(t *testing.T) {
	r := newRig(t, result(10, 2, loadedTrack("a", 10)), false)
	r.c.Play()
	r.advance(3)
	r.c.Stop()

	ts := r.c.Transport()
	if ts.IsPlaying || ts.CurrentTime != 2 || ts.PausedAt != 2 {
		t.Fatalf("transport after stop = %+v", ts)
	}
}

func TestTogglePlay(t *testing.T) {
	r := newRig(t, result(10, 0, loadedTrack("a", 10)), false)
	r.c.TogglePlay()
	if !r.c.IsPlaying() {
		t.Fatal("toggle should start playback")
	}
	r.c.TogglePlay()
	if r.c.IsPlaying() {
		t.Fatal("toggle should pause playback")
	}
}

func TestSnapshot(t *testing.T) {
	r := newRig(t, result(10, 0, loadedTrack("a", 10, model.NoteEvent{StartTime: 1, Duration: 1, Pitch: 40})), false)
	snap := r.c.Snapshot()
	if snap.SessionID == "" || snap.State != model.StateReady || len(snap.Tracks) != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if snap.Tracks[0].Notes.NoteCount != 1 || snap.Tracks[0].Duration != 10 {
		t.Fatalf("track info = %+v", snap.Tracks[0])
	}
	if w, err := r.c.Waveform("a", 4); err != nil || len(w) != 4 {
		t.Fatalf("waveform = %v, %v", w, err)
	}
	if _, err := r.c.Spectrum("missing", 64); !errors.Is(err, ErrUnknownTrack) {
		t.Fatalf("spectrum missing = %v", err)
	}
}
