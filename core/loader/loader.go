package loader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mixdeck/cache"
	"mixdeck/core/audio"
	"mixdeck/core/notes"
	"mixdeck/logger"
	"mixdeck/model"
	"mixdeck/storage"

	"github.com/faiface/beep"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DurationPolicy 决定多个音轨时长不同时 transport 的总时长
type DurationPolicy string

const (
	// DurationLongest 取最长的已加载音轨
	DurationLongest DurationPolicy = "longest"
	// DurationFirst 取描述顺序中第一个加载成功的音轨
	DurationFirst DurationPolicy = "first"
)

// ParseDurationPolicy 未知值回退到 DurationLongest
func ParseDurationPolicy(s string) DurationPolicy {
	if DurationPolicy(strings.ToLower(strings.TrimSpace(s))) == DurationFirst {
		return DurationFirst
	}
	return DurationLongest
}

var (
	errDuplicateID = errors.New("duplicate track id")
	errEmptySource = errors.New("empty source url")
)

// Track 一个加载成功的音轨
type Track struct {
	Descriptor model.TrackDescriptor
	Buffer     *audio.Buffer
	Notes      *notes.Index // 没有音符流时为 nil
}

// Result 一次批量加载的结果。单个音轨失败不影响其它音轨。
type Result struct {
	Duration    float64
	StartOffset float64
	Tracks      map[string]*Track
	Order       []string // 加载成功的音轨，按描述顺序
	Failures    []model.LoadFailure
}

// Loaded 加载成功的音轨数量
func (r *Result) Loaded() int {
	return len(r.Order)
}

// Options 加载参数
type Options struct {
	Concurrency    int
	Timeout        time.Duration // 单个音轨，0 表示不限
	SampleRate     beep.SampleRate
	DurationPolicy DurationPolicy
}

// Loader 并发获取并解码音轨，按源 URL 记忆解码结果
type Loader struct {
	fetcher storage.Fetcher
	cache   *cache.BufferCache
	opts    Options
	group   singleflight.Group
}

// New 创建 Loader；c 为空时使用私有缓存
func New(fetcher storage.Fetcher, c *cache.BufferCache, opts Options) *Loader {
	if c == nil {
		c = cache.NewBufferCache()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 44100
	}
	if opts.DurationPolicy == "" {
		opts.DurationPolicy = DurationLongest
	}
	return &Loader{fetcher: fetcher, cache: c, opts: opts}
}

// Cache 返回使用中的缓存
func (l *Loader) Cache() *cache.BufferCache {
	return l.cache
}

// SampleRate 解码后的统一采样率
func (l *Loader) SampleRate() beep.SampleRate {
	return l.opts.SampleRate
}

type outcome struct {
	track   *Track
	failure *model.LoadFailure
}

// Load 并发加载所有描述，全部结束后返回。失败记录在 Result.Failures 中。
func (l *Loader) Load(ctx context.Context, descriptors []model.TrackDescriptor) *Result {
	outcomes := make([]outcome, len(descriptors))

	seen := make(map[string]bool, len(descriptors))
	g := new(errgroup.Group)
	g.SetLimit(l.opts.Concurrency)

	for i, d := range descriptors {
		switch {
		case d.ID == "" || seen[d.ID]:
			f := model.NewLoadFailure(d, model.StageInvalid, errDuplicateID)
			if d.ID == "" {
				f = model.NewLoadFailure(d, model.StageInvalid, errors.New("empty track id"))
			}
			outcomes[i].failure = &f
			continue
		case d.SourceURL == "":
			f := model.NewLoadFailure(d, model.StageInvalid, errEmptySource)
			outcomes[i].failure = &f
			seen[d.ID] = true
			continue
		}
		seen[d.ID] = true

		i, d := i, d
		g.Go(func() error {
			outcomes[i] = l.loadOne(ctx, d)
			return nil
		})
	}
	_ = g.Wait()

	res := &Result{Tracks: make(map[string]*Track)}
	for _, o := range outcomes {
		if o.failure != nil {
			res.Failures = append(res.Failures, *o.failure)
			logger.Warn("track load failed",
				logger.String("trackId", o.failure.Descriptor.ID),
				logger.String("url", o.failure.Descriptor.SourceURL),
				logger.String("stage", o.failure.Stage),
				logger.ErrorField(o.failure.Err))
			continue
		}
		if o.track != nil {
			res.Tracks[o.track.Descriptor.ID] = o.track
			res.Order = append(res.Order, o.track.Descriptor.ID)
		}
	}

	res.Duration = l.duration(res)
	res.StartOffset = startOffset(res)

	logger.Info("tracks loaded",
		logger.Int("requested", len(descriptors)),
		logger.Int("loaded", res.Loaded()),
		logger.Int("failed", len(res.Failures)),
		logger.Float64("duration", res.Duration),
		logger.Float64("startOffset", res.StartOffset))
	return res
}

func (l *Loader) duration(res *Result) float64 {
	if len(res.Order) == 0 {
		return 0
	}
	if l.opts.DurationPolicy == DurationFirst {
		return res.Tracks[res.Order[0]].Buffer.Duration()
	}
	var d float64
	for _, id := range res.Order {
		if td := res.Tracks[id].Buffer.Duration(); td > d {
			d = td
		}
	}
	return d
}

// startOffset 所有音符中最早的开始时间，没有音符时为 0，截断到 [0, duration]
func startOffset(res *Result) float64 {
	var (
		best  float64
		found bool
	)
	for _, id := range res.Order {
		ix := res.Tracks[id].Notes
		if ix == nil {
			continue
		}
		if t, ok := ix.Earliest(); ok && (!found || t < best) {
			best, found = t, true
		}
	}
	if best < 0 {
		best = 0
	}
	if best > res.Duration {
		best = res.Duration
	}
	return best
}

// stageError 携带失败阶段
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func (l *Loader) loadOne(ctx context.Context, d model.TrackDescriptor) outcome {
	if l.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.opts.Timeout)
		defer cancel()
	}

	start := time.Now()
	buf, err := l.buffer(ctx, d.SourceURL)
	if err != nil {
		f := model.NewLoadFailure(d, failureStage(ctx, err), err)
		return outcome{failure: &f}
	}

	track := &Track{Descriptor: d, Buffer: buf}
	if d.NotesURL != "" {
		events, err := l.notes(ctx, d.NotesURL)
		if err != nil {
			// 音符流损坏时整条音轨跳过
			stage := model.StageNotes
			if failureStage(ctx, err) == model.StageTimeout {
				stage = model.StageTimeout
			}
			f := model.NewLoadFailure(d, stage, err)
			return outcome{failure: &f}
		}
		track.Notes = notes.NewIndex(events)
	}

	logger.Debug("track ready",
		logger.String("trackId", d.ID),
		logger.Float64("duration", buf.Duration()),
		logger.Duration("elapsed", time.Since(start)))
	return outcome{track: track}
}

func failureStage(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return model.StageTimeout
	}
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return model.StageFetch
}

// shared 合并同一 key 的并发请求。共享的工作不随任一调用方的 ctx 取消，
// 只受 Loader 自身超时限制；每个调用方仍按自己的 ctx 提前返回。
func (l *Loader) shared(ctx context.Context, key string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	ch := l.group.DoChan(key, func() (interface{}, error) {
		wctx := context.WithoutCancel(ctx)
		if l.opts.Timeout > 0 {
			var cancel context.CancelFunc
			wctx, cancel = context.WithTimeout(wctx, l.opts.Timeout)
			defer cancel()
		}
		return fn(wctx)
	})

	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// buffer 读取或解码音频，同一 URL 的并发请求只执行一次
func (l *Loader) buffer(ctx context.Context, sourceURL string) (*audio.Buffer, error) {
	key := storage.Normalize(sourceURL)
	if b, ok := l.cache.Buffer(key); ok {
		return b, nil
	}

	v, err := l.shared(ctx, "audio:"+key, func(ctx context.Context) (interface{}, error) {
		if b, ok := l.cache.Buffer(key); ok {
			return b, nil
		}
		gen := l.cache.Generation(key)
		data, err := l.fetcher.Fetch(ctx, sourceURL)
		if err != nil {
			return nil, &stageError{stage: model.StageFetch, err: err}
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		b, err := audio.Decode(sourceURL, data, l.opts.SampleRate)
		if err != nil {
			return nil, &stageError{stage: model.StageDecode, err: err}
		}
		if !l.cache.PutBufferAt(key, b, gen) {
			logger.Debug("source changed while decoding, not caching",
				logger.String("key", key))
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*audio.Buffer), nil
}

func (l *Loader) notes(ctx context.Context, notesURL string) ([]model.NoteEvent, error) {
	key := storage.Normalize(notesURL)
	if n, ok := l.cache.Notes(key); ok {
		return n, nil
	}

	v, err := l.shared(ctx, "notes:"+key, func(ctx context.Context) (interface{}, error) {
		if n, ok := l.cache.Notes(key); ok {
			return n, nil
		}
		gen := l.cache.Generation(key)
		data, err := l.fetcher.Fetch(ctx, notesURL)
		if err != nil {
			return nil, fmt.Errorf("fetch notes: %w", err)
		}
		events, err := notes.ParseMIDI(data)
		if err != nil {
			return nil, err
		}
		l.cache.PutNotesAt(key, events, gen)
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.NoteEvent), nil
}

// Invalidate 使某个源的缓存失效，下次加载重新解码
func (l *Loader) Invalidate(sourceURL string) {
	l.cache.Invalidate(storage.Normalize(sourceURL))
}
