package cmd

import (
	"fmt"

	"mixdeck/cache"
	"mixdeck/config"
	"mixdeck/core/loader"
	"mixdeck/core/media"
	"mixdeck/core/playback"
	"mixdeck/logger"
	"mixdeck/storage"

	"github.com/faiface/beep"
)

// engine 一次运行所需的全部组件
type engine struct {
	cfg     *config.Config
	buffers *cache.BufferCache
	loader  *loader.Loader
	coord   *playback.Coordinator
	output  media.Output
	watcher *cache.Watcher
}

// newFetcher 组装 http(s)/file/s3 路由，启用 Redis 时包一层字节缓存
func newFetcher(cfg *config.Config) storage.Fetcher {
	router := storage.NewRouter(nil)

	if cfg.MinioEndpoint != "" {
		mc, err := storage.InitMinio(cfg)
		if err != nil {
			logger.Warn("s3 sources disabled", logger.ErrorField(err))
		} else {
			router.Register("s3", mc)
		}
	}

	var fetcher storage.Fetcher = router
	if cfg.RedisEnabled {
		client, err := cache.ConnectRedis(cfg)
		if err != nil {
			logger.Warn("media cache disabled", logger.ErrorField(err))
		} else {
			fetcher = storage.NewCachedFetcher(router, cache.NewMediaCache(client, cfg.MediaCacheTTL))
		}
	}
	return fetcher
}

// newOutput 打开声卡，失败或配置为无声模式时使用 HeadlessOutput
func newOutput(cfg *config.Config) media.Output {
	rate := beep.SampleRate(cfg.SampleRate)
	if !cfg.HeadlessOutput {
		out, err := media.NewSpeakerOutput(rate, cfg.SpeakerBufferSize)
		if err == nil {
			return out
		}
		logger.Warn("speaker unavailable, falling back to headless output", logger.ErrorField(err))
	}
	return media.NewHeadlessOutput(rate, cfg.TickInterval)
}

func newEngine(cfg *config.Config) (*engine, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("invalid SAMPLE_RATE %d", cfg.SampleRate)
	}

	e := &engine{cfg: cfg, buffers: cache.NewBufferCache()}
	e.loader = loader.New(newFetcher(cfg), e.buffers, loader.Options{
		Concurrency:    cfg.LoadConcurrency,
		Timeout:        cfg.LoadTimeout,
		SampleRate:     beep.SampleRate(cfg.SampleRate),
		DurationPolicy: loader.ParseDurationPolicy(cfg.DurationPolicy),
	})
	e.output = newOutput(cfg)
	e.coord = playback.New(playback.Options{
		Loader:         e.loader,
		Elements:       media.NewFactory(e.output),
		TickInterval:   cfg.TickInterval,
		DriftTolerance: cfg.DriftTolerance,
		Strict:         cfg.StrictMode,
	})

	if cfg.WatchDir != "" {
		w, err := cache.NewWatcher(e.buffers, func(key string) {
			logger.Info("local media changed, reload to pick it up", logger.String("key", key))
		}, cfg.WatchDir)
		if err != nil {
			logger.Warn("media watcher disabled", logger.ErrorField(err))
		} else {
			e.watcher = w
		}
	}

	logger.Info("engine ready",
		logger.String("session", e.coord.SessionID()),
		logger.Int("sampleRate", cfg.SampleRate),
		logger.String("durationPolicy", cfg.DurationPolicy),
		logger.Bool("strict", cfg.StrictMode))
	return e, nil
}

// Close 释放协调器、输出设备与外部连接
func (e *engine) Close() {
	e.coord.Destroy()
	if e.watcher != nil {
		e.watcher.Close()
	}
	if err := e.output.Close(); err != nil {
		logger.Warn("close output failed", logger.ErrorField(err))
	}
	if err := cache.CloseRedis(); err != nil {
		logger.Warn("close redis failed", logger.ErrorField(err))
	}
}
