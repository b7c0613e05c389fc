package cache

import (
	"fmt"
	"sync"
	"time"

	"mixdeck/logger"

	"github.com/fsnotify/fsnotify"
)

// settleDelay 文件在这段时间内没有新事件才视为写入完成
const settleDelay = 100 * time.Millisecond

// Watcher 监听本地媒体目录，文件变化后使 BufferCache 中对应条目失效
type Watcher struct {
	watcher  *fsnotify.Watcher
	cache    *BufferCache
	onChange func(key string)

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewWatcher 创建监听器并开始监听 dirs
func NewWatcher(c *BufferCache, onChange func(key string), dirs ...string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("创建文件监听器失败: %w", err)
	}
	for _, dir := range dirs {
		if err := fw.Add(dir); err != nil {
			fw.Close()
			return nil, fmt.Errorf("监听目录失败 %s: %w", dir, err)
		}
	}

	w := &Watcher{
		watcher:  fw,
		cache:    c,
		onChange: onChange,
		stopChan: make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()

	logger.Info("media watcher started", logger.Strings("dirs", dirs))
	return w, nil
}

func (w *Watcher) loop() {
	defer w.wg.Done()

	pending := make(map[string]time.Time)
	checkTicker := time.NewTicker(settleDelay / 2)
	defer checkTicker.Stop()

	for {
		select {
		case <-w.stopChan:
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				pending[event.Name] = time.Now()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("media watcher error", logger.ErrorField(err))

		case <-checkTicker.C:
			now := time.Now()
			for path, last := range pending {
				if now.Sub(last) < settleDelay {
					continue
				}
				delete(pending, path)

				key := FileKey(path)
				if w.cache.Invalidate(key) {
					logger.Info("media changed, cache invalidated", logger.String("key", key))
				}
				if w.onChange != nil {
					w.onChange(key)
				}
			}
		}
	}
}

// Close 停止监听，可重复调用
func (w *Watcher) Close() error {
	var err error
	w.stopOnce.Do(func() {
		close(w.stopChan)
		err = w.watcher.Close()
	})
	w.wg.Wait()
	return err
}
