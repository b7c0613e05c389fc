package cache

import (
	"path/filepath"
	"sync"

	"mixdeck/core/audio"
	"mixdeck/model"
)

// FileKey 本地文件的缓存键。加载器和文件监听器都用它定位同一个条目。
func FileKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return "file://" + filepath.ToSlash(path)
}

// BufferCache 进程内的解码结果缓存，按源 URL 记忆已解码的音频和已解析的音符。
// 同一 URL 在一个进程内只解码一次，直到被 Invalidate。
// 每个键有一个代数，Invalidate 和 Clear 使其增加；解码前记下的代数过期后写入会被丢弃。
type BufferCache struct {
	mu      sync.RWMutex
	buffers map[string]*audio.Buffer
	notes   map[string][]model.NoteEvent
	gens    map[string]uint64
	epoch   uint64
}

// NewBufferCache 创建空缓存
func NewBufferCache() *BufferCache {
	return &BufferCache{
		buffers: make(map[string]*audio.Buffer),
		notes:   make(map[string][]model.NoteEvent),
		gens:    make(map[string]uint64),
	}
}

// Generation 返回键的当前代数，在开始读取源之前调用
func (c *BufferCache) Generation(key string) uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.epoch + c.gens[key]
}

// Buffer 读取已解码音频
func (c *BufferCache) Buffer(key string) (*audio.Buffer, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.buffers[key]
	return b, ok
}

// PutBuffer 保存已解码音频
func (c *BufferCache) PutBuffer(key string, b *audio.Buffer) {
	c.mu.Lock()
	c.buffers[key] = b
	c.mu.Unlock()
}

// PutBufferAt 仅当键的代数仍为 gen 时保存，返回是否保存
func (c *BufferCache) PutBufferAt(key string, b *audio.Buffer, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch+c.gens[key] != gen {
		return false
	}
	c.buffers[key] = b
	return true
}

// Notes 读取已解析的音符
func (c *BufferCache) Notes(key string) ([]model.NoteEvent, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.notes[key]
	return n, ok
}

// PutNotes 保存已解析的音符
func (c *BufferCache) PutNotes(key string, notes []model.NoteEvent) {
	c.mu.Lock()
	c.notes[key] = notes
	c.mu.Unlock()
}

// PutNotesAt 仅当键的代数仍为 gen 时保存，返回是否保存
func (c *BufferCache) PutNotesAt(key string, notes []model.NoteEvent, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch+c.gens[key] != gen {
		return false
	}
	c.notes[key] = notes
	return true
}

// Invalidate 删除指定键的音频和音符，返回是否有条目被删除。
// 即使没有条目也会增加代数，正在进行的解码结果不会再写回。
func (c *BufferCache) Invalidate(keys ...string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := false
	for _, k := range keys {
		c.gens[k]++
		if _, ok := c.buffers[k]; ok {
			delete(c.buffers, k)
			removed = true
		}
		if _, ok := c.notes[k]; ok {
			delete(c.notes, k)
			removed = true
		}
	}
	return removed
}

// Len 已缓存的音频数量
func (c *BufferCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.buffers)
}

// Clear 清空缓存
func (c *BufferCache) Clear() {
	c.mu.Lock()
	c.buffers = make(map[string]*audio.Buffer)
	c.notes = make(map[string][]model.NoteEvent)
	c.epoch++
	c.mu.Unlock()
}
