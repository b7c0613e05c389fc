package notes

import (
	"sync"

	"mixdeck/model"
)

// Provider 按音轨保存音符索引，只供展示层读取，不参与计时
type Provider struct {
	mu      sync.RWMutex
	indexes map[string]*Index
	order   []string
}

// NewProvider 创建空的 Provider
func NewProvider() *Provider {
	return &Provider{indexes: make(map[string]*Index)}
}

// Set 注册或替换音轨的音符
func (p *Provider) Set(trackID string, ix *Index) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.indexes[trackID]; !ok {
		p.order = append(p.order, trackID)
	}
	p.indexes[trackID] = ix
}

// Clear 删除所有音轨
func (p *Provider) Clear() {
	p.mu.Lock()
	p.indexes = make(map[string]*Index)
	p.order = nil
	p.mu.Unlock()
}

// Has 音轨是否带有音符数据
func (p *Provider) Has(trackID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.indexes[trackID]
	return ok
}

// TrackNotes 返回音轨的全部音符，没有时返回 nil
func (p *Provider) TrackNotes(trackID string) []model.NoteEvent {
	p.mu.RLock()
	ix := p.indexes[trackID]
	p.mu.RUnlock()
	if ix == nil {
		return nil
	}
	return ix.Notes()
}

// ActiveNotes 返回音轨在 t 时刻发声的音符
func (p *Provider) ActiveNotes(trackID string, t float64) []model.NoteEvent {
	p.mu.RLock()
	ix := p.indexes[trackID]
	p.mu.RUnlock()
	if ix == nil {
		return nil
	}
	return ix.Active(t)
}

// WindowNotes 返回音轨在 [from, to) 内可见的音符
func (p *Provider) WindowNotes(trackID string, from, to float64) []model.NoteEvent {
	p.mu.RLock()
	ix := p.indexes[trackID]
	p.mu.RUnlock()
	if ix == nil {
		return nil
	}
	return ix.Window(from, to)
}

// Stats 返回音轨的音高统计
func (p *Provider) Stats(trackID string) model.NoteStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ix := p.indexes[trackID]; ix != nil {
		return ix.Stats()
	}
	return model.NoteStats{}
}

// PitchBounds 所有音轨合并后的音高范围
func (p *Provider) PitchBounds() model.NoteStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out model.NoteStats
	for _, id := range p.order {
		out = out.Merge(p.indexes[id].Stats())
	}
	return out
}

// EarliestStart 所有音轨中最早的音符开始时间
func (p *Provider) EarliestStart() (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var (
		best  float64
		found bool
	)
	for _, id := range p.order {
		if t, ok := p.indexes[id].Earliest(); ok && (!found || t < best) {
			best, found = t, true
		}
	}
	return best, found
}
