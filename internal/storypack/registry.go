package storypack

import "sync"

// Registry is a read-mostly in-memory cache of normalized packs, keyed
// by (story_id, version), so a hot session doesn't re-parse and
// re-validate its pack on every step (§5 "pack cache is read-mostly").
type Registry struct {
	mu    sync.RWMutex
	packs map[string]*Pack
}

// NewRegistry builds an empty pack cache.
func NewRegistry() *Registry {
	return &Registry{packs: map[string]*Pack{}}
}

func cacheKey(storyID, version string) string {
	return storyID + "@" + version
}

// Get returns the cached pack for (story_id, version), if present.
func (r *Registry) Get(storyID, version string) (*Pack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.packs[cacheKey(storyID, version)]
	return p, ok
}

// Put stores a validated pack under its (story_id, version) key.
func (r *Registry) Put(p *Pack) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.packs[cacheKey(p.StoryID, p.Version)] = p
}

// Invalidate drops a cached pack, e.g. after a new version is published.
func (r *Registry) Invalidate(storyID, version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.packs, cacheKey(storyID, version))
}
