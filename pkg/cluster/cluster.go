// Package cluster keeps the site registry and its liveness view.
package cluster

import (
	"sort"
	"sync"

	"github.com/baxromumarov/sensor-2pc/pkg/protocol"
)

// Site is one entry of the registry
type Site struct {
	ID   protocol.SiteID
	Addr string

	mu    sync.RWMutex
	alive bool
}

// SetAlive updates the site's alive status and reports whether it changed
func (s *Site) SetAlive(alive bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := s.alive != alive
	s.alive = alive
	return changed
}

// GetAlive returns the site's alive status
func (s *Site) GetAlive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.alive
}

// Registry maps site aliases to addresses. Sites start out alive; the
// heartbeat corrects that view.
type Registry struct {
	mu    sync.RWMutex
	local protocol.SiteID
	sites map[protocol.SiteID]*Site
}

// NewRegistry creates a registry for the site named local
func NewRegistry(local protocol.SiteID) *Registry {
	return &Registry{
		local: local,
		sites: make(map[protocol.SiteID]*Site),
	}
}

func (r *Registry) Local() protocol.SiteID {
	return r.local
}

// Add registers or replaces a site
func (r *Registry) Add(id protocol.SiteID, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sites[id] = &Site{ID: id, Addr: addr, alive: true}
}

// Remove removes a site from the registry
func (r *Registry) Remove(id protocol.SiteID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sites, id)
}

// Site returns a site by alias
func (r *Registry) Site(id protocol.SiteID) *Site {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sites[id]
}

// Address resolves a site alias to its network address
func (r *Registry) Address(id protocol.SiteID) (string, bool) {
	s := r.Site(id)
	if s == nil {
		return "", false
	}
	return s.Addr, true
}

// Sites returns all site aliases sorted
func (r *Registry) Sites() []protocol.SiteID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]protocol.SiteID, 0, len(r.sites))
	for id := range r.sites {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// Remote returns every registered site except the local one
func (r *Registry) Remote() []*Site {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sites := make([]*Site, 0, len(r.sites))
	for id, s := range r.sites {
		if id != r.local {
			sites = append(sites, s)
		}
	}
	return sites
}

// SetAlive records the liveness of a site; unknown sites are ignored
func (r *Registry) SetAlive(id protocol.SiteID, alive bool) bool {
	s := r.Site(id)
	if s == nil {
		return false
	}
	return s.SetAlive(alive)
}

// Alive reports whether a site is believed to be up. The local site is
// always alive and unknown sites never are.
func (r *Registry) Alive(id protocol.SiteID) bool {
	if id == r.local {
		return true
	}
	s := r.Site(id)
	return s != nil && s.GetAlive()
}

// AliveSites returns the aliases of all sites believed to be up, sorted
func (r *Registry) AliveSites() []protocol.SiteID {
	var alive []protocol.SiteID
	for _, id := range r.Sites() {
		if r.Alive(id) {
			alive = append(alive, id)
		}
	}
	return alive
}

// Size returns the number of registered sites
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sites)
}
