package capture

import (
	"sync"
	"sync/atomic"

	"github.com/chromedp/cdproto/target"
)

// TabInfo holds metadata about a tracked browser tab. TabID is the agent's
// stable numeric session id for the tab; CDP target ids are opaque strings.
type TabInfo struct {
	TabID     int64
	TargetID  string
	URL       string
	Title     string
	BrowserID string // short id derived from the target id, for logs
}

// Registry maps CDP targets to numeric tab session ids. Re-registering a
// known target updates its URL/title but keeps the id, so registration is
// idempotent across navigations.
type Registry struct {
	mu       sync.RWMutex
	byTarget map[target.ID]*TabInfo
	byID     map[int64]*TabInfo
	nextID   atomic.Int64
}

func NewRegistry() *Registry {
	return &Registry{
		byTarget: make(map[target.ID]*TabInfo),
		byID:     make(map[int64]*TabInfo),
	}
}

// Register returns the tab's info, assigning a fresh id for unknown targets.
func (r *Registry) Register(targetID target.ID, url, title string) *TabInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	if info, ok := r.byTarget[targetID]; ok {
		if url != "" {
			info.URL = url
		}
		if title != "" {
			info.Title = title
		}
		return info
	}

	info := &TabInfo{
		TabID:     r.nextID.Add(1),
		TargetID:  string(targetID),
		URL:       url,
		Title:     title,
		BrowserID: shortTargetID(string(targetID)),
	}
	r.byTarget[targetID] = info
	r.byID[info.TabID] = info
	return info
}

func (r *Registry) GetByTarget(targetID target.ID) (*TabInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byTarget[targetID]
	return info, ok
}

func (r *Registry) Get(tabID int64) (*TabInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.byID[tabID]
	return info, ok
}

// Remove forgets a target and returns the tab id it held.
func (r *Registry) Remove(targetID target.ID) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.byTarget[targetID]
	if !ok {
		return 0, false
	}
	delete(r.byTarget, targetID)
	delete(r.byID, info.TabID)
	return info.TabID, true
}

// OpenIDs returns the set of currently registered tab ids.
func (r *Registry) OpenIDs() map[int64]bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	open := make(map[int64]bool, len(r.byID))
	for id := range r.byID {
		open[id] = true
	}
	return open
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byTarget)
}

func shortTargetID(targetID string) string {
	if len(targetID) >= 8 {
		return targetID[:8]
	}
	return targetID
}
