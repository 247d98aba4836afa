package capture

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
)

type recordingSink struct {
	mu      sync.Mutex
	created []int64
	removed []int64
}

func (s *recordingSink) TabCreated(ctx context.Context, tab *TabInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, tab.TabID)
}

func (s *recordingSink) TabNavigated(ctx context.Context, tab *TabInfo, snap PageSnapshot) {}

func (s *recordingSink) TabRemoved(ctx context.Context, tabID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, tabID)
}

func newFilteredClient(t *testing.T) (*Client, *Registry, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	registry := NewRegistry()
	c := NewClient("http://127.0.0.1:1", "example.com", time.Second, registry, sink)
	return c, registry, sink
}

func TestTrackRegistersFilteredTabWithoutAttaching(t *testing.T) {
	c, registry, sink := newFilteredClient(t)

	c.track(target.ID("FILTERED0TARGET01"), "https://other.site/page", "Other")

	info, ok := registry.GetByTarget(target.ID("FILTERED0TARGET01"))
	if !ok {
		t.Fatal("filtered tab was not registered")
	}
	if c.attachedCount() != 0 {
		t.Fatal("filtered tab was attached despite the URL filter")
	}
	if len(sink.created) != 1 || sink.created[0] != info.TabID {
		t.Fatalf("sink created = %v, want [%d]", sink.created, info.TabID)
	}
}

func TestSnapshotOfUnattachedTabUsesRawClient(t *testing.T) {
	c, registry, _ := newFilteredClient(t)

	c.track(target.ID("FILTERED0TARGET02"), "https://other.site/page", "Other")
	info, ok := registry.GetByTarget(target.ID("FILTERED0TARGET02"))
	if !ok {
		t.Fatal("filtered tab was not registered")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Snapshot(ctx, info.TabID)
	if err == nil {
		t.Fatal("Snapshot() error = nil with no browser running, want raw client error")
	}
	if strings.Contains(err.Error(), "unknown tab") {
		t.Fatalf("Snapshot() treated a registered tab as unknown: %v", err)
	}
	// The failure must come from the raw CDP path, not the chromedp one.
	if !strings.Contains(err.Error(), "rawcdp") {
		t.Fatalf("Snapshot() error = %v, want raw client path", err)
	}
}

func TestDetachOfUnattachedTabNotifiesSink(t *testing.T) {
	c, registry, sink := newFilteredClient(t)

	c.track(target.ID("FILTERED0TARGET03"), "https://other.site/page", "Other")
	info, _ := registry.GetByTarget(target.ID("FILTERED0TARGET03"))

	c.detach(target.ID("FILTERED0TARGET03"))

	if _, ok := registry.GetByTarget(target.ID("FILTERED0TARGET03")); ok {
		t.Fatal("tab still registered after detach")
	}
	if len(sink.removed) != 1 || sink.removed[0] != info.TabID {
		t.Fatalf("sink removed = %v, want [%d]", sink.removed, info.TabID)
	}
}

func TestMatchesFilter(t *testing.T) {
	tests := []struct {
		filter string
		url    string
		want   bool
	}{
		{"", "https://anything.example", true},
		{"example.com", "https://example.com/page", true},
		{"example.com", "https://EXAMPLE.COM/page", true},
		{"example.com", "https://other.site/page", false},
	}
	for _, tt := range tests {
		c := NewClient("http://127.0.0.1:1", tt.filter, time.Second, NewRegistry(), &recordingSink{})
		if got := c.matchesFilter(tt.url); got != tt.want {
			t.Errorf("matchesFilter(%q) with filter %q = %v, want %v", tt.url, tt.filter, got, tt.want)
		}
	}
}

func TestRawCallWithoutConnectionLeavesNoPending(t *testing.T) {
	r := newRawClient("http://127.0.0.1:1")

	_, err := r.call(context.Background(), "", "Target.getTargets", nil)
	if err == nil {
		t.Fatal("call() error = nil without a connection, want error")
	}

	r.pendingMu.Lock()
	n := len(r.pending)
	r.pendingMu.Unlock()
	if n != 0 {
		t.Fatalf("pending entries = %d after failed call, want 0", n)
	}
}
