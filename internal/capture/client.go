// Package capture tracks browser tab lifecycle over CDP and extracts page
// snapshots. Tab events (created, navigated, removed) are forwarded to a
// Sink; capture failures on the automatic path are logged and swallowed so
// a broken page never disturbs browsing.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
)

// Sink receives tab lifecycle notifications. Implementations must be safe
// for concurrent calls; CDP events for different tabs arrive on different
// goroutines.
type Sink interface {
	TabCreated(ctx context.Context, tab *TabInfo)
	TabNavigated(ctx context.Context, tab *TabInfo, snap PageSnapshot)
	TabRemoved(ctx context.Context, tabID int64)
}

// Client attaches to a running Chromium over CDP and keeps the registry and
// sink consistent with actual tab lifecycle.
type Client struct {
	cdpURL      string
	urlFilter   string
	evalTimeout time.Duration
	registry    *Registry
	sink        Sink

	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc

	tabs   map[target.ID]*tabContext
	tabsMu sync.RWMutex

	raw *rawClient
}

type tabContext struct {
	id     target.ID
	ctx    context.Context
	cancel context.CancelFunc
}

func NewClient(cdpURL, urlFilter string, evalTimeout time.Duration, registry *Registry, sink Sink) *Client {
	return &Client{
		cdpURL:      cdpURL,
		urlFilter:   urlFilter,
		evalTimeout: evalTimeout,
		registry:    registry,
		sink:        sink,
		tabs:        make(map[target.ID]*tabContext),
		raw:         newRawClient(cdpURL),
	}
}

// Connect dials the browser, enables target discovery and tracks every
// existing page tab, attaching to those that match the URL filter. New tabs
// are tracked as they appear.
func (c *Client) Connect(ctx context.Context) error {
	slog.Info("connecting to browser", "cdp_url", c.cdpURL)

	c.allocCtx, c.allocCancel = chromedp.NewRemoteAllocator(context.Background(), c.cdpURL)
	c.browserCtx, c.browserCancel = chromedp.NewContext(c.allocCtx)

	if err := chromedp.Run(c.browserCtx); err != nil {
		return fmt.Errorf("capture: connect browser: %w", err)
	}

	chromedp.ListenBrowser(c.browserCtx, c.onBrowserEvent)
	if err := chromedp.Run(c.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.SetDiscoverTargets(true).Do(ctx)
	})); err != nil {
		return fmt.Errorf("capture: enable target discovery: %w", err)
	}

	targets, err := chromedp.Targets(c.browserCtx)
	if err != nil {
		return fmt.Errorf("capture: enumerate targets: %w", err)
	}
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		c.track(t.TargetID, t.URL, t.Title)
	}

	slog.Info("attached to browser", "tabs", c.registry.Count(), "attached", c.attachedCount(), "url_filter", c.urlFilter)
	return nil
}

func (c *Client) Close() error {
	c.tabsMu.Lock()
	for _, tab := range c.tabs {
		tab.cancel()
	}
	c.tabs = make(map[target.ID]*tabContext)
	c.tabsMu.Unlock()

	c.raw.close()
	if c.browserCancel != nil {
		c.browserCancel()
	}
	if c.allocCancel != nil {
		c.allocCancel()
	}
	slog.Info("capture client closed")
	return nil
}

// Snapshot evaluates the extractor in the tab's page context. The injection
// itself can fail (page gone, eval timeout); that error is returned to the
// caller.
func (c *Client) Snapshot(ctx context.Context, tabID int64) (PageSnapshot, error) {
	info, ok := c.registry.Get(tabID)
	if !ok {
		return PageSnapshot{}, fmt.Errorf("capture: unknown tab %d", tabID)
	}

	c.tabsMu.RLock()
	tab, attached := c.tabs[target.ID(info.TargetID)]
	c.tabsMu.RUnlock()

	if !attached {
		// Filtered or attach-failed tab; go through the raw client.
		return c.raw.snapshotTarget(ctx, info.TargetID, c.evalTimeout)
	}

	evalCtx, cancel := context.WithTimeout(tab.ctx, c.evalTimeout)
	defer cancel()

	var snap PageSnapshot
	if err := chromedp.Run(evalCtx, chromedp.Evaluate(snapshotJS, &snap)); err != nil {
		return PageSnapshot{}, fmt.Errorf("capture: snapshot tab %d: %w", tabID, err)
	}
	return snap, nil
}

// OpenTabIDs returns the ids of page tabs currently open in the browser,
// used by the reconciliation pass after a successful flush.
func (c *Client) OpenTabIDs(ctx context.Context) (map[int64]bool, error) {
	targets, err := chromedp.Targets(c.browserCtx)
	if err != nil {
		return nil, fmt.Errorf("capture: enumerate targets: %w", err)
	}
	open := make(map[int64]bool)
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if info, ok := c.registry.GetByTarget(t.TargetID); ok {
			open[info.TabID] = true
		}
	}
	return open, nil
}

func (c *Client) TabCount() int {
	return c.registry.Count()
}

func (c *Client) onBrowserEvent(ev interface{}) {
	switch e := ev.(type) {
	case *target.EventTargetCreated:
		if e.TargetInfo.Type != "page" {
			return
		}
		if _, known := c.registry.GetByTarget(e.TargetInfo.TargetID); known {
			return
		}
		c.track(e.TargetInfo.TargetID, e.TargetInfo.URL, e.TargetInfo.Title)
	case *target.EventTargetInfoChanged:
		if _, known := c.registry.GetByTarget(e.TargetInfo.TargetID); known {
			c.registry.Register(e.TargetInfo.TargetID, e.TargetInfo.URL, e.TargetInfo.Title)
		}
	case *target.EventTargetDestroyed:
		c.detach(e.TargetID)
	}
}

// track registers the tab and notifies the sink. The URL filter governs
// attachment only: non-matching tabs stay registered so manual capture can
// still reach them through the raw client. An attach failure likewise leaves
// the tab registered for the raw path.
func (c *Client) track(targetID target.ID, url, title string) {
	info := c.registry.Register(targetID, url, title)
	c.sink.TabCreated(context.Background(), info)

	if !c.matchesFilter(url) {
		slog.Info("tab tracked without attaching", "tab_id", info.TabID, "browser_id", info.BrowserID, "url", truncateURL(url))
		return
	}
	if err := c.attach(targetID); err != nil {
		slog.Error("tab attach failed, manual capture only", "tab_id", info.TabID, "url", truncateURL(url), "error", err)
	}
}

// attach opens a dedicated CDP context for the tab and starts listening for
// navigation events.
func (c *Client) attach(targetID target.ID) error {
	tabCtx, tabCancel := chromedp.NewContext(c.allocCtx, chromedp.WithTargetID(targetID))
	if err := chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return page.Enable().Do(ctx)
	})); err != nil {
		tabCancel()
		return fmt.Errorf("capture: enable page domain: %w", err)
	}

	c.tabsMu.Lock()
	c.tabs[targetID] = &tabContext{id: targetID, ctx: tabCtx, cancel: tabCancel}
	c.tabsMu.Unlock()

	chromedp.ListenTarget(tabCtx, c.tabEventHandler(targetID))

	if info, ok := c.registry.GetByTarget(targetID); ok {
		slog.Info("tab attached", "tab_id", info.TabID, "browser_id", info.BrowserID, "url", truncateURL(info.URL))
	}
	return nil
}

func (c *Client) attachedCount() int {
	c.tabsMu.RLock()
	defer c.tabsMu.RUnlock()
	return len(c.tabs)
}

func (c *Client) detach(targetID target.ID) {
	c.tabsMu.Lock()
	tab, ok := c.tabs[targetID]
	if ok {
		delete(c.tabs, targetID)
	}
	c.tabsMu.Unlock()
	if ok {
		tab.cancel()
	}

	tabID, known := c.registry.Remove(targetID)
	if !known {
		return
	}
	c.sink.TabRemoved(context.Background(), tabID)
	slog.Info("tab removed", "tab_id", tabID)
}

func (c *Client) tabEventHandler(targetID target.ID) func(ev interface{}) {
	return func(ev interface{}) {
		switch e := ev.(type) {
		case *page.EventFrameNavigated:
			if e.Frame.ParentID == "" {
				c.registry.Register(targetID, e.Frame.URL, "")
			}
		case *page.EventLoadEventFired:
			// Navigation fully resolved: the equivalent of a tab-updated
			// event with status "complete".
			go c.captureNavigation(targetID)
		case *page.EventNavigatedWithinDocument:
			// SPA route change; no load event will fire.
			c.registry.Register(targetID, e.URL, "")
			go c.captureNavigation(targetID)
		}
	}
}

// captureNavigation snapshots the page and notifies the sink. Best-effort
// telemetry: every failure is logged and swallowed, never surfaced to the
// tab.
func (c *Client) captureNavigation(targetID target.ID) {
	info, ok := c.registry.GetByTarget(targetID)
	if !ok || info.URL == "" {
		return
	}

	c.tabsMu.RLock()
	tab, attached := c.tabs[targetID]
	c.tabsMu.RUnlock()
	if !attached {
		return
	}

	evalCtx, cancel := context.WithTimeout(tab.ctx, c.evalTimeout)
	defer cancel()

	var snap PageSnapshot
	if err := chromedp.Run(evalCtx, chromedp.Evaluate(snapshotJS, &snap)); err != nil {
		slog.Warn("page snapshot failed", "tab_id", info.TabID, "url", truncateURL(info.URL), "error", err)
		return
	}
	if snap.URL == "" {
		snap.URL = info.URL
	}

	c.sink.TabNavigated(tab.ctx, info, snap)
}

func (c *Client) matchesFilter(url string) bool {
	if c.urlFilter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(url), strings.ToLower(c.urlFilter))
}

func truncateURL(url string) string {
	if len(url) > 120 {
		return url[:120] + "..."
	}
	return url
}
