package capture

// PageSnapshot is the record produced inside the page's execution context:
// the rendered DOM after client-side rendering, plus title, URL and the
// capture timestamp in epoch milliseconds. The extractor only reads DOM
// state; it never mutates the page.
type PageSnapshot struct {
	RenderedHTML string `json:"rendered_html"`
	Title        string `json:"title"`
	URL          string `json:"url"`
	EntryTime    int64  `json:"entry_time"`
}

// snapshotJS runs in the page and returns a PageSnapshot-shaped object by
// value. It must not throw on any reachable page, so every read is guarded.
const snapshotJS = `(function () {
  return {
    rendered_html: document.documentElement ? document.documentElement.outerHTML : "",
    title: document.title || "",
    url: window.location ? window.location.href : "",
    entry_time: Date.now()
  };
})()`
