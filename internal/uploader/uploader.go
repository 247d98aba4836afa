// Package uploader builds backend document payloads from captured visits
// and ships them to the ingestion endpoint in a single batch request.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/webtrail/agent/internal/session"
)

// DocumentType identifies extension-captured documents to the backend.
const DocumentType = "EXTENSION"

const defaultTitle = "No Title"

// isoMillis keeps millisecond precision with a fixed width so payload
// building stays byte-deterministic.
const isoMillis = "2006-01-02T15:04:05.000Z07:00"

// DocumentMetadata mirrors the backend ingestion contract. All values are
// strings on the wire. The referer key is misspelled on the backend side;
// the tag must match it.
type DocumentMetadata struct {
	BrowsingSessionID                         string `json:"BrowsingSessionId"`
	VisitedWebPageURL                         string `json:"VisitedWebPageURL"`
	VisitedWebPageTitle                       string `json:"VisitedWebPageTitle"`
	VisitedWebPageDateWithTimeInISOString     string `json:"VisitedWebPageDateWithTimeInISOString"`
	VisitedWebPageRefererURL                  string `json:"VisitedWebPageReffererURL"`
	VisitedWebPageVisitDurationInMilliseconds string `json:"VisitedWebPageVisitDurationInMilliseconds"`
}

// DocumentPayload is one indexed page visit as the backend expects it.
type DocumentPayload struct {
	Metadata    DocumentMetadata `json:"metadata"`
	PageContent string           `json:"pageContent"`
}

type ingestRequest struct {
	DocumentType  string            `json:"document_type"`
	Content       []DocumentPayload `json:"content"`
	SearchSpaceID int64             `json:"search_space_id"`
}

// BuildPayload converts a captured visit into a document payload. Empty
// titles become "No Title"; the duration is coerced to a string, "0" when
// absent.
func BuildPayload(tabSessionID int64, rec session.PageVisitRecord) DocumentPayload {
	title := rec.Title
	if title == "" {
		title = defaultTitle
	}
	return DocumentPayload{
		Metadata: DocumentMetadata{
			BrowsingSessionID:                         strconv.FormatInt(tabSessionID, 10),
			VisitedWebPageURL:                         rec.URL,
			VisitedWebPageTitle:                       title,
			VisitedWebPageDateWithTimeInISOString:     time.UnixMilli(rec.EntryTime).UTC().Format(isoMillis),
			VisitedWebPageRefererURL:                  rec.RefererURL,
			VisitedWebPageVisitDurationInMilliseconds: strconv.FormatInt(rec.DurationMs, 10),
		},
		PageContent: rec.PageContentMarkdown,
	}
}

// BuildBatch flattens drained session histories into payloads, preserving
// tab order and per-tab visit order.
func BuildBatch(histories []session.SessionHistory) []DocumentPayload {
	var docs []DocumentPayload
	for _, h := range histories {
		for _, rec := range h.Records {
			docs = append(docs, BuildPayload(h.TabSessionID, rec))
		}
	}
	return docs
}

// StatusError reports a non-2xx backend response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("uploader: backend returned %d: %s", e.StatusCode, e.Body)
}

// Client posts document batches to the backend ingestion endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Upload sends one aggregated batch. Success means the backend answered 2xx
// with a parseable JSON body.
func (c *Client) Upload(ctx context.Context, token string, searchSpaceID int64, docs []DocumentPayload) error {
	body, err := json.Marshal(ingestRequest{
		DocumentType:  DocumentType,
		Content:       docs,
		SearchSpaceID: searchSpaceID,
	})
	if err != nil {
		return fmt.Errorf("uploader: marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/documents/", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("uploader: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploader: post batch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return fmt.Errorf("uploader: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var parsed any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return fmt.Errorf("uploader: backend response is not JSON: %w", err)
	}
	// A null or false body is a rejection even on a 2xx status.
	if parsed == nil || parsed == false {
		return fmt.Errorf("uploader: backend rejected batch: %s", respBody)
	}
	return nil
}
