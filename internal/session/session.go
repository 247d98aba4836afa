// Package session implements the per-tab session store: URL/time queues for
// referer and duration computation, plus captured visits pending upload.
//
// Each tab is stored under its own key (session:<id>) so concurrent handlers
// for different tabs never race on a shared collection.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/webtrail/agent/internal/kv"
)

// RefererStart is the sentinel referer for the first visit in a tab.
const RefererStart = "START"

const keyPrefix = "session:"

// ErrNoSession is returned when a tab has no stored session.
var ErrNoSession = errors.New("session: no session for tab")

// PageVisitRecord is one fully captured page visit pending upload.
type PageVisitRecord struct {
	URL                 string `json:"url"`
	Title               string `json:"title"`
	EntryTime           int64  `json:"entry_time"`
	DurationMs          int64  `json:"duration_ms"`
	RefererURL          string `json:"referer_url"`
	PageContentMarkdown string `json:"page_content_markdown"`
}

// TabSession accumulates browsing state for a single tab. URLQueue and
// TimeQueue are parallel-indexed and grow monotonically between tab removal
// and reconciliation; TabHistory is cleared by flush.
type TabSession struct {
	TabSessionID int64             `json:"tab_session_id"`
	URLQueue     []string          `json:"url_queue"`
	TimeQueue    []int64           `json:"time_queue"`
	TabHistory   []PageVisitRecord `json:"tab_history"`
}

// SessionHistory is the drained upload backlog of one tab.
type SessionHistory struct {
	TabSessionID int64
	Records      []PageVisitRecord
}

// Store persists TabSessions in a key-value store. A single mutex serializes
// read-modify-write cycles; with per-tab keys this only matters for
// concurrent events on the same tab.
type Store struct {
	kv kv.Store
	mu sync.Mutex
}

func NewStore(store kv.Store) *Store {
	return &Store{kv: store}
}

func sessionKey(id int64) string {
	return fmt.Sprintf("%s%d", keyPrefix, id)
}

// Ensure creates an empty session for the tab if none exists. Idempotent:
// an existing session's queues are never overwritten.
func (s *Store) Ensure(id int64) (*TabSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensureLocked(id)
}

func (s *Store) ensureLocked(id int64) (*TabSession, error) {
	sess, err := s.loadLocked(id)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNoSession) {
		return nil, err
	}
	sess = &TabSession{TabSessionID: id}
	if err := s.saveLocked(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns the session for a tab, or ErrNoSession.
func (s *Store) Get(id int64) (*TabSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(id)
}

// AppendNavigation records a completed navigation: the referer and duration
// are computed against the queue state before the new entry is appended.
// The referer is RefererStart for the first visit, otherwise the previous
// URL; the duration is the gap to the previous entry time, 0 for the first.
func (s *Store) AppendNavigation(id int64, url string, entryTime int64) (referer string, durationMs int64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.ensureLocked(id)
	if err != nil {
		return "", 0, err
	}

	referer = RefererStart
	if n := len(sess.URLQueue); n > 0 {
		referer = sess.URLQueue[n-1]
	}
	if n := len(sess.TimeQueue); n > 0 {
		durationMs = entryTime - sess.TimeQueue[n-1]
	}

	sess.URLQueue = append(sess.URLQueue, url)
	sess.TimeQueue = append(sess.TimeQueue, entryTime)
	if err := s.saveLocked(sess); err != nil {
		return "", 0, err
	}
	return referer, durationMs, nil
}

// AppendHistory queues a captured visit for the next flush.
func (s *Store) AppendHistory(id int64, rec PageVisitRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, err := s.ensureLocked(id)
	if err != nil {
		return err
	}
	sess.TabHistory = append(sess.TabHistory, rec)
	return s.saveLocked(sess)
}

// VisitFromQueues builds a visit record for the tab's current page from the
// queue tails. Used by the manual capture path, where the navigation was
// already recorded by AppendNavigation.
func VisitFromQueues(sess *TabSession) (url string, entryTime int64, referer string, durationMs int64, ok bool) {
	n := len(sess.URLQueue)
	if n == 0 || len(sess.TimeQueue) != n {
		return "", 0, "", 0, false
	}
	url = sess.URLQueue[n-1]
	entryTime = sess.TimeQueue[n-1]
	referer = RefererStart
	if n > 1 {
		referer = sess.URLQueue[n-2]
		durationMs = sess.TimeQueue[n-1] - sess.TimeQueue[n-2]
	}
	return url, entryTime, referer, durationMs, true
}

// Remove deletes the tab's session. Removing an absent session is a no-op;
// other tabs are untouched.
func (s *Store) Remove(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Delete(sessionKey(id))
}

// All returns every stored session ordered by tab id.
func (s *Store) All() ([]*TabSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.kv.Keys(keyPrefix)
	if err != nil {
		return nil, err
	}
	sessions := make([]*TabSession, 0, len(keys))
	for _, key := range keys {
		raw, err := s.kv.Get(key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var sess TabSession
		if err := json.Unmarshal(raw, &sess); err != nil {
			return nil, fmt.Errorf("session: decode %s: %w", key, err)
		}
		sessions = append(sessions, &sess)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].TabSessionID < sessions[j].TabSessionID
	})
	return sessions, nil
}

// DrainHistories clears every session's pending history and returns what was
// cleared, ordered by tab id. The clear is persisted before the caller gets
// the records; an upload failure after this point loses them.
func (s *Store) DrainHistories() ([]SessionHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.kv.Keys(keyPrefix)
	if err != nil {
		return nil, err
	}
	var drained []SessionHistory
	for _, key := range keys {
		raw, err := s.kv.Get(key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var sess TabSession
		if err := json.Unmarshal(raw, &sess); err != nil {
			return nil, fmt.Errorf("session: decode %s: %w", key, err)
		}
		if len(sess.TabHistory) == 0 {
			continue
		}
		records := sess.TabHistory
		sess.TabHistory = nil
		if err := s.saveLocked(&sess); err != nil {
			return nil, err
		}
		drained = append(drained, SessionHistory{TabSessionID: sess.TabSessionID, Records: records})
	}
	sort.Slice(drained, func(i, j int) bool {
		return drained[i].TabSessionID < drained[j].TabSessionID
	})
	return drained, nil
}

// Reconcile drops sessions whose tab id is not in the open set and returns
// the removed ids.
func (s *Store) Reconcile(open map[int64]bool) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys, err := s.kv.Keys(keyPrefix)
	if err != nil {
		return nil, err
	}
	var removed []int64
	for _, key := range keys {
		var id int64
		if _, err := fmt.Sscanf(key, keyPrefix+"%d", &id); err != nil {
			continue
		}
		if open[id] {
			continue
		}
		if err := s.kv.Delete(key); err != nil {
			return removed, err
		}
		removed = append(removed, id)
	}
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })
	return removed, nil
}

func (s *Store) loadLocked(id int64) (*TabSession, error) {
	raw, err := s.kv.Get(sessionKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrNoSession, id)
	}
	if err != nil {
		return nil, err
	}
	var sess TabSession
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("session: decode tab %d: %w", id, err)
	}
	return &sess, nil
}

func (s *Store) saveLocked(sess *TabSession) error {
	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("session: encode tab %d: %w", sess.TabSessionID, err)
	}
	return s.kv.Set(sessionKey(sess.TabSessionID), raw)
}
