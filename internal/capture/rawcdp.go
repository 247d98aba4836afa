package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// rawClient is a minimal CDP client speaking directly over the browser
// WebSocket endpoint. The manual capture path uses it so a snapshot can be
// taken on any page target without chromedp's session initialisation
// (SetAutoAttach, DOM.Enable and friends), which the automatic path only
// performs on tabs matching the URL filter.
type rawClient struct {
	httpBase string

	mu   sync.Mutex
	conn net.Conn
	seq  atomic.Int64

	pending   map[int64]chan rawResult
	pendingMu sync.Mutex
}

type rawResult struct {
	result json.RawMessage
	err    error
}

func newRawClient(httpBase string) *rawClient {
	return &rawClient{
		httpBase: strings.TrimRight(httpBase, "/"),
		pending:  make(map[int64]chan rawResult),
	}
}

func (r *rawClient) connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}

	wsURL, err := r.browserWSURL(ctx)
	if err != nil {
		return fmt.Errorf("rawcdp: browser ws url: %w", err)
	}

	conn, _, _, err := ws.Dial(ctx, wsURL)
	if err != nil {
		return fmt.Errorf("rawcdp: dial: %w", err)
	}

	r.conn = conn
	r.pending = make(map[int64]chan rawResult)
	go r.readLoop()
	return nil
}

func (r *rawClient) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		_ = r.conn.Close()
		r.conn = nil
	}
}

func (r *rawClient) browserWSURL(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.httpBase+"/json/version", nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	var version struct {
		WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
	}
	if err := json.Unmarshal(body, &version); err != nil {
		return "", err
	}
	if version.WebSocketDebuggerURL == "" {
		return "", fmt.Errorf("no webSocketDebuggerUrl in %s/json/version", r.httpBase)
	}
	return version.WebSocketDebuggerURL, nil
}

func (r *rawClient) readLoop() {
	for {
		r.mu.Lock()
		conn := r.conn
		r.mu.Unlock()
		if conn == nil {
			return
		}

		data, err := wsutil.ReadServerText(conn)
		if err != nil {
			slog.Debug("rawcdp read loop exit", "error", err)
			r.failAllPending(err)
			return
		}

		var msg struct {
			ID     int64           `json:"id"`
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Code    int    `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(data, &msg) != nil || msg.ID == 0 {
			continue
		}

		r.pendingMu.Lock()
		ch, ok := r.pending[msg.ID]
		if ok {
			delete(r.pending, msg.ID)
		}
		r.pendingMu.Unlock()
		if !ok {
			continue
		}

		if msg.Error != nil {
			ch <- rawResult{err: fmt.Errorf("rawcdp: %s (%d)", msg.Error.Message, msg.Error.Code)}
		} else {
			ch <- rawResult{result: msg.Result}
		}
	}
}

func (r *rawClient) failAllPending(err error) {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	for id, ch := range r.pending {
		ch <- rawResult{err: fmt.Errorf("rawcdp: connection lost: %w", err)}
		delete(r.pending, id)
	}
}

// call issues a CDP command and waits for its response. sessionID may be
// empty for browser-level commands.
func (r *rawClient) call(ctx context.Context, sessionID, method string, params any) (json.RawMessage, error) {
	id := r.seq.Add(1)
	msg := map[string]any{"id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}
	if sessionID != "" {
		msg["sessionId"] = sessionID
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("rawcdp: not connected")
	}

	ch := make(chan rawResult, 1)
	r.pendingMu.Lock()
	r.pending[id] = ch
	r.pendingMu.Unlock()
	if err := wsutil.WriteClientText(conn, data); err != nil {
		r.pendingMu.Lock()
		delete(r.pending, id)
		r.pendingMu.Unlock()
		return nil, fmt.Errorf("rawcdp: write %s: %w", method, err)
	}

	select {
	case res := <-ch:
		return res.result, res.err
	case <-ctx.Done():
		r.pendingMu.Lock()
		delete(r.pending, id)
		r.pendingMu.Unlock()
		return nil, fmt.Errorf("rawcdp: %s: %w", method, ctx.Err())
	}
}

// snapshotTarget attaches to the target in flat mode, evaluates the
// extractor and detaches again.
func (r *rawClient) snapshotTarget(ctx context.Context, targetID string, timeout time.Duration) (PageSnapshot, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := r.connect(callCtx); err != nil {
		return PageSnapshot{}, err
	}

	attachRes, err := r.call(callCtx, "", "Target.attachToTarget", map[string]any{
		"targetId": targetID,
		"flatten":  true,
	})
	if err != nil {
		return PageSnapshot{}, fmt.Errorf("rawcdp: attach %s: %w", targetID, err)
	}
	var attach struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(attachRes, &attach); err != nil || attach.SessionID == "" {
		return PageSnapshot{}, fmt.Errorf("rawcdp: attach %s: bad response", targetID)
	}
	defer func() {
		detachCtx, detachCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer detachCancel()
		if _, err := r.call(detachCtx, "", "Target.detachFromTarget", map[string]any{"sessionId": attach.SessionID}); err != nil {
			slog.Debug("rawcdp detach failed", "target_id", targetID, "error", err)
		}
	}()

	evalRes, err := r.call(callCtx, attach.SessionID, "Runtime.evaluate", map[string]any{
		"expression":    snapshotJS,
		"returnByValue": true,
	})
	if err != nil {
		return PageSnapshot{}, fmt.Errorf("rawcdp: evaluate on %s: %w", targetID, err)
	}

	var eval struct {
		Result struct {
			Value PageSnapshot `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text string `json:"text"`
		} `json:"exceptionDetails"`
	}
	if err := json.Unmarshal(evalRes, &eval); err != nil {
		return PageSnapshot{}, fmt.Errorf("rawcdp: decode evaluate result: %w", err)
	}
	if eval.ExceptionDetails != nil {
		return PageSnapshot{}, fmt.Errorf("rawcdp: page threw: %s", eval.ExceptionDetails.Text)
	}
	return eval.Result.Value, nil
}
