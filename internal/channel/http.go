package channel

import (
	"bytes"
	"context"
	"net/http"

	"github.com/fennel-labs/rioagent/internal/httpkit"
)

// HTTPPost is a send-only channel that POSTs payloads as UTF-8 JSON to
// a fixed URL (spec.md §4.B). 2xx and 409 (idempotent conflict) are
// OK; transport errors are NoConnection; any other status is Failed.
type HTTPPost struct {
	*counters
	url    string
	client *http.Client
}

// NewHTTPPost constructs an HTTP POST channel targeting url, using the
// shared client-construction helpers (timeouts, retry transport) from
// internal/httpkit.
func NewHTTPPost(url string, client *http.Client) *HTTPPost {
	if client == nil {
		client = httpkit.NewClient(httpkit.WithRetry(2, 500_000_000))
	}
	return &HTTPPost{counters: newCounters(), url: url, client: client}
}

// Send POSTs payload to the channel's URL with Content-Type: application/json.
func (h *HTTPPost) Send(payload []byte) Result {
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, h.url, bytes.NewReader(payload))
	if err != nil {
		h.recordSend(false, 0, err.Error())
		return Failed
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		h.recordSend(false, 0, err.Error())
		return NoConnection
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300, resp.StatusCode == http.StatusConflict:
		h.recordSend(true, len(payload), "")
		return OK
	default:
		h.recordSend(false, 0, resp.Status)
		return Failed
	}
}

// SetReceiveFunc is a no-op: HTTPPost is send-only.
func (h *HTTPPost) SetReceiveFunc(ReceiveFunc) {}

func (h *HTTPPost) Metrics() Metrics { return h.snapshot() }

// Close is a no-op: the underlying http.Client's transport is shared.
func (h *HTTPPost) Close() error { return nil }
