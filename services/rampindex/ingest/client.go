package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// EventRecord mirrors the node's committed event wire form.
type EventRecord struct {
	Sequence  uint64 `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
	Event     struct {
		Type       string            `json:"type"`
		Attributes map[string]string `json:"attributes"`
	} `json:"event"`
}

// Client pulls committed events from a ledger node over JSON-RPC.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient builds a client for the node at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type syncEventsRequest struct {
	Cursor uint64 `json:"cursor"`
	Limit  int    `json:"limit"`
}

type syncEventsResponse struct {
	Events     []EventRecord `json:"events"`
	NextCursor uint64        `json:"nextCursor"`
}

// EventsSince fetches up to limit events with sequences strictly greater than
// cursor, together with the cursor for the next call.
func (c *Client) EventsSince(ctx context.Context, cursor uint64, limit int) ([]EventRecord, uint64, error) {
	payload, err := json.Marshal(map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "sync_events",
		"params":  []interface{}{syncEventsRequest{Cursor: cursor, Limit: limit}},
	})
	if err != nil {
		return nil, cursor, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, cursor, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, cursor, err
	}
	defer resp.Body.Close()

	var decoded struct {
		Result *syncEventsResponse `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, cursor, fmt.Errorf("rampindex: decode sync_events response: %w", err)
	}
	if decoded.Error != nil {
		return nil, cursor, fmt.Errorf("rampindex: sync_events rpc error %d: %s", decoded.Error.Code, decoded.Error.Message)
	}
	if decoded.Result == nil {
		return nil, cursor, fmt.Errorf("rampindex: sync_events returned no result")
	}
	return decoded.Result.Events, decoded.Result.NextCursor, nil
}
