// Package backlinks polls a Constellation-style backlink index to discover
// replies to bridged posts made elsewhere on the network.
package backlinks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// replySource is the record path the index is asked to match: posts whose
// reply parent points at the subject.
const replySource = "app.bsky.feed.post:reply.parent.uri"

// Backlink is one record referencing the queried subject.
type Backlink struct {
	URI string `json:"uri"`
	DID string `json:"did"`
}

// Client queries the backlink index over XRPC.
type Client struct {
	BaseURL string

	http *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// GetBacklinks returns records replying to subject, with a pagination
// cursor ("" when exhausted).
func (c *Client) GetBacklinks(ctx context.Context, subject string, limit int, cursor string) ([]Backlink, string, error) {
	params := url.Values{}
	params.Set("subject", subject)
	params.Set("source", replySource)
	params.Set("limit", strconv.Itoa(limit))
	if cursor != "" {
		params.Set("cursor", cursor)
	}

	rawURL := c.BaseURL + "/xrpc/blue.feeds.link.getBacklinks?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "skybridge/1.0")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("backlinks query: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("backlinks query: HTTP %d", resp.StatusCode)
	}

	var out struct {
		Links  []Backlink `json:"links"`
		Cursor string     `json:"cursor"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, "", fmt.Errorf("decode backlinks: %w", err)
	}
	return out.Links, out.Cursor, nil
}
