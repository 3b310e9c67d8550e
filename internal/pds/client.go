package pds

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrAuthExpired signals that the access token used for a request is no
// longer valid (HTTP 401 or an ExpiredToken body).
var ErrAuthExpired = errors.New("auth expired")

// ErrNotFound signals a 404/RecordNotFound response.
var ErrNotFound = errors.New("not found")

const userAgent = "skybridge/1.0"

// Client is a low-level XRPC HTTP client. Authentication is explicit per
// call: bridge accounts own their sessions, the admin token authorises
// provisioning calls, and public endpoints take no auth at all.
type Client struct {
	BaseURL    string
	AdminToken string

	http *http.Client
}

func NewClient(baseURL, adminToken string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		AdminToken: adminToken,
		http:       &http.Client{Timeout: 30 * time.Second},
	}
}

// ─── Provisioning (admin auth) ───────────────────────────────────────────────

// CreateInviteCode mints a single-use invite code with the admin password.
func (c *Client) CreateInviteCode(ctx context.Context) (string, error) {
	var resp struct {
		Code string `json:"code"`
	}
	body := map[string]int{"useCount": 1}
	if err := c.post(ctx, "com.atproto.server.createInviteCode", body, &resp, c.adminAuth(), nil); err != nil {
		return "", fmt.Errorf("createInviteCode: %w", err)
	}
	return resp.Code, nil
}

// CreateAccount registers a new account on the PDS.
func (c *Client) CreateAccount(ctx context.Context, req CreateAccountRequest) (*Session, error) {
	var session Session
	if err := c.post(ctx, "com.atproto.server.createAccount", req, &session, "", nil); err != nil {
		return nil, fmt.Errorf("createAccount %s: %w", req.Handle, err)
	}
	return &session, nil
}

// DeleteAccount removes an account by DID with admin auth. Used when a
// bridge account must be recreated while its handle is still taken.
func (c *Client) DeleteAccount(ctx context.Context, did string) error {
	body := map[string]string{"did": did}
	if err := c.post(ctx, "com.atproto.admin.deleteAccount", body, nil, c.adminAuth(), nil); err != nil {
		return fmt.Errorf("deleteAccount %s: %w", did, err)
	}
	return nil
}

func (c *Client) adminAuth() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte("admin:"+c.AdminToken))
}

// ─── Sessions ────────────────────────────────────────────────────────────────

// CreateSession logs in with handle and password.
func (c *Client) CreateSession(ctx context.Context, identifier, password string) (*Session, error) {
	body := map[string]string{"identifier": identifier, "password": password}
	var session Session
	if err := c.post(ctx, "com.atproto.server.createSession", body, &session, "", nil); err != nil {
		return nil, fmt.Errorf("createSession %s: %w", identifier, err)
	}
	return &session, nil
}

// RefreshSession rotates the token pair using the refresh token.
func (c *Client) RefreshSession(ctx context.Context, refreshJwt string) (*Session, error) {
	var session Session
	if err := c.post(ctx, "com.atproto.server.refreshSession", nil, &session, "Bearer "+refreshJwt, nil); err != nil {
		return nil, fmt.Errorf("refreshSession: %w", err)
	}
	return &session, nil
}

// ─── Repo operations ─────────────────────────────────────────────────────────

// CreateRecord creates a record with the given access token.
func (c *Client) CreateRecord(ctx context.Context, accessJwt string, req CreateRecordRequest) (*CreateRecordResponse, error) {
	var resp CreateRecordResponse
	if err := c.post(ctx, "com.atproto.repo.createRecord", req, &resp, "Bearer "+accessJwt, nil); err != nil {
		return nil, fmt.Errorf("createRecord %s: %w", req.Collection, err)
	}
	return &resp, nil
}

// PutRecord writes a record at a fixed rkey (used for profile "self").
func (c *Client) PutRecord(ctx context.Context, accessJwt string, req PutRecordRequest) (*CreateRecordResponse, error) {
	var resp CreateRecordResponse
	if err := c.post(ctx, "com.atproto.repo.putRecord", req, &resp, "Bearer "+accessJwt, nil); err != nil {
		return nil, fmt.Errorf("putRecord %s/%s: %w", req.Collection, req.RKey, err)
	}
	return &resp, nil
}

// DeleteRecord removes a record.
func (c *Client) DeleteRecord(ctx context.Context, accessJwt string, req DeleteRecordRequest) error {
	if err := c.post(ctx, "com.atproto.repo.deleteRecord", req, nil, "Bearer "+accessJwt, nil); err != nil {
		return fmt.Errorf("deleteRecord %s/%s: %w", req.Collection, req.RKey, err)
	}
	return nil
}

// GetRecord fetches a record. No auth: repo reads are public on the PDS.
func (c *Client) GetRecord(ctx context.Context, repo, collection, rkey string) (*GetRecordResponse, error) {
	params := url.Values{}
	params.Set("repo", repo)
	params.Set("collection", collection)
	params.Set("rkey", rkey)
	var resp GetRecordResponse
	if err := c.get(ctx, "com.atproto.repo.getRecord", params, "", &resp); err != nil {
		return nil, fmt.Errorf("getRecord %s/%s/%s: %w", repo, collection, rkey, err)
	}
	return &resp, nil
}

// UploadBlob streams a blob to the PDS and returns its handle.
func (c *Client) UploadBlob(ctx context.Context, accessJwt string, data []byte, mimeType string) (*BlobRef, error) {
	rawURL := c.BaseURL + "/xrpc/com.atproto.repo.uploadBlob"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create uploadBlob request: %w", err)
	}
	req.Header.Set("Content-Type", mimeType)
	req.Header.Set("Authorization", "Bearer "+accessJwt)
	req.Header.Set("User-Agent", userAgent)

	var resp UploadBlobResponse
	if err := c.doRequest(req, &resp); err != nil {
		return nil, fmt.Errorf("uploadBlob: %w", err)
	}
	return &resp.Blob, nil
}

// ─── Identity ────────────────────────────────────────────────────────────────

// ResolveHandle maps a handle to a DID.
func (c *Client) ResolveHandle(ctx context.Context, handle string) (string, error) {
	params := url.Values{}
	params.Set("handle", handle)
	var resp ResolveHandleResponse
	if err := c.get(ctx, "com.atproto.identity.resolveHandle", params, "", &resp); err != nil {
		return "", fmt.Errorf("resolveHandle %s: %w", handle, err)
	}
	return resp.DID, nil
}

// RepoHandle returns the current handle of a repo via describeRepo, which
// also confirms the account exists on this PDS.
func (c *Client) RepoHandle(ctx context.Context, did string) (string, error) {
	params := url.Values{}
	params.Set("repo", did)
	var resp DescribeRepoResponse
	if err := c.get(ctx, "com.atproto.repo.describeRepo", params, "", &resp); err != nil {
		return "", fmt.Errorf("describeRepo %s: %w", did, err)
	}
	return resp.Handle, nil
}

// CountRepos walks com.atproto.sync.listRepos and returns the number of
// accounts hosted on the PDS.
func (c *Client) CountRepos(ctx context.Context) (int, error) {
	total := 0
	cursor := ""
	for {
		params := url.Values{}
		params.Set("limit", "1000")
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		var resp struct {
			Cursor string `json:"cursor"`
			Repos  []struct {
				DID string `json:"did"`
			} `json:"repos"`
		}
		if err := c.get(ctx, "com.atproto.sync.listRepos", params, "", &resp); err != nil {
			return 0, fmt.Errorf("listRepos: %w", err)
		}
		total += len(resp.Repos)
		if resp.Cursor == "" || len(resp.Repos) == 0 {
			return total, nil
		}
		cursor = resp.Cursor
	}
}

// Profile reads the account's app.bsky.actor.profile self record. Accounts
// without a profile record return an empty profile, not an error.
func (c *Client) Profile(ctx context.Context, did string) (*Profile, error) {
	resp, err := c.GetRecord(ctx, did, "app.bsky.actor.profile", "self")
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return &Profile{}, nil
		}
		return nil, err
	}
	p := &Profile{}
	if v, ok := resp.Value["displayName"].(string); ok {
		p.DisplayName = v
	}
	if v, ok := resp.Value["description"].(string); ok {
		p.Description = v
	}
	p.AvatarCID = blobCID(resp.Value["avatar"])
	p.BannerCID = blobCID(resp.Value["banner"])
	return p, nil
}

// BlobURL returns the public sync URL for a blob on this PDS.
func (c *Client) BlobURL(did, cid string) string {
	return c.BaseURL + "/xrpc/com.atproto.sync.getBlob?did=" + url.QueryEscape(did) + "&cid=" + url.QueryEscape(cid)
}

func blobCID(v interface{}) string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return ""
	}
	ref, ok := m["ref"].(map[string]interface{})
	if !ok {
		return ""
	}
	cid, _ := ref["$link"].(string)
	return cid
}

// ─── Transport ───────────────────────────────────────────────────────────────

// Post exposes the raw XRPC POST for callers that need extra headers, such
// as service-proxied chat calls.
func (c *Client) Post(ctx context.Context, method string, body, out interface{}, auth string, headers map[string]string) error {
	return c.post(ctx, method, body, out, auth, headers)
}

// Get exposes the raw XRPC GET, with optional extra headers.
func (c *Client) Get(ctx context.Context, method string, params url.Values, auth string, out interface{}, headers map[string]string) error {
	return c.getH(ctx, method, params, auth, out, headers)
}

func (c *Client) post(ctx context.Context, method string, body, out interface{}, auth string, headers map[string]string) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/xrpc/"+method, reader)
	if err != nil {
		return fmt.Errorf("create POST request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.doRequest(req, out)
}

func (c *Client) get(ctx context.Context, method string, params url.Values, auth string, out interface{}) error {
	return c.getH(ctx, method, params, auth, out, nil)
}

func (c *Client) getH(ctx context.Context, method string, params url.Values, auth string, out interface{}, headers map[string]string) error {
	rawURL := c.BaseURL + "/xrpc/" + method
	if len(params) > 0 {
		rawURL += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("create GET request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return c.doRequest(req, out)
}

func (c *Client) doRequest(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrAuthExpired
	case resp.StatusCode == http.StatusBadRequest &&
		(strings.Contains(string(respBody), "ExpiredToken") || strings.Contains(string(respBody), "InvalidToken")):
		return ErrAuthExpired
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusBadRequest && strings.Contains(string(respBody), "RecordNotFound"):
		return ErrNotFound
	case resp.StatusCode >= 400:
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
