package convert

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// maxBlobSize is the hard cap on downloaded attachments.
const maxBlobSize = 10 << 20 // 10 MiB

// BlobFetcher downloads remote attachments with the size and address
// guards the inbound path requires: http(s) only, 10 MiB cap, and no
// loopback or private ranges unless explicitly allowed.
type BlobFetcher struct {
	AllowPrivate bool

	client *http.Client
}

func NewBlobFetcher(allowPrivate bool) *BlobFetcher {
	return &BlobFetcher{
		AllowPrivate: allowPrivate,
		client:       &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch downloads a blob, returning its bytes and content type.
func (f *BlobFetcher) Fetch(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("parse blob url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", fmt.Errorf("blob url scheme %q not allowed", u.Scheme)
	}
	if !f.AllowPrivate {
		if err := rejectPrivateHost(u.Hostname()); err != nil {
			return nil, "", err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("User-Agent", "skybridge/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("fetch blob %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("fetch blob %s: HTTP %d", rawURL, resp.StatusCode)
	}
	if resp.ContentLength > maxBlobSize {
		return nil, "", fmt.Errorf("blob %s exceeds %d bytes", rawURL, maxBlobSize)
	}

	// Read one byte past the cap so undeclared oversize bodies are caught.
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read blob %s: %w", rawURL, err)
	}
	if len(data) > maxBlobSize {
		return nil, "", fmt.Errorf("blob %s exceeds %d bytes", rawURL, maxBlobSize)
	}

	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "application/octet-stream"
	}
	return data, mime, nil
}

// rejectPrivateHost resolves a hostname and fails when any address is
// loopback, private, or link-local.
func rejectPrivateHost(host string) error {
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("resolve blob host %s: %w", host, err)
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified() {
			return fmt.Errorf("blob host %s resolves to disallowed address %s", host, ip)
		}
	}
	return nil
}
