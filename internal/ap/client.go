package ap

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-fed/httpsig"
)

const (
	userAgent      = "skybridge/1.0"
	acceptAP       = `application/activity+json, application/ld+json; profile="https://www.w3.org/ns/activitystreams"`
	contentTypeAP  = "application/activity+json"
	actorCacheTTL  = time.Hour
	deliverTimeout = 15 * time.Second
)

var httpClient = &http.Client{
	Timeout: deliverTimeout,
}

type actorCacheEntry struct {
	actor   *Actor
	expires time.Time
}

// actorCache keeps fetched remote actors for an hour. Actor documents are
// fetched on every signature verification, so this is the hot path.
var actorCache sync.Map // url -> actorCacheEntry

// FetchObject fetches a remote AP object as a generic map.
func FetchObject(ctx context.Context, rawURL string) (map[string]interface{}, error) {
	var obj map[string]interface{}
	if err := fetchJSON(ctx, rawURL, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// FetchActor fetches and caches a remote AP actor document.
func FetchActor(ctx context.Context, actorURL string) (*Actor, error) {
	if cached, ok := actorCache.Load(actorURL); ok {
		entry := cached.(actorCacheEntry)
		if time.Now().Before(entry.expires) {
			return entry.actor, nil
		}
		actorCache.Delete(actorURL)
	}

	var actor Actor
	if err := fetchJSON(ctx, actorURL, &actor); err != nil {
		return nil, err
	}
	actorCache.Store(actorURL, actorCacheEntry{actor: &actor, expires: time.Now().Add(actorCacheTTL)})
	return &actor, nil
}

// InvalidateActor drops a cached actor, used when a Delete(actor) arrives.
func InvalidateActor(actorURL string) {
	actorCache.Delete(actorURL)
}

func fetchJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", acceptAP)
	req.Header.Set("User-Agent", userAgent)

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusGone {
		return ErrGone
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: HTTP %d", rawURL, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response from %s: %w", rawURL, err)
	}
	return nil
}

// DeliverActivity signs and posts an activity to a remote inbox. The error
// wraps ErrTransient or ErrPermanent so callers can decide whether to retry.
func DeliverActivity(ctx context.Context, inbox string, body []byte, keyID string, privKey *rsa.PrivateKey) error {
	req, err := http.NewRequestWithContext(ctx, "POST", inbox, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentTypeAP)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	req.Header.Set("Host", req.URL.Host)

	signer, _, err := httpsig.NewSigner(
		[]httpsig.Algorithm{httpsig.RSA_SHA256},
		httpsig.DigestSha256,
		[]string{httpsig.RequestTarget, "host", "date", "digest"},
		httpsig.Signature,
		0,
	)
	if err != nil {
		return fmt.Errorf("create signer: %w", err)
	}
	if err := signer.SignRequest(privKey, keyID, req, body); err != nil {
		return fmt.Errorf("sign request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("deliver to %s: %w: %w", inbox, ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 400:
		slog.Debug("delivered activity", "inbox", inbox, "status", resp.StatusCode)
		return nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("deliver to %s: HTTP %d: %w", inbox, resp.StatusCode, ErrTransient)
	default:
		return fmt.Errorf("deliver to %s: HTTP %d: %w", inbox, resp.StatusCode, ErrPermanent)
	}
}

// VerifySignature verifies the HTTP signature of an incoming inbox request
// and returns the signing actor's id.
func VerifySignature(req *http.Request) (string, error) {
	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", fmt.Errorf("create verifier: %w", err)
	}

	keyID := verifier.KeyId()
	actorURL := strings.Split(keyID, "#")[0]
	actor, err := FetchActor(req.Context(), actorURL)
	if err != nil {
		if errors.Is(err, ErrGone) {
			// Actor already deleted. Accept so the Delete it is announcing
			// can still be processed.
			slog.Debug("actor gone, skipping signature verification", "keyId", keyID)
			return actorURL, nil
		}
		return "", fmt.Errorf("fetch actor for key %s: %w", keyID, err)
	}

	if actor.PublicKey == nil {
		return "", fmt.Errorf("actor %s has no public key", actorURL)
	}
	pubKey, err := parsePublicKeyPEM(actor.PublicKey.PublicKeyPem)
	if err != nil {
		return "", fmt.Errorf("parse public key for %s: %w", actorURL, err)
	}
	if err := verifier.Verify(pubKey, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}
	return actor.ID, nil
}

func parsePublicKeyPEM(pemStr string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil {
		return nil, fmt.Errorf("invalid PEM")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse PKIX public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("not an RSA public key")
	}
	return rsaPub, nil
}

// IsLocalID reports whether an AP id belongs to this server.
func IsLocalID(apID, publicURL string) bool {
	base := strings.TrimRight(publicURL, "/")
	return apID == base || strings.HasPrefix(apID, base+"/")
}
