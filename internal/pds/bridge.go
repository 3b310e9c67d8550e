package pds

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/klppl/skybridge/internal/config"
	"github.com/klppl/skybridge/internal/db"
)

// Account roles.
const (
	RoleMastodon = "mastodon"
	RoleBluesky  = "bluesky"
)

// Account is one of the two PDS-resident bridge accounts. It owns its
// session and recovers from expired or revoked tokens: refresh first, then
// password login, then full re-provisioning if the account itself is gone.
type Account struct {
	Role string

	client   *Client
	store    *db.Store
	profile  config.BridgeProfile
	hostname string

	mu      sync.Mutex
	session *Session
}

func NewAccount(role string, client *Client, store *db.Store, profile config.BridgeProfile, hostname string) *Account {
	return &Account{Role: role, client: client, store: store, profile: profile, hostname: hostname}
}

// DID returns the account's DID once Setup has run.
func (a *Account) DID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return ""
	}
	return a.session.DID
}

// Handle returns the account's full handle once Setup has run.
func (a *Account) Handle() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return ""
	}
	return a.session.Handle
}

// Setup ensures the account exists and has a live session, climbing the
// recovery ladder as needed.
func (a *Account) Setup(ctx context.Context) error {
	saved, err := a.store.GetBridgeAccount(a.Role)
	if err != nil {
		return err
	}
	if saved == nil {
		return a.provision(ctx, nil)
	}

	if saved.RefreshToken != "" {
		if session, err := a.client.RefreshSession(ctx, saved.RefreshToken); err == nil {
			return a.adopt(session, saved.Password)
		}
		slog.Warn("bridge session refresh failed, logging in", "role", a.Role)
	}

	session, err := a.client.CreateSession(ctx, saved.Handle, saved.Password)
	if err == nil {
		return a.adopt(session, saved.Password)
	}
	slog.Warn("bridge login failed, re-provisioning account", "role", a.Role, "error", err)
	return a.provision(ctx, saved)
}

// provision creates the account from scratch using an admin invite code.
// When credentials for a previous incarnation exist, that account is deleted
// first so the handle is free again.
func (a *Account) provision(ctx context.Context, stale *db.BridgeAccount) error {
	if stale != nil && stale.DID != "" {
		if err := a.client.DeleteAccount(ctx, stale.DID); err != nil {
			slog.Warn("delete stale bridge account", "role", a.Role, "did", stale.DID, "error", err)
		}
	}
	code, err := a.client.CreateInviteCode(ctx)
	if err != nil {
		return fmt.Errorf("provision %s bridge: %w", a.Role, err)
	}
	password, err := randomPassword()
	if err != nil {
		return err
	}
	handle := a.profile.Handle + "." + a.hostname
	session, err := a.client.CreateAccount(ctx, CreateAccountRequest{
		Email:      a.profile.Handle + "@" + a.hostname,
		Handle:     handle,
		Password:   password,
		InviteCode: code,
	})
	if err != nil {
		return fmt.Errorf("provision %s bridge: %w", a.Role, err)
	}
	slog.Info("bridge account created", "role", a.Role, "did", session.DID, "handle", session.Handle)
	if err := a.adopt(session, password); err != nil {
		return err
	}
	return a.ensureProfile(ctx)
}

// adopt installs a session and persists the credentials.
func (a *Account) adopt(session *Session, password string) error {
	a.mu.Lock()
	a.session = session
	a.mu.Unlock()
	return a.store.SaveBridgeAccount(db.BridgeAccount{
		Role:         a.Role,
		DID:          session.DID,
		Handle:       session.Handle,
		Password:     password,
		AccessToken:  session.AccessJwt,
		RefreshToken: session.RefreshJwt,
	})
}

// ensureProfile writes the display profile record, uploading the configured
// avatar if one is set.
func (a *Account) ensureProfile(ctx context.Context) error {
	record := map[string]interface{}{
		"$type":       "app.bsky.actor.profile",
		"displayName": a.profile.DisplayName,
		"description": a.profile.Description,
		"createdAt":   time.Now().UTC().Format(time.RFC3339),
	}
	if a.profile.AvatarURL != "" {
		if blob, err := a.uploadAvatar(ctx, a.profile.AvatarURL); err != nil {
			slog.Warn("bridge avatar upload failed", "role", a.Role, "error", err)
		} else {
			record["avatar"] = blob
		}
	}
	return a.withAuth(ctx, func(accessJwt string) error {
		_, err := a.client.PutRecord(ctx, accessJwt, PutRecordRequest{
			Repo:       a.DID(),
			Collection: "app.bsky.actor.profile",
			RKey:       "self",
			Record:     record,
		})
		return err
	})
}

func (a *Account) uploadAvatar(ctx context.Context, avatarURL string) (*BlobRef, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, avatarURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch avatar: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/png"
	}
	return a.UploadBlob(ctx, data, mime)
}

// withAuth runs fn with the current access token, recovering once through
// refresh or password login when the token has expired.
func (a *Account) withAuth(ctx context.Context, fn func(accessJwt string) error) error {
	a.mu.Lock()
	if a.session == nil {
		a.mu.Unlock()
		return fmt.Errorf("%s bridge: no session, Setup not run", a.Role)
	}
	token := a.session.AccessJwt
	a.mu.Unlock()

	err := fn(token)
	if !errors.Is(err, ErrAuthExpired) {
		return err
	}

	slog.Debug("bridge token expired, recovering", "role", a.Role)
	if err := a.recoverSession(ctx); err != nil {
		return fmt.Errorf("%s bridge re-auth: %w", a.Role, err)
	}
	a.mu.Lock()
	token = a.session.AccessJwt
	a.mu.Unlock()
	return fn(token)
}

func (a *Account) recoverSession(ctx context.Context) error {
	saved, err := a.store.GetBridgeAccount(a.Role)
	if err != nil {
		return err
	}
	if saved == nil {
		return fmt.Errorf("bridge account row missing")
	}
	if saved.RefreshToken != "" {
		if session, err := a.client.RefreshSession(ctx, saved.RefreshToken); err == nil {
			return a.adopt(session, saved.Password)
		}
	}
	session, err := a.client.CreateSession(ctx, saved.Handle, saved.Password)
	if err != nil {
		return err
	}
	return a.adopt(session, saved.Password)
}

// CreateRecord writes a record into the bridge account's repo.
func (a *Account) CreateRecord(ctx context.Context, collection string, record interface{}) (*CreateRecordResponse, error) {
	var resp *CreateRecordResponse
	err := a.withAuth(ctx, func(accessJwt string) error {
		var err error
		resp, err = a.client.CreateRecord(ctx, accessJwt, CreateRecordRequest{
			Repo:       a.DID(),
			Collection: collection,
			Record:     record,
		})
		return err
	})
	return resp, err
}

// DeleteBridgedRecord removes a record previously written by this account.
// The at:// URI must point into the account's own repo.
func (a *Account) DeleteBridgedRecord(ctx context.Context, atURI string) error {
	repo, collection, rkey, err := splitAtURI(atURI)
	if err != nil {
		return err
	}
	if repo != a.DID() {
		return fmt.Errorf("record %s is not owned by the %s bridge", atURI, a.Role)
	}
	err = a.withAuth(ctx, func(accessJwt string) error {
		return a.client.DeleteRecord(ctx, accessJwt, DeleteRecordRequest{
			Repo: repo, Collection: collection, RKey: rkey,
		})
	})
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// UploadBlob uploads a blob under the bridge account's session.
func (a *Account) UploadBlob(ctx context.Context, data []byte, mimeType string) (*BlobRef, error) {
	var blob *BlobRef
	err := a.withAuth(ctx, func(accessJwt string) error {
		var err error
		blob, err = a.client.UploadBlob(ctx, accessJwt, data, mimeType)
		return err
	})
	return blob, err
}

// PostProxied sends an authenticated XRPC POST with extra headers, used for
// service-proxied calls like the chat API.
func (a *Account) PostProxied(ctx context.Context, method string, body, out interface{}, headers map[string]string) error {
	return a.withAuth(ctx, func(accessJwt string) error {
		return a.client.Post(ctx, method, body, out, "Bearer "+accessJwt, headers)
	})
}

// GetProxied is the GET counterpart of PostProxied.
func (a *Account) GetProxied(ctx context.Context, method string, params url.Values, out interface{}, headers map[string]string) error {
	return a.withAuth(ctx, func(accessJwt string) error {
		return a.client.Get(ctx, method, params, "Bearer "+accessJwt, out, headers)
	})
}

// Manager bundles the two bridge accounts.
type Manager struct {
	Mastodon *Account
	Bluesky  *Account
}

func NewManager(cfg *config.Config, client *Client, store *db.Store) *Manager {
	return &Manager{
		Mastodon: NewAccount(RoleMastodon, client, store, cfg.MastodonBridge, cfg.Hostname),
		Bluesky:  NewAccount(RoleBluesky, client, store, cfg.BlueskyBridge, cfg.Hostname),
	}
}

// Setup provisions or resumes both accounts.
func (m *Manager) Setup(ctx context.Context) error {
	if err := m.Mastodon.Setup(ctx); err != nil {
		return fmt.Errorf("mastodon bridge: %w", err)
	}
	if err := m.Bluesky.Setup(ctx); err != nil {
		return fmt.Errorf("bluesky bridge: %w", err)
	}
	return nil
}

// IsBridgeDID reports whether a DID belongs to either bridge account.
func (m *Manager) IsBridgeDID(did string) bool {
	return did != "" && (did == m.Mastodon.DID() || did == m.Bluesky.DID())
}

func randomPassword() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate password: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// splitAtURI parses at://{repo}/{collection}/{rkey}.
func splitAtURI(atURI string) (repo, collection, rkey string, err error) {
	rest := strings.TrimPrefix(atURI, "at://")
	if rest == atURI {
		return "", "", "", fmt.Errorf("not an at:// uri: %s", atURI)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return "", "", "", fmt.Errorf("malformed at:// uri: %s", atURI)
	}
	return parts[0], parts[1], parts[2], nil
}
