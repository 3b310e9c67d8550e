package ap

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/bluesky-social/indigo/atproto/syntax"

	"github.com/klppl/skybridge/internal/config"
)

// Directory answers the PDS-side lookups actor rendering needs. Implemented
// by the pds client.
type Directory interface {
	ResolveHandle(ctx context.Context, handle string) (string, error)
	RepoHandle(ctx context.Context, did string) (string, error)
	Profile(ctx context.Context, did string) (*ProfileInfo, error)
	BlobURL(did, cid string) string
}

// ProfileInfo is the subset of app.bsky.actor.profile the actor document uses.
type ProfileInfo struct {
	DisplayName string
	Description string
	AvatarCID   string
	BannerCID   string
}

// Actors renders AP actor documents for PDS accounts on demand. There is no
// registration step: any account on the PDS is an actor.
type Actors struct {
	cfg  *config.Config
	keys *KeyStore
	dir  Directory

	// ExcludedDID returns the DID of the relay account that impersonates
	// fediverse users locally. It must never be exposed as an AP actor.
	ExcludedDID func() string
}

func NewActors(cfg *config.Config, keys *KeyStore, dir Directory) *Actors {
	return &Actors{cfg: cfg, keys: keys, dir: dir, ExcludedDID: func() string { return "" }}
}

// ActorURI returns the canonical actor id for a DID.
func (a *Actors) ActorURI(did string) string {
	return a.cfg.BaseURL("/users/" + did)
}

// ObjectURI returns the canonical object URL for an at:// record URI.
func (a *Actors) ObjectURI(atURI string) string {
	return a.cfg.BaseURL("/posts/" + url.PathEscape(atURI))
}

// EngagementURI returns the deterministic activity id for a like or repost
// record, e.g. /likes/{percent-encoded atUri}. Deterministic ids let deletes
// reconstruct the activity they undo.
func (a *Actors) EngagementURI(kind, atURI string) string {
	return a.cfg.BaseURL("/" + kind + "/" + url.PathEscape(atURI))
}

// DIDFromActorURI inverts ActorURI for local ids, returning "" for
// non-local or malformed ids.
func (a *Actors) DIDFromActorURI(actorURI string) string {
	prefix := a.cfg.BaseURL("/users/")
	if !strings.HasPrefix(actorURI, prefix) {
		return ""
	}
	return strings.TrimPrefix(actorURI, prefix)
}

// ResolveHandle maps a WebFinger username to a DID via the PDS. The
// username must be the account's full handle ({user}.{hostname}).
func (a *Actors) ResolveHandle(ctx context.Context, username string) (string, error) {
	did, err := a.dir.ResolveHandle(ctx, username)
	if err != nil {
		return "", err
	}
	if did == a.ExcludedDID() {
		return "", ErrGone
	}
	return did, nil
}

// ActorForDID builds the full actor document for a PDS account.
// Returns ErrGone when the DID is excluded or unknown to the PDS.
func (a *Actors) ActorForDID(ctx context.Context, did string) (*Actor, error) {
	if _, err := syntax.ParseDID(did); err != nil {
		return nil, fmt.Errorf("invalid did %q: %w", did, err)
	}
	if did == a.ExcludedDID() {
		return nil, ErrGone
	}

	handle, err := a.dir.RepoHandle(ctx, did)
	if err != nil {
		return nil, fmt.Errorf("resolve repo %s: %w", did, err)
	}

	keys, err := a.keys.GetOrCreate(did)
	if err != nil {
		return nil, fmt.Errorf("keys for %s: %w", did, err)
	}
	pubPEM, err := keys.PublicPEM()
	if err != nil {
		return nil, err
	}

	// The first label of the handle is the account's username on this host;
	// webfinger resolves it back by re-appending the hostname.
	username, _, _ := strings.Cut(handle, ".")

	actorURI := a.ActorURI(did)
	actor := &Actor{
		Context:           DefaultContext,
		ID:                actorURI,
		Type:              "Person",
		PreferredUsername: username,
		Name:              handle,
		Inbox:             actorURI + "/inbox",
		Outbox:            actorURI + "/outbox",
		Followers:         actorURI + "/followers",
		Following:         actorURI + "/following",
		URL:               actorURI,
		Endpoints:         &Endpoints{SharedInbox: a.cfg.BaseURL("/inbox")},
		PublicKey: &PublicKey{
			ID:           actorURI + "#main-key",
			Owner:        actorURI,
			PublicKeyPem: pubPEM,
		},
	}

	if edJWK, err := keys.Ed25519JWK(); err == nil {
		actor.AssertionMethod = []AssertionMethod{{
			ID:           actorURI + "#ed25519-key",
			Type:         "Multikey",
			Controller:   actorURI,
			PublicKeyJwk: edJWK,
		}}
	}

	// Profile is optional; an account without one still federates.
	if profile, err := a.dir.Profile(ctx, did); err == nil && profile != nil {
		if profile.DisplayName != "" {
			actor.Name = profile.DisplayName
		}
		actor.Summary = profile.Description
		if profile.AvatarCID != "" {
			actor.Icon = &Image{Type: "Image", URL: a.dir.BlobURL(did, profile.AvatarCID)}
		}
		if profile.BannerCID != "" {
			actor.Image = &Image{Type: "Image", URL: a.dir.BlobURL(did, profile.BannerCID)}
		}
	}

	return actor, nil
}

// DisplayHandle renders a remote actor as "@user@host", falling back to a
// trimmed form of the actor URL when the actor cannot be fetched.
func DisplayHandle(ctx context.Context, actorID string) string {
	if actor, err := FetchActor(ctx, actorID); err == nil && actor.PreferredUsername != "" {
		if u, err := url.Parse(actor.ID); err == nil && u.Host != "" {
			return "@" + actor.PreferredUsername + "@" + u.Host
		}
	}
	return strings.TrimPrefix(strings.TrimPrefix(actorID, "https://"), "http://")
}

// WebFingerFor builds the JRD document for a resolved account.
func (a *Actors) WebFingerFor(handle, did string) *WebFingerResponse {
	actorURI := a.ActorURI(did)
	return &WebFingerResponse{
		Subject: "acct:" + handle + "@" + a.cfg.Hostname,
		Aliases: []string{actorURI},
		Links: []WebFingerLink{
			{
				Rel:  "self",
				Type: contentTypeAP,
				Href: actorURI,
			},
			{
				Rel:  "http://webfinger.net/rel/profile-page",
				Type: "text/html",
				Href: actorURI,
			},
		},
	}
}
