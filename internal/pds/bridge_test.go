package pds

import (
	"context"
	"encoding/json"
	"net/http"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/skybridge/internal/config"
	"github.com/klppl/skybridge/internal/db"
)

func bridgeTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })
	return store
}

func testProfile() config.BridgeProfile {
	return config.BridgeProfile{
		Handle:      "mastodon-bridge",
		DisplayName: "Mastodon Bridge",
		Description: "Relays Fediverse replies to this PDS.",
	}
}

func sessionJSON(w http.ResponseWriter, did, handle, access, refresh string) {
	json.NewEncoder(w).Encode(map[string]string{
		"did":        did,
		"handle":     handle,
		"accessJwt":  access,
		"refreshJwt": refresh,
	})
}

func TestAccountSetup_Provision(t *testing.T) {
	store := bridgeTestStore(t)
	var createdHandle string
	srv := xrpcServer(t, map[string]http.HandlerFunc{
		"com.atproto.server.createInviteCode": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"code": "invite-1"})
		},
		"com.atproto.server.createAccount": func(w http.ResponseWriter, r *http.Request) {
			var req CreateAccountRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			createdHandle = req.Handle
			assert.Equal(t, "invite-1", req.InviteCode)
			assert.NotEmpty(t, req.Password)
			sessionJSON(w, "did:plc:bridge", req.Handle, "access-1", "refresh-1")
		},
		"com.atproto.repo.putRecord": func(w http.ResponseWriter, r *http.Request) {
			var req PutRecordRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "app.bsky.actor.profile", req.Collection)
			assert.Equal(t, "self", req.RKey)
			json.NewEncoder(w).Encode(map[string]string{"uri": "at://did:plc:bridge/app.bsky.actor.profile/self", "cid": "bafy1"})
		},
	})

	a := NewAccount(RoleMastodon, NewClient(srv.URL, "hunter2"), store, testProfile(), "pds.example")
	require.NoError(t, a.Setup(context.Background()))

	assert.Equal(t, "did:plc:bridge", a.DID())
	assert.Equal(t, "mastodon-bridge.pds.example", createdHandle)

	saved, err := store.GetBridgeAccount(RoleMastodon)
	assert.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, "did:plc:bridge", saved.DID)
	assert.Equal(t, "access-1", saved.AccessToken)
	assert.Equal(t, "refresh-1", saved.RefreshToken)
	assert.NotEmpty(t, saved.Password)
}

func TestAccountSetup_ResumeViaRefresh(t *testing.T) {
	store := bridgeTestStore(t)
	require.NoError(t, store.SaveBridgeAccount(db.BridgeAccount{
		Role: RoleMastodon, DID: "did:plc:bridge", Handle: "mastodon-bridge.pds.example",
		Password: "pw", AccessToken: "stale", RefreshToken: "refresh-1",
	}))

	srv := xrpcServer(t, map[string]http.HandlerFunc{
		"com.atproto.server.refreshSession": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer refresh-1", r.Header.Get("Authorization"))
			sessionJSON(w, "did:plc:bridge", "mastodon-bridge.pds.example", "access-2", "refresh-2")
		},
	})

	a := NewAccount(RoleMastodon, NewClient(srv.URL, "hunter2"), store, testProfile(), "pds.example")
	require.NoError(t, a.Setup(context.Background()))
	assert.Equal(t, "did:plc:bridge", a.DID())

	saved, err := store.GetBridgeAccount(RoleMastodon)
	assert.NoError(t, err)
	assert.Equal(t, "access-2", saved.AccessToken)
	assert.Equal(t, "refresh-2", saved.RefreshToken)
}

func TestAccountSetup_FallsBackToLogin(t *testing.T) {
	store := bridgeTestStore(t)
	require.NoError(t, store.SaveBridgeAccount(db.BridgeAccount{
		Role: RoleMastodon, DID: "did:plc:bridge", Handle: "mastodon-bridge.pds.example",
		Password: "pw", AccessToken: "stale", RefreshToken: "expired-refresh",
	}))

	srv := xrpcServer(t, map[string]http.HandlerFunc{
		"com.atproto.server.refreshSession": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		},
		"com.atproto.server.createSession": func(w http.ResponseWriter, r *http.Request) {
			var req map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "mastodon-bridge.pds.example", req["identifier"])
			assert.Equal(t, "pw", req["password"])
			sessionJSON(w, "did:plc:bridge", "mastodon-bridge.pds.example", "access-3", "refresh-3")
		},
	})

	a := NewAccount(RoleMastodon, NewClient(srv.URL, "hunter2"), store, testProfile(), "pds.example")
	require.NoError(t, a.Setup(context.Background()))
	assert.Equal(t, "did:plc:bridge", a.DID())
}

func TestAccountSetup_RecreatesDeadAccount(t *testing.T) {
	store := bridgeTestStore(t)
	require.NoError(t, store.SaveBridgeAccount(db.BridgeAccount{
		Role: RoleMastodon, DID: "did:plc:old", Handle: "mastodon-bridge.pds.example",
		Password: "lost-pw", AccessToken: "stale", RefreshToken: "expired-refresh",
	}))

	var deletedDID string
	srv := xrpcServer(t, map[string]http.HandlerFunc{
		"com.atproto.server.refreshSession": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		},
		"com.atproto.server.createSession": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		},
		"com.atproto.admin.deleteAccount": func(w http.ResponseWriter, r *http.Request) {
			_, pass, ok := r.BasicAuth()
			assert.True(t, ok)
			assert.Equal(t, "hunter2", pass)
			var req map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			deletedDID = req["did"]
			w.Write([]byte("{}"))
		},
		"com.atproto.server.createInviteCode": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"code": "invite-2"})
		},
		"com.atproto.server.createAccount": func(w http.ResponseWriter, r *http.Request) {
			sessionJSON(w, "did:plc:fresh", "mastodon-bridge.pds.example", "access-1", "refresh-1")
		},
		"com.atproto.repo.putRecord": func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"uri": "at://did:plc:fresh/app.bsky.actor.profile/self", "cid": "bafy1"})
		},
	})

	a := NewAccount(RoleMastodon, NewClient(srv.URL, "hunter2"), store, testProfile(), "pds.example")
	require.NoError(t, a.Setup(context.Background()))

	// The unusable account was deleted before the handle was re-registered.
	assert.Equal(t, "did:plc:old", deletedDID)
	assert.Equal(t, "did:plc:fresh", a.DID())

	saved, err := store.GetBridgeAccount(RoleMastodon)
	assert.NoError(t, err)
	assert.Equal(t, "did:plc:fresh", saved.DID)
}

func TestWithAuth_RecoversOnce(t *testing.T) {
	store := bridgeTestStore(t)
	require.NoError(t, store.SaveBridgeAccount(db.BridgeAccount{
		Role: RoleMastodon, DID: "did:plc:bridge", Handle: "mastodon-bridge.pds.example",
		Password: "pw", AccessToken: "stale", RefreshToken: "",
	}))

	creates := 0
	srv := xrpcServer(t, map[string]http.HandlerFunc{
		"com.atproto.server.createSession": func(w http.ResponseWriter, r *http.Request) {
			sessionJSON(w, "did:plc:bridge", "mastodon-bridge.pds.example", "access-1", "refresh-1")
		},
		"com.atproto.server.refreshSession": func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "Bearer refresh-1", r.Header.Get("Authorization"))
			sessionJSON(w, "did:plc:bridge", "mastodon-bridge.pds.example", "access-2", "refresh-2")
		},
		"com.atproto.repo.createRecord": func(w http.ResponseWriter, r *http.Request) {
			creates++
			if r.Header.Get("Authorization") != "Bearer access-2" {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "ExpiredToken"})
				return
			}
			json.NewEncoder(w).Encode(map[string]string{"uri": "at://did:plc:bridge/app.bsky.feed.post/3k", "cid": "bafy1"})
		},
	})

	a := NewAccount(RoleMastodon, NewClient(srv.URL, "hunter2"), store, testProfile(), "pds.example")
	require.NoError(t, a.Setup(context.Background()))

	resp, err := a.CreateRecord(context.Background(), "app.bsky.feed.post", map[string]string{"text": "hi"})
	assert.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, "at://did:plc:bridge/app.bsky.feed.post/3k", resp.URI)
	assert.Equal(t, 2, creates)
}

func TestDeleteBridgedRecord(t *testing.T) {
	store := bridgeTestStore(t)
	require.NoError(t, store.SaveBridgeAccount(db.BridgeAccount{
		Role: RoleMastodon, DID: "did:plc:bridge", Handle: "mastodon-bridge.pds.example",
		Password: "pw", AccessToken: "stale", RefreshToken: "",
	}))

	var deleted DeleteRecordRequest
	srv := xrpcServer(t, map[string]http.HandlerFunc{
		"com.atproto.server.createSession": func(w http.ResponseWriter, r *http.Request) {
			sessionJSON(w, "did:plc:bridge", "mastodon-bridge.pds.example", "access-1", "refresh-1")
		},
		"com.atproto.repo.deleteRecord": func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&deleted))
			if strings.Contains(deleted.RKey, "gone") {
				w.WriteHeader(http.StatusBadRequest)
				json.NewEncoder(w).Encode(map[string]string{"error": "RecordNotFound"})
				return
			}
			w.Write([]byte("{}"))
		},
	})

	a := NewAccount(RoleMastodon, NewClient(srv.URL, "hunter2"), store, testProfile(), "pds.example")
	require.NoError(t, a.Setup(context.Background()))

	assert.NoError(t, a.DeleteBridgedRecord(context.Background(), "at://did:plc:bridge/app.bsky.feed.post/3k"))
	assert.Equal(t, "did:plc:bridge", deleted.Repo)
	assert.Equal(t, "app.bsky.feed.post", deleted.Collection)
	assert.Equal(t, "3k", deleted.RKey)

	// A record that is already gone is not an error.
	assert.NoError(t, a.DeleteBridgedRecord(context.Background(), "at://did:plc:bridge/app.bsky.feed.post/gone"))

	// Records outside the bridge repo are refused.
	assert.Error(t, a.DeleteBridgedRecord(context.Background(), "at://did:plc:alice/app.bsky.feed.post/3k"))
}

func TestManager_IsBridgeDID(t *testing.T) {
	store := bridgeTestStore(t)
	cfg := &config.Config{
		Hostname:       "pds.example",
		MastodonBridge: config.BridgeProfile{Handle: "mastodon-bridge"},
		BlueskyBridge:  config.BridgeProfile{Handle: "bluesky-bridge"},
	}
	m := NewManager(cfg, NewClient("http://localhost:2583", ""), store)

	// Before Setup neither account has a DID; nothing matches, not even "".
	assert.False(t, m.IsBridgeDID(""))
	assert.False(t, m.IsBridgeDID("did:plc:alice"))
}

func TestRandomPassword(t *testing.T) {
	p1, err := randomPassword()
	require.NoError(t, err)
	p2, err := randomPassword()
	require.NoError(t, err)
	assert.Len(t, p1, 64)
	assert.NotEqual(t, p1, p2)
}
