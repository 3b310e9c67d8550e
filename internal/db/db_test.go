package db

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate())
	t.Cleanup(func() { store.Close() })
	return store
}

func TestMigrate_Twice(t *testing.T) {
	store := openTestStore(t)
	assert.NoError(t, store.Migrate())
}

func TestAddFollow_Replay(t *testing.T) {
	store := openTestStore(t)

	f := Follow{
		UserDID:    "did:plc:alice",
		ActorURI:   "https://mastodon.example/users/bob",
		ActivityID: "https://mastodon.example/activities/1",
		ActorInbox: "https://mastodon.example/users/bob/inbox",
	}
	assert.NoError(t, store.AddFollow(f))
	assert.NoError(t, store.AddFollow(f))

	n, err := store.CountFollowers("did:plc:alice")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestGetFollow_SharedInbox(t *testing.T) {
	store := openTestStore(t)

	assert.NoError(t, store.AddFollow(Follow{
		UserDID:          "did:plc:alice",
		ActorURI:         "https://mastodon.example/users/bob",
		ActivityID:       "https://mastodon.example/activities/1",
		ActorInbox:       "https://mastodon.example/users/bob/inbox",
		ActorSharedInbox: "https://mastodon.example/inbox",
	}))

	f, err := store.GetFollow("did:plc:alice", "https://mastodon.example/users/bob")
	assert.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "https://mastodon.example/inbox", f.ActorSharedInbox)

	missing, err := store.GetFollow("did:plc:alice", "https://mastodon.example/users/nobody")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestGetFollow_EmptySharedInbox(t *testing.T) {
	store := openTestStore(t)

	assert.NoError(t, store.AddFollow(Follow{
		UserDID:    "did:plc:alice",
		ActorURI:   "https://solo.example/actor",
		ActivityID: "https://solo.example/activities/1",
		ActorInbox: "https://solo.example/inbox",
	}))

	f, err := store.GetFollow("did:plc:alice", "https://solo.example/actor")
	assert.NoError(t, err)
	require.NotNil(t, f)
	assert.Empty(t, f.ActorSharedInbox)
}

func TestRemoveFollow(t *testing.T) {
	store := openTestStore(t)

	assert.NoError(t, store.AddFollow(Follow{
		UserDID:    "did:plc:alice",
		ActorURI:   "https://mastodon.example/users/bob",
		ActivityID: "https://mastodon.example/activities/1",
		ActorInbox: "https://mastodon.example/users/bob/inbox",
	}))
	assert.NoError(t, store.RemoveFollow("did:plc:alice", "https://mastodon.example/users/bob"))
	// Removing again is a no-op.
	assert.NoError(t, store.RemoveFollow("did:plc:alice", "https://mastodon.example/users/bob"))

	n, err := store.CountFollowers("did:plc:alice")
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestGetFollowersPage_Keyset(t *testing.T) {
	store := openTestStore(t)

	times := []string{
		"2026-01-01T00:00:01Z",
		"2026-01-01T00:00:02Z",
		"2026-01-01T00:00:03Z",
		"2026-01-01T00:00:04Z",
		"2026-01-01T00:00:05Z",
	}
	for i, ts := range times {
		assert.NoError(t, store.AddFollow(Follow{
			UserDID:    "did:plc:alice",
			ActorURI:   fmt.Sprintf("https://mastodon.example/users/u%d", i),
			ActivityID: "https://mastodon.example/activities/" + ts,
			ActorInbox: "https://mastodon.example/inbox",
			CreatedAt:  ts,
		}))
	}

	page1, cursor, err := store.GetFollowersPage("did:plc:alice", "", 2)
	assert.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, "2026-01-01T00:00:05Z", page1[0].CreatedAt)
	assert.Equal(t, "2026-01-01T00:00:04Z", page1[1].CreatedAt)
	assert.Equal(t, "2026-01-01T00:00:04Z", cursor)

	page2, cursor, err := store.GetFollowersPage("did:plc:alice", cursor, 2)
	assert.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, "2026-01-01T00:00:03Z", page2[0].CreatedAt)
	assert.Equal(t, "2026-01-01T00:00:02Z", page2[1].CreatedAt)
	assert.Equal(t, "2026-01-01T00:00:02Z", cursor)

	page3, cursor, err := store.GetFollowersPage("did:plc:alice", cursor, 2)
	assert.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, "2026-01-01T00:00:01Z", page3[0].CreatedAt)
	assert.Empty(t, cursor)
}

func TestDeleteFollowsByActor(t *testing.T) {
	store := openTestStore(t)

	for _, did := range []string{"did:plc:alice", "did:plc:carol"} {
		assert.NoError(t, store.AddFollow(Follow{
			UserDID:    did,
			ActorURI:   "https://mastodon.example/users/bob",
			ActivityID: "https://mastodon.example/activities/" + did,
			ActorInbox: "https://mastodon.example/users/bob/inbox",
		}))
	}
	assert.NoError(t, store.DeleteFollowsByActor("https://mastodon.example/users/bob"))

	for _, did := range []string{"did:plc:alice", "did:plc:carol"} {
		n, err := store.CountFollowers(did)
		assert.NoError(t, err)
		assert.Equal(t, 0, n)
	}
}

func TestAddLike_Replay(t *testing.T) {
	store := openTestStore(t)

	e := Engagement{
		ActivityID:    "https://mastodon.example/likes/1",
		PostAtURI:     "at://did:plc:alice/app.bsky.feed.post/3k",
		PostAuthorDID: "did:plc:alice",
		APActorID:     "https://mastodon.example/users/bob",
	}
	assert.NoError(t, store.AddLike(e))
	assert.NoError(t, store.AddLike(e))

	rows, err := store.GetUnnotifiedLikes("9999", 10)
	assert.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestGetUnnotified_OlderThan(t *testing.T) {
	store := openTestStore(t)

	assert.NoError(t, store.AddLike(Engagement{
		ActivityID: "a", PostAtURI: "at://p/1", PostAuthorDID: "did:plc:alice",
		APActorID: "https://x/u/1", CreatedAt: "2026-01-01T00:00:01Z",
	}))
	assert.NoError(t, store.AddLike(Engagement{
		ActivityID: "b", PostAtURI: "at://p/1", PostAuthorDID: "did:plc:alice",
		APActorID: "https://x/u/2", CreatedAt: "2026-01-01T00:05:00Z",
	}))

	rows, err := store.GetUnnotifiedLikes("2026-01-01T00:01:00Z", 10)
	assert.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "a", rows[0].ActivityID)

	rows, err = store.GetUnnotifiedLikes("2026-01-01T00:10:00Z", 10)
	assert.NoError(t, err)
	require.Len(t, rows, 2)
	// Oldest first.
	assert.Equal(t, "a", rows[0].ActivityID)
	assert.Equal(t, "b", rows[1].ActivityID)
}

func TestMarkLikesNotified(t *testing.T) {
	store := openTestStore(t)

	assert.NoError(t, store.AddLike(Engagement{
		ActivityID: "a", PostAtURI: "at://p/1", PostAuthorDID: "did:plc:alice",
		APActorID: "https://x/u/1", CreatedAt: "2026-01-01T00:00:01Z",
	}))
	assert.NoError(t, store.MarkLikesNotified([]string{"a"}))

	rows, err := store.GetUnnotifiedLikes("9999", 10)
	assert.NoError(t, err)
	assert.Empty(t, rows)

	row, err := store.GetLike("a")
	assert.NoError(t, err)
	require.NotNil(t, row)
	assert.NotEmpty(t, row.NotifiedAt)

	// Marking an empty batch is a no-op.
	assert.NoError(t, store.MarkLikesNotified(nil))
}

func TestDeleteEngagementByActor(t *testing.T) {
	store := openTestStore(t)

	assert.NoError(t, store.AddLike(Engagement{
		ActivityID: "l1", PostAtURI: "at://p/1", PostAuthorDID: "did:plc:alice",
		APActorID: "https://x/u/bob",
	}))
	assert.NoError(t, store.AddShare(Engagement{
		ActivityID: "s1", PostAtURI: "at://p/1", PostAuthorDID: "did:plc:alice",
		APActorID: "https://x/u/bob",
	}))
	assert.NoError(t, store.DeleteEngagementByActor("https://x/u/bob"))

	like, err := store.GetLike("l1")
	assert.NoError(t, err)
	assert.Nil(t, like)
	share, err := store.GetShare("s1")
	assert.NoError(t, err)
	assert.Nil(t, share)
}

func TestSaveBridgeAccount_Upsert(t *testing.T) {
	store := openTestStore(t)

	assert.NoError(t, store.SaveBridgeAccount(BridgeAccount{
		Role: "mastodon", DID: "did:plc:bridge", Handle: "mastodon.bridge.example",
		Password: "p1", AccessToken: "a1", RefreshToken: "r1",
	}))
	assert.NoError(t, store.SaveBridgeAccount(BridgeAccount{
		Role: "mastodon", DID: "did:plc:bridge", Handle: "mastodon.bridge.example",
		Password: "p1", AccessToken: "a2", RefreshToken: "r2",
	}))

	a, err := store.GetBridgeAccount("mastodon")
	assert.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "a2", a.AccessToken)
	assert.Equal(t, "r2", a.RefreshToken)

	missing, err := store.GetBridgeAccount("bluesky")
	assert.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPostMapping_Lookups(t *testing.T) {
	store := openTestStore(t)

	m := PostMapping{
		AtURI:        "at://did:plc:bridge/app.bsky.feed.post/3k",
		APNoteID:     "https://mastodon.example/users/bob/statuses/1",
		APActorID:    "https://mastodon.example/users/bob",
		APActorInbox: "https://mastodon.example/users/bob/inbox",
	}
	assert.NoError(t, store.AddPostMapping(m))
	assert.NoError(t, store.AddPostMapping(m))

	byURI, err := store.GetPostMapping(m.AtURI)
	assert.NoError(t, err)
	require.NotNil(t, byURI)
	assert.Equal(t, m.APNoteID, byURI.APNoteID)

	byNote, err := store.GetPostMappingByNoteID(m.APNoteID)
	assert.NoError(t, err)
	require.NotNil(t, byNote)
	assert.Equal(t, m.AtURI, byNote.AtURI)

	assert.NoError(t, store.DeletePostMapping(m.AtURI))
	gone, err := store.GetPostMapping(m.AtURI)
	assert.NoError(t, err)
	assert.Nil(t, gone)
}

func TestDeletePostMappingsByActor(t *testing.T) {
	store := openTestStore(t)

	assert.NoError(t, store.AddPostMapping(PostMapping{
		AtURI:        "at://did:plc:bridge/app.bsky.feed.post/1",
		APNoteID:     "https://mastodon.example/statuses/1",
		APActorID:    "https://mastodon.example/users/bob",
		APActorInbox: "https://mastodon.example/inbox",
	}))
	assert.NoError(t, store.AddPostMapping(PostMapping{
		AtURI:        "at://did:plc:bridge/app.bsky.feed.post/2",
		APNoteID:     "https://mastodon.example/statuses/2",
		APActorID:    "https://mastodon.example/users/bob",
		APActorInbox: "https://mastodon.example/inbox",
	}))

	uris, err := store.DeletePostMappingsByActor("https://mastodon.example/users/bob")
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"at://did:plc:bridge/app.bsky.feed.post/1",
		"at://did:plc:bridge/app.bsky.feed.post/2",
	}, uris)

	gone, err := store.GetPostMapping("at://did:plc:bridge/app.bsky.feed.post/1")
	assert.NoError(t, err)
	assert.Nil(t, gone)
}

func TestMonitoredPosts_Ordering(t *testing.T) {
	store := openTestStore(t)

	assert.NoError(t, store.AddMonitoredPost("at://did:plc:alice/app.bsky.feed.post/1", "did:plc:alice"))
	assert.NoError(t, store.AddMonitoredPost("at://did:plc:alice/app.bsky.feed.post/2", "did:plc:alice"))
	assert.NoError(t, store.TouchMonitoredPost("at://did:plc:alice/app.bsky.feed.post/1"))

	posts, err := store.GetMonitoredPosts(10)
	assert.NoError(t, err)
	require.Len(t, posts, 2)
	// Never-checked rows come first.
	assert.Equal(t, "at://did:plc:alice/app.bsky.feed.post/2", posts[0].AtURI)
	assert.Empty(t, posts[0].LastChecked)
	assert.NotEmpty(t, posts[1].LastChecked)

	assert.NoError(t, store.DeleteMonitoredPost("at://did:plc:alice/app.bsky.feed.post/2"))
	posts, err = store.GetMonitoredPosts(10)
	assert.NoError(t, err)
	assert.Len(t, posts, 1)
}

func TestExternalReplies(t *testing.T) {
	store := openTestStore(t)

	has, err := store.HasExternalReply("at://did:plc:ext/app.bsky.feed.post/9")
	assert.NoError(t, err)
	assert.False(t, has)

	r := ExternalReply{
		AtURI:       "at://did:plc:ext/app.bsky.feed.post/9",
		ParentAtURI: "at://did:plc:alice/app.bsky.feed.post/1",
		AuthorDID:   "did:plc:ext",
		APNoteID:    "https://bridge.example/posts/x",
	}
	assert.NoError(t, store.AddExternalReply(r))
	assert.NoError(t, store.AddExternalReply(r))

	has, err = store.HasExternalReply(r.AtURI)
	assert.NoError(t, err)
	assert.True(t, has)
}

func TestKeyPairs(t *testing.T) {
	store := openTestStore(t)

	missing, err := store.GetKeyPair("did:plc:alice", "RSA")
	assert.NoError(t, err)
	assert.Nil(t, missing)

	assert.NoError(t, store.AddKeyPair(KeyPair{
		UserDID: "did:plc:alice", Algorithm: "RSA", PublicKey: "pub1", PrivateKey: "priv1",
	}))
	// A second insert for the same key loses silently.
	assert.NoError(t, store.AddKeyPair(KeyPair{
		UserDID: "did:plc:alice", Algorithm: "RSA", PublicKey: "pub2", PrivateKey: "priv2",
	}))

	kp, err := store.GetKeyPair("did:plc:alice", "RSA")
	assert.NoError(t, err)
	require.NotNil(t, kp)
	assert.Equal(t, "pub1", kp.PublicKey)

	assert.NoError(t, store.DeleteKeyPairs("did:plc:alice"))
	kp, err = store.GetKeyPair("did:plc:alice", "RSA")
	assert.NoError(t, err)
	assert.Nil(t, kp)
}

func TestRebind_Postgres(t *testing.T) {
	s := &Store{driver: "postgres"}
	assert.Equal(t, `SELECT 1 FROM t WHERE a = $1 AND b = $2`,
		s.rebind(`SELECT 1 FROM t WHERE a = ? AND b = ?`))

	lite := &Store{driver: "sqlite"}
	assert.Equal(t, `SELECT 1 FROM t WHERE a = ?`,
		lite.rebind(`SELECT 1 FROM t WHERE a = ?`))
}

func TestDetectDriver(t *testing.T) {
	driver, dsn := detectDriver("postgres://u:p@localhost/db")
	assert.Equal(t, "postgres", driver)
	assert.Equal(t, "postgres://u:p@localhost/db", dsn)

	driver, dsn = detectDriver("sqlite:///tmp/x.db")
	assert.Equal(t, "sqlite", driver)
	assert.Equal(t, "/tmp/x.db", dsn)

	driver, dsn = detectDriver("skybridge.db")
	assert.Equal(t, "sqlite", driver)
	assert.Equal(t, "skybridge.db", dsn)
}
