package ap

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/klppl/skybridge/internal/db"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	store := newTestStore(t)
	jobs := newTestQueue(t)
	keys := NewKeyStore(store)
	actors := NewActors(testConfig(), keys, nil)
	return NewDispatcher(store, jobs, keys, actors)
}

func dueInboxes(t *testing.T, d *Dispatcher) []string {
	t.Helper()
	due, err := d.jobs.DueJobs(time.Now().Add(time.Second), 100)
	require.NoError(t, err)
	inboxes := make([]string, 0, len(due))
	for _, j := range due {
		inboxes = append(inboxes, j.Inbox)
	}
	return inboxes
}

func TestDispatch_OneJobPerInbox(t *testing.T) {
	d := newTestDispatcher(t)

	activity := Activity{ID: "https://bridge.test/x#create", Type: "Create", Actor: "https://bridge.test/users/did:plc:alice"}
	err := d.Dispatch("did:plc:alice", activity, []Recipient{
		{ID: "https://a.example/u/1", Inbox: "https://a.example/u/1/inbox"},
		{ID: "https://b.example/u/2", Inbox: "https://b.example/u/2/inbox"},
	})
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"https://a.example/u/1/inbox",
		"https://b.example/u/2/inbox",
	}, dueInboxes(t, d))
}

func TestDispatch_SharedInboxCoalesced(t *testing.T) {
	d := newTestDispatcher(t)

	err := d.Dispatch("did:plc:alice", Activity{Type: "Create"}, []Recipient{
		{ID: "https://a.example/u/1", Inbox: "https://a.example/u/1/inbox", SharedInbox: "https://a.example/inbox"},
		{ID: "https://a.example/u/2", Inbox: "https://a.example/u/2/inbox", SharedInbox: "https://a.example/inbox"},
		{ID: "https://b.example/u/3", Inbox: "https://b.example/u/3/inbox"},
	})
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"https://a.example/inbox",
		"https://b.example/u/3/inbox",
	}, dueInboxes(t, d))
}

func TestDispatch_DuplicateActorsDeduplicated(t *testing.T) {
	d := newTestDispatcher(t)

	err := d.Dispatch("did:plc:alice", Activity{Type: "Create"}, []Recipient{
		{ID: "https://a.example/u/1", Inbox: "https://a.example/u/1/inbox"},
		{ID: "https://a.example/u/1", Inbox: "https://a.example/u/1/inbox"},
	})
	assert.NoError(t, err)
	assert.Len(t, dueInboxes(t, d), 1)
}

func TestDispatch_SkipsRecipientsWithoutInbox(t *testing.T) {
	d := newTestDispatcher(t)

	err := d.Dispatch("did:plc:alice", Activity{Type: "Create"}, []Recipient{
		{ID: "https://a.example/u/1"},
	})
	assert.NoError(t, err)
	assert.Empty(t, dueInboxes(t, d))
}

func TestDispatchToFollowers(t *testing.T) {
	d := newTestDispatcher(t)

	require.NoError(t, d.store.AddFollow(db.Follow{
		UserDID:    "did:plc:alice",
		ActorURI:   "https://a.example/u/1",
		ActivityID: "https://a.example/follows/1",
		ActorInbox: "https://a.example/u/1/inbox",
	}))

	err := d.DispatchToFollowers("did:plc:alice", Activity{Type: "Create"},
		Recipient{ID: "https://b.example/u/2", Inbox: "https://b.example/u/2/inbox"})
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"https://a.example/u/1/inbox",
		"https://b.example/u/2/inbox",
	}, dueInboxes(t, d))
}

func TestAttempt_TransientFailureRescheduled(t *testing.T) {
	d := newTestDispatcher(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	require.NoError(t, d.Dispatch("did:plc:alice", Activity{Type: "Create"}, []Recipient{
		{ID: "https://a.example/u/1", Inbox: srv.URL + "/inbox"},
	}))
	due, err := d.jobs.DueJobs(time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	d.attempt(context.Background(), due[0])

	// Nothing due now; the retry is scheduled a minute out.
	due, err = d.jobs.DueJobs(time.Now().Add(time.Second), 10)
	assert.NoError(t, err)
	assert.Empty(t, due)

	due, err = d.jobs.DueJobs(time.Now().Add(2*time.Minute), 10)
	assert.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, 1, due[0].Attempt)
}

func TestAttempt_ExhaustedAttemptsAbandoned(t *testing.T) {
	d := newTestDispatcher(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	require.NoError(t, d.Dispatch("did:plc:alice", Activity{Type: "Create"}, []Recipient{
		{ID: "https://a.example/u/1", Inbox: srv.URL + "/inbox"},
	}))
	due, err := d.jobs.DueJobs(time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	due[0].Attempt = maxAttempts

	d.attempt(context.Background(), due[0])

	due, err = d.jobs.DueJobs(time.Now().Add(24*time.Hour), 10)
	assert.NoError(t, err)
	assert.Empty(t, due)
}

func TestScan_KeepsJobQueuedWhileInFlight(t *testing.T) {
	d := newTestDispatcher(t)
	require.NoError(t, d.Dispatch("did:plc:alice", Activity{Type: "Create"}, []Recipient{
		{ID: "https://a.example/u/1", Inbox: "https://a.example/u/1/inbox"},
	}))

	// No workers are draining the channels, so the job sits in flight.
	d.scan(context.Background())
	d.scan(context.Background())

	// Still durable in the queue, but handed to a worker only once.
	due, err := d.jobs.DueJobs(time.Now().Add(time.Second), 10)
	assert.NoError(t, err)
	assert.Len(t, due, 1)
	assert.Len(t, d.workers[bucket("https://a.example/u/1/inbox")], 1)
}

func TestAttempt_PermanentFailureDropped(t *testing.T) {
	d := newTestDispatcher(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	require.NoError(t, d.Dispatch("did:plc:alice", Activity{Type: "Create"}, []Recipient{
		{ID: "https://a.example/u/1", Inbox: srv.URL + "/inbox"},
	}))
	due, err := d.jobs.DueJobs(time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	d.attempt(context.Background(), due[0])

	due, err = d.jobs.DueJobs(time.Now().Add(24*time.Hour), 10)
	assert.NoError(t, err)
	assert.Empty(t, due)
}

func TestAttempt_SuccessSignsRequest(t *testing.T) {
	d := newTestDispatcher(t)
	var signature, digest string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		signature = r.Header.Get("Signature")
		digest = r.Header.Get("Digest")
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	require.NoError(t, d.Dispatch("did:plc:alice", Activity{Type: "Create"}, []Recipient{
		{ID: "https://a.example/u/1", Inbox: srv.URL + "/inbox"},
	}))
	due, err := d.jobs.DueJobs(time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)

	d.attempt(context.Background(), due[0])

	assert.Contains(t, signature, `keyId="https://bridge.test/users/did:plc:alice#main-key"`)
	assert.NotEmpty(t, digest)

	due, err = d.jobs.DueJobs(time.Now().Add(24*time.Hour), 10)
	assert.NoError(t, err)
	assert.Empty(t, due)
}

func TestBucket_Stable(t *testing.T) {
	b := bucket("https://a.example/inbox")
	for i := 0; i < 10; i++ {
		assert.Equal(t, b, bucket("https://a.example/inbox"))
	}
	assert.GreaterOrEqual(t, b, 0)
	assert.Less(t, b, numWorkers)
}
