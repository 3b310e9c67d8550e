package ap

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/klppl/skybridge/internal/db"
	"github.com/klppl/skybridge/internal/queue"
)

const maxInboxBody = 1 << 20 // 1 MiB

// NoteRelay turns an incoming reply Note into a record on the PDS,
// attributed to the fediverse relay account.
type NoteRelay interface {
	RelayIncomingReply(ctx context.Context, note *Note, actorID, parentAtURI string) error
}

// RecordDeleter removes a previously bridged record from the PDS.
type RecordDeleter interface {
	DeleteBridgedRecord(ctx context.Context, atURI string) error
}

// Inbox processes incoming federation traffic for the shared inbox and all
// per-actor inboxes. Malformed or irrelevant activities are acknowledged so
// remote servers stop retrying; only infrastructure failures return 5xx.
type Inbox struct {
	store      *db.Store
	jobs       *queue.DB
	actors     *Actors
	dispatcher *Dispatcher
	relay      NoteRelay
	deleter    RecordDeleter
}

func NewInbox(store *db.Store, jobs *queue.DB, actors *Actors, dispatcher *Dispatcher, relay NoteRelay, deleter RecordDeleter) *Inbox {
	return &Inbox{store: store, jobs: jobs, actors: actors, dispatcher: dispatcher, relay: relay, deleter: deleter}
}

// Handle is the HTTP handler mounted at POST /inbox and /users/{did}/inbox.
func (in *Inbox) Handle(w http.ResponseWriter, r *http.Request) {
	actorID, err := VerifySignature(r)
	if err != nil {
		slog.Debug("inbox signature rejected", "error", err)
		http.Error(w, "invalid signature", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboxBody))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	var activity IncomingActivity
	if err := json.Unmarshal(body, &activity); err != nil {
		http.Error(w, "invalid activity", http.StatusBadRequest)
		return
	}
	if activity.Type == "" || activity.Actor == "" {
		http.Error(w, "invalid activity", http.StatusBadRequest)
		return
	}

	if activity.ID != "" {
		seen, err := in.jobs.Seen(activity.ID)
		if err != nil {
			slog.Error("replay lookup", "id", activity.ID, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if seen {
			w.WriteHeader(http.StatusAccepted)
			return
		}
	}

	if err := in.process(r.Context(), actorID, &activity); err != nil {
		slog.Error("inbox processing failed", "type", activity.Type, "id", activity.ID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if activity.ID != "" {
		if err := in.jobs.MarkSeen(activity.ID); err != nil {
			slog.Error("mark seen", "id", activity.ID, "error", err)
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

// process routes one verified activity. Returning an error means the server
// should 5xx so the sender retries; everything handled or ignorable returns
// nil.
func (in *Inbox) process(ctx context.Context, signerID string, activity *IncomingActivity) error {
	log := slog.With("type", activity.Type, "actor", activity.Actor, "id", activity.ID)
	if signerID != "" && signerID != activity.Actor {
		log.Warn("signature actor mismatch", "signer", signerID)
		return nil
	}

	switch activity.Type {
	case "Follow":
		return in.handleFollow(ctx, activity)
	case "Undo":
		return in.handleUndo(ctx, activity)
	case "Like":
		return in.handleEngagement(ctx, activity, in.store.AddLike)
	case "Announce":
		return in.handleEngagement(ctx, activity, in.store.AddShare)
	case "Create":
		return in.handleCreate(ctx, activity)
	case "Delete":
		return in.handleDelete(ctx, activity)
	case "Update":
		// Record updates are not bridged.
		log.Debug("ignoring update")
		return nil
	case "Accept":
		// Acknowledgement of our Accept-free model: the sidecar never sends
		// Follow, so an Accept can only be a stray. Log and move on.
		log.Debug("ignoring accept")
		return nil
	default:
		log.Debug("ignoring unhandled activity type")
		return nil
	}
}

func (in *Inbox) handleFollow(ctx context.Context, activity *IncomingActivity) error {
	targetDID := in.actors.DIDFromActorURI(activity.ObjectID())
	if targetDID == "" {
		slog.Warn("follow for non-local actor", "object", activity.ObjectID())
		return nil
	}
	if targetDID == in.actors.ExcludedDID() {
		slog.Warn("follow for relay account ignored", "actor", activity.Actor)
		return nil
	}

	follower, err := FetchActor(ctx, activity.Actor)
	if err != nil {
		slog.Warn("fetch follower failed", "actor", activity.Actor, "error", err)
		return nil
	}
	if follower.Inbox == "" {
		slog.Warn("follower has no inbox", "actor", activity.Actor)
		return nil
	}

	var sharedInbox string
	if follower.Endpoints != nil {
		sharedInbox = follower.Endpoints.SharedInbox
	}
	if err := in.store.AddFollow(db.Follow{
		UserDID:          targetDID,
		ActorURI:         follower.ID,
		ActivityID:       activity.ID,
		ActorInbox:       follower.Inbox,
		ActorSharedInbox: sharedInbox,
	}); err != nil {
		return err
	}

	// Accept goes to the follower's own inbox, never the shared one, so the
	// relationship is confirmed even when the shared inbox lags.
	localActor := in.actors.ActorURI(targetDID)
	accept := Activity{
		Context: DefaultContext,
		ID:      localActor + "#accepts/" + uuid.NewString(),
		Type:    "Accept",
		Actor:   localActor,
		Object: map[string]interface{}{
			"id":     activity.ID,
			"type":   "Follow",
			"actor":  activity.Actor,
			"object": localActor,
		},
		To: []string{follower.ID},
	}
	if err := in.dispatcher.Dispatch(targetDID, accept, []Recipient{{ID: follower.ID, Inbox: follower.Inbox}}); err != nil {
		return err
	}
	slog.Info("new follower", "did", targetDID, "actor", follower.ID)
	return nil
}

func (in *Inbox) handleUndo(ctx context.Context, activity *IncomingActivity) error {
	var inner IncomingActivity
	if err := json.Unmarshal(activity.Object, &inner); err != nil {
		slog.Warn("undo with opaque object", "id", activity.ID)
		return nil
	}
	switch inner.Type {
	case "Follow":
		targetDID := in.actors.DIDFromActorURI(inner.ObjectID())
		if targetDID == "" {
			return nil
		}
		slog.Info("follower left", "did", targetDID, "actor", activity.Actor)
		return in.store.RemoveFollow(targetDID, activity.Actor)
	case "Like":
		return in.store.DeleteLike(inner.ID)
	case "Announce":
		return in.store.DeleteShare(inner.ID)
	default:
		slog.Debug("ignoring undo", "inner", inner.Type)
		return nil
	}
}

func (in *Inbox) handleEngagement(ctx context.Context, activity *IncomingActivity, add func(db.Engagement) error) error {
	atURI := in.localPostAtURI(activity.ObjectID())
	if atURI == "" {
		slog.Debug("engagement for non-local object", "object", activity.ObjectID())
		return nil
	}
	authorDID := didFromAtURI(atURI)
	if authorDID == "" {
		slog.Warn("engagement for malformed record uri", "uri", atURI)
		return nil
	}
	// The object URL is attacker-controlled; only accept engagement on posts
	// whose author actually lives on this PDS.
	if _, err := in.actors.dir.RepoHandle(ctx, authorDID); err != nil {
		slog.Debug("engagement for unknown author", "did", authorDID, "error", err)
		return nil
	}
	if activity.ID == "" {
		slog.Warn("engagement without id", "actor", activity.Actor)
		return nil
	}
	return add(db.Engagement{
		ActivityID:    activity.ID,
		PostAtURI:     atURI,
		PostAuthorDID: authorDID,
		APActorID:     activity.Actor,
		CreatedAt:     activity.Published,
	})
}

func (in *Inbox) handleCreate(ctx context.Context, activity *IncomingActivity) error {
	var note Note
	if err := json.Unmarshal(activity.Object, &note); err != nil {
		slog.Warn("create with undecodable object", "id", activity.ID)
		return nil
	}
	if note.Type != "Note" {
		slog.Debug("ignoring create", "object", note.Type)
		return nil
	}
	parentAtURI := in.localPostAtURI(note.InReplyTo)
	if parentAtURI == "" {
		// Not a reply to a bridged post. Mentions without a thread anchor
		// have nowhere to land on the PDS side.
		slog.Debug("ignoring note outside local threads", "note", note.ID)
		return nil
	}
	if err := in.relay.RelayIncomingReply(ctx, &note, activity.Actor, parentAtURI); err != nil {
		return fmt.Errorf("relay reply %s: %w", note.ID, err)
	}
	return nil
}

func (in *Inbox) handleDelete(ctx context.Context, activity *IncomingActivity) error {
	objectID := activity.ObjectID()
	if objectID == "" {
		return nil
	}

	if objectID == activity.Actor {
		return in.deleteActor(ctx, objectID)
	}

	mapping, err := in.store.GetPostMappingByNoteID(objectID)
	if err != nil {
		return err
	}
	if mapping == nil {
		slog.Debug("delete for unknown object", "object", objectID)
		return nil
	}
	if err := in.deleter.DeleteBridgedRecord(ctx, mapping.AtURI); err != nil {
		return fmt.Errorf("delete bridged record %s: %w", mapping.AtURI, err)
	}
	return in.store.DeletePostMapping(mapping.AtURI)
}

// deleteActor cascades an actor deletion: follows, engagement rows, and
// every record bridged on the actor's behalf.
func (in *Inbox) deleteActor(ctx context.Context, actorID string) error {
	slog.Info("remote actor deleted", "actor", actorID)
	InvalidateActor(actorID)
	if err := in.store.DeleteFollowsByActor(actorID); err != nil {
		return err
	}
	if err := in.store.DeleteEngagementByActor(actorID); err != nil {
		return err
	}
	uris, err := in.store.DeletePostMappingsByActor(actorID)
	if err != nil {
		return err
	}
	for _, uri := range uris {
		if err := in.deleter.DeleteBridgedRecord(ctx, uri); err != nil {
			slog.Warn("delete bridged record failed", "uri", uri, "error", err)
		}
	}
	return nil
}

// localPostAtURI inverts the /posts/{atUri} object URL scheme, returning ""
// for non-local URLs.
func (in *Inbox) localPostAtURI(objectID string) string {
	prefix := in.actors.cfg.BaseURL("/posts/")
	if !strings.HasPrefix(objectID, prefix) {
		return ""
	}
	escaped := strings.TrimPrefix(objectID, prefix)
	atURI, err := url.PathUnescape(escaped)
	if err != nil || !strings.HasPrefix(atURI, "at://") {
		return ""
	}
	return atURI
}

// didFromAtURI extracts the authority from an at:// URI.
func didFromAtURI(atURI string) string {
	rest := strings.TrimPrefix(atURI, "at://")
	if rest == atURI {
		return ""
	}
	if i := strings.IndexByte(rest, '/'); i > 0 {
		return rest[:i]
	}
	return rest
}
