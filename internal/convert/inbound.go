package convert

import (
	"context"
	"fmt"
	gohtml "html"
	"log/slog"
	"strings"

	"github.com/klppl/skybridge/internal/ap"
	"github.com/klppl/skybridge/internal/db"
)

// Relay lands inbound fediverse replies on the PDS as records owned by the
// Mastodon bridge account. It satisfies the inbox's NoteRelay dependency.
type Relay struct {
	env  *Env
	post PostConverter
}

func NewRelay(env *Env) *Relay {
	return &Relay{env: env}
}

// RelayIncomingReply converts a reply Note into a post record threaded
// under the local parent, with an attribution line naming the fediverse
// author. Replays of the same note id are no-ops.
func (r *Relay) RelayIncomingReply(ctx context.Context, note *ap.Note, actorID, parentAtURI string) error {
	existing, err := r.env.Store.GetPostMappingByNoteID(note.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	repo, collection, rkey, err := splitAtURI(parentAtURI)
	if err != nil {
		return err
	}
	parent, err := r.env.PDS.GetRecord(ctx, repo, collection, rkey)
	if err != nil {
		slog.Warn("reply parent not found on pds", "parent", parentAtURI, "error", err)
		return nil
	}

	attributed := *note
	attributed.Content = attributionHTML(ctx, actorID) + note.Content

	record, err := r.post.ToRecord(ctx, &attributed, r.env)
	if err != nil {
		return fmt.Errorf("convert reply %s: %w", note.ID, err)
	}
	record["reply"] = replyRefs(parent.URI, parent.CID, parent.Value)

	created, err := r.env.Bridges.Mastodon.CreateRecord(ctx, postCollection, record)
	if err != nil {
		return fmt.Errorf("create bridged reply: %w", err)
	}

	var inbox string
	if actor, err := ap.FetchActor(ctx, actorID); err == nil {
		inbox = actor.Inbox
	}
	if err := r.env.Store.AddPostMapping(db.PostMapping{
		AtURI:        created.URI,
		APNoteID:     note.ID,
		APActorID:    actorID,
		APActorInbox: inbox,
	}); err != nil {
		return err
	}
	slog.Info("bridged fediverse reply", "note", note.ID, "record", created.URI)
	return nil
}

// attributionHTML builds the "<p>{actorLink} replied:</p>" prefix. The
// display name links back only for http(s) actor ids.
func attributionHTML(ctx context.Context, actorID string) string {
	display := gohtml.EscapeString(ap.DisplayHandle(ctx, actorID))
	if strings.HasPrefix(actorID, "https://") || strings.HasPrefix(actorID, "http://") {
		return `<p><a href="` + gohtml.EscapeString(actorID) + `">` + display + `</a> replied:</p>`
	}
	return "<p>" + display + " replied:</p>"
}

// replyRefs derives {root, parent} strong refs, inheriting the parent's own
// root when the parent is itself a reply.
func replyRefs(parentURI, parentCID string, parentValue map[string]interface{}) map[string]interface{} {
	parentRef := map[string]interface{}{"uri": parentURI, "cid": parentCID}
	rootRef := parentRef
	if reply, ok := parentValue["reply"].(map[string]interface{}); ok {
		if root, ok := reply["root"].(map[string]interface{}); ok {
			if uri, _ := root["uri"].(string); uri != "" {
				rootRef = root
			}
		}
	}
	return map[string]interface{}{"root": rootRef, "parent": parentRef}
}

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
