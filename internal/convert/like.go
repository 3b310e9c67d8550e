package convert

import (
	"context"

	appbsky "github.com/bluesky-social/indigo/api/bsky"

	"github.com/klppl/skybridge/internal/ap"
)

const likeCollection = "app.bsky.feed.like"

// LikeConverter emits AP Like activities for like records. One-way: AP
// likes arrive through the inbox as engagement rows, never as records.
type LikeConverter struct{}

func (LikeConverter) Collection() string { return likeCollection }

func (LikeConverter) ToActivityPub(ctx context.Context, did, rkey string, record map[string]interface{}, env *Env) (*Result, error) {
	var like appbsky.FeedLike
	if err := decodeRecord(record, &like); err != nil {
		return nil, err
	}
	if like.Subject == nil {
		return nil, nil
	}
	return engagementActivity(ctx, env, "Like", "likes", did, rkey, likeCollection, like.Subject.Uri, like.CreatedAt)
}

func (LikeConverter) ToRecord(ctx context.Context, note *ap.Note, env *Env) (map[string]interface{}, error) {
	return nil, nil
}

// engagementActivity builds a Like or Announce when the subject post's
// author lives on this PDS; engagement with remote posts stays local.
func engagementActivity(ctx context.Context, env *Env, activityType, kind, did, rkey, collection, subjectURI, createdAt string) (*Result, error) {
	subjectDID := didFromAtURI(subjectURI)
	if subjectDID == "" {
		return nil, nil
	}
	if _, err := env.PDS.RepoHandle(ctx, subjectDID); err != nil {
		return nil, nil
	}

	atURI := "at://" + did + "/" + collection + "/" + rkey
	actorURI := env.Actors.ActorURI(did)
	return &Result{
		Activity: ap.Activity{
			Context:   ap.DefaultContext,
			ID:        env.Actors.EngagementURI(kind, atURI),
			Type:      activityType,
			Actor:     actorURI,
			Object:    env.Actors.ObjectURI(subjectURI),
			To:        []string{ap.PublicURI},
			CC:        []string{actorURI + "/followers"},
			Published: createdAt,
		},
	}, nil
}

func didFromAtURI(atURI string) string {
	const prefix = "at://"
	if len(atURI) <= len(prefix) || atURI[:len(prefix)] != prefix {
		return ""
	}
	rest := atURI[len(prefix):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i]
		}
	}
	return rest
}
