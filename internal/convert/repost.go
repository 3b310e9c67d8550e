package convert

import (
	"context"

	appbsky "github.com/bluesky-social/indigo/api/bsky"

	"github.com/klppl/skybridge/internal/ap"
)

const repostCollection = "app.bsky.feed.repost"

// RepostConverter emits AP Announce activities for repost records. One-way,
// like LikeConverter.
type RepostConverter struct{}

func (RepostConverter) Collection() string { return repostCollection }

func (RepostConverter) ToActivityPub(ctx context.Context, did, rkey string, record map[string]interface{}, env *Env) (*Result, error) {
	var repost appbsky.FeedRepost
	if err := decodeRecord(record, &repost); err != nil {
		return nil, err
	}
	if repost.Subject == nil {
		return nil, nil
	}
	return engagementActivity(ctx, env, "Announce", "reposts", did, rkey, repostCollection, repost.Subject.Uri, repost.CreatedAt)
}

func (RepostConverter) ToRecord(ctx context.Context, note *ap.Note, env *Env) (map[string]interface{}, error) {
	return nil, nil
}
