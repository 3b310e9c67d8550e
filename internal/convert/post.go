package convert

import (
	"context"
	"fmt"
	"strings"
	"time"

	appbsky "github.com/bluesky-social/indigo/api/bsky"

	"github.com/klppl/skybridge/internal/ap"
)

const postCollection = "app.bsky.feed.post"

// labelSummaries maps self-label values to the content warning shown on the
// fediverse side.
var labelSummaries = map[string]string{
	"sexual":        "Sexual Content",
	"nudity":        "Nudity",
	"graphic-media": "Graphic Media (Violence/Gore)",
	"porn":          "Sexual Content",
}

// PostConverter bridges app.bsky.feed.post and Note in both directions.
type PostConverter struct{}

func (PostConverter) Collection() string { return postCollection }

// ToActivityPub renders a post record as a Create(Note).
func (PostConverter) ToActivityPub(ctx context.Context, did, rkey string, record map[string]interface{}, env *Env) (*Result, error) {
	var post appbsky.FeedPost
	if err := decodeRecord(record, &post); err != nil {
		return nil, err
	}

	atURI := "at://" + did + "/" + postCollection + "/" + rkey
	actorURI := env.Actors.ActorURI(did)
	objectURI := env.Actors.ObjectURI(atURI)

	resolveMention := func(mentionDID string) string {
		// Mentions only link when the target lives on this PDS; remote DIDs
		// keep their text but lose the anchor.
		if _, err := env.PDS.RepoHandle(ctx, mentionDID); err != nil {
			return ""
		}
		return env.Actors.ActorURI(mentionDID)
	}
	content := FacetsToHTML(post.Text, post.Facets, resolveMention)

	note := &ap.Note{
		ID:           objectURI,
		Type:         "Note",
		AttributedTo: actorURI,
		Content:      content,
		Published:    post.CreatedAt,
		URL:          objectURI,
		To:           ap.StringOrArray{ap.PublicURI},
		CC:           ap.StringOrArray{actorURI + "/followers"},
	}
	if len(post.Langs) > 0 {
		note.ContentMap = map[string]string{post.Langs[0]: content}
	}

	if post.Reply != nil && post.Reply.Parent != nil {
		parentURI := post.Reply.Parent.Uri
		// A parent bridged in from AP points back at the original note so
		// threading survives the round trip.
		if mapping, err := env.Store.GetPostMapping(parentURI); err != nil {
			return nil, err
		} else if mapping != nil {
			note.InReplyTo = mapping.APNoteID
		} else {
			note.InReplyTo = env.Actors.ObjectURI(parentURI)
		}
	}

	note.Attachment = embedAttachments(did, post.Embed, env)
	note.Sensitive, note.Summary = selfLabelSummary(post.Labels)

	activity := ap.Activity{
		Context:   ap.DefaultContext,
		ID:        objectURI + "#create",
		Type:      "Create",
		Actor:     actorURI,
		Object:    note,
		To:        []string{ap.PublicURI},
		CC:        []string{actorURI + "/followers"},
		Published: post.CreatedAt,
	}
	return &Result{Object: note, Activity: activity}, nil
}

func embedAttachments(did string, embed *appbsky.FeedPost_Embed, env *Env) []ap.Attachment {
	if embed == nil {
		return nil
	}
	var out []ap.Attachment
	if embed.EmbedImages != nil {
		for _, img := range embed.EmbedImages.Images {
			if img == nil || img.Image == nil {
				continue
			}
			out = append(out, ap.Attachment{
				Type:      "Document",
				URL:       env.PDS.BlobURL(did, img.Image.Ref.String()),
				MediaType: img.Image.MimeType,
				Name:      img.Alt,
			})
		}
	}
	if embed.EmbedVideo != nil && embed.EmbedVideo.Video != nil {
		att := ap.Attachment{
			Type:      "Document",
			URL:       env.PDS.BlobURL(did, embed.EmbedVideo.Video.Ref.String()),
			MediaType: embed.EmbedVideo.Video.MimeType,
		}
		if embed.EmbedVideo.Alt != nil {
			att.Name = *embed.EmbedVideo.Alt
		}
		out = append(out, att)
	}
	return out
}

func selfLabelSummary(labels *appbsky.FeedPost_Labels) (bool, string) {
	if labels == nil || labels.LabelDefs_SelfLabels == nil {
		return false, ""
	}
	var parts []string
	for _, v := range labels.LabelDefs_SelfLabels.Values {
		if v == nil {
			continue
		}
		if summary, ok := labelSummaries[v.Val]; ok {
			parts = append(parts, summary)
		}
	}
	if len(parts) == 0 {
		return false, ""
	}
	return true, strings.Join(parts, ", ")
}

// ToRecord turns an inbound Note into a post record value. The reply refs
// and persistence belong to the caller.
func (PostConverter) ToRecord(ctx context.Context, note *ap.Note, env *Env) (map[string]interface{}, error) {
	text, anchors := ExtractText(note.Content)
	text = TruncateText(text)

	record := map[string]interface{}{
		"$type":     postCollection,
		"text":      text,
		"createdAt": publishedOrNow(note.Published),
	}

	if facets := anchorFacets(text, anchors, env); len(facets) > 0 {
		record["facets"] = facets
	}
	for lang := range note.ContentMap {
		record["langs"] = []string{lang}
		break
	}
	if labels := noteSelfLabels(note); labels != nil {
		record["labels"] = labels
	}

	embed, err := attachmentEmbed(ctx, note.Attachment, env)
	if err != nil {
		return nil, err
	}
	if embed != nil {
		record["embed"] = embed
	}
	return record, nil
}

// anchorFacets locates each anchor's text inside the flattened post text
// and emits byte-indexed facets. The cursor only moves forward, so repeated
// anchor text maps to successive occurrences.
func anchorFacets(text string, anchors []Anchor, env *Env) []*appbsky.RichtextFacet {
	var facets []*appbsky.RichtextFacet
	cursor := 0
	for _, a := range anchors {
		idx := strings.Index(text[cursor:], a.Text)
		if idx < 0 {
			continue
		}
		start := cursor + idx
		end := start + len(a.Text)
		cursor = end

		var feature *appbsky.RichtextFacet_Features_Elem
		if a.IsMention {
			did := env.Actors.DIDFromActorURI(a.Href)
			if did == "" {
				// Remote mention: keep the text, emit no facet.
				continue
			}
			feature = &appbsky.RichtextFacet_Features_Elem{
				RichtextFacet_Mention: &appbsky.RichtextFacet_Mention{
					LexiconTypeID: "app.bsky.richtext.facet#mention",
					Did:           did,
				},
			}
		} else {
			feature = &appbsky.RichtextFacet_Features_Elem{
				RichtextFacet_Link: &appbsky.RichtextFacet_Link{
					LexiconTypeID: "app.bsky.richtext.facet#link",
					Uri:           a.Href,
				},
			}
		}
		facets = append(facets, &appbsky.RichtextFacet{
			Features: []*appbsky.RichtextFacet_Features_Elem{feature},
			Index: &appbsky.RichtextFacet_ByteSlice{
				ByteStart: int64(start),
				ByteEnd:   int64(end),
			},
		})
	}
	return facets
}

// noteSelfLabels maps {sensitive, summary} back to self-labels by keyword.
func noteSelfLabels(note *ap.Note) map[string]interface{} {
	if !note.Sensitive && note.Summary == "" {
		return nil
	}
	summary := strings.ToLower(note.Summary)
	var vals []map[string]string
	add := func(val string) { vals = append(vals, map[string]string{"val": val}) }
	switch {
	case strings.Contains(summary, "nudity") || strings.Contains(summary, "nude"):
		add("nudity")
	case strings.Contains(summary, "graphic") || strings.Contains(summary, "violence") || strings.Contains(summary, "gore"):
		add("graphic-media")
	case strings.Contains(summary, "sexual"):
		add("sexual")
	case note.Sensitive:
		add("sexual")
	default:
		return nil
	}
	return map[string]interface{}{
		"$type":  "com.atproto.label.defs#selfLabels",
		"values": vals,
	}
}

// attachmentEmbed downloads attachments and re-uploads them as PDS blobs:
// up to four images, or a single video.
func attachmentEmbed(ctx context.Context, attachments []ap.Attachment, env *Env) (map[string]interface{}, error) {
	var images []map[string]interface{}
	for _, att := range attachments {
		switch {
		case strings.HasPrefix(att.MediaType, "video/"):
			blob, err := fetchAndUpload(ctx, att, env)
			if err != nil {
				return nil, err
			}
			video := map[string]interface{}{
				"$type": "app.bsky.embed.video",
				"video": blob,
			}
			if att.Name != "" {
				video["alt"] = att.Name
			}
			return video, nil
		case strings.HasPrefix(att.MediaType, "image/"), att.MediaType == "":
			if len(images) >= 4 {
				continue
			}
			blob, err := fetchAndUpload(ctx, att, env)
			if err != nil {
				return nil, err
			}
			images = append(images, map[string]interface{}{
				"alt":   att.Name,
				"image": blob,
			})
		}
	}
	if len(images) == 0 {
		return nil, nil
	}
	return map[string]interface{}{
		"$type":  "app.bsky.embed.images",
		"images": images,
	}, nil
}

func fetchAndUpload(ctx context.Context, att ap.Attachment, env *Env) (interface{}, error) {
	data, mime, err := env.Fetcher.Fetch(ctx, att.URL)
	if err != nil {
		return nil, fmt.Errorf("attachment %s: %w", att.URL, err)
	}
	if att.MediaType != "" {
		mime = att.MediaType
	}
	blob, err := env.Bridges.Mastodon.UploadBlob(ctx, data, mime)
	if err != nil {
		return nil, fmt.Errorf("upload attachment %s: %w", att.URL, err)
	}
	return blob, nil
}

func publishedOrNow(published string) string {
	if published != "" {
		return published
	}
	return time.Now().UTC().Format(time.RFC3339)
}
