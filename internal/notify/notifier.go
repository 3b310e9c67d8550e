package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/rivo/uniseg"

	"github.com/klppl/skybridge/internal/ap"
	"github.com/klppl/skybridge/internal/db"
	"github.com/klppl/skybridge/internal/pds"
)

const (
	cyclePause   = time.Second
	fetchLimit   = 200
	previewChars = 60
	maxNames     = 3
)

// DMSender is satisfied by ChatClient; swapped out in tests.
type DMSender interface {
	SendDM(ctx context.Context, recipientDID, text string) error
}

// Notifier periodically collects unnotified likes and shares and DMs each
// affected author one summary. Rows younger than BatchDelay are left for a
// later cycle so bursts collapse into one message.
type Notifier struct {
	Store      *db.Store
	PDS        *pds.Client
	Chat       DMSender
	BatchDelay time.Duration
}

// Run cycles until ctx is cancelled, pausing one second after each cycle.
func (n *Notifier) Run(ctx context.Context) {
	for {
		if err := n.Cycle(ctx); err != nil {
			slog.Warn("notifier cycle aborted", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(cyclePause):
		}
	}
}

// postEngagement groups the rows for one post.
type postEngagement struct {
	likes  []db.Engagement
	shares []db.Engagement
}

// Cycle runs one collection pass. The first DM failure aborts the cycle:
// the chat service is assumed down, and already-notified authors keep
// their marks.
func (n *Notifier) Cycle(ctx context.Context) error {
	olderThan := time.Now().Add(-n.BatchDelay).UTC().Format(time.RFC3339)
	likes, err := n.Store.GetUnnotifiedLikes(olderThan, fetchLimit)
	if err != nil {
		return err
	}
	shares, err := n.Store.GetUnnotifiedShares(olderThan, fetchLimit)
	if err != nil {
		return err
	}
	if len(likes) == 0 && len(shares) == 0 {
		return nil
	}

	// author -> post -> rows
	byAuthor := make(map[string]map[string]*postEngagement)
	group := func(e db.Engagement, share bool) {
		posts, ok := byAuthor[e.PostAuthorDID]
		if !ok {
			posts = make(map[string]*postEngagement)
			byAuthor[e.PostAuthorDID] = posts
		}
		pe, ok := posts[e.PostAtURI]
		if !ok {
			pe = &postEngagement{}
			posts[e.PostAtURI] = pe
		}
		if share {
			pe.shares = append(pe.shares, e)
		} else {
			pe.likes = append(pe.likes, e)
		}
	}
	for _, e := range likes {
		group(e, false)
	}
	for _, e := range shares {
		group(e, true)
	}

	displayCache := make(map[string]string)
	for author, posts := range byAuthor {
		message := n.renderMessage(ctx, posts, displayCache)
		if err := n.Chat.SendDM(ctx, author, message); err != nil {
			return fmt.Errorf("dm %s: %w", author, err)
		}
		var likeIDs, shareIDs []string
		for _, pe := range posts {
			for _, e := range pe.likes {
				likeIDs = append(likeIDs, e.ActivityID)
			}
			for _, e := range pe.shares {
				shareIDs = append(shareIDs, e.ActivityID)
			}
		}
		if err := n.Store.MarkLikesNotified(likeIDs); err != nil {
			return err
		}
		if err := n.Store.MarkSharesNotified(shareIDs); err != nil {
			return err
		}
		slog.Info("engagement summary sent", "author", author, "likes", len(likeIDs), "shares", len(shareIDs))
	}
	return nil
}

func (n *Notifier) renderMessage(ctx context.Context, posts map[string]*postEngagement, displayCache map[string]string) string {
	var b strings.Builder
	b.WriteString("Your post received Fediverse engagement:")
	for atURI, pe := range posts {
		b.WriteString("\n\n")
		b.WriteString(`"` + n.postPreview(ctx, atURI) + `"`)
		if len(pe.likes) > 0 {
			fmt.Fprintf(&b, "\n%s from %s", plural(len(pe.likes), "like"), n.actorList(ctx, pe.likes, displayCache))
		}
		if len(pe.shares) > 0 {
			fmt.Fprintf(&b, "\n%s from %s", plural(len(pe.shares), "repost"), n.actorList(ctx, pe.shares, displayCache))
		}
	}
	return b.String()
}

// postPreview fetches the post text, falling back to the record key when
// the record is gone.
func (n *Notifier) postPreview(ctx context.Context, atURI string) string {
	rest := strings.TrimPrefix(atURI, "at://")
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return atURI
	}
	record, err := n.PDS.GetRecord(ctx, parts[0], parts[1], parts[2])
	if err != nil {
		return parts[2]
	}
	text, _ := record.Value["text"].(string)
	if text == "" {
		return parts[2]
	}
	return truncatePreview(text)
}

// actorList renders up to maxNames actor handles plus "and N others".
func (n *Notifier) actorList(ctx context.Context, rows []db.Engagement, displayCache map[string]string) string {
	var names []string
	for _, e := range rows {
		if len(names) == maxNames {
			break
		}
		display, ok := displayCache[e.APActorID]
		if !ok {
			display = ap.DisplayHandle(ctx, e.APActorID)
			displayCache[e.APActorID] = display
		}
		names = append(names, display)
	}
	out := strings.Join(names, ", ")
	if rest := len(rows) - len(names); rest > 0 {
		out += fmt.Sprintf(" and %d others", rest)
	}
	return out
}

func truncatePreview(text string) string {
	if uniseg.GraphemeClusterCount(text) <= previewChars {
		return text
	}
	var (
		out   strings.Builder
		state = -1
		rest  = text
	)
	for i := 0; i < previewChars && len(rest) > 0; i++ {
		var cluster string
		cluster, rest, _, state = uniseg.FirstGraphemeClusterInString(rest, state)
		out.WriteString(cluster)
	}
	return out.String() + "..."
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
