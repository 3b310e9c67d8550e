package backlinks

import (
	"context"
	gohtml "html"
	"log/slog"
	"strings"
	"time"

	"github.com/klppl/skybridge/internal/ap"
	"github.com/klppl/skybridge/internal/convert"
	"github.com/klppl/skybridge/internal/db"
	"github.com/klppl/skybridge/internal/pds"
)

const (
	postsPerCycle     = 25
	backlinksPerQuery = 50
)

// Processor re-broadcasts external Bluesky replies to the fediverse. Each
// cycle takes the monitored posts that have waited longest, asks the
// backlink index for replies, and publishes new ones as Notes from the
// Bluesky bridge actor.
type Processor struct {
	Store      *db.Store
	Index      *Client
	AppView    *pds.Client
	Actors     *ap.Actors
	Dispatcher *ap.Dispatcher
	Bridge     *pds.Account
	Interval   time.Duration
}

// Run polls until ctx is cancelled. A nil Index (no backlink source
// configured) disables the processor.
func (p *Processor) Run(ctx context.Context) {
	if p.Index == nil {
		slog.Info("backlink polling disabled")
		return
	}
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

func (p *Processor) cycle(ctx context.Context) {
	posts, err := p.Store.GetMonitoredPosts(postsPerCycle)
	if err != nil {
		slog.Error("load monitored posts", "error", err)
		return
	}
	for _, post := range posts {
		if err := p.pollPost(ctx, post); err != nil {
			slog.Warn("backlink poll failed", "post", post.AtURI, "error", err)
		}
		// lastChecked advances even on failure so one broken post cannot
		// starve the rest of the queue.
		if err := p.Store.TouchMonitoredPost(post.AtURI); err != nil {
			slog.Error("touch monitored post", "post", post.AtURI, "error", err)
		}
	}
}

func (p *Processor) pollPost(ctx context.Context, post db.MonitoredPost) error {
	links, _, err := p.Index.GetBacklinks(ctx, post.AtURI, backlinksPerQuery, "")
	if err != nil {
		return err
	}
	for _, link := range links {
		relayed, err := p.Store.HasExternalReply(link.URI)
		if err != nil {
			return err
		}
		if relayed {
			continue
		}
		if err := p.relayReply(ctx, post, link); err != nil {
			slog.Warn("relay external reply failed", "reply", link.URI, "error", err)
		}
	}
	return nil
}

// relayReply fetches the reply record from the AppView and federates it as
// a Note owned by the Bluesky bridge actor.
func (p *Processor) relayReply(ctx context.Context, post db.MonitoredPost, link Backlink) error {
	rest := strings.TrimPrefix(link.URI, "at://")
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return nil
	}
	authorDID := link.DID
	if authorDID == "" {
		authorDID = parts[0]
	}

	record, err := p.AppView.GetRecord(ctx, parts[0], parts[1], parts[2])
	if err != nil {
		return err
	}
	text, _ := record.Value["text"].(string)

	bridgeActor := p.Actors.ActorURI(p.Bridge.DID())
	noteID := p.Actors.ObjectURI(link.URI)
	note := &ap.Note{
		ID:           noteID,
		Type:         "Note",
		AttributedTo: bridgeActor,
		Content:      externalReplyHTML(ctx, p.AppView, authorDID, text),
		Published:    publishedAt(record.Value),
		URL:          noteID,
		InReplyTo:    p.Actors.ObjectURI(post.AtURI),
		To:           ap.StringOrArray{ap.PublicURI},
		CC:           ap.StringOrArray{bridgeActor + "/followers"},
	}
	create := ap.Activity{
		Context:   ap.DefaultContext,
		ID:        noteID + "#create",
		Type:      "Create",
		Actor:     bridgeActor,
		Object:    note,
		To:        []string{ap.PublicURI},
		CC:        []string{bridgeActor + "/followers"},
		Published: note.Published,
	}

	// The audience is the parent author's followers: they saw the original
	// post, so they get its off-PDS replies too.
	followers, err := p.Store.GetFollowers(post.AuthorDID)
	if err != nil {
		return err
	}
	recipients := make([]ap.Recipient, 0, len(followers))
	for _, f := range followers {
		recipients = append(recipients, ap.Recipient{ID: f.ActorURI, Inbox: f.ActorInbox, SharedInbox: f.ActorSharedInbox})
	}
	if err := p.Dispatcher.Dispatch(p.Bridge.DID(), create, recipients); err != nil {
		return err
	}

	if err := p.Store.AddExternalReply(db.ExternalReply{
		AtURI:       link.URI,
		ParentAtURI: post.AtURI,
		AuthorDID:   authorDID,
		APNoteID:    noteID,
	}); err != nil {
		return err
	}
	slog.Info("external reply bridged", "reply", link.URI, "parent", post.AtURI)
	return nil
}

// externalReplyHTML renders the reply with an attribution line naming the
// external author by handle when the AppView can resolve one.
func externalReplyHTML(ctx context.Context, appview *pds.Client, authorDID, text string) string {
	display := authorDID
	if handle, err := appview.RepoHandle(ctx, authorDID); err == nil && handle != "" {
		display = "@" + handle
	}
	body := convert.FacetsToHTML(text, nil, func(string) string { return "" })
	return "<p>" + gohtml.EscapeString(display) + " replied on Bluesky:</p>" + body
}

func publishedAt(value map[string]interface{}) string {
	if s, _ := value["createdAt"].(string); s != "" {
		return s
	}
	return time.Now().UTC().Format(time.RFC3339)
}
