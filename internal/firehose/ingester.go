// Package firehose subscribes to the PDS subscribeRepos stream and turns
// repo commits into outbound federation traffic.
package firehose

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	atproto "github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/events"
	"github.com/gorilla/websocket"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/klppl/skybridge/internal/ap"
	"github.com/klppl/skybridge/internal/config"
	"github.com/klppl/skybridge/internal/convert"
	"github.com/klppl/skybridge/internal/pds"
)

// reconnectDelay is the fixed wait between websocket attempts. The PDS is
// a local sidecar peer, so plain periodic retry is enough.
const reconnectDelay = 5 * time.Second

// Ingester holds the firehose subscription and its downstream collaborators.
type Ingester struct {
	cfg        *config.Config
	env        *convert.Env
	registry   *convert.Registry
	dispatcher *ap.Dispatcher
	bridges    *pds.Manager
}

func NewIngester(cfg *config.Config, env *convert.Env, registry *convert.Registry, dispatcher *ap.Dispatcher, bridges *pds.Manager) *Ingester {
	return &Ingester{cfg: cfg, env: env, registry: registry, dispatcher: dispatcher, bridges: bridges}
}

// Run connects and processes frames until ctx is cancelled, reconnecting
// after every stream failure.
func (in *Ingester) Run(ctx context.Context) {
	for {
		if err := in.connectAndRead(ctx); err != nil {
			slog.Warn("firehose disconnected", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func (in *Ingester) connectAndRead(ctx context.Context) error {
	url := in.cfg.FirehoseURL()
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()
	slog.Info("firehose connected", "url", url)

	// Close the socket when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read frame: %w", err)
		}
		if err := in.handleFrame(ctx, msg); err != nil {
			slog.Error("firehose frame failed", "error", err)
		}
	}
}

// handleFrame decodes one wire frame: CBOR(EventHeader) + CBOR(body).
func (in *Ingester) handleFrame(ctx context.Context, msg []byte) error {
	r := cbg.NewCborReader(bytes.NewReader(msg))

	var header events.EventHeader
	if err := header.UnmarshalCBOR(r); err != nil {
		return fmt.Errorf("decode header: %w", err)
	}
	if header.Op == events.EvtKindErrorFrame {
		var errFrame events.ErrorFrame
		if err := errFrame.UnmarshalCBOR(r); err == nil {
			slog.Error("firehose error frame", "name", errFrame.Error, "message", errFrame.Message)
		}
		return nil
	}
	if header.Op != events.EvtKindMessage || header.MsgType != "#commit" {
		return nil
	}

	var commit atproto.SyncSubscribeRepos_Commit
	if err := commit.UnmarshalCBOR(r); err != nil {
		return fmt.Errorf("decode commit: %w", err)
	}
	return in.handleCommit(ctx, &commit)
}

func (in *Ingester) handleCommit(ctx context.Context, commit *atproto.SyncSubscribeRepos_Commit) error {
	// Records written by the bridge accounts came from the other network;
	// re-federating them would loop.
	if in.bridges.IsBridgeDID(commit.Repo) {
		return nil
	}

	for _, op := range commit.Ops {
		if op == nil {
			continue
		}
		collection, rkey, ok := strings.Cut(op.Path, "/")
		if !ok {
			continue
		}
		conv, ok := in.registry.For(collection)
		if !ok {
			continue
		}

		var err error
		switch op.Action {
		case "create":
			err = in.handleCreate(ctx, conv, commit.Repo, collection, rkey)
		case "delete":
			err = in.handleDelete(ctx, commit.Repo, collection, rkey)
		}
		if err != nil {
			slog.Error("firehose op failed", "repo", commit.Repo, "path", op.Path, "action", op.Action, "error", err)
		}
	}
	return nil
}

func (in *Ingester) handleCreate(ctx context.Context, conv convert.Converter, repo, collection, rkey string) error {
	record, err := in.env.PDS.GetRecord(ctx, repo, collection, rkey)
	if err != nil {
		return fmt.Errorf("fetch record: %w", err)
	}
	result, err := conv.ToActivityPub(ctx, repo, rkey, record.Value, in.env)
	if err != nil {
		return fmt.Errorf("convert record: %w", err)
	}
	if result == nil {
		return nil
	}

	var extra []ap.Recipient
	atURI := "at://" + repo + "/" + collection + "/" + rkey
	if result.Object != nil {
		// Replies to bridged notes also go straight to the original author.
		if reply, ok := record.Value["reply"].(map[string]interface{}); ok {
			if parent, ok := reply["parent"].(map[string]interface{}); ok {
				if parentURI, _ := parent["uri"].(string); parentURI != "" {
					mapping, err := in.env.Store.GetPostMapping(parentURI)
					if err != nil {
						return err
					}
					if mapping != nil && mapping.APActorInbox != "" {
						extra = append(extra, ap.Recipient{ID: mapping.APActorID, Inbox: mapping.APActorInbox})
					}
				}
			}
		}
		if err := in.env.Store.AddMonitoredPost(atURI, repo); err != nil {
			return err
		}
	}

	return in.dispatcher.DispatchToFollowers(repo, result.Activity, extra...)
}

// handleDelete synthesizes the inverse activity. Deterministic ids make the
// original reconstructible without the deleted record.
func (in *Ingester) handleDelete(ctx context.Context, repo, collection, rkey string) error {
	atURI := "at://" + repo + "/" + collection + "/" + rkey
	actorURI := in.env.Actors.ActorURI(repo)
	now := time.Now().UnixMilli()

	switch collection {
	case "app.bsky.feed.like":
		return in.dispatchUndo(repo, actorURI, "Like", in.env.Actors.EngagementURI("likes", atURI), now)
	case "app.bsky.feed.repost":
		return in.dispatchUndo(repo, actorURI, "Announce", in.env.Actors.EngagementURI("reposts", atURI), now)
	case "app.bsky.feed.post":
		if err := in.env.Store.DeleteMonitoredPost(atURI); err != nil {
			return err
		}
		objectURI := in.env.Actors.ObjectURI(atURI)
		del := ap.Activity{
			Context: ap.DefaultContext,
			ID:      fmt.Sprintf("%s#delete-%d", objectURI, now),
			Type:    "Delete",
			Actor:   actorURI,
			Object:  objectURI,
			To:      []string{ap.PublicURI},
			CC:      []string{actorURI + "/followers"},
		}
		return in.dispatcher.DispatchToFollowers(repo, del)
	}
	return nil
}

func (in *Ingester) dispatchUndo(repo, actorURI, innerType, innerID string, now int64) error {
	undo := ap.Activity{
		Context: ap.DefaultContext,
		ID:      fmt.Sprintf("%s#undo-%d", innerID, now),
		Type:    "Undo",
		Actor:   actorURI,
		Object: map[string]interface{}{
			"id":    innerID,
			"type":  innerType,
			"actor": actorURI,
		},
		To: []string{ap.PublicURI},
		CC: []string{actorURI + "/followers"},
	}
	return in.dispatcher.DispatchToFollowers(repo, undo)
}
