// skybridge is a federation sidecar for a self-hosted ATProto PDS. It
// exposes every account on the PDS as an ActivityPub actor, relays
// fediverse replies and engagement back onto the PDS, and re-broadcasts
// external Bluesky replies to fediverse followers.
//
// Usage:
//
//	export PDS_URL=http://localhost:2583
//	export PDS_ADMIN_TOKEN=<pds admin password>
//	export PUBLIC_URL=https://bridge.example.com
//	./skybridge
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/klppl/skybridge/internal/ap"
	"github.com/klppl/skybridge/internal/backlinks"
	"github.com/klppl/skybridge/internal/config"
	"github.com/klppl/skybridge/internal/convert"
	"github.com/klppl/skybridge/internal/db"
	"github.com/klppl/skybridge/internal/firehose"
	"github.com/klppl/skybridge/internal/notify"
	"github.com/klppl/skybridge/internal/pds"
	"github.com/klppl/skybridge/internal/queue"
	"github.com/klppl/skybridge/internal/server"
)

// pdsDirectory adapts the XRPC client to the actor package's lookup needs.
type pdsDirectory struct {
	*pds.Client
}

func (d pdsDirectory) Profile(ctx context.Context, did string) (*ap.ProfileInfo, error) {
	p, err := d.Client.Profile(ctx, did)
	if err != nil {
		return nil, err
	}
	return &ap.ProfileInfo{
		DisplayName: p.DisplayName,
		Description: p.Description,
		AvatarCID:   p.AvatarCID,
		BannerCID:   p.BannerCID,
	}, nil
}

func main() {
	// Structured JSON logging by default — easy to parse with any log aggregator.
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	slog.Info("starting skybridge", "version", "1.0.0")

	// ─── Configuration ────────────────────────────────────────────────────────
	cfg := config.Load()
	slog.Info("config loaded",
		"publicUrl", cfg.PublicURL,
		"pds", cfg.PDSURL,
		"database", cfg.DatabaseURL,
		"firehose", cfg.FirehoseEnabled,
	)

	// ─── Databases ────────────────────────────────────────────────────────────
	store, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to open database", "error", err, "url", cfg.DatabaseURL)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Migrate(); err != nil {
		slog.Error("database migration failed", "error", err)
		os.Exit(1)
	}

	jobs, err := queue.Open(cfg.QueueDBPath)
	if err != nil {
		slog.Error("failed to open queue database", "error", err, "path", cfg.QueueDBPath)
		os.Exit(1)
	}
	defer jobs.Close()

	// ─── Graceful shutdown ────────────────────────────────────────────────────
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// ─── PDS client and bridge accounts ───────────────────────────────────────
	pdsClient := pds.NewClient(cfg.PDSURL, cfg.PDSAdminToken)
	bridges := pds.NewManager(cfg, pdsClient, store)
	if err := bridges.Setup(ctx); err != nil {
		slog.Error("bridge account setup failed", "error", err)
		os.Exit(1)
	}

	// ─── ActivityPub core ─────────────────────────────────────────────────────
	keys := ap.NewKeyStore(store)
	actors := ap.NewActors(cfg, keys, pdsDirectory{pdsClient})
	actors.ExcludedDID = bridges.Mastodon.DID

	dispatcher := ap.NewDispatcher(store, jobs, keys, actors)
	go dispatcher.Run(ctx)

	// ─── Converters ───────────────────────────────────────────────────────────
	env := &convert.Env{
		Store:   store,
		PDS:     pdsClient,
		Actors:  actors,
		Bridges: bridges,
		Fetcher: convert.NewBlobFetcher(cfg.AllowPrivateAddress),
	}
	registry := convert.NewRegistry(
		convert.PostConverter{},
		convert.LikeConverter{},
		convert.RepostConverter{},
	)
	relay := convert.NewRelay(env)
	inbox := ap.NewInbox(store, jobs, actors, dispatcher, relay, bridges.Mastodon)

	// ─── Background loops ─────────────────────────────────────────────────────
	if cfg.FirehoseEnabled {
		ingester := firehose.NewIngester(cfg, env, registry, dispatcher, bridges)
		go ingester.Run(ctx)
	} else {
		slog.Info("firehose disabled")
	}

	notifier := &notify.Notifier{
		Store:      store,
		PDS:        pdsClient,
		Chat:       notify.NewChatClient(bridges.Mastodon),
		BatchDelay: cfg.EngagementBatchDelay,
	}
	go notifier.Run(ctx)

	var index *backlinks.Client
	if cfg.ConstellationURL != "" {
		index = backlinks.NewClient(cfg.ConstellationURL)
	}
	processor := &backlinks.Processor{
		Store:      store,
		Index:      index,
		AppView:    pds.NewClient(cfg.AppViewURL, ""),
		Actors:     actors,
		Dispatcher: dispatcher,
		Bridge:     bridges.Bluesky,
		Interval:   cfg.ConstellationPollInterval,
	}
	go processor.Run(ctx)

	// ─── HTTP server ──────────────────────────────────────────────────────────
	srv := server.New(cfg, store, actors, inbox, env, registry)
	srv.Start(ctx) // blocks until ctx is cancelled

	slog.Info("skybridge stopped")
}
