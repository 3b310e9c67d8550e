package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// BridgeProfile describes one of the two PDS-resident relay accounts.
type BridgeProfile struct {
	Handle      string
	DisplayName string
	Description string
	AvatarURL   string
}

// Config holds all runtime configuration loaded from environment variables.
type Config struct {
	Port      string
	Hostname  string
	PublicURL string

	PDSURL        string
	PDSAdminToken string

	DatabaseURL string
	QueueDBPath string

	FirehoseEnabled bool
	FirehoseCursor  string

	MastodonBridge BridgeProfile
	BlueskyBridge  BridgeProfile

	ConstellationURL          string
	ConstellationPollInterval time.Duration

	AppViewURL string

	EngagementBatchDelay time.Duration

	// AllowPrivateAddress disables the loopback/private-range guard on blob
	// downloads. Testing only.
	AllowPrivateAddress bool
}

// Load reads configuration from environment variables.
// Exits if required variables (PDS_ADMIN_TOKEN) are missing.
func Load() *Config {
	adminToken := os.Getenv("PDS_ADMIN_TOKEN")
	if adminToken == "" {
		fmt.Fprintln(os.Stderr, "ERROR: PDS_ADMIN_TOKEN is not set!")
		fmt.Fprintln(os.Stderr, "Set it to the PDS admin password so bridge accounts can be provisioned.")
		os.Exit(1)
	}

	port := getEnv("PORT", "8000")
	publicURL := getEnv("PUBLIC_URL", "http://localhost:"+port)

	hostname := os.Getenv("HOSTNAME")
	if hostname == "" {
		if u, err := url.Parse(publicURL); err == nil {
			hostname = u.Hostname()
		}
	}

	return &Config{
		Port:            port,
		Hostname:        hostname,
		PublicURL:       strings.TrimRight(publicURL, "/"),
		PDSURL:          strings.TrimRight(getEnv("PDS_URL", "http://localhost:2583"), "/"),
		PDSAdminToken:   adminToken,
		DatabaseURL:     getEnv("DATABASE_URL", "skybridge.db"),
		QueueDBPath:     getEnv("QUEUE_DB_PATH", "skybridge-queue"),
		FirehoseEnabled: getEnv("FIREHOSE_ENABLED", "true") != "false",
		FirehoseCursor:  os.Getenv("FIREHOSE_CURSOR"),
		MastodonBridge: BridgeProfile{
			Handle:      getEnv("BRIDGE_MASTODON_HANDLE", "mastodon-bridge"),
			DisplayName: getEnv("BRIDGE_MASTODON_DISPLAY_NAME", "Mastodon Bridge"),
			Description: getEnv("BRIDGE_MASTODON_DESCRIPTION", "Relays Fediverse replies to this PDS."),
			AvatarURL:   os.Getenv("BRIDGE_MASTODON_AVATAR_URL"),
		},
		BlueskyBridge: BridgeProfile{
			Handle:      getEnv("BRIDGE_BLUESKY_HANDLE", "bluesky-bridge"),
			DisplayName: getEnv("BRIDGE_BLUESKY_DISPLAY_NAME", "Bluesky Bridge"),
			Description: getEnv("BRIDGE_BLUESKY_DESCRIPTION", "Relays external Bluesky replies to the Fediverse."),
			AvatarURL:   os.Getenv("BRIDGE_BLUESKY_AVATAR_URL"),
		},
		ConstellationURL:          strings.TrimRight(os.Getenv("CONSTELLATION_URL"), "/"),
		ConstellationPollInterval: parseDuration(os.Getenv("CONSTELLATION_POLL_INTERVAL"), time.Minute),
		AppViewURL:                strings.TrimRight(getEnv("APPVIEW_URL", "https://public.api.bsky.app"), "/"),
		EngagementBatchDelay:      parseDuration(os.Getenv("ENGAGEMENT_BATCH_DELAY"), 5*time.Minute),
		AllowPrivateAddress:       os.Getenv("ALLOW_PRIVATE_ADDRESS") == "true",
	}
}

// URL returns the parsed public URL as a *url.URL.
func (c *Config) URL() *url.URL {
	u, _ := url.Parse(c.PublicURL)
	return u
}

// BaseURL constructs an absolute URL from a path.
func (c *Config) BaseURL(path string) string {
	return c.PublicURL + path
}

// FirehoseURL returns the websocket URL of the PDS subscribeRepos stream.
func (c *Config) FirehoseURL() string {
	ws := c.PDSURL
	switch {
	case strings.HasPrefix(ws, "https://"):
		ws = "wss://" + strings.TrimPrefix(ws, "https://")
	case strings.HasPrefix(ws, "http://"):
		ws = "ws://" + strings.TrimPrefix(ws, "http://")
	}
	u := ws + "/xrpc/com.atproto.sync.subscribeRepos"
	if c.FirehoseCursor != "" {
		u += "?cursor=" + url.QueryEscape(c.FirehoseCursor)
	}
	return u
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
