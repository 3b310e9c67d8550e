package db

import (
	"database/sql"
	"fmt"
)

// PostMapping links a local ATProto record created by the bridge back to the
// remote AP Note it was created in response to. Later local replies use the
// mapping to target the original author's inbox directly.
type PostMapping struct {
	AtURI        string
	APNoteID     string
	APActorID    string
	APActorInbox string
	CreatedAt    string
}

// AddPostMapping inserts a mapping. Idempotent on atUri.
func (s *Store) AddPostMapping(m PostMapping) error {
	if m.CreatedAt == "" {
		m.CreatedAt = now()
	}
	q := s.insertIgnore("post_mappings", "at_uri, ap_note_id, ap_actor_id, ap_actor_inbox, created_at", "?, ?, ?, ?, ?")
	if _, err := s.db.Exec(q, m.AtURI, m.APNoteID, m.APActorID, m.APActorInbox, m.CreatedAt); err != nil {
		return fmt.Errorf("add post mapping: %w", err)
	}
	return nil
}

// GetPostMapping looks up a mapping by the local record URI.
// Returns (nil, nil) when absent.
func (s *Store) GetPostMapping(atURI string) (*PostMapping, error) {
	return s.getPostMapping(`at_uri = ?`, atURI)
}

// GetPostMappingByNoteID looks up a mapping by the remote Note id.
func (s *Store) GetPostMappingByNoteID(apNoteID string) (*PostMapping, error) {
	return s.getPostMapping(`ap_note_id = ?`, apNoteID)
}

func (s *Store) getPostMapping(where string, arg string) (*PostMapping, error) {
	var m PostMapping
	err := s.db.QueryRow(s.rebind(
		`SELECT at_uri, ap_note_id, ap_actor_id, ap_actor_inbox, created_at
		 FROM post_mappings WHERE `+where), arg).
		Scan(&m.AtURI, &m.APNoteID, &m.APActorID, &m.APActorInbox, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get post mapping: %w", err)
	}
	return &m, nil
}

// DeletePostMapping removes a mapping by local record URI.
func (s *Store) DeletePostMapping(atURI string) error {
	if _, err := s.db.Exec(s.rebind(`DELETE FROM post_mappings WHERE at_uri = ?`), atURI); err != nil {
		return fmt.Errorf("delete post mapping: %w", err)
	}
	return nil
}

// DeletePostMappingsByActor removes every mapping originating from a remote
// actor and returns the local record URIs that were mapped, so the caller
// can delete the bridged records themselves.
func (s *Store) DeletePostMappingsByActor(apActorID string) ([]string, error) {
	rows, err := s.db.Query(s.rebind(`SELECT at_uri FROM post_mappings WHERE ap_actor_id = ?`), apActorID)
	if err != nil {
		return nil, fmt.Errorf("list post mappings by actor: %w", err)
	}
	uris, err := scanStrings(rows)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.Exec(s.rebind(`DELETE FROM post_mappings WHERE ap_actor_id = ?`), apActorID); err != nil {
		return nil, fmt.Errorf("delete post mappings by actor: %w", err)
	}
	return uris, nil
}

// MonitoredPost is a local post polled for external backlinks.
type MonitoredPost struct {
	AtURI       string
	AuthorDID   string
	LastChecked string
	CreatedAt   string
}

// AddMonitoredPost registers a post for backlink polling. Idempotent on atUri.
func (s *Store) AddMonitoredPost(atURI, authorDID string) error {
	q := s.insertIgnore("monitored_posts", "at_uri, author_did, last_checked, created_at", "?, ?, NULL, ?")
	if _, err := s.db.Exec(q, atURI, authorDID, now()); err != nil {
		return fmt.Errorf("add monitored post: %w", err)
	}
	return nil
}

// DeleteMonitoredPost stops polling a post.
func (s *Store) DeleteMonitoredPost(atURI string) error {
	if _, err := s.db.Exec(s.rebind(`DELETE FROM monitored_posts WHERE at_uri = ?`), atURI); err != nil {
		return fmt.Errorf("delete monitored post: %w", err)
	}
	return nil
}

// GetMonitoredPosts returns up to limit monitored posts, never-checked rows
// first, then oldest lastChecked first.
func (s *Store) GetMonitoredPosts(limit int) ([]MonitoredPost, error) {
	rows, err := s.db.Query(s.rebind(
		`SELECT at_uri, author_did, last_checked, created_at FROM monitored_posts
		 ORDER BY last_checked IS NOT NULL, last_checked ASC LIMIT ?`), limit)
	if err != nil {
		return nil, fmt.Errorf("get monitored posts: %w", err)
	}
	defer rows.Close()
	var result []MonitoredPost
	for rows.Next() {
		var p MonitoredPost
		var checked sql.NullString
		if err := rows.Scan(&p.AtURI, &p.AuthorDID, &checked, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.LastChecked = checked.String
		result = append(result, p)
	}
	return result, rows.Err()
}

// TouchMonitoredPost records a completed poll regardless of its outcome.
func (s *Store) TouchMonitoredPost(atURI string) error {
	if _, err := s.db.Exec(s.rebind(`UPDATE monitored_posts SET last_checked = ? WHERE at_uri = ?`), now(), atURI); err != nil {
		return fmt.Errorf("touch monitored post: %w", err)
	}
	return nil
}

// ExternalReply is a reply discovered through the backlink source that has
// been relayed (or is being relayed) as an AP Note.
type ExternalReply struct {
	AtURI       string
	ParentAtURI string
	AuthorDID   string
	APNoteID    string
	CreatedAt   string
}

// AddExternalReply records a relayed reply. Idempotent on atUri.
func (s *Store) AddExternalReply(r ExternalReply) error {
	if r.CreatedAt == "" {
		r.CreatedAt = now()
	}
	q := s.insertIgnore("external_replies", "at_uri, parent_at_uri, author_did, ap_note_id, created_at", "?, ?, ?, ?, ?")
	if _, err := s.db.Exec(q, r.AtURI, r.ParentAtURI, r.AuthorDID, r.APNoteID, r.CreatedAt); err != nil {
		return fmt.Errorf("add external reply: %w", err)
	}
	return nil
}

// HasExternalReply reports whether a reply has already been relayed.
func (s *Store) HasExternalReply(atURI string) (bool, error) {
	var one int
	err := s.db.QueryRow(s.rebind(`SELECT 1 FROM external_replies WHERE at_uri = ?`), atURI).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("has external reply: %w", err)
	}
	return true, nil
}

func scanStrings(rows *sql.Rows) ([]string, error) {
	defer rows.Close()
	var result []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, rows.Err()
}
