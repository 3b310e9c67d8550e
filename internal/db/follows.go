package db

import (
	"database/sql"
	"fmt"
)

// Follow is one accepted follower relationship for a local account.
// ActorSharedInbox is empty when the remote server exposes none.
type Follow struct {
	UserDID          string
	ActorURI         string
	ActivityID       string
	ActorInbox       string
	ActorSharedInbox string
	CreatedAt        string
}

// AddFollow records an accepted follow. Duplicate inserts for the same
// (userDid, actorUri) pair are no-ops; the firehose and inboxes may replay.
func (s *Store) AddFollow(f Follow) error {
	if f.CreatedAt == "" {
		f.CreatedAt = now()
	}
	q := s.insertIgnore("follows",
		"user_did, actor_uri, activity_id, actor_inbox, actor_shared_inbox, created_at",
		"?, ?, ?, ?, ?, ?")
	_, err := s.db.Exec(q, f.UserDID, f.ActorURI, f.ActivityID, f.ActorInbox,
		nullable(f.ActorSharedInbox), f.CreatedAt)
	if err != nil {
		return fmt.Errorf("add follow: %w", err)
	}
	return nil
}

// RemoveFollow deletes a follow relationship. Missing rows are not an error.
func (s *Store) RemoveFollow(userDID, actorURI string) error {
	_, err := s.db.Exec(s.rebind(`DELETE FROM follows WHERE user_did = ? AND actor_uri = ?`), userDID, actorURI)
	if err != nil {
		return fmt.Errorf("remove follow: %w", err)
	}
	return nil
}

// DeleteFollowsByActor removes every follow originating from a remote actor,
// across all local accounts. Used when the actor is deleted.
func (s *Store) DeleteFollowsByActor(actorURI string) error {
	_, err := s.db.Exec(s.rebind(`DELETE FROM follows WHERE actor_uri = ?`), actorURI)
	if err != nil {
		return fmt.Errorf("delete follows by actor: %w", err)
	}
	return nil
}

// GetFollowers returns every follower of a local account, newest first.
func (s *Store) GetFollowers(userDID string) ([]Follow, error) {
	rows, err := s.db.Query(s.rebind(
		`SELECT user_did, actor_uri, activity_id, actor_inbox, actor_shared_inbox, created_at
		 FROM follows WHERE user_did = ? ORDER BY created_at DESC`), userDID)
	if err != nil {
		return nil, fmt.Errorf("get followers: %w", err)
	}
	return scanFollows(rows)
}

// GetFollowersPage returns one keyset page of followers ordered by
// created_at descending. cursor is the created_at of the last row of the
// previous page ("" for the first page). nextCursor is "" on the last page.
func (s *Store) GetFollowersPage(userDID, cursor string, limit int) (follows []Follow, nextCursor string, err error) {
	var rows *sql.Rows
	// Fetch limit+1 rows so the presence of an extra row signals another page.
	if cursor == "" {
		rows, err = s.db.Query(s.rebind(
			`SELECT user_did, actor_uri, activity_id, actor_inbox, actor_shared_inbox, created_at
			 FROM follows WHERE user_did = ? ORDER BY created_at DESC LIMIT ?`), userDID, limit+1)
	} else {
		rows, err = s.db.Query(s.rebind(
			`SELECT user_did, actor_uri, activity_id, actor_inbox, actor_shared_inbox, created_at
			 FROM follows WHERE user_did = ? AND created_at < ? ORDER BY created_at DESC LIMIT ?`),
			userDID, cursor, limit+1)
	}
	if err != nil {
		return nil, "", fmt.Errorf("get followers page: %w", err)
	}
	follows, err = scanFollows(rows)
	if err != nil {
		return nil, "", err
	}
	if len(follows) > limit {
		follows = follows[:limit]
		nextCursor = follows[len(follows)-1].CreatedAt
	}
	return follows, nextCursor, nil
}

// CountFollowers returns the number of followers for a local account.
func (s *Store) CountFollowers(userDID string) (int, error) {
	var n int
	err := s.db.QueryRow(s.rebind(`SELECT COUNT(*) FROM follows WHERE user_did = ?`), userDID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count followers: %w", err)
	}
	return n, nil
}

// GetFollow returns one follow row, or (nil, nil) when absent.
func (s *Store) GetFollow(userDID, actorURI string) (*Follow, error) {
	var f Follow
	var shared sql.NullString
	err := s.db.QueryRow(s.rebind(
		`SELECT user_did, actor_uri, activity_id, actor_inbox, actor_shared_inbox, created_at
		 FROM follows WHERE user_did = ? AND actor_uri = ?`), userDID, actorURI).
		Scan(&f.UserDID, &f.ActorURI, &f.ActivityID, &f.ActorInbox, &shared, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get follow: %w", err)
	}
	f.ActorSharedInbox = shared.String
	return &f, nil
}

func scanFollows(rows *sql.Rows) ([]Follow, error) {
	defer rows.Close()
	var result []Follow
	for rows.Next() {
		var f Follow
		var shared sql.NullString
		if err := rows.Scan(&f.UserDID, &f.ActorURI, &f.ActivityID, &f.ActorInbox, &shared, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.ActorSharedInbox = shared.String
		result = append(result, f)
	}
	return result, rows.Err()
}

// nullable maps "" to NULL so optional columns stay NULL instead of empty.
func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
