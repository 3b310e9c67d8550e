package db

import (
	"database/sql"
	"fmt"
)

// Engagement is one received Like or Announce for a local post.
// NotifiedAt is set once a summary DM covering the row has been sent.
type Engagement struct {
	ActivityID    string
	PostAtURI     string
	PostAuthorDID string
	APActorID     string
	CreatedAt     string
	NotifiedAt    string
}

// AddLike records an AP Like for a local post. Idempotent on activityId.
func (s *Store) AddLike(e Engagement) error {
	return s.addEngagement("likes", e)
}

// AddShare records an AP Announce for a local post. Idempotent on activityId.
func (s *Store) AddShare(e Engagement) error {
	return s.addEngagement("shares", e)
}

func (s *Store) addEngagement(table string, e Engagement) error {
	if e.CreatedAt == "" {
		e.CreatedAt = now()
	}
	q := s.insertIgnore(table, "activity_id, post_at_uri, post_author_did, ap_actor_id, created_at, notified_at", "?, ?, ?, ?, ?, NULL")
	if _, err := s.db.Exec(q, e.ActivityID, e.PostAtURI, e.PostAuthorDID, e.APActorID, e.CreatedAt); err != nil {
		return fmt.Errorf("add %s row: %w", table, err)
	}
	return nil
}

// DeleteLike removes a like by activity id (Undo handling).
func (s *Store) DeleteLike(activityID string) error {
	return s.deleteEngagement("likes", activityID)
}

// DeleteShare removes a share by activity id (Undo handling).
func (s *Store) DeleteShare(activityID string) error {
	return s.deleteEngagement("shares", activityID)
}

func (s *Store) deleteEngagement(table, activityID string) error {
	if _, err := s.db.Exec(s.rebind(`DELETE FROM `+table+` WHERE activity_id = ?`), activityID); err != nil {
		return fmt.Errorf("delete %s row: %w", table, err)
	}
	return nil
}

// DeleteEngagementByActor removes all likes and shares from one remote actor.
func (s *Store) DeleteEngagementByActor(apActorID string) error {
	if _, err := s.db.Exec(s.rebind(`DELETE FROM likes WHERE ap_actor_id = ?`), apActorID); err != nil {
		return fmt.Errorf("delete likes by actor: %w", err)
	}
	if _, err := s.db.Exec(s.rebind(`DELETE FROM shares WHERE ap_actor_id = ?`), apActorID); err != nil {
		return fmt.Errorf("delete shares by actor: %w", err)
	}
	return nil
}

// GetUnnotifiedLikes returns likes with notifiedAt unset and createdAt at or
// before olderThan, oldest first.
func (s *Store) GetUnnotifiedLikes(olderThan string, limit int) ([]Engagement, error) {
	return s.getUnnotified("likes", olderThan, limit)
}

// GetUnnotifiedShares is the share-side counterpart of GetUnnotifiedLikes.
func (s *Store) GetUnnotifiedShares(olderThan string, limit int) ([]Engagement, error) {
	return s.getUnnotified("shares", olderThan, limit)
}

func (s *Store) getUnnotified(table, olderThan string, limit int) ([]Engagement, error) {
	rows, err := s.db.Query(s.rebind(
		`SELECT activity_id, post_at_uri, post_author_did, ap_actor_id, created_at
		 FROM `+table+`
		 WHERE notified_at IS NULL AND created_at <= ?
		 ORDER BY created_at ASC LIMIT ?`), olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("get unnotified %s: %w", table, err)
	}
	defer rows.Close()
	var result []Engagement
	for rows.Next() {
		var e Engagement
		if err := rows.Scan(&e.ActivityID, &e.PostAtURI, &e.PostAuthorDID, &e.APActorID, &e.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

// MarkLikesNotified sets notifiedAt on the given like rows in one statement.
func (s *Store) MarkLikesNotified(activityIDs []string) error {
	return s.markNotified("likes", activityIDs)
}

// MarkSharesNotified sets notifiedAt on the given share rows in one statement.
func (s *Store) MarkSharesNotified(activityIDs []string) error {
	return s.markNotified("shares", activityIDs)
}

func (s *Store) markNotified(table string, activityIDs []string) error {
	if len(activityIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(activityIDs)+1)
	args = append(args, now())
	for _, id := range activityIDs {
		args = append(args, id)
	}
	// notifiedAt moves only forward: rows already marked stay marked.
	q := `UPDATE ` + table + ` SET notified_at = `
	if s.driver == "postgres" {
		q += `$1 WHERE notified_at IS NULL AND activity_id IN (` + s.inPlaceholders(len(activityIDs), 1) + `)`
	} else {
		q += `? WHERE notified_at IS NULL AND activity_id IN (` + s.inPlaceholders(len(activityIDs), 0) + `)`
	}
	if _, err := s.db.Exec(q, args...); err != nil {
		return fmt.Errorf("mark %s notified: %w", table, err)
	}
	return nil
}

// GetLike returns a like row by activity id, or (nil, nil) when absent.
func (s *Store) GetLike(activityID string) (*Engagement, error) {
	return s.getEngagement("likes", activityID)
}

// GetShare returns a share row by activity id, or (nil, nil) when absent.
func (s *Store) GetShare(activityID string) (*Engagement, error) {
	return s.getEngagement("shares", activityID)
}

func (s *Store) getEngagement(table, activityID string) (*Engagement, error) {
	var e Engagement
	var notified sql.NullString
	err := s.db.QueryRow(s.rebind(
		`SELECT activity_id, post_at_uri, post_author_did, ap_actor_id, created_at, notified_at
		 FROM `+table+` WHERE activity_id = ?`), activityID).
		Scan(&e.ActivityID, &e.PostAtURI, &e.PostAuthorDID, &e.APActorID, &e.CreatedAt, &notified)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s row: %w", table, err)
	}
	e.NotifiedAt = notified.String
	return &e, nil
}
