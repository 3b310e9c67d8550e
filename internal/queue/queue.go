// Package queue provides the durable key-value store used for outbound
// delivery jobs and inbox replay suppression. It is deliberately separate
// from the relational store: jobs are written on every failed delivery and
// scanned every second, a write pattern that would thrash the SQL database.
package queue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	jobPrefix  = "job|"
	seenPrefix = "seen|"

	// seenTTL bounds the replay-suppression window. Remote servers retry
	// failed deliveries for at most a few days.
	seenTTL = 7 * 24 * time.Hour
)

// Job is one pending outbound delivery.
type Job struct {
	ID            string `json:"id"`
	SenderDID     string `json:"senderDid"`
	Inbox         string `json:"inbox"`
	Activity      []byte `json:"activity"`
	Attempt       int    `json:"attempt"`
	NextAttemptAt int64  `json:"nextAttemptAt"` // unix nanos
}

// DB wraps the badger instance.
type DB struct {
	db *badger.DB
}

// Open opens (or creates) the queue database at path.
func Open(path string) (*DB, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	return &DB{db: db}, nil
}

// Close flushes and closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// jobKey orders jobs by due time so DueJobs can stop at the first future key.
func jobKey(j Job) []byte {
	return []byte(jobPrefix + fmt.Sprintf("%020d", j.NextAttemptAt) + "|" + j.ID)
}

// PutJob persists a job (insert or reschedule). The caller must DeleteJob
// the previous key before rescheduling with a new NextAttemptAt.
func (d *DB) PutJob(j Job) error {
	buf, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(jobKey(j), buf)
	})
}

// DeleteJob removes a job by its stored key.
func (d *DB) DeleteJob(j Job) error {
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(jobKey(j))
	})
}

// DueJobs returns up to limit jobs whose NextAttemptAt is at or before now.
// Keys are time-ordered, so iteration stops at the first non-due job.
func (d *DB) DueJobs(now time.Time, limit int) ([]Job, error) {
	var jobs []Job
	cutoff := now.UnixNano()
	err := d.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(jobPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(jobs) < limit; it.Next() {
			key := it.Item().Key()
			due, err := strconv.ParseInt(string(key[len(jobPrefix):len(jobPrefix)+20]), 10, 64)
			if err != nil || due > cutoff {
				return nil
			}
			var j Job
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &j)
			}); err != nil {
				return err
			}
			jobs = append(jobs, j)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan due jobs: %w", err)
	}
	return jobs, nil
}

// MarkSeen records a processed activity id for replay suppression.
func (d *DB) MarkSeen(activityID string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(seenPrefix+activityID), nil).WithTTL(seenTTL)
		return txn.SetEntry(e)
	})
}

// Seen reports whether an activity id has already been processed.
func (d *DB) Seen(activityID string) (bool, error) {
	err := d.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(seenPrefix + activityID))
		return err
	})
	if err == badger.ErrKeyNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("seen lookup: %w", err)
	}
	return true, nil
}
