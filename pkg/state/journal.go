package state

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
	bolt "go.etcd.io/bbolt"

	"github.com/porthole-hpc/porthole/pkg/log"
	"github.com/porthole-hpc/porthole/pkg/types"
)

var bucketTransitions = []byte("transitions")

// Transition is one journalled status change, the audit/analytics feed.
type Transition struct {
	Key       types.SessionKey    `json:"key"`
	Status    types.SessionStatus `json:"status"`
	JobID     string              `json:"jobId,omitempty"`
	EndReason types.EndReason     `json:"endReason,omitempty"`
	At        time.Time           `json:"at"`
}

// Journal appends session status transitions to a bbolt file, keyed by
// nanosecond timestamp so iteration is chronological.
type Journal struct {
	db        *bolt.DB
	clock     clockwork.Clock
	retention time.Duration
}

// OpenJournal opens (or creates) the transition journal under dir.
func OpenJournal(dir string, retention time.Duration, clock clockwork.Clock) (*Journal, error) {
	db, err := bolt.Open(filepath.Join(dir, "journal.db"), 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTransitions)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init journal: %w", err)
	}
	return &Journal{db: db, clock: clock, retention: retention}, nil
}

// Append records the session's current status. Journal failures are logged,
// never propagated: the audit trail must not block session mutations.
func (j *Journal) Append(sess *types.Session) {
	tr := Transition{
		Key:       sess.Key,
		Status:    sess.Status,
		JobID:     sess.JobID,
		EndReason: sess.EndReason,
		At:        j.clock.Now().UTC(),
	}
	data, err := json.Marshal(&tr)
	if err != nil {
		log.WithComponent("journal").Warn().Err(err).Msg("encode transition")
		return
	}

	err = j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTransitions)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		return b.Put(journalKey(tr.At, seq), data)
	})
	if err != nil {
		log.WithComponent("journal").Warn().Err(err).Msg("append transition")
	}
}

// journalKey orders entries by time, with the bucket sequence breaking ties.
func journalKey(at time.Time, seq uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[:8], uint64(at.UnixNano()))
	binary.BigEndian.PutUint64(k[8:], seq)
	return k
}

// ByUser returns the user's transitions, newest first, up to limit.
func (j *Journal) ByUser(user string, limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []Transition
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTransitions).Cursor()
		for k, v := c.Last(); k != nil && len(out) < limit; k, v = c.Prev() {
			var tr Transition
			if err := json.Unmarshal(v, &tr); err != nil {
				continue
			}
			if tr.Key.User == user {
				out = append(out, tr)
			}
		}
		return nil
	})
	return out, err
}

// Prune drops entries older than retention.
func (j *Journal) Prune() {
	cutoff := journalKey(j.clock.Now().UTC().Add(-j.retention), 0)
	err := j.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketTransitions).Cursor()
		for k, _ := c.First(); k != nil && bytes.Compare(k, cutoff) < 0; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.WithComponent("journal").Warn().Err(err).Msg("prune")
	}
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}
