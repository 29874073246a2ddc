// Package receipts buffers gateway delivery receipts on disk so that the
// webhook can acknowledge them immediately and a worker can apply them to the
// store at its own pace.
package receipts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketReceipts   = []byte("receipts")
	bucketPending    = []byte("pending")
	bucketInflight   = []byte("inflight")
	bucketDeadLetter = []byte("dead_letter")
)

// Receipt is one delivery status report from the gateway
type Receipt struct {
	ID          string    `json:"id"`
	MessageID   string    `json:"message_id"`
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	ReceivedAt  time.Time `json:"received_at"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	NextAttempt time.Time `json:"next_attempt"`
}

// Inbox is a durable FIFO of receipts backed by BoltDB
type Inbox struct {
	db *bolt.DB
}

// Open opens or creates the inbox at path. Receipts left in flight by a
// previous process are returned to the pending queue.
func Open(path string) (*Inbox, error) {
	// Ensure directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create inbox directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open inbox: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketReceipts, bucketPending, bucketInflight, bucketDeadLetter} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return requeueInflight(tx)
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Inbox{db: db}, nil
}

func requeueInflight(tx *bolt.Tx) error {
	inflight := tx.Bucket(bucketInflight)
	pending := tx.Bucket(bucketPending)

	var keys [][]byte
	err := inflight.ForEach(func(id, indexKey []byte) error {
		if err := pending.Put(indexKey, id); err != nil {
			return err
		}
		keys = append(keys, append([]byte(nil), id...))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to requeue in-flight receipts: %w", err)
	}
	for _, k := range keys {
		if err := inflight.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue stores a receipt for processing
func (in *Inbox) Enqueue(ctx context.Context, r *Receipt) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = time.Now()
	}
	r.NextAttempt = r.ReceivedAt

	return in.db.Update(func(tx *bolt.Tx) error {
		return putPending(tx, r)
	})
}

func putPending(tx *bolt.Tx, r *Receipt) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal receipt: %w", err)
	}
	if err := tx.Bucket(bucketReceipts).Put([]byte(r.ID), data); err != nil {
		return fmt.Errorf("failed to store receipt: %w", err)
	}
	if err := tx.Bucket(bucketPending).Put(makeIndexKey(r.NextAttempt, r.ID), []byte(r.ID)); err != nil {
		return fmt.Errorf("failed to add to pending index: %w", err)
	}
	return nil
}

// Dequeue moves up to limit due receipts to in-flight and returns them in
// arrival order
func (in *Inbox) Dequeue(ctx context.Context, limit int) ([]*Receipt, error) {
	var out []*Receipt
	now := time.Now()

	err := in.db.Update(func(tx *bolt.Tx) error {
		receipts := tx.Bucket(bucketReceipts)
		pending := tx.Bucket(bucketPending)
		inflight := tx.Bucket(bucketInflight)

		type entry struct{ key, id []byte }
		var due []entry
		c := pending.Cursor()
		for k, v := c.First(); k != nil && len(due) < limit; k, v = c.Next() {
			if parseTimestampFromKey(k).After(now) {
				break // All remaining are in the future
			}
			due = append(due, entry{key: append([]byte(nil), k...), id: append([]byte(nil), v...)})
		}

		for _, e := range due {
			if err := pending.Delete(e.key); err != nil {
				return err
			}

			data := receipts.Get(e.id)
			if data == nil {
				// Receipt was removed, index entry is stale
				continue
			}
			var r Receipt
			if err := json.Unmarshal(data, &r); err != nil {
				return fmt.Errorf("failed to unmarshal receipt %s: %w", e.id, err)
			}

			if err := inflight.Put(e.id, e.key); err != nil {
				return err
			}
			out = append(out, &r)
		}
		return nil
	})

	return out, err
}

// Ack removes a processed receipt
func (in *Inbox) Ack(ctx context.Context, id string) error {
	return in.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketInflight).Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketReceipts).Delete([]byte(id))
	})
}

// Retry returns an in-flight receipt to the queue, due at `at`
func (in *Inbox) Retry(ctx context.Context, r *Receipt, cause error, at time.Time) error {
	r.Attempts++
	r.LastError = cause.Error()
	r.NextAttempt = at

	return in.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketInflight).Delete([]byte(r.ID)); err != nil {
			return err
		}
		return putPending(tx, r)
	})
}

// MoveToDLQ parks a receipt that could not be applied
func (in *Inbox) MoveToDLQ(ctx context.Context, r *Receipt, cause error) error {
	r.Attempts++
	r.LastError = cause.Error()

	return in.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal receipt: %w", err)
		}
		if err := tx.Bucket(bucketInflight).Delete([]byte(r.ID)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketReceipts).Put([]byte(r.ID), data); err != nil {
			return err
		}
		return tx.Bucket(bucketDeadLetter).Put(makeIndexKey(time.Now(), r.ID), []byte(r.ID))
	})
}

// ListDLQ returns parked receipts, oldest first
func (in *Inbox) ListDLQ(ctx context.Context, limit int) ([]*Receipt, error) {
	var out []*Receipt
	err := in.db.View(func(tx *bolt.Tx) error {
		receipts := tx.Bucket(bucketReceipts)
		c := tx.Bucket(bucketDeadLetter).Cursor()
		for k, v := c.First(); k != nil && (limit <= 0 || len(out) < limit); k, v = c.Next() {
			data := receipts.Get(v)
			if data == nil {
				continue
			}
			var r Receipt
			if err := json.Unmarshal(data, &r); err != nil {
				continue
			}
			out = append(out, &r)
		}
		return nil
	})
	return out, err
}

// Len returns the number of receipts waiting or in flight
func (in *Inbox) Len() (int, error) {
	var n int
	err := in.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketPending).Stats().KeyN + tx.Bucket(bucketInflight).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the inbox
func (in *Inbox) Close() error {
	return in.db.Close()
}

// makeIndexKey creates a sortable key from timestamp and ID
func makeIndexKey(t time.Time, id string) []byte {
	// Fixed-width UTC timestamp keeps lexical order equal to time order
	return []byte(t.UTC().Format("20060102T150405.000000000Z") + ":" + id)
}

// parseTimestampFromKey extracts timestamp from index key
func parseTimestampFromKey(key []byte) time.Time {
	s := string(key)
	if i := len("20060102T150405.000000000Z"); len(s) > i {
		ts, _ := time.Parse("20060102T150405.000000000Z", s[:i])
		return ts
	}
	return time.Time{}
}
