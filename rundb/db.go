// Package rundb records every mutating invocation in a bbolt database so
// past runs, and runs that never finished, can be listed later.
package rundb

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Bucket names for bbolt database
const (
	BucketRuns    = "runs"
	BucketTargets = "targets"
)

// Run statuses
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// DB wraps a bbolt database holding run records
type DB struct {
	db   *bolt.DB
	path string
}

// RunRecord describes one invocation against one host.
type RunRecord struct {
	ID        string    `json:"id"`
	Program   string    `json:"program"` // ansible-chroot or ansible-debootstrap
	Host      string    `json:"host"`
	Target    string    `json:"target"`
	Action    string    `json:"action"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// Duration returns how long the run took, or zero while it is running.
func (r *RunRecord) Duration() time.Duration {
	if r.EndTime.IsZero() {
		return 0
	}
	return r.EndTime.Sub(r.StartTime)
}

// NewRunID returns a time-ordered UUID (version 7), so run keys sort by
// start time in the runs bucket.
func NewRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// OpenDB opens or creates a bbolt database at the given path, creating
// the parent directory and the required buckets if needed.
//
// Only one process can hold the database open. OpenDB gives up after a
// second instead of blocking behind another invocation.
//
// Example:
//
//	db, err := rundb.OpenDB("/var/lib/ansible-chroot/runs.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func OpenDB(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &DatabaseError{Op: "create directory", Err: err}
	}

	bdb, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, &DatabaseError{Op: "open", Err: err}
	}

	err = bdb.Update(func(tx *bolt.Tx) error {
		// Key: run ID -> RunRecord JSON
		if _, err := tx.CreateBucketIfNotExists([]byte(BucketRuns)); err != nil {
			return &DatabaseError{Op: "create bucket", Bucket: BucketRuns, Err: err}
		}
		// Key: target path -> ID of the latest run against it
		if _, err := tx.CreateBucketIfNotExists([]byte(BucketTargets)); err != nil {
			return &DatabaseError{Op: "create bucket", Bucket: BucketTargets, Err: err}
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}

	return &DB{db: bdb, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database. It is safe to call Close more than once.
func (db *DB) Close() error {
	if db.db == nil {
		return nil
	}
	err := db.db.Close()
	db.db = nil
	return err
}

// StartRun stores rec with status running and indexes it by target.
// rec.ID must be a valid UUID.
func (db *DB) StartRun(rec *RunRecord) error {
	if err := validateID(rec.ID); err != nil {
		return err
	}
	if db.db == nil {
		return ErrDatabaseNotOpen
	}

	rec.Status = StatusRunning
	if rec.StartTime.IsZero() {
		rec.StartTime = time.Now()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return &RecordError{Op: "marshal", ID: rec.ID, Err: err}
	}

	err = db.db.Update(func(tx *bolt.Tx) error {
		runs := tx.Bucket([]byte(BucketRuns))
		if runs == nil {
			return &DatabaseError{Op: "get bucket", Bucket: BucketRuns, Err: ErrBucketNotFound}
		}
		if err := runs.Put([]byte(rec.ID), data); err != nil {
			return err
		}

		if rec.Target == "" {
			return nil
		}
		targets := tx.Bucket([]byte(BucketTargets))
		if targets == nil {
			return &DatabaseError{Op: "get bucket", Bucket: BucketTargets, Err: ErrBucketNotFound}
		}
		return targets.Put([]byte(rec.Target), []byte(rec.ID))
	})
	if err != nil {
		return &RecordError{Op: "start", ID: rec.ID, Err: err}
	}
	return nil
}

// FinishRun marks a run as finished. A nil runErr means success.
func (db *DB) FinishRun(id string, runErr error, endTime time.Time) error {
	if err := validateID(id); err != nil {
		return err
	}
	if db.db == nil {
		return ErrDatabaseNotOpen
	}

	err := db.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketRuns))
		if bucket == nil {
			return &DatabaseError{Op: "get bucket", Bucket: BucketRuns, Err: ErrBucketNotFound}
		}

		data := bucket.Get([]byte(id))
		if data == nil {
			return ErrRecordNotFound
		}

		var rec RunRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return fmt.Errorf("%w: %v", ErrCorruptedData, err)
		}

		rec.EndTime = endTime
		rec.Status = StatusSuccess
		rec.Error = ""
		if runErr != nil {
			rec.Status = StatusFailed
			rec.Error = runErr.Error()
		}

		updated, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(id), updated)
	})
	if err != nil {
		return &RecordError{Op: "finish", ID: id, Err: err}
	}
	return nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(id string) (*RunRecord, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	if db.db == nil {
		return nil, ErrDatabaseNotOpen
	}

	var rec RunRecord
	err := db.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketRuns))
		if bucket == nil {
			return &DatabaseError{Op: "get bucket", Bucket: BucketRuns, Err: ErrBucketNotFound}
		}

		data := bucket.Get([]byte(id))
		if data == nil {
			return &RecordError{Op: "get", ID: id, Err: ErrRecordNotFound}
		}
		return json.Unmarshal(data, &rec)
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Recent returns up to n runs, newest first. n <= 0 returns every run.
func (db *DB) Recent(n int) ([]RunRecord, error) {
	if db.db == nil {
		return nil, ErrDatabaseNotOpen
	}

	var records []RunRecord
	err := db.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(BucketRuns))
		if bucket == nil {
			return &DatabaseError{Op: "get bucket", Bucket: BucketRuns, Err: ErrBucketNotFound}
		}

		c := bucket.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var rec RunRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return &RecordError{Op: "unmarshal", ID: string(k), Err: ErrCorruptedData}
			}
			records = append(records, rec)
			if n > 0 && len(records) == n {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// LastRunFor returns the latest run against target, or nil if there is
// none.
func (db *DB) LastRunFor(target string) (*RunRecord, error) {
	if db.db == nil {
		return nil, ErrDatabaseNotOpen
	}

	var rec *RunRecord
	err := db.db.View(func(tx *bolt.Tx) error {
		targets := tx.Bucket([]byte(BucketTargets))
		if targets == nil {
			return &DatabaseError{Op: "get bucket", Bucket: BucketTargets, Err: ErrBucketNotFound}
		}
		id := targets.Get([]byte(target))
		if id == nil {
			return nil
		}

		runs := tx.Bucket([]byte(BucketRuns))
		if runs == nil {
			return &DatabaseError{Op: "get bucket", Bucket: BucketRuns, Err: ErrBucketNotFound}
		}
		data := runs.Get(id)
		if data == nil {
			return &RecordError{Op: "lookup target", ID: string(id), Err: ErrOrphanedRecord}
		}

		rec = &RunRecord{}
		return json.Unmarshal(data, rec)
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func validateID(id string) error {
	if id == "" {
		return &ValidationError{Field: "id", Err: ErrEmptyUUID}
	}
	if _, err := uuid.Parse(id); err != nil {
		return &ValidationError{Field: "id", Value: id, Err: ErrInvalidUUID}
	}
	return nil
}
