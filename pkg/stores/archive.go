package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"

	"github.com/openfroyo/ispflow/pkg/engine"
)

const archivedRunsBucket = "archived_runs"

// ErrArchiveNotFound is returned for run ids that were never archived.
var ErrArchiveNotFound = errors.New("archived run not found")

// BoltArchive is the archival sink for runs purged from the execution log.
type BoltArchive struct {
	db *bbolt.DB
}

// OpenBoltArchive opens or creates the archive file at path.
func OpenBoltArchive(path string) (*BoltArchive, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory %s: %w", dir, err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open archive %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(archivedRunsBucket))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create archive bucket: %w", err)
	}

	return &BoltArchive{db: db}, nil
}

// Close closes the archive file.
func (a *BoltArchive) Close() error {
	return a.db.Close()
}

// Archive stores the run with its audit trail. Archiving the same run twice overwrites
// the earlier record, so a retried purge is harmless.
func (a *BoltArchive) Archive(_ context.Context, run *engine.WorkflowRun, audit []engine.AuditEntry) error {
	data, err := json.Marshal(ArchivedRun{
		Run:        run,
		Audit:      audit,
		ArchivedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal archived run: %w", err)
	}

	return a.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(archivedRunsBucket)).Put([]byte(run.ID), data); err != nil {
			return fmt.Errorf("failed to archive run %s: %w", run.ID, err)
		}
		return nil
	})
}

// Get returns an archived run.
func (a *BoltArchive) Get(_ context.Context, runID string) (*ArchivedRun, error) {
	var archived ArchivedRun
	err := a.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(archivedRunsBucket)).Get([]byte(runID))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrArchiveNotFound, runID)
		}
		return json.Unmarshal(data, &archived)
	})
	if err != nil {
		return nil, err
	}
	return &archived, nil
}

// Count returns the number of archived runs.
func (a *BoltArchive) Count() (int, error) {
	var n int
	err := a.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(archivedRunsBucket)).Stats().KeyN
		return nil
	})
	return n, err
}
