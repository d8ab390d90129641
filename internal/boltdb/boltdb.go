// Package boltdb keeps the job history in a bbolt file, so the queue survives restarts.
package boltdb

import (
	"encoding/json"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/alanbriolat/video-library/internal/queue"
)

var Buckets = struct {
	Metadata []byte
	Jobs     []byte
}{
	Metadata: []byte("__metadata__"),
	Jobs:     []byte("jobs"),
}

var MetadataKeys = struct {
	Version []byte
}{
	Version: []byte("version"),
}

const currentVersion = 1

type Database interface {
	Close() error

	queue.History
}

type database struct {
	*bbolt.DB
}

var _ queue.History = &database{}

func New(path string) (_ Database, err error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) (err error) {
		var metadata *bbolt.Bucket
		if metadata, err = tx.CreateBucketIfNotExists(Buckets.Metadata); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(Buckets.Jobs); err != nil {
			return err
		}

		var version int
		if versionBytes := metadata.Get(MetadataKeys.Version); versionBytes == nil {
			version = 0
		} else if err = json.Unmarshal(versionBytes, &version); err != nil {
			return err
		}
		if version > currentVersion {
			return fmt.Errorf("job history version %d is newer than supported version %d", version, currentVersion)
		}

		if versionBytes, err := json.Marshal(currentVersion); err != nil {
			return err
		} else if err = metadata.Put(MetadataKeys.Version, versionBytes); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &database{db}, nil
}

// ListJobs returns every stored job, oldest first.
func (d *database) ListJobs() (jobs []queue.JobView, err error) {
	err = d.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(Buckets.Jobs)
		return bucket.ForEach(func(k, v []byte) error {
			var view queue.JobView
			if err := json.Unmarshal(v, &view); err != nil {
				return fmt.Errorf("job %s: %w", k, err)
			}
			jobs = append(jobs, view)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (d *database) WriteJob(view *queue.JobView) error {
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	return d.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(Buckets.Jobs).Put([]byte(view.ID), data)
	})
}

func (d *database) DeleteJob(id queue.JobID) error {
	return d.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(Buckets.Jobs).Delete([]byte(id))
	})
}
