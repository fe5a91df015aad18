package collabserver

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tempoplan/collab/collab"
)

var bucketEntities = []byte("entities")

// Entity records in one bbolt file. Layout: the `entities` root bucket holds
// one nested bucket per project, keyed by the raw project id, whose keys are
// `kind/id` and values the JSON record.
type BoltEntityStore struct {
	db *bolt.DB
}

func NewBoltEntityStore(path string) (*BoltEntityStore, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open entity store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntities)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltEntityStore{db: db}, nil
}

func (self *BoltEntityStore) Apply(record *EntityRecord) error {
	return self.db.Update(func(tx *bolt.Tx) error {
		projects := tx.Bucket(bucketEntities)
		project, err := projects.CreateBucketIfNotExists(record.ProjectId.Bytes())
		if err != nil {
			return err
		}
		seq, err := project.NextSequence()
		if err != nil {
			return err
		}
		stored := *record
		stored.Seq = seq
		data, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		return project.Put([]byte(stored.Key().String()), data)
	})
}

func (self *BoltEntityStore) EntitiesSince(projectId collab.Id, since time.Time) ([]*EntityRecord, error) {
	records := []*EntityRecord{}
	err := self.db.View(func(tx *bolt.Tx) error {
		projects := tx.Bucket(bucketEntities)
		project := projects.Bucket(projectId.Bytes())
		if project == nil {
			return nil
		}
		return project.ForEach(func(k, v []byte) error {
			var record EntityRecord
			if err := json.Unmarshal(v, &record); err != nil {
				return err
			}
			if record.ModifiedAt.After(since) {
				records = append(records, &record)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortRecords(records)
	return records, nil
}

func (self *BoltEntityStore) Close() error {
	return self.db.Close()
}
