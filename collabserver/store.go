package collabserver

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/tempoplan/collab/collab"
)

// One persisted entity state, the newest update per (project, kind, id).
// Deletes are kept as tombstones so a resync can propagate them to sessions
// that were offline when the delete happened. `Seq` is assigned by the store
// and orders records that share a modifiedAt.
type EntityRecord struct {
	ProjectId    collab.Id         `json:"projectId"`
	EntityKind   collab.EntityKind `json:"entityKind"`
	EntityId     collab.Id         `json:"entityId"`
	Operation    collab.Operation  `json:"operation"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	OriginUserId collab.Id         `json:"originUserId"`
	ModifiedAt   time.Time         `json:"modifiedAt"`
	Seq          uint64            `json:"seq,omitempty"`
}

func (self *EntityRecord) Key() collab.EntityKey {
	return collab.EntityKey{
		EntityKind: self.EntityKind,
		EntityId:   self.EntityId,
	}
}

func (self *EntityRecord) UpdateResult() *collab.EntityUpdateResult {
	return &collab.EntityUpdateResult{
		EntityKind:   self.EntityKind,
		EntityId:     self.EntityId,
		Operation:    self.Operation,
		Payload:      self.Payload,
		OriginUserId: self.OriginUserId,
		ModifiedAt:   self.ModifiedAt,
	}
}

// The entity store backs resynchronization. `Apply` upserts the newest state
// for the record's entity. `EntitiesSince` returns the records for a project
// with modifiedAt strictly after `since`, ascending by (modifiedAt, seq).
type EntityStore interface {
	Apply(record *EntityRecord) error
	EntitiesSince(projectId collab.Id, since time.Time) ([]*EntityRecord, error)
	Close() error
}

// OpenEntityStore selects a backend by dsn:
//
//	""            in-memory
//	memory        in-memory
//	bolt:<path>   bbolt file
//	postgres://   postgres
func OpenEntityStore(dsn string) (EntityStore, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "" || dsn == "memory":
		return NewMemoryEntityStore(), nil
	case strings.HasPrefix(dsn, "bolt:"):
		return NewBoltEntityStore(strings.TrimPrefix(dsn, "bolt:"))
	case strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgresEntityStore(dsn)
	default:
		return nil, fmt.Errorf("Unknown entity store dsn %q.", dsn)
	}
}

type entityStoreKey struct {
	projectId  collab.Id
	entityKind collab.EntityKind
	entityId   collab.Id
}

type MemoryEntityStore struct {
	stateLock sync.Mutex
	nextSeq   uint64
	entities  map[entityStoreKey]*EntityRecord
}

func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{
		nextSeq:  1,
		entities: map[entityStoreKey]*EntityRecord{},
	}
}

func (self *MemoryEntityStore) Apply(record *EntityRecord) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	stored := *record
	stored.Seq = self.nextSeq
	self.nextSeq += 1
	self.entities[entityStoreKey{
		projectId:  record.ProjectId,
		entityKind: record.EntityKind,
		entityId:   record.EntityId,
	}] = &stored
	return nil
}

func (self *MemoryEntityStore) EntitiesSince(projectId collab.Id, since time.Time) ([]*EntityRecord, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	records := []*EntityRecord{}
	for key, record := range self.entities {
		if key.projectId != projectId {
			continue
		}
		if !record.ModifiedAt.After(since) {
			continue
		}
		recordCopy := *record
		records = append(records, &recordCopy)
	}
	sortRecords(records)
	return records, nil
}

func (self *MemoryEntityStore) Close() error {
	return nil
}

func sortRecords(records []*EntityRecord) {
	slices.SortFunc(records, func(a *EntityRecord, b *EntityRecord) int {
		if a.ModifiedAt.Before(b.ModifiedAt) {
			return -1
		} else if b.ModifiedAt.Before(a.ModifiedAt) {
			return 1
		} else if a.Seq < b.Seq {
			return -1
		} else if b.Seq < a.Seq {
			return 1
		} else {
			return 0
		}
	})
}
