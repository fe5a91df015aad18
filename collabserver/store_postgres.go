package collabserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/tempoplan/collab/collab"
)

const postgresOperationTimeout = 5 * time.Second

// Entity records in postgres, one row per (project, kind, id), upserted in
// place. The seq column advances on every write attempt, so it orders rows
// that share a modified_at.
type PostgresEntityStore struct {
	dsn string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresEntityStore(dsn string) (*PostgresEntityStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, sql.ErrConnDone
	}
	return &PostgresEntityStore{
		dsn: dsn,
	}, nil
}

func (self *PostgresEntityStore) ensureReady() error {
	self.initOnce.Do(func() {
		db, err := sql.Open("postgres", self.dsn)
		if err != nil {
			self.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := `
			CREATE TABLE IF NOT EXISTS collab_entities (
				project_id UUID NOT NULL,
				entity_kind TEXT NOT NULL,
				entity_id UUID NOT NULL,
				operation TEXT NOT NULL,
				payload TEXT,
				origin_user_id UUID NOT NULL,
				modified_at TIMESTAMPTZ NOT NULL,
				seq BIGSERIAL,
				PRIMARY KEY (project_id, entity_kind, entity_id)
			)`
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			self.initErr = err
			return
		}
		createIndexQuery := `
			CREATE INDEX IF NOT EXISTS collab_entities_project_modified_idx
			ON collab_entities (project_id, modified_at, seq)`
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			self.initErr = err
			return
		}
		self.db = db
	})
	return self.initErr
}

func (self *PostgresEntityStore) Apply(record *EntityRecord) error {
	if err := self.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	var payload any
	if 0 < len(record.Payload) {
		payload = string(record.Payload)
	}
	query := `
		INSERT INTO collab_entities
			(project_id, entity_kind, entity_id, operation, payload, origin_user_id, modified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (project_id, entity_kind, entity_id)
		DO UPDATE SET
			operation = EXCLUDED.operation,
			payload = EXCLUDED.payload,
			origin_user_id = EXCLUDED.origin_user_id,
			modified_at = EXCLUDED.modified_at,
			seq = EXCLUDED.seq`
	_, err := self.db.ExecContext(
		ctx,
		query,
		record.ProjectId.String(),
		string(record.EntityKind),
		record.EntityId.String(),
		string(record.Operation),
		payload,
		record.OriginUserId.String(),
		record.ModifiedAt.UTC(),
	)
	return err
}

func (self *PostgresEntityStore) EntitiesSince(projectId collab.Id, since time.Time) ([]*EntityRecord, error) {
	if err := self.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := `
		SELECT entity_kind, entity_id, operation, payload, origin_user_id, modified_at, seq
		FROM collab_entities
		WHERE project_id = $1 AND modified_at > $2
		ORDER BY modified_at ASC, seq ASC`
	rows, err := self.db.QueryContext(ctx, query, projectId.String(), since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []*EntityRecord{}
	for rows.Next() {
		var entityKind string
		var entityIdStr string
		var operation string
		var payload sql.NullString
		var originUserIdStr string
		record := &EntityRecord{
			ProjectId: projectId,
		}
		if err := rows.Scan(
			&entityKind,
			&entityIdStr,
			&operation,
			&payload,
			&originUserIdStr,
			&record.ModifiedAt,
			&record.Seq,
		); err != nil {
			return nil, err
		}
		record.EntityKind = collab.EntityKind(entityKind)
		record.Operation = collab.Operation(operation)
		if record.EntityId, err = collab.ParseId(entityIdStr); err != nil {
			return nil, err
		}
		if record.OriginUserId, err = collab.ParseId(originUserIdStr); err != nil {
			return nil, err
		}
		if payload.Valid {
			record.Payload = json.RawMessage(payload.String)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

func (self *PostgresEntityStore) Close() error {
	if self.db == nil {
		return nil
	}
	return self.db.Close()
}
