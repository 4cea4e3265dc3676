package docstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
)

const documentsSchema = `
CREATE TABLE IF NOT EXISTS documents (
	entity_type TEXT    NOT NULL,
	id          TEXT    NOT NULL,
	rev         TEXT    NOT NULL,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL,
	data        TEXT    NOT NULL,
	PRIMARY KEY (entity_type, id)
);
CREATE INDEX IF NOT EXISTS idx_documents_updated_at ON documents (entity_type, updated_at);
`

// SQLStore persists documents in one SQLite table keyed by (entity_type, id).
// Timestamps are stored as unix nanoseconds so ordering is exact.
type SQLStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLStore)(nil)

type docRow struct {
	EntityType string `db:"entity_type"`
	ID         string `db:"id"`
	Rev        string `db:"rev"`
	CreatedAt  int64  `db:"created_at"`
	UpdatedAt  int64  `db:"updated_at"`
	Data       string `db:"data"`
}

func (r docRow) toDocument() *Document {
	return &Document{
		ID:         r.ID,
		Rev:        r.Rev,
		EntityType: EntityType(r.EntityType),
		CreatedAt:  time.Unix(0, r.CreatedAt).UTC(),
		UpdatedAt:  time.Unix(0, r.UpdatedAt).UTC(),
		Data:       json.RawMessage(r.Data),
	}
}

// NewSQLStore creates the schema if needed.
func NewSQLStore(ctx context.Context, db *sqlx.DB) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("local database is nil")
	}
	if _, err := db.ExecContext(ctx, documentsSchema); err != nil {
		return nil, newError(KindStore, "migrate", "", "", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Collection(entityType EntityType) Collection {
	return &sqlCollection{db: s.db, entityType: entityType}
}

func (s *SQLStore) Close() error { return s.db.Close() }

type sqlCollection struct {
	db         *sqlx.DB
	entityType EntityType
}

func (c *sqlCollection) EntityType() EntityType { return c.entityType }

func (c *sqlCollection) Put(ctx context.Context, doc *Document) (string, error) {
	if err := prepareForPut(c.entityType, doc); err != nil {
		return "", err
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", newError(KindStore, "put", c.entityType, doc.ID, err)
	}
	defer tx.Rollback()

	var current docRow
	err = tx.GetContext(ctx, &current,
		`SELECT entity_type, id, rev, created_at, updated_at, data FROM documents WHERE entity_type = ? AND id = ?`,
		string(c.entityType), doc.ID)
	exists := true
	if errors.Is(err, sql.ErrNoRows) {
		exists = false
	} else if err != nil {
		return "", newError(KindStore, "put", c.entityType, doc.ID, err)
	}

	switch {
	case exists && doc.Rev == "":
		return "", newError(KindConflict, "put", c.entityType, doc.ID, errors.New("document already exists"))
	case exists && current.Rev != doc.Rev:
		return "", newError(KindConflict, "put", c.entityType, doc.ID, fmt.Errorf("stale revision %s, current %s", doc.Rev, current.Rev))
	case !exists && doc.Rev != "":
		return "", newError(KindNotFound, "put", c.entityType, doc.ID, nil)
	}

	newRev := nextRevision(doc.Rev, doc)
	if exists {
		res, err := tx.ExecContext(ctx,
			`UPDATE documents SET rev = ?, updated_at = ?, data = ? WHERE entity_type = ? AND id = ? AND rev = ?`,
			newRev, doc.UpdatedAt.UnixNano(), string(doc.Data), string(c.entityType), doc.ID, doc.Rev)
		if err != nil {
			return "", newError(KindStore, "put", c.entityType, doc.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return "", newError(KindConflict, "put", c.entityType, doc.ID, errors.New("revision changed during write"))
		}
		doc.CreatedAt = time.Unix(0, current.CreatedAt).UTC()
	} else {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO documents (entity_type, id, rev, created_at, updated_at, data) VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (entity_type, id) DO NOTHING`,
			string(c.entityType), doc.ID, newRev, doc.CreatedAt.UnixNano(), doc.UpdatedAt.UnixNano(), string(doc.Data))
		if err != nil {
			return "", newError(KindStore, "put", c.entityType, doc.ID, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return "", newError(KindConflict, "put", c.entityType, doc.ID, errors.New("document already exists"))
		}
	}

	if err := tx.Commit(); err != nil {
		return "", newError(KindStore, "put", c.entityType, doc.ID, err)
	}
	doc.Rev = newRev
	return newRev, nil
}

func (c *sqlCollection) Get(ctx context.Context, id string) (*Document, error) {
	var row docRow
	err := c.db.GetContext(ctx, &row,
		`SELECT entity_type, id, rev, created_at, updated_at, data FROM documents WHERE entity_type = ? AND id = ?`,
		string(c.entityType), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newError(KindNotFound, "get", c.entityType, id, nil)
	}
	if err != nil {
		return nil, newError(KindStore, "get", c.entityType, id, err)
	}
	return row.toDocument(), nil
}

func (c *sqlCollection) Remove(ctx context.Context, doc *Document) error {
	if doc == nil || doc.ID == "" {
		return newError(KindInvalid, "remove", c.entityType, "", errors.New("id is required"))
	}
	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return newError(KindStore, "remove", c.entityType, doc.ID, err)
	}
	defer tx.Rollback()

	var rev string
	err = tx.GetContext(ctx, &rev, `SELECT rev FROM documents WHERE entity_type = ? AND id = ?`, string(c.entityType), doc.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return newError(KindNotFound, "remove", c.entityType, doc.ID, nil)
	}
	if err != nil {
		return newError(KindStore, "remove", c.entityType, doc.ID, err)
	}
	if rev != doc.Rev {
		return newError(KindConflict, "remove", c.entityType, doc.ID, fmt.Errorf("stale revision %s, current %s", doc.Rev, rev))
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM documents WHERE entity_type = ? AND id = ? AND rev = ?`,
		string(c.entityType), doc.ID, doc.Rev); err != nil {
		return newError(KindStore, "remove", c.entityType, doc.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return newError(KindStore, "remove", c.entityType, doc.ID, err)
	}
	return nil
}

func (c *sqlCollection) Query(ctx context.Context, q Query) ([]*Document, error) {
	if err := validateQuery(c.entityType, q); err != nil {
		return nil, err
	}

	var sb strings.Builder
	args := []any{string(c.entityType)}
	sb.WriteString(`SELECT entity_type, id, rev, created_at, updated_at, data FROM documents WHERE entity_type = ?`)

	if p := q.Selector.IDPrefix; p != "" {
		// substr keeps the match case-sensitive, unlike LIKE
		sb.WriteString(` AND substr(id, 1, ?) = ?`)
		args = append(args, len(p), p)
	}
	if q.Selector.UpdatedSince != nil {
		sb.WriteString(` AND updated_at > ?`)
		args = append(args, q.Selector.UpdatedSince.UnixNano())
	}
	if q.Selector.UpdatedBefore != nil {
		sb.WriteString(` AND updated_at <= ?`)
		args = append(args, q.Selector.UpdatedBefore.UnixNano())
	}

	keys := make([]string, 0, len(q.Selector.Fields))
	for k := range q.Selector.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := normalizeValue(q.Selector.Fields[k])
		switch x := v.(type) {
		case nil:
			sb.WriteString(` AND json_extract(data, ?) IS NULL`)
			args = append(args, "$."+k)
		case bool:
			n := 0
			if x {
				n = 1
			}
			sb.WriteString(` AND json_extract(data, ?) = ?`)
			args = append(args, "$."+k, n)
		case float64, string:
			sb.WriteString(` AND json_extract(data, ?) = ?`)
			args = append(args, "$."+k, x)
		default:
			return nil, newError(KindInvalid, "query", c.entityType, "", fmt.Errorf("selector field %q must be a scalar", k))
		}
	}

	dir := "ASC"
	if q.Sort.Desc {
		dir = "DESC"
	}
	switch q.Sort.Field {
	case "", SortFieldID:
		sb.WriteString(" ORDER BY id " + dir)
	case SortFieldCreatedAt, SortFieldUpdatedAt:
		sb.WriteString(" ORDER BY " + q.Sort.Field + " " + dir + ", id ASC")
	default:
		sb.WriteString(" ORDER BY json_extract(data, ?) " + dir + ", id ASC")
		args = append(args, "$."+q.Sort.Field)
	}

	if q.Limit > 0 {
		sb.WriteString(` LIMIT ?`)
		args = append(args, q.Limit)
	} else if q.Skip > 0 {
		sb.WriteString(` LIMIT -1`)
	}
	if q.Skip > 0 {
		sb.WriteString(` OFFSET ?`)
		args = append(args, q.Skip)
	}

	var rows []docRow
	if err := c.db.SelectContext(ctx, &rows, sb.String(), args...); err != nil {
		return nil, newError(KindStore, "query", c.entityType, "", err)
	}
	out := make([]*Document, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDocument())
	}
	return out, nil
}
