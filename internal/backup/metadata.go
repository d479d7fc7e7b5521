package backup

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"codegraph-backend/internal/domain"
	"codegraph-backend/internal/errors"
)

// Metadata is the durable record of one backup. The tabular row is
// authoritative; a legacy `<id>_metadata.json` artifact is written
// best-effort for tooling that reads the layout directly.
type Metadata struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"` // full | incremental
	Status      string            `json:"status"`
	CreatedAt   time.Time         `json:"createdAt"`
	CompletedAt *time.Time        `json:"completedAt,omitempty"`
	SizeBytes   int64             `json:"sizeBytes"`
	Checksum    string            `json:"checksum"`
	Components  map[string]bool   `json:"components"`
	Labels      map[string]string `json:"labels,omitempty"`
	Destination string            `json:"destination,omitempty"`
	ProviderID  string            `json:"providerId"`
	Error       string            `json:"error,omitempty"`
}

// MetadataStore persists backup metadata in a sqlite table.
type MetadataStore struct {
	db *sql.DB
}

const metadataSchema = `CREATE TABLE IF NOT EXISTS backups (
	id           TEXT PRIMARY KEY,
	type         TEXT NOT NULL,
	status       TEXT NOT NULL,
	created_at   TEXT NOT NULL,
	completed_at TEXT,
	size_bytes   INTEGER NOT NULL DEFAULT 0,
	checksum     TEXT,
	components   TEXT,
	labels       TEXT,
	destination  TEXT,
	provider_id  TEXT,
	error        TEXT
)`

// OpenMetadataStore opens (creating if necessary) the metadata database.
func OpenMetadataStore(path string) (*MetadataStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, errors.Unavailable(errors.CodeDependencyUnavailable, "cannot open metadata database").
			WithComponent("backup").WithResource(path).WithCause(err).Build()
	}
	if _, err := db.Exec(metadataSchema); err != nil {
		db.Close()
		return nil, errors.Unavailable(errors.CodeDependencyUnavailable, "cannot initialize metadata schema").
			WithComponent("backup").WithCause(err).Build()
	}
	return &MetadataStore{db: db}, nil
}

func (s *MetadataStore) Close() error { return s.db.Close() }

// Save inserts or replaces the record.
func (s *MetadataStore) Save(ctx context.Context, md *Metadata) error {
	components, _ := json.Marshal(md.Components)
	labels, _ := json.Marshal(md.Labels)
	var completed any
	if md.CompletedAt != nil {
		completed = domain.FormatTime(*md.CompletedAt)
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO backups
		(id, type, status, created_at, completed_at, size_bytes, checksum,
		 components, labels, destination, provider_id, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		md.ID, md.Type, md.Status, domain.FormatTime(md.CreatedAt),
		completed, md.SizeBytes, md.Checksum,
		string(components), string(labels), md.Destination, md.ProviderID, md.Error)
	return err
}

// Get returns the record, or nil when absent.
func (s *MetadataStore) Get(ctx context.Context, id string) (*Metadata, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, type, status, created_at,
		completed_at, size_bytes, checksum, components, labels, destination,
		provider_id, error FROM backups WHERE id = ?`, id)
	md, err := scanMetadata(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return md, err
}

// List returns all records, newest first.
func (s *MetadataStore) List(ctx context.Context) ([]*Metadata, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, type, status, created_at,
		completed_at, size_bytes, checksum, components, labels, destination,
		provider_id, error FROM backups ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Metadata
	for rows.Next() {
		md, scanErr := scanMetadata(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, md)
	}
	return out, rows.Err()
}

// Delete removes the record.
func (s *MetadataStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM backups WHERE id = ?`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMetadata(row rowScanner) (*Metadata, error) {
	var md Metadata
	var created string
	var completed, checksum, components, labels, destination, providerID, errMsg sql.NullString
	if err := row.Scan(&md.ID, &md.Type, &md.Status, &created, &completed,
		&md.SizeBytes, &checksum, &components, &labels, &destination,
		&providerID, &errMsg); err != nil {
		return nil, err
	}
	if t, err := domain.ParseTime(created); err == nil {
		md.CreatedAt = t
	}
	if completed.Valid && completed.String != "" {
		if t, err := domain.ParseTime(completed.String); err == nil {
			md.CompletedAt = &t
		}
	}
	md.Checksum = checksum.String
	md.Destination = destination.String
	md.ProviderID = providerID.String
	md.Error = errMsg.String
	if components.Valid && components.String != "" {
		json.Unmarshal([]byte(components.String), &md.Components)
	}
	if labels.Valid && labels.String != "" {
		json.Unmarshal([]byte(labels.String), &md.Labels)
	}
	return &md, nil
}

// tableDump is the tabular component's per-table export.
type tableDump struct {
	Name       string           `json:"name"`
	CreateSQL  string           `json:"createSql"`
	PrimaryKey []string         `json:"primaryKey,omitempty"`
	Rows       []map[string]any `json:"rows"`
}

// DumpTables exports every user table as definitions plus JSON rows.
func (s *MetadataStore) DumpTables(ctx context.Context) ([]tableDump, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, sql FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var dumps []tableDump
	var tables []tableDump
	for rows.Next() {
		var d tableDump
		var createSQL sql.NullString
		if err := rows.Scan(&d.Name, &createSQL); err != nil {
			return nil, err
		}
		d.CreateSQL = createSQL.String
		tables = append(tables, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, d := range tables {
		data, err := s.dumpRows(ctx, d.Name)
		if err != nil {
			return nil, err
		}
		d.Rows = data
		dumps = append(dumps, d)
	}
	return dumps, nil
}

func (s *MetadataStore) dumpRows(ctx context.Context, table string) ([]map[string]any, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT * FROM "`+table+`"`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		record := make(map[string]any, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				record[col] = string(b)
			} else {
				record[col] = values[i]
			}
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// ExecScript replays a statement dump, one semicolon-terminated statement
// at a time.
func (s *MetadataStore) ExecScript(ctx context.Context, script string) error {
	for _, stmt := range strings.Split(script, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// RestoreTables recreates dumped tables and replays their rows. Existing
// rows with the same primary key are replaced.
func (s *MetadataStore) RestoreTables(ctx context.Context, dumps []tableDump) error {
	for _, d := range dumps {
		if d.CreateSQL != "" {
			if _, err := s.db.ExecContext(ctx, d.CreateSQL); err != nil {
				// Table may already exist; statement-by-statement recovery
				// continues with the row replay.
				if _, retryErr := s.db.ExecContext(ctx, `SELECT 1 FROM "`+d.Name+`" LIMIT 1`); retryErr != nil {
					return err
				}
			}
		}
		for _, record := range d.Rows {
			if err := s.upsertRow(ctx, d.Name, record); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *MetadataStore) upsertRow(ctx context.Context, table string, record map[string]any) error {
	cols := make([]string, 0, len(record))
	for col := range record {
		cols = append(cols, col)
	}
	stmt := `INSERT OR REPLACE INTO "` + table + `" (`
	args := make([]any, 0, len(cols))
	for i, col := range cols {
		if i > 0 {
			stmt += ", "
		}
		stmt += `"` + col + `"`
		args = append(args, record[col])
	}
	stmt += ") VALUES ("
	for i := range cols {
		if i > 0 {
			stmt += ", "
		}
		stmt += "?"
	}
	stmt += ")"
	_, err := s.db.ExecContext(ctx, stmt, args...)
	return err
}
