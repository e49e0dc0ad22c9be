package provision

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

type (
	// sqliteBackend is the single-writer case: no clone primitive, so the
	// orchestrator runs one worker against the primary file.
	sqliteBackend struct {
		path string
	}
)

func NewSQLite(path string) (Backend, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite dsn carries no file path")
	}
	return &sqliteBackend{path: path}, nil
}

func (b *sqliteBackend) Vendor() string {
	return "sqlite"
}

func (b *sqliteBackend) CanClone() bool {
	return false
}

func (b *sqliteBackend) Identity() string {
	return "sqlite://" + b.path
}

func (b *sqliteBackend) Open(instance string) (*sql.DB, error) {
	if instance != "" {
		return nil, ErrCloneUnsupported
	}

	db, err := sql.Open("sqlite", b.path)
	if err != nil {
		return nil, fmt.Errorf("sql.Open failed: %w", err)
	}

	// a lone writer still benefits from WAL
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enabling WAL")
	}
	return db, nil
}

func (b *sqliteBackend) SchemaElements(ctx context.Context) ([]SchemaElement, error) {
	db, err := b.Open("")
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, `
		SELECT name FROM sqlite_master
		WHERE type = 'table' AND name NOT LIKE 'sqlite_%'
		ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "listing tables")
	}
	defer rows.Close()

	tables := []string{}
	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			return nil, errors.Wrap(err, "scanning table name")
		}
		tables = append(tables, table)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	elements := []SchemaElement{}
	for _, table := range tables {
		columns, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%q)", table))
		if err != nil {
			return nil, errors.Wrapf(err, "describing table %v", table)
		}

		for columns.Next() {
			var (
				cid, notNull, pk int
				name, typ        string
				defaultValue     sql.NullString
			)
			if err := columns.Scan(&cid, &name, &typ, &notNull, &defaultValue, &pk); err != nil {
				columns.Close()
				return nil, errors.Wrap(err, "scanning column info")
			}
			elements = append(elements, SchemaElement{Table: table, Column: name, Type: typ, Nullable: notNull == 0})
		}
		if err := columns.Err(); err != nil {
			columns.Close()
			return nil, err
		}
		columns.Close()
	}

	return elements, nil
}

func (b *sqliteBackend) CreateTemplate(ctx context.Context, name string) error {
	return ErrCloneUnsupported
}

func (b *sqliteBackend) Clone(ctx context.Context, name string, template string) error {
	return ErrCloneUnsupported
}

func (b *sqliteBackend) Drop(ctx context.Context, name string) error {
	return ErrCloneUnsupported
}

func (b *sqliteBackend) Close() error {
	return nil
}
