package provision

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v4"
	_ "github.com/jackc/pgx/v4/stdlib"
	"github.com/pkg/errors"
)

type (
	postgresBackend struct {
		base     *url.URL
		database string
		admin    *sql.DB
	}
)

// NewPostgres connects to the primary database named by a postgres:// url.
func NewPostgres(dsn string) (Backend, error) {
	base, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("url.Parse failed: %w", err)
	}

	database := strings.TrimPrefix(base.Path, "/")
	if database == "" {
		return nil, fmt.Errorf("postgres dsn carries no database name: %v", dsn)
	}

	admin, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open failed: %w", err)
	}

	// CREATE DATABASE ... TEMPLATE refuses while other sessions sit on the
	// source, so the admin handle keeps a single connection
	admin.SetMaxOpenConns(1)

	return &postgresBackend{base: base, database: database, admin: admin}, nil
}

func (b *postgresBackend) Vendor() string {
	return "postgres"
}

func (b *postgresBackend) CanClone() bool {
	return true
}

func (b *postgresBackend) Identity() string {
	return fmt.Sprintf("postgres://%v/%v", b.base.Host, b.database)
}

func (b *postgresBackend) Open(instance string) (*sql.DB, error) {
	if instance == "" {
		instance = b.database
	}

	instanceURL := *b.base
	instanceURL.Path = "/" + instance

	db, err := sql.Open("pgx", instanceURL.String())
	if err != nil {
		return nil, fmt.Errorf("sql.Open failed: %w", err)
	}
	return db, nil
}

func (b *postgresBackend) SchemaElements(ctx context.Context) ([]SchemaElement, error) {
	rows, err := b.admin.QueryContext(ctx, `
		SELECT table_name, column_name, data_type, is_nullable = 'YES'
		FROM information_schema.columns
		WHERE table_schema NOT IN ('pg_catalog', 'information_schema')
		ORDER BY table_name, ordinal_position`)
	if err != nil {
		return nil, errors.Wrap(err, "querying information_schema")
	}
	defer rows.Close()

	elements := []SchemaElement{}
	for rows.Next() {
		var e SchemaElement
		if err := rows.Scan(&e.Table, &e.Column, &e.Type, &e.Nullable); err != nil {
			return nil, errors.Wrap(err, "scanning schema row")
		}
		elements = append(elements, e)
	}
	return elements, rows.Err()
}

// CreateTemplate copies the primary database under the template name and
// empties every table, leaving structure only.
func (b *postgresBackend) CreateTemplate(ctx context.Context, name string) error {
	if err := b.Drop(ctx, name); err != nil {
		return err
	}

	stmt := fmt.Sprintf("CREATE DATABASE %v TEMPLATE %v",
		pgx.Identifier{name}.Sanitize(), pgx.Identifier{b.database}.Sanitize())
	if _, err := b.admin.ExecContext(ctx, stmt); err != nil {
		return errors.Wrap(err, "creating template database")
	}

	template, err := b.Open(name)
	if err != nil {
		return err
	}
	defer template.Close()

	tables, err := b.templateTables(ctx, template)
	if err != nil {
		return err
	}
	if len(tables) == 0 {
		return nil
	}

	quoted := make([]string, len(tables))
	for i, table := range tables {
		quoted[i] = pgx.Identifier{table}.Sanitize()
	}
	if _, err := template.ExecContext(ctx, "TRUNCATE "+strings.Join(quoted, ", ")+" CASCADE"); err != nil {
		return errors.Wrap(err, "emptying template tables")
	}

	return nil
}

func (b *postgresBackend) templateTables(ctx context.Context, template *sql.DB) ([]string, error) {
	rows, err := template.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema NOT IN ('pg_catalog', 'information_schema') AND table_type = 'BASE TABLE'
		ORDER BY table_name`)
	if err != nil {
		return nil, errors.Wrap(err, "listing template tables")
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
	return tables, rows.Err()
}

func (b *postgresBackend) Clone(ctx context.Context, name string, template string) error {
	stmt := fmt.Sprintf("CREATE DATABASE %v TEMPLATE %v",
		pgx.Identifier{name}.Sanitize(), pgx.Identifier{template}.Sanitize())
	if _, err := b.admin.ExecContext(ctx, stmt); err != nil {
		return errors.Wrap(err, "cloning worker database")
	}
	return nil
}

func (b *postgresBackend) Drop(ctx context.Context, name string) error {
	// stray sessions hold the database hostage, kick them first
	_, err := b.admin.ExecContext(ctx, `
		SELECT pg_terminate_backend(pid) FROM pg_stat_activity
		WHERE datname = $1 AND pid <> pg_backend_pid()`, name)
	if err != nil {
		return errors.Wrap(err, "terminating sessions")
	}

	if _, err := b.admin.ExecContext(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{name}.Sanitize()); err != nil {
		return errors.Wrap(err, "dropping database")
	}
	return nil
}

func (b *postgresBackend) Close() error {
	return b.admin.Close()
}
