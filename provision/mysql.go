package provision

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
)

type (
	mysqlBackend struct {
		cfg   *mysql.Config
		admin *sql.DB
	}
)

// NewMySQL connects to the primary database named by a go-sql-driver DSN.
func NewMySQL(dsn string) (Backend, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("mysql.ParseDSN failed: %w", err)
	}
	if cfg.DBName == "" {
		return nil, fmt.Errorf("mysql dsn carries no database name: %v", dsn)
	}

	admin, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("sql.Open failed: %w", err)
	}

	return &mysqlBackend{cfg: cfg, admin: admin}, nil
}

func (b *mysqlBackend) Vendor() string {
	return "mysql"
}

func (b *mysqlBackend) CanClone() bool {
	return true
}

func (b *mysqlBackend) Identity() string {
	return fmt.Sprintf("mysql://%v/%v", b.cfg.Addr, b.cfg.DBName)
}

func (b *mysqlBackend) Open(instance string) (*sql.DB, error) {
	cfg := *b.cfg
	if instance != "" {
		cfg.DBName = instance
	}

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("sql.Open failed: %w", err)
	}
	return db, nil
}

func (b *mysqlBackend) SchemaElements(ctx context.Context) ([]SchemaElement, error) {
	rows, err := b.admin.QueryContext(ctx, `
		SELECT table_name, column_name, data_type, is_nullable = 'YES'
		FROM information_schema.columns
		WHERE table_schema = ?
		ORDER BY table_name, ordinal_position`, b.cfg.DBName)
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

// CreateTemplate recreates every table of the primary database into a fresh
// one with CREATE TABLE ... LIKE, which copies structure but no rows.
func (b *mysqlBackend) CreateTemplate(ctx context.Context, name string) error {
	return b.copySchema(ctx, name, b.cfg.DBName)
}

func (b *mysqlBackend) Clone(ctx context.Context, name string, template string) error {
	return b.copySchema(ctx, name, template)
}

func (b *mysqlBackend) copySchema(ctx context.Context, target string, source string) error {
	if err := b.Drop(ctx, target); err != nil {
		return err
	}

	if _, err := b.admin.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE `%v`", target)); err != nil {
		return errors.Wrap(err, "creating database")
	}

	rows, err := b.admin.QueryContext(ctx, `
		SELECT table_name FROM information_schema.tables
		WHERE table_schema = ? AND table_type = 'BASE TABLE'
		ORDER BY table_name`, source)
	if err != nil {
		return errors.Wrap(err, "listing source tables")
	}
	defer rows.Close()

	tables := []string{}
	for rows.Next() {
		var table string
		if err := rows.Scan(&table); err != nil {
			return errors.Wrap(err, "scanning table name")
		}
		tables = append(tables, table)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, table := range tables {
		stmt := fmt.Sprintf("CREATE TABLE `%v`.`%v` LIKE `%v`.`%v`", target, table, source, table)
		if _, err := b.admin.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "copying table %v", table)
		}
	}

	return nil
}

func (b *mysqlBackend) Drop(ctx context.Context, name string) error {
	if _, err := b.admin.ExecContext(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS `%v`", name)); err != nil {
		return errors.Wrap(err, "dropping database")
	}
	return nil
}

func (b *mysqlBackend) Close() error {
	return b.admin.Close()
}
