package provision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

type (
	// SchemaElement is one (table, column) tuple of the live schema, in
	// information-schema order. The ordered list feeds the fingerprint.
	SchemaElement struct {
		Table    string
		Column   string
		Type     string
		Nullable bool
	}

	// Backend abstracts the vendor-specific provisioning primitives:
	// one implementation per vendor, selected once by Probe at startup.
	Backend interface {
		Vendor() string

		// CanClone reports whether the vendor has a usable clone
		// primitive. Single-writer file backends report false and the
		// orchestrator degrades to sequential execution.
		CanClone() bool

		// Identity names the backing server and database, and takes part
		// in the template fingerprint.
		Identity() string

		// Open returns a handle bound to the named instance; an empty
		// name means the primary database.
		Open(instance string) (*sql.DB, error)

		SchemaElements(ctx context.Context) ([]SchemaElement, error)

		// CreateTemplate builds a schema-only copy of the primary
		// database under the given name.
		CreateTemplate(ctx context.Context, name string) error

		// Clone creates an isolated instance from the template.
		Clone(ctx context.Context, name string, template string) error

		Drop(ctx context.Context, name string) error

		Close() error
	}
)

// ErrCloneUnsupported marks a backend without a clone primitive; the caller
// falls back to one worker instead of failing the run.
var ErrCloneUnsupported = errors.New("backend has no clone primitive")

// ProvisioningError is fatal to the run: the template or a clone could not
// be obtained at all.
type ProvisioningError struct {
	Op  string
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning failed during %v: %v", e.Op, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// Probe selects a backend from the DSN scheme. It tolerates both url-style
// DSNs and the go-sql-driver format.
func Probe(dsn string) (Backend, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return NewPostgres(dsn)
	case strings.HasPrefix(dsn, "mysql://"), strings.Contains(dsn, "@tcp("):
		return NewMySQL(strings.TrimPrefix(dsn, "mysql://"))
	case strings.HasPrefix(dsn, "sqlite://"), strings.HasSuffix(dsn, ".db"), strings.HasSuffix(dsn, ".sqlite"):
		return NewSQLite(strings.TrimPrefix(dsn, "sqlite://"))
	default:
		return nil, fmt.Errorf("unsupported backend dsn: %v", dsn)
	}
}
