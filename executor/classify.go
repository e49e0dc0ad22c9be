package executor

import (
	"database/sql/driver"
	"errors"
	"net"
	"strings"

	gomysql "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgconn"
	"github.com/percona/go-mysql/query"
)

// IsConnectivityError reports transient connection-level failures. These
// trigger a full chunk retry; everything else stays contained to its unit.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, gomysql.ErrInvalidConn) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// class 08 is connection_exception
		return strings.HasPrefix(pgErr.Code, "08")
	}

	msg := err.Error()
	for _, needle := range []string{"connection refused", "connection reset", "broken pipe", "bad connection"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// IsWriteStatement classifies a statement by the leading verb of its
// normalized fingerprint.
func IsWriteStatement(statement string) bool {
	fingerprint := query.Fingerprint(statement)

	verb := fingerprint
	if i := strings.IndexByte(verb, ' '); i > 0 {
		verb = verb[:i]
	}

	switch strings.ToLower(verb) {
	case "insert", "update", "delete", "replace", "create", "alter", "drop", "truncate":
		return true
	}
	return false
}
