package executor

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestIsWriteStatement(t *testing.T) {
	writes := []string{
		"INSERT INTO users (name) VALUES ('a')",
		"update users set name = 'b' where id = 1",
		"DELETE FROM users WHERE id = 3",
		"CREATE TABLE things (id INTEGER)",
		"ALTER TABLE things ADD COLUMN note TEXT",
		"DROP TABLE things",
		"TRUNCATE things",
		"REPLACE INTO users VALUES (1, 'c')",
	}
	for _, stmt := range writes {
		assert.True(t, IsWriteStatement(stmt), "expected write: %v", stmt)
	}

	reads := []string{
		"SELECT * FROM users",
		"  select count(*) from users where id in (1, 2, 3)",
		"SHOW TABLES",
		"EXPLAIN SELECT 1",
	}
	for _, stmt := range reads {
		assert.False(t, IsWriteStatement(stmt), "expected read: %v", stmt)
	}
}

func TestIsConnectivityError(t *testing.T) {
	assert.True(t, IsConnectivityError(driver.ErrBadConn))
	assert.True(t, IsConnectivityError(fmt.Errorf("query failed: %w", driver.ErrBadConn)))
	assert.True(t, IsConnectivityError(&pgconn.PgError{Code: "08006"}))
	assert.True(t, IsConnectivityError(errors.New("dial tcp: connection refused")))
	assert.True(t, IsConnectivityError(errors.New("write: broken pipe")))

	assert.False(t, IsConnectivityError(nil))
	assert.False(t, IsConnectivityError(errors.New("assertion mismatch")))
	assert.False(t, IsConnectivityError(&pgconn.PgError{Code: "42501"}))
}
