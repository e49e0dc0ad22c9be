package workload

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"
)

type (
	// DB is the handle a unit body runs its statements through. The engine
	// hands out an instrumented implementation so statements are counted.
	DB interface {
		Exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
		Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
		QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row
	}

	Func func(ctx context.Context, db DB) error

	// Unit is one independently executable test case, immutable once
	// enumerated by the discovery collaborator.
	Unit struct {
		Name  string
		Index int
		Fn    Func
	}

	Status string

	Outcome struct {
		Unit     string
		Index    int
		Worker   int
		Status   Status
		Duration time.Duration
		Queries  int
		Writes   int
		Detail   string
	}
)

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusSkip    Status = "skip"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
)

// Failure marks an assertion failure inside a unit body. It is recorded
// against that unit only and never retried.
type Failure struct {
	Msg string
}

func (f *Failure) Error() string {
	return f.Msg
}

func Failf(format string, args ...interface{}) error {
	return &Failure{Msg: fmt.Sprintf(format, args...)}
}

func IsFailure(err error) bool {
	var f *Failure
	return errors.As(err, &f)
}

func (o *Outcome) Reads() int {
	return o.Queries - o.Writes
}

// SortOutcomes orders by worker id then discovery order, independent of
// completion order, so reports are deterministic.
func SortOutcomes(outcomes []*Outcome) {
	sort.Slice(outcomes, func(i, j int) bool {
		if outcomes[i].Worker != outcomes[j].Worker {
			return outcomes[i].Worker < outcomes[j].Worker
		}
		return outcomes[i].Index < outcomes[j].Index
	})
}
