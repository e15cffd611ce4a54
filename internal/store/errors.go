package store

import (
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a compare-and-set lost to a concurrent writer.
	ErrConflict = errors.New("store: concurrent modification")
	// ErrDuplicate is returned when a unique constraint rejects an insert.
	ErrDuplicate = errors.New("store: duplicate")
	// ErrMaintenance is returned when a unit under maintenance is asked to go into use.
	ErrMaintenance = errors.New("store: unit under maintenance")
)

const (
	pqUniqueViolation    = "23505"
	pqExclusionViolation = "23P01"
)

// translate maps driver errors onto the store sentinels.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case pqUniqueViolation:
			return ErrDuplicate
		case pqExclusionViolation:
			return ErrConflict
		}
	}
	return err
}
