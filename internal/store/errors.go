package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/surrealdb/surrealdb.go"
)

// Sentinel errors for store operations. Check with errors.Is.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrAlreadyExists indicates a record with the same unique key exists.
	ErrAlreadyExists = errors.New("record already exists")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsAlreadyExists reports whether err wraps ErrAlreadyExists.
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }

// wrapQueryError inspects a SurrealDB error and wraps it with the
// appropriate sentinel when it matches a known query error pattern.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}
	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) {
		if strings.Contains(queryErr.Message, "already exists") {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, queryErr.Message)
		}
	}
	return err
}
