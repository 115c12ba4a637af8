package store

import (
	"database/sql"
	"fmt"

	"github.com/rendis/dynsched/pkg/schema"
)

func storeNotFound(resource, id string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id).WithCause(ErrNotFound)
}

func lockTimeout(key string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeLockTimeout, "lock %q not acquired", key).WithCause(ErrLockTimeout)
}

func lockLost(key string) *schema.Error {
	return schema.NewErrorf(schema.ErrCodeLockTimeout, "lock %q lost", key).WithCause(ErrLockLost)
}

func storeErr(op, key string, err error) error {
	return schema.NewErrorf(schema.ErrCodeStore, "%s %q: %v", op, key, err).WithCause(err)
}

// checkRowsAffected reports ok=false when the statement matched no row.
func checkRowsAffected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}
