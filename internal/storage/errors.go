package storage

import "errors"

// ErrNotFound reports that no row matched. Queries here are org-scoped, so
// a row that exists under a different org is also a miss; callers must not
// treat ErrNotFound as proof the ID is unused.
var ErrNotFound = errors.New("storage: not found")
