// Package storage holds shared errors for the blob and record stores.
package storage

import "errors"

// ErrNotFound is returned by stores when the requested object or row is missing.
var ErrNotFound = errors.New("storage: not found")
