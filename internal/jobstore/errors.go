package jobstore

import (
	"errors"
	"os"
)

// ErrNotFound is returned by Store lookups when the requested record does
// not exist on disk, distinct from other I/O failures.
var ErrNotFound = errors.New("jobstore: not found")

func isNotExist(err error) bool {
	return err != nil && os.IsNotExist(err)
}

func isErrNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
