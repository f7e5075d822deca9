// Package recorder persists per-part upload progress as a
// newline-delimited JSON journal so a crashed or restarted upload can
// resume (spec.md §4.7 "Resumable Record Store").
package recorder

import (
	"io"

	"github.com/pkg/errors"
)

// ResumableRecorder opens per-source-key journals for reading, appending
// or fresh creation, and deletes them once an upload completes.
type ResumableRecorder interface {
	OpenForRead(key string) (io.ReadCloser, error)
	OpenForAppend(key string) (io.WriteCloser, error)
	OpenForCreateNew(key string) (io.WriteCloser, error)
	Delete(key string) error
}

// ErrNotFound is returned by OpenForRead when no journal exists for key.
var ErrNotFound = errors.New("recorder: journal not found")
