package recorder

import "io"

// discardWriteCloser is a no-op sink for Dummy's append/create handles.
type discardWriteCloser struct{}

func (discardWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (discardWriteCloser) Close() error                { return nil }

// Dummy is a no-op ResumableRecorder: every upload behaves as if no
// journal ever existed, so nothing can ever be resumed (spec.md §4.7:
// "An in-memory implementation (dummy) may no-op").
type Dummy struct{}

// OpenForRead implements ResumableRecorder.
func (Dummy) OpenForRead(key string) (io.ReadCloser, error) { return nil, ErrNotFound }

// OpenForAppend implements ResumableRecorder.
func (Dummy) OpenForAppend(key string) (io.WriteCloser, error) { return discardWriteCloser{}, nil }

// OpenForCreateNew implements ResumableRecorder.
func (Dummy) OpenForCreateNew(key string) (io.WriteCloser, error) { return discardWriteCloser{}, nil }

// Delete implements ResumableRecorder.
func (Dummy) Delete(key string) error { return nil }

var _ ResumableRecorder = Dummy{}
