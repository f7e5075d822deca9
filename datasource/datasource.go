// Package datasource abstracts upload input: a file path, a seekable
// stream, or an unseekable stream, each sliced into fixed- or
// variable-sized parts for the uploader (spec.md §3 "DataSource<H>").
package datasource

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"hash"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// Key is a content fingerprint used to key a resumable journal. It is
// absent (ok=false) for unidentified streams.
type Key struct {
	Algorithm string
	Digest    string
}

// Reader is one slice produced by Source.Slice: a part_number, its offset
// and length within the whole source, and the stream of its bytes.
// Reset rewinds the stream so a retried attempt can re-read the part from
// the start (spec.md §3 "DataSourceReader... must support reset").
type Reader interface {
	io.Reader
	PartNumber() int
	Offset() int64
	Length() int64
	Reset() error
	// SHA1Hex returns the hex-encoded SHA-1 of everything read so far;
	// meaningful once the reader has been fully consumed.
	SHA1Hex() string
}

// sliceReader is the concrete Reader shared by all Source implementations.
// It wraps each re-opened stream in a hashing tee, following the shape of
// backend/b2/upload.go's hashAppendingReader but exposing the digest via a
// method instead of appending it to the stream.
type sliceReader struct {
	partNumber int
	offset     int64
	length     int64
	reopen     func() (io.Reader, error)
	inner      io.Reader
	hasher     hash.Hash
}

func newSliceReader(partNumber int, offset, length int64, reopen func() (io.Reader, error)) (*sliceReader, error) {
	r := &sliceReader{partNumber: partNumber, offset: offset, length: length, reopen: reopen}
	if err := r.Reset(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *sliceReader) Read(p []byte) (int, error) {
	n, err := r.inner.Read(p)
	if n > 0 {
		r.hasher.Write(p[:n])
	}
	return n, err
}

func (r *sliceReader) PartNumber() int { return r.partNumber }
func (r *sliceReader) Offset() int64   { return r.offset }
func (r *sliceReader) Length() int64   { return r.length }

func (r *sliceReader) Reset() error {
	inner, err := r.reopen()
	if err != nil {
		return err
	}
	r.inner = inner
	r.hasher = sha1.New()
	return nil
}

func (r *sliceReader) SHA1Hex() string {
	return hex.EncodeToString(r.hasher.Sum(nil))
}

var _ Reader = (*sliceReader)(nil)

// Source abstracts upload input (spec.md §3 "DataSource<H>").
type Source interface {
	// Slice returns the next part of at most maxBytes, or nil, io.EOF
	// when the source is exhausted.
	Slice(maxBytes int64) (Reader, error)
	// Reset rewinds the source so Slice can be called again from the
	// beginning (used when an upload must restart from scratch).
	Reset() error
	// SourceKey returns the source's content fingerprint, if known.
	SourceKey() (Key, bool)
	// TotalSize returns the source's total byte count, if known.
	TotalSize() (uint64, bool)
}

// FilePath is a Source backed by a path on disk: fully seekable, with a
// size known up front.
type FilePath struct {
	path       string
	size       int64
	readOffset int64
	nextPart   int
	key        Key
	hasKey     bool
}

// NewFilePath builds a FilePath source, stat-ing path to learn its size.
func NewFilePath(path string) (*FilePath, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "datasource: stat")
	}
	return &FilePath{path: path, size: fi.Size()}, nil
}

// WithKey attaches a precomputed content fingerprint (e.g. from a prior
// full-file hash pass) so the uploader can key a resumable journal.
func (f *FilePath) WithKey(k Key) *FilePath {
	f.key = k
	f.hasKey = true
	return f
}

// Slice implements Source.
func (f *FilePath) Slice(maxBytes int64) (Reader, error) {
	if f.readOffset >= f.size {
		return nil, io.EOF
	}
	length := f.size - f.readOffset
	if length > maxBytes {
		length = maxBytes
	}
	offset := f.readOffset
	f.nextPart++
	partNumber := f.nextPart
	path := f.path
	reopen := func() (io.Reader, error) {
		fh, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		if _, err := fh.Seek(offset, io.SeekStart); err != nil {
			fh.Close()
			return nil, err
		}
		return &closingLimitReader{f: fh, r: io.LimitReader(fh, length)}, nil
	}
	r, err := newSliceReader(partNumber, offset, length, reopen)
	if err != nil {
		return nil, err
	}
	f.readOffset += length
	return r, nil
}

// Reset implements Source.
func (f *FilePath) Reset() error {
	f.readOffset = 0
	f.nextPart = 0
	return nil
}

// SourceKey implements Source.
func (f *FilePath) SourceKey() (Key, bool) { return f.key, f.hasKey }

// TotalSize implements Source.
func (f *FilePath) TotalSize() (uint64, bool) { return uint64(f.size), true }

type closingLimitReader struct {
	f *os.File
	r io.Reader
}

func (c *closingLimitReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if err == io.EOF {
		c.f.Close()
	}
	return n, err
}

var _ Source = (*FilePath)(nil)

// SeekableStream is a Source backed by an io.ReadSeeker of known size
// (spec.md §3 "seekable stream" variant).
type SeekableStream struct {
	mu         sync.Mutex
	rs         io.ReadSeeker
	size       int64
	readOffset int64
	nextPart   int
	key        Key
	hasKey     bool
}

// NewSeekableStream builds a SeekableStream source of the given total size.
func NewSeekableStream(rs io.ReadSeeker, size int64) *SeekableStream {
	return &SeekableStream{rs: rs, size: size}
}

// WithKey attaches a precomputed content fingerprint.
func (s *SeekableStream) WithKey(k Key) *SeekableStream {
	s.key = k
	s.hasKey = true
	return s
}

// Slice implements Source. Because the underlying handle is shared, each
// returned Reader seeks it into place on every Read/Reset rather than
// holding a private cursor (spec.md §3: "a shared-handle slice").
func (s *SeekableStream) Slice(maxBytes int64) (Reader, error) {
	s.mu.Lock()
	if s.readOffset >= s.size {
		s.mu.Unlock()
		return nil, io.EOF
	}
	length := s.size - s.readOffset
	if length > maxBytes {
		length = maxBytes
	}
	offset := s.readOffset
	s.nextPart++
	partNumber := s.nextPart
	s.mu.Unlock()
	reopen := func() (io.Reader, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, err := s.rs.Seek(offset, io.SeekStart); err != nil {
			return nil, err
		}
		return io.LimitReader(s.rs, length), nil
	}
	r, err := newSliceReader(partNumber, offset, length, reopen)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.readOffset += length
	s.mu.Unlock()
	return r, nil
}

// Reset implements Source.
func (s *SeekableStream) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readOffset = 0
	s.nextPart = 0
	_, err := s.rs.Seek(0, io.SeekStart)
	return err
}

// SourceKey implements Source.
func (s *SeekableStream) SourceKey() (Key, bool) { return s.key, s.hasKey }

// TotalSize implements Source.
func (s *SeekableStream) TotalSize() (uint64, bool) { return uint64(s.size), true }

var _ Source = (*SeekableStream)(nil)

// UnseekableStream is a Source backed by a plain io.Reader of unknown (or
// merely unseekable) size. Slice reads ahead into memory, since the
// stream cannot be rewound (spec.md §3: "slice reads ahead into memory or
// temp storage").
type UnseekableStream struct {
	mu       sync.Mutex
	r        io.Reader
	nextPart int
	offset   int64
	eof      bool
}

// NewUnseekableStream builds an UnseekableStream source.
func NewUnseekableStream(r io.Reader) *UnseekableStream {
	return &UnseekableStream{r: r}
}

// Slice implements Source.
func (u *UnseekableStream) Slice(maxBytes int64) (Reader, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.eof {
		return nil, io.EOF
	}
	buf := make([]byte, maxBytes)
	n, err := io.ReadFull(u.r, buf)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		u.eof = true
		err = nil
	} else if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, io.EOF
	}
	buf = buf[:n]
	offset := u.offset
	u.nextPart++
	partNumber := u.nextPart
	reopen := func() (io.Reader, error) {
		return bytes.NewReader(buf), nil
	}
	r, rerr := newSliceReader(partNumber, offset, int64(n), reopen)
	if rerr != nil {
		return nil, rerr
	}
	u.offset += int64(n)
	return r, nil
}

// Reset implements Source: an unseekable stream cannot be rewound once
// bytes have been consumed from it.
func (u *UnseekableStream) Reset() error {
	return errors.New("datasource: unseekable stream cannot be reset")
}

// SourceKey implements Source: unseekable streams have no known
// fingerprint ahead of time.
func (u *UnseekableStream) SourceKey() (Key, bool) { return Key{}, false }

// TotalSize implements Source: unknown until fully consumed.
func (u *UnseekableStream) TotalSize() (uint64, bool) { return 0, false }

var _ Source = (*UnseekableStream)(nil)
