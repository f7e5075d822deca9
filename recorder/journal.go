package recorder

import (
	"bufio"
	"encoding/json"
	"io"

	"github.com/pkg/errors"
)

// HeaderV1 is the first line of a V1 journal (spec.md §6.4: "ver, bkt,
// ups").
type HeaderV1 struct {
	Version    int      `json:"ver"`
	Bucket     string   `json:"bkt"`
	UpEndpoints []string `json:"ups"`
}

// RowV1 is one part record in a V1 journal (spec.md §6.4: "off, size,
// body, upat, sha1").
type RowV1 struct {
	Offset          int64  `json:"off"`
	Size            int64  `json:"size"`
	Ctx             string `json:"body"`
	UploadedAt      int64  `json:"upat"`
	SHA1            string `json:"sha1"`
}

// HeaderV2 is the first line of a V2 journal (spec.md §6.4: "ver, uid,
// init, bkt, key, ups").
type HeaderV2 struct {
	Version       int      `json:"ver"`
	UploadID      string   `json:"uid"`
	InitializedAt int64    `json:"init"`
	Bucket        string   `json:"bkt"`
	Key           string   `json:"key"`
	UpEndpoints   []string `json:"ups"`
}

// RowV2 is one part record in a V2 journal (spec.md §6.4: "off, size,
// body, pnum, sha1").
type RowV2 struct {
	Offset     int64  `json:"off"`
	Size       int64  `json:"size"`
	Etag       string `json:"body"`
	PartNumber int64  `json:"pnum"`
	SHA1       string `json:"sha1"`
}

// WriteHeader marshals v as the journal's first line.
func WriteHeader(w io.Writer, v interface{}) error {
	return writeLine(w, v)
}

// WriteRow marshals v as one journal data line.
func WriteRow(w io.Writer, v interface{}) error {
	return writeLine(w, v)
}

func writeLine(w io.Writer, v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "recorder: marshal journal line")
	}
	raw = append(raw, '\n')
	_, err = w.Write(raw)
	return err
}

// ReadJournal reads a journal's header into header, then calls onRow for
// every non-empty data line; onRow decides what to do with a malformed one.
// The V1 and V2 uploaders skip such lines, so a truncated final line is
// treated as absent rather than an error (spec.md §6.4: "Readers tolerate
// truncated final lines").
func ReadJournal(r io.Reader, header interface{}, onRow func(raw []byte) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return errors.Wrap(err, "recorder: read journal header")
		}
		return errors.New("recorder: empty journal")
	}
	if err := json.Unmarshal(scanner.Bytes(), header); err != nil {
		return errors.Wrap(err, "recorder: malformed journal header")
	}
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		if err := onRow(cp); err != nil {
			return err
		}
	}
	// A non-EOF scan error still leaves the header and prior rows valid;
	// the caller proceeds with what was recovered.
	return nil
}
