// Package mail holds the mail record observed by watchers and the
// fingerprint derived from it.
package mail

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"strings"
)

// Record is a mail as seen by a watcher. It is never persisted; only its
// Fingerprint is.
type Record struct {
	Sender    string `json:"sender"`
	Title     string `json:"title"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Size      string `json:"size"`
}

// Batch is an ordered group of records observed together by one watcher
// poll or one API call.
type Batch struct {
	ID      string   `json:"id"`
	Source  string   `json:"source"`
	Records []Record `json:"records"`
}

// Fingerprint is the hex MD5 digest of a Record. The zero value marks an
// empty cache slot.
type Fingerprint string

func (f Fingerprint) IsZero() bool { return f == "" }

// Short returns the first 8 hex chars, for logs.
func (f Fingerprint) Short() string {
	if len(f) <= 8 {
		return string(f)
	}
	return string(f[:8])
}

// Fingerprint digests the fields concatenated in declaration order, with no
// separator. ("ab","c") and ("a","bc") collide; fingerprints persisted by
// earlier releases depend on this exact layout.
func (r Record) Fingerprint() Fingerprint {
	sum := md5.Sum([]byte(r.Sender + r.Title + r.Content + r.Timestamp + r.Size))
	return Fingerprint(hex.EncodeToString(sum[:]))
}

// ErrMalformed is returned by Verify for records that must not be notified.
var ErrMalformed = errors.New("malformed mail record")

// Verify accepts every record for now.
//
// TODO: reject records whose sender and title are both blank once the IMAP
// and Gmail feeds guarantee a non-empty envelope.
func Verify(r Record) error {
	_ = r
	return nil
}

// Format renders the notification text for r. It fails with ErrMalformed
// when Verify rejects the record.
func Format(r Record) (string, error) {
	if err := Verify(r); err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString("Title: ")
	b.WriteString(r.Title)
	b.WriteString("\nSender: ")
	b.WriteString(r.Sender)
	b.WriteString("\nContent: ")
	b.WriteString(r.Content)
	b.WriteString("\nTimestamp: ")
	b.WriteString(r.Timestamp)
	b.WriteString("\nSize: ")
	b.WriteString(r.Size)
	return b.String(), nil
}
