package dispatch

import (
	"fmt"

	"mailrelay/internal/mail"
)

// MalformedRecordError describes a record that could not be formatted. It
// is logged and counted, never returned from Ingest.
type MalformedRecordError struct {
	Index int
	Err   error
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("record %d malformed: %v", e.Index, e.Err)
}

func (e *MalformedRecordError) Unwrap() error { return e.Err }

// RecordError is a delivery failure for one record of a batch. The
// record's fingerprint was rolled back, so a later batch retries it.
type RecordError struct {
	BatchID     string
	Index       int
	Fingerprint mail.Fingerprint
	Title       string
	Err         error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("batch %s record %d (%s %q): %v", e.BatchID, e.Index, e.Fingerprint.Short(), e.Title, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }
