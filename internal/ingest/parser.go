// Package ingest accepts collector inputs in their native framings,
// normalizes them to CommonRecords, deduplicates, and publishes to the
// normalized topic. Malformed input is dropped and counted by reason;
// it never stops a listener.
package ingest

import (
	"errors"
	"fmt"

	"sentinel-core/internal/schema"
)

// Parse drop reasons, used as metric labels.
const (
	ReasonShortPacket     = "short_packet"
	ReasonBadVersion      = "bad_version"
	ReasonBadJSON         = "bad_json"
	ReasonMissingField    = "missing_field"
	ReasonBadAddress      = "bad_address"
	ReasonBadTimestamp    = "bad_timestamp"
	ReasonTemplateMissing = "template_missing"
	ReasonValidation      = "validation"
)

// ParseError describes a malformed collector input.
type ParseError struct {
	Source schema.SourceKind
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s (%s): %v", e.Source, e.Reason, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// parseErr builds a ParseError for the given framing.
func parseErr(source schema.SourceKind, reason, format string, args ...any) *ParseError {
	return &ParseError{Source: source, Reason: reason, Err: fmt.Errorf(format, args...)}
}

// AsParseError extracts a ParseError from err, if present.
func AsParseError(err error) (*ParseError, bool) {
	var pe *ParseError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Parser converts one collector datagram or line into CommonRecords.
// A single input may carry several flow records (NetFlow datagrams do).
type Parser interface {
	Source() schema.SourceKind
	Parse(data []byte, sensorAddr string) ([]*schema.CommonRecord, error)
}
