package main

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUpstreamUnavailable reports that a document or archive could not be supplied.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// FormatError reports a structurally invalid puzzle document.
type FormatError struct {
	Element string
	Msg     string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("format error in <%s>: %s", e.Element, e.Msg)
}

// DataIntegrityError reports an internally inconsistent puzzle document,
// such as a clue referencing an unknown word.
type DataIntegrityError struct {
	Ref string
	Msg string
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity error (%s): %s", e.Ref, e.Msg)
}

// upstreamError wraps err so that errors.Is(err, ErrUpstreamUnavailable) holds.
func upstreamError(what string, err error) error {
	return fmt.Errorf("%s: %w: %w", what, ErrUpstreamUnavailable, err)
}

// Outcome classifies the result of processing one puzzle.
type Outcome string

const (
	OutcomeAnalyzed            Outcome = "analyzed"
	OutcomeFormatError         Outcome = "format_error"
	OutcomeIntegrityError      Outcome = "integrity_error"
	OutcomeUpstreamUnavailable Outcome = "upstream_unavailable"
	OutcomeFailed              Outcome = "failed"
)

func outcomeForError(err error) Outcome {
	var fe *FormatError
	var de *DataIntegrityError
	switch {
	case err == nil:
		return OutcomeAnalyzed
	case errors.As(err, &fe):
		return OutcomeFormatError
	case errors.As(err, &de):
		return OutcomeIntegrityError
	case errors.Is(err, ErrUpstreamUnavailable):
		return OutcomeUpstreamUnavailable
	default:
		return OutcomeFailed
	}
}

func statusForError(err error) int {
	return statusForOutcome(outcomeForError(err))
}

func statusForOutcome(o Outcome) int {
	switch o {
	case OutcomeAnalyzed:
		return http.StatusOK
	case OutcomeFormatError, OutcomeIntegrityError:
		return http.StatusUnprocessableEntity
	case OutcomeUpstreamUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
