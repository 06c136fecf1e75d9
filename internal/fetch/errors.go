package fetch

import (
	"errors"
	"fmt"
)

// Category classifies a fetch failure.
type Category string

const (
	CategoryNetwork    Category = "network"
	CategoryParse      Category = "parse"
	CategoryConnection Category = "connection"
)

var (
	// ErrNetwork matches transport errors and non-success responses.
	ErrNetwork = errors.New("network failure")
	// ErrParse matches malformed response bodies.
	ErrParse = errors.New("parse failure")
	// ErrConnection matches streaming channel failures.
	ErrConnection = errors.New("connection failure")

	// ErrDuplicateRecord is returned when reassembled chunks repeat an id.
	ErrDuplicateRecord = errors.New("duplicate record id across chunks")
	// ErrChunkOrder is returned when the data source reports inconsistent
	// chunk metadata.
	ErrChunkOrder = errors.New("inconsistent chunk metadata")
)

// Error is the typed failure returned by Client. StatusCode is zero for
// transport errors.
type Error struct {
	Op         string
	URL        string
	StatusCode int
	Category   Category
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: %s failure (status %d): %v", e.Op, e.URL, e.Category, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %s failure: %v", e.Op, e.URL, e.Category, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the category sentinels.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrNetwork:
		return e.Category == CategoryNetwork
	case ErrParse:
		return e.Category == CategoryParse
	case ErrConnection:
		return e.Category == CategoryConnection
	}
	return false
}

// StatusCode extracts the HTTP status carried by err, or zero.
func StatusCode(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.StatusCode
	}
	return 0
}

// Outcome maps err to the label used in fetch metrics.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var fe *Error
	if errors.As(err, &fe) {
		return string(fe.Category)
	}
	if errors.Is(err, ErrDuplicateRecord) || errors.Is(err, ErrChunkOrder) {
		return string(CategoryParse)
	}
	return "error"
}
