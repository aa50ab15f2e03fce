package survey

import (
	"errors"
	"fmt"
)

// Category classifies failures by how the caller is expected to react.
type Category string

const (
	// CategoryTransient failures are retried on the next poll cycle.
	CategoryTransient Category = "transient"
	// CategoryMalformed input is dropped per record and reported.
	CategoryMalformed Category = "malformed"
	// CategoryCorruption is a bookmark that no longer matches its file; it self-heals.
	CategoryCorruption Category = "corruption"
	// CategoryDurability means a commit could not be guaranteed. The operation failed as a whole.
	CategoryDurability Category = "durability"
)

var (
	ErrUnknownTrack    = errors.New("unknown survey track")
	ErrSessionMismatch = errors.New("sample does not belong to the open session")
	ErrNoZBin          = errors.New("no z-bin given and no journal context to default from")
	ErrInvalidSample   = errors.New("invalid sample")
)

type Error struct {
	Category Category
	Op       string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Category, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Category, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrapErr(cat Category, op string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Category: cat, Op: op, Err: err}
}

// IsCategory reports whether err, or anything it wraps, carries the given category.
func IsCategory(err error, cat Category) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Category == cat
	}
	return false
}
