// Package cacheerr defines the sentinel error taxonomy shared by every cache
// component. Callers classify a failure with errors.Is against one of the
// Err* sentinels, or with Classify(err) when they need the Kind enum (e.g. to
// pick a shaping/backoff policy).
package cacheerr

import "errors"

// Kind classifies a cache error into one of the six buckets the revalidator
// and shaping layers treat differently.
type Kind int

const (
	// KindUnknown is returned by Classify for errors not wrapping any sentinel below.
	KindUnknown Kind = iota
	// KindTransient covers network/backend hiccups expected to clear on retry.
	KindTransient
	// KindNotFound means the backend no longer has the record (deletion candidate).
	KindNotFound
	// KindParse means backend data was fetched but didn't match the expected shape.
	KindParse
	// KindPersistIO covers local disk read/write/rename failures in C3.
	KindPersistIO
	// KindLoadIntegrity means a loaded disk cache failed its checksum/version check.
	KindLoadIntegrity
	// KindFatalStartup means cold start cannot proceed (e.g. too few records, no cache and no backend).
	KindFatalStartup
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindNotFound:
		return "not_found"
	case KindParse:
		return "parse"
	case KindPersistIO:
		return "persist_io"
	case KindLoadIntegrity:
		return "load_integrity"
	case KindFatalStartup:
		return "fatal_startup"
	default:
		return "unknown"
	}
}

// Sentinel errors. Wrap with fmt.Errorf("...: %w", ErrX) to attach context
// while keeping errors.Is/errors.As working.
var (
	ErrTransient      = errors.New("cache: transient backend error")
	ErrNotFound       = errors.New("cache: record not found upstream")
	ErrParse          = errors.New("cache: failed to parse backend response")
	ErrPersistIO      = errors.New("cache: disk persistence I/O failure")
	ErrLoadIntegrity  = errors.New("cache: disk cache failed integrity validation")
	ErrFatalStartup   = errors.New("cache: fatal startup condition")
)

// Classify maps err to its taxonomy bucket by walking its error chain via errors.Is.
func Classify(err error) Kind {
	return classify(err)
}

func classify(err error) Kind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrTransient):
		return KindTransient
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrParse):
		return KindParse
	case errors.Is(err, ErrPersistIO):
		return KindPersistIO
	case errors.Is(err, ErrLoadIntegrity):
		return KindLoadIntegrity
	case errors.Is(err, ErrFatalStartup):
		return KindFatalStartup
	default:
		return KindUnknown
	}
}
