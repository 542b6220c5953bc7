package domain

import "errors"

// Kind classifies errors surfaced by the admin API.
type Kind string

const (
	KindUnauthorized     Kind = "Unauthorized"
	KindNotFound         Kind = "NotFound"
	KindNotLocked        Kind = "NotLocked"
	KindConflict         Kind = "Conflict"
	KindInvalidSchedule  Kind = "InvalidSchedule"
	KindInvalidRequest   Kind = "InvalidRequest"
	KindTimeout          Kind = "Timeout"
	KindTransportFailure Kind = "TransportFailure"
	KindInternal         Kind = "Internal"
)

var (
	ErrUnauthorized     = errors.New("unauthorized")
	ErrNotFound         = errors.New("job not found")
	ErrNotLocked        = errors.New("job not locked")
	ErrConflict         = errors.New("conflict")
	ErrInvalidSchedule  = errors.New("invalid schedule")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrTimeout          = errors.New("delivery timeout")
	ErrTransportFailure = errors.New("delivery transport failure")
)

var kinds = []struct {
	err  error
	kind Kind
}{
	{ErrUnauthorized, KindUnauthorized},
	{ErrNotFound, KindNotFound},
	{ErrNotLocked, KindNotLocked},
	{ErrConflict, KindConflict},
	{ErrInvalidSchedule, KindInvalidSchedule},
	{ErrInvalidRequest, KindInvalidRequest},
	{ErrTimeout, KindTimeout},
	{ErrTransportFailure, KindTransportFailure},
}

// KindOf returns the Kind of the first sentinel found in err's chain,
// or KindInternal.
func KindOf(err error) Kind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
