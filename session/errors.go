package session

import "errors"

var (
	ErrIDNotAcquired   = errors.New("packet identifier not acquired")
	ErrDuplicateEntry  = errors.New("packet identifier already in flight")
	ErrEntryNotFound   = errors.New("no in-flight entry for packet identifier")
	ErrInvalidCapacity = errors.New("in-flight capacity must be at least 1")
)
