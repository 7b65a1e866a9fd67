package errorutil

import "errors"

// ErrDataIntegrity is a base error type to use for failures that are due to
// unrecoverable data integrity issues.
var ErrDataIntegrity = errors.New("data integrity error")

// ErrProtocol is returned when an ingestion stream references a trace or a
// method that was never indexed for the current window.
var ErrProtocol = errors.New("protocol error")

// ErrRetryLater signals a transient condition, the caller should try again.
var ErrRetryLater = errors.New("try again later")

// ErrBucketFinalized is returned when mutating an aggregation bucket that was
// already finalized.
var ErrBucketFinalized = errors.New("aggregation bucket finalized")

// ErrNotFound represents situations in which the requested artifact, trace
// or node does not exist.
var ErrNotFound = errors.New("not found")
