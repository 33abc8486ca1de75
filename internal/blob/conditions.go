package blob

import "time"

// EvaluateRead applies cond to a read of an object whose current state is
// described by exists and props. It returns ErrNotFound, ErrNotModified or
// ErrPreconditionFailed when the read must not proceed.
func EvaluateRead(cond Conditions, exists bool, props Properties) error {
	if !exists {
		return ErrNotFound
	}
	if cond.IfMatch != "" && !etagMatches(cond.IfMatch, props.ETag) {
		return ErrPreconditionFailed
	}
	if cond.IfUnmodifiedSince != nil && modifiedAfter(props.LastModified, *cond.IfUnmodifiedSince) {
		return ErrPreconditionFailed
	}
	if cond.IfNoneMatch != "" && etagMatches(cond.IfNoneMatch, props.ETag) {
		return ErrNotModified
	}
	if cond.IfModifiedSince != nil && !modifiedAfter(props.LastModified, *cond.IfModifiedSince) {
		return ErrNotModified
	}
	return nil
}

// EvaluateWrite applies cond to a mutation. Any failed condition yields
// ErrPreconditionFailed; a match condition against a missing object fails too.
func EvaluateWrite(cond Conditions, exists bool, props Properties) error {
	if cond.IfMatch != "" {
		if !exists || !etagMatches(cond.IfMatch, props.ETag) {
			return ErrPreconditionFailed
		}
	}
	if !exists {
		return nil
	}
	if cond.IfNoneMatch != "" && etagMatches(cond.IfNoneMatch, props.ETag) {
		return ErrPreconditionFailed
	}
	if cond.IfUnmodifiedSince != nil && modifiedAfter(props.LastModified, *cond.IfUnmodifiedSince) {
		return ErrPreconditionFailed
	}
	if cond.IfModifiedSince != nil && !modifiedAfter(props.LastModified, *cond.IfModifiedSince) {
		return ErrPreconditionFailed
	}
	return nil
}

// EvaluateLease checks a supplied lease id against the active lease holder.
// holder is empty when no active lease exists.
func EvaluateLease(holder, supplied string) error {
	if holder == "" {
		if supplied != "" {
			return ErrLeaseConflict
		}
		return nil
	}
	if supplied != holder {
		return ErrLeaseConflict
	}
	return nil
}

func etagMatches(want, have string) bool {
	if want == "*" {
		return true
	}
	return NormalizeETag(want) == NormalizeETag(have)
}

// NormalizeETag strips surrounding quotes and weak validators.
func NormalizeETag(etag string) string {
	if len(etag) > 2 && etag[0] == 'W' && etag[1] == '/' {
		etag = etag[2:]
	}
	if len(etag) >= 2 && etag[0] == '"' && etag[len(etag)-1] == '"' {
		etag = etag[1 : len(etag)-1]
	}
	return etag
}

// HTTP dates carry second precision.
func modifiedAfter(lastModified, since time.Time) bool {
	return lastModified.Truncate(time.Second).After(since.Truncate(time.Second))
}
