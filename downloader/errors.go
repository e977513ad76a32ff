package downloader

import (
	"errors"

	"github.com/handsomefox/gallerydl/fetch"
	"github.com/handsomefox/gallerydl/files"
	"github.com/handsomefox/gallerydl/filter"
)

type outcome byte

const (
	_ outcome = iota
	// outcomeRetryable covers transient conditions worth re-attempting,
	// like network errors and bad HTTP statuses.
	outcomeRetryable
	// outcomePermanent covers failures that reflect the content itself;
	// retrying cannot fix an image that is corrupt or too small.
	outcomePermanent
	// outcomeFatal covers failures that make the destination unusable
	// for every subsequent task, so the whole run stops.
	outcomeFatal
)

// classify maps an attempt error onto the retry policy.
func classify(err error) outcome {
	var validationErr *filter.ValidationError
	if errors.As(err, &validationErr) {
		return outcomePermanent
	}

	var writeErr *files.WriteError
	if errors.As(err, &writeErr) {
		return outcomeFatal
	}

	// Transport errors and anything unrecognized get the benefit of the
	// doubt and a retry.
	return outcomeRetryable
}

// errorClass names the failure category recorded against an item.
func errorClass(err error) string {
	var validationErr *filter.ValidationError
	if errors.As(err, &validationErr) {
		return "validation"
	}

	var transportErr *fetch.TransportError
	if errors.As(err, &transportErr) {
		return "transport"
	}

	return "unknown"
}
