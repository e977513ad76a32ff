// Package filter decides whether downloaded bytes are an acceptable
// image. Anything it rejects reflects the content itself, not a
// transient condition, so rejections are never retried.
package filter

import (
	"bytes"
	"fmt"
	"image"

	// Decoders for the formats the gallery actually serves.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
)

// ValidationError explains why an image was rejected.
type ValidationError struct {
	err    error
	reason string
}

func (e *ValidationError) Error() string {
	if e.err != nil {
		return e.reason + ": " + e.err.Error()
	}
	return e.reason
}

func (e *ValidationError) Unwrap() error { return e.err }

// Validate checks that the bytes decode as an image and that both
// dimensions are at least minSize pixels.
func Validate(data []byte, minSize int) error {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return &ValidationError{err: err, reason: "corrupt or unrecognized image"}
	}

	if cfg.Width < minSize || cfg.Height < minSize {
		return &ValidationError{
			reason: fmt.Sprintf("image too small: %dx%d (format=%s, min=%dpx)", cfg.Width, cfg.Height, format, minSize),
		}
	}

	return nil
}
