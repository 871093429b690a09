package domain

import "errors"

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")

	// ErrConflict reports that a conditional insert or transition lost to a
	// concurrent writer. Callers treat it as a no-op.
	ErrConflict = errors.New("store conflict")

	ErrContentGeneration = errors.New("content generation failed")
	ErrDeliveryTransient = errors.New("transient delivery failure")
	ErrDeliveryFatal     = errors.New("fatal delivery failure")
)
