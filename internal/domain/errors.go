package domain

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrAuth              = errors.New("authentication failed")
	ErrTransientDelivery = errors.New("transient delivery failure")
	ErrPermanentDelivery = errors.New("permanent delivery failure")
	ErrExhausted         = errors.New("delivery retry budget exhausted")
	ErrDuplicateEvent    = errors.New("event already published")
)

// ValidationError describes malformed input for a single field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// DeliveryError is the classified result of one failed HTTP attempt.
// Kind is ErrTransientDelivery or ErrPermanentDelivery.
type DeliveryError struct {
	StatusCode *int
	Kind       error
	Err        error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind, e.Err)
	case e.StatusCode != nil:
		return fmt.Sprintf("%v: endpoint returned %d", e.Kind, *e.StatusCode)
	}
	return e.Kind.Error()
}

func (e *DeliveryError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
