// Package validation wraps go-playground/validator with the project's
// custom tags and maps its failures onto domain.ValidationError.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Priya8975/integration-hub/internal/domain"
)

// New returns a validator that reports fields by their json name and
// understands the "eventtype" tag.
func New() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("eventtype", func(fl validator.FieldLevel) bool {
		return domain.EventType(fl.Field().String()).Valid()
	})
	return v
}

// Translate converts the first validator failure into a *domain.ValidationError.
// Errors that are not validator failures are returned unchanged.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	fe := fieldErrs[0]
	field := fe.Field()
	if ns := fe.Namespace(); strings.Contains(ns, ".") {
		field = ns[strings.Index(ns, ".")+1:]
	}
	return &domain.ValidationError{Field: field, Message: message(fe)}
}

// TranslateVar is Translate for a validate.Var call, which carries no field name.
func TranslateVar(field string, err error) error {
	err = Translate(err)
	var ve *domain.ValidationError
	if errors.As(err, &ve) {
		ve.Field = field
	}
	return err
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "url":
		return "must be a well-formed absolute URL"
	case "min":
		if fe.Kind() == reflect.Slice {
			return fmt.Sprintf("must contain at least %s item(s)", fe.Param())
		}
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "eventtype":
		return fmt.Sprintf("unknown event type %q", fe.Value())
	}
	return fmt.Sprintf("failed %q validation", fe.Tag())
}
