package core

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"billingsync/internal/types"
)

// Validator wraps go-playground/validator and translates its failures into
// AppErrors with per-field detail maps.
type Validator struct {
	validate *validator.Validate
}

// NewValidator creates a Validator. Field names in error details come from
// json tags so clients see the wire names they sent.
func NewValidator() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{validate: v}
}

// ValidateStruct validates dst against its struct tags.
func (v *Validator) ValidateStruct(dst any) error {
	err := v.validate.Struct(dst)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return types.NewAppError(types.ErrCodeValidationInvalidRequest, "request validation failed", err)
	}

	details := make(map[string]any, len(verrs))
	code := types.ErrCodeValidationInvalidRequest
	for _, fe := range verrs {
		if fe.Tag() == "required" {
			code = types.ErrCodeValidationMissingField
			details[fe.Field()] = "required"
			continue
		}
		details[fe.Field()] = fmt.Sprintf("failed %s validation", fe.Tag())
	}
	return types.NewAppErrorWithDetails(code, "request validation failed", err, details)
}
