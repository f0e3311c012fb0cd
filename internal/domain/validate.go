package domain

import (
	"github.com/go-playground/validator/v10"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	validate.RegisterValidation("instance_id", validateInstanceID)
}

func validateInstanceID(fl validator.FieldLevel) bool {
	return ValidInstanceID(fl.Field().String())
}

// Validate checks an InstanceConfig before it is written by admin
// tooling. Serving-side reads only re-check the id format.
func (c *InstanceConfig) Validate() error {
	return validate.Struct(c)
}

// Validate reports whether the request carries the fields the pipeline
// needs. Any structural failure maps to the same client error.
func (r *ChatRequest) Validate() *APIError {
	if err := validate.Struct(r); err != nil {
		return ErrMissingFields().WithCause(err)
	}
	return nil
}
